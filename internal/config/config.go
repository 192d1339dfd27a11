// Package config loads and validates the coordinator's YAML
// configuration file: the knob surface documented as the wire
// protocol's own configuration table — worker concurrency, per-role
// agent timeouts and consensus weights, per-dependency circuit
// breakers, per-provider rate limits, the message bus and subscriber
// hub tunables, and the ambient connection strings (event store,
// provider credentials, Slack, API listen address).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/incident-commander/coordinator/pkg/incident"
)

// Config is the root configuration structure.
type Config struct {
	Workers       WorkersConfig             `yaml:"workers"`
	Incident      IncidentConfig            `yaml:"incident"`
	Agent         AgentConfig               `yaml:"agent"`
	Consensus     ConsensusConfig           `yaml:"consensus"`
	Breaker       map[string]BreakerConfig  `yaml:"breaker"`
	RateLimit     map[string]RateLimitConfig `yaml:"ratelimit"`
	Bus           BusConfig                 `yaml:"bus"`
	Hub           HubConfig                 `yaml:"hub"`
	Store         StoreConfig               `yaml:"store"`
	Providers     map[string]ProviderConfig `yaml:"providers"`
	Guardrail     GuardrailConfig           `yaml:"guardrail"`
	Notify        NotifyConfig              `yaml:"notify"`
	API           APIConfig                 `yaml:"api"`
	Observability ObservabilityConfig       `yaml:"observability"`
}

// WorkersConfig tunes the Orchestrator's stripe count and global
// concurrency cap (config key workers.max).
type WorkersConfig struct {
	Max int `yaml:"max"`
}

// IncidentConfig tunes alert-to-incident correlation.
type IncidentConfig struct {
	DedupWindow time.Duration `yaml:"dedup_window"`
}

// AgentConfig holds per-role knobs keyed by incident.Role string value
// (config keys agent.timeout.<role> and agent.weights.<role>).
type AgentConfig struct {
	Timeout   map[incident.Role]time.Duration `yaml:"timeout"`
	Weights   map[incident.Role]float64       `yaml:"weights"`
	Providers map[incident.Role]string        `yaml:"providers"` // role -> key into Config.Providers
}

// ConsensusConfig mirrors consensus.Config's two thresholds.
type ConsensusConfig struct {
	Threshold      float64 `yaml:"threshold"`
	AgreeThreshold float64 `yaml:"agree_threshold"`
}

// BreakerConfig mirrors breaker.Config's tunables for one dependency
// (config keys breaker.<dep>.failure_threshold, breaker.<dep>.cooldown).
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// RateLimitConfig mirrors ratelimit.Config for one provider (config
// key ratelimit.<provider>).
type RateLimitConfig struct {
	Capacity   int     `yaml:"capacity"`
	RefillRate float64 `yaml:"refill_rate"`
}

// BusConfig tunes the MessageBus retry policy (config key bus.max_attempts).
type BusConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
}

// HubConfig tunes the SubscriberHub (config keys hub.batch.max_size,
// hub.batch.max_latency, hub.queue.depth, hub.queue.overflow_policy).
type HubConfig struct {
	Batch struct {
		MaxSize    int           `yaml:"max_size"`
		MaxLatency time.Duration `yaml:"max_latency"`
	} `yaml:"batch"`
	Queue struct {
		Depth           int    `yaml:"depth"`
		OverflowPolicy  string `yaml:"overflow_policy"`
	} `yaml:"queue"`
}

// StoreConfig selects and configures the EventStore backend.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "memory" or "postgres"
	DSN    string `yaml:"dsn"`
}

// ProviderConfig configures one LLM provider transport.
type ProviderConfig struct {
	Kind                string `yaml:"kind"` // "anthropic", "bedrock", "langchain"
	Model               string `yaml:"model"`
	BaseURL             string `yaml:"base_url"` // langchain/self-hosted only
	APIKeyEnv           string `yaml:"api_key_env"`
	InputMicrosPerToken int64  `yaml:"input_micros_per_token"`
	OutputMicrosPerToken int64 `yaml:"output_micros_per_token"`
	MonthlyBudgetMicros int64  `yaml:"monthly_budget_micros"`
}

// GuardrailConfig points at the OPA policy bundle guarding agent
// proposals (design §4.6's guardrail.Evaluator).
type GuardrailConfig struct {
	PolicyPath string `yaml:"policy_path"`
	Query      string `yaml:"query"`
	Module     string `yaml:"module"`
}

// NotifyConfig configures Slack delivery of the COMMUNICATION summary.
type NotifyConfig struct {
	SlackEnabled      bool   `yaml:"slack_enabled"`
	SlackTokenEnv     string `yaml:"slack_token_env"`
	SlackChannelID    string `yaml:"slack_channel_id"`
}

// APIConfig configures the framed TCP+TLS listener and HTTP mux.
type APIConfig struct {
	ListenAddr     string `yaml:"listen_addr"`
	HTTPListenAddr string `yaml:"http_listen_addr"`
	TLSCertFile    string `yaml:"tls_cert_file"`
	TLSKeyFile     string `yaml:"tls_key_file"`
}

// ObservabilityConfig configures logging and tracing.
type ObservabilityConfig struct {
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"` // "json" or "text"
	OTLPEndpoint string `yaml:"otlp_endpoint"` // empty: no-op tracer provider
}

// Defaults returns a Config populated with every documented default.
func Defaults() Config {
	return Config{
		Workers:  WorkersConfig{Max: 0}, // 0 means runtime.NumCPU(), per orchestrator.Config.withDefaults
		Incident: IncidentConfig{DedupWindow: 5 * time.Minute},
		Agent: AgentConfig{
			Timeout: map[incident.Role]time.Duration{
				incident.RoleDetection:     20 * time.Second,
				incident.RoleDiagnosis:     30 * time.Second,
				incident.RolePrediction:    30 * time.Second,
				incident.RoleResolution:    30 * time.Second,
				incident.RoleCommunication: 15 * time.Second,
			},
			Weights: map[incident.Role]float64{
				incident.RoleDetection:  0.2,
				incident.RoleDiagnosis:  0.3,
				incident.RolePrediction: 0.2,
				incident.RoleResolution: 0.3,
			},
			Providers: map[incident.Role]string{},
		},
		Consensus: ConsensusConfig{Threshold: 0.85, AgreeThreshold: 0.6},
		Breaker:   map[string]BreakerConfig{},
		RateLimit: map[string]RateLimitConfig{},
		Bus:       BusConfig{MaxAttempts: 3},
		Hub: HubConfig{
			Batch: struct {
				MaxSize    int           `yaml:"max_size"`
				MaxLatency time.Duration `yaml:"max_latency"`
			}{MaxSize: 50, MaxLatency: 250 * time.Millisecond},
			Queue: struct {
				Depth          int    `yaml:"depth"`
				OverflowPolicy string `yaml:"overflow_policy"`
			}{Depth: 64, OverflowPolicy: "drop_oldest"},
		},
		Store:     StoreConfig{Driver: "memory"},
		Providers: map[string]ProviderConfig{},
		API: APIConfig{
			ListenAddr:     "0.0.0.0:8443",
			HTTPListenAddr: "0.0.0.0:8080",
		},
		Observability: ObservabilityConfig{LogLevel: "info", LogFormat: "json"},
	}
}

// Load reads, parses, and validates the YAML config file at path,
// returning defaults merged with whatever the file overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks cfg for internal consistency, collecting every
// violation rather than failing on the first one.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Workers.Max < 0 {
		errs = append(errs, fmt.Sprintf("workers.max must be >= 0, got %d", cfg.Workers.Max))
	}
	if cfg.Incident.DedupWindow < 0 {
		errs = append(errs, "incident.dedup_window must be >= 0")
	}
	if cfg.Consensus.Threshold <= 0 || cfg.Consensus.Threshold > 1 {
		errs = append(errs, fmt.Sprintf("consensus.threshold must be in (0, 1], got %f", cfg.Consensus.Threshold))
	}
	if cfg.Consensus.AgreeThreshold <= 0 || cfg.Consensus.AgreeThreshold > 1 {
		errs = append(errs, fmt.Sprintf("consensus.agree_threshold must be in (0, 1], got %f", cfg.Consensus.AgreeThreshold))
	}
	for role, w := range cfg.Agent.Weights {
		if w < 0 {
			errs = append(errs, fmt.Sprintf("agent.weights.%s must be >= 0, got %f", role, w))
		}
	}
	if len(cfg.Providers) > 0 {
		for _, role := range []incident.Role{
			incident.RoleDetection, incident.RoleDiagnosis, incident.RolePrediction,
			incident.RoleResolution, incident.RoleCommunication,
		} {
			name, ok := cfg.Agent.Providers[role]
			if !ok || name == "" {
				errs = append(errs, fmt.Sprintf("agent.providers.%s must name a provider", role))
				continue
			}
			if _, ok := cfg.Providers[name]; !ok {
				errs = append(errs, fmt.Sprintf("agent.providers.%s references unknown provider %q", role, name))
			}
		}
	}
	for dep, b := range cfg.Breaker {
		if b.FailureThreshold < 0 {
			errs = append(errs, fmt.Sprintf("breaker.%s.failure_threshold must be >= 0, got %d", dep, b.FailureThreshold))
		}
		if b.Cooldown < 0 {
			errs = append(errs, fmt.Sprintf("breaker.%s.cooldown must be >= 0", dep))
		}
	}
	for provider, rl := range cfg.RateLimit {
		if rl.Capacity < 0 {
			errs = append(errs, fmt.Sprintf("ratelimit.%s.capacity must be >= 0, got %d", provider, rl.Capacity))
		}
		if rl.RefillRate < 0 {
			errs = append(errs, fmt.Sprintf("ratelimit.%s.refill_rate must be >= 0, got %f", provider, rl.RefillRate))
		}
	}
	if cfg.Bus.MaxAttempts < 1 {
		errs = append(errs, fmt.Sprintf("bus.max_attempts must be >= 1, got %d", cfg.Bus.MaxAttempts))
	}
	if cfg.Hub.Batch.MaxSize < 1 {
		errs = append(errs, fmt.Sprintf("hub.batch.max_size must be >= 1, got %d", cfg.Hub.Batch.MaxSize))
	}
	if cfg.Hub.Queue.OverflowPolicy != "" && cfg.Hub.Queue.OverflowPolicy != "drop_oldest" && cfg.Hub.Queue.OverflowPolicy != "disconnect" {
		errs = append(errs, fmt.Sprintf("hub.queue.overflow_policy must be drop_oldest or disconnect, got %q", cfg.Hub.Queue.OverflowPolicy))
	}
	switch cfg.Store.Driver {
	case "memory":
	case "postgres":
		if cfg.Store.DSN == "" {
			errs = append(errs, "store.dsn is required when store.driver is postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be memory or postgres, got %q", cfg.Store.Driver))
	}
	if cfg.Notify.SlackEnabled && cfg.Notify.SlackChannelID == "" {
		errs = append(errs, "notify.slack_channel_id is required when notify.slack_enabled is true")
	}
	if cfg.API.ListenAddr == "" {
		errs = append(errs, "api.listen_addr must not be empty")
	}

	if len(errs) > 0 {
		msg := "config validation errors:"
		for _, e := range errs {
			msg += "\n  - " + e
		}
		return fmt.Errorf("%s", msg)
	}
	return nil
}
