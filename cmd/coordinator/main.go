// Command coordinator runs the incident-response coordinator: it loads
// a YAML config, wires every component (event store, message bus,
// subscriber hub, provider facade, per-role agent runners, the
// orchestrator, metrics, and the RPC/streaming API), serves until
// interrupted, and drains in-flight work before exiting.
//
// Startup order:
//  1. parse flags, load and validate config
//  2. build the logger
//  3. open the event store (memory or postgres + migrations)
//  4. build the message bus and subscriber hub
//  5. wire each configured LLM provider into the provider facade
//  6. build a guardrail evaluator, if a policy bundle is configured
//  7. build one agent runner per incident role
//  8. build the orchestrator, metrics service, and API server
//  9. serve the framed TCP+TLS listener and the HTTP mux concurrently
//  10. block for SIGINT/SIGTERM, cancel, and drain with a bounded timeout
//
// Exit codes: 0 after -version, 2 config error (also used when a
// listener fails while serving), 3 event store unreachable at startup,
// 130 shut down by SIGINT/SIGTERM, returned after the bounded drain.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/incident-commander/coordinator/internal/config"
	"github.com/incident-commander/coordinator/pkg/agent"
	"github.com/incident-commander/coordinator/pkg/api"
	"github.com/incident-commander/coordinator/pkg/breaker"
	"github.com/incident-commander/coordinator/pkg/bus"
	"github.com/incident-commander/coordinator/pkg/consensus"
	"github.com/incident-commander/coordinator/pkg/eventstore"
	"github.com/incident-commander/coordinator/pkg/eventstore/memory"
	"github.com/incident-commander/coordinator/pkg/eventstore/postgres"
	"github.com/incident-commander/coordinator/pkg/guardrail"
	"github.com/incident-commander/coordinator/pkg/hub"
	"github.com/incident-commander/coordinator/pkg/incident"
	"github.com/incident-commander/coordinator/pkg/metricsservice"
	"github.com/incident-commander/coordinator/pkg/notify"
	"github.com/incident-commander/coordinator/pkg/orchestrator"
	"github.com/incident-commander/coordinator/pkg/provider"
	"github.com/incident-commander/coordinator/pkg/provider/anthropic"
	"github.com/incident-commander/coordinator/pkg/provider/bedrock"
	"github.com/incident-commander/coordinator/pkg/provider/langchain"
	"github.com/incident-commander/coordinator/pkg/ratelimit"
	sharedclock "github.com/incident-commander/coordinator/pkg/sharedutil/clock"
	"github.com/incident-commander/coordinator/pkg/sharedutil/retry"
)

const (
	exitOK              = 0
	exitConfigError     = 2
	exitStoreUnreachable = 3
	exitInterrupted     = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "/etc/coordinator/config.yaml", "path to the coordinator's YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("coordinator (development build)")
		return exitOK
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coordinator: %v\n", err)
		return exitConfigError
	}

	log := buildLogger(cfg.Observability)
	installTracing(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.WithError(err).Error("coordinator: event store unreachable")
		return exitStoreUnreachable
	}
	defer closeStore()

	clock := sharedclock.SystemClock{}
	messageBus := bus.New(bus.Config{
		RetryPolicy: retry.Default().WithMaxAttempts(cfg.Bus.MaxAttempts),
		Logger:      log,
		Clock:       clock,
	})
	subHub := hub.New(hub.Config{
		MaxBatchSize:    cfg.Hub.Batch.MaxSize,
		MaxBatchLatency: cfg.Hub.Batch.MaxLatency,
		OutboxCapacity:  cfg.Hub.Queue.Depth,
		Backpressure:    hub.BackpressurePolicy(cfg.Hub.Queue.OverflowPolicy),
		Clock:           clock,
		Logger:          log,
	})

	registry := prometheus.NewRegistry()
	hub.RegisterMetrics(registry)

	facade := provider.New(provider.Config{Clock: clock, Bus: messageBus})
	if err := wireProviders(facade, cfg, log); err != nil {
		log.WithError(err).Error("coordinator: provider wiring failed")
		return exitConfigError
	}

	var evaluator *guardrail.Evaluator
	if cfg.Guardrail.PolicyPath != "" {
		evaluator, err = loadGuardrail(ctx, cfg.Guardrail)
		if err != nil {
			log.WithError(err).Error("coordinator: guardrail policy failed to compile")
			return exitConfigError
		}
	}

	runners := buildRunners(cfg, facade, evaluator)

	notifier := buildNotifier(cfg.Notify, log)

	orch := orchestrator.New(orchestrator.Config{
		Workers:     cfg.Workers.Max,
		DedupWindow: cfg.Incident.DedupWindow,
		Store:       store,
		Bus:         messageBus,
		Hub:         subHub,
		Runners:     runners,
		Consensus: consensus.Config{
			Weights:            cfg.Agent.Weights,
			AgreeThreshold:     cfg.Consensus.AgreeThreshold,
			ConsensusThreshold: cfg.Consensus.Threshold,
		},
		Notifier: notifier,
		Clock:    clock,
		Logger:   log,
	})
	defer orch.Close()

	metrics := metricsservice.New(metricsservice.Config{
		Store:      store,
		Bus:        messageBus,
		Hub:        subHub,
		Clock:      clock,
		Logger:     log,
		Registerer: registry,
	})

	apiServer := buildAPIServer(cfg.API, orch, metrics, subHub, messageBus, store, log)

	errCh := make(chan error, 2)
	go func() {
		if _, err := apiServer.Listen(cfg.API.ListenAddr); err != nil {
			errCh <- fmt.Errorf("api: listen %s: %w", cfg.API.ListenAddr, err)
			return
		}
		errCh <- apiServer.Serve(ctx)
	}()

	httpServer := &http.Server{Addr: cfg.API.HTTPListenAddr, Handler: apiServer.Router()}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	log.WithFields(logrus.Fields{
		"rpc_addr":  cfg.API.ListenAddr,
		"http_addr": cfg.API.HTTPListenAddr,
	}).Info("coordinator: serving")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("coordinator: shutting down")
		cancel()

		drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer drainCancel()
		_ = httpServer.Shutdown(drainCtx)
		_ = apiServer.Close()
		return exitInterrupted
	case err := <-errCh:
		log.WithError(err).Error("coordinator: serving failed")
		cancel()
		return exitConfigError
	}
}

func buildLogger(obs config.ObservabilityConfig) *logrus.Logger {
	log := logrus.New()
	if level, err := logrus.ParseLevel(obs.LogLevel); err == nil {
		log.SetLevel(level)
	}
	if obs.LogFormat == "text" {
		log.SetFormatter(&logrus.TextFormatter{})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}

// installTracing routes the otel SDK's own internal diagnostic
// logging (failed exports, invalid spans) through a zap logger wrapped
// in a logr.Logger, via go-logr/zapr. This is the only consumer of
// zap/zapr/logr in the module: every application log line still goes
// through the logrus logger every other component uses, per design.
func installTracing(appLog *logrus.Logger) {
	zapLevel := zap.InfoLevel
	if lvl, err := zap.ParseAtomicLevel(appLog.GetLevel().String()); err == nil {
		zapLevel = lvl.Level()
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapLogger, err := zapCfg.Build()
	if err != nil {
		return
	}
	otel.SetLogger(zapr.NewLogger(zapLogger))
}

func openStore(ctx context.Context, cfg config.StoreConfig) (eventstore.Store, func(), error) {
	switch cfg.Driver {
	case "postgres":
		st, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	default:
		return memory.New(), func() {}, nil
	}
}

func wireProviders(facade *provider.Facade, cfg *config.Config, log *logrus.Logger) error {
	for name, pc := range cfg.Providers {
		cb := breaker.New(breakerConfigFor(name, cfg.Breaker, log))

		transport, err := buildTransport(pc)
		if err != nil {
			return fmt.Errorf("provider %q: %w", name, err)
		}

		facade.Register(name, transport, cb, provider.CostRates{
			InputMicrosPerToken:  pc.InputMicrosPerToken,
			OutputMicrosPerToken: pc.OutputMicrosPerToken,
		}, pc.MonthlyBudgetMicros)
	}
	return nil
}

func buildTransport(pc config.ProviderConfig) (provider.Transport, error) {
	switch pc.Kind {
	case "anthropic":
		apiKey := os.Getenv(pc.APIKeyEnv)
		if apiKey == "" {
			return nil, fmt.Errorf("env var %q is empty", pc.APIKeyEnv)
		}
		return anthropic.NewFromAPIKey(apiKey, pc.Model), nil
	case "bedrock":
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return bedrock.New(bedrockruntime.NewFromConfig(awsCfg), pc.Model), nil
	case "langchain":
		apiKey := os.Getenv(pc.APIKeyEnv)
		opts := []openai.Option{openai.WithToken(apiKey), openai.WithModel(pc.Model)}
		if pc.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(pc.BaseURL))
		}
		model, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("build langchain openai-compatible client: %w", err)
		}
		return langchain.New(model, pc.Model), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", pc.Kind)
	}
}

func breakerConfigFor(name string, breakers map[string]config.BreakerConfig, log *logrus.Logger) breaker.Config {
	cfg := breaker.Config{Name: name, Logger: log}
	if b, ok := breakers[name]; ok {
		cfg.FailureThreshold = b.FailureThreshold
		cfg.Cooldown = b.Cooldown
	}
	return cfg
}

func rateLimitConfigFor(name string, limits map[string]config.RateLimitConfig) ratelimit.Config {
	if rl, ok := limits[name]; ok {
		return ratelimit.Config{Capacity: rl.Capacity, RefillRate: rl.RefillRate}
	}
	return ratelimit.Config{}
}

func loadGuardrail(ctx context.Context, cfg config.GuardrailConfig) (*guardrail.Evaluator, error) {
	module, err := os.ReadFile(cfg.PolicyPath)
	if err != nil {
		return nil, fmt.Errorf("read guardrail policy %q: %w", cfg.PolicyPath, err)
	}
	return guardrail.New(ctx, cfg.PolicyPath, cfg.Query, string(module))
}

func buildRunners(cfg *config.Config, facade *provider.Facade, evaluator *guardrail.Evaluator) map[incident.Role]*agent.Runner {
	roles := []incident.Role{
		incident.RoleDetection, incident.RoleDiagnosis, incident.RolePrediction,
		incident.RoleResolution, incident.RoleCommunication,
	}
	limiters := make(map[string]*ratelimit.InProcessLimiter)
	for name := range cfg.Providers {
		limiters[name] = ratelimit.New(rateLimitConfigFor(name, cfg.RateLimit))
	}

	runners := make(map[incident.Role]*agent.Runner, len(roles))
	for _, role := range roles {
		providerName := cfg.Agent.Providers[role]
		runners[role] = agent.New(agent.Config{
			Role:         role,
			ProviderName: providerName,
			Facade:       facade,
			Limiter:      limiters[providerName],
			LimiterKey:   string(role),
			Guardrail:    evaluator,
			Prompt:       rolePrompt(role),
		})
	}
	return runners
}

func buildNotifier(cfg config.NotifyConfig, log *logrus.Logger) notify.Notifier {
	if !cfg.SlackEnabled {
		return notify.NoopNotifier{}
	}
	return notify.NewSlack(notify.SlackConfig{
		Token:     os.Getenv(cfg.SlackTokenEnv),
		ChannelID: cfg.SlackChannelID,
		Logger:    log,
	})
}

func buildAPIServer(cfg config.APIConfig, orch *orchestrator.Orchestrator, metrics *metricsservice.Service, subHub *hub.Hub, messageBus *bus.Bus, store eventstore.Store, log *logrus.Logger) *api.Server {
	var tlsCfg *tls.Config
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err == nil {
			tlsCfg = &tls.Config{Certificates: []tls.Certificate{cert}}
		}
	}
	return api.New(api.Config{
		Orchestrator: orch,
		Metrics:      metrics,
		Hub:          subHub,
		Bus:          messageBus,
		Store:        store,
		TLSConfig:    tlsCfg,
		Logger:       log,
	})
}
