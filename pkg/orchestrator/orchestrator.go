// Package orchestrator drives a single incident through its phase
// pipeline (design §4.8): it is the sole mutator of Incident aggregates,
// the only writer to EventStore, and the publisher of every agent.update
// MessageBus message and SubscriberHub snapshot. Per-incident work is
// serialized onto a worker stripe keyed by hash(incidentId); different
// incidents proceed fully in parallel, bounded by a global semaphore.
package orchestrator

import (
	"context"
	"hash/fnv"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/incident-commander/coordinator/pkg/agent"
	"github.com/incident-commander/coordinator/pkg/bus"
	"github.com/incident-commander/coordinator/pkg/consensus"
	"github.com/incident-commander/coordinator/pkg/eventstore"
	"github.com/incident-commander/coordinator/pkg/hub"
	"github.com/incident-commander/coordinator/pkg/incident"
	"github.com/incident-commander/coordinator/pkg/notify"
	sharedclock "github.com/incident-commander/coordinator/pkg/sharedutil/clock"
	cerrors "github.com/incident-commander/coordinator/pkg/sharedutil/errors"
	"github.com/incident-commander/coordinator/pkg/sharedutil/retry"
)

// ActionExecutor performs one RESOLVING remediation action and, if it
// carries a rollback token, reverses it on a best-effort basis. The
// default NoopActionExecutor always succeeds immediately, since concrete
// remediation mechanics are outside this coordinator's scope.
type ActionExecutor interface {
	Execute(ctx context.Context, action incident.ExecutedAction) error
	Rollback(ctx context.Context, token string) error
}

// NoopActionExecutor is the zero-effort default: every action succeeds
// without doing anything, and rollback always succeeds.
type NoopActionExecutor struct{}

func (NoopActionExecutor) Execute(ctx context.Context, action incident.ExecutedAction) error { return nil }
func (NoopActionExecutor) Rollback(ctx context.Context, token string) error                  { return nil }

// Config wires an Orchestrator's dependencies.
type Config struct {
	Workers             int // stripe count and global concurrency cap; default runtime.NumCPU()
	DedupWindow         time.Duration // default 5 minutes
	EventStoreRetryMax  int // default 3, per design §4.8 failure classes
	ActionRetryPolicy   retry.Policy

	Store     eventstore.Store
	Bus       *bus.Bus
	Hub       *hub.Hub
	Runners   map[incident.Role]*agent.Runner
	Consensus consensus.Config
	Actions   ActionExecutor
	Notifier  notify.Notifier // defaults to notify.NoopNotifier{}

	Clock sharedclock.Clock
	IDGen sharedclock.IDGen
	Rand  *rand.Rand

	Logger *logrus.Logger
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 5 * time.Minute
	}
	if c.EventStoreRetryMax <= 0 {
		c.EventStoreRetryMax = 3
	}
	if c.ActionRetryPolicy.MaxAttempts == 0 {
		c.ActionRetryPolicy = retry.Default().WithMaxAttempts(3)
	}
	if c.Actions == nil {
		c.Actions = NoopActionExecutor{}
	}
	if c.Notifier == nil {
		c.Notifier = notify.NoopNotifier{}
	}
	if c.Clock == nil {
		c.Clock = sharedclock.SystemClock{}
	}
	if c.IDGen == nil {
		c.IDGen = sharedclock.NewULIDGen(c.Clock)
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewSource(1))
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
	return c
}

type incidentState struct {
	mu      sync.Mutex
	inc     *incident.Incident
	nextSeq int64

	pipelineCtx context.Context
	cancel      context.CancelFunc
}

// Orchestrator is the sole owner of every Incident aggregate it creates.
type Orchestrator struct {
	cfg Config
	sem *semaphore.Weighted

	mu               sync.Mutex
	incidents        map[string]*incidentState
	fingerprintIndex map[string]string // fingerprint -> incident id, for open incidents only
	lastSeen         map[string]time.Time

	stripes []chan *incidentState
	wg      sync.WaitGroup
}

// New builds an Orchestrator and starts its worker stripes.
func New(cfg Config) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		cfg:              cfg,
		sem:              semaphore.NewWeighted(int64(cfg.Workers)),
		incidents:        make(map[string]*incidentState),
		fingerprintIndex: make(map[string]string),
		lastSeen:         make(map[string]time.Time),
		stripes:          make([]chan *incidentState, cfg.Workers),
	}
	for i := range o.stripes {
		o.stripes[i] = make(chan *incidentState, 64)
		o.wg.Add(1)
		go o.stripeLoop(o.stripes[i])
	}
	return o
}

// Close stops accepting new work and waits for every stripe to drain.
func (o *Orchestrator) Close() {
	for _, ch := range o.stripes {
		close(ch)
	}
	o.wg.Wait()
}

func (o *Orchestrator) stripeLoop(ch chan *incidentState) {
	defer o.wg.Done()
	for st := range ch {
		st.mu.Lock()
		ctx := st.pipelineCtx
		st.mu.Unlock()
		o.runPipeline(ctx, st)
	}
}

func stripeFor(id string, numStripes int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32()) % numStripes
}

// SubmitAlert ingests alert, attaching it to an already-open incident
// with the same fingerprint seen within DedupWindow, or opening a new
// incident and dispatching it onto its worker stripe (design §4.8
// step 1).
func (o *Orchestrator) SubmitAlert(ctx context.Context, severity incident.Severity, fingerprint string, alert incident.Alert) (string, error) {
	now := o.cfg.Clock.Now()

	o.mu.Lock()
	if id, ok := o.fingerprintIndex[fingerprint]; ok {
		if now.Sub(o.lastSeen[fingerprint]) <= o.cfg.DedupWindow {
			st := o.incidents[id]
			o.lastSeen[fingerprint] = now
			o.mu.Unlock()

			st.mu.Lock()
			st.inc.AttachAlert(alert, now)
			st.mu.Unlock()
			return id, nil
		}
		delete(o.fingerprintIndex, fingerprint)
	}
	o.mu.Unlock()

	id := o.cfg.IDGen.NewID("inc")
	inc := incident.New(id, severity, fingerprint, alert, now)
	incCtx, cancel := context.WithCancel(context.Background())
	st := &incidentState{inc: inc, cancel: cancel, pipelineCtx: incCtx}

	if _, err := o.appendEvent(incCtx, st, incident.EventIncidentOpened, incident.IncidentOpenedPayload{
		Severity: severity, Fingerprint: fingerprint, Alert: alert,
	}); err != nil {
		cancel()
		return "", err
	}

	o.mu.Lock()
	o.incidents[id] = st
	o.fingerprintIndex[fingerprint] = id
	o.lastSeen[fingerprint] = now
	o.mu.Unlock()

	o.stripes[stripeFor(id, len(o.stripes))] <- st
	return id, nil
}

// GetIncident returns a deep-enough snapshot of incident id.
func (o *Orchestrator) GetIncident(id string) (incident.Incident, bool) {
	o.mu.Lock()
	st, ok := o.incidents[id]
	o.mu.Unlock()
	if !ok {
		return incident.Incident{}, false
	}
	st.mu.Lock()
	snap := st.inc.Clone()
	st.mu.Unlock()
	return snap, true
}

// CancelIncident signals cooperative cancellation to every in-flight
// operation for id (design §4.8, §5 "Cancellation and timeouts").
func (o *Orchestrator) CancelIncident(id string) error {
	o.mu.Lock()
	st, ok := o.incidents[id]
	o.mu.Unlock()
	if !ok {
		return cerrors.ErrNotFound
	}
	st.cancel()
	return nil
}
