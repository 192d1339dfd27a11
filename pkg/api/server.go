package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/incident-commander/coordinator/pkg/bus"
	"github.com/incident-commander/coordinator/pkg/eventstore"
	"github.com/incident-commander/coordinator/pkg/hub"
	"github.com/incident-commander/coordinator/pkg/incident"
	"github.com/incident-commander/coordinator/pkg/metricsservice"
	"github.com/incident-commander/coordinator/pkg/orchestrator"
	sharedclock "github.com/incident-commander/coordinator/pkg/sharedutil/clock"
	cerrors "github.com/incident-commander/coordinator/pkg/sharedutil/errors"
	"github.com/incident-commander/coordinator/pkg/sharedutil/tracing"
)

// pingInterval and pongTimeout are the keepalive cadence design §6
// specifies for the streaming channel: a ping every 15s, a 30s silence
// from either side closes the channel.
const (
	pingInterval = 15 * time.Second
	pongTimeout  = 30 * time.Second
)

// Config wires a Server's dependencies: the components the API surface
// is a thin, transport-facing adapter over.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Metrics      *metricsservice.Service
	Hub          *hub.Hub
	Bus          *bus.Bus
	Store        eventstore.Store

	TLSConfig *tls.Config // required by ListenAndServe; framed protocol always runs over TLS per design §6

	Clock  sharedclock.Clock
	Logger *logrus.Logger
}

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = sharedclock.SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
	return c
}

// Server is the API surface of design §4.12: a length-prefixed JSON
// frame server for the RPC/streaming contract, and (via Router) an
// HTTP mux for health, metrics scraping, and a WebSocket-framed version
// of the same streaming contract for browser dashboards.
type Server struct {
	cfg Config

	mu       sync.Mutex
	listener net.Listener
}

// New builds a Server. Call ListenAndServe to accept framed TCP+TLS
// connections, and Router to obtain the HTTP mux for /healthz,
// /metrics, and the WebSocket upgrade.
func New(cfg Config) *Server {
	return &Server{cfg: cfg.withDefaults()}
}

// Listen binds a TLS listener on addr and returns its bound address
// without serving yet, so a caller (or a test) can learn an
// ephemeral port before calling Serve.
func (s *Server) Listen(addr string) (net.Addr, error) {
	ln, err := tls.Listen("tcp", addr, s.cfg.TLSConfig)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return ln.Addr(), nil
}

// Serve accepts connections on the listener established by Listen and
// serves the framed protocol on each until ctx is cancelled. It blocks
// until ctx is cancelled or a fatal accept error occurs.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return cerrors.New(cerrors.KindInternal, "api: Serve called before Listen")
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleConn(ctx, conn)
	}
}

// ListenAndServe binds addr and serves until ctx is cancelled; it is
// Listen followed by Serve for callers that don't need the bound
// address ahead of time.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if _, err := s.Listen(addr); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Close stops accepting new connections. In-flight connections drain
// on their own once their reads fail.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// connWriter serializes frame writes onto conn: the per-connection
// dispatch loop and the ping ticker both write concurrently.
type connWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *connWriter) write(f Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return writeFrame(w.conn, f)
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	connID := uuid.NewString()
	log := s.cfg.Logger.WithField("conn_id", connID)

	cw := &connWriter{conn: conn}

	var lastSeenMu sync.Mutex
	lastSeen := s.cfg.Clock.Now()
	touch := func() {
		lastSeenMu.Lock()
		lastSeen = s.cfg.Clock.Now()
		lastSeenMu.Unlock()
	}
	silentFor := func() time.Duration {
		lastSeenMu.Lock()
		defer lastSeenMu.Unlock()
		return s.cfg.Clock.Now().Sub(lastSeen)
	}

	go s.pingLoop(connCtx, cw, silentFor)

	var unsub func()
	defer func() {
		if unsub != nil {
			unsub()
		}
	}()

	for {
		f, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				log.WithError(err).Debug("api: connection read failed")
			}
			return
		}
		touch()

		switch f.Type {
		case FramePong:
			// liveness only; no response needed.
		case FrameCall:
			s.dispatchCall(connCtx, cw, f)
		case FrameSubscribe:
			if unsub != nil {
				unsub()
			}
			unsub = s.dispatchSubscribe(connCtx, cw, f)
		case FrameUnsubscribe:
			if unsub != nil {
				unsub()
				unsub = nil
			}
		default:
			// Unknown frame types are ignored per design §6.
		}
	}
}

func (s *Server) pingLoop(ctx context.Context, cw *connWriter, silentFor func() time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if silentFor() > pongTimeout {
				_ = cw.conn.Close()
				return
			}
			_ = cw.write(Frame{V: 1, Type: FramePing})
		}
	}
}

func (s *Server) dispatchCall(ctx context.Context, cw *connWriter, f Frame) {
	ctx, span := tracing.Tracer().Start(ctx, "api.call")
	defer span.End()
	span.SetAttributes(attribute.String("rpc.method", f.Method))

	resp, err := s.invoke(ctx, f.Method, f.Payload)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		_ = cw.write(errorFrame(f.ID, cerrors.KindOf(err).Code(), err.Error()))
		return
	}
	rf, err := resultFrame(f.ID, resp)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		_ = cw.write(errorFrame(f.ID, cerrors.KindInternal.Code(), err.Error()))
		return
	}
	_ = cw.write(rf)
}

// invoke routes a decoded call frame to the matching API method.
func (s *Server) invoke(ctx context.Context, method string, payload json.RawMessage) (interface{}, error) {
	switch method {
	case "SubmitAlert":
		var req SubmitAlertRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, cerrors.New(cerrors.KindValidation, err.Error())
		}
		return s.submitAlert(ctx, req)
	case "GetIncident":
		var req GetIncidentRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, cerrors.New(cerrors.KindValidation, err.Error())
		}
		return s.getIncident(req)
	case "CancelIncident":
		var req CancelIncidentRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, cerrors.New(cerrors.KindValidation, err.Error())
		}
		return s.cancelIncident(req)
	case "GetMetrics":
		return s.getMetrics(), nil
	case "Health":
		return s.health(ctx), nil
	default:
		return nil, cerrors.New(cerrors.KindValidation, "unknown method: "+method)
	}
}

// dispatchSubscribe opens a SubscriberHub subscription and streams its
// batches as "event" frames until the connection or subscription ends.
// It returns an unsubscribe func the caller must invoke when the
// connection closes or a new subscribe/unsubscribe frame supersedes it.
func (s *Server) dispatchSubscribe(ctx context.Context, cw *connWriter, f Frame) func() {
	var req StreamIncidentsRequest
	_ = json.Unmarshal(f.Payload, &req) // empty payload means "no filter"

	if s.cfg.Hub == nil {
		_ = cw.write(errorFrame(f.ID, cerrors.KindInternal.Code(), "streaming is not configured"))
		return nil
	}

	subID := f.ID
	if subID == "" {
		subID = "sub"
	}
	stream, unsub := s.cfg.Hub.Subscribe(subID, req.IncidentID)

	_ = cw.write(Frame{V: 1, ID: f.ID, Type: FrameSubscribed})

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case batch, ok := <-stream:
				if !ok {
					return
				}
				for _, e := range batch {
					ef, err := eventFrame(f.ID, toEventView(e))
					if err != nil {
						continue
					}
					if err := cw.write(ef); err != nil {
						return
					}
				}
			}
		}
	}()

	return unsub
}

// EventView is the wire form of incident.Event: stable field names per
// design §6's event payload schema.
type EventView struct {
	IncidentID string          `json:"incidentId"`
	Sequence   int64           `json:"sequence"`
	Kind       incident.EventKind `json:"kind"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    interface{}     `json:"payload"`
}

func toEventView(e incident.Event) EventView {
	return EventView{
		IncidentID: e.IncidentID,
		Sequence:   e.Sequence,
		Kind:       e.Kind,
		Timestamp:  e.Timestamp,
		Payload:    e.Payload,
	}
}
