package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// CORS is enforced by the surrounding chi middleware, not here;
	// same-origin-only browsers never reach this handler without it.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Router builds the HTTP mux serving /healthz, /metrics, and the
// WebSocket upgrade at /stream — a browser-reachable alternative
// framing of the same SubscriberHub contract the TCP+TLS frame server
// exposes (design §4.12's "transport-agnostic" API surface).
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/stream", s.handleWebSocketStream)

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	report := s.health(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if !report.Alive {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(report)
}

// handleWebSocketStream upgrades the connection and streams incident
// events as JSON text frames, reusing the same subscribe/event frame
// vocabulary the TCP framing uses so both transports carry identical
// payload shapes.
func (s *Server) handleWebSocketStream(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Hub == nil {
		http.Error(w, "streaming is not configured", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.cfg.Logger.WithError(err).Debug("api: websocket upgrade failed")
		return
	}
	defer conn.Close()

	incidentID := r.URL.Query().Get("incidentId")
	subID := "ws-" + r.RemoteAddr + "-" + s.cfg.Clock.Now().Format("150405.000000000")
	stream, unsub := s.cfg.Hub.Subscribe(subID, incidentID)
	defer unsub()

	_ = conn.WriteJSON(Frame{V: 1, Type: FrameSubscribed})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-done:
			return
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case batch, ok := <-stream:
			if !ok {
				return
			}
			for _, e := range batch {
				ef, err := eventFrame("", toEventView(e))
				if err != nil {
					continue
				}
				if err := conn.WriteJSON(ef); err != nil {
					return
				}
			}
		}
	}
}
