// Package gateway serves the downstream client websocket surface.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/marketcalls/tickstream/internal/bus/tickbus"
	"github.com/marketcalls/tickstream/internal/observability"
	"github.com/marketcalls/tickstream/internal/registry"
	"github.com/marketcalls/tickstream/internal/telemetry"
)

const (
	defaultQueueDepth   = 64
	defaultWriteTimeout = 5 * time.Second
)

// Config controls per-session behaviour.
type Config struct {
	// QueueDepth bounds each session's outbound queue. A session whose queue
	// is full when a delivery arrives is forcibly disconnected.
	QueueDepth int
	// WriteTimeout bounds a single websocket write.
	WriteTimeout time.Duration
}

func (c Config) normalize() Config {
	if c.QueueDepth <= 0 {
		c.QueueDepth = defaultQueueDepth
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	return c
}

// Server accepts downstream websocket clients and runs one session per
// connection. Each session multiplexes its subscribed topics over the single
// socket; a slow session is disconnected rather than allowed to stall
// delivery to its siblings.
type Server struct {
	cfg      Config
	registry *registry.Registry
	bus      tickbus.Bus
	log      observability.Logger
	metrics  *telemetry.Metrics

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// NewServer constructs the websocket server.
func NewServer(cfg Config, reg *registry.Registry, bus tickbus.Bus, logger observability.Logger, metrics *telemetry.Metrics) *Server {
	if logger == nil {
		logger = observability.Log()
	}
	s := new(Server)
	s.cfg = cfg.normalize()
	s.registry = reg
	s.bus = bus
	s.log = logger
	s.metrics = metrics
	s.sessions = make(map[string]*session)
	return s
}

// ServeHTTP upgrades the request and runs the session until the client
// departs or is disconnected.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Error("websocket accept failed", observability.Field{Key: "error", Value: err})
		return
	}

	sess := newSession(uuid.NewString(), s, conn)
	if !s.track(sess) {
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	s.metrics.SessionOpened(r.Context())
	s.log.Info("session opened",
		observability.Field{Key: "session", Value: sess.id},
		observability.Field{Key: "remote", Value: r.RemoteAddr})

	sess.run(r.Context())

	s.log.Info("session closed", observability.Field{Key: "session", Value: sess.id})
}

// Shutdown disconnects every active session.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	active := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		active = append(active, sess)
	}
	s.mu.Unlock()

	for _, sess := range active {
		sess.close(websocket.StatusGoingAway, "server shutting down")
	}

	// Give teardowns a chance to release upstream interest.
	for s.SessionCount() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// SessionCount reports the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) track(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess.id] = sess
	return true
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	s.metrics.SessionClosed(context.Background())
}
