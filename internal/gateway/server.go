// Package gateway exposes the robot to a remote operator: a websocket for
// commands and telemetry pushes, plus a small JSON status API.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"roland/internal/journal"
	"roland/internal/protocol"
	"roland/internal/supervisor"
	"roland/internal/telemetry"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// Commands is where operator commands go.
type Commands interface {
	Send(ctx context.Context, f protocol.CommandFrame) error
	Len() int
}

// Modes switches the control mode.
type Modes interface {
	SetMode(ctx context.Context, m supervisor.Mode) error
	Mode() supervisor.Mode
}

// Telemetry is the read side of the telemetry hub.
type Telemetry interface {
	SubscribeDistance() *telemetry.Receiver[telemetry.Distance]
	SubscribeTrack() *telemetry.Receiver[telemetry.TrackState]
	Distance() telemetry.Distance
	Track() telemetry.TrackState
	Now() time.Time
}

// Events is the control-event journal. It may be nil.
type Events interface {
	Record(kind, session, detail string) error
	List(limit int) ([]journal.Event, error)
}

// Deps are the components the gateway talks to.
type Deps struct {
	Commands  Commands
	Modes     Modes
	Telemetry Telemetry
	Events    Events
	// Freshness is the maximum age of a distance pushed as a value.
	Freshness time.Duration
	// LinkSession reports the current link session id for /api/status.
	LinkSession func() string
}

// Server serves the operator websocket and the status API.
type Server struct {
	Addr   string
	Mux    *http.ServeMux
	Server *http.Server

	deps  Deps
	guard xMutex
	log   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	active *websocket.Conn
}

// NewServer builds the routes; nothing listens until Start.
func NewServer(addr string, deps Deps) *Server {
	if deps.Freshness <= 0 {
		deps.Freshness = telemetry.DefaultFreshness
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		Addr:   addr,
		Mux:    http.NewServeMux(),
		deps:   deps,
		log:    log.With().Str("component", "gateway").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.Mux.HandleFunc("/", s.handleWS)
	s.Mux.HandleFunc("/ws", s.handleWS)
	s.Mux.HandleFunc("/api/status", s.handleStatus)
	s.Mux.HandleFunc("/api/events", s.handleEvents)
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.Mux }

// Start listens on Addr and blocks until Stop.
func (s *Server) Start() error {
	addr := s.Addr
	if addr == "" {
		s.log.Info().Msg("gateway not started (empty address)")
		return nil
	}
	addr = strings.TrimPrefix(addr, "http://")
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return nil
	}
	s.Server = &http.Server{Addr: addr, Handler: s.Mux, ReadHeaderTimeout: 5 * time.Second}
	srv := s.Server
	s.mu.Unlock()

	s.log.Info().Str("addr", addr).Msg("gateway listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}

// Stop ends the operator session and shuts the listener down.
func (s *Server) Stop() {
	s.mu.Lock()
	s.cancel()
	srv, conn := s.Server, s.active
	s.mu.Unlock()

	// Hijacked websocket connections are not covered by Shutdown.
	if conn != nil {
		_ = conn.Close()
	}
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.log.Warn().Err(err).Msg("gateway shutdown")
	} else {
		s.log.Info().Msg("gateway stopped")
	}
}

// Connected reports whether an operator is connected.
func (s *Server) Connected() bool { return s.guard.InUse() }

func (s *Server) record(kind, session, detail string) {
	if s.deps.Events == nil {
		return
	}
	if err := s.deps.Events.Record(kind, session, detail); err != nil {
		s.log.Warn().Err(err).Msg("record event")
	}
}
