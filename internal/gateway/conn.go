package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"roland/internal/journal"
	"roland/internal/model"
	"roland/internal/supervisor"
	"roland/internal/telemetry"
)

const (
	writeWait      = 2 * time.Second
	maxMessageSize = 4096
	replyQueue     = 16
)

// handleWS upgrades the request and runs the operator session until either
// flow ends. Only one operator may be connected at a time.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/ws" {
		http.NotFound(w, r)
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	if err := s.guard.Lock(); err != nil {
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("rejecting second operator")
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	defer s.guard.Unlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	id := uuid.NewString()
	logger := s.log.With().Str("operator", id).Str("remote", r.RemoteAddr).Logger()
	logger.Info().Msg("operator connected")
	s.record(journal.KindOperator, id, "connected from "+r.RemoteAddr)

	s.mu.Lock()
	s.active = conn
	s.mu.Unlock()

	err = s.serve(conn, logger)

	s.mu.Lock()
	s.active = nil
	s.mu.Unlock()

	detail := "disconnected"
	if err != nil {
		detail = "disconnected: " + err.Error()
	}
	logger.Info().AnErr("cause", err).Msg("operator disconnected")
	s.record(journal.KindOperator, id, detail)
}

// serve races the read and write flows; the first to end closes the socket,
// which releases the other.
func (s *Server) serve(conn *websocket.Conn, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	conn.SetReadLimit(maxMessageSize)
	replies := make(chan any, replyQueue)
	errc := make(chan error, 2)
	go func() { errc <- s.readFlow(ctx, conn, replies, logger) }()
	go func() { errc <- s.writeFlow(ctx, conn, replies) }()

	err := <-errc
	cancel()
	_ = conn.Close()
	<-errc

	if isClosure(err) {
		return nil
	}
	return err
}

func isClosure(err error) bool {
	return err == nil ||
		errors.Is(err, context.Canceled) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}

// readFlow turns operator messages into commands and mode switches. Bad input
// is answered with a Text message and the connection stays up.
func (s *Server) readFlow(ctx context.Context, conn *websocket.Conn, replies chan<- any, logger zerolog.Logger) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		in, err := model.ParseInbound(data)
		if err != nil {
			logger.Warn().Err(err).Bytes("msg", data).Msg("invalid operator message")
			s.reply(ctx, replies, model.TextMessage{Text: "error: " + err.Error()})
			continue
		}
		logger.Debug().Bytes("msg", data).Msg("operator message")

		if in.IsModeSwitch() {
			if err := s.switchMode(ctx, in.Mode); err != nil {
				logger.Warn().Err(err).Str("mode", in.Mode).Msg("mode switch rejected")
				s.reply(ctx, replies, model.TextMessage{Text: "error: " + err.Error()})
				continue
			}
			s.reply(ctx, replies, model.TextMessage{Text: "mode: " + s.deps.Modes.Mode().String()})
			continue
		}

		if err := s.deps.Commands.Send(ctx, in.Command); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("forward command: %w", err)
		}
	}
}

func (s *Server) switchMode(ctx context.Context, name string) error {
	m, err := supervisor.ParseMode(name)
	if err != nil {
		return err
	}
	return s.deps.Modes.SetMode(ctx, m)
}

func (s *Server) reply(ctx context.Context, replies chan<- any, msg any) {
	select {
	case replies <- msg:
	case <-ctx.Done():
	}
}

// writeFlow is the only writer on the socket. It pushes a snapshot of both
// topics, then every change, interleaved with replies from the read flow.
// A distance that ages out without a successor is pushed once more as null.
func (s *Server) writeFlow(ctx context.Context, conn *websocket.Conn, replies <-chan any) error {
	tel := s.deps.Telemetry
	distRx := tel.SubscribeDistance()
	trackRx := tel.SubscribeTrack()

	stale := time.NewTimer(s.deps.Freshness)
	defer stale.Stop()
	pushUltra := func() error {
		msg := s.ultra(distRx.Borrow())
		if msg.Ultra != nil {
			stale.Reset(s.deps.Freshness)
		} else {
			stale.Stop()
		}
		return s.write(conn, msg)
	}

	if err := pushUltra(); err != nil {
		return err
	}
	if err := s.write(conn, model.TrackMessage{Track: trackRx.Borrow()}); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-replies:
			if err := s.write(conn, msg); err != nil {
				return err
			}
		case <-distRx.Ready():
			if _, err := distRx.HasChanged(); err != nil {
				return fmt.Errorf("distance: %w", err)
			}
			if err := pushUltra(); err != nil {
				return err
			}
		case <-stale.C:
			if err := s.write(conn, model.UltraMessage{}); err != nil {
				return err
			}
		case <-trackRx.Ready():
			if _, err := trackRx.HasChanged(); err != nil {
				return fmt.Errorf("track: %w", err)
			}
			if err := s.write(conn, model.TrackMessage{Track: trackRx.Borrow()}); err != nil {
				return err
			}
		}
	}
}

func (s *Server) ultra(d telemetry.Distance) model.UltraMessage {
	mean, ok := d.Fresh(s.deps.Telemetry.Now(), s.deps.Freshness)
	return model.NewUltraMessage(mean, ok)
}

func (s *Server) write(conn *websocket.Conn, msg any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}
