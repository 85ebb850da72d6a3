// Package core wires the robot's host runtime: the serial link, telemetry
// distribution, the command queue, the control-mode supervisor, the operator
// gateway and the event journal. System owns their lifecycle.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"roland/internal/command"
	"roland/internal/control"
	"roland/internal/device"
	"roland/internal/gateway"
	"roland/internal/journal"
	"roland/internal/link"
	"roland/internal/model"
	"roland/internal/supervisor"
	"roland/internal/telemetry"
)

// Overrides replace configuration values from the command line. Empty fields
// are ignored.
type Overrides struct {
	Device      string
	GatewayAddr string
	JournalPath string
}

// System manages the lifecycle of every component. It loads configuration
// from a YAML file and builds the components on StartAll.
type System struct {
	cfgPath string
	cfg     *model.Config

	Journal    *journal.Journal
	Hub        *telemetry.Hub
	Commands   *command.Channel
	Session    *link.Session
	Supervisor *supervisor.Supervisor
	Gateway    *gateway.Server

	// openPort resolves and opens the controller port.
	openPort func(cfg model.SerialConfig) (device.Port, string, error)

	started   bool
	startLock sync.Mutex
	stopping  atomic.Bool
	done      chan struct{}
	log       zerolog.Logger
}

// NewSystem reads the configuration at cfgPath and applies overrides. Nothing
// is opened until StartAll.
func NewSystem(cfgPath string, ov Overrides) (*System, error) {
	cfg, err := model.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	if ov.Device != "" {
		cfg.Serial.Device = ov.Device
	}
	if ov.GatewayAddr != "" {
		cfg.Gateway.Addr = ov.GatewayAddr
	}
	if ov.JournalPath != "" {
		cfg.Journal.Path = ov.JournalPath
	}
	return &System{
		cfgPath:  cfgPath,
		cfg:      cfg,
		openPort: openSerial,
		done:     make(chan struct{}),
		log:      log.With().Str("component", "system").Logger(),
	}, nil
}

// Config returns the effective configuration.
func (s *System) Config() *model.Config { return s.cfg }

func openSerial(cfg model.SerialConfig) (device.Port, string, error) {
	path := cfg.Device
	if path == "" {
		var err error
		if path, err = device.FindPort(cfg.Pattern); err != nil {
			return nil, "", err
		}
	}
	port, err := device.OpenSerial(path, cfg.Baud)
	if err != nil {
		return nil, path, err
	}
	return port, path, nil
}

// StartAll opens the link and starts every component. If the controller
// port cannot be opened nothing is started.
func (s *System) StartAll(ctx context.Context) error {
	s.startLock.Lock()
	defer s.startLock.Unlock()
	if s.started {
		return nil
	}
	cfg := s.cfg

	port, path, err := s.openPort(cfg.Serial)
	if err != nil {
		return fmt.Errorf("open controller port: %w", err)
	}
	s.log.Info().Str("device", path).Int("baud", cfg.Serial.Baud).Msg("controller port open")

	j, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		_ = port.Close()
		return err
	}
	s.Journal = j

	s.Hub = telemetry.NewHub(cfg.Telemetry.Window, nil)
	s.Commands = command.NewChannel(cfg.Commands.QueueSize)
	s.Session = link.NewSession(port, s.Hub, s.Commands)
	s.Supervisor = supervisor.New(s.Commands, s.tasks(), j)
	s.Gateway = gateway.NewServer(cfg.Gateway.Addr, gateway.Deps{
		Commands:    s.Commands,
		Modes:       s.Supervisor,
		Telemetry:   s.Hub,
		Events:      j,
		Freshness:   cfg.Freshness(),
		LinkSession: s.Session.ID,
	})

	// The session outlives ctx; StopAll ends it after the final reset.
	s.Session.Start(context.WithoutCancel(ctx))
	s.record(journal.KindLink, s.Session.ID(), "up on "+path)
	go s.watchLink()

	go func() {
		if err := s.Gateway.Start(); err != nil {
			s.log.Error().Err(err).Msg("gateway stopped")
		}
	}()

	s.started = true
	return nil
}

// tasks builds the control task for each automatic mode. Each run gets its
// own telemetry subscription.
func (s *System) tasks() map[supervisor.Mode]supervisor.Task {
	kd := s.cfg.KeepDistance
	dcfg := control.DistanceConfig{
		Setpoint:  kd.SetpointCm,
		Kp:        kd.Kp,
		Ki:        kd.Ki,
		Kd:        kd.Kd,
		IntMin:    kd.IntMin,
		IntMax:    kd.IntMax,
		MinDrive:  kd.MinDrive,
		MaxDrive:  kd.MaxDrive,
		Deadband:  kd.DeadbandCm,
		Freshness: s.cfg.Freshness(),
		Now:       s.Hub.Now,
	}
	speed := s.cfg.FollowLine.Speed

	return map[supervisor.Mode]supervisor.Task{
		supervisor.KeepDistance: func(ctx context.Context) error {
			return control.RunKeepDistance(ctx, s.Hub.SubscribeDistance(), s.Commands, dcfg)
		},
		supervisor.FollowLine: func(ctx context.Context) error {
			return control.RunFollowLine(ctx, s.Hub.SubscribeTrack(), s.Commands, speed)
		},
	}
}

// watchLink closes telemetry once the link session ends, which releases the
// control task and the operator connection.
func (s *System) watchLink() {
	<-s.Session.Done()
	cause := s.Session.Cause()
	detail := "down"
	if cause != nil {
		detail = "down: " + cause.Error()
	}
	if !s.stopping.Load() {
		s.log.Error().Err(s.Session.Err()).Msg("controller link lost")
	}
	s.record(journal.KindLink, s.Session.ID(), detail)
	s.Hub.Close()
	close(s.done)
}

// Done is closed when the link session has ended.
func (s *System) Done() <-chan struct{} { return s.done }

// Err returns the failure that ended the link, or nil for a clean stop.
func (s *System) Err() error {
	if s.Session == nil {
		return nil
	}
	return s.Session.Err()
}

// StopAll ends the operator session, stops the control task, sends the final
// reset and waits up to the configured drain time for it to leave before
// tearing everything down.
func (s *System) StopAll(ctx context.Context) {
	s.startLock.Lock()
	defer s.startLock.Unlock()
	if !s.started {
		return
	}
	s.stopping.Store(true)

	// No operator may start a mode once the control task is gone.
	s.Gateway.Stop()
	s.Supervisor.Stop()

	drain := s.cfg.DrainTimeout()
	dctx, cancel := context.WithTimeout(ctx, drain)
	defer cancel()
	if err := s.Commands.Shutdown(dctx); err != nil && !errors.Is(err, command.ErrClosed) {
		s.log.Warn().Err(err).Msg("queue final reset")
	}
	select {
	case <-s.Session.Done():
		if s.Session.ResetSent() {
			s.log.Info().Msg("final reset delivered")
		}
	case <-dctx.Done():
		s.log.Warn().Dur("waited", drain).Msg("final reset not delivered in time")
	}
	s.Session.Stop()
	s.Commands.Close()

	select {
	case <-s.done:
	case <-time.After(time.Second):
		s.log.Warn().Msg("link watcher did not finish")
	}
	if err := s.Journal.Close(); err != nil {
		s.log.Warn().Err(err).Msg("close journal")
	}
	s.started = false
	s.log.Info().Msg("system stopped")
}

func (s *System) record(kind, session, detail string) {
	if err := s.Journal.Record(kind, session, detail); err != nil {
		s.log.Warn().Err(err).Str("kind", kind).Msg("record event")
	}
}
