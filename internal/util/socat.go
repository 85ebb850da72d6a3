package util

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrSocatClosed is returned by CreatePair after Cleanup.
var ErrSocatClosed = errors.New("socat manager closed")

// SocatManager runs socat processes that join two pseudo-terminals, so the
// simulator can stand in for the controller's serial adapter.
type SocatManager struct {
	mu     sync.Mutex
	cmds   []*exec.Cmd
	links  []string
	closed bool
	log    zerolog.Logger
}

// NewSocatManager returns a manager with no pairs.
func NewSocatManager() *SocatManager {
	return &SocatManager{log: log.With().Str("component", "virt-serial").Logger()}
}

// CreatePair starts socat linking two raw PTYs at the given paths and waits
// until both links exist.
func (m *SocatManager) CreatePair(ctx context.Context, left, right string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrSocatClosed
	}

	cmd := exec.Command(
		"socat", "-d", "-d",
		fmt.Sprintf("pty,raw,echo=0,link=%s", left),
		fmt.Sprintf("pty,raw,echo=0,link=%s", right),
	)
	cmd.Stdout = m.log.With().Str("stream", "stdout").Logger()
	cmd.Stderr = m.log.With().Str("stream", "stderr").Logger()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start socat: %w", err)
	}
	m.log.Info().Int("pid", cmd.Process.Pid).Str("left", left).Str("right", right).Msg("started socat")

	m.cmds = append(m.cmds, cmd)
	m.links = append(m.links, left, right)

	return waitForLinks(ctx, left, right)
}

func waitForLinks(ctx context.Context, paths ...string) error {
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		missing := ""
		for _, p := range paths {
			if _, err := os.Lstat(p); err != nil {
				missing = p
				break
			}
		}
		if missing == "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", missing, ctx.Err())
		case <-tick.C:
		}
	}
}

// Cleanup kills every socat process and removes the links it created.
func (m *SocatManager) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true

	for _, cmd := range m.cmds {
		if cmd.Process != nil {
			m.log.Debug().Int("pid", cmd.Process.Pid).Msg("killing socat")
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}
	}
	for _, path := range m.links {
		if _, err := os.Lstat(path); err == nil {
			_ = os.Remove(path)
			m.log.Debug().Str("path", path).Msg("removed link")
		}
	}
	m.log.Info().Int("pairs", len(m.links)/2).Msg("cleanup complete")
}
