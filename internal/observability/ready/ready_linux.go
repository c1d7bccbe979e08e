//go:build linux

// Package ready integrates with the systemd notify protocol: READY=1 once
// startup finishes, STOPPING=1 on shutdown, and watchdog keepalives when
// WatchdogSec is set on the unit. Outside systemd every call is a no-op.
package ready

import (
	"context"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "baton/pkg/logx"
)

type Service struct {
	mu     sync.Mutex
	log    logx.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

func New(log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{log: log}
}

// Ready sends READY=1 and starts watchdog keepalives if the unit asks for
// them.
func (s *Service) Ready(ctx context.Context) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		s.log.Warn("sd_notify failed", logx.Err(err))
		return
	}
	if !sent {
		// Not running under systemd.
		return
	}
	s.log.Debug("sd_notify ready sent")

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		s.log.Warn("sd_watchdog query failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.keepalive(wctx, interval/2, s.done)
	s.log.Debug("watchdog keepalive started", logx.Duration("interval", interval/2))
}

// Stopping sends STOPPING=1 and stops the watchdog loop.
func (s *Service) Stopping() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}

func (s *Service) keepalive(ctx context.Context, every time.Duration, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				s.log.Warn("watchdog notify failed", logx.Err(err))
			}
		}
	}
}
