package prefork

import (
	"log/slog"
	"time"
)

// watchdogKillGrace is the extra wait, past watchdog_timer, after which a
// worker that never sent a TERM-class signal response is sent KILL
// unconditionally.
const watchdogKillGrace = 60 * time.Second

// watchdogPass sends watchdog_signal to any worker whose last heartbeat
// is older than watchdog_timer, and KILL to any worker past
// watchdog_timer + 60s regardless of whether the first signal landed.
func (s *Supervisor) watchdogPass() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for pid, e := range s.workers {
		if e.pipesClosed {
			continue
		}
		delta := now.Sub(e.lastStatus.LastHeartbeat)

		if delta > s.opts.WatchdogTimer+watchdogKillGrace {
			if err := signalProcess(e.cmd.Process, "KILL"); err != nil {
				s.logger().Debug("watchdog kill failed", slog.Int("pid", pid), slog.Any("err", err))
			}
			continue
		}

		if delta > s.opts.WatchdogTimer && !e.lastStatus.SignalSent {
			sig := s.opts.WatchdogSignal
			if sig == "" {
				sig = DefaultWatchdogSignal
			}
			if err := signalProcess(e.cmd.Process, sig); err != nil {
				s.logger().Debug("watchdog signal failed", slog.Int("pid", pid), slog.Any("err", err))
			}
			e.lastStatus.SignalSent = true
		}
	}
}
