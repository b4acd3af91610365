package prefork

import (
	"log/slog"
	"net"
	"strconv"

	"github.com/axondata/go-prefork/worker"
)

// pendingReload is the next configuration to apply, queued by one of the
// Reload* methods and consumed at the top of the next main-loop
// iteration. The heterogeneous constructor shapes become distinct
// methods here rather than a single variadic Reload, per the
// statically-typed re-expression of the original's polymorphic entry
// point.
type pendingReload struct {
	hasHostPort  bool
	host         string
	port         int
	newListeners []net.Listener // non-nil: adopt these, not owned
	options      Options
}

// ReloadOptions enqueues new options, keeping the current listeners.
func (s *Supervisor) ReloadOptions(opts ...Option) {
	s.enqueueReload(pendingReload{options: s.nextOptions(opts)})
}

// ReloadHostPort enqueues rebinding to host:port with new options. The
// supervisor will own the rebound listener.
func (s *Supervisor) ReloadHostPort(host string, port int, opts ...Option) {
	s.enqueueReload(pendingReload{hasHostPort: true, host: host, port: port, options: s.nextOptions(opts)})
}

// ReloadListeners enqueues adopting caller-supplied listeners, not owned
// by the supervisor, with new options.
func (s *Supervisor) ReloadListeners(lns []net.Listener, opts ...Option) {
	s.enqueueReload(pendingReload{newListeners: lns, options: s.nextOptions(opts)})
}

func (s *Supervisor) nextOptions(opts []Option) Options {
	s.mu.Lock()
	o := s.opts
	s.mu.Unlock()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (s *Supervisor) enqueueReload(pr pendingReload) {
	s.mu.Lock()
	s.pending = &pr
	s.mu.Unlock()
}

// applyPendingReload runs the reload application steps: rebind or adopt
// new listeners (detaching existing workers first so they drain on the
// old sockets), reapply backlog in place when only that changed, then
// broadcast the new worker-relevant options to every live worker.
func (s *Supervisor) applyPendingReload() {
	s.mu.Lock()
	pr := s.pending
	s.pending = nil
	oldBacklog := s.opts.ListenBacklog
	s.mu.Unlock()

	if pr == nil {
		return
	}

	listenersChanging := pr.hasHostPort || pr.newListeners != nil

	if listenersChanging {
		s.detachAll()

		s.mu.Lock()
		owned := s.listenersOwned
		oldListeners := s.listeners
		s.mu.Unlock()

		if owned {
			for _, ln := range oldListeners {
				_ = ln.Close()
			}
		}

		var newListeners []net.Listener
		var newOwned bool
		if pr.hasHostPort {
			addr := net.JoinHostPort(pr.host, strconv.Itoa(pr.port))
			ln, err := bindRetry(addr)
			if err != nil {
				s.logger().Error("reload rebind failed", slog.Any("err", err))
				return
			}
			newListeners = []net.Listener{ln}
			newOwned = true
		} else {
			newListeners = pr.newListeners
			newOwned = false
		}

		s.mu.Lock()
		s.listeners = newListeners
		s.listenersOwned = newOwned
		s.host, s.port = pr.host, pr.port
		s.mu.Unlock()

	} else if pr.options.ListenBacklog != oldBacklog {
		s.mu.Lock()
		owned := s.listenersOwned
		listeners := s.listeners
		s.mu.Unlock()
		if owned {
			for _, ln := range listeners {
				if err := reapplyBacklog(ln, pr.options.ListenBacklog); err != nil {
					s.logger().Debug("reapply backlog failed", slog.Any("err", err))
				}
			}
		}
	}

	s.mu.Lock()
	s.opts = pr.options
	s.mu.Unlock()

	s.broadcastOptions()
}

// optionsMessage builds the wire payload for a reload broadcast from
// int64 values only; broadcastOptions passes it through wire.Sanitize
// before sending.
func optionsMessage(o worker.Options) map[string]any {
	raw := map[string]any{
		"max_threads": int64(o.MaxThreads),
		"max_idle_ms": int64(o.MaxIdle.Milliseconds()),
		"max_use":     int64(o.MaxUse),
	}
	return raw
}
