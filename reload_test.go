package prefork

import (
	"testing"
	"time"

	"github.com/axondata/go-prefork/worker"
)

func TestOptionsMessageShape(t *testing.T) {
	wo := worker.Options{MaxThreads: 4, MaxIdle: 2500 * time.Millisecond, MaxUse: 100}
	msg := optionsMessage(wo)

	if msg["max_threads"] != int64(4) {
		t.Errorf("max_threads = %v, want int64(4)", msg["max_threads"])
	}
	if msg["max_idle_ms"] != int64(2500) {
		t.Errorf("max_idle_ms = %v, want int64(2500)", msg["max_idle_ms"])
	}
	if msg["max_use"] != int64(100) {
		t.Errorf("max_use = %v, want int64(100)", msg["max_use"])
	}
}

func TestEnqueueReloadSetsPending(t *testing.T) {
	s := newTestSupervisor(t)
	s.ReloadOptions(WithMaxThreads(9))

	s.mu.Lock()
	pr := s.pending
	s.mu.Unlock()

	if pr == nil {
		t.Fatal("ReloadOptions should set a pending reload")
	}
	if pr.hasHostPort || pr.newListeners != nil {
		t.Error("ReloadOptions should not touch listeners")
	}
	if pr.options.MaxThreads != 9 {
		t.Errorf("pending options MaxThreads = %d, want 9", pr.options.MaxThreads)
	}
}

func TestReloadHostPortMarksHasHostPort(t *testing.T) {
	s := newTestSupervisor(t)
	s.ReloadHostPort("127.0.0.1", 9100, WithMaxUse(5))

	s.mu.Lock()
	pr := s.pending
	s.mu.Unlock()

	if pr == nil || !pr.hasHostPort {
		t.Fatal("ReloadHostPort should set hasHostPort on the pending reload")
	}
	if pr.host != "127.0.0.1" || pr.port != 9100 {
		t.Errorf("pending host/port = %s:%d, want 127.0.0.1:9100", pr.host, pr.port)
	}
	if pr.options.MaxUse != 5 {
		t.Errorf("pending options MaxUse = %d, want 5", pr.options.MaxUse)
	}
}

func TestApplyPendingReloadNoopWhenNothingQueued(t *testing.T) {
	s := newTestSupervisor(t)
	// Should return immediately without touching s.opts or panicking.
	before := s.opts.MaxThreads
	s.applyPendingReload()
	if s.opts.MaxThreads != before {
		t.Error("applyPendingReload with no pending reload should not change options")
	}
}

func TestApplyPendingReloadOptionsOnly(t *testing.T) {
	s := newTestSupervisor(t)
	s.ReloadOptions(WithMaxThreads(7))
	s.applyPendingReload()

	s.mu.Lock()
	got := s.opts.MaxThreads
	pending := s.pending
	s.mu.Unlock()

	if got != 7 {
		t.Errorf("opts.MaxThreads = %d, want 7 after applying reload", got)
	}
	if pending != nil {
		t.Error("pending reload should be cleared after applying")
	}
}
