package prefork

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"vawter.tech/stopper"

	"github.com/axondata/go-prefork/internal/heartbeat"
	"github.com/axondata/go-prefork/internal/unix"
	"github.com/axondata/go-prefork/wire"
	"github.com/axondata/go-prefork/worker"
)

// Supervisor owns one or more listeners and a population of worker
// processes. Construct with NewFromPort, NewFromHostPort,
// NewFromListener, or NewFromListeners, then call Start.
type Supervisor struct {
	mu sync.Mutex

	listeners      []net.Listener
	listenersOwned bool
	host           string
	port           int

	opts    Options
	pending *pendingReload

	workers map[int]*workerEntry

	handler worker.Handler

	running atomic.Bool

	statusCh chan statusEvent
	reapCh   chan reapEvent

	logr     *slog.Logger
	mirror   *heartbeat.Mirror
}

type workerEntry struct {
	pid         int
	channel     *controlChannel
	cmd         *exec.Cmd
	lastStatus  workerStatus
	pipesClosed bool
}

type workerStatus struct {
	State         worker.State
	Connections   map[string]string
	LastHeartbeat time.Time
	SignalSent    bool
}

type statusEvent struct {
	pid int
	msg wire.Message
	eof bool
}

type reapEvent struct {
	pid      int
	exitCode int
}

func newSupervisor(listeners []net.Listener, owned bool, host string, port int, optFns []Option) (*Supervisor, error) {
	o := defaultOptions()
	for _, opt := range optFns {
		opt(&o)
	}
	logr := o.Logger
	if logr == nil {
		logr = slog.Default()
	}

	mirror, err := heartbeat.NewMirror(o.HeartbeatMirrorDir)
	if err != nil {
		return nil, fmt.Errorf("prefork: creating heartbeat mirror dir: %w", err)
	}

	return &Supervisor{
		listeners:      listeners,
		listenersOwned: owned,
		host:           host,
		port:           port,
		opts:           o,
		workers:        make(map[int]*workerEntry),
		statusCh:       make(chan statusEvent, 64),
		reapCh:         make(chan reapEvent, 64),
		logr:           logr,
		mirror:         mirror,
	}, nil
}

func (s *Supervisor) logger() *slog.Logger { return s.logr }

// Addr returns the address of the first owned or adopted listener, or
// nil if the supervisor has none yet — which is always true inside a
// re-exec'd worker process, since listeners there live in the worker
// runtime, not on the Supervisor value.
func (s *Supervisor) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) == 0 {
		return nil
	}
	return s.listeners[0].Addr()
}

func (s *Supervisor) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger().Error("hook panic", slog.Any("panic", r))
		}
	}()
	fn()
}

// Start runs the supervisor's main loop until Stop or StopNow is called,
// then returns after the shutdown tail completes (or its 1-second cap
// expires, handing the rest of the drain to a background goroutine).
//
// In a forked worker process, Start never reaches the main loop at all:
// runAsForkedWorker detects the worker marker, runs the worker runtime,
// and hard-exits the process.
func (s *Supervisor) Start(handler worker.Handler) error {
	if handler == nil {
		return ErrNoHandler
	}
	s.handler = handler

	if runAsForkedWorker(s, handler) {
		return nil
	}

	if s.opts.PIDFile != "" {
		if err := writePIDFile(s.opts.PIDFile); err != nil {
			s.logger().Error("writing pid file failed", slog.String("path", s.opts.PIDFile), slog.Any("err", err))
		}
	}

	s.running.Store(true)
	s.adjustPopulation(handler)

	for s.running.Load() {
		s.applyPendingReload()
		s.drainEvents(100 * time.Millisecond)
		s.watchdogPass()
		s.adjustPopulation(handler)
	}

	s.shutdownTail()
	return nil
}

// Stop clears the running flag; the main loop exits after its current
// iteration and workers drain naturally as their clients disconnect.
func (s *Supervisor) Stop() {
	s.running.Store(false)
}

// StopNow sends TERM to every worker, then stops the main loop. It does
// not wait beyond the shutdown tail's normal reap cap. Errors signaling
// individual workers (already-exited processes, permission issues) are
// collected rather than aborting the rest of the fan-out.
func (s *Supervisor) StopNow() error {
	s.mu.Lock()
	procs := make([]*os.Process, 0, len(s.workers))
	for _, e := range s.workers {
		procs = append(procs, e.cmd.Process)
	}
	s.mu.Unlock()

	var merr MultiError
	for _, p := range procs {
		merr.Add(signalProcess(p, "TERM"))
	}
	s.running.Store(false)
	return merr.Err()
}

// DetachChildren instructs every worker to close its listeners and exit
// once its current connections end, then waits up to 5 seconds for all
// workers to report a non-run state.
func (s *Supervisor) DetachChildren() {
	s.detachAll()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.allDrained() {
			return
		}
		s.drainEvents(100 * time.Millisecond)
	}
}

func (s *Supervisor) allDrained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.workers {
		if e.lastStatus.State == worker.StateRun && !e.pipesClosed {
			return false
		}
	}
	return true
}

// WorkerSnapshot is a point-in-time, read-only view of one tracked
// worker, for diagnostics and tests.
type WorkerSnapshot struct {
	Pid           int
	State         worker.State
	Connections   map[string]string
	LastHeartbeat time.Time
}

// Snapshot returns the current state of every tracked worker.
func (s *Supervisor) Snapshot() []WorkerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]WorkerSnapshot, 0, len(s.workers))
	for pid, e := range s.workers {
		conns := make(map[string]string, len(e.lastStatus.Connections))
		for k, v := range e.lastStatus.Connections {
			conns[k] = v
		}
		out = append(out, WorkerSnapshot{
			Pid:           pid,
			State:         e.lastStatus.State,
			Connections:   conns,
			LastHeartbeat: e.lastStatus.LastHeartbeat,
		})
	}
	return out
}

// drainEvents processes status and reap events for up to budget,
// realizing the "select on all upstream readers, 100ms tick" design as a
// goroutine fan-in to a channel: Go cannot select over an arbitrary
// number of io.Readers directly, so one goroutine per worker reads its
// pipe and feeds this shared channel instead.
func (s *Supervisor) drainEvents(budget time.Duration) {
	timer := time.NewTimer(budget)
	defer timer.Stop()
	for {
		select {
		case ev := <-s.statusCh:
			s.applyStatusEvent(ev)
		case rv := <-s.reapCh:
			s.applyReapEvent(rv)
		case <-timer.C:
			return
		}
	}
}

func (s *Supervisor) applyStatusEvent(ev statusEvent) {
	s.mu.Lock()
	e, ok := s.workers[ev.pid]
	s.mu.Unlock()
	if !ok {
		return
	}

	if ev.eof {
		s.mu.Lock()
		e.pipesClosed = true
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if raw, ok := ev.msg["state"].(string); ok {
		e.lastStatus.State = parseWorkerState(raw)
	}
	if raw, ok := ev.msg["connections"].(map[string]any); ok {
		conns := make(map[string]string, len(raw))
		for k, v := range raw {
			if addr, ok := v.(string); ok {
				conns[k] = addr
			}
		}
		e.lastStatus.Connections = conns
	}
	e.lastStatus.LastHeartbeat = time.Now()
	_ = s.mirror.Touch(ev.pid, e.lastStatus.LastHeartbeat)
}

func (s *Supervisor) applyReapEvent(rv reapEvent) {
	s.mu.Lock()
	e, ok := s.workers[rv.pid]
	if ok {
		delete(s.workers, rv.pid)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	e.channel.closeParentEnds()
	s.mirror.Remove(rv.pid)
	if s.opts.OnChildExit != nil {
		pid, code := rv.pid, rv.exitCode
		s.safeCall(func() { s.opts.OnChildExit(pid, code) })
	}
}

func parseWorkerState(raw string) worker.State {
	switch raw {
	case "run":
		return worker.StateRun
	case "stop":
		return worker.StateStop
	case "exit":
		return worker.StateExit
	default:
		return worker.StateRun
	}
}

// spawn creates a control channel, forks a worker via self-reexec (the
// idiomatic substitute for fork(2): Go exposes no bare fork syscall), and
// records its entry. The child re-runs os.Args[0] from the top, detects
// the worker marker via runAsForkedWorker, and never returns to its own
// copy of this main loop.
func (s *Supervisor) spawn(handler worker.Handler) error {
	ch, err := newControlChannel()
	if err != nil {
		return &SupervisorError{Op: OpSpawn, Err: err}
	}

	s.mu.Lock()
	listeners := s.listeners
	opts := s.opts
	s.mu.Unlock()

	listenerFiles := make([]*os.File, 0, len(listeners))
	for _, ln := range listeners {
		f, ferr := listenerFile(ln)
		if ferr != nil {
			ch.closeChildEnds()
			ch.closeParentEnds()
			return &SupervisorError{Op: OpSpawn, Err: ferr}
		}
		listenerFiles = append(listenerFiles, f)
	}

	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = unix.WorkerProcAttr()

	extraFiles := make([]*os.File, 0, len(listenerFiles)+2)
	extraFiles = append(extraFiles, listenerFiles...)
	extraFiles = append(extraFiles, ch.upstreamWrite, ch.downstreamRead)
	cmd.ExtraFiles = extraFiles

	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=1", envWorkerFlag),
		fmt.Sprintf("%s=%d", envNumListeners, len(listeners)),
		fmt.Sprintf("%s=%d", envMaxThreads, opts.MaxThreads),
		fmt.Sprintf("%s=%d", envMaxIdleMS, opts.MaxIdle.Milliseconds()),
		fmt.Sprintf("%s=%d", envMaxUse, opts.MaxUse),
	)

	if err := cmd.Start(); err != nil {
		ch.closeChildEnds()
		ch.closeParentEnds()
		for _, f := range listenerFiles {
			_ = f.Close()
		}
		return &SupervisorError{Op: OpSpawn, Err: err}
	}

	// The child has its own dup'd copies of every ExtraFiles entry; this
	// process no longer needs the listener dups or the child's pipe ends.
	ch.closeChildEnds()
	for _, f := range listenerFiles {
		_ = f.Close()
	}

	pid := cmd.Process.Pid
	entry := &workerEntry{
		pid:     pid,
		channel: ch,
		cmd:     cmd,
		lastStatus: workerStatus{
			State:       worker.StateRun,
			Connections: map[string]string{},
			// Seeded to spawn time, not first heartbeat: a freshly
			// spawned worker is watchdog-eligible immediately. This
			// mirrors the original's behavior of tracking live workers
			// from a status map populated at spawn time, before any
			// status message may have arrived.
			LastHeartbeat: time.Now(),
		},
	}

	s.mu.Lock()
	s.workers[pid] = entry
	s.mu.Unlock()
	_ = s.mirror.Touch(pid, entry.lastStatus.LastHeartbeat)

	go s.readStatus(entry)
	go s.waitReap(entry)

	if s.opts.OnChildStart != nil {
		s.safeCall(func() { s.opts.OnChildStart(pid) })
	}
	return nil
}

func (s *Supervisor) readStatus(e *workerEntry) {
	r := wire.NewReader(e.channel.upstreamRead)
	for {
		msg, err := r.ReadMessage()
		if err != nil {
			s.statusCh <- statusEvent{pid: e.pid, eof: true}
			return
		}
		s.statusCh <- statusEvent{pid: e.pid, msg: msg}
	}
}

func (s *Supervisor) waitReap(e *workerEntry) {
	err := e.cmd.Wait()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	s.reapCh <- reapEvent{pid: e.pid, exitCode: code}
}

type filer interface {
	File() (*os.File, error)
}

func listenerFile(ln net.Listener) (*os.File, error) {
	f, ok := ln.(filer)
	if !ok {
		return nil, fmt.Errorf("prefork: listener type %T does not support fd duplication", ln)
	}
	return f.File()
}

// shutdownTail closes owned listeners and every downstream writer, then
// waits up to 1 second for all workers to be reaped. If the cap expires
// with workers still live, the wait continues on a detached goroutine
// and control returns to the caller — the "Timeout.timeout(1) … rescue
// Thread.new" pattern re-expressed as a foreground wait with a fallback
// background reaper.
func (s *Supervisor) shutdownTail() {
	if s.opts.PIDFile != "" {
		if err := removePIDFile(s.opts.PIDFile); err != nil {
			s.logger().Debug("removing pid file failed", slog.String("path", s.opts.PIDFile), slog.Any("err", err))
		}
	}

	s.mu.Lock()
	if s.listenersOwned {
		for _, ln := range s.listeners {
			_ = ln.Close()
		}
	}
	writers := make([]*os.File, 0, len(s.workers))
	for _, e := range s.workers {
		writers = append(writers, e.channel.downstreamWrite)
	}
	s.mu.Unlock()

	for _, w := range writers {
		_ = w.Close()
	}

	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) {
		if s.noWorkersLeft() {
			return
		}
		s.drainEvents(100 * time.Millisecond)
	}

	if s.noWorkersLeft() {
		return
	}

	// The foreground wait gave up before every worker was reaped; the
	// rest of the drain continues on a background stopper.Context
	// goroutine instead of blocking Start's caller any further, the same
	// "bounded foreground wait, detached background finish" shape
	// watchImpl uses for its own post-cleanup watcher goroutine.
	sctx := stopper.WithContext(context.Background())
	sctx.Go(func(sctx *stopper.Context) error {
		for !s.noWorkersLeft() {
			select {
			case <-sctx.Stopping():
				return nil
			default:
			}
			s.drainEvents(100 * time.Millisecond)
		}
		return nil
	})
}

// WatchStatusDir starts the optional, diagnostics-only heartbeat mirror
// watch described by HeartbeatMirrorDir: it logs (never acts on) any
// disagreement between a worker's mirrored heartbeat mtime and its
// control-pipe heartbeat beyond tolerance. With no mirror directory
// configured it returns a no-op stop function. Callers run this
// alongside Start, in its own goroutine, and call the returned stop
// function during shutdown.
func (s *Supervisor) WatchStatusDir(ctx context.Context, tolerance time.Duration) (stop func(), err error) {
	if s.opts.HeartbeatMirrorDir == "" {
		return func() {}, nil
	}
	sctx, err := heartbeat.WatchDrift(ctx, s.opts.HeartbeatMirrorDir, tolerance, s.logger(), s.pipeHeartbeatFor)
	if err != nil {
		return nil, err
	}
	return func() {
		sctx.Stop(100 * time.Millisecond)
		_ = sctx.Wait()
	}, nil
}

func (s *Supervisor) pipeHeartbeatFor(pid int) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.workers[pid]
	if !ok {
		return time.Time{}, false
	}
	return e.lastStatus.LastHeartbeat, true
}

func (s *Supervisor) noWorkersLeft() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers) == 0
}
