// Package worker implements the per-process worker runtime of a prefork
// TCP server supervisor: a bounded-concurrency accept loop, a control
// loop that applies reloads and emits heartbeats, and the status
// reporting contract the parent supervisor relies on to track liveness
// and connection counts.
package worker

import (
	"context"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"vawter.tech/stopper"

	"github.com/axondata/go-prefork/wire"
)

// Worker runs the accept and control activities described in the
// supervisor's worker-runtime contract. A Worker is used once: construct
// with New, run with Start, then discard.
type Worker struct {
	listeners []net.Listener
	handler   Handler
	logger    *slog.Logger

	upstream   *os.File
	downstream *os.File
	upWriter   *wire.Writer
	downReader *wire.Reader
	writeMu    sync.Mutex

	onReload func(Options)

	opts atomic.Pointer[Options]

	state    atomic.Int32
	useCount atomic.Int64

	slots *slotPool

	stopCh   chan struct{}
	stopOnce sync.Once

	acceptCh chan acceptResult

	wg sync.WaitGroup

	taskSeq atomic.Int64
}

// Config bundles the construction arguments for New, mirroring the shape
// a spawned worker process is configured with over its inherited fds.
type Config struct {
	Listeners  []net.Listener
	Options    Options
	Upstream   *os.File // worker write end, parent read end
	Downstream *os.File // parent write end, worker read end
	Handler    Handler
	OnReload   func(Options)
	Logger     *slog.Logger
}

// New constructs a Worker ready to Start. It does not fork or accept
// anything until Start is called.
func New(cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	w := &Worker{
		listeners:  cfg.Listeners,
		handler:    cfg.Handler,
		logger:     logger,
		upstream:   cfg.Upstream,
		downstream: cfg.Downstream,
		upWriter:   wire.NewWriter(cfg.Upstream),
		downReader: wire.NewReader(cfg.Downstream),
		onReload:   cfg.OnReload,
		slots:      newSlotPool(cfg.Options.MaxThreads),
		stopCh:     make(chan struct{}),
		acceptCh:   make(chan acceptResult),
	}
	w.opts.Store(&cfg.Options)
	return w
}

// Options returns the worker's current live options. It implements Handle.
func (w *Worker) Options() Options {
	return *w.opts.Load()
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

// Start runs the accept and control activities until the worker reaches
// StateExit, then returns. The caller (the worker process's main
// function) is expected to hard-exit immediately after Start returns, per
// the worker runtime's shutdown contract.
func (w *Worker) Start(ctx context.Context) error {
	w.setState(StateRun)
	w.startAcceptors()

	go func() {
		select {
		case <-ctx.Done():
			w.requestStop()
		case <-w.stopCh:
		}
	}()

	doneAccept := make(chan struct{})
	go func() {
		w.acceptLoop()
		close(doneAccept)
	}()

	// The control activity runs under a stopper.Context rather than a
	// bare goroutine + done-channel: requestStop's SetReadDeadline kick
	// is what actually unblocks a pending read, but sctx.Stopping() gives
	// controlLoop a second, direct signal to check between reads, and
	// sctx.Wait() below replaces the done-channel join.
	sctx := stopper.WithContext(ctx)
	sctx.Go(func(sctx *stopper.Context) error {
		w.controlLoop(sctx)
		return nil
	})

	<-doneAccept
	w.requestStop()

	for _, ln := range w.listeners {
		_ = ln.Close()
	}
	w.sendFullStatus()

	w.wg.Wait()

	w.setState(StateExit)
	w.sendFullStatus()

	sctx.Stop(0)
	_ = sctx.Wait()
	return nil
}

// requestStop transitions the worker to StateStop exactly once and wakes
// any goroutine blocked on stopCh or the slot pool's condition variable.
func (w *Worker) requestStop() {
	w.stopOnce.Do(func() {
		w.setState(StateStop)
		close(w.stopCh)
		w.slots.wake()
		// Force the control loop's in-flight read to return immediately
		// instead of waiting out the rest of the heartbeat interval.
		_ = w.downstream.SetReadDeadline(time.Now())
	})
}
