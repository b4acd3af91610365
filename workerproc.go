package prefork

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/axondata/go-prefork/worker"
)

// Environment markers spawn sets on a worker's exec.Cmd.Env so the
// re-exec'd process can recognize itself as a worker and reconstruct its
// per-worker configuration. Listener and pipe fds are never passed this
// way: they arrive positionally via ExtraFiles, starting at fd 3.
const (
	envWorkerFlag   = "PREFORK_WORKER"
	envNumListeners = "PREFORK_NUM_LISTENERS"
	envMaxThreads   = "PREFORK_MAX_THREADS"
	envMaxIdleMS    = "PREFORK_MAX_IDLE_MS"
	envMaxUse       = "PREFORK_MAX_USE"
)

// IsWorker reports whether the current process is a re-exec'd worker
// spawned by a Supervisor, rather than the original parent invocation.
// Callers who bind their own listeners before constructing a Supervisor
// with NewFromListener or NewFromListeners should guard that bind call
// with IsWorker to avoid rebinding an address the parent already owns:
// the worker never uses caller-supplied listeners anyway, since
// runAsForkedWorker reconstructs them from inherited fds.
func IsWorker() bool {
	return os.Getenv(envWorkerFlag) == "1"
}

// runAsForkedWorker checks whether this process is a spawned worker and,
// if so, runs the worker runtime against the fds inherited over
// ExtraFiles and never returns to the caller: the process hard-exits
// once the worker drains, per the worker runtime's shutdown contract.
//
// This is the self-reexec substitute for fork(2): Go exposes no bare
// fork, so the child is a fresh run of the same binary (os.Args[0])
// reaching the same construction call that built s, and handler/OnStart/
// OnReload closures are rebuilt identically by that call rather than
// literally inherited across exec.
func runAsForkedWorker(s *Supervisor, handler worker.Handler) bool {
	if os.Getenv(envWorkerFlag) != "1" {
		return false
	}

	n, err := strconv.Atoi(os.Getenv(envNumListeners))
	if err != nil || n < 0 {
		fmt.Fprintf(os.Stderr, "prefork: worker started with invalid %s: %q\n", envNumListeners, os.Getenv(envNumListeners))
		os.Exit(1)
	}

	listeners := make([]net.Listener, 0, n)
	for i := 0; i < n; i++ {
		f := os.NewFile(uintptr(3+i), fmt.Sprintf("listener-%d", i))
		ln, err := net.FileListener(f)
		_ = f.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "prefork: worker failed to adopt listener %d: %v\n", i, err)
			os.Exit(1)
		}
		listeners = append(listeners, ln)
	}

	// Inherited ExtraFiles arrive in blocking mode; switching the pipe ends
	// back to non-blocking lets os.NewFile register them with the runtime
	// poller, which the control loop's read deadlines depend on.
	upFD, downFD := 3+n, 3+n+1
	_ = syscall.SetNonblock(upFD, true)
	_ = syscall.SetNonblock(downFD, true)
	upstream := os.NewFile(uintptr(upFD), "prefork-upstream")
	downstream := os.NewFile(uintptr(downFD), "prefork-downstream")

	opts := worker.Options{
		MaxThreads: envInt(envMaxThreads, DefaultMaxThreads),
		MaxIdle:    time.Duration(envInt(envMaxIdleMS, int(DefaultMaxIdle.Milliseconds()))) * time.Millisecond,
		MaxUse:     envInt(envMaxUse, DefaultMaxUse),
	}

	if s.opts.OnStart != nil {
		s.safeCall(s.opts.OnStart)
	}

	w := worker.New(worker.Config{
		Listeners:  listeners,
		Options:    opts,
		Upstream:   upstream,
		Downstream: downstream,
		Handler:    handler,
		OnReload:   s.opts.OnReload,
		Logger:     s.logger(),
	})

	_ = w.Start(context.Background())
	os.Exit(0)
	return true // unreachable; os.Exit does not return
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
