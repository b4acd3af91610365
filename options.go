package prefork

import (
	"log/slog"
	"time"

	"github.com/axondata/go-prefork/worker"
)

// Default option values, mirroring the option table in the constructor
// reference: a population floor/ceiling, a per-worker concurrency cap,
// and the liveness/drain timers.
const (
	DefaultMinProcesses   = 5
	DefaultMaxProcesses   = 20
	DefaultMaxThreads     = 1
	DefaultStandbyThreads = 5
	DefaultMaxIdle        = 10 * time.Second
	DefaultMaxUse         = 1000
	DefaultWatchdogTimer  = 600 * time.Second
	DefaultWatchdogSignal = "TERM"
)

// Options is the supervisor's configuration. Every field has a default
// applied by the functional-option constructors; the zero Options is
// never used directly.
type Options struct {
	MinProcesses   int
	MaxProcesses   int
	MaxThreads     int
	StandbyThreads int
	ListenBacklog  int // 0 means "leave the platform default alone"
	MaxIdle        time.Duration
	MaxUse         int
	WatchdogTimer  time.Duration
	WatchdogSignal string

	// PIDFile, if set, receives the parent process's pid, written
	// atomically on Start and removed at the start of the shutdown tail.
	PIDFile string

	// HeartbeatMirrorDir, if set, enables a filesystem-backed mirror of
	// each worker's control-pipe heartbeat under this directory, for
	// cross-checking via WatchStatusDir in tests and diagnostics. The
	// watchdog itself never reads it: the control pipe stays the only
	// signal it acts on.
	HeartbeatMirrorDir string

	// OnStart runs in the child immediately after fork, before the worker
	// runtime starts.
	OnStart func()
	// OnReload runs in the child on every reload that reaches it, with
	// the merged worker options.
	OnReload func(worker.Options)
	// OnChildStart runs in the parent once a worker's pid is known.
	OnChildStart func(pid int)
	// OnChildExit runs in the parent once a worker has been reaped.
	OnChildExit func(pid int, exitStatus int)

	Logger *slog.Logger
}

func defaultOptions() Options {
	return Options{
		MinProcesses:   DefaultMinProcesses,
		MaxProcesses:   DefaultMaxProcesses,
		MaxThreads:     DefaultMaxThreads,
		StandbyThreads: DefaultStandbyThreads,
		MaxIdle:        DefaultMaxIdle,
		MaxUse:         DefaultMaxUse,
		WatchdogTimer:  DefaultWatchdogTimer,
		WatchdogSignal: DefaultWatchdogSignal,
	}
}

// Option mutates an Options during construction.
type Option func(*Options)

func WithMinProcesses(n int) Option {
	return func(o *Options) { o.MinProcesses = n }
}

func WithMaxProcesses(n int) Option {
	return func(o *Options) { o.MaxProcesses = n }
}

func WithMaxThreads(n int) Option {
	return func(o *Options) { o.MaxThreads = n }
}

func WithStandbyThreads(n int) Option {
	return func(o *Options) { o.StandbyThreads = n }
}

func WithListenBacklog(n int) Option {
	return func(o *Options) { o.ListenBacklog = n }
}

func WithMaxIdle(d time.Duration) Option {
	return func(o *Options) { o.MaxIdle = d }
}

func WithMaxUse(n int) Option {
	return func(o *Options) { o.MaxUse = n }
}

func WithWatchdogTimer(d time.Duration) Option {
	return func(o *Options) { o.WatchdogTimer = d }
}

func WithWatchdogSignal(name string) Option {
	return func(o *Options) { o.WatchdogSignal = name }
}

func WithPIDFile(path string) Option {
	return func(o *Options) { o.PIDFile = path }
}

func WithHeartbeatMirrorDir(dir string) Option {
	return func(o *Options) { o.HeartbeatMirrorDir = dir }
}

func WithOnStart(fn func()) Option {
	return func(o *Options) { o.OnStart = fn }
}

func WithOnReload(fn func(worker.Options)) Option {
	return func(o *Options) { o.OnReload = fn }
}

func WithOnChildStart(fn func(pid int)) Option {
	return func(o *Options) { o.OnChildStart = fn }
}

func WithOnChildExit(fn func(pid, exitStatus int)) Option {
	return func(o *Options) { o.OnChildExit = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// workerOptions projects the subset of Options the worker runtime cares
// about. Reloads broadcast exactly this shape over the wire.
func (o Options) workerOptions() worker.Options {
	return worker.Options{
		MaxThreads: o.MaxThreads,
		MaxIdle:    o.MaxIdle,
		MaxUse:     o.MaxUse,
	}
}
