package worker

import (
	"net"
	"time"
)

// State is a worker's position in its monotone run -> stop -> exit
// lifecycle. Transitions never regress.
type State int32

const (
	// StateRun accepts new connections.
	StateRun State = iota
	// StateStop has stopped accepting; in-flight handlers are draining.
	StateStop
	// StateExit has drained every in-flight handler and is about to return.
	StateExit
)

// String returns the lowercase state name used on the wire.
func (s State) String() string {
	switch s {
	case StateRun:
		return "run"
	case StateStop:
		return "stop"
	case StateExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Options is the live, per-worker configuration. It is replaced wholesale
// on each reload that touches worker-relevant keys.
type Options struct {
	// MaxThreads bounds the number of connections handled concurrently.
	MaxThreads int
	// MaxIdle is how long the accept loop waits for a connection before
	// giving up and draining. Ignored until the first connection is
	// accepted. <= 0 disables the idle timeout.
	MaxIdle time.Duration
	// MaxUse is the number of connections this worker will accept before
	// draining. <= 0 disables the limit.
	MaxUse int
}

// Handle gives the per-connection handler read-only access to the
// worker's live options, so a handler can react to a reload (e.g. change
// its own read/write deadlines) without a back-channel to the supervisor.
type Handle interface {
	Options() Options
}

// Handler processes one accepted connection. It may close conn itself or
// leave that to the worker, which closes it unconditionally once Handler
// returns. A draining worker waits for every running Handler to return
// before it exits.
type Handler func(conn net.Conn, addr net.Addr, h Handle)
