// Package prefork implements a prefork TCP server supervisor.
//
// A Supervisor owns one or more listening sockets and forks a population of
// worker processes that each accept connections, run a user-supplied
// handler per connection up to a configured concurrency cap, and report
// their status back over a pipe. The supervisor scales the worker
// population to match offered load, reaps exited workers, and reloads
// configuration live.
//
//	sup, err := prefork.NewFromPort(8080,
//	    prefork.WithMinProcesses(3),
//	    prefork.WithMaxThreads(4),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	err = sup.Start(func(conn net.Conn, addr net.Addr, h worker.Handle) {
//	    defer conn.Close()
//	    // ... serve conn ...
//	})
//
// # Design philosophy
//
// This package prioritizes:
//
//   - No shared memory between workers: all coordination is pipes and signals
//   - A single-threaded supervisor event loop, easy to reason about
//   - Cooperative shutdown by default, with a forceful escalation path
//   - Context-free worker code: handlers see a plain net.Conn
//
// Workers are created by re-executing the current binary with the listening
// sockets and control pipes passed as inherited file descriptors, since Go
// does not expose a bare fork(2). This is the one place the supervisor
// reaches outside the process: everything else is in-memory and in-pipe.
//
// Two optional, filesystem-touching diagnostics exist alongside the
// pipe-driven core: WithPIDFile records the supervisor's own pid, and
// WithHeartbeatMirrorDir plus WatchStatusDir mirror each worker's
// control-pipe heartbeat to a touch-file for independent cross-checking.
// Neither changes what the watchdog acts on — the control pipe remains
// authoritative.
package prefork
