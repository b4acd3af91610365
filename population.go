package prefork

import (
	"log/slog"

	"github.com/axondata/go-prefork/worker"
)

// liveCount returns the number of workers currently counted toward
// min/max_processes: state run and not yet marked pipes-closed.
func (s *Supervisor) liveCount() int {
	n := 0
	for _, e := range s.workers {
		if e.lastStatus.State == worker.StateRun && !e.pipesClosed {
			n++
		}
	}
	return n
}

// connectionCount sums in-flight connections across live workers, used
// to size the population against offered load.
func (s *Supervisor) connectionCount() int {
	n := 0
	for _, e := range s.workers {
		if e.lastStatus.State == worker.StateRun && !e.pipesClosed {
			n += len(e.lastStatus.Connections)
		}
	}
	return n
}

// requiredWorkers implements the capacity/headroom sizing formula:
// required = max(0, ceil((connections + standby_threads - capacity) / max_threads)).
func requiredWorkers(live, maxThreads, standbyThreads, connections int) int {
	if maxThreads <= 0 {
		return 0
	}
	capacity := live * maxThreads
	numerator := connections + standbyThreads - capacity
	if numerator <= 0 {
		return 0
	}
	return (numerator + maxThreads - 1) / maxThreads
}

// adjustPopulation spawns workers to reach min_processes, then spawns
// further workers to cover offered load up to max_processes.
func (s *Supervisor) adjustPopulation(handler worker.Handler) {
	s.mu.Lock()
	live := s.liveCount()
	toMin := s.opts.MinProcesses - live
	s.mu.Unlock()

	for i := 0; i < toMin; i++ {
		if err := s.spawn(handler); err != nil {
			s.logger().Error("spawn to min_processes failed", slog.Any("err", err))
			break
		}
	}

	s.mu.Lock()
	live = s.liveCount()
	connections := s.connectionCount()
	required := requiredWorkers(live, s.opts.MaxThreads, s.opts.StandbyThreads, connections)
	toSpawn := required
	if room := s.opts.MaxProcesses - live; toSpawn > room {
		toSpawn = room
	}
	s.mu.Unlock()

	for i := 0; i < toSpawn; i++ {
		if err := s.spawn(handler); err != nil {
			s.logger().Error("spawn for load failed", slog.Any("err", err))
			break
		}
	}
}
