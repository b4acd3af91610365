package prefork

import (
	"os"
	"sync"
	"time"

	"github.com/axondata/go-prefork/wire"
)

// broadcastWriteCap bounds a single worker's downstream write: a slow or
// blocked sibling must not stall delivery to the rest.
const broadcastWriteCap = 1 * time.Second

// broadcast fans msg out to every live worker's downstream pipe with
// per-writer isolation: one goroutine per worker, each with its own
// write deadline, joined with a WaitGroup. A failed or stalled write is
// swallowed; the dead or stuck worker is left for the watchdog to reap.
func (s *Supervisor) broadcast(msg wire.Message) {
	s.mu.Lock()
	writers := make([]*os.File, 0, len(s.workers))
	for _, e := range s.workers {
		if e.pipesClosed {
			continue
		}
		writers = append(writers, e.channel.downstreamWrite)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(writers))
	for _, w := range writers {
		go func(w *os.File) {
			defer wg.Done()
			_ = w.SetWriteDeadline(time.Now().Add(broadcastWriteCap))
			_ = wire.NewWriter(w).WriteMessage(msg)
		}(w)
	}
	wg.Wait()
}

func (s *Supervisor) broadcastOptions() {
	s.mu.Lock()
	o := s.opts.workerOptions()
	s.mu.Unlock()
	s.broadcast(wire.Message{"options": map[string]any(wire.Sanitize(optionsMessage(o)))})
}

func (s *Supervisor) detachAll() {
	s.broadcast(wire.Message{"detach": true})
}
