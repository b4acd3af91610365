package worker

import (
	"log/slog"
	"net"
	"strconv"
	"time"
)

type acceptResult struct {
	conn net.Conn
	err  error
}

// startAcceptors runs one blocking Accept loop per listener, feeding
// results onto the shared acceptCh. This is the Go-idiomatic stand-in
// for a select(2) wait across every listening fd: Go cannot multiplex
// arbitrary net.Listeners in a select statement, so each gets its own
// goroutine and a channel does the fan-in instead.
func (w *Worker) startAcceptors() {
	for _, ln := range w.listeners {
		go func(ln net.Listener) {
			for {
				conn, err := ln.Accept()
				select {
				case w.acceptCh <- acceptResult{conn: conn, err: err}:
				case <-w.stopCh:
					if conn != nil {
						_ = conn.Close()
					}
					return
				}
				if err != nil {
					return
				}
			}
		}(ln)
	}
}

// acceptLoop is the accept activity: wait for a free slot, wait for a
// connection (bounded by max_idle once at least one connection has been
// served), hand it to a handler task, and drain once max_use is reached.
func (w *Worker) acceptLoop() {
	var firstAccept bool

	for {
		if w.State() != StateRun {
			return
		}

		if !w.slots.waitForSlotOrStop(w.stopCh) {
			return
		}

		var timeoutC <-chan time.Time
		var timer *time.Timer
		idle := w.Options().MaxIdle
		if firstAccept && idle > 0 {
			timer = time.NewTimer(idle)
			timeoutC = timer.C
		}

		select {
		case res := <-w.acceptCh:
			if timer != nil {
				timer.Stop()
			}
			if res.err != nil {
				w.logger.Warn("accept error, draining", slog.Any("err", res.err))
				return
			}

			firstAccept = true
			id := w.nextTaskID()
			w.slots.acquire(id, res.conn.RemoteAddr().String())
			n := w.useCount.Add(1)

			w.wg.Add(1)
			go w.runHandlerTask(id, res.conn)

			if maxUse := w.Options().MaxUse; maxUse > 0 && n >= int64(maxUse) {
				return
			}

		case <-timeoutC:
			w.logger.Debug("idle timeout, draining")
			return

		case <-w.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func (w *Worker) nextTaskID() string {
	return strconv.FormatInt(w.taskSeq.Add(1), 10)
}

func (w *Worker) runHandlerTask(id string, conn net.Conn) {
	defer w.wg.Done()
	defer w.disconnect(id)
	defer func() { _ = conn.Close() }()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("handler panic",
				slog.Any("panic", r),
				slog.String("remote_addr", conn.RemoteAddr().String()),
			)
		}
	}()

	w.connected()
	w.handler(conn, conn.RemoteAddr(), w)
}

func (w *Worker) connected() {
	w.sendFullStatus()
}

func (w *Worker) disconnect(id string) {
	w.slots.release(id)
	w.sendFullStatus()
}
