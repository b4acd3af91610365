package worker

import (
	"errors"
	"log/slog"
	"time"

	"vawter.tech/stopper"

	"github.com/axondata/go-prefork/wire"
)

// heartbeatInterval is the control loop's downstream read deadline: when
// nothing arrives within this window, the worker sends a heartbeat and
// waits again.
const heartbeatInterval = 5 * time.Second

// controlLoop is the control activity: read downstream messages with a
// heartbeat-interval deadline, apply reloads, honor detach, and treat any
// other read failure as the parent being gone. sctx is the stopper.Context
// this loop runs under; it is a second, belt-and-suspenders way to notice
// a shutdown alongside stopCh, which requestStop also closes directly.
func (w *Worker) controlLoop(sctx *stopper.Context) {
	for {
		select {
		case <-w.stopCh:
			return
		case <-sctx.Stopping():
			return
		default:
		}

		if err := w.downstream.SetReadDeadline(time.Now().Add(heartbeatInterval)); err != nil {
			// A platform that can't set pipe deadlines can't run the
			// heartbeat protocol; treat this as fatal to the control
			// activity and let the watchdog reap the worker.
			w.logger.Error("set downstream deadline failed", slog.Any("err", err))
			return
		}

		msg, err := w.downReader.ReadMessage()
		switch {
		case err == nil:
			w.handleDownstream(msg)

		case errors.Is(err, wire.ErrTimeout):
			select {
			case <-w.stopCh:
				return
			default:
			}
			w.sendHeartbeat()

		default:
			// ErrPeerGone or ErrDecode: the control pipe is unusable.
			// Drain and exit like any other fatal condition.
			w.requestStop()
			return
		}
	}
}

func (w *Worker) handleDownstream(msg wire.Message) {
	if detach, _ := msg["detach"].(bool); detach {
		w.requestStop()
		return
	}

	rawOpts, ok := msg["options"].(map[string]any)
	if !ok {
		return
	}
	w.mergeOptions(rawOpts)
}

func (w *Worker) mergeOptions(raw map[string]any) {
	next := w.Options()

	if v, ok := numericValue(raw["max_threads"]); ok {
		next.MaxThreads = int(v)
		w.slots.setCap(next.MaxThreads)
	}
	if v, ok := numericValue(raw["max_idle_ms"]); ok {
		next.MaxIdle = time.Duration(v) * time.Millisecond
	}
	if v, ok := numericValue(raw["max_use"]); ok {
		next.MaxUse = int(v)
	}

	w.opts.Store(&next)

	if w.onReload != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("on_reload panic", slog.Any("panic", r))
				}
			}()
			w.onReload(next)
		}()
	}
}

func numericValue(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func (w *Worker) sendFullStatus() {
	conns := make(map[string]any, w.slots.len())
	for id, addr := range w.slots.snapshot() {
		conns[id] = addr
	}
	w.sendMessage(wire.Message{
		"state":       w.State().String(),
		"connections": conns,
	})
}

func (w *Worker) sendHeartbeat() {
	w.sendMessage(wire.Message{})
}

func (w *Worker) sendMessage(m wire.Message) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.upWriter.WriteMessage(m); err != nil {
		w.logger.Debug("status write failed, parent likely gone", slog.Any("err", err))
	}
}
