//go:build linux || darwin

package heartbeat

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"vawter.tech/stopper"
)

// PipeHeartbeat looks up the most recent control-pipe heartbeat time for
// a worker pid, reporting false if that pid is not currently tracked.
type PipeHeartbeat func(pid int) (time.Time, bool)

// WatchDrift watches dir for the touch-file creations and mtime updates
// Mirror.Touch makes (the latter arrive as Chmod events) and logs, at debug level, any mtime that disagrees with the
// corresponding pipe heartbeat by more than tolerance. Modeled on
// watchImpl's fsnotify-plus-stopper.Context shape: the watcher and the
// goroutine reading its event channel are both torn down by the
// returned *stopper.Context.
func WatchDrift(ctx context.Context, dir string, tolerance time.Duration, logger *slog.Logger, pipeHeartbeat PipeHeartbeat) (*stopper.Context, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	sctx := stopper.WithContext(ctx)
	sctx.Defer(func() { _ = watcher.Close() })

	sctx.Go(func(sctx *stopper.Context) error {
		for {
			select {
			case <-sctx.Stopping():
				return nil

			case ev, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Chmod) == 0 {
					continue
				}
				checkDrift(ev.Name, tolerance, logger, pipeHeartbeat)

			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				logger.Debug("heartbeat mirror watch error", slog.Any("err", err))
			}
		}
	})

	return sctx, nil
}

func checkDrift(name string, tolerance time.Duration, logger *slog.Logger, pipeHeartbeat PipeHeartbeat) {
	pid, err := strconv.Atoi(filepath.Base(name))
	if err != nil {
		return
	}
	info, err := os.Stat(name)
	if err != nil {
		return
	}
	pipeTime, ok := pipeHeartbeat(pid)
	if !ok {
		return
	}
	diff := info.ModTime().Sub(pipeTime)
	if diff < 0 {
		diff = -diff
	}
	if diff > tolerance {
		logger.Debug("heartbeat mirror drift",
			slog.Int("pid", pid),
			slog.Time("mirror_mtime", info.ModTime()),
			slog.Time("pipe_heartbeat", pipeTime),
			slog.Duration("diff", diff),
		)
	}
}
