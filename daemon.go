package usbrelay

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

const reconnectBackoff = time.Second

type daemonState int

const (
	stateConnecting daemonState = iota
	stateReconciling
	stateSynced
)

// Run drives the reconciliation loop until ctx is cancelled. The board may be
// plugged in long after startup and unplugged at any time, so the loop never
// gives up: every transport or watch failure funnels back into stateConnecting
// and a full resynchronization.
func (ur *UsbRelay) Run(ctx context.Context) error {
	if ur.watcher == nil {
		watcher, err := NewDirWatcher(ur.WatchDir, ur.logger.WithPrefix("watch"))
		if err != nil {
			return errors.Wrap(err, "failed to watch control directory")
		}
		ur.watcher = watcher
	}
	defer ur.watcher.Close()
	defer ur.board.Close()

	ur.logger.Info("reconciliation loop starting", "dir", ur.WatchDir)

	state := stateConnecting
	for ctx.Err() == nil {
		switch state {
		case stateConnecting:
			ur.setConnected(false)
			err := ur.board.EnsureConnected()
			if err != nil {
				ur.logger.Warn("relay board unavailable, will retry", "err", err)
				select {
				case <-ctx.Done():
				case <-time.After(reconnectBackoff):
				}
				continue
			}
			ur.logger.Info("relay board connected")
			ur.setConnected(true)
			state = stateReconciling

		case stateReconciling:
			names, err := ur.watcher.Scan()
			if err != nil {
				ur.logger.Error("control directory scan failed", "err", err)
				select {
				case <-ctx.Done():
				case <-time.After(reconnectBackoff):
				}
				continue
			}
			ur.seedDesired(names)

			err = ur.applyDesired()
			if err != nil {
				ur.logger.Error("initial apply failed, reconnecting", "err", err)
				state = stateConnecting
				continue
			}
			state = stateSynced

		case stateSynced:
			batch, err := ur.watcher.NextBatch(ctx)
			if ctx.Err() != nil {
				break
			}
			if err != nil {
				// the watch session is no longer trustworthy, rebuild it
				// and resynchronize from a fresh scan
				ur.logger.Error("watch source failed, resynchronizing", "err", err)
				ur.resetWatcher()
				select {
				case <-ctx.Done():
				case <-time.After(reconnectBackoff):
				}
				state = stateConnecting
				continue
			}

			for _, ev := range batch {
				ur.foldEvent(ev)
			}

			err = ur.applyDesired()
			if err != nil {
				ur.logger.Error("apply failed, reconnecting", "err", err)
				state = stateConnecting
			}
		}
	}

	ur.logger.Info("reconciliation loop stopped")
	return nil
}

func (ur *UsbRelay) resetWatcher() {
	ur.watcher.Close()

	watcher, err := NewDirWatcher(ur.WatchDir, ur.logger.WithPrefix("watch"))
	if err != nil {
		// keep the closed watcher; the next NextBatch fails and lands
		// back here after another connect round
		ur.logger.Error("failed to recreate watcher", "err", err)
		return
	}
	ur.watcher = watcher
}
