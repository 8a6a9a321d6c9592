package usbrelay

import (
	"context"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

type EventKind int

const (
	Created EventKind = iota
	Deleted
)

type Event struct {
	Kind  EventKind
	Name  string
	IsDir bool
}

// StateWatcher yields the control directory contents and subsequent change
// events. NextBatch blocks until at least one relevant event arrived and
// returns everything queued up to that point in delivery order.
type StateWatcher interface {
	Scan() ([]string, error)
	NextBatch(ctx context.Context) ([]Event, error)
	Close() error
}

type DirWatcher struct {
	dir    string
	fsw    *fsnotify.Watcher
	logger *log.Logger
}

func NewDirWatcher(dir string, logger *log.Logger) (*DirWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fs watcher")
	}

	err = fsw.Add(dir)
	if err != nil {
		fsw.Close()
		return nil, errors.Wrapf(err, "failed to watch %s", dir)
	}

	return &DirWatcher{
		dir:    dir,
		fsw:    fsw,
		logger: logger,
	}, nil
}

func (dw *DirWatcher) Scan() ([]string, error) {
	entries, err := os.ReadDir(dw.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to scan %s", dw.dir)
	}

	names := []string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		names = append(names, entry.Name())
	}

	return names, nil
}

func (dw *DirWatcher) NextBatch(ctx context.Context) ([]Event, error) {
	batch := []Event{}

	for len(batch) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case fsEvent, ok := <-dw.fsw.Events:
			if !ok {
				return nil, errors.New("watch event channel closed")
			}
			if ev, relevant := dw.translate(fsEvent); relevant {
				batch = append(batch, ev)
			}
		case watchErr, ok := <-dw.fsw.Errors:
			if !ok {
				return nil, errors.New("watch error channel closed")
			}
			return nil, errors.Wrap(watchErr, "watch source failed")
		}

	drain:
		for {
			select {
			case fsEvent, ok := <-dw.fsw.Events:
				if !ok {
					break drain
				}
				if ev, relevant := dw.translate(fsEvent); relevant {
					batch = append(batch, ev)
				}
			default:
				break drain
			}
		}
	}

	return batch, nil
}

func (dw *DirWatcher) translate(fsEvent fsnotify.Event) (ev Event, relevant bool) {
	name := filepath.Base(fsEvent.Name)

	switch {
	case fsEvent.Has(fsnotify.Create):
		info, statErr := os.Stat(fsEvent.Name)
		ev = Event{Kind: Created, Name: name, IsDir: statErr == nil && info.IsDir()}
		relevant = true
	case fsEvent.Has(fsnotify.Remove), fsEvent.Has(fsnotify.Rename):
		// an entry renamed away is gone from the directory, same as removed
		ev = Event{Kind: Deleted, Name: name}
		relevant = true
	default:
		dw.logger.Debug("ignoring fs event", "op", fsEvent.Op, "name", name)
	}

	return
}

func (dw *DirWatcher) Close() error {
	return dw.fsw.Close()
}
