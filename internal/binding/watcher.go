// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package binding

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher subscribes to a Store's binding directory and translates
// filesystem events into Store mutations. It exposes fsnotify's own event
// channel rather than wrapping it in a goroutine, so that the caller can
// fold it into a single select-based event loop alongside the packet
// queues.
type Watcher struct {
	store *Store
	fsw   *fsnotify.Watcher
}

// NewWatcher creates a Watcher over store's data path. The caller must
// range over Events()/Errors() itself (typically from the daemon's main
// select loop) and call Close when done.
func NewWatcher(store *Store) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("binding: failed to create watcher: %w", err)
	}
	if err := fsw.Add(store.dataPath); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("binding: failed to watch %s: %w", store.dataPath, err)
	}
	return &Watcher{store: store, fsw: fsw}, nil
}

// Events returns the channel of raw filesystem events. HandleEvent
// interprets each one.
func (w *Watcher) Events() <-chan fsnotify.Event { return w.fsw.Events }

// Errors returns the channel of watcher-internal errors, including queue
// overflow notifications.
func (w *Watcher) Errors() <-chan error { return w.fsw.Errors }

// HandleEvent applies a single filesystem event to the Store: removal on
// Remove/Rename, upsert on Write/Create.
func (w *Watcher) HandleEvent(ev fsnotify.Event) {
	tap := filepath.Base(ev.Name)
	switch {
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.store.Remove(tap)
	case ev.Op&(fsnotify.Write|fsnotify.Create) != 0:
		w.store.Upsert(ev.Name)
	}
}

// HandleError reacts to a watcher error. An overflowed event queue means
// individual events may have been lost, so the only safe response is a
// full rescan.
func (w *Watcher) HandleError(err error) {
	log.WithError(err).Warn("binding watcher error, rebuilding store")
	w.store.Rebuild()
}

// Close stops the underlying filesystem subscription.
func (w *Watcher) Close() error { return w.fsw.Close() }
