// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package configstore

import (
	"path/filepath"
	"sync"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 500 * time.Millisecond

// ReloadFunc is invoked, on the debounce timer's goroutine, once a burst of
// filesystem events for one file has settled.
type ReloadFunc func()

// ConfigWatcher watches a directory for writes to the config documents and
// fires the registered ReloadFunc for a given file name after a trailing
// debounce window, collapsing editor save-bursts (write + chmod + rename)
// into a single reload. Ground: internal/util/fswatcher.go generalized from
// one flat listener list into a per-file map.
type ConfigWatcher struct {
	dir     string
	watcher *fsnotify.Watcher

	mu        sync.Mutex
	listeners map[string][]ReloadFunc
	timers    map[string]*time.Timer

	done chan struct{}
}

// NewConfigWatcher creates a watcher rooted at dir but does not start it;
// call Start once every AddListener call has been made.
func NewConfigWatcher(dir string) (*ConfigWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}

	return &ConfigWatcher{
		dir:       dir,
		watcher:   w,
		listeners: make(map[string][]ReloadFunc),
		timers:    make(map[string]*time.Timer),
		done:      make(chan struct{}),
	}, nil
}

// AddListener registers fn to run whenever name (a bare filename relative
// to the watched directory) changes on disk. "*" matches any file, used
// for a catch-all reload-everything hook.
func (w *ConfigWatcher) AddListener(name string, fn ReloadFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners[name] = append(w.listeners[name], fn)
}

// Start runs the event loop until Close is called.
func (w *ConfigWatcher) Start() {
	go w.run()
}

func (w *ConfigWatcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule(filepath.Base(event.Name))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			cclog.Errorf("configstore: watcher error: %v", err)
		case <-w.done:
			return
		}
	}
}

// schedule (re)starts the debounce timer for name; each new event within
// the window pushes firing back out, so a burst of writes fires once.
func (w *ConfigWatcher) schedule(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[name]; ok {
		t.Stop()
	}
	w.timers[name] = time.AfterFunc(debounceDelay, func() { w.fire(name) })
}

func (w *ConfigWatcher) fire(name string) {
	w.mu.Lock()
	fns := append([]ReloadFunc(nil), w.listeners[name]...)
	fns = append(fns, w.listeners["*"]...)
	delete(w.timers, name)
	w.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Close stops the filesystem watch and any pending debounce timers.
func (w *ConfigWatcher) Close() error {
	close(w.done)

	w.mu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.mu.Unlock()

	return w.watcher.Close()
}
