// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ctxstore implements the three-scope (global/flow/node) key-value
// store flow nodes and scripts read and write through context-get/set
// nodes. Only the global scope survives a restart, persisted to
// internal-tags.json with the same atomic-write, debounced-save idiom as
// configstore.
package ctxstore

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/ClusterCockpit/cc-engine/internal/enginerr"
	"github.com/ClusterCockpit/cc-engine/internal/model"
)

const persistDebounce = 500 * time.Millisecond

// Store is the shared context value table, keyed by model.Scope-flattened
// key (see model.GlobalKey/FlowKey/NodeKey).
type Store struct {
	path string

	mu     sync.RWMutex
	values map[string]model.InternalTagValue

	persistMu    sync.Mutex
	persistTimer *time.Timer
	closed       bool
}

// Open loads the persisted global scope from path (if present) and returns
// a ready Store. A missing file starts with an empty global scope.
func Open(path string) (*Store, error) {
	s := &Store{path: path, values: make(map[string]model.InternalTagValue)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading internal tags %q: %v", enginerr.Fatal, path, err)
	}

	var persisted map[string]model.InternalTagValue
	if err := json.Unmarshal(data, &persisted); err != nil {
		return nil, fmt.Errorf("%w: decoding internal tags %q: %v", enginerr.Config, path, err)
	}
	s.values = persisted

	return s, nil
}

// Get returns the value at key, if set.
func (s *Store) Get(key string) (model.InternalTagValue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores a value at key. Writes to a global-scope key schedule a
// debounced persist; flow and node scope never hit disk.
func (s *Store) Set(scope model.Scope, key string, value interface{}, quality model.Quality) {
	s.mu.Lock()
	s.values[key] = model.InternalTagValue{
		Scope:     scope,
		Path:      key,
		Value:     value,
		Quality:   quality,
		Timestamp: time.Now().UTC(),
	}
	s.mu.Unlock()

	if scope == model.ScopeGlobal {
		s.schedulePersist()
	}
}

// ClearScope removes every flow- or node-scope key that starts with prefix
// (for example "flow:<flowId>:"); global-scope keys are never removed. The
// engine does not call it on its own when a flow run completes or a flow is
// undeployed.
func (s *Store) ClearScope(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.values {
		if v.Scope != model.ScopeGlobal && hasPrefix(k, prefix) {
			delete(s.values, k)
		}
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func (s *Store) schedulePersist() {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if s.closed {
		return
	}
	if s.persistTimer != nil {
		s.persistTimer.Stop()
	}
	s.persistTimer = time.AfterFunc(persistDebounce, s.persistNow)
}

func (s *Store) persistNow() {
	s.mu.RLock()
	global := make(map[string]model.InternalTagValue)
	for k, v := range s.values {
		if v.Scope == model.ScopeGlobal {
			global[k] = v
		}
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(global, "", "  ")
	if err != nil {
		cclog.Errorf("ctxstore: marshaling global scope: %v", err)
		return
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		cclog.Errorf("ctxstore: writing %s: %v", tmp, err)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		cclog.Errorf("ctxstore: renaming %s into place: %v", tmp, err)
	}
}

// Close flushes the global scope synchronously and stops accepting further
// debounced persists.
func (s *Store) Close() error {
	s.persistMu.Lock()
	if s.persistTimer != nil {
		s.persistTimer.Stop()
	}
	s.closed = true
	s.persistMu.Unlock()

	s.persistNow()
	return nil
}
