// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package configstore owns the Engine's JSON config documents
// (connections, flows, state machines, users) and watches the config
// directory for edits, debouncing bursts and firing per-kind reload
// hooks. See SPEC_FULL.md's ConfigStore + ConfigWatcher section.
package configstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/ClusterCockpit/cc-engine/internal/enginerr"
	"github.com/ClusterCockpit/cc-engine/internal/model"
)

// File names of the four JSON documents under the config directory,
// exported so callers (the config watcher wiring in cmd/engine, tests) can
// name them without duplicating the literals.
const (
	connectionsFile   = ConnectionsFileName
	flowsFile         = FlowsFileName
	stateMachinesFile = StateMachinesFileName
	usersFile         = UsersFileName
)

const (
	ConnectionsFileName   = "connections.json"
	FlowsFileName         = "flows.json"
	StateMachinesFileName = "state-machines.json"
	UsersFileName         = "users.json"
)

// Store owns the four (plus users) JSON documents under one directory.
// All reads return copies; callers must not mutate the returned slices
// in place if they intend to keep using the Store's view consistent.
type Store struct {
	dir string
	mu  sync.RWMutex

	connections   ConnectionsDocument
	flows         FlowsDocument
	stateMachines StateMachinesDocument
	users         UsersDocument
}

// Open loads (or seeds) every document under dir. A missing file produces
// its default document and is saved immediately, matching the teacher's
// "missing config gets a saved default" convention.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: config dir %q: %v", enginerr.Fatal, dir, err)
	}

	s := &Store{dir: dir}

	if err := loadOrSeed(dir, connectionsFile, &s.connections, defaultConnections, func(d ConnectionsDocument) int { return d.SchemaVersion }); err != nil {
		return nil, err
	}
	if err := loadOrSeed(dir, flowsFile, &s.flows, defaultFlows, func(d FlowsDocument) int { return d.SchemaVersion }); err != nil {
		return nil, err
	}
	if err := loadOrSeed(dir, stateMachinesFile, &s.stateMachines, defaultStateMachines, func(d StateMachinesDocument) int { return d.SchemaVersion }); err != nil {
		return nil, err
	}
	if err := loadOrSeed(dir, usersFile, &s.users, defaultUsers, func(d UsersDocument) int { return d.SchemaVersion }); err != nil {
		return nil, err
	}

	return s, nil
}

func loadOrSeed[T any](dir, name string, dst *T, seed func() T, version func(T) int) error {
	path := filepath.Join(dir, name)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		*dst = seed()
		return atomicWrite(path, *dst)
	}
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", enginerr.Fatal, name, err)
	}

	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", enginerr.Config, name, err)
	}
	return checkVersion(name, version(*dst))
}

// checkVersion rejects a document whose schemaVersion (read by each caller
// from the document's own field) is newer than CurrentSchemaVersion.
func checkVersion(name string, version int) error {
	if version > CurrentSchemaVersion {
		return fmt.Errorf("%w: %s has schemaVersion %d, engine supports up to %d",
			enginerr.Config, name, version, CurrentSchemaVersion)
	}
	return nil
}

// Connections returns a snapshot of the current connections document.
func (s *Store) Connections() []model.ConnectionConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ConnectionConfig, len(s.connections.Connections))
	copy(out, s.connections.Connections)
	return out
}

// Flows returns a snapshot of the current flows document.
func (s *Store) Flows() []model.FlowDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.FlowDefinition, len(s.flows.Flows))
	copy(out, s.flows.Flows)
	return out
}

// StateMachines returns a snapshot of the current state-machines document.
func (s *Store) StateMachines() []model.StateMachineConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.StateMachineConfig, len(s.stateMachines.StateMachines))
	copy(out, s.stateMachines.StateMachines)
	return out
}

// SaveConnections stamps the current schema version, persists, and replaces
// the in-memory document atomically. The connections are not validated.
func (s *Store) SaveConnections(conns []model.ConnectionConfig) error {
	doc := ConnectionsDocument{SchemaVersion: CurrentSchemaVersion, Connections: conns}
	if err := atomicWrite(filepath.Join(s.dir, connectionsFile), doc); err != nil {
		return err
	}
	s.mu.Lock()
	s.connections = doc
	s.mu.Unlock()
	return nil
}

// SaveFlows stamps the current schema version, persists, and replaces the
// in-memory flows document. The flows are not validated.
func (s *Store) SaveFlows(flows []model.FlowDefinition) error {
	doc := FlowsDocument{SchemaVersion: CurrentSchemaVersion, Flows: flows}
	if err := atomicWrite(filepath.Join(s.dir, flowsFile), doc); err != nil {
		return err
	}
	s.mu.Lock()
	s.flows = doc
	s.mu.Unlock()
	return nil
}

// SaveStateMachines stamps the current schema version, persists, and
// replaces the in-memory state-machines document. The machines are not
// validated.
func (s *Store) SaveStateMachines(machines []model.StateMachineConfig) error {
	doc := StateMachinesDocument{SchemaVersion: CurrentSchemaVersion, StateMachines: machines}
	if err := atomicWrite(filepath.Join(s.dir, stateMachinesFile), doc); err != nil {
		return err
	}
	s.mu.Lock()
	s.stateMachines = doc
	s.mu.Unlock()
	return nil
}

// ReloadConnections re-reads connections.json off disk.
func (s *Store) ReloadConnections() error { return s.ReloadFile(connectionsFile) }

// ReloadFlows re-reads flows.json off disk.
func (s *Store) ReloadFlows() error { return s.ReloadFile(flowsFile) }

// ReloadStateMachines re-reads state-machines.json off disk.
func (s *Store) ReloadStateMachines() error { return s.ReloadFile(stateMachinesFile) }

// ReloadFile re-reads one document off disk into the Store, used by the
// ConfigWatcher after a debounced file-system event. Unknown names are a
// no-op so future document kinds can be added without touching callers.
func (s *Store) ReloadFile(name string) error {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: reloading %s: %v", enginerr.Config, name, err)
	}

	switch name {
	case connectionsFile:
		var doc ConnectionsDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("%w: reloading %s: %v", enginerr.Config, name, err)
		}
		if err := checkVersion(name, doc.SchemaVersion); err != nil {
			return err
		}
		s.mu.Lock()
		s.connections = doc
		s.mu.Unlock()
	case flowsFile:
		var doc FlowsDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("%w: reloading %s: %v", enginerr.Config, name, err)
		}
		if err := checkVersion(name, doc.SchemaVersion); err != nil {
			return err
		}
		s.mu.Lock()
		s.flows = doc
		s.mu.Unlock()
	case stateMachinesFile:
		var doc StateMachinesDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("%w: reloading %s: %v", enginerr.Config, name, err)
		}
		if err := checkVersion(name, doc.SchemaVersion); err != nil {
			return err
		}
		s.mu.Lock()
		s.stateMachines = doc
		s.mu.Unlock()
	default:
		cclog.Debugf("configstore: ignoring reload of unknown file %s", name)
	}

	return nil
}

// atomicWrite writes v as pretty-printed, null-skipping JSON to path via a
// temp file + fsync + rename, matching the ConfigStore's atomic-save
// contract.
func atomicWrite(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshaling %s: %v", enginerr.Config, path, err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: creating temp file for %s: %v", enginerr.Fatal, path, err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: writing %s: %v", enginerr.Fatal, path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: fsyncing %s: %v", enginerr.Fatal, path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: closing %s: %v", enginerr.Fatal, path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: renaming into place %s: %v", enginerr.Fatal, path, err)
	}
	return nil
}
