// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package configstore_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ClusterCockpit/cc-engine/internal/configstore"
	"github.com/ClusterCockpit/cc-engine/internal/model"
)

func TestOpenSeedsDefaultsOnMissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "config")

	store, err := configstore.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if len(store.Connections()) == 0 {
		t.Fatal("expected Open to seed a default connection set")
	}
	for _, name := range []string{configstore.ConnectionsFileName, configstore.FlowsFileName, configstore.StateMachinesFileName, configstore.UsersFileName} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected %s to be written to disk: %v", name, err)
		}
	}
}

func TestSaveAndReloadConnectionsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := configstore.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	conns := []model.ConnectionConfig{{ID: "c1", Name: "Line 1", DriverType: "simulator", Enabled: true}}
	if err := store.SaveConnections(conns); err != nil {
		t.Fatalf("SaveConnections: %v", err)
	}

	reopened, err := configstore.Open(dir)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	got := reopened.Connections()
	if len(got) != 1 || got[0].ID != "c1" {
		t.Fatalf("expected the saved connection to round-trip, got %+v", got)
	}
}

func TestReloadFilePicksUpExternalEdit(t *testing.T) {
	dir := t.TempDir()
	store, err := configstore.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	doc := struct {
		SchemaVersion int                      `json:"schemaVersion"`
		Connections   []model.ConnectionConfig `json:"connections"`
	}{
		SchemaVersion: configstore.CurrentSchemaVersion,
		Connections:   []model.ConnectionConfig{{ID: "edited", Name: "Edited", DriverType: "simulator", Enabled: true}},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, configstore.ConnectionsFileName), data, 0o644); err != nil {
		t.Fatalf("writing edited connections.json: %v", err)
	}

	if err := store.ReloadConnections(); err != nil {
		t.Fatalf("ReloadConnections: %v", err)
	}

	got := store.Connections()
	if len(got) != 1 || got[0].ID != "edited" {
		t.Fatalf("expected reload to pick up the external edit, got %+v", got)
	}
}

func TestReloadFileRejectsNewerSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	store, err := configstore.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	future := struct {
		SchemaVersion int `json:"schemaVersion"`
	}{SchemaVersion: configstore.CurrentSchemaVersion + 1}
	data, _ := json.Marshal(future)
	if err := os.WriteFile(filepath.Join(dir, configstore.ConnectionsFileName), data, 0o644); err != nil {
		t.Fatalf("writing future-schema connections.json: %v", err)
	}

	if err := store.ReloadConnections(); err == nil {
		t.Fatal("expected ReloadConnections to reject a newer schema version")
	}
}

func TestOpenRejectsMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, configstore.ConnectionsFileName), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("writing malformed connections.json: %v", err)
	}

	if _, err := configstore.Open(dir); err == nil {
		t.Fatal("expected Open to fail on malformed JSON")
	}
}

func TestSaveFlowsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := configstore.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	flows := []model.FlowDefinition{{ID: "f1", Name: "Flow One", Enabled: true}}
	if err := store.SaveFlows(flows); err != nil {
		t.Fatalf("SaveFlows: %v", err)
	}
	got := store.Flows()
	if len(got) != 1 || got[0].ID != "f1" {
		t.Fatalf("expected saved flow to be reflected immediately, got %+v", got)
	}
}
