// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ctxstore_test

import (
	"path/filepath"
	"testing"

	"github.com/ClusterCockpit/cc-engine/internal/ctxstore"
	"github.com/ClusterCockpit/cc-engine/internal/model"
)

func TestOpenMissingFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "internal-tags.json")
	s, err := ctxstore.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := s.Get(model.GlobalKey("anything")); ok {
		t.Fatal("expected a fresh store to have no values")
	}
}

func TestSetAndGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "internal-tags.json")
	s, err := ctxstore.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	key := model.GlobalKey("setpoint")
	s.Set(model.ScopeGlobal, key, 42.0, model.QualityGood)

	v, ok := s.Get(key)
	if !ok {
		t.Fatal("expected to retrieve the value just set")
	}
	if v.Value != 42.0 {
		t.Fatalf("got %v, want 42.0", v.Value)
	}
	if v.Scope != model.ScopeGlobal {
		t.Fatalf("got scope %v, want global", v.Scope)
	}
}

func TestClearScopeLeavesGlobalUntouched(t *testing.T) {
	path := filepath.Join(t.TempDir(), "internal-tags.json")
	s, err := ctxstore.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	globalKey := model.GlobalKey("persisted")
	flowKey := model.FlowKey("flow1", "counter")
	s.Set(model.ScopeGlobal, globalKey, 1, model.QualityGood)
	s.Set(model.ScopeFlow, flowKey, 2, model.QualityGood)

	s.ClearScope("flow:flow1:")

	if _, ok := s.Get(flowKey); ok {
		t.Fatal("expected the flow-scope key to be cleared")
	}
	if _, ok := s.Get(globalKey); !ok {
		t.Fatal("expected the global-scope key to survive ClearScope")
	}
}

func TestClearScopeNeverRemovesGlobalEvenWithMatchingPrefix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "internal-tags.json")
	s, err := ctxstore.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	globalKey := model.GlobalKey("x")
	s.Set(model.ScopeGlobal, globalKey, 1, model.QualityGood)

	s.ClearScope("global:")

	if _, ok := s.Get(globalKey); !ok {
		t.Fatal("ClearScope must never remove global-scope entries regardless of prefix")
	}
}

func TestCloseFlushesGlobalScopeToDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "internal-tags.json")
	s, err := ctxstore.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	key := model.GlobalKey("persisted")
	s.Set(model.ScopeGlobal, key, "hello", model.QualityGood)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := ctxstore.Open(path)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	v, ok := reopened.Get(key)
	if !ok {
		t.Fatal("expected the persisted global value to survive a restart")
	}
	if v.Value != "hello" {
		t.Fatalf("got %v, want hello", v.Value)
	}
}

func TestFlowAndNodeScopeDoNotPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "internal-tags.json")
	s, err := ctxstore.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	s.Set(model.ScopeFlow, model.FlowKey("f1", "x"), 1, model.QualityGood)
	s.Set(model.ScopeNode, model.NodeKey("f1", "n1", "y"), 2, model.QualityGood)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := ctxstore.Open(path)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	if _, ok := reopened.Get(model.FlowKey("f1", "x")); ok {
		t.Fatal("flow-scope values must not survive a restart")
	}
	if _, ok := reopened.Get(model.NodeKey("f1", "n1", "y")); ok {
		t.Fatal("node-scope values must not survive a restart")
	}
}
