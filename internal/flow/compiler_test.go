// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package flow

import (
	"encoding/json"
	"testing"

	"github.com/ClusterCockpit/cc-engine/internal/enginerr"
	"github.com/ClusterCockpit/cc-engine/internal/model"
)

func rawJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestCompileSimpleChain(t *testing.T) {
	c := NewCompiler(NewRegistry())
	def := model.FlowDefinition{
		ID: "f1", Name: "chain", Enabled: true,
		Nodes: []model.NodeDefinition{
			{ID: "const1", Type: "constant", Config: rawJSON(t, map[string]interface{}{"value": 10.0})},
			{ID: "math1", Type: "math-add", Config: rawJSON(t, map[string]interface{}{"operator": "add", "operand": 5.0})},
			{ID: "debug1", Type: "debug"},
		},
		Wires: []model.WireDefinition{
			{ID: "w1", SourceNode: "const1", SourcePort: "out", TargetNode: "math1", TargetPort: "in"},
			{ID: "w2", SourceNode: "math1", SourcePort: "out", TargetNode: "debug1", TargetPort: "in"},
		},
	}

	cf, err := c.Compile(def, Dependencies{})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(cf.nodes) != 3 {
		t.Fatalf("expected 3 compiled nodes, got %d", len(cf.nodes))
	}
	if len(cf.order) != 3 {
		t.Fatalf("expected topological order to cover all 3 nodes, got %d", len(cf.order))
	}
}

func TestCompileUnknownNodeType(t *testing.T) {
	c := NewCompiler(NewRegistry())
	def := model.FlowDefinition{
		ID: "f1",
		Nodes: []model.NodeDefinition{
			{ID: "n1", Type: "not-a-real-type"},
		},
	}
	_, err := c.Compile(def, Dependencies{})
	if !enginerr.Is(err, enginerr.Config) {
		t.Fatalf("expected enginerr.Config for unknown node type, got %v", err)
	}
}

func TestCompileInvalidNodeConfig(t *testing.T) {
	c := NewCompiler(NewRegistry())
	def := model.FlowDefinition{
		ID: "f1",
		Nodes: []model.NodeDefinition{
			{ID: "m1", Type: "math-add", Config: rawJSON(t, map[string]interface{}{"operator": "add"})}, // missing "operand"
		},
	}
	_, err := c.Compile(def, Dependencies{})
	if !enginerr.Is(err, enginerr.Config) {
		t.Fatalf("expected enginerr.Config for a config missing a required field, got %v", err)
	}
}

func TestCompileUnknownOutputPort(t *testing.T) {
	c := NewCompiler(NewRegistry())
	def := model.FlowDefinition{
		ID: "f1",
		Nodes: []model.NodeDefinition{
			{ID: "const1", Type: "constant", Config: rawJSON(t, map[string]interface{}{"value": 1})},
			{ID: "debug1", Type: "debug"},
		},
		Wires: []model.WireDefinition{
			{ID: "w1", SourceNode: "const1", SourcePort: "bogus", TargetNode: "debug1", TargetPort: "in"},
		},
	}
	_, err := c.Compile(def, Dependencies{})
	if !enginerr.Is(err, enginerr.Config) {
		t.Fatalf("expected enginerr.Config for an unknown output port, got %v", err)
	}
}

func TestCompileDetectsCycle(t *testing.T) {
	c := NewCompiler(NewRegistry())
	def := model.FlowDefinition{
		ID: "f1",
		Nodes: []model.NodeDefinition{
			{ID: "a", Type: "math-add", Config: rawJSON(t, map[string]interface{}{"operator": "add", "operand": 1.0})},
			{ID: "b", Type: "math-add", Config: rawJSON(t, map[string]interface{}{"operator": "add", "operand": 1.0})},
		},
		Wires: []model.WireDefinition{
			{ID: "w1", SourceNode: "a", SourcePort: "out", TargetNode: "b", TargetPort: "in"},
			{ID: "w2", SourceNode: "b", SourcePort: "out", TargetNode: "a", TargetPort: "in"},
		},
	}
	_, err := c.Compile(def, Dependencies{})
	if !enginerr.Is(err, enginerr.Config) {
		t.Fatalf("expected enginerr.Config for a wiring cycle, got %v", err)
	}
}

func TestCompileSkipsDisabledNodes(t *testing.T) {
	c := NewCompiler(NewRegistry())
	def := model.FlowDefinition{
		ID: "f1",
		Nodes: []model.NodeDefinition{
			{ID: "const1", Type: "constant", Config: rawJSON(t, map[string]interface{}{"value": 1}), Disabled: true},
			{ID: "debug1", Type: "debug"},
		},
		Wires: []model.WireDefinition{
			{ID: "w1", SourceNode: "const1", SourcePort: "out", TargetNode: "debug1", TargetPort: "in"},
		},
	}
	cf, err := c.Compile(def, Dependencies{})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(cf.nodes) != 1 {
		t.Fatalf("expected the disabled node to be skipped, got %d nodes", len(cf.nodes))
	}
}

func TestCompileImplicitLinkWiring(t *testing.T) {
	c := NewCompiler(NewRegistry())
	def := model.FlowDefinition{
		ID: "f1",
		Nodes: []model.NodeDefinition{
			{ID: "out1", Type: "link-out", Config: rawJSON(t, map[string]interface{}{"linkId": "L1"})},
			{ID: "in1", Type: "link-in", Config: rawJSON(t, map[string]interface{}{"linkId": "L1"})},
		},
	}
	cf, err := c.Compile(def, Dependencies{})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	targets := cf.adjacency[wireEndpoint{"out1", "out"}]
	if len(targets) != 1 || targets[0] != (wireEndpoint{"in1", "in"}) {
		t.Fatalf("expected link-out to be implicitly wired to link-in, got %+v", targets)
	}
}
