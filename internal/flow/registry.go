// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package flow

import (
	"encoding/json"
	"fmt"

	"github.com/ClusterCockpit/cc-engine/internal/enginerr"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Factory builds a Runtime from one node's raw config document, already
// validated against the Descriptor's schema (if any).
type Factory func(nodeID string, raw json.RawMessage, deps Dependencies) (Runtime, error)

// Descriptor names one node type known to the compiler: its constructor
// and, optionally, a JSON schema its config document must satisfy. Ground:
// the single Descriptor/Registry/Factory pattern mandated in place of
// per-node-type static classes (see REDESIGN FLAGS).
type Descriptor struct {
	Type    string
	Build   Factory
	Schema  *jsonschema.Schema
	InPorts []string
	OutPorts []string
}

// Registry maps a node's "type" field to its Descriptor.
type Registry struct {
	descriptors map[string]Descriptor
}

// NewRegistry returns a Registry preloaded with every built-in node type.
func NewRegistry() *Registry {
	r := &Registry{descriptors: make(map[string]Descriptor)}
	registerTriggerNodes(r)
	registerIONodes(r)
	registerLogicNodes(r)
	registerDataNodes(r)
	registerScriptAndSubflowNodes(r)
	return r
}

// register compiles schemaJSON (empty string means no validation) and adds
// the descriptor. Panics on a malformed built-in schema since those are a
// programming error caught at startup, never user input.
func (r *Registry) register(d Descriptor, schemaJSON string) {
	if schemaJSON != "" {
		compiled, err := jsonschema.CompileString(d.Type+".json", schemaJSON)
		if err != nil {
			panic(fmt.Sprintf("flow: invalid built-in schema for %s: %v", d.Type, err))
		}
		d.Schema = compiled
	}
	r.descriptors[d.Type] = d
}

// Get returns the descriptor for nodeType, if known.
func (r *Registry) Get(nodeType string) (Descriptor, bool) {
	d, ok := r.descriptors[nodeType]
	return d, ok
}

// Validate checks raw against the node type's schema, if one is declared.
func (r *Registry) Validate(nodeType string, raw json.RawMessage) error {
	d, ok := r.Get(nodeType)
	if !ok {
		return fmt.Errorf("%w: unknown node type %q", enginerr.Config, nodeType)
	}
	if d.Schema == nil {
		return nil
	}
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: node %q config is not valid JSON: %v", enginerr.Config, nodeType, err)
	}
	if err := d.Schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: node %q config: %v", enginerr.Config, nodeType, err)
	}
	return nil
}
