// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package flow

import (
	"encoding/json"
	"fmt"

	"github.com/ClusterCockpit/cc-engine/internal/enginerr"
	"github.com/ClusterCockpit/cc-engine/internal/model"
	"github.com/ClusterCockpit/cc-engine/internal/util"
)

// wireEndpoint names one port of one node.
type wireEndpoint struct {
	nodeID, port string
}

// CompiledFlow is a flows.json definition resolved into live node runtimes
// and a validated, acyclic adjacency map ready for FlowExecutor.
type CompiledFlow struct {
	Definition model.FlowDefinition

	nodes map[string]Runtime
	order []string // topological order, source nodes first

	// adjacency[source] -> list of targets a source's output port feeds.
	adjacency map[wireEndpoint][]wireEndpoint

	// requiredPorts[nodeID] lists every input port the node declares; the
	// executor buffers arrivals until all of these are present before
	// invoking Execute.
	requiredPorts map[string][]string

	triggers []Trigger
}

// Compiler resolves node types against a Registry and produces
// CompiledFlows. Ground: the compile-then-run split of dshills-langgraph-go's
// graph builder, adapted to this Engine's explicit wire list instead of a
// fluent graph-building API.
type Compiler struct {
	registry *Registry
}

// NewCompiler returns a Compiler bound to registry.
func NewCompiler(registry *Registry) *Compiler {
	return &Compiler{registry: registry}
}

// Compile validates def's nodes and wires, instantiates a Runtime per node,
// and returns a ready-to-run CompiledFlow. Fails fast with enginerr.Config
// on any unresolved type, invalid config, wire to an unknown node, unknown
// port, or wiring cycle.
func (c *Compiler) Compile(def model.FlowDefinition, deps Dependencies) (*CompiledFlow, error) {
	cf := &CompiledFlow{
		Definition:    def,
		nodes:         make(map[string]Runtime),
		adjacency:     make(map[wireEndpoint][]wireEndpoint),
		requiredPorts: make(map[string][]string),
	}

	descriptors := make(map[string]Descriptor, len(def.Nodes))
	declared := make(map[string]bool, len(def.Nodes))

	for _, n := range def.Nodes {
		declared[n.ID] = true
		if n.Disabled {
			continue
		}
		d, ok := c.registry.Get(n.Type)
		if !ok {
			return nil, fmt.Errorf("%w: flow %q node %q has unknown type %q", enginerr.Config, def.ID, n.ID, n.Type)
		}
		if err := c.registry.Validate(n.Type, n.Config); err != nil {
			return nil, fmt.Errorf("%w: flow %q node %q: %v", enginerr.Config, def.ID, n.ID, err)
		}

		rt, err := d.Build(n.ID, n.Config, deps)
		if err != nil {
			return nil, fmt.Errorf("%w: flow %q node %q: %v", enginerr.Config, def.ID, n.ID, err)
		}

		cf.nodes[n.ID] = rt
		descriptors[n.ID] = d
		cf.requiredPorts[n.ID] = d.InPorts

		if trig, ok := rt.(Trigger); ok {
			cf.triggers = append(cf.triggers, trig)
		}
	}

	for _, w := range def.Wires {
		for _, id := range []string{w.SourceNode, w.TargetNode} {
			if !declared[id] {
				return nil, fmt.Errorf("%w: flow %q wire %q refers to unknown node %q",
					enginerr.Config, def.ID, w.ID, id)
			}
		}
		srcDesc, ok := descriptors[w.SourceNode]
		if !ok {
			continue // endpoint belongs to a disabled node
		}
		dstDesc, ok := descriptors[w.TargetNode]
		if !ok {
			continue
		}
		if !util.Contains(srcDesc.OutPorts, w.SourcePort) {
			return nil, fmt.Errorf("%w: flow %q wire %q: node %q has no output port %q",
				enginerr.Config, def.ID, w.ID, w.SourceNode, w.SourcePort)
		}
		if !util.Contains(dstDesc.InPorts, w.TargetPort) {
			return nil, fmt.Errorf("%w: flow %q wire %q: node %q has no input port %q",
				enginerr.Config, def.ID, w.ID, w.TargetNode, w.TargetPort)
		}

		src := wireEndpoint{w.SourceNode, w.SourcePort}
		dst := wireEndpoint{w.TargetNode, w.TargetPort}
		cf.adjacency[src] = append(cf.adjacency[src], dst)
	}

	linkImplicitWires(def, descriptors, cf.adjacency)

	order, err := topologicalOrder(def, cf.nodes)
	if err != nil {
		return nil, err
	}
	cf.order = order

	return cf, nil
}

// linkImplicitWires connects every link-out node to every link-in node in
// the same flow sharing a linkId, without requiring an explicit
// WireDefinition — the Node-RED-style "virtual wire" idiom.
func linkImplicitWires(def model.FlowDefinition, descriptors map[string]Descriptor, adjacency map[wireEndpoint][]wireEndpoint) {
	type linkCfg struct {
		LinkID string `json:"linkId"`
	}

	outsByLink := make(map[string][]string)
	insByLink := make(map[string][]string)

	for _, n := range def.Nodes {
		if _, ok := descriptors[n.ID]; !ok {
			continue
		}
		var cfg linkCfg
		switch n.Type {
		case "link-out":
			if json.Unmarshal(n.Config, &cfg) == nil {
				outsByLink[cfg.LinkID] = append(outsByLink[cfg.LinkID], n.ID)
			}
		case "link-in":
			if json.Unmarshal(n.Config, &cfg) == nil {
				insByLink[cfg.LinkID] = append(insByLink[cfg.LinkID], n.ID)
			}
		}
	}

	for linkID, outs := range outsByLink {
		for _, out := range outs {
			src := wireEndpoint{out, "out"} // link-out relays its "in" payload onto "out"
			for _, in := range insByLink[linkID] {
				dst := wireEndpoint{in, "in"}
				adjacency[src] = append(adjacency[src], dst)
			}
		}
	}
}

// topologicalOrder returns node IDs ordered so every node appears after
// all nodes that can feed it, failing with enginerr.Config on a cycle.
func topologicalOrder(def model.FlowDefinition, nodes map[string]Runtime) ([]string, error) {
	indegree := make(map[string]int, len(nodes))
	successors := make(map[string][]string, len(nodes))
	for id := range nodes {
		indegree[id] = 0
	}
	for _, w := range def.Wires {
		if _, ok := nodes[w.SourceNode]; !ok {
			continue
		}
		if _, ok := nodes[w.TargetNode]; !ok {
			continue
		}
		successors[w.SourceNode] = append(successors[w.SourceNode], w.TargetNode)
		indegree[w.TargetNode]++
	}

	var queue, order []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range successors[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(nodes) {
		return nil, fmt.Errorf("%w: flow %q contains a wiring cycle", enginerr.Config, def.ID)
	}
	return order, nil
}

// Triggers returns every trigger-capable node runtime in the compiled flow.
func (cf *CompiledFlow) Triggers() []Trigger {
	return cf.triggers
}

// Close releases any resource-holding node runtimes (subscriptions,
// timers), called when the flow is undeployed or recompiled.
func (cf *CompiledFlow) Close() {
	for _, rt := range cf.nodes {
		if c, ok := rt.(Closer); ok {
			_ = c.Close()
		}
	}
}
