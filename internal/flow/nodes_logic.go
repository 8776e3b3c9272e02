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
)

func registerLogicNodes(r *Registry) {
	r.register(Descriptor{Type: "compare", Build: buildCompare, InPorts: []string{"in"}, OutPorts: []string{"true", "false"}},
		`{"type":"object","properties":{"operator":{"type":"string"},"threshold":{}},"required":["operator","threshold"]}`)

	r.register(Descriptor{Type: "branch", Build: buildBranch, InPorts: []string{"in"}, OutPorts: []string{"true", "false"}},
		`{"type":"object","properties":{"condition":{"type":"string"}},"required":["condition"]}`)

	r.register(Descriptor{Type: "and-gate", Build: buildGate("and"), InPorts: []string{"in1", "in2"}, OutPorts: []string{"out"}}, "")
	r.register(Descriptor{Type: "or-gate", Build: buildGate("or"), InPorts: []string{"in1", "in2"}, OutPorts: []string{"out"}}, "")
	r.register(Descriptor{Type: "not-gate", Build: buildGate("not"), InPorts: []string{"in1"}, OutPorts: []string{"out"}}, "")

	r.register(Descriptor{Type: "filter", Build: buildFilter, InPorts: []string{"in"}, OutPorts: []string{"out"}},
		`{"type":"object","properties":{"condition":{"type":"string"}},"required":["condition"]}`)

	r.register(Descriptor{Type: "switch", Build: buildSwitch, InPorts: []string{"in"}},
		`{"type":"object","properties":{"cases":{"type":"array","items":{"type":"object","properties":{"value":{},"port":{"type":"string"}},"required":["value","port"]}},"defaultPort":{"type":"string"}},"required":["cases"]}`)
}

type compareConfig struct {
	Operator  string      `json:"operator"`
	Threshold interface{} `json:"threshold"`
}

type compareNode struct {
	cfg compareConfig
}

func buildCompare(nodeID string, raw json.RawMessage, _ Dependencies) (Runtime, error) {
	var cfg compareConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: compare %s: %v", enginerr.Config, nodeID, err)
	}
	return &compareNode{cfg: cfg}, nil
}

func (n *compareNode) Execute(ctx *NodeContext, inputs map[string]model.MessageEnvelope) (map[string]model.MessageEnvelope, error) {
	msg := inputs["in"]
	result, err := evalOperator(n.cfg.Operator, toFloat64(msg.Payload), toFloat64(n.cfg.Threshold))
	if err != nil {
		return nil, fmt.Errorf("%w: compare: %v", enginerr.Config, err)
	}
	port := "false"
	if result {
		port = "true"
	}
	return map[string]model.MessageEnvelope{port: msg}, nil
}

func evalOperator(op string, a, b float64) (bool, error) {
	switch op {
	case "==":
		return a == b, nil
	case "!=":
		return a != b, nil
	case ">":
		return a > b, nil
	case ">=":
		return a >= b, nil
	case "<":
		return a < b, nil
	case "<=":
		return a <= b, nil
	default:
		return false, fmt.Errorf("unknown operator %q", op)
	}
}

func toFloat64(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	case bool:
		if n {
			return 1
		}
		return 0
	default:
		return 0
	}
}

type branchConfig struct {
	Condition string `json:"condition"`
}

type branchNode struct {
	cfg  branchConfig
	deps Dependencies
}

func buildBranch(nodeID string, raw json.RawMessage, deps Dependencies) (Runtime, error) {
	var cfg branchConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: branch %s: %v", enginerr.Config, nodeID, err)
	}
	return &branchNode{cfg: cfg, deps: deps}, nil
}

func (n *branchNode) Execute(ctx *NodeContext, inputs map[string]model.MessageEnvelope) (map[string]model.MessageEnvelope, error) {
	msg := inputs["in"]
	if n.deps.ScriptHost == nil {
		return map[string]model.MessageEnvelope{"false": msg}, nil
	}
	ok, err := n.deps.ScriptHost.EvaluateCondition(ctx.Context, n.cfg.Condition, map[string]interface{}{"payload": msg.Payload})
	if err != nil {
		return nil, fmt.Errorf("%w: branch condition: %v", enginerr.ActionFailure, err)
	}
	port := "false"
	if ok {
		port = "true"
	}
	return map[string]model.MessageEnvelope{port: msg}, nil
}

type gateNode struct {
	kind string
}

func buildGate(kind string) Factory {
	return func(_ string, _ json.RawMessage, _ Dependencies) (Runtime, error) {
		return &gateNode{kind: kind}, nil
	}
}

func (n *gateNode) Execute(ctx *NodeContext, inputs map[string]model.MessageEnvelope) (map[string]model.MessageEnvelope, error) {
	a := truthy(inputs["in1"].Payload)
	var result bool
	switch n.kind {
	case "and":
		result = a && truthy(inputs["in2"].Payload)
	case "or":
		result = a || truthy(inputs["in2"].Payload)
	case "not":
		result = !a
	}
	return map[string]model.MessageEnvelope{"out": {Payload: result, CreatedUTC: inputs["in1"].CreatedUTC}}, nil
}

func truthy(v interface{}) bool {
	switch b := v.(type) {
	case bool:
		return b
	case nil:
		return false
	default:
		return toFloat64(v) != 0
	}
}

type filterConfig struct {
	Condition string `json:"condition"`
}

type filterNode struct {
	cfg  filterConfig
	deps Dependencies
}

func buildFilter(nodeID string, raw json.RawMessage, deps Dependencies) (Runtime, error) {
	var cfg filterConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: filter %s: %v", enginerr.Config, nodeID, err)
	}
	return &filterNode{cfg: cfg, deps: deps}, nil
}

func (n *filterNode) Execute(ctx *NodeContext, inputs map[string]model.MessageEnvelope) (map[string]model.MessageEnvelope, error) {
	msg := inputs["in"]
	if n.deps.ScriptHost == nil {
		return map[string]model.MessageEnvelope{"out": msg}, nil
	}
	ok, err := n.deps.ScriptHost.EvaluateCondition(ctx.Context, n.cfg.Condition, map[string]interface{}{"payload": msg.Payload})
	if err != nil {
		return nil, fmt.Errorf("%w: filter condition: %v", enginerr.ActionFailure, err)
	}
	if !ok {
		return nil, nil
	}
	return map[string]model.MessageEnvelope{"out": msg}, nil
}

type switchCase struct {
	Value interface{} `json:"value"`
	Port  string      `json:"port"`
}

type switchConfig struct {
	Cases       []switchCase `json:"cases"`
	DefaultPort string       `json:"defaultPort"`
}

type switchNode struct {
	cfg switchConfig
}

func buildSwitch(nodeID string, raw json.RawMessage, _ Dependencies) (Runtime, error) {
	var cfg switchConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: switch %s: %v", enginerr.Config, nodeID, err)
	}
	return &switchNode{cfg: cfg}, nil
}

func (n *switchNode) Execute(ctx *NodeContext, inputs map[string]model.MessageEnvelope) (map[string]model.MessageEnvelope, error) {
	msg := inputs["in"]
	for _, c := range n.cfg.Cases {
		if fmt.Sprintf("%v", c.Value) == fmt.Sprintf("%v", msg.Payload) {
			return map[string]model.MessageEnvelope{c.Port: msg}, nil
		}
	}
	if n.cfg.DefaultPort != "" {
		return map[string]model.MessageEnvelope{n.cfg.DefaultPort: msg}, nil
	}
	return nil, nil
}
