// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package flow

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ClusterCockpit/cc-engine/internal/enginerr"
	"github.com/ClusterCockpit/cc-engine/internal/model"
)

func registerDataNodes(r *Registry) {
	r.register(Descriptor{Type: "math-add", Build: buildMath, InPorts: []string{"in"}, OutPorts: []string{"out"}},
		`{"type":"object","properties":{"operator":{"type":"string"},"operand":{"type":"number"}},"required":["operator","operand"]}`)

	r.register(Descriptor{Type: "constant", Build: buildConstant, OutPorts: []string{"out"}},
		`{"type":"object","properties":{"value":{}},"required":["value"]}`)

	r.register(Descriptor{Type: "debug", Build: buildDebug, InPorts: []string{"in"}}, "")

	r.register(Descriptor{Type: "delay", Build: buildDelay, InPorts: []string{"in"}, OutPorts: []string{"out"}},
		`{"type":"object","properties":{"delayMs":{"type":"integer","minimum":0}},"required":["delayMs"]}`)

	r.register(Descriptor{Type: "template", Build: buildTemplate, InPorts: []string{"in"}, OutPorts: []string{"out"}},
		`{"type":"object","properties":{"template":{"type":"string"}},"required":["template"]}`)

	r.register(Descriptor{Type: "aggregate", Build: buildAggregate, InPorts: []string{"in"}, OutPorts: []string{"out"}},
		`{"type":"object","properties":{"operator":{"type":"string","enum":["min","max","avg","sum","count"]},"windowSize":{"type":"integer","minimum":1}},"required":["operator","windowSize"]}`)

	r.register(Descriptor{Type: "smooth", Build: buildSmooth, InPorts: []string{"in"}, OutPorts: []string{"out"}},
		`{"type":"object","properties":{"alpha":{"type":"number","minimum":0,"maximum":1}},"required":["alpha"]}`)

	r.register(Descriptor{Type: "deadband", Build: buildDeadband, InPorts: []string{"in"}, OutPorts: []string{"out"}},
		`{"type":"object","properties":{"threshold":{"type":"number"}},"required":["threshold"]}`)

	r.register(Descriptor{Type: "rate-of-change", Build: buildRateOfChange, InPorts: []string{"in"}, OutPorts: []string{"out"}}, "")

	r.register(Descriptor{Type: "context-get", Build: buildContextGet, OutPorts: []string{"out"}},
		`{"type":"object","properties":{"scope":{"type":"string","enum":["global","flow","node"]},"path":{"type":"string"}},"required":["scope","path"]}`)

	r.register(Descriptor{Type: "context-set", Build: buildContextSet, InPorts: []string{"in"}},
		`{"type":"object","properties":{"scope":{"type":"string","enum":["global","flow","node"]},"path":{"type":"string"}},"required":["scope","path"]}`)

	// The compiler's implicit link-id wiring connects each link-out's "out"
	// port to the "in" port of every link-in sharing its linkId; a link-out's
	// "in" and a link-in's "out" take ordinary explicit wires.
	r.register(Descriptor{Type: "link-in", Build: buildLinkInOut, InPorts: []string{"in"}, OutPorts: []string{"out"}},
		`{"type":"object","properties":{"linkId":{"type":"string"}},"required":["linkId"]}`)

	r.register(Descriptor{Type: "link-out", Build: buildLinkInOut, InPorts: []string{"in"}, OutPorts: []string{"out"}},
		`{"type":"object","properties":{"linkId":{"type":"string"}},"required":["linkId"]}`)
}

type mathConfig struct {
	Operator string  `json:"operator"`
	Operand  float64 `json:"operand"`
}

type mathNode struct{ cfg mathConfig }

func buildMath(nodeID string, raw json.RawMessage, _ Dependencies) (Runtime, error) {
	var cfg mathConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: math %s: %v", enginerr.Config, nodeID, err)
	}
	return &mathNode{cfg: cfg}, nil
}

func (n *mathNode) Execute(ctx *NodeContext, inputs map[string]model.MessageEnvelope) (map[string]model.MessageEnvelope, error) {
	in := toFloat64(inputs["in"].Payload)
	var out float64
	switch n.cfg.Operator {
	case "add":
		out = in + n.cfg.Operand
	case "subtract":
		out = in - n.cfg.Operand
	case "multiply":
		out = in * n.cfg.Operand
	case "divide":
		if n.cfg.Operand == 0 {
			return nil, fmt.Errorf("%w: math divide by zero", enginerr.ActionFailure)
		}
		out = in / n.cfg.Operand
	default:
		return nil, fmt.Errorf("%w: unknown math operator %q", enginerr.Config, n.cfg.Operator)
	}
	return map[string]model.MessageEnvelope{"out": {Payload: out, CreatedUTC: time.Now().UTC()}}, nil
}

type constantNode struct {
	value interface{}
}

func buildConstant(nodeID string, raw json.RawMessage, _ Dependencies) (Runtime, error) {
	var cfg struct {
		Value interface{} `json:"value"`
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: constant %s: %v", enginerr.Config, nodeID, err)
	}
	return &constantNode{value: cfg.Value}, nil
}

func (n *constantNode) Execute(ctx *NodeContext, _ map[string]model.MessageEnvelope) (map[string]model.MessageEnvelope, error) {
	return map[string]model.MessageEnvelope{"out": {Payload: n.value, CreatedUTC: time.Now().UTC()}}, nil
}

type debugNode struct {
	id string
}

func buildDebug(nodeID string, _ json.RawMessage, _ Dependencies) (Runtime, error) {
	return &debugNode{id: nodeID}, nil
}

func (n *debugNode) Execute(ctx *NodeContext, inputs map[string]model.MessageEnvelope) (map[string]model.MessageEnvelope, error) {
	return nil, nil
}

type delayConfig struct {
	DelayMs int `json:"delayMs"`
}

type delayNode struct{ cfg delayConfig }

func buildDelay(nodeID string, raw json.RawMessage, _ Dependencies) (Runtime, error) {
	var cfg delayConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: delay %s: %v", enginerr.Config, nodeID, err)
	}
	return &delayNode{cfg: cfg}, nil
}

func (n *delayNode) Execute(ctx *NodeContext, inputs map[string]model.MessageEnvelope) (map[string]model.MessageEnvelope, error) {
	select {
	case <-time.After(time.Duration(n.cfg.DelayMs) * time.Millisecond):
	case <-ctx.Context.Done():
		return nil, ctx.Context.Err()
	}
	return map[string]model.MessageEnvelope{"out": inputs["in"]}, nil
}

type templateConfig struct {
	Template string `json:"template"`
}

type templateNode struct{ cfg templateConfig }

func buildTemplate(nodeID string, raw json.RawMessage, _ Dependencies) (Runtime, error) {
	var cfg templateConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: template %s: %v", enginerr.Config, nodeID, err)
	}
	return &templateNode{cfg: cfg}, nil
}

func (n *templateNode) Execute(ctx *NodeContext, inputs map[string]model.MessageEnvelope) (map[string]model.MessageEnvelope, error) {
	text := strings.ReplaceAll(n.cfg.Template, "{{payload}}", fmt.Sprintf("%v", inputs["in"].Payload))
	return map[string]model.MessageEnvelope{"out": {Payload: text, CreatedUTC: time.Now().UTC()}}, nil
}

type aggregateConfig struct {
	Operator   string `json:"operator"`
	WindowSize int    `json:"windowSize"`
}

// aggregateNode keeps a sliding window of numeric payloads across repeated
// invocations within the same compiled flow instance.
type aggregateNode struct {
	cfg    aggregateConfig
	window []float64
}

func buildAggregate(nodeID string, raw json.RawMessage, _ Dependencies) (Runtime, error) {
	var cfg aggregateConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: aggregate %s: %v", enginerr.Config, nodeID, err)
	}
	return &aggregateNode{cfg: cfg}, nil
}

func (n *aggregateNode) Execute(ctx *NodeContext, inputs map[string]model.MessageEnvelope) (map[string]model.MessageEnvelope, error) {
	n.window = append(n.window, toFloat64(inputs["in"].Payload))
	if len(n.window) > n.cfg.WindowSize {
		n.window = n.window[len(n.window)-n.cfg.WindowSize:]
	}

	var result float64
	switch n.cfg.Operator {
	case "min":
		result = n.window[0]
		for _, v := range n.window {
			result = math.Min(result, v)
		}
	case "max":
		result = n.window[0]
		for _, v := range n.window {
			result = math.Max(result, v)
		}
	case "sum":
		for _, v := range n.window {
			result += v
		}
	case "avg":
		for _, v := range n.window {
			result += v
		}
		result /= float64(len(n.window))
	case "count":
		result = float64(len(n.window))
	default:
		return nil, fmt.Errorf("%w: unknown aggregate operator %q", enginerr.Config, n.cfg.Operator)
	}

	return map[string]model.MessageEnvelope{"out": {Payload: result, CreatedUTC: time.Now().UTC()}}, nil
}

type smoothConfig struct {
	Alpha float64 `json:"alpha"`
}

// smoothNode applies exponential smoothing across invocations.
type smoothNode struct {
	cfg   smoothConfig
	value float64
	seen  bool
}

func buildSmooth(nodeID string, raw json.RawMessage, _ Dependencies) (Runtime, error) {
	var cfg smoothConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: smooth %s: %v", enginerr.Config, nodeID, err)
	}
	return &smoothNode{cfg: cfg}, nil
}

func (n *smoothNode) Execute(ctx *NodeContext, inputs map[string]model.MessageEnvelope) (map[string]model.MessageEnvelope, error) {
	v := toFloat64(inputs["in"].Payload)
	if !n.seen {
		n.value = v
		n.seen = true
	} else {
		n.value = n.cfg.Alpha*v + (1-n.cfg.Alpha)*n.value
	}
	return map[string]model.MessageEnvelope{"out": {Payload: n.value, CreatedUTC: time.Now().UTC()}}, nil
}

type deadbandConfig struct {
	Threshold float64 `json:"threshold"`
}

// deadbandNode suppresses output unless the new value differs from the
// last emitted value by at least Threshold.
type deadbandNode struct {
	cfg  deadbandConfig
	last float64
	seen bool
}

func buildDeadband(nodeID string, raw json.RawMessage, _ Dependencies) (Runtime, error) {
	var cfg deadbandConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: deadband %s: %v", enginerr.Config, nodeID, err)
	}
	return &deadbandNode{cfg: cfg}, nil
}

func (n *deadbandNode) Execute(ctx *NodeContext, inputs map[string]model.MessageEnvelope) (map[string]model.MessageEnvelope, error) {
	v := toFloat64(inputs["in"].Payload)
	if n.seen && math.Abs(v-n.last) < n.cfg.Threshold {
		return nil, nil
	}
	n.last = v
	n.seen = true
	return map[string]model.MessageEnvelope{"out": inputs["in"]}, nil
}

// rateOfChangeNode emits the per-second rate between consecutive inputs.
type rateOfChangeNode struct {
	lastValue float64
	lastAt    time.Time
	seen      bool
}

func buildRateOfChange(nodeID string, _ json.RawMessage, _ Dependencies) (Runtime, error) {
	return &rateOfChangeNode{}, nil
}

func (n *rateOfChangeNode) Execute(ctx *NodeContext, inputs map[string]model.MessageEnvelope) (map[string]model.MessageEnvelope, error) {
	now := time.Now()
	v := toFloat64(inputs["in"].Payload)

	if !n.seen {
		n.lastValue, n.lastAt, n.seen = v, now, true
		return map[string]model.MessageEnvelope{"out": {Payload: 0.0, CreatedUTC: now.UTC()}}, nil
	}

	elapsed := now.Sub(n.lastAt).Seconds()
	rate := 0.0
	if elapsed > 0 {
		rate = (v - n.lastValue) / elapsed
	}
	n.lastValue, n.lastAt = v, now

	return map[string]model.MessageEnvelope{"out": {Payload: rate, CreatedUTC: now.UTC()}}, nil
}

type contextConfig struct {
	Scope model.Scope `json:"scope"`
	Path  string      `json:"path"`
}

type contextGetNode struct {
	cfg  contextConfig
	deps Dependencies
}

func buildContextGet(nodeID string, raw json.RawMessage, deps Dependencies) (Runtime, error) {
	var cfg contextConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: context-get %s: %v", enginerr.Config, nodeID, err)
	}
	return &contextGetNode{cfg: cfg, deps: deps}, nil
}

func (n *contextGetNode) Execute(ctx *NodeContext, _ map[string]model.MessageEnvelope) (map[string]model.MessageEnvelope, error) {
	key := contextKey(n.cfg.Scope, n.cfg.Path, ctx)
	if n.deps.ContextStore == nil {
		return map[string]model.MessageEnvelope{"out": {CreatedUTC: time.Now().UTC()}}, nil
	}
	v, _ := n.deps.ContextStore.Get(key)
	return map[string]model.MessageEnvelope{"out": {Payload: v.Value, CreatedUTC: time.Now().UTC()}}, nil
}

type contextSetNode struct {
	cfg  contextConfig
	deps Dependencies
}

func buildContextSet(nodeID string, raw json.RawMessage, deps Dependencies) (Runtime, error) {
	var cfg contextConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: context-set %s: %v", enginerr.Config, nodeID, err)
	}
	return &contextSetNode{cfg: cfg, deps: deps}, nil
}

func (n *contextSetNode) Execute(ctx *NodeContext, inputs map[string]model.MessageEnvelope) (map[string]model.MessageEnvelope, error) {
	if n.deps.ContextStore != nil {
		key := contextKey(n.cfg.Scope, n.cfg.Path, ctx)
		n.deps.ContextStore.Set(n.cfg.Scope, key, inputs["in"].Payload, model.QualityGood)
	}
	return nil, nil
}

func contextKey(scope model.Scope, path string, ctx *NodeContext) string {
	switch scope {
	case model.ScopeFlow:
		return model.FlowKey(ctx.FlowID, path)
	case model.ScopeNode:
		return model.NodeKey(ctx.FlowID, ctx.NodeID, path)
	default:
		return model.GlobalKey(path)
	}
}

type linkConfig struct {
	LinkID string `json:"linkId"`
}

// linkInOutNode is a pure passthrough; the compiler wires link-out nodes
// directly to every link-in node sharing the same linkId, so this node's
// Execute only ever sees the message already meant for its single port.
type linkInOutNode struct{}

func buildLinkInOut(_ string, _ json.RawMessage, _ Dependencies) (Runtime, error) {
	return &linkInOutNode{}, nil
}

func (n *linkInOutNode) Execute(ctx *NodeContext, inputs map[string]model.MessageEnvelope) (map[string]model.MessageEnvelope, error) {
	if msg, ok := inputs["in"]; ok {
		return map[string]model.MessageEnvelope{"out": msg}, nil
	}
	return nil, nil
}
