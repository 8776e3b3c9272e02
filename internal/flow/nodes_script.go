// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package flow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClusterCockpit/cc-engine/internal/enginerr"
	"github.com/ClusterCockpit/cc-engine/internal/model"
)

func registerScriptAndSubflowNodes(r *Registry) {
	r.register(Descriptor{Type: "script", Build: buildScript, InPorts: []string{"in"}, OutPorts: []string{"out"}},
		`{"type":"object","properties":{"script":{"type":"string"}},"required":["script"]}`)

	r.register(Descriptor{Type: "subflow-input", Build: buildSubflowInput, OutPorts: []string{"out"}}, "")

	r.register(Descriptor{Type: "subflow-output", Build: buildSubflowOutput, InPorts: []string{"in"}}, "")
}

type scriptConfig struct {
	Script string `json:"script"`
}

type scriptNode struct {
	cfg  scriptConfig
	deps Dependencies
}

func buildScript(nodeID string, raw json.RawMessage, deps Dependencies) (Runtime, error) {
	var cfg scriptConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: script %s: %v", enginerr.Config, nodeID, err)
	}
	return &scriptNode{cfg: cfg, deps: deps}, nil
}

func (n *scriptNode) Execute(ctx *NodeContext, inputs map[string]model.MessageEnvelope) (map[string]model.MessageEnvelope, error) {
	if n.deps.ScriptHost == nil {
		return map[string]model.MessageEnvelope{"out": inputs["in"]}, nil
	}
	result, err := n.deps.ScriptHost.Execute(ctx.Context, n.cfg.Script, map[string]interface{}{"payload": inputs["in"].Payload})
	if err != nil {
		return nil, fmt.Errorf("%w: script node: %v", enginerr.ActionFailure, err)
	}
	return map[string]model.MessageEnvelope{"out": {Payload: result, CreatedUTC: time.Now().UTC()}}, nil
}

// subflowInputNode is the entry point of a flow invoked as a subflow; its
// Execute is called directly by SubflowRunner with the caller's message.
type subflowInputNode struct{}

func buildSubflowInput(_ string, _ json.RawMessage, _ Dependencies) (Runtime, error) {
	return &subflowInputNode{}, nil
}

func (n *subflowInputNode) Execute(ctx *NodeContext, inputs map[string]model.MessageEnvelope) (map[string]model.MessageEnvelope, error) {
	return map[string]model.MessageEnvelope{"out": inputs["in"]}, nil
}

// subflowOutputNode marks the end of a subflow run; FlowExecutor treats
// reaching it as the subflow's result.
type subflowOutputNode struct{}

func buildSubflowOutput(_ string, _ json.RawMessage, _ Dependencies) (Runtime, error) {
	return &subflowOutputNode{}, nil
}

func (n *subflowOutputNode) Execute(ctx *NodeContext, inputs map[string]model.MessageEnvelope) (map[string]model.MessageEnvelope, error) {
	return map[string]model.MessageEnvelope{"out": inputs["in"]}, nil
}
