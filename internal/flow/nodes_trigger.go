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
	"github.com/google/uuid"
)

func registerTriggerNodes(r *Registry) {
	r.register(Descriptor{
		Type:     "manual-trigger",
		Build:    buildManualTrigger,
		OutPorts: []string{"out"},
	}, "")

	r.register(Descriptor{
		Type:     "timer-trigger",
		Build:    buildTimerTrigger,
		OutPorts: []string{"out"},
	}, `{"type":"object","properties":{"intervalMs":{"type":"integer","minimum":10}},"required":["intervalMs"]}`)

	r.register(Descriptor{
		Type:     "tag-change-trigger",
		Build:    buildTagChangeTrigger,
		OutPorts: []string{"out"},
	}, `{"type":"object","properties":{"connectionId":{"type":"string"},"tagId":{"type":"string"}},"required":["connectionId","tagId"]}`)

	r.register(Descriptor{
		Type:     "mqtt-in",
		Build:    buildBusIn,
		OutPorts: []string{"out"},
	}, `{"type":"object","properties":{"topic":{"type":"string"}},"required":["topic"]}`)
}

// manualTrigger never fires on its own; Executor.TriggerFlow and
// trigger.Router.TriggerManual start a run from it with an empty message.
type manualTrigger struct{ id string }

func buildManualTrigger(nodeID string, _ json.RawMessage, _ Dependencies) (Runtime, error) {
	return &manualTrigger{id: nodeID}, nil
}

func (t *manualTrigger) NodeID() string { return t.id }

func (t *manualTrigger) Execute(ctx *NodeContext, _ map[string]model.MessageEnvelope) (map[string]model.MessageEnvelope, error) {
	return map[string]model.MessageEnvelope{
		"out": {Payload: nil, CreatedUTC: time.Now().UTC(), CorrelationID: uuid.NewString()},
	}, nil
}

// timerTriggerConfig is the JSON shape of a timer-trigger node's config.
type timerTriggerConfig struct {
	IntervalMs int64 `json:"intervalMs"`
}

// timerTrigger doesn't run its own ticker: the trigger router schedules a
// gocron job per timer node and calls Fire, matching the single scheduler
// idiom used everywhere else in the Engine instead of one goroutine per node.
type timerTrigger struct {
	id  string
	cfg timerTriggerConfig
}

func buildTimerTrigger(nodeID string, raw json.RawMessage, _ Dependencies) (Runtime, error) {
	var cfg timerTriggerConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: timer-trigger %s: %v", enginerr.Config, nodeID, err)
	}
	return &timerTrigger{id: nodeID, cfg: cfg}, nil
}

func (t *timerTrigger) NodeID() string { return t.id }

func (t *timerTrigger) IntervalMs() int64 { return t.cfg.IntervalMs }

func (t *timerTrigger) Execute(ctx *NodeContext, _ map[string]model.MessageEnvelope) (map[string]model.MessageEnvelope, error) {
	return map[string]model.MessageEnvelope{
		"out": {Payload: nil, CreatedUTC: time.Now().UTC(), CorrelationID: uuid.NewString()},
	}, nil
}

// tagChangeTriggerConfig names the tag a tag-change-trigger watches.
type tagChangeTriggerConfig struct {
	ConnectionID string `json:"connectionId"`
	TagID        string `json:"tagId"`
}

// tagChangeTrigger is fired by PollEngine (via the trigger router) whenever
// the named tag's value changes quality or value between polls.
type tagChangeTrigger struct {
	id  string
	cfg tagChangeTriggerConfig
}

func buildTagChangeTrigger(nodeID string, raw json.RawMessage, _ Dependencies) (Runtime, error) {
	var cfg tagChangeTriggerConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: tag-change-trigger %s: %v", enginerr.Config, nodeID, err)
	}
	return &tagChangeTrigger{id: nodeID, cfg: cfg}, nil
}

func (t *tagChangeTrigger) NodeID() string                { return t.id }
func (t *tagChangeTrigger) Watches() (string, string)     { return t.cfg.ConnectionID, t.cfg.TagID }

func (t *tagChangeTrigger) Execute(ctx *NodeContext, inputs map[string]model.MessageEnvelope) (map[string]model.MessageEnvelope, error) {
	if msg, ok := inputs["in"]; ok {
		return map[string]model.MessageEnvelope{"out": msg}, nil
	}
	return map[string]model.MessageEnvelope{
		"out": {Payload: nil, CreatedUTC: time.Now().UTC(), CorrelationID: uuid.NewString()},
	}, nil
}

// busInConfig names the MQTT-style topic pattern a bus-in node subscribes to.
type busInConfig struct {
	Topic string `json:"topic"`
}

// busIn is a Trigger: FlowTriggerRouter subscribes on its behalf and
// invokes Execute with the received payload on "in" whenever a message
// matching Topic() arrives.
type busIn struct {
	id  string
	cfg busInConfig
}

func buildBusIn(nodeID string, raw json.RawMessage, _ Dependencies) (Runtime, error) {
	var cfg busInConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: bus-in %s: %v", enginerr.Config, nodeID, err)
	}
	return &busIn{id: nodeID, cfg: cfg}, nil
}

func (b *busIn) NodeID() string  { return b.id }
func (b *busIn) Topic() string   { return b.cfg.Topic }

func (b *busIn) Execute(ctx *NodeContext, inputs map[string]model.MessageEnvelope) (map[string]model.MessageEnvelope, error) {
	msg, ok := inputs["in"]
	if !ok {
		msg = model.MessageEnvelope{CreatedUTC: time.Now().UTC(), CorrelationID: uuid.NewString()}
	}
	return map[string]model.MessageEnvelope{"out": msg}, nil
}
