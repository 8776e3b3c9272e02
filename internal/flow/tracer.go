// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package flow

import (
	"encoding/json"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/ClusterCockpit/cc-engine/internal/bus"
	"github.com/ClusterCockpit/cc-engine/internal/model"
)

// Tracer publishes per-node execution traces, end-of-run summaries, and
// deploy-status changes onto the bus, decoupling flow execution from the
// MessageBus's concrete type.
type Tracer struct {
	busCli BusAccess
}

// NewTracer returns a Tracer that publishes through busCli; busCli may be
// nil, in which case every publish is a no-op (useful in tests).
func NewTracer(busCli BusAccess) *Tracer {
	return &Tracer{busCli: busCli}
}

func (t *Tracer) PublishTrace(runID, nodeID, flowID string, ok bool, duration time.Duration, emitted int, errText string) {
	if t.busCli == nil {
		return
	}
	status := "Ok"
	if !ok {
		status = "Error"
	}
	msg := bus.FlowExecutionTraceMessage{
		RunID:           runID,
		NodeID:          nodeID,
		Status:          status,
		DurationMs:      duration.Milliseconds(),
		MessagesEmitted: emitted,
		Error:           errText,
		EndUTC:          time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		cclog.Errorf("flow tracer: marshaling trace: %v", err)
		return
	}
	_ = t.busCli.Publish(bus.FlowExecutionTopic(flowID), data, bus.QoS0, false)
}

func (t *Tracer) PublishRunSummary(def model.FlowDefinition, triggerNodeID string, outcome RunOutcome, nodesExecuted, messagesHandled int, duration time.Duration, errDetail string, startedAt time.Time) {
	if t.busCli == nil {
		return
	}
	msg := bus.FlowRunSummaryMessage{
		FlowID:          def.ID,
		FlowName:        def.Name,
		TriggerNodeID:   triggerNodeID,
		Outcome:         string(outcome),
		NodesExecuted:   nodesExecuted,
		MessagesHandled: messagesHandled,
		DurationMs:      duration.Milliseconds(),
		ErrorDetail:     errDetail,
		StartedUTC:      startedAt,
		CompletedUTC:    time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		cclog.Errorf("flow tracer: marshaling run summary: %v", err)
		return
	}
	_ = t.busCli.Publish(bus.FlowRunSummaryTopic(def.ID), data, bus.QoS1, false)
}

func (t *Tracer) PublishDeployStatus(flowID string, compiled bool, errText string) {
	if t.busCli == nil {
		return
	}
	msg := bus.FlowDeployStatusMessage{
		FlowID:     flowID,
		IsCompiled: compiled,
		Error:      errText,
		Timestamp:  time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		cclog.Errorf("flow tracer: marshaling deploy status: %v", err)
		return
	}
	_ = t.busCli.Publish(bus.FlowDeployStatusTopic(flowID), data, bus.QoS1, true)
}
