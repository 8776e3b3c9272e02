// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package flow compiles flows.json graphs into runnable node chains and
// executes them message-by-message, tracing every node invocation. Ground:
// the Node/NodeResult/routing split in dshills-langgraph-go's graph
// package, adapted from a single shared-state reducer to per-port message
// passing along the wires a flow actually declares.
package flow

import (
	"context"
	"time"

	"github.com/ClusterCockpit/cc-engine/internal/bus"
	"github.com/ClusterCockpit/cc-engine/internal/model"
)

// Runtime is one compiled, live node instance. Execute receives the
// messages that arrived on each of the node's input ports this step (empty
// for a node with no inputs, such as a trigger) and returns the messages to
// emit on each output port.
type Runtime interface {
	Execute(ctx *NodeContext, inputs map[string]model.MessageEnvelope) (map[string]model.MessageEnvelope, error)
}

// Trigger is implemented by runtimes that can start a run on their own
// (timer, tag-change, bus-in, manual) rather than only reacting to an
// upstream wire. FlowCompiler collects these to hand to the trigger router
// and the scheduler.
type Trigger interface {
	Runtime
	NodeID() string
}

// Closer is implemented by runtimes holding a resource (a timer, a
// subscription) that must be released when the flow is undeployed.
type Closer interface {
	Close() error
}

// NodeContext is threaded through one node invocation: cancellation,
// identity, and handles back into the owning flow run for context-store
// and tracing access.
type NodeContext struct {
	Context context.Context

	FlowID string
	RunID  string
	NodeID string

	Deps Dependencies

	StartedAt time.Time
}

// Dependencies are the host services a node runtime may use, accepted as
// narrow interfaces so node implementations don't import flow's siblings
// directly and tests can stub each one independently.
type Dependencies struct {
	ContextStore ContextAccess
	ScriptHost   ScriptAccess
	Bus          BusAccess
	History      HistoryAccess
	TagWriter    TagWriteAccess
	SubflowRunner SubflowRunner
}

// ContextAccess is the ctxstore.Store surface nodes use.
type ContextAccess interface {
	Get(key string) (model.InternalTagValue, bool)
	Set(scope model.Scope, key string, value interface{}, quality model.Quality)
}

// ScriptAccess is the scripthost.Host surface nodes use.
type ScriptAccess interface {
	EvaluateCondition(ctx context.Context, script string, env map[string]interface{}) (bool, error)
	Execute(ctx context.Context, script string, env map[string]interface{}) (interface{}, error)
}

// BusAccess is the bus.Client surface nodes use.
type BusAccess interface {
	Publish(topic string, payload []byte, qos bus.QoS, retain bool) error
	Subscribe(pattern string, handler bus.Handler) (bus.Unsubscribe, error)
}

// HistoryAccess is the history.Store surface nodes use.
type HistoryAccess interface {
	Latest(ctx context.Context, connID, tagID string, n int) ([]HistoryRecord, error)
}

// HistoryRecord mirrors history.Record without importing the history
// package from flow (which would create an import cycle via poll).
type HistoryRecord struct {
	Value     interface{}
	Quality   int
	Timestamp time.Time
}

// TagWriteAccess is the poll.Engine surface write-output nodes use.
type TagWriteAccess interface {
	WriteTagAsync(connID, tagID string, value interface{})
}

// SubflowRunner runs a deployed flow from its subflow-input node and waits
// for the message that reaches its subflow-output node. None of the
// built-in node types calls it.
type SubflowRunner interface {
	RunSubflow(ctx context.Context, flowID string, input model.MessageEnvelope) (model.MessageEnvelope, error)
}
