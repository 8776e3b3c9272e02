// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package flow

import (
	"context"
	"fmt"
	"sync"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/ClusterCockpit/cc-engine/internal/enginerr"
	"github.com/ClusterCockpit/cc-engine/internal/model"
	"github.com/google/uuid"
)

const (
	defaultRunTimeout      = 30 * time.Second
	defaultMaxMessageSteps = 500
)

// RunOutcome classifies how a flow run ended, published in the run summary.
type RunOutcome string

const (
	OutcomeSuccess RunOutcome = "Success"
	OutcomeFailed  RunOutcome = "Failed"
	OutcomeTimedOut RunOutcome = "TimedOut"
	OutcomeLimited RunOutcome = "Limited"
)

// RunOptions controls one flow run's resource bounds.
type RunOptions struct {
	Timeout        time.Duration
	MaxMessageSteps int
	StopOnError    bool
}

func (o RunOptions) withDefaults() RunOptions {
	if o.Timeout <= 0 {
		o.Timeout = defaultRunTimeout
	}
	if o.MaxMessageSteps <= 0 {
		o.MaxMessageSteps = defaultMaxMessageSteps
	}
	return o
}

// pendingStep is one node invocation queued for execution: the node id and
// whatever input messages have accumulated on its declared ports so far.
type pendingStep struct {
	nodeID string
	inputs map[string]model.MessageEnvelope
}

// Executor runs compiled flows. One Executor instance is shared across all
// deployed flows; each ExecuteAsync call runs independently on its own
// goroutine with its own message queue, so concurrent runs of the same or
// different flows never interleave state within a run.
type Executor struct {
	deps   Dependencies
	tracer *Tracer

	mu    sync.RWMutex
	flows map[string]*CompiledFlow
}

// NewExecutor returns an Executor bound to deps and publishing traces via
// tracer.
func NewExecutor(deps Dependencies, tracer *Tracer) *Executor {
	return &Executor{deps: deps, tracer: tracer, flows: make(map[string]*CompiledFlow)}
}

// Deploy compiles def and makes it available to ExecuteAsync under its ID,
// replacing and closing any previous compilation of the same flow.
func (e *Executor) Deploy(compiler *Compiler, def model.FlowDefinition) error {
	cf, err := compiler.Compile(def, e.deps)
	if err != nil {
		e.tracer.PublishDeployStatus(def.ID, false, err.Error())
		return err
	}

	e.mu.Lock()
	if old, ok := e.flows[def.ID]; ok {
		old.Close()
	}
	e.flows[def.ID] = cf
	e.mu.Unlock()

	e.tracer.PublishDeployStatus(def.ID, true, "")
	return nil
}

// Undeploy closes and removes a compiled flow.
func (e *Executor) Undeploy(flowID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cf, ok := e.flows[flowID]; ok {
		cf.Close()
		delete(e.flows, flowID)
	}
}

// Flow returns the live compiled flow, if deployed.
func (e *Executor) Flow(flowID string) (*CompiledFlow, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cf, ok := e.flows[flowID]
	return cf, ok
}

// DeployedFlowIDs returns the IDs of every currently deployed flow, used to
// diff against a reloaded flows.json and undeploy whatever was removed.
func (e *Executor) DeployedFlowIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.flows))
	for id := range e.flows {
		ids = append(ids, id)
	}
	return ids
}

// ExecuteAsync starts a run of flowID beginning at triggerNodeID with the
// given input message, returning immediately; the run's progress and
// outcome are published through the Tracer.
func (e *Executor) ExecuteAsync(flowID, triggerNodeID string, input model.MessageEnvelope, opts RunOptions) {
	cf, ok := e.Flow(flowID)
	if !ok {
		cclog.Warnf("flow: execute requested for undeployed flow %s", flowID)
		return
	}
	go e.run(cf, triggerNodeID, input, opts.withDefaults())
}

// RunSubflow executes flowID synchronously starting from its subflow-input
// node and returns the message that reached its subflow-output node,
// implementing Dependencies.SubflowRunner for the subflow-input node type.
func (e *Executor) RunSubflow(ctx context.Context, flowID string, input model.MessageEnvelope) (model.MessageEnvelope, error) {
	cf, ok := e.Flow(flowID)
	if !ok {
		return model.MessageEnvelope{}, fmt.Errorf("%w: subflow %q not deployed", enginerr.Config, flowID)
	}

	var entry string
	for id, rt := range cf.nodes {
		if _, ok := rt.(*subflowInputNode); ok {
			entry = id
			break
		}
	}
	if entry == "" {
		return model.MessageEnvelope{}, fmt.Errorf("%w: subflow %q has no subflow-input node", enginerr.Config, flowID)
	}

	result := e.run(cf, entry, input, RunOptions{}.withDefaults())
	return result, nil
}

// TriggerFlow starts flowID from its first manual-trigger node, used by
// state-machine ActionSet.FlowIDs and any other caller that only knows a
// flow ID, not a specific trigger node. A flow without a manual-trigger
// node is not started; only a warning is logged.
func (e *Executor) TriggerFlow(flowID string) {
	cf, ok := e.Flow(flowID)
	if !ok {
		cclog.Warnf("flow: trigger requested for undeployed flow %s", flowID)
		return
	}
	for id, rt := range cf.nodes {
		if _, ok := rt.(*manualTrigger); ok {
			e.ExecuteAsync(flowID, id, model.MessageEnvelope{CreatedUTC: time.Now().UTC()}, RunOptions{})
			return
		}
	}
	cclog.Warnf("flow: trigger requested for flow %s with no manual-trigger node", flowID)
}

func (e *Executor) run(cf *CompiledFlow, triggerNodeID string, input model.MessageEnvelope, opts RunOptions) model.MessageEnvelope {
	runID := uuid.NewString()
	startedAt := time.Now().UTC()

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	nodesExecuted := 0
	messagesHandled := 0
	outcome := OutcomeSuccess
	var errDetail string
	var subflowResult model.MessageEnvelope

	queue := []pendingStep{{nodeID: triggerNodeID, inputs: map[string]model.MessageEnvelope{"in": input}}}
	buffered := make(map[string]map[string]model.MessageEnvelope)

loop:
	for len(queue) > 0 {
		select {
		case <-ctx.Done():
			outcome = OutcomeTimedOut
			break loop
		default:
		}

		if messagesHandled >= opts.MaxMessageSteps {
			outcome = OutcomeLimited
			break loop
		}

		// Pop from the end: the traversal is depth-first.
		step := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		messagesHandled++

		rt, ok := cf.nodes[step.nodeID]
		if !ok {
			continue
		}

		nctx := &NodeContext{Context: ctx, FlowID: cf.Definition.ID, RunID: runID, NodeID: step.nodeID, Deps: e.deps, StartedAt: time.Now()}

		outputs, err := rt.Execute(nctx, step.inputs)
		duration := time.Since(nctx.StartedAt)
		nodesExecuted++

		if err != nil {
			e.tracer.PublishTrace(runID, step.nodeID, cf.Definition.ID, false, duration, 0, err.Error())
			cclog.Warnf("flow %s node %s: %v", cf.Definition.ID, step.nodeID, err)
			if opts.StopOnError || enginerr.Is(err, enginerr.Config) {
				outcome = OutcomeFailed
				errDetail = err.Error()
				break loop
			}
			continue
		}

		e.tracer.PublishTrace(runID, step.nodeID, cf.Definition.ID, true, duration, len(outputs), "")

		if _, isSubflowOut := rt.(*subflowOutputNode); isSubflowOut {
			if msg, ok := outputs["out"]; ok {
				subflowResult = msg
			}
		}

		for port, msg := range outputs {
			src := wireEndpoint{step.nodeID, port}
			for _, dst := range cf.adjacency[src] {
				if _, ok := cf.nodes[dst.nodeID]; !ok {
					continue
				}
				if buffered[dst.nodeID] == nil {
					buffered[dst.nodeID] = make(map[string]model.MessageEnvelope)
				}
				buffered[dst.nodeID][dst.port] = msg

				if nodeReady(cf, dst.nodeID, buffered[dst.nodeID]) {
					queue = append(queue, pendingStep{nodeID: dst.nodeID, inputs: buffered[dst.nodeID]})
					delete(buffered, dst.nodeID)
				}
			}
		}
	}

	e.tracer.PublishRunSummary(cf.Definition, triggerNodeID, outcome, nodesExecuted, messagesHandled, time.Since(startedAt), errDetail, startedAt)

	return subflowResult
}

// nodeReady reports whether every input port nodeID's descriptor declares
// has a buffered message. A node with a single declared input port (the
// overwhelming majority) is ready as soon as that one message arrives.
func nodeReady(cf *CompiledFlow, nodeID string, have map[string]model.MessageEnvelope) bool {
	for _, port := range cf.requiredPorts[nodeID] {
		if _, ok := have[port]; !ok {
			return false
		}
	}
	return true
}
