// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package statemachine runs the configured state machines: a 500ms gocron
// scan tick evaluates tag- and script-guarded transitions, FireEvent drives
// externally-raised events, and every transition runs its exit/entry
// actions and publishes a snapshot, matching the poll engine's
// gocron-scheduler idiom.
package statemachine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/ClusterCockpit/cc-engine/internal/bus"
	"github.com/ClusterCockpit/cc-engine/internal/enginerr"
	"github.com/ClusterCockpit/cc-engine/internal/model"
	"github.com/go-co-op/gocron/v2"
)

const scanInterval = 500 * time.Millisecond

const maxAuditEntries = 80

// TagReader is the poll.Engine surface used to evaluate TagTrigger guards.
type TagReader interface {
	LatestValue(connID, tagID string) (model.TagValue, bool)
}

// TagWriter is the poll.Engine surface used to run TagAction entries.
type TagWriter interface {
	WriteTagAsync(connID, tagID string, value interface{})
}

// ScriptHost is the scripthost.Host surface used for ScriptCondition and
// ScriptAction evaluation.
type ScriptHost interface {
	EvaluateCondition(ctx context.Context, script string, env map[string]interface{}) (bool, error)
	Execute(ctx context.Context, script string, env map[string]interface{}) (interface{}, error)
}

// ContextReader is the ctxstore.Store surface used for LegacyCondition
// guards, which read a boolean stored under the LegacyCondition string used
// as the key as-is (a global-scope entry is found only when the condition
// names its full "global:<path>" key).
type ContextReader interface {
	Get(key string) (model.InternalTagValue, bool)
}

// FlowRunner is the flow.Executor surface used to fire flows named in an
// ActionSet's FlowIDs.
type FlowRunner interface {
	TriggerFlow(flowID string)
}

// Publisher is the bus.Client surface used to publish state snapshots.
type Publisher interface {
	Publish(topic string, payload []byte, qos bus.QoS, retain bool) error
}

// Dependencies are the host services state machine actions and guards use.
type Dependencies struct {
	Tags    TagReader
	Writer  TagWriter
	Scripts ScriptHost
	Context ContextReader
	Bus     Publisher
	Flows   FlowRunner
}

// auditEntry records one executed transition, newest last, capped at
// maxAuditEntries per machine. Transitions whose guard does not hold are
// not recorded.
type auditEntry struct {
	FromStateID string
	ToStateID   string
	Trigger     string
	Success     bool
	Timestamp   time.Time
}

// machine is one live state machine instance.
type machine struct {
	mu      sync.Mutex
	cfg     model.StateMachineConfig
	current string
	audit   []auditEntry
}

// Executor runs every configured, enabled state machine.
type Executor struct {
	deps  Dependencies
	sched gocron.Scheduler

	mu       sync.RWMutex
	machines map[string]*machine
}

// NewExecutor returns a ready Executor bound to deps. Call LoadConfigs
// before Start.
func NewExecutor(deps Dependencies) (*Executor, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("%w: creating state machine scheduler: %v", enginerr.Fatal, err)
	}
	e := &Executor{deps: deps, sched: sched, machines: make(map[string]*machine)}
	if _, err := sched.NewJob(
		gocron.DurationJob(scanInterval),
		gocron.NewTask(e.scan),
	); err != nil {
		return nil, fmt.Errorf("%w: scheduling state machine scan tick: %v", enginerr.Fatal, err)
	}
	return e, nil
}

// Start launches the scan-tick scheduler.
func (e *Executor) Start() { e.sched.Start() }

// Shutdown stops the scan-tick scheduler.
func (e *Executor) Shutdown() error {
	if err := e.sched.Shutdown(); err != nil {
		return fmt.Errorf("%w: stopping state machine scheduler: %v", enginerr.Fatal, err)
	}
	return nil
}

// LoadConfigs atomically replaces the live machine set with cfgs. A machine
// whose ID and current state still exist in the new config keeps its
// current state; new or structurally-changed machines resolve their
// initial state fresh.
func (e *Executor) LoadConfigs(cfgs []model.StateMachineConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[string]*machine, len(cfgs))
	for _, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}
		m := &machine{cfg: cfg}

		if old, ok := e.machines[cfg.ID]; ok {
			old.mu.Lock()
			if _, stillExists := cfg.FindState(old.current); stillExists {
				m.current = old.current
				m.audit = old.audit
			}
			old.mu.Unlock()
		}

		if m.current == "" {
			initial, ok := cfg.ResolveInitialState()
			if !ok {
				cclog.Warnf("statemachine %s: no states defined, skipping", cfg.ID)
				continue
			}
			m.current = initial
		}

		next[cfg.ID] = m
	}
	e.machines = next
}

// FireEvent scans the enabled transitions out of machineID's current state
// whose Event matches event, in ascending-Priority order, and executes the
// first one whose guard (if any) currently holds. An unknown machine is
// logged as a warning and ignored; no matching transition is a silent
// no-op, matching ActionFailure's log-and-continue contract.
func (e *Executor) FireEvent(machineID, event string) {
	m := e.lookup(machineID)
	if m == nil {
		cclog.Warnf("statemachine: event %q for unknown machine %s", event, machineID)
		return
	}
	e.evaluateAndFire(m, func(t model.Transition) bool { return t.Event == event }, event)
}

// scan runs the periodic tag/script-guarded transition check across every
// live machine, considering only transitions with no Event set.
func (e *Executor) scan() {
	e.mu.RLock()
	machines := make([]*machine, 0, len(e.machines))
	for _, m := range e.machines {
		machines = append(machines, m)
	}
	e.mu.RUnlock()

	for _, m := range machines {
		e.evaluateAndFire(m, func(t model.Transition) bool { return t.Event == "" }, "")
	}
}

func (e *Executor) lookup(machineID string) *machine {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.machines[machineID]
}

// evaluateAndFire tries every candidate transition out of m's current state
// matching selector, in ascending-Priority order, and fires the first one
// whose guard passes. A candidate whose guard doesn't hold (or errors) is
// skipped in favor of the next candidate rather than aborting the scan.
func (e *Executor) evaluateAndFire(m *machine, selector func(model.Transition) bool, trigger string) {
	m.mu.Lock()
	current := m.current
	cfg := m.cfg
	m.mu.Unlock()

	candidates := make([]*model.Transition, 0, len(cfg.Transitions))
	for i := range cfg.Transitions {
		t := &cfg.Transitions[i]
		if t.FromState != current || !selector(*t) {
			continue
		}
		candidates = append(candidates, t)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Priority < candidates[j].Priority })

	for _, t := range candidates {
		ok, err := e.guardHolds(*t)
		if err != nil {
			cclog.Warnf("statemachine %s: evaluating guard for transition %s->%s: %v", cfg.ID, t.FromState, t.ToState, err)
			continue
		}
		if !ok {
			continue
		}
		e.execute(m, *t, trigger)
		return
	}
}

func (e *Executor) guardHolds(t model.Transition) (bool, error) {
	switch {
	case t.ScriptCondition != "":
		if e.deps.Scripts == nil {
			return false, fmt.Errorf("%w: scriptCondition set but no script host configured", enginerr.Config)
		}
		return e.deps.Scripts.EvaluateCondition(context.Background(), t.ScriptCondition, nil)
	case t.TagTrigger != nil:
		return evaluateTagTrigger(t.TagTrigger, e.deps.Tags)
	case t.LegacyCondition != "":
		if e.deps.Context == nil {
			return false, fmt.Errorf("%w: legacyCondition set but no context store configured", enginerr.Config)
		}
		v, ok := e.deps.Context.Get(t.LegacyCondition)
		if !ok {
			return false, nil
		}
		b, _ := v.Value.(bool)
		return b, nil
	default:
		// an event-only transition with no guard fires unconditionally
		return true, nil
	}
}

// execute runs the 5-phase transition: OnExit, transition actions, the
// atomic state change plus audit append, OnEnter, then a snapshot publish.
func (e *Executor) execute(m *machine, t model.Transition, trigger string) {
	fromState, _ := m.cfg.FindState(t.FromState)
	toState, ok := m.cfg.FindState(t.ToState)
	if !ok {
		cclog.Errorf("%v: statemachine %s: transition targets unknown state %s", enginerr.Config, m.cfg.ID, t.ToState)
		return
	}

	if fromState != nil {
		e.runActions(m.cfg.ID, fromState.OnExit)
	}
	e.runActions(m.cfg.ID, model.ActionSet{TagActions: t.TagActions, Script: t.ScriptAction, FlowIDs: t.FlowIDs})

	m.mu.Lock()
	m.current = t.ToState
	m.audit = append(m.audit, auditEntry{FromStateID: t.FromState, ToStateID: t.ToState, Trigger: trigger, Success: true, Timestamp: time.Now().UTC()})
	if len(m.audit) > maxAuditEntries {
		m.audit = m.audit[len(m.audit)-maxAuditEntries:]
	}
	auditCount := len(m.audit)
	m.mu.Unlock()

	e.runActions(m.cfg.ID, toState.OnEnter)

	e.publishSnapshot(m.cfg.ID, fromState, toState, trigger, auditCount)
}

func (e *Executor) publishSnapshot(machineID string, from, to *model.State, trigger string, auditCount int) {
	if e.deps.Bus == nil {
		return
	}
	msg := bus.StateMachineSnapshotMessage{
		MachineID:     machineID,
		NowStateID:    to.ID,
		NowStateName:  to.Name,
		RecentTrigger: trigger,
		WasSuccessful: true,
		AuditCount:    auditCount,
		Timestamp:     time.Now().UTC(),
	}
	if from != nil {
		msg.BeforeStateID = from.ID
		msg.BeforeStateName = from.Name
	}
	data, err := json.Marshal(msg)
	if err != nil {
		cclog.Errorf("statemachine: marshaling snapshot: %v", err)
		return
	}
	_ = e.deps.Bus.Publish(bus.StateMachineStateTopic(machineID), data, bus.QoS1, true)
}

// runActions executes every tag action, the script (if any), and every
// flow trigger in as, isolating each failure as an ActionFailure: one
// failing action never stops the rest from running.
func (e *Executor) runActions(machineID string, as model.ActionSet) {
	for _, ta := range as.TagActions {
		e.runTagAction(machineID, ta)
	}
	if as.Script != "" {
		e.runScriptAction(machineID, as.Script)
	}
	for _, flowID := range as.FlowIDs {
		if e.deps.Flows == nil {
			cclog.Warnf("statemachine %s: flow action on %s but no flow runner configured", machineID, flowID)
			continue
		}
		e.deps.Flows.TriggerFlow(flowID)
	}
}

func (e *Executor) runTagAction(machineID string, ta model.TagAction) {
	connID, tagID, ok := splitTagPath(ta.TagPath)
	if !ok {
		cclog.Errorf("%v: statemachine %s: malformed tag action path %q", enginerr.Config, machineID, ta.TagPath)
		return
	}
	if e.deps.Writer == nil {
		cclog.Warnf("statemachine %s: tag action on %s but no tag writer configured", machineID, ta.TagPath)
		return
	}
	e.deps.Writer.WriteTagAsync(connID, tagID, ParseTagActionValue(ta.Value))
}

func (e *Executor) runScriptAction(machineID, script string) {
	if e.deps.Scripts == nil {
		cclog.Errorf("%v: statemachine %s: scriptAction set but no script host configured", enginerr.Config, machineID)
		return
	}
	if _, err := e.deps.Scripts.Execute(context.Background(), script, nil); err != nil {
		cclog.Errorf("%v: statemachine %s: running script action: %v", enginerr.ActionFailure, machineID, err)
	}
}

// IsHealthy satisfies health.Reporter; the scan scheduler either runs or it
// doesn't, there is no degraded state worth distinguishing yet.
func (e *Executor) IsHealthy() bool { return true }
