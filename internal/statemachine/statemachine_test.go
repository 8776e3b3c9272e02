// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package statemachine_test

import (
	"context"
	"testing"
	"time"

	"github.com/ClusterCockpit/cc-engine/internal/bus"
	"github.com/ClusterCockpit/cc-engine/internal/model"
	"github.com/ClusterCockpit/cc-engine/internal/statemachine"
)

type fakeTagReader struct {
	values map[string]model.TagValue
}

func (f *fakeTagReader) LatestValue(connID, tagID string) (model.TagValue, bool) {
	v, ok := f.values[connID+"/"+tagID]
	return v, ok
}

type fakeTagWriter struct {
	writes map[string]interface{}
}

func (f *fakeTagWriter) WriteTagAsync(connID, tagID string, value interface{}) {
	if f.writes == nil {
		f.writes = make(map[string]interface{})
	}
	f.writes[connID+"/"+tagID] = value
}

type fakeScriptHost struct {
	result bool
	err    error
}

func (f *fakeScriptHost) EvaluateCondition(ctx context.Context, script string, env map[string]interface{}) (bool, error) {
	return f.result, f.err
}

func (f *fakeScriptHost) Execute(ctx context.Context, script string, env map[string]interface{}) (interface{}, error) {
	return nil, f.err
}

type fakeContextReader struct {
	values map[string]model.InternalTagValue
}

func (f *fakeContextReader) Get(key string) (model.InternalTagValue, bool) {
	v, ok := f.values[key]
	return v, ok
}

type fakeFlowRunner struct {
	triggered []string
}

func (f *fakeFlowRunner) TriggerFlow(flowID string) {
	f.triggered = append(f.triggered, flowID)
}

type fakePublisher struct {
	published int
}

func (f *fakePublisher) Publish(topic string, payload []byte, qos bus.QoS, retain bool) error {
	f.published++
	return nil
}

func twoStateConfig() model.StateMachineConfig {
	return model.StateMachineConfig{
		ID:      "m1",
		Name:    "m1",
		Enabled: true,
		States: []model.State{
			{ID: "off", Name: "off", IsInitial: true},
			{ID: "on", Name: "on"},
		},
		Transitions: []model.Transition{
			{FromState: "off", ToState: "on", Event: "start", Priority: 1},
			{FromState: "on", ToState: "off", Event: "stop", Priority: 1},
		},
	}
}

func TestFireEventUnguardedTransitionFires(t *testing.T) {
	pub := &fakePublisher{}
	e, err := statemachine.NewExecutor(statemachine.Dependencies{Bus: pub})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	e.LoadConfigs([]model.StateMachineConfig{twoStateConfig()})

	e.FireEvent("m1", "start")
	if pub.published != 1 {
		t.Fatal("expected an unconditional event transition to fire")
	}

	// "stop" only makes sense once the machine is in "on"; firing it again
	// confirms the first transition actually moved the current state.
	e.FireEvent("m1", "stop")
	if pub.published != 2 {
		t.Fatal("expected the machine to have advanced to \"on\" before stop fires")
	}
}

func TestFireEventUnknownMachineIsNoop(t *testing.T) {
	e, err := statemachine.NewExecutor(statemachine.Dependencies{})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	e.FireEvent("missing", "start")
}

func TestFireEventRunsTagActionsOnTransition(t *testing.T) {
	writer := &fakeTagWriter{}
	e, err := statemachine.NewExecutor(statemachine.Dependencies{Writer: writer})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	cfg := twoStateConfig()
	cfg.States[1].OnEnter = model.ActionSet{TagActions: []model.TagAction{{TagPath: "conn1/valve", Value: "true"}}}
	e.LoadConfigs([]model.StateMachineConfig{cfg})

	e.FireEvent("m1", "start")

	if v, ok := writer.writes["conn1/valve"]; !ok || v != true {
		t.Fatalf("expected OnEnter tag action to write true, got %v ok=%v", v, ok)
	}
}

func TestFireEventRunsFlowActions(t *testing.T) {
	flows := &fakeFlowRunner{}
	e, err := statemachine.NewExecutor(statemachine.Dependencies{Flows: flows})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	cfg := twoStateConfig()
	cfg.Transitions[0].FlowIDs = []string{"notifyFlow"}
	e.LoadConfigs([]model.StateMachineConfig{cfg})

	e.FireEvent("m1", "start")

	if len(flows.triggered) != 1 || flows.triggered[0] != "notifyFlow" {
		t.Fatalf("expected notifyFlow to be triggered, got %v", flows.triggered)
	}
}

func TestFireEventPublishesSnapshot(t *testing.T) {
	pub := &fakePublisher{}
	e, err := statemachine.NewExecutor(statemachine.Dependencies{Bus: pub})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	e.LoadConfigs([]model.StateMachineConfig{twoStateConfig()})

	e.FireEvent("m1", "start")

	if pub.published != 1 {
		t.Fatalf("expected one snapshot publish, got %d", pub.published)
	}
}

func TestFireEventBlockedByFalseScriptCondition(t *testing.T) {
	pub := &fakePublisher{}
	scripts := &fakeScriptHost{result: false}
	e, err := statemachine.NewExecutor(statemachine.Dependencies{Bus: pub, Scripts: scripts})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	cfg := twoStateConfig()
	cfg.Transitions[0].ScriptCondition = "false"
	e.LoadConfigs([]model.StateMachineConfig{cfg})

	e.FireEvent("m1", "start")

	if pub.published != 0 {
		t.Fatal("expected the transition to be blocked by a false script condition")
	}
}

func TestFireEventAllowedByTrueScriptCondition(t *testing.T) {
	pub := &fakePublisher{}
	scripts := &fakeScriptHost{result: true}
	e, err := statemachine.NewExecutor(statemachine.Dependencies{Bus: pub, Scripts: scripts})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	cfg := twoStateConfig()
	cfg.Transitions[0].ScriptCondition = "true"
	e.LoadConfigs([]model.StateMachineConfig{cfg})

	e.FireEvent("m1", "start")

	if pub.published != 1 {
		t.Fatal("expected the transition to fire when the script condition is true")
	}
}

func TestFireEventLegacyConditionReadsContext(t *testing.T) {
	pub := &fakePublisher{}
	ctxReader := &fakeContextReader{values: map[string]model.InternalTagValue{
		"allowStart": {Value: true},
	}}
	e, err := statemachine.NewExecutor(statemachine.Dependencies{Bus: pub, Context: ctxReader})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	cfg := twoStateConfig()
	cfg.Transitions[0].LegacyCondition = "allowStart"
	e.LoadConfigs([]model.StateMachineConfig{cfg})

	e.FireEvent("m1", "start")

	if pub.published != 1 {
		t.Fatal("expected the transition to fire when the legacy condition reads true")
	}
}

func TestScanFiresTagTriggerGuardedTransition(t *testing.T) {
	pub := &fakePublisher{}
	tags := &fakeTagReader{values: map[string]model.TagValue{
		"conn1/temp": {Value: 95.0, Quality: model.QualityGood},
	}}
	e, err := statemachine.NewExecutor(statemachine.Dependencies{Bus: pub, Tags: tags})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	cfg := twoStateConfig()
	cfg.Transitions[0].Event = ""
	cfg.Transitions[0].TagTrigger = &model.TagTrigger{TagPath: "conn1/temp", Operator: ">", Threshold: "90"}
	e.LoadConfigs([]model.StateMachineConfig{cfg})

	e.Start()
	defer e.Shutdown()
	time.Sleep(700 * time.Millisecond)

	if pub.published == 0 {
		t.Fatal("expected the scan tick to fire the tag-trigger-guarded transition")
	}
}

func TestFireEventIgnoresEventlessTransitions(t *testing.T) {
	pub := &fakePublisher{}
	e, err := statemachine.NewExecutor(statemachine.Dependencies{Bus: pub})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	cfg := twoStateConfig()
	cfg.Transitions[0].Event = ""
	e.LoadConfigs([]model.StateMachineConfig{cfg})

	e.FireEvent("m1", "start")
	if pub.published != 0 {
		t.Fatal("FireEvent must only match transitions with a matching Event, not the scan's event-less ones")
	}
}

func TestFireEventPicksLowestPriorityNumberFirst(t *testing.T) {
	flows := &fakeFlowRunner{}
	e, err := statemachine.NewExecutor(statemachine.Dependencies{Flows: flows})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	cfg := model.StateMachineConfig{
		ID: "m1", Enabled: true,
		States: []model.State{{ID: "off", IsInitial: true}, {ID: "low"}, {ID: "high"}},
		Transitions: []model.Transition{
			{FromState: "off", ToState: "low", Event: "start", Priority: 1, FlowIDs: []string{"low"}},
			{FromState: "off", ToState: "high", Event: "start", Priority: 5, FlowIDs: []string{"high"}},
		},
	}
	e.LoadConfigs([]model.StateMachineConfig{cfg})

	e.FireEvent("m1", "start")

	if len(flows.triggered) != 1 || flows.triggered[0] != "low" {
		t.Fatalf("expected the priority-1 transition to win (ascending priority order), got %v", flows.triggered)
	}
}

func TestFireEventFallsThroughToNextPriorityOnFailedGuard(t *testing.T) {
	flows := &fakeFlowRunner{}
	scripts := &fakeScriptHost{result: false}
	e, err := statemachine.NewExecutor(statemachine.Dependencies{Flows: flows, Scripts: scripts})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	cfg := model.StateMachineConfig{
		ID: "m1", Enabled: true,
		States: []model.State{{ID: "off", IsInitial: true}, {ID: "low"}, {ID: "high"}},
		Transitions: []model.Transition{
			{FromState: "off", ToState: "high", Event: "start", Priority: 1, ScriptCondition: "false", FlowIDs: []string{"high"}},
			{FromState: "off", ToState: "low", Event: "start", Priority: 2, FlowIDs: []string{"low"}},
		},
	}
	e.LoadConfigs([]model.StateMachineConfig{cfg})

	e.FireEvent("m1", "start")

	if len(flows.triggered) != 1 || flows.triggered[0] != "low" {
		t.Fatalf("expected the guarded priority-1 transition to be skipped and priority-2 to fire, got %v", flows.triggered)
	}
}

func TestLoadConfigsPreservesStateAcrossReload(t *testing.T) {
	pub := &fakePublisher{}
	e, err := statemachine.NewExecutor(statemachine.Dependencies{Bus: pub})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	cfg := twoStateConfig()
	e.LoadConfigs([]model.StateMachineConfig{cfg})
	e.FireEvent("m1", "start") // now in "on"

	// reload with a structurally-identical config; "on" must survive
	e.LoadConfigs([]model.StateMachineConfig{twoStateConfig()})

	// firing "stop" only makes sense from "on"; if the reload had reset the
	// machine to its initial "off" state this would be a silent no-op.
	e.FireEvent("m1", "stop")
	if pub.published != 2 {
		t.Fatalf("expected both transitions to fire, got %d snapshot publishes", pub.published)
	}
}

func TestParseTagActionValue(t *testing.T) {
	cases := []struct {
		raw  string
		want interface{}
	}{
		{"true", true},
		{"false", false},
		{"42", int64(42)},
		{"3.14", 3.14},
		{"hello", "hello"},
	}
	for _, c := range cases {
		got := statemachine.ParseTagActionValue(c.raw)
		if got != c.want {
			t.Errorf("ParseTagActionValue(%q) = %v (%T), want %v (%T)", c.raw, got, got, c.want, c.want)
		}
	}
}

func TestIsHealthyAlwaysTrue(t *testing.T) {
	e, err := statemachine.NewExecutor(statemachine.Dependencies{})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	if !e.IsHealthy() {
		t.Fatal("expected IsHealthy to always report true")
	}
}
