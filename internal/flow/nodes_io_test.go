// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package flow

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ClusterCockpit/cc-engine/internal/bus"
	"github.com/ClusterCockpit/cc-engine/internal/model"
)

type fakeBusAccess struct {
	published []string
}

func (f *fakeBusAccess) Publish(topic string, payload []byte, qos bus.QoS, retain bool) error {
	f.published = append(f.published, topic)
	return nil
}

func (f *fakeBusAccess) Subscribe(pattern string, handler bus.Handler) (bus.Unsubscribe, error) {
	return func() {}, nil
}

type fakeHistoryAccess struct {
	records []HistoryRecord
}

func (f *fakeHistoryAccess) Latest(ctx context.Context, connID, tagID string, n int) ([]HistoryRecord, error) {
	return f.records, nil
}

type fakeTagWriteAccess struct {
	writes map[string]interface{}
}

func (f *fakeTagWriteAccess) WriteTagAsync(connID, tagID string, value interface{}) {
	if f.writes == nil {
		f.writes = make(map[string]interface{})
	}
	f.writes[connID+"/"+tagID] = value
}

func TestBusOutPublishesMarshaledPayload(t *testing.T) {
	busAccess := &fakeBusAccess{}
	rt, err := buildBusOut("b1", []byte(`{"topic":"plant/alerts","qos":1,"retain":true}`), Dependencies{Bus: busAccess})
	if err != nil {
		t.Fatalf("buildBusOut: %v", err)
	}
	execOnce(t, rt, map[string]model.MessageEnvelope{"in": {Payload: map[string]interface{}{"level": "high"}}})

	if len(busAccess.published) != 1 || busAccess.published[0] != "plant/alerts" {
		t.Fatalf("expected one publish to plant/alerts, got %v", busAccess.published)
	}
}

func TestBusOutNoopWithoutBus(t *testing.T) {
	rt, err := buildBusOut("b1", []byte(`{"topic":"plant/alerts"}`), Dependencies{})
	if err != nil {
		t.Fatalf("buildBusOut: %v", err)
	}
	execOnce(t, rt, map[string]model.MessageEnvelope{"in": {Payload: 1.0}})
}

func TestTagInputReadsLatestHistoryRecord(t *testing.T) {
	history := &fakeHistoryAccess{records: []HistoryRecord{{Value: 42.0, Quality: 0}}}
	rt, err := buildTagInput("t1", []byte(`{"connectionId":"conn1","tagId":"temp"}`), Dependencies{History: history})
	if err != nil {
		t.Fatalf("buildTagInput: %v", err)
	}
	out := execOnce(t, rt, nil)
	if out["out"].Payload != 42.0 {
		t.Fatalf("got %v, want 42.0", out["out"].Payload)
	}
}

func TestTagOutputWritesThroughTagWriter(t *testing.T) {
	writer := &fakeTagWriteAccess{}
	rt, err := buildTagOutput("t1", []byte(`{"connectionId":"conn1","tagId":"valve"}`), Dependencies{TagWriter: writer})
	if err != nil {
		t.Fatalf("buildTagOutput: %v", err)
	}
	execOnce(t, rt, map[string]model.MessageEnvelope{"in": {Payload: true}})

	if v, ok := writer.writes["conn1/valve"]; !ok || v != true {
		t.Fatalf("expected conn1/valve to be written true, got %v ok=%v", v, ok)
	}
}

func TestFileWriteAppendsJSONLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	cfg, _ := json.Marshal(map[string]interface{}{"path": path, "append": true})
	rt, err := buildFileWrite("fw1", cfg, Dependencies{})
	if err != nil {
		t.Fatalf("buildFileWrite: %v", err)
	}

	execOnce(t, rt, map[string]model.MessageEnvelope{"in": {Payload: 1.0}})
	execOnce(t, rt, map[string]model.MessageEnvelope{"in": {Payload: 2.0}})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got, want := string(data), "1\n2\n"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
