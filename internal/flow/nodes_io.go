// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package flow

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/ClusterCockpit/cc-engine/internal/bus"
	"github.com/ClusterCockpit/cc-engine/internal/enginerr"
	"github.com/ClusterCockpit/cc-engine/internal/model"
)

func registerIONodes(r *Registry) {
	r.register(Descriptor{Type: "mqtt-out", Build: buildBusOut, InPorts: []string{"in"}},
		`{"type":"object","properties":{"topic":{"type":"string"},"qos":{"type":"integer","minimum":0,"maximum":2},"retain":{"type":"boolean"}},"required":["topic"]}`)

	r.register(Descriptor{Type: "tag-input", Build: buildTagInput, OutPorts: []string{"out"}},
		`{"type":"object","properties":{"connectionId":{"type":"string"},"tagId":{"type":"string"}},"required":["connectionId","tagId"]}`)

	r.register(Descriptor{Type: "tag-output", Build: buildTagOutput, InPorts: []string{"in"}},
		`{"type":"object","properties":{"connectionId":{"type":"string"},"tagId":{"type":"string"}},"required":["connectionId","tagId"]}`)

	r.register(Descriptor{Type: "notification", Build: buildNotification, InPorts: []string{"in"}},
		`{"type":"object","properties":{"severity":{"type":"string"},"messageTemplate":{"type":"string"}}}`)

	r.register(Descriptor{Type: "http-request", Build: buildHTTPRequest, InPorts: []string{"in"}, OutPorts: []string{"out"}},
		`{"type":"object","properties":{"url":{"type":"string"},"method":{"type":"string"}},"required":["url"]}`)

	r.register(Descriptor{Type: "file-write", Build: buildFileWrite, InPorts: []string{"in"}},
		`{"type":"object","properties":{"path":{"type":"string"},"append":{"type":"boolean"}},"required":["path"]}`)

	r.register(Descriptor{Type: "database-write", Build: buildDatabaseWrite, InPorts: []string{"in"}},
		`{"type":"object","properties":{"table":{"type":"string"}},"required":["table"]}`)
}

type busOutConfig struct {
	Topic  string `json:"topic"`
	QoS    int    `json:"qos"`
	Retain bool   `json:"retain"`
}

type busOutNode struct {
	cfg  busOutConfig
	deps Dependencies
}

func buildBusOut(nodeID string, raw json.RawMessage, deps Dependencies) (Runtime, error) {
	var cfg busOutConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: bus-out %s: %v", enginerr.Config, nodeID, err)
	}
	return &busOutNode{cfg: cfg, deps: deps}, nil
}

func (n *busOutNode) Execute(ctx *NodeContext, inputs map[string]model.MessageEnvelope) (map[string]model.MessageEnvelope, error) {
	msg := inputs["in"]
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling bus-out payload: %v", enginerr.ActionFailure, err)
	}
	if n.deps.Bus == nil {
		return nil, nil
	}
	if err := n.deps.Bus.Publish(n.cfg.Topic, payload, bus.QoS(n.cfg.QoS), n.cfg.Retain); err != nil {
		return nil, fmt.Errorf("%w: publishing bus-out: %v", enginerr.ActionFailure, err)
	}
	return nil, nil
}

type tagInputConfig struct {
	ConnectionID string `json:"connectionId"`
	TagID        string `json:"tagId"`
}

type tagInputNode struct {
	cfg  tagInputConfig
	deps Dependencies
}

func buildTagInput(nodeID string, raw json.RawMessage, deps Dependencies) (Runtime, error) {
	var cfg tagInputConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: tag-input %s: %v", enginerr.Config, nodeID, err)
	}
	return &tagInputNode{cfg: cfg, deps: deps}, nil
}

func (n *tagInputNode) Execute(ctx *NodeContext, _ map[string]model.MessageEnvelope) (map[string]model.MessageEnvelope, error) {
	if n.deps.History == nil {
		return map[string]model.MessageEnvelope{"out": {CreatedUTC: time.Now().UTC()}}, nil
	}
	recs, err := n.deps.History.Latest(ctx.Context, n.cfg.ConnectionID, n.cfg.TagID, 1)
	if err != nil || len(recs) == 0 {
		return map[string]model.MessageEnvelope{"out": {CreatedUTC: time.Now().UTC()}}, nil
	}
	last := recs[len(recs)-1]
	return map[string]model.MessageEnvelope{"out": {
		Payload:    last.Value,
		CreatedUTC: last.Timestamp,
	}}, nil
}

type tagOutputConfig struct {
	ConnectionID string `json:"connectionId"`
	TagID        string `json:"tagId"`
}

type tagOutputNode struct {
	cfg  tagOutputConfig
	deps Dependencies
}

func buildTagOutput(nodeID string, raw json.RawMessage, deps Dependencies) (Runtime, error) {
	var cfg tagOutputConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: tag-output %s: %v", enginerr.Config, nodeID, err)
	}
	return &tagOutputNode{cfg: cfg, deps: deps}, nil
}

func (n *tagOutputNode) Execute(ctx *NodeContext, inputs map[string]model.MessageEnvelope) (map[string]model.MessageEnvelope, error) {
	if n.deps.TagWriter != nil {
		n.deps.TagWriter.WriteTagAsync(n.cfg.ConnectionID, n.cfg.TagID, inputs["in"].Payload)
	}
	return nil, nil
}

type notificationConfig struct {
	Severity        string `json:"severity"`
	MessageTemplate string `json:"messageTemplate"`
}

type notificationNode struct {
	cfg notificationConfig
}

func buildNotification(nodeID string, raw json.RawMessage, _ Dependencies) (Runtime, error) {
	var cfg notificationConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: notification %s: %v", enginerr.Config, nodeID, err)
	}
	if cfg.Severity == "" {
		cfg.Severity = "info"
	}
	return &notificationNode{cfg: cfg}, nil
}

func (n *notificationNode) Execute(ctx *NodeContext, inputs map[string]model.MessageEnvelope) (map[string]model.MessageEnvelope, error) {
	text := n.cfg.MessageTemplate
	if text == "" {
		text = fmt.Sprintf("%v", inputs["in"].Payload)
	} else {
		text = strings.ReplaceAll(text, "{{payload}}", fmt.Sprintf("%v", inputs["in"].Payload))
	}
	switch strings.ToLower(n.cfg.Severity) {
	case "warning":
		cclog.Warnf("flow notification [%s]: %s", ctx.FlowID, text)
	case "error":
		cclog.Errorf("flow notification [%s]: %s", ctx.FlowID, text)
	default:
		cclog.Infof("flow notification [%s]: %s", ctx.FlowID, text)
	}
	return nil, nil
}

type httpRequestConfig struct {
	URL    string `json:"url"`
	Method string `json:"method"`
}

type httpRequestNode struct {
	cfg httpRequestConfig
}

func buildHTTPRequest(nodeID string, raw json.RawMessage, _ Dependencies) (Runtime, error) {
	var cfg httpRequestConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: http-request %s: %v", enginerr.Config, nodeID, err)
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	return &httpRequestNode{cfg: cfg}, nil
}

func (n *httpRequestNode) Execute(ctx *NodeContext, inputs map[string]model.MessageEnvelope) (map[string]model.MessageEnvelope, error) {
	var body *strings.Reader
	if inputs["in"].Payload != nil {
		data, _ := json.Marshal(inputs["in"].Payload)
		body = strings.NewReader(string(data))
	} else {
		body = strings.NewReader("")
	}

	req, err := http.NewRequestWithContext(ctx.Context, n.cfg.Method, n.cfg.URL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: building http-request: %v", enginerr.ActionFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: http-request to %s: %v", enginerr.Transient, n.cfg.URL, err)
	}
	defer resp.Body.Close()

	var decoded interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)

	return map[string]model.MessageEnvelope{"out": {
		Payload:    decoded,
		CreatedUTC: time.Now().UTC(),
		Metadata:   map[string]string{"statusCode": fmt.Sprintf("%d", resp.StatusCode)},
	}}, nil
}

type fileWriteConfig struct {
	Path   string `json:"path"`
	Append bool   `json:"append"`
}

type fileWriteNode struct {
	cfg fileWriteConfig
}

func buildFileWrite(nodeID string, raw json.RawMessage, _ Dependencies) (Runtime, error) {
	var cfg fileWriteConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: file-write %s: %v", enginerr.Config, nodeID, err)
	}
	return &fileWriteNode{cfg: cfg}, nil
}

func (n *fileWriteNode) Execute(ctx *NodeContext, inputs map[string]model.MessageEnvelope) (map[string]model.MessageEnvelope, error) {
	flags := os.O_CREATE | os.O_WRONLY
	if n.cfg.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(n.cfg.Path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening file-write target %s: %v", enginerr.ActionFailure, n.cfg.Path, err)
	}
	defer f.Close()

	line, err := json.Marshal(inputs["in"].Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling file-write payload: %v", enginerr.ActionFailure, err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("%w: writing file-write target: %v", enginerr.ActionFailure, err)
	}
	return nil, nil
}

// databaseWriteConfig names a target table. The node only logs the table
// name and the payload at debug level; it writes nothing to the history
// database or any other store.
type databaseWriteConfig struct {
	Table string `json:"table"`
}

type databaseWriteNode struct {
	cfg databaseWriteConfig
}

func buildDatabaseWrite(nodeID string, raw json.RawMessage, _ Dependencies) (Runtime, error) {
	var cfg databaseWriteConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: database-write %s: %v", enginerr.Config, nodeID, err)
	}
	return &databaseWriteNode{cfg: cfg}, nil
}

func (n *databaseWriteNode) Execute(ctx *NodeContext, inputs map[string]model.MessageEnvelope) (map[string]model.MessageEnvelope, error) {
	cclog.Debugf("flow database-write [%s/%s]: table=%s payload=%v", ctx.FlowID, ctx.NodeID, n.cfg.Table, inputs["in"].Payload)
	return nil, nil
}
