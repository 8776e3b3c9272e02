// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package model

import (
	"fmt"
	"time"
)

// Scope identifies one of the three ContextStore scopes.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeFlow   Scope = "flow"
	ScopeNode   Scope = "node"
)

// InternalTagValue is one entry in the ContextStore, keyed per scope.
type InternalTagValue struct {
	Scope     Scope       `json:"scope"`
	Path      string      `json:"path"`
	Value     interface{} `json:"value"`
	Quality   Quality     `json:"quality"`
	Timestamp time.Time   `json:"timestamp"`
}

// GlobalKey builds the flattened key for a global-scope entry.
func GlobalKey(path string) string {
	return "global:" + path
}

// FlowKey builds the flattened key for a flow-scope entry.
func FlowKey(flowID, path string) string {
	return fmt.Sprintf("flow:%s:%s", flowID, path)
}

// NodeKey builds the flattened key for a node-scope entry.
func NodeKey(flowID, nodeID, path string) string {
	return fmt.Sprintf("node:%s:%s:%s", flowID, nodeID, path)
}

// MessageEnvelope carries a structured payload through a flow run.
type MessageEnvelope struct {
	Payload       interface{}       `json:"payload"`
	CreatedUTC    time.Time         `json:"createdUtc"`
	CorrelationID string            `json:"correlationId"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}
