// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package configstore

import "github.com/ClusterCockpit/cc-engine/internal/model"

// CurrentSchemaVersion is bumped on any breaking change to a document's
// shape. Load rejects a document whose schemaVersion is newer than this.
const CurrentSchemaVersion = 1

// ConnectionsDocument is the top-level shape of connections.json.
type ConnectionsDocument struct {
	SchemaVersion int                      `json:"schemaVersion"`
	Connections   []model.ConnectionConfig `json:"connections"`
}

// FlowsDocument is the top-level shape of flows.json.
type FlowsDocument struct {
	SchemaVersion int                    `json:"schemaVersion"`
	Flows         []model.FlowDefinition `json:"flows"`
}

// StateMachinesDocument is the top-level shape of state-machines.json.
type StateMachinesDocument struct {
	SchemaVersion int                         `json:"schemaVersion"`
	StateMachines []model.StateMachineConfig  `json:"stateMachines"`
}

// User is the minimal shape of users.json kept only so the config
// directory of a full deployment round-trips; authentication itself is
// out of scope (spec.md §1).
type User struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
}

// UsersDocument is the top-level shape of users.json.
type UsersDocument struct {
	SchemaVersion int    `json:"schemaVersion"`
	Users         []User `json:"users"`
}
