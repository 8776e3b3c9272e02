// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package natsconn

// Config holds the connection settings for a NATS client.
type Config struct {
	// Address of the NATS server (e.g. "nats://localhost:4222").
	Address string `json:"address"`

	// Username/Password, optional.
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// CredsFilePath, optional, used instead of username/password.
	CredsFilePath string `json:"credsFilePath,omitempty"`
}
