// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package scripthost defines the contract flow script nodes and
// state-machine script conditions/actions run user expressions through,
// with exprhost providing the built-in implementation on top of
// expr-lang/expr.
package scripthost

import "context"

// Host validates and runs a user-authored expression against an
// environment map of named values.
type Host interface {
	// Validate compiles script without running it, used at flow-compile
	// time and state-machine-reload time to fail fast on a syntax error.
	Validate(script string, asBool bool) error

	// Execute evaluates script and returns its result.
	Execute(ctx context.Context, script string, env map[string]interface{}) (interface{}, error)

	// EvaluateCondition evaluates script as a boolean expression.
	EvaluateCondition(ctx context.Context, script string, env map[string]interface{}) (bool, error)
}
