// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package exprhost implements scripthost.Host on top of expr-lang/expr.
// Ground: internal/tagger/classifyJob.go's expr.Compile(..., expr.AsBool())
// / expr.AsFloat64() rule-compilation idiom, generalized from compile-once
// rule sets to a compile cache keyed by script source, since flow and
// state-machine scripts are edited far more often than job classification
// rules.
package exprhost

import (
	"context"
	"fmt"
	"sync"

	"github.com/ClusterCockpit/cc-engine/internal/enginerr"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Host is the expr-lang-backed scripthost.Host. Compiled programs are
// cached by source text since the same script runs repeatedly (every flow
// message, every state-machine scan tick).
type Host struct {
	mu    sync.Mutex
	cache map[string]*vm.Program
}

// New returns a ready Host with an empty compile cache.
func New() *Host {
	return &Host{cache: make(map[string]*vm.Program)}
}

func (h *Host) compile(script string) (*vm.Program, error) {
	h.mu.Lock()
	if p, ok := h.cache[script]; ok {
		h.mu.Unlock()
		return p, nil
	}
	h.mu.Unlock()

	p, err := expr.Compile(script)
	if err != nil {
		return nil, fmt.Errorf("%w: compiling script: %v", enginerr.Config, err)
	}

	h.mu.Lock()
	h.cache[script] = p
	h.mu.Unlock()
	return p, nil
}

// Validate compiles script (as a bool expression when asBool is set)
// without caching or running it.
func (h *Host) Validate(script string, asBool bool) error {
	opts := []expr.Option{}
	if asBool {
		opts = append(opts, expr.AsBool())
	}
	if _, err := expr.Compile(script, opts...); err != nil {
		return fmt.Errorf("%w: script validation: %v", enginerr.Config, err)
	}
	return nil
}

// Execute runs script against env and returns its result.
func (h *Host) Execute(ctx context.Context, script string, env map[string]interface{}) (interface{}, error) {
	p, err := h.compile(script)
	if err != nil {
		return nil, err
	}
	result, err := expr.Run(p, env)
	if err != nil {
		return nil, fmt.Errorf("%w: running script: %v", enginerr.ActionFailure, err)
	}
	return result, nil
}

// EvaluateCondition runs script against env and coerces the result to bool.
func (h *Host) EvaluateCondition(ctx context.Context, script string, env map[string]interface{}) (bool, error) {
	result, err := h.Execute(ctx, script, env)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("%w: condition %q did not evaluate to a boolean", enginerr.Config, script)
	}
	return b, nil
}
