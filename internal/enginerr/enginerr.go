// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package enginerr classifies Engine errors into the five kinds that drive
// how callers must react: retry, surface, log-and-continue, drop-and-count,
// or abort. Wrap an underlying error with one of the Kind sentinels via
// fmt.Errorf("...: %w", enginerr.Config) and test with errors.Is.
package enginerr

import "errors"

// Kind is a sentinel identifying one of the five error categories.
type Kind error

var (
	// Transient marks errors that are worth retrying: broker disconnects,
	// driver read timeouts.
	Transient Kind = errors.New("transient error")

	// Config marks errors that must be surfaced to an operator: bad JSON,
	// an unknown node type, a compile-time cycle, an unresolved port, an
	// unknown driver type.
	Config Kind = errors.New("configuration error")

	// ActionFailure marks a single failed action (a tag write, a script
	// run, a flow trigger) that must be logged but never aborts the
	// enclosing operation.
	ActionFailure Kind = errors.New("action failure")

	// Overload marks a bounded-loss condition: a history buffer over
	// capacity, a publish queue over its cap, a poll tick dropped because
	// its group's gate was still busy.
	Overload Kind = errors.New("overload")

	// Fatal marks startup errors from which the Engine cannot recover:
	// the history schema cannot be created, the config directory is
	// inaccessible.
	Fatal Kind = errors.New("fatal error")
)

// Is reports whether err was wrapped with the given Kind.
func Is(err error, kind Kind) bool {
	return errors.Is(err, kind)
}
