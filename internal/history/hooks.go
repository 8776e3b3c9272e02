// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package history

import (
	"context"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
)

type queryTimingKey struct{}

// sqlHooks satisfies sqlhooks.Hooks, logging each query's duration at debug
// level. Ground: internal/repository/hooks.go.
type sqlHooks struct{}

func (h *sqlHooks) Before(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	cclog.Debugf("history: query %s %q", query, args)
	return context.WithValue(ctx, queryTimingKey{}, time.Now()), nil
}

func (h *sqlHooks) After(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	if begin, ok := ctx.Value(queryTimingKey{}).(time.Time); ok {
		cclog.Debugf("history: took %s", time.Since(begin))
	}
	return ctx, nil
}
