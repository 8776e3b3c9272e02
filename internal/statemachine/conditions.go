// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package statemachine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ClusterCockpit/cc-engine/internal/enginerr"
	"github.com/ClusterCockpit/cc-engine/internal/model"
)

// splitTagPath parses a "connectionId/tagId" path into its two parts.
func splitTagPath(path string) (connID, tagID string, ok bool) {
	connID, tagID, found := strings.Cut(path, "/")
	if !found || connID == "" || tagID == "" {
		return "", "", false
	}
	return connID, tagID, true
}

// ParseTagActionValue parses a TagAction's literal string value to the most
// specific type: bool, then int64, then float64, falling back to the raw
// string for anything else (including quoted strings, passed through
// as-is).
func ParseTagActionValue(raw string) interface{} {
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

// evaluateTagTrigger reads the current value of tt's tag and compares it
// against tt's threshold using tt's operator.
func evaluateTagTrigger(tt *model.TagTrigger, tags TagReader) (bool, error) {
	if tags == nil {
		return false, fmt.Errorf("%w: tagTrigger set but no tag reader configured", enginerr.Config)
	}
	connID, tagID, ok := splitTagPath(tt.TagPath)
	if !ok {
		return false, fmt.Errorf("%w: malformed tag trigger path %q", enginerr.Config, tt.TagPath)
	}
	v, ok := tags.LatestValue(connID, tagID)
	if !ok {
		return false, nil // no reading yet is not an error, just "not satisfied"
	}
	if !v.IsGood() {
		return false, nil
	}

	threshold := ParseTagActionValue(tt.Threshold)
	return compare(v.Value, tt.Operator, threshold)
}

// compare applies operator to (current, threshold). Numeric operands are
// compared as float64; everything else falls back to string comparison,
// and only == and != are meaningful for non-numeric/non-comparable pairs.
func compare(current interface{}, operator string, threshold interface{}) (bool, error) {
	cf, cNumeric := asFloat(current)
	tf, tNumeric := asFloat(threshold)

	if cNumeric && tNumeric {
		switch operator {
		case "==":
			return cf == tf, nil
		case "!=":
			return cf != tf, nil
		case ">":
			return cf > tf, nil
		case ">=":
			return cf >= tf, nil
		case "<":
			return cf < tf, nil
		case "<=":
			return cf <= tf, nil
		default:
			return false, fmt.Errorf("%w: unknown tag trigger operator %q", enginerr.Config, operator)
		}
	}

	cs := fmt.Sprintf("%v", current)
	ts := fmt.Sprintf("%v", threshold)
	switch operator {
	case "==":
		return cs == ts, nil
	case "!=":
		return cs != ts, nil
	default:
		return false, fmt.Errorf("%w: operator %q requires numeric operands, got %T and %T", enginerr.Config, operator, current, threshold)
	}
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
