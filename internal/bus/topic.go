// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package bus

import "strings"

// toNatsSubject translates an MQTT-style topic pattern ('+' single segment,
// '#' suffix wildcard) into the NATS subject syntax ('*' single token, '>'
// suffix token) that the underlying transport understands. Callers always
// speak MQTT topics; translation happens at this one boundary.
func toNatsSubject(topic string) string {
	segments := strings.Split(topic, "/")
	for i, s := range segments {
		switch s {
		case "+":
			segments[i] = "*"
		case "#":
			segments[i] = ">"
		}
	}
	return strings.Join(segments, ".")
}

// fromNatsSubject reverses toNatsSubject for subjects received from the
// transport, so handlers always see MQTT-style topics.
func fromNatsSubject(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}

// MatchTopic reports whether topic (a concrete, wildcard-free topic as
// published) matches pattern (which may contain '+' and '#' per MQTT
// wildcard semantics).
func MatchTopic(pattern, topic string) bool {
	pSegs := strings.Split(pattern, "/")
	tSegs := strings.Split(topic, "/")

	for i, p := range pSegs {
		if p == "#" {
			return true
		}
		if i >= len(tSegs) {
			return false
		}
		if p != "+" && p != tSegs[i] {
			return false
		}
	}
	return len(pSegs) == len(tSegs)
}
