// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package model holds the plain config and value structs shared across the
// Engine: connections, tags, values, flows and state machines. None of these
// types carry behavior beyond JSON (de)serialization and small lookup and
// scaling helpers; runtime
// state lives in the owning packages (poll, flow, statemachine).
package model

import "time"

// DataType is the declared type of a tag's value.
type DataType string

const (
	DataTypeBool   DataType = "bool"
	DataTypeI16    DataType = "i16"
	DataTypeI32    DataType = "i32"
	DataTypeI64    DataType = "i64"
	DataTypeF32    DataType = "f32"
	DataTypeF64    DataType = "f64"
	DataTypeString DataType = "string"
)

// Quality is the condition code attached to a TagValue.
type Quality int

const (
	QualityGood Quality = iota
	QualityUncertain
	QualityBad
	QualityNotConnected
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityUncertain:
		return "uncertain"
	case QualityBad:
		return "bad"
	case QualityNotConnected:
		return "not-connected"
	default:
		return "unknown"
	}
}

// Waveform selects the simulator driver's value-generation function.
type Waveform string

const (
	WaveformSine     Waveform = "sine"
	WaveformRamp     Waveform = "ramp"
	WaveformTriangle Waveform = "triangle"
	WaveformRandom   Waveform = "random"
	WaveformBoolean  Waveform = "boolean"
)

// SimParams configures the built-in simulator driver for one tag.
type SimParams struct {
	Waveform  Waveform `json:"waveform,omitempty"`
	Base      float64  `json:"base,omitempty"`
	Amplitude float64  `json:"amplitude,omitempty"`
	PeriodMs  int64    `json:"periodMs,omitempty"`
	Noise     float64  `json:"noise,omitempty"`
}

// TagConfig describes one addressable signal on a connection.
type TagConfig struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Address     string     `json:"address"`
	DataType    DataType   `json:"dataType"`
	PollRateMs  int        `json:"pollRateMs"`
	Unit        string     `json:"unit,omitempty"`
	Description string     `json:"description,omitempty"`
	Scale       *float64   `json:"scale,omitempty"`
	Offset      *float64   `json:"offset,omitempty"`
	LogHistory  bool       `json:"logHistory"`
	Simulator   *SimParams `json:"simulator,omitempty"`
}

// ApplyScale converts a raw numeric reading using the tag's scale+offset,
// when both this value and the tag's configuration support it.
func (t *TagConfig) ApplyScale(raw float64) float64 {
	v := raw
	if t.Scale != nil {
		v *= *t.Scale
	}
	if t.Offset != nil {
		v += *t.Offset
	}
	return v
}

// ConnectionConfig is one device connection and its ordered tag list.
type ConnectionConfig struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	DriverType string      `json:"driverType"`
	Enabled    bool        `json:"enabled"`
	Tags       []TagConfig `json:"tags"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

// FindTag returns the tag with the given id, if present.
func (c *ConnectionConfig) FindTag(tagID string) (*TagConfig, bool) {
	for i := range c.Tags {
		if c.Tags[i].ID == tagID {
			return &c.Tags[i], true
		}
	}
	return nil, false
}

// TagValue is a single reading, result of a poll or a write-through.
type TagValue struct {
	Path      string      `json:"path"`
	Value     interface{} `json:"value"`
	Quality   Quality     `json:"quality"`
	Timestamp time.Time   `json:"timestamp"`
}

// IsGood reports whether the value was read with good quality.
func (v TagValue) IsGood() bool {
	return v.Quality == QualityGood
}
