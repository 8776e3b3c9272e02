// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package configstore

import (
	"time"

	"github.com/ClusterCockpit/cc-engine/internal/model"
	"github.com/google/uuid"
)

// defaultConnections seeds a simulator connection with five example tags,
// per the MessageBus/ConfigStore contract: a missing connections.json
// produces this document and is immediately saved.
func defaultConnections() ConnectionsDocument {
	now := time.Now().UTC()
	scale1 := 1.0

	mk := func(name string, wf model.Waveform, base, amp float64, periodMs int64, rateMs int) model.TagConfig {
		return model.TagConfig{
			ID:         uuid.NewString(),
			Name:       name,
			Address:    "sim://" + name,
			DataType:   model.DataTypeF64,
			PollRateMs: rateMs,
			Scale:      &scale1,
			LogHistory: true,
			Simulator: &model.SimParams{
				Waveform:  wf,
				Base:      base,
				Amplitude: amp,
				PeriodMs:  periodMs,
				Noise:     0.5,
			},
		}
	}

	tags := []model.TagConfig{
		mk("Temperature", model.WaveformSine, 25, 10, 60_000, 1000),
		mk("Pressure", model.WaveformRamp, 100, 50, 30_000, 1000),
		mk("FlowRate", model.WaveformTriangle, 50, 20, 20_000, 1000),
		mk("VibrationLevel", model.WaveformRandom, 0, 5, 0, 1000),
		mk("RunningState", model.WaveformBoolean, 0, 0, 10_000, 1000),
	}

	return ConnectionsDocument{
		SchemaVersion: CurrentSchemaVersion,
		Connections: []model.ConnectionConfig{
			{
				ID:         uuid.NewString(),
				Name:       "Sim",
				DriverType: "simulator",
				Enabled:    true,
				Tags:       tags,
				CreatedAt:  now,
				UpdatedAt:  now,
			},
		},
	}
}

func defaultFlows() FlowsDocument {
	return FlowsDocument{SchemaVersion: CurrentSchemaVersion, Flows: []model.FlowDefinition{}}
}

func defaultStateMachines() StateMachinesDocument {
	return StateMachinesDocument{SchemaVersion: CurrentSchemaVersion, StateMachines: []model.StateMachineConfig{}}
}

func defaultUsers() UsersDocument {
	return UsersDocument{SchemaVersion: CurrentSchemaVersion, Users: []User{}}
}
