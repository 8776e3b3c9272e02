// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package driver_test

import (
	"context"
	"testing"

	"github.com/ClusterCockpit/cc-engine/internal/driver"
	"github.com/ClusterCockpit/cc-engine/internal/enginerr"
	"github.com/ClusterCockpit/cc-engine/internal/model"
)

func TestRegistryKnownBuiltins(t *testing.T) {
	r := driver.NewRegistry()
	for _, dt := range []string{"simulator", "modbus-tcp", "opcua", "s7", "ethernetip"} {
		if !r.Known(dt) {
			t.Errorf("expected driver type %q to be known", dt)
		}
	}
	if r.Known("not-a-real-driver") {
		t.Fatal("expected an unregistered driver type to be unknown")
	}
}

func TestRegistryBuildUnknownType(t *testing.T) {
	r := driver.NewRegistry()
	conn := &model.ConnectionConfig{Name: "test", DriverType: "not-a-real-driver"}

	_, err := r.Build(conn)
	if err == nil {
		t.Fatal("expected an error building an unknown driver type")
	}
	if !enginerr.Is(err, enginerr.Config) {
		t.Fatalf("expected enginerr.Config, got %v", err)
	}
}

func TestStubDriverReturnsTransient(t *testing.T) {
	r := driver.NewRegistry()
	conn := &model.ConnectionConfig{Name: "plc1", DriverType: "modbus-tcp"}

	drv, err := r.Build(conn)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := drv.Connect(context.Background()); !enginerr.Is(err, enginerr.Transient) {
		t.Fatalf("expected Connect to fail with enginerr.Transient, got %v", err)
	}

	tag := &model.TagConfig{ID: "t1", Name: "t1"}
	if _, err := drv.ReadTag(context.Background(), tag); !enginerr.Is(err, enginerr.Transient) {
		t.Fatalf("expected ReadTag to fail with enginerr.Transient, got %v", err)
	}
	if err := drv.WriteTag(context.Background(), tag, 1.0); !enginerr.Is(err, enginerr.Transient) {
		t.Fatalf("expected WriteTag to fail with enginerr.Transient, got %v", err)
	}
	if err := drv.Close(); err != nil {
		t.Fatalf("Close should be a no-op, got %v", err)
	}
}

func TestSimulatorDriverSineWaveform(t *testing.T) {
	r := driver.NewRegistry()
	conn := &model.ConnectionConfig{Name: "sim", DriverType: "simulator"}
	drv, err := r.Build(conn)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	tag := &model.TagConfig{
		ID:   "temp",
		Name: "Temperature",
		Simulator: &model.SimParams{
			Waveform:  model.WaveformSine,
			Base:      20,
			Amplitude: 5,
			PeriodMs:  60000,
		},
	}

	v, err := drv.ReadTag(context.Background(), tag)
	if err != nil {
		t.Fatalf("ReadTag: %v", err)
	}
	if !v.IsGood() {
		t.Fatal("expected a good-quality reading")
	}

	f, ok := v.Value.(float64)
	if !ok {
		t.Fatalf("expected a float64 value, got %T", v.Value)
	}
	if f < 15 || f > 25 {
		t.Fatalf("sine sample %v outside base+-amplitude range [15,25]", f)
	}
}

func TestSimulatorDriverRequiresSimParams(t *testing.T) {
	r := driver.NewRegistry()
	conn := &model.ConnectionConfig{Name: "sim", DriverType: "simulator"}
	drv, _ := r.Build(conn)

	_, err := drv.ReadTag(context.Background(), &model.TagConfig{ID: "t", Name: "t"})
	if !enginerr.Is(err, enginerr.Config) {
		t.Fatalf("expected enginerr.Config for a tag with no simulator params, got %v", err)
	}
}

func TestSimulatorDriverBooleanWaveform(t *testing.T) {
	r := driver.NewRegistry()
	conn := &model.ConnectionConfig{Name: "sim", DriverType: "simulator"}
	drv, _ := r.Build(conn)

	tag := &model.TagConfig{
		ID:   "run",
		Name: "RunningState",
		Simulator: &model.SimParams{
			Waveform: model.WaveformBoolean,
			PeriodMs: 1000,
		},
	}

	v, err := drv.ReadTag(context.Background(), tag)
	if err != nil {
		t.Fatalf("ReadTag: %v", err)
	}
	if _, ok := v.Value.(bool); !ok {
		t.Fatalf("expected a bool value for a boolean waveform, got %T", v.Value)
	}
}
