// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package driver

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/ClusterCockpit/cc-engine/internal/enginerr"
	"github.com/ClusterCockpit/cc-engine/internal/model"
)

// simulatorDriver generates deterministic waveform values from wall-clock
// time, with no external dependencies, used both for demo deployments and
// as the default seed connection (see configstore.defaultConnections).
type simulatorDriver struct {
	rng *rand.Rand
}

func newSimulatorDriver(_ *model.ConnectionConfig) (Driver, error) {
	return &simulatorDriver{rng: rand.New(rand.NewSource(1))}, nil
}

func (d *simulatorDriver) Connect(_ context.Context) error { return nil }

func (d *simulatorDriver) ReadTag(_ context.Context, tag *model.TagConfig) (model.TagValue, error) {
	now := time.Now().UTC()

	if tag.Simulator == nil {
		return model.TagValue{}, fmt.Errorf("%w: simulator tag %q has no simulator params", enginerr.Config, tag.Name)
	}

	return model.TagValue{
		Path:      tag.Name,
		Value:     d.sample(tag.Simulator, now),
		Quality:   model.QualityGood,
		Timestamp: now,
	}, nil
}

func (d *simulatorDriver) sample(p *model.SimParams, now time.Time) interface{} {
	if p.Waveform == model.WaveformBoolean {
		if p.PeriodMs <= 0 {
			return false
		}
		phase := now.UnixMilli() % p.PeriodMs
		return phase < p.PeriodMs/2
	}

	v := p.Base
	if p.PeriodMs > 0 {
		phase := float64(now.UnixMilli()%p.PeriodMs) / float64(p.PeriodMs)
		switch p.Waveform {
		case model.WaveformSine:
			v += p.Amplitude * math.Sin(2*math.Pi*phase)
		case model.WaveformRamp:
			v += p.Amplitude * phase
		case model.WaveformTriangle:
			v += p.Amplitude * (1 - math.Abs(2*phase-1)*2)
		}
	}
	if p.Waveform == model.WaveformRandom || p.Noise > 0 {
		v += (d.rng.Float64()*2 - 1) * p.Noise
	}
	return v
}

func (d *simulatorDriver) WriteTag(_ context.Context, _ *model.TagConfig, _ interface{}) error {
	return nil
}

func (d *simulatorDriver) Close() error { return nil }
