// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package health aggregates every subsystem's self-reported health into one
// periodic summary, published on the bus the same way the poll engine
// publishes its own status tick.
package health

import (
	"encoding/json"
	"sync"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/ClusterCockpit/cc-engine/internal/bus"
	"github.com/ClusterCockpit/cc-engine/internal/enginerr"
	"github.com/go-co-op/gocron/v2"
)

const summaryInterval = 30 * time.Second

// Reporter is implemented by every subsystem the health monitor aggregates:
// bus.Client, poll.Engine, history.Store, statemachine.Executor.
type Reporter interface {
	IsHealthy() bool
}

// Publisher is the bus.Client surface used to publish the summary.
type Publisher interface {
	Publish(topic string, payload []byte, qos bus.QoS, retain bool) error
}

// Monitor polls every registered component on a fixed tick and publishes an
// aggregate health summary.
type Monitor struct {
	busCli Publisher
	sched  gocron.Scheduler

	mu         sync.RWMutex
	components map[string]Reporter
}

// NewMonitor returns a Monitor that publishes summaries through busCli.
func NewMonitor(busCli Publisher) (*Monitor, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, enginerr.Fatal
	}
	m := &Monitor{busCli: busCli, sched: sched, components: make(map[string]Reporter)}
	if _, err := sched.NewJob(
		gocron.DurationJob(summaryInterval),
		gocron.NewTask(m.publish),
	); err != nil {
		return nil, enginerr.Fatal
	}
	return m, nil
}

// Register adds or replaces the component named name.
func (m *Monitor) Register(name string, r Reporter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[name] = r
}

// Start launches the summary tick.
func (m *Monitor) Start() { m.sched.Start() }

// Shutdown stops the summary tick.
func (m *Monitor) Shutdown() error { return m.sched.Shutdown() }

// Snapshot evaluates every registered component's current health.
func (m *Monitor) Snapshot() (overall bool, components map[string]bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	overall = true
	components = make(map[string]bool, len(m.components))
	for name, r := range m.components {
		ok := r.IsHealthy()
		components[name] = ok
		if !ok {
			overall = false
		}
	}
	return overall, components
}

func (m *Monitor) publish() {
	if m.busCli == nil {
		return
	}
	overall, components := m.Snapshot()
	msg := bus.HealthSummaryMessage{
		Overall:    overall,
		Components: components,
		Timestamp:  time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		cclog.Errorf("health: marshaling summary: %v", err)
		return
	}
	_ = m.busCli.Publish(bus.HealthTopic, data, bus.QoS1, true)
}
