// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package poll runs the per-connection, per-tag polling loops: one gocron
// job per distinct poll rate across all enabled connections, a one-slot
// backpressure gate per connection so a slow driver never stacks up
// overlapping polls, and a circuit breaker that stops hammering a
// connection after a run of consecutive failures.
package poll

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/ClusterCockpit/cc-engine/internal/bus"
	"github.com/ClusterCockpit/cc-engine/internal/driver"
	"github.com/ClusterCockpit/cc-engine/internal/enginerr"
	"github.com/ClusterCockpit/cc-engine/internal/model"
	"github.com/go-co-op/gocron/v2"
)

// HistoryWriter is the subset of history.Store the poll engine depends on,
// accepted as an interface so tests can stub it out.
type HistoryWriter interface {
	WriteAsync(connID, tagID string, v model.TagValue)
}

// Publisher is the subset of bus.Client the poll engine depends on.
type Publisher interface {
	Publish(topic string, payload []byte, qos bus.QoS, retain bool) error
}

// connectionPoller owns one live Driver instance and its circuit breaker,
// polling all of that connection's tags on whatever poll rates they declare.
type connectionPoller struct {
	conn    model.ConnectionConfig
	drv     driver.Driver
	breaker circuitBreaker
	gate    chan struct{} // capacity 1: backpressure gate

	// statusIsError tracks whether the last published connection status
	// was Error, so a status message is only emitted on an actual
	// open/close transition rather than every tick the breaker is open.
	// Only ever touched from within the gate, so it needs no locking.
	statusIsError bool

	totalPolls int64
}

// ChangeHandler is notified whenever a tag's value or quality differs from
// its previous reading, driving tag-change-trigger flow nodes.
type ChangeHandler func(connID, tagID string, v model.TagValue)

// Engine coordinates polling across every enabled connection. Config
// reloads swap the whole connection set; in-flight polls from the previous
// generation finish against their own (now orphaned) connectionPoller.
type Engine struct {
	registry *driver.Registry
	history  HistoryWriter
	busCli   Publisher
	sched    gocron.Scheduler

	mu        sync.RWMutex
	pollers   map[string]*connectionPoller // connID -> poller
	groupJobs map[int]gocron.Job           // pollRateMs -> job
	lastValue map[string]map[string]model.TagValue // connID -> tagID -> last reading

	onChange ChangeHandler

	startTime  time.Time
	totalPolls int64
	pollTimeNs int64 // accumulated, for the running average
}

// New creates an Engine bound to registry, history and bus. Call
// ReloadConfiguration with the initial connection set before Start.
func New(registry *driver.Registry, history HistoryWriter, busCli Publisher) (*Engine, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("%w: creating poll scheduler: %v", enginerr.Fatal, err)
	}
	return &Engine{
		registry:  registry,
		history:   history,
		busCli:    busCli,
		sched:     sched,
		pollers:   make(map[string]*connectionPoller),
		groupJobs: make(map[int]gocron.Job),
		lastValue: make(map[string]map[string]model.TagValue),
		startTime: time.Now().UTC(),
	}, nil
}

// SetChangeHandler registers fn to be called whenever a polled tag's value
// or quality changes. Must be called before Start; not safe to change
// concurrently with polling.
func (e *Engine) SetChangeHandler(fn ChangeHandler) { e.onChange = fn }

// LatestValue returns the most recent reading for (connID, tagID), used by
// the state machine executor to evaluate tag-trigger conditions without
// issuing its own driver read.
func (e *Engine) LatestValue(connID, tagID string) (model.TagValue, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.lastValue[connID][tagID]
	return v, ok
}

// Start launches the scheduler, including the 5s engine-status publish tick.
func (e *Engine) Start() {
	e.sched.Start()
}

// Shutdown stops the scheduler and closes every live driver.
func (e *Engine) Shutdown(ctx context.Context) error {
	if err := e.sched.Shutdown(); err != nil {
		cclog.Warnf("poll: scheduler shutdown: %v", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.pollers {
		if err := p.drv.Close(); err != nil {
			cclog.Warnf("poll: closing driver for connection %s: %v", p.conn.Name, err)
		}
	}
	return nil
}

// ReloadConfiguration replaces the poll group structure to match conns,
// tearing down jobs/pollers for removed connections and rebuilding the
// per-rate job set. Called at startup and by the config watcher whenever
// connections.json changes.
func (e *Engine) ReloadConfiguration(conns []model.ConnectionConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, job := range e.groupJobs {
		if err := e.sched.RemoveJob(job.ID()); err != nil {
			cclog.Warnf("poll: removing stale group job: %v", err)
		}
	}
	e.groupJobs = make(map[int]gocron.Job)

	for _, p := range e.pollers {
		_ = p.drv.Close()
	}
	e.pollers = make(map[string]*connectionPoller)

	groups := make(map[int][]string) // pollRateMs -> connection IDs touching that rate

	for i := range conns {
		conn := conns[i]
		if !conn.Enabled {
			continue
		}
		drv, err := e.registry.Build(&conn)
		if err != nil {
			cclog.Errorf("poll: building driver for connection %s: %v", conn.Name, err)
			continue
		}
		if err := drv.Connect(context.Background()); err != nil {
			cclog.Warnf("poll: initial connect for %s: %v", conn.Name, err)
		}

		cp := &connectionPoller{conn: conn, drv: drv, gate: make(chan struct{}, 1)}
		e.pollers[conn.ID] = cp

		rates := make(map[int]bool)
		for _, t := range conn.Tags {
			rates[t.PollRateMs] = true
		}
		for rate := range rates {
			groups[rate] = append(groups[rate], conn.ID)
		}
	}

	for rate, connIDs := range groups {
		rate, connIDs := rate, connIDs
		job, err := e.sched.NewJob(
			gocron.DurationJob(time.Duration(rate)*time.Millisecond),
			gocron.NewTask(func() { e.pollGroup(rate, connIDs) }),
		)
		if err != nil {
			return fmt.Errorf("%w: scheduling poll group at %dms: %v", enginerr.Fatal, rate, err)
		}
		e.groupJobs[rate] = job
	}

	if _, ok := e.groupJobs[-1]; !ok {
		statusJob, err := e.sched.NewJob(
			gocron.DurationJob(5*time.Second),
			gocron.NewTask(func() { e.publishStatus() }),
		)
		if err != nil {
			return fmt.Errorf("%w: scheduling status tick: %v", enginerr.Fatal, err)
		}
		e.groupJobs[-1] = statusJob
	}

	return nil
}

// pollGroup runs one tick for every connection touching rate, skipping a
// connection whose previous tick is still running (the gate) or whose
// breaker is open.
func (e *Engine) pollGroup(rate int, connIDs []string) {
	e.mu.RLock()
	pollers := make([]*connectionPoller, 0, len(connIDs))
	for _, id := range connIDs {
		if p, ok := e.pollers[id]; ok {
			pollers = append(pollers, p)
		}
	}
	e.mu.RUnlock()

	for _, p := range pollers {
		select {
		case p.gate <- struct{}{}:
			go func(p *connectionPoller) {
				defer func() { <-p.gate }()
				e.pollConnection(p, rate)
			}(p)
		default:
			cclog.Debugf("poll: connection %s still polling at rate %dms, skipping tick", p.conn.Name, rate)
		}
	}
}

func (e *Engine) pollConnection(p *connectionPoller, rate int) {
	now := time.Now()
	if !p.breaker.Allow(now) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	entries := make([]bus.BulkTagEntry, 0, len(p.conn.Tags))
	anyFailure := false
	var lastErr error

	for i := range p.conn.Tags {
		tag := &p.conn.Tags[i]
		if tag.PollRateMs != rate {
			continue
		}

		v, err := p.drv.ReadTag(ctx, tag)
		if err != nil {
			anyFailure = true
			lastErr = err
			cclog.Debugf("poll: reading %s/%s: %v", p.conn.Name, tag.Name, err)
			v = model.TagValue{Path: tag.Name, Quality: model.QualityBad, Timestamp: time.Now().UTC()}
		} else {
			switch v.Value.(type) {
			case float64, float32, int, int64:
				v.Value = tag.ApplyScale(toFloat(v.Value))
			}
		}

		atomic.AddInt64(&p.totalPolls, 1)
		atomic.AddInt64(&e.totalPolls, 1)

		if tag.LogHistory && e.history != nil {
			e.history.WriteAsync(p.conn.ID, tag.ID, v)
		}

		e.recordValue(p.conn.ID, tag.ID, v)

		entries = append(entries, bus.BulkTagEntry{
			ConnectionID: p.conn.ID,
			TagID:        tag.ID,
			TagName:      tag.Name,
			Value:        v.Value,
			DataType:     string(tag.DataType),
			Quality:      int(v.Quality),
			Timestamp:    v.Timestamp,
		})
	}

	atomic.AddInt64(&e.pollTimeNs, time.Since(start).Nanoseconds())

	if anyFailure {
		p.breaker.RecordFailure(now)
		if p.breaker.IsOpen(now) && !p.statusIsError {
			p.statusIsError = true
			if e.busCli != nil {
				e.publishConnectionStatus(p, true, lastErr)
			}
		}
	} else {
		p.breaker.RecordSuccess()
		if p.statusIsError {
			p.statusIsError = false
			if e.busCli != nil {
				e.publishConnectionStatus(p, false, nil)
			}
		}
	}

	if len(entries) > 0 && e.busCli != nil {
		msg := bus.BulkTagValueMessage{ConnectionID: p.conn.ID, Timestamp: time.Now().UTC(), Tags: entries}
		if data, err := json.Marshal(msg); err == nil {
			_ = e.busCli.Publish(bus.BulkTopic(p.conn.ID), data, bus.QoS0, false)
		}
	}
}

// publishConnectionStatus announces a circuit-breaker open/close transition
// on bus.ConnectionStatusTopic, retained so a late subscriber immediately
// sees the connection's current state.
func (e *Engine) publishConnectionStatus(p *connectionPoller, isOpen bool, cause error) {
	msg := bus.ConnectionStatusMessage{
		ConnectionID: p.conn.ID,
		State:        "Connected",
		Timestamp:    time.Now().UTC(),
	}
	if isOpen {
		msg.State = "Error"
		if cause != nil {
			msg.ErrorMessage = cause.Error()
		}
	}
	data, err := json.Marshal(msg)
	if err != nil {
		cclog.Warnf("poll: marshaling connection status for %s: %v", p.conn.Name, err)
		return
	}
	if err := e.busCli.Publish(bus.ConnectionStatusTopic(p.conn.ID), data, bus.QoS1, true); err != nil {
		cclog.Warnf("poll: publishing connection status for %s: %v", p.conn.Name, err)
	}
}

// recordValue stores v as the latest reading for (connID, tagID) and calls
// the change handler, if one is registered, when the value or quality
// differs from the previous reading.
func (e *Engine) recordValue(connID, tagID string, v model.TagValue) {
	e.mu.Lock()
	byTag, ok := e.lastValue[connID]
	if !ok {
		byTag = make(map[string]model.TagValue)
		e.lastValue[connID] = byTag
	}
	prev, hadPrev := byTag[tagID]
	byTag[tagID] = v
	e.mu.Unlock()

	if e.onChange == nil {
		return
	}
	if !hadPrev || prev.Quality != v.Quality || prev.Value != v.Value {
		e.onChange(connID, tagID, v)
	}
}

// toFloat best-effort-converts a driver's raw value to float64 for scaling;
// non-numeric readings (bool, string) pass through ApplyScale untouched.
func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

// WriteTagAsync submits a write-through request to the named tag's driver
// without blocking the caller; errors are logged, not returned, matching
// the ActionFailure kind's log-and-continue contract.
func (e *Engine) WriteTagAsync(connID, tagID string, value interface{}) {
	e.mu.RLock()
	p, ok := e.pollers[connID]
	e.mu.RUnlock()
	if !ok {
		cclog.Warnf("poll: write to unknown connection %s", connID)
		return
	}

	tag, ok := p.conn.FindTag(tagID)
	if !ok {
		cclog.Warnf("poll: write to unknown tag %s on connection %s", tagID, connID)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.drv.WriteTag(ctx, tag, value); err != nil {
			cclog.Errorf("%v: writing tag %s/%s: %v", enginerr.ActionFailure, p.conn.Name, tag.Name, err)
		}
	}()
}

// Status is a point-in-time summary published on bus.EngineStatusTopic.
type Status struct {
	ActiveConnections int
	ActiveTags        int
	TotalPolls        int64
	AveragePollTimeMs float64
}

// Snapshot returns the engine's current status counters.
func (e *Engine) Snapshot() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	tags := 0
	for _, p := range e.pollers {
		tags += len(p.conn.Tags)
	}

	total := atomic.LoadInt64(&e.totalPolls)
	avg := 0.0
	if total > 0 {
		avg = float64(atomic.LoadInt64(&e.pollTimeNs)) / float64(total) / 1e6
	}

	return Status{
		ActiveConnections: len(e.pollers),
		ActiveTags:        tags,
		TotalPolls:        total,
		AveragePollTimeMs: avg,
	}
}

func (e *Engine) publishStatus() {
	if e.busCli == nil {
		return
	}
	s := e.Snapshot()
	msg := bus.EngineStatusMessage{
		IsRunning:         true,
		ActiveConnections: s.ActiveConnections,
		ActiveTags:        s.ActiveTags,
		TotalPolls:        s.TotalPolls,
		AveragePollTimeMs: s.AveragePollTimeMs,
		StartTime:         e.startTime,
		Timestamp:         time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		cclog.Errorf("poll: marshaling status: %v", err)
		return
	}
	_ = e.busCli.Publish(bus.EngineStatusTopic, data, bus.QoS1, true)
}

// IsHealthy satisfies health.Reporter: the engine is healthy while no
// connection's circuit breaker is open; zero connections is healthy too
// (nothing configured is not a failure).
func (e *Engine) IsHealthy() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	now := time.Now()
	for _, p := range e.pollers {
		if p.breaker.IsOpen(now) {
			return false
		}
	}
	return true
}
