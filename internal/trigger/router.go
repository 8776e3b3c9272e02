// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package trigger scans a deployed flow's trigger-capable nodes (mqtt-in,
// timer-trigger, tag-change-trigger, manual-trigger) and wires each one to
// the event source it declares: a bus subscription, a gocron job, or a
// poll-engine tag-change callback.
package trigger

import (
	"fmt"
	"sync"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/ClusterCockpit/cc-engine/internal/bus"
	"github.com/ClusterCockpit/cc-engine/internal/enginerr"
	"github.com/ClusterCockpit/cc-engine/internal/flow"
	"github.com/ClusterCockpit/cc-engine/internal/model"
	"github.com/go-co-op/gocron/v2"
)

// BusSubscriber is the bus.Client surface the router depends on.
type BusSubscriber interface {
	Subscribe(pattern string, handler bus.Handler) (bus.Unsubscribe, error)
}

// nodeRef addresses one trigger node within one flow.
type nodeRef struct {
	flowID, nodeID string
}

// Router tracks every deployed flow's trigger nodes and keeps their event
// sources (bus subscriptions, timer jobs) in sync through RefreshFlow and
// RemoveFlow calls.
type Router struct {
	busCli   BusSubscriber
	executor *flow.Executor
	sched    gocron.Scheduler

	mu sync.Mutex

	busUnsubs  map[nodeRef]bus.Unsubscribe
	timerJobs  map[nodeRef]gocron.Job
	watchersBy map[[2]string][]nodeRef // (connID, tagID) -> watching nodes
}

// NewRouter returns a Router bound to busCli and executor.
func NewRouter(busCli BusSubscriber, executor *flow.Executor) (*Router, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("%w: creating trigger scheduler: %v", enginerr.Fatal, err)
	}
	return &Router{
		busCli:     busCli,
		executor:   executor,
		sched:      sched,
		busUnsubs:  make(map[nodeRef]bus.Unsubscribe),
		timerJobs:  make(map[nodeRef]gocron.Job),
		watchersBy: make(map[[2]string][]nodeRef),
	}, nil
}

// Start launches the timer-trigger scheduler.
func (r *Router) Start() { r.sched.Start() }

// Shutdown stops the timer-trigger scheduler and every live bus subscription.
func (r *Router) Shutdown() {
	_ = r.sched.Shutdown()
	r.mu.Lock()
	defer r.mu.Unlock()
	for ref, unsub := range r.busUnsubs {
		unsub()
		delete(r.busUnsubs, ref)
	}
}

// RefreshFlow tears down and rebuilds every trigger wiring for one deployed
// flow, called after (re)deploying it.
func (r *Router) RefreshFlow(cf *flow.CompiledFlow) error {
	r.removeFlow(cf.Definition.ID)

	for _, t := range cf.Triggers() {
		ref := nodeRef{cf.Definition.ID, t.NodeID()}

		switch n := t.(type) {
		case interface{ Topic() string }:
			if err := r.subscribeBusIn(ref, n.Topic()); err != nil {
				return err
			}
		case interface{ IntervalMs() int64 }:
			if err := r.scheduleTimer(ref, n.IntervalMs()); err != nil {
				return err
			}
		case interface{ Watches() (string, string) }:
			connID, tagID := n.Watches()
			key := [2]string{connID, tagID}
			r.mu.Lock()
			r.watchersBy[key] = append(r.watchersBy[key], ref)
			r.mu.Unlock()
		}
	}
	return nil
}

// RemoveFlow tears down every trigger wiring belonging to flowID, called on
// undeploy.
func (r *Router) RemoveFlow(flowID string) { r.removeFlow(flowID) }

func (r *Router) removeFlow(flowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for ref, unsub := range r.busUnsubs {
		if ref.flowID == flowID {
			unsub()
			delete(r.busUnsubs, ref)
		}
	}
	for ref, job := range r.timerJobs {
		if ref.flowID == flowID {
			_ = r.sched.RemoveJob(job.ID())
			delete(r.timerJobs, ref)
		}
	}
	for key, refs := range r.watchersBy {
		kept := refs[:0]
		for _, ref := range refs {
			if ref.flowID != flowID {
				kept = append(kept, ref)
			}
		}
		r.watchersBy[key] = kept
	}
}

func (r *Router) subscribeBusIn(ref nodeRef, topic string) error {
	unsub, err := r.busCli.Subscribe(topic, func(_ string, payload []byte) {
		r.executor.ExecuteAsync(ref.flowID, ref.nodeID, model.MessageEnvelope{
			Payload:    string(payload),
			CreatedUTC: time.Now().UTC(),
		}, flow.RunOptions{})
	})
	if err != nil {
		return fmt.Errorf("%w: subscribing mqtt-in trigger %s/%s: %v", enginerr.Config, ref.flowID, ref.nodeID, err)
	}
	r.mu.Lock()
	r.busUnsubs[ref] = unsub
	r.mu.Unlock()
	return nil
}

func (r *Router) scheduleTimer(ref nodeRef, intervalMs int64) error {
	job, err := r.sched.NewJob(
		gocron.DurationJob(time.Duration(intervalMs)*time.Millisecond),
		gocron.NewTask(func() {
			r.executor.ExecuteAsync(ref.flowID, ref.nodeID, model.MessageEnvelope{CreatedUTC: time.Now().UTC()}, flow.RunOptions{})
		}),
	)
	if err != nil {
		return fmt.Errorf("%w: scheduling timer trigger %s/%s: %v", enginerr.Config, ref.flowID, ref.nodeID, err)
	}
	r.mu.Lock()
	r.timerJobs[ref] = job
	r.mu.Unlock()
	return nil
}

// OnTagChange fires every tag-change-trigger node watching (connID, tagID).
// Called by the poll engine once per tag whose value or quality changed
// between consecutive polls.
func (r *Router) OnTagChange(connID, tagID string, v model.TagValue) {
	r.mu.Lock()
	refs := append([]nodeRef(nil), r.watchersBy[[2]string{connID, tagID}]...)
	r.mu.Unlock()

	for _, ref := range refs {
		r.executor.ExecuteAsync(ref.flowID, ref.nodeID, model.MessageEnvelope{
			Payload:    v.Value,
			CreatedUTC: v.Timestamp,
		}, flow.RunOptions{})
	}
}

// TriggerManual starts a run from the given manual-trigger node directly.
// Nothing in this repository calls it.
func (r *Router) TriggerManual(flowID, nodeID string) {
	cclog.Debugf("trigger: manual fire %s/%s", flowID, nodeID)
	r.executor.ExecuteAsync(flowID, nodeID, model.MessageEnvelope{CreatedUTC: time.Now().UTC()}, flow.RunOptions{})
}
