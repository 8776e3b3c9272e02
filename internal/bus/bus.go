// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package bus implements the Engine's MessageBus contract: MQTT-flavored
// topics (wildcard subscribe, retained values, QoS) on top of a NATS
// transport (pkg/natsconn). NATS has no native retain or QoS-acked
// delivery, so both are emulated here: retain by a local last-value cache
// replayed to new subscribers, QoS>=1 by a bounded retry-with-backoff loop
// on Publish. See SPEC_FULL.md's MessageBus section for the tradeoff.
package bus

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/ClusterCockpit/cc-engine/internal/enginerr"
	"github.com/ClusterCockpit/cc-engine/pkg/natsconn"
	"golang.org/x/time/rate"
)

// QoS mirrors MQTT quality-of-service levels.
type QoS int

const (
	QoS0 QoS = 0
	QoS1 QoS = 1
	QoS2 QoS = 2
)

// ConnState is a connection-state transition reported to bus state
// subscribers.
type ConnState string

const (
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateReconnected  ConnState = "reconnected"
)

// Handler processes one received message. topic is already translated
// back to MQTT notation.
type Handler func(topic string, payload []byte)

// StateHandler is invoked on a bus connection-state transition.
type StateHandler func(state ConnState, err error)

// Unsubscribe drops a previously registered handler or state listener.
type Unsubscribe func()

const (
	publishMaxAttempts  = 3
	publishBaseBackoff  = 50 * time.Millisecond
	reconnectBaseDelay  = 5 * time.Second
)

// Client is the Engine-facing MessageBus. One Client is shared by every
// subsystem (PollEngine, FlowExecutor, StateMachineExecutor, ...).
type Client struct {
	conn *natsconn.Client

	mu            sync.Mutex
	retained      map[string][]byte
	subscriptions map[string][]Handler
	stateHandlers []StateHandler

	limiter *rate.Limiter
}

// NewClient connects to the broker described by cfg. The connection uses
// a 5s base reconnect delay (set by natsconn.NewClient) with the NATS
// client's default jitter.
func NewClient(cfg *natsconn.Config) (*Client, error) {
	c := &Client{
		retained:      make(map[string][]byte),
		subscriptions: make(map[string][]Handler),
		limiter:       rate.NewLimiter(rate.Limit(200), 400),
	}

	conn, err := natsconn.NewClient(cfg, c.onState)
	if err != nil {
		return nil, fmt.Errorf("bus: connect failed: %w", err)
	}
	c.conn = conn
	return c, nil
}

func (c *Client) onState(state string, err error) {
	var s ConnState
	switch state {
	case "connected":
		s = StateConnected
	case "disconnected":
		s = StateDisconnected
	case "reconnected":
		s = StateReconnected
	default:
		return
	}

	c.mu.Lock()
	handlers := append([]StateHandler(nil), c.stateHandlers...)
	c.mu.Unlock()

	for _, h := range handlers {
		if h != nil {
			h(s, err)
		}
	}
}

// OnStateChange registers a listener for bus connection-state transitions.
// Returns an unsubscribe handle (see REDESIGN FLAGS: no .NET-style events).
func (c *Client) OnStateChange(h StateHandler) Unsubscribe {
	c.mu.Lock()
	c.stateHandlers = append(c.stateHandlers, h)
	idx := len(c.stateHandlers) - 1
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if idx < len(c.stateHandlers) {
			c.stateHandlers[idx] = nil
		}
	}
}

// Publish enqueues payload for delivery on topic. QoS0 publishes are
// fire-and-forget; one that exceeds the publish rate limit is dropped and
// reported as an enginerr.Overload error. QoS1/QoS2 publishes are attempted
// up to 3 times with expanding backoff on transport failure, per the MessageBus contract's "never
// retry a bulk message past its own poll interval" rule — callers
// publishing per-cycle bulk data should always pass QoS0.
func (c *Client) Publish(topic string, payload []byte, qos QoS, retain bool) error {
	if retain {
		c.mu.Lock()
		c.retained[topic] = append([]byte(nil), payload...)
		c.mu.Unlock()
	}

	subject := toNatsSubject(topic)

	if qos == QoS0 {
		if !c.limiter.Allow() {
			cclog.Debugf("bus: rate limit dropped publish to %q", topic)
			return fmt.Errorf("%w: bus: rate limit dropped publish to %q", enginerr.Overload, topic)
		}
		return c.conn.Publish(subject, payload)
	}

	var lastErr error
	for attempt := 0; attempt < publishMaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := publishBaseBackoff * time.Duration(1<<uint(attempt-1))
			time.Sleep(backoff)
		}
		if err := c.conn.Publish(subject, payload); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("bus: publish to %q failed after %d attempts: %w", topic, publishMaxAttempts, lastErr)
}

// Subscribe registers handler for every topic matching pattern ('+'/'#'
// wildcards). Any retained message whose topic matches pattern is
// delivered to handler immediately, before live messages. Returns an
// unsubscribe handle.
func (c *Client) Subscribe(pattern string, handler Handler) (Unsubscribe, error) {
	c.mu.Lock()
	_, alreadySubscribed := c.subscriptions[pattern]
	c.subscriptions[pattern] = append(c.subscriptions[pattern], handler)
	idx := len(c.subscriptions[pattern]) - 1

	var retainedHits []struct {
		topic   string
		payload []byte
	}
	for topic, payload := range c.retained {
		if MatchTopic(pattern, topic) {
			retainedHits = append(retainedHits, struct {
				topic   string
				payload []byte
			}{topic, payload})
		}
	}
	c.mu.Unlock()

	if !alreadySubscribed {
		subject := toNatsSubject(pattern)
		if err := c.conn.Subscribe(subject, func(natsSubject string, data []byte) {
			topic := fromNatsSubject(natsSubject)
			c.dispatch(pattern, topic, data)
		}); err != nil {
			return nil, fmt.Errorf("bus: subscribe to %q failed: %w", pattern, err)
		}
	}

	for _, hit := range retainedHits {
		handler(hit.topic, hit.payload)
	}

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if idx < len(c.subscriptions[pattern]) {
			c.subscriptions[pattern][idx] = nil
		}
	}, nil
}

// dispatch is called from the NATS subscription callback for pattern; the
// transport has already matched the subject, so one underlying NATS
// subscription fans a message out to every live handler on that exact
// pattern without further matching here.
func (c *Client) dispatch(pattern, topic string, payload []byte) {
	c.mu.Lock()
	handlers := append([]Handler(nil), c.subscriptions[pattern]...)
	c.mu.Unlock()

	for _, h := range handlers {
		if h != nil {
			h(topic, payload)
		}
	}
}

// Unsubscribe drops every handler registered for pattern and cancels the
// underlying transport subscription.
func (c *Client) Unsubscribe(pattern string) {
	c.mu.Lock()
	delete(c.subscriptions, pattern)
	c.mu.Unlock()
	c.conn.UnsubscribeSubject(toNatsSubject(pattern))
}

// IsConnected reports whether the underlying transport connection is up.
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// IsHealthy satisfies health.Reporter.
func (c *Client) IsHealthy() bool {
	return c.IsConnected()
}

// Close releases the underlying connection. Safe to call once at shutdown.
func (c *Client) Close() {
	c.conn.Close()
}

// jitter returns d plus up to 20% random jitter, used by callers that
// implement their own reconnect loop on top of the base delay constant.
func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/5+1))
}

// ReconnectBaseDelay returns the 5s base reconnect delay plus jitter,
// exported so a caller layering its own supervised reconnect loop can reuse
// the same constant and jitter function. Nothing in this repository calls
// it.
func ReconnectBaseDelay() time.Duration {
	return jitter(reconnectBaseDelay)
}
