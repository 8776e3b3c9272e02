// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package natsconn provides a generic NATS messaging client for
// publish/subscribe communication.
//
// The package wraps the nats.go library with connection management,
// automatic reconnection handling, and subscription tracking. It supports
// username/password and credentials-file authentication.
//
// # Usage
//
//	client, err := natsconn.NewClient(cfg, nil)
//	client.Subscribe("events", func(subject string, data []byte) {
//	    fmt.Printf("Received: %s\n", data)
//	})
//	client.Publish("events", []byte("hello"))
//
// # Thread Safety
//
// All Client methods are safe for concurrent use.
package natsconn

import (
	"fmt"
	"sync"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/nats-io/nats.go"
)

// Client wraps a NATS connection with subscription management.
type Client struct {
	conn          *nats.Conn
	subscriptions []*nats.Subscription
	mu            sync.Mutex
}

// MessageHandler is a callback function for processing received messages.
type MessageHandler func(subject string, data []byte)

// StateHandler is invoked on connection state transitions: connect,
// disconnect, reconnect.
type StateHandler func(state string, err error)

// NewClient creates a new NATS client using cfg, reconnecting after a 5s
// base delay. state, if non-nil, is invoked on the initial connect and on
// disconnect and reconnect events; NATS async errors are only logged.
func NewClient(cfg *Config, state StateHandler) (*Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("NATS address is required")
	}

	var opts []nats.Option

	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	if cfg.CredsFilePath != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredsFilePath))
	}

	opts = append(opts,
		nats.ReconnectWait(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			cclog.Warnf("NATS disconnected: %v", err)
			if state != nil {
				state("disconnected", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			cclog.Infof("NATS reconnected to %s", nc.ConnectedUrl())
			if state != nil {
				state("reconnected", nil)
			}
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			cclog.Errorf("NATS error: %v", err)
		}),
	)

	nc, err := nats.Connect(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("NATS connect failed: %w", err)
	}

	cclog.Infof("NATS connected to %s", cfg.Address)
	if state != nil {
		state("connected", nil)
	}

	return &Client{
		conn:          nc,
		subscriptions: make([]*nats.Subscription, 0),
	}, nil
}

// Subscribe registers a handler for messages on the given NATS subject.
func (c *Client) Subscribe(subject string, handler MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("NATS subscribe to %q failed: %w", subject, err)
	}

	c.subscriptions = append(c.subscriptions, sub)
	return nil
}

// UnsubscribeSubject drops every subscription registered by Subscribe on
// exactly subject. Since nats.Subscription isn't exposed, callers track
// their own subjects; Close drops all remaining subscriptions at shutdown.
func (c *Client) UnsubscribeSubject(subject string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	remaining := c.subscriptions[:0]
	for _, sub := range c.subscriptions {
		if sub.Subject == subject {
			if err := sub.Unsubscribe(); err != nil {
				cclog.Warnf("NATS unsubscribe from %q failed: %v", subject, err)
			}
			continue
		}
		remaining = append(remaining, sub)
	}
	c.subscriptions = remaining
}

// Publish sends data to the specified subject.
func (c *Client) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("NATS publish to %q failed: %w", subject, err)
	}
	return nil
}

// Close unsubscribes all subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			cclog.Warnf("NATS unsubscribe failed: %v", err)
		}
	}
	c.subscriptions = nil

	if c.conn != nil {
		c.conn.Close()
		cclog.Info("NATS connection closed")
	}
}

// IsConnected returns true if the client has an active connection.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}
