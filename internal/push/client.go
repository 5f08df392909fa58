// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package push maintains the coordinator push websocket so new work wakes
// the cadence loop without waiting for the next poll tick.
package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	internallog "github.com/fluxkit/flux/internal/log"
)

const (
	defaultPingInterval  = 20 * time.Second
	defaultReconnectBase = time.Second
	maxReconnectDelay    = 30 * time.Second
	writeTimeout         = 10 * time.Second
)

// Config configures the push client.
type Config struct {
	// URL is the websocket endpoint announced by the handshake.
	URL string

	// Mint returns a fresh single-use ticket for each connection attempt.
	Mint func(ctx context.Context) (string, error)

	// OnTask is invoked for every task.available notification with the
	// raw frame, whose top level carries taskId. The frame is advisory;
	// receivers re-poll rather than trusting it.
	OnTask func(frame json.RawMessage)

	// ReconnectBase is the initial reconnect delay, doubled per consecutive
	// failure up to a 30s cap. Zero means one second.
	ReconnectBase time.Duration

	// PingInterval is the application-level keepalive period. Zero means
	// twenty seconds.
	PingInterval time.Duration

	Logger *slog.Logger

	// Dialer overrides the websocket dialer, for tests.
	Dialer *websocket.Dialer
}

// Client is a self-healing push websocket client. It reconnects forever
// until Stop or context cancellation, with exponential backoff between
// failed attempts.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	stopped bool
	conn    *websocket.Conn

	// wmu serializes writes; gorilla connections allow one writer at a time.
	wmu sync.Mutex
}

// frame is the envelope for every push message in either direction.
// task.available frames carry their advisory fields (taskId, ...) at the
// top level, so handlers get the raw frame rather than a payload slot.
type frame struct {
	Type string `json:"type"`
}

// NewClient creates a push client. Run must be called to start it.
func NewClient(cfg Config) *Client {
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = defaultReconnectBase
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Client{
		cfg:    cfg,
		logger: internallog.WithComponent(cfg.Logger, "push"),
	}
}

// Run connects and serves notifications until ctx is cancelled or Stop is
// called. Each reconnect mints a fresh ticket; a successful open resets the
// backoff.
func (c *Client) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil || c.isStopped() {
			return
		}

		conn, err := c.dial(ctx)
		if err != nil {
			delay := backoffDelay(c.cfg.ReconnectBase, attempt)
			attempt++
			c.logger.Warn("push connect failed",
				internallog.Error(err),
				internallog.Int("attempt", attempt),
				internallog.Duration("retry_in", delay.Milliseconds()))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		c.logger.Info("push connected")
		c.serve(ctx, conn)
		c.logger.Info("push disconnected")
	}
}

// Stop closes the current connection and suppresses further reconnects.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	target := c.cfg.URL
	if c.cfg.Mint != nil {
		ticket, err := c.cfg.Mint(ctx)
		if err != nil {
			return nil, err
		}
		u, err := url.Parse(target)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		q.Set("ticket", ticket)
		u.RawQuery = q.Encode()
		target = u.String()
	}

	conn, resp, err := c.cfg.Dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		_ = conn.Close()
		return nil, context.Canceled
	}
	c.conn = conn
	c.mu.Unlock()
	return conn, nil
}

// serve reads frames until the connection drops. A ping writer keeps
// intermediaries from idling the connection out.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := c.writeFrame(conn, frame{Type: "ping"}); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return
		}
		c.handle(data)
	}
}

// handle dispatches one inbound frame. Malformed or unknown frames are
// dropped; a hostile or buggy peer must not crash the runner.
func (c *Client) handle(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		internallog.Trace(c.logger, "dropping malformed push frame",
			internallog.Int("bytes", len(data)))
		return
	}
	switch f.Type {
	case "task.available":
		if c.cfg.OnTask != nil {
			c.cfg.OnTask(json.RawMessage(data))
		}
	case "ping":
		c.writePong()
	case "pong", "connected":
		// Keepalive traffic.
	default:
		internallog.Trace(c.logger, "ignoring push frame",
			internallog.String("type", f.Type))
	}
}

func (c *Client) writePong() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	_ = c.writeFrame(conn, frame{Type: "pong"})
}

func (c *Client) writeFrame(conn *websocket.Conn, f frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(f)
}

// backoffDelay returns base doubled attempt times, capped at thirty seconds.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = defaultReconnectBase
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxReconnectDelay || d <= 0 {
			return maxReconnectDelay
		}
	}
	if d > maxReconnectDelay {
		return maxReconnectDelay
	}
	return d
}
