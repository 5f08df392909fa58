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

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fluxkit/flux/internal/identity"
	internallog "github.com/fluxkit/flux/internal/log"
)

const (
	// challengeWait is how long the client waits for a connect.challenge
	// event before sending an unchallenged connect.
	challengeWait = 750 * time.Millisecond

	// connectTimeout bounds the whole handshake.
	connectTimeout = 15 * time.Second

	// minCallTimeout is the floor on per-call deadlines.
	minCallTimeout = time.Second

	writeTimeout = 10 * time.Second
)

// ErrClosed is returned for operations on a closed client and used to
// flush pending calls on close.
var ErrClosed = errors.New("gateway client closed")

// Config configures a Client.
type Config struct {
	// URL is the gateway websocket endpoint.
	URL string

	// Identity is the device keypair used for the connect proof.
	Identity *identity.Identity

	// Tokens caches session tokens across reconnects.
	Tokens *identity.TokenStore

	// ClientID identifies this runner instance to the gateway.
	ClientID string

	// Mode is the client mode announced in the signing payload.
	Mode string

	// Role is the requested role. Empty means "operator".
	Role string

	// Scopes are the requested scopes.
	Scopes []string

	// SharedToken is the optional pre-shared gateway credential, used as a
	// fallback when a cached device token is rejected.
	SharedToken string

	Logger *slog.Logger

	// Dialer overrides the websocket dialer, for tests.
	Dialer *websocket.Dialer
}

type callResult struct {
	payload json.RawMessage
	err     error
}

type pendingCall struct {
	ch          chan callResult
	expectFinal bool
	timer       *time.Timer
}

// Client is the device-authenticated gateway connection. It owns one
// websocket, a read loop, and the pending-call table correlating responses
// to requests.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	pending   map[string]*pendingCall
	challenge chan string

	// wmu serializes frame writes.
	wmu sync.Mutex
}

// NewClient creates a gateway client. Connect (or EnsureConnected) must be
// called before issuing requests.
func NewClient(cfg Config) *Client {
	if cfg.Role == "" {
		cfg.Role = "operator"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Client{
		cfg:     cfg,
		logger:  internallog.WithComponent(cfg.Logger, "gateway"),
		pending: map[string]*pendingCall{},
	}
}

// Connected reports whether the handshake has completed on a live
// connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// EnsureConnected connects if the client is not already connected.
func (c *Client) EnsureConnected(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.Connect(ctx)
}

// Connect dials the gateway and runs the challenge-response handshake.
// A rejected cached device token is cleared and the handshake retried once
// with the shared token only.
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}

	challenge := make(chan string, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.connected = false
	c.challenge = challenge
	c.mu.Unlock()

	go c.readLoop(conn)

	// The gateway may push a challenge nonce right after the socket opens.
	// Absent one within the window, connect unchallenged.
	var nonce string
	select {
	case nonce = <-challenge:
	case <-time.After(challengeWait):
	case <-ctx.Done():
		_ = conn.Close()
		return ctx.Err()
	}

	err = c.handshake(ctx, nonce, true)
	if err != nil && c.isTokenMismatch(err) {
		c.logger.Info("cached device token rejected, retrying with shared token")
		_ = c.cfg.Tokens.Clear(c.cfg.Identity.DeviceID, c.cfg.Role)
		err = c.handshake(ctx, nonce, false)
	}
	if err != nil {
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.logger.Info("gateway connected")
	return nil
}

// isTokenMismatch reports whether the handshake failed because the cached
// device token no longer matches, making a shared-token retry worthwhile.
func (c *Client) isTokenMismatch(err error) bool {
	if !strings.Contains(err.Error(), "device token mismatch") {
		return false
	}
	if c.cfg.SharedToken == "" {
		return false
	}
	cached := c.cfg.Tokens.Get(c.cfg.Identity.DeviceID, c.cfg.Role)
	return cached != nil && cached.Token != ""
}

// handshake sends one connect request and caches any returned device
// token.
func (c *Client) handshake(ctx context.Context, nonce string, useCached bool) error {
	token := ""
	if useCached {
		if cached := c.cfg.Tokens.Get(c.cfg.Identity.DeviceID, c.cfg.Role); cached != nil {
			token = cached.Token
		}
	}
	if token == "" {
		token = c.cfg.SharedToken
	}

	signedAt := time.Now().UnixMilli()
	payload := SigningPayload(
		c.cfg.Identity.DeviceID,
		c.cfg.ClientID,
		c.cfg.Mode,
		c.cfg.Role,
		c.cfg.Scopes,
		signedAt,
		token,
		nonce,
	)

	params := connectParams{
		MinProtocol: MinProtocol,
		MaxProtocol: MaxProtocol,
		ClientID:    c.cfg.ClientID,
		Mode:        c.cfg.Mode,
		Role:        c.cfg.Role,
		Scopes:      c.cfg.Scopes,
		Token:       token,
		Password:    c.cfg.SharedToken,
		Device: deviceBlock{
			ID:        c.cfg.Identity.DeviceID,
			PublicKey: c.cfg.Identity.PublicKeyBase64(),
			Signature: c.cfg.Identity.Sign([]byte(payload)),
			SignedAt:  signedAt,
			Nonce:     nonce,
		},
	}

	res, err := c.Call(ctx, "connect", params, connectTimeout, false)
	if err != nil {
		return fmt.Errorf("gateway connect: %w", err)
	}

	var body struct {
		Auth struct {
			DeviceToken string   `json:"deviceToken"`
			Scopes      []string `json:"scopes"`
		} `json:"auth"`
	}
	if err := json.Unmarshal(res, &body); err == nil && body.Auth.DeviceToken != "" {
		if err := c.cfg.Tokens.Put(c.cfg.Identity.DeviceID, c.cfg.Role, body.Auth.DeviceToken, body.Auth.Scopes); err != nil {
			c.logger.Warn("caching device token failed", internallog.Error(err))
		}
	}
	return nil
}

// Call issues one request and waits for its settling response. When
// expectFinal is set, responses whose payload carries status "accepted"
// are intermediate acknowledgements and do not settle the call.
func (c *Client) Call(ctx context.Context, method string, params any, timeout time.Duration, expectFinal bool) (json.RawMessage, error) {
	if timeout < minCallTimeout {
		timeout = minCallTimeout
	}

	id := uuid.NewString()
	call := &pendingCall{
		ch:          make(chan callResult, 1),
		expectFinal: expectFinal,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, errors.New("gateway not connected")
	}
	c.pending[id] = call
	call.timer = time.AfterFunc(timeout, func() {
		c.settle(id, callResult{err: fmt.Errorf("%s: timed out after %s", method, timeout)})
	})
	c.mu.Unlock()

	if err := c.writeFrame(conn, frame{Type: "req", ID: id, Method: method, Params: params}); err != nil {
		c.settle(id, callResult{err: err})
	}

	select {
	case res := <-call.ch:
		return res.payload, res.err
	case <-ctx.Done():
		c.settle(id, callResult{err: ctx.Err()})
		res := <-call.ch
		return res.payload, res.err
	}
}

// settle resolves the pending call with the given result, once.
func (c *Client) settle(id string, res callResult) {
	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		call.timer.Stop()
	}
	c.mu.Unlock()
	if ok {
		call.ch <- res
	}
}

// Close flushes every pending call with ErrClosed and shuts the socket.
// The client cannot be reused afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	conn := c.conn
	c.conn = nil
	pending := c.pending
	c.pending = map[string]*pendingCall{}
	c.mu.Unlock()

	for _, call := range pending {
		call.timer.Stop()
		call.ch <- callResult{err: ErrClosed}
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) writeFrame(conn *websocket.Conn, f frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(f)
}

// readLoop dispatches inbound frames until the connection drops, then
// flushes the pending table.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.dropConnection(conn, err)
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			internallog.Trace(c.logger, "dropping malformed gateway frame",
				internallog.Int("bytes", len(data)))
			continue
		}

		switch f.Type {
		case "res":
			c.handleResponse(f)
		case "event":
			c.handleEvent(f)
		}
	}
}

func (c *Client) handleResponse(f frame) {
	c.mu.Lock()
	call, ok := c.pending[f.ID]
	c.mu.Unlock()
	if !ok {
		return
	}

	if call.expectFinal && f.OK != nil && *f.OK && isAccepted(f.Payload) {
		// Intermediate acknowledgement of a long-running method.
		return
	}

	if f.OK != nil && *f.OK {
		c.settle(f.ID, callResult{payload: f.Payload})
		return
	}
	c.settle(f.ID, callResult{err: errors.New(f.Error.text())})
}

func (c *Client) handleEvent(f frame) {
	switch f.Event {
	case "connect.challenge":
		var body struct {
			Nonce string `json:"nonce"`
		}
		if err := json.Unmarshal(f.Payload, &body); err != nil || body.Nonce == "" {
			return
		}
		c.mu.Lock()
		ch := c.challenge
		c.mu.Unlock()
		if ch != nil {
			select {
			case ch <- body.Nonce:
			default:
			}
		}
	default:
		internallog.Trace(c.logger, "ignoring gateway event",
			internallog.String("event", f.Event))
	}
}

// dropConnection marks the client disconnected and fails every pending
// call after a read error.
func (c *Client) dropConnection(conn *websocket.Conn, cause error) {
	_ = conn.Close()

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	pending := c.pending
	c.pending = map[string]*pendingCall{}
	closed := c.closed
	c.mu.Unlock()

	err := fmt.Errorf("gateway connection lost: %w", cause)
	if closed {
		err = ErrClosed
	}
	for _, call := range pending {
		call.timer.Stop()
		call.ch <- callResult{err: err}
	}
	if !closed {
		c.logger.Warn("gateway disconnected", internallog.Error(cause))
	}
}

// isAccepted reports whether a response payload carries status "accepted".
func isAccepted(payload json.RawMessage) bool {
	var body struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return false
	}
	return body.Status == "accepted"
}
