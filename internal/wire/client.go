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

// Package wire implements the authenticated HTTP client for the coordinator
// REST API.
package wire

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	internallog "github.com/fluxkit/flux/internal/log"
)

const defaultTimeout = 120 * time.Second

// Client is an authenticated JSON client for the coordinator REST API.
type Client struct {
	baseURL  string
	token    string
	identity Identity
	httpc    *http.Client
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithIdentity attaches runner metadata to handshake, claim, hello, and
// ticket requests.
func WithIdentity(id Identity) Option {
	return func(c *Client) { c.identity = id }
}

// New creates a coordinator client. Trailing slashes on the base URL are
// stripped so path joining is uniform.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpc:   &http.Client{Timeout: defaultTimeout},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the normalized coordinator base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Identity returns the runner metadata attached to requests.
func (c *Client) Identity() Identity { return c.identity }

// WhoAmI verifies credentials and returns the authenticated agent.
func (c *Client) WhoAmI(ctx context.Context) (*WhoAmI, error) {
	var out WhoAmI
	if err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/whoami", nil, nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// Handshake registers the runner instance and returns push configuration.
func (c *Client) Handshake(ctx context.Context, backend string) (*HandshakeResponse, error) {
	req := HandshakeRequest{
		RunnerType:       c.identity.RunnerType,
		RunnerVersion:    c.identity.RunnerVersion,
		MachineID:        c.identity.MachineID,
		RunnerInstanceID: c.identity.RunnerInstanceID,
		Backend:          backend,
	}
	var out HandshakeResponse
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/handshake", nil, req, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// Hello announces runner presence. Best-effort: failures are logged, never
// returned.
func (c *Client) Hello(ctx context.Context) {
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/hello", nil, c.identity, nil, true); err != nil {
		c.logger.Debug("hello failed", internallog.Error(err))
	}
}

// Disconnect announces runner shutdown. Best-effort.
func (c *Client) Disconnect(ctx context.Context) {
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/disconnect", nil, c.identity, nil, true); err != nil {
		c.logger.Debug("disconnect failed", internallog.Error(err))
	}
}

// ListTasks fetches one page of ready tasks. An empty or non-array "tasks"
// field decodes to an empty page, which callers treat as no work.
func (c *Client) ListTasks(ctx context.Context, params ListTasksParams) (*TaskPage, error) {
	q := url.Values{}
	if params.Status != "" {
		q.Set("status", params.Status)
	}
	if params.Limit > 0 {
		q.Set("limit", strconv.Itoa(params.Limit))
	}
	if params.Mode != "" {
		q.Set("mode", params.Mode)
	}
	if params.Format != "" {
		q.Set("format", params.Format)
	}
	if params.Filters.StreamID != "" {
		q.Set("streamId", params.Filters.StreamID)
	}
	if params.Filters.Backend != "" {
		q.Set("backend", params.Filters.Backend)
	}
	if params.Filters.CostClass != "" {
		q.Set("costClass", params.Filters.CostClass)
	}

	var out TaskPage
	if err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/tasks", q, nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// Claim attempts to claim a task. A 409 response surfaces as an *APIError
// for which IsConflict returns true; callers treat it as a normal peer race.
func (c *Client) Claim(ctx context.Context, taskID string) (*ClaimResult, error) {
	var out ClaimResult
	path := c.baseURL + "/tasks/" + url.PathEscape(taskID) + "/claim"
	if err := c.doJSON(ctx, http.MethodPost, path, nil, c.identity, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat reports liveness for a claimed task and returns the server's
// cancellation verdict.
func (c *Client) Heartbeat(ctx context.Context, taskID string, req HeartbeatRequest) (*HeartbeatResult, error) {
	var out HeartbeatResult
	path := c.baseURL + "/tasks/" + url.PathEscape(taskID) + "/heartbeat"
	if err := c.doJSON(ctx, http.MethodPost, path, nil, req, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// Complete reports the terminal outcome of a claimed task.
func (c *Client) Complete(ctx context.Context, taskID string, report CompletionReport) error {
	path := c.baseURL + "/tasks/" + url.PathEscape(taskID) + "/complete"
	return c.doJSON(ctx, http.MethodPost, path, nil, report, nil, true)
}

// Escalate requests human attention for a task, after completion.
func (c *Client) Escalate(ctx context.Context, taskID string, req EscalationRequest) error {
	path := c.baseURL + "/tasks/" + url.PathEscape(taskID) + "/escalate"
	return c.doJSON(ctx, http.MethodPost, path, nil, req, nil, true)
}

// MintPushTicket mints a short-lived push websocket ticket at the websocket
// origin. A response without a string ticket is a hard error.
func (c *Client) MintPushTicket(ctx context.Context, wsURL string, filters TaskFilters) (string, error) {
	origin, err := PushTicketOrigin(wsURL)
	if err != nil {
		return "", err
	}

	req := TicketRequest{
		Identity:  c.identity,
		StreamID:  filters.StreamID,
		Backend:   filters.Backend,
		CostClass: filters.CostClass,
	}
	var out struct {
		Ticket any `json:"ticket"`
	}
	if err := c.doJSON(ctx, http.MethodPost, origin+"/mcp/v1/push-ticket", nil, req, &out, true); err != nil {
		return "", fmt.Errorf("mint push ticket: %w", err)
	}
	ticket, ok := out.Ticket.(string)
	if !ok || ticket == "" {
		return "", fmt.Errorf("mint push ticket: response carried no ticket")
	}
	return ticket, nil
}

// PushTicketOrigin maps a websocket URL to the HTTP origin used for ticket
// minting: wss -> https, ws -> http, path dropped.
func PushTicketOrigin(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("parse push URL: %w", err)
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	}
	return u.Scheme + "://" + u.Host, nil
}

// Health checks coordinator health. Unauthenticated.
func (c *Client) Health(ctx context.Context) (any, error) {
	var out any
	if err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/health", nil, nil, &out, false); err != nil {
		return nil, err
	}
	return out, nil
}

// OpenAPI fetches the raw OpenAPI document. Unauthenticated.
func (c *Client) OpenAPI(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/openapi", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newAPIError(resp.StatusCode, data)
	}
	return data, nil
}

// Streams lists the streams visible to the authenticated agent.
func (c *Client) Streams(ctx context.Context) ([]Stream, error) {
	var out struct {
		Streams []Stream `json:"streams"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/streams", nil, nil, &out, true); err != nil {
		return nil, err
	}
	return out.Streams, nil
}

// RedeemAccess exchanges an access code for a bearer token.
func (c *Client) RedeemAccess(ctx context.Context, code string) (*AccessGrant, error) {
	var out AccessGrant
	body := map[string]string{"code": code}
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/access/redeem", nil, body, &out, false); err != nil {
		return nil, err
	}
	if out.Token == "" {
		return nil, fmt.Errorf("redeem access: response carried no token")
	}
	return &out, nil
}

// doJSON issues one JSON request. Non-2xx responses become *APIError. When
// out is non-nil the 2xx body is decoded into it; a body that is not valid
// JSON for the target shape is ignored rather than fatal, matching the
// forgiving coordinator contract.
func (c *Client) doJSON(ctx context.Context, method, rawurl string, query url.Values, in, out any, authed bool) error {
	if len(query) > 0 {
		rawurl = rawurl + "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawurl, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	internallog.Trace(c.logger, "coordinator call",
		internallog.String("method", method),
		internallog.String("path", req.URL.Path),
		internallog.Int("status", resp.StatusCode),
		internallog.Duration("duration", time.Since(start).Milliseconds()))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp.StatusCode, data)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			c.logger.Debug("unexpected response shape",
				internallog.String("path", req.URL.Path),
				internallog.Error(err))
		}
	}
	return nil
}

// newAPIError builds an APIError from a response body, decoding the body as
// JSON when possible and wrapping it as {raw: text} otherwise.
func newAPIError(status int, data []byte) *APIError {
	decoded := decodeBody(data)
	return &APIError{
		Status: status,
		Code:   extractCode(decoded),
		Body:   decoded,
	}
}

func decodeBody(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return map[string]any{"raw": string(data)}
	}
	return v
}

// extractCode pulls an error code from a top-level "code" field or a nested
// "error.code".
func extractCode(body any) string {
	m, ok := body.(map[string]any)
	if !ok {
		return ""
	}
	if code, ok := m["code"].(string); ok {
		return code
	}
	if errObj, ok := m["error"].(map[string]any); ok {
		if code, ok := errObj["code"].(string); ok {
			return code
		}
	}
	return ""
}
