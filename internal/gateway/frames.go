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

// Package gateway implements the device-authenticated websocket client for
// the remote agent gateway.
package gateway

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Protocol version window advertised in the connect request.
const (
	MinProtocol = 3
	MaxProtocol = 3
)

// frame is the single wire shape for requests, responses, and events.
type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *frameError     `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
}

type frameError struct {
	Message string `json:"message,omitempty"`
}

func (e *frameError) text() string {
	if e == nil || e.Message == "" {
		return "request failed"
	}
	return e.Message
}

// deviceBlock is the device proof attached to connect params.
type deviceBlock struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce,omitempty"`
}

// connectParams is the body of the connect request.
type connectParams struct {
	MinProtocol int         `json:"minProtocol"`
	MaxProtocol int         `json:"maxProtocol"`
	ClientID    string      `json:"clientId"`
	Mode        string      `json:"mode"`
	Role        string      `json:"role"`
	Scopes      []string    `json:"scopes,omitempty"`
	Token       string      `json:"token,omitempty"`
	Password    string      `json:"password,omitempty"`
	Device      deviceBlock `json:"device"`
}

// SigningPayload builds the canonical pipe-delimited string the device key
// signs. Without a nonce the payload is versioned v1; a challenge nonce
// switches to v2 and appends the nonce. The format is fixed; both ends
// must produce identical bytes.
func SigningPayload(deviceID, clientID, mode, role string, scopes []string, signedAtMS int64, token, nonce string) string {
	version := "v1"
	if nonce != "" {
		version = "v2"
	}
	parts := []string{
		version,
		deviceID,
		clientID,
		mode,
		role,
		strings.Join(scopes, ","),
		strconv.FormatInt(signedAtMS, 10),
		token,
	}
	if nonce != "" {
		parts = append(parts, nonce)
	}
	return strings.Join(parts, "|")
}
