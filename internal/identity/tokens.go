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

package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const tokensFile = "device-tokens.json"

// CachedToken is a gateway session token persisted for reconnects.
type CachedToken struct {
	Token       string   `json:"token"`
	Scopes      []string `json:"scopes,omitempty"`
	UpdatedAtMS int64    `json:"updatedAtMs"`
}

// TokenStore persists gateway session tokens keyed by "deviceId:role".
// The most recent successful handshake overwrites the entry; an explicit
// mismatch clears it.
type TokenStore struct {
	mu   sync.Mutex
	path string
}

// NewTokenStore creates a token store rooted at dir.
func NewTokenStore(dir string) *TokenStore {
	return &TokenStore{path: filepath.Join(dir, tokensFile)}
}

// Get returns the cached token for (deviceID, role), or nil when absent.
func (s *TokenStore) Get(deviceID, role string) *CachedToken {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens, err := s.read()
	if err != nil {
		return nil
	}
	tok, ok := tokens[key(deviceID, role)]
	if !ok {
		return nil
	}
	return &tok
}

// Put stores a token for (deviceID, role), overwriting any previous entry.
func (s *TokenStore) Put(deviceID, role, token string, scopes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens, err := s.read()
	if err != nil {
		return err
	}
	tokens[key(deviceID, role)] = CachedToken{
		Token:       token,
		Scopes:      scopes,
		UpdatedAtMS: time.Now().UnixMilli(),
	}
	return s.write(tokens)
}

// Clear removes the token for (deviceID, role). Missing entries are not an
// error.
func (s *TokenStore) Clear(deviceID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens, err := s.read()
	if err != nil {
		return err
	}
	delete(tokens, key(deviceID, role))
	return s.write(tokens)
}

func key(deviceID, role string) string {
	return deviceID + ":" + role
}

func (s *TokenStore) read() (map[string]CachedToken, error) {
	data, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		tokens := map[string]CachedToken{}
		if err := json.Unmarshal(data, &tokens); err != nil {
			// A corrupt cache is disposable; start fresh.
			return map[string]CachedToken{}, nil
		}
		return tokens, nil
	case errors.Is(err, os.ErrNotExist):
		return map[string]CachedToken{}, nil
	default:
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
}

func (s *TokenStore) write(tokens map[string]CachedToken) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(s.path), err)
	}
	data, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("encode tokens: %w", err)
	}
	if err := os.WriteFile(s.path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return nil
}
