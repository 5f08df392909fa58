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

// Package secrets stores the coordinator bearer token in the OS keychain
// when one is available. The config file remains the source of truth; the
// keychain copy is a convenience for shells that read it directly.
//
// Supported platforms: macOS Keychain, Linux Secret Service (GNOME
// Keyring, KWallet), Windows Credential Manager.
package secrets

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const service = "flux"

// ErrUnavailable means no keychain service is reachable.
var ErrUnavailable = errors.New("keychain unavailable")

// ErrNotFound means the account has no stored token.
var ErrNotFound = errors.New("token not found")

// Store is a keychain-backed token store.
type Store struct {
	available bool
}

// NewStore probes the keychain once. A locked or absent keychain makes
// every operation return ErrUnavailable instead of hanging.
func NewStore() *Store {
	_, err := keyring.Get(service, "__flux_availability_probe__")
	return &Store{available: err == nil || errors.Is(err, keyring.ErrNotFound)}
}

// Available reports whether the keychain can be used.
func (s *Store) Available() bool { return s.available }

// SetToken stores the bearer token for an account (typically the org id
// or coordinator host).
func (s *Store) SetToken(account, token string) error {
	if !s.available {
		return ErrUnavailable
	}
	if err := keyring.Set(service, account, token); err != nil {
		return fmt.Errorf("store token in keychain: %w", err)
	}
	return nil
}

// Token fetches the stored bearer token for an account.
func (s *Store) Token(account string) (string, error) {
	if !s.available {
		return "", ErrUnavailable
	}
	token, err := keyring.Get(service, account)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read token from keychain: %w", err)
	}
	return token, nil
}

// DeleteToken removes a stored token. A missing entry is not an error.
func (s *Store) DeleteToken(account string) error {
	if !s.available {
		return ErrUnavailable
	}
	err := keyring.Delete(service, account)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("delete token from keychain: %w", err)
	}
	return nil
}
