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

// Package identity manages the per-host Ed25519 device keypair and the
// cached gateway session tokens derived from it.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const deviceFile = "device.json"

// Identity is the per-host device identity. The device id is the SHA-256
// hex digest of the raw Ed25519 public key bytes, stable across restarts.
type Identity struct {
	DeviceID      string `json:"deviceId"`
	PublicKeyPEM  string `json:"publicKeyPem"`
	PrivateKeyPEM string `json:"privateKeyPem"`

	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// Load reads the device identity from dir, generating and persisting a new
// keypair on first use. The file is written 0600 inside a 0700 directory.
func Load(dir string) (*Identity, error) {
	path := filepath.Join(dir, deviceFile)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		id := &Identity{}
		if err := json.Unmarshal(data, id); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if err := id.decodeKeys(); err != nil {
			return nil, fmt.Errorf("decode keys in %s: %w", path, err)
		}
		return id, nil
	case errors.Is(err, os.ErrNotExist):
		return generate(dir, path)
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
}

func generate(dir, path string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate device key: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("encode private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("encode public key: %w", err)
	}

	id := &Identity{
		DeviceID:      DeviceIDFor(pub),
		PublicKeyPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
		PrivateKeyPEM: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})),
		priv:          priv,
		pub:           pub,
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode identity: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return id, nil
}

// DeviceIDFor derives the stable device id from a raw Ed25519 public key.
func DeviceIDFor(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

func (id *Identity) decodeKeys() error {
	privBlock, _ := pem.Decode([]byte(id.PrivateKeyPEM))
	if privBlock == nil {
		return errors.New("no private key PEM block")
	}
	privAny, err := x509.ParsePKCS8PrivateKey(privBlock.Bytes)
	if err != nil {
		return fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := privAny.(ed25519.PrivateKey)
	if !ok {
		return fmt.Errorf("private key is %T, want ed25519", privAny)
	}

	pubBlock, _ := pem.Decode([]byte(id.PublicKeyPEM))
	if pubBlock == nil {
		return errors.New("no public key PEM block")
	}
	pubAny, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := pubAny.(ed25519.PublicKey)
	if !ok {
		return fmt.Errorf("public key is %T, want ed25519", pubAny)
	}

	id.priv = priv
	id.pub = pub

	// The persisted id always wins for stability, but a mismatch means the
	// file was hand-edited.
	if derived := DeviceIDFor(pub); id.DeviceID != derived {
		return fmt.Errorf("device id %s does not match public key digest %s", id.DeviceID, derived)
	}
	return nil
}

// PublicKeyBase64 returns the raw public key bytes, base64url-encoded, as
// sent in the gateway connect request.
func (id *Identity) PublicKeyBase64() string {
	return base64.RawURLEncoding.EncodeToString(id.pub)
}

// Sign signs payload with the device private key and returns the signature
// base64url-encoded.
func (id *Identity) Sign(payload []byte) string {
	return base64.RawURLEncoding.EncodeToString(ed25519.Sign(id.priv, payload))
}

// Verify checks a base64url signature against the device public key. Used
// in tests and preflight checks.
func (id *Identity) Verify(payload []byte, sig string) bool {
	raw, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	return ed25519.Verify(id.pub, payload, raw)
}
