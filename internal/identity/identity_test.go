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
	"encoding/hex"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadGeneratesAndPersists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "flux")

	id, err := Load(dir)
	require.NoError(t, err)

	assert.Len(t, id.DeviceID, hex.EncodedLen(32), "device id is a sha256 hex digest")
	assert.Contains(t, id.PublicKeyPEM, "PUBLIC KEY")
	assert.Contains(t, id.PrivateKeyPEM, "PRIVATE KEY")

	// Stable across reloads.
	again, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, id.DeviceID, again.DeviceID)
	assert.Equal(t, id.PrivateKeyPEM, again.PrivateKeyPEM)
}

func TestLoadFilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}
	dir := filepath.Join(t.TempDir(), "flux")
	_, err := Load(dir)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, "device.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	dirInfo, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), dirInfo.Mode().Perm())
}

func TestSignVerifyRoundTrip(t *testing.T) {
	id, err := Load(t.TempDir())
	require.NoError(t, err)

	payload := []byte("v1|device|client|operator|op|123|tok")
	sig := id.Sign(payload)
	assert.True(t, id.Verify(payload, sig))
	assert.False(t, id.Verify([]byte("tampered"), sig))
	assert.False(t, id.Verify(payload, "not-base64!!!"))
}

func TestLoadRejectsTamperedDeviceID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "flux")
	id, err := Load(dir)
	require.NoError(t, err)

	path := filepath.Join(dir, "device.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// Swap the stored device id for a different hex string of equal length.
	bogus := make([]byte, len(id.DeviceID))
	for i := range bogus {
		bogus[i] = 'f'
	}
	tampered := strings.Replace(string(data), id.DeviceID, string(bogus), 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o600))

	_, err = Load(dir)
	assert.ErrorContains(t, err, "does not match")
}

func TestTokenStoreRoundTrip(t *testing.T) {
	store := NewTokenStore(t.TempDir())

	assert.Nil(t, store.Get("dev1", "operator"))

	require.NoError(t, store.Put("dev1", "operator", "tok1", []string{"agent"}))
	tok := store.Get("dev1", "operator")
	require.NotNil(t, tok)
	assert.Equal(t, "tok1", tok.Token)
	assert.Equal(t, []string{"agent"}, tok.Scopes)
	assert.Positive(t, tok.UpdatedAtMS)

	// Most recent handshake wins.
	require.NoError(t, store.Put("dev1", "operator", "tok2", nil))
	assert.Equal(t, "tok2", store.Get("dev1", "operator").Token)

	// Distinct roles are distinct keys.
	require.NoError(t, store.Put("dev1", "viewer", "tok3", nil))
	assert.Equal(t, "tok2", store.Get("dev1", "operator").Token)
	assert.Equal(t, "tok3", store.Get("dev1", "viewer").Token)

	require.NoError(t, store.Clear("dev1", "operator"))
	assert.Nil(t, store.Get("dev1", "operator"))
	assert.NotNil(t, store.Get("dev1", "viewer"))
}

func TestTokenStoreCorruptFileStartsFresh(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "device-tokens.json"), []byte("{bad"), 0o600))

	store := NewTokenStore(dir)
	assert.Nil(t, store.Get("dev1", "operator"))
	require.NoError(t, store.Put("dev1", "operator", "tok", nil))
	assert.Equal(t, "tok", store.Get("dev1", "operator").Token)
}
