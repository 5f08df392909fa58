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

package llm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveCredentialsFromEnv(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-env")
	t.Setenv("ANTHROPIC_BASE_URL", "")

	creds, err := ResolveCredentials(t.TempDir(), "anthropic")
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-env", creds.APIKey)
}

func TestResolveCredentialsFromFile(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OPENAI_BASE_URL", "")

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "providers.json"), []byte(`{
		"openai": {"apiKey": "sk-file", "baseUrl": "http://localhost:11434/v1"}
	}`), 0o600))

	creds, err := ResolveCredentials(dir, "openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-file", creds.APIKey)
	assert.Equal(t, "http://localhost:11434/v1", creds.BaseURL)
}

func TestResolveCredentialsEnvWinsOverFile(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("OPENAI_BASE_URL", "")

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "providers.json"), []byte(`{
		"openai": {"apiKey": "sk-file"}
	}`), 0o600))

	creds, err := ResolveCredentials(dir, "openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-env", creds.APIKey)
}

func TestResolveCredentialsMissingFileIsEmpty(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("ANTHROPIC_BASE_URL", "")

	creds, err := ResolveCredentials(t.TempDir(), "anthropic")
	require.NoError(t, err)
	assert.Empty(t, creds.APIKey)
}

func TestResolveCredentialsCorruptFile(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "providers.json"), []byte("{bad"), 0o600))

	_, err := ResolveCredentials(dir, "anthropic")
	assert.Error(t, err)
}

func TestRequiresAPIKey(t *testing.T) {
	assert.False(t, RequiresAPIKey("bedrock", ""))
	assert.False(t, RequiresAPIKey("openai", "http://localhost:11434/v1"))
	assert.False(t, RequiresAPIKey("openai", "http://127.0.0.1:8080"))
	assert.False(t, RequiresAPIKey("openai", "http://0.0.0.0:11434/v1"))
	assert.False(t, RequiresAPIKey("anthropic", "http://localhost:8080"))
	assert.True(t, RequiresAPIKey("openai", ""))
	assert.True(t, RequiresAPIKey("openai", "https://api.openai.com/v1"))
	assert.True(t, RequiresAPIKey("anthropic", ""))
}

func TestIsLoopback(t *testing.T) {
	assert.True(t, IsLoopback("http://localhost:1234"))
	assert.True(t, IsLoopback("http://127.0.0.1:1234/v1"))
	assert.True(t, IsLoopback("http://[::1]:8080"))
	assert.True(t, IsLoopback("http://0.0.0.0:11434"))
	assert.True(t, IsLoopback("http://[::]:8080"))
	assert.False(t, IsLoopback("https://api.openai.com"))
	assert.False(t, IsLoopback("http://10.0.0.7:11434"))
	assert.False(t, IsLoopback(""))
	assert.False(t, IsLoopback("not a url"))
}

func TestRedacted(t *testing.T) {
	c := Credentials{APIKey: "sk-verysecret1234"}
	assert.NotContains(t, c.Redacted(), "verysecret")
	assert.Contains(t, c.Redacted(), "1234")

	c.BaseURL = "http://localhost:1"
	assert.Contains(t, c.Redacted(), "localhost")
}
