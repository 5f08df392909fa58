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
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	internallog "github.com/fluxkit/flux/internal/log"
)

const providersFile = "providers.json"

// Credentials hold authentication for one API-based provider.
type Credentials struct {
	// APIKey is the bearer credential for the provider's API.
	APIKey string `json:"apiKey,omitempty"`

	// BaseURL optionally overrides the API endpoint, e.g. to point the
	// OpenAI provider at a local inference server.
	BaseURL string `json:"baseUrl,omitempty"`
}

// Redacted returns a safe-to-log rendering of the credentials.
func (c Credentials) Redacted() string {
	masked := internallog.SanitizeAPIKey(c.APIKey)
	if c.BaseURL != "" {
		return fmt.Sprintf("APIKey: %s, BaseURL: %s", masked, c.BaseURL)
	}
	return fmt.Sprintf("APIKey: %s", masked)
}

// envKeyVars maps provider names to their conventional environment
// variables.
var envKeyVars = map[string][2]string{
	"anthropic": {"ANTHROPIC_API_KEY", "ANTHROPIC_BASE_URL"},
	"openai":    {"OPENAI_API_KEY", "OPENAI_BASE_URL"},
}

// ResolveCredentials finds credentials for a provider: environment
// variables first, then the providers file under dir. A missing file is
// not an error; empty credentials are returned and the provider decides
// whether it can proceed without them.
func ResolveCredentials(dir, provider string) (*Credentials, error) {
	creds := &Credentials{}

	if vars, ok := envKeyVars[strings.ToLower(provider)]; ok {
		creds.APIKey = os.Getenv(vars[0])
		creds.BaseURL = os.Getenv(vars[1])
	}
	if creds.APIKey != "" {
		return creds, nil
	}

	path := filepath.Join(dir, providersFile)
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return creds, nil
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	stored := map[string]Credentials{}
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if entry, ok := stored[strings.ToLower(provider)]; ok {
		if creds.APIKey == "" {
			creds.APIKey = entry.APIKey
		}
		if creds.BaseURL == "" {
			creds.BaseURL = entry.BaseURL
		}
	}
	return creds, nil
}

// RequiresAPIKey reports whether the provider needs an API key to be
// usable. Bedrock authenticates through the AWS credential chain, and a
// loopback base URL implies a local server that accepts anonymous calls.
func RequiresAPIKey(provider, baseURL string) bool {
	if strings.ToLower(provider) == "bedrock" {
		return false
	}
	return !IsLoopback(baseURL)
}

// IsLoopback reports whether baseURL points at the local host. The
// unspecified address counts: servers bound to 0.0.0.0 are routinely
// dialed by that literal.
func IsLoopback(baseURL string) bool {
	if baseURL == "" {
		return false
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}
