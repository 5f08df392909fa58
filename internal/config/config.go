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

// Package config loads and validates the runner configuration.
//
// Precedence (highest to lowest): CLI flags (applied by the caller), then
// environment variables, then the user config file at ~/.flux/config.json.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultRunnerType identifies this runner implementation to the coordinator.
	DefaultRunnerType = "flux-runner"

	// DefaultCadenceMinutes is the polling cadence when none is configured.
	DefaultCadenceMinutes = 5

	// DefaultPushReconnectMS is the push reconnect base delay when none is
	// configured.
	DefaultPushReconnectMS = 1000

	// MinPushReconnectMS is the lower bound on the reconnect base delay.
	MinPushReconnectMS = 250
)

// Filters restrict which tasks the runner lists and claims.
type Filters struct {
	StreamID  string `json:"streamId,omitempty"`
	Backend   string `json:"backend,omitempty"`
	CostClass string `json:"costClass,omitempty"`
}

// Gateway holds the optional gateway connection settings.
type Gateway struct {
	URL      string `json:"url,omitempty"`
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
	AgentID  string `json:"agentId,omitempty"`
}

// Config is the process-wide runner configuration. It is loaded once at
// startup and immutable thereafter.
type Config struct {
	// BaseURL is the coordinator base URL. Required.
	BaseURL string `json:"url"`

	// Token is the coordinator bearer token. Required.
	Token string `json:"token"`

	// OrgID is the organization identifier.
	OrgID string `json:"orgId,omitempty"`

	// CadenceMinutes is the polling cadence in minutes. Minimum 1.
	CadenceMinutes int `json:"cadenceMinutes,omitempty"`

	// PushReconnectMS is the push client reconnect base delay in
	// milliseconds. Minimum 250.
	PushReconnectMS int `json:"pushReconnectMs,omitempty"`

	// DefaultBackend is the backend used when a packet names none.
	DefaultBackend string `json:"defaultBackend,omitempty"`

	// Filters restrict task listing.
	Filters Filters `json:"filters,omitempty"`

	// Gateway holds optional gateway settings.
	Gateway Gateway `json:"gateway,omitempty"`

	// Derived at load time, never serialized.
	RunnerType       string `json:"-"`
	RunnerVersion    string `json:"-"`
	RunnerInstanceID string `json:"-"`
	MachineID        string `json:"-"`
}

// Dir returns the flux configuration directory (~/.flux), creating nothing.
func Dir() (string, error) {
	if dir := os.Getenv("FLUX_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".flux"), nil
}

// Path returns the config file path (~/.flux/config.json).
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// LogDir returns the directory used for service-managed runner logs.
func LogDir() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "logs"), nil
}

// Load reads the config file (if present), applies environment overrides,
// fills defaults, and derives per-process identity. It does not validate;
// callers apply flag overrides first and then call Validate.
func Load(version string) (*Config, error) {
	cfg := &Config{}

	path, err := Path()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		// No config file is fine; env or flags may carry everything.
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	cfg.RunnerType = DefaultRunnerType
	cfg.RunnerVersion = version
	cfg.RunnerInstanceID = uuid.New().String()
	if host, err := os.Hostname(); err == nil {
		cfg.MachineID = host
	} else {
		cfg.MachineID = "unknown"
	}

	return cfg, nil
}

// applyEnv overlays environment variables onto the config.
func (c *Config) applyEnv() {
	setString(&c.BaseURL, "FLUX_URL")
	setString(&c.Token, "FLUX_TOKEN")
	setString(&c.OrgID, "FLUX_ORG")
	setInt(&c.CadenceMinutes, "FLUX_CADENCE_MINUTES")
	setInt(&c.PushReconnectMS, "FLUX_PUSH_RECONNECT_MS")
	setString(&c.DefaultBackend, "FLUX_DEFAULT_BACKEND")
	setString(&c.Filters.StreamID, "FLUX_FILTER_STREAM")
	setString(&c.Filters.Backend, "FLUX_FILTER_BACKEND")
	setString(&c.Filters.CostClass, "FLUX_FILTER_COST_CLASS")
	setString(&c.Gateway.URL, "FLUX_GATEWAY_URL")
	setString(&c.Gateway.Token, "FLUX_GATEWAY_TOKEN")
	setString(&c.Gateway.Password, "FLUX_GATEWAY_PASSWORD")
	setString(&c.Gateway.AgentID, "FLUX_GATEWAY_AGENT")
}

func (c *Config) applyDefaults() {
	if c.CadenceMinutes == 0 {
		c.CadenceMinutes = DefaultCadenceMinutes
	}
	if c.PushReconnectMS == 0 {
		c.PushReconnectMS = DefaultPushReconnectMS
	}
}

// Validate enforces the configuration invariants.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("coordinator URL is required (set url in config, FLUX_URL, or --url)")
	}
	if c.Token == "" {
		return errors.New("bearer token is required (set token in config, FLUX_TOKEN, or --token)")
	}
	if c.CadenceMinutes < 1 {
		return fmt.Errorf("cadence must be at least 1 minute, got %d", c.CadenceMinutes)
	}
	if c.PushReconnectMS < MinPushReconnectMS {
		return fmt.Errorf("push reconnect delay must be at least %dms, got %d", MinPushReconnectMS, c.PushReconnectMS)
	}
	return nil
}

// Cadence returns the polling cadence as a duration.
func (c *Config) Cadence() time.Duration {
	return time.Duration(c.CadenceMinutes) * time.Minute
}

// PushReconnectBase returns the reconnect base delay as a duration.
func (c *Config) PushReconnectBase() time.Duration {
	return time.Duration(c.PushReconnectMS) * time.Millisecond
}

// Save writes the config file with owner-only permissions, creating the
// config directory if needed.
func Save(c *Config) error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	path := filepath.Join(dir, "config.json")

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	data = append(data, '\n')

	// Write via a temp file so a crash never leaves a partial config.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
