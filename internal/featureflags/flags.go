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

// Package featureflags provides runtime feature flag management for the
// flux runner.
package featureflags

import (
	"os"
	"strconv"
	"strings"
	"sync"
)

// Flags holds all feature flags with thread-safe access.
type Flags struct {
	mu sync.RWMutex

	// Backend gates
	CLIBackendsEnabled bool
	GatewayEnabled     bool
	LocalModelEnabled  bool
	MetricsEnabled     bool
}

var (
	// globalFlags is the singleton instance of feature flags
	globalFlags *Flags
	once        sync.Once
)

// Get returns the global feature flags instance.
func Get() *Flags {
	once.Do(func() {
		globalFlags = &Flags{
			// All backends enabled by default
			CLIBackendsEnabled: true,
			GatewayEnabled:     true,
			LocalModelEnabled:  true,
			MetricsEnabled:     true,
		}
		globalFlags.loadFromEnv()
	})
	return globalFlags
}

// loadFromEnv loads feature flags from environment variables.
// Environment variables override default values.
func (f *Flags) loadFromEnv() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if val := os.Getenv("FLUX_ENABLE_CLI_BACKENDS"); val != "" {
		f.CLIBackendsEnabled = parseBool(val)
	}
	if val := os.Getenv("FLUX_ENABLE_GATEWAY"); val != "" {
		f.GatewayEnabled = parseBool(val)
	}
	if val := os.Getenv("FLUX_ENABLE_MODEL"); val != "" {
		f.LocalModelEnabled = parseBool(val)
	}
	if val := os.Getenv("FLUX_ENABLE_METRICS"); val != "" {
		f.MetricsEnabled = parseBool(val)
	}
}

// IsCLIBackendsEnabled returns whether subprocess CLI backends may register.
func (f *Flags) IsCLIBackendsEnabled() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.CLIBackendsEnabled
}

// IsGatewayEnabled returns whether the gateway backend may register.
func (f *Flags) IsGatewayEnabled() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.GatewayEnabled
}

// IsLocalModelEnabled returns whether the in-process model backend may register.
func (f *Flags) IsLocalModelEnabled() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.LocalModelEnabled
}

// IsMetricsEnabled returns whether the Prometheus listener is enabled.
func (f *Flags) IsMetricsEnabled() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.MetricsEnabled
}

// SetCLIBackendsEnabled sets the CLI backends gate (for testing).
func (f *Flags) SetCLIBackendsEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CLIBackendsEnabled = enabled
}

// SetGatewayEnabled sets the gateway gate (for testing).
func (f *Flags) SetGatewayEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.GatewayEnabled = enabled
}

// SetLocalModelEnabled sets the local model gate (for testing).
func (f *Flags) SetLocalModelEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LocalModelEnabled = enabled
}

// parseBool converts a string to a boolean value.
// Accepts: "1", "t", "T", "true", "TRUE", "True"
func parseBool(val string) bool {
	val = strings.TrimSpace(val)
	if b, err := strconv.ParseBool(val); err == nil {
		return b
	}
	return false
}
