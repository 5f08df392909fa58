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

package backend

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Normalize folds known backend aliases, case-insensitively.
func Normalize(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "claude", "claude-code", "claude-cli":
		return "claude-cli"
	case "codex", "codex-cli":
		return "codex-cli"
	case "pi":
		return "pi"
	default:
		return strings.ToLower(strings.TrimSpace(name))
	}
}

// Registry holds the registered execution backends, keyed by canonical id.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: map[string]Backend{}}
}

// Register adds a backend under its canonical id. Re-registering an id
// replaces the previous backend.
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[Normalize(b.ID())] = b
}

// Resolve returns the backend for name, folding aliases first.
func (r *Registry) Resolve(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id := Normalize(name)
	b, ok := r.backends[id]
	if !ok {
		return nil, fmt.Errorf("no backend registered for %q", id)
	}
	return b, nil
}

// IDs returns the canonical ids of all registered backends, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.backends))
	for id := range r.backends {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len reports how many backends are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.backends)
}

// Usable returns the ids of backends whose CanExecute currently reports
// true. Used at startup to decide whether the daemon can do any work.
func (r *Registry) Usable(ctx context.Context) []string {
	r.mu.RLock()
	backends := make([]Backend, 0, len(r.backends))
	for _, b := range r.backends {
		backends = append(backends, b)
	}
	r.mu.RUnlock()

	var ids []string
	for _, b := range backends {
		if b.CanExecute(ctx) {
			ids = append(ids, Normalize(b.ID()))
		}
	}
	sort.Strings(ids)
	return ids
}
