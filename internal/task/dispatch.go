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

package task

import (
	"context"
	"sync"
)

// DispatchContext tracks the tasks currently in flight on this runner. The
// cadence loop consults it to skip busy ids, and shutdown uses it to cancel
// and drain.
type DispatchContext struct {
	mu     sync.Mutex
	active map[string]context.CancelCauseFunc
	wg     sync.WaitGroup
}

// NewDispatchContext creates an empty dispatch context.
func NewDispatchContext() *DispatchContext {
	return &DispatchContext{active: map[string]context.CancelCauseFunc{}}
}

// TryBegin marks taskID in flight. It returns false when the task is
// already running, in which case the caller must not dispatch it again.
func (d *DispatchContext) TryBegin(taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.active[taskID]; busy {
		return false
	}
	d.active[taskID] = nil
	d.wg.Add(1)
	return true
}

// SetCancel attaches the per-task cancel function once execution has a
// context. CancelAll invokes it on shutdown.
func (d *DispatchContext) SetCancel(taskID string, cancel context.CancelCauseFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.active[taskID]; busy {
		d.active[taskID] = cancel
	}
}

// Finish releases taskID. Must be called exactly once per successful
// TryBegin, regardless of outcome.
func (d *DispatchContext) Finish(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.active[taskID]; !ok {
		return
	}
	delete(d.active, taskID)
	d.wg.Done()
}

// IsBusy reports whether taskID is currently in flight.
func (d *DispatchContext) IsBusy(taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, busy := d.active[taskID]
	return busy
}

// ActiveCount reports how many tasks are in flight.
func (d *DispatchContext) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// CancelAll cancels every in-flight task with the given cause.
func (d *DispatchContext) CancelAll(cause error) {
	d.mu.Lock()
	cancels := make([]context.CancelCauseFunc, 0, len(d.active))
	for _, cancel := range d.active {
		if cancel != nil {
			cancels = append(cancels, cancel)
		}
	}
	d.mu.Unlock()

	for _, cancel := range cancels {
		cancel(cause)
	}
}

// Wait blocks until every in-flight task has finished or ctx expires.
// Returns true when fully drained.
func (d *DispatchContext) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
