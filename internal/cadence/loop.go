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

// Package cadence runs the periodic drainer that pulls ready tasks from
// the coordinator and hands them to the executor.
package cadence

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	internallog "github.com/fluxkit/flux/internal/log"
	"github.com/fluxkit/flux/internal/task"
	"github.com/fluxkit/flux/internal/wire"
)

// minInterval is the floor on the poll cadence.
const minInterval = time.Second

// Lister pages ready tasks from the coordinator.
type Lister interface {
	ListTasks(ctx context.Context, params wire.ListTasksParams) (*wire.TaskPage, error)
}

// Runner executes one listed task end to end.
type Runner interface {
	Run(ctx context.Context, taskID string, listed json.RawMessage) error
}

// Config configures a Loop.
type Config struct {
	Lister   Lister
	Runner   Runner
	Dispatch *task.DispatchContext

	// Interval is the poll cadence, floored at one second.
	Interval time.Duration

	// Limit is the page size for task listings. Zero means no work is
	// pulled; the loop still ticks so a config reload can take effect.
	Limit int

	// Filters narrow the task listing.
	Filters wire.TaskFilters

	Logger *slog.Logger

	// OnError observes drain failures. The loop keeps running regardless.
	OnError func(error)
}

// Loop is the cadence drainer. Drains fire on startup, on the periodic
// tick, and on TriggerNow; a trigger landing mid-drain schedules exactly
// one follow-up drain instead of overlapping.
type Loop struct {
	cfg    Config
	logger *slog.Logger

	mu             sync.Mutex
	dispatching    bool
	pendingRecheck bool
	nextPoll       time.Duration

	wake chan struct{}
}

// New creates a cadence loop.
func New(cfg Config) *Loop {
	if cfg.Interval < minInterval {
		cfg.Interval = minInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loop{
		cfg:    cfg,
		logger: internallog.WithComponent(cfg.Logger, "cadence"),
		wake:   make(chan struct{}, 1),
	}
}

// TriggerNow requests an immediate drain. Safe from any goroutine; used
// by the push client on task.available.
func (l *Loop) TriggerNow() {
	l.mu.Lock()
	if l.dispatching {
		l.pendingRecheck = true
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run drains once immediately, then on every tick or trigger until ctx
// ends.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	l.drainCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-l.wake:
		}
		l.drainCycle(ctx)
		ticker.Reset(l.interval())
	}
}

// interval is the current poll cadence, honoring the coordinator's
// nextPollSeconds hint when one was given.
func (l *Loop) interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.nextPoll >= minInterval {
		return l.nextPoll
	}
	return l.cfg.Interval
}

// drainCycle runs drains back to back until no recheck is pending.
func (l *Loop) drainCycle(ctx context.Context) {
	l.mu.Lock()
	l.dispatching = true
	l.mu.Unlock()

	for {
		if err := l.drain(ctx); err != nil && ctx.Err() == nil {
			l.logger.Warn("drain failed", internallog.Error(err))
			if l.cfg.OnError != nil {
				l.cfg.OnError(err)
			}
		}

		l.mu.Lock()
		again := l.pendingRecheck && ctx.Err() == nil
		l.pendingRecheck = false
		if !again {
			l.dispatching = false
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()
	}
}

// drain pages ready tasks and dispatches them sequentially. Paging stops
// at the first short page so the claim races of one page settle before
// the next is pulled.
func (l *Loop) drain(ctx context.Context) error {
	if l.cfg.Limit <= 0 {
		return nil
	}

	for {
		page, err := l.cfg.Lister.ListTasks(ctx, wire.ListTasksParams{
			Status:  "todo",
			Limit:   l.cfg.Limit,
			Mode:    "compact",
			Format:  "packet",
			Filters: l.cfg.Filters,
		})
		if err != nil {
			return err
		}

		l.mu.Lock()
		l.nextPoll = time.Duration(page.NextPollSeconds) * time.Second
		l.mu.Unlock()

		for _, raw := range page.Tasks {
			packet, err := task.ParsePacket(raw)
			if err != nil {
				internallog.Trace(l.logger, "skipping unparseable listing entry",
					internallog.Error(err))
				continue
			}
			if l.cfg.Dispatch.IsBusy(packet.TaskID) {
				continue
			}
			if err := l.cfg.Runner.Run(ctx, packet.TaskID, raw); err != nil {
				l.logger.Warn("dispatch failed",
					internallog.String(internallog.TaskIDKey, packet.TaskID),
					internallog.Error(err))
				if l.cfg.OnError != nil {
					l.cfg.OnError(err)
				}
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		if len(page.Tasks) < l.cfg.Limit {
			return nil
		}
	}
}
