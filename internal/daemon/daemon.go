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

// Package daemon wires the runner together: coordinator client, backend
// registry, cadence loop, push client, and shutdown handling.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fluxkit/flux/internal/backend"
	backendcli "github.com/fluxkit/flux/internal/backend/cli"
	backendgw "github.com/fluxkit/flux/internal/backend/gateway"
	backendmodel "github.com/fluxkit/flux/internal/backend/model"
	"github.com/fluxkit/flux/internal/cadence"
	"github.com/fluxkit/flux/internal/config"
	"github.com/fluxkit/flux/internal/featureflags"
	"github.com/fluxkit/flux/internal/gateway"
	"github.com/fluxkit/flux/internal/identity"
	internallog "github.com/fluxkit/flux/internal/log"
	"github.com/fluxkit/flux/internal/push"
	"github.com/fluxkit/flux/internal/task"
	"github.com/fluxkit/flux/internal/wire"
)

const (
	// defaultHeartbeat is the heartbeat cadence, floored by the executor's
	// minimum.
	defaultHeartbeat = 30 * time.Second

	// defaultListLimit is the page size for cadence drains.
	defaultListLimit = 10

	// shutdownGrace bounds how long shutdown waits for in-flight tasks to
	// report their cancellation.
	shutdownGrace = 30 * time.Second
)

// Options carry process-level inputs into the supervisor.
type Options struct {
	Version string
	Logger  *slog.Logger
}

// Run starts the runner and blocks until SIGINT/SIGTERM or a startup
// failure. cfg must already be validated.
func Run(ctx context.Context, cfg *config.Config, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = internallog.WithComponent(logger, "daemon")

	client := wire.New(cfg.BaseURL, cfg.Token,
		wire.WithLogger(logger),
		wire.WithIdentity(wire.Identity{
			RunnerType:       cfg.RunnerType,
			RunnerVersion:    cfg.RunnerVersion,
			MachineID:        cfg.MachineID,
			RunnerInstanceID: cfg.RunnerInstanceID,
			OrgID:            cfg.OrgID,
		}))

	who, err := client.WhoAmI(ctx)
	if err != nil {
		return fmt.Errorf("verify credentials: %w", err)
	}
	logger.Info("authenticated",
		internallog.String("agent", who.Agent.Slug),
		internallog.String("server_version", who.Server.Version))

	hs, err := client.Handshake(ctx, cfg.DefaultBackend)
	if err != nil {
		return fmt.Errorf("coordinator handshake: %w", err)
	}

	registry, cleanup, err := buildBackends(cfg, featureflags.Get(), logger)
	if err != nil {
		return err
	}
	defer cleanup()

	usable := registry.Usable(ctx)
	if len(usable) == 0 {
		return errors.New("no usable backend: install a CLI, configure model credentials, or enable the gateway")
	}
	logger.Info("backends ready", slog.Any("usable", usable))

	dispatch := task.NewDispatchContext()
	executor := task.NewExecutor(task.ExecutorConfig{
		Coordinator:       client,
		Backends:          registry,
		Dispatch:          dispatch,
		DefaultBackend:    cfg.DefaultBackend,
		HeartbeatInterval: task.EffectiveHeartbeat(defaultHeartbeat),
		Logger:            logger,
		OnOutcome:         outcomeRecorder(featureflags.Get()),
	})

	loop := cadence.New(cadence.Config{
		Lister:   client,
		Runner:   executor,
		Dispatch: dispatch,
		Interval: cfg.Cadence(),
		Limit:    defaultListLimit,
		Filters: wire.TaskFilters{
			StreamID:  cfg.Filters.StreamID,
			Backend:   cfg.Filters.Backend,
			CostClass: cfg.Filters.CostClass,
		},
		Logger:  logger,
		OnError: func(error) { drainErrors.Inc() },
	})

	pusher := buildPush(cfg, hs, client, loop, logger)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	client.Hello(runCtx)

	var wg sync.WaitGroup
	if addr := os.Getenv("FLUX_METRICS_ADDR"); addr != "" && featureflags.Get().IsMetricsEnabled() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveMetrics(runCtx, addr, logger)
		}()
	}
	if pusher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pusher.Run(runCtx)
		}()
	}

	err = loop.Run(runCtx)

	logger.Info("shutting down")
	if pusher != nil {
		pusher.Stop()
	}
	dispatch.CancelAll(backend.ErrShutdown)

	waitCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if !dispatch.Wait(waitCtx) {
		logger.Warn("active tasks did not settle within the shutdown grace window")
	}

	discCtx, cancelDisc := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelDisc()
	client.Disconnect(discCtx)
	wg.Wait()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// buildBackends registers every enabled backend. Feature flags gate each
// family; the gateway additionally needs a configured URL and a loadable
// device identity. The returned cleanup closes shared connections.
func buildBackends(cfg *config.Config, flags *featureflags.Flags, logger *slog.Logger) (*backend.Registry, func(), error) {
	registry := backend.NewRegistry()
	cleanup := func() {}

	if flags.IsCLIBackendsEnabled() {
		registry.Register(backendcli.NewClaude(logger))
		registry.Register(backendcli.NewCodex(logger))
	}

	dir, err := config.Dir()
	if err != nil {
		return nil, nil, err
	}

	if flags.IsLocalModelEnabled() {
		registry.Register(backendmodel.New(backendmodel.Config{
			ConfigDir: dir,
			Logger:    logger,
		}))
	}

	if flags.IsGatewayEnabled() && cfg.Gateway.URL != "" {
		id, err := identity.Load(dir)
		if err != nil {
			return nil, nil, fmt.Errorf("load device identity: %w", err)
		}
		shared := cfg.Gateway.Token
		if shared == "" {
			shared = cfg.Gateway.Password
		}
		gwClient := gateway.NewClient(gateway.Config{
			URL:         cfg.Gateway.URL,
			Identity:    id,
			Tokens:      identity.NewTokenStore(dir),
			ClientID:    cfg.RunnerInstanceID,
			Mode:        "backend",
			SharedToken: shared,
			Logger:      logger,
		})
		registry.Register(backendgw.New(backendgw.Config{
			Client:  gwClient,
			OrgID:   cfg.OrgID,
			AgentID: cfg.Gateway.AgentID,
			Logger:  logger,
		}))
		cleanup = func() { _ = gwClient.Close() }
	}

	return registry, cleanup, nil
}

// buildPush creates the push client when the handshake asked for websocket
// delivery. Notifications only nudge the cadence loop; the listing remains
// the source of truth.
func buildPush(cfg *config.Config, hs *wire.HandshakeResponse, client *wire.Client, loop *cadence.Loop, logger *slog.Logger) *push.Client {
	wsURL, ok := pushURL(hs)
	if !ok {
		logger.Info("push disabled, polling only")
		return nil
	}

	filters := wire.TaskFilters{
		StreamID:  cfg.Filters.StreamID,
		Backend:   cfg.Filters.Backend,
		CostClass: cfg.Filters.CostClass,
	}
	return push.NewClient(push.Config{
		URL: wsURL,
		Mint: func(ctx context.Context) (string, error) {
			return client.MintPushTicket(ctx, wsURL, filters)
		},
		OnTask: func(json.RawMessage) {
			tasksPushed.Inc()
			loop.TriggerNow()
		},
		ReconnectBase: cfg.PushReconnectBase(),
		Logger:        logger,
	})
}

// pushURL extracts the websocket URL from the handshake, if the
// coordinator wants websocket delivery at all.
func pushURL(hs *wire.HandshakeResponse) (string, bool) {
	if hs == nil || hs.Config == nil || hs.Config.Push == nil {
		return "", false
	}
	p := hs.Config.Push
	if p.Mode != "websocket" || p.WSURL == nil || *p.WSURL == "" {
		return "", false
	}
	return *p.WSURL, true
}

// outcomeRecorder returns the executor metrics hook, or nil when metrics
// are disabled.
func outcomeRecorder(flags *featureflags.Flags) func(string, wire.CompletionStatus, time.Duration) {
	if !flags.IsMetricsEnabled() {
		return nil
	}
	return func(backendID string, status wire.CompletionStatus, d time.Duration) {
		taskOutcomes.WithLabelValues(backendID, string(status)).Inc()
		taskDuration.WithLabelValues(backendID).Observe(d.Seconds())
	}
}
