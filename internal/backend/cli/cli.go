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

// Package cli executes tasks by shelling out to an agent CLI such as the
// claude or codex binaries.
package cli

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fluxkit/flux/internal/backend"
	internallog "github.com/fluxkit/flux/internal/log"
)

// termGrace is how long a process gets between SIGTERM and SIGKILL.
const termGrace = 5 * time.Second

// envWhitelist is the only inherited environment. Agent CLIs read their own
// credentials from disk; the task runner must not leak its secrets into
// child processes.
var envWhitelist = []string{"PATH", "HOME", "TMPDIR", "LANG", "TERM"}

// standardDirs are checked for the binary before falling back to PATH.
var standardDirs = []string{
	"~/.local/bin",
	"/usr/local/bin",
	"/opt/homebrew/bin",
}

// Config describes one CLI flavor.
type Config struct {
	// Name is the canonical backend id, e.g. "claude-cli".
	Name string
	// Binary is the bare binary name looked up on disk and PATH.
	Binary string
	// BinEnvVar, when set in the environment, overrides binary resolution
	// entirely.
	BinEnvVar string

	Logger *slog.Logger
}

// Backend runs an agent CLI as a subprocess per task.
type Backend struct {
	cfg    Config
	logger *slog.Logger
}

// NewClaude returns the claude-cli backend.
func NewClaude(logger *slog.Logger) *Backend {
	return New(Config{
		Name:      "claude-cli",
		Binary:    "claude",
		BinEnvVar: "FLUX_CLAUDE_BIN",
		Logger:    logger,
	})
}

// NewCodex returns the codex-cli backend.
func NewCodex(logger *slog.Logger) *Backend {
	return New(Config{
		Name:      "codex-cli",
		Binary:    "codex",
		BinEnvVar: "FLUX_CODEX_BIN",
		Logger:    logger,
	})
}

// New creates a CLI backend from an explicit config.
func New(cfg Config) *Backend {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Backend{
		cfg:    cfg,
		logger: internallog.WithComponent(cfg.Logger, cfg.Name),
	}
}

// ID returns the canonical backend id.
func (b *Backend) ID() string { return b.cfg.Name }

// CanExecute reports whether the binary is resolvable right now.
func (b *Backend) CanExecute(ctx context.Context) bool {
	_, err := b.resolveBinary()
	return err == nil
}

// Execute runs one task through the CLI and unwraps its output.
func (b *Backend) Execute(ctx context.Context, req backend.Request) (*backend.Result, error) {
	bin, err := b.resolveBinary()
	if err != nil {
		return &backend.Result{Status: backend.StatusFailed, Output: err.Error()}, nil
	}

	args := buildArgs(req)
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Env = childEnv(b.cfg.BinEnvVar)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = termGrace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	internallog.Trace(b.logger, "cli run finished",
		internallog.String(internallog.TaskIDKey, req.TaskID),
		internallog.Duration("duration", time.Since(start).Milliseconds()),
		internallog.Int("stdout_bytes", stdout.Len()),
		internallog.Int("stderr_bytes", stderr.Len()))

	if ctx.Err() != nil {
		status, msg := backend.CancelStatus(ctx, req.Timeout)
		return &backend.Result{Status: status, Output: msg}, nil
	}
	if runErr != nil {
		return &backend.Result{
			Status: backend.StatusFailed,
			Output: failureSummary(runErr, &stderr, &stdout),
		}, nil
	}
	tokens, cost := EnvelopeUsage(stdout.String())
	return &backend.Result{
		Status:     backend.StatusDone,
		Output:     UnwrapOutput(stdout.String()),
		TokensUsed: tokens,
		CostUSD:    cost,
	}, nil
}

// resolveBinary finds the CLI binary: env override, standard locations,
// then PATH.
func (b *Backend) resolveBinary() (string, error) {
	if b.cfg.BinEnvVar != "" {
		if override := os.Getenv(b.cfg.BinEnvVar); override != "" {
			if _, err := os.Stat(override); err != nil {
				return "", &exec.Error{Name: override, Err: err}
			}
			return override, nil
		}
	}
	for _, dir := range standardDirs {
		path := filepath.Join(expandHome(dir), b.cfg.Binary)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return exec.LookPath(b.cfg.Binary)
}

func expandHome(dir string) string {
	if !strings.HasPrefix(dir, "~/") {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return dir
	}
	return filepath.Join(home, dir[2:])
}

// childEnv builds the whitelisted environment, plus the bin override var so
// nested invocations resolve the same binary.
func childEnv(binEnvVar string) []string {
	keys := envWhitelist
	if binEnvVar != "" {
		keys = append(append([]string{}, envWhitelist...), binEnvVar)
	}
	var env []string
	for _, key := range keys {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}

// buildArgs assembles the non-interactive invocation.
func buildArgs(req backend.Request) []string {
	args := []string{"-p", req.Prompt, "--output-format", "json"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.AllowedTools, ","))
	}
	return args
}

// failureSummary condenses a failed run into one report line: the exec
// error plus the tail of stderr, falling back to stdout.
func failureSummary(runErr error, stderr, stdout *bytes.Buffer) string {
	msg := runErr.Error()
	if detail := tail(stderr.String(), 2000); detail != "" {
		return msg + ": " + detail
	}
	if detail := tail(stdout.String(), 2000); detail != "" {
		return msg + ": " + detail
	}
	return msg
}

func tail(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
