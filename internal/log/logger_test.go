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

package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != "info" {
		t.Errorf("expected default level 'info', got %q", cfg.Level)
	}
	if cfg.Format != FormatJSON {
		t.Errorf("expected default format 'json', got %q", cfg.Format)
	}
	if cfg.Output != os.Stderr {
		t.Errorf("expected default output to be os.Stderr")
	}
	if cfg.AddSource {
		t.Errorf("expected default AddSource to be false")
	}
}

func TestFromEnv(t *testing.T) {
	tests := []struct {
		name      string
		envVars   map[string]string
		wantLevel string
		wantSrc   bool
	}{
		{
			name:      "defaults when no env vars",
			envVars:   map[string]string{},
			wantLevel: "info",
		},
		{
			name:      "LOG_LEVEL=debug",
			envVars:   map[string]string{"LOG_LEVEL": "debug"},
			wantLevel: "debug",
		},
		{
			name:      "FLUX_LOG_LEVEL takes precedence over LOG_LEVEL",
			envVars:   map[string]string{"FLUX_LOG_LEVEL": "warn", "LOG_LEVEL": "debug"},
			wantLevel: "warn",
		},
		{
			name:      "FLUX_DEBUG enables debug and source",
			envVars:   map[string]string{"FLUX_DEBUG": "1", "FLUX_LOG_LEVEL": "error"},
			wantLevel: "debug",
			wantSrc:   true,
		},
		{
			name:      "level is lowercased",
			envVars:   map[string]string{"LOG_LEVEL": "TRACE"},
			wantLevel: "trace",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			cfg := FromEnv()
			if cfg.Level != tt.wantLevel {
				t.Errorf("expected level %q, got %q", tt.wantLevel, cfg.Level)
			}
			if cfg.AddSource != tt.wantSrc {
				t.Errorf("expected AddSource=%v, got %v", tt.wantSrc, cfg.AddSource)
			}
		})
	}
}

func TestNewJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	logger.Info("task claimed", slog.String(TaskIDKey, "T1"))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["msg"] != "task claimed" {
		t.Errorf("expected msg 'task claimed', got %v", entry["msg"])
	}
	if entry[TaskIDKey] != "T1" {
		t.Errorf("expected %s=T1, got %v", TaskIDKey, entry[TaskIDKey])
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"trace", LevelTrace},
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestTraceLevelFiltered(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	Trace(logger, "wire frame", slog.String("dir", "recv"))
	if buf.Len() != 0 {
		t.Errorf("expected trace message to be filtered at info level, got %q", buf.String())
	}

	buf.Reset()
	logger = New(&Config{Level: "trace", Format: FormatJSON, Output: &buf})
	Trace(logger, "wire frame")
	if !strings.Contains(buf.String(), "wire frame") {
		t.Errorf("expected trace message at trace level, got %q", buf.String())
	}
}

func TestSanitizeAPIKey(t *testing.T) {
	if got := SanitizeAPIKey("abc"); got != "[REDACTED]" {
		t.Errorf("short key: got %q", got)
	}
	if got := SanitizeAPIKey("sk-verysecretkey1234"); got != "...1234" {
		t.Errorf("long key: got %q", got)
	}
}

func TestWithTaskContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	WithTaskContext(logger, "T9", "S9").Info("heartbeat")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry[TaskIDKey] != "T9" || entry[SessionIDKey] != "S9" {
		t.Errorf("missing task context fields: %v", entry)
	}
}
