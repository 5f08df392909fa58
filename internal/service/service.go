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

// Package service installs the runner as a user-level OS service: a
// launchd agent on darwin, a systemd user unit on linux.
package service

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"text/template"
)

// Label identifies the service to the OS service manager.
const Label = "com.fluxkit.flux"

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>{{.Label}}</string>
	<key>ProgramArguments</key>
	<array>
		<string>{{.ExecPath}}</string>
		<string>daemon</string>
	</array>
	<key>RunAtLoad</key>
	<true/>
	<key>KeepAlive</key>
	<dict>
		<key>SuccessfulExit</key>
		<false/>
	</dict>
	<key>StandardOutPath</key>
	<string>{{.LogDir}}/flux.log</string>
	<key>StandardErrorPath</key>
	<string>{{.LogDir}}/flux.err.log</string>
</dict>
</plist>
`

const systemdTemplate = `[Unit]
Description=flux task runner
After=network-online.target

[Service]
ExecStart={{.ExecPath}} daemon
Restart=on-failure
RestartSec=5
StandardOutput=append:{{.LogDir}}/flux.log
StandardError=append:{{.LogDir}}/flux.err.log

[Install]
WantedBy=default.target
`

// Manager writes and removes the per-user service definition.
type Manager struct {
	// ExecPath is the absolute path of the flux binary.
	ExecPath string

	// HomeDir is the user home directory.
	HomeDir string

	// LogDir receives the service-managed stdout/stderr logs.
	LogDir string

	// GOOS overrides the platform, for tests. Empty means runtime.GOOS.
	GOOS string
}

func (m *Manager) goos() string {
	if m.GOOS != "" {
		return m.GOOS
	}
	return runtime.GOOS
}

// UnitPath returns where the service definition lives on this platform.
func (m *Manager) UnitPath() (string, error) {
	switch m.goos() {
	case "darwin":
		return filepath.Join(m.HomeDir, "Library", "LaunchAgents", Label+".plist"), nil
	case "linux":
		return filepath.Join(m.HomeDir, ".config", "systemd", "user", "flux.service"), nil
	default:
		return "", fmt.Errorf("service management is not supported on %s", m.goos())
	}
}

// Render produces the service definition for this platform.
func (m *Manager) Render() ([]byte, error) {
	var text string
	switch m.goos() {
	case "darwin":
		text = launchdTemplate
	case "linux":
		text = systemdTemplate
	default:
		return nil, fmt.Errorf("service management is not supported on %s", m.goos())
	}

	tmpl, err := template.New("unit").Parse(text)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	err = tmpl.Execute(&buf, struct {
		Label    string
		ExecPath string
		LogDir   string
	}{Label: Label, ExecPath: m.ExecPath, LogDir: m.LogDir})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Install writes the service definition and creates the log directory.
// Reinstalling over an existing definition is fine; the unit shape is
// fixed.
func (m *Manager) Install() (string, error) {
	path, err := m.UnitPath()
	if err != nil {
		return "", err
	}
	data, err := m.Render()
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(m.LogDir, 0o700); err != nil {
		return "", fmt.Errorf("create log directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create service directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write service definition: %w", err)
	}
	return path, nil
}

// Uninstall removes the service definition. A missing definition is not
// an error.
func (m *Manager) Uninstall() (string, error) {
	path, err := m.UnitPath()
	if err != nil {
		return "", err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return "", err
	}
	return path, nil
}

// Installed reports whether a service definition is present.
func (m *Manager) Installed() (bool, error) {
	path, err := m.UnitPath()
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// ActivateHint tells the operator how to start the installed service.
func (m *Manager) ActivateHint() string {
	switch m.goos() {
	case "darwin":
		path, _ := m.UnitPath()
		return "launchctl load " + path
	case "linux":
		return "systemctl --user enable --now flux.service"
	default:
		return ""
	}
}
