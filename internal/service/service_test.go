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

package service

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T, goos string) *Manager {
	t.Helper()
	home := t.TempDir()
	return &Manager{
		ExecPath: "/usr/local/bin/flux",
		HomeDir:  home,
		LogDir:   filepath.Join(home, ".flux", "logs"),
		GOOS:     goos,
	}
}

func TestRenderLaunchd(t *testing.T) {
	m := newManager(t, "darwin")
	data, err := m.Render()
	require.NoError(t, err)

	text := string(data)
	assert.Contains(t, text, "<string>"+Label+"</string>")
	assert.Contains(t, text, "<string>/usr/local/bin/flux</string>")
	assert.Contains(t, text, "<string>daemon</string>")
	assert.Contains(t, text, m.LogDir+"/flux.log")
}

func TestRenderSystemd(t *testing.T) {
	m := newManager(t, "linux")
	data, err := m.Render()
	require.NoError(t, err)

	text := string(data)
	assert.Contains(t, text, "ExecStart=/usr/local/bin/flux daemon")
	assert.Contains(t, text, "append:"+m.LogDir+"/flux.log")
	assert.Contains(t, text, "WantedBy=default.target")
}

func TestUnitPathPerPlatform(t *testing.T) {
	m := newManager(t, "darwin")
	path, err := m.UnitPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(m.HomeDir, "Library", "LaunchAgents", Label+".plist"), path)

	m.GOOS = "linux"
	path, err = m.UnitPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(m.HomeDir, ".config", "systemd", "user", "flux.service"), path)

	m.GOOS = "windows"
	_, err = m.UnitPath()
	assert.Error(t, err)
}

func TestInstallIsIdempotent(t *testing.T) {
	m := newManager(t, "linux")

	path, err := m.Install()
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.DirExists(t, m.LogDir)

	installed, err := m.Installed()
	require.NoError(t, err)
	assert.True(t, installed)

	// Reinstall overwrites without error.
	path2, err := m.Install()
	require.NoError(t, err)
	assert.Equal(t, path, path2)
}

func TestUninstall(t *testing.T) {
	m := newManager(t, "linux")
	path, err := m.Install()
	require.NoError(t, err)

	_, err = m.Uninstall()
	require.NoError(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))

	// Uninstalling again is fine.
	_, err = m.Uninstall()
	require.NoError(t, err)

	installed, err := m.Installed()
	require.NoError(t, err)
	assert.False(t, installed)
}
