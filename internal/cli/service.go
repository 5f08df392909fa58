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

package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fluxkit/flux/internal/config"
	"github.com/fluxkit/flux/internal/service"
)

func newServiceManager() (*service.Manager, error) {
	execPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable path: %w", err)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	logDir, err := config.LogDir()
	if err != nil {
		return nil, err
	}
	return &service.Manager{ExecPath: execPath, HomeDir: home, LogDir: logDir}, nil
}

func newServiceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage flux as a user-level OS service",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Install the launchd agent (darwin) or systemd user unit (linux)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newServiceManager()
			if err != nil {
				return err
			}
			path, err := m.Install()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Installed %s\n", path)
			if hint := m.ActivateHint(); hint != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Activate with: %s\n", hint)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the service definition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newServiceManager()
			if err != nil {
				return err
			}
			path, err := m.Uninstall()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show whether the service is installed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newServiceManager()
			if err != nil {
				return err
			}
			installed, err := m.Installed()
			if err != nil {
				return err
			}
			path, _ := m.UnitPath()
			if installed {
				fmt.Fprintf(cmd.OutOrStdout(), "installed (%s)\n", path)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "not installed")
			}
			return nil
		},
	})

	return cmd
}
