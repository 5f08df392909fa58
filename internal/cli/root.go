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

// Package cli assembles the flux command tree.
package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/fluxkit/flux/internal/config"
	internallog "github.com/fluxkit/flux/internal/log"
	"github.com/fluxkit/flux/internal/wire"
)

// rootFlags are the persistent flags shared by every subcommand. Flag
// values take precedence over environment variables and the config file.
type rootFlags struct {
	url     string
	token   string
	org     string
	jsonOut bool
	verbose bool

	version string
}

// NewRootCommand builds the flux command tree.
func NewRootCommand(version string) *cobra.Command {
	flags := &rootFlags{version: version}

	cmd := &cobra.Command{
		Use:     "flux",
		Short:   "Flux task runner",
		Long:    "Flux pulls tasks from a coordinator and executes them against CLI, model, and gateway backends.",
		Version: version,
		// Errors are printed once, by main, with proper exit codes.
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flags.url, "url", "", "Coordinator base URL (overrides config)")
	cmd.PersistentFlags().StringVar(&flags.token, "token", "", "Coordinator bearer token (overrides config)")
	cmd.PersistentFlags().StringVar(&flags.org, "org", "", "Organization id (overrides config)")
	cmd.PersistentFlags().BoolVar(&flags.jsonOut, "json", false, "Output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(
		newDaemonCommand(flags),
		newWhoamiCommand(flags),
		newHealthCommand(flags),
		newOpenAPICommand(flags),
		newStreamsCommand(flags),
		newTasksCommand(flags),
		newAccessCommand(flags),
		newServiceCommand(),
	)
	return cmd
}

// logger builds the process logger from env config, raised to debug by
// --verbose.
func (f *rootFlags) logger() *slog.Logger {
	cfg := internallog.FromEnv()
	if f.verbose {
		cfg.Level = "debug"
	}
	return internallog.New(cfg)
}

// loadConfig loads the runner config and applies flag overrides.
func (f *rootFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(f.version)
	if err != nil {
		return nil, err
	}
	if f.url != "" {
		cfg.BaseURL = f.url
	}
	if f.token != "" {
		cfg.Token = f.token
	}
	if f.org != "" {
		cfg.OrgID = f.org
	}
	return cfg, nil
}

// client returns a validated config and an authenticated wire client.
func (f *rootFlags) client() (*wire.Client, *config.Config, error) {
	cfg, err := f.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	c := wire.New(cfg.BaseURL, cfg.Token,
		wire.WithLogger(f.logger()),
		wire.WithIdentity(wire.Identity{
			RunnerType:       cfg.RunnerType,
			RunnerVersion:    cfg.RunnerVersion,
			MachineID:        cfg.MachineID,
			RunnerInstanceID: cfg.RunnerInstanceID,
			OrgID:            cfg.OrgID,
		}))
	return c, cfg, nil
}
