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
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fluxkit/flux/internal/output"
	"github.com/fluxkit/flux/internal/wire"
)

func newHealthCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check coordinator health",
		Long:  "Check coordinator health. Requires no credentials; exits 1 when the coordinator is unreachable or unhealthy.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			if cfg.BaseURL == "" {
				return errors.New("coordinator URL is required (set url in config, FLUX_URL, or --url)")
			}
			// The health endpoint is unauthenticated; no token needed.
			client := wire.New(cfg.BaseURL, cfg.Token, wire.WithLogger(flags.logger()))
			body, err := client.Health(cmd.Context())
			if err != nil {
				return fmt.Errorf("coordinator unhealthy: %w", err)
			}
			if flags.jsonOut {
				return output.JSON(cmd.OutOrStdout(), body)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}
