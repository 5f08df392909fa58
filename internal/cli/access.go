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

	"github.com/fluxkit/flux/internal/config"
	"github.com/fluxkit/flux/internal/output"
	"github.com/fluxkit/flux/internal/secrets"
	"github.com/fluxkit/flux/internal/wire"
)

func newAccessCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "access",
		Short: "Manage coordinator access",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "redeem <code>",
		Short: "Exchange an access code for a bearer token",
		Long: `Exchange a one-time access code for a bearer token. The token is
written to ~/.flux/config.json and, when a keychain is available, also
stored there.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			if cfg.BaseURL == "" {
				return errors.New("coordinator URL is required (set url in config, FLUX_URL, or --url)")
			}

			client := wire.New(cfg.BaseURL, cfg.Token, wire.WithLogger(flags.logger()))
			grant, err := client.RedeemAccess(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			cfg.Token = grant.Token
			if grant.OrgID != "" {
				cfg.OrgID = grant.OrgID
			}
			if err := config.Save(cfg); err != nil {
				return err
			}

			account := cfg.OrgID
			if account == "" {
				account = cfg.BaseURL
			}
			keychain := "skipped (no keychain)"
			if store := secrets.NewStore(); store.Available() {
				if err := store.SetToken(account, grant.Token); err != nil {
					keychain = "failed: " + err.Error()
				} else {
					keychain = "stored"
				}
			}

			if flags.jsonOut {
				return output.JSON(cmd.OutOrStdout(), map[string]string{
					"orgId":    cfg.OrgID,
					"keychain": keychain,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Access granted.")
			return output.KV(cmd.OutOrStdout(), [][2]string{
				{"Org", cfg.OrgID},
				{"Config", "updated"},
				{"Keychain", keychain},
			})
		},
	})
	return cmd
}
