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

	"github.com/spf13/cobra"

	"github.com/fluxkit/flux/internal/wire"
)

func newOpenAPICommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "openapi",
		Short: "Print the coordinator's OpenAPI document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			if cfg.BaseURL == "" {
				return errors.New("coordinator URL is required (set url in config, FLUX_URL, or --url)")
			}
			client := wire.New(cfg.BaseURL, cfg.Token, wire.WithLogger(flags.logger()))
			doc, err := client.OpenAPI(cmd.Context())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(doc)
			return err
		},
	}
}
