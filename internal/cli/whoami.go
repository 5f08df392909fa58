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
	"github.com/spf13/cobra"

	"github.com/fluxkit/flux/internal/output"
)

func newWhoamiCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the authenticated agent and server version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := flags.client()
			if err != nil {
				return err
			}
			who, err := client.WhoAmI(cmd.Context())
			if err != nil {
				return err
			}
			if flags.jsonOut {
				return output.JSON(cmd.OutOrStdout(), who)
			}
			return output.KV(cmd.OutOrStdout(), [][2]string{
				{"Agent", who.Agent.Slug},
				{"Name", who.Agent.Name},
				{"Agent ID", who.Agent.ID},
				{"Server", who.Server.Version},
			})
		},
	}
}
