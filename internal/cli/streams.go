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

func newStreamsCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "streams",
		Short: "Inspect coordinator streams",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List streams visible to this agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := flags.client()
			if err != nil {
				return err
			}
			streams, err := client.Streams(cmd.Context())
			if err != nil {
				return err
			}
			if flags.jsonOut {
				return output.JSON(cmd.OutOrStdout(), streams)
			}
			rows := make([][]string, 0, len(streams))
			for _, s := range streams {
				rows = append(rows, []string{s.ID, s.Name, s.Status})
			}
			return output.Table(cmd.OutOrStdout(), []string{"ID", "NAME", "STATUS"}, rows)
		},
	})
	return cmd
}
