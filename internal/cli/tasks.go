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
	"github.com/fluxkit/flux/internal/task"
	"github.com/fluxkit/flux/internal/wire"
)

func newTasksCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect coordinator tasks",
	}

	var (
		status string
		limit  int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks matching the configured filters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cfg, err := flags.client()
			if err != nil {
				return err
			}
			page, err := client.ListTasks(cmd.Context(), wire.ListTasksParams{
				Status: status,
				Limit:  limit,
				Mode:   "compact",
				Format: "packet",
				Filters: wire.TaskFilters{
					StreamID:  cfg.Filters.StreamID,
					Backend:   cfg.Filters.Backend,
					CostClass: cfg.Filters.CostClass,
				},
			})
			if err != nil {
				return err
			}
			if flags.jsonOut {
				return output.JSON(cmd.OutOrStdout(), page)
			}
			rows := make([][]string, 0, len(page.Tasks))
			for _, raw := range page.Tasks {
				packet, err := task.ParsePacket(raw)
				if err != nil {
					continue
				}
				rows = append(rows, []string{
					packet.TaskID,
					packet.Type,
					packet.StreamID,
					packet.BackendName(cfg.DefaultBackend),
				})
			}
			return output.Table(cmd.OutOrStdout(), []string{"ID", "TYPE", "STREAM", "BACKEND"}, rows)
		},
	}
	list.Flags().StringVar(&status, "status", "todo", "Task status filter")
	list.Flags().IntVar(&limit, "limit", 20, "Maximum tasks to list")
	cmd.AddCommand(list)
	return cmd
}
