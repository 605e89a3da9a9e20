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

// Package workers implements the simfleet workers command.
package workers

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/simfleet/internal/commands/shared"
	"github.com/tombee/simfleet/internal/config"
)

// NewCommand creates the workers command
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "Inspect the configured worker fleet",
	}
	cmd.AddCommand(newListCommand())
	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured workers, including disabled ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}

			type workerView struct {
				Name    string `json:"name"`
				Kind    string `json:"kind"`
				Host    string `json:"host,omitempty"`
				Session int    `json:"session_id,omitempty"`
				Enabled bool   `json:"enabled"`
			}

			views := make([]workerView, 0, len(cfg.Workers))
			for _, w := range cfg.Workers {
				views = append(views, workerView{
					Name:    w.Name,
					Kind:    string(w.Kind),
					Host:    w.Host,
					Session: w.SessionID,
					Enabled: w.Enabled,
				})
			}

			if shared.GetJSON() {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(views)
			}

			out := cmd.OutOrStdout()
			if len(views) == 0 {
				fmt.Fprintf(out, "no workers configured; %d local slot(s) from engine.max_workers\n",
					cfg.Engine.MaxWorkers)
				return nil
			}
			for _, v := range views {
				state := "enabled"
				if !v.Enabled {
					state = "disabled"
				}
				target := "this host"
				if v.Kind == string(config.WorkerKindRemote) {
					target = v.Host
					if v.Session > 0 {
						target = fmt.Sprintf("%s (session %d)", v.Host, v.Session)
					}
				}
				fmt.Fprintf(out, "%-20s %-8s %-10s %s\n", v.Name, v.Kind, state, target)
			}
			return nil
		},
	}
}
