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

// Package historycmd implements the simfleet history command.
package historycmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/simfleet/internal/commands/shared"
	"github.com/tombee/simfleet/internal/history"
)

// NewCommand creates the history command
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect past batch runs",
	}
	cmd.AddCommand(newListCommand(), newShowCommand())
	return cmd
}

func openStore() (*history.Store, error) {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.History.Path == "" {
		return nil, fmt.Errorf("no history database configured (history.path)")
	}
	return history.Open(cfg.History.Path, cfg.History.Retention.Std())
}

func newListCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent batches, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			batches, err := store.ListBatches(cmd.Context(), limit)
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(batches)
			}

			out := cmd.OutOrStdout()
			for _, b := range batches {
				fmt.Fprintf(out, "%s  %s  %d jobs (%d ok, %d failed)  %s\n",
					b.ID,
					b.StartedAt.Local().Format(time.RFC3339),
					b.JobCount, b.Succeeded, b.Failed,
					b.FinishedAt.Sub(b.StartedAt).Round(time.Second))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of batches to show (0 for all)")
	return cmd
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <batch-id>",
		Short: "Show per-job results for a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			jobs, err := store.ListJobs(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(jobs)
			}

			out := cmd.OutOrStdout()
			for _, j := range jobs {
				status := "ok"
				detail := ""
				if !j.Success {
					status = "FAILED"
					detail = fmt.Sprintf("%s: %s", j.ErrorKind, j.ErrorMessage)
				}
				fmt.Fprintf(out, "%-20s %-12s %-8s %8s  %s\n",
					j.JobID, j.Worker, status, j.Duration.Round(time.Millisecond), detail)
			}
			return nil
		},
	}
}
