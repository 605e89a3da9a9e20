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

// Package cli builds the simfleet command tree.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/simfleet/internal/commands/shared"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for simfleet
func NewRootCommand() *cobra.Command {
	version, commit, buildDate := shared.GetVersion()

	cmd := &cobra.Command{
		Use:   "simfleet",
		Short: "simfleet - batch simulation job runner",
		Long: `Simfleet runs batches of simulation jobs against an external solver
engine. Each job gets an isolated copy of its input workspace, runs
locally or on a remote host, and its result artifacts are consolidated
back into a single destination when the engine finishes.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, buildDate),
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	configPath, jsonOutput := shared.RegisterFlagPointers()
	cmd.PersistentFlags().StringVar(configPath, "config", "", "Path to config file (default: ./simfleet.yaml)")
	cmd.PersistentFlags().BoolVar(jsonOutput, "json", false, "Output in JSON format")

	return cmd
}
