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
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandMetadata(t *testing.T) {
	root := NewRootCommand()
	sub := &cobra.Command{Use: "run <job>...", Short: "Execute jobs"}
	sub.Flags().BoolP("overwrite", "o", false, "Replace existing artifacts")
	root.AddCommand(sub)

	meta := commandMetadata(root)
	assert.Equal(t, "simfleet", meta.Name)
	assert.Contains(t, meta.Subcommands, "run")

	runMeta := commandMetadata(sub)
	assert.Equal(t, "run", runMeta.Name)
	require.Len(t, runMeta.Flags, 1)
	assert.Equal(t, "overwrite", runMeta.Flags[0].Name)
	assert.Equal(t, "o", runMeta.Flags[0].Shorthand)
	assert.Equal(t, "false", runMeta.Flags[0].Default)
}
