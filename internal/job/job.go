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

// Package job defines the data model for simulation jobs: the immutable
// Spec submitted by callers, the per-job Result, and the batch Report.
package job

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Spec identifies one unit of work: a single invocation of the external
// engine against one input workspace. Immutable once submitted.
type Spec struct {
	// ID uniquely identifies the job within a batch.
	ID string

	// SourceWorkspace is the canonical input workspace the isolated
	// working copy is made from.
	SourceWorkspace string

	// Command is the engine invocation, including the input file reference
	// inside the workspace. Run with the working copy as working directory.
	Command []string

	// Cores is the engine-level parallelism hint written into the working
	// copy's per-job configuration before launch.
	Cores int

	// ClearCache forces the engine to discard precomputed intermediate
	// tables before running.
	ClearCache bool

	// Timeout is the maximum wall-clock budget for the engine process.
	// Zero means no limit.
	Timeout time.Duration

	// ArtifactPatterns are the glob patterns (doublestar syntax) matched
	// inside the working copy during consolidation. The engine, not the
	// orchestrator, decides the actual output file names; patterns describe
	// the expected names derived from the command.
	ArtifactPatterns []string
}

// Validate checks that the spec is complete enough to run.
func (s *Spec) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("job: spec missing id")
	}
	if s.SourceWorkspace == "" {
		return fmt.Errorf("job %s: spec missing source workspace", s.ID)
	}
	if len(s.Command) == 0 {
		return fmt.Errorf("job %s: spec missing command", s.ID)
	}
	if s.Cores < 0 {
		return fmt.Errorf("job %s: negative core count %d", s.ID, s.Cores)
	}
	return nil
}

// Normalize resolves a caller-supplied job reference into a canonical Spec.
// The reference may be a bare job identifier (resolved against baseDir) or a
// full path to an input workspace; either form yields the same Spec.
func Normalize(ref, baseDir string, template Spec) (Spec, error) {
	if ref == "" {
		return Spec{}, fmt.Errorf("job: empty job reference")
	}

	source := ref
	if !filepath.IsAbs(ref) && !strings.ContainsRune(ref, os.PathSeparator) {
		// Bare identifier: the workspace is a directory of that name
		// under the base directory.
		source = filepath.Join(baseDir, ref)
	}
	source = filepath.Clean(source)

	spec := template
	spec.ID = filepath.Base(source)
	spec.SourceWorkspace = source
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}
