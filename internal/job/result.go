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

package job

import (
	"fmt"
	"sync"
	"time"
)

// Result is the outcome record for one job. Produced exactly once per
// submitted Spec; immutable once recorded.
type Result struct {
	JobID      string        `json:"job_id"`
	Success    bool          `json:"success"`
	Duration   time.Duration `json:"duration"`
	LogExcerpt string        `json:"log_excerpt,omitempty"`

	// Worker names the slot that ran the job; empty if the job never
	// left the queue.
	Worker string `json:"worker,omitempty"`

	// Artifacts lists the destination paths of consolidated artifacts.
	// Empty if the job failed before producing output.
	Artifacts []string `json:"artifacts,omitempty"`

	// ErrorKind classifies the failure; empty on success.
	ErrorKind ErrorKind `json:"error_kind,omitempty"`

	// Err holds the failure detail; nil on success. Not serialized.
	Err error `json:"-"`

	// ErrorMessage mirrors Err for serialized reports.
	ErrorMessage string `json:"error,omitempty"`
}

// Report aggregates one Result per submitted job, in submission order
// regardless of completion order. A slot is pre-allocated per job ID and
// filled when that job reaches its done state. Safe for concurrent Record
// calls from multiple worker slots.
type Report struct {
	mu      sync.Mutex
	order   []string
	index   map[string]int
	results []*Result
}

// NewReport pre-allocates one result slot per job ID, preserving
// submission order.
func NewReport(jobIDs []string) (*Report, error) {
	index := make(map[string]int, len(jobIDs))
	for i, id := range jobIDs {
		if _, dup := index[id]; dup {
			return nil, fmt.Errorf("job: duplicate job id %q in batch", id)
		}
		index[id] = i
	}
	return &Report{
		order:   append([]string(nil), jobIDs...),
		index:   index,
		results: make([]*Result, len(jobIDs)),
	}, nil
}

// Record fills the pre-allocated slot for the result's job. Recording an
// unknown job ID or recording the same job twice is a programming error.
func (r *Report) Record(res Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.index[res.JobID]
	if !ok {
		return fmt.Errorf("job: result for unknown job %q", res.JobID)
	}
	if r.results[i] != nil {
		return fmt.Errorf("job: duplicate result for job %q", res.JobID)
	}
	if res.Err != nil && res.ErrorMessage == "" {
		res.ErrorMessage = res.Err.Error()
	}
	r.results[i] = &res
	return nil
}

// Results returns the recorded results in submission order. Jobs that never
// reached done (e.g. batch cancelled before assignment) appear as failed
// results with no error kind.
func (r *Report) Results() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Result, len(r.results))
	for i, res := range r.results {
		if res == nil {
			out[i] = Result{JobID: r.order[i], Success: false, ErrorMessage: "job not executed"}
			continue
		}
		out[i] = *res
	}
	return out
}

// OverallSuccess reports whether every job in the batch succeeded. Callers
// needing partial success must inspect individual results.
func (r *Report) OverallSuccess() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, res := range r.results {
		if res == nil || !res.Success {
			return false
		}
	}
	return true
}

// Len returns the number of jobs in the batch.
func (r *Report) Len() int {
	return len(r.order)
}
