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

import "fmt"

// State represents the lifecycle state of a job.
type State string

const (
	StateQueued        State = "queued"
	StateAssigned      State = "assigned"
	StateRunning       State = "running"
	StateConsolidating State = "consolidating"
	StateDone          State = "done"
)

// validTransitions maps each state to the states reachable from it.
// A job that fails while running moves directly to done, skipping
// consolidation; every other transition is strictly sequential.
var validTransitions = map[State][]State{
	StateQueued:        {StateAssigned},
	StateAssigned:      {StateRunning, StateDone},
	StateRunning:       {StateConsolidating, StateDone},
	StateConsolidating: {StateDone},
	StateDone:          {},
}

// Transition validates a state change and returns the new state.
func Transition(from, to State) (State, error) {
	for _, next := range validTransitions[from] {
		if next == to {
			return to, nil
		}
	}
	return from, fmt.Errorf("job: invalid state transition %s -> %s", from, to)
}
