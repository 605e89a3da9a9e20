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

package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/tombee/simfleet/internal/job"
)

// ErrQueueClosed is returned by Enqueue after Close, and by Dequeue once
// the queue is closed and drained.
var ErrQueueClosed = errors.New("queue is closed")

// jobQueue is an in-memory FIFO of pending job specs. Jobs are handed to
// worker slots strictly in submission order; completion order is up to the
// slots. Closing the queue stops new submissions; pending jobs still drain.
type jobQueue struct {
	mu     sync.Mutex
	jobs   []job.Spec
	signal chan struct{}
	closed bool
}

func newJobQueue() *jobQueue {
	return &jobQueue{
		jobs:   make([]job.Spec, 0),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends a job to the queue.
func (q *jobQueue) Enqueue(spec job.Spec) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	q.jobs = append(q.jobs, spec)
	q.wake()
	return nil
}

// Dequeue removes and returns the next job. Blocks until a job is
// available, the queue is closed and empty, or the context is cancelled.
func (q *jobQueue) Dequeue(ctx context.Context) (job.Spec, error) {
	for {
		q.mu.Lock()
		if len(q.jobs) > 0 {
			spec := q.jobs[0]
			q.jobs = q.jobs[1:]
			// Keep the signal armed so sibling slots also wake.
			q.wake()
			q.mu.Unlock()
			return spec, nil
		}
		closed := q.closed
		if closed {
			q.wake()
		}
		q.mu.Unlock()

		if closed {
			return job.Spec{}, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return job.Spec{}, ctx.Err()
		case <-q.signal:
			// Job may be available, loop again
		}
	}
}

// Len returns the number of pending jobs.
func (q *jobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close rejects further Enqueue calls. Blocked Dequeue calls return
// ErrQueueClosed once the pending jobs are drained.
func (q *jobQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.wake()
}

// wake arms the signal channel without blocking. Callers hold q.mu.
func (q *jobQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
