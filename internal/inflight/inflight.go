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

// Package inflight tracks concurrently-dispatched stream events so a
// runner can commit its reader offset past only the highest contiguous
// completed position, the same receive-window discipline TCP uses to
// decide what it's safe to acknowledge.
package inflight

import "sort"

// Tracker maintains a window of dispatched global sequence numbers and
// their completion status. It is not safe for concurrent use; callers
// serialize access themselves (the runner calls it from its single
// dispatch/reap loop).
type Tracker struct {
	pending   map[int64]bool
	committed int64
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{pending: make(map[int64]bool)}
}

// Register marks globalSeq as dispatched but not yet complete.
func (t *Tracker) Register(globalSeq int64) {
	t.pending[globalSeq] = false
}

// MarkDone marks globalSeq complete and advances CommittableOffset as far
// as the now-contiguous run of completions allows.
func (t *Tracker) MarkDone(globalSeq int64) {
	t.pending[globalSeq] = true
	t.advance()
}

func (t *Tracker) advance() {
	keys := make([]int64, 0, len(t.pending))
	for k := range t.pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	for _, k := range keys {
		if !t.pending[k] {
			break
		}
		t.committed = k
		delete(t.pending, k)
	}
}

// CommittableOffset returns the highest global sequence number for which
// every dispatched event at or below it has completed.
func (t *Tracker) CommittableOffset() int64 {
	return t.committed
}

// Size returns the number of events still dispatched and incomplete.
func (t *Tracker) Size() int {
	return len(t.pending)
}
