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

package inflight_test

import (
	"testing"

	"github.com/tombee/fluvioflow/internal/inflight"
)

func TestCommittableOffsetAdvancesOnlyContiguously(t *testing.T) {
	tr := inflight.New()
	tr.Register(1)
	tr.Register(2)
	tr.Register(3)

	tr.MarkDone(2)
	if got := tr.CommittableOffset(); got != 0 {
		t.Fatalf("CommittableOffset = %d, want 0 (1 still pending)", got)
	}
	if tr.Size() != 3 {
		t.Fatalf("Size = %d, want 3", tr.Size())
	}

	tr.MarkDone(1)
	if got := tr.CommittableOffset(); got != 2 {
		t.Fatalf("CommittableOffset = %d, want 2", got)
	}
	if tr.Size() != 1 {
		t.Fatalf("Size = %d, want 1", tr.Size())
	}

	tr.MarkDone(3)
	if got := tr.CommittableOffset(); got != 3 {
		t.Fatalf("CommittableOffset = %d, want 3", got)
	}
	if tr.Size() != 0 {
		t.Fatalf("Size = %d, want 0", tr.Size())
	}
}

func TestCommittableOffsetOutOfOrderCompletion(t *testing.T) {
	tr := inflight.New()
	for _, seq := range []int64{10, 11, 12, 13} {
		tr.Register(seq)
	}

	tr.MarkDone(13)
	tr.MarkDone(12)
	tr.MarkDone(11)
	if got := tr.CommittableOffset(); got != 0 {
		t.Fatalf("CommittableOffset = %d, want 0 (10 still pending)", got)
	}

	tr.MarkDone(10)
	if got := tr.CommittableOffset(); got != 13 {
		t.Fatalf("CommittableOffset = %d, want 13", got)
	}
}
