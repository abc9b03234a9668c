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

package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tombee/fluvioflow/internal/eventstore"
	"github.com/tombee/fluvioflow/internal/eventstore/memory"
	flowerrors "github.com/tombee/fluvioflow/pkg/errors"
)

func TestAppendAndLoadEvents(t *testing.T) {
	ctx := context.Background()
	b := memory.New()

	err := b.AppendEvents(ctx, "wf-1", "order", 0, []eventstore.Event{
		{EventType: "OrderCreated"},
	})
	if err != nil {
		t.Fatalf("AppendEvents: %v", err)
	}

	err = b.AppendEvents(ctx, "wf-1", "order", 1, []eventstore.Event{
		{EventType: "OrderShipped"},
	})
	if err != nil {
		t.Fatalf("AppendEvents: %v", err)
	}

	events, err := b.LoadEvents(ctx, "wf-1", eventstore.EventFilter{})
	if err != nil {
		t.Fatalf("LoadEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].Version != 1 || events[1].Version != 2 {
		t.Fatalf("unexpected versions: %d, %d", events[0].Version, events[1].Version)
	}
	if events[0].GlobalSeq >= events[1].GlobalSeq {
		t.Fatalf("global_seq should be strictly increasing")
	}
}

func TestAppendEventsConcurrentModification(t *testing.T) {
	ctx := context.Background()
	b := memory.New()

	if err := b.AppendEvents(ctx, "wf-1", "order", 0, []eventstore.Event{{EventType: "Created"}}); err != nil {
		t.Fatalf("AppendEvents: %v", err)
	}

	err := b.AppendEvents(ctx, "wf-1", "order", 0, []eventstore.Event{{EventType: "Created"}})
	var concErr *flowerrors.ConcurrentModificationError
	if !errors.As(err, &concErr) {
		t.Fatalf("expected ConcurrentModificationError, got %v", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := memory.New()

	if err := b.SaveSnapshot(ctx, eventstore.Snapshot{WorkflowID: "wf-1", Version: 3}); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	snap, err := b.GetSnapshot(ctx, "wf-1")
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if snap == nil || snap.Version != 3 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	if err := b.DeleteSnapshot(ctx, "wf-1"); err != nil {
		t.Fatalf("DeleteSnapshot: %v", err)
	}
	snap, err = b.GetSnapshot(ctx, "wf-1")
	if err != nil {
		t.Fatalf("GetSnapshot after delete: %v", err)
	}
	if snap != nil {
		t.Fatalf("expected nil snapshot after delete, got %+v", snap)
	}
}

func TestActivityLifecycle(t *testing.T) {
	ctx := context.Background()
	b := memory.New()

	a, err := b.GetOrCreateActivity(ctx, "wf-1", 2, nil)
	if err != nil {
		t.Fatalf("GetOrCreateActivity: %v", err)
	}
	if a.Status != eventstore.ActivityPending {
		t.Fatalf("Status = %v, want pending", a.Status)
	}

	if err := b.UpdateActivityStatus(ctx, "wf-1", 2, eventstore.ActivityRunning); err != nil {
		t.Fatalf("UpdateActivityStatus: %v", err)
	}
	if err := b.MarkActivityCompleted(ctx, "wf-1", 2, nil); err != nil {
		t.Fatalf("MarkActivityCompleted: %v", err)
	}

	got, err := b.GetActivity(ctx, "wf-1", 2)
	if err != nil {
		t.Fatalf("GetActivity: %v", err)
	}
	if got.Status != eventstore.ActivityCompleted {
		t.Fatalf("Status = %v, want completed", got.Status)
	}
	if got.FinishedAt == nil {
		t.Fatalf("expected FinishedAt to be set")
	}
}

func TestListStaleActivities(t *testing.T) {
	ctx := context.Background()
	b := memory.New()

	if _, err := b.GetOrCreateActivity(ctx, "wf-1", 1, nil); err != nil {
		t.Fatalf("GetOrCreateActivity: %v", err)
	}
	if err := b.UpdateActivityStatus(ctx, "wf-1", 1, eventstore.ActivityRunning); err != nil {
		t.Fatalf("UpdateActivityStatus: %v", err)
	}

	stale, err := b.ListStaleActivities(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ListStaleActivities: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("len(stale) = %d, want 1", len(stale))
	}

	fresh, err := b.ListStaleActivities(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListStaleActivities: %v", err)
	}
	if len(fresh) != 0 {
		t.Fatalf("len(fresh) = %d, want 0", len(fresh))
	}
}

func TestDelaySchedulePollingOrder(t *testing.T) {
	ctx := context.Background()
	b := memory.New()

	now := time.Now()
	if err := b.UpsertDelaySchedule(ctx, eventstore.DelaySchedule{WorkflowID: "wf-1", DelayID: "d2", FireAt: now.Add(2 * time.Minute)}); err != nil {
		t.Fatalf("UpsertDelaySchedule: %v", err)
	}
	if err := b.UpsertDelaySchedule(ctx, eventstore.DelaySchedule{WorkflowID: "wf-1", DelayID: "d1", FireAt: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("UpsertDelaySchedule: %v", err)
	}

	due, err := b.ListDueDelaySchedules(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListDueDelaySchedules: %v", err)
	}
	if len(due) != 1 || due[0].DelayID != "d1" {
		t.Fatalf("unexpected due schedules: %+v", due)
	}
}

func TestScalingOperationGuardsConcurrentStart(t *testing.T) {
	ctx := context.Background()
	b := memory.New()

	if err := b.CreateScalingOperation(ctx, eventstore.ScalingOperation{WorkflowType: "order", Status: eventstore.ScalingPending}); err != nil {
		t.Fatalf("CreateScalingOperation: %v", err)
	}

	err := b.CreateScalingOperation(ctx, eventstore.ScalingOperation{WorkflowType: "order", Status: eventstore.ScalingPending})
	if err == nil {
		t.Fatal("expected error creating a second scaling operation while one is active")
	}

	if err := b.UpdateScalingOperationStatus(ctx, "order", eventstore.ScalingCompleted); err != nil {
		t.Fatalf("UpdateScalingOperationStatus: %v", err)
	}
	if err := b.ClearScalingOperation(ctx, "order"); err != nil {
		t.Fatalf("ClearScalingOperation: %v", err)
	}

	if err := b.CreateScalingOperation(ctx, eventstore.ScalingOperation{WorkflowType: "order", Status: eventstore.ScalingPending}); err != nil {
		t.Fatalf("CreateScalingOperation after clear: %v", err)
	}
}

func TestSearchWorkflowsByAttribute(t *testing.T) {
	ctx := context.Background()
	b := memory.New()

	if err := b.CreateWorkflowMetadata(ctx, eventstore.WorkflowMetadata{WorkflowID: "wf-1", WorkflowType: "order"}); err != nil {
		t.Fatalf("CreateWorkflowMetadata: %v", err)
	}
	if err := b.MergeSearchAttributes(ctx, "wf-1", map[string]any{"region": "eu"}); err != nil {
		t.Fatalf("MergeSearchAttributes: %v", err)
	}

	found, err := b.SearchWorkflows(ctx, "order", map[string]any{"region": "eu"})
	if err != nil {
		t.Fatalf("SearchWorkflows: %v", err)
	}
	if len(found) != 1 || found[0].WorkflowID != "wf-1" {
		t.Fatalf("unexpected search result: %+v", found)
	}

	notFound, err := b.SearchWorkflows(ctx, "order", map[string]any{"region": "us"})
	if err != nil {
		t.Fatalf("SearchWorkflows: %v", err)
	}
	if len(notFound) != 0 {
		t.Fatalf("expected no match, got %+v", notFound)
	}
}

func TestOffsetCommitAndList(t *testing.T) {
	ctx := context.Background()
	b := memory.New()

	if err := b.CommitOffset(ctx, "order_runner", 42); err != nil {
		t.Fatalf("CommitOffset: %v", err)
	}

	off, err := b.GetOffset(ctx, "order_runner")
	if err != nil {
		t.Fatalf("GetOffset: %v", err)
	}
	if off.LastCommittedGlobalSeq != 42 {
		t.Fatalf("LastCommittedGlobalSeq = %d, want 42", off.LastCommittedGlobalSeq)
	}

	list, err := b.ListOffsets(ctx, "order_")
	if err != nil {
		t.Fatalf("ListOffsets: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("len(list) = %d, want 1", len(list))
	}
}
