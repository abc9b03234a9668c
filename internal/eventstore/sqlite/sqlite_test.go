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

package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/fluvioflow/internal/eventstore"
	flowerrors "github.com/tombee/fluvioflow/pkg/errors"
)

func createTestBackend(t *testing.T) *Backend {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	be, err := New(Config{Path: dbPath, WAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { be.Close() })
	return be
}

func TestBackend_AppendAndLoadEvents(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	events := []eventstore.Event{
		{EventType: "OrderPlaced", Body: json.RawMessage(`{"n":1}`)},
		{EventType: "OrderShipped", Body: json.RawMessage(`{"n":2}`)},
	}
	require.NoError(t, be.AppendEvents(ctx, "order-1", "orders", 0, events))

	loaded, err := be.LoadEvents(ctx, "order-1", eventstore.EventFilter{})
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	require.Equal(t, 1, loaded[0].Version)
	require.Equal(t, 2, loaded[1].Version)
	require.Equal(t, "orders", loaded[0].WorkflowType)

	v, err := be.CurrentVersion(ctx, "order-1")
	require.NoError(t, err)
	require.Equal(t, 2, v)
}

func TestBackend_AppendEventsRejectsConcurrentModification(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	require.NoError(t, be.AppendEvents(ctx, "order-1", "orders", 0, []eventstore.Event{
		{EventType: "OrderPlaced", Body: json.RawMessage(`{}`)},
	}))

	err := be.AppendEvents(ctx, "order-1", "orders", 0, []eventstore.Event{
		{EventType: "OrderPlaced", Body: json.RawMessage(`{}`)},
	})
	require.Error(t, err)
	var concErr *flowerrors.ConcurrentModificationError
	require.ErrorAs(t, err, &concErr)
}

func TestBackend_GetEventReturnsNotFound(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	_, err := be.GetEvent(ctx, "missing", 1)
	require.Error(t, err)
	var notFound *flowerrors.WorkflowNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestBackend_LoadEventsFiltersByVersionAndType(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	require.NoError(t, be.AppendEvents(ctx, "order-1", "orders", 0, []eventstore.Event{
		{EventType: "A", Body: json.RawMessage(`{}`)},
		{EventType: "B", Body: json.RawMessage(`{}`)},
		{EventType: "A", Body: json.RawMessage(`{}`)},
	}))

	byVersion, err := be.LoadEvents(ctx, "order-1", eventstore.EventFilter{FromVersion: 2, ToVersion: 3})
	require.NoError(t, err)
	require.Len(t, byVersion, 2)

	byType, err := be.LoadEvents(ctx, "order-1", eventstore.EventFilter{EventTypes: []string{"B"}})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	require.Equal(t, "B", byType[0].EventType)
}

func TestBackend_DeleteEventLog(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	require.NoError(t, be.AppendEvents(ctx, "order-1", "orders", 0, []eventstore.Event{
		{EventType: "A", Body: json.RawMessage(`{}`)},
	}))
	require.NoError(t, be.DeleteEventLog(ctx, "order-1"))

	v, err := be.CurrentVersion(ctx, "order-1")
	require.NoError(t, err)
	require.Equal(t, 0, v)
}

func TestBackend_LoadLogOrdersByGlobalSeq(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	require.NoError(t, be.AppendEvents(ctx, "order-1", "orders", 0, []eventstore.Event{{EventType: "A", Body: json.RawMessage(`{}`)}}))
	require.NoError(t, be.AppendEvents(ctx, "order-2", "orders", 0, []eventstore.Event{{EventType: "B", Body: json.RawMessage(`{}`)}}))

	log, err := be.LoadLog(ctx, eventstore.LogFilter{})
	require.NoError(t, err)
	require.Len(t, log, 2)
	require.Less(t, log[0].GlobalSeq, log[1].GlobalSeq)

	limited, err := be.LoadLog(ctx, eventstore.LogFilter{AfterGlobalSeq: log[0].GlobalSeq})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, "order-2", limited[0].WorkflowID)
}

func TestBackend_PublishLifecycle(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	require.NoError(t, be.AppendEvents(ctx, "order-1", "orders", 0, []eventstore.Event{
		{EventType: "A", Body: json.RawMessage(`{}`)},
		{EventType: "B", Body: json.RawMessage(`{}`)},
	}))

	unpub, err := be.UnpublishedBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unpub, 2)

	require.NoError(t, be.MarkPublished(ctx, []int64{unpub[0].GlobalSeq}))
	second := unpub[1].GlobalSeq

	unpub, err = be.UnpublishedBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unpub, 1)
	require.Equal(t, second, unpub[0].GlobalSeq)

	require.NoError(t, be.UnpublishRange(ctx, 1))
	unpub, err = be.UnpublishedBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unpub, 2)
}

func TestBackend_SnapshotRoundTrip(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	none, err := be.GetSnapshot(ctx, "order-1")
	require.NoError(t, err)
	require.Nil(t, none)

	require.NoError(t, be.SaveSnapshot(ctx, eventstore.Snapshot{WorkflowID: "order-1", Version: 3, State: json.RawMessage(`{"s":1}`)}))
	snap, err := be.GetSnapshot(ctx, "order-1")
	require.NoError(t, err)
	require.Equal(t, 3, snap.Version)

	require.NoError(t, be.SaveSnapshot(ctx, eventstore.Snapshot{WorkflowID: "order-1", Version: 5, State: json.RawMessage(`{"s":2}`)}))
	snap, err = be.GetSnapshot(ctx, "order-1")
	require.NoError(t, err)
	require.Equal(t, 5, snap.Version)

	require.NoError(t, be.DeleteSnapshot(ctx, "order-1"))
	none, err = be.GetSnapshot(ctx, "order-1")
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestBackend_SubscriptionsMatchByTypeAndWildcard(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	require.NoError(t, be.CreateWorkflowMetadata(ctx, eventstore.WorkflowMetadata{WorkflowID: "order-1", WorkflowType: "orders"}))
	require.NoError(t, be.AddSubscription(ctx, eventstore.Subscription{SubscriberWorkflowID: "sub-1", SourceWorkflowID: "order-1", EventType: "OrderShipped"}))
	require.NoError(t, be.AddSubscription(ctx, eventstore.Subscription{SubscriberWorkflowID: "sub-2", SourceWorkflowID: "*", EventType: "OrderShipped"}))

	subs, err := be.ListSubscriptionsForType(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, subs, 2)

	require.NoError(t, be.RemoveSubscription(ctx, eventstore.Subscription{SubscriberWorkflowID: "sub-1", SourceWorkflowID: "order-1", EventType: "OrderShipped"}))
	subs, err = be.ListSubscriptionsForType(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, subs, 1)
}

func TestBackend_ExternalSubscriptions(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	require.NoError(t, be.AddExternalSubscription(ctx, eventstore.ExternalSubscription{WorkflowID: "order-1", Topic: "payments"}))
	require.NoError(t, be.AddExternalSubscription(ctx, eventstore.ExternalSubscription{WorkflowID: "order-1", Topic: "payments"}))

	subs, err := be.ListExternalSubscriptions(ctx, "payments")
	require.NoError(t, err)
	require.Len(t, subs, 1)

	require.NoError(t, be.RemoveExternalSubscription(ctx, eventstore.ExternalSubscription{WorkflowID: "order-1", Topic: "payments"}))
	subs, err = be.ListExternalSubscriptions(ctx, "payments")
	require.NoError(t, err)
	require.Len(t, subs, 0)
}

func TestBackend_ActivityLifecycle(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	a, err := be.GetOrCreateActivity(ctx, "order-1", 1, json.RawMessage(`{"max_attempts":3}`))
	require.NoError(t, err)
	require.Equal(t, eventstore.ActivityPending, a.Status)

	again, err := be.GetOrCreateActivity(ctx, "order-1", 1, json.RawMessage(`{"max_attempts":3}`))
	require.NoError(t, err)
	require.Equal(t, a.StartedAt, again.StartedAt)

	require.NoError(t, be.UpdateActivityStatus(ctx, "order-1", 1, eventstore.ActivityRunning))
	require.NoError(t, be.SaveActivityCheckpoint(ctx, "order-1", 1, json.RawMessage(`{"progress":1}`)))
	require.NoError(t, be.UpdateActivityError(ctx, "order-1", 1, "transient", "timeout"))

	got, err := be.GetActivity(ctx, "order-1", 1)
	require.NoError(t, err)
	require.Equal(t, eventstore.ActivityRunning, got.Status)
	require.Equal(t, 1, got.RetryCount)
	require.Equal(t, "transient", got.ErrorClass)
	require.JSONEq(t, `{"progress":1}`, string(got.Checkpoint))

	require.NoError(t, be.MarkActivityCompleted(ctx, "order-1", 1, json.RawMessage(`{"cmd":"done"}`)))
	got, err = be.GetActivity(ctx, "order-1", 1)
	require.NoError(t, err)
	require.Equal(t, eventstore.ActivityCompleted, got.Status)
	require.NotNil(t, got.FinishedAt)
}

func TestBackend_ListStaleActivities(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	_, err := be.GetOrCreateActivity(ctx, "order-1", 1, json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NoError(t, be.UpdateActivityStatus(ctx, "order-1", 1, eventstore.ActivityRunning))

	stale, err := be.ListStaleActivities(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)

	fresh, err := be.ListStaleActivities(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, fresh, 0)
}

func TestBackend_DelaySchedules(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	fireAt := time.Now().Add(-time.Minute)
	require.NoError(t, be.UpsertDelaySchedule(ctx, eventstore.DelaySchedule{
		WorkflowID: "order-1", DelayID: "timeout", FireAt: fireAt, EmittedVersion: 1,
		NextCommand: json.RawMessage(`{"cmd":"escalate"}`),
	}))

	due, err := be.ListDueDelaySchedules(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "timeout", due[0].DelayID)
	require.JSONEq(t, `{"cmd":"escalate"}`, string(due[0].NextCommand))

	require.NoError(t, be.UpsertDelaySchedule(ctx, eventstore.DelaySchedule{
		WorkflowID: "order-1", DelayID: "timeout", FireAt: time.Now().Add(time.Hour), EmittedVersion: 2,
		NextCommand: json.RawMessage(`{"cmd":"escalate"}`),
	}))
	due, err = be.ListDueDelaySchedules(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 0)

	require.NoError(t, be.DeleteDelaySchedule(ctx, "order-1", "timeout"))
	require.NoError(t, be.UpsertDelaySchedule(ctx, eventstore.DelaySchedule{
		WorkflowID: "order-1", DelayID: "other", FireAt: time.Now().Add(-time.Minute), EmittedVersion: 1,
		NextCommand: json.RawMessage(`{}`),
	}))
	require.NoError(t, be.DeleteAllDelaySchedules(ctx, "order-1"))
	due, err = be.ListDueDelaySchedules(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 0)
}

func TestBackend_Offsets(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	none, err := be.GetOffset(ctx, "orders_runner_0")
	require.NoError(t, err)
	require.Nil(t, none)

	require.NoError(t, be.CommitOffset(ctx, "orders_runner_0", 10))
	require.NoError(t, be.CommitOffset(ctx, "orders_runner_0", 20))
	require.NoError(t, be.CommitOffset(ctx, "orders_runner_1", 5))
	require.NoError(t, be.CommitOffset(ctx, "carts_runner_0", 1))

	off, err := be.GetOffset(ctx, "orders_runner_0")
	require.NoError(t, err)
	require.Equal(t, int64(20), off.LastCommittedGlobalSeq)

	listed, err := be.ListOffsets(ctx, "orders_runner")
	require.NoError(t, err)
	require.Len(t, listed, 2)

	require.NoError(t, be.DeleteOffset(ctx, "orders_runner_1"))
	listed, err = be.ListOffsets(ctx, "orders_runner")
	require.NoError(t, err)
	require.Len(t, listed, 1)
}

func TestBackend_ScalingOperations(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	none, err := be.GetScalingOperation(ctx, "orders")
	require.NoError(t, err)
	require.Nil(t, none)

	require.NoError(t, be.CreateScalingOperation(ctx, eventstore.ScalingOperation{
		WorkflowType: "orders", TargetGlobalSeq: 100, Status: eventstore.ScalingPending,
	}))

	err = be.CreateScalingOperation(ctx, eventstore.ScalingOperation{
		WorkflowType: "orders", TargetGlobalSeq: 200, Status: eventstore.ScalingPending,
	})
	require.Error(t, err)

	require.NoError(t, be.UpdateScalingOperationStatus(ctx, "orders", eventstore.ScalingCompleted))
	op, err := be.GetScalingOperation(ctx, "orders")
	require.NoError(t, err)
	require.Equal(t, eventstore.ScalingCompleted, op.Status)

	require.NoError(t, be.ClearScalingOperation(ctx, "orders"))
	none, err = be.GetScalingOperation(ctx, "orders")
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestBackend_WorkflowMetadataAndSearch(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	require.NoError(t, be.CreateWorkflowMetadata(ctx, eventstore.WorkflowMetadata{
		WorkflowID: "order-1", WorkflowType: "orders", Tags: []string{"vip"},
	}))

	meta, err := be.GetWorkflowMetadata(ctx, "order-1")
	require.NoError(t, err)
	require.Equal(t, eventstore.LifecycleActive, meta.Lifecycle)
	require.Equal(t, []string{"vip"}, meta.Tags)

	require.NoError(t, be.MergeSearchAttributes(ctx, "order-1", map[string]any{"region": "eu"}))
	require.NoError(t, be.MergeSearchAttributes(ctx, "order-1", map[string]any{"priority": "high"}))

	meta, err = be.GetWorkflowMetadata(ctx, "order-1")
	require.NoError(t, err)
	require.Equal(t, "eu", meta.SearchAttributes["region"])
	require.Equal(t, "high", meta.SearchAttributes["priority"])

	require.NoError(t, be.SetLifecycle(ctx, "order-1", eventstore.LifecyclePaused))
	meta, err = be.GetWorkflowMetadata(ctx, "order-1")
	require.NoError(t, err)
	require.Equal(t, eventstore.LifecyclePaused, meta.Lifecycle)

	matches, err := be.SearchWorkflows(ctx, "orders", map[string]any{"region": "eu"})
	require.NoError(t, err)
	require.Len(t, matches, 1)

	noMatch, err := be.SearchWorkflows(ctx, "orders", map[string]any{"region": "us"})
	require.NoError(t, err)
	require.Len(t, noMatch, 0)
}

func TestBackend_MergeSearchAttributesMissingWorkflow(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	err := be.MergeSearchAttributes(ctx, "missing", map[string]any{"a": 1})
	require.Error(t, err)
	var notFound *flowerrors.WorkflowNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestBackend_Persistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "persist.db")
	be1, err := New(Config{Path: dbPath, WAL: true})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, be1.AppendEvents(ctx, "order-1", "orders", 0, []eventstore.Event{
		{EventType: "A", Body: json.RawMessage(`{}`)},
	}))
	require.NoError(t, be1.Close())

	be2, err := New(Config{Path: dbPath, WAL: true})
	require.NoError(t, err)
	defer be2.Close()

	v, err := be2.CurrentVersion(ctx, "order-1")
	require.NoError(t, err)
	require.Equal(t, 1, v)
}
