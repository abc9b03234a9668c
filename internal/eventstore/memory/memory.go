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

// Package memory provides an in-memory eventstore backend, for fast unit
// tests of the runner, action executor, and delay scheduler without a real
// database.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/tombee/fluvioflow/internal/eventstore"
	flowerrors "github.com/tombee/fluvioflow/pkg/errors"
)

// Compile-time interface assertions.
var (
	_ eventstore.EventStore                = (*Backend)(nil)
	_ eventstore.SnapshotStore              = (*Backend)(nil)
	_ eventstore.SubscriptionStore          = (*Backend)(nil)
	_ eventstore.ExternalSubscriptionStore  = (*Backend)(nil)
	_ eventstore.ActivityStore              = (*Backend)(nil)
	_ eventstore.DelayScheduleStore         = (*Backend)(nil)
	_ eventstore.OffsetStore                = (*Backend)(nil)
	_ eventstore.ScalingOperationStore      = (*Backend)(nil)
	_ eventstore.WorkflowMetadataStore      = (*Backend)(nil)
	_ eventstore.Backend                    = (*Backend)(nil)
)

type activityKey struct {
	workflowID string
	version    int
}

type delayKey struct {
	workflowID string
	delayID    string
}

// Backend is an in-memory eventstore, safe for concurrent use.
type Backend struct {
	mu sync.RWMutex

	events    map[string][]eventstore.Event // workflowID -> ordered by version
	nextSeq   int64
	snapshots map[string]eventstore.Snapshot
	subs      map[string][]eventstore.Subscription // sourceWorkflowID -> rules
	extSubs   map[string][]eventstore.ExternalSubscription
	activities map[activityKey]eventstore.Activity
	delays     map[delayKey]eventstore.DelaySchedule
	offsets    map[string]eventstore.Offset
	scaling    map[string]eventstore.ScalingOperation
	metadata   map[string]eventstore.WorkflowMetadata
}

// New creates a new in-memory eventstore backend.
func New() *Backend {
	return &Backend{
		events:     make(map[string][]eventstore.Event),
		snapshots:  make(map[string]eventstore.Snapshot),
		subs:       make(map[string][]eventstore.Subscription),
		extSubs:    make(map[string][]eventstore.ExternalSubscription),
		activities: make(map[activityKey]eventstore.Activity),
		delays:     make(map[delayKey]eventstore.DelaySchedule),
		offsets:    make(map[string]eventstore.Offset),
		scaling:    make(map[string]eventstore.ScalingOperation),
		metadata:   make(map[string]eventstore.WorkflowMetadata),
	}
}

func (b *Backend) Close() error { return nil }

// AppendEvents implements eventstore.EventStore.
func (b *Backend) AppendEvents(ctx context.Context, workflowID, workflowType string, expectedVersion int, events []eventstore.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing := b.events[workflowID]
	if len(existing) != expectedVersion {
		return &flowerrors.ConcurrentModificationError{
			WorkflowID: workflowID,
			Version:    expectedVersion,
			Attempts:   1,
		}
	}

	now := time.Now()
	for i, ev := range events {
		b.nextSeq++
		ev.GlobalSeq = b.nextSeq
		ev.WorkflowID = workflowID
		ev.WorkflowType = workflowType
		ev.Version = expectedVersion + i + 1
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = now
		}
		b.events[workflowID] = append(b.events[workflowID], ev)
	}
	return nil
}

// LoadEvents implements eventstore.EventStore.
func (b *Backend) LoadEvents(ctx context.Context, workflowID string, filter eventstore.EventFilter) ([]eventstore.Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []eventstore.Event
	for _, ev := range b.events[workflowID] {
		if filter.FromVersion > 0 && ev.Version < filter.FromVersion {
			continue
		}
		if filter.ToVersion > 0 && ev.Version > filter.ToVersion {
			continue
		}
		if len(filter.EventTypes) > 0 && !contains(filter.EventTypes, ev.EventType) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// GetEvent implements eventstore.EventStore.
func (b *Backend) GetEvent(ctx context.Context, workflowID string, version int) (*eventstore.Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ev := range b.events[workflowID] {
		if ev.Version == version {
			cp := ev
			return &cp, nil
		}
	}
	return nil, &flowerrors.WorkflowNotFoundError{WorkflowID: workflowID}
}

// CurrentVersion implements eventstore.EventStore.
func (b *Backend) CurrentVersion(ctx context.Context, workflowID string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events[workflowID]), nil
}

// DeleteEventLog implements eventstore.EventStore.
func (b *Backend) DeleteEventLog(ctx context.Context, workflowID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.events, workflowID)
	return nil
}

// LoadLog implements eventstore.EventStore.
func (b *Backend) LoadLog(ctx context.Context, filter eventstore.LogFilter) ([]eventstore.Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var all []eventstore.Event
	for _, log := range b.events {
		all = append(all, log...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].GlobalSeq < all[j].GlobalSeq })

	var out []eventstore.Event
	for _, ev := range all {
		if ev.GlobalSeq <= filter.AfterGlobalSeq {
			continue
		}
		if len(filter.EventTypes) > 0 && !contains(filter.EventTypes, ev.EventType) {
			continue
		}
		out = append(out, ev)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// MarkPublished implements eventstore.EventStore.
func (b *Backend) MarkPublished(ctx context.Context, globalSeqs []int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	want := make(map[int64]struct{}, len(globalSeqs))
	for _, s := range globalSeqs {
		want[s] = struct{}{}
	}
	for wfID, log := range b.events {
		for i := range log {
			if _, ok := want[log[i].GlobalSeq]; ok {
				log[i].Published = true
			}
		}
		b.events[wfID] = log
	}
	return nil
}

// UnpublishRange implements eventstore.EventStore.
func (b *Backend) UnpublishRange(ctx context.Context, fromGlobalSeq int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for wfID, log := range b.events {
		for i := range log {
			if log[i].GlobalSeq >= fromGlobalSeq {
				log[i].Published = false
			}
		}
		b.events[wfID] = log
	}
	return nil
}

// UnpublishedBatch implements eventstore.EventStore.
func (b *Backend) UnpublishedBatch(ctx context.Context, limit int) ([]eventstore.Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var all []eventstore.Event
	for _, log := range b.events {
		for _, ev := range log {
			if !ev.Published {
				all = append(all, ev)
			}
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].GlobalSeq < all[j].GlobalSeq })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// SaveSnapshot implements eventstore.SnapshotStore.
func (b *Backend) SaveSnapshot(ctx context.Context, snap eventstore.Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap.UpdatedAt = time.Now()
	b.snapshots[snap.WorkflowID] = snap
	return nil
}

// GetSnapshot implements eventstore.SnapshotStore.
func (b *Backend) GetSnapshot(ctx context.Context, workflowID string) (*eventstore.Snapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	snap, ok := b.snapshots[workflowID]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

// DeleteSnapshot implements eventstore.SnapshotStore.
func (b *Backend) DeleteSnapshot(ctx context.Context, workflowID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.snapshots, workflowID)
	return nil
}

// AddSubscription implements eventstore.SubscriptionStore.
func (b *Backend) AddSubscription(ctx context.Context, sub eventstore.Subscription) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[sub.SourceWorkflowID] = append(b.subs[sub.SourceWorkflowID], sub)
	return nil
}

// RemoveSubscription implements eventstore.SubscriptionStore.
func (b *Backend) RemoveSubscription(ctx context.Context, sub eventstore.Subscription) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rules := b.subs[sub.SourceWorkflowID]
	for i, r := range rules {
		if r == sub {
			b.subs[sub.SourceWorkflowID] = append(rules[:i], rules[i+1:]...)
			break
		}
	}
	return nil
}

// ListSubscriptionsForType implements eventstore.SubscriptionStore. The
// in-memory backend keys subscriptions by source workflow ID, not type, so
// this returns the union of every rule recorded (acceptable for tests,
// where instance counts are small).
func (b *Backend) ListSubscriptionsForType(ctx context.Context, sourceWorkflowType string) ([]eventstore.Subscription, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []eventstore.Subscription
	for _, rules := range b.subs {
		out = append(out, rules...)
	}
	return out, nil
}

// AddExternalSubscription implements eventstore.ExternalSubscriptionStore.
func (b *Backend) AddExternalSubscription(ctx context.Context, sub eventstore.ExternalSubscription) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.extSubs[sub.Topic] = append(b.extSubs[sub.Topic], sub)
	return nil
}

// RemoveExternalSubscription implements eventstore.ExternalSubscriptionStore.
func (b *Backend) RemoveExternalSubscription(ctx context.Context, sub eventstore.ExternalSubscription) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rules := b.extSubs[sub.Topic]
	for i, r := range rules {
		if r == sub {
			b.extSubs[sub.Topic] = append(rules[:i], rules[i+1:]...)
			break
		}
	}
	return nil
}

// ListExternalSubscriptions implements eventstore.ExternalSubscriptionStore.
func (b *Backend) ListExternalSubscriptions(ctx context.Context, topic string) ([]eventstore.ExternalSubscription, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]eventstore.ExternalSubscription, len(b.extSubs[topic]))
	copy(out, b.extSubs[topic])
	return out, nil
}

// GetActivity implements eventstore.ActivityStore.
func (b *Backend) GetActivity(ctx context.Context, workflowID string, eventVersion int) (*eventstore.Activity, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.activities[activityKey{workflowID, eventVersion}]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

// GetOrCreateActivity implements eventstore.ActivityStore.
func (b *Backend) GetOrCreateActivity(ctx context.Context, workflowID string, eventVersion int, policy json.RawMessage) (*eventstore.Activity, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := activityKey{workflowID, eventVersion}
	if a, ok := b.activities[key]; ok {
		return &a, nil
	}
	now := time.Now()
	a := eventstore.Activity{
		WorkflowID:   workflowID,
		EventVersion: eventVersion,
		Status:       eventstore.ActivityPending,
		RetryPolicy:  policy,
		StartedAt:    &now,
	}
	b.activities[key] = a
	return &a, nil
}

// UpdateActivityStatus implements eventstore.ActivityStore.
func (b *Backend) UpdateActivityStatus(ctx context.Context, workflowID string, eventVersion int, status eventstore.ActivityStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := activityKey{workflowID, eventVersion}
	a := b.activities[key]
	a.Status = status
	now := time.Now()
	a.LastAttemptAt = &now
	b.activities[key] = a
	return nil
}

// UpdateActivityError implements eventstore.ActivityStore.
func (b *Backend) UpdateActivityError(ctx context.Context, workflowID string, eventVersion int, class, message string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := activityKey{workflowID, eventVersion}
	a := b.activities[key]
	a.ErrorClass = class
	a.ErrorMessage = message
	a.RetryCount++
	b.activities[key] = a
	return nil
}

// SaveActivityCheckpoint implements eventstore.ActivityStore.
func (b *Backend) SaveActivityCheckpoint(ctx context.Context, workflowID string, eventVersion int, checkpoint json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := activityKey{workflowID, eventVersion}
	a := b.activities[key]
	a.Checkpoint = checkpoint
	b.activities[key] = a
	return nil
}

// MarkActivityCompleted implements eventstore.ActivityStore.
func (b *Backend) MarkActivityCompleted(ctx context.Context, workflowID string, eventVersion int, resultCommand json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := activityKey{workflowID, eventVersion}
	a := b.activities[key]
	a.Status = eventstore.ActivityCompleted
	a.ResultCommand = resultCommand
	now := time.Now()
	a.FinishedAt = &now
	b.activities[key] = a
	return nil
}

// MarkActivityFailed implements eventstore.ActivityStore.
func (b *Backend) MarkActivityFailed(ctx context.Context, workflowID string, eventVersion int, class, message string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := activityKey{workflowID, eventVersion}
	a := b.activities[key]
	a.Status = eventstore.ActivityFailed
	a.ErrorClass = class
	a.ErrorMessage = message
	now := time.Now()
	a.FinishedAt = &now
	b.activities[key] = a
	return nil
}

// ListStaleActivities implements eventstore.ActivityStore.
func (b *Backend) ListStaleActivities(ctx context.Context, olderThan time.Time) ([]eventstore.Activity, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []eventstore.Activity
	for _, a := range b.activities {
		if a.Status != eventstore.ActivityRunning && a.Status != eventstore.ActivityRetrying {
			continue
		}
		if a.LastAttemptAt != nil && a.LastAttemptAt.Before(olderThan) {
			out = append(out, a)
		}
	}
	return out, nil
}

// UpsertDelaySchedule implements eventstore.DelayScheduleStore.
func (b *Backend) UpsertDelaySchedule(ctx context.Context, sched eventstore.DelaySchedule) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delays[delayKey{sched.WorkflowID, sched.DelayID}] = sched
	return nil
}

// DeleteDelaySchedule implements eventstore.DelayScheduleStore.
func (b *Backend) DeleteDelaySchedule(ctx context.Context, workflowID, delayID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.delays, delayKey{workflowID, delayID})
	return nil
}

// DeleteAllDelaySchedules implements eventstore.DelayScheduleStore.
func (b *Backend) DeleteAllDelaySchedules(ctx context.Context, workflowID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.delays {
		if k.workflowID == workflowID {
			delete(b.delays, k)
		}
	}
	return nil
}

// ListDueDelaySchedules implements eventstore.DelayScheduleStore.
func (b *Backend) ListDueDelaySchedules(ctx context.Context, asOf time.Time, limit int) ([]eventstore.DelaySchedule, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []eventstore.DelaySchedule
	for _, d := range b.delays {
		if !d.FireAt.After(asOf) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetOffset implements eventstore.OffsetStore.
func (b *Backend) GetOffset(ctx context.Context, readerName string) (*eventstore.Offset, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	off, ok := b.offsets[readerName]
	if !ok {
		return nil, nil
	}
	return &off, nil
}

// CommitOffset implements eventstore.OffsetStore.
func (b *Backend) CommitOffset(ctx context.Context, readerName string, globalSeq int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offsets[readerName] = eventstore.Offset{
		ReaderName:             readerName,
		LastCommittedGlobalSeq: globalSeq,
		UpdatedAt:              time.Now(),
	}
	return nil
}

// ListOffsets implements eventstore.OffsetStore.
func (b *Backend) ListOffsets(ctx context.Context, readerPrefix string) ([]eventstore.Offset, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []eventstore.Offset
	for name, off := range b.offsets {
		if readerPrefix == "" || hasPrefix(name, readerPrefix) {
			out = append(out, off)
		}
	}
	return out, nil
}

// DeleteOffset implements eventstore.OffsetStore.
func (b *Backend) DeleteOffset(ctx context.Context, readerName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.offsets, readerName)
	return nil
}

// CreateScalingOperation implements eventstore.ScalingOperationStore.
func (b *Backend) CreateScalingOperation(ctx context.Context, op eventstore.ScalingOperation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.scaling[op.WorkflowType]; ok &&
		(existing.Status == eventstore.ScalingPending || existing.Status == eventstore.ScalingSynchronizing) {
		return flowerrors.New("scaling operation already in progress for " + op.WorkflowType)
	}
	op.CreatedAt = time.Now()
	op.UpdatedAt = op.CreatedAt
	b.scaling[op.WorkflowType] = op
	return nil
}

// GetScalingOperation implements eventstore.ScalingOperationStore.
func (b *Backend) GetScalingOperation(ctx context.Context, workflowType string) (*eventstore.ScalingOperation, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	op, ok := b.scaling[workflowType]
	if !ok {
		return nil, nil
	}
	return &op, nil
}

// UpdateScalingOperationStatus implements eventstore.ScalingOperationStore.
func (b *Backend) UpdateScalingOperationStatus(ctx context.Context, workflowType string, status eventstore.ScalingStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	op := b.scaling[workflowType]
	op.Status = status
	op.UpdatedAt = time.Now()
	b.scaling[workflowType] = op
	return nil
}

// ClearScalingOperation implements eventstore.ScalingOperationStore.
func (b *Backend) ClearScalingOperation(ctx context.Context, workflowType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.scaling, workflowType)
	return nil
}

// CreateWorkflowMetadata implements eventstore.WorkflowMetadataStore.
func (b *Backend) CreateWorkflowMetadata(ctx context.Context, meta eventstore.WorkflowMetadata) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	meta.CreatedAt = time.Now()
	meta.UpdatedAt = meta.CreatedAt
	if meta.Lifecycle == "" {
		meta.Lifecycle = eventstore.LifecycleActive
	}
	b.metadata[meta.WorkflowID] = meta
	return nil
}

// GetWorkflowMetadata implements eventstore.WorkflowMetadataStore.
func (b *Backend) GetWorkflowMetadata(ctx context.Context, workflowID string) (*eventstore.WorkflowMetadata, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.metadata[workflowID]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

// SetLifecycle implements eventstore.WorkflowMetadataStore.
func (b *Backend) SetLifecycle(ctx context.Context, workflowID string, lifecycle eventstore.Lifecycle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.metadata[workflowID]
	m.WorkflowID = workflowID
	m.Lifecycle = lifecycle
	m.UpdatedAt = time.Now()
	b.metadata[workflowID] = m
	return nil
}

// MergeSearchAttributes implements eventstore.WorkflowMetadataStore.
func (b *Backend) MergeSearchAttributes(ctx context.Context, workflowID string, attrs map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.metadata[workflowID]
	m.WorkflowID = workflowID
	if m.SearchAttributes == nil {
		m.SearchAttributes = map[string]any{}
	}
	for k, v := range attrs {
		m.SearchAttributes[k] = v
	}
	m.UpdatedAt = time.Now()
	b.metadata[workflowID] = m
	return nil
}

// SearchWorkflows implements eventstore.WorkflowMetadataStore. It performs
// a linear scan with equality matching; callers needing expression-based
// filtering compose this with an expr predicate, as
// processor.SearchWorkflows does.
func (b *Backend) SearchWorkflows(ctx context.Context, workflowType string, equalityFilter map[string]any) ([]eventstore.WorkflowMetadata, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []eventstore.WorkflowMetadata
	for _, m := range b.metadata {
		if workflowType != "" && m.WorkflowType != workflowType {
			continue
		}
		matched := true
		for k, v := range equalityFilter {
			if m.SearchAttributes[k] != v {
				matched = false
				break
			}
		}
		if matched {
			out = append(out, m)
		}
	}
	return out, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
