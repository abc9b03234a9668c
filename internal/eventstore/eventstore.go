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

// Package eventstore provides storage backends for the command processor's
// event log, snapshots, subscriptions, activities, delay schedules,
// offsets, scaling operations, and workflow metadata.
//
// # Interface Hierarchy
//
// Storage is segregated into narrow interfaces so a minimal backend (an
// in-memory one for tests, say) need only implement what it exercises:
//
//   - EventStore (core, required): AppendEvents, LoadEvents, GetEvent
//   - SnapshotStore (optional): SaveSnapshot, GetSnapshot
//   - SubscriptionStore, ExternalSubscriptionStore (optional): fan-out routing
//   - ActivityStore (optional): action executor idempotency/recovery
//   - DelayScheduleStore (optional): delay scheduler registration/firing
//   - OffsetStore (optional): stream reader commit tracking
//   - ScalingOperationStore (optional): partition rebalance coordination
//   - WorkflowMetadataStore (optional): tags and search attributes
//
// Backend composes all of these for full-featured implementations.
// Components can accept the narrowest interface they need.
package eventstore

import (
	"context"
	"encoding/json"
	"io"
	"time"
)

// Lifecycle is the derived status of a workflow instance.
type Lifecycle string

const (
	LifecycleActive    Lifecycle = "active"
	LifecyclePaused    Lifecycle = "paused"
	LifecycleCancelled Lifecycle = "cancelled"
	LifecycleCompleted Lifecycle = "completed"
)

// Event is an immutable record in the append-only log.
type Event struct {
	GlobalSeq    int64          `json:"global_seq"`
	WorkflowID   string         `json:"workflow_id"`
	WorkflowType string         `json:"workflow_type"`
	Version      int            `json:"version"`
	EventType    string         `json:"event_type"`
	Body         json.RawMessage `json:"body"`
	SchemaVer    int            `json:"schema_version"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Published    bool           `json:"published"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Snapshot is a per-instance durable checkpoint of reconstructed state.
type Snapshot struct {
	WorkflowID string          `json:"workflow_id"`
	Version    int             `json:"version"`
	State      json.RawMessage `json:"state"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Subscription routes events from one workflow instance (or a wildcard) to
// a subscriber instance.
type Subscription struct {
	SubscriberWorkflowID string   `json:"subscriber_workflow_id"`
	SourceWorkflowID     string   `json:"source_workflow_id"` // may be "*"
	EventType            string   `json:"event_type"`         // may be "*" or a glob
	TagsAny              []string `json:"tags_any,omitempty"`
	TagsAll              []string `json:"tags_all,omitempty"`
}

// ExternalSubscription routes broker-topic messages to a workflow instance.
type ExternalSubscription struct {
	WorkflowID string `json:"workflow_id"`
	Topic      string `json:"topic"`
}

// ActivityStatus is the lifecycle state of one event's side effect.
type ActivityStatus string

const (
	ActivityPending   ActivityStatus = "pending"
	ActivityRunning   ActivityStatus = "running"
	ActivityCompleted ActivityStatus = "completed"
	ActivityFailed    ActivityStatus = "failed"
	ActivityRetrying  ActivityStatus = "retrying"
)

// Activity is one row per (workflow_id, event_version) whose event
// triggered a side effect.
type Activity struct {
	WorkflowID    string          `json:"workflow_id"`
	EventVersion  int             `json:"event_version"`
	Status        ActivityStatus  `json:"status"`
	RetryCount    int             `json:"retry_count"`
	RetryPolicy   json.RawMessage `json:"retry_policy,omitempty"`
	Checkpoint    json.RawMessage `json:"checkpoint,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	RunnerID      string          `json:"runner_id,omitempty"`
	ErrorClass    string          `json:"error_class,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	ResultCommand json.RawMessage `json:"result_command,omitempty"`
}

// DelaySchedule is a registered one-shot or cron timer for a workflow
// instance.
type DelaySchedule struct {
	WorkflowID     string          `json:"workflow_id"`
	DelayID        string          `json:"delay_id"`
	FireAt         time.Time       `json:"fire_at"`
	EmittedVersion int             `json:"emitted_version"`
	NextCommand    json.RawMessage `json:"next_command"`
	CronExpr       string          `json:"cron_expr,omitempty"`
	Timezone       string          `json:"timezone,omitempty"`
}

// Offset tracks a named reader's last committed position in the log.
type Offset struct {
	ReaderName            string    `json:"reader_name"`
	LastCommittedGlobalSeq int64    `json:"last_committed_global_seq"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// ScalingStatus is the status of a partition rebalance operation.
type ScalingStatus string

const (
	ScalingPending       ScalingStatus = "pending"
	ScalingSynchronizing ScalingStatus = "synchronizing"
	ScalingCompleted     ScalingStatus = "completed"
	ScalingFailed        ScalingStatus = "failed"
)

// ScalingOperation coordinates a partition-count change for a workflow
// type; at most one active row per workflow type.
type ScalingOperation struct {
	WorkflowType    string        `json:"workflow_type"`
	TargetGlobalSeq int64         `json:"target_global_seq"`
	Status          ScalingStatus `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// WorkflowMetadata carries per-instance tags and search attributes, set at
// creation and mutable via SetSearchAttributes.
type WorkflowMetadata struct {
	WorkflowID        string         `json:"workflow_id"`
	WorkflowType      string         `json:"workflow_type"`
	Tags              []string       `json:"tags,omitempty"`
	SearchAttributes  map[string]any `json:"search_attributes,omitempty"`
	Lifecycle         Lifecycle      `json:"lifecycle"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// EventFilter narrows LoadEvents to a version range and/or event-type
// allowlist.
type EventFilter struct {
	FromVersion    int // inclusive, 0 means from the start
	ToVersion      int // inclusive, 0 means unbounded
	EventTypes     []string
	IncludeMetadata bool
}

// LogFilter narrows the stream reader's batch poll.
type LogFilter struct {
	AfterGlobalSeq int64
	Limit          int
	EventTypes     []string
}

// EventStore is the core interface for the append-only event log. Every
// backend must implement this; it is the minimal surface the command
// processor needs to function.
type EventStore interface {
	// AppendEvents inserts events with contiguous versions starting at
	// expectedVersion+1, in a single backend transaction. Returns a
	// *flowerrors.ConcurrentModificationError when the instance's current
	// version is not expectedVersion.
	AppendEvents(ctx context.Context, workflowID, workflowType string, expectedVersion int, events []Event) error

	// LoadEvents returns events for workflowID matching filter, in
	// ascending version order.
	LoadEvents(ctx context.Context, workflowID string, filter EventFilter) ([]Event, error)

	// GetEvent returns a single event by (workflow_id, version).
	GetEvent(ctx context.Context, workflowID string, version int) (*Event, error)

	// CurrentVersion returns the highest version recorded for workflowID,
	// or 0 if the instance has no events.
	CurrentVersion(ctx context.Context, workflowID string) (int, error)

	// DeleteEventLog removes every event for workflowID. Used by
	// ContinueAsNew after a forced snapshot.
	DeleteEventLog(ctx context.Context, workflowID string) error

	// LoadLog returns a batch of events in ascending global_seq order,
	// for stream readers.
	LoadLog(ctx context.Context, filter LogFilter) ([]Event, error)

	// MarkPublished flips the published flag for the given global_seqs.
	MarkPublished(ctx context.Context, globalSeqs []int64) error

	// UnpublishRange flips published=false for events with global_seq in
	// [fromGlobalSeq, +inf), for RepublishEvents.
	UnpublishRange(ctx context.Context, fromGlobalSeq int64) error

	// UnpublishedBatch returns up to limit unpublished events in ascending
	// global_seq order, for the outbox publisher.
	UnpublishedBatch(ctx context.Context, limit int) ([]Event, error)
}

// SnapshotStore persists per-instance state checkpoints.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	GetSnapshot(ctx context.Context, workflowID string) (*Snapshot, error)
	DeleteSnapshot(ctx context.Context, workflowID string) error
}

// SubscriptionStore manages internal fan-out routing rules.
type SubscriptionStore interface {
	AddSubscription(ctx context.Context, sub Subscription) error
	RemoveSubscription(ctx context.Context, sub Subscription) error
	ListSubscriptionsForType(ctx context.Context, sourceWorkflowType string) ([]Subscription, error)
}

// ExternalSubscriptionStore manages broker-topic routing rules.
type ExternalSubscriptionStore interface {
	AddExternalSubscription(ctx context.Context, sub ExternalSubscription) error
	RemoveExternalSubscription(ctx context.Context, sub ExternalSubscription) error
	ListExternalSubscriptions(ctx context.Context, topic string) ([]ExternalSubscription, error)
}

// ActivityStore backs the action executor's idempotency and crash recovery.
type ActivityStore interface {
	GetActivity(ctx context.Context, workflowID string, eventVersion int) (*Activity, error)
	GetOrCreateActivity(ctx context.Context, workflowID string, eventVersion int, policy json.RawMessage) (*Activity, error)
	UpdateActivityStatus(ctx context.Context, workflowID string, eventVersion int, status ActivityStatus) error
	UpdateActivityError(ctx context.Context, workflowID string, eventVersion int, class, message string) error
	SaveActivityCheckpoint(ctx context.Context, workflowID string, eventVersion int, checkpoint json.RawMessage) error
	MarkActivityCompleted(ctx context.Context, workflowID string, eventVersion int, resultCommand json.RawMessage) error
	MarkActivityFailed(ctx context.Context, workflowID string, eventVersion int, class, message string) error
	ListStaleActivities(ctx context.Context, olderThan time.Time) ([]Activity, error)
}

// DelayScheduleStore backs the delay scheduler's poll loop.
type DelayScheduleStore interface {
	UpsertDelaySchedule(ctx context.Context, sched DelaySchedule) error
	DeleteDelaySchedule(ctx context.Context, workflowID, delayID string) error
	DeleteAllDelaySchedules(ctx context.Context, workflowID string) error
	ListDueDelaySchedules(ctx context.Context, asOf time.Time, limit int) ([]DelaySchedule, error)
}

// OffsetStore backs the stream reader's commit tracking.
type OffsetStore interface {
	GetOffset(ctx context.Context, readerName string) (*Offset, error)
	CommitOffset(ctx context.Context, readerName string, globalSeq int64) error
	ListOffsets(ctx context.Context, readerPrefix string) ([]Offset, error)
	DeleteOffset(ctx context.Context, readerName string) error
}

// ScalingOperationStore backs the partition rebalance coordinator.
type ScalingOperationStore interface {
	CreateScalingOperation(ctx context.Context, op ScalingOperation) error
	GetScalingOperation(ctx context.Context, workflowType string) (*ScalingOperation, error)
	UpdateScalingOperationStatus(ctx context.Context, workflowType string, status ScalingStatus) error
	ClearScalingOperation(ctx context.Context, workflowType string) error
}

// WorkflowMetadataStore backs tags, search attributes, and lifecycle
// derivation lookups.
type WorkflowMetadataStore interface {
	CreateWorkflowMetadata(ctx context.Context, meta WorkflowMetadata) error
	GetWorkflowMetadata(ctx context.Context, workflowID string) (*WorkflowMetadata, error)
	SetLifecycle(ctx context.Context, workflowID string, lifecycle Lifecycle) error
	MergeSearchAttributes(ctx context.Context, workflowID string, attrs map[string]any) error
	SearchWorkflows(ctx context.Context, workflowType string, equalityFilter map[string]any) ([]WorkflowMetadata, error)
}

// Backend composes every segregated interface plus io.Closer, for
// full-featured storage implementations (memory, sqlite, postgres).
type Backend interface {
	EventStore
	SnapshotStore
	SubscriptionStore
	ExternalSubscriptionStore
	ActivityStore
	DelayScheduleStore
	OffsetStore
	ScalingOperationStore
	WorkflowMetadataStore
	io.Closer
}
