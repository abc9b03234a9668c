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

// Package processor implements the command processor: the only component
// that ever appends to a workflow instance's event log. It runs the
// decide/evolve cycle, handles the framework's side-table events
// (subscriptions, schedules, lifecycle), retries on optimistic-concurrency
// collisions, and keeps the ephemeral state cache warm.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/tombee/fluvioflow/internal/cache"
	"github.com/tombee/fluvioflow/internal/eventstore"
	"github.com/tombee/fluvioflow/internal/upcast"
	flowerrors "github.com/tombee/fluvioflow/pkg/errors"
	"github.com/tombee/fluvioflow/pkg/workflow"
)

// DefaultSnapshotInterval is how many versions accumulate between automatic
// snapshots when Config.SnapshotInterval is left at zero.
const DefaultSnapshotInterval = 20

// maxAppendAttempts bounds the optimistic-concurrency retry loop. A
// collision means another writer won the race for the next version; the
// loser re-reads and retries rather than failing the caller.
const maxAppendAttempts = 5

// Config configures a CommandProcessor.
type Config struct {
	// Backend is the durable event store. Required.
	Backend eventstore.Backend

	// Cache holds hydrated state between commands so the common path
	// skips a full replay. Optional; when nil every command rehydrates
	// from the snapshot and log.
	Cache cache.Store

	// SnapshotInterval is how many appended versions accumulate before a
	// snapshot is written. Zero uses DefaultSnapshotInterval.
	SnapshotInterval int

	// Upcast migrates event bodies recorded under an old schema version
	// forward before they reach Evolve. Optional.
	Upcast *upcast.Chain

	// Logger is the structured logger to use. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Result is what a successful state-changing operation returns.
type Result struct {
	WorkflowID string
	State      any
	Version    int
	Events     []eventstore.Event
}

// CommandProcessor is the event-sourced runtime's single write path. One
// instance is shared across all workflow types registered with it.
type CommandProcessor struct {
	backend          eventstore.Backend
	cache            cache.Store
	snapshotInterval int
	upcast           *upcast.Chain
	logger           *slog.Logger

	mu       sync.RWMutex
	registry map[string]workflow.Registered
}

// New creates a CommandProcessor. Call Register for every workflow type it
// should be able to dispatch before the first ProcessCommand.
func New(cfg Config) *CommandProcessor {
	interval := cfg.SnapshotInterval
	if interval <= 0 {
		interval = DefaultSnapshotInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandProcessor{
		backend:          cfg.Backend,
		cache:            cfg.Cache,
		snapshotInterval: interval,
		upcast:           cfg.Upcast,
		logger:           logger,
		registry:         make(map[string]workflow.Registered),
	}
}

// Register adds a workflow type to the dispatch table, keyed by def.Name().
func (p *CommandProcessor) Register(def workflow.Registered) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registry[def.Name()] = def
}

func (p *CommandProcessor) lookup(workflowType string) (workflow.Registered, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	def, ok := p.registry[workflowType]
	if !ok {
		return nil, fmt.Errorf("processor: no workflow type registered as %q", workflowType)
	}
	return def, nil
}

// Lookup returns the Registered definition for workflowType, for callers
// outside this package (the runner's event router) that need to decode a
// raw event body or translate it into a command without going through
// ProcessCommand.
func (p *CommandProcessor) Lookup(workflowType string) (workflow.Registered, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	def, ok := p.registry[workflowType]
	return def, ok
}

// CreateNew starts a brand new workflow instance, running decide against a
// nil state. It fails with *flowerrors.AlreadyExistsError if workflowID
// already has events.
func (p *CommandProcessor) CreateNew(ctx context.Context, workflowType, workflowID string, cmd any, tags []string) (*Result, error) {
	def, err := p.lookup(workflowType)
	if err != nil {
		return nil, err
	}

	version, err := p.backend.CurrentVersion(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("processor: check existing version: %w", err)
	}
	if version > 0 {
		return nil, &flowerrors.AlreadyExistsError{WorkflowID: workflowID}
	}

	if err := p.backend.CreateWorkflowMetadata(ctx, eventstore.WorkflowMetadata{
		WorkflowID:   workflowID,
		WorkflowType: workflowType,
		Tags:         tags,
		Lifecycle:    eventstore.LifecycleActive,
		CreatedAt:    timeNow(),
		UpdatedAt:    timeNow(),
	}); err != nil {
		return nil, fmt.Errorf("processor: create workflow metadata: %w", err)
	}

	return p.appendDecided(ctx, def, workflowID, nil, 0, cmd)
}

// ProcessCommand runs the full decide/evolve cycle against the current
// state of workflowID, retrying on optimistic-concurrency collisions. A
// *workflow.Rejection returned by the workflow's Decide is surfaced as the
// error without appending anything.
func (p *CommandProcessor) ProcessCommand(ctx context.Context, workflowType, workflowID string, cmd any) (*Result, error) {
	def, err := p.lookup(workflowType)
	if err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= maxAppendAttempts; attempt++ {
		meta, err := p.backend.GetWorkflowMetadata(ctx, workflowID)
		if err != nil {
			return nil, fmt.Errorf("processor: load workflow metadata: %w", err)
		}
		if meta != nil && (meta.Lifecycle == eventstore.LifecyclePaused || meta.Lifecycle == eventstore.LifecycleCancelled) {
			return nil, &flowerrors.LifecycleError{WorkflowID: workflowID, State: string(meta.Lifecycle), Operation: "process_command"}
		}

		state, version, err := p.hydrate(ctx, def, workflowType, workflowID)
		if err != nil {
			return nil, err
		}
		if version == 0 {
			return nil, &flowerrors.WorkflowNotFoundError{WorkflowID: workflowID}
		}

		result, err := p.appendDecided(ctx, def, workflowID, state, version, cmd)
		if err != nil {
			var conflict *flowerrors.ConcurrentModificationError
			if errors.As(err, &conflict) && attempt < maxAppendAttempts {
				continue
			}
			return nil, err
		}
		return result, nil
	}

	return nil, &flowerrors.ConcurrentModificationError{WorkflowID: workflowID, Attempts: maxAppendAttempts}
}

// appendDecided runs decide/evolve against (state, version) and, if it
// produced events, appends them along with their side-table mutations.
// Passing a nil state and version 0 is how CreateNew decides against a
// fresh instance.
func (p *CommandProcessor) appendDecided(ctx context.Context, def workflow.Registered, workflowID string, state any, version int, cmd any) (*Result, error) {
	newState, events, err := def.DecideAndEvolve(state, cmd)
	if err != nil {
		var rej *workflow.Rejection
		if errors.As(err, &rej) {
			return nil, &flowerrors.RejectionError{Reason: rej.Reason}
		}
		return nil, err
	}
	if len(events) == 0 {
		return &Result{WorkflowID: workflowID, State: newState, Version: version}, nil
	}

	storeEvents, err := p.buildEvents(ctx, def.Name(), workflowID, version, events)
	if err != nil {
		return nil, err
	}

	if err := p.applySideEffects(ctx, workflowID, events); err != nil {
		return nil, fmt.Errorf("processor: apply side effects: %w", err)
	}

	if err := p.backend.AppendEvents(ctx, workflowID, def.Name(), version, storeEvents); err != nil {
		return nil, err
	}

	newVersion := version + len(events)
	if err := p.maybeSnapshot(ctx, workflowID, newVersion, newState); err != nil {
		return nil, fmt.Errorf("processor: snapshot: %w", err)
	}

	final := def.IsFinalEvent(events[len(events)-1])
	p.updateCache(ctx, workflowID, newVersion, newState, final)

	return &Result{WorkflowID: workflowID, State: newState, Version: newVersion, Events: storeEvents}, nil
}

// buildEvents marshals decide's output into durable eventstore.Event rows
// with contiguous versions, injecting the owning instance's tags into each
// event's metadata (spec.md's workflow-tag-on-event requirement).
func (p *CommandProcessor) buildEvents(ctx context.Context, workflowType, workflowID string, baseVersion int, events []any) ([]eventstore.Event, error) {
	meta, err := p.backend.GetWorkflowMetadata(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load workflow metadata for tag injection: %w", err)
	}

	out := make([]eventstore.Event, 0, len(events))
	for i, ev := range events {
		body, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("marshal event %s: %w", typeName(ev), err)
		}
		metadata := map[string]any{}
		if meta != nil && len(meta.Tags) > 0 {
			metadata["tags"] = meta.Tags
		}
		out = append(out, eventstore.Event{
			WorkflowID:   workflowID,
			WorkflowType: workflowType,
			Version:      baseVersion + i + 1,
			EventType:    typeName(ev),
			Body:         body,
			SchemaVer:    schemaVersion(ev),
			Metadata:     metadata,
			CreatedAt:    timeNow(),
		})
	}
	return out, nil
}

// applySideEffects recognizes framework control events among those decide
// produced and mutates the corresponding side table, in the same logical
// step as the event insert (spec.md's subscription-mutations-as-events and
// the resolved delay-registration-transactionality open question).
func (p *CommandProcessor) applySideEffects(ctx context.Context, workflowID string, events []any) error {
	for _, ev := range events {
		switch e := ev.(type) {
		case workflow.SubscriptionAdded:
			if err := p.backend.AddSubscription(ctx, eventstore.Subscription{
				SubscriberWorkflowID: workflowID,
				SourceWorkflowID:     e.Sub.WorkflowID,
				EventType:            e.Sub.EventType,
				TagsAny:              e.Sub.Tags,
				TagsAll:              e.Sub.TagsAll,
			}); err != nil {
				return err
			}
		case workflow.SubscriptionRemoved:
			if err := p.backend.RemoveSubscription(ctx, eventstore.Subscription{
				SubscriberWorkflowID: workflowID,
				SourceWorkflowID:     e.Sub.WorkflowID,
				EventType:            e.Sub.EventType,
				TagsAny:              e.Sub.Tags,
				TagsAll:              e.Sub.TagsAll,
			}); err != nil {
				return err
			}
		case workflow.ExternalSubscriptionAdded:
			if err := p.backend.AddExternalSubscription(ctx, eventstore.ExternalSubscription{
				WorkflowID: workflowID,
				Topic:      e.ExternalSub.Topic,
			}); err != nil {
				return err
			}
		case workflow.ExternalSubscriptionRemoved:
			if err := p.backend.RemoveExternalSubscription(ctx, eventstore.ExternalSubscription{
				WorkflowID: workflowID,
				Topic:      e.ExternalSub.Topic,
			}); err != nil {
				return err
			}
		case workflow.EvDelay:
			next, err := json.Marshal(e.NextCommand)
			if err != nil {
				return fmt.Errorf("marshal delay next_command: %w", err)
			}
			if err := p.backend.UpsertDelaySchedule(ctx, eventstore.DelaySchedule{
				WorkflowID:  workflowID,
				DelayID:     e.DelayID,
				FireAt:      e.FireAt,
				NextCommand: next,
				CronExpr:    e.CronExpr,
				Timezone:    e.Timezone,
			}); err != nil {
				return err
			}
		case workflow.ScheduleRemoved:
			if err := p.backend.DeleteDelaySchedule(ctx, workflowID, e.DelayID); err != nil {
				return err
			}
		case workflow.SystemCancel:
			if err := p.backend.DeleteAllDelaySchedules(ctx, workflowID); err != nil {
				return err
			}
			if err := p.backend.SetLifecycle(ctx, workflowID, eventstore.LifecycleCancelled); err != nil {
				return err
			}
		case workflow.SystemPause:
			if err := p.backend.SetLifecycle(ctx, workflowID, eventstore.LifecyclePaused); err != nil {
				return err
			}
		case workflow.SystemResume:
			if err := p.backend.SetLifecycle(ctx, workflowID, eventstore.LifecycleActive); err != nil {
				return err
			}
		}
	}
	return nil
}

// maybeSnapshot upserts a snapshot when newVersion lands on the configured
// interval, so the next hydration skips replaying the events already
// captured.
func (p *CommandProcessor) maybeSnapshot(ctx context.Context, workflowID string, newVersion int, state any) error {
	if newVersion%p.snapshotInterval != 0 {
		return nil
	}
	return p.forceSnapshot(ctx, workflowID, newVersion, state)
}

func (p *CommandProcessor) forceSnapshot(ctx context.Context, workflowID string, version int, state any) error {
	body, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return p.backend.SaveSnapshot(ctx, eventstore.Snapshot{
		WorkflowID: workflowID,
		Version:    version,
		State:      body,
		UpdatedAt:  timeNow(),
	})
}

func (p *CommandProcessor) updateCache(ctx context.Context, workflowID string, version int, state any, final bool) {
	if p.cache == nil {
		return
	}
	var err error
	if final {
		err = p.cache.RemoveState(ctx, workflowID)
	} else {
		err = p.cache.PutState(ctx, cache.StoredState{WorkflowID: workflowID, Version: version, State: state})
	}
	if err != nil {
		p.logger.Warn("cache update failed", "workflow_id", workflowID, "error", err)
	}
}

// typeName derives an event's wire type name from its Go type, stripping
// any pointer indirection. Framework and application events alike are
// named this way, so EventType in the log reads like "SystemPause" or
// "OrderPlaced" rather than a fully qualified Go path.
func typeName(v any) string {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil {
		return "unknown"
	}
	return t.Name()
}

// schemaVersioned is implemented by event types that don't start their
// life at schema version 1.
type schemaVersioned interface {
	SchemaVersion() int
}

func schemaVersion(ev any) int {
	if sv, ok := ev.(schemaVersioned); ok {
		return sv.SchemaVersion()
	}
	return 1
}

func timeNow() time.Time { return time.Now().UTC() }
