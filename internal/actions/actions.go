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

// Package actions executes the side effect an event triggers (an
// Adapter.ActOn call), with idempotency against redelivery, per-event
// checkpoint persistence so a crashed or slow action can resume rather
// than restart, and a recovery pass that finds and resumes actions left
// running by a process that died mid-attempt.
package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/tombee/fluvioflow/internal/eventstore"
	"github.com/tombee/fluvioflow/internal/log"
	"github.com/tombee/fluvioflow/internal/processor"
	"github.com/tombee/fluvioflow/internal/stream"
	"github.com/tombee/fluvioflow/pkg/workflow"
)

// DefaultRecoveryInterval is how often the recovery pass looks for
// interrupted actions, when Config doesn't override it.
const DefaultRecoveryInterval = 30 * time.Second

// DefaultStaleAfter is how long an activity may sit in running or
// retrying status, with no attempt, before the recovery pass considers
// it interrupted.
const DefaultStaleAfter = 5 * time.Minute

// Config configures an Executor for one workflow type.
type Config struct {
	// WorkflowType is the workflow type whose instances this executor
	// processes resulting commands against. Required.
	WorkflowType string

	// Adapter carries out the action and reports which events it has one
	// for. Required.
	Adapter workflow.Adapter

	// Activities backs idempotency, checkpointing, and recovery.
	// Required.
	Activities eventstore.ActivityStore

	// Processor runs the command an action yields, against the same
	// workflow instance. Required.
	Processor *processor.CommandProcessor

	// Store is consulted by the recovery pass to re-fetch the event body
	// of an interrupted action. Optional; recovery is disabled without
	// it (or without Decode): the pass returns at once and stale
	// activities are left untouched.
	Store eventstore.EventStore

	// Decode reconstructs an event's concrete Go value from its stored
	// type name and body, the same way the owning workflow type's
	// Registered.DecodeEvent does. Required for Store to be usable by
	// recovery.
	Decode func(eventType string, body json.RawMessage) (any, error)

	// DefaultRetryPolicy seeds a new activity's retry behavior. Zero
	// value uses workflow.DefaultRetryPolicy.
	DefaultRetryPolicy *workflow.RetryPolicy

	// RecoveryInterval is how often the recovery pass runs. Zero uses
	// DefaultRecoveryInterval.
	RecoveryInterval time.Duration

	// StaleAfter is how long a running or retrying activity may go
	// without an attempt before recovery resumes it. Zero uses
	// DefaultStaleAfter.
	StaleAfter time.Duration

	// ActionTimeout bounds a single ActOn call. Zero disables the
	// timeout.
	ActionTimeout time.Duration

	// Logger is the structured logger to use. If nil, uses
	// slog.Default().
	Logger *slog.Logger
}

// Executor runs one workflow type's actions, with idempotent,
// checkpointed retry and crash recovery.
type Executor struct {
	workflowType  string
	adapter       workflow.Adapter
	activities    eventstore.ActivityStore
	proc          *processor.CommandProcessor
	store         eventstore.EventStore
	decode        func(string, json.RawMessage) (any, error)
	defaultPolicy workflow.RetryPolicy
	recoveryEvery time.Duration
	staleAfter    time.Duration
	actionTimeout time.Duration
	logger        *slog.Logger

	mu       sync.Mutex
	inflight map[actionKey]struct{}
}

type actionKey struct {
	workflowID string
	version    int
}

// New constructs an Executor from cfg.
func New(cfg Config) (*Executor, error) {
	if cfg.WorkflowType == "" || cfg.Adapter == nil || cfg.Activities == nil || cfg.Processor == nil {
		return nil, fmt.Errorf("actions: WorkflowType, Adapter, Activities, and Processor are required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = log.WithComponent(logger, "actions").With(slog.String(log.WorkflowTypeKey, cfg.WorkflowType))

	policy := workflow.DefaultRetryPolicy()
	if cfg.DefaultRetryPolicy != nil {
		policy = *cfg.DefaultRetryPolicy
	}

	recoveryEvery := cfg.RecoveryInterval
	if recoveryEvery <= 0 {
		recoveryEvery = DefaultRecoveryInterval
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}

	return &Executor{
		workflowType:  cfg.WorkflowType,
		adapter:       cfg.Adapter,
		activities:    cfg.Activities,
		proc:          cfg.Processor,
		store:         cfg.Store,
		decode:        cfg.Decode,
		defaultPolicy: policy,
		recoveryEvery: recoveryEvery,
		staleAfter:    staleAfter,
		actionTimeout: cfg.ActionTimeout,
		logger:        logger,
		inflight:      make(map[actionKey]struct{}),
	}, nil
}

// Run drives the recovery pass until ctx is cancelled. Callers normally
// run this in its own goroutine alongside the runner that calls
// MaybeActOn.
func (e *Executor) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.recoveryEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.recoverInterrupted(ctx); err != nil {
				e.logger.Warn("action recovery pass failed", "error", err)
			}
		}
	}
}

// MaybeActOn implements runner.SideEffects: it runs the action for
// event if the adapter has one, skipping events already completed or
// already in flight for the same (workflow_id, version) pair.
func (e *Executor) MaybeActOn(ctx context.Context, event stream.ConsumedEvent, decoded any) error {
	if !e.adapter.ToBeActOn(decoded) {
		return nil
	}
	return e.actOn(ctx, event.WorkflowID, event.Version, decoded)
}

func (e *Executor) actOn(ctx context.Context, workflowID string, version int, decoded any) error {
	key := actionKey{workflowID, version}

	e.mu.Lock()
	if _, running := e.inflight[key]; running {
		e.mu.Unlock()
		e.logger.Debug("action already in flight", "workflow_id", workflowID, "event_version", version)
		return nil
	}
	e.inflight[key] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, key)
		e.mu.Unlock()
	}()

	activity, err := e.activities.GetActivity(ctx, workflowID, version)
	if err != nil {
		return fmt.Errorf("actions: get activity: %w", err)
	}
	if activity != nil && activity.Status == eventstore.ActivityCompleted {
		return nil
	}

	return e.runWithRetry(ctx, workflowID, version, decoded)
}

// runWithRetry executes decoded's action, retrying per the activity's
// retry policy and persisting a checkpoint after every attempt so a
// later resume (whether a redelivered event or the recovery pass)
// starts from where the last attempt left off rather than from
// scratch.
func (e *Executor) runWithRetry(ctx context.Context, workflowID string, version int, decoded any) error {
	policyBody, err := json.Marshal(e.defaultPolicy)
	if err != nil {
		return fmt.Errorf("actions: marshal default retry policy: %w", err)
	}
	activity, err := e.activities.GetOrCreateActivity(ctx, workflowID, version, policyBody)
	if err != nil {
		return fmt.Errorf("actions: get or create activity: %w", err)
	}

	policy := e.defaultPolicy
	if len(activity.RetryPolicy) > 0 {
		_ = json.Unmarshal(activity.RetryPolicy, &policy)
	}
	checkpoint := map[string]any{}
	if len(activity.Checkpoint) > 0 {
		_ = json.Unmarshal(activity.Checkpoint, &checkpoint)
	}

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		status := eventstore.ActivityRunning
		if attempt > 0 {
			status = eventstore.ActivityRetrying
		}
		if err := e.activities.UpdateActivityStatus(ctx, workflowID, version, status); err != nil {
			e.logger.Warn("update activity status failed", "workflow_id", workflowID, "error", err)
		}

		resultCmd, attemptErr := e.attempt(ctx, workflowID, version, decoded, attempt, policy, &checkpoint)

		if attemptErr == nil {
			if resultCmd != nil {
				if _, err := e.proc.ProcessCommand(ctx, e.workflowType, workflowID, resultCmd); err != nil {
					attemptErr = fmt.Errorf("process resulting command: %w", err)
				}
			}
		}

		if attemptErr == nil {
			var cmdBody json.RawMessage
			if resultCmd != nil {
				if b, err := json.Marshal(resultCmd); err == nil {
					cmdBody = b
				}
			}
			if err := e.activities.MarkActivityCompleted(ctx, workflowID, version, cmdBody); err != nil {
				e.logger.Warn("mark activity completed failed", "workflow_id", workflowID, "error", err)
			}
			e.logger.Info("action completed", "workflow_id", workflowID, "event_version", version, "retry_count", attempt)
			return nil
		}

		lastErr = attemptErr
		e.logger.Error("action attempt failed", "workflow_id", workflowID, "event_version", version, "attempt", attempt+1, "error", attemptErr)
		if err := e.activities.UpdateActivityError(ctx, workflowID, version, errClass(attemptErr), attemptErr.Error()); err != nil {
			e.logger.Warn("update activity error failed", "workflow_id", workflowID, "error", err)
		}

		if attempt < policy.MaxRetries {
			delay := policy.NextDelay(attempt + 1)
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			}
		}
	}

	if err := e.activities.MarkActivityFailed(ctx, workflowID, version, errClass(lastErr), lastErr.Error()); err != nil {
		e.logger.Warn("mark activity failed failed", "workflow_id", workflowID, "error", err)
	}
	e.logger.Error("action failed permanently", "workflow_id", workflowID, "event_version", version, "attempts", policy.MaxRetries+1)
	return lastErr
}

// attempt runs a single ActOn call, applying checkpoint yields as they
// arrive and saving the final checkpoint regardless of outcome, and
// returns the resulting command (if any) and the action's error.
func (e *Executor) attempt(ctx context.Context, workflowID string, version int, decoded any, attemptNum int, policy workflow.RetryPolicy, checkpoint *map[string]any) (any, error) {
	actx := &workflow.ActionContext{
		WorkflowID:  workflowID,
		EventNumber: version,
		Checkpoint:  cloneMap(*checkpoint),
		RetryCount:  attemptNum,
		RetryPolicy: policy,
	}
	actx.SetCheckpointSaver(func(ctx context.Context, data map[string]any) error {
		body, err := json.Marshal(data)
		if err != nil {
			return err
		}
		return e.activities.SaveActivityCheckpoint(ctx, workflowID, version, body)
	})

	runCtx := ctx
	if e.actionTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.actionTimeout)
		defer cancel()
	}

	var resultCmd any
	actErr := e.adapter.ActOn(runCtx, decoded, actx, func(y workflow.ActionYield) error {
		if y.Command != nil {
			resultCmd = y.Command
		}
		if y.Checkpoint != nil {
			for k, v := range y.Checkpoint.Data {
				actx.Checkpoint[k] = v
			}
			if y.Checkpoint.SaveNow {
				if err := actx.SaveCheckpointNow(ctx, y.Checkpoint.Data); err != nil {
					return err
				}
			}
		}
		return runCtx.Err()
	})

	*checkpoint = actx.Checkpoint
	if body, err := json.Marshal(actx.Checkpoint); err == nil {
		if err := e.activities.SaveActivityCheckpoint(ctx, workflowID, version, body); err != nil {
			e.logger.Warn("save checkpoint failed", "workflow_id", workflowID, "error", err)
		}
	}

	return resultCmd, actErr
}

// recoverInterrupted finds activities left running or retrying by a
// process that died mid-attempt and resumes them, re-fetching and
// redecoding each one's triggering event from the log.
func (e *Executor) recoverInterrupted(ctx context.Context) error {
	if e.store == nil || e.decode == nil {
		return nil
	}

	stale, err := e.activities.ListStaleActivities(ctx, time.Now().Add(-e.staleAfter))
	if err != nil {
		return fmt.Errorf("actions: list stale activities: %w", err)
	}

	for _, a := range stale {
		if a.Status != eventstore.ActivityRunning && a.Status != eventstore.ActivityRetrying {
			continue
		}

		raw, err := e.store.GetEvent(ctx, a.WorkflowID, a.EventVersion)
		if err != nil {
			e.logger.Warn("recovery: fetch event failed", "workflow_id", a.WorkflowID, "event_version", a.EventVersion, "error", err)
			continue
		}
		if raw == nil {
			e.logger.Warn("recovery: event no longer in log", "workflow_id", a.WorkflowID, "event_version", a.EventVersion)
			continue
		}

		decoded, err := e.decode(raw.EventType, raw.Body)
		if err != nil {
			e.logger.Warn("recovery: decode event failed", "workflow_id", a.WorkflowID, "event_version", a.EventVersion, "error", err)
			continue
		}

		e.logger.Info("recovering interrupted action", "workflow_id", a.WorkflowID, "event_version", a.EventVersion)
		if err := e.actOn(ctx, a.WorkflowID, a.EventVersion, decoded); err != nil {
			e.logger.Warn("recovery: resumed action failed again", "workflow_id", a.WorkflowID, "event_version", a.EventVersion, "error", err)
		}
	}

	return nil
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func errClass(err error) string {
	if err == nil {
		return ""
	}
	t := reflect.TypeOf(err)
	if t == nil {
		return "error"
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.String()
}
