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

// Package workflow defines the contract application code implements to
// describe a durable workflow: a pure decide/evolve state machine plus the
// side-effect adapter the runtime drives on its behalf.
package workflow

import (
	"context"
	"time"
)

// Rejection is returned by Decide when a command must not produce events.
// It travels as a Go error so callers use the normal error-handling path
// instead of a tagged-union return.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string {
	if r.Reason == "" {
		return "command rejected"
	}
	return r.Reason
}

// Sub is an internal subscription: a workflow declares interest in events
// of a given type emitted by another workflow instance (or, with
// WorkflowID == "*", any instance of that type).
type Sub struct {
	EventType  string   `json:"event_type"`
	WorkflowID string   `json:"workflow_id"`
	Tags       []string `json:"tags,omitempty"`
	TagsAll    []string `json:"tags_all,omitempty"`
}

// MatchesTags reports whether the subscription's tag filters are satisfied
// by the union of the event's tags and the owning workflow's tags. Tags is
// an OR match (any one present); TagsAll is an AND match (all present).
func (s Sub) MatchesTags(eventTags, workflowTags []string) bool {
	all := make(map[string]struct{}, len(eventTags)+len(workflowTags))
	for _, t := range eventTags {
		all[t] = struct{}{}
	}
	for _, t := range workflowTags {
		all[t] = struct{}{}
	}

	if len(s.Tags) > 0 {
		matched := false
		for _, t := range s.Tags {
			if _, ok := all[t]; ok {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	for _, t := range s.TagsAll {
		if _, ok := all[t]; !ok {
			return false
		}
	}

	return true
}

// ExternalSub is a subscription to a message on an external broker topic,
// rather than to another workflow instance's events.
type ExternalSub struct {
	Topic string `json:"topic"`
}

// RetryPolicy controls the action executor's backoff behavior for a single
// activity (one event's side effect).
type RetryPolicy struct {
	MaxRetries      int           `json:"max_retries"`
	BackoffStrategy string        `json:"backoff_strategy"` // "exponential" | "linear"
	BackoffMin      time.Duration `json:"backoff_min"`
	BackoffMax      time.Duration `json:"backoff_max"`
	BackoffFactor   float64       `json:"backoff_factor"`
	Jitter          bool          `json:"jitter"`
}

// DefaultRetryPolicy returns the executor's default retry behavior: three
// retries with exponential backoff between 1s and 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		BackoffStrategy: "exponential",
		BackoffMin:      time.Second,
		BackoffMax:      30 * time.Second,
		BackoffFactor:   2.0,
	}
}

// NextDelay computes the backoff delay before retry attempt n (1-indexed).
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	var d time.Duration
	switch p.BackoffStrategy {
	case "linear":
		d = time.Duration(float64(attempt)*p.BackoffFactor) * time.Second
	default: // exponential
		secs := pow(p.BackoffFactor, attempt)
		d = time.Duration(secs * float64(time.Second))
	}
	if d < p.BackoffMin {
		d = p.BackoffMin
	}
	if p.BackoffMax > 0 && d > p.BackoffMax {
		d = p.BackoffMax
	}
	return d
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// ActionContext is passed to Adapter.ActOn, carrying the checkpoint from a
// prior attempt (if any) and a hook to persist checkpoint updates
// immediately rather than waiting for the action to finish.
type ActionContext struct {
	WorkflowID  string
	EventNumber int
	Checkpoint  map[string]any
	RetryCount  int
	RetryPolicy RetryPolicy

	saveNow func(ctx context.Context, data map[string]any) error
}

// SetCheckpointSaver wires the immediate-persistence callback; called by
// the action executor before invoking ActOn.
func (a *ActionContext) SetCheckpointSaver(fn func(ctx context.Context, data map[string]any) error) {
	a.saveNow = fn
}

// SaveCheckpointNow merges data into the context's checkpoint and persists
// it immediately, rather than waiting for the action to complete.
func (a *ActionContext) SaveCheckpointNow(ctx context.Context, data map[string]any) error {
	if a.Checkpoint == nil {
		a.Checkpoint = map[string]any{}
	}
	for k, v := range data {
		a.Checkpoint[k] = v
	}
	if a.saveNow == nil {
		return nil
	}
	return a.saveNow(ctx, a.Checkpoint)
}

// ActionYield is one value an Adapter's ActOn emits: exactly one of Command,
// Checkpoint, or TimeoutSeconds is set. This is the Go idiom for Python's
// `AsyncIterator[Union[C, CheckpointYield, ActionTimeout]]` — a callback the
// action body invokes instead of yielding from a generator.
type ActionYield struct {
	// Command, when non-nil, is processed via the command processor against
	// the same workflow instance, before the action is marked complete.
	Command any

	// Checkpoint, when non-nil, is merged into the action context's
	// checkpoint. If SaveNow is set the merged checkpoint is persisted
	// immediately rather than at the end of the action.
	Checkpoint *CheckpointData

	// TimeoutSeconds, when > 0, asks the executor to bound the remainder of
	// the action (everything emitted after this yield) to the given
	// duration.
	TimeoutSeconds float64
}

// CheckpointData is emitted via ActionYield.Checkpoint.
type CheckpointData struct {
	Data    map[string]any
	SaveNow bool
}

// Adapter executes the side effect ("action") triggered by an event, with
// idempotency and checkpoint/resume support managed by the action executor.
type Adapter interface {
	// ActOn runs the action for event, emitting zero or more ActionYields
	// via emit. emit returns an error when the executor wants the action to
	// stop (e.g. the context was cancelled by a timeout); ActOn should
	// return promptly when that happens.
	ActOn(ctx context.Context, event any, actx *ActionContext, emit func(ActionYield) error) error

	// ToBeActOn reports whether this adapter has a side effect for event at
	// all; events for which this returns false never create an Activity row.
	ToBeActOn(event any) bool
}

// DBSyncer is an optional extension an Adapter may implement to maintain a
// denormalized projection in the same transaction as the event insert.
type DBSyncer interface {
	// SyncDB is called by the command processor after subscription
	// side-table handling and before commit. Implementations must not
	// commit or roll back tx themselves.
	SyncDB(ctx context.Context, tx any, workflowID string, oldState, newState any, events []any) error
}
