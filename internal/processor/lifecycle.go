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

package processor

import (
	"context"
	"fmt"

	"github.com/tombee/fluvioflow/internal/eventstore"
	flowerrors "github.com/tombee/fluvioflow/pkg/errors"
	"github.com/tombee/fluvioflow/pkg/workflow"
)

// Pause appends a SystemPause event and moves the instance's derived
// lifecycle to paused. It is a no-op error if the instance is already
// paused or cancelled.
func (p *CommandProcessor) Pause(ctx context.Context, workflowType, workflowID, reason string) (*Result, error) {
	return p.appendLifecycleEvent(ctx, workflowType, workflowID, "pause", eventstore.LifecycleActive, workflow.SystemPause{Reason: reason})
}

// Resume appends a SystemResume event, moving the instance back to active.
// It fails with *flowerrors.LifecycleError if the instance isn't paused.
func (p *CommandProcessor) Resume(ctx context.Context, workflowType, workflowID, reason string) (*Result, error) {
	return p.appendLifecycleEvent(ctx, workflowType, workflowID, "resume", eventstore.LifecyclePaused, workflow.SystemResume{Reason: reason})
}

// Cancel appends a SystemCancel event, clears every pending delay schedule
// for the instance, and moves its lifecycle to cancelled. Cancelling a
// workflow does not stop an action that is already running: the action
// executor does not watch lifecycle changes, so the action runs until it
// returns or its timeout expires.
func (p *CommandProcessor) Cancel(ctx context.Context, workflowType, workflowID, reason string) (*Result, error) {
	return p.appendLifecycleEvent(ctx, workflowType, workflowID, "cancel", "", workflow.SystemCancel{Reason: reason})
}

// appendLifecycleEvent inserts a single synthetic event outside the normal
// decide/evolve path. requiredState, when non-empty, is the only lifecycle
// the operation is valid from; an empty requiredState means any lifecycle
// except the target is acceptable (used by Cancel, valid from active or
// paused).
func (p *CommandProcessor) appendLifecycleEvent(ctx context.Context, workflowType, workflowID, op string, requiredState eventstore.Lifecycle, event any) (*Result, error) {
	def, err := p.lookup(workflowType)
	if err != nil {
		return nil, err
	}

	meta, err := p.backend.GetWorkflowMetadata(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("processor: load workflow metadata: %w", err)
	}
	if meta == nil {
		return nil, &flowerrors.WorkflowNotFoundError{WorkflowID: workflowID}
	}
	if requiredState != "" && meta.Lifecycle != requiredState {
		return nil, &flowerrors.LifecycleError{WorkflowID: workflowID, State: string(meta.Lifecycle), Operation: op}
	}
	if requiredState == "" && meta.Lifecycle == eventstore.LifecycleCancelled {
		return nil, &flowerrors.LifecycleError{WorkflowID: workflowID, State: string(meta.Lifecycle), Operation: op}
	}

	state, version, err := p.hydrate(ctx, def, workflowType, workflowID)
	if err != nil {
		return nil, err
	}

	storeEvents, err := p.buildEvents(ctx, workflowType, workflowID, version, []any{event})
	if err != nil {
		return nil, err
	}
	if err := p.applySideEffects(ctx, workflowID, []any{event}); err != nil {
		return nil, fmt.Errorf("processor: apply side effects: %w", err)
	}
	if err := p.backend.AppendEvents(ctx, workflowID, workflowType, version, storeEvents); err != nil {
		return nil, err
	}

	newState := def.Evolve(state, event)
	newVersion := version + 1
	if err := p.maybeSnapshot(ctx, workflowID, newVersion, newState); err != nil {
		return nil, fmt.Errorf("processor: snapshot: %w", err)
	}
	p.updateCache(ctx, workflowID, newVersion, newState, op == "cancel")

	return &Result{WorkflowID: workflowID, State: newState, Version: newVersion, Events: storeEvents}, nil
}

// ContinueAsNew forces a snapshot at the current version, deletes the
// instance's entire event log, inserts a single ContinueAsNew marker event
// at version 1, and, if cmd is non-nil, immediately re-enters
// ProcessCommand against the preserved state with that command.
func (p *CommandProcessor) ContinueAsNew(ctx context.Context, workflowType, workflowID string, cmd any) (*Result, error) {
	def, err := p.lookup(workflowType)
	if err != nil {
		return nil, err
	}

	state, version, err := p.hydrate(ctx, def, workflowType, workflowID)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, &flowerrors.WorkflowNotFoundError{WorkflowID: workflowID}
	}

	if err := p.forceSnapshot(ctx, workflowID, version, state); err != nil {
		return nil, fmt.Errorf("processor: force snapshot before continue-as-new: %w", err)
	}
	if err := p.backend.DeleteEventLog(ctx, workflowID); err != nil {
		return nil, fmt.Errorf("processor: delete event log: %w", err)
	}

	marker := workflow.ContinueAsNew{PriorVersion: version}
	storeEvents, err := p.buildEvents(ctx, workflowType, workflowID, 0, []any{marker})
	if err != nil {
		return nil, err
	}
	if err := p.backend.AppendEvents(ctx, workflowID, workflowType, 0, storeEvents); err != nil {
		return nil, err
	}
	p.updateCache(ctx, workflowID, 1, state, false)

	if cmd == nil {
		return &Result{WorkflowID: workflowID, State: state, Version: 1, Events: storeEvents}, nil
	}
	return p.ProcessCommand(ctx, workflowType, workflowID, cmd)
}
