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

// CompleteDelay appends an EvDelayComplete event for workflowID outside
// the normal decide/evolve path, the way appendLifecycleEvent does for
// system lifecycle events. Called by the delay scheduler when a
// registered delay's fire time arrives; the runner later routes the
// appended event back to EventToCommand the same way it routes any
// other event.
func (p *CommandProcessor) CompleteDelay(ctx context.Context, workflowType, workflowID string, event workflow.EvDelayComplete) (*Result, error) {
	def, err := p.lookup(workflowType)
	if err != nil {
		return nil, err
	}

	meta, err := p.backend.GetWorkflowMetadata(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("processor: load workflow metadata: %w", err)
	}
	if meta != nil && (meta.Lifecycle == eventstore.LifecyclePaused || meta.Lifecycle == eventstore.LifecycleCancelled) {
		return nil, &flowerrors.LifecycleError{WorkflowID: workflowID, State: string(meta.Lifecycle), Operation: "complete_delay"}
	}

	state, version, err := p.hydrate(ctx, def, workflowType, workflowID)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, &flowerrors.WorkflowNotFoundError{WorkflowID: workflowID}
	}

	storeEvents, err := p.buildEvents(ctx, workflowType, workflowID, version, []any{event})
	if err != nil {
		return nil, err
	}
	if err := p.backend.AppendEvents(ctx, workflowID, workflowType, version, storeEvents); err != nil {
		return nil, err
	}

	newState := def.Evolve(state, event)
	newVersion := version + 1
	if err := p.maybeSnapshot(ctx, workflowID, newVersion, newState); err != nil {
		return nil, fmt.Errorf("processor: snapshot: %w", err)
	}
	p.updateCache(ctx, workflowID, newVersion, newState, false)

	return &Result{WorkflowID: workflowID, State: newState, Version: newVersion, Events: storeEvents}, nil
}
