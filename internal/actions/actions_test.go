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

package actions_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tombee/fluvioflow/internal/actions"
	"github.com/tombee/fluvioflow/internal/eventstore/memory"
	"github.com/tombee/fluvioflow/internal/processor"
	"github.com/tombee/fluvioflow/internal/stream"
	"github.com/tombee/fluvioflow/pkg/workflow"
)

type counterState struct{ Total int }
type incrementCmd struct{ N int }
type incrementedEvent struct{ N int }
type notifyEvent struct{ N int }

type counterDefinition struct{}

func (counterDefinition) Name() string { return "counter" }

func (counterDefinition) Decide(state *counterState, cmd any) ([]any, error) {
	c, ok := cmd.(incrementCmd)
	if !ok {
		return nil, &workflow.Rejection{Reason: "unknown command"}
	}
	return []any{incrementedEvent{N: c.N}}, nil
}

func (counterDefinition) Evolve(state *counterState, event any) *counterState {
	if state == nil {
		state = &counterState{}
	}
	if e, ok := event.(incrementedEvent); ok {
		state.Total += e.N
	}
	return state
}

func (counterDefinition) EventToCommand(event any) (any, bool) { return nil, false }

func (counterDefinition) IsFinalEvent(event any) bool { return false }

// flakyAdapter fails the first N calls to ActOn for a given workflow
// instance, then succeeds and yields an incrementCmd.
type flakyAdapter struct {
	failures int32
	calls    atomic.Int32
}

func (a *flakyAdapter) ToBeActOn(event any) bool {
	_, ok := event.(notifyEvent)
	return ok
}

func (a *flakyAdapter) ActOn(ctx context.Context, event any, actx *workflow.ActionContext, emit func(workflow.ActionYield) error) error {
	n := a.calls.Add(1)
	if err := emit(workflow.ActionYield{Checkpoint: &workflow.CheckpointData{Data: map[string]any{"attempt": n}}}); err != nil {
		return err
	}
	if int(n) <= int(a.failures) {
		return errors.New("transient failure")
	}
	ev, _ := event.(notifyEvent)
	return emit(workflow.ActionYield{Command: incrementCmd{N: ev.N}})
}

func newTestExecutor(t *testing.T, adapter workflow.Adapter) (*actions.Executor, *processor.CommandProcessor, *memory.Backend) {
	t.Helper()
	backend := memory.New()
	proc := processor.New(processor.Config{Backend: backend})
	proc.Register(workflow.Register[counterState, any, any](counterDefinition{}))

	policy := workflow.RetryPolicy{MaxRetries: 3, BackoffStrategy: "linear", BackoffMin: time.Millisecond, BackoffFactor: 0}
	ex, err := actions.New(actions.Config{
		WorkflowType:       "counter",
		Adapter:            adapter,
		Activities:         backend,
		Processor:          proc,
		DefaultRetryPolicy: &policy,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ex, proc, backend
}

func TestExecutorRunsActionAndProcessesResultingCommand(t *testing.T) {
	ctx := context.Background()
	adapter := &flakyAdapter{}
	ex, proc, _ := newTestExecutor(t, adapter)

	if _, err := proc.CreateNew(ctx, "counter", "counter-1", incrementCmd{N: 0}, nil); err != nil {
		t.Fatalf("CreateNew: %v", err)
	}

	event := stream.ConsumedEvent{WorkflowID: "counter-1", WorkflowType: "source", EventType: "notifyEvent", Version: 1}
	if err := ex.MaybeActOn(ctx, event, notifyEvent{N: 5}); err != nil {
		t.Fatalf("MaybeActOn: %v", err)
	}

	state, _, err := proc.GetCurrentState(ctx, "counter", "counter-1", false)
	if err != nil {
		t.Fatalf("GetCurrentState: %v", err)
	}
	cs, ok := state.(*counterState)
	if !ok || cs.Total != 5 {
		t.Fatalf("counter-1 Total = %+v, want 5", state)
	}
}

func TestExecutorRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	adapter := &flakyAdapter{failures: 2}
	ex, proc, _ := newTestExecutor(t, adapter)

	if _, err := proc.CreateNew(ctx, "counter", "counter-2", incrementCmd{N: 0}, nil); err != nil {
		t.Fatalf("CreateNew: %v", err)
	}

	event := stream.ConsumedEvent{WorkflowID: "counter-2", WorkflowType: "source", EventType: "notifyEvent", Version: 1}
	if err := ex.MaybeActOn(ctx, event, notifyEvent{N: 7}); err != nil {
		t.Fatalf("MaybeActOn: %v", err)
	}
	if adapter.calls.Load() != 3 {
		t.Fatalf("ActOn called %d times, want 3", adapter.calls.Load())
	}

	state, _, err := proc.GetCurrentState(ctx, "counter", "counter-2", false)
	if err != nil {
		t.Fatalf("GetCurrentState: %v", err)
	}
	cs, ok := state.(*counterState)
	if !ok || cs.Total != 7 {
		t.Fatalf("counter-2 Total = %+v, want 7", state)
	}
}

func TestExecutorSkipsEventsTheAdapterHasNoActionFor(t *testing.T) {
	ctx := context.Background()
	adapter := &flakyAdapter{}
	ex, _, _ := newTestExecutor(t, adapter)

	event := stream.ConsumedEvent{WorkflowID: "counter-3", WorkflowType: "source", EventType: "incrementedEvent", Version: 1}
	if err := ex.MaybeActOn(ctx, event, incrementedEvent{N: 1}); err != nil {
		t.Fatalf("MaybeActOn: %v", err)
	}
	if adapter.calls.Load() != 0 {
		t.Fatalf("ActOn called %d times, want 0", adapter.calls.Load())
	}
}

func TestExecutorSkipsAlreadyCompletedActivity(t *testing.T) {
	ctx := context.Background()
	adapter := &flakyAdapter{}
	ex, _, backend := newTestExecutor(t, adapter)

	if _, err := backend.GetOrCreateActivity(ctx, "counter-4", 1, nil); err != nil {
		t.Fatalf("GetOrCreateActivity: %v", err)
	}
	if err := backend.MarkActivityCompleted(ctx, "counter-4", 1, nil); err != nil {
		t.Fatalf("MarkActivityCompleted: %v", err)
	}

	event := stream.ConsumedEvent{WorkflowID: "counter-4", WorkflowType: "source", EventType: "notifyEvent", Version: 1}
	if err := ex.MaybeActOn(ctx, event, notifyEvent{N: 9}); err != nil {
		t.Fatalf("MaybeActOn: %v", err)
	}
	if adapter.calls.Load() != 0 {
		t.Fatalf("ActOn called %d times for an already-completed activity, want 0", adapter.calls.Load())
	}
}
