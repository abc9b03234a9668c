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

package processor_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/tombee/fluvioflow/internal/eventstore/memory"
	"github.com/tombee/fluvioflow/internal/processor"
	flowerrors "github.com/tombee/fluvioflow/pkg/errors"
	"github.com/tombee/fluvioflow/pkg/workflow"
)

// tabState and the tab command and event structs below form a minimal
// running-tab workflow used to exercise the command processor end to end:
// opening a tab, adding charges, and closing it (the final event).
type tabState struct {
	Open  bool
	Total int
}

type openTabCmd struct{}
type addChargeCmd struct{ Amount int }
type closeTabCmd struct{}

type tabOpened struct{}
type chargeAdded struct{ Amount int }
type tabClosed struct{}

type tabDefinition struct{}

func (tabDefinition) Name() string { return "tab" }

func (tabDefinition) Decide(state *tabState, cmd any) ([]any, error) {
	switch c := cmd.(type) {
	case openTabCmd:
		if state != nil {
			return nil, &workflow.Rejection{Reason: "tab already open"}
		}
		return []any{tabOpened{}}, nil
	case addChargeCmd:
		if state == nil || !state.Open {
			return nil, &workflow.Rejection{Reason: "tab not open"}
		}
		if c.Amount <= 0 {
			return nil, &workflow.Rejection{Reason: "amount must be positive"}
		}
		return []any{chargeAdded{Amount: c.Amount}}, nil
	case closeTabCmd:
		if state == nil || !state.Open {
			return nil, &workflow.Rejection{Reason: "tab not open"}
		}
		return []any{tabClosed{}}, nil
	default:
		return nil, &workflow.Rejection{Reason: "unknown command"}
	}
}

func (tabDefinition) Evolve(state *tabState, event any) *tabState {
	if state == nil {
		state = &tabState{}
	}
	switch e := event.(type) {
	case tabOpened:
		state.Open = true
	case chargeAdded:
		state.Total += e.Amount
	case tabClosed:
		state.Open = false
	}
	return state
}

func (tabDefinition) EventToCommand(event any) (any, bool) { return nil, false }

func (tabDefinition) IsFinalEvent(event any) bool {
	_, ok := event.(tabClosed)
	return ok
}

// DecodeEvent implements workflow.EventDecoder since the tab's events are
// several concrete structs rather than one, which the processor's default
// single-type decode can't reconstruct from a type name alone.
func (tabDefinition) DecodeEvent(eventType string, body []byte) (any, error) {
	switch eventType {
	case "tabOpened":
		return tabOpened{}, nil
	case "chargeAdded":
		var e chargeAdded
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, err
		}
		return e, nil
	case "tabClosed":
		return tabClosed{}, nil
	default:
		return nil, errors.New("tab: unknown event type " + eventType)
	}
}

func newProcessor(t *testing.T) (*processor.CommandProcessor, *memory.Backend) {
	t.Helper()
	backend := memory.New()
	p := processor.New(processor.Config{Backend: backend})
	p.Register(workflow.Register[tabState, any, any](tabDefinition{}))
	return p, backend
}

func TestCreateNewAndProcessCommand(t *testing.T) {
	ctx := context.Background()
	p, _ := newProcessor(t)

	result, err := p.CreateNew(ctx, "tab", "tab-1", openTabCmd{}, []string{"vip"})
	if err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	if result.Version != 1 {
		t.Fatalf("Version = %d, want 1", result.Version)
	}

	result, err = p.ProcessCommand(ctx, "tab", "tab-1", addChargeCmd{Amount: 10})
	if err != nil {
		t.Fatalf("ProcessCommand(add): %v", err)
	}
	state, ok := result.State.(*tabState)
	if !ok {
		t.Fatalf("state has unexpected type %T", result.State)
	}
	if state.Total != 10 || !state.Open {
		t.Fatalf("unexpected state: %+v", state)
	}
	if result.Version != 2 {
		t.Fatalf("Version = %d, want 2", result.Version)
	}
}

func TestProcessCommandRejection(t *testing.T) {
	ctx := context.Background()
	p, _ := newProcessor(t)

	if _, err := p.CreateNew(ctx, "tab", "tab-1", openTabCmd{}, nil); err != nil {
		t.Fatalf("CreateNew: %v", err)
	}

	_, err := p.ProcessCommand(ctx, "tab", "tab-1", addChargeCmd{Amount: -5})
	var rej *flowerrors.RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("expected *flowerrors.RejectionError, got %v", err)
	}
}

func TestCreateNewTwiceFails(t *testing.T) {
	ctx := context.Background()
	p, _ := newProcessor(t)

	if _, err := p.CreateNew(ctx, "tab", "tab-1", openTabCmd{}, nil); err != nil {
		t.Fatalf("CreateNew: %v", err)
	}

	_, err := p.CreateNew(ctx, "tab", "tab-1", openTabCmd{}, nil)
	var exists *flowerrors.AlreadyExistsError
	if !errors.As(err, &exists) {
		t.Fatalf("expected *flowerrors.AlreadyExistsError, got %v", err)
	}
}

func TestProcessCommandUnknownWorkflowFails(t *testing.T) {
	ctx := context.Background()
	p, _ := newProcessor(t)

	_, err := p.ProcessCommand(ctx, "tab", "never-created", addChargeCmd{Amount: 1})
	var notFound *flowerrors.WorkflowNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected *flowerrors.WorkflowNotFoundError, got %v", err)
	}
}

func TestPauseBlocksProcessCommand(t *testing.T) {
	ctx := context.Background()
	p, _ := newProcessor(t)

	if _, err := p.CreateNew(ctx, "tab", "tab-1", openTabCmd{}, nil); err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	if _, err := p.Pause(ctx, "tab", "tab-1", "maintenance"); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	_, err := p.ProcessCommand(ctx, "tab", "tab-1", addChargeCmd{Amount: 1})
	var lerr *flowerrors.LifecycleError
	if !errors.As(err, &lerr) {
		t.Fatalf("expected *flowerrors.LifecycleError, got %v", err)
	}

	if _, err := p.Resume(ctx, "tab", "tab-1", "done"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if _, err := p.ProcessCommand(ctx, "tab", "tab-1", addChargeCmd{Amount: 1}); err != nil {
		t.Fatalf("ProcessCommand after resume: %v", err)
	}
}

func TestCancelClearsDelaySchedulesAndLifecycle(t *testing.T) {
	ctx := context.Background()
	p, backend := newProcessor(t)

	if _, err := p.CreateNew(ctx, "tab", "tab-1", openTabCmd{}, nil); err != nil {
		t.Fatalf("CreateNew: %v", err)
	}

	if _, err := p.Cancel(ctx, "tab", "tab-1", "customer left"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	meta, err := backend.GetWorkflowMetadata(ctx, "tab-1")
	if err != nil || meta == nil {
		t.Fatalf("GetWorkflowMetadata: meta=%v err=%v", meta, err)
	}

	_, err = p.ProcessCommand(ctx, "tab", "tab-1", addChargeCmd{Amount: 1})
	var lerr *flowerrors.LifecycleError
	if !errors.As(err, &lerr) {
		t.Fatalf("expected *flowerrors.LifecycleError after cancel, got %v", err)
	}
}

func TestContinueAsNewResetsLogToSingleEvent(t *testing.T) {
	ctx := context.Background()
	p, backend := newProcessor(t)

	if _, err := p.CreateNew(ctx, "tab", "tab-1", openTabCmd{}, nil); err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	if _, err := p.ProcessCommand(ctx, "tab", "tab-1", addChargeCmd{Amount: 7}); err != nil {
		t.Fatalf("ProcessCommand: %v", err)
	}

	result, err := p.ContinueAsNew(ctx, "tab", "tab-1", nil)
	if err != nil {
		t.Fatalf("ContinueAsNew: %v", err)
	}
	if result.Version != 1 {
		t.Fatalf("Version = %d, want 1", result.Version)
	}

	version, err := backend.CurrentVersion(ctx, "tab-1")
	if err != nil {
		t.Fatalf("CurrentVersion: %v", err)
	}
	if version != 1 {
		t.Fatalf("CurrentVersion = %d, want 1", version)
	}
}

// TestContinueAsNewPreservesStateOnColdLoad exercises ContinueAsNew with
// no cache configured (newProcessor leaves Config.Cache nil), so every
// subsequent read goes through loadStateFull rather than the ephemeral
// cache — the path a different node, or a cache eviction, would also take.
// The forced snapshot predates the truncation and sits at a version past
// the new log's current version; loadStateFull must still use it for an
// unbounded load.
func TestContinueAsNewPreservesStateOnColdLoad(t *testing.T) {
	ctx := context.Background()
	p, _ := newProcessor(t)

	if _, err := p.CreateNew(ctx, "tab", "tab-1", openTabCmd{}, nil); err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	if _, err := p.ProcessCommand(ctx, "tab", "tab-1", addChargeCmd{Amount: 7}); err != nil {
		t.Fatalf("ProcessCommand: %v", err)
	}

	if _, err := p.ContinueAsNew(ctx, "tab", "tab-1", nil); err != nil {
		t.Fatalf("ContinueAsNew: %v", err)
	}

	state, version, err := p.LoadState(ctx, "tab", "tab-1", 0)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if version != 1 {
		t.Fatalf("version = %d, want 1", version)
	}
	tab, ok := state.(*tabState)
	if !ok {
		t.Fatalf("state has unexpected type %T", state)
	}
	if !tab.Open || tab.Total != 7 {
		t.Fatalf("state = %+v, want the pre-continue-as-new state (Open=true, Total=7)", tab)
	}
}

func TestReplayWorkflowRebuildsStateFromLog(t *testing.T) {
	ctx := context.Background()
	p, _ := newProcessor(t)

	if _, err := p.CreateNew(ctx, "tab", "tab-1", openTabCmd{}, nil); err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	if _, err := p.ProcessCommand(ctx, "tab", "tab-1", addChargeCmd{Amount: 3}); err != nil {
		t.Fatalf("ProcessCommand: %v", err)
	}
	if _, err := p.ProcessCommand(ctx, "tab", "tab-1", addChargeCmd{Amount: 4}); err != nil {
		t.Fatalf("ProcessCommand: %v", err)
	}

	replayed, err := p.ReplayWorkflow(ctx, "tab", "tab-1", 1)
	if err != nil {
		t.Fatalf("ReplayWorkflow: %v", err)
	}
	state, ok := replayed.(*tabState)
	if !ok {
		t.Fatalf("replayed has unexpected type %T", replayed)
	}
	if state.Total != 7 {
		t.Fatalf("state.Total = %d, want 7", state.Total)
	}

	partial, err := p.ReplayWorkflow(ctx, "tab", "tab-1", 3)
	if err != nil {
		t.Fatalf("ReplayWorkflow from version 3: %v", err)
	}
	partialState, ok := partial.(*tabState)
	if !ok {
		t.Fatalf("partial replay has unexpected type %T", partial)
	}
	if partialState.Total != 7 {
		t.Fatalf("partialState.Total = %d, want 7 (replay from a later version still reaches head)", partialState.Total)
	}
}

func TestLoadStateAtVersionBoundsTheFold(t *testing.T) {
	ctx := context.Background()
	p, _ := newProcessor(t)

	if _, err := p.CreateNew(ctx, "tab", "tab-1", openTabCmd{}, nil); err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	if _, err := p.ProcessCommand(ctx, "tab", "tab-1", addChargeCmd{Amount: 3}); err != nil {
		t.Fatalf("ProcessCommand: %v", err)
	}
	if _, err := p.ProcessCommand(ctx, "tab", "tab-1", addChargeCmd{Amount: 4}); err != nil {
		t.Fatalf("ProcessCommand: %v", err)
	}

	early, version, err := p.LoadState(ctx, "tab", "tab-1", 2)
	if err != nil {
		t.Fatalf("LoadState at version 2: %v", err)
	}
	if version != 2 {
		t.Fatalf("version = %d, want 2", version)
	}
	earlyState, ok := early.(*tabState)
	if !ok {
		t.Fatalf("early has unexpected type %T", early)
	}
	if earlyState.Total != 3 {
		t.Fatalf("earlyState.Total = %d, want 3 (charge added at version 3 must be excluded)", earlyState.Total)
	}

	current, version, err := p.LoadState(ctx, "tab", "tab-1", 0)
	if err != nil {
		t.Fatalf("LoadState at current version: %v", err)
	}
	if version != 3 {
		t.Fatalf("version = %d, want 3", version)
	}
	currentState, ok := current.(*tabState)
	if !ok {
		t.Fatalf("current has unexpected type %T", current)
	}
	if currentState.Total != 7 {
		t.Fatalf("currentState.Total = %d, want 7", currentState.Total)
	}
}

func TestSearchWorkflowsByAttributeAndExpr(t *testing.T) {
	ctx := context.Background()
	p, _ := newProcessor(t)

	if _, err := p.CreateNew(ctx, "tab", "tab-1", openTabCmd{}, nil); err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	if _, err := p.CreateNew(ctx, "tab", "tab-2", openTabCmd{}, nil); err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	if err := p.SetSearchAttributes(ctx, "tab-1", map[string]any{"region": "eu", "vip_level": 3}); err != nil {
		t.Fatalf("SetSearchAttributes: %v", err)
	}
	if err := p.SetSearchAttributes(ctx, "tab-2", map[string]any{"region": "eu", "vip_level": 1}); err != nil {
		t.Fatalf("SetSearchAttributes: %v", err)
	}

	results, err := p.SearchWorkflows(ctx, processor.SearchFilter{
		WorkflowType: "tab",
		Equals:       map[string]any{"region": "eu"},
		Expr:         "vip_level >= 2",
	})
	if err != nil {
		t.Fatalf("SearchWorkflows: %v", err)
	}
	if len(results) != 1 || results[0].WorkflowID != "tab-1" {
		t.Fatalf("unexpected results: %+v", results)
	}
}
