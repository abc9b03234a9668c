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

package delay_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/tombee/fluvioflow/internal/delay"
	"github.com/tombee/fluvioflow/internal/eventstore"
	"github.com/tombee/fluvioflow/internal/eventstore/memory"
	"github.com/tombee/fluvioflow/internal/processor"
	"github.com/tombee/fluvioflow/pkg/workflow"
)

type timerState struct{ Fired int }
type startCmd struct{ N int }
type startedEvent struct{ N int }

type timerDefinition struct{}

func (timerDefinition) Name() string { return "timer" }

func (timerDefinition) Decide(state *timerState, cmd any) ([]any, error) {
	c, ok := cmd.(startCmd)
	if !ok {
		return nil, &workflow.Rejection{Reason: "unknown command"}
	}
	return []any{startedEvent{N: c.N}}, nil
}

func (timerDefinition) Evolve(state *timerState, event any) *timerState {
	if state == nil {
		state = &timerState{}
	}
	if _, ok := event.(workflow.EvDelayComplete); ok {
		state.Fired++
	}
	return state
}

func (timerDefinition) EventToCommand(event any) (any, bool) { return nil, false }

func (timerDefinition) IsFinalEvent(event any) bool { return false }

func newTestScheduler(t *testing.T, interval time.Duration) (*delay.Scheduler, *processor.CommandProcessor, *memory.Backend) {
	t.Helper()
	backend := memory.New()
	proc := processor.New(processor.Config{Backend: backend})
	proc.Register(workflow.Register[timerState, any, any](timerDefinition{}))

	sched, err := delay.New(delay.Config{
		WorkflowType:  "timer",
		Store:         backend,
		Processor:     proc,
		CheckInterval: interval,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return sched, proc, backend
}

func mustCmd(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestSchedulerResumesOneShotDelayAndDeletesSchedule(t *testing.T) {
	ctx := context.Background()
	sched, proc, backend := newTestScheduler(t, time.Millisecond)

	if _, err := proc.CreateNew(ctx, "timer", "timer-1", startCmd{N: 1}, nil); err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	if err := backend.UpsertDelaySchedule(ctx, eventstore.DelaySchedule{
		WorkflowID:  "timer-1",
		DelayID:     "d1",
		FireAt:      time.Now().Add(-time.Minute),
		NextCommand: mustCmd(t, startCmd{N: 2}),
	}); err != nil {
		t.Fatalf("UpsertDelaySchedule: %v", err)
	}

	due, err := backend.ListDueDelaySchedules(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ListDueDelaySchedules: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("len(due) = %d, want 1", len(due))
	}

	runSchedulerOnce(t, ctx, sched)

	state, _, err := proc.GetCurrentState(ctx, "timer", "timer-1", false)
	if err != nil {
		t.Fatalf("GetCurrentState: %v", err)
	}
	ts, ok := state.(*timerState)
	if !ok || ts.Fired != 1 {
		t.Fatalf("timer-1 Fired = %+v, want 1", state)
	}

	due, err = backend.ListDueDelaySchedules(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ListDueDelaySchedules after resume: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("one-shot schedule still present after firing: %+v", due)
	}
}

func TestSchedulerReschedulesCronDelayToNextOccurrence(t *testing.T) {
	ctx := context.Background()
	sched, proc, backend := newTestScheduler(t, time.Millisecond)

	if _, err := proc.CreateNew(ctx, "timer", "timer-2", startCmd{N: 1}, nil); err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	firstFire := time.Now().Add(-time.Minute)
	if err := backend.UpsertDelaySchedule(ctx, eventstore.DelaySchedule{
		WorkflowID:  "timer-2",
		DelayID:     "cron1",
		FireAt:      firstFire,
		NextCommand: mustCmd(t, startCmd{N: 2}),
		CronExpr:    "* * * * *",
	}); err != nil {
		t.Fatalf("UpsertDelaySchedule: %v", err)
	}

	runSchedulerOnce(t, ctx, sched)

	due, err := backend.ListDueDelaySchedules(ctx, time.Now().Add(24*time.Hour), 10)
	if err != nil {
		t.Fatalf("ListDueDelaySchedules: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("len(due) = %d, want 1 rescheduled cron entry", len(due))
	}
	if !due[0].FireAt.After(firstFire) {
		t.Fatalf("rescheduled FireAt %v did not move forward from %v", due[0].FireAt, firstFire)
	}
	if due[0].CronExpr != "* * * * *" {
		t.Fatalf("rescheduled CronExpr = %q, want preserved", due[0].CronExpr)
	}

	state, _, err := proc.GetCurrentState(ctx, "timer", "timer-2", false)
	if err != nil {
		t.Fatalf("GetCurrentState: %v", err)
	}
	ts, ok := state.(*timerState)
	if !ok || ts.Fired != 1 {
		t.Fatalf("timer-2 Fired = %+v, want 1", state)
	}
}

func TestSchedulerDeletesStaleScheduleForUnknownWorkflow(t *testing.T) {
	ctx := context.Background()
	sched, _, backend := newTestScheduler(t, time.Millisecond)

	if err := backend.UpsertDelaySchedule(ctx, eventstore.DelaySchedule{
		WorkflowID:  "ghost",
		DelayID:     "d1",
		FireAt:      time.Now().Add(-time.Minute),
		NextCommand: mustCmd(t, startCmd{N: 1}),
	}); err != nil {
		t.Fatalf("UpsertDelaySchedule: %v", err)
	}

	runSchedulerOnce(t, ctx, sched)

	due, err := backend.ListDueDelaySchedules(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ListDueDelaySchedules: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("stale schedule for nonexistent workflow was not removed: %+v", due)
	}
}

// runSchedulerOnce runs the scheduler until ctx is cancelled, relying on
// the tiny CheckInterval passed to newTestScheduler to guarantee at least
// one poll before the timeout fires.
func runSchedulerOnce(t *testing.T, ctx context.Context, s *delay.Scheduler) {
	t.Helper()
	runCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := s.Run(runCtx); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

// fakeElector satisfies delay's unexported elector interface without
// needing a real Postgres advisory lock.
type fakeElector struct{ leader bool }

func (f fakeElector) IsLeader() bool { return f.leader }

func TestSchedulerSkipsPollWhenNotLeader(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	proc := processor.New(processor.Config{Backend: backend})
	proc.Register(workflow.Register[timerState, any, any](timerDefinition{}))

	sched, err := delay.New(delay.Config{
		WorkflowType:  "timer",
		Store:         backend,
		Processor:     proc,
		CheckInterval: time.Millisecond,
		Elector:       fakeElector{leader: false},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := proc.CreateNew(ctx, "timer", "timer-3", startCmd{N: 1}, nil); err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	if err := backend.UpsertDelaySchedule(ctx, eventstore.DelaySchedule{
		WorkflowID:  "timer-3",
		DelayID:     "d1",
		FireAt:      time.Now().Add(-time.Minute),
		NextCommand: mustCmd(t, startCmd{N: 2}),
	}); err != nil {
		t.Fatalf("UpsertDelaySchedule: %v", err)
	}

	runSchedulerOnce(t, ctx, sched)

	due, err := backend.ListDueDelaySchedules(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ListDueDelaySchedules: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("non-leader scheduler resumed a due schedule: len(due) = %d, want 1 untouched", len(due))
	}

	state, _, err := proc.GetCurrentState(ctx, "timer", "timer-3", false)
	if err != nil {
		t.Fatalf("GetCurrentState: %v", err)
	}
	ts, ok := state.(*timerState)
	if !ok || ts.Fired != 0 {
		t.Fatalf("timer-3 Fired = %+v, want 0 (non-leader must not resume)", state)
	}
}
