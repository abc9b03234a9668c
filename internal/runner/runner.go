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

// Package runner drives one workflow type's event routing loop: it reads
// the global event log in order, decides which instances of its workflow
// type an event should produce a command for (self-continuation, a direct
// message, or subscription-cache matches), dispatches process_command
// concurrently up to a configured in-flight limit while still preserving
// per-instance ordering, and hands every event belonging to its own
// workflow type to the action executor and delay scheduler via SideEffects.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tombee/fluvioflow/internal/eventstore"
	"github.com/tombee/fluvioflow/internal/inflight"
	"github.com/tombee/fluvioflow/internal/log"
	"github.com/tombee/fluvioflow/internal/processor"
	"github.com/tombee/fluvioflow/internal/ratelimit"
	"github.com/tombee/fluvioflow/internal/stream"
	"github.com/tombee/fluvioflow/internal/subscription"
	"github.com/tombee/fluvioflow/pkg/workflow"
)

// DefaultScalingCheckInterval is how many events accumulate between polls
// of the workflow type's active scaling operation, when Config doesn't
// override it.
const DefaultScalingCheckInterval = 50

// Config configures a Runner for one workflow type.
type Config struct {
	// Name identifies this runner as a stream reader; defaults to
	// "<WorkflowType>_runner".
	Name string

	// WorkflowType is the workflow type this runner routes events for and
	// processes commands against. Required.
	WorkflowType string

	// Processor is the shared command processor. Required.
	Processor *processor.CommandProcessor

	// Store is the event log the runner reads from. Required.
	Store eventstore.EventStore

	// Offsets backs the runner's own stream reader checkpoint. Required.
	Offsets eventstore.OffsetStore

	// Subscriptions backs the subscription cache's initial load.
	// Required.
	Subscriptions eventstore.SubscriptionStore

	// Scaling backs partition rebalance coordination. Optional; a nil
	// value disables scaling checks entirely.
	Scaling eventstore.ScalingOperationStore

	// ScalingCheckInterval is how many events accumulate between polls of
	// an active scaling operation. Zero uses DefaultScalingCheckInterval.
	ScalingCheckInterval int

	// SideEffects drives the action executor and delay scheduler.
	// Defaults to NoSideEffects.
	SideEffects SideEffects

	// WorkflowIDRule, when set, restricts which instance IDs this runner
	// will act on or notify, for partitioned deployments sharding a
	// workflow type's instances across several runner processes.
	WorkflowIDRule func(workflowID string) bool

	// MaxInflight bounds how many events this runner processes
	// concurrently. Must be at least 1; values below 1 are treated as 1.
	MaxInflight int

	// MaxEventsPerSecond throttles how fast the runner dispatches events,
	// regardless of MaxInflight. Zero disables rate limiting.
	MaxEventsPerSecond float64

	// Logger is the structured logger to use. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Runner routes events for one workflow type and drives its command
// processing and side effects. Create one Runner per workflow type per
// process; Run blocks until ctx is cancelled or an unrecoverable error
// occurs.
type Runner struct {
	name         string
	workflowType string
	proc         *processor.CommandProcessor
	reader       *stream.Reader
	subs         *subscription.Cache
	subStore     eventstore.SubscriptionStore
	scaling      eventstore.ScalingOperationStore
	scalingEvery int
	sideEffects  SideEffects
	wfIDRule     func(string) bool
	maxInflight  int
	tokenBucket  *ratelimit.TokenBucket
	logger       *slog.Logger
}

// New constructs a Runner from cfg.
func New(cfg Config) (*Runner, error) {
	if cfg.WorkflowType == "" {
		return nil, fmt.Errorf("runner: WorkflowType is required")
	}
	if cfg.Processor == nil || cfg.Store == nil || cfg.Offsets == nil || cfg.Subscriptions == nil {
		return nil, fmt.Errorf("runner: Processor, Store, Offsets, and Subscriptions are required")
	}

	name := cfg.Name
	if name == "" {
		name = cfg.WorkflowType + "_runner"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = log.WithComponent(logger, "runner").With(slog.String(log.WorkflowTypeKey, cfg.WorkflowType))

	scalingEvery := cfg.ScalingCheckInterval
	if scalingEvery <= 0 {
		scalingEvery = DefaultScalingCheckInterval
	}

	maxInflight := cfg.MaxInflight
	if maxInflight < 1 {
		maxInflight = 1
	}

	sideEffects := cfg.SideEffects
	if sideEffects == nil {
		sideEffects = NoSideEffects{}
	}

	var bucket *ratelimit.TokenBucket
	if cfg.MaxEventsPerSecond > 0 {
		bucket = ratelimit.New(cfg.MaxEventsPerSecond)
	}

	reader := stream.NewReader(name, cfg.Store, cfg.Offsets, stream.WithLogger(logger))

	return &Runner{
		name:         name,
		workflowType: cfg.WorkflowType,
		proc:         cfg.Processor,
		reader:       reader,
		subs:         subscription.NewCache(),
		subStore:     cfg.Subscriptions,
		scaling:      cfg.Scaling,
		scalingEvery: scalingEvery,
		sideEffects:  sideEffects,
		wfIDRule:     cfg.WorkflowIDRule,
		maxInflight:  maxInflight,
		tokenBucket:  bucket,
		logger:       logger,
	}, nil
}

// Prime loads the subscription cache. Run calls this itself if it hasn't
// been called yet, but callers that want to observe load errors before
// starting the loop (or warm the cache ahead of a readiness check) can
// call it explicitly.
func (r *Runner) Prime(ctx context.Context) error {
	return r.subs.Load(ctx, r.subStore, r.workflowType)
}

// Run polls the event log and dispatches command processing until ctx is
// cancelled, a scaling operation's target offset is reached, or an
// unrecoverable error occurs. It does not return on a single instance's
// ProcessCommand failure; that failure is logged and the event is
// considered handled so the runner makes forward progress.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.Prime(ctx); err != nil {
		return fmt.Errorf("runner %s: prime subscription cache: %w", r.name, err)
	}
	r.logger.Info("runner starting", "reader", r.name)

	// inflight.Tracker isn't safe for concurrent use, so every mutation —
	// both registering a newly dispatched event and marking one done —
	// flows through this single channel into the one goroutine that owns
	// it, rather than the dispatch loop and the reaper touching it from
	// two goroutines.
	tracker := inflight.New()
	sem := make(chan struct{}, r.maxInflight)
	trackerOps := make(chan trackerOp, r.maxInflight*2+2)
	gates := &gateTable{m: make(map[string]chan struct{})}

	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		for op := range trackerOps {
			if !op.done {
				tracker.Register(op.seq)
				continue
			}
			tracker.MarkDone(op.seq)
			if committed := tracker.CommittableOffset(); committed > 0 {
				r.reader.SetCommittedOffset(committed)
			}
		}
	}()

	var wg sync.WaitGroup
	eventsSinceScalingCheck := 0
	var scalingTarget *int64

	runErr := func() error {
		for {
			if err := ctx.Err(); err != nil {
				return nil
			}

			batch, err := r.reader.FetchBatch(ctx)
			if err != nil {
				return fmt.Errorf("runner %s: fetch batch: %w", r.name, err)
			}

			// A batch is fetched (and the reader's internal read position
			// advanced) for every event in it before any are dispatched, so
			// a scaling stop can only take effect once the whole batch has
			// been handed off — stopping mid-batch would silently skip the
			// remainder, which a future run would never redeliver.
			for _, ev := range batch {
				if r.scaling != nil {
					eventsSinceScalingCheck++
					if eventsSinceScalingCheck >= r.scalingEvery {
						eventsSinceScalingCheck = 0
						target, err := r.checkScalingOperation(ctx)
						if err != nil {
							r.logger.Warn("scaling operation check failed", "error", err)
						} else if target != nil {
							scalingTarget = target
							r.logger.Info("scaling operation detected, stopping at target offset", "target_global_seq", *target)
						}
					}
				}

				if r.tokenBucket != nil {
					if err := r.tokenBucket.Acquire(ctx); err != nil {
						return nil
					}
				}

				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					return nil
				}

				// plan is built synchronously, in read order, before the
				// event is handed to a worker goroutine. Building it here
				// rather than inside the goroutine is what makes the
				// predecessor gate chain reflect read order rather than
				// goroutine scheduling order: if this were deferred to the
				// goroutine, two events targeting the same instance could
				// install their gates in either order, letting a later
				// event's ProcessCommand run ahead of an earlier one.
				plan := r.planDispatch(ev, gates)

				trackerOps <- trackerOp{seq: ev.GlobalSeq}
				wg.Add(1)
				go func(ev stream.ConsumedEvent, plan dispatchPlan) {
					defer wg.Done()
					defer func() { <-sem }()
					r.dispatchEvent(ctx, ev, plan)
					trackerOps <- trackerOp{seq: ev.GlobalSeq, done: true}
				}(ev, plan)
			}

			if scalingTarget != nil && r.reader.LastReadGlobalSeq() >= *scalingTarget {
				r.logger.Info("reached scaling target offset, stopping", "target_global_seq", *scalingTarget)
				return nil
			}

			if err := r.reader.Sleep(ctx, len(batch) > 0); err != nil {
				return nil
			}
		}
	}()

	wg.Wait()
	close(trackerOps)
	<-reaperDone
	if err := r.reader.Commit(ctx); err != nil && runErr == nil {
		runErr = err
	}

	r.logger.Info("runner stopped", "reader", r.name)
	return runErr
}

// dispatchPlan is everything planDispatch could determine about an event
// ahead of time: its decoded body, the command it translates to (if any),
// the instances to notify, and each notified instance's slot in the gate
// chain. Computing all of this before spawning a worker goroutine is what
// lets the predecessor gate reflect the order events were read in, rather
// than the order their goroutines happened to run.
type dispatchPlan struct {
	decoded      any
	decodeErr    error
	cmd          any
	hasCmd       bool
	targets      []string
	predecessors map[string]chan struct{}
	mine         map[string]chan struct{}
}

// planDispatch decodes ev and, if it translates into a command for this
// runner's own workflow type, resolves the instances it targets and claims
// each one's next slot in gates. It must be called from the single-threaded
// read loop, in event-read order: claiming a gate slot here rather than
// inside the dispatch goroutine is what guarantees that for any instance,
// the gate chain links up in the order its events were read off the log,
// regardless of which goroutine reaches ProcessCommand first.
func (r *Runner) planDispatch(ev stream.ConsumedEvent, gates *gateTable) dispatchPlan {
	decoded, err := r.decode(ev)
	if err != nil {
		return dispatchPlan{decodeErr: err}
	}

	def, ok := r.proc.Lookup(r.workflowType)
	if !ok {
		r.logger.Error("runner's own workflow type not registered", "workflow_type", r.workflowType)
		return dispatchPlan{decoded: decoded}
	}
	cmd, ok := def.EventToCommand(decoded)
	if !ok {
		return dispatchPlan{decoded: decoded}
	}

	targets := r.workflowsToNotify(ev, decoded)
	if len(targets) == 0 {
		return dispatchPlan{decoded: decoded, cmd: cmd, hasCmd: true}
	}

	predecessors := make(map[string]chan struct{}, len(targets))
	mine := make(map[string]chan struct{}, len(targets))
	gates.mu.Lock()
	for _, id := range targets {
		predecessors[id] = gates.m[id]
		g := make(chan struct{})
		gates.m[id] = g
		mine[id] = g
	}
	gates.mu.Unlock()

	return dispatchPlan{
		decoded:      decoded,
		cmd:          cmd,
		hasCmd:       true,
		targets:      targets,
		predecessors: predecessors,
		mine:         mine,
	}
}

// dispatchEvent runs ev through side effects if it belongs to this
// runner's own workflow type, and if plan carries a command, processes it
// against every target in plan, waiting on each target's predecessor gate
// (claimed earlier by planDispatch) to preserve per-instance ordering.
func (r *Runner) dispatchEvent(ctx context.Context, ev stream.ConsumedEvent, plan dispatchPlan) {
	if plan.decodeErr != nil {
		r.logger.Error("decode event failed", "workflow_id", ev.WorkflowID, "event_type", ev.EventType, "global_seq", ev.GlobalSeq, "error", plan.decodeErr)
		return
	}

	if r.toBeActOn(ev) {
		if err := r.sideEffects.MaybeActOn(ctx, ev, plan.decoded); err != nil {
			r.logger.Error("side effect failed", "workflow_id", ev.WorkflowID, "event_type", ev.EventType, "error", err)
		}
	}

	if !plan.hasCmd || len(plan.targets) == 0 {
		return
	}

	var wg sync.WaitGroup
	wg.Add(len(plan.targets))
	for _, id := range plan.targets {
		go func(workflowID string) {
			defer wg.Done()
			defer close(plan.mine[workflowID])
			if pred := plan.predecessors[workflowID]; pred != nil {
				select {
				case <-pred:
				case <-ctx.Done():
					return
				}
			}
			result, err := r.proc.ProcessCommand(ctx, r.workflowType, workflowID, plan.cmd)
			if err != nil {
				r.logger.Error("process command failed", "workflow_id", workflowID, "error", err)
				return
			}
			r.applySubscriptionDeltas(workflowID, result.Events)
		}(id)
	}
	wg.Wait()
}

// decode unmarshals ev's body into its own workflow type's concrete event
// type, looking up that type's Registered definition (which may differ
// from r.workflowType when ev comes from a source this runner merely
// subscribes to).
func (r *Runner) decode(ev stream.ConsumedEvent) (any, error) {
	def, ok := r.proc.Lookup(ev.WorkflowType)
	if !ok {
		return nil, fmt.Errorf("no workflow type registered as %q", ev.WorkflowType)
	}
	return def.DecodeEvent(ev.EventType, ev.RawBody())
}

// toBeActOn reports whether ev belongs to this runner's own workflow type
// (and, if a partition rule is set, to an instance this runner owns), the
// precondition for handing it to SideEffects.
func (r *Runner) toBeActOn(ev stream.ConsumedEvent) bool {
	if ev.WorkflowType != r.workflowType {
		return false
	}
	return r.wfIDRule == nil || r.wfIDRule(ev.WorkflowID)
}

// workflowsToNotify returns, sorted, every instance of this runner's
// workflow type that should receive the command decoded from ev: the
// emitting instance itself for a delay completion, a direct message's
// target instance, plus every subscription-cache match.
func (r *Runner) workflowsToNotify(ev stream.ConsumedEvent, decoded any) []string {
	out := make(map[string]struct{})

	if ev.WorkflowType == r.workflowType {
		switch d := decoded.(type) {
		case workflow.EvDelayComplete:
			out[ev.WorkflowID] = struct{}{}
		case workflow.DirectMessage:
			out[d.TargetWorkflowID] = struct{}{}
		}
	}

	tags := stringsFromAny(ev.Metadata["tags"])
	for _, id := range r.subs.FindSubscribers(ev.WorkflowID, ev.EventType, nil, tags) {
		out[id] = struct{}{}
	}

	result := make([]string, 0, len(out))
	for id := range out {
		if r.wfIDRule != nil && !r.wfIDRule(id) {
			continue
		}
		result = append(result, id)
	}
	sort.Strings(result)
	return result
}

// applySubscriptionDeltas keeps the subscription cache consistent with a
// command's side-table mutations, recognizing the same framework events
// the command processor's applySideEffects already persisted.
func (r *Runner) applySubscriptionDeltas(subscriberWorkflowID string, events []eventstore.Event) {
	for _, ev := range events {
		switch ev.EventType {
		case "SubscriptionAdded":
			var e workflow.SubscriptionAdded
			if err := json.Unmarshal(ev.Body, &e); err != nil {
				continue
			}
			r.subs.Add(subscriberWorkflowID, eventstore.Subscription{
				SubscriberWorkflowID: subscriberWorkflowID,
				SourceWorkflowID:     e.Sub.WorkflowID,
				EventType:            e.Sub.EventType,
				TagsAny:              e.Sub.Tags,
				TagsAll:              e.Sub.TagsAll,
			})
		case "SubscriptionRemoved":
			var e workflow.SubscriptionRemoved
			if err := json.Unmarshal(ev.Body, &e); err != nil {
				continue
			}
			r.subs.Remove(subscriberWorkflowID, eventstore.Subscription{
				SubscriberWorkflowID: subscriberWorkflowID,
				SourceWorkflowID:     e.Sub.WorkflowID,
				EventType:            e.Sub.EventType,
				TagsAny:              e.Sub.Tags,
				TagsAll:              e.Sub.TagsAll,
			})
		}
	}
}

func (r *Runner) checkScalingOperation(ctx context.Context) (*int64, error) {
	op, err := r.scaling.GetScalingOperation(ctx, r.workflowType)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, nil
	}
	if op.Status != eventstore.ScalingPending && op.Status != eventstore.ScalingSynchronizing {
		return nil, nil
	}
	target := op.TargetGlobalSeq
	return &target, nil
}

// trackerOp is one mutation applied to the run's inflight.Tracker: a
// newly dispatched event (done false) or a finished one (done true).
type trackerOp struct {
	seq  int64
	done bool
}

// gateTable is a per-instance chain of completion signals, so two events
// dispatched concurrently that both notify the same instance still run
// their ProcessCommand calls in the order the events were read, while
// events touching disjoint instances proceed fully in parallel.
type gateTable struct {
	mu sync.Mutex
	m  map[string]chan struct{}
}

func stringsFromAny(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
