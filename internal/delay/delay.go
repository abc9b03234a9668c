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

// Package delay polls for registered delay schedules whose fire time has
// arrived and resumes the owning workflow instance by appending an
// EvDelayComplete event, recurring cron schedules forward to their next
// occurrence instead of deleting them. Registration itself happens inside
// the command processor's side-table handling of workflow.EvDelay, in the
// same transaction as the triggering event; this package only drives the
// resume side.
package delay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	cron "github.com/robfig/cron/v3"

	"github.com/tombee/fluvioflow/internal/eventstore"
	"github.com/tombee/fluvioflow/internal/log"
	"github.com/tombee/fluvioflow/internal/processor"
	flowerrors "github.com/tombee/fluvioflow/pkg/errors"
	"github.com/tombee/fluvioflow/pkg/workflow"
)

// DefaultCheckInterval is how often the scheduler polls for due schedules,
// when Config doesn't override it.
const DefaultCheckInterval = time.Second

// DefaultBatchSize bounds how many due schedules one poll resumes.
const DefaultBatchSize = 100

// elector is the slice of *leader.Elector this package needs, narrowed so
// a fake can drive tests without a Postgres advisory lock.
type elector interface {
	IsLeader() bool
}

// Config configures a Scheduler for one workflow type.
type Config struct {
	// WorkflowType is the workflow type whose delay schedules this
	// scheduler drives. Required.
	WorkflowType string

	// Store backs the due-schedule poll and the post-fire
	// reschedule/delete. Required.
	Store eventstore.DelayScheduleStore

	// Processor appends the EvDelayComplete event. Required.
	Processor *processor.CommandProcessor

	// Elector, if set, gates each poll on IsLeader() so only one node in a
	// multi-node deployment resumes this workflow type's due delays. Nil
	// runs unelected, fine for a single-node deployment or sqlite.
	Elector elector

	// CheckInterval is how often to poll for due schedules. Zero uses
	// DefaultCheckInterval.
	CheckInterval time.Duration

	// BatchSize bounds schedules resumed per poll. Zero uses
	// DefaultBatchSize.
	BatchSize int

	// Logger is the structured logger to use. If nil, uses
	// slog.Default().
	Logger *slog.Logger
}

// Scheduler resumes workflow instances whose registered delay has fired.
type Scheduler struct {
	workflowType string
	store        eventstore.DelayScheduleStore
	proc         *processor.CommandProcessor
	elector      elector
	interval     time.Duration
	batchSize    int
	logger       *slog.Logger
}

// New constructs a Scheduler from cfg.
func New(cfg Config) (*Scheduler, error) {
	if cfg.WorkflowType == "" || cfg.Store == nil || cfg.Processor == nil {
		return nil, fmt.Errorf("delay: WorkflowType, Store, and Processor are required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = log.WithComponent(logger, "delay").With(slog.String(log.WorkflowTypeKey, cfg.WorkflowType))

	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	return &Scheduler{
		workflowType: cfg.WorkflowType,
		store:        cfg.Store,
		proc:         cfg.Processor,
		elector:      cfg.Elector,
		interval:     interval,
		batchSize:    batchSize,
		logger:       logger,
	}, nil
}

// Run polls for due schedules until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s.elector != nil && !s.elector.IsLeader() {
				continue
			}
			if err := s.checkAndResume(ctx); err != nil {
				s.logger.Warn("delay scheduler poll failed", "error", err)
			}
		}
	}
}

func (s *Scheduler) checkAndResume(ctx context.Context) error {
	due, err := s.store.ListDueDelaySchedules(ctx, time.Now(), s.batchSize)
	if err != nil {
		return fmt.Errorf("delay: list due schedules: %w", err)
	}
	for _, sched := range due {
		if err := s.resume(ctx, sched); err != nil {
			s.logger.Error("resume workflow from delay failed", "workflow_id", sched.WorkflowID, "delay_id", sched.DelayID, "error", err)
		}
	}
	return nil
}

// resume appends EvDelayComplete for sched's owning instance, then either
// deletes a one-shot schedule or rewrites a cron schedule to its next
// occurrence.
func (s *Scheduler) resume(ctx context.Context, sched eventstore.DelaySchedule) error {
	event := workflow.EvDelayComplete{
		DelayID:     sched.DelayID,
		FiredAt:     time.Now(),
		NextCommand: sched.NextCommand,
	}

	result, err := s.proc.CompleteDelay(ctx, s.workflowType, sched.WorkflowID, event)
	if err != nil {
		var notFound *flowerrors.WorkflowNotFoundError
		if errors.As(err, &notFound) {
			s.logger.Warn("cannot resume workflow: no events found, removing schedule", "workflow_id", sched.WorkflowID, "delay_id", sched.DelayID)
			return s.store.DeleteDelaySchedule(ctx, sched.WorkflowID, sched.DelayID)
		}
		var lifecycle *flowerrors.LifecycleError
		if errors.As(err, &lifecycle) {
			// Leave the schedule in place; a resumed or uncancelled
			// instance should still fire the delay it registered.
			return nil
		}
		return fmt.Errorf("complete delay: %w", err)
	}

	if sched.CronExpr == "" {
		return s.store.DeleteDelaySchedule(ctx, sched.WorkflowID, sched.DelayID)
	}

	next, err := nextCronFire(sched.CronExpr, sched.Timezone)
	if err != nil {
		s.logger.Warn("could not compute next cron fire, removing schedule", "delay_id", sched.DelayID, "cron_expr", sched.CronExpr, "error", err)
		return s.store.DeleteDelaySchedule(ctx, sched.WorkflowID, sched.DelayID)
	}

	if err := s.store.DeleteDelaySchedule(ctx, sched.WorkflowID, sched.DelayID); err != nil {
		return fmt.Errorf("delete fired cron schedule: %w", err)
	}
	if err := s.store.UpsertDelaySchedule(ctx, eventstore.DelaySchedule{
		WorkflowID:     sched.WorkflowID,
		DelayID:        sched.DelayID,
		FireAt:         next,
		EmittedVersion: result.Version,
		NextCommand:    sched.NextCommand,
		CronExpr:       sched.CronExpr,
		Timezone:       sched.Timezone,
	}); err != nil {
		return fmt.Errorf("reschedule cron delay: %w", err)
	}
	s.logger.Info("rescheduled cron delay", "workflow_id", sched.WorkflowID, "delay_id", sched.DelayID, "next_fire", next)
	return nil
}

// nextCronFire computes the next fire time for a standard 5-field cron
// expression, evaluated in the given IANA timezone (UTC if empty or
// unrecognized).
func nextCronFire(expr, timezone string) (time.Time, error) {
	loc := time.UTC
	if timezone != "" {
		if l, err := time.LoadLocation(timezone); err == nil {
			loc = l
		}
	}

	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}

	return schedule.Next(time.Now().In(loc)), nil
}
