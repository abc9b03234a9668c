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

// Package scaling coordinates a partition-count change for one workflow
// type: it writes the eventstore.ScalingOperation row the workflows
// runner's stop-at-target-offset check already reads, waits for every
// partition reader to reach that offset, and migrates reader offsets
// across the repartition so neither a scale-up nor a scale-down partition
// skips or replays events it shouldn't.
package scaling

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tombee/fluvioflow/internal/eventstore"
	"github.com/tombee/fluvioflow/internal/log"
)

// DefaultWaitTimeout bounds how long WaitForReaders polls before giving up.
const DefaultWaitTimeout = 5 * time.Minute

// DefaultCheckInterval is how often WaitForReaders re-polls reader offsets.
const DefaultCheckInterval = 2 * time.Second

// Store is the narrow slice of eventstore.Backend a Coordinator needs.
type Store interface {
	eventstore.ScalingOperationStore
	eventstore.OffsetStore
}

// Config configures a Coordinator for one workflow type.
type Config struct {
	WorkflowType string
	Store        Store
	Logger       *slog.Logger
}

// Coordinator drives a single partition rebalance operation for one
// workflow type from request through completion.
type Coordinator struct {
	workflowType string
	store        Store
	logger       *slog.Logger
}

// New constructs a Coordinator from cfg.
func New(cfg Config) (*Coordinator, error) {
	if cfg.WorkflowType == "" || cfg.Store == nil {
		return nil, fmt.Errorf("scaling: WorkflowType and Store are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = log.WithComponent(logger, "scaling").With(slog.String(log.WorkflowTypeKey, cfg.WorkflowType))
	return &Coordinator{workflowType: cfg.WorkflowType, store: cfg.Store, logger: logger}, nil
}

// BeginRebalance creates a pending scaling operation targeting
// targetGlobalSeq. It fails if one is already pending or synchronizing for
// this workflow type — only one rebalance may be in flight at a time.
func (c *Coordinator) BeginRebalance(ctx context.Context, targetGlobalSeq int64) error {
	existing, err := c.store.GetScalingOperation(ctx, c.workflowType)
	if err != nil {
		return fmt.Errorf("scaling: check existing operation: %w", err)
	}
	if existing != nil && (existing.Status == eventstore.ScalingPending || existing.Status == eventstore.ScalingSynchronizing) {
		return fmt.Errorf("scaling: operation already in progress for %q (status %s)", c.workflowType, existing.Status)
	}

	if err := c.store.CreateScalingOperation(ctx, eventstore.ScalingOperation{
		WorkflowType:    c.workflowType,
		TargetGlobalSeq: targetGlobalSeq,
		Status:          eventstore.ScalingPending,
	}); err != nil {
		return fmt.Errorf("scaling: create operation: %w", err)
	}
	c.logger.Info("created scaling operation", "target_global_seq", targetGlobalSeq)
	return nil
}

// MarkSynchronizing flips the operation to synchronizing, signaling
// runners that partition readers should be draining toward the target
// offset rather than advancing past it.
func (c *Coordinator) MarkSynchronizing(ctx context.Context) error {
	return c.store.UpdateScalingOperationStatus(ctx, c.workflowType, eventstore.ScalingSynchronizing)
}

// Complete marks the operation completed. Callers typically do this after
// WaitForReaders returns true and any offset migration has run.
func (c *Coordinator) Complete(ctx context.Context) error {
	if err := c.store.UpdateScalingOperationStatus(ctx, c.workflowType, eventstore.ScalingCompleted); err != nil {
		return err
	}
	c.logger.Info("scaling operation completed")
	return nil
}

// Fail marks the operation failed, e.g. after WaitForReaders times out.
func (c *Coordinator) Fail(ctx context.Context) error {
	if err := c.store.UpdateScalingOperationStatus(ctx, c.workflowType, eventstore.ScalingFailed); err != nil {
		return err
	}
	c.logger.Warn("scaling operation failed")
	return nil
}

// Clear removes the operation row entirely, for a fresh rebalance later.
func (c *Coordinator) Clear(ctx context.Context) error {
	return c.store.ClearScalingOperation(ctx, c.workflowType)
}

// allAtOffset reports whether every named reader has committed an offset
// at or past target. A reader with no committed offset yet counts as not
// there.
func (c *Coordinator) allAtOffset(ctx context.Context, readerNames []string, target int64) (bool, error) {
	if len(readerNames) == 0 {
		return true, nil
	}
	for _, name := range readerNames {
		off, err := c.store.GetOffset(ctx, name)
		if err != nil {
			return false, fmt.Errorf("get offset for %q: %w", name, err)
		}
		if off == nil || off.LastCommittedGlobalSeq < target {
			return false, nil
		}
	}
	return true, nil
}

// WaitForReaders polls readerNames' committed offsets until every one has
// reached target, or timeout/checkInterval (defaulted if zero) elapses.
// Returns false, nil on timeout rather than an error — the caller decides
// whether a timeout should fail the operation.
func (c *Coordinator) WaitForReaders(ctx context.Context, readerNames []string, target int64, timeout, checkInterval time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	if checkInterval <= 0 {
		checkInterval = DefaultCheckInterval
	}

	c.logger.Info("waiting for readers to reach target offset", "readers", len(readerNames), "target_global_seq", target)

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		ok, err := c.allAtOffset(ctx, readerNames, target)
		if err != nil {
			return false, err
		}
		if ok {
			c.logger.Info("all readers reached target offset", "target_global_seq", target)
			return true, nil
		}
		if time.Now().After(deadline) {
			c.logger.Warn("timed out waiting for readers to reach target offset", "target_global_seq", target)
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// minOffset returns the lowest committed offset among readerNames, or 0
// if none have one yet.
func (c *Coordinator) minOffset(ctx context.Context, readerNames []string) (int64, error) {
	var min int64 = -1
	for _, name := range readerNames {
		off, err := c.store.GetOffset(ctx, name)
		if err != nil {
			return 0, fmt.Errorf("get offset for %q: %w", name, err)
		}
		if off == nil {
			continue
		}
		if min == -1 || off.LastCommittedGlobalSeq < min {
			min = off.LastCommittedGlobalSeq
		}
	}
	if min == -1 {
		return 0, nil
	}
	return min, nil
}

// maxOffset returns the highest committed offset among readerNames, or 0
// if none have one yet.
func (c *Coordinator) maxOffset(ctx context.Context, readerNames []string) (int64, error) {
	var max int64
	for _, name := range readerNames {
		off, err := c.store.GetOffset(ctx, name)
		if err != nil {
			return 0, fmt.Errorf("get offset for %q: %w", name, err)
		}
		if off != nil && off.LastCommittedGlobalSeq > max {
			max = off.LastCommittedGlobalSeq
		}
	}
	return max, nil
}

// MigrateOffsetsOnScaleUp initializes each of newReaderNames that doesn't
// already have a committed offset to the minimum offset among
// existingReaderNames, so a freshly added partition starts no further
// ahead than the slowest pre-existing one and misses nothing.
func (c *Coordinator) MigrateOffsetsOnScaleUp(ctx context.Context, newReaderNames, existingReaderNames []string) error {
	if len(newReaderNames) == 0 {
		return nil
	}
	start, err := c.minOffset(ctx, existingReaderNames)
	if err != nil {
		return err
	}

	var initialized int
	for _, name := range newReaderNames {
		existing, err := c.store.GetOffset(ctx, name)
		if err != nil {
			return fmt.Errorf("check existing offset for %q: %w", name, err)
		}
		if existing != nil {
			continue
		}
		if err := c.store.CommitOffset(ctx, name, start); err != nil {
			return fmt.Errorf("initialize offset for %q: %w", name, err)
		}
		initialized++
	}
	c.logger.Info("initialized new partition offsets", "count", initialized, "start_offset", start)
	return nil
}

// MergeOffsetsOnScaleDown folds removedReaderNames' offsets into
// targetReaderName by advancing it to the maximum offset any removed
// reader reached, so a surviving partition absorbing a removed one's
// workload never re-processes events the removed partition already
// consumed but could also never skip events it hadn't reached yet — it
// only moves the target offset forward, never back. Returns the merged
// maximum offset.
func (c *Coordinator) MergeOffsetsOnScaleDown(ctx context.Context, removedReaderNames []string, targetReaderName string) (int64, error) {
	if len(removedReaderNames) == 0 {
		return 0, nil
	}
	maxOff, err := c.maxOffset(ctx, removedReaderNames)
	if err != nil {
		return 0, err
	}
	if maxOff == 0 || targetReaderName == "" {
		return maxOff, nil
	}

	existing, err := c.store.GetOffset(ctx, targetReaderName)
	if err != nil {
		return 0, fmt.Errorf("get existing offset for %q: %w", targetReaderName, err)
	}
	if existing != nil && existing.LastCommittedGlobalSeq >= maxOff {
		return maxOff, nil
	}

	if err := c.store.CommitOffset(ctx, targetReaderName, maxOff); err != nil {
		return 0, fmt.Errorf("merge offset into %q: %w", targetReaderName, err)
	}
	c.logger.Info("merged removed reader offsets into target", "target", targetReaderName, "merged_offset", maxOff, "removed_count", len(removedReaderNames))
	return maxOff, nil
}

// ListPartitionReaders returns every committed reader name for this
// workflow type whose name starts with prefix (or with
// "<workflow_type>_runner" if prefix is empty), for discovering existing
// partitions before a rebalance.
func (c *Coordinator) ListPartitionReaders(ctx context.Context, prefix string) ([]string, error) {
	if prefix == "" {
		prefix = c.workflowType + "_runner"
	}
	offsets, err := c.store.ListOffsets(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list offsets with prefix %q: %w", prefix, err)
	}
	names := make([]string, len(offsets))
	for i, off := range offsets {
		names[i] = off.ReaderName
	}
	return names, nil
}
