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

package scaling_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/fluvioflow/internal/eventstore/memory"
	"github.com/tombee/fluvioflow/internal/scaling"
)

func newCoordinator(t *testing.T, workflowType string) (*scaling.Coordinator, *memory.Backend) {
	t.Helper()
	backend := memory.New()
	c, err := scaling.New(scaling.Config{WorkflowType: workflowType, Store: backend})
	require.NoError(t, err)
	return c, backend
}

func TestBeginRebalanceRejectsConcurrentOperation(t *testing.T) {
	ctx := context.Background()
	c, _ := newCoordinator(t, "orders")

	require.NoError(t, c.BeginRebalance(ctx, 100))
	err := c.BeginRebalance(ctx, 200)
	require.Error(t, err)
}

func TestBeginRebalanceAllowedAfterPriorOperationCompleted(t *testing.T) {
	ctx := context.Background()
	c, _ := newCoordinator(t, "orders")

	require.NoError(t, c.BeginRebalance(ctx, 100))
	require.NoError(t, c.Complete(ctx))
	require.NoError(t, c.BeginRebalance(ctx, 200))
}

func TestWaitForReadersSucceedsOnceAllCommitPastTarget(t *testing.T) {
	ctx := context.Background()
	c, backend := newCoordinator(t, "orders")

	require.NoError(t, backend.CommitOffset(ctx, "orders_runner_0", 150))
	require.NoError(t, backend.CommitOffset(ctx, "orders_runner_1", 40))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = backend.CommitOffset(ctx, "orders_runner_1", 100)
	}()

	ok, err := c.WaitForReaders(ctx, []string{"orders_runner_0", "orders_runner_1"}, 100, time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestWaitForReadersTimesOutWithoutError(t *testing.T) {
	ctx := context.Background()
	c, backend := newCoordinator(t, "orders")

	require.NoError(t, backend.CommitOffset(ctx, "orders_runner_0", 10))

	ok, err := c.WaitForReaders(ctx, []string{"orders_runner_0"}, 100, 20*time.Millisecond, 5*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMigrateOffsetsOnScaleUpStartsNewPartitionsAtMinOfExisting(t *testing.T) {
	ctx := context.Background()
	c, backend := newCoordinator(t, "orders")

	require.NoError(t, backend.CommitOffset(ctx, "orders_runner_0", 100))
	require.NoError(t, backend.CommitOffset(ctx, "orders_runner_1", 60))

	err := c.MigrateOffsetsOnScaleUp(ctx,
		[]string{"orders_runner_2", "orders_runner_3"},
		[]string{"orders_runner_0", "orders_runner_1"},
	)
	require.NoError(t, err)

	off2, err := backend.GetOffset(ctx, "orders_runner_2")
	require.NoError(t, err)
	require.NotNil(t, off2)
	require.Equal(t, int64(60), off2.LastCommittedGlobalSeq)

	off3, err := backend.GetOffset(ctx, "orders_runner_3")
	require.NoError(t, err)
	require.NotNil(t, off3)
	require.Equal(t, int64(60), off3.LastCommittedGlobalSeq)
}

func TestMigrateOffsetsOnScaleUpLeavesExistingNewReaderAlone(t *testing.T) {
	ctx := context.Background()
	c, backend := newCoordinator(t, "orders")

	require.NoError(t, backend.CommitOffset(ctx, "orders_runner_0", 100))
	require.NoError(t, backend.CommitOffset(ctx, "orders_runner_1", 75))

	err := c.MigrateOffsetsOnScaleUp(ctx, []string{"orders_runner_1"}, []string{"orders_runner_0"})
	require.NoError(t, err)

	off, err := backend.GetOffset(ctx, "orders_runner_1")
	require.NoError(t, err)
	require.Equal(t, int64(75), off.LastCommittedGlobalSeq)
}

func TestMergeOffsetsOnScaleDownAdvancesTargetToMaxOfRemoved(t *testing.T) {
	ctx := context.Background()
	c, backend := newCoordinator(t, "orders")

	require.NoError(t, backend.CommitOffset(ctx, "orders_runner_2", 200))
	require.NoError(t, backend.CommitOffset(ctx, "orders_runner_3", 150))
	require.NoError(t, backend.CommitOffset(ctx, "orders_runner_0", 100))

	merged, err := c.MergeOffsetsOnScaleDown(ctx, []string{"orders_runner_2", "orders_runner_3"}, "orders_runner_0")
	require.NoError(t, err)
	require.Equal(t, int64(200), merged)

	off, err := backend.GetOffset(ctx, "orders_runner_0")
	require.NoError(t, err)
	require.Equal(t, int64(200), off.LastCommittedGlobalSeq)
}

func TestMergeOffsetsOnScaleDownNeverMovesTargetBackward(t *testing.T) {
	ctx := context.Background()
	c, backend := newCoordinator(t, "orders")

	require.NoError(t, backend.CommitOffset(ctx, "orders_runner_2", 50))
	require.NoError(t, backend.CommitOffset(ctx, "orders_runner_0", 300))

	merged, err := c.MergeOffsetsOnScaleDown(ctx, []string{"orders_runner_2"}, "orders_runner_0")
	require.NoError(t, err)
	require.Equal(t, int64(50), merged)

	off, err := backend.GetOffset(ctx, "orders_runner_0")
	require.NoError(t, err)
	require.Equal(t, int64(300), off.LastCommittedGlobalSeq, "target offset must never move backward")
}

func TestListPartitionReadersFiltersByDefaultPrefix(t *testing.T) {
	ctx := context.Background()
	c, backend := newCoordinator(t, "orders")

	require.NoError(t, backend.CommitOffset(ctx, "orders_runner_0", 1))
	require.NoError(t, backend.CommitOffset(ctx, "orders_runner_1", 1))
	require.NoError(t, backend.CommitOffset(ctx, "carts_runner_0", 1))

	names, err := c.ListPartitionReaders(ctx, "")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"orders_runner_0", "orders_runner_1"}, names)
}
