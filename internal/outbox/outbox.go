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

// Package outbox replicates the event log to a NATS JetStream broker using
// the outbox pattern: events are committed to the relational log first,
// then asynchronously published and marked published=true, so a publish
// failure never blocks or risks a dual write. Only one Publisher may run
// per workflow type; single-writer enforcement is delegated to an
// AdvisoryLocker so per-instance publish order matches log order.
package outbox

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tombee/fluvioflow/internal/eventstore"
	"github.com/tombee/fluvioflow/internal/log"
)

// DefaultBatchSize is how many unpublished rows one publish pass selects.
const DefaultBatchSize = 100

// DefaultPollInterval is the sleep between publish passes while there is
// work to do.
const DefaultPollInterval = 100 * time.Millisecond

// DefaultIdleMultiplier scales PollInterval when a pass publishes nothing.
const DefaultIdleMultiplier = 10

// DefaultErrorBackoff is the sleep after a pass returns an error.
const DefaultErrorBackoff = time.Second

// DefaultStreamRetention is how long the JetStream stream retains messages.
const DefaultStreamRetention = 24 * time.Hour

// DefaultDuplicateWindow is the broker-side deduplication window, matched
// against the dedup header this publisher sets on every message.
const DefaultDuplicateWindow = 5 * time.Minute

// AdvisoryLocker enforces single-writer exclusion for a Publisher. Key is
// derived from the workflow type so distinct types publish concurrently
// without contending for the same lock.
type AdvisoryLocker interface {
	TryLock(ctx context.Context, key int64) (bool, error)
	Unlock(ctx context.Context, key int64) error
}

// Config configures a Publisher for one workflow type.
type Config struct {
	// WorkflowType selects which rows this publisher owns and names the
	// JetStream subject prefix and stream.
	WorkflowType string

	// Store is the event log this publisher drains. Required.
	Store eventstore.EventStore

	// Conn is a connected NATS client. Required.
	Conn *nats.Conn

	// StreamName overrides the JetStream stream name. Defaults to
	// "events_<workflow_type>".
	StreamName string

	// Locker enforces single-writer exclusion. Nil disables locking,
	// for single-process deployments and tests — mirrors the teacher's
	// enable_lock flag. fluvioflowd sets a PostgresLocker when distributed
	// mode is enabled.
	Locker AdvisoryLocker

	BatchSize    int
	PollInterval time.Duration

	Logger *slog.Logger
}

// publisher is the slice of nats.JetStreamContext this package needs —
// narrowed so publishBatch's logic can be exercised against a fake in
// tests without a live broker.
type publisher interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Publisher replicates one workflow type's unpublished log rows to NATS
// JetStream.
type Publisher struct {
	workflowType string
	store        eventstore.EventStore
	js           publisher
	streamName   string
	locker       AdvisoryLocker
	lockKey      int64
	batchSize    int
	pollInterval time.Duration
	logger       *slog.Logger
}

// New constructs a Publisher and ensures its JetStream stream exists.
func New(cfg Config) (*Publisher, error) {
	if cfg.WorkflowType == "" || cfg.Store == nil || cfg.Conn == nil {
		return nil, fmt.Errorf("outbox: WorkflowType, Store, and Conn are required")
	}

	js, err := cfg.Conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("outbox: jetstream context: %w", err)
	}

	streamName := cfg.StreamName
	if streamName == "" {
		streamName = "events_" + cfg.WorkflowType
	}

	if _, err := js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{fmt.Sprintf("events.%s.*", cfg.WorkflowType)},
		MaxAge:     DefaultStreamRetention,
		Storage:    nats.FileStorage,
		Duplicates: DefaultDuplicateWindow,
	}); err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return nil, fmt.Errorf("outbox: create stream %s: %w", streamName, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = log.WithComponent(logger, "outbox").With(slog.String(log.WorkflowTypeKey, cfg.WorkflowType))

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	return &Publisher{
		workflowType: cfg.WorkflowType,
		store:        cfg.Store,
		js:           js,
		streamName:   streamName,
		locker:       cfg.Locker,
		lockKey:      lockKeyFor(cfg.WorkflowType),
		batchSize:    batchSize,
		pollInterval: pollInterval,
		logger:       logger,
	}, nil
}

// lockKeyFor derives a stable int64 advisory-lock key from a workflow
// type, the same role hash(f"fleuve_outbox_{workflow_type}") plays in the
// original, narrowed to fit a Postgres advisory lock's signed 64-bit key.
func lockKeyFor(workflowType string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("fluvioflow_outbox_" + workflowType))
	return int64(binary.BigEndian.Uint64(h.Sum(nil)))
}

// Run acquires the single-writer lock (if configured), then publishes
// batches until ctx is cancelled. Returns an error if the lock cannot be
// acquired — another publisher is already active for this workflow type.
func (p *Publisher) Run(ctx context.Context) error {
	if p.locker != nil {
		acquired, err := p.locker.TryLock(ctx, p.lockKey)
		if err != nil {
			return fmt.Errorf("outbox: acquire lock: %w", err)
		}
		if !acquired {
			return fmt.Errorf("outbox: publisher for %q already running (lock id %d)", p.workflowType, p.lockKey)
		}
		defer func() {
			if err := p.locker.Unlock(context.WithoutCancel(ctx), p.lockKey); err != nil {
				p.logger.Warn("failed to release outbox lock", "error", err)
			}
		}()
		p.logger.Info("acquired outbox publisher lock")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		published, err := p.publishBatch(ctx)
		wait := p.pollInterval
		switch {
		case err != nil:
			p.logger.Error("publish batch failed", "error", err)
			wait = DefaultErrorBackoff
		case published == 0:
			wait = p.pollInterval * DefaultIdleMultiplier
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// publishBatch selects a batch of unpublished events, filters to this
// publisher's workflow type (UnpublishedBatch is shared across types),
// publishes each one in turn, and then marks the published ones in a
// single MarkPublished call. A publish error for one event stops the batch
// early; that row and the rest stay unpublished and are retried on the
// next pass.
func (p *Publisher) publishBatch(ctx context.Context) (int, error) {
	events, err := p.store.UnpublishedBatch(ctx, p.batchSize)
	if err != nil {
		return 0, fmt.Errorf("load unpublished batch: %w", err)
	}

	var published int
	var done []int64
	for _, ev := range events {
		if ev.WorkflowType != p.workflowType {
			continue
		}

		subject := fmt.Sprintf("events.%s.%s", ev.WorkflowType, ev.EventType)
		msg := &nats.Msg{
			Subject: subject,
			Data:    ev.Body,
			Header:  nats.Header{},
		}
		msg.Header.Set(nats.MsgIdHdr, fmt.Sprintf("%s:%d", ev.WorkflowID, ev.Version))
		msg.Header.Set("workflow_id", ev.WorkflowID)
		msg.Header.Set("workflow_version", strconv.Itoa(ev.Version))
		msg.Header.Set("event_type", ev.EventType)
		msg.Header.Set("global_id", strconv.FormatInt(ev.GlobalSeq, 10))

		if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
			p.logger.Error("publish event failed, will retry next pass", "global_seq", ev.GlobalSeq, "workflow_id", ev.WorkflowID, "error", err)
			break
		}

		done = append(done, ev.GlobalSeq)
		published++
	}

	if len(done) > 0 {
		if err := p.store.MarkPublished(ctx, done); err != nil {
			return published, fmt.Errorf("mark published: %w", err)
		}
	}

	return published, nil
}
