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

// Package stream provides ordered, at-least-once readers over the event
// log's global sequence, used by the action executor, delay scheduler,
// outbox publisher, and subscription dispatcher to consume events they
// didn't append themselves.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tombee/fluvioflow/internal/eventstore"
)

// Sleeper backs off a reader's poll interval when a batch comes back empty
// and resets to the floor as soon as events are found, so an idle reader
// doesn't hammer the backend while a busy one stays responsive.
type Sleeper struct {
	min, max, next time.Duration
}

// NewSleeper returns a Sleeper that starts at min and doubles toward max on
// consecutive empty polls.
func NewSleeper(min, max time.Duration) *Sleeper {
	return &Sleeper{min: min, max: max, next: min}
}

// MarkGotEvents resets or grows the next sleep interval without sleeping,
// for callers that want to inspect the interval before waiting on it.
func (s *Sleeper) MarkGotEvents(gotEvents bool) {
	if gotEvents {
		s.next = s.min
		return
	}
	s.next *= 2
	if s.next > s.max {
		s.next = s.max
	}
}

// Sleep records gotEvents and blocks for the resulting interval, returning
// early if ctx is cancelled.
func (s *Sleeper) Sleep(ctx context.Context, gotEvents bool) error {
	s.MarkGotEvents(gotEvents)
	t := time.NewTimer(s.next)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ConsumedEvent is an event handed to a reader's caller, with its body
// decoded lazily: Decode only unmarshals when called, so a consumer that
// filters most events by EventType before acting never pays for
// unmarshaling the ones it discards.
type ConsumedEvent struct {
	WorkflowID   string
	WorkflowType string
	EventType    string
	Version      int
	GlobalSeq    int64
	Metadata     map[string]any
	CreatedAt    time.Time
	ReaderName   string

	body json.RawMessage
}

// Decode unmarshals the event body into v.
func (c ConsumedEvent) Decode(v any) error {
	return json.Unmarshal(c.body, v)
}

// RawBody returns the event's undecoded JSON body.
func (c ConsumedEvent) RawBody() json.RawMessage {
	return c.body
}

func fromStoredEvent(e eventstore.Event, readerName string) ConsumedEvent {
	return ConsumedEvent{
		WorkflowID:   e.WorkflowID,
		WorkflowType: e.WorkflowType,
		EventType:    e.EventType,
		Version:      e.Version,
		GlobalSeq:    e.GlobalSeq,
		Metadata:     e.Metadata,
		CreatedAt:    e.CreatedAt,
		ReaderName:   readerName,
		body:         e.Body,
	}
}

// Handler processes one consumed event. Returning an error stops Run
// without committing the event's offset, so the same event is redelivered
// on the next run.
type Handler func(ctx context.Context, event ConsumedEvent) error

// Reader polls the event log's global sequence for a named consumer,
// committing its offset via eventstore.OffsetStore as it makes progress.
// It never competes with another reader sharing the same name: both will
// observe the same committed offset and may redeliver the same batch, so
// Handler must be idempotent.
type Reader struct {
	name       string
	store      eventstore.EventStore
	offsets    eventstore.OffsetStore
	eventTypes []string
	batchSize  int
	sleeper    *Sleeper
	logger     *slog.Logger

	lastSeq      int64
	stopAtSeq    *int64
	markInterval int
	sinceMark    int

	// committedOverride, when set (committedOverrideSet != 0), is what
	// commitOffset persists instead of lastSeq. A caller that dispatches
	// work concurrently (the runner) completes events out of order and
	// must control the committed offset itself via SetCommittedOffset,
	// since lastSeq only tracks how far the reader has read, not how far
	// downstream processing has actually finished.
	committedOverride    int64
	committedOverrideSet int32
}

// SetCommittedOffset overrides what the next commitOffset call persists,
// for callers managing their own out-of-order completion tracking (see
// internal/inflight). Safe to call from a different goroutine than Run.
func (r *Reader) SetCommittedOffset(seq int64) {
	atomic.StoreInt64(&r.committedOverride, seq)
	atomic.StoreInt32(&r.committedOverrideSet, 1)
}

// ReaderOption configures a Reader at construction.
type ReaderOption func(*Reader)

// WithEventTypes restricts the reader to the given event types. Omitted or
// empty means every event type.
func WithEventTypes(types ...string) ReaderOption {
	return func(r *Reader) { r.eventTypes = types }
}

// WithBatchSize overrides the default poll batch size of 100.
func WithBatchSize(n int) ReaderOption {
	return func(r *Reader) { r.batchSize = n }
}

// WithSleeper overrides the default backoff policy (100ms floor, 20s
// ceiling).
func WithSleeper(s *Sleeper) ReaderOption {
	return func(r *Reader) { r.sleeper = s }
}

// WithLogger attaches a logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) ReaderOption {
	return func(r *Reader) { r.logger = l }
}

// NewReader constructs a Reader named readerName, reading from store and
// committing progress to offsets.
func NewReader(readerName string, store eventstore.EventStore, offsets eventstore.OffsetStore, opts ...ReaderOption) *Reader {
	r := &Reader{
		name:         readerName,
		store:        store,
		offsets:      offsets,
		batchSize:    100,
		sleeper:      NewSleeper(100*time.Millisecond, 20*time.Second),
		markInterval: 10,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StopAtGlobalSeq makes Run return once it has delivered the event at seq,
// instead of polling forever. Used by replay tooling that wants to drain
// history up to a known point and stop.
func (r *Reader) StopAtGlobalSeq(seq int64) {
	r.stopAtSeq = &seq
}

// Run polls in a loop, invoking handler for each event in ascending
// global-sequence order, until ctx is cancelled, handler returns an error,
// or StopAtGlobalSeq's target is reached. It commits its offset after every
// markInterval (10) successfully handled events and once more on return.
func (r *Reader) Run(ctx context.Context, handler Handler) error {
	if err := r.loadOffset(ctx); err != nil {
		return err
	}
	defer r.commitOffset(ctx)

	for {
		events, err := r.store.LoadLog(ctx, eventstore.LogFilter{
			AfterGlobalSeq: r.lastSeq,
			Limit:          r.batchSize,
			EventTypes:     r.eventTypes,
		})
		if err != nil {
			return err
		}

		for _, raw := range events {
			ev := fromStoredEvent(raw, r.name)
			if err := handler(ctx, ev); err != nil {
				r.logger.Error("reader handler failed, stopping before commit of this event",
					"reader", r.name, "workflow_id", ev.WorkflowID, "global_seq", ev.GlobalSeq, "error", err)
				r.commitOffset(ctx)
				return err
			}
			r.lastSeq = ev.GlobalSeq
			r.sinceMark++
			if r.sinceMark >= r.markInterval {
				if err := r.commitOffset(ctx); err != nil {
					return err
				}
			}
			if r.stopAtSeq != nil && r.lastSeq >= *r.stopAtSeq {
				return nil
			}
		}

		if err := r.sleeper.Sleep(ctx, len(events) > 0); err != nil {
			return nil
		}
	}
}

// DrainOnce fetches and hands off a single batch without sleeping or
// looping, for tests and one-shot tooling.
func (r *Reader) DrainOnce(ctx context.Context, handler Handler) (int, error) {
	if err := r.loadOffset(ctx); err != nil {
		return 0, err
	}
	events, err := r.store.LoadLog(ctx, eventstore.LogFilter{
		AfterGlobalSeq: r.lastSeq,
		Limit:          r.batchSize,
		EventTypes:     r.eventTypes,
	})
	if err != nil {
		return 0, err
	}
	for _, raw := range events {
		ev := fromStoredEvent(raw, r.name)
		if err := handler(ctx, ev); err != nil {
			return 0, err
		}
		r.lastSeq = ev.GlobalSeq
	}
	if err := r.commitOffset(ctx); err != nil {
		return len(events), err
	}
	return len(events), nil
}

// FetchBatch loads the next batch of events without committing or
// sleeping, for callers (the runner) that dispatch events concurrently and
// manage their own out-of-order commit via SetCommittedOffset rather than
// Run's built-in periodic commit of lastSeq.
func (r *Reader) FetchBatch(ctx context.Context) ([]ConsumedEvent, error) {
	if err := r.loadOffset(ctx); err != nil {
		return nil, err
	}
	events, err := r.store.LoadLog(ctx, eventstore.LogFilter{
		AfterGlobalSeq: r.lastSeq,
		Limit:          r.batchSize,
		EventTypes:     r.eventTypes,
	})
	if err != nil {
		return nil, err
	}
	out := make([]ConsumedEvent, len(events))
	for i, raw := range events {
		out[i] = fromStoredEvent(raw, r.name)
		r.lastSeq = out[i].GlobalSeq
	}
	return out, nil
}

// Sleep backs off per the reader's configured Sleeper policy, given
// whether the last FetchBatch call returned any events.
func (r *Reader) Sleep(ctx context.Context, gotEvents bool) error {
	return r.sleeper.Sleep(ctx, gotEvents)
}

// Commit persists the reader's current commit target (lastSeq, or the
// override set via SetCommittedOffset) immediately, for callers driving
// their own loop via FetchBatch instead of Run.
func (r *Reader) Commit(ctx context.Context) error {
	return r.commitOffset(ctx)
}

// LastReadGlobalSeq returns the global sequence of the most recently
// fetched event, for callers checking progress against a scaling target.
func (r *Reader) LastReadGlobalSeq() int64 {
	return r.lastSeq
}

func (r *Reader) loadOffset(ctx context.Context) error {
	if r.lastSeq != 0 {
		return nil
	}
	off, err := r.offsets.GetOffset(ctx, r.name)
	if err != nil {
		return err
	}
	if off != nil {
		r.lastSeq = off.LastCommittedGlobalSeq
	}
	return nil
}

func (r *Reader) commitOffset(ctx context.Context) error {
	r.sinceMark = 0
	seq := r.lastSeq
	if atomic.LoadInt32(&r.committedOverrideSet) != 0 {
		seq = atomic.LoadInt64(&r.committedOverride)
	}
	if seq == 0 {
		return nil
	}
	return r.offsets.CommitOffset(ctx, r.name, seq)
}
