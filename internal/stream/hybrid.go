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

package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/tombee/fluvioflow/internal/eventstore"
)

// jetstreamMessage is the payload the outbox publisher puts on the wire;
// decoding just enough of it lets HybridReader hand the handler a
// ConsumedEvent built straight from the push delivery, without a
// PostgreSQL round trip.
type jetstreamMessage struct {
	WorkflowID   string          `json:"workflow_id"`
	WorkflowType string          `json:"workflow_type"`
	EventType    string          `json:"event_type"`
	Version      int             `json:"version"`
	GlobalSeq    int64           `json:"global_seq"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	Body         json.RawMessage `json:"body"`
}

// HybridReader consumes from a NATS JetStream consumer for low-latency
// push delivery, falling back to Reader's PostgreSQL-style polling when
// JetStream is unavailable, exhausted of retries, or disabled. Once it has
// fallen back it stays on the fallback path for the rest of its lifetime;
// callers that want push delivery restored should construct a fresh
// HybridReader.
type HybridReader struct {
	*Reader

	consumer        jetstream.Consumer
	subject         string
	fetchBatch      int
	fetchTimeout    time.Duration
	enableFallback  bool
	usingFallback   bool
	jetstreamErrors int
}

// HybridReaderOption configures a HybridReader at construction, in addition
// to the ReaderOptions its embedded Reader accepts.
type HybridReaderOption func(*HybridReader)

// WithFetchBatch overrides the default JetStream pull-fetch batch size of
// 100.
func WithFetchBatch(n int) HybridReaderOption {
	return func(h *HybridReader) { h.fetchBatch = n }
}

// WithFetchTimeout overrides the default 1s JetStream pull-fetch timeout.
func WithFetchTimeout(d time.Duration) HybridReaderOption {
	return func(h *HybridReader) { h.fetchTimeout = d }
}

// DisableFallback makes the reader return an error instead of falling back
// to polling when JetStream consumption fails. Intended for tests that
// want to assert on JetStream failures directly.
func DisableFallback() HybridReaderOption {
	return func(h *HybridReader) { h.enableFallback = false }
}

// NewHybridReader wraps consumer (a durable pull consumer already bound to
// a stream carrying subjects matching subject) for push-based delivery,
// using store/offsets for the PostgreSQL fallback path and for offset
// commits in both modes.
func NewHybridReader(readerName string, consumer jetstream.Consumer, subject string, store eventstore.EventStore, offsets eventstore.OffsetStore, opts []ReaderOption, hopts ...HybridReaderOption) *HybridReader {
	h := &HybridReader{
		Reader:         NewReader(readerName, store, offsets, opts...),
		consumer:       consumer,
		subject:        subject,
		fetchBatch:     100,
		fetchTimeout:   time.Second,
		enableFallback: true,
	}
	for _, opt := range hopts {
		opt(h)
	}
	return h
}

// Run consumes via JetStream until a failure. On failure it logs and then
// either returns the error (fallback disabled) or switches to the embedded
// Reader's polling loop, never switching back.
func (h *HybridReader) Run(ctx context.Context, handler Handler) error {
	if h.consumer == nil || h.usingFallback {
		return h.Reader.Run(ctx, handler)
	}

	err := h.runJetStream(ctx, handler)
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}

	h.jetstreamErrors++
	h.logger.Error("jetstream consumption failed", "reader", h.name, "attempt", h.jetstreamErrors, "error", err)
	if !h.enableFallback {
		return err
	}

	h.logger.Warn("falling back to polling reader", "reader", h.name)
	h.usingFallback = true
	return h.Reader.Run(ctx, handler)
}

func (h *HybridReader) runJetStream(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch, err := h.consumer.Fetch(h.fetchBatch, jetstream.FetchMaxWait(h.fetchTimeout))
		if err != nil {
			return fmt.Errorf("jetstream fetch: %w", err)
		}

		count := 0
		for msg := range batch.Messages() {
			count++
			var wire jetstreamMessage
			if err := json.Unmarshal(msg.Data(), &wire); err != nil {
				return fmt.Errorf("jetstream decode: %w", err)
			}
			ev := ConsumedEvent{
				WorkflowID:   wire.WorkflowID,
				WorkflowType: wire.WorkflowType,
				EventType:    wire.EventType,
				Version:      wire.Version,
				GlobalSeq:    wire.GlobalSeq,
				Metadata:     wire.Metadata,
				CreatedAt:    wire.CreatedAt,
				ReaderName:   h.name,
				body:         wire.Body,
			}
			if err := handler(ctx, ev); err != nil {
				return fmt.Errorf("handler: %w", err)
			}
			if err := msg.Ack(); err != nil {
				h.logger.Warn("jetstream ack failed", "reader", h.name, "global_seq", ev.GlobalSeq, "error", err)
			}
			h.lastSeq = ev.GlobalSeq
			if h.stopAtSeq != nil && h.lastSeq >= *h.stopAtSeq {
				return nil
			}
		}
		if err := batch.Error(); err != nil {
			// A Fetch timeout with zero messages delivered isn't worth
			// tearing the consumer down for; only propagate a batch error
			// that cost us messages we never got to ack.
			if count == 0 {
				continue
			}
			return fmt.Errorf("jetstream batch: %w", err)
		}
		if count == 0 {
			continue
		}
		if err := h.commitOffset(ctx); err != nil {
			return fmt.Errorf("commit offset: %w", err)
		}
	}
}
