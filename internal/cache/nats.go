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

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// StateCodec marshals and unmarshals the opaque State field. Workflow state
// is a concrete application type behind `any`, so the command processor
// supplies a codec matching whatever type its Definition uses.
type StateCodec interface {
	Marshal(state any) ([]byte, error)
	Unmarshal(data []byte) (any, error)
}

// jsonCodec round-trips state through encoding/json into a map, used when
// the caller has no better-typed codec available.
type jsonCodec struct{}

func (jsonCodec) Marshal(state any) ([]byte, error) { return json.Marshal(state) }

func (jsonCodec) Unmarshal(data []byte) (any, error) {
	var v map[string]any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// NATSStore is a JetStream key-value-backed L2 cache, shared across runner
// processes so a cold instance on one node can still benefit from state
// warmed by another.
type NATSStore struct {
	bucket jetstream.KeyValue
	codec  StateCodec
}

type natsEntry struct {
	Version int             `json:"version"`
	State   json.RawMessage `json:"state"`
}

// NewNATSStore wraps an existing JetStream key-value bucket. Create or open
// the bucket with `js.CreateOrUpdateKeyValue` / `js.KeyValue` before calling
// this; NATSStore does not manage bucket lifecycle.
func NewNATSStore(bucket jetstream.KeyValue, codec StateCodec) *NATSStore {
	if codec == nil {
		codec = jsonCodec{}
	}
	return &NATSStore{bucket: bucket, codec: codec}
}

// GetState implements Store.
func (s *NATSStore) GetState(ctx context.Context, workflowID string) (*StoredState, bool, error) {
	entry, err := s.bucket.Get(ctx, workflowID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get state from kv: %w", err)
	}

	var e natsEntry
	if err := json.Unmarshal(entry.Value(), &e); err != nil {
		return nil, false, fmt.Errorf("decode cached entry: %w", err)
	}
	state, err := s.codec.Unmarshal(e.State)
	if err != nil {
		return nil, false, fmt.Errorf("decode cached state: %w", err)
	}
	return &StoredState{WorkflowID: workflowID, Version: e.Version, State: state}, true, nil
}

// PutState implements Store.
func (s *NATSStore) PutState(ctx context.Context, state StoredState) error {
	body, err := s.codec.Marshal(state.State)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	data, err := json.Marshal(natsEntry{Version: state.Version, State: body})
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if _, err := s.bucket.Put(ctx, state.WorkflowID, data); err != nil {
		return fmt.Errorf("put state to kv: %w", err)
	}
	return nil
}

// RemoveState implements Store.
func (s *NATSStore) RemoveState(ctx context.Context, workflowID string) error {
	if err := s.bucket.Delete(ctx, workflowID); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("delete state from kv: %w", err)
	}
	return nil
}
