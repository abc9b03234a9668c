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

// Package cache provides ephemeral, best-effort storage for hydrated
// workflow state, letting the command processor skip a full event replay
// on the common path. The event log remains authoritative; a cache miss or
// stale entry only costs a rehydration, never correctness.
package cache

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// StoredState is a hydrated workflow instance: its materialized state and
// the event version it reflects. The version lets a reader detect a stale
// cache entry by comparing against the log's current version.
type StoredState struct {
	WorkflowID string
	Version    int
	State      any
}

// Store is ephemeral state storage. Implementations must be safe for
// concurrent use. A miss is reported via the bool return, not an error —
// cache misses are expected and never failures.
type Store interface {
	GetState(ctx context.Context, workflowID string) (*StoredState, bool, error)
	PutState(ctx context.Context, state StoredState) error
	RemoveState(ctx context.Context, workflowID string) error
}

// LRUStore is an in-process, bounded LRU cache of hydrated state. It has
// zero network cost on hit and works well when a runner instance owns a
// fixed partition of workflow IDs, since most lookups land on IDs it has
// already warmed.
type LRUStore struct {
	mu  sync.Mutex
	lru *lru.Cache[string, StoredState]
}

// NewLRUStore creates an LRUStore bounded to maxSize entries. A maxSize of
// zero defaults to 10,000, mirroring the original system's default.
func NewLRUStore(maxSize int) (*LRUStore, error) {
	if maxSize <= 0 {
		maxSize = 10_000
	}
	c, err := lru.New[string, StoredState](maxSize)
	if err != nil {
		return nil, err
	}
	return &LRUStore{lru: c}, nil
}

// GetState implements Store.
func (s *LRUStore) GetState(ctx context.Context, workflowID string) (*StoredState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.lru.Get(workflowID)
	if !ok {
		return nil, false, nil
	}
	return &v, true, nil
}

// PutState implements Store.
func (s *LRUStore) PutState(ctx context.Context, state StoredState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Add(state.WorkflowID, state)
	return nil
}

// RemoveState implements Store.
func (s *LRUStore) RemoveState(ctx context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Remove(workflowID)
	return nil
}

// TieredStore combines an in-process L1 with a shared L2, trying L1 first
// and promoting L2 hits back into L1 so later reads on the same instance
// stay local. Writes go to both tiers so L1 is always warm after a write.
type TieredStore struct {
	l1 Store
	l2 Store
}

// NewTieredStore builds a TieredStore over the given tiers.
func NewTieredStore(l1, l2 Store) *TieredStore {
	return &TieredStore{l1: l1, l2: l2}
}

// GetState implements Store.
func (t *TieredStore) GetState(ctx context.Context, workflowID string) (*StoredState, bool, error) {
	if state, ok, err := t.l1.GetState(ctx, workflowID); err != nil {
		return nil, false, err
	} else if ok {
		return state, true, nil
	}

	state, ok, err := t.l2.GetState(ctx, workflowID)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	if err := t.l1.PutState(ctx, *state); err != nil {
		return nil, false, err
	}
	return state, true, nil
}

// PutState implements Store.
func (t *TieredStore) PutState(ctx context.Context, state StoredState) error {
	if err := t.l1.PutState(ctx, state); err != nil {
		return err
	}
	return t.l2.PutState(ctx, state)
}

// RemoveState implements Store.
func (t *TieredStore) RemoveState(ctx context.Context, workflowID string) error {
	if err := t.l1.RemoveState(ctx, workflowID); err != nil {
		return err
	}
	return t.l2.RemoveState(ctx, workflowID)
}
