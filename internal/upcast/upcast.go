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

// Package upcast migrates old event bodies forward to the schema version a
// workflow's Evolve expects, so a renamed field or restructured payload
// doesn't require rewriting history in place.
package upcast

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/itchyny/gojq"
)

// Transform migrates one event body from its recorded schema version to
// the next. Chains of Transforms run in ascending schema-version order
// until the body reaches the current version.
type Transform func(raw json.RawMessage) (json.RawMessage, error)

// step pairs a Transform with the schema version it migrates away from.
type step struct {
	fromVersion int
	fn          Transform
}

// Chain holds, per event type, an ordered set of version-keyed transforms.
// A Chain is safe for concurrent use after construction; Register calls
// are expected to happen once at startup before any Apply.
type Chain struct {
	mu    sync.RWMutex
	steps map[string][]step
}

// NewChain returns an empty upcast chain.
func NewChain() *Chain {
	return &Chain{steps: make(map[string][]step)}
}

// Register adds a Go-function transform for eventType's bodies recorded at
// fromVersion, migrating them to fromVersion+1.
func (c *Chain) Register(eventType string, fromVersion int, fn Transform) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps[eventType] = append(c.steps[eventType], step{fromVersion: fromVersion, fn: fn})
	sort.Slice(c.steps[eventType], func(i, j int) bool {
		return c.steps[eventType][i].fromVersion < c.steps[eventType][j].fromVersion
	})
}

// RegisterJQ adds a declarative jq-filter transform, for migrations simple
// enough to express as a field rename or restructure without a full Go
// function.
func (c *Chain) RegisterJQ(eventType string, fromVersion int, filter string) error {
	query, err := gojq.Parse(filter)
	if err != nil {
		return fmt.Errorf("upcast: parse jq filter for %s v%d: %w", eventType, fromVersion, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return fmt.Errorf("upcast: compile jq filter for %s v%d: %w", eventType, fromVersion, err)
	}

	c.Register(eventType, fromVersion, func(raw json.RawMessage) (json.RawMessage, error) {
		var input any
		if err := json.Unmarshal(raw, &input); err != nil {
			return nil, fmt.Errorf("upcast: decode body for jq filter: %w", err)
		}

		iter := code.Run(input)
		v, ok := iter.Next()
		if !ok {
			return nil, fmt.Errorf("upcast: jq filter for %s v%d produced no output", eventType, fromVersion)
		}
		if err, isErr := v.(error); isErr {
			return nil, fmt.Errorf("upcast: jq filter for %s v%d: %w", eventType, fromVersion, err)
		}

		return json.Marshal(v)
	})
	return nil
}

// Apply migrates raw from schemaVersion to the highest version the chain
// knows how to reach for eventType, running each intervening transform in
// order. A schema version with no registered transform is returned
// unchanged, so an already-current body is a no-op.
func (c *Chain) Apply(eventType string, schemaVersion int, raw json.RawMessage) (json.RawMessage, error) {
	c.mu.RLock()
	steps := c.steps[eventType]
	c.mu.RUnlock()

	body := raw
	version := schemaVersion
	for _, s := range steps {
		if s.fromVersion < version {
			continue
		}
		migrated, err := s.fn(body)
		if err != nil {
			return nil, fmt.Errorf("upcast: %s v%d->v%d: %w", eventType, s.fromVersion, s.fromVersion+1, err)
		}
		body = migrated
		version = s.fromVersion + 1
	}
	return body, nil
}
