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

package processor

import (
	"context"
	"fmt"

	"github.com/tombee/fluvioflow/internal/eventstore"
	flowerrors "github.com/tombee/fluvioflow/pkg/errors"
	"github.com/tombee/fluvioflow/pkg/workflow"
)

// hydrate returns the current state and version for workflowID, preferring
// an incremental replay on top of a cached state over a full snapshot
// load, and falling back to a full load whenever the cache is unusable.
func (p *CommandProcessor) hydrate(ctx context.Context, def workflow.Registered, workflowType, workflowID string) (any, int, error) {
	dbVersion, err := p.backend.CurrentVersion(ctx, workflowID)
	if err != nil {
		return nil, 0, fmt.Errorf("processor: current version: %w", err)
	}
	if dbVersion == 0 {
		return nil, 0, nil
	}

	if p.cache != nil {
		if cached, ok, cerr := p.cache.GetState(ctx, workflowID); cerr == nil && ok {
			if cached.Version == dbVersion {
				return cached.State, dbVersion, nil
			}
			if cached.Version < dbVersion {
				if state, err := p.replayRange(ctx, def, workflowID, cached.State, cached.Version, dbVersion); err == nil {
					p.updateCache(ctx, workflowID, dbVersion, state, false)
					return state, dbVersion, nil
				}
				p.logger.Warn("incremental replay from cache failed, falling back to full load", "workflow_id", workflowID, "error", err)
			}
		} else if cerr != nil {
			p.logger.Warn("cache read failed, falling back to full load", "workflow_id", workflowID, "error", cerr)
		}
	}

	state, err := p.loadStateFull(ctx, def, workflowID, dbVersion, false)
	if err != nil {
		return nil, 0, err
	}
	p.updateCache(ctx, workflowID, dbVersion, state, false)
	return state, dbVersion, nil
}

// loadStateFull rebuilds state by replaying up to toVersion. When bounded
// is false, the newest snapshot is used unconditionally, whatever version
// it was taken at, since the caller wants the instance's present state and
// any snapshot cannot be ahead of reality; this also covers a snapshot
// left behind by continue-as-new at a version higher than the truncated
// log's current version. When bounded is true, the snapshot is only used
// if its version is at or below toVersion — the caller wants a genuinely
// historical view, and a newer snapshot would overshoot it.
func (p *CommandProcessor) loadStateFull(ctx context.Context, def workflow.Registered, workflowID string, toVersion int, bounded bool) (any, error) {
	var state any
	fromVersion := 0

	snap, err := p.backend.GetSnapshot(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if snap != nil && (!bounded || snap.Version <= toVersion) {
		decoded, err := def.DecodeState(snap.State)
		if err != nil {
			return nil, err
		}
		state = decoded
		fromVersion = snap.Version
	}

	return p.replayRange(ctx, def, workflowID, state, fromVersion, toVersion)
}

// replayRange folds events in (fromVersion, toVersion] onto state via
// Evolve, running the upcast chain on each body first when configured.
func (p *CommandProcessor) replayRange(ctx context.Context, def workflow.Registered, workflowID string, state any, fromVersion, toVersion int) (any, error) {
	if fromVersion >= toVersion {
		return state, nil
	}

	events, err := p.backend.LoadEvents(ctx, workflowID, eventstore.EventFilter{
		FromVersion: fromVersion + 1,
		ToVersion:   toVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}

	for _, raw := range events {
		body := raw.Body
		if p.upcast != nil {
			body, err = p.upcast.Apply(raw.EventType, raw.SchemaVer, body)
			if err != nil {
				return nil, fmt.Errorf("upcast event %s v%d: %w", raw.EventType, raw.Version, err)
			}
		}
		ev, err := def.DecodeEvent(raw.EventType, body)
		if err != nil {
			return nil, err
		}
		state = def.Evolve(state, ev)
	}
	return state, nil
}

// LoadState returns the materialized state of workflowID, bypassing the
// ephemeral cache but still using snapshots. atVersion, when greater than
// zero and below the instance's current version, bounds the load to that
// historical version: the fold only includes events with version at most
// atVersion, and only a snapshot at or below it seeds the fold. Zero (or
// a value at or past the current version) loads the instance's present
// state.
func (p *CommandProcessor) LoadState(ctx context.Context, workflowType, workflowID string, atVersion int) (any, int, error) {
	def, err := p.lookup(workflowType)
	if err != nil {
		return nil, 0, err
	}
	version, err := p.backend.CurrentVersion(ctx, workflowID)
	if err != nil {
		return nil, 0, err
	}
	if version == 0 {
		return nil, 0, nil
	}
	if atVersion <= 0 || atVersion >= version {
		state, err := p.loadStateFull(ctx, def, workflowID, version, false)
		return state, version, err
	}
	state, err := p.loadStateFull(ctx, def, workflowID, atVersion, true)
	return state, atVersion, err
}

// GetCurrentState returns cached state when trustCache is true and a cache
// entry exists, without checking it against the log's current version.
// Used by read paths that can tolerate a slightly stale view in exchange
// for skipping a round trip to the backend.
func (p *CommandProcessor) GetCurrentState(ctx context.Context, workflowType, workflowID string, trustCache bool) (any, int, error) {
	if trustCache && p.cache != nil {
		if cached, ok, err := p.cache.GetState(ctx, workflowID); err == nil && ok {
			return cached.State, cached.Version, nil
		}
	}

	def, err := p.lookup(workflowType)
	if err != nil {
		return nil, 0, err
	}
	return p.hydrate(ctx, def, workflowType, workflowID)
}

// ReplayWorkflow replays events from fromVersion through the instance's
// current version, bypassing the ephemeral cache. It seeds the fold from
// the newest snapshot at or below fromVersion-1 when one exists, or folds
// from scratch when fromVersion is 1 or less — useful for validating an
// upcast chain against history it hasn't been exercised against yet.
func (p *CommandProcessor) ReplayWorkflow(ctx context.Context, workflowType, workflowID string, fromVersion int) (any, error) {
	def, err := p.lookup(workflowType)
	if err != nil {
		return nil, err
	}
	version, err := p.backend.CurrentVersion(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, &flowerrors.WorkflowNotFoundError{WorkflowID: workflowID}
	}
	if fromVersion < 1 {
		fromVersion = 1
	}

	base := fromVersion - 1
	var state any
	if base > 0 {
		state, err = p.loadStateFull(ctx, def, workflowID, base, true)
		if err != nil {
			return nil, err
		}
	}
	return p.replayRange(ctx, def, workflowID, state, base, version)
}

// RepublishEvents flips published=false for every event at or after
// fromGlobalSeq, so the outbox publisher re-delivers them. It does not
// touch the event log's content, only its publish bookkeeping.
func (p *CommandProcessor) RepublishEvents(ctx context.Context, fromGlobalSeq int64) error {
	return p.backend.UnpublishRange(ctx, fromGlobalSeq)
}
