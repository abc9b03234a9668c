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

// Package leader elects a single active node for a recurring job shared
// across a fleet of runner processes, using a Postgres advisory lock keyed
// per job. internal/delay uses it so only one node's Scheduler resumes due
// delays for a given workflow type at a time; running it unelected on every
// node would still be correct (CompleteDelay is idempotent on version) but
// would waste every other node's poll cycle.
package leader

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/fluvioflow/internal/log"
)

// DefaultRetryInterval is how often a non-leader retries acquisition and a
// leader re-verifies it still holds the lock.
const DefaultRetryInterval = 5 * time.Second

// Elector manages leader election for one job key using a Postgres advisory
// lock. Safe for concurrent use.
type Elector struct {
	db         *sql.DB
	key        int64
	instanceID string
	isLeader   bool
	mu         sync.RWMutex
	stopCh     chan struct{}
	doneCh     chan struct{}
	callbacks  []func(isLeader bool)
	logger     *slog.Logger

	retryInterval time.Duration
}

// Config configures an Elector for one job key.
type Config struct {
	// DB is the database connection backing the advisory lock.
	DB *sql.DB

	// Key identifies the job being elected for. Distinct jobs must use
	// distinct keys or they'll contend for the same leadership.
	Key int64

	// InstanceID uniquely identifies this process among the fleet, for
	// logging and Status().
	InstanceID string

	// RetryInterval is how often to attempt acquiring or re-verify
	// leadership. Defaults to DefaultRetryInterval.
	RetryInterval time.Duration

	Logger *slog.Logger
}

// NewElector creates an Elector. Start must be called to begin competing.
func NewElector(cfg Config) *Elector {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = log.WithComponent(logger, "leader").With(slog.String("instance_id", cfg.InstanceID), slog.Int64("lock_key", cfg.Key))

	return &Elector{
		db:         cfg.DB,
		key:        cfg.Key,
		instanceID: cfg.InstanceID,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		logger:     logger,

		retryInterval: cfg.RetryInterval,
	}
}

// Start begins the election loop in a background goroutine.
func (e *Elector) Start(ctx context.Context) {
	go e.run(ctx)
}

// Stop ends the election loop and releases leadership if held, blocking
// until both have completed.
func (e *Elector) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

// IsLeader reports whether this instance currently holds leadership.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

// OnLeadershipChange registers a callback invoked whenever leadership is
// acquired or lost. Callbacks run synchronously on the election goroutine;
// they must not block.
func (e *Elector) OnLeadershipChange(callback func(isLeader bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = append(e.callbacks, callback)
}

func (e *Elector) run(ctx context.Context) {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.retryInterval)
	defer ticker.Stop()

	e.tryAcquire(ctx)

	for {
		select {
		case <-ctx.Done():
			e.release(context.WithoutCancel(ctx))
			return
		case <-e.stopCh:
			e.release(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			if !e.IsLeader() {
				e.tryAcquire(ctx)
			} else if !e.verify(ctx) {
				e.setLeader(false)
				e.logger.Warn("lost leadership, will retry")
			}
		}
	}
}

func (e *Elector) tryAcquire(ctx context.Context) {
	var acquired bool
	err := e.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", e.key).Scan(&acquired)
	if err != nil {
		e.logger.Error("failed to acquire leadership", "error", err)
		return
	}
	if acquired {
		e.setLeader(true)
		e.logger.Info("acquired leadership")
	}
}

func (e *Elector) verify(ctx context.Context) bool {
	var holding bool
	err := e.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_locks
			WHERE locktype = 'advisory'
			AND classid = ($1 >> 32)::int
			AND objid = ($1 & 4294967295)::int
			AND pid = pg_backend_pid()
		)
	`, e.key).Scan(&holding)
	if err != nil {
		e.logger.Error("failed to verify leadership", "error", err)
		return false
	}
	return holding
}

func (e *Elector) release(ctx context.Context) {
	if !e.IsLeader() {
		return
	}
	if _, err := e.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", e.key); err != nil {
		e.logger.Error("failed to release leadership", "error", err)
	}
	e.setLeader(false)
	e.logger.Info("released leadership")
}

func (e *Elector) setLeader(isLeader bool) {
	e.mu.Lock()
	wasLeader := e.isLeader
	e.isLeader = isLeader
	callbacks := make([]func(bool), len(e.callbacks))
	copy(callbacks, e.callbacks)
	e.mu.Unlock()

	if wasLeader != isLeader {
		for _, cb := range callbacks {
			cb(isLeader)
		}
	}
}

// Status reports this instance's current election state.
type Status struct {
	InstanceID string `json:"instance_id"`
	IsLeader   bool   `json:"is_leader"`
}

// Status returns the current leadership status.
func (e *Elector) Status() Status {
	return Status{InstanceID: e.instanceID, IsLeader: e.IsLeader()}
}
