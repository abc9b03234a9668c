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

package outbox

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresLocker enforces single-writer exclusion using session-scoped
// Postgres advisory locks — pg_try_advisory_lock is non-blocking and the
// lock is released automatically if the connection drops, so a crashed
// publisher never wedges the next one out.
type PostgresLocker struct {
	DB *sql.DB
}

// TryLock implements AdvisoryLocker.
func (l *PostgresLocker) TryLock(ctx context.Context, key int64) (bool, error) {
	var acquired bool
	if err := l.DB.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		return false, fmt.Errorf("pg_try_advisory_lock: %w", err)
	}
	return acquired, nil
}

// Unlock implements AdvisoryLocker.
func (l *PostgresLocker) Unlock(ctx context.Context, key int64) error {
	if _, err := l.DB.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", key); err != nil {
		return fmt.Errorf("pg_advisory_unlock: %w", err)
	}
	return nil
}

// NoopLocker grants the lock unconditionally. Used for single-process
// deployments backed by sqlite/memory (which have no cross-connection
// advisory lock primitive) and for tests, mirroring the teacher's
// enable_lock=False test-only escape hatch.
type NoopLocker struct{}

// TryLock implements AdvisoryLocker.
func (NoopLocker) TryLock(ctx context.Context, key int64) (bool, error) { return true, nil }

// Unlock implements AdvisoryLocker.
func (NoopLocker) Unlock(ctx context.Context, key int64) error { return nil }
