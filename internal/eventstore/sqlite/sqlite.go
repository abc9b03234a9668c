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

// Package sqlite provides a SQLite eventstore backend for single-node
// deployments and local development.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tombee/fluvioflow/internal/eventstore"
	flowerrors "github.com/tombee/fluvioflow/pkg/errors"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertions.
var (
	_ eventstore.EventStore               = (*Backend)(nil)
	_ eventstore.SnapshotStore             = (*Backend)(nil)
	_ eventstore.SubscriptionStore         = (*Backend)(nil)
	_ eventstore.ExternalSubscriptionStore = (*Backend)(nil)
	_ eventstore.ActivityStore             = (*Backend)(nil)
	_ eventstore.DelayScheduleStore        = (*Backend)(nil)
	_ eventstore.OffsetStore               = (*Backend)(nil)
	_ eventstore.ScalingOperationStore     = (*Backend)(nil)
	_ eventstore.WorkflowMetadataStore     = (*Backend)(nil)
	_ eventstore.Backend                   = (*Backend)(nil)
)

// Backend is a SQLite eventstore backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite backend, configures pragmas, and runs migrations.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes; the event log's row-lock-then-append
	// pattern relies on a single writer connection to make that explicit.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return b, nil
}

func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS events (
			global_seq INTEGER PRIMARY KEY AUTOINCREMENT,
			workflow_id TEXT NOT NULL,
			workflow_type TEXT NOT NULL,
			version INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			body TEXT NOT NULL,
			schema_version INTEGER DEFAULT 0,
			metadata TEXT,
			published INTEGER DEFAULT 0,
			created_at TEXT NOT NULL,
			UNIQUE (workflow_id, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_workflow ON events(workflow_id, version)`,
		`CREATE INDEX IF NOT EXISTS idx_events_unpublished ON events(published, global_seq)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			workflow_id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			state TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			subscriber_workflow_id TEXT NOT NULL,
			source_workflow_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			tags_any TEXT,
			tags_all TEXT,
			PRIMARY KEY (subscriber_workflow_id, source_workflow_id, event_type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_source ON subscriptions(source_workflow_id)`,
		`CREATE TABLE IF NOT EXISTS external_subscriptions (
			workflow_id TEXT NOT NULL,
			topic TEXT NOT NULL,
			PRIMARY KEY (workflow_id, topic)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_external_subscriptions_topic ON external_subscriptions(topic)`,
		`CREATE TABLE IF NOT EXISTS activities (
			workflow_id TEXT NOT NULL,
			event_version INTEGER NOT NULL,
			status TEXT NOT NULL,
			retry_count INTEGER DEFAULT 0,
			retry_policy TEXT,
			checkpoint TEXT,
			started_at TEXT,
			last_attempt_at TEXT,
			finished_at TEXT,
			runner_id TEXT,
			error_class TEXT,
			error_message TEXT,
			result_command TEXT,
			PRIMARY KEY (workflow_id, event_version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activities_stale ON activities(status, last_attempt_at)`,
		`CREATE TABLE IF NOT EXISTS delay_schedules (
			workflow_id TEXT NOT NULL,
			delay_id TEXT NOT NULL,
			fire_at TEXT NOT NULL,
			emitted_version INTEGER NOT NULL,
			next_command TEXT NOT NULL,
			cron_expr TEXT,
			timezone TEXT,
			PRIMARY KEY (workflow_id, delay_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_delay_schedules_fire_at ON delay_schedules(fire_at)`,
		`CREATE TABLE IF NOT EXISTS offsets (
			reader_name TEXT PRIMARY KEY,
			last_committed_global_seq INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scaling_operations (
			workflow_type TEXT PRIMARY KEY,
			target_global_seq INTEGER NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_metadata (
			workflow_id TEXT PRIMARY KEY,
			workflow_type TEXT NOT NULL,
			tags TEXT,
			search_attributes TEXT,
			lifecycle TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_metadata_type ON workflow_metadata(workflow_type)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

// AppendEvents implements eventstore.EventStore. Inside the transaction it
// re-reads MAX(version) and returns ConcurrentModificationError when that
// differs from expectedVersion; a unique-constraint violation on insert is
// returned as a wrapped "insert event" error.
func (b *Backend) AppendEvents(ctx context.Context, workflowID, workflowType string, expectedVersion int, events []eventstore.Event) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current int
	err = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM events WHERE workflow_id = ?`, workflowID).Scan(&current)
	if err != nil {
		return fmt.Errorf("read current version: %w", err)
	}
	if current != expectedVersion {
		return &flowerrors.ConcurrentModificationError{WorkflowID: workflowID, Version: expectedVersion, Attempts: 1}
	}

	now := time.Now()
	for i, ev := range events {
		metaJSON, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		createdAt := ev.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO events (workflow_id, workflow_type, version, event_type, body, schema_version, metadata, published, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
		`, workflowID, workflowType, expectedVersion+i+1, ev.EventType, string(ev.Body), ev.SchemaVer, string(metaJSON), createdAt.Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}

	return tx.Commit()
}

// LoadEvents implements eventstore.EventStore.
func (b *Backend) LoadEvents(ctx context.Context, workflowID string, filter eventstore.EventFilter) ([]eventstore.Event, error) {
	query := `SELECT global_seq, workflow_id, workflow_type, version, event_type, body, schema_version, metadata, published, created_at
		FROM events WHERE workflow_id = ?`
	args := []any{workflowID}

	if filter.FromVersion > 0 {
		query += " AND version >= ?"
		args = append(args, filter.FromVersion)
	}
	if filter.ToVersion > 0 {
		query += " AND version <= ?"
		args = append(args, filter.ToVersion)
	}
	query += " ORDER BY version ASC"

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()

	var out []eventstore.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		if len(filter.EventTypes) > 0 && !contains(filter.EventTypes, ev.EventType) {
			continue
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// GetEvent implements eventstore.EventStore.
func (b *Backend) GetEvent(ctx context.Context, workflowID string, version int) (*eventstore.Event, error) {
	row := b.db.QueryRowContext(ctx, `SELECT global_seq, workflow_id, workflow_type, version, event_type, body, schema_version, metadata, published, created_at
		FROM events WHERE workflow_id = ? AND version = ?`, workflowID, version)
	ev, err := scanEventRow(row)
	if err == sql.ErrNoRows {
		return nil, &flowerrors.WorkflowNotFoundError{WorkflowID: workflowID}
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// CurrentVersion implements eventstore.EventStore.
func (b *Backend) CurrentVersion(ctx context.Context, workflowID string) (int, error) {
	var v int
	err := b.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM events WHERE workflow_id = ?`, workflowID).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("current version: %w", err)
	}
	return v, nil
}

// DeleteEventLog implements eventstore.EventStore.
func (b *Backend) DeleteEventLog(ctx context.Context, workflowID string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM events WHERE workflow_id = ?`, workflowID)
	if err != nil {
		return fmt.Errorf("delete event log: %w", err)
	}
	return nil
}

// LoadLog implements eventstore.EventStore.
func (b *Backend) LoadLog(ctx context.Context, filter eventstore.LogFilter) ([]eventstore.Event, error) {
	query := `SELECT global_seq, workflow_id, workflow_type, version, event_type, body, schema_version, metadata, published, created_at
		FROM events WHERE global_seq > ?`
	args := []any{filter.AfterGlobalSeq}
	query += " ORDER BY global_seq ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load log: %w", err)
	}
	defer rows.Close()

	var out []eventstore.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		if len(filter.EventTypes) > 0 && !contains(filter.EventTypes, ev.EventType) {
			continue
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MarkPublished implements eventstore.EventStore.
func (b *Backend) MarkPublished(ctx context.Context, globalSeqs []int64) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE events SET published = 1 WHERE global_seq = ?`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, seq := range globalSeqs {
		if _, err := stmt.ExecContext(ctx, seq); err != nil {
			return fmt.Errorf("mark published %d: %w", seq, err)
		}
	}
	return tx.Commit()
}

// UnpublishRange implements eventstore.EventStore.
func (b *Backend) UnpublishRange(ctx context.Context, fromGlobalSeq int64) error {
	_, err := b.db.ExecContext(ctx, `UPDATE events SET published = 0 WHERE global_seq >= ?`, fromGlobalSeq)
	if err != nil {
		return fmt.Errorf("unpublish range: %w", err)
	}
	return nil
}

// UnpublishedBatch implements eventstore.EventStore.
func (b *Backend) UnpublishedBatch(ctx context.Context, limit int) ([]eventstore.Event, error) {
	query := `SELECT global_seq, workflow_id, workflow_type, version, event_type, body, schema_version, metadata, published, created_at
		FROM events WHERE published = 0 ORDER BY global_seq ASC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("unpublished batch: %w", err)
	}
	defer rows.Close()

	var out []eventstore.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SaveSnapshot implements eventstore.SnapshotStore.
func (b *Backend) SaveSnapshot(ctx context.Context, snap eventstore.Snapshot) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO snapshots (workflow_id, version, state, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (workflow_id) DO UPDATE SET version = excluded.version, state = excluded.state, updated_at = excluded.updated_at
	`, snap.WorkflowID, snap.Version, string(snap.State), time.Now().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// GetSnapshot implements eventstore.SnapshotStore.
func (b *Backend) GetSnapshot(ctx context.Context, workflowID string) (*eventstore.Snapshot, error) {
	var snap eventstore.Snapshot
	var state, updatedAt string
	err := b.db.QueryRowContext(ctx, `SELECT workflow_id, version, state, updated_at FROM snapshots WHERE workflow_id = ?`, workflowID).
		Scan(&snap.WorkflowID, &snap.Version, &state, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	snap.State = json.RawMessage(state)
	snap.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &snap, nil
}

// DeleteSnapshot implements eventstore.SnapshotStore.
func (b *Backend) DeleteSnapshot(ctx context.Context, workflowID string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM snapshots WHERE workflow_id = ?`, workflowID)
	return err
}

// AddSubscription implements eventstore.SubscriptionStore.
func (b *Backend) AddSubscription(ctx context.Context, sub eventstore.Subscription) error {
	tagsAny, _ := json.Marshal(sub.TagsAny)
	tagsAll, _ := json.Marshal(sub.TagsAll)
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO subscriptions (subscriber_workflow_id, source_workflow_id, event_type, tags_any, tags_all)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (subscriber_workflow_id, source_workflow_id, event_type) DO UPDATE SET
			tags_any = excluded.tags_any, tags_all = excluded.tags_all
	`, sub.SubscriberWorkflowID, sub.SourceWorkflowID, sub.EventType, string(tagsAny), string(tagsAll))
	return err
}

// RemoveSubscription implements eventstore.SubscriptionStore.
func (b *Backend) RemoveSubscription(ctx context.Context, sub eventstore.Subscription) error {
	_, err := b.db.ExecContext(ctx, `
		DELETE FROM subscriptions WHERE subscriber_workflow_id = ? AND source_workflow_id = ? AND event_type = ?
	`, sub.SubscriberWorkflowID, sub.SourceWorkflowID, sub.EventType)
	return err
}

// ListSubscriptionsForType implements eventstore.SubscriptionStore. Matches
// rows whose source_workflow_id is a per-instance id whose
// workflow_metadata row has this type, or the "*" wildcard.
func (b *Backend) ListSubscriptionsForType(ctx context.Context, sourceWorkflowType string) ([]eventstore.Subscription, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT s.subscriber_workflow_id, s.source_workflow_id, s.event_type, s.tags_any, s.tags_all
		FROM subscriptions s
		LEFT JOIN workflow_metadata m ON m.workflow_id = s.source_workflow_id
		WHERE s.source_workflow_id = '*' OR m.workflow_type = ?
	`, sourceWorkflowType)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []eventstore.Subscription
	for rows.Next() {
		var sub eventstore.Subscription
		var tagsAny, tagsAll sql.NullString
		if err := rows.Scan(&sub.SubscriberWorkflowID, &sub.SourceWorkflowID, &sub.EventType, &tagsAny, &tagsAll); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		if tagsAny.Valid {
			json.Unmarshal([]byte(tagsAny.String), &sub.TagsAny)
		}
		if tagsAll.Valid {
			json.Unmarshal([]byte(tagsAll.String), &sub.TagsAll)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// AddExternalSubscription implements eventstore.ExternalSubscriptionStore.
func (b *Backend) AddExternalSubscription(ctx context.Context, sub eventstore.ExternalSubscription) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO external_subscriptions (workflow_id, topic) VALUES (?, ?)
		ON CONFLICT (workflow_id, topic) DO NOTHING
	`, sub.WorkflowID, sub.Topic)
	return err
}

// RemoveExternalSubscription implements eventstore.ExternalSubscriptionStore.
func (b *Backend) RemoveExternalSubscription(ctx context.Context, sub eventstore.ExternalSubscription) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM external_subscriptions WHERE workflow_id = ? AND topic = ?`, sub.WorkflowID, sub.Topic)
	return err
}

// ListExternalSubscriptions implements eventstore.ExternalSubscriptionStore.
func (b *Backend) ListExternalSubscriptions(ctx context.Context, topic string) ([]eventstore.ExternalSubscription, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT workflow_id, topic FROM external_subscriptions WHERE topic = ?`, topic)
	if err != nil {
		return nil, fmt.Errorf("list external subscriptions: %w", err)
	}
	defer rows.Close()

	var out []eventstore.ExternalSubscription
	for rows.Next() {
		var sub eventstore.ExternalSubscription
		if err := rows.Scan(&sub.WorkflowID, &sub.Topic); err != nil {
			return nil, fmt.Errorf("scan external subscription: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// GetActivity implements eventstore.ActivityStore.
func (b *Backend) GetActivity(ctx context.Context, workflowID string, eventVersion int) (*eventstore.Activity, error) {
	row := b.db.QueryRowContext(ctx, activitySelect+` WHERE workflow_id = ? AND event_version = ?`, workflowID, eventVersion)
	a, err := scanActivityRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetOrCreateActivity implements eventstore.ActivityStore.
func (b *Backend) GetOrCreateActivity(ctx context.Context, workflowID string, eventVersion int, policy json.RawMessage) (*eventstore.Activity, error) {
	existing, err := b.GetActivity(ctx, workflowID, eventVersion)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := time.Now().Format(time.RFC3339Nano)
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO activities (workflow_id, event_version, status, retry_policy, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, workflowID, eventVersion, eventstore.ActivityPending, string(policy), now)
	if err != nil {
		return nil, fmt.Errorf("create activity: %w", err)
	}
	return b.GetActivity(ctx, workflowID, eventVersion)
}

// UpdateActivityStatus implements eventstore.ActivityStore.
func (b *Backend) UpdateActivityStatus(ctx context.Context, workflowID string, eventVersion int, status eventstore.ActivityStatus) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE activities SET status = ?, last_attempt_at = ? WHERE workflow_id = ? AND event_version = ?
	`, status, time.Now().Format(time.RFC3339Nano), workflowID, eventVersion)
	return err
}

// UpdateActivityError implements eventstore.ActivityStore.
func (b *Backend) UpdateActivityError(ctx context.Context, workflowID string, eventVersion int, class, message string) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE activities SET error_class = ?, error_message = ?, retry_count = retry_count + 1
		WHERE workflow_id = ? AND event_version = ?
	`, class, message, workflowID, eventVersion)
	return err
}

// SaveActivityCheckpoint implements eventstore.ActivityStore.
func (b *Backend) SaveActivityCheckpoint(ctx context.Context, workflowID string, eventVersion int, checkpoint json.RawMessage) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE activities SET checkpoint = ? WHERE workflow_id = ? AND event_version = ?
	`, string(checkpoint), workflowID, eventVersion)
	return err
}

// MarkActivityCompleted implements eventstore.ActivityStore.
func (b *Backend) MarkActivityCompleted(ctx context.Context, workflowID string, eventVersion int, resultCommand json.RawMessage) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE activities SET status = ?, result_command = ?, finished_at = ? WHERE workflow_id = ? AND event_version = ?
	`, eventstore.ActivityCompleted, string(resultCommand), time.Now().Format(time.RFC3339Nano), workflowID, eventVersion)
	return err
}

// MarkActivityFailed implements eventstore.ActivityStore.
func (b *Backend) MarkActivityFailed(ctx context.Context, workflowID string, eventVersion int, class, message string) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE activities SET status = ?, error_class = ?, error_message = ?, finished_at = ? WHERE workflow_id = ? AND event_version = ?
	`, eventstore.ActivityFailed, class, message, time.Now().Format(time.RFC3339Nano), workflowID, eventVersion)
	return err
}

// ListStaleActivities implements eventstore.ActivityStore.
func (b *Backend) ListStaleActivities(ctx context.Context, olderThan time.Time) ([]eventstore.Activity, error) {
	rows, err := b.db.QueryContext(ctx, activitySelect+`
		WHERE status IN (?, ?) AND last_attempt_at IS NOT NULL AND last_attempt_at < ?
	`, eventstore.ActivityRunning, eventstore.ActivityRetrying, olderThan.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("list stale activities: %w", err)
	}
	defer rows.Close()

	var out []eventstore.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpsertDelaySchedule implements eventstore.DelayScheduleStore. Matches the
// original system's delete-then-insert registration: a re-armed cron fire
// replaces the prior row keyed by (workflow_id, delay_id) outright.
func (b *Backend) UpsertDelaySchedule(ctx context.Context, sched eventstore.DelaySchedule) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO delay_schedules (workflow_id, delay_id, fire_at, emitted_version, next_command, cron_expr, timezone)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id, delay_id) DO UPDATE SET
			fire_at = excluded.fire_at, emitted_version = excluded.emitted_version,
			next_command = excluded.next_command, cron_expr = excluded.cron_expr, timezone = excluded.timezone
	`, sched.WorkflowID, sched.DelayID, sched.FireAt.Format(time.RFC3339Nano), sched.EmittedVersion,
		string(sched.NextCommand), sched.CronExpr, sched.Timezone)
	return err
}

// DeleteDelaySchedule implements eventstore.DelayScheduleStore.
func (b *Backend) DeleteDelaySchedule(ctx context.Context, workflowID, delayID string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM delay_schedules WHERE workflow_id = ? AND delay_id = ?`, workflowID, delayID)
	return err
}

// DeleteAllDelaySchedules implements eventstore.DelayScheduleStore.
func (b *Backend) DeleteAllDelaySchedules(ctx context.Context, workflowID string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM delay_schedules WHERE workflow_id = ?`, workflowID)
	return err
}

// ListDueDelaySchedules implements eventstore.DelayScheduleStore.
func (b *Backend) ListDueDelaySchedules(ctx context.Context, asOf time.Time, limit int) ([]eventstore.DelaySchedule, error) {
	query := `SELECT workflow_id, delay_id, fire_at, emitted_version, next_command, cron_expr, timezone
		FROM delay_schedules WHERE fire_at <= ? ORDER BY fire_at ASC`
	args := []any{asOf.Format(time.RFC3339Nano)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list due delay schedules: %w", err)
	}
	defer rows.Close()

	var out []eventstore.DelaySchedule
	for rows.Next() {
		var d eventstore.DelaySchedule
		var fireAt, cronExpr, tz, nextCommand sql.NullString
		if err := rows.Scan(&d.WorkflowID, &d.DelayID, &fireAt, &d.EmittedVersion, &nextCommand, &cronExpr, &tz); err != nil {
			return nil, fmt.Errorf("scan delay schedule: %w", err)
		}
		if fireAt.Valid {
			d.FireAt, _ = time.Parse(time.RFC3339Nano, fireAt.String)
		}
		if nextCommand.Valid {
			d.NextCommand = json.RawMessage(nextCommand.String)
		}
		d.CronExpr = cronExpr.String
		d.Timezone = tz.String
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetOffset implements eventstore.OffsetStore.
func (b *Backend) GetOffset(ctx context.Context, readerName string) (*eventstore.Offset, error) {
	var off eventstore.Offset
	var updatedAt string
	err := b.db.QueryRowContext(ctx, `SELECT reader_name, last_committed_global_seq, updated_at FROM offsets WHERE reader_name = ?`, readerName).
		Scan(&off.ReaderName, &off.LastCommittedGlobalSeq, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get offset: %w", err)
	}
	off.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &off, nil
}

// CommitOffset implements eventstore.OffsetStore.
func (b *Backend) CommitOffset(ctx context.Context, readerName string, globalSeq int64) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO offsets (reader_name, last_committed_global_seq, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (reader_name) DO UPDATE SET last_committed_global_seq = excluded.last_committed_global_seq, updated_at = excluded.updated_at
	`, readerName, globalSeq, time.Now().Format(time.RFC3339Nano))
	return err
}

// ListOffsets implements eventstore.OffsetStore.
func (b *Backend) ListOffsets(ctx context.Context, readerPrefix string) ([]eventstore.Offset, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT reader_name, last_committed_global_seq, updated_at FROM offsets WHERE reader_name LIKE ?
	`, readerPrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("list offsets: %w", err)
	}
	defer rows.Close()

	var out []eventstore.Offset
	for rows.Next() {
		var off eventstore.Offset
		var updatedAt string
		if err := rows.Scan(&off.ReaderName, &off.LastCommittedGlobalSeq, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan offset: %w", err)
		}
		off.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, off)
	}
	return out, rows.Err()
}

// DeleteOffset implements eventstore.OffsetStore.
func (b *Backend) DeleteOffset(ctx context.Context, readerName string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM offsets WHERE reader_name = ?`, readerName)
	return err
}

// CreateScalingOperation implements eventstore.ScalingOperationStore.
func (b *Backend) CreateScalingOperation(ctx context.Context, op eventstore.ScalingOperation) error {
	existing, err := b.GetScalingOperation(ctx, op.WorkflowType)
	if err != nil {
		return err
	}
	if existing != nil && (existing.Status == eventstore.ScalingPending || existing.Status == eventstore.ScalingSynchronizing) {
		return flowerrors.New("scaling operation already in progress for " + op.WorkflowType)
	}

	now := time.Now().Format(time.RFC3339Nano)
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO scaling_operations (workflow_type, target_global_seq, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (workflow_type) DO UPDATE SET
			target_global_seq = excluded.target_global_seq, status = excluded.status, updated_at = excluded.updated_at
	`, op.WorkflowType, op.TargetGlobalSeq, op.Status, now, now)
	return err
}

// GetScalingOperation implements eventstore.ScalingOperationStore.
func (b *Backend) GetScalingOperation(ctx context.Context, workflowType string) (*eventstore.ScalingOperation, error) {
	var op eventstore.ScalingOperation
	var createdAt, updatedAt string
	err := b.db.QueryRowContext(ctx, `
		SELECT workflow_type, target_global_seq, status, created_at, updated_at FROM scaling_operations WHERE workflow_type = ?
	`, workflowType).Scan(&op.WorkflowType, &op.TargetGlobalSeq, &op.Status, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get scaling operation: %w", err)
	}
	op.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	op.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &op, nil
}

// UpdateScalingOperationStatus implements eventstore.ScalingOperationStore.
func (b *Backend) UpdateScalingOperationStatus(ctx context.Context, workflowType string, status eventstore.ScalingStatus) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE scaling_operations SET status = ?, updated_at = ? WHERE workflow_type = ?
	`, status, time.Now().Format(time.RFC3339Nano), workflowType)
	return err
}

// ClearScalingOperation implements eventstore.ScalingOperationStore.
func (b *Backend) ClearScalingOperation(ctx context.Context, workflowType string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM scaling_operations WHERE workflow_type = ?`, workflowType)
	return err
}

// CreateWorkflowMetadata implements eventstore.WorkflowMetadataStore.
func (b *Backend) CreateWorkflowMetadata(ctx context.Context, meta eventstore.WorkflowMetadata) error {
	if meta.Lifecycle == "" {
		meta.Lifecycle = eventstore.LifecycleActive
	}
	tags, _ := json.Marshal(meta.Tags)
	attrs, _ := json.Marshal(meta.SearchAttributes)
	now := time.Now().Format(time.RFC3339Nano)
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO workflow_metadata (workflow_id, workflow_type, tags, search_attributes, lifecycle, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, meta.WorkflowID, meta.WorkflowType, string(tags), string(attrs), meta.Lifecycle, now, now)
	return err
}

// GetWorkflowMetadata implements eventstore.WorkflowMetadataStore.
func (b *Backend) GetWorkflowMetadata(ctx context.Context, workflowID string) (*eventstore.WorkflowMetadata, error) {
	var m eventstore.WorkflowMetadata
	var tags, attrs sql.NullString
	var createdAt, updatedAt string
	err := b.db.QueryRowContext(ctx, `
		SELECT workflow_id, workflow_type, tags, search_attributes, lifecycle, created_at, updated_at
		FROM workflow_metadata WHERE workflow_id = ?
	`, workflowID).Scan(&m.WorkflowID, &m.WorkflowType, &tags, &attrs, &m.Lifecycle, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow metadata: %w", err)
	}
	if tags.Valid {
		json.Unmarshal([]byte(tags.String), &m.Tags)
	}
	if attrs.Valid {
		json.Unmarshal([]byte(attrs.String), &m.SearchAttributes)
	}
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &m, nil
}

// SetLifecycle implements eventstore.WorkflowMetadataStore.
func (b *Backend) SetLifecycle(ctx context.Context, workflowID string, lifecycle eventstore.Lifecycle) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE workflow_metadata SET lifecycle = ?, updated_at = ? WHERE workflow_id = ?
	`, lifecycle, time.Now().Format(time.RFC3339Nano), workflowID)
	return err
}

// MergeSearchAttributes implements eventstore.WorkflowMetadataStore. SQLite
// has no document-containment index, so the merge happens in Go: read,
// merge, write back.
func (b *Backend) MergeSearchAttributes(ctx context.Context, workflowID string, attrs map[string]any) error {
	meta, err := b.GetWorkflowMetadata(ctx, workflowID)
	if err != nil {
		return err
	}
	if meta == nil {
		return &flowerrors.WorkflowNotFoundError{WorkflowID: workflowID}
	}
	if meta.SearchAttributes == nil {
		meta.SearchAttributes = map[string]any{}
	}
	for k, v := range attrs {
		meta.SearchAttributes[k] = v
	}
	encoded, err := json.Marshal(meta.SearchAttributes)
	if err != nil {
		return fmt.Errorf("marshal search attributes: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `
		UPDATE workflow_metadata SET search_attributes = ?, updated_at = ? WHERE workflow_id = ?
	`, string(encoded), time.Now().Format(time.RFC3339Nano), workflowID)
	return err
}

// SearchWorkflows implements eventstore.WorkflowMetadataStore. SQLite has
// no JSONB containment index, so candidates are loaded by type and
// filtered in Go; callers needing boolean-expression filtering layer
// an expr predicate on top of this, as processor.SearchWorkflows does.
func (b *Backend) SearchWorkflows(ctx context.Context, workflowType string, equalityFilter map[string]any) ([]eventstore.WorkflowMetadata, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT workflow_id, workflow_type, tags, search_attributes, lifecycle, created_at, updated_at
		FROM workflow_metadata WHERE workflow_type = ?
	`, workflowType)
	if err != nil {
		return nil, fmt.Errorf("search workflows: %w", err)
	}
	defer rows.Close()

	var out []eventstore.WorkflowMetadata
	for rows.Next() {
		var m eventstore.WorkflowMetadata
		var tags, attrs sql.NullString
		var createdAt, updatedAt string
		if err := rows.Scan(&m.WorkflowID, &m.WorkflowType, &tags, &attrs, &m.Lifecycle, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan workflow metadata: %w", err)
		}
		if tags.Valid {
			json.Unmarshal([]byte(tags.String), &m.Tags)
		}
		if attrs.Valid {
			json.Unmarshal([]byte(attrs.String), &m.SearchAttributes)
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

		matched := true
		for k, v := range equalityFilter {
			if m.SearchAttributes[k] != v {
				matched = false
				break
			}
		}
		if matched {
			out = append(out, m)
		}
	}
	return out, rows.Err()
}

const activitySelect = `SELECT workflow_id, event_version, status, retry_count, retry_policy, checkpoint,
	started_at, last_attempt_at, finished_at, runner_id, error_class, error_message, result_command FROM activities`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActivity(rows *sql.Rows) (eventstore.Activity, error) {
	return scanActivityRow(rows)
}

func scanActivityRow(row rowScanner) (eventstore.Activity, error) {
	var a eventstore.Activity
	var retryPolicy, checkpoint, startedAt, lastAttemptAt, finishedAt, runnerID, errorClass, errorMessage, resultCommand sql.NullString
	err := row.Scan(
		&a.WorkflowID, &a.EventVersion, &a.Status, &a.RetryCount, &retryPolicy, &checkpoint,
		&startedAt, &lastAttemptAt, &finishedAt, &runnerID, &errorClass, &errorMessage, &resultCommand,
	)
	if err != nil {
		return eventstore.Activity{}, err
	}
	if retryPolicy.Valid {
		a.RetryPolicy = json.RawMessage(retryPolicy.String)
	}
	if checkpoint.Valid {
		a.Checkpoint = json.RawMessage(checkpoint.String)
	}
	if resultCommand.Valid {
		a.ResultCommand = json.RawMessage(resultCommand.String)
	}
	a.RunnerID = runnerID.String
	a.ErrorClass = errorClass.String
	a.ErrorMessage = errorMessage.String
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, startedAt.String)
		a.StartedAt = &t
	}
	if lastAttemptAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastAttemptAt.String)
		a.LastAttemptAt = &t
	}
	if finishedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, finishedAt.String)
		a.FinishedAt = &t
	}
	return a, nil
}

func scanEvent(rows *sql.Rows) (eventstore.Event, error) {
	return scanEventRow(rows)
}

func scanEventRow(row rowScanner) (eventstore.Event, error) {
	var ev eventstore.Event
	var body, metadata string
	var createdAt string
	var published int
	err := row.Scan(&ev.GlobalSeq, &ev.WorkflowID, &ev.WorkflowType, &ev.Version, &ev.EventType, &body, &ev.SchemaVer, &metadata, &published, &createdAt)
	if err != nil {
		return eventstore.Event{}, err
	}
	ev.Body = json.RawMessage(body)
	ev.Published = published != 0
	ev.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if metadata != "" {
		json.Unmarshal([]byte(metadata), &ev.Metadata)
	}
	return ev, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
