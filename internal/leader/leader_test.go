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

package leader

import (
	"database/sql"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func TestNewElectorDefaultsRetryInterval(t *testing.T) {
	e := NewElector(Config{InstanceID: "node-1", Key: 42})
	require.NotNil(t, e)
	require.Equal(t, "node-1", e.instanceID)
	require.Equal(t, DefaultRetryInterval, e.retryInterval)
	require.False(t, e.IsLeader())
}

func TestOnLeadershipChangeRegistersCallbacks(t *testing.T) {
	e := NewElector(Config{InstanceID: "node-1", Key: 42})
	e.OnLeadershipChange(func(bool) {})
	e.OnLeadershipChange(func(bool) {})
	require.Len(t, e.callbacks, 2)
}

func TestSetLeaderOnlyFiresCallbacksOnTransition(t *testing.T) {
	e := NewElector(Config{InstanceID: "node-1", Key: 42})

	var calls []bool
	e.OnLeadershipChange(func(isLeader bool) { calls = append(calls, isLeader) })

	e.setLeader(true)
	e.setLeader(true) // no-op, already leader
	e.setLeader(false)
	e.setLeader(false) // no-op, already not leader

	require.Equal(t, []bool{true, false}, calls)
}

func TestStatusReflectsLeadershipState(t *testing.T) {
	e := NewElector(Config{InstanceID: "node-1", Key: 42})
	require.Equal(t, Status{InstanceID: "node-1", IsLeader: false}, e.Status())

	e.setLeader(true)
	require.Equal(t, Status{InstanceID: "node-1", IsLeader: true}, e.Status())
}

// requirePostgresURL skips unless POSTGRES_URL names a reachable database —
// acquiring and verifying a real advisory lock needs one.
func requirePostgresURL(t *testing.T) *sql.DB {
	t.Helper()
	url := os.Getenv("POSTGRES_URL")
	if url == "" {
		t.Skip("skipping: POSTGRES_URL not set")
	}
	db, err := sql.Open("pgx", url)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestTwoElectorsOnSameKeyOnlyOneAcquiresLeadership(t *testing.T) {
	db := requirePostgresURL(t)

	a := NewElector(Config{DB: db, Key: 9001, InstanceID: "a"})
	b := NewElector(Config{DB: db, Key: 9001, InstanceID: "b"})
	defer a.release(t.Context())
	defer b.release(t.Context())

	a.tryAcquire(t.Context())
	b.tryAcquire(t.Context())

	require.True(t, a.IsLeader())
	require.False(t, b.IsLeader())

	a.release(t.Context())
	b.tryAcquire(t.Context())
	require.True(t, b.IsLeader())
}

func TestVerifyDetectsHeldLock(t *testing.T) {
	db := requirePostgresURL(t)

	e := NewElector(Config{DB: db, Key: 9002, InstanceID: "a"})
	defer e.release(t.Context())

	e.tryAcquire(t.Context())
	require.True(t, e.IsLeader())
	require.True(t, e.verify(t.Context()))

	e.release(t.Context())
	require.False(t, e.verify(t.Context()))
}
