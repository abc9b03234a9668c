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

package workflow

import (
	"encoding/json"
	"time"
)

// Framework events are well-known event types a Definition's Decide may
// return alongside its own domain events. The command processor recognizes
// them by concrete type and applies the corresponding side-table mutation
// (subscriptions, schedules, lifecycle) in the same append as the event
// that carries them, rather than requiring the runner to do it out of band.

// SubscriptionAdded registers an internal routing subscription: the
// emitting instance wants cmd-producing events from sources matching Sub
// delivered to it.
type SubscriptionAdded struct {
	Sub Sub `json:"sub"`
}

// SubscriptionRemoved removes a previously registered internal
// subscription with a matching Sub.
type SubscriptionRemoved struct {
	Sub Sub `json:"sub"`
}

// ExternalSubscriptionAdded registers interest in a broker topic.
type ExternalSubscriptionAdded struct {
	ExternalSub ExternalSub `json:"external_sub"`
}

// ExternalSubscriptionRemoved removes a previously registered external
// subscription.
type ExternalSubscriptionRemoved struct {
	ExternalSub ExternalSub `json:"external_sub"`
}

// EvDelay registers, or re-registers, a one-shot or cron delay schedule
// for the emitting instance. A non-empty CronExpr makes the schedule
// recurring; otherwise FireAt is a single deadline. Registering a second
// EvDelay with the same DelayID replaces the first.
type EvDelay struct {
	DelayID     string    `json:"delay_id"`
	FireAt      time.Time `json:"fire_at"`
	NextCommand any       `json:"next_command"`
	CronExpr    string    `json:"cron_expr,omitempty"`
	Timezone    string    `json:"timezone,omitempty"`
}

// EvDelayComplete is appended by the delay scheduler when a registered
// delay fires. NextCommand carries the command value given at
// registration time (EvDelay.NextCommand) back out verbatim, so
// EventToCommand can decode and return it without the workflow's own
// state needing to remember what it scheduled.
type EvDelayComplete struct {
	DelayID     string          `json:"delay_id"`
	FiredAt     time.Time       `json:"fired_at"`
	NextCommand json.RawMessage `json:"next_command,omitempty"`
}

// DirectMessage is addressed to a single target instance rather than
// routed via subscription matching. The runner recognizes it by type and
// resolves the target workflow id itself instead of consulting the
// subscription cache.
type DirectMessage struct {
	TargetWorkflowID string          `json:"target_workflow_id"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

// ScheduleRemoved cancels one live delay schedule by ID, without affecting
// the instance's lifecycle or any other schedule it owns.
type ScheduleRemoved struct {
	DelayID string `json:"delay_id"`
}

// SystemPause is the synthetic event appended by the command processor's
// Pause operation.
type SystemPause struct {
	Reason string `json:"reason,omitempty"`
}

// SystemResume is the synthetic event appended by the command processor's
// Resume operation.
type SystemResume struct {
	Reason string `json:"reason,omitempty"`
}

// SystemCancel is the synthetic event appended by the command processor's
// Cancel operation. Its side-table handling also clears every delay
// schedule owned by the instance.
type SystemCancel struct {
	Reason string `json:"reason,omitempty"`
}

// ContinueAsNew is the single marker event a continue-as-new operation
// inserts at version 1 after truncating an instance's event log. It
// carries no business meaning beyond anchoring the new log.
type ContinueAsNew struct {
	PriorVersion int `json:"prior_version"`
}
