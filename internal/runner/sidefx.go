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

package runner

import (
	"context"

	"github.com/tombee/fluvioflow/internal/stream"
)

// SideEffects is consulted for every event belonging to the runner's own
// workflow type, independent of whether the event also routes to a
// command. It is the seam between the runner's routing loop and the
// action executor and delay scheduler: the runner only needs to know an
// event might require a side effect, not how one is carried out.
type SideEffects interface {
	// MaybeActOn inspects decoded (the event's body, already unmarshaled
	// into its concrete Go type by the event's own workflow type) and
	// registers a delay, executes a pending action, or cancels one, as
	// appropriate. A no-op for events that require none of these.
	MaybeActOn(ctx context.Context, event stream.ConsumedEvent, decoded any) error
}

// NoSideEffects is a SideEffects that never acts, for workflow types that
// register no delays and schedule no actions.
type NoSideEffects struct{}

// MaybeActOn implements SideEffects by doing nothing.
func (NoSideEffects) MaybeActOn(ctx context.Context, event stream.ConsumedEvent, decoded any) error {
	return nil
}
