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
	"fmt"
)

// Definition is implemented by application code to describe one workflow
// type's business logic: a pure state machine over state S, commands C, and
// events E. S is a pointer-free state struct; the runtime tracks "no state
// yet" (an instance with zero events) as a nil *S rather than a sentinel
// value.
type Definition[S any, C any, E any] interface {
	// Name identifies the workflow type, used as the discriminator stored
	// alongside each instance and as the registry key.
	Name() string

	// Decide computes the events a command produces against the current
	// state. state is nil for a command against a brand new instance.
	// Returning a *Rejection (as the error) means no events are appended
	// and the command has no effect.
	Decide(state *S, cmd C) ([]E, error)

	// Evolve folds a single event into state, returning the new state.
	// state is nil when evolving the first event of a new instance.
	Evolve(state *S, event E) *S

	// EventToCommand translates an event this workflow is subscribed to
	// (via Sub or ExternalSub, emitted by another instance or topic) into a
	// command for Decide. The second return is false if the event should be
	// ignored.
	EventToCommand(event any) (C, bool)

	// IsFinalEvent reports whether event ends the workflow instance's
	// lifecycle; once true, the runner stops scheduling further events for
	// this instance (continue-as-new aside).
	IsFinalEvent(event E) bool
}

// DecideAndEvolve runs Decide then folds the resulting events through
// Evolve, returning the new state alongside the events. This is the
// composition the command processor calls on every ProcessCommand.
func DecideAndEvolve[S any, C any, E any](def Definition[S, C, E], state *S, cmd C) (*S, []E, error) {
	events, err := def.Decide(state, cmd)
	if err != nil {
		return state, nil, err
	}
	newState := state
	for _, ev := range events {
		newState = def.Evolve(newState, ev)
	}
	return newState, events, nil
}

// Registered is the type-erased form of a Definition the runtime dispatches
// against dynamically, once a workflow type is looked up from its name at
// runtime. Go's generics erase at instantiation, not at the interface
// boundary, so a homogeneous registry of many distinct Definition[S,C,E]
// instantiations needs an any-typed facade; Register builds one.
type Registered interface {
	Name() string
	DecideAndEvolve(state any, cmd any) (newState any, events []any, err error)
	Evolve(state any, event any) any
	EventToCommand(event any) (any, bool)
	IsFinalEvent(event any) bool

	// DecodeState unmarshals a snapshot body into this workflow's concrete
	// state type, returning nil for an empty or "null" body.
	DecodeState(body []byte) (any, error)

	// DecodeEvent unmarshals a logged event body into this workflow's
	// concrete event type, given the event's recorded type name. This is
	// what lets the command processor replay a log it stores as opaque
	// JSON back into typed events for Evolve.
	DecodeEvent(eventType string, body []byte) (any, error)
}

// EventDecoder is an optional extension a Definition implements when its
// event type E is an interface satisfied by more than one concrete struct
// (a Go sum type), so DecodeEvent can pick the right concrete type by
// name. A Definition that only ever produces one concrete event struct
// doesn't need this; Register falls back to decoding directly into E.
type EventDecoder interface {
	DecodeEvent(eventType string, body []byte) (any, error)
}

type registered[S any, C any, E any] struct {
	def Definition[S, C, E]
}

// Register wraps a statically-typed Definition into its type-erased form
// for insertion into a runtime registry keyed by workflow type name.
func Register[S any, C any, E any](def Definition[S, C, E]) Registered {
	return registered[S, C, E]{def: def}
}

func (r registered[S, C, E]) Name() string { return r.def.Name() }

func (r registered[S, C, E]) DecideAndEvolve(state any, cmd any) (any, []any, error) {
	typedState, err := castState[S](state)
	if err != nil {
		return state, nil, err
	}
	typedCmd, ok := cmd.(C)
	if !ok {
		return state, nil, fmt.Errorf("workflow %s: command has unexpected type %T", r.def.Name(), cmd)
	}

	newState, events, err := DecideAndEvolve(r.def, typedState, typedCmd)
	if err != nil {
		return state, nil, err
	}

	erased := make([]any, len(events))
	for i, ev := range events {
		erased[i] = ev
	}
	return derefState(newState), erased, nil
}

func (r registered[S, C, E]) Evolve(state any, event any) any {
	typedState, _ := castState[S](state)
	typedEvent, ok := event.(E)
	if !ok {
		return state
	}
	return derefState(r.def.Evolve(typedState, typedEvent))
}

func (r registered[S, C, E]) EventToCommand(event any) (any, bool) {
	cmd, ok := r.def.EventToCommand(event)
	if !ok {
		return nil, false
	}
	return cmd, true
}

func (r registered[S, C, E]) IsFinalEvent(event any) bool {
	typedEvent, ok := event.(E)
	if !ok {
		return false
	}
	return r.def.IsFinalEvent(typedEvent)
}

func (r registered[S, C, E]) DecodeState(body []byte) (any, error) {
	if len(body) == 0 || string(body) == "null" {
		return nil, nil
	}
	var s S
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("workflow %s: decode state: %w", r.def.Name(), err)
	}
	return &s, nil
}

func (r registered[S, C, E]) DecodeEvent(eventType string, body []byte) (any, error) {
	if decoder, ok := any(r.def).(EventDecoder); ok {
		return decoder.DecodeEvent(eventType, body)
	}
	var e E
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("workflow %s: decode event %s: %w", r.def.Name(), eventType, err)
	}
	return e, nil
}

func castState[S any](state any) (*S, error) {
	if state == nil {
		return nil, nil
	}
	typed, ok := state.(*S)
	if !ok {
		var zero S
		return nil, fmt.Errorf("state has unexpected type %T, want *%T", state, zero)
	}
	return typed, nil
}

func derefState[S any](state *S) any {
	if state == nil {
		return nil
	}
	return state
}
