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

// Package subscription keeps an in-memory, per-workflow-type copy of the
// internal fan-out routing table so the runner can decide which workflows
// to notify about an event without a storage round trip on every event.
package subscription

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tombee/fluvioflow/internal/eventstore"
)

// CachedSubscription is one routing rule: deliver events from
// SourceWorkflowID (a literal id or a glob, "*" matching anything) whose
// event type matches EventType (also a literal or glob) to WorkflowID,
// optionally narrowed by tag filters.
type CachedSubscription struct {
	WorkflowID       string
	SourceWorkflowID string
	EventType        string
	TagsAny          []string
	TagsAll          []string
}

// Matches reports whether this subscription should fire for an event from
// sourceWorkflowID of eventType, given the union of the event's own tags
// and its source workflow's tags.
func (s CachedSubscription) Matches(sourceWorkflowID, eventType string, allTags map[string]struct{}) bool {
	if !globMatch(s.SourceWorkflowID, sourceWorkflowID) {
		return false
	}
	if !globMatch(s.EventType, eventType) {
		return false
	}
	if len(s.TagsAny) > 0 && !anyTagPresent(s.TagsAny, allTags) {
		return false
	}
	if len(s.TagsAll) > 0 && !allTagsPresent(s.TagsAll, allTags) {
		return false
	}
	return true
}

func globMatch(pattern, value string) bool {
	if pattern == "*" || pattern == value {
		return true
	}
	ok, err := doublestar.Match(pattern, value)
	return err == nil && ok
}

func anyTagPresent(want []string, have map[string]struct{}) bool {
	for _, t := range want {
		if _, ok := have[t]; ok {
			return true
		}
	}
	return false
}

func allTagsPresent(want []string, have map[string]struct{}) bool {
	for _, t := range want {
		if _, ok := have[t]; !ok {
			return false
		}
	}
	return true
}

// Cache is a concurrency-safe, per-subscriber index of CachedSubscriptions
// for a single workflow type.
type Cache struct {
	mu         sync.RWMutex
	byBareID   map[string][]CachedSubscription
	hasTagSubs bool
}

// NewCache returns an empty Cache.
func NewCache() *Cache {
	return &Cache{byBareID: make(map[string][]CachedSubscription)}
}

// Load replaces the cache's contents with every subscription registered
// for workflowType.
func (c *Cache) Load(ctx context.Context, store eventstore.SubscriptionStore, workflowType string) error {
	subs, err := store.ListSubscriptionsForType(ctx, workflowType)
	if err != nil {
		return fmt.Errorf("subscription: load cache for %s: %w", workflowType, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.byBareID = make(map[string][]CachedSubscription, len(subs))
	c.hasTagSubs = false
	for _, sub := range subs {
		c.addLocked(toCached(sub))
	}
	return nil
}

// Update replaces the cached subscriptions owned by subscriberWorkflowID,
// called after a command processor mutation changes that workflow's
// subscription list.
func (c *Cache) Update(subscriberWorkflowID string, subs []eventstore.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byBareID, subscriberWorkflowID)
	for _, sub := range subs {
		c.addLocked(toCached(sub))
	}
}

// Add registers one additional subscription owned by subscriberWorkflowID,
// used when a SubscriptionAdded event is observed rather than replacing
// the subscriber's whole subscription list.
func (c *Cache) Add(subscriberWorkflowID string, sub eventstore.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cached := toCached(sub)
	cached.WorkflowID = subscriberWorkflowID
	c.addLocked(cached)
}

// Remove drops one subscription owned by subscriberWorkflowID matching
// sub's routing fields, used when a SubscriptionRemoved event is observed.
func (c *Cache) Remove(subscriberWorkflowID string, sub eventstore.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rules := c.byBareID[subscriberWorkflowID]
	for i, r := range rules {
		if r.SourceWorkflowID == sub.SourceWorkflowID && r.EventType == sub.EventType {
			c.byBareID[subscriberWorkflowID] = append(rules[:i], rules[i+1:]...)
			break
		}
	}
	if len(c.byBareID[subscriberWorkflowID]) == 0 {
		delete(c.byBareID, subscriberWorkflowID)
	}
}

func (c *Cache) addLocked(sub CachedSubscription) {
	c.byBareID[sub.WorkflowID] = append(c.byBareID[sub.WorkflowID], sub)
	if len(sub.TagsAny) > 0 || len(sub.TagsAll) > 0 {
		c.hasTagSubs = true
	}
}

func toCached(sub eventstore.Subscription) CachedSubscription {
	return CachedSubscription{
		WorkflowID:       sub.SubscriberWorkflowID,
		SourceWorkflowID: sub.SourceWorkflowID,
		EventType:        sub.EventType,
		TagsAny:          sub.TagsAny,
		TagsAll:          sub.TagsAll,
	}
}

// HasTagSubscriptions reports whether any cached subscription filters on
// tags, so a caller can decide whether it needs to fetch event metadata at
// all (fetching it is wasted work when no subscription cares).
func (c *Cache) HasTagSubscriptions() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasTagSubs
}

// FindSubscribers returns, in sorted order, every workflow ID subscribed
// to events of eventType from sourceWorkflowID.
func (c *Cache) FindSubscribers(sourceWorkflowID, eventType string, eventTags, sourceWorkflowTags []string) []string {
	allTags := make(map[string]struct{}, len(eventTags)+len(sourceWorkflowTags))
	for _, t := range eventTags {
		allTags[t] = struct{}{}
	}
	for _, t := range sourceWorkflowTags {
		allTags[t] = struct{}{}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	matched := make(map[string]struct{})
	for subscriberID, subs := range c.byBareID {
		for _, sub := range subs {
			if sub.Matches(sourceWorkflowID, eventType, allTags) {
				matched[subscriberID] = struct{}{}
				break
			}
		}
	}

	out := make([]string, 0, len(matched))
	for id := range matched {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
