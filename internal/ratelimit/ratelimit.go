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

// Package ratelimit gates event dispatch to a configured average rate
// while tolerating short bursts, used by the workflow runner to throttle
// how fast it reads off the event stream.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// TokenBucket allows a caller to acquire tokens at up to rate events per
// second on average, blocking in Acquire until one is available.
type TokenBucket struct {
	limiter *rate.Limiter
}

// New returns a TokenBucket allowing eventsPerSecond on average with a
// burst capacity equal to one second's worth of tokens, truncated to a
// whole number and raised to at least 1.
func New(eventsPerSecond float64) *TokenBucket {
	burst := int(eventsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &TokenBucket{limiter: rate.NewLimiter(rate.Limit(eventsPerSecond), burst)}
}

// Acquire blocks until a token is available or ctx is cancelled.
func (b *TokenBucket) Acquire(ctx context.Context) error {
	return b.limiter.Wait(ctx)
}
