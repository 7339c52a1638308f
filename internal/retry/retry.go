// Copyright 2025 Nguyen Nhat Nguyen
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

// Package retry decides whether a failed activity attempt is retried and
// when. The decision is recorded with the failure, so replay never calls
// into this package.
package retry

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/ngnhng/durableflow/api"
)

const (
	DefaultInitialInterval    = time.Second
	DefaultBackoffCoefficient = 2.0
	// The default maximum interval is this multiple of the initial interval.
	DefaultMaximumIntervalFactor = 100
)

var ErrInvalidPolicy = errors.New("retry: invalid policy")

// Validate rejects policies that defaults cannot repair. Zero fields are
// unset and take their defaults; anything else must be in range.
func Validate(p *api.RetryPolicy) error {
	switch {
	case p == nil:
		return nil
	case p.InitialIntervalMs < 0:
		return fmt.Errorf("%w: negative initial interval %dms", ErrInvalidPolicy, p.InitialIntervalMs)
	case p.MaximumIntervalMs < 0:
		return fmt.Errorf("%w: negative maximum interval %dms", ErrInvalidPolicy, p.MaximumIntervalMs)
	case p.MaximumAttempts < 0:
		return fmt.Errorf("%w: negative maximum attempts %d", ErrInvalidPolicy, p.MaximumAttempts)
	case math.IsNaN(p.BackoffCoefficient), p.BackoffCoefficient != 0 && p.BackoffCoefficient < 1:
		return fmt.Errorf("%w: backoff coefficient %v is below 1", ErrInvalidPolicy, p.BackoffCoefficient)
	}
	return nil
}

// Policy is the normalized form of api.RetryPolicy.
type Policy struct {
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaximumInterval    time.Duration
	// MaximumAttempts of 0 means unbounded.
	MaximumAttempts        int32
	NonRetryableErrorKinds []string
}

// FromAPI fills defaults for unset fields. A nil policy yields nil. It does
// not validate; callers check policies with Validate when they are set.
func FromAPI(p *api.RetryPolicy) *Policy {
	if p == nil {
		return nil
	}
	out := &Policy{
		InitialInterval:        time.Duration(p.InitialIntervalMs) * time.Millisecond,
		BackoffCoefficient:     p.BackoffCoefficient,
		MaximumInterval:        time.Duration(p.MaximumIntervalMs) * time.Millisecond,
		MaximumAttempts:        p.MaximumAttempts,
		NonRetryableErrorKinds: p.NonRetryableErrorTypes,
	}
	if out.InitialInterval <= 0 {
		out.InitialInterval = DefaultInitialInterval
	}
	if out.BackoffCoefficient == 0 {
		out.BackoffCoefficient = DefaultBackoffCoefficient
	}
	if out.MaximumInterval <= 0 {
		out.MaximumInterval = DefaultMaximumIntervalFactor * out.InitialInterval
	}
	return out
}

// Delay is initial·coef^(attempt-1) capped at the maximum interval.
func (p *Policy) Delay(attempt int32) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialInterval) * math.Pow(p.BackoffCoefficient, float64(attempt-1))
	if math.IsInf(d, 0) || d > float64(p.MaximumInterval) {
		return p.MaximumInterval
	}
	return time.Duration(d)
}

type Decision struct {
	Retry bool
	Delay time.Duration
}

// NextDelay decides the fate of the failed attempt numbered attempt
// (starting at 1). Without a policy there is no retry.
func NextDelay(attempt int32, failure api.Failure, policy *api.RetryPolicy) Decision {
	p := FromAPI(policy)
	if p == nil {
		return Decision{}
	}
	if failure.NonRetryable || slices.Contains(p.NonRetryableErrorKinds, failure.Kind) {
		return Decision{}
	}
	if p.MaximumAttempts > 0 && attempt >= p.MaximumAttempts {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.Delay(attempt)}
}
