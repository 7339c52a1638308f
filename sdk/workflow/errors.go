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

package workflow

import (
	"github.com/ngnhng/durableflow/sdk/internal"
)

type (
	// ApplicationError is an error classified by the code that raised it.
	// Its Kind is what RetryPolicy.NonRetryableErrorTypes matches.
	ApplicationError = internal.ApplicationError
	// ActivityError is returned by an activity future once the activity gave up.
	ActivityError = internal.ActivityError
	// TimeoutError is the cause of an ActivityError for a timed out attempt.
	TimeoutError = internal.TimeoutError
	TimeoutType  = internal.TimeoutType
	// CancellationError is returned by blocking calls once the run has been
	// asked to cancel. Returning it closes the run as canceled.
	CancellationError    = internal.CancellationError
	ChildProcessError    = internal.ChildProcessError
	ContinueAsNewError   = internal.ContinueAsNewError
	DeterminismViolation = internal.DeterminismViolation
)

const (
	TimeoutStartToClose = internal.TimeoutStartToClose
	TimeoutHeartbeat    = internal.TimeoutHeartbeat
	TimeoutExecution    = internal.TimeoutExecution
)

// Failure kinds recorded by the runtime.
const (
	KindDeterminismViolation  = internal.KindDeterminismViolation
	KindPanic                 = internal.KindPanic
	KindMissingIdempotencyKey = internal.KindMissingIdempotencyKey
	KindActivityNotRegistered = internal.KindActivityNotRegistered
	KindWorkflowNotRegistered = internal.KindWorkflowNotRegistered
	KindInvalidArguments      = internal.KindInvalidArguments
	KindHandlerBlocked        = internal.KindHandlerBlocked
	KindInvalidRetryPolicy    = internal.KindInvalidRetryPolicy
)

func NewApplicationError(kind, message string, cause error) *ApplicationError {
	return internal.NewApplicationError(kind, message, false, cause)
}

func NewNonRetryableApplicationError(kind, message string, cause error) *ApplicationError {
	return internal.NewApplicationError(kind, message, true, cause)
}
