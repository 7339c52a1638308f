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

package internal

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/ngnhng/durableflow/api"
)

// Failure kinds the runtime records on its own behalf.
const (
	KindDeterminismViolation  = "DeterminismViolation"
	KindPanic                 = "Panic"
	KindMissingIdempotencyKey = "MissingIdempotencyKey"
	KindActivityNotRegistered = "ActivityNotRegistered"
	KindWorkflowNotRegistered = "WorkflowNotRegistered"
	KindInvalidArguments      = "InvalidArguments"
	KindHandlerBlocked        = "HandlerBlocked"
	KindInvalidRetryPolicy    = "InvalidRetryPolicy"

	kindActivityError     = "ActivityError"
	kindTimeoutError      = "TimeoutError"
	kindCancellationError = "CancellationError"
	kindChildProcessError = "ChildProcessError"
)

type TimeoutType string

const (
	TimeoutStartToClose TimeoutType = "StartToClose"
	TimeoutHeartbeat    TimeoutType = "Heartbeat"
	TimeoutExecution    TimeoutType = "Execution"
)

// errorBlockingFuture is the panic value a blocking call raises when the
// history holds nothing more to reveal. The runner recovers it as a
// suspension.
type errorBlockingFuture struct{}

func (e errorBlockingFuture) Error() string {
	return "blocking_future"
}

// errorHandlerBlocked is raised when a signal handler tries to block.
type errorHandlerBlocked struct{ name string }

func (e errorHandlerBlocked) Error() string {
	return fmt.Sprintf("signal handler %q blocked", e.name)
}

// ApplicationError is an error classified by the code that raised it.
type ApplicationError struct {
	Kind         string
	Message      string
	NonRetryable bool
	Cause        error
}

func NewApplicationError(kind, message string, nonRetryable bool, cause error) *ApplicationError {
	return &ApplicationError{Kind: kind, Message: message, NonRetryable: nonRetryable, Cause: cause}
}

func (e *ApplicationError) Error() string {
	if e.Kind == "" {
		return e.Message
	}
	return e.Kind + ": " + e.Message
}

func (e *ApplicationError) Unwrap() error { return e.Cause }

// ActivityError is what a workflow observes when an activity gave up.
type ActivityError struct {
	ActivityName string
	Seq          int64
	Attempt      int32
	Kind         string
	Message      string
	NonRetryable bool
	// Cause is a *TimeoutError when the last attempt timed out.
	Cause error
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %s failed on attempt %d: %s: %s", e.ActivityName, e.Attempt, e.Kind, e.Message)
}

func (e *ActivityError) Unwrap() error { return e.Cause }

type TimeoutError struct {
	Type TimeoutType
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timeout", e.Type)
}

// DeterminismViolation reports that the code issued a different command than
// the one recorded at Seq. An empty Got means the recorded command was never
// reached.
type DeterminismViolation struct {
	Seq      int64
	Expected string
	Got      string
}

func (e *DeterminismViolation) Error() string {
	if e.Got == "" {
		return fmt.Sprintf("determinism violation at seq %d: recorded %s was not reissued", e.Seq, e.Expected)
	}
	return fmt.Sprintf("determinism violation at seq %d: recorded %s, got %s", e.Seq, e.Expected, e.Got)
}

type CancellationError struct {
	Reason string
}

func (e *CancellationError) Error() string {
	if e.Reason == "" {
		return "canceled"
	}
	return "canceled: " + e.Reason
}

// ChildProcessError reports a child that closed without completing.
type ChildProcessError struct {
	ChildID api.InstanceID
	RunID   api.RunID
	Type    string
	Status  api.Status
	Failure error
}

func (e *ChildProcessError) Error() string {
	if e.Failure == nil {
		return fmt.Sprintf("child %s (%s) closed as %s", e.ChildID, e.Type, e.Status)
	}
	return fmt.Sprintf("child %s (%s) closed as %s: %v", e.ChildID, e.Type, e.Status, e.Failure)
}

func (e *ChildProcessError) Unwrap() error { return e.Failure }

// ContinueAsNewError, returned from a workflow, closes the run and starts a
// fresh one of the same instance with Input.
type ContinueAsNewError struct {
	Type             string
	Input            []any
	TaskQueue        string
	ExecutionTimeout time.Duration
}

func (e *ContinueAsNewError) Error() string {
	return "continue as new: " + e.Type
}

// ProcessError is returned by a client waiting on a run that did not
// complete.
type ProcessError struct {
	InstanceID api.InstanceID
	RunID      api.RunID
	Status     api.Status
	Failure    error
}

func (e *ProcessError) Error() string {
	if e.Failure == nil {
		return fmt.Sprintf("process %s run %s closed as %s", e.InstanceID, e.RunID, e.Status)
	}
	return fmt.Sprintf("process %s run %s closed as %s: %v", e.InstanceID, e.RunID, e.Status, e.Failure)
}

func (e *ProcessError) Unwrap() error { return e.Failure }

// errorKind names an unclassified error by its Go type.
func errorKind(err error) string {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() != "" {
		return t.Name()
	}
	return t.String()
}

// toFailure flattens an error chain into its recorded form.
func toFailure(err error) api.Failure {
	var (
		f     api.Failure
		cause error
	)
	switch e := err.(type) {
	case *ApplicationError:
		f = api.Failure{Kind: e.Kind, Message: e.Message, NonRetryable: e.NonRetryable}
		cause = e.Cause
	case *ActivityError:
		f = api.Failure{
			Kind:         kindActivityError,
			Message:      e.Message,
			NonRetryable: e.NonRetryable,
			Details: map[string]string{
				"activity": e.ActivityName,
				"seq":      strconv.FormatInt(e.Seq, 10),
				"attempt":  strconv.FormatInt(int64(e.Attempt), 10),
				"kind":     e.Kind,
			},
		}
		cause = e.Cause
	case *TimeoutError:
		f = api.Failure{Kind: kindTimeoutError, Message: e.Error(), Details: map[string]string{"type": string(e.Type)}}
	case *DeterminismViolation:
		f = api.Failure{
			Kind:         KindDeterminismViolation,
			Message:      e.Error(),
			NonRetryable: true,
			Details: map[string]string{
				"seq":      strconv.FormatInt(e.Seq, 10),
				"expected": e.Expected,
				"got":      e.Got,
			},
		}
	case *CancellationError:
		f = api.Failure{Kind: kindCancellationError, Message: e.Reason}
	case *ChildProcessError:
		f = api.Failure{
			Kind:    kindChildProcessError,
			Message: e.Error(),
			Details: map[string]string{
				"child_id": string(e.ChildID),
				"run_id":   string(e.RunID),
				"type":     e.Type,
				"status":   string(e.Status),
			},
		}
		cause = e.Failure
	default:
		f = api.Failure{Kind: errorKind(err), Message: err.Error()}
		cause = errors.Unwrap(err)
	}
	if cause != nil {
		c := toFailure(cause)
		f.Cause = &c
	}
	return f
}

// fromFailure rebuilds the error a failure was recorded from.
func fromFailure(f *api.Failure) error {
	if f == nil {
		return nil
	}
	cause := fromFailure(f.Cause)
	d := f.Details
	switch f.Kind {
	case kindActivityError:
		seq, _ := strconv.ParseInt(d["seq"], 10, 64)
		attempt, _ := strconv.ParseInt(d["attempt"], 10, 32)
		return &ActivityError{
			ActivityName: d["activity"],
			Seq:          seq,
			Attempt:      int32(attempt),
			Kind:         d["kind"],
			Message:      f.Message,
			NonRetryable: f.NonRetryable,
			Cause:        cause,
		}
	case kindTimeoutError:
		return &TimeoutError{Type: TimeoutType(d["type"])}
	case KindDeterminismViolation:
		if d == nil {
			return NewApplicationError(f.Kind, f.Message, true, cause)
		}
		seq, _ := strconv.ParseInt(d["seq"], 10, 64)
		return &DeterminismViolation{Seq: seq, Expected: d["expected"], Got: d["got"]}
	case kindCancellationError:
		return &CancellationError{Reason: f.Message}
	case kindChildProcessError:
		return &ChildProcessError{
			ChildID: api.InstanceID(d["child_id"]),
			RunID:   api.RunID(d["run_id"]),
			Type:    d["type"],
			Status:  api.Status(d["status"]),
			Failure: cause,
		}
	default:
		return &ApplicationError{Kind: f.Kind, Message: f.Message, NonRetryable: f.NonRetryable, Cause: cause}
	}
}

// activityError builds the error a workflow sees for an attempt that will
// not be retried.
func activityError(name string, seq int64, attempt int32, f api.Failure) *ActivityError {
	return &ActivityError{
		ActivityName: name,
		Seq:          seq,
		Attempt:      attempt,
		Kind:         f.Kind,
		Message:      f.Message,
		NonRetryable: f.NonRetryable,
		Cause:        fromFailure(f.Cause),
	}
}
