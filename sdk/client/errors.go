package client

import (
	"github.com/ngnhng/durableflow/internal/instance"
	"github.com/ngnhng/durableflow/sdk/internal"
)

var (
	// ErrWorkflowNotFound is returned when an instance does not exist
	ErrWorkflowNotFound = instance.ErrNotFound

	// ErrWorkflowAlreadyRunning is returned when attempting to start an instance whose run is open
	ErrWorkflowAlreadyRunning = instance.ErrAlreadyStarted

	// ErrWorkflowClosed is returned when signaling or canceling a closed run
	ErrWorkflowClosed = instance.ErrRunClosed

	ErrQueryNotRegistered = internal.ErrQueryNotRegistered
	ErrQueryRejected      = internal.ErrQueryRejected
	ErrRunPurged          = internal.ErrRunPurged
)

// WorkflowExecutionError is returned by Execution.Get for a run that did not
// complete. Its Failure is the error the run closed with.
type WorkflowExecutionError = internal.ProcessError
