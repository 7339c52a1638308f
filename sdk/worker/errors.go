package worker

import "github.com/ngnhng/durableflow/sdk/internal"

var (
	// ErrWorkflowNotRegistered is returned when a workflow is not registered with the worker
	ErrWorkflowNotRegistered = internal.ErrWorkflowNotRegistered

	// ErrActivityNotRegistered is returned when an activity is not registered with the worker
	ErrActivityNotRegistered = internal.ErrActivityNotRegistered

	// ErrInvalidFunction is returned when attempting to register an invalid function
	ErrInvalidFunction = internal.ErrInvalidFunction

	// ErrDuplicateRegistration is returned when attempting to register a function that is already registered
	ErrDuplicateRegistration = internal.ErrDuplicateRegistration

	// ErrNoRegistrations is returned by Run when nothing was registered
	ErrNoRegistrations = internal.ErrNoRegistrations
)

// RegistrationError represents an error that occurred during function registration
type RegistrationError = internal.RegistrationError
