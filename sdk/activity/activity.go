package activity

import (
	"context"

	"github.com/ngnhng/durableflow/sdk/internal"
)

// Info describes the attempt an activity is running in.
type Info = internal.ActivityInfo

func GetInfo(ctx context.Context) Info {
	return internal.GetActivityInfo(ctx)
}

// RecordHeartbeat reports that the attempt is making progress.
func RecordHeartbeat(ctx context.Context) {
	internal.RecordActivityHeartbeat(ctx)
}

// NewError returns a retryable error of the given kind.
func NewError(kind, message string, cause error) error {
	return internal.NewApplicationError(kind, message, false, cause)
}

// NewNonRetryableError fails the activity without further attempts.
func NewNonRetryableError(kind, message string, cause error) error {
	return internal.NewApplicationError(kind, message, true, cause)
}
