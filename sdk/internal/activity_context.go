package internal

import (
	"context"

	"github.com/ngnhng/durableflow/api"
)

type (
	activityInfoKey struct{}
	heartbeatKey    struct{}
)

// ActivityInfo describes the attempt an activity function is running in.
type ActivityInfo struct {
	InstanceID   api.InstanceID
	RunID        api.RunID
	WorkflowType string
	ActivityName string
	TaskQueue    string
	Seq          int64
	Attempt      int32
	// IdempotencyKey is the same for every attempt of one invocation.
	IdempotencyKey string
}

func withActivityInfo(ctx context.Context, info ActivityInfo, beat func()) context.Context {
	ctx = context.WithValue(ctx, activityInfoKey{}, info)
	return context.WithValue(ctx, heartbeatKey{}, beat)
}

// GetActivityInfo returns the zero value outside an activity.
func GetActivityInfo(ctx context.Context) ActivityInfo {
	info, _ := ctx.Value(activityInfoKey{}).(ActivityInfo)
	return info
}

// RecordActivityHeartbeat tells the executor the attempt is alive.
func RecordActivityHeartbeat(ctx context.Context) {
	if beat, ok := ctx.Value(heartbeatKey{}).(func()); ok {
		beat()
	}
}
