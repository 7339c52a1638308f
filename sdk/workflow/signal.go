package workflow

import "github.com/ngnhng/durableflow/sdk/internal"

// SignalChannel buffers the signals of one name in arrival order.
type SignalChannel = internal.SignalChannel

func GetSignalChannel(ctx Context, name string) SignalChannel {
	return internal.GetSignalChannel(ctx, name)
}

// SetSignalHandler calls fn for each signal of name, first for those already
// buffered. fn is func(T) or func(workflow.Context, T); it may update
// workflow state but must not block.
func SetSignalHandler(ctx Context, name string, fn any) error {
	return internal.SetSignalHandler(ctx, name, fn)
}

// SetQueryHandler answers queries of name with fn, a func(args...) (T, error).
// Queries run against a replay and cannot change the run.
func SetQueryHandler(ctx Context, name string, fn any) error {
	return internal.SetQueryHandler(ctx, name, fn)
}
