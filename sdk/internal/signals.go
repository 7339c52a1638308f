package internal

import (
	"fmt"
	"reflect"

	"github.com/ngnhng/durableflow/api"
)

// SignalChannel buffers the signals of one name that no handler consumed.
type SignalChannel interface {
	// Receive blocks until a signal is buffered and stores its payload.
	Receive(ctx Context, valuePtr any) error
	// ReceiveAsync takes a buffered signal if there is one.
	ReceiveAsync(valuePtr any) (bool, error)
	Len() int
}

type signalChannel struct {
	state *workflowState
	name  string
}

func GetSignalChannel(ctx Context, name string) SignalChannel {
	return &signalChannel{state: stateOf(ctx), name: name}
}

func (c *signalChannel) Len() int { return len(c.state.signalQueue[c.name]) }

func (c *signalChannel) Receive(ctx Context, valuePtr any) error {
	if err := c.state.block(ctx, func() bool { return c.Len() > 0 }); err != nil {
		return err
	}
	_, err := c.ReceiveAsync(valuePtr)
	return err
}

func (c *signalChannel) ReceiveAsync(valuePtr any) (bool, error) {
	q := c.state.signalQueue[c.name]
	if len(q) == 0 {
		return false, nil
	}
	payload := q[0]
	c.state.signalQueue[c.name] = q[1:]
	if err := c.state.converter.Assign(payload, valuePtr); err != nil {
		return true, fmt.Errorf("signal %s: %w", c.name, err)
	}
	return true, nil
}

// SetSignalHandler routes signals of name to fn, starting with those already
// buffered. fn is func(T) or func(Context, T) and must not block.
func SetSignalHandler(ctx Context, name string, fn any) error {
	s := stateOf(ctx)
	h := reflect.ValueOf(fn)
	if err := validateSignalHandler(h); err != nil {
		return fmt.Errorf("signal handler %s: %w", name, err)
	}
	s.signalHandlers[name] = h
	buffered := s.signalQueue[name]
	delete(s.signalQueue, name)
	for _, payload := range buffered {
		s.callSignalHandler(name, h, payload)
	}
	return nil
}

func validateSignalHandler(h reflect.Value) error {
	if !h.IsValid() || h.Kind() != reflect.Func {
		return ErrInvalidFunction
	}
	t := h.Type()
	switch {
	case t.NumIn() == 1:
	case t.NumIn() == 2 && t.In(0) == workflowContextType:
	default:
		return fmt.Errorf("%w: want func(T) or func(workflow.Context, T)", ErrInvalidFunction)
	}
	return nil
}

func (s *workflowState) receiveSignal(e *api.SignalReceived) {
	if h, ok := s.signalHandlers[e.Name]; ok {
		s.callSignalHandler(e.Name, h, e.Payload)
		return
	}
	s.signalQueue[e.Name] = append(s.signalQueue[e.Name], e.Payload)
}

func (s *workflowState) callSignalHandler(name string, h reflect.Value, payload any) {
	t := h.Type()
	arg, err := s.converter.Convert(payload, t.In(t.NumIn()-1))
	if err != nil {
		if !s.replaying() {
			s.logger.Warn("dropping signal with undecodable payload", "signal", name, "error", err)
		}
		return
	}
	args := []reflect.Value{arg}
	if t.NumIn() == 2 {
		args = []reflect.Value{reflect.ValueOf(s.root), arg}
	}
	prev := s.inHandler
	s.inHandler = name
	defer func() { s.inHandler = prev }()
	h.Call(args)
}

// SetQueryHandler registers fn to answer queries of name. fn is
// func(args...) (T, error) and reads workflow state without changing it.
func SetQueryHandler(ctx Context, name string, fn any) error {
	s := stateOf(ctx)
	h := reflect.ValueOf(fn)
	if !h.IsValid() || h.Kind() != reflect.Func {
		return fmt.Errorf("query handler %s: %w", name, ErrInvalidFunction)
	}
	t := h.Type()
	if t.NumOut() != 2 || t.Out(1) != errorType || t.IsVariadic() {
		return fmt.Errorf("query handler %s: %w: want func(args...) (T, error)", name, ErrInvalidFunction)
	}
	s.queryHandlers[name] = h
	return nil
}
