package dispatch

import (
	"context"
	"fmt"

	"github.com/danmuck/aapid/internal/protocol"
	"github.com/danmuck/aapid/internal/protocol/frame"
)

// ResultLength is the count of valid bytes a handler placed in its result
// payload.
type ResultLength struct {
	value int
}

func (l *ResultLength) Set(n int) {
	l.value = n
}

func (l *ResultLength) Value() int {
	return l.value
}

// Handler executes one command tag. It fills result and length in place and
// reports request-level failures as *protocol.ExecutionError.
type Handler interface {
	Execute(ctx context.Context, req frame.Payload, result *frame.Payload, length *ResultLength) error
}

type HandlerFunc func(ctx context.Context, req frame.Payload, result *frame.Payload, length *ResultLength) error

func (f HandlerFunc) Execute(ctx context.Context, req frame.Payload, result *frame.Payload, length *ResultLength) error {
	return f(ctx, req, result, length)
}

// Reply sets data as the whole result.
func Reply(result *frame.Payload, length *ResultLength, data []byte) {
	result.SetData(data)
	length.Set(len(data))
}

// Dispatcher resolves tags against a frozen Registry. It holds no per-call
// state.
type Dispatcher struct {
	registry *Registry
}

func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{registry: registry}
}

func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Execute runs the handler for tag. An unknown tag fails with
// *protocol.NotImplementedError; every handler failure comes back as
// *protocol.ExecutionError.
func (d *Dispatcher) Execute(
	ctx context.Context,
	tag int32,
	req frame.Payload,
	result *frame.Payload,
	length *ResultLength,
) error {
	h, ok := d.registry.Lookup(tag)
	if !ok {
		return &protocol.NotImplementedError{Tag: tag}
	}
	if err := invoke(ctx, h, req, result, length); err != nil {
		return protocol.AsExecutionError(err)
	}
	return nil
}

func invoke(ctx context.Context, h Handler, req frame.Payload, result *frame.Payload, length *ResultLength) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &protocol.ExecutionError{
				Code:    protocol.CodeInternal,
				Message: fmt.Sprintf("command panicked: %v", r),
			}
		}
	}()
	return h.Execute(ctx, req, result, length)
}
