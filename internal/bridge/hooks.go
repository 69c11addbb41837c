package bridge

import (
	"time"
)

// DispatchContext describes one inbound call to lifecycle hooks.
type DispatchContext struct {
	// Operation is the call's operation name.
	Operation string
	// CorrelationID identifies the call. It is captured from the message
	// properties before decoding, so it survives decode faults.
	CorrelationID string
	// Queue is the queue the message was received from.
	Queue string
	// StartedAt is when processing began.
	StartedAt time.Time
	// Duration is how long processing took (set in OnDone and OnError).
	Duration time.Duration
}

// DispatchHooks defines callbacks around inbound call processing.
// All hooks are optional - nil hooks are simply not called.
type DispatchHooks struct {
	// OnStart is called before the handler is invoked.
	OnStart func(ctx DispatchContext)

	// OnDone is called after a message reached an acked terminal state,
	// business errors included.
	OnDone func(ctx DispatchContext)

	// OnError is called when a message is nacked as a fault.
	OnError func(ctx DispatchContext, err error)
}

// Merge combines two DispatchHooks, creating a new DispatchHooks that calls
// both. The hooks from 'other' are called after the hooks from 'h'.
func (h DispatchHooks) Merge(other DispatchHooks) DispatchHooks {
	return DispatchHooks{
		OnStart: chainStartHooks(h.OnStart, other.OnStart),
		OnDone:  chainDoneHooks(h.OnDone, other.OnDone),
		OnError: chainErrorHooks(h.OnError, other.OnError),
	}
}

func (h DispatchHooks) start(ctx DispatchContext) {
	if h.OnStart != nil {
		h.OnStart(ctx)
	}
}

func (h DispatchHooks) done(ctx DispatchContext) {
	if h.OnDone != nil {
		h.OnDone(ctx)
	}
}

func (h DispatchHooks) fail(ctx DispatchContext, err error) {
	if h.OnError != nil {
		h.OnError(ctx, err)
	}
}

func chainStartHooks(a, b func(DispatchContext)) func(DispatchContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DispatchContext) {
		a(ctx)
		b(ctx)
	}
}

func chainDoneHooks(a, b func(DispatchContext)) func(DispatchContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DispatchContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(DispatchContext, error)) func(DispatchContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DispatchContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}
