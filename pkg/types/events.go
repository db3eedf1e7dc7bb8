package types

import "context"

// Listener receives progress for a single invocation. Listeners are passed
// per invocation and must not block for long; they run on the scheduler
// goroutine.
type Listener interface {
	NodeStarted(ctx context.Context, unitID string)
	NodeFinished(ctx context.Context, outcome Outcome)
	InvocationFinished(ctx context.Context, summary Summary)
}

// Listeners fans events out to several listeners in order
type Listeners []Listener

func (ls Listeners) NodeStarted(ctx context.Context, unitID string) {
	for _, l := range ls {
		l.NodeStarted(ctx, unitID)
	}
}

func (ls Listeners) NodeFinished(ctx context.Context, outcome Outcome) {
	for _, l := range ls {
		l.NodeFinished(ctx, outcome)
	}
}

func (ls Listeners) InvocationFinished(ctx context.Context, summary Summary) {
	for _, l := range ls {
		l.InvocationFinished(ctx, summary)
	}
}

// ListenerFuncs adapts plain functions to Listener; nil fields are ignored
type ListenerFuncs struct {
	OnNodeStarted        func(ctx context.Context, unitID string)
	OnNodeFinished       func(ctx context.Context, outcome Outcome)
	OnInvocationFinished func(ctx context.Context, summary Summary)
}

func (f ListenerFuncs) NodeStarted(ctx context.Context, unitID string) {
	if f.OnNodeStarted != nil {
		f.OnNodeStarted(ctx, unitID)
	}
}

func (f ListenerFuncs) NodeFinished(ctx context.Context, outcome Outcome) {
	if f.OnNodeFinished != nil {
		f.OnNodeFinished(ctx, outcome)
	}
}

func (f ListenerFuncs) InvocationFinished(ctx context.Context, summary Summary) {
	if f.OnInvocationFinished != nil {
		f.OnInvocationFinished(ctx, summary)
	}
}
