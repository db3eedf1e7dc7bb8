package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/poltergeist/spectre/pkg/types"
)

// Listener turns one invocation's events into a span tree and metrics:
// an invocation span with one child span per started node
type Listener struct {
	in *Instruments

	mu      sync.Mutex
	rootCtx context.Context
	root    trace.Span
	spans   map[string]trace.Span
}

// Listener starts the invocation span. Pass the result to the engine as a
// types.Listener for exactly one invocation.
func (in *Instruments) Listener(ctx context.Context, invocationID string) *Listener {
	rootCtx, root := in.tracer.Start(ctx, "spectre.invocation",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("spectre.invocation.id", invocationID)),
	)
	return &Listener{
		in:      in,
		rootCtx: rootCtx,
		root:    root,
		spans:   make(map[string]trace.Span),
	}
}

func (l *Listener) NodeStarted(ctx context.Context, unitID string) {
	attrs := attribute.String("spectre.unit.id", unitID)
	_, span := l.in.tracer.Start(l.rootCtx, "spectre.node",
		trace.WithAttributes(attrs),
	)
	l.in.active.Add(ctx, 1)

	l.mu.Lock()
	l.spans[unitID] = span
	l.mu.Unlock()
}

func (l *Listener) NodeFinished(ctx context.Context, o types.Outcome) {
	state := attribute.String("state", o.State.String())
	l.in.nodes.Add(ctx, 1, metric.WithAttributes(state))

	l.mu.Lock()
	span, started := l.spans[o.UnitID]
	delete(l.spans, o.UnitID)
	l.mu.Unlock()

	if !started {
		// skipped nodes never start
		return
	}
	l.in.active.Add(ctx, -1)
	l.in.nodeDuration.Record(ctx, o.Duration.Seconds(), metric.WithAttributes(state))

	span.SetAttributes(state, attribute.String("spectre.reason", o.Reason))
	if o.CacheKey != "" {
		span.SetAttributes(attribute.String("spectre.cache.key", o.CacheKey))
	}
	if o.State == types.StateFailed {
		if o.Err != nil {
			span.RecordError(o.Err)
		}
		span.SetStatus(codes.Error, o.Reason)
	}
	span.End()
}

func (l *Listener) InvocationFinished(ctx context.Context, s types.Summary) {
	l.mu.Lock()
	for id, span := range l.spans {
		span.SetStatus(codes.Error, "not finished")
		span.End()
		delete(l.spans, id)
	}
	l.mu.Unlock()

	result := resultAttr(s.Succeeded(), s.Aborted)
	l.in.invocations.Add(ctx, 1, metric.WithAttributes(result))

	l.root.SetAttributes(result, attribute.Int("spectre.failed", len(s.Failed)))
	if !s.Succeeded() {
		l.root.SetStatus(codes.Error, s.String())
	}
	l.root.End()
}
