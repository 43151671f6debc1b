package sdk

import "context"

// The current-span stack rides on context.Context. Each push copies the
// slice, so a context handed to a forked goroutine carries an immutable
// snapshot: mutations in the child never leak back to the parent, and
// sibling tasks observe independent stacks.

type stackKey struct{}

type spanStack struct {
	spans   []*Span
	traceID string
}

// ContextWithSpan returns a child context with span pushed as the current
// span. The parent context's stack is untouched.
func ContextWithSpan(ctx context.Context, span *Span) context.Context {
	prev, _ := ctx.Value(stackKey{}).(*spanStack)

	var spans []*Span
	traceID := span.TraceID()
	if prev != nil {
		spans = make([]*Span, len(prev.spans), len(prev.spans)+1)
		copy(spans, prev.spans)
		if prev.traceID != "" {
			traceID = prev.traceID
		}
	}
	spans = append(spans, span)
	return context.WithValue(ctx, stackKey{}, &spanStack{spans: spans, traceID: traceID})
}

// SpanFromContext returns the current (innermost) span, or nil.
func SpanFromContext(ctx context.Context) *Span {
	stack, _ := ctx.Value(stackKey{}).(*spanStack)
	if stack == nil || len(stack.spans) == 0 {
		return nil
	}
	return stack.spans[len(stack.spans)-1]
}

// TraceIDFromContext returns the active trace id, or "" when no trace is
// in progress.
func TraceIDFromContext(ctx context.Context) string {
	stack, _ := ctx.Value(stackKey{}).(*spanStack)
	if stack == nil {
		return ""
	}
	return stack.traceID
}

// parentFromContext resolves the parent span id and trace id a new span
// should inherit. Both are "" at a root.
func parentFromContext(ctx context.Context) (parentSpanID, traceID string) {
	if cur := SpanFromContext(ctx); cur != nil {
		parentSpanID = cur.SpanID()
	}
	traceID = TraceIDFromContext(ctx)
	return parentSpanID, traceID
}
