package sdk

import (
	"context"
	"fmt"
	"log/slog"
)

// WithSpan runs fn inside a span named name. This is the SDK boundary with
// the hard guarantee: fn always executes, fn's error (or panic) propagates
// unchanged, and no failure in span bookkeeping ever reaches the caller.
func (rt *Runtime) WithSpan(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	span, ctx := startGuarded(rt, ctx, name)
	if span != nil {
		defer func() {
			if r := recover(); r != nil {
				guard(func() {
					span.RecordError(fmt.Errorf("panic: %v", r))
					span.End()
				})
				panic(r)
			}
			guard(span.End)
		}()
	}

	err := fn(ctx)
	if err != nil && span != nil {
		guard(func() { span.RecordError(err) })
	}
	return err
}

// Observe wraps fn so every invocation is recorded as a span on the
// default runtime. The closest Go gets to the decorator ergonomics.
func Observe(name string, fn func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return Default().WithSpan(ctx, name, fn)
	}
}

// startGuarded creates a span but converts any internal panic into a nil
// span, leaving the caller's context untouched.
func startGuarded(rt *Runtime, ctx context.Context, name string) (span *Span, out context.Context) {
	out = ctx
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("agentstack: span creation failed", "name", name, "panic", r)
			span = nil
			out = ctx
		}
	}()
	if rt == nil || !rt.Enabled() {
		return nil, ctx
	}
	span, out = rt.StartSpan(ctx, name)
	return span, out
}

// guard runs f, swallowing panics. Span bookkeeping must never crash the
// host application.
func guard(f func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("agentstack: span bookkeeping failed", "panic", r)
		}
	}()
	f()
}
