package sdk

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentstack/agentstack/pkg/model"
)

// Runtime owns the SDK's moving parts: config, exporter, transport, and
// fallback store. Libraries should accept a *Runtime; applications that
// don't want to thread one through can use Default(), which is built
// lazily from the environment.
type Runtime struct {
	cfg      Config
	exporter *Exporter
	store    *LocalStore
}

// NewRuntime builds a runtime from cfg. A missing API key yields a
// local-only runtime (spans land in the fallback store). Failure to open
// the fallback store is not fatal; the SDK degrades instead of refusing
// to start.
func NewRuntime(cfg Config) *Runtime {
	rt := &Runtime{cfg: cfg}
	if !cfg.Enabled {
		return rt
	}

	store, err := OpenLocalStore(cfg.FallbackPath)
	if err != nil {
		slog.Debug("agentstack: fallback store unavailable", "error", err)
	} else {
		rt.store = store
	}

	var transport *Transport
	if cfg.APIKey != "" {
		transport = NewTransport(cfg.CollectorURL, cfg.APIKey)
	}
	rt.exporter = NewExporter(transport, rt.store, cfg.BatchSize, cfg.ExportInterval, cfg.MaxQueueSize)
	return rt
}

// Config returns the runtime's configuration.
func (rt *Runtime) Config() Config { return rt.cfg }

// Enabled reports whether this runtime records spans at all.
func (rt *Runtime) Enabled() bool { return rt.cfg.Enabled }

// StartSpan creates a span, linking it to the current span in ctx when one
// exists, and returns a child context with the new span pushed. The span
// must be ended by the caller.
func (rt *Runtime) StartSpan(ctx context.Context, name string) (*Span, context.Context) {
	parentID, traceID := parentFromContext(ctx)
	if traceID == "" {
		traceID = uuid.NewString()
	}
	s := &Span{
		traceID:      traceID,
		spanID:       uuid.NewString(),
		parentSpanID: parentID,
		name:         name,
		serviceName:  rt.cfg.ServiceName,
		startWall:    wallNow(),
		startMono:    monoNow(),
		attributes:   make(map[string]string),
		status:       model.StatusOK,
		rt:           rt,
	}
	return s, ContextWithSpan(ctx, s)
}

// enqueue hands an ended span to the exporter, starting it on first use.
func (rt *Runtime) enqueue(s *Span) {
	if !rt.cfg.Enabled || rt.exporter == nil {
		return
	}
	rt.exporter.Start()
	rt.exporter.Add(s)
}

// Flush asks the exporter to drain its buffer now.
func (rt *Runtime) Flush() {
	if rt.exporter != nil {
		rt.exporter.Flush()
	}
}

// Stats returns exporter counters; zero-valued for a disabled runtime.
func (rt *Runtime) Stats() ExporterStats {
	if rt.exporter == nil {
		return ExporterStats{}
	}
	return rt.exporter.Stats()
}

// Shutdown flushes remaining spans and stops the exporter, waiting at most
// 5 seconds, then closes the fallback store.
func (rt *Runtime) Shutdown() {
	if rt.exporter != nil {
		rt.exporter.Flush()
		rt.exporter.Shutdown(5 * time.Second)
	}
	if rt.store != nil {
		rt.store.Close()
	}
}

var (
	defaultMu sync.Mutex
	defaultRT *Runtime
)

// Default returns the process-wide runtime, creating it from the
// environment on first use.
func Default() *Runtime {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultRT == nil {
		defaultRT = NewRuntime(ConfigFromEnv())
	}
	return defaultRT
}

// SetDefault replaces the process-wide runtime. The previous runtime, if
// any, is shut down. Passing nil resets to lazy env initialization.
func SetDefault(rt *Runtime) {
	defaultMu.Lock()
	prev := defaultRT
	defaultRT = rt
	defaultMu.Unlock()
	if prev != nil && prev != rt {
		prev.Shutdown()
	}
}
