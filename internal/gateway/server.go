// Package gateway implements the ingest collector: the authenticated HTTP
// front door that validates span batches and appends them to the durable
// stream for the workers.
package gateway

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/agentstack/agentstack/internal/config"
	"github.com/agentstack/agentstack/internal/store"
	"github.com/agentstack/agentstack/internal/stream"
	"github.com/agentstack/agentstack/pkg/model"
)

// Server is the collector HTTP server.
type Server struct {
	cfg         *config.Config
	log         stream.Log
	keys        *KeyCache
	rateLimiter *RateLimiter

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer wires a collector over the given stream log and project store.
func NewServer(cfg *config.Config, log stream.Log, projects store.ProjectStore) *Server {
	return &Server{
		cfg:         cfg,
		log:         log,
		keys:        NewKeyCache(projects),
		rateLimiter: NewRateLimiter(cfg.Collector.RateLimitRPM),
	}
}

// Keys exposes the auth cache, for invalidation on key rotation.
func (s *Server) Keys() *KeyCache { return s.keys }

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/traces", s.withCORS(s.handleTraces))
	mux.HandleFunc("/healthz", s.handleHealth)

	s.mux = mux
	return mux
}

// Start begins listening for ingest requests. Blocks until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Collector.Host, s.cfg.Collector.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	slog.Info("collector starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("collector server: %w", err)
	}
	return nil
}

// handleTraces ingests a span batch: rate limit, size cap, auth, decode,
// validate, then one stream append per accepted span.
func (s *Server) handleTraces(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}

	if !s.rateLimiter.Allow(clientIP(r)) {
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	maxBody := s.cfg.Collector.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 5 << 20
	}
	body, err := readBody(r, maxBody)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "unreadable request body")
		}
		return
	}

	apiKey := r.Header.Get("X-API-Key")
	projectID, ok := s.keys.Authenticate(r.Context(), apiKey)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid API key")
		return
	}

	spans, err := decodeSpans(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(spans) > maxSpansPerRequest {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("batch exceeds %d spans", maxSpansPerRequest))
		return
	}

	queued := 0
	for i := range spans {
		if err := validateSpan(&spans[i]); err != nil {
			slog.Warn("dropping invalid span", "project_id", projectID, "error", err)
			continue
		}
		spans[i].ProjectID = projectID

		encoded, err := model.EncodeSpan(&spans[i])
		if err != nil {
			slog.Warn("span encode failed", "span_id", spans[i].SpanID, "error", err)
			continue
		}
		// Raw msgpack bytes ride in the stream field; Go strings and
		// Redis values are both binary-safe.
		fields := map[string]string{
			stream.SpanField: string(encoded),
		}
		if _, err := s.log.Append(r.Context(), stream.TopicSpans, fields, stream.MaxSpanEntries); err != nil {
			slog.Error("stream append failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "ingest backend unavailable")
			return
		}
		queued++
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{
		"status":       "accepted",
		"spans_queued": queued,
		"project_id":   projectID,
	})
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}

// errBodyTooLarge marks size-cap violations so the handler can answer
// 413; every other read failure (corrupt gzip, aborted upload) is the
// client's malformed request, answered 400.
var errBodyTooLarge = errors.New("request body too large")

// readBody reads the request body with the size cap applied before any
// gzip inflation, and again after.
func readBody(r *http.Request, maxBytes int64) ([]byte, error) {
	reader := io.Reader(http.MaxBytesReader(nil, r.Body, maxBytes))
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer gz.Close()
		reader = io.LimitReader(gz, maxBytes+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, errBodyTooLarge
		}
		return nil, err
	}
	if int64(len(body)) > maxBytes {
		return nil, errBodyTooLarge
	}
	return body, nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// StartTestServer creates a listener on :0 (random port) and returns the
// actual address and a start function. Used for integration tests.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	mux := s.BuildMux()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		s.httpServer.Serve(ln)
	}

	return addr, start
}
