package gateway

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agentstack/agentstack/internal/config"
	"github.com/agentstack/agentstack/internal/store"
	"github.com/agentstack/agentstack/internal/stream"
	"github.com/agentstack/agentstack/pkg/model"
)

const testAPIKey = "ak_test_key_0123456789"

type testCollector struct {
	srv *httptest.Server
	log *stream.MemoryLog
}

func newTestCollector(t *testing.T, mutate func(*config.Config)) *testCollector {
	t.Helper()

	hash, err := HashKey(testAPIKey)
	if err != nil {
		t.Fatalf("HashKey: %v", err)
	}
	projects := store.NewMemoryProjectStore(
		store.ProjectKey{ProjectID: "proj-1", KeyHash: hash},
	)

	cfg := config.Default()
	cfg.Collector.RateLimitRPM = 0
	if mutate != nil {
		mutate(cfg)
	}

	log := stream.NewMemoryLog()
	s := NewServer(cfg, log, projects)
	srv := httptest.NewServer(s.BuildMux())
	t.Cleanup(srv.Close)
	return &testCollector{srv: srv, log: log}
}

func (c *testCollector) post(t *testing.T, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, c.srv.URL+"/v1/traces", strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", testAPIKey)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func spanJSON(spanID string) string {
	return fmt.Sprintf(`{"span_id":%q,"trace_id":"t1","name":"op","start_time":100,"end_time":200,"duration_ms":1}`, spanID)
}

func TestCollector_IngestHappyPath(t *testing.T) {
	c := newTestCollector(t, nil)

	resp := c.post(t, `{"spans":[`+spanJSON("a")+`,`+spanJSON("b")+`]}`, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	var out struct {
		Status      string `json:"status"`
		SpansQueued int    `json:"spans_queued"`
		ProjectID   string `json:"project_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Status != "accepted" || out.SpansQueued != 2 || out.ProjectID != "proj-1" {
		t.Errorf("response = %+v", out)
	}

	entries := c.log.Entries(stream.TopicSpans)
	if len(entries) != 2 {
		t.Fatalf("stream has %d entries, want 2", len(entries))
	}
	rec, err := model.DecodeSpan([]byte(entries[0].Fields[stream.SpanField]))
	if err != nil {
		t.Fatalf("DecodeSpan: %v", err)
	}
	if rec.ProjectID != "proj-1" {
		t.Errorf("ProjectID = %q, want proj-1 (gateway must stamp it)", rec.ProjectID)
	}
	if rec.SpanID != "a" {
		t.Errorf("SpanID = %q, want a", rec.SpanID)
	}
}

func TestCollector_GzipBody(t *testing.T) {
	c := newTestCollector(t, nil)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte(`{"spans":[` + spanJSON("a") + `]}`))
	zw.Close()

	req, _ := http.NewRequest(http.MethodPost, c.srv.URL+"/v1/traces", &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("X-API-Key", testAPIKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
}

func TestCollector_AuthFailures(t *testing.T) {
	c := newTestCollector(t, nil)

	tests := []struct {
		name string
		key  string
	}{
		{"missing key", ""},
		{"wrong key", "ak_wrong_key_0123456789"},
		{"bad format", "not-a-key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := c.post(t, `{"spans":[`+spanJSON("a")+`]}`, map[string]string{"X-API-Key": tt.key})
			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", resp.StatusCode)
			}
		})
	}
	if n := c.log.Len(stream.TopicSpans); n != 0 {
		t.Errorf("stream has %d entries after rejected requests", n)
	}
}

func TestCollector_BadBody(t *testing.T) {
	c := newTestCollector(t, nil)
	for _, body := range []string{`not json`, `{"foo":1}`, `42`} {
		resp := c.post(t, body, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestCollector_BatchTooLarge(t *testing.T) {
	c := newTestCollector(t, nil)

	var sb strings.Builder
	sb.WriteString(`{"spans":[`)
	for i := 0; i <= maxSpansPerRequest; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(spanJSON(fmt.Sprintf("s%d", i)))
	}
	sb.WriteString(`]}`)

	resp := c.post(t, sb.String(), nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCollector_BodyTooLarge(t *testing.T) {
	c := newTestCollector(t, func(cfg *config.Config) {
		cfg.Collector.MaxBodyBytes = 1024
	})

	big := `{"spans":[{"span_id":"a","trace_id":"t","name":"` + strings.Repeat("x", 4096) + `","start_time":1,"end_time":2}]}`
	resp := c.post(t, big, nil)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}
}

func TestCollector_CorruptGzipBody(t *testing.T) {
	c := newTestCollector(t, nil)

	// Claims gzip but is not; a malformed body is 400, not 413.
	resp := c.post(t, `{"spans":[`+spanJSON("a")+`]}`, map[string]string{"Content-Encoding": "gzip"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for corrupt gzip", resp.StatusCode)
	}
}

func TestCollector_GzipInflatesOverLimit(t *testing.T) {
	c := newTestCollector(t, func(cfg *config.Config) {
		cfg.Collector.MaxBodyBytes = 1024
	})

	// Small compressed body, oversized once inflated: still 413.
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte(`{"pad":"` + strings.Repeat("x", 8192) + `"}`))
	zw.Close()

	req, _ := http.NewRequest(http.MethodPost, c.srv.URL+"/v1/traces", &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("X-API-Key", testAPIKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413 for inflated-over-limit body", resp.StatusCode)
	}
}

func TestCollector_InvalidSpansDropped(t *testing.T) {
	c := newTestCollector(t, nil)

	// One valid span, one missing its trace id.
	body := `{"spans":[` + spanJSON("good") + `,{"span_id":"bad","name":"op","start_time":1,"end_time":2}]}`
	resp := c.post(t, body, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	var out struct {
		SpansQueued int `json:"spans_queued"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	if out.SpansQueued != 1 {
		t.Errorf("spans_queued = %d, want 1", out.SpansQueued)
	}
	if n := c.log.Len(stream.TopicSpans); n != 1 {
		t.Errorf("stream has %d entries, want 1", n)
	}
}

func TestCollector_RateLimit(t *testing.T) {
	c := newTestCollector(t, func(cfg *config.Config) {
		cfg.Collector.RateLimitRPM = 2
	})

	for i := 0; i < 2; i++ {
		resp := c.post(t, `{"spans":[`+spanJSON(fmt.Sprintf("s%d", i))+`]}`, nil)
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("request %d: status = %d, want 202", i+1, resp.StatusCode)
		}
	}
	resp := c.post(t, `{"spans":[`+spanJSON("over")+`]}`, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", resp.StatusCode)
	}
}

func TestCollector_Healthz(t *testing.T) {
	c := newTestCollector(t, nil)
	resp, err := http.Get(c.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestCollector_CORSPreflight(t *testing.T) {
	c := newTestCollector(t, func(cfg *config.Config) {
		cfg.Collector.AllowedOrigins = []string{"https://app.example.com"}
	})

	req, _ := http.NewRequest(http.MethodOptions, c.srv.URL+"/v1/traces", nil)
	req.Header.Set("Origin", "https://app.example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}

	// Unlisted origins get no CORS headers.
	req2, _ := http.NewRequest(http.MethodOptions, c.srv.URL+"/v1/traces", nil)
	req2.Header.Set("Origin", "https://evil.example.com")
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	defer resp2.Body.Close()
	if got := resp2.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin for unlisted origin = %q", got)
	}
}
