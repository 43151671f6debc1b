package sdk

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/agentstack/agentstack/pkg/model"
)

const transportUserAgent = "agentstack-sdk-go/0.1.0"

// Status codes worth another attempt. Anything else in the 4xx range is a
// caller problem and retrying would only repeat it.
var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// SendResult reports the outcome of one Transport.Send call.
type SendResult struct {
	Success    bool
	StatusCode int // 0 when the failure was below HTTP
	Err        error
	Retries    int
}

// Transport posts gzip-compressed JSON span batches to the collector with
// bounded exponential backoff.
type Transport struct {
	url         string
	apiKey      string
	client      *http.Client
	maxAttempts int
	backoffBase time.Duration
}

// NewTransport builds a Transport for the given collector base URL.
func NewTransport(collectorURL, apiKey string) *Transport {
	return &Transport{
		url:         strings.TrimRight(collectorURL, "/") + "/v1/traces",
		apiKey:      apiKey,
		client:      &http.Client{Timeout: 10 * time.Second},
		maxAttempts: 3,
		backoffBase: time.Second,
	}
}

// Send serializes the batch as {"spans":[...]}, gzips it, and POSTs it.
// Retries on network errors and retryable status codes with 1s, 2s, 4s
// backoff. An empty batch succeeds immediately.
func (t *Transport) Send(ctx context.Context, records []*model.SpanRecord) SendResult {
	if len(records) == 0 {
		return SendResult{Success: true, StatusCode: http.StatusOK}
	}

	body, err := encodeBatch(records)
	if err != nil {
		return SendResult{Err: fmt.Errorf("encode batch: %w", err)}
	}

	var last SendResult
	for attempt := 0; attempt < t.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := t.backoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
				last.Err = ctx.Err()
				last.Retries = attempt
				return last
			case <-time.After(backoff):
			}
		}

		status, err := t.post(ctx, body)
		switch {
		case err != nil:
			last = SendResult{Err: err, Retries: attempt}
		case status >= 200 && status < 300:
			return SendResult{Success: true, StatusCode: status, Retries: attempt}
		case retryableStatus[status]:
			last = SendResult{StatusCode: status, Err: fmt.Errorf("collector returned %d", status), Retries: attempt}
		default:
			return SendResult{StatusCode: status, Err: fmt.Errorf("collector returned %d", status), Retries: attempt}
		}
	}
	last.Retries = t.maxAttempts
	return last
}

func (t *Transport) post(ctx context.Context, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("X-API-Key", t.apiKey)
	req.Header.Set("User-Agent", transportUserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post traces: %w", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func encodeBatch(records []*model.SpanRecord) ([]byte, error) {
	payload, err := json.Marshal(map[string]any{"spans": records})
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
