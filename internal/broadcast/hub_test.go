package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentstack/agentstack/internal/config"
	"github.com/agentstack/agentstack/internal/stream"
)

type testHub struct {
	hub  *Hub
	log  *stream.MemoryLog
	addr string
	url  string
}

func newTestHub(t *testing.T, mutate func(*config.Config)) *testHub {
	t.Helper()
	return newTestHubTuned(t, mutate, 0)
}

func newTestHubTuned(t *testing.T, mutate func(*config.Config), keepalive time.Duration) *testHub {
	t.Helper()

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	log := stream.NewMemoryLog()
	h := NewHub(cfg, log)
	if keepalive > 0 {
		h.keepalive = keepalive
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	addr, start := StartTestServer(h, ctx)
	go start()

	// Let the tail goroutine take its stream snapshot before any appends.
	time.Sleep(100 * time.Millisecond)

	return &testHub{hub: h, log: log, addr: addr, url: "ws://" + addr + "/ws/traces"}
}

func dial(t *testing.T, th *testHub, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(th.url, header)
	if err != nil {
		t.Fatalf("dial %s: %v", th.url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

func TestHub_BroadcastsAlerts(t *testing.T) {
	th := newTestHub(t, nil)
	conn := dial(t, th, nil)

	fields := map[string]string{
		"id":       "a1",
		"rule":     "PII Leak",
		"severity": "CRITICAL",
		"score":    "100",
	}
	if _, err := th.log.Append(context.Background(), stream.TopicAlerts, fields, 0); err != nil {
		t.Fatalf("append: %v", err)
	}

	msg := readMessage(t, conn)
	if msg["type"] != "alert" {
		t.Fatalf("type = %v, want alert", msg["type"])
	}
	data, ok := msg["data"].(map[string]any)
	if !ok {
		t.Fatalf("data = %T", msg["data"])
	}
	if data["rule"] != "PII Leak" || data["severity"] != "CRITICAL" {
		t.Errorf("data = %v", data)
	}
}

func TestHub_PingPong(t *testing.T) {
	th := newTestHub(t, nil)
	conn := dial(t, th, nil)

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	msg := readMessage(t, conn)
	if msg["type"] != "pong" {
		t.Errorf("reply = %v, want pong", msg)
	}
}

func TestHub_FilterAck(t *testing.T) {
	th := newTestHub(t, nil)
	conn := dial(t, th, nil)

	if err := conn.WriteJSON(map[string]any{"type": "filter", "severity": "HIGH"}); err != nil {
		t.Fatalf("write filter: %v", err)
	}
	msg := readMessage(t, conn)
	if msg["type"] != "filter_ack" {
		t.Errorf("reply = %v, want filter_ack", msg)
	}
	filters, ok := msg["filters"].(map[string]any)
	if !ok || filters["severity"] != "HIGH" {
		t.Errorf("filters = %v, want the filter echoed back", msg["filters"])
	}
}

func TestHub_IdleKeepalive(t *testing.T) {
	th := newTestHubTuned(t, nil, 100*time.Millisecond)
	conn := dial(t, th, nil)

	// A silent client receives keepalives spaced a full interval apart,
	// not a burst, and the connection stays up across several intervals.
	startAt := time.Now()
	for i := 0; i < 3; i++ {
		msg := readMessage(t, conn)
		if msg["type"] != "ping" {
			t.Fatalf("frame %d = %v, want ping", i, msg)
		}
	}
	if elapsed := time.Since(startAt); elapsed < 250*time.Millisecond {
		t.Errorf("3 keepalives arrived in %v; they must be paced by the interval", elapsed)
	}

	// Still healthy: a client ping gets its pong.
	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write after idle: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("no pong after idle period")
		}
		if msg := readMessage(t, conn); msg["type"] == "pong" {
			break
		}
	}
	if n := th.hub.ClientCount(); n != 1 {
		t.Errorf("ClientCount = %d, want 1", n)
	}
}

func TestHub_UnresponsiveClientDropped(t *testing.T) {
	th := newTestHubTuned(t, nil, 100*time.Millisecond)

	// Never reading means never ponging; the rolling read deadline
	// expires after two intervals and the server drops the client.
	conn := dial(t, th, nil)
	_ = conn
	waitFor(t, func() bool { return th.hub.ClientCount() == 0 })
}

func TestHub_ClientCount(t *testing.T) {
	th := newTestHub(t, nil)

	conn := dial(t, th, nil)
	waitFor(t, func() bool { return th.hub.ClientCount() == 1 })

	conn.Close()
	waitFor(t, func() bool { return th.hub.ClientCount() == 0 })
}

func TestHub_OversizeFrameCloses(t *testing.T) {
	th := newTestHub(t, nil)
	conn := dial(t, th, nil)

	big := `{"type":"ping","pad":"` + strings.Repeat("x", maxClientFrame) + `"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(big)); err != nil {
		t.Fatalf("write oversize frame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("connection survived an oversize frame")
	}
	waitFor(t, func() bool { return th.hub.ClientCount() == 0 })
}

func TestHub_OriginRejected(t *testing.T) {
	th := newTestHub(t, func(cfg *config.Config) {
		cfg.SetAllowedOrigins([]string{"https://dash.example.com"})
	})

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(th.url, header)
	if err == nil {
		t.Fatal("handshake succeeded from a rejected origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("handshake response = %+v", resp)
	}

	// The allowed origin still connects.
	conn := dial(t, th, http.Header{"Origin": []string{"https://dash.example.com"}})
	conn.WriteJSON(map[string]string{"type": "ping"})
	if msg := readMessage(t, conn); msg["type"] != "pong" {
		t.Errorf("reply = %v", msg)
	}
}

func TestHub_Healthz(t *testing.T) {
	th := newTestHub(t, nil)
	resp, err := http.Get("http://" + th.addr + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}
