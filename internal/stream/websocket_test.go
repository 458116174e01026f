package stream

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialTestServer(t *testing.T, h *Handler, query string) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(h.HandleWebsocket))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads messages until one of the given type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %q: %v", typ, err)
		}
		if msg["type"] == typ {
			return msg
		}
	}
}

func TestWebsocketStreamsFrames(t *testing.T) {
	h := NewHandler(testBuffer(), newFakeControls(), testStore(), testConfig(), testLogger())
	conn := dialTestServer(t, h, "?interval=20")

	meta := readUntil(t, conn, "metadata")
	if meta["run_id"] != "run-1" {
		t.Errorf("metadata run_id = %v", meta["run_id"])
	}
	frame := readUntil(t, conn, "frame")
	if frame["seq"].(float64) != 5 {
		t.Errorf("frame seq = %v, want 5", frame["seq"])
	}
	if bodies := frame["bodies"].([]any); len(bodies) != 2 {
		t.Errorf("frame bodies = %d, want 2", len(bodies))
	}
}

func TestWebsocketCommands(t *testing.T) {
	controls := newFakeControls()
	h := NewHandler(testBuffer(), controls, nil, testConfig(), testLogger())
	conn := dialTestServer(t, h, "")
	readUntil(t, conn, "metadata")

	tests := []struct {
		cmd     string
		typ     string
		running any
	}{
		{`{"op":"rate","value":4}`, "ack", nil},
		{`{"op":"toggle"}`, "ack", false},
		{`{"op":"play"}`, "ack", true},
		{`{"op":"pause"}`, "ack", false},
		{`{"op":"rate","value":-1}`, "error", nil},
		{`{"op":"warp"}`, "error", nil},
		{`{"op":}`, "error", nil},
	}
	for _, tt := range tests {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(tt.cmd)); err != nil {
			t.Fatal(err)
		}
		// Replies interleave with frames; skip frames.
		var rep map[string]any
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			rep = nil
			if err := conn.ReadJSON(&rep); err != nil {
				t.Fatalf("%s: %v", tt.cmd, err)
			}
			if rep["type"] != "frame" {
				break
			}
		}
		if rep["type"] != tt.typ {
			t.Errorf("%s: reply type = %v, want %s (%v)", tt.cmd, rep["type"], tt.typ, rep["error"])
		}
		if tt.running != nil && rep["running"] != tt.running {
			t.Errorf("%s: running = %v, want %v", tt.cmd, rep["running"], tt.running)
		}
	}

	rate, running := controls.state()
	if rate != 4 || running {
		t.Errorf("controls: rate = %v, running = %v; want 4, false", rate, running)
	}
}

func TestWebsocketOrigin(t *testing.T) {
	h := NewHandler(testBuffer(), newFakeControls(), nil, Config{AllowedOrigins: []string{"https://orrery.example"}}, testLogger())

	tests := []struct {
		origin string
		host   string
		want   bool
	}{
		{"", "api.example", true},
		{"https://orrery.example", "api.example", true},
		{"https://api.example", "api.example", true},
		{"https://evil.example", "api.example", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/api/v1/ws", nil)
		r.Host = tt.host
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := h.checkOrigin(r); got != tt.want {
			t.Errorf("origin %q: got %v, want %v", tt.origin, got, tt.want)
		}
	}
}
