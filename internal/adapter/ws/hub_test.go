package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/AgentPR/internal/port/broadcast"
)

var _ broadcast.Broadcaster = (*Hub)(nil)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

func waitConns(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for h.ConnectionCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("connections = %d, want %d", h.ConnectionCount(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func readMessage(t *testing.T, c *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return m
}

func TestHub_FiltersByRun(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(httpHandler(hub))
	defer srv.Close()

	all := dial(t, srv, "/ws")
	one := dial(t, srv, "/ws?run_id=r-2")
	waitConns(t, hub, 2)

	ctx := context.Background()
	hub.BroadcastEvent(ctx, "r-1", broadcast.EventStateChanged, map[string]string{"to": "PUSHED"})
	hub.BroadcastEvent(ctx, "r-2", broadcast.EventStateChanged, map[string]string{"to": "CI_WAIT"})

	if m := readMessage(t, all); m.RunID != "r-1" {
		t.Errorf("all-runs client first message for %s", m.RunID)
	}
	if m := readMessage(t, all); m.RunID != "r-2" {
		t.Errorf("all-runs client second message for %s", m.RunID)
	}
	m := readMessage(t, one)
	if m.RunID != "r-2" || m.Type != broadcast.EventStateChanged {
		t.Errorf("filtered client got %+v", m)
	}
	if !strings.Contains(string(m.Payload), "CI_WAIT") {
		t.Errorf("payload = %s", m.Payload)
	}
}

func TestHub_RemovesClosedConnections(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(httpHandler(hub))
	defer srv.Close()

	c := dial(t, srv, "/ws")
	waitConns(t, hub, 1)
	_ = c.Close(websocket.StatusNormalClosure, "")
	waitConns(t, hub, 0)
}

func TestHubBroadcastEventMarshalError(t *testing.T) {
	hub := NewHub(nil)
	// A channel cannot be marshaled to JSON; should log, not panic.
	hub.BroadcastEvent(context.Background(), "r", "bad", make(chan int))
}

func TestHubRemoveNonexistent(t *testing.T) {
	hub := NewHub(nil)
	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.remove(&conn{cancel: cancel})
}

func httpHandler(h *Hub) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.HandleWS)
	return mux
}
