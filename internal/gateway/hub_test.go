package gateway

import (
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"trading-sharedv1/internal/session"
)

// readEnvelopes reads one frame and splits coalesced messages.
func readEnvelopes(t *testing.T, conn *websocket.Conn) []Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var out []Envelope
	for _, line := range strings.Split(string(msg), "\n") {
		var env Envelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, env)
	}
	return out
}

// collect reads until n envelopes have arrived.
func collect(t *testing.T, conn *websocket.Conn, n int) []Envelope {
	t.Helper()
	var out []Envelope
	for len(out) < n {
		out = append(out, readEnvelopes(t, conn)...)
	}
	return out
}

func dial(t *testing.T, srvURL, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srvURL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_StatsOnConnectAndEvents(t *testing.T) {
	hub := NewHub(func() session.Stats { return session.Stats{TotalSessions: 2} }, 10)
	var count atomic.Int64
	hub.OnClientCount = func(n int) { count.Store(int64(n)) }

	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv.URL, "")
	defer conn.Close()

	first := collect(t, conn, 1)
	if first[0].Type != "pool_stats" || first[0].Stats == nil || first[0].Stats.TotalSessions != 2 {
		t.Fatalf("expected stats snapshot on connect, got %+v", first[0])
	}
	waitFor(t, func() bool { return count.Load() == 1 })

	hub.OnPoolEvent(session.Event{Type: session.EventCreated, Tenant: "acct-1"})
	got := collect(t, conn, 1)
	if got[0].Type != "pool_event" || got[0].Seq != 1 || got[0].Event.Tenant != "acct-1" {
		t.Errorf("unexpected event envelope %+v", got[0])
	}

	hub.BroadcastStats()
	if got := collect(t, conn, 1); got[0].Type != "pool_stats" {
		t.Errorf("expected stats broadcast, got %s", got[0].Type)
	}
}

func TestHub_ReplayFromLastSeq(t *testing.T) {
	hub := NewHub(nil, 10)
	for _, tenant := range []string{"a", "b", "c"} {
		hub.OnPoolEvent(session.Event{Type: session.EventDegraded, Tenant: tenant})
	}
	if hub.Seq() != 3 {
		t.Fatalf("expected seq 3, got %d", hub.Seq())
	}

	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv.URL, "?last_seq=1")
	defer conn.Close()

	got := collect(t, conn, 2)
	if got[0].Seq != 2 || got[1].Seq != 3 || got[1].Event.Tenant != "c" {
		t.Errorf("expected replay of seq 2 and 3, got %+v", got)
	}
}

func TestHub_PingPongAndDisconnect(t *testing.T) {
	hub := NewHub(nil, 10)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv.URL, "")
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"ping":42}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var pong struct {
		Type string `json:"type"`
		Ping int64  `json:"ping"`
	}
	if err := json.Unmarshal(msg, &pong); err != nil || pong.Type != "pong" || pong.Ping != 42 {
		t.Errorf("unexpected pong %s", msg)
	}

	conn.Close()
	waitFor(t, func() bool { return hub.ClientCount() == 0 })
}
