// Package gateway serves the WebSocket feed of session pool events and
// periodic pool snapshots.
package gateway

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"trading-sharedv1/internal/session"
)

const sendBuffer = 256

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// Envelope is the wire shape of every feed message.
type Envelope struct {
	Type  string         `json:"type"` // pool_event | pool_stats | pong
	Seq   int64          `json:"seq,omitempty"`
	Event *session.Event `json:"event,omitempty"`
	Stats *session.Stats `json:"stats,omitempty"`
	TS    time.Time      `json:"ts"`
}

// Hub fans pool events out to WebSocket clients. It implements
// session.Observer and http.Handler.
type Hub struct {
	stats func() session.Stats

	mu      sync.RWMutex
	clients map[*Client]bool
	seq     int64
	replay  *ReplayBuffer

	// OnClientCount is called with the client count after every change.
	OnClientCount func(int)
}

var _ session.Observer = (*Hub)(nil)

// NewHub creates a hub. stats may be nil, in which case no snapshots are sent.
func NewHub(stats func() session.Stats, replaySize int) *Hub {
	return &Hub{
		stats:   stats,
		clients: make(map[*Client]bool),
		replay:  NewReplayBuffer(replaySize),
	}
}

// OnPoolEvent implements session.Observer. Events are numbered and kept for
// replay.
func (h *Hub) OnPoolEvent(e session.Event) {
	h.mu.Lock()
	h.seq++
	env, err := json.Marshal(Envelope{Type: "pool_event", Seq: h.seq, Event: &e, TS: time.Now().UTC()})
	if err != nil {
		h.mu.Unlock()
		log.Printf("[gateway] marshal event: %v", err)
		return
	}
	h.replay.Push(h.seq, env)
	h.broadcastLocked(env)
	h.mu.Unlock()
}

// BroadcastStats sends the current pool snapshot to every client.
func (h *Hub) BroadcastStats() {
	env, ok := h.statsEnvelope()
	if !ok {
		return
	}
	h.mu.RLock()
	h.broadcastLocked(env)
	h.mu.RUnlock()
}

// RunStats broadcasts a snapshot every interval until ctx is cancelled.
func (h *Hub) RunStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.BroadcastStats()
		}
	}
}

// ServeHTTP upgrades the connection and registers a client. A last_seq
// query parameter replays buffered events newer than it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[gateway] ws upgrade error: %v", err)
		return
	}
	var lastSeq int64
	if v := r.URL.Query().Get("last_seq"); v != "" {
		lastSeq, _ = strconv.ParseInt(v, 10, 64)
	}

	c := &Client{conn: conn, send: make(chan []byte, sendBuffer), hub: h}
	conn.EnableWriteCompression(true)

	statsEnv, hasStats := h.statsEnvelope()

	h.mu.Lock()
	if lastSeq > 0 {
		for _, env := range h.replay.Since(lastSeq) {
			c.trySend(env)
		}
	}
	if hasStats {
		c.trySend(statsEnv)
	}
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()

	log.Printf("[gateway] ws client connected (%d total)", count)
	if h.OnClientCount != nil {
		h.OnClientCount(count)
	}

	go c.writePump()
	go c.readPump()
}

// RemoveClient removes a client from the hub.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	count := len(h.clients)
	h.mu.Unlock()

	if h.OnClientCount != nil {
		h.OnClientCount(count)
	}
}

// ClientCount returns the number of connected WS clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Seq returns the number of the last event sent.
func (h *Hub) Seq() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seq
}

func (h *Hub) statsEnvelope() ([]byte, bool) {
	if h.stats == nil {
		return nil, false
	}
	st := h.stats()
	env, err := json.Marshal(Envelope{Type: "pool_stats", Stats: &st, TS: time.Now().UTC()})
	if err != nil {
		log.Printf("[gateway] marshal stats: %v", err)
		return nil, false
	}
	return env, true
}

// broadcastLocked requires h.mu (read or write). Slow clients drop messages.
func (h *Hub) broadcastLocked(env []byte) {
	for c := range h.clients {
		c.trySend(env)
	}
}
