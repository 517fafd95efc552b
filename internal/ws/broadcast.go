package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/apptrace/collector/internal/interaction"
	"github.com/apptrace/collector/internal/track"
	"github.com/apptrace/collector/internal/usage"
)

// client pairs a connection with its outbound queue. All writes to the
// connection happen on the client's own write goroutine.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
	}
	go c.writePump()
	return c
}

// writePump drains the outbound queue onto the connection until the queue
// is closed or a write fails.
func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) close() {
	close(c.send)
}

// Broadcaster fans transitions and interaction records out to WebSocket
// clients. Transition deltas are throttled into batches; full subject
// snapshots go out on connect and on a periodic ticker so late or lossy
// clients resynchronize.
type Broadcaster struct {
	mu             sync.RWMutex
	clients        map[*client]bool
	store          *track.Store
	throttle       time.Duration
	snapshotTicker *time.Ticker
	pendingTrans   []usage.Transition
	flushTimer     *time.Timer
	flushMu        sync.Mutex
}

func NewBroadcaster(store *track.Store, throttle, snapshotInterval time.Duration) *Broadcaster {
	b := &Broadcaster{
		clients:  make(map[*client]bool),
		store:    store,
		throttle: throttle,
	}

	b.snapshotTicker = time.NewTicker(snapshotInterval)
	go b.snapshotLoop()

	return b
}

func (b *Broadcaster) AddClient(conn *websocket.Conn) *client {
	c := newClient(conn)

	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()

	snapshot := WSMessage{
		Type: MsgSnapshot,
		Payload: SnapshotPayload{
			Subjects: b.store.GetAll(),
		},
	}
	data, _ := json.Marshal(snapshot)

	select {
	case c.send <- data:
	default:
		// Queue already full; the periodic snapshot resyncs it.
	}

	return c
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

// QueueTransition schedules a transition for the next throttled delta
// batch.
func (b *Broadcaster) QueueTransition(tr usage.Transition) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.pendingTrans = append(b.pendingTrans, tr)

	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

// BroadcastInteraction sends an interaction record to all clients
// immediately, bypassing the delta throttle.
func (b *Broadcaster) BroadcastInteraction(rec interaction.Record) {
	b.broadcast(WSMessage{
		Type:    MsgInteraction,
		Payload: InteractionPayload{Record: rec},
	})
}

// BroadcastSourceHealth sends a source health status change to all clients.
func (b *Broadcaster) BroadcastSourceHealth(status usage.SourceHealthStatus, failures int, lastErr string) {
	b.broadcast(WSMessage{
		Type: MsgSourceHealth,
		Payload: SourceHealthPayload{
			Status:    status,
			Failures:  failures,
			LastError: lastErr,
			Timestamp: time.Now(),
		},
	})
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	transitions := b.pendingTrans
	b.pendingTrans = nil
	b.flushTimer = nil
	b.flushMu.Unlock()

	if len(transitions) == 0 {
		return
	}

	b.broadcast(WSMessage{
		Type: MsgDelta,
		Payload: DeltaPayload{
			Transitions: transitions,
		},
	})
}

func (b *Broadcaster) snapshotLoop() {
	for range b.snapshotTicker.C {
		b.broadcast(WSMessage{
			Type: MsgSnapshot,
			Payload: SnapshotPayload{
				Subjects: b.store.GetAll(),
			},
		})
	}
}

// broadcast marshals msg once and enqueues it for every client. A client
// whose queue is full gets dropped rather than stalling the caller.
func (b *Broadcaster) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[ws] marshaling broadcast: %v", err)
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			log.Printf("[ws] dropping client that cannot keep up")
			b.RemoveClient(c)
		}
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
