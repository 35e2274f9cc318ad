// Package debugws streams the debug log to live viewers over websockets.
package debugws

import (
	"errors"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sitepulse/pulse/internal/debuglog"
)

// ErrTooManyConnections is returned by AddClient when the connection limit
// has been reached.
var ErrTooManyConnections = errors.New("too many websocket connections")

// Source supplies the snapshot sent to newly connected viewers.
type Source interface {
	Logs() []debuglog.Entry
}

// client is one viewer. send is never closed; done signals the writer to
// stop, so a send racing a removal cannot panic.
type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// offer queues data without blocking. It reports false when the buffer is
// full; a closed client silently discards.
func (c *client) offer(data []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return true
	default:
		return false
	}
}

type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	source   Source
	filter   PrivacyFilter
	throttle time.Duration
	maxConns int
	clock    quartz.Clock
	log      *zap.Logger

	flushMu    sync.Mutex
	pending    []debuglog.Entry
	flushTimer *quartz.Timer
}

// NewBroadcaster creates a broadcaster that coalesces entries for throttle
// before sending them. maxConns <= 0 means unlimited.
func NewBroadcaster(source Source, filter PrivacyFilter, throttle time.Duration, maxConns int, clock quartz.Clock, logger *zap.Logger) *Broadcaster {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		clients:  make(map[*client]bool),
		source:   source,
		filter:   filter,
		throttle: throttle,
		maxConns: maxConns,
		clock:    clock,
		log:      logger,
	}
}

// AddClient registers conn and sends it the current log as a snapshot.
func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	c := newClient(conn)
	b.clients[c] = true
	b.mu.Unlock()

	var entries []debuglog.Entry
	if b.source != nil {
		entries = b.filter.FilterSlice(b.source.Logs())
	}
	data, err := json.Marshal(Message{Type: MsgSnapshot, Payload: SnapshotPayload{Entries: entries}})
	if err != nil {
		b.log.Warn("snapshot marshal failed", zap.Error(err))
		return c, nil
	}

	// A client too slow for the snapshot just misses it.
	c.offer(data)
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

// Queue schedules e for the next delta. It matches the debuglog subscriber
// signature.
func (b *Broadcaster) Queue(e debuglog.Entry) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.pending = append(b.pending, b.filter.Apply(e))
	if b.flushTimer == nil {
		b.flushTimer = b.clock.AfterFunc(b.throttle, b.flush, "debugws", "flush")
	}
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	entries := b.pending
	b.pending = nil
	b.flushTimer = nil
	b.flushMu.Unlock()

	if len(entries) == 0 {
		return
	}
	b.broadcast(Message{Type: MsgDelta, Payload: DeltaPayload{Entries: entries}})
}

func (b *Broadcaster) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.log.Warn("broadcast marshal failed", zap.Error(err))
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		if !c.offer(data) {
			b.log.Info("debug viewer too slow, disconnecting")
			b.RemoveClient(c)
		}
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Close stops the pending flush and disconnects every client.
func (b *Broadcaster) Close() {
	b.flushMu.Lock()
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}
	b.pending = nil
	b.flushMu.Unlock()

	b.mu.Lock()
	for c := range b.clients {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}
