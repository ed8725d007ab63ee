package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// EventType represents the type of SSE event
type EventType string

const (
	EventConnected           EventType = "connected"
	EventTransactionStarted  EventType = "transaction_started"
	EventTransactionFinished EventType = "transaction_finished"
	EventDeadlockRetry       EventType = "deadlock_retry"
	EventTransactionTimeout  EventType = "transaction_timeout"
	EventPoolWait            EventType = "pool_wait"

	EventMaintenance EventType = "maintenance"
	EventHeartbeat   EventType = "heartbeat"
)

const (
	heartbeatInterval = 30 * time.Second
	clientBuffer      = 64
	broadcastBuffer   = 256
)

// Event represents an SSE event to be sent to clients
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// Client is one connected event stream. A nil filter receives everything.
type Client struct {
	ID       string
	Messages chan []byte
	filter   map[EventType]bool
}

func (c *Client) wants(t EventType) bool {
	return c.filter == nil || t == EventHeartbeat || c.filter[t]
}

// Broker fans transaction events out to connected clients
type Broker struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	broadcast  chan Event
	done       chan struct{}
	stopOnce   sync.Once
	seq        atomic.Uint64
	mu         sync.RWMutex
}

// NewBroker creates a new SSE broker
func NewBroker() *Broker {
	b := &Broker{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Event, broadcastBuffer),
		done:       make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Broker) run() {
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-b.done:
			b.mu.Lock()
			for id, client := range b.clients {
				close(client.Messages)
				delete(b.clients, id)
			}
			b.mu.Unlock()
			log.Debug().Msg("SSE broker stopped")
			return

		case client := <-b.register:
			b.mu.Lock()
			b.clients[client.ID] = client
			total := len(b.clients)
			b.mu.Unlock()
			log.Debug().Str("client_id", client.ID).Int("total_clients", total).Msg("SSE client connected")

		case client := <-b.unregister:
			b.mu.Lock()
			if _, ok := b.clients[client.ID]; ok {
				delete(b.clients, client.ID)
				close(client.Messages)
			}
			total := len(b.clients)
			b.mu.Unlock()
			log.Debug().Str("client_id", client.ID).Int("total_clients", total).Msg("SSE client disconnected")

		case event := <-b.broadcast:
			b.deliver(event)

		case <-heartbeat.C:
			b.deliver(Event{Type: EventHeartbeat, Data: map[string]any{"time": time.Now().Unix()}})
		}
	}
}

// deliver encodes event once and queues it for every interested client.
// Slow clients lose events rather than stalling the manager.
func (b *Broker) deliver(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(event.Type)).Msg("Failed to marshal SSE event")
		return
	}
	message := formatSSEMessage(b.seq.Add(1), event.Type, data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, client := range b.clients {
		if !client.wants(event.Type) {
			continue
		}
		select {
		case client.Messages <- message:
		default:
			log.Warn().Str("client_id", client.ID).Str("event_type", string(event.Type)).Msg("SSE client buffer full, dropping event")
		}
	}
}

// Broadcast queues an event without blocking. Events sent after Stop are dropped.
func (b *Broker) Broadcast(event Event) {
	select {
	case <-b.done:
		return
	default:
	}

	select {
	case b.broadcast <- event:
	default:
		log.Warn().Str("event_type", string(event.Type)).Msg("SSE broadcast channel full, dropping event")
	}
}

// Stop closes every client stream. It is safe to call more than once.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.done) })
}

// ServeHTTP streams events. ?types=a,b limits the stream to those event types.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	client := &Client{
		ID:       uuid.NewString(),
		Messages: make(chan []byte, clientBuffer),
		filter:   parseTypes(r.URL.Query().Get("types")),
	}

	select {
	case b.register <- client:
	case <-b.done:
		http.Error(w, "Event stream closed", http.StatusServiceUnavailable)
		return
	case <-r.Context().Done():
		return
	}

	defer func() {
		select {
		case b.unregister <- client:
		case <-b.done:
		}
	}()

	hello, _ := json.Marshal(Event{Type: EventConnected, Data: map[string]any{
		"client_id": client.ID,
		"time":      time.Now().Unix(),
	}})
	_, _ = w.Write(formatSSEMessage(0, EventConnected, hello))
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-client.Messages:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}

// ClientCount returns the number of connected clients
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func parseTypes(raw string) map[EventType]bool {
	if raw == "" {
		return nil
	}
	filter := make(map[EventType]bool)
	for t := range strings.SplitSeq(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			filter[EventType(t)] = true
		}
	}
	if len(filter) == 0 {
		return nil
	}
	return filter
}

// formatSSEMessage renders one frame. id 0 omits the id line.
func formatSSEMessage(id uint64, eventType EventType, data []byte) []byte {
	if id == 0 {
		return fmt.Appendf(nil, "event: %s\ndata: %s\n\n", eventType, data)
	}
	return fmt.Appendf(nil, "id: %d\nevent: %s\ndata: %s\n\n", id, eventType, data)
}
