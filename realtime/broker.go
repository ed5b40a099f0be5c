package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is one engine event as delivered to live subscribers
type Event struct {
	Event     string      `json:"event"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

type message struct {
	event string
	data  []byte
}

// Broker handles Server-Sent Events (SSE) clients and broadcasting
type Broker struct {
	clients    map[chan message]bool
	register   chan chan message
	unregister chan chan message
	broadcast  chan message
	done       chan struct{}
	mu         sync.RWMutex
	logger     *zap.Logger
}

// NewBroker creates a new SSE broker
func NewBroker(logger *zap.Logger) *Broker {
	return &Broker{
		clients:    make(map[chan message]bool),
		register:   make(chan chan message),
		unregister: make(chan chan message),
		broadcast:  make(chan message, 1000),
		done:       make(chan struct{}),
		logger:     logger.Named("sse"),
	}
}

// Run starts the broker loop until ctx is cancelled
func (b *Broker) Run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			for client := range b.clients {
				delete(b.clients, client)
				close(client)
			}
			b.mu.Unlock()
			return

		case client := <-b.register:
			b.mu.Lock()
			b.clients[client] = true
			total := len(b.clients)
			b.mu.Unlock()
			b.logger.Debug("SSE client connected", zap.Int("total", total))

		case client := <-b.unregister:
			b.mu.Lock()
			if _, ok := b.clients[client]; ok {
				delete(b.clients, client)
				close(client)
			}
			total := len(b.clients)
			b.mu.Unlock()
			b.logger.Debug("SSE client disconnected", zap.Int("total", total))

		case msg := <-b.broadcast:
			b.mu.RLock()
			for client := range b.clients {
				select {
				case client <- msg:
				default:
					// slow client, drop
				}
			}
			b.mu.RUnlock()
		}
	}
}

// Clients returns the number of connected SSE clients
func (b *Broker) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// ServeHTTP streams events. ?events=a,b limits the stream to those event names.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	filter := parseFilter(r.URL.Query().Get("events"))
	clientChan := make(chan message, 10)
	select {
	case b.register <- clientChan:
	case <-b.done:
		return
	case <-r.Context().Done():
		return
	}

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			select {
			case b.unregister <- clientChan:
			case <-b.done:
			}
			return
		case msg, ok := <-clientChan:
			if !ok {
				return
			}
			if len(filter) > 0 && !filter[msg.event] {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.event, msg.data)
			flusher.Flush()
		}
	}
}

// Broadcast sends an event to all connected clients
func (b *Broker) Broadcast(event string, payload interface{}) {
	data, err := Encode(event, payload)
	if err != nil {
		b.logger.Warn("marshal broadcast failed", zap.String("event", event), zap.Error(err))
		return
	}

	select {
	case b.broadcast <- message{event: event, data: data}:
	default:
		b.logger.Debug("broadcast buffer full, dropping", zap.String("event", event))
	}
}

// Encode renders one event as JSON
func Encode(event string, payload interface{}) ([]byte, error) {
	return json.Marshal(Event{Event: event, Payload: payload, Timestamp: time.Now().UTC()})
}

func parseFilter(raw string) map[string]bool {
	if raw == "" {
		return nil
	}
	out := make(map[string]bool)
	for _, name := range strings.Split(raw, ",") {
		if name = strings.TrimSpace(name); name != "" {
			out[name] = true
		}
	}
	return out
}

// Publisher is anything that accepts engine events
type Publisher interface {
	Broadcast(event string, payload interface{})
}

// Fanout forwards each event to every publisher
type Fanout []Publisher

// Broadcast implements Publisher
func (f Fanout) Broadcast(event string, payload interface{}) {
	for _, p := range f {
		p.Broadcast(event, payload)
	}
}
