package websocket

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"alin-engine/realtime"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 32
)

type peer struct {
	ws     *websocket.Conn
	send   chan []byte
	filter map[string]bool
	once   sync.Once
}

func (p *peer) close() {
	p.once.Do(func() { close(p.send) })
}

// Hub is the WebSocket side of the live event feed. Every connected peer
// gets each broadcast event; slow peers drop events rather than block.
type Hub struct {
	upgrader websocket.Upgrader
	mu       sync.RWMutex
	peers    map[*peer]bool
	closed   bool
	logger   *zap.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		peers:  make(map[*peer]bool),
		logger: logger.Named("ws"),
	}
}

// ServeHTTP upgrades the request and streams events until the peer leaves.
// ?events=a,b limits the stream to those event names.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	p := &peer{ws: ws, send: make(chan []byte, sendBuffer), filter: parseFilter(r.URL.Query().Get("events"))}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		ws.Close()
		return
	}
	h.peers[p] = true
	total := len(h.peers)
	h.mu.Unlock()
	h.logger.Debug("websocket peer connected", zap.String("remote", r.RemoteAddr), zap.Int("total", total))

	go h.writePump(p)
	h.readPump(p)
}

// readPump only services control frames; peers never send data
func (h *Hub) readPump(p *peer) {
	defer func() {
		h.remove(p)
		p.ws.Close()
	}()
	p.ws.SetReadLimit(512)
	_ = p.ws.SetReadDeadline(time.Now().Add(pongWait))
	p.ws.SetPongHandler(func(string) error {
		return p.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := p.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(p *peer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-p.send:
			_ = p.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = p.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := p.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(p *peer) {
	h.mu.Lock()
	if h.peers[p] {
		delete(h.peers, p)
		p.close()
	}
	total := len(h.peers)
	h.mu.Unlock()
	h.logger.Debug("websocket peer disconnected", zap.Int("total", total))
}

// Peers returns the number of connected peers
func (h *Hub) Peers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Broadcast sends an event to every peer
func (h *Hub) Broadcast(event string, payload interface{}) {
	data, err := realtime.Encode(event, payload)
	if err != nil {
		h.logger.Warn("marshal broadcast failed", zap.String("event", event), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for p := range h.peers {
		if len(p.filter) > 0 && !p.filter[event] {
			continue
		}
		select {
		case p.send <- data:
		default:
		}
	}
}

// Close disconnects every peer and refuses new ones
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for p := range h.peers {
		delete(h.peers, p)
		p.close()
	}
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
