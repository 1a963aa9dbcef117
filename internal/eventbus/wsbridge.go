package eventbus

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/lanikai/mirrorhub/internal/logging"
)

var log = logging.DefaultLogger.WithTag("eventbus")

// WebSocketBridge republishes a subset of bus events as JSON over a
// websocket, for external GUI/vision-pipeline collaborators that are not
// Go processes. Grounded on the teacher's local web signaler
// (internal/signaling/local.go), which upgrades an http.Handler to a
// gorilla/websocket connection per browser session; this bridge reuses the
// same upgrade-then-WriteJSON shape but fans bus events out to many
// concurrently connected viewers instead of pairing one signaling session
// per connection.
type WebSocketBridge struct {
	bus      *Bus
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]chan interface{}

	handles []*Handle
}

// NewWebSocketBridge subscribes to FrameReadyEvent, RouteChangeEvent,
// TransportUpEvent, TransportDownEvent, and StatsTickEvent, and returns a
// bridge ready to be mounted at an http.ServeMux path.
func NewWebSocketBridge(bus *Bus) *WebSocketBridge {
	b := &WebSocketBridge{
		bus:     bus,
		clients: make(map[*websocket.Conn]chan interface{}),
	}

	b.handles = []*Handle{
		Subscribe(bus, func(e FrameReadyEvent) { b.broadcast("frame_ready", e) }),
		Subscribe(bus, func(e RouteChangeEvent) { b.broadcast("route_change", e) }),
		Subscribe(bus, func(e TransportUpEvent) { b.broadcast("transport_up", e) }),
		Subscribe(bus, func(e TransportDownEvent) { b.broadcast("transport_down", e) }),
		Subscribe(bus, func(e StatsTickEvent) { b.broadcast("stats_tick", e) }),
	}
	return b
}

// ServeHTTP upgrades the connection and streams bridged events as JSON
// messages of the form {"type": "...", "payload": {...}} until the client
// disconnects.
func (b *WebSocketBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("eventbus: websocket upgrade failed: %v", err)
		return
	}

	outbox := make(chan interface{}, 64)
	b.mu.Lock()
	b.clients[conn] = outbox
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.clients, conn)
		b.mu.Unlock()
		conn.Close()
	}()

	// Discard anything the client sends; this is a one-way event feed. We
	// still must read, so gorilla/websocket's control-frame handling and
	// disconnect detection keep working.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	for msg := range outbox {
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

func (b *WebSocketBridge) broadcast(kind string, payload interface{}) {
	msg := map[string]interface{}{"type": kind, "payload": payload}

	b.mu.Lock()
	defer b.mu.Unlock()
	for conn, ch := range b.clients {
		select {
		case ch <- msg:
		default:
			log.Warn("eventbus: websocket client %s backpressured, dropping message", conn.RemoteAddr())
		}
	}
}

// Close unsubscribes from the bus and closes every connected client.
func (b *WebSocketBridge) Close() error {
	for _, h := range b.handles {
		h.Close()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn, ch := range b.clients {
		close(ch)
		conn.Close()
		delete(b.clients, conn)
	}
	return nil
}
