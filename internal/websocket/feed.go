package websocket

import (
	"context"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/proofmeet/backend/internal/events"
)

// Feed fans pipeline events out to WebSocket clients. Officer dashboards
// subscribe here to watch sessions complete and cards get issued live.
type Feed struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan *events.CloudEvent
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *log.Logger
}

// NewFeed creates a feed hub.
func NewFeed() *Feed {
	return &Feed{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan *events.CloudEvent, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: log.New(log.Writer(), "[FEED] ", log.LstdFlags),
	}
}

// Run pumps registration and broadcast traffic until ctx is done.
func (f *Feed) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			f.mu.Lock()
			for client := range f.clients {
				client.Close()
				delete(f.clients, client)
			}
			f.mu.Unlock()
			return

		case client := <-f.register:
			f.mu.Lock()
			f.clients[client] = true
			total := len(f.clients)
			f.mu.Unlock()
			f.logger.Printf("client connected (total: %d)", total)

		case client := <-f.unregister:
			f.mu.Lock()
			if _, ok := f.clients[client]; ok {
				delete(f.clients, client)
				client.Close()
			}
			total := len(f.clients)
			f.mu.Unlock()
			f.logger.Printf("client disconnected (total: %d)", total)

		case event := <-f.broadcast:
			f.mu.Lock()
			for client := range f.clients {
				if err := client.WriteJSON(event); err != nil {
					client.Close()
					delete(f.clients, client)
				}
			}
			f.mu.Unlock()
		}
	}
}

// Listen subscribes to the bus and forwards every event to the broadcast
// loop. Call in its own goroutine alongside Run.
func (f *Feed) Listen(ctx context.Context, bus *events.EventBus) {
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			select {
			case f.broadcast <- ev:
			default:
				// Broadcast queue full; live feed is best-effort.
			}
		}
	}
}

// HandleWebSocket upgrades the connection and parks it on the hub. The read
// loop only drains control frames; the feed is one-way.
func (f *Feed) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Printf("upgrade error: %v", err)
		return
	}

	f.register <- conn

	go func() {
		defer func() {
			f.unregister <- conn
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// Statistics reports hub load for the health endpoint.
func (f *Feed) Statistics() map[string]interface{} {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return map[string]interface{}{
		"connected_clients": len(f.clients),
		"broadcast_queue":   len(f.broadcast),
	}
}
