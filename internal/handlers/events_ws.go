package handlers

import (
	"log"
	"net/http"
	"sync"

	"github.com/flakeguard/flakeguard/internal/services"
	"github.com/gorilla/websocket"
)

// EventMessageType represents the type of WebSocket event message
type EventMessageType string

const (
	EventMessageTypeTransition EventMessageType = "transition"
	EventMessageTypeHeartbeat  EventMessageType = "heartbeat"
)

// EventMessage represents a WebSocket message sent to subscribed clients
type EventMessage struct {
	Type  EventMessageType          `json:"type"`
	Event *services.TransitionEvent `json:"event,omitempty"`
}

// EventsWSHandler streams quarantine transition events to subscribed
// WebSocket clients. It implements services.TransitionNotifier; broadcasts
// happen in a goroutine so a slow client never delays a transition.
type EventsWSHandler struct {
	upgrader websocket.Upgrader
	mu       sync.Mutex
	clients  map[*websocket.Conn]struct{}
}

// NewEventsWSHandler creates a new events WebSocket handler
func NewEventsWSHandler() *EventsWSHandler {
	return &EventsWSHandler{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for internal communication
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// SetupRoutes configures WebSocket routes
func (h *EventsWSHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/events", h.HandleWebSocket)
}

// HandleWebSocket handles a WebSocket subscription from a client
func (h *EventsWSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		return
	}

	log.Printf("Events client connected from %s", r.RemoteAddr)

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
		log.Printf("Events client disconnected")
	}()

	// Drain client messages; subscribers only receive. A read error means
	// the client went away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket read error: %v", err)
			}
			return
		}
	}
}

// NotifyTransition broadcasts a transition event to all connected clients.
func (h *EventsWSHandler) NotifyTransition(event services.TransitionEvent) {
	go h.broadcast(EventMessage{Type: EventMessageTypeTransition, Event: &event})
}

// ClientCount returns the number of connected subscribers.
func (h *EventsWSHandler) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *EventsWSHandler) broadcast(msg EventMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.clients {
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("Failed to write event to client: %v", err)
			conn.Close()
			delete(h.clients, conn)
		}
	}
}
