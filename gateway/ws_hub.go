package main

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/conduit-ai/conduit/gateway/events"
	"github.com/conduit-ai/conduit/gateway/observability"
	"github.com/conduit-ai/conduit/gateway/store"
)

const (
	maxWSConnections = 200
	wsWriteDeadline  = 5 * time.Second
)

// hubTopics are the lifecycle events pushed to connected clients.
var hubTopics = []events.Topic{
	events.TaskCreated,
	events.TaskProgress,
	events.TaskCompleted,
	events.TaskFailed,
	events.TaskCancelled,
}

// EventHub pushes task lifecycle events to websocket clients. Each client
// subscribes under one virtual key and only sees that key's tasks.
// Single broadcaster pattern: one bus subscription fans out to all clients.
type EventHub struct {
	store store.Store

	// clients maps connection to virtual key id
	clients    map[*websocket.Conn]string
	register   chan hubRegistration
	unregister chan *websocket.Conn
	inbound    chan events.Event
	mu         sync.RWMutex
}

type hubRegistration struct {
	conn  *websocket.Conn
	keyID string
}

func NewEventHub(st store.Store) *EventHub {
	return &EventHub{
		store:      st,
		clients:    make(map[*websocket.Conn]string),
		register:   make(chan hubRegistration),
		unregister: make(chan *websocket.Conn),
		inbound:    make(chan events.Event, 64),
	}
}

// Run subscribes to the lifecycle topics and pumps events to clients until
// ctx is cancelled.
func (h *EventHub) Run(ctx context.Context, sub events.Subscriber) error {
	for _, topic := range hubTopics {
		s, err := sub.Subscribe(ctx, topic, func(ev events.Event) {
			select {
			case h.inbound <- ev:
			default:
				// Slow hub: drop rather than block the bus reader.
			}
		})
		if err != nil {
			return err
		}
		defer s.Unsubscribe()
	}

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil

		case reg := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				reg.conn.Close()
				log.Printf("ws: connection rejected, cap %d reached", maxWSConnections)
				continue
			}
			h.clients[reg.conn] = reg.keyID
			total := len(h.clients)
			h.mu.Unlock()
			observability.WSClients.Set(float64(total))
			log.Printf("ws: client registered for key %s, total %d", reg.keyID, total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			observability.WSClients.Set(float64(total))

		case ev := <-h.inbound:
			h.broadcast(ctx, ev)
		}
	}
}

// broadcast delivers one event to the clients subscribed under the task's
// virtual key.
func (h *EventHub) broadcast(ctx context.Context, ev events.Event) {
	keyID := h.keyForTask(ctx, ev.TaskID)
	if keyID == "" {
		return
	}

	frame, err := json.Marshal(map[string]interface{}{
		"topic":     ev.Topic,
		"task_id":   ev.TaskID,
		"payload":   json.RawMessage(ev.Payload),
		"timestamp": ev.Timestamp,
	})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn, kid := range h.clients {
		if kid != keyID {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			log.Printf("ws: write: %v", err)
			go h.Unregister(conn)
		}
	}
}

func (h *EventHub) keyForTask(ctx context.Context, taskID string) string {
	if taskID == "" {
		return ""
	}
	task, err := h.store.Get(ctx, taskID)
	if err != nil || task == nil {
		return ""
	}
	return task.VirtualKeyID
}

func (h *EventHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	log.Printf("ws: shutting down hub with %d clients", len(h.clients))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]string)
	observability.WSClients.Set(0)
}

// Register adds a client connection scoped to a virtual key.
func (h *EventHub) Register(conn *websocket.Conn, keyID string) {
	h.register <- hubRegistration{conn: conn, keyID: keyID}
}

// Unregister removes a client connection.
func (h *EventHub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
