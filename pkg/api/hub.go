package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/bus"
)

// Event is one message delivered to websocket clients.
type Event struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	BuildID   string         `json:"build_id,omitempty"`
	Seq       uint64         `json:"seq,omitempty"`
	Stage     string         `json:"stage,omitempty"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Hub fans out build events to connected websocket clients. Slow consumers
// are dropped rather than allowed to stall the broadcast path.
type Hub struct {
	mu      sync.RWMutex
	clients map[*hubClient]struct{}
	sub     bus.Subscription
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*hubClient]struct{})}
}

// AttachBus subscribes the hub to every session's events on the bus.
func (h *Hub) AttachBus(b bus.EventBus) error {
	if b == nil {
		return nil
	}
	sub, err := b.Subscribe(context.Background(), bus.SubjectAllSessions(), func(msg *bus.Message) {
		var env bus.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			return
		}
		h.Broadcast(Event{
			Type:      env.Kind,
			SessionID: env.SessionID,
			BuildID:   env.BuildID,
			Seq:       env.Seq,
			Stage:     env.Stage,
			Message:   env.Message,
			Details:   env.Details,
			Timestamp: env.Timestamp,
		})
	})
	if err != nil {
		return err
	}
	h.sub = sub
	return nil
}

// Broadcast sends an event to all clients, dropping any whose queue is full.
func (h *Hub) Broadcast(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.enqueue(event) {
			go h.removeClient(c)
		}
	}
}

// Close detaches from the bus and disconnects all clients.
func (h *Hub) Close() {
	if h.sub != nil {
		_ = h.sub.Unsubscribe()
	}
	h.mu.Lock()
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.removeClient(c)
		c.close(websocket.StatusGoingAway, "shutdown")
	}
}

func (h *Hub) register(conn wsConn, filter func(Event) bool) *hubClient {
	c := &hubClient{
		conn:   conn,
		send:   make(chan Event, 64),
		filter: filter,
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) removeClient(c *hubClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

type wsConn interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
	Close(status websocket.StatusCode, reason string) error
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
}

type hubClient struct {
	conn   wsConn
	send   chan Event
	filter func(Event) bool
}

func (c *hubClient) enqueue(event Event) bool {
	if c.filter != nil && !c.filter(event) {
		return true
	}
	select {
	case c.send <- event:
		return true
	default:
		return false
	}
}

func (c *hubClient) writeLoop(ctx context.Context) error {
	for {
		select {
		case event, ok := <-c.send:
			if !ok {
				return nil
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err = c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *hubClient) close(status websocket.StatusCode, reason string) {
	_ = c.conn.Close(status, reason)
}
