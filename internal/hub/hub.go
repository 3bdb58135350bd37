package hub

import (
	"encoding/json"
	"sync"
	"time"
)

// Event is one entry on the dashboard push channel: device health changes,
// session lifecycle, agent registrations.
type Event struct {
	Type      string      `json:"type"`
	Timestamp int64       `json:"timestamp"`
	Body      interface{} `json:"body,omitempty"`
}

const (
	EventDeviceRegistered = "device_registered"
	EventDeviceHealth     = "device_health_update"
	EventSessionStarted   = "session_started"
	EventSessionEnded     = "session_ended"
	EventSessionFailed    = "session_failed"
)

type Writer interface {
	Write(message []byte) error
	Close() error
}

type Connection struct {
	UserID string
	Writer Writer
}

// Hub fans events out to every connected dashboard client. Writers that fail
// are closed and dropped.
type Hub struct {
	mu          sync.RWMutex
	connections map[*Connection]struct{}
}

func New() *Hub {
	return &Hub{connections: make(map[*Connection]struct{})}
}

func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[conn] = struct{}{}
}

func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.connections, conn)
}

func (h *Hub) Publish(eventType string, body interface{}) {
	e := Event{Type: eventType, Timestamp: time.Now().UnixMilli(), Body: body}
	message, err := json.Marshal(e)
	if err != nil {
		return
	}
	h.broadcast(message)
}

func (h *Hub) broadcast(message []byte) {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.connections))
	for c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	var failed []*Connection
	for _, c := range conns {
		if err := c.Writer.Write(message); err != nil {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		_ = c.Writer.Close()
		h.Unregister(c)
	}
}
