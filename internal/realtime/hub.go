package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// sendBuffer is how many frames may queue for one connection before it is
// treated as a slow consumer and dropped.
const sendBuffer = 64

// Hub maintains topic subscriptions for the connections of this instance.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Conn]bool
	conns  map[uuid.UUID]*Conn
	logger *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		topics: make(map[string]map[*Conn]bool),
		conns:  make(map[uuid.UUID]*Conn),
		logger: logger,
	}
}

// Register makes c eligible for delivery. It does not join any topic.
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
}

// Unregister removes c from every topic and closes its send queue.
// Safe to call more than once.
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.id]; !ok {
		return
	}
	delete(h.conns, c.id)
	for topic, members := range h.topics {
		delete(members, c)
		if len(members) == 0 {
			delete(h.topics, topic)
		}
	}
	close(c.send)
}

func (h *Hub) Join(c *Conn, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.id]; !ok {
		return
	}
	members, ok := h.topics[topic]
	if !ok {
		members = make(map[*Conn]bool)
		h.topics[topic] = members
	}
	members[c] = true
}

func (h *Hub) Leave(c *Conn, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.topics[topic]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.topics, topic)
		}
	}
}

// Joined reports whether c is subscribed to topic.
func (h *Hub) Joined(c *Conn, topic string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.topics[topic][c]
}

// Subscribers returns how many local connections joined topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Deliver sends frame to every local subscriber of its topic except the
// connection identified by exclude, and returns how many were reached.
// Connections whose queue is full are dropped.
func (h *Hub) Deliver(frame Frame, exclude uuid.UUID) int {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("failed to encode frame", zap.String("topic", frame.Topic), zap.Error(err))
		return 0
	}

	var (
		delivered int
		slow      []*Conn
	)

	h.mu.RLock()
	for c := range h.topics[frame.Topic] {
		if c.id == exclude {
			continue
		}
		select {
		case c.send <- data:
			delivered++
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow realtime connection",
			zap.String("conn_id", c.id.String()),
			zap.String("user_id", c.userID.String()),
		)
		h.Unregister(c)
	}

	return delivered
}

// send queues a frame for one connection, used for replies and errors.
func (h *Hub) send(c *Conn, frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("failed to encode frame", zap.String("type", frame.Type), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.conns[c.id]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		h.logger.Warn("reply dropped: send queue full", zap.String("conn_id", c.id.String()))
	}
}
