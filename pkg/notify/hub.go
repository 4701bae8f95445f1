// Package notify pushes real-time order events to connected customers and
// delivery workers. Delivery is best-effort: offline recipients miss the
// event.
package notify

import (
	"sync"

	"github.com/example/deliverify/pkg/models"
	"go.uber.org/zap"
)

type Event string

const (
	EventAuthenticated            Event = "authenticated"
	EventNewOrder                 Event = "newOrder"
	EventPaymentSuccess           Event = "paymentSuccess"
	EventPaymentFailed            Event = "paymentFailed"
	EventOrderAccepted            Event = "orderAccepted"
	EventDeliveryStatusUpdate     Event = "deliveryStatusUpdate"
	EventOrderAcceptanceConfirmed Event = "orderAcceptanceConfirmed"
	EventOrderAcceptanceError     Event = "orderAcceptanceError"
	EventError                    Event = "error"
)

// Message is the wire envelope for every server-to-client event.
type Message struct {
	Event Event       `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// Conn is a live channel to one client. *websocket.Conn satisfies it.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Notifier is what order workflows need from the hub.
type Notifier interface {
	NotifyUser(userID string, event Event, payload interface{})
	NotifyDeliveryPool(order *models.Order)
}

type client struct {
	conn      Conn
	principal models.Principal

	writeMu sync.Mutex
}

func (c *client) send(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

// Hub is the connection registry. One channel per user; the most recent
// authentication wins.
type Hub struct {
	mu     sync.RWMutex
	byUser map[string]*client
	byConn map[Conn]*client

	logger *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		byUser: make(map[string]*client),
		byConn: make(map[Conn]*client),
		logger: logger.Named("hub"),
	}
}

func (h *Hub) Authenticate(conn Conn, userID string, roles []string) {
	c := &client{conn: conn, principal: models.Principal{ID: userID, Roles: roles}}

	h.mu.Lock()
	if prev, ok := h.byConn[conn]; ok && h.byUser[prev.principal.ID] == prev {
		delete(h.byUser, prev.principal.ID)
	}
	if prev, ok := h.byUser[userID]; ok {
		delete(h.byConn, prev.conn)
	}
	h.byUser[userID] = c
	h.byConn[conn] = c
	h.mu.Unlock()

	h.logger.Debug("client authenticated", zap.String("user_id", userID), zap.Strings("roles", roles))
}

// Disconnect forgets conn. A stale conn replaced by a newer login is a
// no-op.
func (h *Hub) Disconnect(conn Conn) {
	h.mu.Lock()
	c, ok := h.byConn[conn]
	if ok {
		delete(h.byConn, conn)
		if h.byUser[c.principal.ID] == c {
			delete(h.byUser, c.principal.ID)
		}
	}
	h.mu.Unlock()

	if ok {
		h.logger.Debug("client disconnected", zap.String("user_id", c.principal.ID))
	}
}

// Principal returns who conn authenticated as.
func (h *Hub) Principal(conn Conn) (*models.Principal, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.byConn[conn]
	if !ok {
		return nil, false
	}
	p := c.principal
	return &p, true
}

func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser)
}

// NotifyUser reports whether the event reached a registered channel.
func (h *Hub) NotifyUser(userID string, event Event, payload interface{}) bool {
	h.mu.RLock()
	c, ok := h.byUser[userID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return h.deliver(c, Message{Event: event, Data: payload})
}

// NotifyDeliveryPool sends newOrder to every delivery worker and returns
// how many received it. The delivery code is stripped first.
func (h *Hub) NotifyDeliveryPool(order *models.Order) int {
	h.mu.RLock()
	var pool []*client
	for _, c := range h.byUser {
		if c.principal.HasRole(models.RoleDelivery) {
			pool = append(pool, c)
		}
	}
	h.mu.RUnlock()

	msg := Message{Event: EventNewOrder, Data: order.Redacted()}
	sent := 0
	for _, c := range pool {
		if h.deliver(c, msg) {
			sent++
		}
	}
	return sent
}

// Send writes directly to conn, registered or not.
func (h *Hub) Send(conn Conn, event Event, payload interface{}) error {
	h.mu.RLock()
	c, ok := h.byConn[conn]
	h.mu.RUnlock()
	if ok {
		return c.send(Message{Event: event, Data: payload})
	}
	return conn.WriteJSON(Message{Event: event, Data: payload})
}

func (h *Hub) deliver(c *client, msg Message) bool {
	if err := c.send(msg); err != nil {
		h.logger.Warn("dropping client after failed write",
			zap.String("user_id", c.principal.ID),
			zap.String("event", string(msg.Event)),
			zap.Error(err))
		h.Disconnect(c.conn)
		_ = c.conn.Close()
		return false
	}
	return true
}
