package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/example/deliverify/pkg/apperr"
	"github.com/example/deliverify/pkg/models"
	"github.com/example/deliverify/pkg/notify"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// wsConn serializes writes; gorilla connections allow one concurrent
// writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type authenticatePayload struct {
	UserID string   `json:"userId"`
	Roles  []string `json:"roles"`
}

type orderPayload struct {
	OrderID string             `json:"orderId"`
	Status  models.OrderStatus `json:"status,omitempty"`
}

type errorPayload struct {
	OrderID string `json:"orderId,omitempty"`
	Message string `json:"message"`
}

// serveWS upgrades an authenticated request to the realtime channel. The
// token is passed as ?token= since browsers cannot set headers on the
// upgrade request.
func (g *Gateway) serveWS(c *gin.Context) {
	raw := c.Query("token")
	if raw == "" {
		raw = bearerToken(c)
	}
	if raw == "" {
		g.respondError(c, apperr.Unauthenticated("Unauthorized"))
		return
	}
	tokenPrincipal, err := g.parseToken(raw)
	if err != nil {
		g.respondError(c, apperr.Unauthenticated("Unauthorized"))
		return
	}

	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	conn := &wsConn{conn: ws}
	log := g.logger.With(zap.String("user_id", tokenPrincipal.ID))
	log.Debug("Websocket connected")

	done := make(chan struct{})
	defer func() {
		close(done)
		g.hub.Disconnect(conn)
		_ = conn.Close()
		log.Debug("Websocket disconnected")
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go g.keepAlive(ws, done)

	for {
		var msg inbound
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("Websocket read failed", zap.Error(err))
			}
			return
		}
		g.handleMessage(c, conn, tokenPrincipal, msg)
	}
}

func (g *Gateway) keepAlive(ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) handleMessage(c *gin.Context, conn *wsConn, tokenPrincipal *models.Principal, msg inbound) {
	switch msg.Event {
	case "authenticate":
		var in authenticatePayload
		if err := json.Unmarshal(msg.Data, &in); err != nil || in.UserID == "" {
			g.reply(conn, notify.EventError, errorPayload{Message: "userId is required"})
			return
		}
		// Roles come from the signed token, never from the message.
		if in.UserID != tokenPrincipal.ID {
			g.reply(conn, notify.EventError, errorPayload{Message: "userId does not match token"})
			return
		}
		g.hub.Authenticate(conn, tokenPrincipal.ID, tokenPrincipal.Roles)
		g.reply(conn, notify.EventAuthenticated, authenticatePayload{UserID: tokenPrincipal.ID, Roles: tokenPrincipal.Roles})

	case "acceptOrder":
		p, in, ok := g.orderMessage(conn, msg)
		if !ok {
			return
		}
		order, err := g.orders.AcceptOrder(c.Request.Context(), p, in.OrderID)
		if err != nil {
			g.reply(conn, notify.EventOrderAcceptanceError, errorPayload{OrderID: in.OrderID, Message: apperr.Message(err)})
			return
		}
		g.reply(conn, notify.EventOrderAcceptanceConfirmed, order)

	case "updateDeliveryStatus":
		p, in, ok := g.orderMessage(conn, msg)
		if !ok {
			return
		}
		order, err := g.orders.UpdateDeliveryStatus(c.Request.Context(), p, in.OrderID, in.Status)
		if err != nil {
			g.reply(conn, notify.EventError, errorPayload{OrderID: in.OrderID, Message: apperr.Message(err)})
			return
		}
		g.reply(conn, notify.EventDeliveryStatusUpdate, order)

	default:
		g.reply(conn, notify.EventError, errorPayload{Message: "Unknown event " + msg.Event})
	}
}

// orderMessage checks the channel is authenticated and decodes an order
// reference.
func (g *Gateway) orderMessage(conn *wsConn, msg inbound) (*models.Principal, orderPayload, bool) {
	var in orderPayload
	p, ok := g.hub.Principal(conn)
	if !ok {
		g.reply(conn, notify.EventError, errorPayload{Message: "Authenticate first"})
		return nil, in, false
	}
	if err := json.Unmarshal(msg.Data, &in); err != nil || in.OrderID == "" {
		g.reply(conn, notify.EventError, errorPayload{Message: "orderId is required"})
		return nil, in, false
	}
	return p, in, true
}

func (g *Gateway) reply(conn *wsConn, event notify.Event, payload interface{}) {
	if err := g.hub.Send(conn, event, payload); err != nil {
		g.logger.Debug("Websocket reply failed", zap.String("event", string(event)), zap.Error(err))
	}
}

var _ notify.Conn = (*wsConn)(nil)
