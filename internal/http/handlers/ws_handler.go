package handlers

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/northstar-et/backend/internal/auth"
	"github.com/northstar-et/backend/internal/config"
	"github.com/northstar-et/backend/internal/events"
	"github.com/northstar-et/backend/internal/rbac"
	"go.uber.org/zap"
)

// WSHub fans appended-record events out to connected clients, scoped by
// tenant: a connection only ever sees its own tenant's trail.
type WSHub struct {
	cfg         *config.Config
	subscriber  events.Subscriber
	log         *zap.Logger
	mu          sync.RWMutex
	connections map[string][]*websocket.Conn // keyed by tenant id
}

func NewWSHub(cfg *config.Config, subscriber events.Subscriber, log *zap.Logger) *WSHub {
	return &WSHub{
		cfg:         cfg,
		subscriber:  subscriber,
		log:         log,
		connections: make(map[string][]*websocket.Conn),
	}
}

func (h *WSHub) Start(ctx context.Context) {
	_ = h.subscriber.Subscribe(ctx, events.StreamAudit, func(event events.Event) {
		h.broadcast(event)
	})
}

func (h *WSHub) broadcast(event events.Event) {
	tenantID, _ := event.Payload["tenant_id"].(string)
	if tenantID == "" {
		return // platform-scope events are not streamed
	}

	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, conn := range h.connections[tenantID] {
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
}

// WSUpgradeMiddleware checks for websocket upgrade
func WSUpgradeMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
}

func (h *WSHub) HandleWS(conn *websocket.Conn) {
	tokenStr := conn.Query("token")
	if tokenStr == "" {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"missing token"}`))
		conn.Close()
		return
	}

	claims, err := auth.ParseJWT(h.cfg.JWTSecret, tokenStr)
	if err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"invalid token"}`))
		conn.Close()
		return
	}
	if claims.TenantID == "" || !rbac.HasPermission(claims.Role, rbac.PermAuditRead) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"forbidden"}`))
		conn.Close()
		return
	}

	tenantID := claims.TenantID

	// Register
	h.mu.Lock()
	h.connections[tenantID] = append(h.connections[tenantID], conn)
	h.mu.Unlock()

	h.log.Debug("ws client connected", zap.String("tenant_id", tenantID))

	// Block until the client goes away; the stream is write-only.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	// Unregister
	h.mu.Lock()
	conns := h.connections[tenantID]
	for i, c := range conns {
		if c == conn {
			h.connections[tenantID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	h.mu.Unlock()
	conn.Close()
}
