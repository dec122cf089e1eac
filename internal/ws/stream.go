package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/fitplan/subsync/internal/broadcast"
	"github.com/fitplan/subsync/internal/domain"
	"github.com/fitplan/subsync/internal/service"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 16
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is handled at the HTTP level
	},
}

// EntitlementStreamHandler pushes a user's subscription changes to a browser tab.
// Frames are versioned broadcast messages, the same shape tabs exchange locally.
type EntitlementStreamHandler struct {
	cache *service.CacheManager
	auth  *service.AuthService
	log   zerolog.Logger
}

// NewEntitlementStreamHandler creates a new EntitlementStreamHandler.
func NewEntitlementStreamHandler(cache *service.CacheManager, auth *service.AuthService, log zerolog.Logger) *EntitlementStreamHandler {
	return &EntitlementStreamHandler{
		cache: cache,
		auth:  auth,
		log:   log.With().Str("component", "entitlement_stream").Logger(),
	}
}

// Handle upgrades HTTP to WebSocket and streams the caller's record.
// URL: /api/entitlement/stream?token=JWT_TOKEN
func (h *EntitlementStreamHandler) Handle(w http.ResponseWriter, r *http.Request) {
	// Browsers cannot set headers on websocket requests, so the token rides in the query.
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "token required", http.StatusUnauthorized)
		return
	}

	claims, err := h.auth.VerifyToken(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	userID := claims.Sub

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("user_id", userID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	send := make(chan broadcast.Message, sendBuffer)
	enqueue := func(m broadcast.Message) {
		select {
		case send <- m:
		default:
			h.log.Warn().Str("user_id", userID).Msg("entitlement stream backlog full, dropping update")
		}
	}

	// One listener per connection; the cache manager fans out to all of them.
	listenerID := h.cache.AddListener(ctx, userID, func(uid string, rec *domain.SubscriptionRecord, source domain.Source) {
		enqueue(broadcast.SubscriptionUpdated(h.cache.Origin(), uid, rec, source))
	})
	defer h.cache.RemoveListener(listenerID)

	rec, source := h.cache.GetSubscription(ctx, userID, false)
	enqueue(broadcast.SubscriptionUpdated(h.cache.Origin(), userID, rec, source))

	h.log.Info().Str("user_id", userID).Msg("entitlement stream connected")

	// Client → server: only control frames matter; any read error ends the stream.
	go func() {
		defer cancel()
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.log.Info().Str("user_id", userID).Msg("entitlement stream closed")
			return
		case m := <-send:
			data, err := broadcast.Encode(m)
			if err != nil {
				h.log.Warn().Err(err).Str("user_id", userID).Msg("dropping invalid stream message")
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
