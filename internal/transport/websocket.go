package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
)

// WebSocketHandler serves the local chat gateway. Clients connect with
// ?channel=<id>&user=<id> and exchange JSON frames.
type WebSocketHandler struct {
	hub           *Hub
	handler       Handler
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// NewWebSocketHandler creates a gateway handler that routes inbound frames
// through handler.
func NewWebSocketHandler(hub *Hub, handler Handler, allowedOrigin string, isDev bool, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		hub:           hub,
		handler:       handler,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		logger:        logger,
	}
}

// ServeHTTP implements http.Handler for the WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	channelID, err := strconv.ParseInt(r.URL.Query().Get("channel"), 10, 64)
	if err != nil {
		http.Error(w, "invalid channel", http.StatusBadRequest)
		return
	}
	userID, err := strconv.ParseInt(r.URL.Query().Get("user"), 10, 64)
	if err != nil {
		http.Error(w, "invalid user", http.StatusBadRequest)
		return
	}

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	h.hub.Register(channelID, userID, ws)
	defer h.hub.Unregister(channelID, userID, ws)

	ctx := r.Context()
	if err := h.writeJSON(ctx, ws, Frame{Type: "ready", ChannelID: channelID, UserID: userID}); err != nil {
		h.logger.Debug("Failed to send ready frame", "error", err)
		return
	}

	h.readLoop(ctx, ws, channelID, userID)
	h.logger.Info("Gateway session ended", "channel_id", channelID, "user_id", userID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, channelID, userID int64) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("WebSocket closed by client", "user_id", userID)
			} else if ctx.Err() == nil {
				h.logger.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var in Frame
		if err := json.Unmarshal(data, &in); err != nil {
			// Plain text frames are treated as a message.
			in = Frame{Type: "message", Content: string(data)}
		}

		switch in.Type {
		case "ping":
			if err := h.writeJSON(ctx, ws, Frame{Type: "pong"}); err != nil {
				h.logger.Debug("Failed to send pong", "error", err)
			}
		case "message":
			author := in.Author
			if author == "" {
				author = "user-" + strconv.FormatInt(userID, 10)
			}
			h.hub.Remember(channelID, ChatLine{Author: author, Text: in.Content})

			msg := InboundMessage{ChannelID: channelID, UserID: userID, Text: in.Content}
			if in.Mention {
				addressed := in.Content
				msg.Addressed = &addressed
			}
			handled := h.handler(ctx, msg)
			if err := h.writeJSON(ctx, ws, Frame{Type: "ack", Handled: &handled}); err != nil {
				h.logger.Debug("Failed to send ack", "error", err)
			}
		default:
			h.logger.Debug("Unknown gateway frame", "type", in.Type, "user_id", userID)
		}
	}
}

func (h *WebSocketHandler) writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
