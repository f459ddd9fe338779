package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Frame is the JSON envelope exchanged with gateway clients.
type Frame struct {
	Type      string `json:"type"`
	ChannelID int64  `json:"channel_id,omitempty"`
	UserID    int64  `json:"user_id,omitempty"`
	Content   string `json:"content,omitempty"`
	Author    string `json:"author,omitempty"`
	Mention   bool   `json:"mention,omitempty"`
	Handled   *bool  `json:"handled,omitempty"`
}

// historyLimit bounds the remembered lines per channel.
const historyLimit = 100

// Hub tracks gateway connections per channel and user. Replies for a channel
// are fanned out to every connection subscribed to it. The hub also keeps
// the last lines of each channel so gateway channels can be summarized.
type Hub struct {
	mu      sync.RWMutex
	active  map[int64]map[int64]*websocket.Conn
	history map[int64][]ChatLine
	logger  *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		active:  make(map[int64]map[int64]*websocket.Conn),
		history: make(map[int64][]ChatLine),
		logger:  logger,
	}
}

// Get returns the connection of a user in a channel.
func (h *Hub) Get(channelID, userID int64) *websocket.Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.active[channelID][userID]
}

// Register subscribes conn to a channel. An older connection of the same user
// in that channel is closed.
func (h *Hub) Register(channelID, userID int64, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.active[channelID]; !exists {
		h.active[channelID] = make(map[int64]*websocket.Conn)
	}
	if existing, exists := h.active[channelID][userID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "connection replaced")
	}
	h.active[channelID][userID] = conn
	h.logger.Info("Gateway client registered", "channel_id", channelID, "user_id", userID)
}

// Unregister removes conn if it is still the current connection.
func (h *Hub) Unregister(channelID, userID int64, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	users, ok := h.active[channelID]
	if !ok {
		return
	}
	if current, exists := users[userID]; exists && current == conn {
		delete(users, userID)
		if len(users) == 0 {
			delete(h.active, channelID)
		}
		h.logger.Info("Gateway client unregistered", "channel_id", channelID, "user_id", userID)
	}
}

// Subscribers returns the number of connections in a channel.
func (h *Hub) Subscribers(channelID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[channelID])
}

// CloseAll closes every connection.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for channelID, users := range h.active {
		for _, conn := range users {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
		delete(h.active, channelID)
	}
}

// Remember appends a line to the channel history.
func (h *Hub) Remember(channelID int64, line ChatLine) {
	h.mu.Lock()
	defer h.mu.Unlock()

	lines := append(h.history[channelID], line)
	if over := len(lines) - historyLimit; over > 0 {
		lines = append([]ChatLine(nil), lines[over:]...)
	}
	h.history[channelID] = lines
}

// RecentMessages returns up to limit remembered lines, oldest first.
func (h *Hub) RecentMessages(_ context.Context, channelID int64, limit int) ([]ChatLine, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	lines := h.history[channelID]
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return append([]ChatLine(nil), lines...), nil
}

// HistoryFallback returns a HistoryReader that reads from the hub when the
// channel is a gateway channel and from next otherwise. A nil next always
// uses the hub.
func (h *Hub) HistoryFallback(next HistoryReader) HistoryReader {
	return HistoryReaderFunc(func(ctx context.Context, channelID int64, limit int) ([]ChatLine, error) {
		h.mu.RLock()
		known := len(h.history[channelID]) > 0 || len(h.active[channelID]) > 0
		h.mu.RUnlock()
		if next == nil || known {
			return h.RecentMessages(ctx, channelID, limit)
		}
		return next.RecentMessages(ctx, channelID, limit)
	})
}

// Send writes a reply frame to every connection in the channel.
func (h *Hub) Send(ctx context.Context, channelID int64, text string) error {
	h.Remember(channelID, ChatLine{Author: "confidant", Text: text, Bot: true})

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.active[channelID]))
	for _, c := range h.active[channelID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	if len(conns) == 0 {
		h.logger.Debug("No gateway subscribers for reply", "channel_id", channelID)
		return nil
	}

	data, err := json.Marshal(Frame{Type: "reply", ChannelID: channelID, Content: text})
	if err != nil {
		return fmt.Errorf("marshal reply frame: %w", err)
	}

	var errs []error
	for _, c := range conns {
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := c.Write(writeCtx, websocket.MessageText, data); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("write reply frame: %w", err)
	}
	return nil
}

// Fallback returns a Sender that delivers to the hub when the channel has
// gateway subscribers and to next otherwise. A nil next always uses the hub.
func (h *Hub) Fallback(next Sender) Sender {
	return SenderFunc(func(ctx context.Context, channelID int64, text string) error {
		if next == nil || h.Subscribers(channelID) > 0 {
			return h.Send(ctx, channelID, text)
		}
		return next.Send(ctx, channelID, text)
	})
}
