// Package transport connects chat networks to the bot: a Discord adapter, a
// local WebSocket gateway, and the helpers both use to deliver replies.
package transport

import (
	"context"
	"fmt"
	"strings"
)

// MaxMessageLen is the largest chunk sent in one message.
const MaxMessageLen = 1900

// Sender delivers text to a channel.
type Sender interface {
	Send(ctx context.Context, channelID int64, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, channelID int64, text string) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, channelID int64, text string) error {
	return f(ctx, channelID, text)
}

// InboundMessage is one chat message handed to the router.
type InboundMessage struct {
	ChannelID int64
	UserID    int64
	Text      string
	// Addressed is the text with the bot mention removed, or nil when the
	// bot was not addressed.
	Addressed *string
}

// ChatLine is one message of recent channel history.
type ChatLine struct {
	Author string
	Text   string
	Bot    bool
}

// HistoryReader returns up to limit recent messages of a channel, oldest
// first.
type HistoryReader interface {
	RecentMessages(ctx context.Context, channelID int64, limit int) ([]ChatLine, error)
}

// HistoryReaderFunc adapts a function to HistoryReader.
type HistoryReaderFunc func(ctx context.Context, channelID int64, limit int) ([]ChatLine, error)

// RecentMessages calls f.
func (f HistoryReaderFunc) RecentMessages(ctx context.Context, channelID int64, limit int) ([]ChatLine, error) {
	return f(ctx, channelID, limit)
}

// Handler consumes inbound messages. It reports whether the message was
// consumed by the bot.
type Handler func(ctx context.Context, msg InboundMessage) bool

// SplitMessage splits text into chunks of at most maxLen runes, preferring
// the last newline before the limit. Blank text yields a placeholder.
func SplitMessage(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = MaxMessageLen
	}
	rest := []rune(strings.TrimSpace(text))
	if len(rest) == 0 {
		return []string{"(empty response)"}
	}

	var parts []string
	for len(rest) > maxLen {
		cut := lastNewline(rest[:maxLen])
		if cut <= 0 {
			cut = maxLen
		}
		if chunk := strings.TrimSpace(string(rest[:cut])); chunk != "" {
			parts = append(parts, chunk)
		}
		rest = []rune(strings.TrimSpace(string(rest[cut:])))
	}
	if len(rest) > 0 {
		parts = append(parts, string(rest))
	}
	return parts
}

func lastNewline(r []rune) int {
	for i := len(r) - 1; i >= 0; i-- {
		if r[i] == '\n' {
			return i
		}
	}
	return -1
}

// SendChunked splits text and sends the chunks in order, stopping at the
// first failure.
func SendChunked(ctx context.Context, s Sender, channelID int64, text string) error {
	for i, chunk := range SplitMessage(text, MaxMessageLen) {
		if err := s.Send(ctx, channelID, chunk); err != nil {
			return fmt.Errorf("send chunk %d to channel %d: %w", i+1, channelID, err)
		}
	}
	return nil
}
