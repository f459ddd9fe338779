package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// Discord connects the bot to a Discord gateway session.
type Discord struct {
	session *discordgo.Session
	baseCtx context.Context
	handler Handler
	logger  *slog.Logger
}

// NewDiscord creates a Discord transport for a bot token. The session is not
// opened until Start.
func NewDiscord(token string, logger *slog.Logger) (*Discord, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("discord token is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	return &Discord{session: s, logger: logger}, nil
}

// Start registers handler for incoming messages and opens the gateway. ctx is
// handed to the handler for every message.
func (d *Discord) Start(ctx context.Context, handler Handler) error {
	d.baseCtx = ctx
	d.handler = handler
	d.session.AddHandler(d.onMessage)
	d.session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		d.logger.Info("Discord session ready", "user", r.User.Username, "guilds", len(r.Guilds))
	})
	if err := d.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	return nil
}

// Close disconnects from the gateway.
func (d *Discord) Close() error {
	return d.session.Close()
}

// Send posts text to a channel.
func (d *Discord) Send(ctx context.Context, channelID int64, text string) error {
	_, err := d.session.ChannelMessageSend(strconv.FormatInt(channelID, 10), text, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("send discord message: %w", err)
	}
	return nil
}

// RecentMessages reads up to limit messages of a channel, oldest first.
// Discord serves at most 100 per request.
func (d *Discord) RecentMessages(ctx context.Context, channelID int64, limit int) ([]ChatLine, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	msgs, err := d.session.ChannelMessages(strconv.FormatInt(channelID, 10), limit, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("read discord channel history: %w", err)
	}
	return chatLinesFromDiscord(msgs), nil
}

// chatLinesFromDiscord converts a newest-first page of messages.
func chatLinesFromDiscord(msgs []*discordgo.Message) []ChatLine {
	lines := make([]ChatLine, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m == nil || m.Author == nil {
			continue
		}
		author := m.Author.Username
		switch {
		case m.Member != nil && m.Member.Nick != "":
			author = m.Member.Nick
		case m.Author.GlobalName != "":
			author = m.Author.GlobalName
		}
		lines = append(lines, ChatLine{
			Author: author,
			Text:   strings.TrimSpace(m.ContentWithMentionsReplaced()),
			Bot:    m.Author.Bot,
		})
	}
	return lines
}

func (d *Discord) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	botID := ""
	if s.State != nil && s.State.User != nil {
		botID = s.State.User.ID
	}
	msg, ok := inboundFromDiscord(m.Message, botID)
	if !ok {
		return
	}
	if !d.handler(d.baseCtx, msg) {
		d.logger.Debug("Message not handled", "channel_id", msg.ChannelID, "user_id", msg.UserID)
	}
}

// inboundFromDiscord converts a gateway message. Bot authors, the bot itself
// and messages with non-numeric ids are skipped.
func inboundFromDiscord(m *discordgo.Message, botID string) (InboundMessage, bool) {
	if m == nil || m.Author == nil || m.Author.Bot || m.Author.ID == botID {
		return InboundMessage{}, false
	}
	channelID, err := strconv.ParseInt(m.ChannelID, 10, 64)
	if err != nil {
		return InboundMessage{}, false
	}
	userID, err := strconv.ParseInt(m.Author.ID, 10, 64)
	if err != nil {
		return InboundMessage{}, false
	}

	msg := InboundMessage{ChannelID: channelID, UserID: userID, Text: m.Content}

	mentioned := m.GuildID == ""
	for _, u := range m.Mentions {
		if u != nil && u.ID == botID {
			mentioned = true
			break
		}
	}
	if mentioned {
		text := stripMention(m.Content, botID)
		msg.Addressed = &text
	}
	return msg, true
}

// stripMention removes every <@id> and <@!id> mention of botID.
func stripMention(content, botID string) string {
	if botID != "" {
		content = strings.ReplaceAll(content, "<@"+botID+">", "")
		content = strings.ReplaceAll(content, "<@!"+botID+">", "")
	}
	return strings.Join(strings.Fields(content), " ")
}
