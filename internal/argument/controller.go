// Package argument runs fixed-length adversarial debates. Unlike listening
// sessions every message is answered immediately.
package argument

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/confidant-bot/confidant/internal/completion"
	"github.com/confidant-bot/confidant/internal/domain"
	"github.com/confidant-bot/confidant/internal/session"
)

// ErrTopicRequired is returned by Start when the topic is blank.
var ErrTopicRequired = errors.New("argument topic is required")

const (
	historyLimit  = 12
	promptHistory = 6
	maxTopicRunes = 200
)

// Config holds the argument knobs.
type Config struct {
	MaxTurns    int
	MaxTokens   int
	Temperature float64
}

// Controller starts, advances and stops argument sessions.
type Controller struct {
	mgr       *session.Manager
	completer completion.Completer
	recorder  domain.TurnRecorder
	cfg       Config
	coin      func() bool
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

// WithCoin overrides the side picker. A true result assigns PRO.
func WithCoin(coin func() bool) Option {
	return func(c *Controller) { c.coin = coin }
}

// WithRecorder records every completed argument turn.
func WithRecorder(r domain.TurnRecorder) Option {
	return func(c *Controller) { c.recorder = r }
}

// WithLogger sets the controller logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// NewController creates an argument controller.
func NewController(mgr *session.Manager, completer completion.Completer, cfg Config, opts ...Option) *Controller {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 14
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 220
	}
	c := &Controller{
		mgr:       mgr,
		completer: completer,
		cfg:       cfg,
		coin:      func() bool { return rand.IntN(2) == 0 },
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Active reports whether key has a live argument session.
func (c *Controller) Active(key domain.SessionKey) bool {
	_, ok := c.mgr.GetArgument(key)
	return ok
}

// Start ends any listening session for key, picks a side, generates the
// opening statement and only then stores the session. When generation fails
// no session is created and the returned error is already safe to show.
func (c *Controller) Start(ctx context.Context, key domain.SessionKey, topic string) (string, error) {
	topic = cleanTopic(topic)
	if topic == "" {
		return "", ErrTopicRequired
	}

	c.mgr.Stop(key)
	unlock := c.mgr.Lock(key)
	defer unlock()

	side := domain.SideAnti
	if c.coin() {
		side = domain.SidePro
	}

	opening, err := c.completer.Complete(ctx, completion.Request{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: systemPrompt(topic, side)},
			{Role: domain.RoleUser, Content: fmt.Sprintf("Open the debate on %q with your strongest first argument.", topic)},
		},
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		c.logger.Error("Argument opening failed", "channel_id", key.ChannelID, "user_id", key.UserID, "topic", topic, "error", err)
		return "", errors.New(completion.FriendlyMessage(err))
	}

	s := c.mgr.PutArgument(key, &domain.ArgumentSession{
		ID:      uuid.NewString(),
		Topic:   topic,
		Side:    side,
		History: []string{"Bot: " + oneLine(opening)},
	})

	text := fmt.Sprintf("**Argument mode on.** Topic: %s\nI'm arguing **%s**; you take **%s**. Say `stop` to end.\n\n%s",
		s.Topic, s.Side, s.Side.Opposite(), opening)
	c.record(key, opening, topic, false)
	return text, nil
}

// Turn answers one opposing point. Provider failures still advance the turn
// counter, so repeated failures end at the turn cap like any other turn.
func (c *Controller) Turn(ctx context.Context, key domain.SessionKey, point string) (string, bool) {
	unlock := c.mgr.Lock(key)
	defer unlock()

	s, ok := c.mgr.GetArgument(key)
	if !ok {
		return "", false
	}
	point = strings.TrimSpace(point)

	reply, err := c.completer.Complete(ctx, completion.Request{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: systemPrompt(s.Topic, s.Side)},
			{Role: domain.RoleUser, Content: rebuttalPrompt(s, point)},
		},
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	})
	failed := err != nil
	if failed {
		c.logger.Error("Argument turn failed", "channel_id", key.ChannelID, "user_id", key.UserID, "error", err)
		reply = completion.FriendlyMessage(err)
	}

	now := c.mgr.Now()
	updated, ok := c.mgr.UpdateArgument(key, s.ID, func(a *domain.ArgumentSession) {
		a.Turns++
		a.LastActivityAt = now
		if failed {
			a.AppendHistory(historyLimit, "User: "+oneLine(point))
			return
		}
		a.AppendHistory(historyLimit, "User: "+oneLine(point), "Bot: "+oneLine(reply))
	})
	if !ok {
		return "", false
	}

	c.record(key, reply, point, failed)
	if updated.Turns >= c.cfg.MaxTurns {
		c.mgr.StopArgument(key)
		reply += fmt.Sprintf("\n\n(Argument auto-stopped after %d turns. Good debate!)", updated.Turns)
	}
	return reply, true
}

// Wait blocks until pending transcript writes have finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Stop ends the argument session for key without generating anything.
func (c *Controller) Stop(key domain.SessionKey) bool {
	return c.mgr.StopArgument(key)
}

func systemPrompt(topic string, side domain.Side) string {
	stance := "in favour of"
	if side == domain.SideAnti {
		stance = "against"
	}
	return fmt.Sprintf(`You are a sharp but good-natured debate partner in a chat server.
You argue %s the topic: %q. The user argues the opposite side.
Never switch sides or concede the whole point. Keep each reply under 90 words,
address the user's latest point directly, and stay respectful.`, stance, topic)
}

func rebuttalPrompt(s *domain.ArgumentSession, point string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\nYour side: %s\n", s.Topic, s.Side)
	if recent := s.RecentHistory(promptHistory); len(recent) > 0 {
		b.WriteString("Recent exchange:\n")
		b.WriteString(strings.Join(recent, "\n"))
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "User's latest point: %s\nWrite your rebuttal.", point)
	return b.String()
}

func cleanTopic(topic string) string {
	topic = strings.Join(strings.Fields(topic), " ")
	if r := []rune(topic); len(r) > maxTopicRunes {
		topic = string(r[:maxTopicRunes])
	}
	return topic
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > 300 {
		return string(r[:300]) + "…"
	}
	return s
}

func (c *Controller) record(key domain.SessionKey, reply, input string, failed bool) {
	if c.recorder == nil {
		return
	}
	turn := domain.Turn{
		ID:        uuid.NewString(),
		Key:       key,
		Kind:      domain.TurnArgument,
		Input:     input,
		Reply:     reply,
		Failed:    failed,
		CreatedAt: c.mgr.Now(),
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.recorder.RecordTurn(ctx, turn); err != nil {
			c.logger.Warn("Failed to record argument turn", "channel_id", key.ChannelID, "user_id", key.UserID, "error", err)
		}
	}()
}
