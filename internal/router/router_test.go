package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confidant-bot/confidant/internal/argument"
	"github.com/confidant-bot/confidant/internal/ask"
	"github.com/confidant-bot/confidant/internal/completion"
	"github.com/confidant-bot/confidant/internal/config"
	"github.com/confidant-bot/confidant/internal/domain"
	"github.com/confidant-bot/confidant/internal/listening"
	"github.com/confidant-bot/confidant/internal/session"
	"github.com/confidant-bot/confidant/internal/transport"
)

type stubCompleter struct {
	reply string
}

func (s stubCompleter) Complete(_ context.Context, req completion.Request) (string, error) {
	if s.reply != "" {
		return s.reply, nil
	}
	return "re: " + req.Messages[len(req.Messages)-1].Content, nil
}

type stubCatalog struct {
	models []string
	err    error
}

func (c stubCatalog) Provider() config.ProviderConfig {
	return config.ProviderConfig{Name: "openrouter", Model: "a:free", FallbackModels: []string{"b:free", "c:free"}}
}

func (c stubCatalog) FreeModels(_ context.Context, limit int) ([]string, int, error) {
	if c.err != nil {
		return nil, 0, c.err
	}
	if limit > len(c.models) {
		limit = len(c.models)
	}
	return c.models[:limit], len(c.models), nil
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []string
}

func (s *recordingSender) Send(_ context.Context, _ int64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, text)
	return nil
}

func (s *recordingSender) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.msgs) == 0 {
		return ""
	}
	return s.msgs[len(s.msgs)-1]
}

func (s *recordingSender) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs...)
}

type fixture struct {
	router *Router
	sender *recordingSender
	mgr    *session.Manager
}

func newFixture(t *testing.T, limiter *RateLimiter, catalog ModelCatalog) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sender := &recordingSender{}
	mgr := session.NewManager(session.Options{})
	comp := stubCompleter{}
	if catalog == nil {
		catalog = stubCatalog{}
	}
	r := New(ctx, Deps{
		Listening: listening.NewEngine(ctx, mgr, comp, sender, listening.Config{Debounce: time.Hour}),
		Arguments: argument.NewController(mgr, comp, argument.Config{}, argument.WithCoin(func() bool { return true })),
		Ask:       ask.NewService(comp, 0, 4, nil, nil),
		Models:    catalog,
		Sender:    sender,
		Limiter:   limiter,
	})
	return &fixture{router: r, sender: sender, mgr: mgr}
}

func msg(text string) transport.InboundMessage {
	return transport.InboundMessage{ChannelID: 1, UserID: 2, Text: text}
}

func addressed(text string) transport.InboundMessage {
	m := msg("<@99> " + text)
	m.Addressed = &text
	return m
}

var key = domain.SessionKey{ChannelID: 1, UserID: 2}

func TestHandle_IgnoresUnaddressedChatter(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)

	assert.False(t, f.router.Handle(context.Background(), msg("hello everyone")))
	assert.False(t, f.router.Handle(context.Background(), msg("&unknowncommand")))
	assert.False(t, f.router.Handle(context.Background(), msg("   ")))
	assert.Empty(t, f.sender.all())
}

func TestHandle_Help(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)

	require.True(t, f.router.Handle(context.Background(), msg("&help")))
	help := f.sender.last()
	assert.Contains(t, help, "`&listen`")
	assert.Contains(t, help, "`&aimodels [limit]`")
}

func TestHandle_ListeningLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	require.True(t, f.router.Handle(ctx, msg("&listen")))
	assert.Contains(t, f.sender.last(), "I'm listening")

	require.True(t, f.router.Handle(ctx, msg("rough day at work")))
	assert.True(t, f.mgr.HasPending(key))

	require.True(t, f.router.Handle(ctx, msg("stop")))
	assert.Contains(t, f.sender.last(), "stopped listening")
	_, ok := f.mgr.Get(key)
	assert.False(t, ok)
	assert.False(t, f.mgr.HasPending(key))
}

func TestHandle_ResetWithoutSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)

	require.True(t, f.router.Handle(context.Background(), msg("&reset")))
	assert.Equal(t, "No active listening session. Use `&listen` to start one.", f.sender.last())

	require.True(t, f.router.Handle(context.Background(), msg("&stop")))
	assert.Equal(t, "There is no active session to stop.", f.sender.last())
}

func TestHandle_AskAndReset(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)

	require.True(t, f.router.Handle(context.Background(), msg("&ai what is go?")))
	f.router.Wait()
	assert.Equal(t, "re: what is go?", f.sender.last())
	assert.Len(t, f.router.Ask.History(1), 2)

	require.True(t, f.router.Handle(context.Background(), msg("&aireset")))
	assert.Equal(t, "AI memory has been cleared for this channel.", f.sender.last())
	assert.Empty(t, f.router.Ask.History(1))

	require.True(t, f.router.Handle(context.Background(), msg("&ai")))
	assert.Equal(t, "Usage: `&ai <prompt>`", f.sender.last())
}

func TestHandle_Cooldown(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(1, time.Minute)
	t.Cleanup(rl.Close)
	f := newFixture(t, rl, nil)

	require.True(t, f.router.Handle(context.Background(), msg("&ai one")))
	f.router.Wait()
	require.True(t, f.router.Handle(context.Background(), msg("&ai two")))
	f.router.Wait()

	assert.True(t, strings.HasPrefix(f.sender.last(), "Slow down a little. Try again in "))
	assert.Len(t, f.router.Ask.History(1), 2)
}

func TestHandle_ArgumentFromMention(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	require.True(t, f.router.Handle(ctx, addressed("argue with me about tabs vs spaces")))
	f.router.Wait()
	assert.Contains(t, f.sender.last(), "Topic: tabs vs spaces")
	require.True(t, f.router.Arguments.Active(key))

	require.True(t, f.router.Handle(ctx, msg("spaces are clearer")))
	f.router.Wait()
	assert.True(t, strings.HasPrefix(f.sender.last(), "re: "))
	assert.Contains(t, f.sender.last(), "spaces are clearer")

	require.True(t, f.router.Handle(ctx, msg("i'm done")))
	assert.Equal(t, "Argument ended. Good debate!", f.sender.last())
	assert.False(t, f.router.Arguments.Active(key))
}

func TestHandle_ArgueUsage(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)

	require.True(t, f.router.Handle(context.Background(), msg("&argue")))
	assert.Equal(t, "Usage: `&argue <topic>`", f.sender.last())
}

func TestHandle_CrisisWithoutSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)

	require.True(t, f.router.Handle(context.Background(), addressed("i want to die")))
	f.router.Wait()
	assert.Equal(t, []string{listening.SafetyReply}, f.sender.all())

	assert.False(t, f.router.Handle(context.Background(), msg("i want to die")))
}

func TestHandle_Models(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, stubCatalog{models: []string{"a:free", "b:free", "c:free", "d:free", "e:free"}})
	ctx := context.Background()

	require.True(t, f.router.Handle(ctx, msg("&aimodel")))
	assert.Equal(t, "Provider: `openrouter`\nConfigured model: `a:free`\nFallbacks: `b:free, c:free`", f.sender.last())

	require.True(t, f.router.Handle(ctx, msg("&aimodels 41")))
	assert.Equal(t, "`limit` must be between `1` and `40`.", f.sender.last())

	require.True(t, f.router.Handle(ctx, msg("&aimodels 2")))
	f.router.Wait()
	assert.Equal(t, "Available free models:\n- `a:free`\n- `b:free`\n...and `3` more.", f.sender.last())
}

func TestHandle_ModelsFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, stubCatalog{err: errors.New("boom")})

	require.True(t, f.router.Handle(context.Background(), msg("&aimodels")))
	f.router.Wait()
	assert.Equal(t, "Failed to fetch models right now. Try again later.", f.sender.last())
}

type stubHistory struct {
	lines []transport.ChatLine
	err   error
	limit int
}

func (h *stubHistory) RecentMessages(_ context.Context, _ int64, limit int) ([]transport.ChatLine, error) {
	h.limit = limit
	return h.lines, h.err
}

func TestHandle_Summary(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	require.True(t, f.router.Handle(ctx, msg("&summary")))
	assert.Equal(t, "Channel history is not available here.", f.sender.last())

	hist := &stubHistory{lines: []transport.ChatLine{
		{Author: "alice", Text: "ship it friday"},
		{Author: "confidant", Text: "noted", Bot: true},
		{Author: "bob", Text: "   "},
		{Author: "bob", Text: "agreed, I'll write the notes"},
	}}
	f.router.History = hist

	require.True(t, f.router.Handle(ctx, msg("&aisummary 4")))
	assert.Equal(t, "`count` must be between `5` and `100`.", f.sender.last())

	require.True(t, f.router.Handle(ctx, msg("&aisummary 40")))
	f.router.Wait()
	assert.Equal(t, 40, hist.limit)
	out := f.sender.last()
	assert.True(t, strings.HasPrefix(out, "Summary of last `2` messages:\nre: Summarize this chat"))
	assert.True(t, strings.HasSuffix(out, "alice: ship it friday\nbob: agreed, I'll write the notes"))
	assert.Empty(t, f.router.Ask.History(1))
}

func TestHandle_SummaryEdgeCases(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(1, time.Minute)
	t.Cleanup(rl.Close)
	f := newFixture(t, nil, nil)
	f.router.SummaryLimiter = rl
	ctx := context.Background()

	f.router.History = &stubHistory{lines: []transport.ChatLine{{Author: "confidant", Text: "hi", Bot: true}}}
	require.True(t, f.router.Handle(ctx, msg("&summary")))
	f.router.Wait()
	assert.Equal(t, "Not enough recent user messages to summarize.", f.sender.last())

	require.True(t, f.router.Handle(ctx, msg("&summary")))
	assert.True(t, strings.HasPrefix(f.sender.last(), "Slow down a little. Try again in "))

	f2 := newFixture(t, nil, nil)
	f2.router.History = &stubHistory{err: errors.New("forbidden")}
	require.True(t, f2.router.Handle(ctx, msg("&summary 10")))
	f2.router.Wait()
	assert.Equal(t, "Couldn't read recent messages right now. Try again later.", f2.sender.last())
}
