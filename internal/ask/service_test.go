package ask

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confidant-bot/confidant/internal/completion"
	"github.com/confidant-bot/confidant/internal/domain"
)

type echoCompleter struct {
	last completion.Request
	err  error
}

func (e *echoCompleter) Complete(_ context.Context, req completion.Request) (string, error) {
	e.last = req
	if e.err != nil {
		return "", e.err
	}
	return "re: " + req.Messages[len(req.Messages)-1].Content, nil
}

type memRecorder struct {
	mu    sync.Mutex
	turns []domain.Turn
}

func (m *memRecorder) RecordTurn(_ context.Context, turn domain.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, turn)
	return nil
}

func (m *memRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.turns)
}

func TestAsk_BoundedChannelMemory(t *testing.T) {
	t.Parallel()
	ec := &echoCompleter{}
	s := NewService(ec, 0, 2, nil, nil)
	key := domain.SessionKey{ChannelID: 1, UserID: 2}

	for i := 0; i < 3; i++ {
		reply, ok := s.Ask(context.Background(), key, fmt.Sprintf(" q%d ", i))
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("re: q%d", i), reply)
	}

	h := s.History(1)
	require.Len(t, h, 4)
	assert.Equal(t, "q1", h[0].Content)
	assert.Equal(t, "re: q2", h[3].Content)

	assert.Equal(t, SystemPrompt, ec.last.Messages[0].Content)
	assert.Equal(t, 0.5, ec.last.Temperature)
	assert.Equal(t, 260, ec.last.MaxTokens)
	// system + 4 remembered + current prompt
	assert.Len(t, ec.last.Messages, 6)

	assert.Empty(t, s.History(99))
	s.Reset(1)
	assert.Empty(t, s.History(1))
}

func TestAsk_FailureKeepsMemoryAndIsFriendly(t *testing.T) {
	t.Parallel()
	rec := &memRecorder{}
	ec := &echoCompleter{err: errors.New("status 429")}
	s := NewService(ec, 100, 4, rec, nil)

	reply, ok := s.Ask(context.Background(), domain.SessionKey{ChannelID: 3}, "hi")
	assert.False(t, ok)
	assert.Equal(t, "AI providers are busy right now (rate-limited). Try again in 10-20 seconds.", reply)
	assert.Empty(t, s.History(3))

	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestSummarize_PromptAndBudget(t *testing.T) {
	t.Parallel()
	rec := &memRecorder{}
	ec := &echoCompleter{}
	s := NewService(ec, 100, 4, rec, nil, WithSummaryMaxTokens(500))

	long := "bob: " + strings.Repeat("x", 400)
	summary, ok := s.Summarize(context.Background(), domain.SessionKey{ChannelID: 8, UserID: 1},
		[]string{"alice: ship on friday", "  ", long})
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(summary, "re: Summarize this chat in short bullet points."))

	assert.Equal(t, 500, ec.last.MaxTokens)
	assert.InDelta(t, 0.2, ec.last.Temperature, 1e-9)
	require.Len(t, ec.last.Messages, 2)
	body := ec.last.Messages[1].Content
	assert.True(t, strings.HasSuffix(body, "alice: ship on friday\n"+long[:280]))
	assert.Empty(t, s.History(8))

	s.Wait()
	require.Equal(t, 1, rec.count())
	assert.Equal(t, domain.TurnSummary, rec.turns[0].Kind)
}

func TestSummarize_FailureIsFriendly(t *testing.T) {
	t.Parallel()
	s := NewService(&echoCompleter{err: errors.New("status 429")}, 0, 2, nil, nil)

	reply, ok := s.Summarize(context.Background(), domain.SessionKey{ChannelID: 8}, []string{"a: b"})
	assert.False(t, ok)
	assert.Equal(t, "AI providers are busy right now (rate-limited). Try again in 10-20 seconds.", reply)
}
