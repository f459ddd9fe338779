package listening

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confidant-bot/confidant/internal/completion"
	"github.com/confidant-bot/confidant/internal/domain"
	"github.com/confidant-bot/confidant/internal/session"
)

var key = domain.SessionKey{ChannelID: 100, UserID: 7}

const goodReply = `REPLY:
That sounds like a heavy week.
Exams and work pulling at you at once is a lot.
Which one is weighing on you more?
NOTES:
Stressed about exams and job.`

type fakeCompleter struct {
	mu       sync.Mutex
	requests []completion.Request
	reply    string
	err      error
	block    chan struct{}
	started  chan struct{}
}

func (f *fakeCompleter) Complete(ctx context.Context, req completion.Request) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	block, started := f.block, f.started
	reply, err := f.reply, f.err
	f.mu.Unlock()

	if started != nil {
		close(started)
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return reply, err
}

func (f *fakeCompleter) calls() []completion.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]completion.Request(nil), f.requests...)
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []string
	sent chan string
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(chan string, 16)}
}

func (s *fakeSender) Send(_ context.Context, _ int64, text string) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, text)
	s.mu.Unlock()
	s.sent <- text
	return nil
}

func (s *fakeSender) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs...)
}

func (s *fakeSender) wait(t *testing.T) string {
	t.Helper()
	select {
	case msg := <-s.sent:
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a reply")
		return ""
	}
}

func newTestEngine(t *testing.T, fc *fakeCompleter, cfg Config) (*Engine, *session.Manager, *fakeSender) {
	t.Helper()
	mgr := session.NewManager(session.Options{})
	sender := newFakeSender()
	if cfg.Debounce == 0 {
		cfg.Debounce = 40 * time.Millisecond
	}
	return NewEngine(context.Background(), mgr, fc, sender, cfg), mgr, sender
}

func lastUserContent(req completion.Request) string {
	return req.Messages[len(req.Messages)-1].Content
}

func TestHandleMessage_NoSession(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t, &fakeCompleter{reply: goodReply}, Config{})
	assert.False(t, e.HandleMessage(key, "hello"))
}

func TestHandleMessage_CoalescesBurstIntoOneTurn(t *testing.T) {
	t.Parallel()
	fc := &fakeCompleter{reply: goodReply}
	e, mgr, sender := newTestEngine(t, fc, Config{})
	e.Start(key)

	require.True(t, e.HandleMessage(key, "I'm stressed about exams"))
	require.True(t, e.HandleMessage(key, "and also my job"))

	got := sender.wait(t)
	assert.Equal(t, "That sounds like a heavy week.\nExams and work pulling at you at once is a lot.\nWhich one is weighing on you more?", got)

	time.Sleep(100 * time.Millisecond)
	calls := fc.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "I'm stressed about exams\nand also my job", lastUserContent(calls[0]))

	s, ok := mgr.Get(key)
	require.True(t, ok)
	assert.Equal(t, 1, s.Turns)
	assert.Empty(t, s.Buffer)
	assert.Equal(t, "Stressed about exams and job.", s.Notes)
	require.Len(t, s.History, 2)
	assert.Equal(t, domain.RoleUser, s.History[0].Role)
}

func TestHandleMessage_CrisisMidBufferSkipsProvider(t *testing.T) {
	t.Parallel()
	fc := &fakeCompleter{reply: goodReply}
	e, mgr, sender := newTestEngine(t, fc, Config{Debounce: 80 * time.Millisecond})
	e.Start(key)

	require.True(t, e.HandleMessage(key, "rough day"))
	require.True(t, e.HandleMessage(key, "honestly thinking about suicide"))

	assert.Equal(t, SafetyReply, sender.wait(t))

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, fc.calls())
	assert.Len(t, sender.messages(), 1)

	s, ok := mgr.Get(key)
	require.True(t, ok)
	assert.Empty(t, s.Buffer)
	assert.Equal(t, 1, s.Turns)
	require.Len(t, s.History, 2)
	assert.Equal(t, "rough day\nhonestly thinking about suicide", s.History[0].Content)
	assert.False(t, mgr.HasPending(key))
}

func TestFlush_CrisisFoundAtFlushTime(t *testing.T) {
	t.Parallel()
	fc := &fakeCompleter{reply: goodReply}
	e, mgr, sender := newTestEngine(t, fc, Config{})
	e.Start(key)
	mgr.Append(key, "I want to hurt myself")

	e.Flush(context.Background(), key)

	assert.Equal(t, []string{SafetyReply}, sender.messages())
	assert.Empty(t, fc.calls())
}

func TestHandleCrisis_WithoutSession(t *testing.T) {
	t.Parallel()
	e, _, sender := newTestEngine(t, &fakeCompleter{}, Config{})

	e.HandleCrisis(context.Background(), key, "I want to die")
	assert.Equal(t, []string{SafetyReply}, sender.messages())
}

func TestFlush_EmptyBufferIsNoop(t *testing.T) {
	t.Parallel()
	fc := &fakeCompleter{reply: goodReply}
	e, _, sender := newTestEngine(t, fc, Config{})
	e.Start(key)

	e.Flush(context.Background(), key)
	assert.Empty(t, fc.calls())
	assert.Empty(t, sender.messages())
}

func TestFlush_AutoStopsAtMaxTurns(t *testing.T) {
	t.Parallel()
	fc := &fakeCompleter{reply: goodReply}
	e, mgr, sender := newTestEngine(t, fc, Config{MaxTurns: 2})
	e.Start(key)

	mgr.Append(key, "one")
	e.Flush(context.Background(), key)
	mgr.Append(key, "two")
	e.Flush(context.Background(), key)

	msgs := sender.messages()
	require.Len(t, msgs, 2)
	assert.NotContains(t, msgs[0], "auto-stopped")
	assert.True(t, strings.HasSuffix(msgs[1], "(Listening session auto-stopped after 2 turns.)"))
	assert.False(t, e.Active(key))
}

func TestFlush_CrisisCountsTowardMaxTurns(t *testing.T) {
	t.Parallel()
	e, mgr, sender := newTestEngine(t, &fakeCompleter{reply: goodReply}, Config{MaxTurns: 1})
	e.Start(key)
	mgr.Append(key, "suicide")

	e.Flush(context.Background(), key)

	msgs := sender.messages()
	require.Len(t, msgs, 1)
	assert.True(t, strings.HasPrefix(msgs[0], SafetyReply))
	assert.Contains(t, msgs[0], "auto-stopped")
	assert.False(t, e.Active(key))
}

func TestFlush_NotesAreCapped(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("n", 500)
	fc := &fakeCompleter{reply: "REPLY:\na\nb\nc\nNOTES:\n" + long}
	e, mgr, _ := newTestEngine(t, fc, Config{NotesMaxChars: 200})
	e.Start(key)
	mgr.Append(key, "hi")

	e.Flush(context.Background(), key)

	s, _ := mgr.Get(key)
	assert.Len(t, []rune(s.Notes), 200)
	assert.True(t, strings.HasSuffix(s.Notes, "…"))
}

func TestFlush_UnparseableEnvelopeUsesFallback(t *testing.T) {
	t.Parallel()
	fc := &fakeCompleter{reply: "just one line"}
	e, mgr, sender := newTestEngine(t, fc, Config{})
	e.Start(key)
	mgr.Update(key, "", func(s *domain.ListeningSession) { s.Notes = "keep me" })
	mgr.Append(key, "hi")

	e.Flush(context.Background(), key)

	assert.Equal(t, []string{fallbackReply(domain.PhaseAssessment)}, sender.messages())
	s, _ := mgr.Get(key)
	assert.Equal(t, "keep me", s.Notes)
	assert.Equal(t, 1, s.Turns)
}

func TestFlush_ProviderFailureStillCountsTurn(t *testing.T) {
	t.Parallel()
	fc := &fakeCompleter{err: &completion.TerminalProviderError{Model: "m", Status: 429}}
	e, mgr, sender := newTestEngine(t, fc, Config{})
	e.Start(key)
	mgr.Append(key, "hi")

	e.Flush(context.Background(), key)

	assert.Equal(t, []string{"AI providers are busy right now (rate-limited). Try again in 10-20 seconds."}, sender.messages())
	s, _ := mgr.Get(key)
	assert.Equal(t, 1, s.Turns)
	assert.Empty(t, s.History)
}

func TestFlush_SolutionPhaseIsSingleTurn(t *testing.T) {
	t.Parallel()
	fc := &fakeCompleter{reply: goodReply}
	e, mgr, _ := newTestEngine(t, fc, Config{})
	e.Start(key)

	mgr.Append(key, "ok")
	mgr.Append(key, "what should I do?")
	e.Flush(context.Background(), key)
	s, _ := mgr.Get(key)
	assert.Equal(t, domain.PhaseSolution, s.Phase)

	mgr.Append(key, "thanks, it was mostly my boss")
	e.Flush(context.Background(), key)
	s, _ = mgr.Get(key)
	assert.Equal(t, domain.PhaseAssessment, s.Phase)

	calls := fc.calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0].Messages[0].Content, "explicitly asked for advice")
	assert.Contains(t, calls[1].Messages[0].Content, "only gathering context")
	// Second call carries the first exchange and the notes.
	assert.Contains(t, calls[1].Messages[1].Content, "Stressed about exams and job.")
	assert.Len(t, calls[1].Messages, 5)
}

func TestFlush_DiscardsResultForStoppedSession(t *testing.T) {
	t.Parallel()
	fc := &fakeCompleter{reply: goodReply, block: make(chan struct{}), started: make(chan struct{})}
	e, mgr, sender := newTestEngine(t, fc, Config{})
	e.Start(key)
	mgr.Append(key, "hi")

	done := make(chan struct{})
	go func() {
		e.Flush(context.Background(), key)
		close(done)
	}()

	<-fc.started
	require.True(t, e.Stop(key))
	e.Start(key)
	close(fc.block)
	<-done

	assert.Empty(t, sender.messages())
	s, ok := mgr.Get(key)
	require.True(t, ok)
	assert.Zero(t, s.Turns)
}

func TestFlush_AppendDuringProviderCallWaitsForNextFlush(t *testing.T) {
	t.Parallel()
	fc := &fakeCompleter{reply: goodReply, block: make(chan struct{}), started: make(chan struct{})}
	e, mgr, _ := newTestEngine(t, fc, Config{})
	e.Start(key)
	mgr.Append(key, "first")

	done := make(chan struct{})
	go func() {
		e.Flush(context.Background(), key)
		close(done)
	}()

	<-fc.started
	require.True(t, mgr.Append(key, "second"))
	close(fc.block)
	<-done

	s, _ := mgr.Get(key)
	assert.Equal(t, []string{"second"}, s.Buffer)
	assert.Equal(t, 1, s.Turns)
}

func TestFlush_ShutdownAbandonsTurn(t *testing.T) {
	t.Parallel()
	fc := &fakeCompleter{err: errors.New("unused"), block: make(chan struct{})}
	e, mgr, sender := newTestEngine(t, fc, Config{})
	e.Start(key)
	mgr.Append(key, "hi")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.Flush(ctx, key)

	assert.Empty(t, sender.messages())
	s, _ := mgr.Get(key)
	assert.Zero(t, s.Turns)
}

func TestHandleMessage_CrisisThenFollowUpKeepsArrivalOrder(t *testing.T) {
	t.Parallel()
	fc := &fakeCompleter{reply: goodReply}
	e, mgr, sender := newTestEngine(t, fc, Config{Debounce: 80 * time.Millisecond})
	e.Start(key)

	require.True(t, e.HandleMessage(key, "I'm sad"))
	require.True(t, e.HandleMessage(key, "I think about suicide"))
	require.True(t, e.HandleMessage(key, "also my dog is sick"))

	assert.Equal(t, SafetyReply, sender.wait(t))
	assert.Contains(t, sender.wait(t), "That sounds like a heavy week.")

	calls := fc.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "also my dog is sick", lastUserContent(calls[0]))

	e.Close()
	s, ok := mgr.Get(key)
	require.True(t, ok)
	assert.Equal(t, 2, s.Turns)
	require.Len(t, s.History, 4)
	assert.Equal(t, "I'm sad\nI think about suicide", s.History[0].Content)
	assert.Equal(t, "also my dog is sick", s.History[2].Content)
}

func TestFlush_SolutionRequestAlongsideOtherIntent(t *testing.T) {
	t.Parallel()
	fc := &fakeCompleter{reply: goodReply}
	e, mgr, _ := newTestEngine(t, fc, Config{})
	e.Start(key)
	mgr.Append(key, "what should I do? my brother keeps wanting to fight with me about moving out")

	e.Flush(context.Background(), key)

	calls := fc.calls()
	require.Len(t, calls, 1)
	assert.NotContains(t, calls[0].Messages[0].Content, "Right now you are only gathering context")
	s, ok := mgr.Get(key)
	require.True(t, ok)
	assert.Equal(t, domain.PhaseSolution, s.Phase)
}

func TestFlush_DiscardsResultForResetSession(t *testing.T) {
	t.Parallel()
	fc := &fakeCompleter{reply: goodReply, block: make(chan struct{}), started: make(chan struct{})}
	e, mgr, sender := newTestEngine(t, fc, Config{})
	e.Start(key)
	mgr.Append(key, "I'm stressed about exams")

	done := make(chan struct{})
	go func() {
		e.Flush(context.Background(), key)
		close(done)
	}()

	<-fc.started
	require.True(t, e.Reset(key))
	close(fc.block)
	<-done

	assert.Empty(t, sender.messages())
	s, ok := mgr.Get(key)
	require.True(t, ok)
	assert.Zero(t, s.Turns)
	assert.Empty(t, s.History)
	assert.Empty(t, s.Notes)
}

type fakeRecorder struct {
	mu    sync.Mutex
	turns []domain.Turn
}

func (r *fakeRecorder) RecordTurn(_ context.Context, turn domain.Turn) error {
	time.Sleep(20 * time.Millisecond)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, turn)
	return nil
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.turns)
}

func TestClose_CancelsPendingAndWaitsForWrites(t *testing.T) {
	t.Parallel()
	rec := &fakeRecorder{}
	mgr := session.NewManager(session.Options{})
	sender := newFakeSender()
	e := NewEngine(context.Background(), mgr, &fakeCompleter{reply: goodReply}, sender,
		Config{Debounce: time.Hour}, WithRecorder(rec))
	e.Start(key)

	mgr.Append(key, "first")
	e.Flush(context.Background(), key)
	require.True(t, e.HandleMessage(key, "still buffered"))
	require.True(t, mgr.HasPending(key))

	e.Close()

	assert.Equal(t, 1, rec.count())
	assert.False(t, mgr.HasPending(key))
	s, ok := mgr.Get(key)
	require.True(t, ok)
	assert.Equal(t, []string{"still buffered"}, s.Buffer)
}
