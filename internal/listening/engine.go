// Package listening implements debounced listening sessions: buffered
// fragments are merged into one turn, answered in assessment or solution
// phase, and crisis language short-circuits everything with a safety reply.
package listening

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/confidant-bot/confidant/internal/completion"
	"github.com/confidant-bot/confidant/internal/domain"
	"github.com/confidant-bot/confidant/internal/intent"
	"github.com/confidant-bot/confidant/internal/session"
	"github.com/confidant-bot/confidant/internal/transport"
)

// Config holds the listening knobs.
type Config struct {
	Debounce      time.Duration
	MaxTurns      int
	NotesMaxChars int
	HistoryDepth  int
	MaxTokens     int
	Temperature   float64
}

// Engine drives listening sessions for every key.
type Engine struct {
	baseCtx    context.Context
	mgr        *session.Manager
	completer  completion.Completer
	sender     transport.Sender
	classifier intent.Classifier
	recorder   domain.TurnRecorder
	cfg        Config
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithClassifier replaces the default pattern classifier.
func WithClassifier(c intent.Classifier) Option {
	return func(e *Engine) { e.classifier = c }
}

// WithRecorder records every completed turn.
func WithRecorder(r domain.TurnRecorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates a listening engine. Flushes run with ctx, so cancelling
// it aborts in-flight provider calls on shutdown.
func NewEngine(ctx context.Context, mgr *session.Manager, completer completion.Completer, sender transport.Sender, cfg Config, opts ...Option) *Engine {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 12 * time.Second
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 30
	}
	if cfg.NotesMaxChars <= 0 {
		cfg.NotesMaxChars = 1200
	}
	if cfg.HistoryDepth <= 0 {
		cfg.HistoryDepth = 6
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 420
	}
	e := &Engine{
		baseCtx:    ctx,
		mgr:        mgr,
		completer:  completer,
		sender:     sender,
		classifier: intent.NewPatternClassifier(),
		cfg:        cfg,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Start opens a listening session for key.
func (e *Engine) Start(key domain.SessionKey) *domain.ListeningSession {
	return e.mgr.Start(key)
}

// Stop ends the listening session for key. Buffered text is discarded.
func (e *Engine) Stop(key domain.SessionKey) bool {
	return e.mgr.Stop(key)
}

// Reset clears the session for key in place.
func (e *Engine) Reset(key domain.SessionKey) bool {
	return e.mgr.Reset(key)
}

// Active reports whether key has a live listening session.
func (e *Engine) Active(key domain.SessionKey) bool {
	_, ok := e.mgr.Get(key)
	return ok
}

// HandleMessage routes one message into the listening session for key and
// reports whether a session consumed it. Crisis language is answered right
// away; everything else is buffered and a flush is (re)scheduled.
func (e *Engine) HandleMessage(key domain.SessionKey, text string) bool {
	if !e.Active(key) {
		return false
	}
	if e.IsCrisis(text) {
		merged, id, ok := e.mgr.CaptureCrisis(key, text)
		if !ok {
			return false
		}
		e.goTracked(func() {
			e.respondCrisis(e.baseCtx, key, id, merged, true)
		})
		return true
	}
	if !e.mgr.Append(key, text) {
		return false
	}
	e.mgr.Schedule(key, e.cfg.Debounce, func() {
		e.Flush(e.baseCtx, key)
	})
	return true
}

// Close cancels armed flushes and waits for running flushes, crisis replies
// and transcript writes to finish. Buffered text is kept.
func (e *Engine) Close() {
	if n := e.mgr.CancelAllPending(); n > 0 {
		e.logger.Info("Cancelled pending listening flushes", "count", n)
	}
	e.mgr.WaitFlushes()
	e.wg.Wait()
}

func (e *Engine) goTracked(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// Flush merges the buffered fragments for key into one turn and answers it.
// It is a no-op when the buffer is empty, which happens when a crisis reply
// already drained it.
func (e *Engine) Flush(ctx context.Context, key domain.SessionKey) {
	unlock := e.mgr.Lock(key)
	defer unlock()

	snap, ok := e.mgr.Get(key)
	if !ok || len(snap.Buffer) == 0 {
		return
	}
	fragments, _ := e.mgr.DrainBuffer(key)
	if len(fragments) == 0 {
		return
	}
	merged := strings.Join(fragments, "\n")

	if e.IsCrisis(merged) {
		e.answerCrisis(ctx, key, snap.ID, merged)
		return
	}

	phase := domain.PhaseAssessment
	if e.hasIntent(merged, intent.IntentSolutionRequest) {
		phase = domain.PhaseSolution
	}

	depth := e.cfg.HistoryDepth * 2
	raw, err := e.completer.Complete(ctx, completion.Request{
		Messages:    buildMessages(phase, e.cfg.NotesMaxChars, snap.Notes, snap.RecentHistory(depth), merged),
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: e.cfg.Temperature,
	})
	if err != nil && ctx.Err() != nil {
		e.logger.Info("Listening flush abandoned on shutdown", "channel_id", key.ChannelID, "user_id", key.UserID)
		return
	}

	reply, notes, failed := e.composeReply(key, phase, snap.Notes, raw, err)

	now := e.mgr.Now()
	updated, ok := e.mgr.Update(key, snap.ID, func(s *domain.ListeningSession) {
		s.Turns++
		s.Phase = phase
		s.LastActivityAt = now
		if failed {
			return
		}
		s.Notes = notes
		s.AppendHistory(depth,
			domain.Message{Role: domain.RoleUser, Content: merged},
			domain.Message{Role: domain.RoleAssistant, Content: reply},
		)
	})
	if !ok {
		e.logger.Info("Listening session ended during flush, discarding reply",
			"channel_id", key.ChannelID, "user_id", key.UserID, "session_id", snap.ID)
		return
	}

	out := reply
	if updated.Turns >= e.cfg.MaxTurns {
		e.mgr.Stop(key)
		out += e.autoStopSuffix(updated.Turns)
	}
	e.send(ctx, key, out)
	e.record(key, domain.Turn{
		Key:    key,
		Kind:   domain.TurnListening,
		Phase:  phase,
		Input:  merged,
		Reply:  reply,
		Failed: failed,
	})
}

func (e *Engine) composeReply(key domain.SessionKey, phase domain.Phase, oldNotes, raw string, err error) (reply, notes string, failed bool) {
	if err != nil {
		e.logger.Error("Listening completion failed",
			"channel_id", key.ChannelID, "user_id", key.UserID, "phase", phase, "error", err)
		return completion.FriendlyMessage(err), oldNotes, true
	}

	env, perr := parseEnvelope(raw)
	if perr != nil {
		e.logger.Warn("Listening reply envelope unparseable, using fallback",
			"channel_id", key.ChannelID, "user_id", key.UserID, "error", perr)
		return fallbackReply(phase), oldNotes, false
	}

	notes = oldNotes
	if env.Notes != "" {
		notes = capNotes(env.Notes, e.cfg.NotesMaxChars)
	}
	return env.Text(), notes, false
}

func (e *Engine) autoStopSuffix(turns int) string {
	return fmt.Sprintf("\n\n(Listening session auto-stopped after %d turns.)", turns)
}

func (e *Engine) hasIntent(text string, want intent.Intent) bool {
	return e.classifier.Has(text, want)
}

func (e *Engine) send(ctx context.Context, key domain.SessionKey, text string) {
	if err := transport.SendChunked(ctx, e.sender, key.ChannelID, text); err != nil {
		e.logger.Error("Failed to deliver listening reply", "channel_id", key.ChannelID, "user_id", key.UserID, "error", err)
	}
}

// record persists the turn asynchronously with its own timeout so a slow
// store never holds the turn lock.
func (e *Engine) record(key domain.SessionKey, turn domain.Turn) {
	if e.recorder == nil {
		return
	}
	turn.ID = uuid.NewString()
	turn.CreatedAt = e.mgr.Now()
	e.goTracked(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.recorder.RecordTurn(ctx, turn); err != nil {
			e.logger.Warn("Failed to record listening turn", "channel_id", key.ChannelID, "user_id", key.UserID, "error", err)
		}
	})
}
