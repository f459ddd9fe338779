// Package ask answers one-shot prompts with a short per-channel memory.
package ask

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/confidant-bot/confidant/internal/completion"
	"github.com/confidant-bot/confidant/internal/domain"
)

// SystemPrompt frames every ask request.
const SystemPrompt = "You are a helpful assistant for a community chat server. " +
	"Answer clearly in <=120 words unless the user asks for a long response, " +
	"and avoid unsafe or illegal instructions."

const (
	temperature        = 0.5
	summaryTemperature = 0.2
	summaryLineRunes   = 280
)

// Service keeps a bounded conversation per channel.
type Service struct {
	completer        completion.Completer
	recorder         domain.TurnRecorder
	maxTokens        int
	summaryMaxTokens int
	maxHistory       int
	logger           *slog.Logger
	wg               sync.WaitGroup

	mu      sync.Mutex
	history map[int64][]domain.Message
}

// Option configures a Service.
type Option func(*Service)

// WithSummaryMaxTokens sets the token budget of channel summaries.
func WithSummaryMaxTokens(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.summaryMaxTokens = n
		}
	}
}

// NewService creates an ask service. maxHistory is counted in exchanges;
// the memory holds twice as many messages.
func NewService(completer completion.Completer, maxTokens, maxHistory int, recorder domain.TurnRecorder, logger *slog.Logger, opts ...Option) *Service {
	if maxTokens <= 0 {
		maxTokens = 260
	}
	if maxHistory < 1 {
		maxHistory = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		completer:        completer,
		recorder:         recorder,
		maxTokens:        maxTokens,
		summaryMaxTokens: 320,
		maxHistory:       maxHistory,
		logger:           logger,
		history:          make(map[int64][]domain.Message),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ask sends prompt with the channel memory and stores the exchange on
// success. Errors are returned as friendly text.
func (s *Service) Ask(ctx context.Context, key domain.SessionKey, prompt string) (string, bool) {
	prompt = strings.TrimSpace(prompt)

	s.mu.Lock()
	prior := append([]domain.Message(nil), s.history[key.ChannelID]...)
	s.mu.Unlock()

	msgs := make([]domain.Message, 0, len(prior)+2)
	msgs = append(msgs, domain.Message{Role: domain.RoleSystem, Content: SystemPrompt})
	msgs = append(msgs, prior...)
	msgs = append(msgs, domain.Message{Role: domain.RoleUser, Content: prompt})

	reply, err := s.completer.Complete(ctx, completion.Request{
		Messages:    msgs,
		MaxTokens:   s.maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		s.logger.Error("Ask completion failed", "channel_id", key.ChannelID, "user_id", key.UserID, "error", err)
		s.record(key, domain.TurnAsk, prompt, completion.FriendlyMessage(err), true)
		return completion.FriendlyMessage(err), false
	}

	s.mu.Lock()
	h := append(s.history[key.ChannelID],
		domain.Message{Role: domain.RoleUser, Content: prompt},
		domain.Message{Role: domain.RoleAssistant, Content: reply},
	)
	if limit := s.maxHistory * 2; len(h) > limit {
		h = append([]domain.Message(nil), h[len(h)-limit:]...)
	}
	s.history[key.ChannelID] = h
	s.mu.Unlock()

	s.record(key, domain.TurnAsk, prompt, reply, false)
	return reply, true
}

// Summarize asks for a short bullet summary of transcript, given oldest
// first as "author: text" lines. It does not touch the channel memory.
func (s *Service) Summarize(ctx context.Context, key domain.SessionKey, transcript []string) (string, bool) {
	lines := make([]string, 0, len(transcript))
	for _, l := range transcript {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if r := []rune(l); len(r) > summaryLineRunes {
			l = string(r[:summaryLineRunes])
		}
		lines = append(lines, l)
	}
	prompt := "Summarize this chat in short bullet points.\n" +
		"Include: key topics, decisions, and any action items.\n\n" +
		strings.Join(lines, "\n")

	summary, err := s.completer.Complete(ctx, completion.Request{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: SystemPrompt},
			{Role: domain.RoleUser, Content: prompt},
		},
		MaxTokens:   s.summaryMaxTokens,
		Temperature: summaryTemperature,
	})
	if err != nil {
		s.logger.Error("Summary completion failed", "channel_id", key.ChannelID, "lines", len(lines), "error", err)
		s.record(key, domain.TurnSummary, prompt, completion.FriendlyMessage(err), true)
		return completion.FriendlyMessage(err), false
	}
	s.record(key, domain.TurnSummary, prompt, summary, false)
	return summary, true
}

// Wait blocks until pending transcript writes have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Reset forgets the memory of one channel.
func (s *Service) Reset(channelID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.history, channelID)
}

// History returns a copy of the channel memory.
func (s *Service) History(channelID int64) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message(nil), s.history[channelID]...)
}

func (s *Service) record(key domain.SessionKey, kind domain.TurnKind, input, reply string, failed bool) {
	if s.recorder == nil {
		return
	}
	turn := domain.Turn{
		ID:        uuid.NewString(),
		Key:       key,
		Kind:      kind,
		Input:     input,
		Reply:     reply,
		Failed:    failed,
		CreatedAt: time.Now(),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.recorder.RecordTurn(ctx, turn); err != nil {
			s.logger.Warn("Failed to record ask turn", "channel_id", key.ChannelID, "kind", kind, "error", err)
		}
	}()
}
