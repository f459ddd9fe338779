package listening

import (
	"context"

	"github.com/confidant-bot/confidant/internal/domain"
	"github.com/confidant-bot/confidant/internal/intent"
)

// SafetyReply is sent whenever crisis language is detected. It never depends
// on a provider.
const SafetyReply = "I'm really sorry you're feeling this way, and I'm glad you said something. " +
	"If you are in immediate danger or might act on these thoughts, please call your local emergency number right now.\n" +
	"Please also reach out to someone you trust, like a friend, family member, or a local crisis line, and tell them what's going on.\n" +
	"You don't have to carry this alone. Is there someone you can contact right now?"

// HandleCrisis answers a crisis message that arrived outside the debounce
// path. Buffered fragments and the message are captured in arrival order,
// then the safety reply is sent under the key's turn lock. Without a
// session only the safety reply is sent.
func (e *Engine) HandleCrisis(ctx context.Context, key domain.SessionKey, text string) {
	merged, id, ok := e.mgr.CaptureCrisis(key, text)
	e.respondCrisis(ctx, key, id, merged, ok)
}

func (e *Engine) respondCrisis(ctx context.Context, key domain.SessionKey, sessionID, merged string, hasSession bool) {
	if !hasSession {
		e.send(ctx, key, SafetyReply)
		return
	}
	unlock := e.mgr.Lock(key)
	defer unlock()
	e.answerCrisis(ctx, key, sessionID, merged)
}

// answerCrisis records the crisis turn and delivers the safety reply. The
// caller holds the turn lock and has already drained the buffer.
func (e *Engine) answerCrisis(ctx context.Context, key domain.SessionKey, sessionID, merged string) {
	e.logger.Warn("Crisis language detected, sending safety reply",
		"channel_id", key.ChannelID, "user_id", key.UserID, "session_id", sessionID)

	now := e.mgr.Now()
	updated, ok := e.mgr.Update(key, sessionID, func(s *domain.ListeningSession) {
		s.Turns++
		s.Phase = domain.PhaseAssessment
		s.LastActivityAt = now
		s.AppendHistory(e.cfg.HistoryDepth*2,
			domain.Message{Role: domain.RoleUser, Content: merged},
			domain.Message{Role: domain.RoleAssistant, Content: SafetyReply},
		)
	})

	reply := SafetyReply
	if ok && updated.Turns >= e.cfg.MaxTurns {
		e.mgr.Stop(key)
		reply += e.autoStopSuffix(updated.Turns)
	}
	e.send(ctx, key, reply)
	e.record(key, domain.Turn{
		Key:    key,
		Kind:   domain.TurnListening,
		Phase:  domain.PhaseAssessment,
		Input:  merged,
		Reply:  SafetyReply,
		Crisis: true,
	})
}

// IsCrisis reports whether text contains crisis language.
func (e *Engine) IsCrisis(text string) bool {
	return e.hasIntent(text, intent.IntentCrisis)
}
