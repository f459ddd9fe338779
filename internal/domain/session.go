// Package domain contains core domain types for the confidant bot.
package domain

import (
	"strconv"
	"time"
)

// SessionKey identifies one user inside one channel.
type SessionKey struct {
	ChannelID int64 `json:"channel_id"`
	UserID    int64 `json:"user_id"`
}

// String returns the canonical "channel:user" form of the key.
func (k SessionKey) String() string {
	return strconv.FormatInt(k.ChannelID, 10) + ":" + strconv.FormatInt(k.UserID, 10)
}

// Phase is the mode of a listening session.
type Phase string

const (
	// PhaseAssessment gathers context with reflective replies only.
	PhaseAssessment Phase = "assessment"
	// PhaseSolution gives explicit advice for a single turn.
	PhaseSolution Phase = "solution"
)

// ListeningSession holds the state of one listening conversation.
type ListeningSession struct {
	ID              string    `json:"id"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	Phase           Phase     `json:"phase"`
	Turns           int       `json:"turns"`
	History         []Message `json:"history,omitempty"`
	Notes           string    `json:"notes,omitempty"`
	Buffer          []string  `json:"buffer,omitempty"`
	BufferStartedAt time.Time `json:"buffer_started_at,omitempty"`
}

// NewListeningSession returns a fresh session in the assessment phase.
func NewListeningSession(id string, now time.Time) *ListeningSession {
	return &ListeningSession{
		ID:             id,
		CreatedAt:      now,
		LastActivityAt: now,
		Phase:          PhaseAssessment,
	}
}

// Clone returns a deep copy that is safe to read without the owner's lock.
func (s *ListeningSession) Clone() *ListeningSession {
	if s == nil {
		return nil
	}
	c := *s
	c.History = append([]Message(nil), s.History...)
	c.Buffer = append([]string(nil), s.Buffer...)
	return &c
}

// Clear resets everything except the identity and creation time.
func (s *ListeningSession) Clear(now time.Time) {
	s.Phase = PhaseAssessment
	s.Turns = 0
	s.History = nil
	s.Notes = ""
	s.Buffer = nil
	s.BufferStartedAt = time.Time{}
	s.LastActivityAt = now
}

// AppendHistory appends entries and keeps only the last maxEntries.
func (s *ListeningSession) AppendHistory(maxEntries int, msgs ...Message) {
	s.History = append(s.History, msgs...)
	if maxEntries > 0 && len(s.History) > maxEntries {
		s.History = append([]Message(nil), s.History[len(s.History)-maxEntries:]...)
	}
}

// RecentHistory returns the last n history entries.
func (s *ListeningSession) RecentHistory(n int) []Message {
	if n <= 0 || n >= len(s.History) {
		return append([]Message(nil), s.History...)
	}
	return append([]Message(nil), s.History[len(s.History)-n:]...)
}

// Side is the debating position the bot takes in an argument session.
type Side string

const (
	SidePro  Side = "PRO"
	SideAnti Side = "ANTI"
)

// Opposite returns the position the user is assumed to hold.
func (s Side) Opposite() Side {
	if s == SidePro {
		return SideAnti
	}
	return SidePro
}

// ArgumentSession holds the state of one adversarial debate.
type ArgumentSession struct {
	ID             string    `json:"id"`
	Topic          string    `json:"topic"`
	Side           Side      `json:"side"`
	Turns          int       `json:"turns"`
	History        []string  `json:"history,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Clone returns a deep copy of the argument session.
func (s *ArgumentSession) Clone() *ArgumentSession {
	if s == nil {
		return nil
	}
	c := *s
	c.History = append([]string(nil), s.History...)
	return &c
}

// AppendHistory appends lines and keeps only the last maxEntries.
func (s *ArgumentSession) AppendHistory(maxEntries int, lines ...string) {
	s.History = append(s.History, lines...)
	if maxEntries > 0 && len(s.History) > maxEntries {
		s.History = append([]string(nil), s.History[len(s.History)-maxEntries:]...)
	}
}

// RecentHistory returns the last n history lines.
func (s *ArgumentSession) RecentHistory(n int) []string {
	if n <= 0 || n >= len(s.History) {
		return append([]string(nil), s.History...)
	}
	return append([]string(nil), s.History[len(s.History)-n:]...)
}
