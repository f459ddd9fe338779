package domain

import (
	"context"
	"time"
)

// Message roles understood by chat-completion providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single role-tagged chat entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TurnKind identifies which feature produced a transcript turn.
type TurnKind string

const (
	TurnListening TurnKind = "listening"
	TurnArgument  TurnKind = "argument"
	TurnAsk       TurnKind = "ask"
	TurnSummary   TurnKind = "summary"
)

// Turn is one completed request/response cycle recorded for audit.
type Turn struct {
	ID        string     `json:"id"`
	Key       SessionKey `json:"key"`
	Kind      TurnKind   `json:"kind"`
	Phase     Phase      `json:"phase,omitempty"`
	Input     string     `json:"input"`
	Reply     string     `json:"reply"`
	Crisis    bool       `json:"crisis"`
	Failed    bool       `json:"failed"`
	CreatedAt time.Time  `json:"created_at"`
}

// TurnRecorder persists completed turns for audit. Recording is best-effort
// and never drives session state.
type TurnRecorder interface {
	RecordTurn(ctx context.Context, turn Turn) error
}
