package listening

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/confidant-bot/confidant/internal/domain"
)

const envelopeFormat = `Always answer in exactly this format and nothing else:
REPLY:
<line 1: a short reflection or summary of what they said>
<line 2: %s>
<line 3: exactly one gentle follow-up question>
NOTES:
<updated running notes about the person's situation, at most %d characters>`

const assessmentPrompt = `You are a calm, supportive listener in a chat server.
Right now you are only gathering context. Do not give advice, solutions or
instructions. Reflect what the person said, validate how they feel, and ask
one open question that helps them say more. Keep every line short.`

const solutionPrompt = `You are a calm, supportive listener in a chat server.
The person has explicitly asked for advice. Using everything in the notes and
the conversation, give two or three concrete, realistic next steps on the
second line, separated by semicolons. Stay warm and brief.`

var errMalformedEnvelope = errors.New("malformed reply envelope")

var (
	envelopePattern = regexp.MustCompile(`(?is)REPLY:\s*(.*?)\s*(?:NOTES:\s*(.*))?$`)
	listMarker      = regexp.MustCompile(`(?i)^\s*(?:[-*•]|\d+[.)]|line\s*\d+\s*:)\s*`)
)

// Envelope is the parsed provider reply.
type Envelope struct {
	Lines [3]string
	Notes string
}

// Text joins the three reply lines.
func (e Envelope) Text() string {
	return strings.Join(e.Lines[:], "\n")
}

func systemPrompt(phase domain.Phase, notesMax int) string {
	base, second := assessmentPrompt, "a brief validation or elaboration"
	if phase == domain.PhaseSolution {
		base, second = solutionPrompt, "the concrete next steps"
	}
	return base + "\n\n" + fmt.Sprintf(envelopeFormat, second, notesMax)
}

// buildMessages assembles the provider prompt for one flush.
func buildMessages(phase domain.Phase, notesMax int, notes string, history []domain.Message, merged string) []domain.Message {
	msgs := make([]domain.Message, 0, len(history)+3)
	msgs = append(msgs, domain.Message{Role: domain.RoleSystem, Content: systemPrompt(phase, notesMax)})
	if notes = strings.TrimSpace(notes); notes != "" {
		msgs = append(msgs, domain.Message{Role: domain.RoleSystem, Content: "Running notes so far:\n" + notes})
	}
	msgs = append(msgs, history...)
	msgs = append(msgs, domain.Message{Role: domain.RoleUser, Content: merged})
	return msgs
}

// parseEnvelope extracts the three reply lines and the notes block. A reply
// with more than three lines keeps the first and last and folds the middle
// ones into line two.
func parseEnvelope(raw string) (Envelope, error) {
	m := envelopePattern.FindStringSubmatch(raw)
	if m == nil {
		return Envelope{}, errMalformedEnvelope
	}

	var lines []string
	for _, line := range strings.Split(m[1], "\n") {
		line = strings.TrimSpace(listMarker.ReplaceAllString(line, ""))
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) < 3 {
		return Envelope{}, fmt.Errorf("%w: got %d reply lines", errMalformedEnvelope, len(lines))
	}

	var env Envelope
	env.Lines[0] = lines[0]
	env.Lines[1] = strings.Join(lines[1:len(lines)-1], " ")
	env.Lines[2] = lines[len(lines)-1]
	env.Notes = strings.TrimSpace(m[2])
	return env, nil
}

// fallbackReply is used when the provider envelope cannot be parsed.
func fallbackReply(phase domain.Phase) string {
	if phase == domain.PhaseSolution {
		return strings.Join([]string{
			"It sounds like you are ready to work out what to do next.",
			"A good start is to pick the one part that feels most urgent and take one small step on it today.",
			"Which part would you like to tackle first?",
		}, "\n")
	}
	return strings.Join([]string{
		"I hear you, and it sounds like a lot is going on.",
		"There's no rush to sort it all out at once; I'm here and listening.",
		"What feels like the heaviest part of this for you right now?",
	}, "\n")
}

// capNotes truncates notes to maxRunes, ending with an ellipsis when cut.
func capNotes(notes string, maxRunes int) string {
	notes = strings.TrimSpace(notes)
	r := []rune(notes)
	if maxRunes <= 0 || len(r) <= maxRunes {
		return notes
	}
	if maxRunes == 1 {
		return "…"
	}
	return strings.TrimRight(string(r[:maxRunes-1]), " ") + "…"
}
