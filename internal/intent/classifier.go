// Package intent classifies free-form chat text into the few intents that
// drive session behavior.
package intent

import (
	"regexp"
	"strings"
)

// Intent is the result of classifying one piece of text.
type Intent int

const (
	IntentNone Intent = iota
	IntentCrisis
	IntentSolutionRequest
	IntentArgumentStart
	IntentStop
)

func (i Intent) String() string {
	switch i {
	case IntentCrisis:
		return "crisis"
	case IntentSolutionRequest:
		return "solution_request"
	case IntentArgumentStart:
		return "argument_start"
	case IntentStop:
		return "stop"
	default:
		return "none"
	}
}

// Classifier maps text to intents. Classify picks the single highest
// priority intent; Has checks one intent regardless of priority.
type Classifier interface {
	Classify(text string) Intent
	Has(text string, want Intent) bool
}

var (
	crisisPattern = regexp.MustCompile(`(?i)\b(` +
		`suicid(e|al)|kill(ing)? myself|end(ing)? my life|take my (own )?life|` +
		`want(ed)? to die|wanna die|better off dead|no reason to live|` +
		`hurt(ing)? myself|harm(ing)? myself|self[- ]?harm|cut(ting)? myself|` +
		`overdose|don'?t want to (be alive|live|exist)` +
		`)\b`)

	solutionPattern = regexp.MustCompile(`(?i)(` +
		`what (should|do|can) i do|what would you do|` +
		`give( me)? (some )?(advice|solutions?|suggestions?)|` +
		`any (advice|suggestions?|solutions?)|` +
		`next steps?|how (do|can|should) i (fix|solve|handle|deal with)|` +
		`^\s*enough\s*[.!]*\s*$` +
		`)`)

	argumentPattern = regexp.MustCompile(`(?i)\b(argue|debate|fight) with me (about|on|over)\s+(?P<topic>.+)$`)

	stopPattern = regexp.MustCompile(`(?i)^\s*(stop|stop (listening|arguing|it)|end( session)?|i'?m done|that'?s all|bye)\s*[.!]*\s*$`)
)

// PatternClassifier classifies text with a fixed set of regular expressions.
// Crisis language always wins over any other match.
type PatternClassifier struct{}

// NewPatternClassifier returns the default regexp classifier.
func NewPatternClassifier() *PatternClassifier {
	return &PatternClassifier{}
}

// Classify returns the highest priority intent found in text.
func (PatternClassifier) Classify(text string) Intent {
	switch {
	case crisisPattern.MatchString(text):
		return IntentCrisis
	case stopPattern.MatchString(text):
		return IntentStop
	case argumentPattern.MatchString(text):
		return IntentArgumentStart
	case solutionPattern.MatchString(text):
		return IntentSolutionRequest
	default:
		return IntentNone
	}
}

// Has reports whether text carries want, see Matches.
func (PatternClassifier) Has(text string, want Intent) bool {
	return Matches(text, want)
}

// Matches reports whether text carries the given intent, independent of
// priority. Merged multi-line turns are checked line by line so an anchored
// pattern such as a bare "enough" still matches inside a buffer.
func Matches(text string, want Intent) bool {
	var re *regexp.Regexp
	switch want {
	case IntentCrisis:
		re = crisisPattern
	case IntentSolutionRequest:
		re = solutionPattern
	case IntentArgumentStart:
		re = argumentPattern
	case IntentStop:
		re = stopPattern
	default:
		return false
	}
	if re.MatchString(text) {
		return true
	}
	for _, line := range strings.Split(text, "\n") {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// ArgumentTopic extracts the topic from an "argue with me about X" request.
func ArgumentTopic(text string) (string, bool) {
	m := argumentPattern.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return "", false
	}
	topic := strings.TrimSpace(m[argumentPattern.SubexpIndex("topic")])
	topic = strings.TrimRight(topic, ".!?")
	if topic == "" {
		return "", false
	}
	return topic, true
}
