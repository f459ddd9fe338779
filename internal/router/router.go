// Package router decides what an inbound chat message means: a prefix
// command, a turn in an active session, or nothing the bot should handle.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/confidant-bot/confidant/internal/argument"
	"github.com/confidant-bot/confidant/internal/ask"
	"github.com/confidant-bot/confidant/internal/config"
	"github.com/confidant-bot/confidant/internal/domain"
	"github.com/confidant-bot/confidant/internal/intent"
	"github.com/confidant-bot/confidant/internal/listening"
	"github.com/confidant-bot/confidant/internal/transport"
)

// ModelCatalog exposes the active provider's models.
type ModelCatalog interface {
	Provider() config.ProviderConfig
	FreeModels(ctx context.Context, limit int) ([]string, int, error)
}

// Deps are the collaborators a Router dispatches to.
type Deps struct {
	Listening  *listening.Engine
	Arguments  *argument.Controller
	Ask        *ask.Service
	Models     ModelCatalog
	Sender     transport.Sender
	History    transport.HistoryReader
	Limiter    *RateLimiter
	Classifier intent.Classifier
	Prefix     string
	Logger     *slog.Logger

	// SummaryLimiter is the separate cooldown of channel summaries.
	SummaryLimiter *RateLimiter
}

// Router dispatches inbound messages. Provider-backed work runs on
// background goroutines bound to the router's base context.
type Router struct {
	Deps
	baseCtx context.Context
	wg      sync.WaitGroup
}

// New creates a router. ctx bounds every background reply.
func New(ctx context.Context, deps Deps) *Router {
	if deps.Prefix == "" {
		deps.Prefix = "&"
	}
	if deps.Classifier == nil {
		deps.Classifier = intent.NewPatternClassifier()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Router{Deps: deps, baseCtx: ctx}
}

// Wait blocks until all background replies have finished.
func (r *Router) Wait() {
	r.wg.Wait()
}

// Handle processes one inbound message and reports whether the bot consumed
// it. Unconsumed messages fall through to whatever else the host runs.
func (r *Router) Handle(ctx context.Context, msg transport.InboundMessage) bool {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return false
	}
	key := domain.SessionKey{ChannelID: msg.ChannelID, UserID: msg.UserID}

	if strings.HasPrefix(text, r.Prefix) {
		if r.command(ctx, key, strings.TrimSpace(text[len(r.Prefix):])) {
			return true
		}
	}

	if r.Arguments.Active(key) {
		if r.Classifier.Classify(text) == intent.IntentStop {
			r.Arguments.Stop(key)
			r.reply(ctx, key.ChannelID, "Argument ended. Good debate!")
			return true
		}
		r.async(func(ctx context.Context) {
			if reply, ok := r.Arguments.Turn(ctx, key, text); ok {
				r.reply(ctx, key.ChannelID, reply)
			}
		})
		return true
	}

	if r.Listening.Active(key) {
		if r.Classifier.Classify(text) == intent.IntentStop {
			r.Listening.Stop(key)
			r.reply(ctx, key.ChannelID, "Okay, I've stopped listening. Take care of yourself.")
			return true
		}
		return r.Listening.HandleMessage(key, text)
	}

	if msg.Addressed == nil {
		return false
	}
	addressed := strings.TrimSpace(*msg.Addressed)
	switch r.Classifier.Classify(addressed) {
	case intent.IntentCrisis:
		r.async(func(ctx context.Context) {
			r.Listening.HandleCrisis(ctx, key, addressed)
		})
		return true
	case intent.IntentArgumentStart:
		topic, ok := intent.ArgumentTopic(addressed)
		if !ok {
			return false
		}
		r.startArgument(ctx, key, topic)
		return true
	}
	return false
}

func (r *Router) command(ctx context.Context, key domain.SessionKey, line string) bool {
	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(name) {
	case "listen":
		if !r.allow(ctx, key, r.Limiter) {
			return true
		}
		r.Listening.Start(key)
		r.reply(ctx, key.ChannelID, fmt.Sprintf("I'm listening. Take your time; I'll answer once you pause. "+
			"Ask `what should I do?` when you want advice, and say `stop` or `%sstop` when you're done.", r.Prefix))
	case "stop":
		stopped := r.Listening.Stop(key)
		stopped = r.Arguments.Stop(key) || stopped
		if stopped {
			r.reply(ctx, key.ChannelID, "Session stopped.")
		} else {
			r.reply(ctx, key.ChannelID, "There is no active session to stop.")
		}
	case "reset":
		if r.Listening.Reset(key) {
			r.reply(ctx, key.ChannelID, "Listening session cleared. I'm still here.")
		} else {
			r.reply(ctx, key.ChannelID, fmt.Sprintf("No active listening session. Use `%slisten` to start one.", r.Prefix))
		}
	case "argue", "debate":
		if rest == "" {
			r.reply(ctx, key.ChannelID, fmt.Sprintf("Usage: `%sargue <topic>`", r.Prefix))
			return true
		}
		if !r.allow(ctx, key, r.Limiter) {
			return true
		}
		r.startArgument(ctx, key, rest)
	case "ai", "ask":
		if rest == "" {
			r.reply(ctx, key.ChannelID, fmt.Sprintf("Usage: `%sai <prompt>`", r.Prefix))
			return true
		}
		if !r.allow(ctx, key, r.Limiter) {
			return true
		}
		r.async(func(ctx context.Context) {
			reply, _ := r.Ask.Ask(ctx, key, rest)
			r.reply(ctx, key.ChannelID, reply)
		})
	case "aireset":
		r.Ask.Reset(key.ChannelID)
		r.reply(ctx, key.ChannelID, "AI memory has been cleared for this channel.")
	case "aimodel":
		p := r.Models.Provider()
		model := p.Model
		if model == "" {
			model = "(not set)"
		}
		r.reply(ctx, key.ChannelID, fmt.Sprintf("Provider: `%s`\nConfigured model: `%s`\nFallbacks: `%s`",
			p.Name, model, strings.Join(p.FallbackModels, ", ")))
	case "aimodels":
		limit := 15
		if rest != "" {
			n, err := strconv.Atoi(rest)
			if err != nil || n < 1 || n > 40 {
				r.reply(ctx, key.ChannelID, "`limit` must be between `1` and `40`.")
				return true
			}
			limit = n
		}
		r.async(func(ctx context.Context) {
			r.reply(ctx, key.ChannelID, r.freeModelsText(ctx, limit))
		})
	case "aisummary", "aisummarise", "summary":
		count := 25
		if rest != "" {
			n, err := strconv.Atoi(rest)
			if err != nil || n < 5 || n > 100 {
				r.reply(ctx, key.ChannelID, "`count` must be between `5` and `100`.")
				return true
			}
			count = n
		}
		if r.History == nil {
			r.reply(ctx, key.ChannelID, "Channel history is not available here.")
			return true
		}
		if !r.allow(ctx, key, r.SummaryLimiter) {
			return true
		}
		r.async(func(ctx context.Context) {
			r.reply(ctx, key.ChannelID, r.summaryText(ctx, key, count))
		})
	case "help":
		r.reply(ctx, key.ChannelID, r.helpText())
	default:
		return false
	}
	return true
}

func (r *Router) startArgument(_ context.Context, key domain.SessionKey, topic string) {
	r.async(func(ctx context.Context) {
		text, err := r.Arguments.Start(ctx, key, topic)
		if err != nil {
			r.reply(ctx, key.ChannelID, "Couldn't start the argument: "+err.Error())
			return
		}
		r.reply(ctx, key.ChannelID, text)
	})
}

func (r *Router) freeModelsText(ctx context.Context, limit int) string {
	free, total, err := r.Models.FreeModels(ctx, limit)
	if err != nil {
		r.Logger.Error("Failed to fetch models", "error", err)
		return "Failed to fetch models right now. Try again later."
	}
	if total == 0 {
		return "No `:free` models found right now."
	}
	var b strings.Builder
	b.WriteString("Available free models:")
	for _, m := range free {
		fmt.Fprintf(&b, "\n- `%s`", m)
	}
	if total > len(free) {
		fmt.Fprintf(&b, "\n...and `%d` more.", total-len(free))
	}
	return b.String()
}

func (r *Router) summaryText(ctx context.Context, key domain.SessionKey, count int) string {
	lines, err := r.History.RecentMessages(ctx, key.ChannelID, count)
	if err != nil {
		r.Logger.Error("Failed to read channel history", "channel_id", key.ChannelID, "error", err)
		return "Couldn't read recent messages right now. Try again later."
	}
	transcript := make([]string, 0, len(lines))
	for _, l := range lines {
		text := strings.TrimSpace(l.Text)
		if l.Bot || text == "" {
			continue
		}
		transcript = append(transcript, l.Author+": "+text)
	}
	if len(transcript) == 0 {
		return "Not enough recent user messages to summarize."
	}
	summary, ok := r.Ask.Summarize(ctx, key, transcript)
	if !ok {
		return summary
	}
	return fmt.Sprintf("Summary of last `%d` messages:\n%s", len(transcript), summary)
}

func (r *Router) helpText() string {
	p := r.Prefix
	return strings.Join([]string{
		"**Listening**",
		"`" + p + "listen` - Start a listening session. I gather context and reply after you pause.",
		"`" + p + "stop` - End your listening or argument session.",
		"`" + p + "reset` - Clear your listening session but keep it open.",
		"",
		"**Argument**",
		"`" + p + "argue <topic>` - I take a side and debate you for a fixed number of turns.",
		"",
		"**AI**",
		"`" + p + "ai <prompt>` - Ask AI with per-channel memory.",
		"`" + p + "aireset` - Clear AI memory for this channel.",
		"`" + p + "aimodel` - Show the active model.",
		"`" + p + "aimodels [limit]` - List currently available free models.",
		"`" + p + "aisummary [count]` - Summarize the last messages in this channel.",
	}, "\n")
}

// allow applies a per-user cooldown and tells the user when they hit it.
func (r *Router) allow(ctx context.Context, key domain.SessionKey, limiter *RateLimiter) bool {
	if limiter == nil {
		return true
	}
	ok, retry := limiter.Allow(key.UserID)
	if !ok {
		secs := int(math.Ceil(retry.Seconds()))
		if secs < 1 {
			secs = 1
		}
		r.reply(ctx, key.ChannelID, fmt.Sprintf("Slow down a little. Try again in %ds.", secs))
	}
	return ok
}

func (r *Router) async(fn func(ctx context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn(r.baseCtx)
	}()
}

func (r *Router) reply(ctx context.Context, channelID int64, text string) {
	if err := transport.SendChunked(ctx, r.Sender, channelID, text); err != nil {
		r.Logger.Error("Failed to send reply", "channel_id", channelID, "error", err)
	}
}
