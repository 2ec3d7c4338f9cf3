// Package synth produces assistant replies by rejection sampling a language
// model against a repetition gate.
//
// Each attempt builds a prompt from the instruction, one randomly drawn
// exemplar and the dialogue history, then filters the candidate: markup is
// rejected, a terminal marker is detected and removed, the reply is cut to its
// first paragraph, and a candidate too similar to the previous assistant turn
// is kept only as a fallback.
package synth

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/BTreeMap/CounselPipe/internal/metrics"
	"github.com/BTreeMap/CounselPipe/internal/models"
)

var tracer = otel.Tracer("counselpipe.internal.synth")

// Defaults for the synthesizer.
const (
	DefaultAttempts       = 3
	DefaultThreshold      = 40.0
	DefaultDisallowed     = "*#-_"
	DefaultTerminalMarker = "[Dialogue Finished]"
	DefaultApology        = "Sorry, I could not come up with a reply just now. Please try again."
)

// Outcome labels reported to metrics.
const (
	OutcomeAccepted   = "accepted"
	OutcomeBestEffort = "best_effort"
	OutcomeApology    = "apology"
)

// Generator is a language model that turns chat messages into one reply.
type Generator interface {
	Generate(ctx context.Context, msgs []models.ChatMessage) (string, error)
}

// Result is the outcome of one synthesis.
type Result struct {
	Text     string
	Terminal bool
	// Accepted is false when no candidate passed the similarity gate; Text is
	// then the least similar surviving candidate or the apology.
	Accepted bool
	Attempts int
	Score    float64
	Outcome  string
}

// Opts holds synthesizer configuration.
type Opts struct {
	Attempts       int
	Threshold      float64
	Disallowed     string
	TerminalMarker string
	Apology        string
	Instruction    string
	Exemplars      []string
	Rand           *rand.Rand
	Metrics        *metrics.Metrics
}

// Option configures a Synthesizer.
type Option func(*Opts)

// WithAttempts sets the retry budget.
func WithAttempts(n int) Option { return func(o *Opts) { o.Attempts = n } }

// WithThreshold sets the similarity threshold on the 0 to 100 scale.
func WithThreshold(t float64) Option { return func(o *Opts) { o.Threshold = t } }

// WithDisallowed sets the characters whose presence rejects a candidate.
func WithDisallowed(chars string) Option { return func(o *Opts) { o.Disallowed = chars } }

// WithTerminalMarker sets the marker that ends a dialogue.
func WithTerminalMarker(m string) Option { return func(o *Opts) { o.TerminalMarker = m } }

// WithApology sets the text returned when nothing usable was produced.
func WithApology(s string) Option { return func(o *Opts) { o.Apology = s } }

// WithInstruction sets the system instruction prepended to every attempt.
func WithInstruction(s string) Option { return func(o *Opts) { o.Instruction = s } }

// WithExemplars sets the exemplar pool.
func WithExemplars(ex []string) Option { return func(o *Opts) { o.Exemplars = ex } }

// WithRand sets the random source used for exemplar selection.
func WithRand(r *rand.Rand) Option { return func(o *Opts) { o.Rand = r } }

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option { return func(o *Opts) { o.Metrics = m } }

// Synthesizer generates replies. It is safe for concurrent use.
type Synthesizer struct {
	gen  Generator
	opts Opts
	mu   sync.Mutex // guards opts.Rand
}

// New creates a Synthesizer over gen.
func New(gen Generator, opts ...Option) *Synthesizer {
	o := Opts{
		Attempts:       DefaultAttempts,
		Threshold:      DefaultThreshold,
		Disallowed:     DefaultDisallowed,
		TerminalMarker: DefaultTerminalMarker,
		Apology:        DefaultApology,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Attempts < 1 {
		o.Attempts = 1
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Synthesizer{gen: gen, opts: o}
}

// Apology returns the configured fallback text.
func (s *Synthesizer) Apology() string { return s.opts.Apology }

// TerminalMarker returns the configured terminal marker.
func (s *Synthesizer) TerminalMarker() string { return s.opts.TerminalMarker }

type candidate struct {
	text     string
	terminal bool
	score    float64
}

// Synthesize generates a reply for the dialogue so far. history holds the
// turns of the current dialogue instance, oldest first, including the
// latest user turn.
func (s *Synthesizer) Synthesize(ctx context.Context, history []models.Turn) Result {
	ctx, span := tracer.Start(ctx, "synth.Synthesize")
	defer span.End()

	prev := StripAnnotations(lastAssistantText(history))
	chat := models.TurnsToChat(history)

	var best *candidate
	attempts := 0
	for attempts < s.opts.Attempts {
		attempts++
		msgs := s.buildMessages(chat)

		raw, err := s.gen.Generate(ctx, msgs)
		if err != nil {
			slog.Warn("Synthesizer.Synthesize: model call failed", "attempt", attempts, "error", err)
			span.RecordError(err)
			continue
		}
		c, ok := s.filter(raw)
		if !ok {
			slog.Debug("Synthesizer.Synthesize: candidate rejected", "attempt", attempts)
			continue
		}
		c.score = Similarity(StripAnnotations(c.text), prev)
		if c.score < s.opts.Threshold {
			span.SetAttributes(attribute.Int("synth.attempts", attempts), attribute.String("synth.outcome", OutcomeAccepted))
			s.opts.Metrics.ObserveSynth(OutcomeAccepted, attempts)
			return Result{Text: c.text, Terminal: c.terminal, Accepted: true, Attempts: attempts, Score: c.score, Outcome: OutcomeAccepted}
		}
		slog.Debug("Synthesizer.Synthesize: candidate too similar", "attempt", attempts, "score", c.score)
		if best == nil || c.score < best.score {
			cc := c
			best = &cc
		}
	}

	if best != nil {
		slog.Warn("Synthesizer.Synthesize: budget exhausted, using least similar candidate", "attempts", attempts, "score", best.score)
		span.SetAttributes(attribute.Int("synth.attempts", attempts), attribute.String("synth.outcome", OutcomeBestEffort))
		s.opts.Metrics.ObserveSynth(OutcomeBestEffort, attempts)
		return Result{Text: best.text, Terminal: best.terminal, Attempts: attempts, Score: best.score, Outcome: OutcomeBestEffort}
	}

	slog.Error("Synthesizer.Synthesize: no usable candidate", "attempts", attempts)
	span.SetStatus(codes.Error, "no usable candidate")
	s.opts.Metrics.ObserveSynth(OutcomeApology, attempts)
	return Result{Text: s.opts.Apology, Attempts: attempts, Outcome: OutcomeApology}
}

// filter applies the markup, terminal and paragraph rules to a raw reply.
func (s *Synthesizer) filter(raw string) (candidate, bool) {
	if s.opts.Disallowed != "" && strings.ContainsAny(raw, s.opts.Disallowed) {
		return candidate{}, false
	}
	var c candidate
	text := raw
	if s.opts.TerminalMarker != "" && strings.Contains(text, s.opts.TerminalMarker) {
		c.terminal = true
		text = strings.ReplaceAll(text, s.opts.TerminalMarker, "")
	}
	text = firstParagraph(text)
	if text == "" && !c.terminal {
		return candidate{}, false
	}
	c.text = text
	return c, true
}

func (s *Synthesizer) buildMessages(chat []models.ChatMessage) []models.ChatMessage {
	system := s.opts.Instruction
	if ex := s.pickExemplar(); ex != "" {
		if system != "" {
			system += "\n\n"
		}
		system += ex
	}
	msgs := make([]models.ChatMessage, 0, len(chat)+1)
	if system != "" {
		msgs = append(msgs, models.ChatMessage{Role: models.RoleSystem, Content: system})
	}
	return append(msgs, chat...)
}

func (s *Synthesizer) pickExemplar() string {
	if len(s.opts.Exemplars) == 0 {
		return ""
	}
	s.mu.Lock()
	i := s.opts.Rand.IntN(len(s.opts.Exemplars))
	s.mu.Unlock()
	return s.opts.Exemplars[i]
}

// firstParagraph trims text and cuts it at the first blank line.
func firstParagraph(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "\n\n"); i >= 0 {
		text = text[:i]
	}
	return strings.TrimSpace(text)
}

// lastAssistantText returns the most recent non-user, non-terminal turn text.
func lastAssistantText(history []models.Turn) string {
	for i := len(history) - 1; i >= 0; i-- {
		t := history[i]
		if t.Terminal || t.Speaker == models.SpeakerUser {
			continue
		}
		return t.Text
	}
	return ""
}
