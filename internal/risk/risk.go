// Package risk estimates an advisory risk level for a dialogue. Assessments
// run detached from the turn that triggered them and only ever write the
// session's risk fields.
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/BTreeMap/CounselPipe/internal/metrics"
	"github.com/BTreeMap/CounselPipe/internal/models"
)

// HistoryPlaceholder is replaced by the formatted dialogue in the prompt template.
const HistoryPlaceholder = "{{ dialogue_history }}"

// DefaultPrompt is used when no prompt template file is configured.
const DefaultPrompt = `You review counseling conversations for safety.
Rate the user's current risk of harm to themselves or others on a scale of 0 to 3:
0 = no risk, 1 = low, 2 = moderate, 3 = high, requires immediate human attention.

Conversation:
{{ dialogue_history }}
Reply with JSON only: {"reason": "<one sentence>", "score": <0-3>}`

// Generator is the language model used for classification.
type Generator interface {
	Generate(ctx context.Context, msgs []models.ChatMessage) (string, error)
}

// ScoreWriter persists an assessment.
type ScoreWriter interface {
	UpdateRiskScore(userID string, score int, reason string) error
}

// Assessment is a parsed classifier reply.
type Assessment struct {
	Score  int    `json:"score"`
	Reason string `json:"reason"`
}

// Classifier runs risk assessments.
type Classifier struct {
	gen     Generator
	writer  ScoreWriter
	prompt  string
	metrics *metrics.Metrics
	wg      sync.WaitGroup
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithPrompt overrides the prompt template. It should contain HistoryPlaceholder.
func WithPrompt(p string) Option {
	return func(c *Classifier) {
		if strings.TrimSpace(p) != "" {
			c.prompt = p
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Classifier) { c.metrics = m }
}

// NewClassifier creates a Classifier that stores results through writer.
func NewClassifier(gen Generator, writer ScoreWriter, opts ...Option) *Classifier {
	c := &Classifier{gen: gen, writer: writer, prompt: DefaultPrompt}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AssessAsync starts an assessment on its own goroutine. The caller's
// cancellation does not stop it.
func (c *Classifier) AssessAsync(ctx context.Context, userID string, turns []models.Turn) {
	if c == nil || c.gen == nil {
		return
	}
	snapshot := append([]models.Turn(nil), turns...)
	detached := context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if _, err := c.Assess(detached, userID, snapshot); err != nil {
			slog.Error("Classifier.AssessAsync: assessment failed", "user", userID, "error", err)
		}
	}()
}

// Wait blocks until every started assessment has finished.
func (c *Classifier) Wait() {
	if c == nil {
		return
	}
	c.wg.Wait()
}

// Assess classifies the dialogue and writes the result.
func (c *Classifier) Assess(ctx context.Context, userID string, turns []models.Turn) (Assessment, error) {
	prompt := strings.ReplaceAll(c.prompt, HistoryPlaceholder, FormatHistory(turns))
	reply, err := c.gen.Generate(ctx, []models.ChatMessage{{Role: models.RoleUser, Content: prompt}})
	if err != nil {
		return Assessment{}, fmt.Errorf("risk model call failed: %w", err)
	}
	a, err := ParseAssessment(reply)
	if err != nil {
		return Assessment{}, err
	}
	if err := c.writer.UpdateRiskScore(userID, a.Score, a.Reason); err != nil {
		return a, fmt.Errorf("failed to store risk score: %w", err)
	}
	c.metrics.ObserveRisk(strconv.Itoa(a.Score))
	slog.Info("Classifier.Assess: risk level updated", "user", userID, "score", a.Score, "reason", a.Reason)
	return a, nil
}

// FormatHistory renders turns as "Speaker: text" lines, skipping markers.
func FormatHistory(turns []models.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		if t.Terminal {
			continue
		}
		label := "User"
		if t.Speaker != models.SpeakerUser {
			label = "Counselor"
		}
		fmt.Fprintf(&b, "%s: %s\n", label, t.Text)
	}
	return b.String()
}

// ParseAssessment decodes a classifier reply, tolerating code fences and
// scores sent as strings or fractions. The score is clamped to 0..3.
func ParseAssessment(reply string) (Assessment, error) {
	content := strings.TrimSpace(reply)
	if strings.Contains(content, "```") {
		content = strings.ReplaceAll(content, "```json", "")
		content = strings.TrimSpace(strings.ReplaceAll(content, "```", ""))
	}
	var raw struct {
		Score  json.Number `json:"score"`
		Reason string      `json:"reason"`
	}
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return Assessment{}, fmt.Errorf("failed to parse risk reply: %w", err)
	}
	score := 0
	if raw.Score != "" {
		f, err := raw.Score.Float64()
		if err != nil {
			return Assessment{}, fmt.Errorf("invalid risk score %q: %w", raw.Score, err)
		}
		score = int(math.Round(f))
	}
	return Assessment{Score: models.ClampRisk(score), Reason: raw.Reason}, nil
}
