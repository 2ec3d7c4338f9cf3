package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/BTreeMap/CounselPipe/internal/metrics"
	"github.com/BTreeMap/CounselPipe/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultGeminiModel is used when no Gemini model is configured.
const DefaultGeminiModel = "gemini-2.5-flash"

// ErrNoCandidates is returned when Gemini produced no usable candidate.
var ErrNoCandidates = errors.New("gemini returned no candidates")

// GeminiClient implements Generate using Google's Gemini API.
type GeminiClient struct {
	client      *genai.Client
	model       string
	temperature float32
	maxTokens   int32
	timeout     time.Duration
	metrics     *metrics.Metrics
}

// NewGeminiClient creates a Gemini client. The API key falls back to the
// GEMINI_API_KEY environment variable.
func NewGeminiClient(ctx context.Context, opts ...Option) (*GeminiClient, error) {
	cfg := applyOpts(opts)
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY: %w", ErrMissingAPIKey)
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultGeminiModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	slog.Debug("genai.NewGeminiClient: Gemini client created", "model", cfg.Model)
	return &GeminiClient{
		client:      client,
		model:       cfg.Model,
		temperature: float32(cfg.Temperature),
		maxTokens:   int32(cfg.MaxTokens),
		timeout:     cfg.Timeout,
		metrics:     cfg.Metrics,
	}, nil
}

// Generate sends the conversation to Gemini. System messages become the
// system instruction, the last message is sent and the rest is history.
func (c *GeminiClient) Generate(ctx context.Context, msgs []models.ChatMessage) (string, error) {
	system, history, last, err := geminiConversation(msgs)
	if err != nil {
		return "", err
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	ctx, span := tracer.Start(ctx, "genai.GeminiClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("genai.provider", "gemini"), attribute.String("genai.model", c.model))

	model := c.client.GenerativeModel(c.model)
	model.SetTemperature(c.temperature)
	if c.maxTokens > 0 {
		model.SetMaxOutputTokens(c.maxTokens)
	}
	if system != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(system))
	}
	cs := model.StartChat()
	cs.History = history

	start := time.Now()
	resp, err := cs.SendMessage(ctx, genai.Text(last))
	c.metrics.ObserveModelLatency("gemini", err == nil, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		slog.Error("GeminiClient.Generate: completion failed", "model", c.model, "error", err)
		return "", fmt.Errorf("gemini completion failed: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", ErrNoCandidates
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	return strings.TrimSpace(b.String()), nil
}

// Close releases resources held by the Gemini client.
func (c *GeminiClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// geminiConversation converts chat messages into Gemini's shape.
func geminiConversation(msgs []models.ChatMessage) (string, []*genai.Content, string, error) {
	system, rest := splitSystem(msgs)
	if len(rest) == 0 {
		return "", nil, "", ErrNoMessages
	}
	var history []*genai.Content
	for _, m := range rest[:len(rest)-1] {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		role := "user"
		if m.Role == models.RoleAssistant {
			role = "model"
		}
		history = append(history, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(content)}})
	}
	return system, history, rest[len(rest)-1].Content, nil
}
