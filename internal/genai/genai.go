// Package genai provides language model clients for CounselPipe.
//
// Client talks to the OpenAI chat completions API; GeminiClient talks to
// Google Gemini. Both implement Generate over provider-neutral chat messages.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/CounselPipe/internal/metrics"
	"github.com/BTreeMap/CounselPipe/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("counselpipe.internal.genai")

// Defaults for model requests.
const (
	DefaultOpenAIModel = openai.ChatModelGPT4oMini
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 512
)

var (
	// ErrNoChoicesReturned is returned when the model produced no choices.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrMissingAPIKey is returned when no API key is configured.
	ErrMissingAPIKey = errors.New("API key not set")
	// ErrNoMessages is returned when a request has nothing to send.
	ErrNoMessages = errors.New("at least one message is required")
)

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsAdapter adapts the SDK completion service to chatService.
type completionsAdapter struct {
	svc openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for model clients.
type Opts struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	Metrics     *metrics.Metrics
}

// Option configures a model client.
type Option func(*Opts)

// WithAPIKey sets the provider API key.
func WithAPIKey(key string) Option { return func(o *Opts) { o.APIKey = key } }

// WithModel sets the model identifier.
func WithModel(model string) Option { return func(o *Opts) { o.Model = model } }

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option { return func(o *Opts) { o.Temperature = t } }

// WithMaxTokens caps completion length.
func WithMaxTokens(n int) Option { return func(o *Opts) { o.MaxTokens = n } }

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option { return func(o *Opts) { o.Timeout = d } }

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option { return func(o *Opts) { o.Metrics = m } }

func applyOpts(opts []Option) Opts {
	cfg := Opts{Temperature: DefaultTemperature, MaxTokens: DefaultMaxTokens, Timeout: 60 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Client wraps the OpenAI ChatCompletion service.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxTokens   int
	timeout     time.Duration
	metrics     *metrics.Metrics
}

// NewClient initializes a new OpenAI client. The API key falls back to the
// OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	cfg := applyOpts(opts)
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY: %w", ErrMissingAPIKey)
	}
	if cfg.Model == "" {
		cfg.Model = string(DefaultOpenAIModel)
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("genai.NewClient: OpenAI client created", "model", cfg.Model)
	return &Client{
		chat:        completionsAdapter{svc: cli.Chat.Completions},
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
		metrics:     cfg.Metrics,
	}, nil
}

// Generate sends the chat messages and returns the first choice's content.
func (c *Client) Generate(ctx context.Context, msgs []models.ChatMessage) (string, error) {
	if len(msgs) == 0 {
		return "", ErrNoMessages
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	ctx, span := tracer.Start(ctx, "genai.Client.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("genai.provider", "openai"), attribute.String("genai.model", c.model))

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    toOpenAIMessages(msgs),
		Temperature: openai.Float(c.temperature),
	}
	if c.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(c.maxTokens))
	}

	start := time.Now()
	resp, err := c.chat.Create(ctx, params)
	c.metrics.ObserveModelLatency("openai", err == nil, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat completion failed")
		slog.Error("Client.Generate: chat completion failed", "model", c.model, "error", err)
		return "", fmt.Errorf("openai chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

func toOpenAIMessages(msgs []models.ChatMessage) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case models.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case models.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

// splitSystem separates leading system messages from the conversation.
func splitSystem(msgs []models.ChatMessage) (string, []models.ChatMessage) {
	var system []string
	var rest []models.ChatMessage
	for _, m := range msgs {
		if m.Role == models.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}
