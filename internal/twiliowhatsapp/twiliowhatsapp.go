// Package twiliowhatsapp wraps the Twilio API for WhatsApp integration in CounselPipe.
package twiliowhatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	twilioClient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// AddressPrefix marks a WhatsApp address in Twilio's From/To fields.
const AddressPrefix = "whatsapp:"

// Sender sends WhatsApp text messages through Twilio.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token, also used to verify webhooks.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending number, e.g. "whatsapp:+14155238886".
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// Client wraps Twilio REST API for WhatsApp
type Client struct {
	client    *twilio.RestClient
	fromWhats string
}

// NewClient builds a client, falling back to TWILIO_* environment variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}
	if !strings.HasPrefix(cfg.FromWhats, AddressPrefix) {
		cfg.FromWhats = AddressPrefix + cfg.FromWhats
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Client{client: client, fromWhats: cfg.FromWhats}, nil
}

// SendMessage sends a WhatsApp message using Twilio API. to is an E.164 number.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(AddressPrefix + StripAddressPrefix(to))
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	if _, err := c.client.Api.CreateMessage(params); err != nil {
		slog.Error("Twilio SendMessage failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("Twilio message sent", "to", to)
	return nil
}

// StripAddressPrefix turns "whatsapp:+1555" into "+1555".
func StripAddressPrefix(addr string) string {
	return strings.TrimPrefix(strings.TrimSpace(addr), AddressPrefix)
}

// SignatureValidator checks the X-Twilio-Signature header of inbound webhooks.
type SignatureValidator struct {
	validator twilioClient.RequestValidator
}

// NewSignatureValidator creates a validator for the account's auth token.
func NewSignatureValidator(authToken string) *SignatureValidator {
	return &SignatureValidator{validator: twilioClient.NewRequestValidator(authToken)}
}

// Validate reports whether signature matches the full webhook URL and form.
func (v *SignatureValidator) Validate(fullURL string, form url.Values, signature string) bool {
	if signature == "" {
		return false
	}
	params := make(map[string]string, len(form))
	for k := range form {
		params[k] = form.Get(k)
	}
	return v.validator.Validate(fullURL, params, signature)
}

// MockClient records sends instead of calling Twilio (for tests).
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	Err          error
}

type SentMessage struct {
	To   string
	Body string
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}
