package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/CounselPipe/internal/models"
	"github.com/BTreeMap/CounselPipe/internal/twiliowhatsapp"
)

// TwilioService implements the Service interface using Twilio API.
// Inbound messages arrive through TwilioWebhookHandler.
type TwilioService struct {
	*textService
	client     twiliowhatsapp.Sender
	validator  *twiliowhatsapp.SignatureValidator
	webhookURL string
	now        func() time.Time
}

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithSignatureValidation rejects webhooks whose X-Twilio-Signature does not
// match webhookURL, the public URL Twilio posts to.
func WithSignatureValidation(v *twiliowhatsapp.SignatureValidator, webhookURL string) TwilioOption {
	return func(s *TwilioService) {
		s.validator = v
		s.webhookURL = webhookURL
	}
}

// NewTwilioService creates a new TwilioService around a Twilio client or MockClient.
func NewTwilioService(client twiliowhatsapp.Sender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{client: client, now: time.Now}
	s.textService = newTextService("TwilioService", client.SendMessage)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start is a no-op for Twilio (inbound traffic is pushed to the webhook).
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// TwilioWebhookHandler handles inbound Twilio webhook requests and emits
// them as events on the Events() channel.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService.TwilioWebhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.validator != nil {
		sig := r.Header.Get("X-Twilio-Signature")
		if !s.validator.Validate(s.webhookURL, r.PostForm, sig) {
			slog.Warn("TwilioService.TwilioWebhookHandler: invalid signature", "remote", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	from := twiliowhatsapp.StripAddressPrefix(r.PostFormValue("From"))
	body := r.PostFormValue("Body")
	if from == "" || body == "" {
		slog.Warn("TwilioService.TwilioWebhookHandler: missing fields", "from_set", from != "", "body_set", body != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	slog.Info("TwilioService.TwilioWebhookHandler: inbound message", "user", from, "body_length", len(body))
	ev := models.ParseInboundText(from, body, r.PostFormValue("MessageSid"), s.now())
	if !s.emit(ev) {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "<Response></Response>")
}
