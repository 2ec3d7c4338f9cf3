// Package payments handles the payment processor's checkout webhook: it
// verifies the Stripe-style signature, suppresses redelivered events and
// credits the purchased counseling time.
package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/CounselPipe/internal/store"
)

// EventCheckoutCompleted is the only event type that credits time.
const EventCheckoutCompleted = "checkout.session.completed"

// DefaultTolerance bounds the age of a signed timestamp.
const DefaultTolerance = 5 * time.Minute

// SignatureHeader carries the webhook signature.
const SignatureHeader = "Stripe-Signature"

const maxPayloadBytes = 1 << 20

var (
	// ErrInvalidSignature is returned when a payload's signature does not verify.
	ErrInvalidSignature = errors.New("invalid payment webhook signature")
	// ErrMissingMetadata is returned when a checkout lacks the user or time.
	ErrMissingMetadata = errors.New("checkout metadata missing user_id or time")
)

// Crediter adds purchased seconds to a user's balance.
type Crediter interface {
	CreditBalance(ctx context.Context, userID string, seconds int) (int, error)
}

// Credit is a verified purchase.
type Credit struct {
	EventID string
	UserID  string
	Seconds int
}

// event is the webhook envelope.
type event struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object checkoutSession `json:"object"`
	} `json:"data"`
}

// checkoutSession is the checkout.session object. The purchase carries the
// user id and the purchased seconds in its metadata.
type checkoutSession struct {
	ID            string            `json:"id"`
	PaymentIntent string            `json:"payment_intent"`
	Metadata      map[string]string `json:"metadata"`
}

// WebhookHandler serves the payment webhook.
type WebhookHandler struct {
	secret    string
	dedup     store.PaymentDedup
	credit    Crediter
	tolerance time.Duration
	now       func() time.Time
}

// Option configures a WebhookHandler.
type Option func(*WebhookHandler)

// WithTolerance overrides DefaultTolerance.
func WithTolerance(d time.Duration) Option {
	return func(h *WebhookHandler) { h.tolerance = d }
}

// WithClock overrides time.Now for signature timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *WebhookHandler) { h.now = now }
}

// NewWebhookHandler creates a handler verifying with secret.
func NewWebhookHandler(secret string, dedup store.PaymentDedup, credit Crediter, opts ...Option) *WebhookHandler {
	h := &WebhookHandler{
		secret:    secret,
		dedup:     dedup,
		credit:    credit,
		tolerance: DefaultTolerance,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP verifies and applies one webhook delivery. Events other than a
// completed checkout, and redeliveries, are acknowledged without effect.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := VerifySignature(h.secret, payload, r.Header.Get(SignatureHeader), h.now(), h.tolerance); err != nil {
		slog.Warn("WebhookHandler.ServeHTTP: signature rejected", "error", err)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	credit, ok, err := ParseCredit(payload)
	if err != nil {
		slog.Warn("WebhookHandler.ServeHTTP: bad event", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}

	fresh, err := h.dedup.RecordPaymentEvent(credit.EventID, credit.UserID)
	if err != nil {
		slog.Error("WebhookHandler.ServeHTTP: dedup lookup failed", "event_id", credit.EventID, "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if !fresh {
		slog.Info("WebhookHandler.ServeHTTP: duplicate event ignored", "event_id", credit.EventID)
		w.WriteHeader(http.StatusOK)
		return
	}

	balance, err := h.credit.CreditBalance(r.Context(), credit.UserID, credit.Seconds)
	if err != nil {
		// The event stays recorded and redelivery will not credit it.
		slog.Error("WebhookHandler.ServeHTTP: credit failed", "event_id", credit.EventID, "user", credit.UserID, "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	slog.Info("WebhookHandler.ServeHTTP: checkout credited",
		"event_id", credit.EventID, "user", credit.UserID, "seconds", credit.Seconds, "balance", balance)
	w.WriteHeader(http.StatusOK)
}

// ParseCredit decodes a webhook payload. ok is false for event types that do
// not credit time.
func ParseCredit(payload []byte) (c Credit, ok bool, err error) {
	var evt event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return Credit{}, false, fmt.Errorf("failed to decode event: %w", err)
	}
	if evt.ID == "" {
		return Credit{}, false, store.ErrEmptyEventID
	}
	if evt.Type != EventCheckoutCompleted {
		return Credit{}, false, nil
	}
	meta := evt.Data.Object.Metadata
	userID := strings.TrimSpace(meta["user_id"])
	raw := strings.TrimSpace(meta["time"])
	if userID == "" || raw == "" {
		return Credit{}, false, ErrMissingMetadata
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		return Credit{}, false, fmt.Errorf("invalid purchased time %q", raw)
	}
	return Credit{EventID: evt.ID, UserID: userID, Seconds: seconds}, true, nil
}

// VerifySignature checks a "t=<unix>,v1=<hex>" header: HMAC-SHA256 of
// "<t>.<payload>" keyed by secret, with t no further than tolerance from now.
func VerifySignature(secret string, payload []byte, header string, now time.Time, tolerance time.Duration) error {
	if secret == "" {
		return fmt.Errorf("%w: no webhook secret configured", ErrInvalidSignature)
	}
	if header == "" {
		return fmt.Errorf("%w: missing header", ErrInvalidSignature)
	}

	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch k {
		case "t":
			timestamp = v
		case "v1":
			signatures = append(signatures, v)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return fmt.Errorf("%w: malformed header", ErrInvalidSignature)
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	age := now.Sub(time.Unix(ts, 0))
	if age < 0 {
		age = -age
	}
	if age > tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	expected := Sign(secret, timestamp, payload)
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching signature", ErrInvalidSignature)
}

// Sign returns the hex v1 signature for payload at timestamp.
func Sign(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
