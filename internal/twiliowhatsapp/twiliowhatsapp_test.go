package twiliowhatsapp

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/url"
	"sort"
	"testing"
)

func TestMockClient_SendMessage(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	if err := mock.SendMessage(ctx, "+15551234", "Hello Test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sent := mock.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sent))
	}
	if sent[0].Body != "Hello Test" || sent[0].To != "+15551234" {
		t.Errorf("unexpected message %+v", sent[0])
	}

	mock.Err = errors.New("rate limited")
	if err := mock.SendMessage(ctx, "+15551234", "again"); err == nil {
		t.Error("expected configured error")
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
	if _, err := NewClient(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without from number")
	}
	c, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok"), WithFromWhats("+14155238886"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.fromWhats != "whatsapp:+14155238886" {
		t.Errorf("expected prefixed from number, got %q", c.fromWhats)
	}
}

func TestStripAddressPrefix(t *testing.T) {
	if got := StripAddressPrefix("whatsapp:+15551234"); got != "+15551234" {
		t.Errorf("got %q", got)
	}
	if got := StripAddressPrefix("+15551234"); got != "+15551234" {
		t.Errorf("got %q", got)
	}
}

func sign(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	payload := fullURL
	for _, k := range keys {
		payload += k + form.Get(k)
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestSignatureValidator(t *testing.T) {
	const token = "secret-token"
	const fullURL = "https://bot.example.com/webhooks/twilio"
	form := url.Values{"From": {"whatsapp:+15551234"}, "Body": {"hello"}, "MessageSid": {"SM1"}}

	v := NewSignatureValidator(token)
	if !v.Validate(fullURL, form, sign(token, fullURL, form)) {
		t.Error("expected valid signature")
	}
	if v.Validate(fullURL, form, sign("other", fullURL, form)) {
		t.Error("expected signature from wrong token to fail")
	}
	if v.Validate(fullURL, form, "") {
		t.Error("expected empty signature to fail")
	}
}
