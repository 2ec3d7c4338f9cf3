package messaging

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/BTreeMap/CounselPipe/internal/models"
	"github.com/BTreeMap/CounselPipe/internal/twiliowhatsapp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postForm(t *testing.T, h http.HandlerFunc, form url.Values, sig string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if sig != "" {
		req.Header.Set("X-Twilio-Signature", sig)
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestTwilioService_PushUsesClient(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)
	require.NoError(t, svc.Push(context.Background(), "+15551234", []models.OutboundMessage{{Text: "hi"}, {Text: "there"}}))

	sent := mock.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "+15551234", sent[0].To)
	assert.Equal(t, "there", sent[1].Body)
}

func TestTwilioWebhookHandler_EmitsEvent(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	form := url.Values{"From": {"whatsapp:+15551234"}, "Body": {"yes"}, "MessageSid": {"SM1"}}

	rec := postForm(t, svc.TwilioWebhookHandler, form, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	ev := <-svc.Events()
	assert.Equal(t, "+15551234", ev.UserID)
	assert.Equal(t, "yes", ev.Text)
	assert.Equal(t, "SM1", ev.Reply.Token)
}

func TestTwilioWebhookHandler_MissingFields(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	rec := postForm(t, svc.TwilioWebhookHandler, url.Values{"From": {"whatsapp:+1"}}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func twilioSignature(token, fullURL string, form url.Values) string {
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

func TestTwilioWebhookHandler_Signature(t *testing.T) {
	const token = "auth-token"
	const hook = "https://bot.example.com/webhooks/twilio"
	svc := NewTwilioService(twiliowhatsapp.NewMockClient(),
		WithSignatureValidation(twiliowhatsapp.NewSignatureValidator(token), hook))
	form := url.Values{"From": {"whatsapp:+15551234"}, "Body": {"hello"}}

	rec := postForm(t, svc.TwilioWebhookHandler, form, "bogus")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = postForm(t, svc.TwilioWebhookHandler, form, twilioSignature(token, hook, form))
	assert.Equal(t, http.StatusOK, rec.Code)
	ev := <-svc.Events()
	assert.Equal(t, "hello", ev.Text)
}

func TestTwilioWebhookHandler_AfterStop(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	require.NoError(t, svc.Stop())
	form := url.Values{"From": {"whatsapp:+1"}, "Body": {"hi"}}
	rec := postForm(t, svc.TwilioWebhookHandler, form, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRenderText(t *testing.T) {
	assert.Equal(t, "plain", RenderText(models.OutboundMessage{Text: "plain"}))
	assert.Equal(t, "Pick one\n1. A\n2. B", RenderText(models.OutboundMessage{Text: "Pick one", Choices: []string{"A", "B"}}))
	assert.Equal(t, "1. A", RenderText(models.OutboundMessage{Choices: []string{"A"}}))
}

func TestSplitSegments(t *testing.T) {
	msgs := SplitSegments("one\n\n two \n\n\n\nthree")
	require.Len(t, msgs, 3)
	assert.Equal(t, "two", msgs[1].Text)

	msgs = SplitSegments("a\n\nb\n\nc\n\nd\n\ne\n\nf\n\ng")
	require.Len(t, msgs, MaxSegments)
	assert.Equal(t, "e\n\nf\n\ng", msgs[MaxSegments-1].Text)

	assert.Empty(t, SplitSegments("  "))
}

func TestMockService_Records(t *testing.T) {
	m := NewMockService()
	require.NoError(t, m.Reply(context.Background(), models.ReplyHandle{UserID: "u1"}, []models.OutboundMessage{{Text: "a"}}))
	require.NoError(t, m.Push(context.Background(), "u1", []models.OutboundMessage{{Text: "b"}}))
	assert.Equal(t, []string{"a", "b"}, m.TextsFor("u1"))
	d := m.Deliveries()
	require.Len(t, d, 2)
	assert.True(t, d[0].Reply)
	assert.False(t, d[1].Reply)
}
