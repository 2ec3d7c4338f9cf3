package messaging

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CounselPipe/internal/models"
	"github.com/BTreeMap/CounselPipe/internal/whatsapp"
)

// textSource delivers inbound WhatsApp texts. *whatsapp.Client implements it.
type textSource interface {
	OnText(fn func(whatsapp.InboundText))
}

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
// User ids are E.164 numbers ("+" followed by the JID user part).
type WhatsAppService struct {
	*textService
	client whatsapp.Sender
	source textSource
	now    func() time.Time
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given sender.
// If the sender can also deliver inbound texts, Start subscribes to them.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	s := &WhatsAppService{client: client, now: time.Now}
	s.textService = newTextService("WhatsAppService", func(ctx context.Context, userID, body string) error {
		return client.SendMessage(ctx, strings.TrimPrefix(userID, "+"), body)
	})
	if src, ok := client.(textSource); ok {
		s.source = src
		slog.Debug("WhatsAppService created with event source")
	} else {
		slog.Debug("WhatsAppService created with send-only client (likely mock)")
	}
	return s
}

// Start registers the inbound text handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.source == nil {
		slog.Debug("WhatsAppService.Start: no event source, skipping event handling")
		return nil
	}
	s.source.OnText(s.handleText)
	slog.Info("WhatsAppService.Start: event handler registered")
	return nil
}

func (s *WhatsAppService) handleText(in whatsapp.InboundText) {
	if in.From == "" {
		return
	}
	userID := in.From
	if !strings.HasPrefix(userID, "+") {
		userID = "+" + userID
	}
	received := in.Timestamp
	if received.IsZero() {
		received = s.now()
	}
	s.emit(models.ParseInboundText(userID, in.Body, in.MessageID, received))
}
