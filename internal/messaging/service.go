// Package messaging defines the transport boundary between users and the
// session controller, with WhatsApp (whatsmeow) and Twilio implementations.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/CounselPipe/internal/models"
)

// Constants for service configuration
const (
	// MaxSegments is the largest number of segments one reply or push may carry.
	MaxSegments = 5
	// DefaultChannelBufferSize defines the default buffer size for the inbound event channel
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

var (
	// ErrTooManySegments is returned when a send exceeds MaxSegments.
	ErrTooManySegments = errors.New("too many message segments")
	// ErrNoSegments is returned when a send carries nothing.
	ErrNoSegments = errors.New("no message segments")
	// ErrServiceStopped is returned after Stop.
	ErrServiceStopped = errors.New("messaging service stopped")
)

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// Start begins any background processing (e.g., registering event handlers).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the event channel.
	Stop() error

	// Reply answers an inbound event using its reply handle.
	Reply(ctx context.Context, handle models.ReplyHandle, msgs []models.OutboundMessage) error

	// Push sends messages to a user outside of any inbound event.
	Push(ctx context.Context, userID string, msgs []models.OutboundMessage) error

	// Events returns a channel of inbound user events.
	Events() <-chan models.InboundEvent
}

// ValidateSegments checks the segment count of a send.
func ValidateSegments(msgs []models.OutboundMessage) error {
	if len(msgs) == 0 {
		return ErrNoSegments
	}
	if len(msgs) > MaxSegments {
		return fmt.Errorf("%w: %d > %d", ErrTooManySegments, len(msgs), MaxSegments)
	}
	return nil
}

// RenderText flattens a segment for text-only transports. Choices become
// numbered lines under the text.
func RenderText(msg models.OutboundMessage) string {
	if len(msg.Choices) == 0 {
		return msg.Text
	}
	var b strings.Builder
	b.WriteString(msg.Text)
	for i, c := range msg.Choices {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d. %s", i+1, c)
	}
	return b.String()
}

// SplitSegments turns a paragraph-separated text into at most MaxSegments
// segments. Paragraphs past the limit are joined into the last segment.
func SplitSegments(text string) []models.OutboundMessage {
	var parts []string
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) > MaxSegments {
		tail := strings.Join(parts[MaxSegments-1:], "\n\n")
		parts = append(parts[:MaxSegments-1], tail)
	}
	msgs := make([]models.OutboundMessage, 0, len(parts))
	for _, p := range parts {
		msgs = append(msgs, models.OutboundMessage{Text: p})
	}
	return msgs
}

// sendFunc delivers one rendered text to a user.
type sendFunc func(ctx context.Context, userID, body string) error

// textService is the shared core of the text transports: rendering,
// segment limits, the inbound channel and stop handling.
type textService struct {
	name    string
	send    sendFunc
	events  chan models.InboundEvent
	mu      sync.RWMutex
	stopped bool
}

func newTextService(name string, send sendFunc) *textService {
	return &textService{
		name:   name,
		send:   send,
		events: make(chan models.InboundEvent, DefaultChannelBufferSize),
	}
}

func (s *textService) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

// Stop closes the event channel. Further sends fail with ErrServiceStopped.
func (s *textService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.events)
	slog.Info(s.name+".Stop: service stopped and channels closed")
	return nil
}

// Reply sends to the user named by the handle; text transports need no token.
func (s *textService) Reply(ctx context.Context, handle models.ReplyHandle, msgs []models.OutboundMessage) error {
	return s.Push(ctx, handle.UserID, msgs)
}

// Push renders and sends each segment in order, stopping at the first failure.
func (s *textService) Push(ctx context.Context, userID string, msgs []models.OutboundMessage) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	if userID == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	if err := ValidateSegments(msgs); err != nil {
		return err
	}
	for i, m := range msgs {
		body := RenderText(m)
		if body == "" {
			continue
		}
		if err := s.send(ctx, userID, body); err != nil {
			slog.Error(s.name+".Push: send failed", "user", userID, "segment", i, "error", err)
			return fmt.Errorf("failed to send segment %d to %s: %w", i, userID, err)
		}
	}
	slog.Debug(s.name+".Push: sent", "user", userID, "segments", len(msgs))
	return nil
}

// Events returns the inbound event channel.
func (s *textService) Events() <-chan models.InboundEvent {
	return s.events
}

// emit forwards an inbound event without blocking for longer than
// DefaultChannelTimeout.
func (s *textService) emit(ev models.InboundEvent) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn(s.name+".emit: dropping inbound event (service stopped)", "user", ev.UserID)
		return false
	}
	select {
	case s.events <- ev:
		slog.Debug(s.name+".emit: inbound event forwarded", "user", ev.UserID, "kind", ev.Kind)
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(s.name+".emit: events channel blocked, dropping event", "user", ev.UserID, "timeout", DefaultChannelTimeout)
		return false
	}
}
