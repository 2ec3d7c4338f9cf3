package messaging

import (
	"context"
	"sync"

	"github.com/BTreeMap/CounselPipe/internal/models"
)

// Delivery is one recorded send of a MockService.
type Delivery struct {
	UserID   string
	Reply    bool
	Messages []models.OutboundMessage
}

// MockService records deliveries in memory (for tests).
type MockService struct {
	mu         sync.Mutex
	deliveries []Delivery
	events     chan models.InboundEvent
	// Err, if set, is returned by every send instead of recording it.
	Err error
}

// NewMockService creates a MockService with a buffered event channel.
func NewMockService() *MockService {
	return &MockService{events: make(chan models.InboundEvent, DefaultChannelBufferSize)}
}

func (m *MockService) Start(ctx context.Context) error { return nil }

func (m *MockService) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.events != nil {
		close(m.events)
		m.events = nil
	}
	return nil
}

func (m *MockService) Reply(ctx context.Context, handle models.ReplyHandle, msgs []models.OutboundMessage) error {
	return m.record(handle.UserID, true, msgs)
}

func (m *MockService) Push(ctx context.Context, userID string, msgs []models.OutboundMessage) error {
	return m.record(userID, false, msgs)
}

func (m *MockService) record(userID string, reply bool, msgs []models.OutboundMessage) error {
	if err := ValidateSegments(msgs); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.deliveries = append(m.deliveries, Delivery{UserID: userID, Reply: reply, Messages: append([]models.OutboundMessage(nil), msgs...)})
	return nil
}

func (m *MockService) Events() <-chan models.InboundEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events
}

// Inject queues an inbound event as if a user had sent it.
func (m *MockService) Inject(ev models.InboundEvent) {
	m.mu.Lock()
	ch := m.events
	m.mu.Unlock()
	if ch != nil {
		ch <- ev
	}
}

// Deliveries returns a copy of everything sent so far.
func (m *MockService) Deliveries() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Delivery(nil), m.deliveries...)
}

// TextsFor returns the text of every segment sent to userID, in order.
func (m *MockService) TextsFor(userID string) []string {
	var out []string
	for _, d := range m.Deliveries() {
		if d.UserID != userID {
			continue
		}
		for _, msg := range d.Messages {
			out = append(out, msg.Text)
		}
	}
	return out
}

// Reset forgets recorded deliveries.
func (m *MockService) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries = nil
}
