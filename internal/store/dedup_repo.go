package store

import (
	"errors"
	"time"
)

// ErrEmptyEventID is returned when a payment event has no identifier.
var ErrEmptyEventID = errors.New("payment event id cannot be empty")

// PaymentEvent is a processed payment notification, recorded so that
// redelivered webhooks are not credited twice.
type PaymentEvent struct {
	EventID    string    `json:"event_id"`
	UserID     string    `json:"user_id"`
	ReceivedAt time.Time `json:"received_at"`
}

// PaymentDedup suppresses duplicate payment notifications at the boundary.
// The balance credit itself is a plain addition; callers that want
// at-most-once semantics check here first.
type PaymentDedup interface {
	// RecordPaymentEvent inserts a new event record. Returns false if the
	// event was already recorded (duplicate).
	RecordPaymentEvent(eventID, userID string) (bool, error)
}
