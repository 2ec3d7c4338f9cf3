package models

import (
	"strings"
	"time"
)

// EventKind classifies an inbound user event.
type EventKind string

const (
	EventFollow   EventKind = "follow"
	EventPostback EventKind = "postback"
	EventText     EventKind = "text"
)

// Postback is the data carried by a menu action.
type Postback string

const (
	PostbackConsent     Postback = "consent"
	PostbackNoConsent   Postback = "no_consent"
	PostbackShop        Postback = "shop"
	PostbackResetHist   Postback = "reset_history"
	PostbackStartChat   Postback = "start_chat"
	PostbackEndChat     Postback = "end_chat"
	PostbackCheckTime   Postback = "check_time"
	PostbackUpdateTime  Postback = "update_time"
	PostbackBackToMenu  Postback = "back_to_menu"
	PostbackEndSurvey   Postback = "end_survey"
	PostbackMaintenance Postback = "maintenance"
)

// KnownPostbacks lists every postback the controller understands.
var KnownPostbacks = []Postback{
	PostbackConsent, PostbackNoConsent, PostbackShop, PostbackResetHist,
	PostbackStartChat, PostbackEndChat, PostbackCheckTime, PostbackUpdateTime,
	PostbackBackToMenu, PostbackEndSurvey, PostbackMaintenance,
}

// ParsePostback maps raw postback data to a known value.
func ParsePostback(data string) (Postback, bool) {
	data = strings.TrimSpace(data)
	for _, p := range KnownPostbacks {
		if string(p) == data {
			return p, true
		}
	}
	return "", false
}

// ReplyHandle identifies where a reply to an inbound event should go.
// Token is transport specific and may be empty for push-only transports.
type ReplyHandle struct {
	UserID string `json:"user_id"`
	Token  string `json:"token,omitempty"`
}

// InboundEvent is one user action delivered by the messaging transport.
type InboundEvent struct {
	Kind       EventKind   `json:"kind"`
	UserID     string      `json:"user_id"`
	Text       string      `json:"text,omitempty"`
	Postback   Postback    `json:"postback,omitempty"`
	Reply      ReplyHandle `json:"reply"`
	ReceivedAt time.Time   `json:"received_at"`
}

// ParseInboundText converts a plain text message into an event. Text of the
// form "/<postback>" is treated as a menu action so text-only transports can
// drive the menus.
func ParseInboundText(userID, text, token string, now time.Time) InboundEvent {
	ev := InboundEvent{
		Kind:       EventText,
		UserID:     userID,
		Text:       text,
		Reply:      ReplyHandle{UserID: userID, Token: token},
		ReceivedAt: now,
	}
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "/") {
		if pb, ok := ParsePostback(strings.TrimPrefix(trimmed, "/")); ok {
			ev.Kind = EventPostback
			ev.Postback = pb
			ev.Text = ""
		}
	}
	return ev
}

// OutboundMessage is one segment of a reply or push.
type OutboundMessage struct {
	Text    string   `json:"text"`
	Choices []string `json:"choices,omitempty"`
}

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
	SpeakerOperator  Speaker = "operator"
)

// Terminal marker texts that delimit dialogue instances.
const (
	TurnStartMarker = "[START]"
	TurnEndMarker   = "[END]"
)

// Turn is one append-only entry in the dialogue log.
type Turn struct {
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Terminal  bool      `json:"terminal"`
	Timestamp time.Time `json:"timestamp"`
}

// Chat roles used when building model requests.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is a single message sent to a language model.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TurnsToChat converts non-terminal turns into model messages. Operator turns
// are presented to the model as assistant turns.
func TurnsToChat(turns []Turn) []ChatMessage {
	msgs := make([]ChatMessage, 0, len(turns))
	for _, t := range turns {
		if t.Terminal {
			continue
		}
		role := RoleUser
		if t.Speaker != SpeakerUser {
			role = RoleAssistant
		}
		msgs = append(msgs, ChatMessage{Role: role, Content: t.Text})
	}
	return msgs
}
