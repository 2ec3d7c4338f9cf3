// Package models defines the core data structures for CounselPipe.
//
// It includes the per-user session record, dialogue turns, inbound events and
// outbound messages, which are shared across modules.
package models

import (
	"errors"
	"fmt"
	"time"
)

// Mode is the top-level state of a user's session. Exactly one is active.
type Mode string

const (
	// ModeAwaitingConsent is the initial mode until the user accepts the terms.
	ModeAwaitingConsent Mode = "awaiting_consent"
	// ModeIdle means the user has consented and no dialogue or survey is running.
	ModeIdle Mode = "idle"
	// ModeDialogueActive means a paid countdown is running and turns go to the model.
	ModeDialogueActive Mode = "dialogue_active"
	// ModeSurveyActive means the closing survey is collecting answers.
	ModeSurveyActive Mode = "survey_active"
)

// Gate is a pending yes/no confirmation scoped to a mode.
type Gate string

const (
	GateNone               Gate = ""
	GateConsentPending     Gate = "consent_pending"
	GateStartConfirm       Gate = "start_confirm"
	GateResetConfirm       Gate = "reset_confirm"
	GateEndDialogueConfirm Gate = "end_dialogue_confirm"
	GateSurveyOptIn        Gate = "survey_opt_in"
	GateEndSurveyConfirm   Gate = "end_survey_confirm"
)

// SurveyComplete marks a survey that has been answered and flushed.
const SurveyComplete = -1

// Risk score bounds written by the risk classifier.
const (
	MinRiskScore = 0
	MaxRiskScore = 3
)

// Error variables for better error handling and testability
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrEmptyUserID     = errors.New("user id cannot be empty")
	ErrInvalidMode     = errors.New("invalid session mode")
	ErrGateOutOfScope  = errors.New("gate not valid in current mode")
	ErrNegativeBalance = errors.New("balance cannot be negative")
	ErrInvalidProgress = errors.New("invalid survey progress")
	ErrInvalidRisk     = errors.New("risk score out of range")
)

// gateModes lists where each gate may be pending.
var gateModes = map[Gate][]Mode{
	GateConsentPending:     {ModeAwaitingConsent},
	GateStartConfirm:       {ModeIdle},
	GateResetConfirm:       {ModeIdle, ModeDialogueActive},
	GateEndDialogueConfirm: {ModeDialogueActive},
	GateSurveyOptIn:        {ModeSurveyActive},
	GateEndSurveyConfirm:   {ModeSurveyActive},
}

// IsValidMode checks if the given mode is one of the known session modes.
func IsValidMode(m Mode) bool {
	switch m {
	case ModeAwaitingConsent, ModeIdle, ModeDialogueActive, ModeSurveyActive:
		return true
	default:
		return false
	}
}

// GateAllowed reports whether gate g may be pending while in mode m.
func GateAllowed(g Gate, m Mode) bool {
	if g == GateNone {
		return true
	}
	for _, allowed := range gateModes[g] {
		if allowed == m {
			return true
		}
	}
	return false
}

// Session is the durable per-user record. It is never deleted, only reset.
type Session struct {
	UserID          string            `json:"user_id"`
	Mode            Mode              `json:"mode"`
	Gate            Gate              `json:"gate,omitempty"`
	Consented       bool              `json:"consented"`
	BalanceSeconds  int               `json:"balance_seconds"`
	SessionID       string            `json:"session_id,omitempty"`
	DialogueOpen    bool              `json:"dialogue_open"`
	SurveyProgress  int               `json:"survey_progress"`
	SurveyAnswers   map[string]string `json:"survey_answers,omitempty"`
	DelegateToHuman bool              `json:"delegate_to_human"`
	RiskScore       int               `json:"risk_score"`
	RiskReason      string            `json:"risk_reason,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// NewSession returns the initial record for a first-contact user.
func NewSession(userID string, now time.Time) *Session {
	return &Session{
		UserID:    userID,
		Mode:      ModeAwaitingConsent,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks mode/gate scoping and numeric ranges.
func (s Session) Validate() error {
	if s.UserID == "" {
		return ErrEmptyUserID
	}
	if !IsValidMode(s.Mode) {
		return fmt.Errorf("%w: %q", ErrInvalidMode, s.Mode)
	}
	if !GateAllowed(s.Gate, s.Mode) {
		return fmt.Errorf("%w: gate %q in mode %q", ErrGateOutOfScope, s.Gate, s.Mode)
	}
	if s.BalanceSeconds < 0 {
		return ErrNegativeBalance
	}
	if s.SurveyProgress < SurveyComplete {
		return fmt.Errorf("%w: %d", ErrInvalidProgress, s.SurveyProgress)
	}
	if s.RiskScore < MinRiskScore || s.RiskScore > MaxRiskScore {
		return fmt.Errorf("%w: %d", ErrInvalidRisk, s.RiskScore)
	}
	return nil
}

// Clone returns a deep copy so callers can mutate it without aliasing the store.
func (s Session) Clone() *Session {
	c := s
	if s.SurveyAnswers != nil {
		c.SurveyAnswers = make(map[string]string, len(s.SurveyAnswers))
		for k, v := range s.SurveyAnswers {
			c.SurveyAnswers[k] = v
		}
	}
	return &c
}

// ClampRisk bounds a classifier score to the valid range.
func ClampRisk(score int) int {
	if score < MinRiskScore {
		return MinRiskScore
	}
	if score > MaxRiskScore {
		return MaxRiskScore
	}
	return score
}
