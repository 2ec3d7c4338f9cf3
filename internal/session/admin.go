package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CounselPipe/internal/menu"
	"github.com/BTreeMap/CounselPipe/internal/messaging"
	"github.com/BTreeMap/CounselPipe/internal/models"
	"github.com/BTreeMap/CounselPipe/internal/store"
)

var (
	// ErrInvalidCredit is returned for a non-positive payment credit.
	ErrInvalidCredit = errors.New("credit must be a positive number of seconds")
	// ErrNoDialogue is returned when an operator replies to a user who never
	// opened a dialogue.
	ErrNoDialogue = errors.New("user has no dialogue")
	// ErrEmptyText is returned for a blank operator reply.
	ErrEmptyText = errors.New("text cannot be empty")
)

// CreditBalance adds purchased seconds to the user's balance and
// acknowledges the purchase. It is a plain addition; duplicate suppression
// belongs to the payment boundary. Unknown users are registered first.
func (c *Controller) CreditBalance(ctx context.Context, userID string, seconds int) (int, error) {
	if userID == "" {
		return 0, models.ErrEmptyUserID
	}
	if seconds <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidCredit, seconds)
	}
	unlock := c.locks.lock(userID)
	defer unlock()

	s, err := c.store.GetSession(userID)
	if err != nil {
		return 0, fmt.Errorf("failed to load session for %s: %w", userID, err)
	}
	if s == nil {
		s = models.NewSession(userID, c.opts.Now())
		if err := c.commit(s); err != nil {
			return 0, fmt.Errorf("failed to register %s: %w", userID, err)
		}
		slog.Info("Controller.CreditBalance: registered paying user", "user", userID)
	}
	balance, err := c.store.IncrementBalance(userID, seconds)
	if err != nil {
		return 0, fmt.Errorf("failed to credit %s: %w", userID, err)
	}
	c.opts.Metrics.ObserveCredit(seconds)
	slog.Info("Controller.CreditBalance: balance credited", "user", userID, "seconds", seconds, "balance", balance)
	c.push(ctx, userID, models.OutboundMessage{Text: fmt.Sprintf(c.opts.Texts.PaymentThanks, seconds/60)})
	return balance, nil
}

// MaintenanceActive reports whether the maintenance flag is set.
func (c *Controller) MaintenanceActive() bool { return c.maintenanceActive() }

// EnterMaintenance sets the maintenance flag, stops every countdown with
// the time left credited back, resets running sessions to Idle and shows
// the maintenance menu to every user.
func (c *Controller) EnterMaintenance(ctx context.Context) error {
	if err := c.store.SetSetting(store.SettingMaintenance, maintenanceOn); err != nil {
		return fmt.Errorf("failed to set maintenance flag: %w", err)
	}
	n, err := c.resetUsers(ctx, true, func(userID string) {
		c.applyMenu(ctx, userID, menu.KeyMaintenance)
	})
	if stray := c.opts.Timers.StopAll(); stray > 0 {
		slog.Warn("Controller.EnterMaintenance: stopped countdowns without a session", "count", stray)
	}
	c.opts.Metrics.SetActiveTimers(0)
	slog.Info("Controller.EnterMaintenance: maintenance started", "reset", n)
	return err
}

// ExitMaintenance clears the flag and restores each user's menu.
func (c *Controller) ExitMaintenance(ctx context.Context) error {
	if err := c.store.SetSetting(store.SettingMaintenance, maintenanceOff); err != nil {
		return fmt.Errorf("failed to clear maintenance flag: %w", err)
	}
	users, err := c.store.ListSessionUsers()
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}
	for _, id := range users {
		s, err := c.store.GetSession(id)
		if err != nil || s == nil {
			continue
		}
		c.applyMenu(ctx, id, menuForMode(s.Mode))
	}
	slog.Info("Controller.ExitMaintenance: maintenance finished", "users", len(users))
	return nil
}

// ResetAll returns every running session to Idle. It runs at startup, when
// no countdown from a previous process can still exist.
func (c *Controller) ResetAll(ctx context.Context) (int, error) {
	n, err := c.resetUsers(ctx, false, nil)
	slog.Info("Controller.ResetAll: sessions reset", "count", n)
	return n, err
}

// resetUsers resets each user under their lock. It returns how many
// sessions changed and the first error seen.
func (c *Controller) resetUsers(ctx context.Context, credit bool, after func(userID string)) (int, error) {
	users, err := c.store.ListSessionUsers()
	if err != nil {
		return 0, fmt.Errorf("failed to list users: %w", err)
	}
	var firstErr error
	changed := 0
	for _, id := range users {
		ok, err := c.resetUser(ctx, id, credit)
		if err != nil {
			slog.Error("Controller.resetUsers: reset failed", "user", id, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
		if ok {
			changed++
		}
		if after != nil {
			after(id)
		}
	}
	return changed, firstErr
}

func (c *Controller) resetUser(ctx context.Context, userID string, credit bool) (bool, error) {
	unlock := c.locks.lock(userID)
	defer unlock()

	s, err := c.store.GetSession(userID)
	if err != nil || s == nil {
		return false, err
	}
	if credit && c.opts.Timers.Has(userID) {
		c.stopCountdown(s)
	}
	if s.Mode != models.ModeDialogueActive && s.Mode != models.ModeSurveyActive && s.Gate == models.GateNone {
		return false, nil
	}
	if s.Mode != models.ModeAwaitingConsent {
		if err := transition(ctx, s, transReset); err != nil {
			return false, err
		}
	}
	s.Gate = models.GateNone
	s.SurveyProgress = 0
	s.SurveyAnswers = nil
	if err := c.commit(s); err != nil {
		return false, err
	}
	return true, nil
}

// SetDelegate hands the user's dialogue to a human operator or back to the
// model.
func (c *Controller) SetDelegate(ctx context.Context, userID string, delegate bool) error {
	unlock := c.locks.lock(userID)
	defer unlock()

	s, err := c.Session(userID)
	if err != nil {
		return err
	}
	s.DelegateToHuman = delegate
	if err := c.commit(s); err != nil {
		return fmt.Errorf("failed to save session for %s: %w", userID, err)
	}
	slog.Info("Controller.SetDelegate: updated", "user", userID, "delegate", delegate)
	return nil
}

// OperatorReply sends a human operator's message and records it in the
// current dialogue.
func (c *Controller) OperatorReply(ctx context.Context, userID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyText
	}
	unlock := c.locks.lock(userID)
	defer unlock()

	s, err := c.Session(userID)
	if err != nil {
		return err
	}
	if s.SessionID == "" {
		return ErrNoDialogue
	}
	if err := c.appendTurns(c.turn(s, models.SpeakerOperator, text, false)); err != nil {
		return err
	}
	if c.msg == nil {
		return nil
	}
	if err := c.msg.Push(ctx, userID, messaging.SplitSegments(text)); err != nil {
		return fmt.Errorf("failed to deliver operator reply: %w", err)
	}
	slog.Info("Controller.OperatorReply: sent", "user", userID, "length", len(text))
	return nil
}

// TimerInfo describes one running dialogue countdown.
type TimerInfo struct {
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Seconds   int       `json:"remaining_seconds"`
}

// ActiveTimers lists running countdowns.
func (c *Controller) ActiveTimers() []TimerInfo {
	active := c.opts.Timers.Active()
	out := make([]TimerInfo, 0, len(active))
	for _, a := range active {
		out = append(out, TimerInfo{UserID: a.UserID, ExpiresAt: a.ExpiresAt, Seconds: int(a.Remaining / time.Second)})
	}
	return out
}
