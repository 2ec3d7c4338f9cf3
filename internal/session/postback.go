package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CounselPipe/internal/countdown"
	"github.com/BTreeMap/CounselPipe/internal/menu"
	"github.com/BTreeMap/CounselPipe/internal/models"
)

// modePostbacks lists the menu actions each mode accepts. Anything else is
// a stale menu and triggers the menu guard.
var modePostbacks = map[models.Mode][]models.Postback{
	models.ModeAwaitingConsent: {models.PostbackConsent, models.PostbackNoConsent},
	models.ModeIdle:            {models.PostbackStartChat, models.PostbackShop, models.PostbackResetHist},
	models.ModeDialogueActive: {
		models.PostbackStartChat, models.PostbackEndChat, models.PostbackCheckTime,
		models.PostbackUpdateTime, models.PostbackBackToMenu, models.PostbackResetHist,
	},
	models.ModeSurveyActive: {models.PostbackEndSurvey},
}

func postbackAllowed(m models.Mode, pb models.Postback) bool {
	for _, allowed := range modePostbacks[m] {
		if allowed == pb {
			return true
		}
	}
	return false
}

func (c *Controller) onPostback(ctx context.Context, ev models.InboundEvent, s *models.Session) error {
	t := c.opts.Texts
	if !postbackAllowed(s.Mode, ev.Postback) {
		slog.Info("Controller.onPostback: postback not valid in mode, reapplying menu",
			"user", s.UserID, "postback", ev.Postback, "mode", s.Mode)
		c.applyMenu(ctx, s.UserID, menuForMode(s.Mode))
		return nil
	}

	switch ev.Postback {
	case models.PostbackConsent:
		return c.ask(ctx, ev, s, models.GateConsentPending, c.consentPrompt(false)...)

	case models.PostbackNoConsent:
		c.reply(ctx, ev, models.OutboundMessage{Text: t.ConsentDeclined})

	case models.PostbackShop:
		c.reply(ctx, ev, models.OutboundMessage{Text: fmt.Sprintf(t.Shop, c.opts.ShopURL)})

	case models.PostbackResetHist:
		return c.ask(ctx, ev, s, models.GateResetConfirm,
			models.OutboundMessage{Text: t.ResetConfirm, Choices: t.yesNo()})

	case models.PostbackStartChat:
		if s.Mode == models.ModeDialogueActive {
			c.reply(ctx, ev, models.OutboundMessage{Text: t.AlreadyActive})
			c.applyMenu(ctx, s.UserID, menu.KeyDialogue)
			return nil
		}
		if s.BalanceSeconds <= 0 {
			c.reply(ctx, ev, models.OutboundMessage{Text: t.NoBalance})
			return nil
		}
		return c.ask(ctx, ev, s, models.GateStartConfirm,
			models.OutboundMessage{Text: t.startConfirm(s.BalanceSeconds), Choices: t.yesNo()})

	case models.PostbackEndChat:
		if c.timerLost(ctx, ev, s) {
			return nil
		}
		return c.ask(ctx, ev, s, models.GateEndDialogueConfirm,
			models.OutboundMessage{Text: t.EndConfirm, Choices: t.yesNo()})

	case models.PostbackCheckTime, models.PostbackUpdateTime:
		if c.timerLost(ctx, ev, s) {
			return nil
		}
		minutes, over := countdown.MenuBucket(c.opts.Timers.Remaining(s.UserID))
		c.applyMenu(ctx, s.UserID, menu.RemainingKey(minutes, over))

	case models.PostbackBackToMenu:
		if c.timerLost(ctx, ev, s) {
			return nil
		}
		c.applyMenu(ctx, s.UserID, menu.KeyDialogue)

	case models.PostbackEndSurvey:
		return c.ask(ctx, ev, s, models.GateEndSurveyConfirm,
			models.OutboundMessage{Text: t.EndSurveyConfirm, Choices: t.yesNo()})

	default:
		slog.Warn("Controller.onPostback: unhandled postback", "user", s.UserID, "postback", ev.Postback)
	}
	return nil
}

// ask sets a confirmation gate, persists it, then sends the question.
func (c *Controller) ask(ctx context.Context, ev models.InboundEvent, s *models.Session, gate models.Gate, msgs ...models.OutboundMessage) error {
	s.Gate = gate
	if err := c.commit(s); err != nil {
		return c.failed(ctx, ev, err)
	}
	c.reply(ctx, ev, msgs...)
	return nil
}

// timerLost handles a dialogue whose countdown is missing: the session
// falls back to Idle with the start menu. It reports whether that happened.
func (c *Controller) timerLost(ctx context.Context, ev models.InboundEvent, s *models.Session) bool {
	if c.opts.Timers.Has(s.UserID) {
		return false
	}
	slog.Warn("Controller.timerLost: dialogue active without countdown, resetting to idle", "user", s.UserID)
	if err := transition(ctx, s, transLoseTimer); err != nil {
		slog.Error("Controller.timerLost: transition failed", "user", s.UserID, "error", err)
		return true
	}
	if err := c.commit(s); err != nil {
		c.failed(ctx, ev, err)
		return true
	}
	c.applyMenu(ctx, s.UserID, menu.KeyStart)
	return true
}
