package session

import (
	"context"
	"log/slog"
	"strings"

	"github.com/BTreeMap/CounselPipe/internal/menu"
	"github.com/BTreeMap/CounselPipe/internal/models"
)

// onText routes a text message. The pending gate is consumed here; a
// handler may set a new one.
func (c *Controller) onText(ctx context.Context, ev models.InboundEvent, s *models.Session) error {
	gate := s.Gate
	s.Gate = models.GateNone

	switch s.Mode {
	case models.ModeAwaitingConsent:
		return c.textAwaitingConsent(ctx, ev, s, gate)
	case models.ModeIdle:
		return c.textIdle(ctx, ev, s, gate)
	case models.ModeDialogueActive:
		return c.textDialogue(ctx, ev, s, gate)
	case models.ModeSurveyActive:
		return c.textSurvey(ctx, ev, s, gate)
	default:
		slog.Error("Controller.onText: session in unknown mode", "user", s.UserID, "mode", s.Mode)
		return nil
	}
}

// say persists s and replies with a single text.
func (c *Controller) say(ctx context.Context, ev models.InboundEvent, s *models.Session, text string) error {
	if err := c.commit(s); err != nil {
		return c.failed(ctx, ev, err)
	}
	c.reply(ctx, ev, models.OutboundMessage{Text: text})
	return nil
}

func (c *Controller) textAwaitingConsent(ctx context.Context, ev models.InboundEvent, s *models.Session, gate models.Gate) error {
	t := c.opts.Texts
	if gate != models.GateConsentPending {
		return c.say(ctx, ev, s, t.ConsentViaMenu)
	}
	if !t.isYes(ev.Text) {
		return c.say(ctx, ev, s, t.ConsentDeclined)
	}
	s.Consented = true
	if err := transition(ctx, s, transConsent); err != nil {
		slog.Error("Controller.textAwaitingConsent: transition failed", "user", s.UserID, "error", err)
		return nil
	}
	if err := c.say(ctx, ev, s, t.ChooseDuration); err != nil {
		return err
	}
	slog.Info("Controller.textAwaitingConsent: consent given", "user", s.UserID)
	c.applyMenu(ctx, s.UserID, menu.KeyStart)
	return nil
}

func (c *Controller) textIdle(ctx context.Context, ev models.InboundEvent, s *models.Session, gate models.Gate) error {
	t := c.opts.Texts
	switch gate {
	case models.GateStartConfirm:
		if t.isYes(ev.Text) {
			return c.startDialogue(ctx, ev, s)
		}
		return c.say(ctx, ev, s, t.StartCancelled)
	case models.GateResetConfirm:
		if t.isYes(ev.Text) {
			return c.resetHistory(ctx, ev, s)
		}
		return c.say(ctx, ev, s, t.ResetCancelled)
	default:
		return c.say(ctx, ev, s, t.ChooseDuration)
	}
}

func (c *Controller) textDialogue(ctx context.Context, ev models.InboundEvent, s *models.Session, gate models.Gate) error {
	t := c.opts.Texts
	switch gate {
	case models.GateEndDialogueConfirm:
		if t.isYes(ev.Text) {
			return c.endDialogue(ctx, ev, s)
		}
		return c.say(ctx, ev, s, t.Continuing)
	case models.GateResetConfirm:
		if t.isYes(ev.Text) {
			return c.resetHistory(ctx, ev, s)
		}
		return c.say(ctx, ev, s, t.ResetCancelled)
	default:
		return c.dialogueTurn(ctx, ev, s, gate != models.GateNone)
	}
}

func (c *Controller) textSurvey(ctx context.Context, ev models.InboundEvent, s *models.Session, gate models.Gate) error {
	t := c.opts.Texts
	if gate == models.GateEndSurveyConfirm {
		if t.isNo(ev.Text) {
			return c.surveyPrompt(ctx, ev, s)
		}
		return c.finishSurvey(ctx, ev, s, false)
	}

	sv := c.opts.Survey
	p := s.SurveyProgress
	switch {
	case p <= 0:
		if gate != models.GateSurveyOptIn {
			return c.surveyPrompt(ctx, ev, s)
		}
		if !t.isYes(ev.Text) {
			return c.declineSurvey(ctx, ev, s)
		}
		s.SurveyProgress = 1
		return c.surveyPrompt(ctx, ev, s)

	case p <= len(sv.Prompts):
		label, ok := sv.matchChoice(ev.Text)
		if !ok {
			return c.surveyPrompt(ctx, ev, s)
		}
		if s.SurveyAnswers == nil {
			s.SurveyAnswers = make(map[string]string)
		}
		s.SurveyAnswers[sv.Prompts[p-1]] = label
		s.SurveyProgress = p + 1
		return c.surveyPrompt(ctx, ev, s)

	default:
		if s.SurveyAnswers == nil {
			s.SurveyAnswers = make(map[string]string)
		}
		s.SurveyAnswers[sv.FreeText] = strings.TrimSpace(ev.Text)
		return c.finishSurvey(ctx, ev, s, true)
	}
}

// surveyPrompt persists s and emits the step for its current progress.
func (c *Controller) surveyPrompt(ctx context.Context, ev models.InboundEvent, s *models.Session) error {
	if s.SurveyProgress <= 0 {
		s.SurveyProgress = 0
		s.Gate = models.GateSurveyOptIn
	}
	if err := c.commit(s); err != nil {
		return c.failed(ctx, ev, err)
	}
	c.reply(ctx, ev, c.opts.Survey.stepMessages(s.SurveyProgress, c.opts.Texts.yesNo())...)
	return nil
}

// declineSurvey leaves the survey without recording anything.
func (c *Controller) declineSurvey(ctx context.Context, ev models.InboundEvent, s *models.Session) error {
	s.SurveyProgress = 0
	s.SurveyAnswers = nil
	if err := transition(ctx, s, transFinishSurvey); err != nil {
		slog.Error("Controller.declineSurvey: transition failed", "user", s.UserID, "error", err)
		return nil
	}
	if err := c.say(ctx, ev, s, c.opts.Texts.Thanks); err != nil {
		return err
	}
	c.applyMenu(ctx, s.UserID, menu.KeyStart)
	return nil
}

// finishSurvey flushes the answers collected so far and returns to Idle.
// complete marks a fully answered survey.
func (c *Controller) finishSurvey(ctx context.Context, ev models.InboundEvent, s *models.Session, complete bool) error {
	answers := s.SurveyAnswers
	sessionID := s.SessionID

	s.SurveyAnswers = nil
	s.SurveyProgress = 0
	if complete {
		s.SurveyProgress = models.SurveyComplete
	}
	s.DialogueOpen = false
	if err := transition(ctx, s, transFinishSurvey); err != nil {
		slog.Error("Controller.finishSurvey: transition failed", "user", s.UserID, "error", err)
		return nil
	}
	if err := c.commit(s); err != nil {
		return c.failed(ctx, ev, err)
	}
	if len(answers) > 0 && c.opts.Archive != nil {
		if err := c.opts.Archive.AppendSurvey(s.UserID, sessionID, c.opts.Now(), c.opts.Survey.allPrompts(), answers); err != nil {
			slog.Error("Controller.finishSurvey: failed to flush survey results", "user", s.UserID, "error", err)
		}
	}
	slog.Info("Controller.finishSurvey: survey closed", "user", s.UserID, "complete", complete, "answers", len(answers))
	c.reply(ctx, ev, models.OutboundMessage{Text: c.opts.Texts.Thanks})
	c.applyMenu(ctx, s.UserID, menu.KeyStart)
	return nil
}

// enterSurvey moves a dialogue into the survey and returns the opt-in step.
func (c *Controller) enterSurvey(ctx context.Context, s *models.Session) ([]models.OutboundMessage, error) {
	if err := transition(ctx, s, transEnterSurvey); err != nil {
		return nil, err
	}
	s.SurveyProgress = 0
	s.SurveyAnswers = make(map[string]string)
	s.Gate = models.GateSurveyOptIn
	return c.opts.Survey.stepMessages(0, c.opts.Texts.yesNo()), nil
}
