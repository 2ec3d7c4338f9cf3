package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/CounselPipe/internal/menu"
	"github.com/BTreeMap/CounselPipe/internal/messaging"
	"github.com/BTreeMap/CounselPipe/internal/models"
	"github.com/BTreeMap/CounselPipe/internal/synth"
)

// startDialogue moves the whole balance into a countdown and opens or
// resumes the dialogue.
func (c *Controller) startDialogue(ctx context.Context, ev models.InboundEvent, s *models.Session) error {
	t := c.opts.Texts
	balance := s.BalanceSeconds
	if balance <= 0 {
		return c.say(ctx, ev, s, t.NoBalance)
	}
	if err := c.opts.Timers.Start(s.UserID, time.Duration(balance)*time.Second, c.onExpire); err != nil {
		slog.Error("Controller.startDialogue: failed to start countdown", "user", s.UserID, "error", err)
		c.reply(ctx, ev, models.OutboundMessage{Text: t.Apology})
		return nil
	}
	if err := transition(ctx, s, transStartDialogue); err != nil {
		c.opts.Timers.Cancel(s.UserID)
		slog.Error("Controller.startDialogue: transition failed", "user", s.UserID, "error", err)
		return nil
	}
	s.BalanceSeconds = 0

	var turns []models.Turn
	var msgs []models.OutboundMessage
	if s.DialogueOpen {
		msgs = []models.OutboundMessage{{Text: t.Resume}}
	} else {
		turns = c.openDialogue(s)
		msgs = messaging.SplitSegments(synth.StripAnnotations(t.Greeting))
	}
	if err := c.commit(s); err != nil {
		c.opts.Timers.Cancel(s.UserID)
		return c.failed(ctx, ev, err)
	}
	if err := c.appendTurns(turns...); err != nil {
		slog.Error("Controller.startDialogue: failed to record greeting", "user", s.UserID, "error", err)
	}
	c.resetRisk(s.UserID)
	c.opts.Metrics.SetActiveTimers(len(c.opts.Timers.Active()))
	slog.Info("Controller.startDialogue: dialogue started", "user", s.UserID, "seconds", balance, "session_id", s.SessionID)

	c.reply(ctx, ev, msgs...)
	c.applyMenu(ctx, s.UserID, menu.KeyDialogue)
	return nil
}

// openDialogue starts a fresh dialogue instance and returns its opening turns.
func (c *Controller) openDialogue(s *models.Session) []models.Turn {
	s.SessionID = c.opts.NewSessionID()
	s.DialogueOpen = true
	return []models.Turn{
		c.turn(s, models.SpeakerUser, models.TurnStartMarker, true),
		c.turn(s, models.SpeakerAssistant, c.opts.Texts.Greeting, false),
	}
}

// resetHistory closes the current dialogue instance. During a dialogue a
// fresh one is opened straight away.
func (c *Controller) resetHistory(ctx context.Context, ev models.InboundEvent, s *models.Session) error {
	t := c.opts.Texts
	var turns []models.Turn
	if s.SessionID != "" {
		turns = append(turns, c.turn(s, models.SpeakerUser, models.TurnEndMarker, true))
	}

	var msgs []models.OutboundMessage
	if s.Mode == models.ModeDialogueActive {
		turns = append(turns, c.openDialogue(s)...)
		msgs = messaging.SplitSegments(t.ResetNotice + "\n\n" + synth.StripAnnotations(t.Greeting))
	} else {
		s.SessionID = c.opts.NewSessionID()
		s.DialogueOpen = false
		msgs = []models.OutboundMessage{{Text: t.ResetDone}}
	}
	if err := c.commit(s); err != nil {
		return c.failed(ctx, ev, err)
	}
	if err := c.appendTurns(turns...); err != nil {
		slog.Error("Controller.resetHistory: failed to record turns", "user", s.UserID, "error", err)
	}
	c.resetRisk(s.UserID)
	slog.Info("Controller.resetHistory: history reset", "user", s.UserID, "mode", s.Mode, "session_id", s.SessionID)
	c.reply(ctx, ev, msgs...)
	return nil
}

// stopCountdown cancels the user's countdown and credits the time left back
// to the balance. The returned function restores the countdown if the
// change cannot be committed.
func (c *Controller) stopCountdown(s *models.Session) (rollback func()) {
	remaining := c.opts.Timers.Cancel(s.UserID)
	s.BalanceSeconds += int(remaining / time.Second)
	return func() {
		if remaining <= 0 {
			return
		}
		if err := c.opts.Timers.Start(s.UserID, remaining, c.onExpire); err != nil {
			slog.Error("Controller.stopCountdown: failed to restore countdown", "user", s.UserID, "error", err)
		}
	}
}

// endDialogue ends the dialogue on the user's request.
func (c *Controller) endDialogue(ctx context.Context, ev models.InboundEvent, s *models.Session) error {
	rollback := c.stopCountdown(s)
	msgs, err := c.enterSurvey(ctx, s)
	if err != nil {
		rollback()
		slog.Error("Controller.endDialogue: transition failed", "user", s.UserID, "error", err)
		return nil
	}
	if err := c.commit(s); err != nil {
		rollback()
		return c.failed(ctx, ev, err)
	}
	c.opts.Metrics.SetActiveTimers(len(c.opts.Timers.Active()))
	slog.Info("Controller.endDialogue: dialogue ended by user", "user", s.UserID, "balance", s.BalanceSeconds)
	c.reply(ctx, ev, msgs...)
	c.applyMenu(ctx, s.UserID, menu.KeySurvey)
	return nil
}

// dialogueTurn records the user's message and answers it unless a human
// operator has taken over.
func (c *Controller) dialogueTurn(ctx context.Context, ev models.InboundEvent, s *models.Session, dirty bool) error {
	t := c.opts.Texts
	if dirty {
		if err := c.commit(s); err != nil {
			return c.failed(ctx, ev, err)
		}
	}
	if err := c.appendTurns(c.turn(s, models.SpeakerUser, ev.Text, false)); err != nil {
		return c.failed(ctx, ev, err)
	}
	history, err := c.store.ListTurns(s.UserID, s.SessionID, c.opts.HistoryLimit)
	if err != nil {
		return c.failed(ctx, ev, err)
	}
	if c.opts.Risk != nil {
		c.opts.Risk.AssessAsync(ctx, s.UserID, history)
	}
	if s.DelegateToHuman {
		slog.Info("Controller.dialogueTurn: delegated to human, no reply", "user", s.UserID)
		return nil
	}
	if c.opts.Synth == nil {
		slog.Error("Controller.dialogueTurn: no synthesizer configured", "user", s.UserID)
		c.reply(ctx, ev, models.OutboundMessage{Text: t.Apology})
		return nil
	}

	res := c.opts.Synth.Synthesize(ctx, history)
	if res.Outcome == synth.OutcomeApology {
		slog.Warn("Controller.dialogueTurn: synthesizer fell back to apology", "user", s.UserID, "attempts", res.Attempts)
		c.reply(ctx, ev, models.OutboundMessage{Text: res.Text})
		return nil
	}
	if !res.Accepted {
		slog.Warn("Controller.dialogueTurn: sending best-effort reply above similarity threshold",
			"user", s.UserID, "score", res.Score, "attempts", res.Attempts)
	}
	if err := c.appendTurns(c.turn(s, models.SpeakerAssistant, res.Text, false)); err != nil {
		slog.Error("Controller.dialogueTurn: failed to record reply", "user", s.UserID, "error", err)
	}

	out := synth.StripAnnotations(res.Text)
	if res.Terminal {
		return c.closeByModel(ctx, ev, s, out)
	}
	msgs := messaging.SplitSegments(out)
	if len(msgs) == 0 {
		msgs = []models.OutboundMessage{{Text: t.Apology}}
	}
	c.reply(ctx, ev, msgs...)
	return nil
}

// closeByModel ends the dialogue after the model emitted the terminal marker.
func (c *Controller) closeByModel(ctx context.Context, ev models.InboundEvent, s *models.Session, final string) error {
	endTurn := c.turn(s, models.SpeakerUser, models.TurnEndMarker, true)
	rollback := c.stopCountdown(s)
	survey, err := c.enterSurvey(ctx, s)
	if err != nil {
		rollback()
		slog.Error("Controller.closeByModel: transition failed", "user", s.UserID, "error", err)
		return nil
	}
	s.DialogueOpen = false
	if err := c.commit(s); err != nil {
		rollback()
		return c.failed(ctx, ev, err)
	}
	if err := c.appendTurns(endTurn); err != nil {
		slog.Error("Controller.closeByModel: failed to record end marker", "user", s.UserID, "error", err)
	}
	c.opts.Metrics.SetActiveTimers(len(c.opts.Timers.Active()))
	slog.Info("Controller.closeByModel: dialogue finished by counselor", "user", s.UserID, "balance", s.BalanceSeconds)

	var msgs []models.OutboundMessage
	if final != "" {
		msgs = append(msgs, models.OutboundMessage{Text: final})
	}
	c.reply(ctx, ev, append(msgs, survey...)...)
	c.applyMenu(ctx, s.UserID, menu.KeySurvey)
	return nil
}

// onExpire is the countdown callback.
func (c *Controller) onExpire(userID string, gen uint64) {
	c.handleExpiry(context.Background(), userID, gen)
}

// handleExpiry ends a dialogue whose countdown ran out. The time was
// consumed, so the balance is left as is.
func (c *Controller) handleExpiry(ctx context.Context, userID string, gen uint64) {
	unlock := c.locks.lock(userID)
	defer unlock()

	if !c.opts.Timers.Claim(userID, gen) {
		c.opts.Metrics.ObserveExpiry("discarded")
		return
	}
	c.opts.Metrics.SetActiveTimers(len(c.opts.Timers.Active()))

	s, err := c.store.GetSession(userID)
	if err != nil || s == nil {
		slog.Warn("Controller.handleExpiry: session unavailable", "user", userID, "error", err)
		c.opts.Metrics.ObserveExpiry("orphaned")
		return
	}
	if s.Mode != models.ModeDialogueActive {
		slog.Warn("Controller.handleExpiry: countdown fired outside dialogue", "user", userID, "mode", s.Mode)
		c.opts.Metrics.ObserveExpiry("orphaned")
		return
	}
	survey, err := c.enterSurvey(ctx, s)
	if err != nil {
		slog.Error("Controller.handleExpiry: transition failed", "user", userID, "error", err)
		return
	}
	if err := c.commit(s); err != nil {
		slog.Error("Controller.handleExpiry: failed to save session", "user", userID, "error", err)
		return
	}
	c.opts.Metrics.ObserveExpiry("expired")
	slog.Info("Controller.handleExpiry: dialogue time is up", "user", userID)

	msgs := append([]models.OutboundMessage{{Text: c.opts.Texts.TimeUp}}, survey...)
	c.push(ctx, userID, msgs...)
	c.applyMenu(ctx, userID, menu.KeySurvey)
}
