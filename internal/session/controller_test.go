package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/CounselPipe/internal/menu"
	"github.com/BTreeMap/CounselPipe/internal/models"
	"github.com/BTreeMap/CounselPipe/internal/synth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleEvent_EmptyUser(t *testing.T) {
	f := newFixture(t)
	err := f.ctrl.HandleEvent(f.ctx, models.InboundEvent{Kind: models.EventText, Text: "hi"})
	assert.ErrorIs(t, err, models.ErrEmptyUserID)
}

func TestFirstContact_AsksForConsent(t *testing.T) {
	f := newFixture(t)
	f.follow("u1")

	s := f.session("u1")
	assert.Equal(t, models.ModeAwaitingConsent, s.Mode)
	assert.Equal(t, models.GateConsentPending, s.Gate)
	assert.False(t, s.Consented)

	texts := f.lastTexts("u1")
	require.Len(t, texts, 3)
	assert.Equal(t, DefaultTexts().Welcome, texts[0])
	assert.Equal(t, DefaultTexts().ConsentQuestion, texts[2])
	assert.Equal(t, menu.KeyConsent, f.menus.last("u1"))
}

func TestFirstContact_TextFromUnknownUser(t *testing.T) {
	f := newFixture(t)
	f.text("u1", "hello?")

	s := f.session("u1")
	assert.Equal(t, models.ModeAwaitingConsent, s.Mode)
	assert.Equal(t, models.GateConsentPending, s.Gate)
}

func TestConsent_Yes(t *testing.T) {
	f := newFixture(t)
	f.consented("u1")

	s := f.session("u1")
	assert.True(t, s.Consented)
	assert.Equal(t, models.GateNone, s.Gate)
	assert.Equal(t, []string{DefaultTexts().ChooseDuration}, f.lastTexts("u1"))
	assert.Equal(t, menu.KeyStart, f.menus.last("u1"))
}

func TestConsent_Declined(t *testing.T) {
	f := newFixture(t)
	f.follow("u1")
	f.text("u1", "no thanks")

	s := f.session("u1")
	assert.Equal(t, models.ModeAwaitingConsent, s.Mode)
	assert.Equal(t, models.GateNone, s.Gate)
	assert.False(t, s.Consented)
	assert.Equal(t, []string{DefaultTexts().ConsentDeclined}, f.lastTexts("u1"))

	// Without a pending gate further text points at the menu.
	f.text("u1", "yes")
	assert.Equal(t, models.ModeAwaitingConsent, f.session("u1").Mode)
	assert.Equal(t, []string{DefaultTexts().ConsentViaMenu}, f.lastTexts("u1"))

	// The menu re-opens the question.
	f.postback("u1", models.PostbackConsent)
	assert.Equal(t, models.GateConsentPending, f.session("u1").Gate)
	f.text("u1", "Yes")
	assert.Equal(t, models.ModeIdle, f.session("u1").Mode)
}

func TestFollow_ConsentedUserGetsMenu(t *testing.T) {
	f := newFixture(t)
	f.consented("u1")
	f.follow("u1")

	assert.Equal(t, []string{DefaultTexts().WelcomeBack}, f.lastTexts("u1"))
	assert.Equal(t, menu.KeyStart, f.menus.last("u1"))
}

func TestStartChat_NoBalance(t *testing.T) {
	f := newFixture(t)
	f.consented("u1")
	f.postback("u1", models.PostbackStartChat)

	s := f.session("u1")
	assert.Equal(t, models.ModeIdle, s.Mode)
	assert.Equal(t, models.GateNone, s.Gate)
	assert.Equal(t, []string{DefaultTexts().NoBalance}, f.lastTexts("u1"))
}

func TestStartChat_ConfirmShowsBalance(t *testing.T) {
	f := newFixture(t)
	f.consented("u1")
	_, err := f.ctrl.CreditBalance(f.ctx, "u1", 90)
	require.NoError(t, err)

	f.postback("u1", models.PostbackStartChat)
	assert.Equal(t, models.GateStartConfirm, f.session("u1").Gate)
	texts := f.lastTexts("u1")
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "1 min 30 sec")
}

func TestStartChat_Declined(t *testing.T) {
	f := newFixture(t)
	f.consented("u1")
	_, err := f.ctrl.CreditBalance(f.ctx, "u1", 90)
	require.NoError(t, err)

	f.postback("u1", models.PostbackStartChat)
	f.text("u1", "no")

	s := f.session("u1")
	assert.Equal(t, models.ModeIdle, s.Mode)
	assert.Equal(t, 90, s.BalanceSeconds)
	assert.False(t, f.timers.Has("u1"))
	assert.Equal(t, []string{DefaultTexts().StartCancelled}, f.lastTexts("u1"))
}

func TestStartChat_OpensDialogue(t *testing.T) {
	f := newFixture(t)
	f.inDialogue("u1", 600)

	s := f.session("u1")
	assert.Equal(t, 0, s.BalanceSeconds)
	assert.True(t, s.DialogueOpen)
	assert.Equal(t, "sess-1", s.SessionID)
	assert.True(t, f.timers.Has("u1"))
	assert.InDelta(t, 600, f.timers.Remaining("u1").Seconds(), 2)

	turns := f.turns("u1", s.SessionID)
	require.Len(t, turns, 2)
	assert.Equal(t, models.TurnStartMarker, turns[0].Text)
	assert.True(t, turns[0].Terminal)
	assert.Equal(t, models.SpeakerAssistant, turns[1].Speaker)
	assert.Equal(t, []string{DefaultTexts().Greeting}, f.lastTexts("u1"))
	assert.Equal(t, menu.KeyDialogue, f.menus.last("u1"))
}

func TestStartChat_AlreadyActive(t *testing.T) {
	f := newFixture(t)
	f.inDialogue("u1", 600)
	f.postback("u1", models.PostbackStartChat)

	assert.Equal(t, models.ModeDialogueActive, f.session("u1").Mode)
	assert.Equal(t, []string{DefaultTexts().AlreadyActive}, f.lastTexts("u1"))
}

func TestStartChat_TimerExists(t *testing.T) {
	f := newFixture(t)
	f.consented("u1")
	_, err := f.ctrl.CreditBalance(f.ctx, "u1", 60)
	require.NoError(t, err)
	require.NoError(t, f.timers.Start("u1", time.Hour, func(string, uint64) {}))

	f.postback("u1", models.PostbackStartChat)
	f.text("u1", "yes")

	s := f.session("u1")
	assert.Equal(t, models.ModeIdle, s.Mode)
	assert.Equal(t, 60, s.BalanceSeconds)
	assert.Equal(t, []string{DefaultTexts().Apology}, f.lastTexts("u1"))
}

func TestStartChat_SaveFailureCancelsCountdown(t *testing.T) {
	f := newFixture(t)
	f.consented("u1")
	_, err := f.ctrl.CreditBalance(f.ctx, "u1", 60)
	require.NoError(t, err)
	f.postback("u1", models.PostbackStartChat)

	f.store.setFail(true)
	f.text("u1", "yes")
	f.store.setFail(false)

	s := f.session("u1")
	assert.Equal(t, models.ModeIdle, s.Mode)
	assert.Equal(t, 60, s.BalanceSeconds)
	assert.False(t, f.timers.Has("u1"))
	assert.Equal(t, []string{DefaultTexts().Apology}, f.lastTexts("u1"))
}

func TestDialogue_Reply(t *testing.T) {
	f := newFixture(t)
	f.inDialogue("u1", 600)
	f.synth.push(synth.Result{Text: "That sounds hard.\n\nWhat happened next?", Accepted: true, Attempts: 1, Outcome: synth.OutcomeAccepted})

	f.text("u1", "I had a rough week")

	assert.Equal(t, []string{"That sounds hard.", "What happened next?"}, f.lastTexts("u1"))
	turns := f.turns("u1", f.session("u1").SessionID)
	require.Len(t, turns, 4)
	assert.Equal(t, "I had a rough week", turns[2].Text)
	assert.Equal(t, models.SpeakerAssistant, turns[3].Speaker)
	assert.Equal(t, 1, f.risk.count("u1"))

	// The model saw the whole dialogue so far.
	require.Equal(t, 1, f.synth.calls())
	assert.Len(t, f.synth.histories[0], 3)
}

func TestDialogue_Delegated(t *testing.T) {
	f := newFixture(t)
	f.inDialogue("u1", 600)
	require.NoError(t, f.ctrl.SetDelegate(f.ctx, "u1", true))
	before := len(f.msg.Deliveries())

	f.text("u1", "are you there?")

	assert.Len(t, f.msg.Deliveries(), before)
	assert.Equal(t, 0, f.synth.calls())
	assert.Equal(t, 1, f.risk.count("u1"))
	turns := f.turns("u1", f.session("u1").SessionID)
	assert.Equal(t, "are you there?", turns[len(turns)-1].Text)
}

func TestDialogue_ApologyNotRecorded(t *testing.T) {
	f := newFixture(t)
	f.inDialogue("u1", 600)
	f.synth.push(synth.Result{Text: "Sorry, please say that again.", Attempts: 3, Outcome: synth.OutcomeApology})

	f.text("u1", "hello")

	assert.Equal(t, []string{"Sorry, please say that again."}, f.lastTexts("u1"))
	turns := f.turns("u1", f.session("u1").SessionID)
	assert.Equal(t, models.SpeakerUser, turns[len(turns)-1].Speaker)
}

func TestDialogue_AnnotationsStripped(t *testing.T) {
	f := newFixture(t)
	f.inDialogue("u1", 600)
	f.synth.push(synth.Result{Text: "[empathy] I hear you.", Accepted: true, Attempts: 1, Outcome: synth.OutcomeAccepted})

	f.text("u1", "hello")

	assert.Equal(t, []string{"I hear you."}, f.lastTexts("u1"))
	turns := f.turns("u1", f.session("u1").SessionID)
	assert.Equal(t, "[empathy] I hear you.", turns[len(turns)-1].Text)
}

func TestDialogue_TerminalReplyClosesDialogue(t *testing.T) {
	f := newFixture(t)
	f.inDialogue("u1", 90)
	sessionID := f.session("u1").SessionID
	f.synth.push(synth.Result{Text: "Take care of yourself.", Terminal: true, Accepted: true, Attempts: 1, Outcome: synth.OutcomeAccepted})

	f.text("u1", "thank you, that's all")

	s := f.session("u1")
	assert.Equal(t, models.ModeSurveyActive, s.Mode)
	assert.Equal(t, models.GateSurveyOptIn, s.Gate)
	assert.False(t, s.DialogueOpen)
	assert.InDelta(t, 90, s.BalanceSeconds, 2)
	assert.False(t, f.timers.Has("u1"))

	texts := f.lastTexts("u1")
	sv := DefaultSurvey()
	assert.Equal(t, []string{"Take care of yourself.", sv.Intro, sv.OptIn}, texts)
	assert.Equal(t, menu.KeySurvey, f.menus.last("u1"))

	turns := f.turns("u1", sessionID)
	last := turns[len(turns)-1]
	assert.Equal(t, models.TurnEndMarker, last.Text)
	assert.True(t, last.Terminal)
}

func TestEndChat_Confirmed(t *testing.T) {
	f := newFixture(t)
	f.inDialogue("u1", 600)

	f.postback("u1", models.PostbackEndChat)
	assert.Equal(t, models.GateEndDialogueConfirm, f.session("u1").Gate)
	f.text("u1", "yes")

	s := f.session("u1")
	assert.Equal(t, models.ModeSurveyActive, s.Mode)
	assert.Equal(t, models.GateSurveyOptIn, s.Gate)
	assert.InDelta(t, 600, s.BalanceSeconds, 2)
	assert.True(t, s.DialogueOpen)
	assert.False(t, f.timers.Has("u1"))
	assert.Equal(t, menu.KeySurvey, f.menus.last("u1"))
}

func TestEndChat_Declined(t *testing.T) {
	f := newFixture(t)
	f.inDialogue("u1", 600)

	f.postback("u1", models.PostbackEndChat)
	f.text("u1", "no")

	s := f.session("u1")
	assert.Equal(t, models.ModeDialogueActive, s.Mode)
	assert.Equal(t, models.GateNone, s.Gate)
	assert.True(t, f.timers.Has("u1"))
	assert.Equal(t, []string{DefaultTexts().Continuing}, f.lastTexts("u1"))
	assert.Equal(t, 0, f.synth.calls())
}

func TestResume_AfterEndWithoutSurveyClose(t *testing.T) {
	f := newFixture(t)
	f.inDialogue("u1", 600)
	sessionID := f.session("u1").SessionID
	f.postback("u1", models.PostbackEndChat)
	f.text("u1", "yes")
	// Declining the survey keeps the dialogue open for a later resume.
	f.text("u1", "no")
	require.Equal(t, models.ModeIdle, f.session("u1").Mode)

	f.postback("u1", models.PostbackStartChat)
	f.text("u1", "yes")

	s := f.session("u1")
	assert.Equal(t, models.ModeDialogueActive, s.Mode)
	assert.Equal(t, sessionID, s.SessionID)
	assert.Equal(t, []string{DefaultTexts().Resume}, f.lastTexts("u1"))
}

func TestCheckTime_AppliesRemainingMenu(t *testing.T) {
	f := newFixture(t)
	f.inDialogue("u1", 90)
	f.postback("u1", models.PostbackCheckTime)
	assert.Equal(t, menu.RemainingKey(1, false), f.menus.last("u1"))
}

func TestCheckTime_OverAnHour(t *testing.T) {
	f := newFixture(t)
	f.inDialogue("u1", 4000)
	f.postback("u1", models.PostbackUpdateTime)
	assert.Equal(t, menu.RemainingKey(60, true), f.menus.last("u1"))

	f.postback("u1", models.PostbackBackToMenu)
	assert.Equal(t, menu.KeyDialogue, f.menus.last("u1"))
}

func TestTimerLost_FallsBackToIdle(t *testing.T) {
	f := newFixture(t)
	f.inDialogue("u1", 600)
	f.timers.Cancel("u1")

	f.postback("u1", models.PostbackCheckTime)

	assert.Equal(t, models.ModeIdle, f.session("u1").Mode)
	assert.Equal(t, menu.KeyStart, f.menus.last("u1"))
}

func TestMenuGuard_StalePostback(t *testing.T) {
	f := newFixture(t)
	f.consented("u1")
	before := len(f.msg.Deliveries())

	f.postback("u1", models.PostbackEndSurvey)

	assert.Equal(t, models.ModeIdle, f.session("u1").Mode)
	assert.Len(t, f.msg.Deliveries(), before)
	assert.Equal(t, menu.KeyStart, f.menus.last("u1"))
}

func TestShop_SendsLink(t *testing.T) {
	f := newFixture(t)
	f.consented("u1")
	f.postback("u1", models.PostbackShop)

	texts := f.lastTexts("u1")
	require.Len(t, texts, 1)
	assert.True(t, strings.HasSuffix(texts[0], "https://shop.example.com"))
}

func TestResetHistory_Idle(t *testing.T) {
	f := newFixture(t)
	f.consented("u1")

	f.postback("u1", models.PostbackResetHist)
	assert.Equal(t, models.GateResetConfirm, f.session("u1").Gate)
	f.text("u1", "yes")

	s := f.session("u1")
	assert.Equal(t, models.GateNone, s.Gate)
	assert.Equal(t, "sess-1", s.SessionID)
	assert.False(t, s.DialogueOpen)
	assert.Equal(t, []string{DefaultTexts().ResetDone}, f.lastTexts("u1"))
}

func TestResetHistory_Cancelled(t *testing.T) {
	f := newFixture(t)
	f.consented("u1")
	f.postback("u1", models.PostbackResetHist)
	f.text("u1", "no")

	assert.Equal(t, "", f.session("u1").SessionID)
	assert.Equal(t, []string{DefaultTexts().ResetCancelled}, f.lastTexts("u1"))
}

func TestResetHistory_DuringDialogue(t *testing.T) {
	f := newFixture(t)
	f.inDialogue("u1", 600)
	f.text("u1", "something private")
	old := f.session("u1").SessionID
	require.NoError(t, f.store.UpdateRiskScore("u1", 2, "worry"))

	f.postback("u1", models.PostbackResetHist)
	f.text("u1", "yes")

	s := f.session("u1")
	assert.Equal(t, models.ModeDialogueActive, s.Mode)
	assert.NotEqual(t, old, s.SessionID)
	assert.True(t, s.DialogueOpen)
	assert.Equal(t, 0, s.RiskScore)
	assert.True(t, f.timers.Has("u1"))

	oldTurns := f.turns("u1", old)
	assert.Equal(t, models.TurnEndMarker, oldTurns[len(oldTurns)-1].Text)
	newTurns := f.turns("u1", s.SessionID)
	require.Len(t, newTurns, 2)
	assert.Equal(t, models.TurnStartMarker, newTurns[0].Text)

	texts := f.lastTexts("u1")
	assert.Equal(t, []string{DefaultTexts().ResetNotice, DefaultTexts().Greeting}, texts)
}

func TestStoreFailure_RepliesApology(t *testing.T) {
	f := newFixture(t)
	f.consented("u1")
	f.store.setFail(true)
	defer f.store.setFail(false)

	f.postback("u1", models.PostbackResetHist)

	assert.Equal(t, []string{DefaultTexts().Apology}, f.lastTexts("u1"))
	assert.Equal(t, models.GateNone, f.session("u1").Gate)
}

func TestMessengerFailureDoesNotBreakEvent(t *testing.T) {
	f := newFixture(t)
	f.msg.Err = assert.AnError
	f.follow("u1")
	assert.Equal(t, models.GateConsentPending, f.session("u1").Gate)
}

func TestSession_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctrl.Session("ghost")
	assert.ErrorIs(t, err, models.ErrSessionNotFound)
}

func TestTransition(t *testing.T) {
	ctx := context.Background()

	s := &models.Session{UserID: "u", Mode: models.ModeIdle, Gate: models.GateStartConfirm}
	require.NoError(t, transition(ctx, s, transStartDialogue))
	assert.Equal(t, models.ModeDialogueActive, s.Mode)
	assert.Equal(t, models.GateNone, s.Gate, "start gate is not valid in dialogue")

	s = &models.Session{UserID: "u", Mode: models.ModeIdle}
	err := transition(ctx, s, transEnterSurvey)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, models.ModeIdle, s.Mode)

	s = &models.Session{UserID: "u", Mode: models.ModeIdle, Gate: models.GateResetConfirm}
	require.NoError(t, transition(ctx, s, transReset))
	assert.Equal(t, models.ModeIdle, s.Mode)
	assert.Equal(t, models.GateResetConfirm, s.Gate)

	s = &models.Session{UserID: "u", Mode: models.ModeAwaitingConsent}
	assert.ErrorIs(t, transition(ctx, s, transReset), ErrIllegalTransition)
}

func TestYesNo(t *testing.T) {
	tx := DefaultTexts()
	for _, in := range []string{"yes", " YES ", "y", "1", "Yes"} {
		assert.True(t, tx.isYes(in), in)
	}
	for _, in := range []string{"", "yess", "ok", "no"} {
		assert.False(t, tx.isYes(in), in)
	}
	for _, in := range []string{"no", "N", "2", "No"} {
		assert.True(t, tx.isNo(in), in)
	}
	assert.False(t, tx.isNo("yes"))
}
