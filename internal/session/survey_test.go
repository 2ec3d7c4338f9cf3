package session

import (
	"testing"
	"time"

	"github.com/BTreeMap/CounselPipe/internal/menu"
	"github.com/BTreeMap/CounselPipe/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// inSurvey ends a running dialogue so the user sits at the survey opt-in.
func (f *fixture) inSurvey(user string) {
	f.t.Helper()
	f.inDialogue(user, 600)
	f.postback(user, models.PostbackEndChat)
	f.text(user, "yes")
	require.Equal(f.t, models.ModeSurveyActive, f.session(user).Mode)
}

func TestSurvey_FullRun(t *testing.T) {
	f := newFixture(t)
	f.inSurvey("u1")
	sessionID := f.session("u1").SessionID
	sv := DefaultSurvey()

	f.text("u1", "yes")
	assert.Equal(t, 1, f.session("u1").SurveyProgress)
	assert.Equal(t, []string{sv.Prompts[0]}, f.lastTexts("u1"))

	// An answer outside the choices repeats the prompt.
	f.text("u1", "7")
	assert.Equal(t, 1, f.session("u1").SurveyProgress)
	assert.Equal(t, []string{sv.Prompts[0]}, f.lastTexts("u1"))

	f.text("u1", "1")
	f.text("u1", "good")
	f.text("u1", "3:Neutral")
	f.text("u1", "4")
	assert.Equal(t, sv.freeTextStep(), f.session("u1").SurveyProgress)
	assert.Equal(t, []string{sv.FreeText}, f.lastTexts("u1"))

	f.text("u1", "  It helped a lot.  ")

	s := f.session("u1")
	assert.Equal(t, models.ModeIdle, s.Mode)
	assert.Equal(t, models.SurveyComplete, s.SurveyProgress)
	assert.Empty(t, s.SurveyAnswers)
	assert.False(t, s.DialogueOpen)
	assert.Equal(t, []string{DefaultTexts().Thanks}, f.lastTexts("u1"))
	assert.Equal(t, menu.KeyStart, f.menus.last("u1"))

	flushes := f.archive.flushes()
	require.Len(t, flushes, 1)
	assert.Equal(t, sessionID, flushes[0].sessionID)
	assert.Equal(t, map[string]string{
		sv.Prompts[0]: "1:Very good",
		sv.Prompts[1]: "2:Good",
		sv.Prompts[2]: "3:Neutral",
		sv.Prompts[3]: "4:Bad",
		sv.FreeText:   "It helped a lot.",
	}, flushes[0].answers)
}

func TestSurvey_Declined(t *testing.T) {
	f := newFixture(t)
	f.inSurvey("u1")

	f.text("u1", "no")

	s := f.session("u1")
	assert.Equal(t, models.ModeIdle, s.Mode)
	assert.Equal(t, 0, s.SurveyProgress)
	assert.True(t, s.DialogueOpen)
	assert.Empty(t, f.archive.flushes())
	assert.Equal(t, []string{DefaultTexts().Thanks}, f.lastTexts("u1"))
}

func TestSurvey_TextWithoutOptInGateRepeatsOptIn(t *testing.T) {
	f := newFixture(t)
	f.inSurvey("u1")

	// Drop the gate behind the controller's back.
	s := f.session("u1")
	s.Gate = models.GateNone
	require.NoError(t, f.store.SaveSession(*s))

	f.text("u1", "what is this?")

	s = f.session("u1")
	assert.Equal(t, models.ModeSurveyActive, s.Mode)
	assert.Equal(t, models.GateSurveyOptIn, s.Gate)
	sv := DefaultSurvey()
	assert.Equal(t, []string{sv.Intro, sv.OptIn}, f.lastTexts("u1"))
}

func TestSurvey_EndEarly(t *testing.T) {
	f := newFixture(t)
	f.inSurvey("u1")
	sv := DefaultSurvey()
	f.text("u1", "yes")
	f.text("u1", "1")

	f.postback("u1", models.PostbackEndSurvey)
	assert.Equal(t, models.GateEndSurveyConfirm, f.session("u1").Gate)
	f.text("u1", "no")

	s := f.session("u1")
	assert.Equal(t, models.ModeSurveyActive, s.Mode)
	assert.Equal(t, 2, s.SurveyProgress)
	assert.Equal(t, []string{sv.Prompts[1]}, f.lastTexts("u1"))

	f.postback("u1", models.PostbackEndSurvey)
	f.text("u1", "yes")

	s = f.session("u1")
	assert.Equal(t, models.ModeIdle, s.Mode)
	assert.Equal(t, 0, s.SurveyProgress)
	assert.False(t, s.DialogueOpen)

	flushes := f.archive.flushes()
	require.Len(t, flushes, 1)
	assert.Equal(t, map[string]string{sv.Prompts[0]: "1:Very good"}, flushes[0].answers)
}

func TestSurvey_EndBeforeAnyAnswer(t *testing.T) {
	f := newFixture(t)
	f.inSurvey("u1")

	f.postback("u1", models.PostbackEndSurvey)
	f.text("u1", "yes")

	assert.Equal(t, models.ModeIdle, f.session("u1").Mode)
	assert.Empty(t, f.archive.flushes())
}

func TestExpiry_EntersSurvey(t *testing.T) {
	f := newFixture(t)
	f.inDialogue("u1", 1)

	require.Eventually(t, func() bool {
		s, err := f.store.GetSession("u1")
		return err == nil && s != nil && s.Mode == models.ModeSurveyActive
	}, 5*time.Second, 20*time.Millisecond)

	s := f.session("u1")
	assert.Equal(t, 0, s.BalanceSeconds)
	assert.Equal(t, models.GateSurveyOptIn, s.Gate)
	assert.False(t, f.timers.Has("u1"))

	require.Eventually(t, func() bool {
		texts := f.lastTexts("u1")
		return len(texts) == 3 && texts[0] == DefaultTexts().TimeUp
	}, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return f.menus.last("u1") == menu.KeySurvey
	}, time.Second, 10*time.Millisecond)
}

func TestExpiry_KeepsCreditArrivedDuringDialogue(t *testing.T) {
	f := newFixture(t)
	f.inDialogue("u1", 1)
	_, err := f.ctrl.CreditBalance(f.ctx, "u1", 120)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := f.store.GetSession("u1")
		return err == nil && s != nil && s.Mode == models.ModeSurveyActive
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 120, f.session("u1").BalanceSeconds)
}

func TestExpiry_StaleGenerationDiscarded(t *testing.T) {
	f := newFixture(t)
	f.inDialogue("u1", 600)

	f.ctrl.handleExpiry(f.ctx, "u1", 9999)

	assert.Equal(t, models.ModeDialogueActive, f.session("u1").Mode)
	assert.True(t, f.timers.Has("u1"))
}

func TestExpiry_AfterEndIsDiscarded(t *testing.T) {
	f := newFixture(t)
	f.inDialogue("u1", 600)
	info := f.timers.Active()
	require.Len(t, info, 1)

	f.postback("u1", models.PostbackEndChat)
	f.text("u1", "yes")
	before := len(f.msg.Deliveries())

	// Any generation is stale once the countdown was cancelled.
	for gen := uint64(0); gen < 5; gen++ {
		f.ctrl.handleExpiry(f.ctx, "u1", gen)
	}

	assert.Equal(t, models.ModeSurveyActive, f.session("u1").Mode)
	assert.Len(t, f.msg.Deliveries(), before)
}

func TestMatchChoice(t *testing.T) {
	sv := DefaultSurvey()
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"1", "1:Very good", true},
		{"very good", "1:Very good", true},
		{"5:Very bad", "5:Very bad", true},
		{" 3 ", "3:Neutral", true},
		{"6", "", false},
		{"", "", false},
		{"neutral-ish", "", false},
	}
	for _, tt := range tests {
		got, ok := sv.matchChoice(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestStepMessages(t *testing.T) {
	sv := DefaultSurvey()
	yn := DefaultTexts().yesNo()

	msgs := sv.stepMessages(0, yn)
	require.Len(t, msgs, 2)
	assert.Equal(t, yn, msgs[1].Choices)

	msgs = sv.stepMessages(2, yn)
	require.Len(t, msgs, 1)
	assert.Equal(t, sv.Prompts[1], msgs[0].Text)
	assert.Equal(t, sv.Choices, msgs[0].Choices)

	msgs = sv.stepMessages(sv.freeTextStep(), yn)
	require.Len(t, msgs, 1)
	assert.Equal(t, sv.FreeText, msgs[0].Text)
	assert.Empty(t, msgs[0].Choices)
}
