package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/CounselPipe/internal/countdown"
	"github.com/BTreeMap/CounselPipe/internal/messaging"
	"github.com/BTreeMap/CounselPipe/internal/models"
	"github.com/BTreeMap/CounselPipe/internal/store"
	"github.com/BTreeMap/CounselPipe/internal/synth"
	"github.com/stretchr/testify/require"
)

// fakeSynth returns queued results, then a fixed accepted reply.
type fakeSynth struct {
	mu        sync.Mutex
	queue     []synth.Result
	histories [][]models.Turn
}

func (f *fakeSynth) Synthesize(ctx context.Context, history []models.Turn) synth.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.histories = append(f.histories, append([]models.Turn(nil), history...))
	if len(f.queue) == 0 {
		return synth.Result{Text: "I see. Tell me more.", Accepted: true, Attempts: 1, Outcome: synth.OutcomeAccepted}
	}
	r := f.queue[0]
	f.queue = f.queue[1:]
	return r
}

func (f *fakeSynth) push(r synth.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, r)
}

func (f *fakeSynth) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.histories)
}

type menuCall struct {
	user string
	key  string
}

// menuRecorder records applied menus.
type menuRecorder struct {
	mu    sync.Mutex
	calls []menuCall
}

func (m *menuRecorder) Apply(ctx context.Context, userID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, menuCall{userID, key})
	return nil
}

func (m *menuRecorder) last(userID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.calls) - 1; i >= 0; i-- {
		if m.calls[i].user == userID {
			return m.calls[i].key
		}
	}
	return ""
}

func (m *menuRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type surveyFlush struct {
	user      string
	sessionID string
	answers   map[string]string
}

// fakeArchive records transcript turns and survey flushes.
type fakeArchive struct {
	mu      sync.Mutex
	turns   []models.Turn
	surveys []surveyFlush
}

func (a *fakeArchive) AppendTurn(t models.Turn) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.turns = append(a.turns, t)
	return nil
}

func (a *fakeArchive) AppendSurvey(userID, sessionID string, at time.Time, prompts []string, answers map[string]string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := make(map[string]string, len(answers))
	for k, v := range answers {
		cp[k] = v
	}
	a.surveys = append(a.surveys, surveyFlush{userID, sessionID, cp})
	return nil
}

func (a *fakeArchive) flushes() []surveyFlush {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]surveyFlush(nil), a.surveys...)
}

// fakeRisk counts assessments per user.
type fakeRisk struct {
	mu    sync.Mutex
	calls map[string]int
	last  []models.Turn
}

func (r *fakeRisk) AssessAsync(ctx context.Context, userID string, turns []models.Turn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = make(map[string]int)
	}
	r.calls[userID]++
	r.last = append([]models.Turn(nil), turns...)
}

func (r *fakeRisk) count(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[userID]
}

// failingStore wraps a store and fails SaveSession on demand.
type failingStore struct {
	*store.InMemoryStore
	mu       sync.Mutex
	failSave bool
}

func (f *failingStore) SaveSession(s models.Session) error {
	f.mu.Lock()
	fail := f.failSave
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return f.InMemoryStore.SaveSession(s)
}

func (f *failingStore) setFail(v bool) {
	f.mu.Lock()
	f.failSave = v
	f.mu.Unlock()
}

type fixture struct {
	t       *testing.T
	ctx     context.Context
	ctrl    *Controller
	store   *failingStore
	msg     *messaging.MockService
	menus   *menuRecorder
	synth   *fakeSynth
	archive *fakeArchive
	risk    *fakeRisk
	timers  *countdown.Registry
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		t:       t,
		ctx:     context.Background(),
		store:   &failingStore{InMemoryStore: store.NewInMemoryStore()},
		msg:     messaging.NewMockService(),
		menus:   &menuRecorder{},
		synth:   &fakeSynth{},
		archive: &fakeArchive{},
		risk:    &fakeRisk{},
		timers:  countdown.NewRegistry(),
	}
	var n int
	var idMu sync.Mutex
	base := []Option{
		WithTimers(f.timers),
		WithSynthesizer(f.synth),
		WithRisk(f.risk),
		WithArchive(f.archive),
		WithMenu(f.menus),
		WithShopURL("https://shop.example.com"),
		WithSessionIDs(func() string {
			idMu.Lock()
			defer idMu.Unlock()
			n++
			return fmt.Sprintf("sess-%d", n)
		}),
	}
	f.ctrl = NewController(f.store, f.msg, append(base, opts...)...)
	t.Cleanup(func() { f.timers.StopAll() })
	return f
}

func (f *fixture) event(ev models.InboundEvent) {
	f.t.Helper()
	ev.Reply = models.ReplyHandle{UserID: ev.UserID, Token: "tok"}
	ev.ReceivedAt = time.Now()
	_ = f.ctrl.HandleEvent(f.ctx, ev)
}

func (f *fixture) text(user, text string) {
	f.t.Helper()
	f.event(models.InboundEvent{Kind: models.EventText, UserID: user, Text: text})
}

func (f *fixture) postback(user string, pb models.Postback) {
	f.t.Helper()
	f.event(models.InboundEvent{Kind: models.EventPostback, UserID: user, Postback: pb})
}

func (f *fixture) follow(user string) {
	f.t.Helper()
	f.event(models.InboundEvent{Kind: models.EventFollow, UserID: user})
}

func (f *fixture) session(user string) *models.Session {
	f.t.Helper()
	s, err := f.store.GetSession(user)
	require.NoError(f.t, err)
	require.NotNil(f.t, s, "session for %s", user)
	return s
}

// consented registers the user and accepts the terms.
func (f *fixture) consented(user string) {
	f.t.Helper()
	f.follow(user)
	f.text(user, "yes")
	require.Equal(f.t, models.ModeIdle, f.session(user).Mode)
}

// inDialogue brings a consented user with the given balance into a dialogue.
func (f *fixture) inDialogue(user string, seconds int) {
	f.t.Helper()
	f.consented(user)
	_, err := f.ctrl.CreditBalance(f.ctx, user, seconds)
	require.NoError(f.t, err)
	f.postback(user, models.PostbackStartChat)
	f.text(user, "yes")
	require.Equal(f.t, models.ModeDialogueActive, f.session(user).Mode)
}

// lastTexts returns the texts of the most recent delivery to user.
func (f *fixture) lastTexts(user string) []string {
	f.t.Helper()
	d := f.msg.Deliveries()
	for i := len(d) - 1; i >= 0; i-- {
		if d[i].UserID == user {
			out := make([]string, 0, len(d[i].Messages))
			for _, m := range d[i].Messages {
				out = append(out, m.Text)
			}
			return out
		}
	}
	return nil
}

func (f *fixture) turns(user, sessionID string) []models.Turn {
	f.t.Helper()
	turns, err := f.store.ListTurns(user, sessionID, 0)
	require.NoError(f.t, err)
	return turns
}
