// Package session implements the per-user session controller: the state
// machine that walks each user through consent, a paid countdown dialogue
// and the closing survey.
//
// All mutations for one user are serialized on a per-user lock shared by the
// inbound event path, countdown expiry, payment credits and admin operations.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CounselPipe/internal/countdown"
	"github.com/BTreeMap/CounselPipe/internal/menu"
	"github.com/BTreeMap/CounselPipe/internal/metrics"
	"github.com/BTreeMap/CounselPipe/internal/models"
	"github.com/BTreeMap/CounselPipe/internal/store"
	"github.com/BTreeMap/CounselPipe/internal/synth"
	"github.com/google/uuid"
)

// DefaultHistoryLimit is the number of most recent turns sent to the model.
const DefaultHistoryLimit = 50

// Maintenance flag values stored under store.SettingMaintenance.
const (
	maintenanceOn  = "on"
	maintenanceOff = "off"
)

// Messenger delivers outbound messages to users.
type Messenger interface {
	Reply(ctx context.Context, handle models.ReplyHandle, msgs []models.OutboundMessage) error
	Push(ctx context.Context, userID string, msgs []models.OutboundMessage) error
}

// Synthesizer produces the counselor's next reply.
type Synthesizer interface {
	Synthesize(ctx context.Context, history []models.Turn) synth.Result
}

// RiskAssessor classifies a dialogue off the reply path.
type RiskAssessor interface {
	AssessAsync(ctx context.Context, userID string, turns []models.Turn)
}

// Archiver appends transcripts and survey results to export files.
type Archiver interface {
	AppendTurn(t models.Turn) error
	AppendSurvey(userID, sessionID string, at time.Time, prompts []string, answers map[string]string) error
}

// Opts holds optional controller collaborators and settings.
type Opts struct {
	Timers       *countdown.Registry
	Synth        Synthesizer
	Risk         RiskAssessor
	Archive      Archiver
	Menu         menu.Applier
	Metrics      *metrics.Metrics
	Texts        Texts
	Survey       Survey
	ShopURL      string
	HistoryLimit int
	Now          func() time.Time
	NewSessionID func() string
}

// Option configures a Controller.
type Option func(*Opts)

// WithTimers sets the countdown registry.
func WithTimers(r *countdown.Registry) Option { return func(o *Opts) { o.Timers = r } }

// WithSynthesizer sets the reply synthesizer.
func WithSynthesizer(s Synthesizer) Option { return func(o *Opts) { o.Synth = s } }

// WithRisk sets the risk classifier.
func WithRisk(r RiskAssessor) Option { return func(o *Opts) { o.Risk = r } }

// WithArchive sets the transcript and survey archive.
func WithArchive(a Archiver) Option { return func(o *Opts) { o.Archive = a } }

// WithMenu sets the menu service.
func WithMenu(m menu.Applier) Option { return func(o *Opts) { o.Menu = m } }

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option { return func(o *Opts) { o.Metrics = m } }

// WithTexts replaces the message catalog.
func WithTexts(t Texts) Option { return func(o *Opts) { o.Texts = t } }

// WithSurvey replaces the questionnaire.
func WithSurvey(s Survey) Option { return func(o *Opts) { o.Survey = s } }

// WithShopURL sets the link shown for the shop postback.
func WithShopURL(u string) Option { return func(o *Opts) { o.ShopURL = u } }

// WithHistoryLimit bounds the turns sent to the model.
func WithHistoryLimit(n int) Option { return func(o *Opts) { o.HistoryLimit = n } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(o *Opts) { o.Now = now } }

// WithSessionIDs overrides dialogue session id generation.
func WithSessionIDs(gen func() string) Option { return func(o *Opts) { o.NewSessionID = gen } }

// Controller routes inbound events, expiries and credits to session changes
// and outbound messages.
type Controller struct {
	store store.Store
	msg   Messenger
	opts  Opts
	locks userLocks
}

// NewController creates a controller over the given store and messenger.
func NewController(st store.Store, msg Messenger, opts ...Option) *Controller {
	o := Opts{
		Texts:        DefaultTexts(),
		Survey:       DefaultSurvey(),
		HistoryLimit: DefaultHistoryLimit,
		Now:          time.Now,
		NewSessionID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Timers == nil {
		o.Timers = countdown.NewRegistry()
	}
	return &Controller{store: st, msg: msg, opts: o}
}

// Timers exposes the countdown registry.
func (c *Controller) Timers() *countdown.Registry { return c.opts.Timers }

// HandleEvent processes one inbound user event.
func (c *Controller) HandleEvent(ctx context.Context, ev models.InboundEvent) error {
	if ev.UserID == "" {
		return models.ErrEmptyUserID
	}
	unlock := c.locks.lock(ev.UserID)
	defer unlock()

	if c.maintenanceActive() {
		c.opts.Metrics.ObserveEvent(string(ev.Kind), "maintenance")
		slog.Info("Controller.HandleEvent: maintenance active, event ignored", "user", ev.UserID, "kind", ev.Kind)
		c.reply(ctx, ev, models.OutboundMessage{Text: c.opts.Texts.Maintenance})
		if ev.Kind != models.EventText && ev.Postback != models.PostbackMaintenance {
			c.applyMenu(ctx, ev.UserID, menu.KeyMaintenance)
		}
		return nil
	}

	s, err := c.store.GetSession(ev.UserID)
	if err != nil {
		c.reply(ctx, ev, models.OutboundMessage{Text: c.opts.Texts.Apology})
		return fmt.Errorf("failed to load session for %s: %w", ev.UserID, err)
	}
	if s == nil {
		c.opts.Metrics.ObserveEvent(string(ev.Kind), "new")
		return c.firstContact(ctx, ev)
	}
	c.opts.Metrics.ObserveEvent(string(ev.Kind), string(s.Mode))

	switch ev.Kind {
	case models.EventFollow:
		return c.onFollow(ctx, ev, s)
	case models.EventPostback:
		return c.onPostback(ctx, ev, s)
	case models.EventText:
		return c.onText(ctx, ev, s)
	default:
		slog.Warn("Controller.HandleEvent: unrecognized event kind", "user", ev.UserID, "kind", ev.Kind)
		return nil
	}
}

// firstContact registers a new user and asks for consent.
func (c *Controller) firstContact(ctx context.Context, ev models.InboundEvent) error {
	s := models.NewSession(ev.UserID, c.opts.Now())
	s.Gate = models.GateConsentPending
	if err := c.commit(s); err != nil {
		return c.failed(ctx, ev, err)
	}
	slog.Info("Controller.firstContact: user registered", "user", ev.UserID)
	c.reply(ctx, ev, c.consentPrompt(true)...)
	c.applyMenu(ctx, ev.UserID, menu.KeyConsent)
	return nil
}

func (c *Controller) onFollow(ctx context.Context, ev models.InboundEvent, s *models.Session) error {
	if !s.Consented {
		s.Gate = models.GateConsentPending
		if err := c.commit(s); err != nil {
			return c.failed(ctx, ev, err)
		}
		c.reply(ctx, ev, c.consentPrompt(true)...)
		c.applyMenu(ctx, s.UserID, menu.KeyConsent)
		return nil
	}
	c.reply(ctx, ev, models.OutboundMessage{Text: c.opts.Texts.WelcomeBack})
	c.applyMenu(ctx, s.UserID, menuForMode(s.Mode))
	return nil
}

func (c *Controller) consentPrompt(welcome bool) []models.OutboundMessage {
	t := c.opts.Texts
	var msgs []models.OutboundMessage
	if welcome {
		msgs = append(msgs, models.OutboundMessage{Text: t.Welcome})
	}
	return append(msgs,
		models.OutboundMessage{Text: t.Terms},
		models.OutboundMessage{Text: t.ConsentQuestion, Choices: t.yesNo()},
	)
}

// commit validates and persists the full session snapshot.
func (c *Controller) commit(s *models.Session) error {
	s.UpdatedAt = c.opts.Now()
	if err := s.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid session: %w", err)
	}
	return c.store.SaveSession(*s)
}

// failed reports a commit failure to the user with the generic apology.
func (c *Controller) failed(ctx context.Context, ev models.InboundEvent, err error) error {
	slog.Error("Controller: failed to save session", "user", ev.UserID, "error", err)
	c.reply(ctx, ev, models.OutboundMessage{Text: c.opts.Texts.Apology})
	return err
}

func (c *Controller) reply(ctx context.Context, ev models.InboundEvent, msgs ...models.OutboundMessage) {
	if c.msg == nil || len(msgs) == 0 {
		return
	}
	if err := c.msg.Reply(ctx, ev.Reply, msgs); err != nil {
		slog.Error("Controller.reply: delivery failed", "user", ev.UserID, "error", err)
	}
}

func (c *Controller) push(ctx context.Context, userID string, msgs ...models.OutboundMessage) {
	if c.msg == nil || len(msgs) == 0 {
		return
	}
	if err := c.msg.Push(ctx, userID, msgs); err != nil {
		slog.Error("Controller.push: delivery failed", "user", userID, "error", err)
	}
}

// applyMenu syncs the user's menu. Failures are logged only.
func (c *Controller) applyMenu(ctx context.Context, userID, key string) {
	if c.opts.Menu == nil {
		return
	}
	if err := c.opts.Menu.Apply(ctx, userID, key); err != nil {
		slog.Warn("Controller.applyMenu: failed", "user", userID, "key", key, "error", err)
	}
}

func (c *Controller) appendTurns(turns ...models.Turn) error {
	for _, t := range turns {
		if err := c.store.AppendTurn(t); err != nil {
			return fmt.Errorf("failed to append turn: %w", err)
		}
		if c.opts.Archive != nil {
			if err := c.opts.Archive.AppendTurn(t); err != nil {
				slog.Warn("Controller.appendTurns: archive write failed", "user", t.UserID, "error", err)
			}
		}
	}
	return nil
}

func (c *Controller) resetRisk(userID string) {
	if err := c.store.UpdateRiskScore(userID, models.MinRiskScore, ""); err != nil {
		slog.Warn("Controller.resetRisk: failed", "user", userID, "error", err)
	}
}

func (c *Controller) maintenanceActive() bool {
	v, err := c.store.GetSetting(store.SettingMaintenance)
	if err != nil {
		slog.Warn("Controller.maintenanceActive: failed to read flag, assuming off", "error", err)
		return false
	}
	return v == maintenanceOn
}

func (c *Controller) turn(s *models.Session, speaker models.Speaker, text string, terminal bool) models.Turn {
	return models.Turn{
		UserID:    s.UserID,
		SessionID: s.SessionID,
		Speaker:   speaker,
		Text:      text,
		Terminal:  terminal,
		Timestamp: c.opts.Now(),
	}
}

// menuForMode names the menu a user in mode m should see.
func menuForMode(m models.Mode) string {
	switch m {
	case models.ModeAwaitingConsent:
		return menu.KeyConsent
	case models.ModeDialogueActive:
		return menu.KeyDialogue
	case models.ModeSurveyActive:
		return menu.KeySurvey
	default:
		return menu.KeyStart
	}
}

// Session returns a copy of the stored session, or ErrSessionNotFound.
func (c *Controller) Session(userID string) (*models.Session, error) {
	s, err := c.store.GetSession(userID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, models.ErrSessionNotFound
	}
	return s, nil
}
