// Package menu maintains the per-user menu (visual state) shown alongside the
// conversation. On text transports a menu is pushed as a numbered listing of
// its actions.
package menu

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/BTreeMap/CounselPipe/internal/messaging"
	"github.com/BTreeMap/CounselPipe/internal/models"
)

// Menu keys.
const (
	KeyConsent     = "consent"
	KeyStart       = "start"
	KeyDialogue    = "dialogue"
	KeySurvey      = "survey"
	KeyMaintenance = "maintenance"

	remainingPrefix = "remaining:"
	remainingOver   = "60+"
)

// Applier switches the menu a user sees.
type Applier interface {
	Apply(ctx context.Context, userID, key string) error
}

// RemainingKey names the remaining-time menu for a bucketed minute count.
func RemainingKey(minutes int, over bool) string {
	if over {
		return remainingPrefix + remainingOver
	}
	return remainingPrefix + strconv.Itoa(minutes)
}

// ParseRemainingKey reverses RemainingKey.
func ParseRemainingKey(key string) (minutes int, over bool, ok bool) {
	rest, found := strings.CutPrefix(key, remainingPrefix)
	if !found {
		return 0, false, false
	}
	if rest == remainingOver {
		return 60, true, true
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 || n >= 60 {
		return 0, false, false
	}
	return n, false, true
}

// Item is one menu action.
type Item struct {
	Label    string
	Postback models.Postback
}

// Menu is a titled list of actions.
type Menu struct {
	Title string
	Items []Item
}

// DefaultMenus returns the built-in menu definitions.
func DefaultMenus() map[string]Menu {
	return map[string]Menu{
		KeyConsent: {Title: "Consent", Items: []Item{
			{"I agree", models.PostbackConsent},
			{"I do not agree", models.PostbackNoConsent},
		}},
		KeyStart: {Title: "Main menu", Items: []Item{
			{"Start counseling", models.PostbackStartChat},
			{"Buy time", models.PostbackShop},
			{"Reset history", models.PostbackResetHist},
		}},
		KeyDialogue: {Title: "Counseling in progress", Items: []Item{
			{"Time left", models.PostbackCheckTime},
			{"End counseling", models.PostbackEndChat},
			{"Reset history", models.PostbackResetHist},
		}},
		KeySurvey: {Title: "Survey", Items: []Item{
			{"End survey", models.PostbackEndSurvey},
		}},
		KeyMaintenance: {Title: "Under maintenance", Items: []Item{
			{"Status", models.PostbackMaintenance},
		}},
	}
}

// remainingMenu builds the menu shown after a time check.
func remainingMenu(minutes int, over bool) Menu {
	title := fmt.Sprintf("About %d min left", minutes)
	if over {
		title = "60 min or more left"
	}
	return Menu{Title: title, Items: []Item{
		{"Refresh", models.PostbackUpdateTime},
		{"Back", models.PostbackBackToMenu},
		{"End counseling", models.PostbackEndChat},
	}}
}

// Render formats a menu as one outbound segment whose choices name the
// postback command to type.
func Render(m Menu) models.OutboundMessage {
	choices := make([]string, 0, len(m.Items))
	for _, it := range m.Items {
		choices = append(choices, fmt.Sprintf("%s (/%s)", it.Label, it.Postback))
	}
	return models.OutboundMessage{Text: "[" + m.Title + "]", Choices: choices}
}

// TextMenu applies menus by pushing their listing through a messaging
// service, remembering the last key applied per user.
type TextMenu struct {
	svc   messaging.Service
	menus map[string]Menu

	mu      sync.RWMutex
	current map[string]string
}

// Option configures a TextMenu.
type Option func(*TextMenu)

// WithMenus replaces the menu definitions.
func WithMenus(menus map[string]Menu) Option {
	return func(t *TextMenu) { t.menus = menus }
}

// NewTextMenu creates a TextMenu backed by svc.
func NewTextMenu(svc messaging.Service, opts ...Option) *TextMenu {
	t := &TextMenu{svc: svc, menus: DefaultMenus(), current: make(map[string]string)}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Lookup resolves a key to its menu.
func (t *TextMenu) Lookup(key string) (Menu, bool) {
	if minutes, over, ok := ParseRemainingKey(key); ok {
		return remainingMenu(minutes, over), true
	}
	m, ok := t.menus[key]
	return m, ok
}

// Apply pushes the menu for key to the user and records it as current.
func (t *TextMenu) Apply(ctx context.Context, userID, key string) error {
	m, ok := t.Lookup(key)
	if !ok {
		return fmt.Errorf("unknown menu %q", key)
	}
	if err := t.svc.Push(ctx, userID, []models.OutboundMessage{Render(m)}); err != nil {
		return fmt.Errorf("failed to apply menu %q: %w", key, err)
	}
	t.mu.Lock()
	t.current[userID] = key
	t.mu.Unlock()
	slog.Debug("TextMenu.Apply: menu applied", "user", userID, "key", key)
	return nil
}

// Current returns the last key applied for a user.
func (t *TextMenu) Current(userID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	key, ok := t.current[userID]
	return key, ok
}
