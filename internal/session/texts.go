package session

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/CounselPipe/internal/countdown"
)

// Texts is the catalog of user-facing messages.
type Texts struct {
	YesLabel string
	NoLabel  string

	Welcome         string
	Terms           string
	ConsentQuestion string
	ConsentDeclined string
	ConsentViaMenu  string
	WelcomeBack     string

	ChooseDuration string
	NoBalance      string
	StartConfirm   string // formatted with minutes and seconds
	StartCancelled string
	Greeting       string
	Resume         string
	AlreadyActive  string

	ResetConfirm   string
	ResetDone      string
	ResetNotice    string
	ResetCancelled string

	EndConfirm string
	Continuing string
	TimeUp     string

	EndSurveyConfirm string
	Thanks           string

	Maintenance     string
	MaintenanceOver string
	PaymentThanks   string // formatted with purchased minutes
	Shop            string // formatted with the shop URL
	Apology         string
}

// DefaultTexts returns the built-in English catalog.
func DefaultTexts() Texts {
	return Texts{
		YesLabel: "Yes",
		NoLabel:  "No",

		Welcome:         "Thank you for adding us!",
		Terms:           "Before we begin: conversations are with an AI counselor, are recorded for quality and research, and are not a substitute for emergency care. If you are in danger, contact your local emergency services.",
		ConsentQuestion: "Do you agree to these terms?",
		ConsentDeclined: "Without your agreement we cannot start a counseling session. You can agree at any time from the menu.",
		ConsentViaMenu:  "Please agree to the terms from the menu below to get started.",
		WelcomeBack:     "Welcome back! Open the menu below to continue.",

		ChooseDuration: "To start counseling, choose a duration from the menu.",
		NoBalance:      "You have no counseling time left. Please buy time from the menu.",
		StartConfirm:   "You have %d min %02d sec of counseling time. Start the session now?",
		StartCancelled: "Okay. Choose \"Start counseling\" from the menu whenever you are ready.",
		Greeting:       "Hello, I am your counselor. What would you like to talk about today?",
		Resume:         "Resuming your counseling session. To start over, choose \"Reset history\" from the menu.",
		AlreadyActive:  "Your counseling session is already running.",

		ResetConfirm:   "Reset your conversation history? The counselor will forget everything said so far.",
		ResetDone:      "Your conversation history has been reset.",
		ResetNotice:    "System notice: your conversation history has been reset.",
		ResetCancelled: "History reset cancelled.",

		EndConfirm: "End the counseling session now? Any time left will be kept.",
		Continuing: "Okay, let's continue.",
		TimeUp:     "Your time is up, so this counseling session has ended.",

		EndSurveyConfirm: "End the survey now?",
		Thanks:           "Thank you for using our service.",

		Maintenance:     "We are currently under maintenance and cannot accept requests. Please try again later.",
		MaintenanceOver: "Maintenance is over. Thank you for waiting.",
		PaymentThanks:   "Thank you for your purchase! %d minutes were added. Choose \"Start counseling\" from the menu to begin.",
		Shop:            "Counseling time can be purchased here:\n%s",
		Apology:         "Sorry, something went wrong on our side. Please try again in a moment.",
	}
}

// isYes reports whether text answers a yes/no prompt affirmatively.
func (t Texts) isYes(text string) bool {
	return matchesAny(text, "yes", "y", "1", t.YesLabel)
}

// isNo reports whether text answers a yes/no prompt negatively.
func (t Texts) isNo(text string) bool {
	return matchesAny(text, "no", "n", "2", t.NoLabel)
}

func (t Texts) yesNo() []string {
	return []string{t.YesLabel, t.NoLabel}
}

func (t Texts) startConfirm(balanceSeconds int) string {
	m, s := countdown.SplitMinutes(balanceSeconds)
	return fmt.Sprintf(t.StartConfirm, m, s)
}

func matchesAny(text string, words ...string) bool {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return false
	}
	for _, w := range words {
		if w != "" && text == strings.ToLower(w) {
			return true
		}
	}
	return false
}
