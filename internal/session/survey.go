package session

import (
	"strings"

	"github.com/BTreeMap/CounselPipe/internal/models"
)

// Survey configures the closing questionnaire: N closed prompts answered
// with one of Choices, then one free-text prompt.
type Survey struct {
	Intro    string
	OptIn    string
	Prompts  []string
	Choices  []string
	FreeText string
}

// DefaultSurvey returns the built-in questionnaire.
func DefaultSurvey() Survey {
	return Survey{
		Intro: "We would like to hear about your experience to improve our service.",
		OptIn: "Would you answer a short survey?",
		Prompts: []string{
			"How satisfied were you with the counseling overall?",
			"How well did the counselor understand you?",
			"How comfortable did you feel talking to the counselor?",
			"How likely are you to use the service again?",
		},
		Choices:  []string{"1:Very good", "2:Good", "3:Neutral", "4:Bad", "5:Very bad"},
		FreeText: "Is there anything else you would like to tell us? Please write freely.",
	}
}

// freeTextStep is the progress value of the closing free-text prompt.
func (s Survey) freeTextStep() int { return len(s.Prompts) + 1 }

// allPrompts lists prompts in answer order, free-text last.
func (s Survey) allPrompts() []string {
	return append(append([]string(nil), s.Prompts...), s.FreeText)
}

// matchChoice resolves an answer to a choice label. A label "1:Very good"
// matches "1:Very good", "1" and "very good".
func (s Survey) matchChoice(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false
	}
	for _, c := range s.Choices {
		if strings.EqualFold(text, c) {
			return c, true
		}
		key, label, found := strings.Cut(c, ":")
		if found && (text == key || strings.EqualFold(text, label)) {
			return c, true
		}
	}
	return "", false
}

// stepMessages renders the prompt for the given progress value.
func (s Survey) stepMessages(progress int, yesNo []string) []models.OutboundMessage {
	switch {
	case progress == 0:
		return []models.OutboundMessage{{Text: s.Intro}, {Text: s.OptIn, Choices: yesNo}}
	case progress >= 1 && progress <= len(s.Prompts):
		return []models.OutboundMessage{{Text: s.Prompts[progress-1], Choices: s.Choices}}
	default:
		return []models.OutboundMessage{{Text: s.FreeText}}
	}
}
