package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/BTreeMap/CounselPipe/internal/models"
	"github.com/looplab/fsm"
)

// ErrIllegalTransition is returned when a mode change is not in the table.
var ErrIllegalTransition = errors.New("illegal mode transition")

// Mode transition events.
const (
	transConsent       = "consent"
	transStartDialogue = "start_dialogue"
	transEnterSurvey   = "enter_survey"
	transFinishSurvey  = "finish_survey"
	transLoseTimer     = "lose_timer"
	transReset         = "reset"
)

var modeEvents = fsm.Events{
	{Name: transConsent, Src: []string{string(models.ModeAwaitingConsent)}, Dst: string(models.ModeIdle)},
	{Name: transStartDialogue, Src: []string{string(models.ModeIdle)}, Dst: string(models.ModeDialogueActive)},
	{Name: transEnterSurvey, Src: []string{string(models.ModeDialogueActive)}, Dst: string(models.ModeSurveyActive)},
	{Name: transFinishSurvey, Src: []string{string(models.ModeSurveyActive)}, Dst: string(models.ModeIdle)},
	{Name: transLoseTimer, Src: []string{string(models.ModeDialogueActive)}, Dst: string(models.ModeIdle)},
	{Name: transReset, Src: []string{
		string(models.ModeIdle), string(models.ModeDialogueActive), string(models.ModeSurveyActive),
	}, Dst: string(models.ModeIdle)},
}

// transition moves s to the mode reached by event, clearing a gate that is
// not valid in the new mode. A self-transition is a no-op.
func transition(ctx context.Context, s *models.Session, event string) error {
	machine := fsm.NewFSM(string(s.Mode), modeEvents, fsm.Callbacks{})
	if err := machine.Event(ctx, event); err != nil {
		var noop fsm.NoTransitionError
		if errors.As(err, &noop) {
			return nil
		}
		return fmt.Errorf("%w: %s from %s: %v", ErrIllegalTransition, event, s.Mode, err)
	}
	s.Mode = models.Mode(machine.Current())
	if !models.GateAllowed(s.Gate, s.Mode) {
		s.Gate = models.GateNone
	}
	return nil
}
