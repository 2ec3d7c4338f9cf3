package store

import (
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/CounselPipe/internal/models"
)

// sessionColumns is the column order shared by every session SELECT.
const sessionColumns = `user_id, mode, gate, consented, balance_seconds, session_id, dialogue_open,
	survey_progress, survey_answers, delegate_to_human, risk_score, risk_reason, created_at, updated_at`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanSession scans one session row in sessionColumns order.
func scanSession(row rowScanner) (*models.Session, error) {
	var s models.Session
	var mode, gate, answers string
	err := row.Scan(
		&s.UserID, &mode, &gate, &s.Consented, &s.BalanceSeconds, &s.SessionID, &s.DialogueOpen,
		&s.SurveyProgress, &answers, &s.DelegateToHuman, &s.RiskScore, &s.RiskReason, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Mode = models.Mode(mode)
	s.Gate = models.Gate(gate)
	if s.SurveyAnswers, err = decodeAnswers(answers); err != nil {
		return nil, err
	}
	return &s, nil
}

func encodeAnswers(answers map[string]string) (string, error) {
	if len(answers) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(answers)
	if err != nil {
		return "", fmt.Errorf("failed to marshal survey answers: %w", err)
	}
	return string(b), nil
}

func decodeAnswers(raw string) (map[string]string, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var answers map[string]string
	if err := json.Unmarshal([]byte(raw), &answers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal survey answers: %w", err)
	}
	return answers, nil
}

// reverseTurns flips a newest-first query result into chronological order.
func reverseTurns(turns []models.Turn) {
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
}
