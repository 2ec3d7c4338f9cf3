// Package store provides storage backends for CounselPipe.
//
// This file implements a PostgreSQL-backed store for sessions and turns.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/CounselPipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return newPostgresStoreFromDB(db), nil
}

// newPostgresStoreFromDB wraps an already-migrated connection.
func newPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetSession(userID string) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE user_id = $1`, userID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetSession failed", "error", err, "user", userID)
		return nil, fmt.Errorf("failed to get session for %s: %w", userID, err)
	}
	return sess, nil
}

func (s *PostgresStore) SaveSession(sess models.Session) error {
	if err := sess.Validate(); err != nil {
		return fmt.Errorf("invalid session: %w", err)
	}
	answers, err := encodeAnswers(sess.SurveyAnswers)
	if err != nil {
		return err
	}
	now := time.Now()
	created := sess.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err = s.db.Exec(`
		INSERT INTO sessions (user_id, mode, gate, consented, balance_seconds, session_id, dialogue_open,
			survey_progress, survey_answers, delegate_to_human, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11, $12)
		ON CONFLICT (user_id) DO UPDATE SET
			mode = EXCLUDED.mode,
			gate = EXCLUDED.gate,
			consented = EXCLUDED.consented,
			balance_seconds = EXCLUDED.balance_seconds,
			session_id = EXCLUDED.session_id,
			dialogue_open = EXCLUDED.dialogue_open,
			survey_progress = EXCLUDED.survey_progress,
			survey_answers = EXCLUDED.survey_answers,
			delegate_to_human = EXCLUDED.delegate_to_human,
			updated_at = EXCLUDED.updated_at`,
		sess.UserID, string(sess.Mode), string(sess.Gate), sess.Consented, sess.BalanceSeconds, sess.SessionID,
		sess.DialogueOpen, sess.SurveyProgress, answers, sess.DelegateToHuman, created, now,
	)
	if err != nil {
		slog.Error("PostgresStore SaveSession failed", "error", err, "user", sess.UserID)
		return fmt.Errorf("failed to save session for %s: %w", sess.UserID, err)
	}
	slog.Debug("PostgresStore SaveSession succeeded", "user", sess.UserID, "mode", sess.Mode, "gate", sess.Gate)
	return nil
}

func (s *PostgresStore) ListSessionUsers() ([]string, error) {
	rows, err := s.db.Query(`SELECT user_id FROM sessions ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query session users: %w", err)
	}
	defer rows.Close()
	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session user: %w", err)
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

func (s *PostgresStore) IncrementBalance(userID string, seconds int) (int, error) {
	var balance int
	err := s.db.QueryRow(
		`UPDATE sessions SET balance_seconds = balance_seconds + $1, updated_at = $2 WHERE user_id = $3 RETURNING balance_seconds`,
		seconds, time.Now(), userID,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, models.ErrSessionNotFound
	}
	if err != nil {
		slog.Error("PostgresStore IncrementBalance failed", "error", err, "user", userID)
		return 0, fmt.Errorf("failed to increment balance for %s: %w", userID, err)
	}
	return balance, nil
}

func (s *PostgresStore) UpdateRiskScore(userID string, score int, reason string) error {
	res, err := s.db.Exec(`UPDATE sessions SET risk_score = $1, risk_reason = $2 WHERE user_id = $3`,
		models.ClampRisk(score), reason, userID)
	if err != nil {
		return fmt.Errorf("failed to update risk score for %s: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrSessionNotFound
	}
	return nil
}

func (s *PostgresStore) AppendTurn(t models.Turn) error {
	if t.UserID == "" {
		return models.ErrEmptyUserID
	}
	ts := t.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO turns (user_id, session_id, speaker, text, terminal, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		t.UserID, t.SessionID, string(t.Speaker), t.Text, t.Terminal, ts)
	if err != nil {
		slog.Error("PostgresStore AppendTurn failed", "error", err, "user", t.UserID)
		return fmt.Errorf("failed to append turn for %s: %w", t.UserID, err)
	}
	return nil
}

func (s *PostgresStore) ListTurns(userID, sessionID string, limit int) ([]models.Turn, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.db.Query(`
		SELECT user_id, session_id, speaker, text, terminal, created_at FROM turns
		WHERE user_id = $1 AND session_id = $2 ORDER BY id DESC LIMIT $3`, userID, sessionID, limitArg)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns for %s: %w", userID, err)
	}
	defer rows.Close()
	var turns []models.Turn
	for rows.Next() {
		var t models.Turn
		var speaker string
		if err := rows.Scan(&t.UserID, &t.SessionID, &speaker, &t.Text, &t.Terminal, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan turn row: %w", err)
		}
		t.Speaker = models.Speaker(speaker)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate turn rows: %w", err)
	}
	reverseTurns(turns)
	return turns, nil
}

func (s *PostgresStore) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, nil
}

func (s *PostgresStore) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) RecordPaymentEvent(eventID, userID string) (bool, error) {
	if eventID == "" {
		return false, ErrEmptyEventID
	}
	result, err := s.db.Exec(
		`INSERT INTO payment_events (event_id, user_id, received_at) VALUES ($1, $2, $3) ON CONFLICT (event_id) DO NOTHING`,
		eventID, userID, time.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("record payment event failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("payment dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	}
	return err
}
