// Package store provides storage backends for CounselPipe.
//
// This file implements an SQLite-backed store for sessions and turns.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/CounselPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single writer keeps SQLite from returning SQLITE_BUSY under concurrent users.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) GetSession(userID string) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE user_id = ?`, userID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetSession failed", "error", err, "user", userID)
		return nil, fmt.Errorf("failed to get session for %s: %w", userID, err)
	}
	return sess, nil
}

func (s *SQLiteStore) SaveSession(sess models.Session) error {
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			mode = excluded.mode,
			gate = excluded.gate,
			consented = excluded.consented,
			balance_seconds = excluded.balance_seconds,
			session_id = excluded.session_id,
			dialogue_open = excluded.dialogue_open,
			survey_progress = excluded.survey_progress,
			survey_answers = excluded.survey_answers,
			delegate_to_human = excluded.delegate_to_human,
			updated_at = excluded.updated_at`,
		sess.UserID, string(sess.Mode), string(sess.Gate), sess.Consented, sess.BalanceSeconds, sess.SessionID,
		sess.DialogueOpen, sess.SurveyProgress, answers, sess.DelegateToHuman, created, now,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveSession failed", "error", err, "user", sess.UserID)
		return fmt.Errorf("failed to save session for %s: %w", sess.UserID, err)
	}
	slog.Debug("SQLiteStore SaveSession succeeded", "user", sess.UserID, "mode", sess.Mode, "gate", sess.Gate)
	return nil
}

func (s *SQLiteStore) ListSessionUsers() ([]string, error) {
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

func (s *SQLiteStore) IncrementBalance(userID string, seconds int) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin balance transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE sessions SET balance_seconds = balance_seconds + ?, updated_at = ? WHERE user_id = ?`,
		seconds, time.Now(), userID)
	if err != nil {
		slog.Error("SQLiteStore IncrementBalance failed", "error", err, "user", userID)
		return 0, fmt.Errorf("failed to increment balance for %s: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, models.ErrSessionNotFound
	}
	var balance int
	if err := tx.QueryRow(`SELECT balance_seconds FROM sessions WHERE user_id = ?`, userID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("failed to read balance for %s: %w", userID, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit balance for %s: %w", userID, err)
	}
	return balance, nil
}

func (s *SQLiteStore) UpdateRiskScore(userID string, score int, reason string) error {
	res, err := s.db.Exec(`UPDATE sessions SET risk_score = ?, risk_reason = ? WHERE user_id = ?`,
		models.ClampRisk(score), reason, userID)
	if err != nil {
		return fmt.Errorf("failed to update risk score for %s: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrSessionNotFound
	}
	return nil
}

func (s *SQLiteStore) AppendTurn(t models.Turn) error {
	if t.UserID == "" {
		return models.ErrEmptyUserID
	}
	ts := t.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO turns (user_id, session_id, speaker, text, terminal, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		t.UserID, t.SessionID, string(t.Speaker), t.Text, t.Terminal, ts)
	if err != nil {
		slog.Error("SQLiteStore AppendTurn failed", "error", err, "user", t.UserID)
		return fmt.Errorf("failed to append turn for %s: %w", t.UserID, err)
	}
	return nil
}

func (s *SQLiteStore) ListTurns(userID, sessionID string, limit int) ([]models.Turn, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT user_id, session_id, speaker, text, terminal, created_at FROM turns
		WHERE user_id = ? AND session_id = ? ORDER BY id DESC LIMIT ?`, userID, sessionID, limit)
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

func (s *SQLiteStore) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) SetSetting(key, value string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO settings (key, value, updated_at) VALUES (?, ?, ?)`, key, value, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) RecordPaymentEvent(eventID, userID string) (bool, error) {
	if eventID == "" {
		return false, ErrEmptyEventID
	}
	res, err := s.db.Exec(`INSERT OR IGNORE INTO payment_events (event_id, user_id, received_at) VALUES (?, ?, ?)`,
		eventID, userID, time.Now())
	if err != nil {
		return false, fmt.Errorf("record payment event failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("payment dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
