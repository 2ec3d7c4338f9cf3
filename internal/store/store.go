// Package store provides storage backends for CounselPipe.
//
// It includes an in-memory store for tests and persistent SQLite and
// PostgreSQL stores for sessions, dialogue turns, settings and payment events.
package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/CounselPipe/internal/models"
)

// SettingMaintenance is the settings key holding the global maintenance flag.
const SettingMaintenance = "maintenance"

// Store is the durable session store used by the session controller.
//
// GetSession returns (nil, nil) when the user is unknown. SaveSession writes
// the whole session except the risk fields, which are owned by
// UpdateRiskScore so a detached classifier never races a full-record write.
type Store interface {
	GetSession(userID string) (*models.Session, error)
	SaveSession(s models.Session) error
	ListSessionUsers() ([]string, error)
	IncrementBalance(userID string, seconds int) (int, error)
	UpdateRiskScore(userID string, score int, reason string) error

	AppendTurn(t models.Turn) error
	ListTurns(userID, sessionID string, limit int) ([]models.Turn, error)

	GetSetting(key string) (string, error)
	SetSetting(key, value string) error

	PaymentDedup

	Close() error
}

// Opts holds configuration for store construction.
type Opts struct {
	DSN string
}

// Option configures a store.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite3" for everything else (file paths).
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open returns the persistent store matching the DSN type.
func Open(dsn string) (Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN not set")
	}
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}

// InMemoryStore is a simple in-memory store, mainly for tests.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	turns    []models.Turn
	settings map[string]string
	payments map[string]string
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*models.Session),
		settings: make(map[string]string),
		payments: make(map[string]string),
	}
}

func (s *InMemoryStore) GetSession(userID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return nil, nil
	}
	return sess.Clone(), nil
}

func (s *InMemoryStore) SaveSession(sess models.Session) error {
	if err := sess.Validate(); err != nil {
		return fmt.Errorf("invalid session: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := sess.Clone()
	if existing, ok := s.sessions[sess.UserID]; ok {
		next.RiskScore = existing.RiskScore
		next.RiskReason = existing.RiskReason
		next.CreatedAt = existing.CreatedAt
	}
	next.UpdatedAt = time.Now()
	s.sessions[sess.UserID] = next
	return nil
}

func (s *InMemoryStore) ListSessionUsers() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		users = append(users, id)
	}
	sort.Strings(users)
	return users, nil
}

func (s *InMemoryStore) IncrementBalance(userID string, seconds int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return 0, models.ErrSessionNotFound
	}
	if sess.BalanceSeconds+seconds < 0 {
		return sess.BalanceSeconds, models.ErrNegativeBalance
	}
	sess.BalanceSeconds += seconds
	sess.UpdatedAt = time.Now()
	return sess.BalanceSeconds, nil
}

func (s *InMemoryStore) UpdateRiskScore(userID string, score int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return models.ErrSessionNotFound
	}
	sess.RiskScore = models.ClampRisk(score)
	sess.RiskReason = reason
	return nil
}

func (s *InMemoryStore) AppendTurn(t models.Turn) error {
	if t.UserID == "" {
		return models.ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, t)
	return nil
}

func (s *InMemoryStore) ListTurns(userID, sessionID string, limit int) ([]models.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Turn
	for _, t := range s.turns {
		if t.UserID == userID && t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *InMemoryStore) GetSetting(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings[key], nil
}

func (s *InMemoryStore) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func (s *InMemoryStore) RecordPaymentEvent(eventID, userID string) (bool, error) {
	if eventID == "" {
		return false, ErrEmptyEventID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.payments[eventID]; seen {
		return false, nil
	}
	s.payments[eventID] = userID
	return true, nil
}

func (s *InMemoryStore) Close() error { return nil }
