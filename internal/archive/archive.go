// Package archive writes append-only, tab-separated export files for
// dialogue transcripts and survey results.
//
// Layout under the base directory:
//
//	dialogue/<user>.tsv  timestamp, terminal, speaker, session, text
//	survey/<user>.tsv    "[timestamp] Session ID: <id>" header, then prompt/answer rows
package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/CounselPipe/internal/models"
)

const (
	dialogueDir = "dialogue"
	surveyDir   = "survey"
	filePerms   = 0o644
	dirPerms    = 0o755
)

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9@+._-]`)

// Writer appends export rows. A nil *Writer discards everything.
type Writer struct {
	base string
	mu   sync.Mutex
}

// NewWriter creates the export directories under base.
func NewWriter(base string) (*Writer, error) {
	for _, d := range []string{dialogueDir, surveyDir} {
		if err := os.MkdirAll(filepath.Join(base, d), dirPerms); err != nil {
			return nil, fmt.Errorf("failed to create archive dir %s: %w", d, err)
		}
	}
	slog.Debug("archive.NewWriter: export directories ready", "base", base)
	return &Writer{base: base}, nil
}

// AppendTurn writes one transcript row.
func (w *Writer) AppendTurn(t models.Turn) error {
	if w == nil {
		return nil
	}
	ts := t.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	terminal := "0"
	if t.Terminal {
		terminal = "1"
	}
	line := strings.Join([]string{
		ts.Format(time.RFC3339), terminal, string(t.Speaker), t.SessionID, Escape(t.Text),
	}, "\t") + "\n"
	return w.appendLine(dialogueDir, t.UserID, line)
}

// AppendSurvey writes a survey result block. Prompts fix the row order;
// prompts without an answer are written with an empty answer.
func (w *Writer) AppendSurvey(userID, sessionID string, at time.Time, prompts []string, answers map[string]string) error {
	if w == nil {
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] Session ID: %s\n", at.Format(time.RFC3339), sessionID)
	for _, p := range prompts {
		fmt.Fprintf(&b, "%s\t%s\n", Escape(p), Escape(answers[p]))
	}
	return w.appendLine(surveyDir, userID, b.String())
}

func (w *Writer) appendLine(dir, userID, content string) error {
	if userID == "" {
		return models.ErrEmptyUserID
	}
	path := filepath.Join(w.base, dir, FileName(userID))
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, filePerms)
	if err != nil {
		return fmt.Errorf("failed to open archive file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to append archive file: %w", err)
	}
	return nil
}

// FileName maps a user id to a safe file name. Ids that need rewriting get
// a "~" and a hash of the original id appended; "~" never survives the
// rewrite, so distinct ids never share a file.
func FileName(userID string) string {
	safe := unsafeFileChars.ReplaceAllString(userID, "_")
	if safe == userID {
		return safe + ".tsv"
	}
	sum := sha256.Sum256([]byte(userID))
	return safe + "~" + hex.EncodeToString(sum[:8]) + ".tsv"
}

// Escape keeps a field on one line and free of tab separators. Backslashes
// are doubled so an escaped newline reads back unambiguously.
func Escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\n", `\n`)
	return strings.ReplaceAll(s, "\t", " ")
}
