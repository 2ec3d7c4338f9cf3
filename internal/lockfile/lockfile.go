// Package lockfile guards the state directory so only one CounselPipe
// process runs against it. Countdowns live in memory, so two processes on the
// same store would each expire and credit the same dialogues.
//
// The lock is an flock on a file in the state directory; the kernel drops it
// when the process exits, however it exits.
package lockfile

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory.
const LockFileName = "counselpipe.lock"

// ErrLocked is matched by errors.Is when another process holds the lock.
var ErrLocked = errors.New("state directory is locked by another process")

// Owner describes the process recorded in a lock file.
type Owner struct {
	PID     int
	Started time.Time
	Running bool
}

func (o Owner) String() string {
	if o.PID == 0 {
		return "unknown process"
	}
	state := "not running, stale lock"
	if o.Running {
		state = "running"
	}
	if o.Started.IsZero() {
		return fmt.Sprintf("PID %d (%s)", o.PID, state)
	}
	return fmt.Sprintf("PID %d started %s (%s)", o.PID, o.Started.Format(time.RFC3339), state)
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// LockError reports a lock held by another process.
type LockError struct {
	Path  string
	Owner Owner
	Cause error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("another CounselPipe instance holds %s: %s; remove the file only if that process is gone", e.Path, e.Owner)
}

func (e *LockError) Unwrap() error { return e.Cause }

// Is reports ErrLocked.
func (e *LockError) Is(target error) bool { return target == ErrLocked }

// Acquire takes the exclusive lock on stateDir, creating the directory if
// needed. It does not wait.
func Acquire(stateDir string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}
	path := filepath.Join(stateDir, LockFileName)

	// O_TRUNC would wipe the owner's record before we know we hold the lock.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		owner := ReadOwner(path)
		slog.Error("lockfile.Acquire: state directory already locked", "path", path, "owner", owner.String())
		return nil, &LockError{Path: path, Owner: owner, Cause: err}
	}

	if err := writeOwner(file); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to record lock owner in %s: %w", path, err)
	}
	slog.Info("lockfile.Acquire: state directory locked", "path", path, "pid", os.Getpid())
	return &Lock{file: file, path: path}, nil
}

func writeOwner(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "pid=%d\nstarted=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		slog.Warn("lockfile.writeOwner: sync failed", "error", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release drops the lock and removes the file. Calling it again is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	var errs []error
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("remove %s: %w", l.path, err))
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		errs = append(errs, fmt.Errorf("unlock %s: %w", l.path, err))
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close %s: %w", l.path, err))
	}
	l.file = nil
	slog.Info("lockfile.Release: state directory unlocked", "path", l.path)
	return errors.Join(errs...)
}

// ReadOwner parses the owner record of a lock file. Missing or malformed
// fields are left zero.
func ReadOwner(path string) Owner {
	var o Owner
	f, err := os.Open(path)
	if err != nil {
		return o
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		k, v, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch k {
		case "pid":
			if pid, err := strconv.Atoi(v); err == nil && pid > 0 {
				o.PID = pid
			}
		case "started":
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				o.Started = t
			}
		}
	}
	if o.PID > 0 {
		o.Running = processRunning(o.PID)
	}
	return o
}

// processRunning checks pid with signal 0.
func processRunning(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
