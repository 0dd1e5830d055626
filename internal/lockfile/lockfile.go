// Package lockfile keeps two MailPipe servers from sharing one SQLite state
// directory.
//
// The lock is an flock on a file inside the directory, so the kernel releases
// it when the owning process exits, however it exits.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "mailpipe.lock"

// Info is the owner record written into a held lock file.
type Info struct {
	PID      int
	Hostname string
	Started  time.Time
}

// String renders the record as key=value lines.
func (i Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d\n", i.PID)
	if i.Hostname != "" {
		fmt.Fprintf(&b, "host=%s\n", i.Hostname)
	}
	if !i.Started.IsZero() {
		fmt.Fprintf(&b, "started=%s\n", i.Started.UTC().Format(time.RFC3339))
	}
	return b.String()
}

// parseInfo reads a record written by Info.String. Unknown keys are ignored.
func parseInfo(content string) Info {
	var info Info
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			info.PID, _ = strconv.Atoi(value)
		case "host":
			info.Hostname = value
		case "started":
			info.Started, _ = time.Parse(time.RFC3339, value)
		}
	}
	return info
}

// Lock represents an active directory lock
type Lock struct {
	file *os.File
	path string
	held bool
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}

// AcquireLock takes an exclusive, non-blocking lock on stateDir, creating the
// directory when needed. If another process holds the lock the returned
// error is a *LockError describing that owner.
func AcquireLock(stateDir string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	slog.Debug("AcquireLock: locking state directory", "lock_path", lockPath)

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// O_TRUNC would wipe the owner record of a running instance, so the file
	// is only truncated after the lock is ours.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		owner := describeOwner(lockPath)
		slog.Error("AcquireLock: state directory in use", "lock_path", lockPath, "owner", owner, "error", err)
		return nil, &LockError{LockPath: lockPath, ExistingInfo: owner, Cause: err}
	}

	host, _ := os.Hostname()
	info := Info{PID: os.Getpid(), Hostname: host, Started: time.Now()}
	if err := writeInfo(file, info); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("AcquireLock: state directory locked", "lock_path", lockPath, "pid", info.PID)
	return &Lock{file: file, path: lockPath, held: true}, nil
}

func writeInfo(file *os.File, info Info) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(info.String()), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("writeInfo: sync failed", "error", err, "lock_path", file.Name())
	}
	return nil
}

// Release unlocks and removes the lock file. Calling it again is a no-op.
func (l *Lock) Release() error {
	if !l.held || l.file == nil {
		return nil
	}
	// Remove before unlocking so a waiting process never sees our stale record.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lock.Release: remove failed", "error", err, "lock_path", l.path)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("Lock.Release: unlock failed", "error", err, "lock_path", l.path)
	}
	err := l.file.Close()
	l.held = false
	l.file = nil
	slog.Info("Lock.Release: state directory unlocked", "lock_path", l.path)
	return err
}

// LockError reports that another process owns the state directory.
type LockError struct {
	LockPath     string
	ExistingInfo string
	Cause        error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another MailPipe instance is already using this state directory (lock file %s)", e.LockPath)
	if e.ExistingInfo != "" {
		fmt.Fprintf(&b, "; owner: %s", e.ExistingInfo)
	}
	fmt.Fprintf(&b, ". Stop that instance, point --state-dir elsewhere, or delete %s if the owner is gone", e.LockPath)
	return b.String()
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// describeOwner summarizes the owner record of a held lock for error output.
func describeOwner(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return "unreadable lock file"
	}
	info := parseInfo(string(data))
	if info.PID <= 0 {
		return "unknown process"
	}
	state := "running"
	if !isProcessRunning(info.PID) {
		state = "not running, stale lock"
	}
	desc := fmt.Sprintf("pid %d (%s)", info.PID, state)
	if info.Hostname != "" {
		desc += " on " + info.Hostname
	}
	if !info.Started.IsZero() {
		desc += " since " + info.Started.Format(time.RFC3339)
	}
	return desc
}

// isProcessRunning probes pid with signal 0.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
