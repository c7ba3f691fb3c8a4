// Package lock implements the one-lock-per-stanza-per-type rule: at most
// one process may hold the backup lock for a given stanza at a time.
//
// Grounded on pgBackRest's lock file naming (original_source's
// src/common/lock.c: one lock file per lock type per stanza, e.g.
// "<stanza>-backup.lock") adapted from the teacher's single PID-file lock
// (which only ever covered one dataset at a time) into a lock keyed by
// stanza and lock type, still using the teacher's PID-liveness check
// rather than flock(2) since that check is already exercised by this
// codebase's tests without a real filesystem lock syscall.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

// Type distinguishes the stanza operations that must not overlap.
type Type string

const (
	TypeBackup  Type = "backup"
	TypeArchive Type = "archive"
)

type Entry struct {
	Pid       int    `yaml:"pid"`
	StartedAt string `yaml:"started_at"`
}

func readLock(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entry Entry
	if err := yaml.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func writeLock(path string, entry *Entry) error {
	data, err := yaml.Marshal(entry)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	if err == syscall.ESRCH {
		return false
	}
	return true
}

// Path returns the lock file path for one stanza+type pair under lockDir,
// matching pgBackRest's "<stanza>-<type>.lock" naming.
func Path(lockDir, stanza string, t Type) string {
	return filepath.Join(lockDir, fmt.Sprintf("%s-%s.lock", stanza, t))
}

// Acquire takes the named stanza+type lock non-blocking, failing
// immediately if another live process already holds it. Returns a
// release function which should be called (deferred) when work is done.
func Acquire(lockDir, stanza string, t Type) (func() error, error) {
	lockPath := Path(lockDir, stanza, t)

	existing, err := readLock(lockPath)
	if err != nil {
		return nil, err
	}

	if existing != nil && existing.Pid > 0 && isProcessAlive(existing.Pid) {
		return nil, fmt.Errorf("stanza %s %s lock already held by pid %d (started %s)", stanza, t, existing.Pid, existing.StartedAt)
	}

	if err := os.MkdirAll(lockDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating lock directory %s: %w", lockDir, err)
	}

	entry := &Entry{
		Pid:       os.Getpid(),
		StartedAt: time.Now().Format(time.RFC3339),
	}
	if err := writeLock(lockPath, entry); err != nil {
		return nil, err
	}

	release := func() error {
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	return release, nil
}
