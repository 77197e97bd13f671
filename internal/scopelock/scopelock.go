// Package scopelock coordinates named loops through PID-validated lock
// files over filesystem path scopes. At most one lock file exists per
// loop name, and no two live locks may claim overlapping scopes.
package scopelock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/alekspetrov/llp/internal/logging"
)

const pollInterval = 100 * time.Millisecond

// Lock is the on-disk record of one running loop.
type Lock struct {
	LoopName  string    `json:"loop_name"`
	Scope     []string  `json:"scope"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// ConflictError reports a live lock whose scope overlaps the request.
type ConflictError struct {
	LoopName  string // holder
	HeldScope string // the holder's overlapping path
	Requested string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("scope %s is held by loop %q (lock scope %s)", e.Requested, e.LoopName, e.HeldScope)
}

// Manager owns the lock directory, conventionally .loops/.running.
type Manager struct {
	dir string
	log *slog.Logger
}

// NewManager returns a manager over the given lock directory.
func NewManager(dir string) *Manager {
	return &Manager{
		dir: dir,
		log: logging.WithComponent("scopelock"),
	}
}

// NormalizeScope cleans scope paths: trailing slashes drop, symlinks
// resolve when the path exists, and an empty scope widens to ["."]
// (project-wide).
func NormalizeScope(scope []string) []string {
	if len(scope) == 0 {
		return []string{"."}
	}
	out := make([]string, 0, len(scope))
	for _, p := range scope {
		p = filepath.Clean(p)
		if resolved, err := filepath.EvalSymlinks(p); err == nil {
			p = resolved
		}
		out = append(out, p)
	}
	return out
}

// pathContains reports whether child equals parent or sits below it.
func pathContains(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// overlapPair returns the first overlapping (held, requested) pair
// between two normalized scopes. Parent, child, and identical paths
// all overlap.
func overlapPair(held, requested []string) (string, string, bool) {
	for _, h := range held {
		for _, r := range requested {
			if pathContains(h, r) || pathContains(r, h) {
				return h, r, true
			}
		}
	}
	return "", "", false
}

// PIDAlive reports whether a process exists. An EPERM from the probe
// signal means the process is alive but owned by another user.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// Acquire scans existing locks, reaps dead holders, and writes the lock
// file for name unless a live lock's scope overlaps. The scan-and-write
// pair runs under an exclusive advisory file lock so two processes
// cannot both succeed.
func (m *Manager) Acquire(name string, scope []string) error {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	scope = NormalizeScope(scope)

	guard := flock.New(filepath.Join(m.dir, ".scopes.flock"))
	if err := guard.Lock(); err != nil {
		return fmt.Errorf("failed to acquire scope guard: %w", err)
	}
	defer func() { _ = guard.Unlock() }()

	survivors, err := m.scan()
	if err != nil {
		return err
	}

	for _, lock := range survivors {
		if lock.LoopName == name {
			return fmt.Errorf("loop %q is already running (pid %d)", name, lock.PID)
		}
		if held, requested, ok := overlapPair(lock.Scope, scope); ok {
			return &ConflictError{LoopName: lock.LoopName, HeldScope: held, Requested: requested}
		}
	}

	record := Lock{
		LoopName:  name,
		Scope:     scope,
		PID:       os.Getpid(),
		StartedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode lock: %w", err)
	}
	if err := os.WriteFile(m.lockPath(name), data, 0644); err != nil {
		return fmt.Errorf("failed to write lock file: %w", err)
	}

	m.log.Debug("Scope acquired",
		slog.String("loop", name),
		slog.Any("scope", scope),
	)
	return nil
}

// Release deletes the lock file for name. A missing file is not an
// error; there is deliberately no exists-check before the unlink.
func (m *Manager) Release(name string) error {
	if err := os.Remove(m.lockPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// FindConflict returns the first live lock overlapping scope, or nil.
// Dead holders found along the way are reaped.
func (m *Manager) FindConflict(scope []string) (*Lock, error) {
	scope = NormalizeScope(scope)

	survivors, err := m.scan()
	if err != nil {
		return nil, err
	}
	for _, lock := range survivors {
		if _, _, ok := overlapPair(lock.Scope, scope); ok {
			return lock, nil
		}
	}
	return nil, nil
}

// WaitForScope polls until scope is free, returning false once timeout
// elapses or ctx is cancelled. A non-positive timeout waits forever.
func (m *Manager) WaitForScope(ctx context.Context, scope []string, timeout time.Duration) bool {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		conflict, err := m.FindConflict(scope)
		if err == nil && conflict == nil {
			return true
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(pollInterval):
		}
	}
}

// List returns all live locks after reaping dead holders.
func (m *Manager) List() ([]*Lock, error) {
	return m.scan()
}

// scan reads every lock file, silently skipping malformed ones and
// reaping any whose PID is no longer alive.
func (m *Manager) scan() ([]*Lock, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read lock directory: %w", err)
	}

	var survivors []*Lock
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lock") {
			continue
		}
		path := filepath.Join(m.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var lock Lock
		if err := json.Unmarshal(data, &lock); err != nil {
			continue
		}
		if !PIDAlive(lock.PID) {
			m.log.Info("Reaping stale lock",
				slog.String("loop", lock.LoopName),
				slog.Int("pid", lock.PID),
			)
			_ = os.Remove(path)
			continue
		}
		survivors = append(survivors, &lock)
	}
	return survivors, nil
}

func (m *Manager) lockPath(name string) string {
	return filepath.Join(m.dir, name+".lock")
}
