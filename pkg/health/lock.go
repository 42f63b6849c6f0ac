package health

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cuemby/wasm-watchdog/pkg/log"
)

// LockFileName is the file whose presence marks the watchdog healthy
const LockFileName = ".lock"

// LockPath returns the lock file location inside dir, or inside the system
// temp directory when dir is empty
func LockPath(dir string) string {
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, LockFileName)
}

// Lock tracks whether the watchdog accepts connections and mirrors that
// state into a lock file for exec-style health checks.
type Lock struct {
	path      string
	suppress  bool
	accepting atomic.Bool
}

// NewLock creates a lock for the given file path. With suppress set no file
// is written and only the in-process flag is kept.
func NewLock(path string, suppress bool) *Lock {
	return &Lock{path: path, suppress: suppress}
}

// Path returns the lock file path
func (l *Lock) Path() string {
	return l.path
}

// MarkHealthy flags the watchdog as accepting connections and writes the
// lock file
func (l *Lock) MarkHealthy() error {
	l.accepting.Store(true)

	if l.suppress {
		log.Logger.Warn().Msg(`"suppress_lock" is enabled, no automated health checks will be in place for your function`)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("cannot write %s, to disable the lock file set suppress_lock=true: %w", l.path, err)
	}

	log.Logger.Info().Str("path", l.path).Msg("Writing lock file")
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0660)
	if err != nil {
		return fmt.Errorf("cannot write %s, to disable the lock file set suppress_lock=true: %w", l.path, err)
	}
	if err := f.Chmod(0660); err != nil {
		f.Close()
		return fmt.Errorf("failed to set lock file permissions: %w", err)
	}
	return f.Close()
}

// MarkUnhealthy clears the flag and removes the lock file. A lock file
// that is already gone is not an error.
func (l *Lock) MarkUnhealthy() error {
	l.accepting.Store(false)

	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// Present reports whether the lock file exists as a regular file
func (l *Lock) Present() bool {
	return LockPresent(l.path)
}

// Healthy reports whether the watchdog accepts connections or the lock
// file is present
func (l *Lock) Healthy() bool {
	return l.accepting.Load() || l.Present()
}

// LockPresent reports whether path exists as a regular file
func LockPresent(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Check implements Checker
func (l *Lock) Check(ctx context.Context) Result {
	start := time.Now()
	res := Result{Healthy: l.Healthy(), CheckedAt: start}
	if res.Healthy {
		res.Message = "accepting connections"
	} else {
		res.Message = fmt.Sprintf("not accepting connections and %s is missing", l.path)
	}
	res.Duration = time.Since(start)
	return res
}

// Type implements Checker
func (l *Lock) Type() CheckType {
	return CheckTypeLock
}
