package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Iron-Ham/convoy/internal/errors"
	"github.com/Iron-Ham/convoy/internal/logging"
)

// LockFileName is the run lock inside the state directory.
const LockFileName = "run.lock"

// RunLock marks a state directory as owned by one fleet run.
type RunLock struct {
	RunID     string    `json:"run_id"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`

	path   string
	logger *logging.Logger
}

// AcquireRunLock takes the run lock for stateDir. A lock left behind by a
// process that no longer exists is removed and re-acquired. If a live
// process holds the lock, the error wraps errors.ErrRunLocked.
func AcquireRunLock(stateDir, runID string, logger *logging.Logger) (*RunLock, error) {
	logger = logging.OrNop(logger)
	path := filepath.Join(stateDir, LockFileName)

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	if existing, err := ReadRunLock(path); err == nil {
		if isProcessAlive(existing.PID) {
			logger.Error("failed to acquire run lock", "pid", existing.PID, "host", existing.Hostname)
			return nil, fmt.Errorf("%w: PID %d on %s", errors.ErrRunLocked, existing.PID, existing.Hostname)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale run lock: %w", err)
		}
		logger.Warn("stale run lock cleaned", "old_pid", existing.PID, "old_run", existing.RunID)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	lock := &RunLock{
		RunID:     runID,
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now().UTC(),
		path:      path,
		logger:    logger,
	}
	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run lock: %w", err)
	}

	// O_EXCL closes the window between the stale check and the create.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			if existing, readErr := ReadRunLock(path); readErr == nil {
				return nil, fmt.Errorf("%w: PID %d on %s", errors.ErrRunLocked, existing.PID, existing.Hostname)
			}
			return nil, errors.ErrRunLocked
		}
		return nil, fmt.Errorf("failed to create run lock: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to write run lock: %w", err)
	}

	logger.Info("run lock acquired", "run_id", runID, "pid", lock.PID)
	return lock, nil
}

// Release removes the lock file if this process still owns it. Safe to
// call more than once.
func (l *RunLock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	existing, err := ReadRunLock(l.path)
	if err != nil || existing.PID != l.PID {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	logging.OrNop(l.logger).Info("run lock released", "run_id", l.RunID)
	return nil
}

// ReadRunLock decodes the lock file at path.
func ReadRunLock(path string) (*RunLock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lock RunLock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("failed to parse run lock: %w", err)
	}
	lock.path = path
	return &lock, nil
}

// isProcessAlive sends signal 0, which checks existence without side effects.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
