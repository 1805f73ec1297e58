// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrAlreadyLocked is returned when a live process holds the lock.
	ErrAlreadyLocked = errors.New("lock is held by a running process")

	// ErrLockTimeout is returned when the lock could not be obtained within
	// the timeout and the recorded owner could not be confirmed alive.
	ErrLockTimeout = errors.New("timed out waiting for lock")

	// ErrInvalidPID is returned when the lock file contains invalid data.
	ErrInvalidPID = errors.New("invalid PID in lock file")

	// ErrUnsafeDirectory is returned when the lock file parent is world-writable.
	ErrUnsafeDirectory = errors.New("lock file directory is world-writable")

	// ErrLockReleased is returned when operating on a lock that was already released.
	ErrLockReleased = errors.New("lock already released")
)

// lockPollInterval is how often a contended lock is retried.
const lockPollInterval = 50 * time.Millisecond

// PIDLock is an exclusive, file-backed lock that records the owning process id.
//
// The lock is an flock(2) on the open file. It is released automatically by
// the kernel when the last descriptor referring to it is closed, so a crashed
// owner leaves at most a stale file behind, never a held lock.
type PIDLock struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// AcquirePIDLock takes the lock at path, waiting up to timeout for a
// contending holder to go away. On success the file contains the pid of the
// calling process.
//
// A leftover file naming a process that no longer holds the lock is treated
// as stale: a warning is logged and the file is rewritten.
func AcquirePIDLock(ctx context.Context, path string, timeout time.Duration, logger *slog.Logger) (*PIDLock, error) {
	if logger == nil {
		logger = slog.Default()
	}

	parentDir := filepath.Dir(path)
	if err := verifyDirectorySafety(parentDir); err != nil {
		return nil, fmt.Errorf("unsafe lock file location: %w", err)
	}
	if err := os.MkdirAll(parentDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create lock file directory: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|unix.O_NOFOLLOW, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open lock file: %w", err)
		}

		if err := flockWait(ctx, f); err != nil {
			f.Close()
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return nil, contentionError(path)
			}
			return nil, fmt.Errorf("failed to lock %s: %w", path, err)
		}

		// The previous owner may have unlinked the file between our open and
		// our flock. In that case we hold a lock on an orphaned inode; retry.
		if !stillLinked(f, path) {
			unix.Flock(int(f.Fd()), unix.LOCK_UN)
			f.Close()
			continue
		}

		lock := &PIDLock{path: path, file: f}

		if prev, err := lock.readPID(); err == nil && prev != os.Getpid() {
			logger.Warn("Found stale lock file, taking it over",
				slog.String("path", path),
				slog.Int("stale_pid", prev),
				slog.Bool("stale_pid_alive", IsProcessRunning(prev)))
		}

		if err := lock.writePID(os.Getpid()); err != nil {
			lock.closeLocked()
			return nil, err
		}

		return lock, nil
	}
}

// AdoptPIDLock takes over a lock descriptor inherited from a parent process
// and records the calling process as the owner.
func AdoptPIDLock(f *os.File, path string) (*PIDLock, error) {
	if f == nil {
		return nil, fmt.Errorf("no inherited lock descriptor for %s", path)
	}

	fileInfo, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("inherited lock descriptor is not usable: %w", err)
	}
	pathInfo, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat lock file: %w", err)
	}
	if !os.SameFile(fileInfo, pathInfo) {
		return nil, fmt.Errorf("inherited descriptor does not refer to %s", path)
	}

	// Re-locking a description we already hold is a no-op; if the parent
	// dropped the lock this fails instead of silently running unlocked.
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return nil, fmt.Errorf("%w: inherited descriptor no longer holds the lock", ErrAlreadyLocked)
	}

	lock := &PIDLock{path: path, file: f}
	if err := lock.writePID(os.Getpid()); err != nil {
		return nil, err
	}
	return lock, nil
}

// IsLocked reports whether some process currently holds the lock at path.
// It neither blocks nor modifies the file. A missing file is not locked.
func IsLocked(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to open lock file: %w", err)
	}
	defer f.Close()

	err = unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB)
	switch {
	case err == nil:
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		return false, nil
	case errors.Is(err, unix.EWOULDBLOCK):
		return true, nil
	default:
		return false, fmt.Errorf("failed to probe lock file: %w", err)
	}
}

// RemoveStale deletes the lock file at path when no process holds it. The
// file is removed while RemoveStale itself holds the lock, so a process
// acquiring it concurrently either fails or ends up with a fresh file.
// It returns the pid recorded in the removed file (0 if unreadable),
// ErrAlreadyLocked when an owner holds the lock, and an error satisfying
// errors.Is(err, fs.ErrNotExist) when there is no file.
func RemoveStale(path string) (int, error) {
	for attempt := 0; attempt < 5; attempt++ {
		f, err := os.OpenFile(path, os.O_RDWR|unix.O_NOFOLLOW, 0)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return 0, err
			}
			return 0, fmt.Errorf("failed to open lock file: %w", err)
		}

		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			f.Close()
			if errors.Is(err, unix.EWOULDBLOCK) {
				return 0, fmt.Errorf("%w: %s", ErrAlreadyLocked, path)
			}
			return 0, fmt.Errorf("failed to lock %s: %w", path, err)
		}

		// Replaced between open and flock; look again.
		if !stillLinked(f, path) {
			f.Close()
			continue
		}

		lock := &PIDLock{path: path, file: f}
		pid, err := lock.readPID()
		if err != nil {
			pid = 0
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			f.Close()
			return pid, fmt.Errorf("failed to remove stale lock file: %w", err)
		}
		f.Close()
		return pid, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrLockTimeout, path)
}

// ReadOwner returns the process id recorded in the lock file at path.
// A missing file is reported with an error satisfying errors.Is(err, fs.ErrNotExist).
func ReadOwner(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, err
		}
		return 0, fmt.Errorf("failed to read lock file: %w", err)
	}
	return parsePID(data)
}

// Path returns the lock file path.
func (l *PIDLock) Path() string {
	return l.path
}

// Held reports whether this handle still owns the lock.
func (l *PIDLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file != nil
}

// File returns the locked descriptor so it can be handed to a child process.
// It returns nil once the lock has been released or detached.
func (l *PIDLock) File() *os.File {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file
}

// Release removes the lock file and drops the lock. It is idempotent and
// safe to call from cleanup paths.
func (l *PIDLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}

	// Remove while still holding the lock so no other process can observe
	// an unlocked file with our pid in it.
	var removeErr error
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		removeErr = fmt.Errorf("failed to remove lock file: %w", err)
	}

	l.closeLocked()
	return removeErr
}

// Detach closes this handle without unlocking or removing the file. Used by
// a parent after a child has inherited the descriptor; the lock stays held
// for as long as the child keeps its copy open.
func (l *PIDLock) Detach() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return ErrLockReleased
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *PIDLock) closeLocked() {
	if l.file == nil {
		return
	}
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	l.file.Close()
	l.file = nil
}

func (l *PIDLock) readPID() (int, error) {
	info, err := l.file.Stat()
	if err != nil {
		return 0, err
	}
	buf := make([]byte, info.Size())
	if _, err := l.file.ReadAt(buf, 0); err != nil && len(buf) > 0 {
		return 0, err
	}
	return parsePID(buf)
}

func (l *PIDLock) writePID(pid int) error {
	if err := l.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate lock file: %w", err)
	}
	if _, err := l.file.WriteAt([]byte(strconv.Itoa(pid)+"\n"), 0); err != nil {
		return fmt.Errorf("failed to write PID: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync lock file: %w", err)
	}
	return nil
}

// flockWait polls for an exclusive lock until it is granted or ctx ends.
func flockWait(ctx context.Context, f *os.File) error {
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// contentionError classifies a lock we could not obtain in time.
func contentionError(path string) error {
	pid, err := ReadOwner(path)
	if err == nil && IsProcessRunning(pid) {
		return fmt.Errorf("%w: %s (pid=%d)", ErrAlreadyLocked, path, pid)
	}
	return fmt.Errorf("%w: %s", ErrLockTimeout, path)
}

func stillLinked(f *os.File, path string) bool {
	fileInfo, err := f.Stat()
	if err != nil {
		return false
	}
	pathInfo, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return os.SameFile(fileInfo, pathInfo)
}

func parsePID(data []byte) (int, error) {
	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPID, pidStr)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("%w: PID must be positive, got %d", ErrInvalidPID, pid)
	}
	return pid, nil
}

// verifyDirectorySafety checks that the directory is not world-writable.
func verifyDirectorySafety(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat directory: %w", err)
	}

	if mode := info.Mode(); mode&0002 != 0 && mode&os.ModeSticky == 0 {
		return fmt.Errorf("%w: %s has mode %04o", ErrUnsafeDirectory, dir, mode&os.ModePerm)
	}
	return nil
}
