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
	"errors"
	"fmt"
	"os"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Environment used to hand daemon state to the re-executed child.
const (
	EnvDaemonChild = "ONLINELAB_DAEMON_CHILD"
	EnvLockFD      = "ONLINELAB_LOCK_FD"
	EnvUmask       = "ONLINELAB_UMASK"
)

// DefaultUmask is applied to the daemon unless overridden.
const DefaultUmask = 0o022

var (
	// ErrLockNotHeld is returned when Daemonize is called without a held lock.
	ErrLockNotHeld = errors.New("daemonize requires a held lock")

	// ErrDetachFailed is returned when the background process could not be started
	// or did not take ownership of the lock.
	ErrDetachFailed = errors.New("failed to detach")
)

// DaemonOptions configures Daemonize.
type DaemonOptions struct {
	// WorkDir becomes the daemon's working directory.
	WorkDir string

	// Lock must already be held; it is inherited by the daemon as fd 3.
	Lock *PIDLock

	// Preserve lists additional descriptors the daemon inherits (fd 4 onward).
	Preserve []*os.File

	// Umask is applied by the daemon before it does anything else.
	Umask int

	// Binary defaults to the running executable.
	Binary string

	// Args are the daemon's command-line arguments (without argv[0]).
	Args []string

	// Env is appended to the inherited environment.
	Env []string

	// OutputPath receives the daemon's stdout and stderr. Empty discards them.
	OutputPath string

	// ReadyTimeout bounds the wait for the daemon to claim the lock.
	// Default: 5s
	ReadyTimeout time.Duration
}

// Daemonize re-executes the program as a detached background process that
// inherits the held lock. It returns once the daemon has recorded its own
// pid in the lock file; the caller's handle is then detached and the caller
// is expected to exit.
//
// On failure the caller still owns the lock and should release it.
func Daemonize(opts DaemonOptions) (int, error) {
	if opts.Lock == nil || !opts.Lock.Held() {
		return 0, ErrLockNotHeld
	}

	binary := opts.Binary
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return 0, fmt.Errorf("%w: failed to get executable path: %v", ErrDetachFailed, err)
		}
		binary = exe
	}

	readyTimeout := opts.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = 5 * time.Second
	}

	files := append([]*os.File{opts.Lock.File()}, opts.Preserve...)
	env := append(os.Environ(),
		EnvDaemonChild+"=1",
		EnvLockFD+"=3",
		EnvUmask+"="+strconv.FormatInt(int64(opts.Umask), 8),
	)
	env = append(env, opts.Env...)

	spawner := NewSpawner().WithEnv(env).WithDir(opts.WorkDir).WithFiles(files...)
	pid, err := spawner.SpawnDetached(binary, opts.Args, opts.OutputPath)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDetachFailed, err)
	}

	if err := waitForOwner(opts.Lock.Path(), pid, readyTimeout); err != nil {
		_ = SendSignal(pid, syscall.SIGTERM)
		return pid, fmt.Errorf("%w: %v", ErrDetachFailed, err)
	}

	if err := opts.Lock.Detach(); err != nil {
		return pid, fmt.Errorf("daemon started but parent handle could not be closed: %w", err)
	}
	return pid, nil
}

// IsDaemonChild reports whether this process was started by Daemonize.
func IsDaemonChild() bool {
	return os.Getenv(EnvDaemonChild) == "1"
}

// ResumeDaemon runs in the daemon: it applies the umask and adopts the lock
// inherited from the parent. The hand-off environment is cleared so that
// processes spawned later do not mistake themselves for daemons.
func ResumeDaemon(path string) (*PIDLock, error) {
	defer func() {
		os.Unsetenv(EnvDaemonChild)
		os.Unsetenv(EnvLockFD)
		os.Unsetenv(EnvUmask)
	}()

	if mask := os.Getenv(EnvUmask); mask != "" {
		m, err := strconv.ParseUint(mask, 8, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", EnvUmask, mask, err)
		}
		unix.Umask(int(m))
	}

	fd, err := strconv.Atoi(os.Getenv(EnvLockFD))
	if err != nil || fd < 3 {
		return nil, fmt.Errorf("invalid %s %q", EnvLockFD, os.Getenv(EnvLockFD))
	}

	return AdoptPIDLock(os.NewFile(uintptr(fd), path), path)
}

// waitForOwner polls the lock file until it names pid.
func waitForOwner(path string, pid int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if owner, err := ReadOwner(path); err == nil && owner == pid {
			return nil
		}
		if !IsProcessRunning(pid) {
			return fmt.Errorf("background process %d exited before taking the lock", pid)
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("background process %d did not take the lock within %v", pid, timeout)
}
