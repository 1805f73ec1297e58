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

package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"syscall"
	"time"

	"github.com/tombee/onlinelab/internal/config"
	"github.com/tombee/onlinelab/internal/lifecycle"
	"github.com/tombee/onlinelab/internal/log"
	olerrors "github.com/tombee/onlinelab/pkg/errors"
)

// DefaultStopTimeout bounds 'stop --wait'.
const DefaultStopTimeout = 30 * time.Second

// Replaced in tests.
var (
	waitForRemoval = lifecycle.WaitForRemoval
	waitForExit    = lifecycle.WaitForExit
)

// StopOptions configures Stop.
type StopOptions struct {
	// Wait blocks until the service has removed its lock file, or until its
	// process is gone when the file cannot be watched.
	Wait bool

	// Timeout bounds Wait. Default: DefaultStopTimeout
	Timeout time.Duration

	Journal *lifecycle.Journal
}

// StopResult describes what Stop did.
type StopResult struct {
	PID       int
	Signalled bool
	Exited    bool
}

// Stop signals the service recorded in the lock file. It never touches a
// Controller: the service it stops is usually another process.
//
// A missing lock file returns ErrNothingToStop and an unheld one is removed
// and reported as ErrStaleLock; both are logged as warnings and callers
// should treat them as success.
func Stop(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts StopOptions) (*StopResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	path := cfg.LockPath()

	stale, err := lifecycle.RemoveStale(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Warn("Nothing to stop. Quitting.")
		_ = opts.Journal.NothingToStop()
		return &StopResult{}, ErrNothingToStop
	case err == nil:
		logger.Warn("No service running but lock file found. Cleaning up.")
		_ = opts.Journal.StaleLock(stale, "removed")
		return &StopResult{PID: stale}, fmt.Errorf("%w: %s", ErrStaleLock, path)
	case !errors.Is(err, lifecycle.ErrAlreadyLocked):
		return nil, olerrors.Wrap(err, "failed to inspect lock file")
	}

	pid, err := lifecycle.ReadOwner(path)
	if err != nil {
		return nil, olerrors.Wrap(err, "failed to read service pid")
	}

	logger.Info(fmt.Sprintf("Sending TERM signal to service process (pid=%d)", pid))
	err = lifecycle.SendSignal(pid, syscall.SIGTERM)
	_ = opts.Journal.StopSignal(pid, err)
	if err != nil {
		return nil, err
	}

	result := &StopResult{PID: pid, Signalled: true}
	if !opts.Wait {
		return result, nil
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	deadline := time.Now().Add(timeout)
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	err = waitForRemoval(waitCtx, path)
	if err != nil && !errors.Is(err, lifecycle.ErrShutdownTimeout) {
		logger.Debug("Cannot watch lock file, polling the process instead", log.Error(err))
		err = waitForExit(pid, time.Until(deadline))
	}
	if err != nil {
		logger.Warn("Service did not stop in time", slog.Int(log.PIDKey, pid), log.Error(err))
		return result, &olerrors.TimeoutError{Operation: "stop", Duration: timeout, Cause: err}
	}
	result.Exited = true
	return result, nil
}
