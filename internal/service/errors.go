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
	"errors"
	"fmt"

	"github.com/tombee/onlinelab/internal/lifecycle"
)

var (
	// ErrAlreadyRunning means the lock is held by a live service process.
	ErrAlreadyRunning = errors.New("service is already running")

	// ErrLockTimeout means the lock could not be obtained and its owner is unknown.
	ErrLockTimeout = errors.New("timed out obtaining the service lock")

	// ErrStaleLock means a lock file was left behind by a dead process.
	ErrStaleLock = errors.New("stale lock file")

	// ErrNothingToStop means stop found no lock file.
	ErrNothingToStop = errors.New("nothing to stop")

	// ErrConfigExists means init found a settings file and was not forced.
	ErrConfigExists = errors.New("settings file exists")

	// ErrNotInitialized means the service home does not exist.
	ErrNotInitialized = errors.New("service home is not initialized")

	// ErrNotImplemented is returned by commands that have no implementation yet.
	ErrNotImplemented = errors.New("not implemented")

	// ErrInvalidState is returned when an operation does not apply to the
	// controller's current state.
	ErrInvalidState = errors.New("invalid controller state")
)

// lockError translates a lock acquisition failure into the service taxonomy,
// keeping the lifecycle error in the chain.
func lockError(err error) error {
	switch {
	case errors.Is(err, lifecycle.ErrAlreadyLocked):
		return fmt.Errorf("%w: %w", ErrAlreadyRunning, err)
	case errors.Is(err, lifecycle.ErrLockTimeout):
		return fmt.Errorf("%w: %w", ErrLockTimeout, err)
	default:
		return err
	}
}

func notImplemented(command string) error {
	return fmt.Errorf("'%s' is %w yet", command, ErrNotImplemented)
}
