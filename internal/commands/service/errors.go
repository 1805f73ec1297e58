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

	"github.com/tombee/onlinelab/internal/commands/shared"
	servicepkg "github.com/tombee/onlinelab/internal/service"
)

// exitError maps a service error onto the exit code taxonomy. Conditions
// that were already reported as warnings map to nil.
func exitError(msg string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, servicepkg.ErrConfigExists),
		errors.Is(err, servicepkg.ErrNothingToStop),
		errors.Is(err, servicepkg.ErrStaleLock):
		return nil
	case errors.Is(err, servicepkg.ErrAlreadyRunning),
		errors.Is(err, servicepkg.ErrLockTimeout):
		return shared.NewAlreadyRunningError(msg, err)
	case errors.Is(err, servicepkg.ErrNotImplemented):
		return shared.NewNotImplementedError("", err)
	case errors.Is(err, servicepkg.ErrNotInitialized):
		return shared.NewNotInitializedError(msg, err)
	default:
		return shared.NewFailure(msg, err)
	}
}
