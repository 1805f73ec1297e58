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

package registration

import (
	"context"
	"log/slog"

	"github.com/tombee/onlinelab/internal/log"
)

// Announcer is the part of Client that Schedule needs.
type Announcer interface {
	Announce(ctx context.Context, coreURL string, req Request) error
}

// Schedule runs one Announce on its own goroutine and returns a channel that
// receives its result and is then closed. The result is also logged, so
// callers are free to ignore the channel.
func Schedule(ctx context.Context, a Announcer, coreURL string, req Request, logger *slog.Logger) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		err := a.Announce(ctx, coreURL, req)
		if err != nil {
			logger.Warn("Registration at core server failed",
				slog.String("core_url", coreURL),
				log.Error(err))
		} else {
			logger.Info("Service has been registered at " + coreURL)
		}
		done <- err
	}()
	return done
}
