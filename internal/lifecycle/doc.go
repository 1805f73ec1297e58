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

/*
Package lifecycle manages the process-level lifecycle of the service.

# PID Lock

The lock file doubles as the pid file. It is held with flock(2) for the
whole life of the service, so a second instance fails fast and a crashed
instance leaves a file that the next start can take over:

	lock, err := lifecycle.AcquirePIDLock(ctx, "/home/u/.onlinelab/service.pid", time.Second, logger)
	if errors.Is(err, lifecycle.ErrAlreadyLocked) {
	    // another service is running
	}
	defer lock.Release()

IsLocked and ReadOwner let other processes inspect the lock without taking it.
RemoveStale clears a leftover file, unlinking it only while holding the lock.

# Daemonizing

Daemonize re-executes the binary in a new session with the held lock
passed as fd 3. The child calls ResumeDaemon, which applies the umask and
adopts the lock; the parent returns once the lock file names the child:

	if lifecycle.IsDaemonChild() {
	    lock, err = lifecycle.ResumeDaemon(path)
	} else {
	    pid, err := lifecycle.Daemonize(lifecycle.DaemonOptions{Lock: lock, WorkDir: home})
	}

# Signals and Readiness

SendSignal and WaitForExit operate on the lock owner. WaitForRemoval blocks
until the lock file disappears, and ReadinessProbe polls the service root
until it serves the expected identity.

# Journal

Journal appends lifecycle events (start, stop, stale lock) as JSON lines.
*/
package lifecycle
