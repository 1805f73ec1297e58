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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Journal event names.
const (
	EventStart          = "start"
	EventStarted        = "started"
	EventDetached       = "detached"
	EventStartFailure   = "start_failure"
	EventAlreadyRunning = "already_running"
	EventStaleLock      = "stale_lock"
	EventStopSignal     = "stop_signal"
	EventNothingToStop  = "nothing_to_stop"
	EventStopped        = "stopped"
)

// Event is one line of the lifecycle journal.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Event     string            `json:"event"`
	PID       int               `json:"pid,omitempty"`
	Port      int               `json:"port,omitempty"`
	UUID      string            `json:"uuid,omitempty"`
	Version   string            `json:"version,omitempty"`
	Success   bool              `json:"success"`
	Message   string            `json:"message,omitempty"`
	Flags     map[string]string `json:"flags,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Journal appends lifecycle events to a JSON-lines file. A nil *Journal
// discards events.
type Journal struct {
	mu   sync.Mutex
	path string
}

// NewJournal creates a journal writing to path.
func NewJournal(path string) *Journal {
	return &Journal{path: path}
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	if j == nil {
		return ""
	}
	return j.path
}

// Start records a start attempt with the command-line flags.
func (j *Journal) Start(version string, args []string) error {
	return j.Record(Event{
		Event:   EventStart,
		PID:     os.Getpid(),
		Version: version,
		Success: true,
		Flags:   parseFlags(args),
	})
}

// Started records a service that is listening.
func (j *Journal) Started(pid, port int, uuid string) error {
	return j.Record(Event{
		Event:   EventStarted,
		PID:     pid,
		Port:    port,
		UUID:    uuid,
		Success: true,
		Message: fmt.Sprintf("Started service at localhost:%d", port),
	})
}

// Detached records a successful hand-off to a background process.
func (j *Journal) Detached(pid int) error {
	return j.Record(Event{Event: EventDetached, PID: pid, Success: true})
}

// StartFailure records a start that did not reach RUNNING.
func (j *Journal) StartFailure(err error) error {
	return j.Record(Event{Event: EventStartFailure, Error: errString(err)})
}

// AlreadyRunning records a start refused because pid holds the lock.
func (j *Journal) AlreadyRunning(pid int) error {
	return j.Record(Event{Event: EventAlreadyRunning, PID: pid, Success: true})
}

// StaleLock records a lock file left behind by a dead process.
func (j *Journal) StaleLock(pid int, action string) error {
	return j.Record(Event{Event: EventStaleLock, PID: pid, Success: true, Message: action})
}

// StopSignal records the signal sent to a running service.
func (j *Journal) StopSignal(pid int, err error) error {
	return j.Record(Event{Event: EventStopSignal, PID: pid, Success: err == nil, Error: errString(err)})
}

// NothingToStop records a stop without a lock file.
func (j *Journal) NothingToStop() error {
	return j.Record(Event{Event: EventNothingToStop, Success: true})
}

// Stopped records a completed shutdown.
func (j *Journal) Stopped(pid, port int, killed int) error {
	return j.Record(Event{
		Event:   EventStopped,
		PID:     pid,
		Port:    port,
		Success: true,
		Message: fmt.Sprintf("Stopped service at localhost:%d (%d engine processes killed)", port, killed),
	})
}

// Record appends ev, stamping it with the current time if unset.
func (j *Journal) Record(ev Event) error {
	if j == nil || j.path == "" {
		return nil
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(j.path), 0700); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}

	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open lifecycle journal: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// parseFlags turns command-line arguments into a flag map for the journal.
// Both "--port 8000" and "--port=8000" are recognised; bare flags map to "true".
func parseFlags(args []string) map[string]string {
	flags := make(map[string]string)

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			continue
		}

		key := strings.TrimLeft(arg, "-")
		if k, v, ok := strings.Cut(key, "="); ok {
			flags[k] = v
			continue
		}

		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			flags[key] = args[i+1]
			i++
		} else {
			flags[key] = "true"
		}
	}

	if len(flags) == 0 {
		return nil
	}
	return flags
}
