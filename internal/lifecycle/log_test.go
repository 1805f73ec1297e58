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
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readJournal(t *testing.T, path string) []Event {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "lifecycle.log")
	j := NewJournal(path)

	require.NoError(t, j.Start("1.0.0", []string{"service", "start", "--port", "8000", "--daemon", "--provider=lab"}))
	require.NoError(t, j.Started(42, 8000, "u-1"))
	require.NoError(t, j.StopSignal(42, errors.New("boom")))
	require.NoError(t, j.Stopped(42, 8000, 2))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	events := readJournal(t, path)
	require.Len(t, events, 4)

	assert.Equal(t, EventStart, events[0].Event)
	assert.Equal(t, map[string]string{"port": "8000", "daemon": "true", "provider": "lab"}, events[0].Flags)

	assert.Equal(t, EventStarted, events[1].Event)
	assert.Equal(t, "Started service at localhost:8000", events[1].Message)
	assert.Equal(t, "u-1", events[1].UUID)

	assert.False(t, events[2].Success)
	assert.Equal(t, "boom", events[2].Error)

	assert.Equal(t, EventStopped, events[3].Event)
	assert.False(t, events[3].Timestamp.IsZero())
}

func TestJournal_Nil(t *testing.T) {
	var j *Journal
	assert.NoError(t, j.Detached(1))
	assert.Equal(t, "", j.Path())
}

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want map[string]string
	}{
		{"none", []string{"start"}, nil},
		{"separate value", []string{"--port", "9000"}, map[string]string{"port": "9000"}},
		{"inline value", []string{"--core-url=http://x"}, map[string]string{"core-url": "http://x"}},
		{"bool before flag", []string{"--daemon", "--force"}, map[string]string{"daemon": "true", "force": "true"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseFlags(tt.args))
		})
	}
}
