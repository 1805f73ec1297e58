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

package procman

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func skipSpawn(t *testing.T, err error) {
	t.Helper()
	if os.Getenv("SKIP_SPAWN_TESTS") != "" {
		t.Skip("Skipping spawn tests (SKIP_SPAWN_TESTS is set)")
	}
	if err != nil && strings.Contains(err.Error(), "operation not permitted") {
		t.Skipf("Skipping: spawn not permitted in this environment: %v", err)
	}
}

func pidGone(pid int) bool {
	err := syscall.Kill(pid, 0)
	if errors.Is(err, syscall.ESRCH) {
		return true
	}
	// A zombie still answers signal 0.
	data, rerr := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	return rerr == nil && strings.Contains(string(data), ") Z ")
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 20*time.Millisecond, msg)
}

func TestManager_Spawn(t *testing.T) {
	m := New(quietLogger(), time.Second)

	w, err := m.Spawn(context.Background(), "engine", []string{"sleep", "30"})
	skipSpawn(t, err)
	require.NoError(t, err)
	t.Cleanup(func() { m.KillAll(context.Background()) })

	assert.NotEmpty(t, w.ID)
	assert.Positive(t, w.PID)
	assert.Equal(t, []string{"sleep", "30"}, w.Argv)
	assert.Equal(t, 1, m.Count())

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, w.ID, snap[0].ID)
	assert.Equal(t, "engine", snap[0].Name)
	assert.True(t, snap[0].Running)
}

func TestManager_SpawnErrors(t *testing.T) {
	m := New(quietLogger(), time.Second)

	_, err := m.Spawn(context.Background(), "engine", nil)
	assert.Error(t, err)

	_, err = m.Spawn(context.Background(), "engine", []string{"/nonexistent/engine-binary"})
	assert.Error(t, err)
	assert.Zero(t, m.Count())
}

func TestManager_ReapsExitedWorkers(t *testing.T) {
	m := New(quietLogger(), time.Second)

	_, err := m.Spawn(context.Background(), "short", []string{"true"})
	skipSpawn(t, err)
	require.NoError(t, err)

	eventually(t, func() bool { return m.Count() == 0 }, "exited worker was not unregistered")
}

func TestManager_Kill(t *testing.T) {
	m := New(quietLogger(), time.Second)

	w, err := m.Spawn(context.Background(), "engine", []string{"sleep", "30"})
	skipSpawn(t, err)
	require.NoError(t, err)

	require.NoError(t, m.Kill(context.Background(), w.ID))
	assert.True(t, pidGone(w.PID), "worker %d still running", w.PID)
	assert.Zero(t, m.Count())

	err = m.Kill(context.Background(), w.ID)
	assert.ErrorIs(t, err, ErrUnknownWorker)
}

func TestManager_KillAll(t *testing.T) {
	t.Run("terminates every worker exactly once", func(t *testing.T) {
		m := New(quietLogger(), time.Second)

		var pids []int
		for i := 0; i < 3; i++ {
			w, err := m.Spawn(context.Background(), "engine", []string{"sleep", "30"})
			skipSpawn(t, err)
			require.NoError(t, err)
			pids = append(pids, w.PID)
		}

		assert.Equal(t, 3, m.KillAll(context.Background()))
		for _, pid := range pids {
			assert.True(t, pidGone(pid), "worker %d still running", pid)
		}

		// Later calls do no work and report the first result.
		assert.Equal(t, 3, m.KillAll(context.Background()))

		_, err := m.Spawn(context.Background(), "late", []string{"sleep", "30"})
		assert.ErrorIs(t, err, ErrClosed)
		assert.ErrorIs(t, m.Register(NewWorker("late", os.Getpid())), ErrClosed)
	})

	t.Run("empty manager", func(t *testing.T) {
		m := New(quietLogger(), time.Second)
		assert.Zero(t, m.KillAll(context.Background()))
	})

	t.Run("terminates descendants", func(t *testing.T) {
		m := New(quietLogger(), time.Second)

		w, err := m.Spawn(context.Background(), "engine", []string{"sh", "-c", "sleep 30 & wait"})
		skipSpawn(t, err)
		require.NoError(t, err)

		var child int
		eventually(t, func() bool {
			child = childOf(w.PID)
			return child > 0
		}, "shell did not start its child")

		assert.Equal(t, 1, m.KillAll(context.Background()))
		eventually(t, func() bool { return pidGone(child) }, "descendant survived KillAll")
	})

	t.Run("escalates to SIGKILL", func(t *testing.T) {
		m := New(quietLogger(), 200*time.Millisecond)

		w, err := m.Spawn(context.Background(), "stubborn", []string{"sh", "-c", `trap "" TERM; sleep 30`})
		skipSpawn(t, err)
		require.NoError(t, err)

		// Give the shell time to install its trap.
		eventually(t, func() bool { return childOf(w.PID) > 0 }, "shell did not start sleep")

		start := time.Now()
		assert.Equal(t, 1, m.KillAll(context.Background()))
		assert.Less(t, time.Since(start), 5*time.Second)
		assert.True(t, pidGone(w.PID), "stubborn worker survived SIGKILL")
	})
}

func TestManager_Register(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	err := cmd.Start()
	skipSpawn(t, err)
	require.NoError(t, err)
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	m := New(quietLogger(), time.Second)
	w := NewWorker("external", cmd.Process.Pid)
	require.NoError(t, m.Register(w))
	assert.True(t, m.Snapshot()[0].Running)

	assert.True(t, m.Unregister(w.ID))
	assert.False(t, m.Unregister(w.ID))
	assert.Zero(t, m.KillAll(context.Background()))

	// Unregistered workers are left alone.
	select {
	case <-exited:
		t.Fatal("unregistered worker was killed")
	case <-time.After(100 * time.Millisecond):
	}
	_ = cmd.Process.Kill()
	<-exited
}

// childOf returns the pid of one child of pid, or 0.
func childOf(pid int) int {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	children, err := p.Children()
	if err != nil || len(children) == 0 {
		return 0
	}
	return int(children[0].Pid)
}
