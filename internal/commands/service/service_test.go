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
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/onlinelab/internal/commands/shared"
	"github.com/tombee/onlinelab/internal/config"
	"github.com/tombee/onlinelab/internal/lifecycle"
	servicepkg "github.com/tombee/onlinelab/internal/service"
	pkgerrors "github.com/tombee/onlinelab/pkg/errors"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ONLINELAB_HOME", "ONLINELAB_PORT", "ONLINELAB_PID_FILE", "ONLINELAB_CORE_URL",
		"ONLINELAB_SERVICE_URL", "ONLINELAB_PROVIDER", "ONLINELAB_DESCRIPTION",
		"ONLINELAB_LOG_LEVEL", "ONLINELAB_LOG_FILE", "ONLINELAB_ENGINE_COMMAND",
		"ONLINELAB_TRACING_EXPORTER", "ONLINELAB_DEBUG", "LOG_LEVEL", "LOG_FORMAT",
		"ONLINELAB_DAEMON_CHILD",
	} {
		t.Setenv(key, "")
	}
	t.Chdir(t.TempDir())
}

// execute runs the service command group with args and returns stdout,
// stderr and the command error.
func execute(ctx context.Context, args ...string) (string, string, error) {
	cmd := NewCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestNewCommand(t *testing.T) {
	cmd := NewCommand()
	assert.Equal(t, "service", cmd.Use)

	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.ElementsMatch(t, []string{"init", "start", "stop", "restart", "status"}, names)

	start, _, err := cmd.Find([]string{"start"})
	require.NoError(t, err)
	for _, flag := range []string{
		"daemon", "port", "core-url", "service-url", "provider", "description",
		"log-level", "log-file", "log-max-size", "log-num-backups", "home", "pid-file",
	} {
		assert.NotNil(t, start.Flags().Lookup(flag), "start --%s", flag)
	}
}

func TestInit(t *testing.T) {
	clearEnv(t)
	home := filepath.Join(t.TempDir(), "home")
	settings := filepath.Join(home, config.SettingsFileName)

	stdout, _, err := execute(context.Background(), "init", "--home", home)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Initialized service home")
	assert.DirExists(t, filepath.Join(home, "logs"))
	assert.DirExists(t, filepath.Join(home, "data"))
	assert.FileExists(t, settings)

	require.NoError(t, os.WriteFile(settings, []byte("port: 9100\n"), 0o644))

	t.Run("existing settings are kept", func(t *testing.T) {
		_, stderr, err := execute(context.Background(), "init", "--home", home)
		require.NoError(t, err)
		assert.Contains(t, stderr, "exists, use --force to overwrite it")

		data, err := os.ReadFile(settings)
		require.NoError(t, err)
		assert.Equal(t, "port: 9100\n", string(data))
	})

	t.Run("force overwrites", func(t *testing.T) {
		_, _, err := execute(context.Background(), "init", "--home", home, "--force")
		require.NoError(t, err)

		data, err := os.ReadFile(settings)
		require.NoError(t, err)
		assert.Equal(t, config.Scaffold(), data)
	})

	t.Run("config file", func(t *testing.T) {
		custom := filepath.Join(t.TempDir(), "custom.yaml")
		_, _, err := execute(context.Background(), "init", "--home", home, "--config-file", custom)
		require.NoError(t, err)
		assert.FileExists(t, custom)
	})
}

func TestStart_Foreground(t *testing.T) {
	clearEnv(t)
	home := filepath.Join(t.TempDir(), "home")
	_, _, err := execute(context.Background(), "init", "--home", home)
	require.NoError(t, err)

	port := freePort(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		stderr string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		_, stderr, err := execute(ctx, "start", "--home", home, "--port", strconv.Itoa(port), "--log-level", "debug")
		done <- result{stderr, err}
	}()

	url := "http://127.0.0.1:" + strconv.Itoa(port) + "/"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 50*time.Millisecond)

	owner, err := lifecycle.ReadOwner(filepath.Join(home, "service.pid"))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), owner)

	cancel()
	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Contains(t, res.stderr, "Started service at localhost:"+strconv.Itoa(port))
		assert.Contains(t, res.stderr, "Stopped service at localhost:"+strconv.Itoa(port))
		assert.Contains(t, res.stderr, "Couldn't register this service at any core server.")
	case <-time.After(15 * time.Second):
		t.Fatal("service did not stop")
	}

	assert.NoFileExists(t, filepath.Join(home, "service.pid"))
	logged, err := os.ReadFile(filepath.Join(home, "logs", "service.log"))
	require.NoError(t, err)
	assert.Contains(t, string(logged), "Started service")
}

func TestStart_Errors(t *testing.T) {
	t.Run("not initialized", func(t *testing.T) {
		clearEnv(t)
		home := filepath.Join(t.TempDir(), "missing")

		_, _, err := execute(context.Background(), "start", "--home", home, "--port", strconv.Itoa(freePort(t)))
		require.Error(t, err)
		assert.Equal(t, shared.ExitNotInitialized, shared.ExitCode(err))
		assert.ErrorIs(t, err, servicepkg.ErrNotInitialized)
		assert.NoDirExists(t, home)
	})

	t.Run("invalid port", func(t *testing.T) {
		clearEnv(t)
		_, _, err := execute(context.Background(), "start", "--home", t.TempDir(), "--port", "70000")
		require.Error(t, err)
		assert.Equal(t, shared.ExitFailure, shared.ExitCode(err))

		var cfgErr *pkgerrors.ConfigError
		assert.ErrorAs(t, err, &cfgErr)
	})

	t.Run("already running", func(t *testing.T) {
		clearEnv(t)
		home := t.TempDir()
		pidFile := filepath.Join(t.TempDir(), "other.pid")

		held, err := lifecycle.AcquirePIDLock(context.Background(), pidFile, time.Second, nil)
		require.NoError(t, err)
		defer held.Release()

		_, stderr, err := execute(context.Background(), "start", "--home", home,
			"--pid-file", pidFile, "--port", strconv.Itoa(freePort(t)))
		require.Error(t, err)
		assert.Equal(t, shared.ExitAlreadyRunning, shared.ExitCode(err))
		assert.Contains(t, stderr, "Can't obtain a lock on '"+pidFile+"'. Quitting.")
	})
}

func TestStop(t *testing.T) {
	t.Run("nothing to stop", func(t *testing.T) {
		clearEnv(t)
		_, stderr, err := execute(context.Background(), "stop", "--home", t.TempDir())
		require.NoError(t, err)
		assert.Contains(t, stderr, "Nothing to stop. Quitting.")
	})

	t.Run("stale lock", func(t *testing.T) {
		clearEnv(t)
		home := t.TempDir()
		pidFile := filepath.Join(home, "service.pid")
		require.NoError(t, os.WriteFile(pidFile, []byte("999999\n"), 0o644))

		_, stderr, err := execute(context.Background(), "stop", "--home", home)
		require.NoError(t, err)
		assert.Contains(t, stderr, "No service running but lock file found. Cleaning up.")
		assert.NoFileExists(t, pidFile)
	})
}

func TestNotImplemented(t *testing.T) {
	for _, name := range []string{"restart", "status"} {
		t.Run(name, func(t *testing.T) {
			_, _, err := execute(context.Background(), name)
			require.Error(t, err)
			assert.Equal(t, shared.ExitNotImplemented, shared.ExitCode(err))
			assert.Equal(t, "'"+name+"' is not implemented yet", err.Error())
		})
	}
}

func TestExitError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"config exists", servicepkg.ErrConfigExists, shared.ExitSuccess},
		{"nothing to stop", servicepkg.ErrNothingToStop, shared.ExitSuccess},
		{"stale lock", servicepkg.ErrStaleLock, shared.ExitSuccess},
		{"already running", servicepkg.ErrAlreadyRunning, shared.ExitAlreadyRunning},
		{"lock timeout", servicepkg.ErrLockTimeout, shared.ExitAlreadyRunning},
		{"not implemented", servicepkg.ErrNotImplemented, shared.ExitNotImplemented},
		{"not initialized", servicepkg.ErrNotInitialized, shared.ExitNotInitialized},
		{"other", errors.New("bind: address already in use"), shared.ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shared.ExitCode(exitError("failed", tt.err)))
		})
	}
}

func TestStartFlags_Apply(t *testing.T) {
	var flags startFlags
	cmd := &cobra.Command{Use: "start"}
	flags.register(cmd.Flags())
	require.NoError(t, cmd.Flags().Parse([]string{
		"--port", "9100", "--core-url", "http://core.test:8000", "--provider", "lab",
		"--log-level", "DEBUG", "--log-max-size", "20", "--daemon",
	}))

	cfg := config.Default(t.TempDir())
	cfg.Description = "from settings"
	require.NoError(t, flags.apply(cmd.Flags(), cfg))

	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "http://core.test:8000", cfg.CoreURL)
	assert.Equal(t, "lab", cfg.Provider)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 20, cfg.Log.MaxSize)
	assert.True(t, cfg.Daemon)
	assert.Equal(t, "from settings", cfg.Description, "unchanged flags keep configured values")
	assert.Equal(t, 3, cfg.Log.NumBackups)
}
