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
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// Spawner starts detached background processes.
type Spawner struct {
	// Env is the complete environment of the child.
	Env []string

	// Dir is the child's working directory. Empty keeps the caller's.
	Dir string

	// ExtraFiles are inherited by the child starting at descriptor 3.
	ExtraFiles []*os.File
}

// NewSpawner creates a new process spawner inheriting the current environment.
func NewSpawner() *Spawner {
	return &Spawner{
		Env: os.Environ(),
	}
}

// WithEnv replaces the environment passed to the spawned process.
func (s *Spawner) WithEnv(env []string) *Spawner {
	s.Env = env
	return s
}

// WithDir sets the working directory of the spawned process.
func (s *Spawner) WithDir(dir string) *Spawner {
	s.Dir = dir
	return s
}

// WithFiles sets descriptors the child inherits starting at fd 3.
func (s *Spawner) WithFiles(files ...*os.File) *Spawner {
	s.ExtraFiles = files
	return s
}

// SpawnDetached spawns a process in a new session with stdin closed and
// stdout/stderr appended to outputPath (or discarded when outputPath is empty).
//
// Returns the PID of the spawned process.
func (s *Spawner) SpawnDetached(binary string, args []string, outputPath string) (int, error) {
	out, err := openOutput(outputPath)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	cmd := exec.Command(binary, args...)
	cmd.Env = s.Env
	cmd.Dir = s.Dir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Stdin = nil
	cmd.ExtraFiles = s.ExtraFiles

	// A new session detaches from the controlling terminal; Setsid also
	// makes the child a process group leader.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start process: %w", err)
	}

	pid := cmd.Process.Pid

	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("process started but failed to release: %w", err)
	}

	return pid, nil
}

func openOutput(path string) (*os.File, error) {
	if path == "" {
		f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", os.DevNull, err)
		}
		return f, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open output file: %w", err)
	}
	return f, nil
}
