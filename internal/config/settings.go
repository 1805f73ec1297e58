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

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// ErrSettingsLocked is returned when another process holds the settings lock
// for longer than the lock timeout.
var ErrSettingsLocked = errors.New("settings file locked by another process")

// lockTimeout is the maximum duration to wait for lock acquisition.
const lockTimeout = 5 * time.Second

// SettingsFile guards writes to a settings file with an advisory lock on a
// sibling ".lock" file, so concurrent init runs cannot interleave.
type SettingsFile struct {
	path     string
	lockFile *os.File
}

// NewSettingsFile creates a SettingsFile for path.
func NewSettingsFile(path string) *SettingsFile {
	return &SettingsFile{path: path}
}

// Path returns the settings file path.
func (s *SettingsFile) Path() string {
	return s.path
}

// Lock acquires an exclusive lock on the settings file.
// Returns ErrSettingsLocked if the lock cannot be acquired within the timeout period.
func (s *SettingsFile) Lock() error {
	lockPath := s.path + ".lock"

	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}

	deadline := time.Now().Add(lockTimeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			s.lockFile = lockFile
			return nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			lockFile.Close()
			return fmt.Errorf("failed to lock %s: %w", lockPath, err)
		}
		if time.Now().After(deadline) {
			lockFile.Close()
			return ErrSettingsLocked
		}
		<-ticker.C
	}
}

// Unlock releases the file lock.
func (s *SettingsFile) Unlock() error {
	if s.lockFile == nil {
		return nil
	}
	f := s.lockFile
	s.lockFile = nil

	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		f.Close()
		return fmt.Errorf("failed to unlock: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close lock file: %w", err)
	}
	return nil
}

// WithLock executes a function while holding the file lock.
// The lock is automatically released when the function returns.
func (s *SettingsFile) WithLock(fn func() error) error {
	if err := s.Lock(); err != nil {
		return err
	}
	defer s.Unlock()

	return fn()
}

// WriteScaffold writes the commented settings scaffold unless the file
// already exists and force is unset. It reports whether the file was
// written. The file must be locked before calling this method.
func (s *SettingsFile) WriteScaffold(force bool) (bool, error) {
	if _, err := os.Stat(s.path); err == nil && !force {
		return false, nil
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("failed to check %s: %w", s.path, err)
	}

	if err := s.write(Scaffold()); err != nil {
		return false, err
	}
	return true, nil
}

// write replaces the settings file atomically.
func (s *SettingsFile) write(data []byte) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}

	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}
	return nil
}
