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
	"fmt"
	"os"
	"path/filepath"

	"github.com/tombee/onlinelab/internal/config"
	olerrors "github.com/tombee/onlinelab/pkg/errors"
)

// Init creates the service home, its logs and data directories and the
// settings file. An existing settings file is only replaced when force is
// set; otherwise a warning is logged and ErrConfigExists returned, with the
// directories still created.
func (c *Controller) Init(force bool) error {
	if s := c.State(); s != StateUninitialized && s != StateInitialized {
		return fmt.Errorf("%w: cannot init from %s", ErrInvalidState, s)
	}

	for _, dir := range []string{c.cfg.Home, c.cfg.LogsDir(), c.cfg.DataDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return olerrors.Wrapf(err, "failed to create %s", dir)
		}
	}

	path := c.cfg.ConfigFile
	if path == "" {
		path = filepath.Join(c.cfg.Home, config.SettingsFileName)
	}

	var written bool
	settings := config.NewSettingsFile(path)
	err := settings.WithLock(func() error {
		var err error
		written, err = settings.WriteScaffold(force)
		return err
	})
	if err != nil {
		return err
	}

	var existsErr error
	if written {
		c.logger.Info(fmt.Sprintf("Wrote settings to '%s'", path))
	} else {
		c.logger.Warn(fmt.Sprintf("'%s' exists, use --force to overwrite it", path))
		existsErr = fmt.Errorf("%w: %s", ErrConfigExists, path)
	}

	if err := c.setState(StateInitialized); err != nil {
		return err
	}
	return existsErr
}
