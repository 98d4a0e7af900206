// Copyright 2025 The NimbusFS Authors. All Rights Reserved.
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

package cfg

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Rationalize fills derived and defaulted fields in place.
func Rationalize(c *Config) error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("cfg: resolving home directory: %w", err)
		}
		c.DataDir = filepath.Join(home, ".nimbusfs")
	}
	if expanded, err := expandTilde(c.DataDir); err == nil {
		c.DataDir = expanded
	}

	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(c.DataDir, "cache")
	} else if expanded, err := expandTilde(c.CacheDir); err == nil {
		c.CacheDir = expanded
	}

	c.Logging.Severity = strings.ToUpper(c.Logging.Severity)
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Upload.Workers < 1 {
		c.Upload.Workers = 1
	}
	return nil
}

// MetaDBPath is the metadata database location under the data dir.
func (c *Config) MetaDBPath() string {
	return filepath.Join(c.DataDir, "meta.db")
}

// SettingsPath is the settings store location under the data dir.
func (c *Config) SettingsPath() string {
	return filepath.Join(c.DataDir, "settings.db")
}

func expandTilde(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
