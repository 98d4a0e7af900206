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

// Package cfg defines the mount configuration: the flag surface, the
// config-file binding through viper, and the validation and
// rationalization applied before a mount starts.
package cfg

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the fully resolved configuration for one mount.
type Config struct {
	// DataDir holds the metadata database, the settings store, and
	// (unless CacheDir overrides it) the file cache.
	DataDir string `mapstructure:"data-dir"`

	// CacheDir is the flat directory holding the per-pending-file
	// cache pairs. Defaults to <data-dir>/cache.
	CacheDir string `mapstructure:"cache-dir"`

	// Quota is the advertised total space in bytes, reported by statfs.
	Quota int64 `mapstructure:"quota"`

	Logging    LoggingConfig    `mapstructure:"logging"`
	Upload     UploadConfig     `mapstructure:"upload"`
	FileSystem FileSystemConfig `mapstructure:"file-system"`
}

type LoggingConfig struct {
	// FilePath receives the rotating log; empty logs to stderr.
	FilePath string `mapstructure:"file-path"`

	// Format is "json" or "text".
	Format string `mapstructure:"format"`

	// Severity is one of TRACE, DEBUG, INFO, WARNING, ERROR, OFF.
	Severity string `mapstructure:"severity"`

	MaxSizeMB   int  `mapstructure:"max-file-size-mb"`
	BackupCount int  `mapstructure:"backup-count"`
	Compress    bool `mapstructure:"compress"`
}

type UploadConfig struct {
	// Workers bounds concurrent uploads.
	Workers int64 `mapstructure:"workers"`
}

type FileSystemConfig struct {
	// FuseOptions is the repeated -o mount option list.
	FuseOptions []string `mapstructure:"fuse-options"`

	Foreground bool `mapstructure:"foreground"`
}

// BindFlags declares every flag and binds it into viper.
func BindFlags(v *viper.Viper, flagSet *pflag.FlagSet) error {
	flagSet.String("data-dir", "", "Directory for the metadata database, settings store and cache.")
	flagSet.String("cache-dir", "", "Overrides the cache directory location.")
	flagSet.Int64("quota", 0, "Advertised total space in bytes (0: report the stored setting).")
	flagSet.String("log-file", "", "Log to this rotating file instead of stderr.")
	flagSet.String("log-format", "json", "Log format: json or text.")
	flagSet.String("log-severity", "INFO", "Log severity: TRACE, DEBUG, INFO, WARNING, ERROR or OFF.")
	flagSet.Int("log-rotate-max-file-size-mb", 512, "Rotate the log file at this size.")
	flagSet.Int("log-rotate-backup-file-count", 10, "Retained rotated log files (0: all).")
	flagSet.Bool("log-rotate-compress", true, "Compress rotated log files.")
	flagSet.Int64("upload-workers", 4, "Maximum concurrent uploads.")
	flagSet.StringArrayP("o", "o", nil, "Additional system-specific mount options.")
	flagSet.Bool("foreground", false, "Stay in the foreground after mounting.")

	for flag, key := range map[string]string{
		"data-dir":                     "data-dir",
		"cache-dir":                    "cache-dir",
		"quota":                        "quota",
		"log-file":                     "logging.file-path",
		"log-format":                   "logging.format",
		"log-severity":                 "logging.severity",
		"log-rotate-max-file-size-mb":  "logging.max-file-size-mb",
		"log-rotate-backup-file-count": "logging.backup-count",
		"log-rotate-compress":          "logging.compress",
		"upload-workers":               "upload.workers",
		"o":                            "file-system.fuse-options",
		"foreground":                   "file-system.foreground",
	} {
		if err := v.BindPFlag(key, flagSet.Lookup(flag)); err != nil {
			return err
		}
	}
	return nil
}

// Load unmarshals the viper state (flags plus any config file) into a
// validated, rationalized Config.
func Load(v *viper.Viper) (*Config, error) {
	var c Config
	err := v.Unmarshal(&c, func(dc *mapstructure.DecoderConfig) {
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("cfg: unmarshalling: %w", err)
	}

	if err := Rationalize(&c); err != nil {
		return nil, err
	}
	if err := Validate(&c); err != nil {
		return nil, err
	}
	return &c, nil
}
