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

// Package cmd wires the command-line surface: flag and config-file
// parsing, and the mount entry point.
package cmd

import (
	"fmt"

	"github.com/nimbusfs/nimbusfs/cfg"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const version = "0.9.0"

// NewRootCmd builds the root command. The sole positional argument is
// the mount point.
func NewRootCmd(mountFn func(*cfg.Config, string) error) (*cobra.Command, error) {
	var configFile string

	v := viper.New()
	rootCmd := &cobra.Command{
		Use:     "nimbusfs [flags] mountpoint",
		Short:   "Mount a remote storage namespace as a local filesystem.",
		Version: version,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				v.SetConfigFile(configFile)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("reading config file %q: %w", configFile, err)
				}
			}
			c, err := cfg.Load(v)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			return mountFn(c, args[0])
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config-file", "", "Path to a YAML config file.")
	if err := cfg.BindFlags(v, flags); err != nil {
		return nil, err
	}
	return rootCmd, nil
}

// Execute runs the root command with the real mount implementation.
func Execute() error {
	rootCmd, err := NewRootCmd(Mount)
	if err != nil {
		return err
	}
	return rootCmd.Execute()
}
