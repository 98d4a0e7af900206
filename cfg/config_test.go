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
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadWithArgs(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	v := viper.New()
	flagSet := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(v, flagSet))
	require.NoError(t, flagSet.Parse(args))
	return Load(v)
}

func TestDefaults(t *testing.T) {
	c, err := loadWithArgs(t, "--data-dir=/tmp/nimbus")

	require.NoError(t, err)
	assert.Equal(t, "/tmp/nimbus", c.DataDir)
	assert.Equal(t, "/tmp/nimbus/cache", c.CacheDir)
	assert.Equal(t, "json", c.Logging.Format)
	assert.Equal(t, "INFO", c.Logging.Severity)
	assert.Equal(t, int64(4), c.Upload.Workers)
	assert.False(t, c.FileSystem.Foreground)
}

func TestDerivedPaths(t *testing.T) {
	c, err := loadWithArgs(t, "--data-dir=/tmp/nimbus")

	require.NoError(t, err)
	assert.Equal(t, "/tmp/nimbus/meta.db", c.MetaDBPath())
	assert.Equal(t, "/tmp/nimbus/settings.db", c.SettingsPath())
}

func TestCacheDirOverride(t *testing.T) {
	c, err := loadWithArgs(t, "--data-dir=/tmp/nimbus", "--cache-dir=/fast/ssd")

	require.NoError(t, err)
	assert.Equal(t, "/fast/ssd", c.CacheDir)
}

func TestSeverityIsNormalized(t *testing.T) {
	c, err := loadWithArgs(t, "--data-dir=/tmp/nimbus", "--log-severity=debug")

	require.NoError(t, err)
	assert.Equal(t, "DEBUG", c.Logging.Severity)
}

func TestInvalidSeverityRejected(t *testing.T) {
	_, err := loadWithArgs(t, "--data-dir=/tmp/nimbus", "--log-severity=verbose")

	assert.Error(t, err)
}

func TestInvalidFormatRejected(t *testing.T) {
	_, err := loadWithArgs(t, "--data-dir=/tmp/nimbus", "--log-format=xml")

	assert.Error(t, err)
}

func TestNegativeQuotaRejected(t *testing.T) {
	_, err := loadWithArgs(t, "--data-dir=/tmp/nimbus", "--quota=-1")

	assert.Error(t, err)
}

func TestWorkerFloor(t *testing.T) {
	c, err := loadWithArgs(t, "--data-dir=/tmp/nimbus", "--upload-workers=0")

	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Upload.Workers)
}

func TestFuseOptions(t *testing.T) {
	c, err := loadWithArgs(t, "--data-dir=/tmp/nimbus", "-o", "allow_other", "-o", "ro")

	require.NoError(t, err)
	assert.Equal(t, []string{"allow_other", "ro"}, c.FileSystem.FuseOptions)
}
