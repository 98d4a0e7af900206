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

package settings

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type SettingsTest struct {
	suite.Suite
	store *Store
}

func TestSettingsSuite(t *testing.T) {
	suite.Run(t, new(SettingsTest))
}

func (t *SettingsTest) SetupTest() {
	store, err := Open(filepath.Join(t.T().TempDir(), "settings.db"))
	require.NoError(t.T(), err)
	t.store = store
}

func (t *SettingsTest) TearDownTest() {
	t.store.Close()
}

func (t *SettingsTest) TestInt64RoundTrip() {
	require.NoError(t.T(), t.store.SetInt64(KeyQuota, 10<<30))

	v, err := t.store.GetInt64(KeyQuota)

	require.NoError(t.T(), err)
	require.Equal(t.T(), int64(10<<30), v)
}

func (t *SettingsTest) TestUnsetInt64IsZero() {
	v, err := t.store.GetInt64(KeyUsedQuota)

	require.NoError(t.T(), err)
	require.Zero(t.T(), v)
}

func (t *SettingsTest) TestStringRoundTrip() {
	require.NoError(t.T(), t.store.SetString(KeyFSCachePath, "/var/cache/nimbusfs"))

	v, err := t.store.GetString(KeyFSCachePath)

	require.NoError(t.T(), err)
	require.Equal(t.T(), "/var/cache/nimbusfs", v)
}

func (t *SettingsTest) TestUnsetStringIsEmpty() {
	v, err := t.store.GetString(KeyFSRoot)

	require.NoError(t.T(), err)
	require.Empty(t.T(), v)
}
