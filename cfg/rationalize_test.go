// Copyright 2025 Google LLC
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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockIsSet struct {
	keys map[string]bool
}

func (m *mockIsSet) IsSet(key string) bool {
	return m.keys[key]
}

func validConfig() *Config {
	return &Config{
		FileSystem: FileSystemConfig{Permission: ReadOnlyPermission},
		Logging: LoggingConfig{
			Format:    "json",
			Severity:  InfoLogSeverity,
			LogRotate: LogRotateLoggingConfig{MaxFileSizeMb: 512, BackupFileCount: 10},
		},
		MetadataCache: MetadataCacheConfig{AttrTtlSecs: 5, DirTtlSecs: 5, MaxDirs: 4096},
		Read:          ReadConfig{CacheMaxSizeMb: 16, ReadAheadKb: 1024},
		Remote:        RemoteConfig{Endpoint: DefaultEndpoint, LimitOpsPerSec: -1},
		Sync:          SyncConfig{PollInterval: time.Minute},
		Write: WriteConfig{
			BackoffMultiplier: 2,
			ChunkSizeKb:       3200,
			FlushThresholdMb:  10,
			InitialBackoff:    time.Second,
			MaxAttempts:       5,
			MaxBackoff:        30 * time.Second,
		},
	}
}

func TestRationalize_TTLDefaultsFollowPermission(t *testing.T) {
	testCases := []struct {
		name       string
		permission Permission
		expected   int64
	}{
		{name: "read-only", permission: ReadOnlyPermission, expected: DefaultReadOnlyTTLSecs},
		{name: "read-write", permission: ReadWritePermission, expected: DefaultReadWriteTTLSecs},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := validConfig()
			c.FileSystem.Permission = tc.permission
			c.MetadataCache.AttrTtlSecs = 100

			require.NoError(t, Rationalize(&mockIsSet{}, c))

			assert.Equal(t, tc.expected, c.MetadataCache.AttrTtlSecs)
			assert.Equal(t, tc.expected, c.MetadataCache.DirTtlSecs)
		})
	}
}

func TestRationalize_ExplicitTTLWins(t *testing.T) {
	c := validConfig()
	c.FileSystem.Permission = ReadWritePermission
	c.MetadataCache.AttrTtlSecs = 30
	c.MetadataCache.DirTtlSecs = -1

	require.NoError(t, Rationalize(&mockIsSet{keys: map[string]bool{AttrTTLConfigKey: true, DirTTLConfigKey: true}}, c))

	assert.Equal(t, int64(30), c.MetadataCache.AttrTtlSecs)
	assert.Equal(t, MaxSupportedTTLInSeconds, c.MetadataCache.DirTtlSecs)
}

func TestRationalize_ChunkSizeAlignment(t *testing.T) {
	c := validConfig()
	c.Write.ChunkSizeKb = 1000
	c.Write.FlushThresholdMb = 1

	require.NoError(t, Rationalize(&mockIsSet{}, c))

	assert.Equal(t, int64(1280), c.Write.ChunkSizeKb)
	assert.Equal(t, int64(2), c.Write.FlushThresholdMb)
}

func TestRationalize_EmptyPermissionBecomesReadOnly(t *testing.T) {
	c := validConfig()
	c.FileSystem.Permission = ""

	require.NoError(t, Rationalize(&mockIsSet{}, c))

	assert.Equal(t, ReadOnlyPermission, c.FileSystem.Permission)
}

func TestRationalize_DebugFuseRaisesSeverity(t *testing.T) {
	c := validConfig()
	c.Debug.Fuse = true

	require.NoError(t, Rationalize(&mockIsSet{}, c))

	assert.Equal(t, TraceLogSeverity, c.Logging.Severity)
}
