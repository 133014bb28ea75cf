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

package cmd

import (
	"testing"
	"time"

	"github.com/drivefuse/drivefuse/cfg"
	"github.com/drivefuse/drivefuse/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// parse runs the root command on args and returns the config and mount point
// handed to the mount function.
func parse(t *testing.T, args ...string) (*cfg.Config, string, error) {
	t.Helper()
	var (
		got        *cfg.Config
		mountPoint string
	)
	cmd, err := NewRootCmd(func(c *cfg.Config, mp string) error {
		got = c
		mountPoint = mp
		return nil
	})
	require.NoError(t, err)
	cmd.SetArgs(args)

	err = cmd.Execute()

	return got, mountPoint, err
}

func TestCobraArgsNum(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		expectError bool
	}{
		{
			name:        "Too many args",
			args:        []string{"abc", "pqr"},
			expectError: true,
		},
		{
			name:        "Too few args",
			args:        []string{},
			expectError: true,
		},
		{
			name:        "One arg is okay",
			args:        []string{"abc"},
			expectError: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := parse(t, tc.args...)

			if tc.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMountPointIsAbsolute(t *testing.T) {
	t.Setenv(util.ParentProcessDirEnv, "/home/someone")

	_, mountPoint, err := parse(t, "mnt/drive")

	require.NoError(t, err)
	assert.Equal(t, "/home/someone/mnt/drive", mountPoint)
}

func TestDefaultsAreReadOnly(t *testing.T) {
	c, _, err := parse(t, "/mnt")

	require.NoError(t, err)
	assert.True(t, c.FileSystem.Permission.IsReadOnly())
	assert.Equal(t, int64(cfg.DefaultReadOnlyTTLSecs), c.MetadataCache.AttrTtlSecs)
	assert.Equal(t, int64(cfg.DefaultReadOnlyTTLSecs), c.MetadataCache.DirTtlSecs)
	assert.Equal(t, cfg.DefaultEndpoint, c.Remote.Endpoint)
	assert.Equal(t, cfg.Octal(0644), c.FileSystem.FileMode)
	assert.Equal(t, cfg.Octal(0755), c.FileSystem.DirMode)
	assert.True(t, c.FileSystem.IgnoreInterrupts)
	assert.Equal(t, time.Minute, c.Sync.PollInterval)
	assert.Equal(t, int64(3200), c.Write.ChunkSizeKb)
}

func TestReadWriteFlagShortensDefaultTTLs(t *testing.T) {
	c, _, err := parse(t, "--permission=rw", "/mnt")

	require.NoError(t, err)
	assert.False(t, c.FileSystem.Permission.IsReadOnly())
	assert.Equal(t, int64(cfg.DefaultReadWriteTTLSecs), c.MetadataCache.AttrTtlSecs)
	assert.Equal(t, int64(cfg.DefaultReadWriteTTLSecs), c.MetadataCache.DirTtlSecs)
}

func TestFlagsAreParsed(t *testing.T) {
	c, _, err := parse(t,
		"--uid=1000",
		"--gid=1001",
		"--file-mode=600",
		"--attr-ttl-secs=-1",
		"--upload-chunk-size-kb=100",
		"--upload-max-attempts=3",
		"--sync-poll-interval=0",
		"--limit-ops-per-sec=20",
		"-o", "allow_other,max_read=4096",
		"--debug_fuse",
		"/mnt")

	require.NoError(t, err)
	assert.Equal(t, int64(1000), c.FileSystem.Uid)
	assert.Equal(t, int64(1001), c.FileSystem.Gid)
	assert.Equal(t, cfg.Octal(0600), c.FileSystem.FileMode)
	assert.Equal(t, int64(cfg.MaxSupportedTTLInSeconds), c.MetadataCache.AttrTtlSecs)
	assert.Equal(t, int64(cfg.UploadChunkAlignmentKb), c.Write.ChunkSizeKb)
	assert.Equal(t, int64(3), c.Write.MaxAttempts)
	assert.Equal(t, time.Duration(0), c.Sync.PollInterval)
	assert.Equal(t, 20.0, c.Remote.LimitOpsPerSec)
	assert.Equal(t, []string{"allow_other", "max_read=4096"}, c.FileSystem.FuseOptions)
	assert.True(t, c.Debug.Fuse)
	assert.Equal(t, cfg.TraceLogSeverity, c.Logging.Severity)
}

func TestValidConfigFile(t *testing.T) {
	c, _, err := parse(t, "--config-file=testdata/valid_config.yaml", "/mnt")

	require.NoError(t, err)
	assert.Equal(t, "test-app", c.AppName)
	assert.Equal(t, "00000000-0000-0000-0000-000000000000", c.Auth.ClientId)
	assert.Equal(t, cfg.ResolvedPath("/tmp/drivefuse-token.json"), c.Auth.TokenFile)
	assert.False(t, c.FileSystem.Permission.IsReadOnly())
	assert.Equal(t, cfg.Octal(0600), c.FileSystem.FileMode)
	assert.Equal(t, cfg.Octal(0700), c.FileSystem.DirMode)
	assert.Equal(t, []string{"allow_other"}, c.FileSystem.FuseOptions)
	assert.Equal(t, int64(30), c.MetadataCache.AttrTtlSecs)
	// Not set in the file, so it follows the read-write default.
	assert.Equal(t, int64(cfg.DefaultReadWriteTTLSecs), c.MetadataCache.DirTtlSecs)
	assert.Equal(t, int64(100), c.MetadataCache.MaxDirs)
	assert.Equal(t, int64(640), c.Write.ChunkSizeKb)
	assert.Equal(t, int64(4), c.Write.FlushThresholdMb)
	assert.Equal(t, 2*time.Minute, c.Sync.PollInterval)
	assert.Equal(t, cfg.DebugLogSeverity, c.Logging.Severity)
}

func TestFlagOverridesConfigFile(t *testing.T) {
	c, _, err := parse(t, "--config-file=testdata/valid_config.yaml", "--attr-ttl-secs=7", "--permission=ro", "/mnt")

	require.NoError(t, err)
	assert.Equal(t, int64(7), c.MetadataCache.AttrTtlSecs)
	assert.True(t, c.FileSystem.Permission.IsReadOnly())
}

func TestInvalidConfigFiles(t *testing.T) {
	tests := []struct {
		name string
		file string
	}{
		{name: "invalid permission", file: "testdata/invalid_permission_config.yaml"},
		{name: "unknown key", file: "testdata/unknown_key_config.yaml"},
		{name: "ttl below -1", file: "testdata/invalid_ttl_config.yaml"},
		{name: "missing file", file: "testdata/does_not_exist.yaml"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := parse(t, "--config-file="+tc.file, "/mnt")

			assert.Error(t, err)
		})
	}
}

func TestInvalidFlagValue(t *testing.T) {
	_, _, err := parse(t, "--upload-max-attempts=0", "/mnt")

	assert.Error(t, err)
}
