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
	"context"
	"fmt"
	"os"
	"time"

	"github.com/drivefuse/drivefuse/cfg"
	"github.com/drivefuse/drivefuse/internal/auth"
	"github.com/drivefuse/drivefuse/internal/bufferedwrites"
	"github.com/drivefuse/drivefuse/internal/fs"
	"github.com/drivefuse/drivefuse/internal/logger"
	"github.com/drivefuse/drivefuse/internal/monitor"
	"github.com/drivefuse/drivefuse/internal/mount"
	"github.com/drivefuse/drivefuse/internal/perms"
	"github.com/drivefuse/drivefuse/internal/ratelimit"
	"github.com/drivefuse/drivefuse/internal/remote"
	"github.com/drivefuse/drivefuse/internal/remote/graph"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/timeutil"
	"golang.org/x/oauth2"
)

// Window over which the op rate limit is enforced.
const rateLimitWindow = 30 * time.Second

// newRemoteClient builds the client for the signed-in user's drive: an
// authenticated Graph client, optionally throttled, reporting its calls to
// metricHandle.
func newRemoteClient(ctx context.Context, c *cfg.Config, metricHandle monitor.MetricHandle) (remote.Client, error) {
	tokenSrc, err := auth.GetTokenSource(ctx, c.Auth.ClientId, string(c.Auth.TokenFile))
	if err != nil {
		return nil, fmt.Errorf("GetTokenSource: %w", err)
	}

	httpClient := oauth2.NewClient(ctx, tokenSrc)
	httpClient.Timeout = c.Remote.RequestTimeout

	var client remote.Client = graph.NewClient(httpClient, c.Remote.Endpoint)
	if c.Remote.LimitOpsPerSec > 0 {
		capacity, err := ratelimit.ChooseLimiterCapacity(c.Remote.LimitOpsPerSec, rateLimitWindow)
		if err != nil {
			return nil, fmt.Errorf("choosing limiter capacity: %w", err)
		}
		client = ratelimit.NewThrottledClient(ratelimit.NewThrottle(c.Remote.LimitOpsPerSec, int(capacity)), client)
	}

	return monitor.NewMonitoringClient(client, metricHandle), nil
}

// retryPolicy converts the upload retry settings.
func retryPolicy(c *cfg.WriteConfig) remote.RetryPolicy {
	return remote.RetryPolicy{
		MaxAttempts: int(c.MaxAttempts),
		Initial:     c.InitialBackoff,
		Max:         c.MaxBackoff,
		Multiplier:  c.BackoffMultiplier,
	}
}

// newServerConfig maps the resolved config onto the file system's
// configuration.
func newServerConfig(c *cfg.Config, client remote.Client, metricHandle monitor.MetricHandle) (*fs.ServerConfig, error) {
	owner, err := perms.ResolveOwner(c.FileSystem.Uid, c.FileSystem.Gid)
	if err != nil {
		return nil, err
	}

	if owner.DefaultedToRoot {
		fmt.Fprintln(os.Stdout, `
WARNING: drivefuse invoked as root. This will cause all files to be owned by
root. If this is not what you intended, invoke drivefuse as the user that will
be interacting with the file system.`)
	}

	policy := retryPolicy(&c.Write)
	return &fs.ServerConfig{
		CacheClock:      timeutil.RealClock(),
		Client:          client,
		MetricHandle:    metricHandle,
		ReadOnly:        c.FileSystem.Permission.IsReadOnly(),
		Uid:             owner.Uid,
		Gid:             owner.Gid,
		FilePerms:       os.FileMode(c.FileSystem.FileMode),
		DirPerms:        os.FileMode(c.FileSystem.DirMode),
		AttrCacheTTL:    time.Duration(c.MetadataCache.AttrTtlSecs) * time.Second,
		DirCacheTTL:     time.Duration(c.MetadataCache.DirTtlSecs) * time.Second,
		MaxCachedDirs:   int(c.MetadataCache.MaxDirs),
		ReadAhead:       c.Read.ReadAheadKb * 1024,
		ReadCacheBudget: uint64(c.Read.CacheMaxSizeMb) << 20,
		Write: bufferedwrites.HandlerConfig{
			ChunkSize:      c.Write.ChunkSizeKb * 1024,
			FlushThreshold: c.Write.FlushThresholdMb << 20,
			RetryPolicy:    policy,
		},
		RetryPolicy:      policy,
		SyncInterval:     c.Sync.PollInterval,
		IgnoreInterrupts: c.FileSystem.IgnoreInterrupts,
		DebugFS:          c.Debug.Fuse,
	}, nil
}

// getFuseMountConfig builds the options handed to the kernel at mount time.
func getFuseMountConfig(c *cfg.Config) *fuse.MountConfig {
	mountCfg := &fuse.MountConfig{
		FSName:      c.FileSystem.FsName,
		Subtype:     "drivefuse",
		VolumeName:  "drivefuse",
		ReadOnly:    c.FileSystem.Permission.IsReadOnly(),
		Options:     mount.OptionsFromFlags(c.FileSystem.FuseOptions),
		ErrorLogger: logger.NewLegacyLogger(logger.LevelError, "fuse: "),
	}
	if c.Debug.Fuse {
		mountCfg.DebugLogger = logger.NewLegacyLogger(logger.LevelTrace, "fuse_debug: ")
	}
	return mountCfg
}

// mountWithClient mounts the file system serving client at mountPoint,
// returning a fuse.MountedFileSystem that can be joined to wait for
// unmounting.
func mountWithClient(
	ctx context.Context,
	mountPoint string,
	c *cfg.Config,
	client remote.Client,
	metricHandle monitor.MetricHandle) (mfs *fuse.MountedFileSystem, err error) {
	serverCfg, err := newServerConfig(c, client, metricHandle)
	if err != nil {
		return nil, err
	}

	logger.Info("Creating a new server...")
	server, err := fs.NewServer(ctx, serverCfg)
	if err != nil {
		return nil, fmt.Errorf("fs.NewServer: %w", err)
	}

	logger.Infof("Mounting file system %q...", c.FileSystem.FsName)
	mfs, err = fuse.Mount(mountPoint, server, getFuseMountConfig(c))
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	return mfs, nil
}
