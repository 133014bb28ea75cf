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
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	AppName string `yaml:"app-name"`

	Auth AuthConfig `yaml:"auth"`

	Debug DebugConfig `yaml:"debug"`

	FileSystem FileSystemConfig `yaml:"file-system"`

	Foreground bool `yaml:"foreground"`

	Logging LoggingConfig `yaml:"logging"`

	MetadataCache MetadataCacheConfig `yaml:"metadata-cache"`

	Metrics MetricsConfig `yaml:"metrics"`

	Read ReadConfig `yaml:"read"`

	Remote RemoteConfig `yaml:"remote"`

	Sync SyncConfig `yaml:"sync"`

	Write WriteConfig `yaml:"write"`
}

type AuthConfig struct {
	ClientId string `yaml:"client-id"`

	TokenFile ResolvedPath `yaml:"token-file"`
}

type DebugConfig struct {
	ExitOnInvariantViolation bool `yaml:"exit-on-invariant-violation"`

	Fuse bool `yaml:"fuse"`

	LogMutex bool `yaml:"log-mutex"`
}

type FileSystemConfig struct {
	DirMode Octal `yaml:"dir-mode"`

	FileMode Octal `yaml:"file-mode"`

	FsName string `yaml:"fs-name"`

	Gid int64 `yaml:"gid"`

	FuseOptions []string `yaml:"fuse-options"`

	HandleSigterm bool `yaml:"handle-sigterm"`

	IgnoreInterrupts bool `yaml:"ignore-interrupts"`

	Permission Permission `yaml:"permission"`

	Uid int64 `yaml:"uid"`
}

type LogRotateLoggingConfig struct {
	BackupFileCount int64 `yaml:"backup-file-count"`

	Compress bool `yaml:"compress"`

	MaxFileSizeMb int64 `yaml:"max-file-size-mb"`
}

type LoggingConfig struct {
	FilePath ResolvedPath `yaml:"file-path"`

	Format string `yaml:"format"`

	LogRotate LogRotateLoggingConfig `yaml:"log-rotate"`

	Severity LogSeverity `yaml:"severity"`
}

type MetadataCacheConfig struct {
	AttrTtlSecs int64 `yaml:"attr-ttl-secs"`

	DirTtlSecs int64 `yaml:"dir-ttl-secs"`

	MaxDirs int64 `yaml:"max-dirs"`
}

type MetricsConfig struct {
	PrometheusPort int64 `yaml:"prometheus-port"`
}

type ReadConfig struct {
	CacheMaxSizeMb int64 `yaml:"cache-max-size-mb"`

	ReadAheadKb int64 `yaml:"read-ahead-kb"`
}

type RemoteConfig struct {
	Endpoint string `yaml:"endpoint"`

	LimitOpsPerSec float64 `yaml:"limit-ops-per-sec"`

	RequestTimeout time.Duration `yaml:"request-timeout"`
}

type SyncConfig struct {
	PollInterval time.Duration `yaml:"poll-interval"`
}

type WriteConfig struct {
	BackoffMultiplier float64 `yaml:"backoff-multiplier"`

	ChunkSizeKb int64 `yaml:"chunk-size-kb"`

	FlushThresholdMb int64 `yaml:"flush-threshold-mb"`

	InitialBackoff time.Duration `yaml:"initial-backoff"`

	MaxAttempts int64 `yaml:"max-attempts"`

	MaxBackoff time.Duration `yaml:"max-backoff"`
}

// flagBinding ties one command-line flag to its key in the config tree.
type flagBinding struct {
	flag string
	key  string
}

// BindFlags declares every command-line flag on flagSet and binds each one to
// its key in v.
func BindFlags(v *viper.Viper, flagSet *pflag.FlagSet) error {
	flagSet.StringP("app-name", "", "", "The application name of this mount.")

	flagSet.StringP("client-id", "", "", "OAuth client id used to refresh the access token.")

	flagSet.StringP("token-file", "", "", "Path to the file holding the OAuth token obtained at login.")

	flagSet.BoolP("debug_invariants", "", false, "Exit when internal invariants are violated.")

	flagSet.BoolP("debug_fuse", "", false, "Enables debug logs of the kernel protocol layer.")

	flagSet.BoolP("debug_mutex", "", false, "Print debug messages when a mutex is held too long.")

	flagSet.StringP("dir-mode", "", "755", "Permissions bits for directories, in octal.")

	flagSet.StringP("file-mode", "", "644", "Permissions bits for files, in octal.")

	flagSet.StringP("fs-name", "", "drivefuse", "Name reported for the file system in mount tables.")

	flagSet.StringSliceP("o", "o", []string{}, "Additional system-specific mount options. Multiple options can be passed as comma separated.")

	flagSet.IntP("gid", "", -1, "GID owner of all inodes.")

	flagSet.BoolP("handle-sigterm", "", true, "Unmount on SIGTERM as well as SIGINT.")

	flagSet.BoolP("ignore-interrupts", "", true, "Keep serving mutating operations whose caller was interrupted, so that remote state is not left half-changed.")

	flagSet.StringP("permission", "", "ro", "Mount permission: 'ro' (read-only) or 'rw' (read-write).")

	flagSet.IntP("uid", "", -1, "UID owner of all inodes.")

	flagSet.BoolP("foreground", "", false, "Stay in the foreground after mounting.")

	flagSet.StringP("log-file", "", "", "The file for storing logs that can be parsed by fluentd. When not provided, plain text logs are printed to stdout.")

	flagSet.StringP("log-format", "", "json", "The format of the log file: 'text' or 'json'.")

	flagSet.IntP("log-rotate-backup-file-count", "", 10, "The maximum number of backup log files to retain after they have been rotated. 0 retains all.")

	flagSet.BoolP("log-rotate-compress", "", true, "Compress rotated log files using gzip.")

	flagSet.IntP("log-rotate-max-file-size-mb", "", 512, "The maximum size in megabytes that a log file can reach before it is rotated.")

	flagSet.StringP("log-severity", "", "INFO", "Specifies the logging severity: TRACE, DEBUG, INFO, WARNING, ERROR, OFF.")

	flagSet.IntP("attr-ttl-secs", "", DefaultReadOnlyTTLSecs, "How long file and directory attributes are cached. -1 caches forever. Defaults depend on --permission.")

	flagSet.IntP("dir-ttl-secs", "", DefaultReadOnlyTTLSecs, "How long directory listings are cached. -1 caches forever. Defaults depend on --permission.")

	flagSet.IntP("max-cached-dirs", "", 4096, "Maximum number of directory listings kept in memory.")

	flagSet.IntP("prometheus-port", "", 0, "Expose Prometheus metrics endpoint on this port. 0 disables it.")

	flagSet.IntP("read-cache-max-size-mb", "", 16, "Per-handle budget of cached read ranges.")

	flagSet.IntP("read-ahead-kb", "", 1024, "Minimum size of a remote range fetch issued by a read.")

	flagSet.StringP("endpoint", "", DefaultEndpoint, "Base URL of the remote drive API.")

	flagSet.Float64P("limit-ops-per-sec", "", -1, "Operations per second limit on the remote API. -1 means no limit.")

	flagSet.DurationP("request-timeout", "", 60*time.Second, "Timeout applied to each remote request.")

	flagSet.DurationP("sync-poll-interval", "", time.Minute, "Interval between remote change polls. 0 disables background polling.")

	flagSet.Float64P("upload-backoff-multiplier", "", 2, "Growth factor of the backoff between upload retries.")

	flagSet.IntP("upload-chunk-size-kb", "", 3200, "Size of one upload-session chunk. Rounded up to a multiple of 320 KiB.")

	flagSet.IntP("write-flush-threshold-mb", "", 10, "Buffered bytes per file that start an incremental upload.")

	flagSet.DurationP("upload-initial-backoff", "", 500*time.Millisecond, "Initial backoff between upload retries.")

	flagSet.IntP("upload-max-attempts", "", 5, "Attempts per remote call before a transient failure is surfaced.")

	flagSet.DurationP("upload-max-backoff", "", 30*time.Second, "Maximum backoff between upload retries.")

	bindings := []flagBinding{
		{"app-name", "app-name"},
		{"client-id", "auth.client-id"},
		{"token-file", "auth.token-file"},
		{"debug_invariants", "debug.exit-on-invariant-violation"},
		{"debug_fuse", "debug.fuse"},
		{"debug_mutex", "debug.log-mutex"},
		{"dir-mode", "file-system.dir-mode"},
		{"file-mode", "file-system.file-mode"},
		{"fs-name", "file-system.fs-name"},
		{"o", "file-system.fuse-options"},
		{"gid", "file-system.gid"},
		{"handle-sigterm", "file-system.handle-sigterm"},
		{"ignore-interrupts", "file-system.ignore-interrupts"},
		{"permission", "file-system.permission"},
		{"uid", "file-system.uid"},
		{"foreground", "foreground"},
		{"log-file", "logging.file-path"},
		{"log-format", "logging.format"},
		{"log-rotate-backup-file-count", "logging.log-rotate.backup-file-count"},
		{"log-rotate-compress", "logging.log-rotate.compress"},
		{"log-rotate-max-file-size-mb", "logging.log-rotate.max-file-size-mb"},
		{"log-severity", "logging.severity"},
		{"attr-ttl-secs", AttrTTLConfigKey},
		{"dir-ttl-secs", DirTTLConfigKey},
		{"max-cached-dirs", "metadata-cache.max-dirs"},
		{"prometheus-port", "metrics.prometheus-port"},
		{"read-cache-max-size-mb", "read.cache-max-size-mb"},
		{"read-ahead-kb", "read.read-ahead-kb"},
		{"endpoint", "remote.endpoint"},
		{"limit-ops-per-sec", "remote.limit-ops-per-sec"},
		{"request-timeout", "remote.request-timeout"},
		{"sync-poll-interval", "sync.poll-interval"},
		{"upload-backoff-multiplier", "write.backoff-multiplier"},
		{"upload-chunk-size-kb", "write.chunk-size-kb"},
		{"write-flush-threshold-mb", "write.flush-threshold-mb"},
		{"upload-initial-backoff", "write.initial-backoff"},
		{"upload-max-attempts", "write.max-attempts"},
		{"upload-max-backoff", "write.max-backoff"},
	}
	for _, b := range bindings {
		if err := v.BindPFlag(b.key, flagSet.Lookup(b.flag)); err != nil {
			return err
		}
	}

	return nil
}
