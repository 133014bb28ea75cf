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
	"fmt"
	"net/url"
)

func isValidLogRotateConfig(config *LogRotateLoggingConfig) error {
	if config.MaxFileSizeMb <= 0 {
		return fmt.Errorf("max-file-size-mb should be atleast 1")
	}
	if config.BackupFileCount < 0 {
		return fmt.Errorf("backup-file-count should be 0 (to retain all backup files) or a positive value")
	}
	return nil
}

func isValidLoggingFormat(format string) error {
	if format != "text" && format != "json" {
		return fmt.Errorf("unsupported log format %q, must be text or json", format)
	}
	return nil
}

func isValidEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("endpoint %q must use http or https", endpoint)
	}
	return nil
}

func isValidMetadataCacheConfig(c *MetadataCacheConfig) error {
	for name, ttl := range map[string]int64{"attr-ttl-secs": c.AttrTtlSecs, "dir-ttl-secs": c.DirTtlSecs} {
		if ttl < -1 {
			return fmt.Errorf("the value of %s for metadata-cache can't be less than -1", name)
		}
		if ttl > MaxSupportedTTLInSeconds {
			return fmt.Errorf("the value of %s for metadata-cache is too high to be supported. Max is %d", name, MaxSupportedTTLInSeconds)
		}
	}
	if c.MaxDirs < 1 {
		return fmt.Errorf("max-dirs for metadata-cache should be atleast 1")
	}
	return nil
}

func isValidWriteConfig(c *WriteConfig) error {
	if c.ChunkSizeKb <= 0 {
		return fmt.Errorf("chunk-size-kb should be positive")
	}
	if c.FlushThresholdMb <= 0 {
		return fmt.Errorf("flush-threshold-mb should be positive")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max-attempts should be atleast 1")
	}
	if c.InitialBackoff <= 0 || c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("backoff must satisfy 0 < initial-backoff <= max-backoff")
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff-multiplier should be atleast 1")
	}
	return nil
}

func isValidReadConfig(c *ReadConfig) error {
	if c.ReadAheadKb < 0 {
		return fmt.Errorf("read-ahead-kb can't be negative")
	}
	if c.CacheMaxSizeMb < 0 {
		return fmt.Errorf("cache-max-size-mb can't be negative")
	}
	return nil
}

// ValidateConfig returns a non-nil error if the config is invalid.
func ValidateConfig(config *Config) error {
	var err error

	if err = isValidLogRotateConfig(&config.Logging.LogRotate); err != nil {
		return fmt.Errorf("error parsing log-rotate config: %w", err)
	}

	if err = isValidLoggingFormat(config.Logging.Format); err != nil {
		return fmt.Errorf("error parsing logging config: %w", err)
	}

	if err = isValidEndpoint(config.Remote.Endpoint); err != nil {
		return fmt.Errorf("error parsing endpoint config: %w", err)
	}

	if err = isValidMetadataCacheConfig(&config.MetadataCache); err != nil {
		return fmt.Errorf("error parsing metadata-cache config: %w", err)
	}

	if err = isValidWriteConfig(&config.Write); err != nil {
		return fmt.Errorf("error parsing write config: %w", err)
	}

	if err = isValidReadConfig(&config.Read); err != nil {
		return fmt.Errorf("error parsing read config: %w", err)
	}

	if config.Sync.PollInterval < 0 {
		return fmt.Errorf("sync poll-interval can't be negative")
	}

	return nil
}
