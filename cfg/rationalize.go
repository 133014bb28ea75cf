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

// isSet interface is abstraction over the IsSet() method of viper, specially
// added to keep rationalize method simple.
type isSet interface {
	IsSet(string) bool
}

// resolveCacheTTLs picks permission-dependent defaults for TTLs the user did
// not set and maps -1 to the largest supported TTL.
func resolveCacheTTLs(v isSet, c *Config) {
	def := int64(DefaultReadOnlyTTLSecs)
	if !c.FileSystem.Permission.IsReadOnly() {
		def = DefaultReadWriteTTLSecs
	}

	if !v.IsSet(AttrTTLConfigKey) {
		c.MetadataCache.AttrTtlSecs = def
	}
	if !v.IsSet(DirTTLConfigKey) {
		c.MetadataCache.DirTtlSecs = def
	}

	if c.MetadataCache.AttrTtlSecs == -1 {
		c.MetadataCache.AttrTtlSecs = MaxSupportedTTLInSeconds
	}
	if c.MetadataCache.DirTtlSecs == -1 {
		c.MetadataCache.DirTtlSecs = MaxSupportedTTLInSeconds
	}
}

// resolveChunkSize rounds the upload chunk up to the remote's alignment.
func resolveChunkSize(c *WriteConfig) {
	if rem := c.ChunkSizeKb % UploadChunkAlignmentKb; rem != 0 {
		c.ChunkSizeKb += UploadChunkAlignmentKb - rem
	}
}

// resolveFlushThreshold keeps the incremental-upload threshold at least one
// chunk, so a threshold flush always has a full chunk to send.
func resolveFlushThreshold(c *WriteConfig) {
	if c.FlushThresholdMb*1024 < c.ChunkSizeKb {
		c.FlushThresholdMb = (c.ChunkSizeKb + 1023) / 1024
	}
}

func resolveLoggingConfig(c *Config) {
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Debug.Fuse {
		c.Logging.Severity = TraceLogSeverity
	}
}

// Rationalize updates the config fields based on the values of other fields.
func Rationalize(v isSet, c *Config) error {
	if c.FileSystem.Permission == "" {
		c.FileSystem.Permission = ReadOnlyPermission
	}

	resolveCacheTTLs(v, c)
	resolveChunkSize(&c.Write)
	resolveFlushThreshold(&c.Write)
	resolveLoggingConfig(c)

	return nil
}
