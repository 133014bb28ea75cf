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

package logger

import (
	"log"
	"log/slog"
)

// NewLegacyLogger returns a *log.Logger writing through the default handler
// at the given level. jacobsa/fuse only accepts *log.Logger for its error and
// debug output; everything else should use Infof(), Warnf(), Errorf(), etc.
func NewLegacyLogger(level slog.Level, prefix string) *log.Logger {
	programLevel := new(slog.LevelVar)
	setLoggingLevel(defaultLoggerFactory.level, programLevel)
	return slog.NewLogLogger(defaultLoggerFactory.handler(programLevel, prefix), level)
}
