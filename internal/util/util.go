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

package util

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ParentProcessDirEnv carries the working directory of the process that
// daemonized us, so that relative paths given on the command line keep their
// meaning in the background process.
const ParentProcessDirEnv = "drivefuse-parent-process-dir"

const MiB = 1 << 20

// GetResolvedPath returns an absolute form of filePath.
//  1. Absolute paths and the empty string are returned unchanged.
//  2. Paths starting with ~/ are resolved against the home directory.
//  3. Other relative paths are resolved against ParentProcessDirEnv when set,
//     and against the current directory otherwise.
func GetResolvedPath(filePath string) (resolvedPath string, err error) {
	if filePath == "" || path.IsAbs(filePath) {
		resolvedPath = filePath
		return
	}

	if strings.HasPrefix(filePath, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("fetch home dir: %w", err)
		}
		return filepath.Join(homeDir, filePath[2:]), nil
	}

	parentDir, _ := os.LookupEnv(ParentProcessDirEnv)
	parentDir = strings.TrimSpace(parentDir)
	if parentDir == "" {
		return filepath.Abs(filePath)
	}
	return filepath.Join(parentDir, filePath), nil
}

// NormalizeName returns the NFC form of a name received from the remote
// drive. Remote clients on some platforms store decomposed names, and the
// kernel looks names up byte-wise.
func NormalizeName(name string) string {
	if norm.NFC.IsNormalString(name) {
		return name
	}
	return norm.NFC.String(name)
}

// IsValidName reports whether name may be used as a single path component.
func IsValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\x00")
}
