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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOctalUnmarshalText(t *testing.T) {
	var o Octal

	require.NoError(t, o.UnmarshalText([]byte("755")))

	assert.Equal(t, Octal(0755), o)
	b, err := o.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "755", string(b))
	assert.Error(t, o.UnmarshalText([]byte("9")))
}

func TestPermissionUnmarshalText(t *testing.T) {
	testCases := []struct {
		in       string
		expected Permission
		readOnly bool
		wantErr  bool
	}{
		{in: "ro", expected: ReadOnlyPermission, readOnly: true},
		{in: "RW", expected: ReadWritePermission},
		{in: "rwx", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			var p Permission

			err := p.UnmarshalText([]byte(tc.in))

			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, p)
			assert.Equal(t, tc.readOnly, p.IsReadOnly())
		})
	}
}

func TestEmptyPermissionIsReadOnly(t *testing.T) {
	assert.True(t, Permission("").IsReadOnly())
}

func TestLogSeverity(t *testing.T) {
	var l LogSeverity

	require.NoError(t, l.UnmarshalText([]byte("warning")))

	assert.Equal(t, WarningLogSeverity, l)
	assert.Equal(t, 3, l.Rank())
	assert.Error(t, l.UnmarshalText([]byte("verbose")))
	assert.Equal(t, -1, LogSeverity("verbose").Rank())
}
