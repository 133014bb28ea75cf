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

// Package perms resolves the owner reported for every inode of a mount.
package perms

import (
	"fmt"
	"os"
)

// MyUserAndGroup returns the UID and GID of this process.
func MyUserAndGroup() (uid, gid uint32, err error) {
	return toIDs(os.Getuid(), os.Getgid())
}

func toIDs(signedUid, signedGid int) (uid, gid uint32, err error) {
	// os.Getuid documents -1 on windows only.
	if signedGid < 0 || signedUid < 0 {
		err = fmt.Errorf("failed to get uid/gid. UID = %d, GID = %d", signedUid, signedGid)
		return
	}

	uid = uint32(signedUid)
	gid = uint32(signedGid)
	return
}

// Owner is the UID and GID that own every inode.
type Owner struct {
	Uid uint32
	Gid uint32

	// Set when the process runs as root and no UID override was given, so
	// everything ends up owned by root.
	DefaultedToRoot bool
}

// ResolveOwner returns the process's user and group, each replaced by the
// matching override when that is non-negative.
func ResolveOwner(uidOverride, gidOverride int64) (Owner, error) {
	uid, gid, err := MyUserAndGroup()
	if err != nil {
		return Owner{}, fmt.Errorf("MyUserAndGroup: %w", err)
	}
	return chooseOwner(uid, gid, uidOverride, gidOverride), nil
}

func chooseOwner(uid, gid uint32, uidOverride, gidOverride int64) Owner {
	o := Owner{
		Uid:             uid,
		Gid:             gid,
		DefaultedToRoot: uid == 0 && uidOverride < 0,
	}
	if uidOverride >= 0 {
		o.Uid = uint32(uidOverride)
	}
	if gidOverride >= 0 {
		o.Gid = uint32(gidOverride)
	}
	return o
}
