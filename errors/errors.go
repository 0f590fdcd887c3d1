// Copyright 2023 The PlexFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package errors

import "errors"

var (
	ErrInodeDoesNotExist = errors.New("inode does not exist")
	ErrItemExists        = errors.New("item already exists")
	ErrItemDoesNotExist  = errors.New("item does not exist")

	ErrNoFreeInodes       = errors.New("inode number space exhausted")
	ErrAuthorityUnreached = errors.New("inode number authority unavailable")

	// The caller's cached view of the data version or size is behind
	// the persistent record; retry with refreshed state.
	ErrStaleDataVersion = errors.New("stale data version")

	// The lock passed to an item operation does not cover the key or
	// doesn't grant the access the operation needs.
	ErrLockCoverage = errors.New("lock does not cover item operation")

	ErrLockManagerClosed = errors.New("lock manager is closed")

	// An invariant between an inode record and its index items does
	// not hold.  Never silently tolerated.
	ErrCorruptedIndex = errors.New("inode index corruption detected")

	// An orphan marker exists for an inode whose record still shows
	// links.  Deletion refuses to proceed.
	ErrDanglingOrphan = errors.New("orphan marker for linked inode")

	// A block count delta would take the record negative, which can
	// only come from a double-applied or lost side effect.
	ErrBlockCountWrap = errors.New("inode block counts went negative")

	ErrOfflineWaitAborted = errors.New("offline extent wait aborted")
)
