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

package format

import "errors"

// InodeRecordSize is the fixed size of every persistent inode record.
// There are no partial or variable length records in this version.
const InodeRecordSize = 144

// Mode format bits, matching the usual unix encoding.
const (
	ModeFmtMask = 0o170000
	ModeRegular = 0o100000
	ModeDir     = 0o040000
	ModeSymlink = 0o120000
)

// Inode flag bits persisted in the record.
const (
	// A size changing update committed before its extent removal
	// finished; truncation must be completed before new writes.
	FlagTruncate = uint32(1) << 0
)

var ErrBadRecord = errors.New("bad inode record size")

// Timespec is the fixed encoding of one timestamp: 8 bytes of seconds,
// 4 of nanoseconds and 4 of zeroed padding.
type Timespec struct {
	Sec  int64
	Nsec uint32
}

// InodeRecord mirrors the persistent inode record field for field.  All
// integers are stored little-endian; reserved padding is written as
// zeroes so record bytes are reproducible.
type InodeRecord struct {
	Size          uint64
	MetaSeq       uint64
	DataSeq       uint64
	DataVersion   uint64
	OnlineBlocks  uint64
	OfflineBlocks uint64
	NextXattrID   uint64
	Nlink         uint32
	UID           uint32
	GID           uint32
	Mode          uint32
	Rdev          uint32
	Flags         uint32
	Atime         Timespec
	Mtime         Timespec
	Ctime         Timespec
	Crtime        Timespec
}

// IsRegular returns whether the record describes a regular file.
func (r *InodeRecord) IsRegular() bool { return r.Mode&ModeFmtMask == ModeRegular }

// IsDir returns whether the record describes a directory.
func (r *InodeRecord) IsDir() bool { return r.Mode&ModeFmtMask == ModeDir }

// IsSymlink returns whether the record describes a symbolic link.
func (r *InodeRecord) IsSymlink() bool { return r.Mode&ModeFmtMask == ModeSymlink }

func putTimespec(b []byte, ts Timespec) {
	le.PutUint64(b, uint64(ts.Sec))
	le.PutUint32(b[8:], ts.Nsec)
	le.PutUint32(b[12:], 0)
}

func getTimespec(b []byte) Timespec {
	return Timespec{Sec: int64(le.Uint64(b)), Nsec: le.Uint32(b[8:])}
}

// Marshal encodes the record into its fixed layout.
func (r *InodeRecord) Marshal() []byte {
	b := make([]byte, InodeRecordSize)
	le.PutUint64(b[0:], r.Size)
	le.PutUint64(b[8:], r.MetaSeq)
	le.PutUint64(b[16:], r.DataSeq)
	le.PutUint64(b[24:], r.DataVersion)
	le.PutUint64(b[32:], r.OnlineBlocks)
	le.PutUint64(b[40:], r.OfflineBlocks)
	le.PutUint64(b[48:], r.NextXattrID)
	le.PutUint32(b[56:], r.Nlink)
	le.PutUint32(b[60:], r.UID)
	le.PutUint32(b[64:], r.GID)
	le.PutUint32(b[68:], r.Mode)
	le.PutUint32(b[72:], r.Rdev)
	le.PutUint32(b[76:], r.Flags)
	putTimespec(b[80:], r.Atime)
	putTimespec(b[96:], r.Mtime)
	putTimespec(b[112:], r.Ctime)
	putTimespec(b[128:], r.Crtime)
	return b
}

// Unmarshal decodes a fixed layout record.
func (r *InodeRecord) Unmarshal(b []byte) error {
	if len(b) != InodeRecordSize {
		return ErrBadRecord
	}
	r.Size = le.Uint64(b[0:])
	r.MetaSeq = le.Uint64(b[8:])
	r.DataSeq = le.Uint64(b[16:])
	r.DataVersion = le.Uint64(b[24:])
	r.OnlineBlocks = le.Uint64(b[32:])
	r.OfflineBlocks = le.Uint64(b[40:])
	r.NextXattrID = le.Uint64(b[48:])
	r.Nlink = le.Uint32(b[56:])
	r.UID = le.Uint32(b[60:])
	r.GID = le.Uint32(b[64:])
	r.Mode = le.Uint32(b[68:])
	r.Rdev = le.Uint32(b[72:])
	r.Flags = le.Uint32(b[76:])
	r.Atime = getTimespec(b[80:])
	r.Mtime = getTimespec(b[96:])
	r.Ctime = getTimespec(b[112:])
	r.Crtime = getTimespec(b[128:])
	return nil
}
