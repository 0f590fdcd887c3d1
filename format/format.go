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

import (
	"bytes"
	"encoding/binary"
)

// Interop version of the persistent layout.  Stored in the volume super
// item and checked on open; implementations must not write records they
// can't re-read.
const FormatVersion = 1

// Key space zones.  Zone is the first key byte so each zone occupies a
// contiguous range of the ordered item store.
const (
	ZoneMeta   = 0x00 // store-internal items (super, trans seq)
	ZoneFS     = 0x01 // per-inode items, grouped by ino
	ZoneIndex  = 0x02 // secondary index items
	ZoneOrphan = 0x03 // orphan markers
)

// Item types within the fs zone, ordered after the ino so that all of
// an inode's items form one contiguous key range.
const (
	TypeInode   = 0x01
	TypeXattr   = 0x02
	TypeExtent  = 0x03
	TypeSymlink = 0x04
)

// Secondary index types.  The meta seq index covers every inode, the
// data seq index only regular files.
const (
	IndexMetaSeq = 0x01
	IndexDataSeq = 0x02
)

const (
	// Inos covered by one ino lock range, and the granularity of
	// omap bitmap groups.
	InoGroupShift = 10
	InoGroupSize  = 1 << InoGroupShift
	InoGroupMask  = InoGroupSize - 1

	// Majors covered by one index lock region.  Clamping index
	// values to region boundaries bounds the locks per update and
	// lets one lock keep covering a value that moved a little.
	IndexRegionMajors = 1 << 10

	// Content is addressed in fixed size blocks.
	BlockSize = 4096

	// The root ino is reserved; allocation starts past it.
	RootIno  = 1
	FirstIno = RootIno + 1
)

var (
	be = binary.BigEndian
	le = binary.LittleEndian
)

// Keys encode their integer fields big-endian so byte order in the item
// store equals logical key order.

// InodeKey returns the fs zone key of an inode record.
func InodeKey(ino uint64) []byte {
	return fsKey(ino, TypeInode, nil)
}

// XattrKey returns the key of one extended attribute item.
func XattrKey(ino uint64, id uint64) []byte {
	suffix := make([]byte, 8)
	be.PutUint64(suffix, id)
	return fsKey(ino, TypeXattr, suffix)
}

// ExtentKey returns the key of one content extent item.
func ExtentKey(ino uint64, blkno uint64) []byte {
	suffix := make([]byte, 8)
	be.PutUint64(suffix, blkno)
	return fsKey(ino, TypeExtent, suffix)
}

// SymlinkKey returns the key of an inode's out of line symlink target.
func SymlinkKey(ino uint64) []byte {
	return fsKey(ino, TypeSymlink, nil)
}

func fsKey(ino uint64, typ byte, suffix []byte) []byte {
	key := make([]byte, 1+8+1+len(suffix))
	key[0] = ZoneFS
	be.PutUint64(key[1:], ino)
	key[9] = typ
	copy(key[10:], suffix)
	return key
}

// FSTypeRange returns the key range holding all of an inode's items of
// the given type, [start, end).
func FSTypeRange(ino uint64, typ byte) (start, end []byte) {
	start = fsKey(ino, typ, nil)
	end = fsKey(ino, typ+1, nil)
	return
}

// IndexKey returns the key of a secondary index item.
func IndexKey(typ byte, major uint64, minor uint32, ino uint64) []byte {
	key := make([]byte, 1+1+8+4+8)
	key[0] = ZoneIndex
	key[1] = typ
	be.PutUint64(key[2:], major)
	be.PutUint32(key[10:], minor)
	be.PutUint64(key[14:], ino)
	return key
}

// DecodeIndexKey is the inverse of IndexKey.  ok is false if the key is
// not an index item key.
func DecodeIndexKey(key []byte) (typ byte, major uint64, minor uint32, ino uint64, ok bool) {
	if len(key) != 22 || key[0] != ZoneIndex {
		return 0, 0, 0, 0, false
	}
	return key[1], be.Uint64(key[2:]), be.Uint32(key[10:]), be.Uint64(key[14:]), true
}

// OrphanKey returns the key of an inode's orphan marker.
func OrphanKey(ino uint64) []byte {
	key := make([]byte, 1+8)
	key[0] = ZoneOrphan
	be.PutUint64(key[1:], ino)
	return key
}

// DecodeOrphanKey returns the ino of an orphan marker key.
func DecodeOrphanKey(key []byte) (ino uint64, ok bool) {
	if len(key) != 9 || key[0] != ZoneOrphan {
		return 0, false
	}
	return be.Uint64(key[1:]), true
}

// OrphanZoneRange returns the whole orphan marker key range.
func OrphanZoneRange() (start, end []byte) {
	return []byte{ZoneOrphan}, []byte{ZoneOrphan + 1}
}

// ClampIndex maps an exact index value to its lock region origin.  Every
// value inside a region clamps to the same (major, minor, ino) so many
// exact values share one lock.
func ClampIndex(typ byte, major uint64, minor uint32, ino uint64) (uint64, uint32, uint64) {
	_ = typ
	return major &^ (IndexRegionMajors - 1), 0, 0
}

// IndexRegionRange returns the key range of the lock region containing
// the given index value.
func IndexRegionRange(typ byte, major uint64, minor uint32, ino uint64) (start, end []byte) {
	cmaj, cmin, cino := ClampIndex(typ, major, minor, ino)
	start = IndexKey(typ, cmaj, cmin, cino)
	end = IndexKey(typ, cmaj+IndexRegionMajors, 0, 0)
	return
}

// InoGroup returns the lock/omap group of an ino.
func InoGroup(ino uint64) uint64 {
	return ino >> InoGroupShift
}

// InoGroupBit returns the ino's bit position inside its group bitmap.
func InoGroupBit(ino uint64) int {
	return int(ino & InoGroupMask)
}

// InoGroupRange returns the fs zone key range covered by the ino's lock
// group.
func InoGroupRange(ino uint64) (start, end []byte) {
	first := ino &^ uint64(InoGroupMask)
	start = fsKey(first, 0, nil)
	end = fsKey(first+InoGroupSize, 0, nil)
	return
}

// CompareKeys orders keys the way the item store does.
func CompareKeys(a, b []byte) int {
	return bytes.Compare(a, b)
}

// PutUint64 encodes a bare little-endian counter value.
func PutUint64(v uint64) []byte {
	b := make([]byte, 8)
	le.PutUint64(b, v)
	return b
}

// Uint64 decodes a counter written by PutUint64.  Short values decode
// as zero so a missing or truncated counter reads as the initial state.
func Uint64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return le.Uint64(b)
}
