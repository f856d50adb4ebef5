// Package types holds the data model shared across the store, client and
// protocol packages: object identifiers, directory entries, account
// ledgers, and the on-wire block-index shapes described by the file codec.
package types

import "time"

// ObjectID identifies a stored object (directory, file or patch file)
// within one account. It is a monotonically increasing 64-bit integer;
// ID 1 is always the account's root directory.
type ObjectID uint64

// RootObjectID is the reserved object ID of an account's root directory.
const RootObjectID ObjectID = 1

// EntryFlags is a bitmask describing the state of a DirectoryEntry.
type EntryFlags uint32

const (
	FlagFile EntryFlags = 1 << iota
	FlagDirectory
	FlagDeleted
	FlagOldVersion
	FlagRemoveASAP
)

// Has reports whether all bits in mask are set.
func (f EntryFlags) Has(mask EntryFlags) bool { return f&mask == mask }

// HasAny reports whether any bit in mask is set.
func (f EntryFlags) HasAny(mask EntryFlags) bool { return f&mask != 0 }

// Live reports whether the entry is a current, undeleted version: neither
// Deleted nor OldVersion.
func (f EntryFlags) Live() bool { return !f.HasAny(FlagDeleted | FlagOldVersion) }

// NameEncoding distinguishes how DirectoryEntry.Name is stored.
type NameEncoding uint8

const (
	// NameEncrypted marks a name encrypted under the account's keystore.
	NameEncrypted NameEncoding = iota
	// NameClearText marks a name stored without encryption.
	NameClearText
)

// EncodedName is a self-describing directory entry name: the encoding
// byte travels with the bytes so a reader never needs out-of-band state
// to know how to interpret them.
type EncodedName struct {
	Encoding NameEncoding
	Bytes    []byte
}

// DirectoryEntry is one row of a stored directory (spec §3, §4.F).
type DirectoryEntry struct {
	Name           EncodedName
	ClearName      string // decrypted form, populated on demand, never serialized
	ObjectID       ObjectID
	ModTime        time.Time
	SizeInBlocks   int64
	Flags          EntryFlags
	AttributesHash uint64
	Attributes     []byte
	DependsOlder   ObjectID // 0 if none
	DependsNewer   ObjectID // 0 if none
	MarkNumber     uint32   // groups versions of one name for age-ordering (housekeeping)
}

// IsDirectory reports whether the entry refers to a directory object.
func (e *DirectoryEntry) IsDirectory() bool { return e.Flags.Has(FlagDirectory) }

// BlockIndexEntry is one encrypted record in a file stream's block index
// (spec §3, §6). EncodedSize > 0 for a real data chunk; EncodedSize <= 0
// means OtherBlockIndex = -EncodedSize, a reference into the diffed-from
// file's own index (a patch entry).
type BlockIndexEntry struct {
	EncodedSize    int64 // >0: bytes of ciphertext following in the stream
	ClearSize      int64 // encrypted in the entry, populated on decode
	WeakChecksum   uint32
	StrongChecksum [16]byte
}

// IsPatchEntry reports whether this entry references a block of another
// file rather than carrying its own encoded data.
func (b BlockIndexEntry) IsPatchEntry() bool { return b.EncodedSize <= 0 }

// OtherBlockIndex returns the index into the diffed-from file's block
// index this entry refers to. Only valid when IsPatchEntry is true.
func (b BlockIndexEntry) OtherBlockIndex() int64 { return -b.EncodedSize }

// StreamHeader is the fixed header of a file stream (spec §6).
type StreamHeader struct {
	NumBlocks         uint64
	ContainerID       ObjectID
	ModTime           time.Time
	MaxClearChunkHint uint32
	Options           uint32
}

// StreamOption bits for StreamHeader.Options.
const (
	OptionIsSymlink uint32 = 1 << iota
)

// BlockIndexHeader is the fixed header preceding a stream's block index
// (spec §6). OtherFileID is 0 for a whole file, non-zero for a patch.
type BlockIndexHeader struct {
	OtherFileID ObjectID
	EntryIVBase uint64
	NumBlocks   uint64
}

// AccountInfo is the per-account ledger record (spec §3, §4.G).
type AccountInfo struct {
	AccountID         uint64
	LastObjectID      ObjectID
	BlocksUsed        int64
	BlocksInOldFiles  int64
	BlocksInDeleted   int64
	BlocksInDirs      int64
	SoftLimitBlocks   int64
	HardLimitBlocks   int64
	ClientStoreMarker int64
	Name              string
	ReadOnly          bool
}

// DiscSet describes a RAID configuration: either one directory (no
// redundancy) or three (two stripes plus parity), plus the storage block
// size used for accounting (spec §3, §4.B).
type DiscSet struct {
	Name      string
	Dirs      []string // len 1 or 3
	BlockSize int64
}

// Raided reports whether this disc set stripes across three directories.
func (d DiscSet) Raided() bool { return len(d.Dirs) == 3 }

// Account ties a numeric account to the disc set and root path it stores
// under, plus its quota limits (spec §3).
type Account struct {
	ID             uint64
	RootPath       string
	DiscSetIndex   int
	SoftLimitBlocks int64
	HardLimitBlocks int64
}
