package protocol

import (
	"bytes"

	"github.com/coldvault/backupstore/pkg/types"
)

// Opcode identifies a command or reply frame's payload shape.
type Opcode byte

// Command opcodes (client to server), spec §4.J's command table.
const (
	OpVersion Opcode = iota + 1
	OpLogin
	OpFinished
	OpListDirectory
	OpGetObject
	OpGetFile
	OpGetBlockIndexByID
	OpGetBlockIndexByName
	OpStoreFile
	OpCreateDirectory
	OpChangeDirAttributes
	OpSetReplacementFileAttributes
	OpDeleteFile
	OpDeleteDirectory
	OpUndeleteDirectory
	OpSetClientStoreMarker
	OpMoveObject
	OpGetObjectName
	OpGetAccountUsage
	OpGetIsAlive
)

// Reply opcodes (server to client).
const (
	ReplyVersion Opcode = iota + 64
	ReplyLoginConfirmed
	ReplyFinished
	ReplySuccess
	ReplyError
	ReplyObjectName
	ReplyAccountUsage
	ReplyIsAlive
)

// LoginFlags bits accompanying a Login command.
const (
	LoginFlagReadOnly uint32 = 1 << iota
)

// VersionCommand carries the client's protocol version for the
// handshake phase.
type VersionCommand struct{ ClientVersion uint32 }

func (c VersionCommand) encode() []byte {
	var buf bytes.Buffer
	_ = writeUint32(&buf, c.ClientVersion)
	return buf.Bytes()
}

func decodeVersionCommand(b []byte) (VersionCommand, error) {
	r := &byteReader{b: b}
	v, err := r.readUint32()
	return VersionCommand{ClientVersion: v}, err
}

// LoginCommand authenticates a session against one account.
type LoginCommand struct {
	AccountID uint64
	Flags     uint32
}

func (c LoginCommand) encode() []byte {
	var buf bytes.Buffer
	_ = writeUint64(&buf, c.AccountID)
	_ = writeUint32(&buf, c.Flags)
	return buf.Bytes()
}

func decodeLoginCommand(b []byte) (LoginCommand, error) {
	r := &byteReader{b: b}
	id, err := r.readUint64()
	if err != nil {
		return LoginCommand{}, err
	}
	flags, err := r.readUint32()
	return LoginCommand{AccountID: id, Flags: flags}, err
}

// ListDirectoryCommand requests a directory's entries, optionally
// filtered by required/forbidden flag masks.
type ListDirectoryCommand struct {
	DirectoryID  types.ObjectID
	MustHave     types.EntryFlags
	MustNotHave  types.EntryFlags
}

func (c ListDirectoryCommand) encode() []byte {
	var buf bytes.Buffer
	_ = writeUint64(&buf, uint64(c.DirectoryID))
	_ = writeUint32(&buf, uint32(c.MustHave))
	_ = writeUint32(&buf, uint32(c.MustNotHave))
	return buf.Bytes()
}

func decodeListDirectoryCommand(b []byte) (ListDirectoryCommand, error) {
	r := &byteReader{b: b}
	id, err := r.readUint64()
	if err != nil {
		return ListDirectoryCommand{}, err
	}
	must, err := r.readUint32()
	if err != nil {
		return ListDirectoryCommand{}, err
	}
	mustNot, err := r.readUint32()
	return ListDirectoryCommand{DirectoryID: types.ObjectID(id), MustHave: types.EntryFlags(must), MustNotHave: types.EntryFlags(mustNot)}, err
}

// ObjectIDCommand is the shape shared by GetObject, GetBlockIndexByID
// and UndeleteDirectory (single-ID commands).
type ObjectIDCommand struct{ ObjectID types.ObjectID }

func (c ObjectIDCommand) encode() []byte {
	var buf bytes.Buffer
	_ = writeUint64(&buf, uint64(c.ObjectID))
	return buf.Bytes()
}

func decodeObjectIDCommand(b []byte) (ObjectIDCommand, error) {
	r := &byteReader{b: b}
	id, err := r.readUint64()
	return ObjectIDCommand{ObjectID: types.ObjectID(id)}, err
}

// GetFileCommand fetches a reconstructed whole file from a directory.
type GetFileCommand struct {
	ObjectID    types.ObjectID
	DirectoryID types.ObjectID
}

func (c GetFileCommand) encode() []byte {
	var buf bytes.Buffer
	_ = writeUint64(&buf, uint64(c.ObjectID))
	_ = writeUint64(&buf, uint64(c.DirectoryID))
	return buf.Bytes()
}

func decodeGetFileCommand(b []byte) (GetFileCommand, error) {
	r := &byteReader{b: b}
	id, err := r.readUint64()
	if err != nil {
		return GetFileCommand{}, err
	}
	dir, err := r.readUint64()
	return GetFileCommand{ObjectID: types.ObjectID(id), DirectoryID: types.ObjectID(dir)}, err
}

// GetBlockIndexByNameCommand fetches the block index of the live entry
// named Name within Directory, for a client planning a diff upload.
type GetBlockIndexByNameCommand struct {
	DirectoryID   types.ObjectID
	EncryptedName []byte
}

func (c GetBlockIndexByNameCommand) encode() []byte {
	var buf bytes.Buffer
	_ = writeUint64(&buf, uint64(c.DirectoryID))
	_ = writeBlob(&buf, c.EncryptedName)
	return buf.Bytes()
}

func decodeGetBlockIndexByNameCommand(b []byte) (GetBlockIndexByNameCommand, error) {
	r := &byteReader{b: b}
	dir, err := r.readUint64()
	if err != nil {
		return GetBlockIndexByNameCommand{}, err
	}
	name, err := r.readBlob()
	return GetBlockIndexByNameCommand{DirectoryID: types.ObjectID(dir), EncryptedName: name}, err
}

// StoreFileCommand uploads a new version of a file, optionally as a
// diff against DiffFromID (0 for a whole-file upload). The file's
// plaintext follows as the attached chunked body; the server encodes it.
type StoreFileCommand struct {
	DirectoryID   types.ObjectID
	ModTime       int64 // unix micro
	AttributesHash uint64
	DiffFromID    types.ObjectID
	EncryptedName []byte
	ClearName     string // server-side bookkeeping only; never written to disk in clear
}

func (c StoreFileCommand) encode() []byte {
	var buf bytes.Buffer
	_ = writeUint64(&buf, uint64(c.DirectoryID))
	_ = writeInt64(&buf, c.ModTime)
	_ = writeUint64(&buf, c.AttributesHash)
	_ = writeUint64(&buf, uint64(c.DiffFromID))
	_ = writeBlob(&buf, c.EncryptedName)
	_ = writeString(&buf, c.ClearName)
	return buf.Bytes()
}

func decodeStoreFileCommand(b []byte) (StoreFileCommand, error) {
	r := &byteReader{b: b}
	dir, err := r.readUint64()
	if err != nil {
		return StoreFileCommand{}, err
	}
	mtime, err := r.readInt64()
	if err != nil {
		return StoreFileCommand{}, err
	}
	hash, err := r.readUint64()
	if err != nil {
		return StoreFileCommand{}, err
	}
	diffFrom, err := r.readUint64()
	if err != nil {
		return StoreFileCommand{}, err
	}
	name, err := r.readBlob()
	if err != nil {
		return StoreFileCommand{}, err
	}
	clearName, err := r.readString()
	return StoreFileCommand{
		DirectoryID: types.ObjectID(dir), ModTime: mtime, AttributesHash: hash,
		DiffFromID: types.ObjectID(diffFrom), EncryptedName: name, ClearName: clearName,
	}, err
}

// CreateDirectoryCommand creates a new subdirectory.
type CreateDirectoryCommand struct {
	ParentID      types.ObjectID
	AttrModTime   int64
	ClearName     string
	EncryptedName []byte
	Attributes    []byte
}

func (c CreateDirectoryCommand) encode() []byte {
	var buf bytes.Buffer
	_ = writeUint64(&buf, uint64(c.ParentID))
	_ = writeInt64(&buf, c.AttrModTime)
	_ = writeString(&buf, c.ClearName)
	_ = writeBlob(&buf, c.EncryptedName)
	_ = writeBlob(&buf, c.Attributes)
	return buf.Bytes()
}

func decodeCreateDirectoryCommand(b []byte) (CreateDirectoryCommand, error) {
	r := &byteReader{b: b}
	parent, err := r.readUint64()
	if err != nil {
		return CreateDirectoryCommand{}, err
	}
	mtime, err := r.readInt64()
	if err != nil {
		return CreateDirectoryCommand{}, err
	}
	clearName, err := r.readString()
	if err != nil {
		return CreateDirectoryCommand{}, err
	}
	encName, err := r.readBlob()
	if err != nil {
		return CreateDirectoryCommand{}, err
	}
	attrs, err := r.readBlob()
	return CreateDirectoryCommand{ParentID: types.ObjectID(parent), AttrModTime: mtime, ClearName: clearName, EncryptedName: encName, Attributes: attrs}, err
}

// ChangeDirAttributesCommand updates a directory's own attribute blob.
type ChangeDirAttributesCommand struct {
	DirectoryID    types.ObjectID
	Attributes     []byte
	AttributesHash uint64
	AttrModTime    int64
}

func (c ChangeDirAttributesCommand) encode() []byte {
	var buf bytes.Buffer
	_ = writeUint64(&buf, uint64(c.DirectoryID))
	_ = writeBlob(&buf, c.Attributes)
	_ = writeUint64(&buf, c.AttributesHash)
	_ = writeInt64(&buf, c.AttrModTime)
	return buf.Bytes()
}

func decodeChangeDirAttributesCommand(b []byte) (ChangeDirAttributesCommand, error) {
	r := &byteReader{b: b}
	dir, err := r.readUint64()
	if err != nil {
		return ChangeDirAttributesCommand{}, err
	}
	attrs, err := r.readBlob()
	if err != nil {
		return ChangeDirAttributesCommand{}, err
	}
	hash, err := r.readUint64()
	if err != nil {
		return ChangeDirAttributesCommand{}, err
	}
	mtime, err := r.readInt64()
	return ChangeDirAttributesCommand{DirectoryID: types.ObjectID(dir), Attributes: attrs, AttributesHash: hash, AttrModTime: mtime}, err
}

// SetReplacementFileAttributesCommand updates one file entry's
// attribute blob.
type SetReplacementFileAttributesCommand struct {
	DirectoryID    types.ObjectID
	ObjectID       types.ObjectID
	Attributes     []byte
	AttributesHash uint64
}

func (c SetReplacementFileAttributesCommand) encode() []byte {
	var buf bytes.Buffer
	_ = writeUint64(&buf, uint64(c.DirectoryID))
	_ = writeUint64(&buf, uint64(c.ObjectID))
	_ = writeBlob(&buf, c.Attributes)
	_ = writeUint64(&buf, c.AttributesHash)
	return buf.Bytes()
}

func decodeSetReplacementFileAttributesCommand(b []byte) (SetReplacementFileAttributesCommand, error) {
	r := &byteReader{b: b}
	dir, err := r.readUint64()
	if err != nil {
		return SetReplacementFileAttributesCommand{}, err
	}
	id, err := r.readUint64()
	if err != nil {
		return SetReplacementFileAttributesCommand{}, err
	}
	attrs, err := r.readBlob()
	if err != nil {
		return SetReplacementFileAttributesCommand{}, err
	}
	hash, err := r.readUint64()
	return SetReplacementFileAttributesCommand{DirectoryID: types.ObjectID(dir), ObjectID: types.ObjectID(id), Attributes: attrs, AttributesHash: hash}, err
}

// DeleteFileCommand deletes (soft) every live entry named ClearName.
type DeleteFileCommand struct {
	DirectoryID types.ObjectID
	ClearName   string
}

func (c DeleteFileCommand) encode() []byte {
	var buf bytes.Buffer
	_ = writeUint64(&buf, uint64(c.DirectoryID))
	_ = writeString(&buf, c.ClearName)
	return buf.Bytes()
}

func decodeDeleteFileCommand(b []byte) (DeleteFileCommand, error) {
	r := &byteReader{b: b}
	dir, err := r.readUint64()
	if err != nil {
		return DeleteFileCommand{}, err
	}
	name, err := r.readString()
	return DeleteFileCommand{DirectoryID: types.ObjectID(dir), ClearName: name}, err
}

// DeleteDirectoryCommand soft-deletes or undeletes a directory subtree.
type DeleteDirectoryCommand struct {
	DirectoryID types.ObjectID
	ParentID    types.ObjectID
	Undelete    bool
}

func (c DeleteDirectoryCommand) encode() []byte {
	var buf bytes.Buffer
	_ = writeUint64(&buf, uint64(c.DirectoryID))
	_ = writeUint64(&buf, uint64(c.ParentID))
	undelete := byte(0)
	if c.Undelete {
		undelete = 1
	}
	buf.WriteByte(undelete)
	return buf.Bytes()
}

func decodeDeleteDirectoryCommand(b []byte) (DeleteDirectoryCommand, error) {
	r := &byteReader{b: b}
	dir, err := r.readUint64()
	if err != nil {
		return DeleteDirectoryCommand{}, err
	}
	parent, err := r.readUint64()
	if err != nil {
		return DeleteDirectoryCommand{}, err
	}
	u, err := r.readByte()
	return DeleteDirectoryCommand{DirectoryID: types.ObjectID(dir), ParentID: types.ObjectID(parent), Undelete: u != 0}, err
}

// SetClientStoreMarkerCommand updates the client's opaque store marker.
type SetClientStoreMarkerCommand struct{ Marker int64 }

func (c SetClientStoreMarkerCommand) encode() []byte {
	var buf bytes.Buffer
	_ = writeInt64(&buf, c.Marker)
	return buf.Bytes()
}

func decodeSetClientStoreMarkerCommand(b []byte) (SetClientStoreMarkerCommand, error) {
	r := &byteReader{b: b}
	m, err := r.readInt64()
	return SetClientStoreMarkerCommand{Marker: m}, err
}

// MoveObjectCommand relocates or renames an object (spec §4.I).
type MoveObjectCommand struct {
	ObjectID             types.ObjectID
	FromDirectoryID      types.ObjectID
	ToDirectoryID        types.ObjectID
	NewClearName         string
	NewEncryptedName     []byte
	MoveAllWithSameName  bool
	AllowMoveOverDeleted bool
}

func (c MoveObjectCommand) encode() []byte {
	var buf bytes.Buffer
	_ = writeUint64(&buf, uint64(c.ObjectID))
	_ = writeUint64(&buf, uint64(c.FromDirectoryID))
	_ = writeUint64(&buf, uint64(c.ToDirectoryID))
	_ = writeString(&buf, c.NewClearName)
	_ = writeBlob(&buf, c.NewEncryptedName)
	flags := byte(0)
	if c.MoveAllWithSameName {
		flags |= 1
	}
	if c.AllowMoveOverDeleted {
		flags |= 2
	}
	buf.WriteByte(flags)
	return buf.Bytes()
}

func decodeMoveObjectCommand(b []byte) (MoveObjectCommand, error) {
	r := &byteReader{b: b}
	id, err := r.readUint64()
	if err != nil {
		return MoveObjectCommand{}, err
	}
	from, err := r.readUint64()
	if err != nil {
		return MoveObjectCommand{}, err
	}
	to, err := r.readUint64()
	if err != nil {
		return MoveObjectCommand{}, err
	}
	name, err := r.readString()
	if err != nil {
		return MoveObjectCommand{}, err
	}
	encName, err := r.readBlob()
	if err != nil {
		return MoveObjectCommand{}, err
	}
	flags, err := r.readByte()
	return MoveObjectCommand{
		ObjectID: types.ObjectID(id), FromDirectoryID: types.ObjectID(from), ToDirectoryID: types.ObjectID(to),
		NewClearName: name, NewEncryptedName: encName,
		MoveAllWithSameName: flags&1 != 0, AllowMoveOverDeleted: flags&2 != 0,
	}, err
}

// GetObjectNameCommand walks the parent chain of ObjectID (contained in
// ContainingDirectoryID) up to the root, streaming name elements back.
type GetObjectNameCommand struct {
	ObjectID            types.ObjectID
	ContainingDirectoryID types.ObjectID
}

func (c GetObjectNameCommand) encode() []byte {
	var buf bytes.Buffer
	_ = writeUint64(&buf, uint64(c.ObjectID))
	_ = writeUint64(&buf, uint64(c.ContainingDirectoryID))
	return buf.Bytes()
}

func decodeGetObjectNameCommand(b []byte) (GetObjectNameCommand, error) {
	r := &byteReader{b: b}
	id, err := r.readUint64()
	if err != nil {
		return GetObjectNameCommand{}, err
	}
	dir, err := r.readUint64()
	return GetObjectNameCommand{ObjectID: types.ObjectID(id), ContainingDirectoryID: types.ObjectID(dir)}, err
}

// --- replies ---

// SuccessReply carries back an object ID (or 0 where spec allows it),
// the shape shared by most mutating commands' replies.
type SuccessReply struct{ ObjectID types.ObjectID }

func (r SuccessReply) encode() []byte {
	var buf bytes.Buffer
	_ = writeUint64(&buf, uint64(r.ObjectID))
	return buf.Bytes()
}

func decodeSuccessReply(b []byte) (SuccessReply, error) {
	r := &byteReader{b: b}
	id, err := r.readUint64()
	return SuccessReply{ObjectID: types.ObjectID(id)}, err
}

// ErrorReply carries a wire-visible error kind back to the client.
type ErrorReply struct {
	Code    string
	Message string
}

func (r ErrorReply) encode() []byte {
	var buf bytes.Buffer
	_ = writeString(&buf, r.Code)
	_ = writeString(&buf, r.Message)
	return buf.Bytes()
}

func decodeErrorReply(b []byte) (ErrorReply, error) {
	r := &byteReader{b: b}
	code, err := r.readString()
	if err != nil {
		return ErrorReply{}, err
	}
	msg, err := r.readString()
	return ErrorReply{Code: code, Message: msg}, err
}

// VersionReply echoes the server's supported protocol version.
type VersionReply struct{ ServerVersion uint32 }

func (r VersionReply) encode() []byte {
	var buf bytes.Buffer
	_ = writeUint32(&buf, r.ServerVersion)
	return buf.Bytes()
}

func decodeVersionReply(b []byte) (VersionReply, error) {
	r := &byteReader{b: b}
	v, err := r.readUint32()
	return VersionReply{ServerVersion: v}, err
}

// LoginConfirmedReply echoes the account's persisted client marker and
// current quota state at login.
type LoginConfirmedReply struct {
	ClientStoreMarker int64
	BlocksUsed        int64
	SoftLimitBlocks   int64
	HardLimitBlocks   int64
}

func (r LoginConfirmedReply) encode() []byte {
	var buf bytes.Buffer
	_ = writeInt64(&buf, r.ClientStoreMarker)
	_ = writeInt64(&buf, r.BlocksUsed)
	_ = writeInt64(&buf, r.SoftLimitBlocks)
	_ = writeInt64(&buf, r.HardLimitBlocks)
	return buf.Bytes()
}

func decodeLoginConfirmedReply(b []byte) (LoginConfirmedReply, error) {
	r := &byteReader{b: b}
	marker, err := r.readInt64()
	if err != nil {
		return LoginConfirmedReply{}, err
	}
	used, err := r.readInt64()
	if err != nil {
		return LoginConfirmedReply{}, err
	}
	soft, err := r.readInt64()
	if err != nil {
		return LoginConfirmedReply{}, err
	}
	hard, err := r.readInt64()
	return LoginConfirmedReply{ClientStoreMarker: marker, BlocksUsed: used, SoftLimitBlocks: soft, HardLimitBlocks: hard}, err
}

// AccountUsageReply reports the ledger's counters plus the block size
// they are counted in (a fixed 4096, the unit of blocksForBytes).
type AccountUsageReply struct {
	BlocksUsed       int64
	BlocksInOldFiles int64
	BlocksInDeleted  int64
	BlocksInDirs     int64
	SoftLimitBlocks  int64
	HardLimitBlocks  int64
	BlockSize        int64
}

func (r AccountUsageReply) encode() []byte {
	var buf bytes.Buffer
	for _, v := range []int64{r.BlocksUsed, r.BlocksInOldFiles, r.BlocksInDeleted, r.BlocksInDirs, r.SoftLimitBlocks, r.HardLimitBlocks, r.BlockSize} {
		_ = writeInt64(&buf, v)
	}
	return buf.Bytes()
}

func decodeAccountUsageReply(b []byte) (AccountUsageReply, error) {
	r := &byteReader{b: b}
	vals := make([]int64, 7)
	for i := range vals {
		v, err := r.readInt64()
		if err != nil {
			return AccountUsageReply{}, err
		}
		vals[i] = v
	}
	return AccountUsageReply{
		BlocksUsed: vals[0], BlocksInOldFiles: vals[1], BlocksInDeleted: vals[2], BlocksInDirs: vals[3],
		SoftLimitBlocks: vals[4], HardLimitBlocks: vals[5], BlockSize: vals[6],
	}, nil
}

// ObjectNameReply carries the count of path elements, the object's own
// mtime/attrHash/flags; the name elements themselves are streamed as
// the attached body, one length-prefixed blob per path element, root
// first.
type ObjectNameReply struct {
	Count          uint32
	ModTime        int64
	AttributesHash uint64
	Flags          types.EntryFlags
}

func (r ObjectNameReply) encode() []byte {
	var buf bytes.Buffer
	_ = writeUint32(&buf, r.Count)
	_ = writeInt64(&buf, r.ModTime)
	_ = writeUint64(&buf, r.AttributesHash)
	_ = writeUint32(&buf, uint32(r.Flags))
	return buf.Bytes()
}

func decodeObjectNameReply(b []byte) (ObjectNameReply, error) {
	r := &byteReader{b: b}
	count, err := r.readUint32()
	if err != nil {
		return ObjectNameReply{}, err
	}
	mtime, err := r.readInt64()
	if err != nil {
		return ObjectNameReply{}, err
	}
	hash, err := r.readUint64()
	if err != nil {
		return ObjectNameReply{}, err
	}
	flags, err := r.readUint32()
	return ObjectNameReply{Count: count, ModTime: mtime, AttributesHash: hash, Flags: types.EntryFlags(flags)}, err
}
