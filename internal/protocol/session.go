package protocol

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/coldvault/backupstore/internal/filecodec"
	"github.com/coldvault/backupstore/internal/ledger"
	"github.com/coldvault/backupstore/internal/storectx"
	"github.com/coldvault/backupstore/pkg/errors"
	"github.com/coldvault/backupstore/pkg/logging"
	"github.com/coldvault/backupstore/pkg/types"
)

// ServerVersion is the protocol version this server speaks (spec §6's
// handshake).
const ServerVersion uint32 = 1

// maxStreamBody bounds an uploaded or downloaded file stream.
const maxStreamBody = 2 << 30

// phase tracks where a session sits in the Version -> Login -> Commands
// sequence; a command received out of phase is a wire-visible error
// rather than a session-ending one (spec §7,
// ErrNotInRightProtocolPhase).
type phase int

const (
	phaseVersion phase = iota
	phaseLogin
	phaseCommands
	phaseFinished
)

// AccountResolver looks up the session Context for an account ID,
// returning an error if the account doesn't exist or the requested
// read-only mode can't be honored (e.g. the write lock is held
// elsewhere and the caller asked for write access).
type AccountResolver func(accountID uint64, readOnly bool) (*storectx.Context, error)

// Session drives one client connection through the protocol state
// machine, dispatching each command frame to the storectx.Context
// bound at login.
type Session struct {
	conn     io.ReadWriter
	resolve  AccountResolver
	log      *logging.Logger
	phase    phase
	ctx      *storectx.Context
	readOnly bool
}

// NewSession wraps conn (already accepted) in a protocol session.
func NewSession(conn io.ReadWriter, resolve AccountResolver, log *logging.Logger) *Session {
	return &Session{conn: conn, resolve: resolve, log: log.WithComponent("protocol"), phase: phaseVersion}
}

// Run drives the session to completion: the handshake, then commands
// until Finished or the connection closes. The write lock, if any, is
// always released on return.
func (s *Session) Run() error {
	defer func() {
		if s.ctx != nil {
			if err := s.ctx.ReleaseWriteLock(); err != nil {
				s.log.Warn("release write lock on session end", map[string]interface{}{"error": err.Error()})
			}
		}
	}()

	for s.phase != phaseFinished {
		opcode, payload, err := readFrame(s.conn)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if err := s.dispatch(Opcode(opcode), payload); err != nil {
			return err
		}
	}
	return nil
}

// dispatch handles one command frame, replying with either a typed
// success reply or an Error frame, and returns a non-nil error only
// when the session itself must be torn down (spec §7: internal-kind
// errors never reach the wire).
func (s *Session) dispatch(op Opcode, payload []byte) error {
	result, streamBody, err := s.handle(op, payload)
	if err != nil {
		if se, ok := err.(*errors.StoreError); ok && errors.IsWireVisible(se.Code) {
			s.log.Debug("wire error reply", map[string]interface{}{"op": op, "code": se.Code})
			return writeFrame(s.conn, byte(ReplyError), ErrorReply{Code: string(se.Code), Message: se.Message}.encode())
		}
		s.log.Error("internal error, tearing down session", map[string]interface{}{"op": op, "error": err.Error()})
		return err
	}
	if err := writeFrame(s.conn, byte(result.opcode), result.payload); err != nil {
		return err
	}
	if streamBody != nil {
		return writeStream(s.conn, streamBody)
	}
	return nil
}

type reply struct {
	opcode  Opcode
	payload []byte
}

func r(opcode Opcode, payload []byte) reply { return reply{opcode: opcode, payload: payload} }

// handle decodes payload for op, runs the command, and returns the
// reply to send plus an optional stream attachment. The phase
// precondition is checked before any decode so a
// NotInRightProtocolPhase error never depends on parsing an
// unexpected payload shape first; read-only enforcement is left to the
// storectx.Context each handler calls.
func (s *Session) handle(op Opcode, payload []byte) (reply, io.Reader, error) {
	switch op {
	case OpVersion:
		return s.handleVersion(payload)
	case OpLogin:
		return s.handleLogin(payload)
	case OpFinished:
		return s.handleFinished()
	}

	if s.phase != phaseCommands {
		return reply{}, nil, errors.New(errors.ErrNotInRightProtocolPhase, "protocol: command sent before login completed")
	}

	switch op {
	case OpListDirectory:
		return s.handleListDirectory(payload)
	case OpGetObject:
		return s.handleGetObject(payload)
	case OpGetFile:
		return s.handleGetFile(payload)
	case OpGetBlockIndexByID:
		return s.handleGetBlockIndexByID(payload)
	case OpGetBlockIndexByName:
		return s.handleGetBlockIndexByName(payload)
	case OpStoreFile:
		return s.handleStoreFile(payload)
	case OpCreateDirectory:
		return s.handleCreateDirectory(payload)
	case OpChangeDirAttributes:
		return s.handleChangeDirAttributes(payload)
	case OpSetReplacementFileAttributes:
		return s.handleSetReplacementFileAttributes(payload)
	case OpDeleteFile:
		return s.handleDeleteFile(payload)
	case OpDeleteDirectory:
		return s.handleDeleteDirectory(payload)
	case OpUndeleteDirectory:
		return s.handleUndeleteDirectory(payload)
	case OpSetClientStoreMarker:
		return s.handleSetClientStoreMarker(payload)
	case OpMoveObject:
		return s.handleMoveObject(payload)
	case OpGetObjectName:
		return s.handleGetObjectName(payload)
	case OpGetAccountUsage:
		return s.handleGetAccountUsage()
	case OpGetIsAlive:
		return r(ReplyIsAlive, nil), nil, nil
	default:
		return reply{}, nil, errors.New(errors.ErrNotInRightProtocolPhase, fmt.Sprintf("protocol: unknown opcode %d", op))
	}
}

func (s *Session) handleVersion(payload []byte) (reply, io.Reader, error) {
	if s.phase != phaseVersion {
		return reply{}, nil, errors.New(errors.ErrNotInRightProtocolPhase, "protocol: Version sent twice")
	}
	cmd, err := decodeVersionCommand(payload)
	if err != nil {
		return reply{}, nil, errors.Wrap(errors.ErrBadBackupStoreFile, err, "protocol: decode Version command")
	}
	if cmd.ClientVersion != ServerVersion {
		return reply{}, nil, errors.New(errors.ErrWrongVersion, fmt.Sprintf("protocol: client speaks version %d, server speaks %d", cmd.ClientVersion, ServerVersion))
	}
	s.phase = phaseLogin
	return r(ReplyVersion, VersionReply{ServerVersion: ServerVersion}.encode()), nil, nil
}

func (s *Session) handleLogin(payload []byte) (reply, io.Reader, error) {
	if s.phase != phaseLogin {
		return reply{}, nil, errors.New(errors.ErrNotInRightProtocolPhase, "protocol: Login sent before Version or twice")
	}
	cmd, err := decodeLoginCommand(payload)
	if err != nil {
		return reply{}, nil, errors.Wrap(errors.ErrBadBackupStoreFile, err, "protocol: decode Login command")
	}
	readOnly := cmd.Flags&LoginFlagReadOnly != 0
	ctx, err := s.resolve(cmd.AccountID, readOnly)
	if err != nil {
		return reply{}, nil, err
	}
	if !readOnly {
		if err := ctx.AcquireWriteLock(30); err != nil {
			return reply{}, nil, err
		}
	}
	s.ctx = ctx
	s.readOnly = readOnly
	s.phase = phaseCommands

	info := ctx.Ledger().Info()
	return r(ReplyLoginConfirmed, LoginConfirmedReply{
		ClientStoreMarker: info.ClientStoreMarker,
		BlocksUsed:        info.BlocksUsed,
		SoftLimitBlocks:   info.SoftLimitBlocks,
		HardLimitBlocks:   info.HardLimitBlocks,
	}.encode()), nil, nil
}

func (s *Session) handleFinished() (reply, io.Reader, error) {
	s.phase = phaseFinished
	if s.ctx != nil && !s.readOnly {
		if err := s.ctx.Ledger().Save(false, ledger.PersistFunc(s.ctx.Store())); err != nil {
			return reply{}, nil, err
		}
	}
	return r(ReplyFinished, nil), nil, nil
}

func (s *Session) handleListDirectory(payload []byte) (reply, io.Reader, error) {
	cmd, err := decodeListDirectoryCommand(payload)
	if err != nil {
		return reply{}, nil, errors.Wrap(errors.ErrBadBackupStoreFile, err, "protocol: decode ListDirectory command")
	}
	dir, err := s.ctx.LoadDirectory(cmd.DirectoryID)
	if err != nil {
		return reply{}, nil, err
	}
	var buf bytes.Buffer
	count := uint32(0)
	for _, e := range dir.Entries {
		if cmd.MustHave != 0 && !e.Flags.Has(cmd.MustHave) {
			continue
		}
		if cmd.MustNotHave != 0 && e.Flags.HasAny(cmd.MustNotHave) {
			continue
		}
		count++
		_ = writeUint64(&buf, uint64(e.ObjectID))
		_ = writeInt64(&buf, e.ModTime.UnixMicro())
		_ = writeUint64(&buf, uint64(e.SizeInBlocks))
		_ = writeUint32(&buf, uint32(e.Flags))
		_ = writeUint64(&buf, e.AttributesHash)
		_ = writeUint64(&buf, uint64(e.DependsOlder))
		_ = writeUint64(&buf, uint64(e.DependsNewer))
		_ = writeBlob(&buf, e.Name.Bytes)
		_ = writeBlob(&buf, e.Attributes)
	}
	var header bytes.Buffer
	_ = writeUint32(&header, count)
	return r(ReplySuccess, header.Bytes()), &buf, nil
}

func (s *Session) handleGetObject(payload []byte) (reply, io.Reader, error) {
	cmd, err := decodeObjectIDCommand(payload)
	if err != nil {
		return reply{}, nil, errors.Wrap(errors.ErrBadBackupStoreFile, err, "protocol: decode GetObject command")
	}
	data, err := s.ctx.Store().Read(storectx.ObjectPath(cmd.ObjectID))
	if err != nil {
		return reply{}, nil, errors.Wrap(errors.ErrDoesNotExist, err, "protocol: read requested object")
	}
	return r(ReplySuccess, nil), bytes.NewReader(data), nil
}

func (s *Session) handleGetFile(payload []byte) (reply, io.Reader, error) {
	cmd, err := decodeGetFileCommand(payload)
	if err != nil {
		return reply{}, nil, errors.Wrap(errors.ErrBadBackupStoreFile, err, "protocol: decode GetFile command")
	}
	if _, _, ok := mustFindInDirectory(s.ctx, cmd.DirectoryID, cmd.ObjectID); !ok {
		return reply{}, nil, errors.New(errors.ErrDoesNotExistInDirectory, "protocol: requested file not found in the given directory")
	}
	plaintext, err := s.ctx.CombineToFull(cmd.ObjectID)
	if err != nil {
		return reply{}, nil, err
	}
	return r(ReplySuccess, nil), bytes.NewReader(plaintext), nil
}

func mustFindInDirectory(ctx *storectx.Context, dirID, objectID types.ObjectID) (types.DirectoryEntry, int, bool) {
	dir, err := ctx.LoadDirectory(dirID)
	if err != nil {
		return types.DirectoryEntry{}, -1, false
	}
	return dir.FindEntryByID(objectID)
}

func (s *Session) handleGetBlockIndexByID(payload []byte) (reply, io.Reader, error) {
	cmd, err := decodeObjectIDCommand(payload)
	if err != nil {
		return reply{}, nil, errors.Wrap(errors.ErrBadBackupStoreFile, err, "protocol: decode GetBlockIndexByID command")
	}
	data, err := s.ctx.Store().Read(storectx.ObjectPath(cmd.ObjectID))
	if err != nil {
		return reply{}, nil, errors.Wrap(errors.ErrDiffFromFileDoesNotExist, err, "protocol: read object for block index")
	}
	stream, err := filecodec.ParseStream(data)
	if err != nil {
		return reply{}, nil, err
	}
	var buf bytes.Buffer
	if err := stream.EncodeIndex(&buf); err != nil {
		return reply{}, nil, err
	}
	return r(ReplySuccess, nil), &buf, nil
}

func (s *Session) handleGetBlockIndexByName(payload []byte) (reply, io.Reader, error) {
	cmd, err := decodeGetBlockIndexByNameCommand(payload)
	if err != nil {
		return reply{}, nil, errors.Wrap(errors.ErrBadBackupStoreFile, err, "protocol: decode GetBlockIndexByName command")
	}
	dir, err := s.ctx.LoadDirectory(cmd.DirectoryID)
	if err != nil {
		return reply{}, nil, err
	}
	var found *types.DirectoryEntry
	for i := range dir.Entries {
		if bytes.Equal(dir.Entries[i].Name.Bytes, cmd.EncryptedName) && dir.Entries[i].Flags.Live() {
			found = &dir.Entries[i]
			break
		}
	}
	if found == nil {
		return reply{}, nil, errors.New(errors.ErrDiffFromFileDoesNotExist, "protocol: no live entry with that name")
	}
	data, err := s.ctx.Store().Read(storectx.ObjectPath(found.ObjectID))
	if err != nil {
		return reply{}, nil, err
	}
	stream, err := filecodec.ParseStream(data)
	if err != nil {
		return reply{}, nil, err
	}
	var buf bytes.Buffer
	if err := stream.EncodeIndex(&buf); err != nil {
		return reply{}, nil, err
	}
	return r(ReplySuccess, SuccessReply{ObjectID: found.ObjectID}.encode()), &buf, nil
}

func (s *Session) handleStoreFile(payload []byte) (reply, io.Reader, error) {
	cmd, err := decodeStoreFileCommand(payload)
	if err != nil {
		return reply{}, nil, errors.Wrap(errors.ErrBadBackupStoreFile, err, "protocol: decode StoreFile command")
	}
	plaintext, err := readStream(s.conn, maxStreamBody)
	if err != nil {
		return reply{}, nil, err
	}
	newID, err := s.ctx.AddFile(
		cmd.DirectoryID,
		time.UnixMicro(cmd.ModTime).UTC(),
		cmd.AttributesHash,
		cmd.DiffFromID,
		cmd.ClearName,
		cmd.EncryptedName,
		nil,
		plaintext,
		blocksForBytes,
	)
	if err != nil {
		return reply{}, nil, err
	}
	if err := s.ctx.Ledger().Save(true, ledger.PersistFunc(s.ctx.Store())); err != nil {
		return reply{}, nil, err
	}
	return r(ReplySuccess, SuccessReply{ObjectID: newID}.encode()), nil, nil
}

// blocksForBytes converts an encoded byte length to the ledger's block
// unit. The store's configured block size lives on the disc set, not
// the session; a fixed 4KiB unit matches storedir/ledger's own
// assumption elsewhere pending a disc-set-aware accounting pass (see
// DESIGN.md).
func blocksForBytes(n int64) int64 {
	const blockSize = 4096
	return (n + blockSize - 1) / blockSize
}

func (s *Session) handleCreateDirectory(payload []byte) (reply, io.Reader, error) {
	cmd, err := decodeCreateDirectoryCommand(payload)
	if err != nil {
		return reply{}, nil, errors.Wrap(errors.ErrBadBackupStoreFile, err, "protocol: decode CreateDirectory command")
	}
	newID, err := s.ctx.CreateDirectory(cmd.ParentID, time.UnixMicro(cmd.AttrModTime).UTC(), cmd.ClearName, cmd.EncryptedName, cmd.Attributes)
	if err != nil {
		return reply{}, nil, err
	}
	if err := s.ctx.Ledger().Save(true, ledger.PersistFunc(s.ctx.Store())); err != nil {
		return reply{}, nil, err
	}
	return r(ReplySuccess, SuccessReply{ObjectID: newID}.encode()), nil, nil
}

func (s *Session) handleChangeDirAttributes(payload []byte) (reply, io.Reader, error) {
	cmd, err := decodeChangeDirAttributesCommand(payload)
	if err != nil {
		return reply{}, nil, errors.Wrap(errors.ErrBadBackupStoreFile, err, "protocol: decode ChangeDirAttributes command")
	}
	if err := s.ctx.ChangeDirAttributes(cmd.DirectoryID, cmd.Attributes, cmd.AttributesHash, time.UnixMicro(cmd.AttrModTime).UTC()); err != nil {
		return reply{}, nil, err
	}
	return r(ReplySuccess, SuccessReply{ObjectID: cmd.DirectoryID}.encode()), nil, nil
}

func (s *Session) handleSetReplacementFileAttributes(payload []byte) (reply, io.Reader, error) {
	cmd, err := decodeSetReplacementFileAttributesCommand(payload)
	if err != nil {
		return reply{}, nil, errors.Wrap(errors.ErrBadBackupStoreFile, err, "protocol: decode SetReplacementFileAttributes command")
	}
	if err := s.ctx.ChangeFileAttributes(cmd.DirectoryID, cmd.ObjectID, cmd.Attributes, cmd.AttributesHash); err != nil {
		return reply{}, nil, err
	}
	return r(ReplySuccess, SuccessReply{ObjectID: cmd.ObjectID}.encode()), nil, nil
}

func (s *Session) handleDeleteFile(payload []byte) (reply, io.Reader, error) {
	cmd, err := decodeDeleteFileCommand(payload)
	if err != nil {
		return reply{}, nil, errors.Wrap(errors.ErrBadBackupStoreFile, err, "protocol: decode DeleteFile command")
	}
	id, err := s.ctx.DeleteFile(cmd.DirectoryID, cmd.ClearName)
	if err != nil {
		return reply{}, nil, err
	}
	if err := s.ctx.Ledger().Save(true, ledger.PersistFunc(s.ctx.Store())); err != nil {
		return reply{}, nil, err
	}
	return r(ReplySuccess, SuccessReply{ObjectID: id}.encode()), nil, nil
}

func (s *Session) handleDeleteDirectory(payload []byte) (reply, io.Reader, error) {
	cmd, err := decodeDeleteDirectoryCommand(payload)
	if err != nil {
		return reply{}, nil, errors.Wrap(errors.ErrBadBackupStoreFile, err, "protocol: decode DeleteDirectory command")
	}
	if cmd.DirectoryID == types.RootObjectID {
		return reply{}, nil, errors.New(errors.ErrCannotDeleteRoot, "protocol: cannot delete the account root directory")
	}
	if err := s.ctx.DeleteDirectory(cmd.DirectoryID, cmd.ParentID, cmd.Undelete); err != nil {
		return reply{}, nil, err
	}
	if err := s.ctx.Ledger().Save(true, ledger.PersistFunc(s.ctx.Store())); err != nil {
		return reply{}, nil, err
	}
	return r(ReplySuccess, SuccessReply{ObjectID: cmd.DirectoryID}.encode()), nil, nil
}

func (s *Session) handleUndeleteDirectory(payload []byte) (reply, io.Reader, error) {
	cmd, err := decodeObjectIDCommand(payload)
	if err != nil {
		return reply{}, nil, errors.Wrap(errors.ErrBadBackupStoreFile, err, "protocol: decode UndeleteDirectory command")
	}
	dir, err := s.ctx.LoadDirectory(cmd.ObjectID)
	if err != nil {
		return reply{}, nil, err
	}
	if err := s.ctx.DeleteDirectory(cmd.ObjectID, dir.ContainerID, true); err != nil {
		return reply{}, nil, err
	}
	if err := s.ctx.Ledger().Save(true, ledger.PersistFunc(s.ctx.Store())); err != nil {
		return reply{}, nil, err
	}
	return r(ReplySuccess, SuccessReply{ObjectID: cmd.ObjectID}.encode()), nil, nil
}

func (s *Session) handleSetClientStoreMarker(payload []byte) (reply, io.Reader, error) {
	cmd, err := decodeSetClientStoreMarkerCommand(payload)
	if err != nil {
		return reply{}, nil, errors.Wrap(errors.ErrBadBackupStoreFile, err, "protocol: decode SetClientStoreMarker command")
	}
	s.ctx.Ledger().SetClientStoreMarker(cmd.Marker)
	if err := s.ctx.Ledger().Save(false, ledger.PersistFunc(s.ctx.Store())); err != nil {
		return reply{}, nil, err
	}
	return r(ReplySuccess, nil), nil, nil
}

func (s *Session) handleMoveObject(payload []byte) (reply, io.Reader, error) {
	cmd, err := decodeMoveObjectCommand(payload)
	if err != nil {
		return reply{}, nil, errors.Wrap(errors.ErrBadBackupStoreFile, err, "protocol: decode MoveObject command")
	}
	if err := s.ctx.MoveObject(cmd.ObjectID, cmd.FromDirectoryID, cmd.ToDirectoryID, cmd.NewClearName, cmd.NewEncryptedName, cmd.MoveAllWithSameName, cmd.AllowMoveOverDeleted); err != nil {
		return reply{}, nil, err
	}
	return r(ReplySuccess, SuccessReply{ObjectID: cmd.ObjectID}.encode()), nil, nil
}

func (s *Session) handleGetObjectName(payload []byte) (reply, io.Reader, error) {
	cmd, err := decodeGetObjectNameCommand(payload)
	if err != nil {
		return reply{}, nil, errors.Wrap(errors.ErrBadBackupStoreFile, err, "protocol: decode GetObjectName command")
	}
	entry, _, ok := mustFindInDirectory(s.ctx, cmd.ContainingDirectoryID, cmd.ObjectID)
	if !ok {
		return reply{}, nil, errors.New(errors.ErrDoesNotExistInDirectory, "protocol: object not found in given directory")
	}

	var elements [][]byte
	elements = append(elements, entry.Name.Bytes)
	currentDir := cmd.ContainingDirectoryID
	for currentDir != types.RootObjectID && currentDir != 0 {
		dir, err := s.ctx.LoadDirectory(currentDir)
		if err != nil {
			return reply{}, nil, err
		}
		parentDir, err := s.ctx.LoadDirectory(dir.ContainerID)
		if err != nil {
			return reply{}, nil, err
		}
		parentEntry, _, ok := parentDir.FindEntryByID(currentDir)
		if !ok {
			break
		}
		elements = append(elements, parentEntry.Name.Bytes)
		currentDir = dir.ContainerID
	}

	var buf bytes.Buffer
	for i := len(elements) - 1; i >= 0; i-- {
		_ = writeBlob(&buf, elements[i])
	}
	header := ObjectNameReply{
		Count:          uint32(len(elements)),
		ModTime:        entry.ModTime.UnixMicro(),
		AttributesHash: entry.AttributesHash,
		Flags:          entry.Flags,
	}
	return r(ReplyObjectName, header.encode()), &buf, nil
}

func (s *Session) handleGetAccountUsage() (reply, io.Reader, error) {
	info := s.ctx.Ledger().Info()
	return r(ReplyAccountUsage, AccountUsageReply{
		BlocksUsed:       info.BlocksUsed,
		BlocksInOldFiles: info.BlocksInOldFiles,
		BlocksInDeleted:  info.BlocksInDeleted,
		BlocksInDirs:     info.BlocksInDirs,
		SoftLimitBlocks:  info.SoftLimitBlocks,
		HardLimitBlocks:  info.HardLimitBlocks,
		BlockSize:         4096,
	}.encode()), nil, nil
}
