package protocol

import (
	"io"
	"net"
	"time"

	"github.com/coldvault/backupstore/internal/filecodec"
	"github.com/coldvault/backupstore/pkg/errors"
	"github.com/coldvault/backupstore/pkg/types"
)

// Client drives the client side of the protocol state machine over a
// single connection: Version, Login, then commands until Finished.
// internal/clientsync is its only caller; it lives in this package
// because it shares the unexported frame and command/reply codecs with
// Session rather than duplicating them behind an exported wire format.
type Client struct {
	conn net.Conn
}

// Dial opens a TCP connection to addr and performs the Version
// handshake. It does not log in; callers call Login next.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorageIO, err, "protocol client: dial")
	}
	c := &Client{conn: conn}
	if err := c.handshake(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClient wraps an already-connected conn (e.g. for tests over
// net.Pipe) and performs the Version handshake.
func NewClient(conn net.Conn) (*Client, error) {
	c := &Client{conn: conn}
	if err := c.handshake(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) handshake() error {
	if err := c.send(OpVersion, VersionCommand{ClientVersion: ServerVersion}.encode()); err != nil {
		return err
	}
	op, payload, err := c.recv()
	if err != nil {
		return err
	}
	if op != ReplyVersion {
		return errors.New(errors.ErrWrongVersion, "protocol client: unexpected reply to Version")
	}
	_, err = decodeVersionReply(payload)
	return err
}

func (c *Client) send(op Opcode, payload []byte) error {
	return writeFrame(c.conn, byte(op), payload)
}

func (c *Client) recv() (Opcode, []byte, error) {
	op, payload, err := readFrame(c.conn)
	return Opcode(op), payload, err
}

// call sends a command and returns its reply, translating an Error
// reply into a *errors.StoreError carrying the wire code.
func (c *Client) call(op Opcode, payload []byte) (Opcode, []byte, error) {
	if err := c.send(op, payload); err != nil {
		return 0, nil, err
	}
	replyOp, replyPayload, err := c.recv()
	if err != nil {
		return 0, nil, err
	}
	if replyOp == ReplyError {
		e, err := decodeErrorReply(replyPayload)
		if err != nil {
			return 0, nil, err
		}
		return 0, nil, errors.New(errors.ErrorCode(e.Code), e.Message)
	}
	return replyOp, replyPayload, nil
}

// Close sends Finished and closes the connection.
func (c *Client) Close() error {
	_, _, err := c.call(OpFinished, nil)
	closeErr := c.conn.Close()
	if err != nil {
		return err
	}
	return closeErr
}

// Login authenticates against accountID, returning the account's
// persisted client marker and current quota usage.
func (c *Client) Login(accountID uint64, readOnly bool) (LoginConfirmedReply, error) {
	var flags uint32
	if readOnly {
		flags |= LoginFlagReadOnly
	}
	_, payload, err := c.call(OpLogin, LoginCommand{AccountID: accountID, Flags: flags}.encode())
	if err != nil {
		return LoginConfirmedReply{}, err
	}
	return decodeLoginConfirmedReply(payload)
}

// ListDirectory fetches dirID's entries, filtered server-side by
// mustHave/mustNotHave flag masks (zero means "don't filter").
func (c *Client) ListDirectory(dirID types.ObjectID, mustHave, mustNotHave types.EntryFlags) ([]types.DirectoryEntry, error) {
	if err := c.send(OpListDirectory, ListDirectoryCommand{DirectoryID: dirID, MustHave: mustHave, MustNotHave: mustNotHave}.encode()); err != nil {
		return nil, err
	}
	replyOp, header, err := c.recv()
	if err != nil {
		return nil, err
	}
	if replyOp == ReplyError {
		e, derr := decodeErrorReply(header)
		if derr != nil {
			return nil, derr
		}
		return nil, errors.New(errors.ErrorCode(e.Code), e.Message)
	}
	hr := &byteReader{b: header}
	count, err := hr.readUint32()
	if err != nil {
		return nil, err
	}
	body, err := readStream(c.conn, maxStreamBody)
	if err != nil {
		return nil, err
	}
	br := &byteReader{b: body}
	entries := make([]types.DirectoryEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		id, err := br.readUint64()
		if err != nil {
			return nil, err
		}
		modTime, err := br.readInt64()
		if err != nil {
			return nil, err
		}
		size, err := br.readUint64()
		if err != nil {
			return nil, err
		}
		flags, err := br.readUint32()
		if err != nil {
			return nil, err
		}
		attrHash, err := br.readUint64()
		if err != nil {
			return nil, err
		}
		dependsOlder, err := br.readUint64()
		if err != nil {
			return nil, err
		}
		dependsNewer, err := br.readUint64()
		if err != nil {
			return nil, err
		}
		name, err := br.readBlob()
		if err != nil {
			return nil, err
		}
		attrs, err := br.readBlob()
		if err != nil {
			return nil, err
		}
		entries = append(entries, types.DirectoryEntry{
			Name:           types.EncodedName{Encoding: types.NameEncrypted, Bytes: name},
			ObjectID:       types.ObjectID(id),
			ModTime:        time.UnixMicro(modTime).UTC(),
			SizeInBlocks:   int64(size),
			Flags:          types.EntryFlags(flags),
			AttributesHash: attrHash,
			Attributes:     attrs,
			DependsOlder:   types.ObjectID(dependsOlder),
			DependsNewer:   types.ObjectID(dependsNewer),
		})
	}
	return entries, nil
}

// GetBlockIndexByName fetches the live entry named encryptedName in
// dirID's block index, for the caller to run DiffEncode against.
// Returns the entry's object ID alongside the parsed index.
func (c *Client) GetBlockIndexByName(dirID types.ObjectID, encryptedName []byte) (types.ObjectID, *filecodec.Stream, error) {
	replyOp, header, err := c.call(OpGetBlockIndexByName, GetBlockIndexByNameCommand{DirectoryID: dirID, EncryptedName: encryptedName}.encode())
	if err != nil {
		return 0, nil, err
	}
	_ = replyOp
	sr, err := decodeSuccessReply(header)
	if err != nil {
		return 0, nil, err
	}
	body, err := readStream(c.conn, maxStreamBody)
	if err != nil {
		return 0, nil, err
	}
	idx, err := filecodec.ParseIndexOnly(body)
	if err != nil {
		return 0, nil, err
	}
	return sr.ObjectID, idx, nil
}

// StoreFile uploads body (the file's plaintext, length unknown in
// advance) as a new version of clearName in dirID; the server encodes
// it, diffing against diffFromID when that is non-zero. diffFromID is 0
// for a whole-file upload.
func (c *Client) StoreFile(dirID types.ObjectID, modTime time.Time, attrHash uint64, diffFromID types.ObjectID, clearName string, encryptedName []byte, body io.Reader) (types.ObjectID, error) {
	cmd := StoreFileCommand{
		DirectoryID:    dirID,
		ModTime:        modTime.UnixMicro(),
		AttributesHash: attrHash,
		DiffFromID:     diffFromID,
		EncryptedName:  encryptedName,
		ClearName:      clearName,
	}
	if err := c.send(OpStoreFile, cmd.encode()); err != nil {
		return 0, err
	}
	if err := writeStream(c.conn, body); err != nil {
		return 0, err
	}
	replyOp, payload, err := c.recv()
	if err != nil {
		return 0, err
	}
	if replyOp == ReplyError {
		e, derr := decodeErrorReply(payload)
		if derr != nil {
			return 0, derr
		}
		return 0, errors.New(errors.ErrorCode(e.Code), e.Message)
	}
	sr, err := decodeSuccessReply(payload)
	return sr.ObjectID, err
}

// CreateDirectory creates a subdirectory of parentID.
func (c *Client) CreateDirectory(parentID types.ObjectID, attrModTime time.Time, clearName string, encryptedName, attributes []byte) (types.ObjectID, error) {
	_, payload, err := c.call(OpCreateDirectory, CreateDirectoryCommand{
		ParentID: parentID, AttrModTime: attrModTime.UnixMicro(),
		ClearName: clearName, EncryptedName: encryptedName, Attributes: attributes,
	}.encode())
	if err != nil {
		return 0, err
	}
	sr, err := decodeSuccessReply(payload)
	return sr.ObjectID, err
}

// GetFile fetches objectID's fully reconstructed plaintext, following
// any patch chain server-side. dirID scopes the lookup to one
// directory's entry list, matching handleGetFile's membership check.
func (c *Client) GetFile(dirID, objectID types.ObjectID) ([]byte, error) {
	_, _, err := c.call(OpGetFile, GetFileCommand{ObjectID: objectID, DirectoryID: dirID}.encode())
	if err != nil {
		return nil, err
	}
	return readStream(c.conn, maxStreamBody)
}

// MoveObject relocates or renames objectID, matching spec §4.I's
// rename-detection usage from a sync pass.
func (c *Client) MoveObject(objectID, fromDirID, toDirID types.ObjectID, newClearName string, newEncryptedName []byte, moveAllWithSameName, allowMoveOverDeleted bool) error {
	_, _, err := c.call(OpMoveObject, MoveObjectCommand{
		ObjectID: objectID, FromDirectoryID: fromDirID, ToDirectoryID: toDirID,
		NewClearName: newClearName, NewEncryptedName: newEncryptedName,
		MoveAllWithSameName: moveAllWithSameName, AllowMoveOverDeleted: allowMoveOverDeleted,
	}.encode())
	return err
}

// DeleteFile soft-deletes every entry named clearName in dirID that is
// not already deleted, old versions included.
func (c *Client) DeleteFile(dirID types.ObjectID, clearName string) (types.ObjectID, error) {
	_, payload, err := c.call(OpDeleteFile, DeleteFileCommand{DirectoryID: dirID, ClearName: clearName}.encode())
	if err != nil {
		return 0, err
	}
	sr, err := decodeSuccessReply(payload)
	return sr.ObjectID, err
}

// SetClientStoreMarker updates the account's opaque client-side marker,
// used by a sync pass to record how far it got.
func (c *Client) SetClientStoreMarker(marker int64) error {
	_, _, err := c.call(OpSetClientStoreMarker, SetClientStoreMarkerCommand{Marker: marker}.encode())
	return err
}

// GetAccountUsage reports the account's current ledger counters.
func (c *Client) GetAccountUsage() (AccountUsageReply, error) {
	_, payload, err := c.call(OpGetAccountUsage, nil)
	if err != nil {
		return AccountUsageReply{}, err
	}
	return decodeAccountUsageReply(payload)
}
