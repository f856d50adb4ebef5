package ledger

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/coldvault/backupstore/internal/raid"
	storeerrors "github.com/coldvault/backupstore/pkg/errors"
	"github.com/coldvault/backupstore/pkg/types"
)

// InfoObjectName is the fixed RAID object name an account's ledger is
// persisted under (spec §6: "info.rf*: ledger"), distinct from the
// object-ID-derived paths directories and files use.
const InfoObjectName = "info"

// infoMagic identifies an encoded AccountInfo, mirroring storedir's own
// fixed-magic-prefix convention for on-disk structures.
const infoMagic uint32 = 0x62645231 // "bdR1"

// EncodeInfo serializes info to its on-disk form: a magic number
// followed by every counter in a fixed order, then the account name and
// read-only flag.
func EncodeInfo(info types.AccountInfo) ([]byte, error) {
	var buf bytes.Buffer
	ints := []interface{}{
		infoMagic,
		info.AccountID,
		uint64(info.LastObjectID),
		info.BlocksUsed,
		info.BlocksInOldFiles,
		info.BlocksInDeleted,
		info.BlocksInDirs,
		info.SoftLimitBlocks,
		info.HardLimitBlocks,
		info.ClientStoreMarker,
	}
	for _, v := range ints {
		if err := binary.Write(&buf, binary.BigEndian, v); err != nil {
			return nil, storeerrors.Wrap(storeerrors.ErrInternal, err, "ledger: encode info")
		}
	}
	if err := writeInfoString(&buf, info.Name); err != nil {
		return nil, storeerrors.Wrap(storeerrors.ErrInternal, err, "ledger: encode info name")
	}
	var readOnly uint8
	if info.ReadOnly {
		readOnly = 1
	}
	if err := binary.Write(&buf, binary.BigEndian, readOnly); err != nil {
		return nil, storeerrors.Wrap(storeerrors.ErrInternal, err, "ledger: encode info read-only flag")
	}
	return buf.Bytes(), nil
}

// DecodeInfo parses bytes produced by EncodeInfo.
func DecodeInfo(data []byte) (types.AccountInfo, error) {
	var info types.AccountInfo
	r := bytes.NewReader(data)

	var magic uint32
	if err := binary.Read(r, binary.BigEndian, &magic); err != nil {
		return info, storeerrors.Wrap(storeerrors.ErrCouldntReadEntireStructureFromStream, err, "ledger: read info magic")
	}
	if magic != infoMagic {
		return info, storeerrors.New(storeerrors.ErrBadBackupStoreFile, "ledger: bad info magic")
	}

	if err := binary.Read(r, binary.BigEndian, &info.AccountID); err != nil {
		return info, wrapInfoRead(err)
	}
	var lastID uint64
	if err := binary.Read(r, binary.BigEndian, &lastID); err != nil {
		return info, wrapInfoRead(err)
	}
	info.LastObjectID = types.ObjectID(lastID)

	for _, p := range []*int64{
		&info.BlocksUsed, &info.BlocksInOldFiles, &info.BlocksInDeleted,
		&info.BlocksInDirs, &info.SoftLimitBlocks, &info.HardLimitBlocks,
		&info.ClientStoreMarker,
	} {
		if err := binary.Read(r, binary.BigEndian, p); err != nil {
			return info, wrapInfoRead(err)
		}
	}

	name, err := readInfoString(r)
	if err != nil {
		return info, wrapInfoRead(err)
	}
	info.Name = name

	var readOnly uint8
	if err := binary.Read(r, binary.BigEndian, &readOnly); err != nil {
		return info, wrapInfoRead(err)
	}
	info.ReadOnly = readOnly != 0
	return info, nil
}

func writeInfoString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func readInfoString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func wrapInfoRead(err error) error {
	return storeerrors.Wrap(storeerrors.ErrCouldntReadEntireStructureFromStream, err, "ledger: read info field")
}

// LoadFromStore reads and decodes an account's ledger object from store.
func LoadFromStore(store *raid.Store) (*Ledger, error) {
	data, err := store.Read(InfoObjectName)
	if err != nil {
		return nil, err
	}
	info, err := DecodeInfo(data)
	if err != nil {
		return nil, err
	}
	return New(info), nil
}

// PersistFunc returns a Save callback that encodes and writes through
// store, for callers wiring up Ledger.Save without duplicating the
// encode-then-write boilerplate at every call site.
func PersistFunc(store *raid.Store) func(types.AccountInfo) error {
	return func(info types.AccountInfo) error {
		data, err := EncodeInfo(info)
		if err != nil {
			return err
		}
		return store.Write(InfoObjectName, data)
	}
}
