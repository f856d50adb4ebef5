// Package storedir implements the directory object (component F): an
// ordered sequence of entries plus an attribute blob, serialized to a
// flat binary format (magic, container ID, attribute-mtime, attributes,
// entry count, then that many self-delimiting entries) and stored
// through the RAID layer under the directory's own object ID. The
// format carries no directory-level flags field.
package storedir

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	storeerrors "github.com/coldvault/backupstore/pkg/errors"
	"github.com/coldvault/backupstore/pkg/types"
)

// magic identifies a directory object on disk, distinguishing it from
// an encoded file stream sharing the same object-ID-derived filename
// space.
const magic uint32 = 0x62645230 // "bdR0"

// Directory is the in-memory form of a stored directory: its own
// object ID is tracked by the caller (it is not self-referential in
// the serialized form), ContainerID is its parent, and Entries is kept
// in the order entries were added — callers needing name-sorted
// listing order sort a copy.
type Directory struct {
	ContainerID    types.ObjectID
	AttrModTime    int64
	Attributes     []byte
	RevisionID     int64 // not serialized; nothing in this module sets it
	Entries        []types.DirectoryEntry
}

// New creates an empty directory under containerID.
func New(containerID types.ObjectID) *Directory {
	return &Directory{ContainerID: containerID}
}

// AddEntry appends e to the directory, keeping no particular order: the
// store treats directories as sets, and markers (MarkNumber) rather
// than position carry ordering significance for housekeeping.
func (d *Directory) AddEntry(e types.DirectoryEntry) {
	d.Entries = append(d.Entries, e)
}

// FindEntry returns the live entry with the given clear name, or false
// if none exists. Deleted/OldVersion entries are skipped unless
// includeAll is set, matching ListDirectory's default filter.
func (d *Directory) FindEntry(clearName string, includeAll bool) (types.DirectoryEntry, bool) {
	for _, e := range d.Entries {
		if e.ClearName != clearName {
			continue
		}
		if !includeAll && !e.Flags.Live() {
			continue
		}
		return e, true
	}
	return types.DirectoryEntry{}, false
}

// FindEntryByID returns the entry with the given object ID.
func (d *Directory) FindEntryByID(id types.ObjectID) (types.DirectoryEntry, int, bool) {
	for i, e := range d.Entries {
		if e.ObjectID == id {
			return e, i, true
		}
	}
	return types.DirectoryEntry{}, -1, false
}

// RemoveEntry deletes the entry at index i, preserving the order of the
// rest (order doesn't matter semantically, but stable removal makes
// serialization diffs easier to reason about in tests).
func (d *Directory) RemoveEntry(i int) {
	d.Entries = append(d.Entries[:i], d.Entries[i+1:]...)
}

// NameEncode returns an encrypted-or-cleartext encoded name placeholder.
// Actual encryption happens at the cipher layer; storedir only tracks
// which form an entry's name was stored in.
func NameEncode(encoding types.NameEncoding, bytes []byte) types.EncodedName {
	return types.EncodedName{Encoding: encoding, Bytes: bytes}
}

// Serialize writes d's on-disk representation.
func (d *Directory) Serialize(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, magic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint64(d.ContainerID)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, d.AttrModTime); err != nil {
		return err
	}
	if err := writeBlob(w, d.Attributes); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(d.Entries))); err != nil {
		return err
	}
	for i, e := range d.Entries {
		if err := serializeEntry(w, e); err != nil {
			return fmt.Errorf("storedir: entry %d: %w", i, err)
		}
	}
	return nil
}

// Deserialize parses a directory's on-disk representation. Only the
// magic number is checked (ErrBadBackupStoreFile on mismatch); a short
// read of a header field returns ErrCouldntReadEntireStructureFromStream,
// and an entry that fails to parse returns its read error wrapped with
// the entry's index.
func Deserialize(r io.Reader) (*Directory, error) {
	var gotMagic uint32
	if err := binary.Read(r, binary.BigEndian, &gotMagic); err != nil {
		return nil, storeerrors.Wrap(storeerrors.ErrCouldntReadEntireStructureFromStream, err, "storedir: read magic")
	}
	if gotMagic != magic {
		return nil, storeerrors.New(storeerrors.ErrBadBackupStoreFile, "storedir: bad magic number")
	}

	d := &Directory{}
	var containerID uint64
	if err := binary.Read(r, binary.BigEndian, &containerID); err != nil {
		return nil, storeerrors.Wrap(storeerrors.ErrCouldntReadEntireStructureFromStream, err, "storedir: read container id")
	}
	d.ContainerID = types.ObjectID(containerID)

	if err := binary.Read(r, binary.BigEndian, &d.AttrModTime); err != nil {
		return nil, storeerrors.Wrap(storeerrors.ErrCouldntReadEntireStructureFromStream, err, "storedir: read attr mtime")
	}
	attrs, err := readBlob(r)
	if err != nil {
		return nil, storeerrors.Wrap(storeerrors.ErrCouldntReadEntireStructureFromStream, err, "storedir: read attributes")
	}
	d.Attributes = attrs

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, storeerrors.Wrap(storeerrors.ErrCouldntReadEntireStructureFromStream, err, "storedir: read entry count")
	}

	d.Entries = make([]types.DirectoryEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		e, err := deserializeEntry(r)
		if err != nil {
			return nil, fmt.Errorf("storedir: entry %d: %w", i, err)
		}
		d.Entries = append(d.Entries, e)
	}
	return d, nil
}

func serializeEntry(w io.Writer, e types.DirectoryEntry) error {
	if err := binary.Write(w, binary.BigEndian, uint64(e.ObjectID)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, e.ModTime.UnixMicro()); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, e.SizeInBlocks); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(e.Flags)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, e.AttributesHash); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint64(e.DependsOlder)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint64(e.DependsNewer)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, e.MarkNumber); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, e.Name.Encoding); err != nil {
		return err
	}
	if err := writeBlob(w, e.Name.Bytes); err != nil {
		return err
	}
	return writeBlob(w, e.Attributes)
}

func deserializeEntry(r io.Reader) (types.DirectoryEntry, error) {
	var e types.DirectoryEntry
	var id, older, newer uint64
	var flags uint32

	for _, f := range []interface{}{&id} {
		if err := binary.Read(r, binary.BigEndian, f); err != nil {
			return e, err
		}
	}
	e.ObjectID = types.ObjectID(id)

	var modTimeMicro int64
	if err := binary.Read(r, binary.BigEndian, &modTimeMicro); err != nil {
		return e, err
	}
	e.ModTime = time.UnixMicro(modTimeMicro).UTC()
	if err := binary.Read(r, binary.BigEndian, &e.SizeInBlocks); err != nil {
		return e, err
	}
	if err := binary.Read(r, binary.BigEndian, &flags); err != nil {
		return e, err
	}
	e.Flags = types.EntryFlags(flags)
	if err := binary.Read(r, binary.BigEndian, &e.AttributesHash); err != nil {
		return e, err
	}
	if err := binary.Read(r, binary.BigEndian, &older); err != nil {
		return e, err
	}
	e.DependsOlder = types.ObjectID(older)
	if err := binary.Read(r, binary.BigEndian, &newer); err != nil {
		return e, err
	}
	e.DependsNewer = types.ObjectID(newer)
	if err := binary.Read(r, binary.BigEndian, &e.MarkNumber); err != nil {
		return e, err
	}
	if err := binary.Read(r, binary.BigEndian, &e.Name.Encoding); err != nil {
		return e, err
	}
	nameBytes, err := readBlob(r)
	if err != nil {
		return e, err
	}
	e.Name.Bytes = nameBytes
	if e.Name.Encoding == types.NameClearText {
		e.ClearName = string(nameBytes)
	}

	attrs, err := readBlob(r)
	if err != nil {
		return e, err
	}
	e.Attributes = attrs
	return e, nil
}

func writeBlob(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBlob(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Bytes serializes d and returns the resulting buffer, for handing
// directly to the RAID layer's Write.
func (d *Directory) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := d.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FromBytes parses a directory previously produced by Bytes.
func FromBytes(data []byte) (*Directory, error) {
	return Deserialize(bytes.NewReader(data))
}
