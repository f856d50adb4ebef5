// Package filecodec implements the file stream codec (component E):
// encoding a whole file or a diff against a previously uploaded file's
// block index, decoding, format verification, and the three patch-chain
// operations housekeeping and GetFile rely on — Combine, Reverse, and
// CombinePatches.
//
// A stream is laid out index-first: stream header, block-index header
// and entries, encrypted name, encrypted attributes, then the body —
// the concatenation, in index order, of every positive entry's framed
// ciphertext chunk. Index-first (rather than the header-first-plus-seek
// form) means a stream can be decoded from a single forward pass with
// no seeking, which is what the network protocol needs; on-disk objects
// use the same layout for simplicity, since RAID already gives random
// access when Combine needs it.
//
// Block-index entries are partially encrypted: EncodedSize stays in the
// clear (the decoder needs it to know how many body bytes follow), but
// ClearSize/WeakChecksum/StrongChecksum are framed as their own tiny
// cipher chunk using the deterministic block-index IV, so an unchanged
// block re-encrypts to byte-identical ciphertext across encode calls —
// the property Combine and Reverse depend on to copy ciphertext
// verbatim between streams without ever touching the key.
package filecodec

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"

	"github.com/coldvault/backupstore/internal/checksum"
	"github.com/coldvault/backupstore/internal/cipher"
	storeerrors "github.com/coldvault/backupstore/pkg/errors"
	"github.com/coldvault/backupstore/pkg/types"
)

const magic uint32 = 0xB57F11E1

// indexMagic tags the block-index header that follows the stream
// header, distinct from magic (spec §6: separate 32-bit magic
// constants for the whole-file header and the block-index header) so
// Verify can reject a corrupted or misaligned index independently of
// the outer stream magic.
const indexMagic uint32 = 0x81DC0DEC

// Schedule describes the chunking policy for files of a given size.
type Schedule struct {
	MinBlockSize   int64
	MaxBlockSize   int64
	MaxBlockCount  int
	AvoidThreshold int64 // trailing blocks smaller than this merge into their predecessor
}

// DefaultSchedule matches the values original_source ships as compiled-in
// constants, exposed here as configuration per spec's redesign note.
func DefaultSchedule() Schedule {
	return Schedule{
		MinBlockSize:   4096,
		MaxBlockSize:   1 << 20,
		MaxBlockCount:  4096,
		AvoidThreshold: 256,
	}
}

// Plan is the chosen (numBlocks, blockSize, lastBlockSize) for one file.
type Plan struct {
	NumBlocks     int
	BlockSize     int64
	LastBlockSize int64
}

// Plan picks the smallest power-of-two block size in
// [MinBlockSize, MaxBlockSize] that keeps the block count under
// MaxBlockCount, then folds a too-small trailing block into the one
// before it.
func (s Schedule) Plan(fileSize int64) Plan {
	if fileSize <= 0 {
		return Plan{}
	}
	blockSize := s.MinBlockSize
	for blockSize < s.MaxBlockSize && fileSize/blockSize > int64(s.MaxBlockCount) {
		blockSize *= 2
	}
	numBlocks := int(fileSize / blockSize)
	last := fileSize % blockSize
	if last == 0 {
		last = blockSize
	} else {
		numBlocks++
		if last < s.AvoidThreshold && numBlocks > 1 {
			numBlocks--
			last += blockSize
		}
	}
	return Plan{NumBlocks: numBlocks, BlockSize: blockSize, LastBlockSize: last}
}

// Meta carries the stream-level metadata that doesn't come from the
// block loop: already-encrypted name and attribute blobs, modification
// time, and the container the file will be linked under.
type Meta struct {
	ContainerID   types.ObjectID
	ModTime       time.Time
	EncryptedName []byte
	Attributes    []byte
	IsSymlink     bool
}

// Codec binds the cipher key and kind used to frame chunks and
// block-index metadata.
type Codec struct {
	Key              []byte
	Kind             cipher.Kind
	CompressMinBytes int
	Schedule         Schedule

	// diff-matching tunables (spec §4.E "content-defined matching")
	MaxCandidateSizes int
	MinDiffMatchSize  int64
	SafetyMultiple    int
}

// NewCodec returns a Codec with the spec's default diff-matching
// tunables.
func NewCodec(key []byte, kind cipher.Kind) *Codec {
	return &Codec{
		Key:               key,
		Kind:              kind,
		CompressMinBytes:  0,
		Schedule:          DefaultSchedule(),
		MaxCandidateSizes: 4,
		MinDiffMatchSize:  512,
		SafetyMultiple:    4,
	}
}

type wireEntry struct {
	encodedSize   int64
	encryptedMeta []byte
}

func (c *Codec) sealEntryMeta(ivBase uint64, blockNumber uint64, clearSize int64, weak uint32, strong checksum.Strong) ([]byte, error) {
	var plain [28]byte
	binary.BigEndian.PutUint64(plain[0:8], uint64(clearSize))
	binary.BigEndian.PutUint32(plain[8:12], weak)
	copy(plain[12:28], strong[:])
	iv := cipher.BlockIndexIV(c.Kind, ivBase, blockNumber)
	return cipher.EncodeDeterministic(c.Kind, c.Key, iv, plain[:], c.CompressMinBytes)
}

func (c *Codec) openEntryMeta(framed []byte) (clearSize int64, weak uint32, strong checksum.Strong, err error) {
	plain, derr := cipher.Decode(c.Key, framed)
	if derr != nil {
		err = derr
		return
	}
	if len(plain) != 28 {
		err = storeerrors.New(storeerrors.ErrBadBackupStoreFile, "filecodec: bad index entry metadata length")
		return
	}
	clearSize = int64(binary.BigEndian.Uint64(plain[0:8]))
	weak = binary.BigEndian.Uint32(plain[8:12])
	copy(strong[:], plain[12:28])
	return
}

// Stream is an encoded file/patch object parsed into memory: its
// header fields, decoded index (with metadata still sealed until
// opened), and the raw byte buffer backing the body so random access
// into it (Combine, Reverse) doesn't require re-parsing.
type Stream struct {
	Header      types.StreamHeader
	IndexHeader types.BlockIndexHeader
	Entries     []wireEntry
	Name        []byte
	Attributes  []byte

	raw        []byte
	bodyStart  int64
	bodyEnd    int64
	blockStart []int64 // cumulative body offset of each positive entry's chunk
}

// IsPatch reports whether this stream is a patch (OtherFileID != 0)
// that cannot be decoded standalone.
func (s *Stream) IsPatch() bool { return s.IndexHeader.OtherFileID != 0 }

// DecodeIndexEntries opens every entry's sealed metadata and returns the
// clear (clearSize, weak, strong) triples, for a caller (the client sync
// path) that needs F_old's decrypted block index per spec §4.E's diff
// encoding input, without decoding the file's body. Fails on any patch
// entry (encodedSize <= 0); GetBlockIndexByName only ever names a live
// entry, and a live entry is always a whole file (spec §4.I: "the live/
// newest version of a name is always stored as a standalone whole
// file").
func (c *Codec) DecodeIndexEntries(s *Stream) ([]types.BlockIndexEntry, error) {
	out := make([]types.BlockIndexEntry, len(s.Entries))
	for i, e := range s.Entries {
		if e.encodedSize <= 0 {
			return nil, storeerrors.New(storeerrors.ErrBadBackupStoreFile, "filecodec: cannot decode index entries of a patch stream")
		}
		clearSize, weak, strong, err := c.openEntryMeta(e.encryptedMeta)
		if err != nil {
			return nil, err
		}
		out[i] = types.BlockIndexEntry{EncodedSize: e.encodedSize, ClearSize: clearSize, WeakChecksum: weak, StrongChecksum: strong}
	}
	return out, nil
}

// NumEntries returns the number of block-index entries, for callers
// outside the package (the protocol layer) that need to report or
// iterate the index without reaching into unexported fields.
func (s *Stream) NumEntries() int { return len(s.Entries) }

// EncodeIndex writes just this stream's block-index header and entries
// (no name, attributes, or body) to w. This is what GetBlockIndexByID
// and GetBlockIndexByName send to a client preparing a diff upload: the
// client never needs the old file's body, only enough to run DiffEncode
// against it.
func (s *Stream) EncodeIndex(w io.Writer) error {
	if err := writeUint32(w, indexMagic); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(s.IndexHeader.OtherFileID)); err != nil {
		return err
	}
	if err := writeUint64(w, s.IndexHeader.EntryIVBase); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(len(s.Entries))); err != nil {
		return err
	}
	for _, e := range s.Entries {
		if err := writeUint64(w, uint64(e.encodedSize)); err != nil {
			return err
		}
		if err := writeBlob(w, e.encryptedMeta); err != nil {
			return err
		}
	}
	return nil
}

// ParseIndexOnly parses a block index produced by EncodeIndex into a
// Stream usable as a diff base (DiffEncode only reads Entries/
// IndexHeader from its old-file argument, never the body or name/attrs
// a full ParseStream would also populate).
func ParseIndexOnly(data []byte) (*Stream, error) {
	r := bytes.NewReader(data)
	idxMagic, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if idxMagic != indexMagic {
		return nil, storeerrors.New(storeerrors.ErrBadBackupStoreFile, "filecodec: bad block-index magic")
	}
	otherFileID, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	ivBase, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	count, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	if count > 1<<24 {
		return nil, storeerrors.New(storeerrors.ErrBadBackupStoreFile, "filecodec: implausible block count in index")
	}
	entries := make([]wireEntry, count)
	for i := range entries {
		sz, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		meta, err := readBlob(r)
		if err != nil {
			return nil, err
		}
		entries[i] = wireEntry{encodedSize: int64(sz), encryptedMeta: meta}
	}
	return &Stream{
		IndexHeader: types.BlockIndexHeader{OtherFileID: types.ObjectID(otherFileID), EntryIVBase: ivBase, NumBlocks: count},
		Entries:     entries,
	}, nil
}

func writeUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeBlob(w io.Writer, b []byte) error {
	if err := writeUint32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readBlob(r io.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

type recipeInstruction struct {
	spaceBefore int64      // bytes of literal new data preceding this run
	offset      int64      // file offset where spaceBefore starts
	startBlock  int64      // old block index the run starts at, -1 if no run
	runLength   int        // number of contiguous old blocks in the run
}

// EncodeWholeFile writes a complete whole-file stream for r (size bytes)
// to w. Symlinks (meta.IsSymlink) carry attributes only: zero blocks.
func (c *Codec) EncodeWholeFile(w io.Writer, r io.Reader, size int64, meta Meta, ivBase uint64) error {
	if meta.IsSymlink {
		return c.writeStream(w, meta, 0, ivBase, nil, nil)
	}
	plan := c.Schedule.Plan(size)
	entries := make([]wireEntry, plan.NumBlocks)
	bodies := make([][]byte, plan.NumBlocks)
	for i := 0; i < plan.NumBlocks; i++ {
		blockLen := plan.BlockSize
		if i == plan.NumBlocks-1 {
			blockLen = plan.LastBlockSize
		}
		plain := make([]byte, blockLen)
		if _, err := io.ReadFull(r, plain); err != nil {
			return storeerrors.Wrap(storeerrors.ErrBadBackupStoreFile, err, "filecodec: short read encoding block")
		}
		weak := checksum.NewRolling(plain).Checksum()
		strong := checksum.ComputeStrong(plain)
		framed, err := cipher.Encode(c.Kind, c.Key, plain, c.CompressMinBytes)
		if err != nil {
			return err
		}
		meta28, err := c.sealEntryMeta(ivBase, uint64(i), int64(len(plain)), weak, strong)
		if err != nil {
			return err
		}
		entries[i] = wireEntry{encodedSize: int64(len(framed)), encryptedMeta: meta28}
		bodies[i] = framed
	}
	return c.writeStream(w, meta, 0, ivBase, entries, bodies)
}

// writeStream writes a complete stream: header, index, name, attributes,
// and the body (the positive entries' chunk bytes, supplied in bodies
// at the same indices as entries). Combine streams its body separately
// via an iostream.Gather instead of calling this, to avoid
// materializing the combined body in memory; writeStreamHeaderOnly is
// the shared prefix the two paths both use.
func (c *Codec) writeStream(w io.Writer, meta Meta, otherFileID types.ObjectID, ivBase uint64, entries []wireEntry, bodies [][]byte) error {
	if err := c.writeStreamHeaderOnly(w, meta, otherFileID, ivBase, entries); err != nil {
		return err
	}
	for i, e := range entries {
		if e.encodedSize <= 0 {
			continue
		}
		if _, err := w.Write(bodies[i]); err != nil {
			return err
		}
	}
	return nil
}

// parseHeaderAndIndex reads the stream header and the block-index
// header/entries from r. It is the one codepath both ParseStream
// (random-access, fully-buffered) and StreamVerifier (sequential,
// bounded-memory) read this section through, so a change to the wire
// layout only has to be made once.
func parseHeaderAndIndex(r *bytes.Reader) (header types.StreamHeader, otherFileID types.ObjectID, ivBase uint64, entries []wireEntry, err error) {
	m, err := readUint32(r)
	if err != nil {
		return header, 0, 0, nil, err
	}
	if m != magic {
		return header, 0, 0, nil, storeerrors.New(storeerrors.ErrBadBackupStoreFile, "filecodec: bad stream magic")
	}

	numBlocks, err := readUint64(r)
	if err != nil {
		return header, 0, 0, nil, err
	}
	containerID, err := readUint64(r)
	if err != nil {
		return header, 0, 0, nil, err
	}
	modTime, err := readUint64(r)
	if err != nil {
		return header, 0, 0, nil, err
	}
	hint, err := readUint32(r)
	if err != nil {
		return header, 0, 0, nil, err
	}
	options, err := readUint32(r)
	if err != nil {
		return header, 0, 0, nil, err
	}
	header = types.StreamHeader{
		NumBlocks:         numBlocks,
		ContainerID:       types.ObjectID(containerID),
		ModTime:           time.Unix(int64(modTime), 0).UTC(),
		MaxClearChunkHint: hint,
		Options:           options,
	}

	idxMagic, err := readUint32(r)
	if err != nil {
		return header, 0, 0, nil, err
	}
	if idxMagic != indexMagic {
		return header, 0, 0, nil, storeerrors.New(storeerrors.ErrBadBackupStoreFile, "filecodec: bad block-index magic")
	}
	otherFileIDv, err := readUint64(r)
	if err != nil {
		return header, 0, 0, nil, err
	}
	ivBase, err = readUint64(r)
	if err != nil {
		return header, 0, 0, nil, err
	}
	idxCount, err := readUint64(r)
	if err != nil {
		return header, 0, 0, nil, err
	}
	if idxCount > 1<<24 {
		return header, 0, 0, nil, storeerrors.New(storeerrors.ErrBadBackupStoreFile, "filecodec: implausible block count")
	}
	entries = make([]wireEntry, idxCount)
	for i := range entries {
		sz, err := readUint64(r)
		if err != nil {
			return header, 0, 0, nil, err
		}
		metaBlob, err := readBlob(r)
		if err != nil {
			return header, 0, 0, nil, err
		}
		entries[i] = wireEntry{encodedSize: int64(sz), encryptedMeta: metaBlob}
	}
	return header, types.ObjectID(otherFileIDv), ivBase, entries, nil
}

// ParseStream parses a fully-buffered stream (index-first layout) from
// data, retaining data as the backing buffer for later random access
// into the body.
func ParseStream(data []byte) (*Stream, error) {
	r := bytes.NewReader(data)
	header, otherFileID, ivBase, entries, err := parseHeaderAndIndex(r)
	if err != nil {
		return nil, err
	}
	idxCount := uint64(len(entries))

	name, err := readBlob(r)
	if err != nil {
		return nil, err
	}
	attrs, err := readBlob(r)
	if err != nil {
		return nil, err
	}

	bodyStart := int64(len(data)) - int64(r.Len())
	blockStart := make([]int64, len(entries))
	cursor := bodyStart
	for i, e := range entries {
		blockStart[i] = cursor
		if e.encodedSize > 0 {
			cursor += e.encodedSize
		}
	}
	if cursor != int64(len(data)) {
		return nil, storeerrors.New(storeerrors.ErrBadBackupStoreFile, "filecodec: block index sizes do not account for the whole body")
	}

	return &Stream{
		Header:      header,
		IndexHeader: types.BlockIndexHeader{OtherFileID: otherFileID, EntryIVBase: ivBase, NumBlocks: idxCount},
		Entries:     entries,
		Name:        name,
		Attributes:  attrs,
		raw:         data,
		bodyStart:   bodyStart,
		bodyEnd:     int64(len(data)),
		blockStart:  blockStart,
	}, nil
}

// Decode writes a whole file's plaintext to w. It fails if s is a
// patch: patches cannot be decoded standalone, only Combined first.
func (c *Codec) Decode(s *Stream, w io.Writer) error {
	if s.IsPatch() {
		return storeerrors.New(storeerrors.ErrPatchConsistencyError, "filecodec: cannot decode a patch stream standalone")
	}
	if s.Header.Options&types.OptionIsSymlink != 0 {
		return nil
	}
	for i, e := range s.Entries {
		if e.encodedSize <= 0 {
			return storeerrors.New(storeerrors.ErrBadBackupStoreFile, "filecodec: non-positive entry in a non-patch stream")
		}
		framed := s.raw[s.blockStart[i] : s.blockStart[i]+e.encodedSize]
		plain, err := cipher.Decode(c.Key, framed)
		if err != nil {
			return err
		}
		_, _, clearStrong, err := c.openEntryMeta(e.encryptedMeta)
		if err != nil {
			return err
		}
		if checksum.ComputeStrong(plain) != clearStrong {
			return storeerrors.New(storeerrors.ErrBadBackupStoreFile, "filecodec: block strong-checksum mismatch on decode")
		}
		if _, err := w.Write(plain); err != nil {
			return err
		}
	}
	return nil
}

// verifyCommon checks the one invariant both the random-access and the
// streaming verifier enforce the same way: a non-zero other-file-ID iff
// at least one block-index entry is non-positive (a patch reference).
// The body-length invariant is checked differently by each (a sum
// comparison here, consumption accounting in StreamVerifier) so it
// isn't shared.
func verifyCommon(otherFileID types.ObjectID, hasNegative bool) error {
	if (otherFileID != 0) != hasNegative {
		return storeerrors.New(storeerrors.ErrBadBackupStoreFile, "filecodec: other-file-id inconsistent with patch entries")
	}
	return nil
}

// Verify checks the structural invariants spec §4.E requires without
// producing plaintext: positive entries sum to exactly the body length,
// entry count fits what the stream actually carries, and patch-ness is
// consistent between the header's OtherFileID and the presence of any
// non-positive entry. StreamVerifier is the streaming equivalent for a
// stream that arrives sequentially rather than fully buffered.
func Verify(s *Stream) error {
	hasNegative := false
	var sum int64
	for _, e := range s.Entries {
		if e.encodedSize <= 0 {
			hasNegative = true
		} else {
			sum += e.encodedSize
		}
	}
	if sum != s.bodyEnd-s.bodyStart {
		return storeerrors.New(storeerrors.ErrBadBackupStoreFile, "filecodec: body length does not match index")
	}
	return verifyCommon(s.IndexHeader.OtherFileID, hasNegative)
}
