package filecodec

import (
	"bytes"
	"io"
	"sort"

	"github.com/coldvault/backupstore/internal/checksum"
	"github.com/coldvault/backupstore/internal/cipher"
	"github.com/coldvault/backupstore/internal/iostream"
	storeerrors "github.com/coldvault/backupstore/pkg/errors"
	"github.com/coldvault/backupstore/pkg/types"
)

// oldIndexInfo is what diff matching needs about the diffed-from file's
// block index: each entry's plaintext size and checksums, decrypted
// once up front.
type oldIndexInfo struct {
	size   int64
	weak   uint32
	strong checksum.Strong
}

func (c *Codec) decodeOldIndex(old *Stream) ([]oldIndexInfo, error) {
	out := make([]oldIndexInfo, len(old.Entries))
	for i, e := range old.Entries {
		if e.encodedSize <= 0 {
			return nil, storeerrors.New(storeerrors.ErrBadBackupStoreFile, "filecodec: diff base must be a whole-file block index")
		}
		size, weak, strong, err := c.openEntryMeta(e.encryptedMeta)
		if err != nil {
			return nil, err
		}
		out[i] = oldIndexInfo{size: size, weak: weak, strong: strong}
	}
	return out, nil
}

// match records the best old-block match found at a given new-file
// offset during the content-defined scan.
type match struct {
	offset   int64
	oldBlock int
	size     int64
}

// KeepAliveFunc is called once per scan iteration so a caller can bound
// wall-clock time or keep a session's connection alive during a long
// diff; returning false aborts the scan early (falling back to a
// whole-file recipe).
type KeepAliveFunc func() bool

// DiffEncode writes a patch stream for newData (content-defined
// matching against oldIndex, per spec §4.E) to w. If no matches are
// found, the recipe collapses to a single whole-file instruction and
// the stream's other-file-id is forced to zero — equivalent to a
// whole-file upload.
func (c *Codec) DiffEncode(w io.Writer, newData []byte, meta Meta, old *Stream, oldFileID types.ObjectID, ivBase uint64, keepAlive KeepAliveFunc) error {
	oldInfo, err := c.decodeOldIndex(old)
	if err != nil {
		return err
	}

	bySize := make(map[int64][]int)
	for i, inf := range oldInfo {
		bySize[inf.size] = append(bySize[inf.size], i)
	}
	type sizeCoverage struct {
		size     int64
		coverage int64
	}
	var sizes []sizeCoverage
	for size, idxs := range bySize {
		if size < c.MinDiffMatchSize {
			continue
		}
		sizes = append(sizes, sizeCoverage{size: size, coverage: size * int64(len(idxs))})
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i].coverage > sizes[j].coverage })
	if len(sizes) > c.MaxCandidateSizes {
		sizes = sizes[:c.MaxCandidateSizes]
	}

	matches := make(map[int64]match)
	maxMatches := c.SafetyMultiple * len(oldInfo)
	if maxMatches <= 0 {
		maxMatches = len(newData)
	}

sizeLoop:
	for _, sc := range sizes {
		size := sc.size
		if size <= 0 || int64(len(newData)) < size {
			continue
		}
		hashTable := make(map[uint16][]int)
		for _, idx := range bySize[size] {
			key := checksum.ExtractHashKey(uint32(oldInfo[idx].weak))
			hashTable[key] = append(hashTable[key], idx)
		}

		pos := int64(0)
		for pos+size <= int64(len(newData)) {
			if keepAlive != nil && !keepAlive() {
				break sizeLoop
			}
			window := newData[pos : pos+size]
			roll := checksum.NewRolling(window)
			key := roll.HashKey()
			matched := false
			if candidates, ok := hashTable[key]; ok {
				strong := checksum.ComputeStrong(window)
				for _, idx := range candidates {
					if oldInfo[idx].strong == strong {
						if existing, has := matches[pos]; !has || existing.size < size {
							matches[pos] = match{offset: pos, oldBlock: idx, size: size}
						}
						pos += size
						matched = true
						break
					}
				}
			}
			if !matched {
				pos++
			}
			if len(matches) > maxMatches {
				break sizeLoop
			}
		}
	}

	offsets := make([]int64, 0, len(matches))
	for off := range matches {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	var instructions []recipeInstruction
	cursor := int64(0)
	i := 0
	for i < len(offsets) {
		off := offsets[i]
		m := matches[off]
		if off < cursor {
			i++
			continue
		}
		gap := off - cursor
		run := []match{m}
		j := i + 1
		for j < len(offsets) {
			next := matches[offsets[j]]
			last := run[len(run)-1]
			if next.offset == last.offset+last.size && next.oldBlock == last.oldBlock+1 {
				run = append(run, next)
				j++
				continue
			}
			break
		}
		instructions = append(instructions, recipeInstruction{
			spaceBefore: gap,
			offset:      cursor,
			startBlock:  int64(m.oldBlock),
			runLength:   len(run),
		})
		cursor = run[len(run)-1].offset + run[len(run)-1].size
		i = j
	}
	if cursor < int64(len(newData)) {
		instructions = append(instructions, recipeInstruction{
			spaceBefore: int64(len(newData)) - cursor,
			offset:      cursor,
			startBlock:  -1,
		})
	}

	noMatches := len(matches) == 0
	return c.emitRecipe(w, newData, meta, instructions, oldFileID, ivBase, noMatches)
}

func (c *Codec) emitRecipe(w io.Writer, newData []byte, meta Meta, instructions []recipeInstruction, oldFileID types.ObjectID, ivBase uint64, noMatches bool) error {
	if noMatches {
		oldFileID = 0
	}
	var entries []wireEntry
	var bodies [][]byte
	for _, instr := range instructions {
		if instr.spaceBefore > 0 {
			plain := newData[instr.offset : instr.offset+instr.spaceBefore]
			weak := checksum.NewRolling(plain).Checksum()
			strong := checksum.ComputeStrong(plain)
			framed, err := cipher.Encode(c.Kind, c.Key, plain, c.CompressMinBytes)
			if err != nil {
				return err
			}
			meta28, err := c.sealEntryMeta(ivBase, uint64(len(entries)), int64(len(plain)), weak, strong)
			if err != nil {
				return err
			}
			entries = append(entries, wireEntry{encodedSize: int64(len(framed)), encryptedMeta: meta28})
			bodies = append(bodies, framed)
		}
		if !noMatches {
			for k := 0; k < instr.runLength; k++ {
				entries = append(entries, wireEntry{encodedSize: -(instr.startBlock + int64(k))})
				bodies = append(bodies, nil)
			}
		}
	}
	return c.writeStream(w, meta, oldFileID, ivBase, entries, bodies)
}

// Combine walks patch's index: positive entries copy their ciphertext
// verbatim from the patch body; negative entries copy the referenced
// block's ciphertext from old by absolute offset computed from old's
// own index. The result is written to w as a new whole-file stream with
// an all-positive index, built with an iostream.Gather so the combined
// body is never materialized as one buffer.
func Combine(w io.Writer, patch, old *Stream) error {
	if old.IsPatch() {
		return storeerrors.New(storeerrors.ErrPatchConsistencyError, "filecodec: combine base must not itself be a patch")
	}

	gather := iostream.NewGather()
	patchComponent := gather.AddComponent(bytes.NewReader(patch.raw))
	oldComponent := gather.AddComponent(bytes.NewReader(old.raw))

	newEntries := make([]wireEntry, 0, len(patch.Entries))
	for i, e := range patch.Entries {
		if e.encodedSize > 0 {
			gather.AddBlock(patchComponent, e.encodedSize, true, patch.blockStart[i])
			newEntries = append(newEntries, e)
			continue
		}
		oldIdx := int(-e.encodedSize)
		if oldIdx < 0 || oldIdx >= len(old.Entries) {
			return storeerrors.New(storeerrors.ErrPatchConsistencyError, "filecodec: patch references an out-of-range old block")
		}
		oldEntry := old.Entries[oldIdx]
		gather.AddBlock(oldComponent, oldEntry.encodedSize, true, old.blockStart[oldIdx])
		newEntries = append(newEntries, oldEntry)
	}

	meta := Meta{ContainerID: patch.Header.ContainerID, ModTime: patch.Header.ModTime, EncryptedName: patch.Name, Attributes: patch.Attributes}
	if err := (&Codec{}).writeStreamHeaderOnly(w, meta, 0, patch.IndexHeader.EntryIVBase, newEntries); err != nil {
		return err
	}
	_, err := io.Copy(w, gather)
	return err
}

// writeStreamHeaderOnly writes everything up to (not including) the
// body: header, index, name, attributes. writeStream (filecodec.go)
// calls it for the common whole-file/diff encode path; Combine calls it
// directly so it can stream the body separately via an iostream.Gather
// instead of materializing it.
func (c *Codec) writeStreamHeaderOnly(w io.Writer, meta Meta, otherFileID types.ObjectID, ivBase uint64, entries []wireEntry) error {
	if err := writeUint32(w, magic); err != nil {
		return err
	}
	header := types.StreamHeader{
		NumBlocks:         uint64(len(entries)),
		ContainerID:       meta.ContainerID,
		ModTime:           meta.ModTime,
		MaxClearChunkHint: uint32(c.Schedule.MaxBlockSize) + 64,
	}
	if meta.IsSymlink {
		header.Options |= types.OptionIsSymlink
	}
	if err := writeUint64(w, header.NumBlocks); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(header.ContainerID)); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(header.ModTime.Unix())); err != nil {
		return err
	}
	if err := writeUint32(w, header.MaxClearChunkHint); err != nil {
		return err
	}
	if err := writeUint32(w, header.Options); err != nil {
		return err
	}
	if err := writeUint32(w, indexMagic); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(otherFileID)); err != nil {
		return err
	}
	if err := writeUint64(w, ivBase); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(len(entries))); err != nil {
		return err
	}
	for _, e := range entries {
		if err := writeUint64(w, uint64(e.encodedSize)); err != nil {
			return err
		}
		if err := writeBlob(w, e.encryptedMeta); err != nil {
			return err
		}
	}
	if err := writeBlob(w, meta.EncryptedName); err != nil {
		return err
	}
	return writeBlob(w, meta.Attributes)
}

// Reverse produces a patch that, combined with newFull, reproduces
// oldFull: it re-diffs oldFull's plaintext against newFull's index,
// exactly as DiffEncode would for an ordinary upload, since a reverse
// patch has the same shape as a forward one with old and new swapped.
func (c *Codec) Reverse(w io.Writer, oldFullPlain []byte, newFull *Stream, meta Meta, newFileID types.ObjectID, ivBase uint64) error {
	return c.DiffEncode(w, oldFullPlain, meta, newFull, newFileID, ivBase, nil)
}

// CombinePatches composes p1 (a patch against X) and p2 (a patch
// against p1's result) into p3, a single patch against X directly: p2's
// positive entries are kept as-is; p2's negative entries, which
// reference p1's result by block index, are rewired to reference X's
// blocks via p1's own index: a positive p1 entry is copied with its
// chunk bytes, and a negative p1 entry already points at X and is
// copied as-is, so no second hop is needed.
func CombinePatches(w io.Writer, p1, p2 *Stream) error {
	newEntries := make([]wireEntry, 0, len(p2.Entries))
	bodies := make([][]byte, 0, len(p2.Entries))
	for i, e := range p2.Entries {
		if e.encodedSize > 0 {
			newEntries = append(newEntries, e)
			bodies = append(bodies, p2.raw[p2.blockStart[i]:p2.blockStart[i]+e.encodedSize])
			continue
		}
		p1Idx := int(-e.encodedSize)
		if p1Idx < 0 || p1Idx >= len(p1.Entries) {
			return storeerrors.New(storeerrors.ErrPatchConsistencyError, "filecodec: combine-patches references an out-of-range p1 block")
		}
		p1Entry := p1.Entries[p1Idx]
		newEntries = append(newEntries, p1Entry)
		if p1Entry.encodedSize > 0 {
			bodies = append(bodies, p1.raw[p1.blockStart[p1Idx]:p1.blockStart[p1Idx]+p1Entry.encodedSize])
		} else {
			bodies = append(bodies, nil)
		}
	}
	return (&Codec{}).writeStream(w, Meta{
		ContainerID: p2.Header.ContainerID,
		ModTime:     p2.Header.ModTime,
		EncryptedName: p2.Name,
		Attributes:    p2.Attributes,
	}, p1.IndexHeader.OtherFileID, p2.IndexHeader.EntryIVBase, newEntries, bodies)
}
