package housekeeping

import (
	"bytes"

	"github.com/coldvault/backupstore/internal/filecodec"
	"github.com/coldvault/backupstore/internal/storectx"
	storeerrors "github.com/coldvault/backupstore/pkg/errors"
	"github.com/coldvault/backupstore/pkg/types"
)

// deleteEntry removes objectID's entry from dirID, performing the
// patch-chain surgery spec §4.K step 6 requires when the entry being
// removed sits inside a diff chain:
//
//   - neither depends-older nor depends-newer set: the entry is
//     unlinked; just drop it.
//   - tail (depends-newer only): nothing patches against this entry, so
//     dropping it only requires clearing the newer neighbor's
//     depends-older.
//   - head (depends-older only): this entry holds a whole file some
//     older neighbor's patch is diffed against. Combine the older
//     neighbor's patch with this entry's content into a new standalone
//     whole file, written over the older neighbor's object, and clear
//     its depends-newer.
//   - middle (both set): the older neighbor's patch and this entry's own
//     patch are spliced into one patch that targets the newer neighbor
//     directly, written over the older neighbor's object; both
//     neighbors' links are repointed at each other.
//
// It returns the net blocks freed and whether dirID's directory is now
// empty.
func deleteEntry(sctx *storectx.Context, dirID, objectID types.ObjectID) (int64, bool, error) {
	dir, err := sctx.LoadDirectory(dirID)
	if err != nil {
		return 0, false, err
	}
	entry, idx, ok := dir.FindEntryByID(objectID)
	if !ok {
		return 0, false, nil
	}

	freed := entry.SizeInBlocks
	switch {
	case entry.DependsOlder == 0 && entry.DependsNewer == 0:
		// unlinked

	case entry.DependsOlder == 0 && entry.DependsNewer != 0:
		if newer, newerIdx, ok := dir.FindEntryByID(entry.DependsNewer); ok {
			newer.DependsOlder = 0
			dir.Entries[newerIdx] = newer
		}

	case entry.DependsOlder != 0 && entry.DependsNewer == 0:
		older, olderIdx, ok := dir.FindEntryByID(entry.DependsOlder)
		if !ok {
			return 0, false, storeerrors.New(storeerrors.ErrDoesNotExistInDirectory, "housekeeping: older patch-chain neighbor missing")
		}
		olderStream, err := readStream(sctx, older.ObjectID)
		if err != nil {
			return 0, false, err
		}
		thisStream, err := readStream(sctx, entry.ObjectID)
		if err != nil {
			return 0, false, err
		}
		var combined bytes.Buffer
		if err := filecodec.Combine(&combined, olderStream, thisStream); err != nil {
			return 0, false, err
		}
		if err := verifyStreamBytes(combined.Bytes()); err != nil {
			return 0, false, storeerrors.Wrap(storeerrors.ErrFileDoesNotVerify, err, "housekeeping: combined patch-chain head failed verification")
		}
		if err := sctx.Store().Write(storectx.ObjectPath(older.ObjectID), combined.Bytes()); err != nil {
			return 0, false, err
		}
		newBlocks := blocksForBytes(int64(combined.Len()))
		freed += older.SizeInBlocks - newBlocks
		older.SizeInBlocks = newBlocks
		older.DependsNewer = 0
		dir.Entries[olderIdx] = older

	default: // middle: both depends-older and depends-newer set
		older, olderIdx, ok := dir.FindEntryByID(entry.DependsOlder)
		if !ok {
			return 0, false, storeerrors.New(storeerrors.ErrDoesNotExistInDirectory, "housekeeping: older patch-chain neighbor missing")
		}
		newer, newerIdx, ok := dir.FindEntryByID(entry.DependsNewer)
		if !ok {
			return 0, false, storeerrors.New(storeerrors.ErrDoesNotExistInDirectory, "housekeeping: newer patch-chain neighbor missing")
		}
		thisStream, err := readStream(sctx, entry.ObjectID) // p1: patch against newer
		if err != nil {
			return 0, false, err
		}
		olderStream, err := readStream(sctx, older.ObjectID) // p2: patch against this entry's result
		if err != nil {
			return 0, false, err
		}
		var combined bytes.Buffer
		if err := filecodec.CombinePatches(&combined, thisStream, olderStream); err != nil {
			return 0, false, err
		}
		if err := verifyStreamBytes(combined.Bytes()); err != nil {
			return 0, false, storeerrors.Wrap(storeerrors.ErrFileDoesNotVerify, err, "housekeeping: spliced patch-chain middle failed verification")
		}
		if err := sctx.Store().Write(storectx.ObjectPath(older.ObjectID), combined.Bytes()); err != nil {
			return 0, false, err
		}
		newBlocks := blocksForBytes(int64(combined.Len()))
		freed += older.SizeInBlocks - newBlocks
		older.SizeInBlocks = newBlocks
		older.DependsNewer = newer.ObjectID
		newer.DependsOlder = older.ObjectID
		dir.Entries[olderIdx] = older
		dir.Entries[newerIdx] = newer
	}

	dir.RemoveEntry(idx)
	if err := sctx.SaveDirectory(dirID, dir); err != nil {
		return 0, false, err
	}
	if err := sctx.Store().Delete(storectx.ObjectPath(objectID)); err != nil {
		return 0, false, err
	}
	return freed, len(dir.Entries) == 0, nil
}

func readStream(sctx *storectx.Context, id types.ObjectID) (*filecodec.Stream, error) {
	data, err := sctx.Store().Read(storectx.ObjectPath(id))
	if err != nil {
		return nil, err
	}
	return filecodec.ParseStream(data)
}

// verifyStreamBytes runs a newly combined/spliced object through the
// streaming verifier in fixed-size chunks, the same check AddFile runs
// on a fresh upload, so a patch-chain rewrite can't leave a corrupted
// object on disk.
func verifyStreamBytes(data []byte) error {
	v := filecodec.NewStreamVerifier()
	const chunk = 8192
	for len(data) > 0 {
		n := chunk
		if n > len(data) {
			n = len(data)
		}
		if _, err := v.Write(data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return v.Close()
}

// purgeEmptyDirectories implements spec §4.K step 8: iteratively remove
// each empty directory whose parent has the Deleted flag set on its
// entry, requeuing the parent if it becomes empty in turn. The root is
// never a candidate.
func purgeEmptyDirectories(sctx *storectx.Context, seed []types.ObjectID) error {
	queue := append([]types.ObjectID(nil), seed...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == types.RootObjectID {
			continue
		}
		dir, err := sctx.LoadDirectory(id)
		if err != nil {
			continue
		}
		if len(dir.Entries) != 0 {
			continue
		}
		parentID := dir.ContainerID
		if parentID == 0 {
			continue
		}
		parent, err := sctx.LoadDirectory(parentID)
		if err != nil {
			continue
		}
		pEntry, pIdx, ok := parent.FindEntryByID(id)
		if !ok || !pEntry.Flags.Has(types.FlagDeleted) {
			continue
		}
		if err := sctx.Store().Delete(storectx.ObjectPath(id)); err != nil {
			return err
		}
		parent.RemoveEntry(pIdx)
		if err := sctx.SaveDirectory(parentID, parent); err != nil {
			return err
		}
		if len(parent.Entries) == 0 {
			queue = append(queue, parentID)
		}
	}
	return nil
}
