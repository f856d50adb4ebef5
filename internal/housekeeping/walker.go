package housekeeping

import (
	"context"

	"github.com/coldvault/backupstore/internal/accountlock"
	"github.com/coldvault/backupstore/internal/storectx"
	"github.com/coldvault/backupstore/internal/storedir"
	"github.com/coldvault/backupstore/pkg/types"
)

// blockSize is the accounting unit housekeeping uses when converting an
// on-disk byte length to blocks. It mirrors internal/protocol's
// blocksForBytes: the disc set's configured block size isn't threaded
// through this path, a simplification already flagged in DESIGN.md.
const blockSize = 4096

func blocksForBytes(n int64) int64 {
	return (n + blockSize - 1) / blockSize
}

// walkResult accumulates one full tree walk's findings.
type walkResult struct {
	blocksUsed       int64
	blocksInOldFiles int64
	blocksInDeleted  int64
	blocksInDirs     int64
	candidates       *candidateSet
	touchedDirs      map[types.ObjectID]bool
	yielded          bool
}

// walkTree performs spec §4.K step 4's recursive directory-tree scan
// from the account root. When collectCandidates is true, every
// Deleted/OldVersion file entry is ranked and inserted into the
// returned candidate set; the second, post-deletion pass that recomputes
// ground truth for the final ledger correction doesn't need candidates
// and skips the ranking work.
func (s *Scanner) walkTree(ctx context.Context, sctx *storectx.Context, holder *accountlock.Holder, collectCandidates bool, capacity int) (*walkResult, error) {
	res := &walkResult{candidates: newCandidateSet(capacity), touchedDirs: make(map[types.ObjectID]bool)}
	err := s.walkDir(ctx, sctx, holder, res, types.RootObjectID, collectCandidates)
	return res, err
}

func (s *Scanner) walkDir(ctx context.Context, sctx *storectx.Context, holder *accountlock.Holder, res *walkResult, dirID types.ObjectID, collectCandidates bool) error {
	if holder.ShouldYield(ctx) {
		res.yielded = true
		return nil
	}

	raw, err := sctx.Store().Read(storectx.ObjectPath(dirID))
	if err != nil {
		return err
	}
	dir, err := storedir.FromBytes(raw)
	if err != nil {
		return err
	}
	res.blocksInDirs += blocksForBytes(int64(len(raw)))

	// Eagerly reclaim anything flagged RemoveASAP that is also
	// superseded or deleted (spec §4.K step 4) before ranking the rest,
	// so a RemoveASAP entry never competes for a candidate-set slot.
	var asap []types.ObjectID
	for _, e := range dir.Entries {
		if e.Flags.Has(types.FlagRemoveASAP) && !e.Flags.Live() {
			asap = append(asap, e.ObjectID)
		}
	}
	for _, id := range asap {
		if _, _, err := deleteEntry(sctx, dirID, id); err != nil {
			return err
		}
	}
	if len(asap) > 0 {
		res.touchedDirs[dirID] = true
		dir, err = sctx.LoadDirectory(dirID)
		if err != nil {
			return err
		}
	}

	groups := groupByNameAndMark(dir.Entries)
	subdirs := make([]types.ObjectID, 0, len(dir.Entries))
	for i := range dir.Entries {
		e := &dir.Entries[i]
		if e.IsDirectory() {
			subdirs = append(subdirs, e.ObjectID)
			continue
		}
		res.blocksUsed += e.SizeInBlocks
		if e.Flags.Has(types.FlagOldVersion) {
			res.blocksInOldFiles += e.SizeInBlocks
		}
		if e.Flags.Has(types.FlagDeleted) {
			res.blocksInDeleted += e.SizeInBlocks
		}
		if collectCandidates && !e.Flags.Live() {
			age := groups.ageOf(e.ClearName, e.MarkNumber, e.ObjectID)
			res.candidates.add(candidateEntry{
				dirID:      dirID,
				objectID:   e.ObjectID,
				age:        age,
				mark:       e.MarkNumber,
				sizeBlocks: e.SizeInBlocks,
			})
		}
	}

	for _, sub := range subdirs {
		if err := s.walkDir(ctx, sctx, holder, res, sub, collectCandidates); err != nil {
			return err
		}
		if res.yielded {
			return nil
		}
	}
	return nil
}

// nameMarkGroups computes each entry's "age within mark" (spec §4.K
// step 4): entries sharing a clear name and mark number are iterated
// newest-to-oldest (reverse of on-disk append order), numbered 0, 1, 2…
type nameMarkGroups struct {
	ages map[types.ObjectID]int
}

func groupByNameAndMark(entries []types.DirectoryEntry) nameMarkGroups {
	type key struct {
		name string
		mark uint32
	}
	order := make(map[key][]types.ObjectID)
	for _, e := range entries {
		k := key{e.ClearName, e.MarkNumber}
		order[k] = append(order[k], e.ObjectID)
	}
	ages := make(map[types.ObjectID]int, len(entries))
	for _, ids := range order {
		for i := 0; i < len(ids); i++ {
			id := ids[len(ids)-1-i]
			ages[id] = i
		}
	}
	return nameMarkGroups{ages: ages}
}

func (g nameMarkGroups) ageOf(_ string, _ uint32, id types.ObjectID) int {
	return g.ages[id]
}
