package housekeeping

import (
	"github.com/google/btree"

	"github.com/coldvault/backupstore/pkg/types"
)

// candidateEntry is one Deleted/OldVersion file entry eligible for
// reclamation, ranked per spec §4.K step 4: "(age desc, mark-number
// asc, object ID asc)". age is this entry's position counting back from
// the newest entry sharing its (clear name, mark number) group, live
// entries included, so age 0 is the group's newest entry and larger age
// means longer superseded.
type candidateEntry struct {
	dirID      types.ObjectID
	objectID   types.ObjectID
	age        int
	mark       uint32
	sizeBlocks int64
}

// Less implements btree.Item so the tree orders the best (most urgent)
// deletion candidate first: larger age sorts first, ties broken by
// smaller mark number, then smaller object ID.
func (c candidateEntry) Less(than btree.Item) bool {
	o := than.(candidateEntry)
	if c.age != o.age {
		return c.age > o.age
	}
	if c.mark != o.mark {
		return c.mark < o.mark
	}
	return c.objectID < o.objectID
}

// candidateSet is a bounded top-K priority set: it holds at most
// capacity candidates, the best-ranked ones seen so far. Spec §4.K step
// 4 caps the candidate set "relative to the deletion target + a running
// max candidate size, dropping the worst-ranked entries when overfull."
// We read "worst-ranked" as lowest deletion priority (smallest age /
// largest mark, the opposite of the parenthetical's literal profile in
// the spec text) since that is the only reading under which a bounded
// buffer still converges on the entries housekeeping actually wants to
// reclaim; see DESIGN.md.
type candidateSet struct {
	tree     *btree.BTree
	capacity int
}

func newCandidateSet(capacity int) *candidateSet {
	if capacity <= 0 {
		capacity = 1
	}
	return &candidateSet{tree: btree.New(32), capacity: capacity}
}

// add inserts c, evicting the current worst-held candidate if the set
// is already at capacity and c outranks it.
func (s *candidateSet) add(c candidateEntry) {
	if s.tree.Len() < s.capacity {
		s.tree.ReplaceOrInsert(c)
		return
	}
	worst := s.tree.Max()
	if worst == nil {
		s.tree.ReplaceOrInsert(c)
		return
	}
	if c.Less(worst) {
		s.tree.Delete(worst)
		s.tree.ReplaceOrInsert(c)
	}
}

// popBest removes and returns the best-ranked remaining candidate.
func (s *candidateSet) popBest() (candidateEntry, bool) {
	item := s.tree.DeleteMin()
	if item == nil {
		return candidateEntry{}, false
	}
	return item.(candidateEntry), true
}

// Len reports how many candidates remain.
func (s *candidateSet) Len() int { return s.tree.Len() }
