// Package ledger maintains per-account quota and object-ID bookkeeping
// (component G): block-usage counters, the next-object-ID allocator,
// and soft/hard limit enforcement, persisted with an allow-delay
// buffering policy so routine counter churn doesn't force a disk write
// on every single file operation.
package ledger

import (
	"sync"

	"github.com/goccy/go-json"

	storeerrors "github.com/coldvault/backupstore/pkg/errors"
	"github.com/coldvault/backupstore/pkg/types"
)

// Ledger tracks one account's AccountInfo in memory and decides when a
// change needs to be flushed immediately versus when it can ride along
// with the next natural save point.
type Ledger struct {
	mu      sync.Mutex
	info    types.AccountInfo
	dirty   bool
	pending int // mutations since the last Save
}

// flushThreshold bounds how many buffered mutations accumulate before
// Save(allowDelay=true) is forced to write anyway.
const flushThreshold = 64

// New wraps an already-loaded AccountInfo.
func New(info types.AccountInfo) *Ledger {
	return &Ledger{info: info}
}

// Info returns a copy of the current counters.
func (l *Ledger) Info() types.AccountInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.info
}

// DumpJSON renders the current counters for an operator-facing debug
// dump (an "accounts show --json" style command, a support bundle).
// Never used for persistence; Save/LoadFromStore use the binary info
// file format.
func (l *Ledger) DumpJSON() ([]byte, error) {
	l.mu.Lock()
	info := l.info
	l.mu.Unlock()
	return json.MarshalIndent(info, "", "  ")
}

// AllocateObjectID returns the next unused object ID and advances the
// allocator. It never reuses an ID, even across housekeeping deletes.
func (l *Ledger) AllocateObjectID() types.ObjectID {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.info.LastObjectID++
	l.markDirty()
	return l.info.LastObjectID
}

// ChangeBlocksUsed adjusts the total blocks-used counter by delta
// (positive on add, negative on delete) and returns an
// ErrStorageLimitExceeded error if the result would exceed the
// account's hard limit without applying the change.
func (l *Ledger) ChangeBlocksUsed(delta int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.info.BlocksUsed + delta
	if delta > 0 && next > l.info.HardLimitBlocks {
		return storeerrors.New(storeerrors.ErrStorageLimitExceeded, "ledger: blocks used would exceed hard limit").
			WithContext("account", l.info.AccountID).
			WithContext("requested", next).
			WithContext("hard_limit", l.info.HardLimitBlocks)
	}
	l.info.BlocksUsed = next
	l.markDirty()
	return nil
}

// ChangeBlocksInOldFiles adjusts the counter tracking blocks consumed
// by non-current (old/deleted) file versions, used by housekeeping
// reclamation accounting.
func (l *Ledger) ChangeBlocksInOldFiles(delta int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.info.BlocksInOldFiles += delta
	l.markDirty()
}

// ChangeBlocksInDeleted adjusts the counter tracking blocks consumed by
// entries flagged Deleted but not yet purged.
func (l *Ledger) ChangeBlocksInDeleted(delta int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.info.BlocksInDeleted += delta
	l.markDirty()
}

// ChangeBlocksInDirs adjusts the counter tracking blocks consumed by
// directory objects themselves.
func (l *Ledger) ChangeBlocksInDirs(delta int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.info.BlocksInDirs += delta
	l.markDirty()
}

// SetClientStoreMarker records the client-supplied store marker used to
// detect whether the client's view of the store is stale.
func (l *Ledger) SetClientStoreMarker(marker int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.info.ClientStoreMarker = marker
	l.markDirty()
}

// IsOverHardLimit reports whether the account currently exceeds its
// hard limit (e.g. after housekeeping recomputes usage from a scan and
// finds drift).
func (l *Ledger) IsOverHardLimit() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.info.BlocksUsed > l.info.HardLimitBlocks
}

// IsOverSoftLimit reports whether the account exceeds its soft limit,
// which housekeeping treats as a signal to reclaim more aggressively
// but which ordinary writes do not reject.
func (l *Ledger) IsOverSoftLimit() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.info.BlocksUsed > l.info.SoftLimitBlocks
}

// CorrectAllUsedValues overwrites every derived counter with values
// recomputed from an authoritative scan (housekeeping's candidate
// pass), correcting any drift accumulated from crashes or bugs.
func (l *Ledger) CorrectAllUsedValues(blocksUsed, blocksInOldFiles, blocksInDeleted, blocksInDirs int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.info.BlocksUsed = blocksUsed
	l.info.BlocksInOldFiles = blocksInOldFiles
	l.info.BlocksInDeleted = blocksInDeleted
	l.info.BlocksInDirs = blocksInDirs
	l.markDirty()
}

func (l *Ledger) markDirty() {
	l.dirty = true
	l.pending++
}

// Save persists the ledger via persist if it is dirty. When allowDelay
// is true and fewer than flushThreshold mutations have accumulated
// since the last save, Save is a no-op — the caller is expected to call
// Save(allowDelay=false) at session end or before releasing the account
// write lock to guarantee nothing buffered is lost.
func (l *Ledger) Save(allowDelay bool, persist func(types.AccountInfo) error) error {
	l.mu.Lock()
	if !l.dirty {
		l.mu.Unlock()
		return nil
	}
	if allowDelay && l.pending < flushThreshold {
		l.mu.Unlock()
		return nil
	}
	info := l.info
	l.mu.Unlock()

	if err := persist(info); err != nil {
		return err
	}

	l.mu.Lock()
	l.dirty = false
	l.pending = 0
	l.mu.Unlock()
	return nil
}
