// Package storectx implements the session context and mutation engine
// (component I): per-session state (account, read-only flag, write
// lock), a bounded directory cache with revision-based invalidation,
// deterministic object placement, and the directory-mutating operations
// a writer session drives — AddFile, DeleteFile, DeleteDirectory,
// MoveObject, ChangeDirAttributes, ChangeFileAttributes.
package storectx

import (
	"bytes"
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/coldvault/backupstore/internal/accountlock"
	"github.com/coldvault/backupstore/internal/filecodec"
	"github.com/coldvault/backupstore/internal/ledger"
	"github.com/coldvault/backupstore/internal/raid"
	"github.com/coldvault/backupstore/internal/storedir"
	storeerrors "github.com/coldvault/backupstore/pkg/errors"
	"github.com/coldvault/backupstore/pkg/types"
)

// digitGroupWidth is how many hex digits make up one path component of
// an object's placement path (spec §6: "fixed-width digit groups
// splitting n from the low end").
const digitGroupWidth = 4

// ObjectPath derives the deterministic on-disk relative path for an
// object ID, splitting its hex representation into fixed-width groups
// from the low end: ID 0x12345 with 4-digit groups becomes
// "0001/2345". RAID appends the ".rf"/".rfw" suffix itself.
func ObjectPath(id types.ObjectID) string {
	hex := fmt.Sprintf("%x", uint64(id))
	for len(hex)%digitGroupWidth != 0 {
		hex = "0" + hex
	}
	var parts []string
	for i := 0; i < len(hex); i += digitGroupWidth {
		parts = append(parts, hex[i:i+digitGroupWidth])
	}
	path := parts[0]
	for _, p := range parts[1:] {
		path += "/" + p
	}
	return path
}

// dirCacheEntry is one bounded-cache slot: the parsed directory plus
// the revision it was loaded at, for invalidation against a fresher
// write.
type dirCacheEntry struct {
	id       types.ObjectID
	dir      *storedir.Directory
	revision uint64
	element  *list.Element
}

// dirCache is a small LRU over (ObjectID -> *storedir.Directory),
// generalized from the teacher's byte-range weighted LRU
// (internal/cache/lru.go) to whole parsed directory objects keyed by
// object ID, with genuine LRU eviction (the teacher's "flush everything
// past max size" heuristic is replaced here, matching SPEC_FULL's
// design-notes resolution).
type dirCache struct {
	mu       sync.Mutex
	capacity int
	items    map[types.ObjectID]*dirCacheEntry
	order    *list.List
}

func newDirCache(capacity int) *dirCache {
	return &dirCache{capacity: capacity, items: make(map[types.ObjectID]*dirCacheEntry), order: list.New()}
}

func (c *dirCache) get(id types.ObjectID) (*dirCacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[id]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(e.element)
	return e, true
}

func (c *dirCache) put(id types.ObjectID, dir *storedir.Directory, revision uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.items[id]; ok {
		existing.dir = dir
		existing.revision = revision
		c.order.MoveToFront(existing.element)
		return
	}
	entry := &dirCacheEntry{id: id, dir: dir, revision: revision}
	entry.element = c.order.PushFront(entry)
	c.items[id] = entry
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*dirCacheEntry).id)
	}
}

func (c *dirCache) invalidate(id types.ObjectID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[id]; ok {
		c.order.Remove(e.element)
		delete(c.items, id)
	}
}

// Context is one session's view of an account's store: its account ID,
// read-only flag, write-lock handle (nil for read-only sessions), the
// disc set's RAID store, the info ledger, and a bounded directory cache
// whose entries are revalidated against this context's own revision
// counter on every access. The counter is bumped only by SaveDirectory
// on this Context; a write to the same directory made through another
// Context or process does not invalidate this cache.
type Context struct {
	AccountID uint64
	ReadOnly  bool
	RootPath  string

	store  *raid.Store
	codec  *filecodec.Codec
	ledger *ledger.Ledger
	lock   *accountlock.Lock

	cache     *dirCache
	revisions map[types.ObjectID]uint64
	revMu     sync.Mutex
	sf        singleflight.Group
}

// New builds a session Context. Writer sessions should call
// AcquireWriteLock before any mutating operation.
func New(accountID uint64, rootPath string, readOnly bool, store *raid.Store, codec *filecodec.Codec, led *ledger.Ledger, cacheSize int) *Context {
	return &Context{
		AccountID: accountID,
		ReadOnly:  readOnly,
		RootPath:  rootPath,
		store:     store,
		codec:     codec,
		ledger:    led,
		cache:     newDirCache(cacheSize),
		revisions: make(map[types.ObjectID]uint64),
	}
}

// Store returns the underlying RAID store, for protocol handlers that
// need raw object access (GetObject, GetBlockIndex*) the mutation-engine
// methods below don't cover directly.
func (c *Context) Store() *raid.Store { return c.store }

// Codec returns the file codec bound to this context's cipher key, for
// protocol handlers decoding or combining streams outside AddFile.
func (c *Context) Codec() *filecodec.Codec { return c.codec }

// Ledger returns the session's quota ledger.
func (c *Context) Ledger() *ledger.Ledger { return c.ledger }

// CombineToFull reconstructs object id's plaintext, walking its patch
// chain if it is not already a whole file. Exported for GetFile, which
// must hand a reconstructed whole file to the client regardless of how
// the object is actually stored (spec §4.J's GetFile contract).
func (c *Context) CombineToFull(id types.ObjectID) ([]byte, error) {
	return c.combineToFull(id)
}

// CreateDirectory allocates a new directory object under parentID named
// clearName, writes an empty directory object for it, and links it into
// the parent (spec §4.J's CreateDirectory command).
func (c *Context) CreateDirectory(parentID types.ObjectID, attrModTime time.Time, clearName string, encryptedName, attrs []byte) (types.ObjectID, error) {
	if c.ReadOnly {
		return 0, storeerrors.New(storeerrors.ErrSessionReadOnly, "storectx: CreateDirectory on a read-only session")
	}
	parent, err := c.LoadDirectory(parentID)
	if err != nil {
		return 0, err
	}
	if existing, ok := parent.FindEntry(clearName, false); ok && existing.Flags.Live() {
		return 0, storeerrors.New(storeerrors.ErrDirectoryAlreadyExists, "storectx: a live entry with that name already exists")
	}

	newID := c.ledger.AllocateObjectID()
	dir := storedir.New(parentID)
	dir.AttrModTime = attrModTime.UnixMicro()
	dir.Attributes = attrs
	if err := c.SaveDirectory(newID, dir); err != nil {
		return 0, err
	}
	c.ledger.ChangeBlocksInDirs(1)

	entry := types.DirectoryEntry{
		Name:         storedir.NameEncode(types.NameClearText, encryptedName),
		ClearName:    clearName,
		ObjectID:     newID,
		ModTime:      attrModTime,
		SizeInBlocks: 1,
		Flags:        types.FlagDirectory,
		Attributes:   attrs,
	}
	parent.AddEntry(entry)
	if err := c.SaveDirectory(parentID, parent); err != nil {
		return 0, err
	}
	return newID, nil
}

// AcquireWriteLock takes the account's exclusive write lock. Read-only
// sessions must never call this (spec §4.I).
func (c *Context) AcquireWriteLock(maxAttempts int) error {
	if c.ReadOnly {
		return storeerrors.New(storeerrors.ErrInternal, "storectx: read-only session must not acquire the write lock")
	}
	c.lock = accountlock.New(c.RootPath)
	return c.lock.Acquire(context.Background(), maxAttempts) // bounded local retry with no cancellation source
}

// ReleaseWriteLock gives up the write lock, if held.
func (c *Context) ReleaseWriteLock() error {
	if c.lock == nil {
		return nil
	}
	return c.lock.Release()
}

func (c *Context) bumpRevision(id types.ObjectID) uint64 {
	c.revMu.Lock()
	defer c.revMu.Unlock()
	c.revisions[id]++
	return c.revisions[id]
}

func (c *Context) currentRevision(id types.ObjectID) uint64 {
	c.revMu.Lock()
	defer c.revMu.Unlock()
	return c.revisions[id]
}

// LoadDirectory returns the directory for id, using the cache when its
// cached revision still matches the latest known write, deduplicating
// concurrent loads of the same ID via singleflight.
func (c *Context) LoadDirectory(id types.ObjectID) (*storedir.Directory, error) {
	want := c.currentRevision(id)
	if entry, ok := c.cache.get(id); ok && entry.revision == want {
		return entry.dir, nil
	}

	result, err, _ := c.sf.Do(fmt.Sprintf("dir:%d", uint64(id)), func() (interface{}, error) {
		data, err := c.store.Read(ObjectPath(id))
		if err != nil {
			return nil, storeerrors.Wrap(storeerrors.ErrDoesNotExistInDirectory, err, "storectx: read directory object")
		}
		dir, err := storedir.FromBytes(data)
		if err != nil {
			return nil, err
		}
		c.cache.put(id, dir, want)
		return dir, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*storedir.Directory), nil
}

// SaveDirectory serializes and writes dir back to its object path,
// invalidating (and immediately re-priming) the cache entry so the next
// LoadDirectory on any session sharing this Context observes the write.
func (c *Context) SaveDirectory(id types.ObjectID, dir *storedir.Directory) error {
	data, err := dir.Bytes()
	if err != nil {
		return err
	}
	if err := c.store.Write(ObjectPath(id), data); err != nil {
		return err
	}
	rev := c.bumpRevision(id)
	c.cache.put(id, dir, rev)
	return nil
}

// AddFile implements spec §4.I's AddFile: upload a new version of name
// into dirID, optionally as a diff against diffFromID, enforcing the
// account's hard limit before committing.
func (c *Context) AddFile(dirID types.ObjectID, modTime time.Time, attrHash uint64, diffFromID types.ObjectID, clearName string, encryptedName, attrs, plaintext []byte, blocksPerByte func(int64) int64) (types.ObjectID, error) {
	if c.ReadOnly {
		return 0, storeerrors.New(storeerrors.ErrSessionReadOnly, "storectx: AddFile on a read-only session")
	}
	dir, err := c.LoadDirectory(dirID)
	if err != nil {
		return 0, err
	}

	// The live/newest version of a name is always stored as a standalone
	// whole file, never a patch: combineToFull only has to walk backward
	// from the current head, and the head itself never needs combining.
	// diffFromID tells us which entry to turn into a reverse patch (its
	// plaintext re-expressed against the new upload) once the new head
	// is written.
	var oldFull []byte
	var oldEntrySize int64
	if diffFromID != 0 {
		oldEntry, _, ok := dir.FindEntryByID(diffFromID)
		if !ok {
			return 0, storeerrors.New(storeerrors.ErrDoesNotExistInDirectory, "storectx: diff-from entry not found in target directory")
		}
		oldEntrySize = oldEntry.SizeInBlocks
		var err error
		oldFull, err = c.combineToFull(diffFromID)
		if err != nil {
			return 0, err
		}
	}

	newID := c.ledger.AllocateObjectID()
	meta := filecodec.Meta{ContainerID: dirID, ModTime: modTime, EncryptedName: encryptedName, Attributes: attrs}

	var encoded bytes.Buffer
	if err := c.codec.EncodeWholeFile(&encoded, bytes.NewReader(plaintext), int64(len(plaintext)), meta, uint64(newID)); err != nil {
		return 0, err
	}
	newBlocks := blocksPerByte(int64(encoded.Len()))

	// Post-write verify (spec §4.I step 3): re-parse the just-encoded
	// stream and check its structural invariants before it is ever
	// committed to the directory, rather than trusting EncodeWholeFile's
	// output blindly.
	newStream, err := filecodec.ParseStream(encoded.Bytes())
	if err != nil {
		return 0, err
	}
	if err := filecodec.Verify(newStream); err != nil {
		return 0, storeerrors.New(storeerrors.ErrAddedFileDoesNotVerify, "storectx: newly encoded file failed verification")
	}

	// linked tracks whether the reverse patch actually references the new
	// head: DiffEncode forces OtherFileID to 0 when it finds no matching
	// blocks at all, in which case the two versions are stored as
	// independent whole files rather than linked (spec §4.I: "unless the
	// reverse patch was completely different, in which case no link is
	// made").
	var reverseBlocks int64
	var reverseBuf bytes.Buffer
	linked := false
	if diffFromID != 0 {
		if err := c.codec.Reverse(&reverseBuf, oldFull, newStream, meta, newID, uint64(diffFromID)); err != nil {
			return 0, err
		}
		reverseBlocks = blocksPerByte(int64(reverseBuf.Len()))
		reverseStream, err := filecodec.ParseStream(reverseBuf.Bytes())
		if err != nil {
			return 0, err
		}
		if err := filecodec.Verify(reverseStream); err != nil {
			return 0, storeerrors.New(storeerrors.ErrFileDoesNotVerify, "storectx: combined reverse-patch result failed verification")
		}
		linked = reverseStream.IsPatch()
	}

	delta := newBlocks + reverseBlocks - oldEntrySize
	if err := c.ledger.ChangeBlocksUsed(delta); err != nil {
		return 0, err
	}

	if err := c.store.Write(ObjectPath(newID), encoded.Bytes()); err != nil {
		return 0, err
	}

	oldFilesDelta := int64(0)
	for i := range dir.Entries {
		e := &dir.Entries[i]
		if e.ClearName == clearName && e.Flags.Live() {
			oldFilesDelta += e.SizeInBlocks
			e.Flags |= types.FlagOldVersion
			if diffFromID != 0 && e.ObjectID == diffFromID {
				if linked {
					e.DependsNewer = newID
				}
				e.SizeInBlocks = reverseBlocks
			}
		}
	}
	newEntry := types.DirectoryEntry{
		Name:           storedir.NameEncode(types.NameClearText, encryptedName),
		ClearName:      clearName,
		ObjectID:       newID,
		ModTime:        modTime,
		SizeInBlocks:   newBlocks,
		Flags:          types.FlagFile,
		AttributesHash: attrHash,
		Attributes:     attrs,
	}
	if diffFromID != 0 && linked {
		newEntry.DependsOlder = diffFromID
	}
	dir.AddEntry(newEntry)
	if err := c.SaveDirectory(dirID, dir); err != nil {
		return 0, err
	}

	if diffFromID != 0 {
		if err := c.store.Write(ObjectPath(diffFromID), reverseBuf.Bytes()); err != nil {
			return 0, err
		}
	}

	c.ledger.ChangeBlocksInOldFiles(oldFilesDelta)
	return newID, nil
}

// combineToFull reconstructs the plaintext of object id by walking its
// patch chain toward the newest version: if id is already a whole file,
// decode it directly; otherwise its reverse patch references the object
// that superseded it (IndexHeader.OtherFileID), which may itself have
// been superseded again since and so may no longer be a whole file
// either. Each hop's base is resolved recursively and, if not already a
// whole file on disk, re-derived into one in memory: EncodeWholeFile
// reproduces the identical block layout Reverse matched against
// originally, since block planning is a pure function of plaintext
// length, so the result is a valid Combine base without needing the
// object's historical on-disk bytes.
func (c *Context) combineToFull(id types.ObjectID) ([]byte, error) {
	data, err := c.store.Read(ObjectPath(id))
	if err != nil {
		return nil, err
	}
	s, err := filecodec.ParseStream(data)
	if err != nil {
		return nil, err
	}
	if !s.IsPatch() {
		var out bytes.Buffer
		if err := c.codec.Decode(s, &out); err != nil {
			return nil, err
		}
		return out.Bytes(), nil
	}

	baseID := s.IndexHeader.OtherFileID
	baseData, err := c.store.Read(ObjectPath(baseID))
	if err != nil {
		return nil, err
	}
	base, err := filecodec.ParseStream(baseData)
	if err != nil {
		return nil, err
	}
	if base.IsPatch() {
		basePlain, err := c.combineToFull(baseID)
		if err != nil {
			return nil, err
		}
		var rebuilt bytes.Buffer
		if err := c.codec.EncodeWholeFile(&rebuilt, bytes.NewReader(basePlain), int64(len(basePlain)), filecodec.Meta{}, uint64(baseID)); err != nil {
			return nil, err
		}
		base, err = filecodec.ParseStream(rebuilt.Bytes())
		if err != nil {
			return nil, err
		}
	}

	var fullBuf bytes.Buffer
	if err := filecodec.Combine(&fullBuf, s, base); err != nil {
		return nil, err
	}
	full, err := filecodec.ParseStream(fullBuf.Bytes())
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := c.codec.Decode(full, &out); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// DeleteFile marks every entry named clearName in dirID that is not
// already Deleted (old versions included) as Deleted and returns the
// object ID of the version that was current.
func (c *Context) DeleteFile(dirID types.ObjectID, clearName string) (types.ObjectID, error) {
	if c.ReadOnly {
		return 0, storeerrors.New(storeerrors.ErrSessionReadOnly, "storectx: DeleteFile on a read-only session")
	}
	dir, err := c.LoadDirectory(dirID)
	if err != nil {
		return 0, err
	}
	var currentID types.ObjectID
	var deletedBlocks int64
	for i := range dir.Entries {
		e := &dir.Entries[i]
		if e.ClearName != clearName || e.Flags.HasAny(types.FlagDeleted) {
			continue
		}
		if !e.Flags.HasAny(types.FlagOldVersion) {
			currentID = e.ObjectID
		}
		e.Flags |= types.FlagDeleted
		deletedBlocks += e.SizeInBlocks
	}
	if currentID == 0 {
		return 0, storeerrors.New(storeerrors.ErrDoesNotExistInDirectory, "storectx: no live entry with that name")
	}
	if err := c.SaveDirectory(dirID, dir); err != nil {
		return 0, err
	}
	c.ledger.ChangeBlocksInDeleted(deletedBlocks)
	return currentID, nil
}

// DeleteDirectory recursively marks (or unmarks, if undelete) every
// entry under dirID as Deleted, depth-first, then toggles the Deleted
// flag on dirID's own entry in its parent.
func (c *Context) DeleteDirectory(dirID, parentID types.ObjectID, undelete bool) error {
	if c.ReadOnly {
		return storeerrors.New(storeerrors.ErrSessionReadOnly, "storectx: DeleteDirectory on a read-only session")
	}
	dir, err := c.LoadDirectory(dirID)
	if err != nil {
		return err
	}
	for i := range dir.Entries {
		e := &dir.Entries[i]
		if e.Flags.Has(types.FlagDirectory) {
			if err := c.DeleteDirectory(e.ObjectID, dirID, undelete); err != nil {
				return err
			}
		}
		if undelete {
			e.Flags &^= types.FlagDeleted
		} else {
			e.Flags |= types.FlagDeleted
		}
	}
	if err := c.SaveDirectory(dirID, dir); err != nil {
		return err
	}

	if parentID == 0 {
		return nil
	}
	parent, err := c.LoadDirectory(parentID)
	if err != nil {
		return err
	}
	_, idx, ok := parent.FindEntryByID(dirID)
	if !ok {
		return storeerrors.New(storeerrors.ErrDoesNotExistInDirectory, "storectx: directory entry not found in parent")
	}
	if undelete {
		parent.Entries[idx].Flags &^= types.FlagDeleted
	} else {
		parent.Entries[idx].Flags |= types.FlagDeleted
	}
	return c.SaveDirectory(parentID, parent)
}

// MoveObject renames or relocates objectID, either within one directory
// or across two, per spec §4.I.
func (c *Context) MoveObject(objectID, fromDir, toDir types.ObjectID, newClearName string, newEncryptedName []byte, moveAllWithSameName, allowMoveOverDeleted bool) error {
	if c.ReadOnly {
		return storeerrors.New(storeerrors.ErrSessionReadOnly, "storectx: MoveObject on a read-only session")
	}
	if fromDir == toDir {
		dir, err := c.LoadDirectory(fromDir)
		if err != nil {
			return err
		}
		moved, err := renameEntries(dir, objectID, newClearName, newEncryptedName, moveAllWithSameName)
		if err != nil {
			return err
		}
		if moved == 0 {
			return storeerrors.New(storeerrors.ErrDoesNotExistInDirectory, "storectx: move source not found")
		}
		return c.SaveDirectory(fromDir, dir)
	}

	src, err := c.LoadDirectory(fromDir)
	if err != nil {
		return err
	}
	dst, err := c.LoadDirectory(toDir)
	if err != nil {
		return err
	}

	if existing, ok := dst.FindEntry(newClearName, true); ok && existing.Flags.Live() {
		return storeerrors.New(storeerrors.ErrTargetNameExists, "storectx: target name already in use")
	}
	if existing, ok := dst.FindEntry(newClearName, true); ok && !allowMoveOverDeleted && existing.Flags.HasAny(types.FlagDeleted) {
		return storeerrors.New(storeerrors.ErrTargetNameExists, "storectx: target name exists deleted and move-over-deleted is disallowed")
	}

	var toMove []types.DirectoryEntry
	srcEntry, srcIdx, ok := src.FindEntryByID(objectID)
	if !ok {
		return storeerrors.New(storeerrors.ErrDoesNotExistInDirectory, "storectx: move source not found")
	}
	toMove = append(toMove, srcEntry)
	if moveAllWithSameName {
		for _, e := range src.Entries {
			if e.ClearName == srcEntry.ClearName && e.ObjectID != objectID {
				toMove = append(toMove, e)
			}
		}
	}

	var inserted []types.ObjectID
	for _, e := range toMove {
		e.ClearName = newClearName
		e.Name = storedir.NameEncode(types.NameClearText, newEncryptedName)
		if e.Flags.Has(types.FlagDirectory) {
			moved, err := c.LoadDirectory(e.ObjectID)
			if err == nil {
				moved.ContainerID = toDir
				_ = c.SaveDirectory(e.ObjectID, moved)
			}
		}
		dst.AddEntry(e)
		inserted = append(inserted, e.ObjectID)
	}
	if err := c.SaveDirectory(toDir, dst); err != nil {
		for _, id := range inserted {
			if _, idx, ok := dst.FindEntryByID(id); ok {
				dst.RemoveEntry(idx)
			}
		}
		return err
	}

	src.RemoveEntry(srcIdx)
	if moveAllWithSameName {
		for i := 0; i < len(src.Entries); {
			if src.Entries[i].ClearName == srcEntry.ClearName {
				src.RemoveEntry(i)
				continue
			}
			i++
		}
	}
	return c.SaveDirectory(fromDir, src)
}

func renameEntries(dir *storedir.Directory, objectID types.ObjectID, newClearName string, newEncryptedName []byte, moveAll bool) (int, error) {
	entry, _, ok := dir.FindEntryByID(objectID)
	if !ok {
		return 0, nil
	}
	targetName := entry.ClearName
	count := 0
	for i := range dir.Entries {
		e := &dir.Entries[i]
		if e.ObjectID == objectID || (moveAll && e.ClearName == targetName) {
			e.ClearName = newClearName
			e.Name = storedir.NameEncode(types.NameClearText, newEncryptedName)
			count++
		}
	}
	return count, nil
}

// ChangeDirAttributes updates a directory object's own attribute blob.
func (c *Context) ChangeDirAttributes(dirID types.ObjectID, attrs []byte, attrHash uint64, attrModTime time.Time) error {
	if c.ReadOnly {
		return storeerrors.New(storeerrors.ErrSessionReadOnly, "storectx: ChangeDirAttributes on a read-only session")
	}
	dir, err := c.LoadDirectory(dirID)
	if err != nil {
		return err
	}
	dir.Attributes = attrs
	dir.AttrModTime = attrModTime.UnixMicro()
	return c.SaveDirectory(dirID, dir)
}

// ChangeFileAttributes updates one entry's attribute blob within its
// parent directory.
func (c *Context) ChangeFileAttributes(dirID, objectID types.ObjectID, attrs []byte, attrHash uint64) error {
	if c.ReadOnly {
		return storeerrors.New(storeerrors.ErrSessionReadOnly, "storectx: ChangeFileAttributes on a read-only session")
	}
	dir, err := c.LoadDirectory(dirID)
	if err != nil {
		return err
	}
	_, idx, ok := dir.FindEntryByID(objectID)
	if !ok {
		return storeerrors.New(storeerrors.ErrDoesNotExistInDirectory, "storectx: entry not found")
	}
	dir.Entries[idx].Attributes = attrs
	dir.Entries[idx].AttributesHash = attrHash
	return c.SaveDirectory(dirID, dir)
}
