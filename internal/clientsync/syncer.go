package clientsync

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coldvault/backupstore/internal/checksum"
	"github.com/coldvault/backupstore/internal/cipher"
	"github.com/coldvault/backupstore/internal/filecodec"
	"github.com/coldvault/backupstore/internal/protocol"
	"github.com/coldvault/backupstore/pkg/keystore"
	"github.com/coldvault/backupstore/pkg/logging"
	"github.com/coldvault/backupstore/pkg/types"
)

// Config tunes one sync pass: the settle window that defers uploading a
// just-modified file, the hard cap after which a pending file is pushed
// regardless, the size above which a diff-affinity check is worth its
// round trip, and name-based exclude filters (spec §4.L steps 2, 4).
type Config struct {
	SettleWindow  time.Duration
	MaxWait       time.Duration
	DiffThreshold int64
	Exclude       []string
	MaxConcurrent int
}

// DefaultConfig matches the teacher's habit of shipping workable
// defaults alongside the zero-value struct's field set.
func DefaultConfig() Config {
	return Config{
		SettleWindow:  2 * time.Minute,
		MaxWait:       30 * time.Minute,
		DiffThreshold: 64 * 1024,
		MaxConcurrent: 4,
	}
}

// Syncer drives sync passes for one account connection.
type Syncer struct {
	client *protocol.Client
	keys   *keystore.Keystore
	codec  *filecodec.Codec
	cfg    Config
	log    *logging.Logger
}

// NewSyncer builds a Syncer over an already logged-in client.
func NewSyncer(client *protocol.Client, keys *keystore.Keystore, cfg Config, log *logging.Logger) *Syncer {
	return &Syncer{
		client: client,
		keys:   keys,
		codec:  filecodec.NewCodec(keys.BlockIndexKey, keys.Kind),
		cfg:    cfg,
		log:    log.WithComponent("clientsync"),
	}
}

// serverEntry is one decrypted listing row, keyed by clear name for
// local comparison.
type serverEntry struct {
	objectID  types.ObjectID
	encrypted []byte
	modTime   time.Time
	size      int64
}

// SyncDirectory performs one pass over localPath against rec (spec
// §4.L steps 1-6), recursing into kept subdirectories. inodeMap maps a
// local inode number to the server object it was uploaded as on a
// previous run, for rename detection (step 5); it is read and, for
// newly uploaded files, updated in place so the caller can persist it
// for the next pass.
func (s *Syncer) SyncDirectory(ctx context.Context, localPath string, dirID types.ObjectID, rec *Record, inodeMap map[uint64]types.ObjectID, now time.Time) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return err
	}
	sys := sysStat(info)

	dirEntries, err := os.ReadDir(localPath)
	if err != nil {
		return err
	}

	kept := make([]statEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if s.excluded(de.Name()) {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			continue
		}
		kept = append(kept, statEntry{
			name:      de.Name(),
			isDir:     de.IsDir(),
			size:      fi.Size(),
			modTime:   fi.ModTime(),
			attrMTime: sysStat(fi).ctime,
		})
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].name < kept[j].name })

	dig := newDigester()
	dig.addDirAttributes(info, sys)
	for _, e := range kept {
		dig.addEntry(e)
	}
	digest := dig.sum()

	if digest == rec.ContentChecksum && rec.InitialSyncDone {
		return nil
	}

	serverByName, err := s.fetchServerListing(dirID)
	if err != nil {
		return err
	}

	var files, subdirs []statEntry
	for _, e := range kept {
		if e.isDir {
			subdirs = append(subdirs, e)
		} else {
			files = append(files, e)
		}
	}

	if err := s.syncFiles(ctx, localPath, dirID, files, serverByName, rec, inodeMap, now); err != nil {
		return err
	}

	for _, d := range subdirs {
		child, haveRecord := rec.Children[d.name]

		var childDirID types.ObjectID
		if se, onServer := serverByName[d.name]; onServer {
			childDirID = se.objectID
		} else {
			encName, err := s.encryptName(d.name)
			if err != nil {
				return err
			}
			newID, err := s.client.CreateDirectory(dirID, d.modTime, d.name, encName, nil)
			if err != nil {
				return err
			}
			childDirID = newID
		}

		if !haveRecord {
			child = NewRecord(d.name)
			rec.Children[d.name] = child
		}
		child.ObjectID = childDirID
		if err := s.SyncDirectory(ctx, filepath.Join(localPath, d.name), childDirID, child, inodeMap, now); err != nil {
			return err
		}
	}

	rec.ContentChecksum = digest
	rec.InitialSyncDone = true
	rec.LastSyncDone = true
	return nil
}

func (s *Syncer) fetchServerListing(dirID types.ObjectID) (map[string]serverEntry, error) {
	entries, err := s.client.ListDirectory(dirID, 0, types.FlagDeleted|types.FlagOldVersion)
	if err != nil {
		return nil, err
	}
	out := make(map[string]serverEntry, len(entries))
	for _, e := range entries {
		name, err := s.decryptName(e.Name.Bytes)
		if err != nil {
			continue
		}
		out[name] = serverEntry{objectID: e.ObjectID, encrypted: e.Name.Bytes, modTime: e.ModTime, size: e.SizeInBlocks}
	}
	return out, nil
}

// syncFiles implements steps 3-5 over one directory's kept files,
// running the diff-affinity checks concurrently (spec §2.8: errgroup).
func (s *Syncer) syncFiles(ctx context.Context, localPath string, dirID types.ObjectID, files []statEntry, serverByName map[string]serverEntry, rec *Record, inodeMap map[uint64]types.ObjectID, now time.Time) error {
	type plan struct {
		entry      statEntry
		diffFromID types.ObjectID
		rename     bool
		renameFrom types.ObjectID
	}

	plans := make([]plan, len(files))
	var g errgroup.Group
	if s.cfg.MaxConcurrent > 0 {
		g.SetLimit(s.cfg.MaxConcurrent)
	}

	for i, f := range files {
		i, f := i, f
		sv, onServer := serverByName[f.name]

		if !onServer {
			full := filepath.Join(localPath, f.name)
			fi, err := os.Stat(full)
			if err == nil {
				if ino := sysStat(fi).inode; ino != 0 {
					if prevID, ok := inodeMap[ino]; ok {
						plans[i] = plan{entry: f, rename: true, renameFrom: prevID}
						continue
					}
				}
			}
			plans[i] = plan{entry: f}
			delete(rec.Pending, f.name)
			continue
		}

		recent := now.Sub(f.modTime) < s.cfg.SettleWindow
		firstSeen, pending := rec.Pending[f.name]
		waitedTooLong := pending && now.Sub(firstSeen) > s.cfg.MaxWait
		changed := !sv.modTime.Equal(f.modTime)

		if !recent && !waitedTooLong && !changed {
			continue // unchanged and settled: nothing to do
		}
		if recent && !waitedTooLong {
			if !pending {
				rec.Pending[f.name] = now
			}
			continue
		}
		delete(rec.Pending, f.name)

		if f.size <= s.cfg.DiffThreshold {
			plans[i] = plan{entry: f}
			continue
		}
		full := filepath.Join(localPath, f.name)
		g.Go(func() error {
			diffFrom, err := s.diffAffinity(dirID, full, sv)
			if err != nil {
				return err
			}
			plans[i] = plan{entry: f, diffFromID: diffFrom}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, p := range plans {
		if p.entry.name == "" {
			continue
		}
		full := filepath.Join(localPath, p.entry.name)
		encName, err := s.encryptName(p.entry.name)
		if err != nil {
			return err
		}

		if p.rename {
			if err := s.client.MoveObject(p.renameFrom, dirID, dirID, p.entry.name, encName, false, false); err != nil {
				return err
			}
			continue
		}

		data, err := os.ReadFile(full)
		if err != nil {
			return err
		}
		newID, err := s.client.StoreFile(dirID, p.entry.modTime, 0, p.diffFromID, p.entry.name, encName, bytes.NewReader(data))
		if err != nil {
			return err
		}
		fi, err := os.Stat(full)
		if err == nil && sysStat(fi).inode != 0 {
			inodeMap[sysStat(fi).inode] = newID
		}
	}
	return nil
}

// minAffinityRatio is the fraction of the new file's blocks that must
// strong-match a block of the old file before a diff upload is judged
// worthwhile; below this the two files are treated as unrelated, the
// same call AddFile itself makes when a diff collapses to nothing.
const minAffinityRatio = 0.25

// diffAffinity decides whether uploading newLocalPath against sv's
// existing object is worth linking as a reverse patch: it fetches sv's
// block index, decrypts the entry metadata with the block-index key,
// and checks the new file's bytes in consecutive block-aligned windows
// of the old index's first block size against the old weak and strong
// checksums (run locally since this wire protocol always ships the new
// file's full plaintext rather than a diff recipe — see DESIGN.md); the
// window does not slide, so content shifted by a non-multiple of the
// block size does not match. Returns 0 when the affinity is too low
// to bother, matching AddFile's own "completely different" fallback.
func (s *Syncer) diffAffinity(dirID types.ObjectID, newLocalPath string, sv serverEntry) (types.ObjectID, error) {
	oldID, idx, err := s.client.GetBlockIndexByName(dirID, sv.encrypted)
	if err != nil {
		return 0, err
	}
	oldEntries, err := s.codec.DecodeIndexEntries(idx)
	if err != nil || len(oldEntries) == 0 {
		return 0, nil
	}

	blockSize := int(oldEntries[0].ClearSize)
	if blockSize <= 0 {
		return 0, nil
	}
	byWeak := make(map[uint32][][16]byte, len(oldEntries))
	for _, e := range oldEntries {
		if e.IsPatchEntry() {
			continue
		}
		byWeak[e.WeakChecksum] = append(byWeak[e.WeakChecksum], e.StrongChecksum)
	}

	data, err := os.ReadFile(newLocalPath)
	if err != nil || len(data) < blockSize {
		return 0, nil
	}

	matched, total := 0, 0
	for off := 0; off+blockSize <= len(data); off += blockSize {
		block := data[off : off+blockSize]
		total++
		weak := checksum.NewRolling(block).Checksum()
		strongs, ok := byWeak[weak]
		if !ok {
			continue
		}
		strong := checksum.ComputeStrong(block)
		for _, cand := range strongs {
			if cand == strong {
				matched++
				break
			}
		}
	}
	if total == 0 || float64(matched)/float64(total) < minAffinityRatio {
		return 0, nil
	}
	return oldID, nil
}

func (s *Syncer) excluded(name string) bool {
	for _, pat := range s.cfg.Exclude {
		if ok, _ := filepath.Match(pat, name); ok {
			return true
		}
	}
	return false
}

func (s *Syncer) encryptName(clear string) ([]byte, error) {
	return s.nameCodec().EncryptName(clear)
}

func (s *Syncer) decryptName(blob []byte) (string, error) {
	return s.nameCodec().DecryptName(blob)
}

func (s *Syncer) nameCodec() NameCodec { return NameCodec{keys: s.keys} }

// NameCodec encrypts and decrypts directory-entry names with an
// account's chunk key, reusing the same stream cipher chunk encryption
// uses rather than a dedicated name key: pkg/keystore.Keystore carries
// only ChunkKey and BlockIndexKey, and spec.md does not describe a
// third key for names. It implements internal/fuseview.NameCodec.
type NameCodec struct {
	keys *keystore.Keystore
}

// NewNameCodec builds a NameCodec over an account's keystore.
func NewNameCodec(keys *keystore.Keystore) NameCodec { return NameCodec{keys: keys} }

// EncryptName frames clear as the on-wire encrypted name for a new
// directory entry.
func (c NameCodec) EncryptName(clear string) ([]byte, error) {
	return cipher.Encode(c.keys.Kind, c.keys.ChunkKey, []byte(clear), 1<<30)
}

// DecryptName recovers the clear name from an on-wire encrypted blob.
func (c NameCodec) DecryptName(blob []byte) (string, error) {
	pt, err := cipher.Decode(c.keys.ChunkKey, blob)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
