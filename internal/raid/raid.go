// Package raid implements the striped, redundant on-disk storage layer
// (component B): each stored file lives either as a single plain file
// (an unraided disc set) or as two data stripes plus an XOR parity
// stripe spread across three directories, so that any one stripe can be
// lost and reconstructed from the other two.
//
// Writes land in a ".rfw" temporary name and are only renamed into
// their final ".rf" name once every stripe has synced, so a crash mid
// write never leaves a partially committed file behind;
// RecoverIncompleteWrites sweeps away orphaned temporary files left by a
// crash that happened before commit.
package raid

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/edsrzf/mmap-go"
	"github.com/google/renameio/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	storeerrors "github.com/coldvault/backupstore/pkg/errors"
	"github.com/coldvault/backupstore/pkg/types"
)

const (
	writeExtension     = ".rfw"
	committedExtension = ".rf"
	quarantineDirName  = "quarantine"
	lengthHeaderSize   = 8
)

// Mirror receives a copy of every committed write for off-site
// redundancy. Implementations (internal/raid/clouddisc) must not block
// the caller and must not let a mirror failure affect the local commit.
type Mirror interface {
	MirrorAsync(name string, data []byte)
}

// Store operates on one configured disc set.
type Store struct {
	set    types.DiscSet
	mirror Mirror
}

// New creates a Store bound to set. set.Dirs must have length 1
// (unraided) or 3 (stripe1, stripe2, parity).
func New(set types.DiscSet) (*Store, error) {
	if len(set.Dirs) != 1 && len(set.Dirs) != 3 {
		return nil, storeerrors.New(storeerrors.ErrInvalidConfig, fmt.Sprintf("raid: disc set %q must have 1 or 3 dirs", set.Name))
	}
	return &Store{set: set}, nil
}

// SetMirror attaches an optional cloud mirror. A nil mirror (the
// default) disables off-site copying entirely.
func (s *Store) SetMirror(m Mirror) { s.mirror = m }

func (s *Store) raided() bool { return len(s.set.Dirs) == 3 }

func componentPath(dir, name, ext string) string {
	return filepath.Join(dir, name+ext)
}

// Write stores data under name, replacing any previous committed file
// of the same name only once every stripe has been written and synced.
func (s *Store) Write(name string, data []byte) error {
	var err error
	if s.raided() {
		err = s.writeRaided(name, data)
	} else {
		err = s.writeUnraided(name, data)
	}
	if err == nil && s.mirror != nil {
		s.mirror.MirrorAsync(name, data)
	}
	return err
}

func (s *Store) writeUnraided(name string, data []byte) error {
	dir := s.set.Dirs[0]
	target := componentPath(dir, name, committedExtension)
	return renameio.WriteFile(target, data, 0640)
}

// writeRaided splits data into two equal-length (zero-padded) halves,
// computes an XOR parity stripe, and commits all three via temporary
// ".rfw" names renamed into place only after every write succeeds.
func (s *Store) writeRaided(name string, data []byte) error {
	half := (len(data) + 1) / 2
	stripe1 := make([]byte, half)
	stripe2 := make([]byte, half)
	copy(stripe1, data[:min(half, len(data))])
	if len(data) > half {
		copy(stripe2, data[half:])
	}
	parity := make([]byte, half)
	for i := range parity {
		parity[i] = stripe1[i] ^ stripe2[i]
	}

	header := make([]byte, lengthHeaderSize)
	binary.BigEndian.PutUint64(header, uint64(len(data)))
	stripe1WithHeader := append(append([]byte{}, header...), stripe1...)

	payloads := [][]byte{stripe1WithHeader, stripe2, parity}

	g := new(errgroup.Group)
	for i, dir := range s.set.Dirs {
		i, dir := i, dir
		g.Go(func() error {
			pending, err := renameio.NewPendingFile(componentPath(dir, name, committedExtension),
				renameio.WithTempDir(dir), renameio.WithPermissions(0640))
			if err != nil {
				return fmt.Errorf("raid: open pending stripe %d: %w", i, err)
			}
			defer pending.Cleanup()
			if _, err := pending.Write(payloads[i]); err != nil {
				return fmt.Errorf("raid: write stripe %d: %w", i, err)
			}
			if err := pending.CloseAtomicallyReplace(); err != nil {
				return fmt.Errorf("raid: commit stripe %d: %w", i, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Read retrieves the committed content of name, reconstructing a
// missing or unreadable stripe from the other two when the disc set is
// raided. A stripe that fails to read is quarantined rather than left
// in place, so a future write doesn't silently race a half-written
// replacement against a corrupt survivor.
func (s *Store) Read(name string) ([]byte, error) {
	if !s.raided() {
		return os.ReadFile(componentPath(s.set.Dirs[0], name, committedExtension))
	}
	return s.readRaided(name)
}

func (s *Store) readRaided(name string) ([]byte, error) {
	raw := make([][]byte, 3)
	errs := make([]error, 3)
	for i, dir := range s.set.Dirs {
		data, err := os.ReadFile(componentPath(dir, name, committedExtension))
		raw[i] = data
		errs[i] = err
	}

	missing := 0
	for _, e := range errs {
		if e != nil {
			missing++
		}
	}
	if missing > 1 {
		return nil, storeerrors.New(storeerrors.ErrStorageDegraded,
			fmt.Sprintf("raid: %q unreadable, %d of 3 stripes lost", name, missing)).
			WithContext("multierr", multierr.Combine(errs...).Error())
	}

	if missing == 1 {
		idx := 0
		for i, e := range errs {
			if e != nil {
				idx = i
				s.quarantine(s.set.Dirs[i], name)
			}
		}
		switch idx {
		case 2:
			// Parity lost: both data stripes are intact, nothing to
			// reconstruct for this read.
		case 0:
			// Stripe1 (which carries the length header) is missing;
			// survivor is stripe2, no header offset involved.
			reconstructed, err := reconstructViaMmap(
				componentPath(s.set.Dirs[1], name, committedExtension), 0,
				componentPath(s.set.Dirs[2], name, committedExtension))
			if err != nil {
				return nil, fmt.Errorf("raid: reconstruct stripe %d: %w", idx, err)
			}
			header := make([]byte, lengthHeaderSize)
			binary.BigEndian.PutUint64(header, uint64(len(reconstructed)+len(raw[1])))
			raw[idx] = append(header, reconstructed...)
		case 1:
			// Stripe2 is missing; survivor is stripe1, whose on-disk
			// file carries a length header the parity stripe doesn't,
			// so the header bytes are skipped before XORing.
			reconstructed, err := reconstructViaMmap(
				componentPath(s.set.Dirs[0], name, committedExtension), lengthHeaderSize,
				componentPath(s.set.Dirs[2], name, committedExtension))
			if err != nil {
				return nil, fmt.Errorf("raid: reconstruct stripe %d: %w", idx, err)
			}
			raw[idx] = reconstructed
		}
	}

	stripe1 := raw[0]
	if len(stripe1) < lengthHeaderSize {
		return nil, storeerrors.New(storeerrors.ErrBadBackupStoreFile, "raid: stripe1 missing length header")
	}
	totalLen := binary.BigEndian.Uint64(stripe1[:lengthHeaderSize])
	stripe1 = stripe1[lengthHeaderSize:]
	stripe2 := raw[1]

	out := make([]byte, 0, totalLen)
	out = append(out, stripe1...)
	out = append(out, stripe2...)
	if uint64(len(out)) < totalLen {
		return nil, storeerrors.New(storeerrors.ErrBadBackupStoreFile, "raid: reconstructed data shorter than recorded length")
	}
	return out[:totalLen], nil
}

// reconstructViaMmap is the degraded-mode path: it memory-maps the
// surviving stripe and the parity stripe and XORs them directly out of
// the mapped pages rather than reading both fully into heap buffers
// first, which matters once stripes run into the hundreds of megabytes.
// survivorOffset skips past the length header when the survivor is
// stripe1's on-disk file (the parity stripe carries no such header).
func reconstructViaMmap(survivorPath string, survivorOffset int, parityPath string) ([]byte, error) {
	sf, err := os.Open(survivorPath)
	if err != nil {
		return nil, fmt.Errorf("raid: open survivor: %w", err)
	}
	defer sf.Close()
	pf, err := os.Open(parityPath)
	if err != nil {
		return nil, fmt.Errorf("raid: open parity: %w", err)
	}
	defer pf.Close()

	sMap, err := mmap.Map(sf, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("raid: mmap survivor: %w", err)
	}
	defer sMap.Unmap()
	pMap, err := mmap.Map(pf, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("raid: mmap parity: %w", err)
	}
	defer pMap.Unmap()

	survivor := sMap[survivorOffset:]
	n := len(survivor)
	if len(pMap) < n {
		n = len(pMap)
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = survivor[i] ^ pMap[i]
	}
	return out, nil
}

// quarantine moves an unreadable stripe aside into a per-disc
// "quarantine" subdirectory so a later write doesn't find a corrupt
// leftover where it expects to commit a fresh stripe.
func (s *Store) quarantine(dir, name string) {
	qdir := filepath.Join(dir, quarantineDirName)
	_ = os.MkdirAll(qdir, 0750)
	src := componentPath(dir, name, committedExtension)
	dst := filepath.Join(qdir, name+committedExtension+".quarantined")
	_ = os.Rename(src, dst)
}

// RecoverIncompleteWrites removes, from the top level of every
// directory in the disc set, each file whose name ends in ".rfw" or
// contains ".renameio". Subdirectories are not searched. Committed ".rf"
// files never match, so it only ever cleans up temp files.
func RecoverIncompleteWrites(set types.DiscSet) error {
	var errs []error
	for _, dir := range set.Dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			errs = append(errs, fmt.Errorf("raid: read dir %s: %w", dir, err))
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if strings.HasSuffix(e.Name(), writeExtension) || strings.Contains(e.Name(), ".renameio") {
				_ = os.Remove(filepath.Join(dir, e.Name()))
			}
		}
	}
	return multierr.Combine(errs...)
}

// Delete removes every stripe (or the single plain file) of name.
func (s *Store) Delete(name string) error {
	var errs []error
	for _, dir := range s.set.Dirs {
		p := componentPath(dir, name, committedExtension)
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return multierr.Combine(errs...)
}

// Exists reports whether name has a committed copy in this disc set.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(componentPath(s.set.Dirs[0], name, committedExtension))
	return err == nil
}
