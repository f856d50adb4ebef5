// Package housekeeping implements the background reclamation scan
// (component K): per-account write-lock attempts, a recursive
// directory-tree walk that ranks Deleted/OldVersion entries for
// removal, patch-chain surgery on delete, drift correction against the
// info ledger, and an empty-directory collection pass.
//
// The scan is modeled as a process forked once at daemon start (spec
// §4.K); this package is that process's main loop body, independent of
// how the caller actually forks or schedules it. Per-account work runs
// through a bounded goroutine pool (github.com/sourcegraph/conc) so one
// account's panic doesn't take the round down, and per-account errors
// are collected with go.uber.org/multierr rather than aborting the
// round (spec §5: "Housekeeping exceptions are per-account: they log
// and skip to the next account.").
package housekeeping

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"

	"github.com/coldvault/backupstore/internal/accountlock"
	"github.com/coldvault/backupstore/internal/config"
	"github.com/coldvault/backupstore/internal/ledger"
	"github.com/coldvault/backupstore/internal/storectx"
	"github.com/coldvault/backupstore/pkg/logging"
	"github.com/coldvault/backupstore/pkg/types"
)

// ContextFactory opens a writer Context for account, the same shape a
// protocol.AccountResolver builds for a session, but without a live
// client connection driving it. Assembling the concrete factory (disc
// set lookup, keystore load, cache sizing) is daemon wiring, out of
// this package's scope; see DESIGN.md.
type ContextFactory func(account types.Account) (*storectx.Context, error)

// Scanner runs one housekeeping process: repeated rounds over a fixed
// account list, cooperating with live sessions through the account-lock
// IPC channel.
type Scanner struct {
	accounts   []types.Account
	openCtx    ContextFactory
	cfg        config.HousekeepingConfig
	lockCfg    config.WriteLockConfig
	log        *logging.Logger
	maxWorkers int

	mu      sync.Mutex
	holders map[uint64]*Holder
	ipc     *accountlock.IPCServer
	stopped bool

	statsMu sync.RWMutex
	stats   Stats
}

// Stats summarizes the most recently completed round, for a monitoring
// sidecar (pkg/status, pkg/metrics) to expose without reaching into the
// Scanner's internals.
type Stats struct {
	LastRunAt       time.Time
	LastRunDuration time.Duration
	AccountsScanned int
	BlocksFreed     int64
	Errors          int
}

// Stats returns a copy of the most recently completed round's summary.
func (s *Scanner) Stats() Stats {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return s.stats
}

// Holder pairs an account's lock holder with the Lock it wraps, so a
// round can both poll for yield requests and release the lock when it
// finishes or yields early.
type Holder struct {
	lock   *accountlock.Lock
	holder *accountlock.Holder
}

// NewScanner builds a Scanner over accounts, using openCtx to acquire a
// writer Context per account per round. maxWorkers bounds the
// concurrent per-account scan pool; zero picks a small default.
func NewScanner(accounts []types.Account, openCtx ContextFactory, cfg config.HousekeepingConfig, lockCfg config.WriteLockConfig, log *logging.Logger, maxWorkers int) *Scanner {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	return &Scanner{
		accounts:   accounts,
		openCtx:    openCtx,
		cfg:        cfg,
		lockCfg:    lockCfg,
		log:        log.WithComponent("housekeeping"),
		maxWorkers: maxWorkers,
		holders:    make(map[uint64]*Holder),
	}
}

// ListenIPC opens the housekeeping control socket at socketPath and
// wires its commands to this Scanner's active holders: "release account
// N" yields that one account early; HUP and TERM yield every account
// currently held, and TERM additionally stops the Scanner from starting
// further rounds (spec §4.K step 9).
func (s *Scanner) ListenIPC(socketPath string) error {
	ipc, err := accountlock.ListenIPC(socketPath, s.dispatch)
	if err != nil {
		return err
	}
	s.ipc = ipc
	return nil
}

// Close shuts down the IPC listener, if one was started.
func (s *Scanner) Close() error {
	if s.ipc == nil {
		return nil
	}
	return s.ipc.Close()
}

func (s *Scanner) dispatch(cmd accountlock.IPCCommand) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch cmd.Kind {
	case 'h', 't':
		for _, h := range s.holders {
			h.holder.RequestYield()
		}
		if cmd.Kind == 't' {
			s.stopped = true
		}
	case 'r':
		if h, ok := s.holders[cmd.AccountID]; ok {
			h.holder.RequestYield()
		}
	}
}

func (s *Scanner) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Scanner) registerHolder(accountID uint64, h *Holder) {
	s.mu.Lock()
	s.holders[accountID] = h
	s.mu.Unlock()
	if s.ipc != nil {
		s.ipc.Register(accountID, h.holder)
	}
}

func (s *Scanner) unregisterHolder(accountID uint64) {
	s.mu.Lock()
	delete(s.holders, accountID)
	s.mu.Unlock()
}

// Run drives the main loop: one round every cfg.Interval, until ctx is
// canceled or a TERM arrives over the IPC channel.
func (s *Scanner) Run(ctx context.Context) error {
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Error("housekeeping round failed", map[string]interface{}{"error": err.Error()})
		}
		if s.isStopped() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// RunOnce performs a single round over every configured account,
// skipping accounts whose write lock is held by a live session and
// logging-and-continuing on any other per-account error.
func (s *Scanner) RunOnce(ctx context.Context) error {
	start := time.Now()
	p := pool.New().WithMaxGoroutines(s.maxWorkers)
	var mu sync.Mutex
	var combined error
	var totalFreed int64
	var errCount int

	for _, account := range s.accounts {
		account := account
		p.Go(func() {
			var catcher panics.Catcher
			catcher.Try(func() {
				freed, err := s.scanAccount(ctx, account)
				mu.Lock()
				totalFreed += freed
				mu.Unlock()
				if err != nil {
					mu.Lock()
					combined = multierr.Append(combined, err)
					errCount++
					mu.Unlock()
					s.log.Warn("account scan failed", map[string]interface{}{
						"account_id": account.ID,
						"error":      err.Error(),
					})
				}
			})
			if r := catcher.Recovered(); r != nil {
				mu.Lock()
				combined = multierr.Append(combined, r.AsError())
				errCount++
				mu.Unlock()
				s.log.Error("account scan panicked", map[string]interface{}{
					"account_id": account.ID,
					"panic":      r.Value,
				})
			}
		})
	}
	p.Wait()

	s.statsMu.Lock()
	s.stats = Stats{
		LastRunAt:       start,
		LastRunDuration: time.Since(start),
		AccountsScanned: len(s.accounts),
		BlocksFreed:     totalFreed,
		Errors:          errCount,
	}
	s.statsMu.Unlock()

	return combined
}

// scanAccount is one account's round: lock, load, scan, correct,
// reclaim, yield-aware throughout. It returns the number of blocks
// freed by this round's deletions alongside any error, for Stats.
func (s *Scanner) scanAccount(ctx context.Context, account types.Account) (int64, error) {
	sctx, err := s.openCtx(account)
	if err != nil {
		return 0, err
	}

	maxAttempts := s.lockCfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if err := sctx.AcquireWriteLock(maxAttempts); err != nil {
		s.log.Debug("account locked by a live session, skipping this round", map[string]interface{}{"account_id": account.ID})
		return 0, nil
	}
	lock := accountlock.New(account.RootPath)
	pollInterval := s.cfg.IPCPollInterval
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	holder := &Holder{lock: lock, holder: accountlock.NewHolder(lock, pollInterval)}
	s.registerHolder(account.ID, holder)
	defer func() {
		s.unregisterHolder(account.ID)
		_ = sctx.ReleaseWriteLock()
	}()

	info := sctx.Ledger().Info()
	target := info.BlocksUsed - info.SoftLimitBlocks
	if target < 0 {
		target = 0
	}

	capacity := s.candidateCap()
	scan, err := s.walkTree(ctx, sctx, holder.holder, true, capacity)
	if err != nil {
		return 0, err
	}
	if scan.yielded {
		return 0, nil
	}

	if scan.blocksUsed != info.BlocksUsed ||
		scan.blocksInOldFiles != info.BlocksInOldFiles ||
		scan.blocksInDeleted != info.BlocksInDeleted ||
		scan.blocksInDirs != info.BlocksInDirs {
		s.log.Info("ledger drift corrected", map[string]interface{}{
			"account_id":  account.ID,
			"blocks_used": scan.blocksUsed,
			"was":         info.BlocksUsed,
		})
		sctx.Ledger().CorrectAllUsedValues(scan.blocksUsed, scan.blocksInOldFiles, scan.blocksInDeleted, scan.blocksInDirs)
		target = scan.blocksUsed - info.SoftLimitBlocks
		if target < 0 {
			target = 0
		}
	}

	var freed int64
	var emptyDirs []types.ObjectID
	for id := range scan.touchedDirs {
		emptyDirs = append(emptyDirs, id)
	}
	for freed < target {
		if holder.holder.ShouldYield(ctx) {
			break
		}
		c, ok := scan.candidates.popBest()
		if !ok {
			break
		}
		delta, emptied, err := deleteEntry(sctx, c.dirID, c.objectID)
		if err != nil {
			s.log.Warn("candidate deletion failed", map[string]interface{}{
				"account_id": account.ID,
				"object_id":  uint64(c.objectID),
				"error":      err.Error(),
			})
			continue
		}
		freed += delta
		if emptied {
			emptyDirs = append(emptyDirs, c.dirID)
		}
	}

	if err := purgeEmptyDirectories(sctx, emptyDirs); err != nil {
		return freed, err
	}

	final, err := s.walkTree(ctx, sctx, holder.holder, false, capacity)
	if err != nil {
		return freed, err
	}
	if !final.yielded {
		sctx.Ledger().CorrectAllUsedValues(final.blocksUsed, final.blocksInOldFiles, final.blocksInDeleted, final.blocksInDirs)
	}

	return freed, sctx.Ledger().Save(false, ledger.PersistFunc(sctx.Store()))
}

func (s *Scanner) candidateCap() int {
	if s.cfg.CandidateCap > 0 {
		return s.cfg.CandidateCap
	}
	return 10000
}
