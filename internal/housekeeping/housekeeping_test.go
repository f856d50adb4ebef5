package housekeeping

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldvault/backupstore/internal/accountlock"
	"github.com/coldvault/backupstore/internal/cipher"
	"github.com/coldvault/backupstore/internal/config"
	"github.com/coldvault/backupstore/internal/filecodec"
	"github.com/coldvault/backupstore/internal/ledger"
	"github.com/coldvault/backupstore/internal/raid"
	"github.com/coldvault/backupstore/internal/storectx"
	"github.com/coldvault/backupstore/internal/storedir"
	"github.com/coldvault/backupstore/pkg/logging"
	"github.com/coldvault/backupstore/pkg/types"
)

// newTestAccount bootstraps one account's on-disk store (empty root
// directory) and returns the Account plus a ContextFactory serving a
// fresh Context over it, the same shape a daemon would wire from its
// disc-set and keystore config.
func newTestAccount(t *testing.T, id uint64, softLimit, hardLimit int64) (types.Account, ContextFactory) {
	t.Helper()
	store, err := raid.New(types.DiscSet{Name: "plain", Dirs: []string{t.TempDir()}, BlockSize: 4096})
	require.NoError(t, err)

	root := storedir.New(0)
	data, err := root.Bytes()
	require.NoError(t, err)
	require.NoError(t, store.Write(storectx.ObjectPath(types.RootObjectID), data))

	rootPath := t.TempDir()
	account := types.Account{ID: id, RootPath: rootPath, HardLimitBlocks: hardLimit, SoftLimitBlocks: softLimit}

	factory := func(a types.Account) (*storectx.Context, error) {
		codec := filecodec.NewCodec([]byte("0123456789abcdef"), cipher.KindAES128CBC)
		led := ledger.New(types.AccountInfo{AccountID: a.ID, LastObjectID: types.RootObjectID, HardLimitBlocks: a.HardLimitBlocks, SoftLimitBlocks: a.SoftLimitBlocks})
		return storectx.New(a.ID, a.RootPath, false, store, codec, led, 16), nil
	}
	return account, factory
}

func testScanner(t *testing.T, accounts []types.Account, factory ContextFactory) *Scanner {
	cfg := config.HousekeepingConfig{CandidateCap: 100}
	lockCfg := config.WriteLockConfig{MaxAttempts: 1}
	return NewScanner(accounts, factory, cfg, lockCfg, logging.NewDefault(), 2)
}

func TestRunOnceReclaimsDeletedEntriesOverSoftLimit(t *testing.T) {
	account, factory := newTestAccount(t, 1, 1, 1000)

	// Seed the account directly through a writer Context, outside the
	// Scanner, the way a normal backup session would.
	seedCtx, err := factory(account)
	require.NoError(t, err)
	content := make([]byte, 8192)
	_, err = seedCtx.AddFile(types.RootObjectID, time.Now(), 0, 0, "gone.bin", []byte("enc-gone"), nil, content, func(n int64) int64 { return (n + 4095) / 4096 })
	require.NoError(t, err)
	_, err = seedCtx.DeleteFile(types.RootObjectID, "gone.bin")
	require.NoError(t, err)
	require.NoError(t, seedCtx.Ledger().Save(false, ledger.PersistFunc(seedCtx.Store())))

	infoBefore := seedCtx.Ledger().Info()
	require.Greater(t, infoBefore.BlocksUsed, infoBefore.SoftLimitBlocks, "test setup must actually exceed the soft limit")

	s := testScanner(t, []types.Account{account}, factory)
	err = s.RunOnce(context.Background())
	require.NoError(t, err)

	stats := s.Stats()
	assert.Equal(t, 1, stats.AccountsScanned)
	assert.Equal(t, 0, stats.Errors)
	assert.Greater(t, stats.BlocksFreed, int64(0))

	verifyCtx, err := factory(account)
	require.NoError(t, err)
	dir, err := verifyCtx.LoadDirectory(types.RootObjectID)
	require.NoError(t, err)
	assert.Empty(t, dir.Entries, "the deleted entry should have been reclaimed")
}

func TestRunOnceSkipsAccountHeldByLiveSession(t *testing.T) {
	account, factory := newTestAccount(t, 1, 50, 100)

	live, err := factory(account)
	require.NoError(t, err)
	require.NoError(t, live.AcquireWriteLock(1))
	defer live.ReleaseWriteLock()

	s := testScanner(t, []types.Account{account}, factory)
	err = s.RunOnce(context.Background())
	require.NoError(t, err)

	stats := s.Stats()
	assert.Equal(t, 0, stats.Errors)
	assert.Equal(t, int64(0), stats.BlocksFreed)
}

func TestRunOnceCollectsPerAccountErrorsWithoutAbortingRound(t *testing.T) {
	okAccount, okFactory := newTestAccount(t, 1, 50, 100)
	badAccount := types.Account{ID: 2, RootPath: t.TempDir()}

	factory := func(a types.Account) (*storectx.Context, error) {
		if a.ID == badAccount.ID {
			return nil, assertError{"boom"}
		}
		return okFactory(a)
	}

	s := testScanner(t, []types.Account{okAccount, badAccount}, factory)
	err := s.RunOnce(context.Background())
	assert.Error(t, err)

	stats := s.Stats()
	assert.Equal(t, 2, stats.AccountsScanned)
	assert.Equal(t, 1, stats.Errors)
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }

func TestDispatchYieldsAllHoldersOnTermAndStops(t *testing.T) {
	s := testScanner(t, nil, nil)
	lock := accountlock.New(t.TempDir())
	holder := accountlock.NewHolder(lock, time.Millisecond)
	s.registerHolder(9, &Holder{lock: lock, holder: holder})

	s.dispatch(accountlock.IPCCommand{Kind: 't'})

	time.Sleep(2 * time.Millisecond) // let the limiter's first tick pass
	assert.True(t, holder.ShouldYield(context.Background()))
	assert.True(t, s.isStopped())
}

func TestDispatchReleaseTargetsOnlyNamedAccount(t *testing.T) {
	s := testScanner(t, nil, nil)
	lockA := accountlock.New(t.TempDir())
	lockB := accountlock.New(t.TempDir())
	holderA := accountlock.NewHolder(lockA, time.Millisecond)
	holderB := accountlock.NewHolder(lockB, time.Millisecond)
	s.registerHolder(1, &Holder{lock: lockA, holder: holderA})
	s.registerHolder(2, &Holder{lock: lockB, holder: holderB})

	s.dispatch(accountlock.IPCCommand{Kind: 'r', AccountID: 1})
	time.Sleep(2 * time.Millisecond)

	assert.True(t, holderA.ShouldYield(context.Background()))
	assert.False(t, holderB.ShouldYield(context.Background()))
	assert.False(t, s.isStopped())
}
