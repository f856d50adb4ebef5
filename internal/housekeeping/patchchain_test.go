package housekeeping

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldvault/backupstore/internal/storectx"
	"github.com/coldvault/backupstore/pkg/types"
)

// buildThreeVersionChain lays down three successive versions of the
// same name, each diffed against the one before it, so the directory
// ends up with a tail (v1), middle (v2), and head (v3) link the way
// AddFile's reverse-patch scheme produces them.
func buildThreeVersionChain(t *testing.T, account types.Account, factory ContextFactory) (v1, v2, v3 types.ObjectID) {
	t.Helper()
	ctx, err := factory(account)
	require.NoError(t, err)

	v1, err = ctx.AddFile(types.RootObjectID, time.Now(), 0, 0, "doc.txt", []byte("enc-v1"), nil, []byte("version one"), blocksForBytes)
	require.NoError(t, err)
	v2, err = ctx.AddFile(types.RootObjectID, time.Now(), 0, v1, "doc.txt", []byte("enc-v2"), nil, []byte("version two, longer"), blocksForBytes)
	require.NoError(t, err)
	v3, err = ctx.AddFile(types.RootObjectID, time.Now(), 0, v2, "doc.txt", []byte("enc-v3"), nil, []byte("version three, the longest of them all"), blocksForBytes)
	require.NoError(t, err)
	return v1, v2, v3
}

func TestDeleteEntryHeadCaseCombinesAndPassesVerification(t *testing.T) {
	account, factory := newTestAccount(t, 1, 1, 1<<20)
	_, v2, v3 := buildThreeVersionChain(t, account, factory)

	ctx, err := factory(account)
	require.NoError(t, err)
	dir, err := ctx.LoadDirectory(types.RootObjectID)
	require.NoError(t, err)
	entry, _, ok := dir.FindEntryByID(v3)
	require.True(t, ok)
	require.Equal(t, v2, entry.DependsOlder)
	require.Equal(t, types.ObjectID(0), entry.DependsNewer)

	_, _, err2 := deleteEntry(ctx, types.RootObjectID, v3)
	require.NoError(t, err2)

	dirAfter, err := ctx.LoadDirectory(types.RootObjectID)
	require.NoError(t, err)
	older, _, ok := dirAfter.FindEntryByID(v2)
	require.True(t, ok, "v2 should still be present, now holding the combined whole file")
	assert.Equal(t, types.ObjectID(0), older.DependsNewer)

	full, err := ctx.CombineToFull(v2)
	require.NoError(t, err)
	assert.Equal(t, []byte("version two, longer"), full)
}

func TestDeleteEntryMiddleCaseSplicesAndPassesVerification(t *testing.T) {
	account, factory := newTestAccount(t, 1, 1, 1<<20)
	v1, v2, v3 := buildThreeVersionChain(t, account, factory)

	ctx, err := factory(account)
	require.NoError(t, err)
	dir, err := ctx.LoadDirectory(types.RootObjectID)
	require.NoError(t, err)
	entry, _, ok := dir.FindEntryByID(v2)
	require.True(t, ok)
	require.Equal(t, v1, entry.DependsOlder)
	require.Equal(t, v3, entry.DependsNewer)

	_, _, err2 := deleteEntry(ctx, types.RootObjectID, v2)
	require.NoError(t, err2)

	dirAfter, err := ctx.LoadDirectory(types.RootObjectID)
	require.NoError(t, err)
	older, _, ok := dirAfter.FindEntryByID(v1)
	require.True(t, ok)
	assert.Equal(t, v3, older.DependsNewer)
	newer, _, ok := dirAfter.FindEntryByID(v3)
	require.True(t, ok)
	assert.Equal(t, v1, newer.DependsOlder)

	full, err := ctx.CombineToFull(v3)
	require.NoError(t, err)
	assert.Equal(t, []byte("version three, the longest of them all"), full)
}

func TestVerifyStreamBytesRejectsTruncatedStream(t *testing.T) {
	account, factory := newTestAccount(t, 1, 1, 1<<20)
	ctx, err := factory(account)
	require.NoError(t, err)

	fileID, err := ctx.AddFile(types.RootObjectID, time.Now(), 0, 0, "short.bin", []byte("enc"), nil, []byte("some content bytes"), blocksForBytes)
	require.NoError(t, err)

	data, err := ctx.Store().Read(storectx.ObjectPath(fileID))
	require.NoError(t, err)

	assert.NoError(t, verifyStreamBytes(data))
	assert.Error(t, verifyStreamBytes(data[:len(data)-3]))
}
