package protocol

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldvault/backupstore/internal/cipher"
	"github.com/coldvault/backupstore/internal/filecodec"
	"github.com/coldvault/backupstore/internal/ledger"
	"github.com/coldvault/backupstore/internal/raid"
	"github.com/coldvault/backupstore/internal/storectx"
	"github.com/coldvault/backupstore/internal/storedir"
	"github.com/coldvault/backupstore/pkg/logging"
	"github.com/coldvault/backupstore/pkg/types"
)

// testServer bootstraps one account's Context on disk and runs a
// Session over one end of a net.Pipe, returning a logged-in Client on
// the other end. The session runs in its own goroutine for the life of
// the test, same as a real accepted connection.
func testServer(t *testing.T, readOnly bool) *Client {
	t.Helper()

	store, err := raid.New(types.DiscSet{Name: "plain", Dirs: []string{t.TempDir()}, BlockSize: 4096})
	require.NoError(t, err)

	root := storedir.New(0)
	data, err := root.Bytes()
	require.NoError(t, err)
	require.NoError(t, store.Write(storectx.ObjectPath(types.RootObjectID), data))

	codec := filecodec.NewCodec([]byte("0123456789abcdef"), cipher.KindAES128CBC)
	led := ledger.New(types.AccountInfo{AccountID: 42, LastObjectID: types.RootObjectID, HardLimitBlocks: 1 << 20, SoftLimitBlocks: 1 << 19})
	ctx := storectx.New(42, t.TempDir(), readOnly, store, codec, led, 16)

	resolve := func(accountID uint64, wantReadOnly bool) (*storectx.Context, error) {
		return ctx, nil
	}

	serverConn, clientConn := net.Pipe()
	session := NewSession(serverConn, resolve, logging.NewDefault())
	go func() { _ = session.Run() }()

	client, err := NewClient(clientConn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = client.Login(42, readOnly)
	require.NoError(t, err)
	return client
}

func TestClientLoginReportsLedgerUsage(t *testing.T) {
	client := testServer(t, false)
	usage, err := client.GetAccountUsage()
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.BlocksUsed)
	assert.Equal(t, int64(1<<20), usage.HardLimitBlocks)
}

func TestClientStoreFileThenGetFileRoundTrips(t *testing.T) {
	client := testServer(t, false)
	content := []byte("this is the plaintext of a freshly backed-up file")

	newID, err := client.StoreFile(types.RootObjectID, time.Now(), 0, 0, "report.txt", []byte("enc-report"), bytes.NewReader(content))
	require.NoError(t, err)
	assert.NotZero(t, newID)

	got, err := client.GetFile(types.RootObjectID, newID)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestClientGetFileRejectsObjectOutsideDirectory(t *testing.T) {
	client := testServer(t, false)

	subDirID, err := client.CreateDirectory(types.RootObjectID, time.Now(), "sub", []byte("enc-sub"), nil)
	require.NoError(t, err)

	fileID, err := client.StoreFile(types.RootObjectID, time.Now(), 0, 0, "top.txt", []byte("enc-top"), bytes.NewReader([]byte("data")))
	require.NoError(t, err)

	_, err = client.GetFile(subDirID, fileID)
	assert.Error(t, err, "a file must only be fetchable through the directory it actually lives in")
}

func TestClientListDirectorySeesUploadedEntries(t *testing.T) {
	client := testServer(t, false)

	_, err := client.StoreFile(types.RootObjectID, time.Now(), 0, 0, "a.txt", []byte("enc-a"), bytes.NewReader([]byte("a")))
	require.NoError(t, err)
	_, err = client.CreateDirectory(types.RootObjectID, time.Now(), "dir", []byte("enc-dir"), nil)
	require.NoError(t, err)

	entries, err := client.ListDirectory(types.RootObjectID, 0, types.FlagDeleted|types.FlagOldVersion)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestClientLoginReadOnlyRejectsStoreFile(t *testing.T) {
	client := testServer(t, true)
	_, err := client.StoreFile(types.RootObjectID, time.Now(), 0, 0, "nope.txt", []byte("enc"), bytes.NewReader([]byte("x")))
	assert.Error(t, err)
}
