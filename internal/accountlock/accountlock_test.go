package accountlock

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldvault/backupstore/pkg/errors"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)
	require.NoError(t, l.Acquire(context.Background(), 3))
	require.NoError(t, l.Release())
}

func TestAcquireFailsWhenAlreadyHeld(t *testing.T) {
	dir := t.TempDir()
	first := New(dir)
	require.NoError(t, first.Acquire(context.Background(), 3))
	defer first.Release()

	second := New(dir)
	err := second.Acquire(context.Background(), 2)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCannotLockStoreForWriting, errors.CodeOf(err))
}

func TestParseIPCCommand(t *testing.T) {
	cmd, err := ParseIPCCommand("h")
	require.NoError(t, err)
	assert.Equal(t, byte('h'), cmd.Kind)

	cmd, err = ParseIPCCommand("r2a")
	require.NoError(t, err)
	assert.Equal(t, byte('r'), cmd.Kind)
	assert.Equal(t, uint64(0x2a), cmd.AccountID)

	_, err = ParseIPCCommand("")
	assert.Error(t, err)

	_, err = ParseIPCCommand("z")
	assert.Error(t, err)
}

func TestHolderShouldYieldAfterRequest(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)
	require.NoError(t, l.Acquire(context.Background(), 1))
	defer l.Release()

	h := NewHolder(l, time.Millisecond)
	assert.False(t, h.ShouldYield(context.Background()))

	h.RequestYield()
	time.Sleep(2 * time.Millisecond)
	assert.True(t, h.ShouldYield(context.Background()))
}

func TestIPCServerDispatchesReleaseToRegisteredHolder(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)
	require.NoError(t, l.Acquire(context.Background(), 1))
	defer l.Release()

	h := NewHolder(l, time.Millisecond)

	socketPath := filepath.Join(t.TempDir(), "ipc.sock")
	srv, err := ListenIPC(socketPath, nil)
	require.NoError(t, err)
	defer srv.Close()
	srv.Register(7, h)

	go srv.Serve()

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	_, err = conn.Write([]byte("r7\n"))
	require.NoError(t, err)
	conn.Close()

	time.Sleep(20 * time.Millisecond)
	assert.True(t, h.ShouldYield(context.Background()))
}
