package raid

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldvault/backupstore/pkg/types"
)

func mkDirs(t *testing.T, n int) []string {
	t.Helper()
	dirs := make([]string, n)
	for i := range dirs {
		dirs[i] = t.TempDir()
	}
	return dirs
}

func TestUnraidedWriteReadRoundTrip(t *testing.T) {
	set := types.DiscSet{Name: "plain", Dirs: mkDirs(t, 1), BlockSize: 4096}
	store, err := New(set)
	require.NoError(t, err)

	content := []byte("hello unraided world")
	require.NoError(t, store.Write("obj-1", content))

	got, err := store.Read("obj-1")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestRaidedWriteReadRoundTrip(t *testing.T) {
	set := types.DiscSet{Name: "triple", Dirs: mkDirs(t, 3), BlockSize: 4096}
	store, err := New(set)
	require.NoError(t, err)

	content := []byte("a reasonably sized payload that spans both stripes of the raid set nicely")
	require.NoError(t, store.Write("obj-2", content))

	got, err := store.Read("obj-2")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDegradedReadAfterLosingStripe2(t *testing.T) {
	dirs := mkDirs(t, 3)
	set := types.DiscSet{Name: "triple", Dirs: dirs, BlockSize: 4096}
	store, err := New(set)
	require.NoError(t, err)

	content := []byte("degraded mode must reconstruct this exactly, byte for byte, from parity")
	require.NoError(t, store.Write("obj-3", content))

	require.NoError(t, os.Remove(filepath.Join(dirs[1], "obj-3.rf")))

	got, err := store.Read("obj-3")
	require.NoError(t, err)
	assert.Equal(t, content, got)

	_, statErr := os.Stat(filepath.Join(dirs[1], "quarantine"))
	assert.NoError(t, statErr, "expected quarantine directory to be created")
}

func TestDegradedReadAfterLosingStripe1(t *testing.T) {
	dirs := mkDirs(t, 3)
	set := types.DiscSet{Name: "triple", Dirs: dirs, BlockSize: 4096}
	store, err := New(set)
	require.NoError(t, err)

	content := []byte("losing the header-carrying stripe must still reconstruct the length correctly")
	require.NoError(t, store.Write("obj-4", content))

	require.NoError(t, os.Remove(filepath.Join(dirs[0], "obj-4.rf")))

	got, err := store.Read("obj-4")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestReadFailsWhenTwoStripesLost(t *testing.T) {
	dirs := mkDirs(t, 3)
	set := types.DiscSet{Name: "triple", Dirs: dirs, BlockSize: 4096}
	store, err := New(set)
	require.NoError(t, err)

	content := []byte("cannot survive losing two of three stripes")
	require.NoError(t, store.Write("obj-5", content))

	require.NoError(t, os.Remove(filepath.Join(dirs[0], "obj-5.rf")))
	require.NoError(t, os.Remove(filepath.Join(dirs[1], "obj-5.rf")))

	_, err = store.Read("obj-5")
	assert.Error(t, err)
}

func TestRecoverIncompleteWritesRemovesOrphanedTempFiles(t *testing.T) {
	dirs := mkDirs(t, 3)
	set := types.DiscSet{Name: "triple", Dirs: dirs, BlockSize: 4096}

	orphan := filepath.Join(dirs[0], "obj-6.rfw")
	require.NoError(t, os.WriteFile(orphan, []byte("half-written"), 0640))

	require.NoError(t, RecoverIncompleteWrites(set))

	_, err := os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))
}

func TestDeleteRemovesAllStripes(t *testing.T) {
	dirs := mkDirs(t, 3)
	set := types.DiscSet{Name: "triple", Dirs: dirs, BlockSize: 4096}
	store, err := New(set)
	require.NoError(t, err)

	require.NoError(t, store.Write("obj-7", []byte("to be deleted")))
	require.NoError(t, store.Delete("obj-7"))
	assert.False(t, store.Exists("obj-7"))
}

type recordingMirror struct {
	name string
	data []byte
}

func (m *recordingMirror) MirrorAsync(name string, data []byte) {
	m.name = name
	m.data = append([]byte(nil), data...)
}

func TestSetMirrorReceivesCommittedWrites(t *testing.T) {
	set := types.DiscSet{Name: "plain", Dirs: mkDirs(t, 1), BlockSize: 4096}
	store, err := New(set)
	require.NoError(t, err)

	mirror := &recordingMirror{}
	store.SetMirror(mirror)

	content := []byte("mirrored payload")
	require.NoError(t, store.Write("obj-8", content))

	assert.Equal(t, "obj-8", mirror.name)
	assert.Equal(t, content, mirror.data)
}

func TestNilMirrorIsNeverCalled(t *testing.T) {
	set := types.DiscSet{Name: "plain", Dirs: mkDirs(t, 1), BlockSize: 4096}
	store, err := New(set)
	require.NoError(t, err)

	// No SetMirror call: Write must succeed exactly as before.
	require.NoError(t, store.Write("obj-9", []byte("no mirror")))
}
