package storedir

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldvault/backupstore/pkg/types"
)

func sampleEntry(id types.ObjectID, name string) types.DirectoryEntry {
	return types.DirectoryEntry{
		Name:           types.EncodedName{Encoding: types.NameClearText, Bytes: []byte(name)},
		ClearName:      name,
		ObjectID:       id,
		ModTime:        time.Unix(1700000000, 0),
		SizeInBlocks:   4,
		Flags:          types.FlagFile,
		AttributesHash: 0xdeadbeef,
		Attributes:     []byte("attrs"),
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	d := New(types.RootObjectID)
	d.Attributes = []byte("root attrs")
	d.AddEntry(sampleEntry(2, "report.pdf"))
	d.AddEntry(sampleEntry(3, "photos"))

	data, err := d.Bytes()
	require.NoError(t, err)

	back, err := FromBytes(data)
	require.NoError(t, err)

	assert.Equal(t, d.ContainerID, back.ContainerID)
	assert.Equal(t, d.Attributes, back.Attributes)
	require.Len(t, back.Entries, 2)
	assert.Equal(t, "report.pdf", back.Entries[0].ClearName)
	assert.Equal(t, types.ObjectID(3), back.Entries[1].ObjectID)
}

func TestFindEntrySkipsDeletedByDefault(t *testing.T) {
	d := New(types.RootObjectID)
	live := sampleEntry(2, "alive.txt")
	deleted := sampleEntry(3, "gone.txt")
	deleted.Flags |= types.FlagDeleted
	d.AddEntry(live)
	d.AddEntry(deleted)

	_, ok := d.FindEntry("gone.txt", false)
	assert.False(t, ok)

	_, ok = d.FindEntry("gone.txt", true)
	assert.True(t, ok)

	_, ok = d.FindEntry("alive.txt", false)
	assert.True(t, ok)
}

func TestRemoveEntry(t *testing.T) {
	d := New(types.RootObjectID)
	d.AddEntry(sampleEntry(2, "a"))
	d.AddEntry(sampleEntry(3, "b"))
	d.AddEntry(sampleEntry(4, "c"))

	_, idx, ok := d.FindEntryByID(3)
	require.True(t, ok)
	d.RemoveEntry(idx)

	require.Len(t, d.Entries, 2)
	assert.NotEqual(t, types.ObjectID(3), d.Entries[0].ObjectID)
	assert.NotEqual(t, types.ObjectID(3), d.Entries[1].ObjectID)
}

func TestDeserializeRejectsBadMagic(t *testing.T) {
	_, err := FromBytes([]byte{0, 0, 0, 0, 0, 0, 0, 0})
	assert.Error(t, err)
}
