package clientsync

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldvault/backupstore/internal/cipher"
	"github.com/coldvault/backupstore/pkg/keystore"
)

func testKeystore() *keystore.Keystore {
	return &keystore.Keystore{
		ChunkKey:      []byte("0123456789abcdef"),
		BlockIndexKey: []byte("fedcba9876543210"),
		Kind:          cipher.KindAES128CBC,
	}
}

func TestNameCodecEncryptDecryptRoundTrip(t *testing.T) {
	c := NewNameCodec(testKeystore())

	encrypted, err := c.EncryptName("photos/2020/holiday.jpg")
	require.NoError(t, err)
	assert.NotContains(t, string(encrypted), "holiday")

	clear, err := c.DecryptName(encrypted)
	require.NoError(t, err)
	assert.Equal(t, "photos/2020/holiday.jpg", clear)
}

func TestNameCodecDistinctNamesEncryptDifferently(t *testing.T) {
	c := NewNameCodec(testKeystore())

	a, err := c.EncryptName("a")
	require.NoError(t, err)
	b, err := c.EncryptName("b")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSyncerExcludedMatchesGlobPatterns(t *testing.T) {
	s := &Syncer{cfg: Config{Exclude: []string{"*.tmp", ".git"}}}

	assert.True(t, s.excluded("scratch.tmp"))
	assert.True(t, s.excluded(".git"))
	assert.False(t, s.excluded("notes.txt"))
}

func TestDigesterIsOrderSensitiveAndDeterministic(t *testing.T) {
	entryA := statEntry{name: "a", size: 10, modTime: time.Unix(1, 0), attrMTime: time.Unix(1, 0)}
	entryB := statEntry{name: "b", size: 20, modTime: time.Unix(2, 0), attrMTime: time.Unix(2, 0)}

	d1 := newDigester()
	d1.addEntry(entryA)
	d1.addEntry(entryB)
	sum1 := d1.sum()

	d2 := newDigester()
	d2.addEntry(entryA)
	d2.addEntry(entryB)
	sum2 := d2.sum()
	assert.Equal(t, sum1, sum2, "identical entry sequences must digest identically")

	d3 := newDigester()
	d3.addEntry(entryB)
	d3.addEntry(entryA)
	sum3 := d3.sum()
	assert.NotEqual(t, sum1, sum3, "entry order must affect the digest")
}

func TestDigesterChangesWhenDirAttributesChange(t *testing.T) {
	dir := t.TempDir()
	info, err := os.Stat(dir)
	require.NoError(t, err)
	sys := sysStat(info)

	d1 := newDigester()
	d1.addDirAttributes(info, sys)
	sum1 := d1.sum()

	sys.uid++
	d2 := newDigester()
	d2.addDirAttributes(info, sys)
	sum2 := d2.sum()
	assert.NotEqual(t, sum1, sum2)
}
