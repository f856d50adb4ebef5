// Package keystore loads the already-provisioned cipher key material
// the chunk cipher (component D) and file codec (component E) need.
// Key management lifecycle — generation, rotation, distribution — is an
// explicit non-goal (spec §1); this package only loads a key set a
// provisioning step has already written to disk.
package keystore

import (
	"encoding/hex"
	"os"
	"strings"

	"github.com/coldvault/backupstore/internal/cipher"
	storeerrors "github.com/coldvault/backupstore/pkg/errors"
)

// Keystore holds the keys the codec needs: one for chunk bodies, a
// second, distinct key for block-index entry metadata (spec §4.D: "a
// different key" from the chunk key), and the preferred cipher kind for
// newly encoded data.
type Keystore struct {
	ChunkKey      []byte
	BlockIndexKey []byte
	Kind          cipher.Kind
}

// parseLine parses one line of the key file, a minimal line-oriented
// format: "chunk_key=<hex>", "block_index_key=<hex>",
// "cipher=<aes128-cbc|blowfish-cbc>", one per line, blank lines and
// comments starting with '#' ignored.
func parseLine(line string) (key, value string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	parts := strings.SplitN(line, "=", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), true
}

// Load reads a key set from path.
func Load(path string) (*Keystore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, storeerrors.Wrap(storeerrors.ErrInvalidConfig, err, "keystore: read key file")
	}
	ks := &Keystore{Kind: cipher.KindAES128CBC}
	for _, line := range strings.Split(string(data), "\n") {
		k, v, ok := parseLine(line)
		if !ok {
			continue
		}
		switch k {
		case "chunk_key":
			b, err := hex.DecodeString(v)
			if err != nil {
				return nil, storeerrors.Wrap(storeerrors.ErrInvalidConfig, err, "keystore: decode chunk_key")
			}
			ks.ChunkKey = b
		case "block_index_key":
			b, err := hex.DecodeString(v)
			if err != nil {
				return nil, storeerrors.Wrap(storeerrors.ErrInvalidConfig, err, "keystore: decode block_index_key")
			}
			ks.BlockIndexKey = b
		case "cipher":
			switch v {
			case "aes128-cbc":
				ks.Kind = cipher.KindAES128CBC
			case "blowfish-cbc":
				ks.Kind = cipher.KindBlowfishCBC
			default:
				return nil, storeerrors.New(storeerrors.ErrInvalidConfig, "keystore: unknown cipher "+v)
			}
		}
	}
	if err := ks.Validate(); err != nil {
		return nil, err
	}
	return ks, nil
}

// Validate checks that both keys are present and that they differ. Key
// lengths are not checked against the selected cipher.
func (ks *Keystore) Validate() error {
	if len(ks.ChunkKey) == 0 {
		return storeerrors.New(storeerrors.ErrInvalidConfig, "keystore: missing chunk_key")
	}
	if len(ks.BlockIndexKey) == 0 {
		return storeerrors.New(storeerrors.ErrInvalidConfig, "keystore: missing block_index_key")
	}
	if bytesEqual(ks.ChunkKey, ks.BlockIndexKey) {
		return storeerrors.New(storeerrors.ErrInvalidConfig, "keystore: chunk_key and block_index_key must differ")
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
