// Package cipher implements the on-disk/on-wire chunk framing used by
// the file codec (component E): a one-byte header, an initialization
// vector, and the ciphertext. The header's low bit flags whether the
// plaintext was flate-compressed before encryption; the remaining bits
// select the cipher.
//
// Two ciphers are supported: AES-128-CBC, the default for new chunks,
// and Blowfish-CBC, kept for decoding chunks written by older stores
// that predate the AES rollout. Block-index entries use a third,
// deterministic IV derived from a per-file base plus the absolute block
// number, so that re-encrypting an unchanged block during a diff
// produces byte-identical ciphertext.
package cipher

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"golang.org/x/crypto/blowfish"

	storeerrors "github.com/coldvault/backupstore/pkg/errors"
)

// Kind identifies the block cipher used to frame a chunk.
type Kind uint8

const (
	// KindAES128CBC is the default cipher for newly written chunks:
	// AES with a 128-bit key and block size, CBC mode.
	KindAES128CBC Kind = 1
	// KindBlowfishCBC is kept for decoding legacy chunks: Blowfish has
	// a 64-bit block size, CBC mode.
	KindBlowfishCBC Kind = 2
)

const (
	flagCompressed byte = 0x01
	kindShift           = 1
)

func (k Kind) blockSize() int {
	switch k {
	case KindAES128CBC:
		return aes.BlockSize
	case KindBlowfishCBC:
		return blowfish.BlockSize
	default:
		return 0
	}
}

func newBlockCipher(kind Kind, key []byte) (cipher.Block, error) {
	switch kind {
	case KindAES128CBC:
		return aes.NewCipher(key)
	case KindBlowfishCBC:
		return blowfish.NewCipher(key)
	default:
		return nil, storeerrors.New(storeerrors.ErrInternal, fmt.Sprintf("cipher: unknown kind %d", kind))
	}
}

// defaultCompressMinBytes is the compression threshold used when the
// caller passes compressMinBytes <= 0: plaintexts shorter than the
// threshold are never compressed, since the flate header overhead isn't
// worth it on tiny chunks.
const defaultCompressMinBytes = 256

// Chunk holds a frame's header byte, IV, and ciphertext together with
// what it takes to reconstruct the plaintext.
type Chunk struct {
	Kind       Kind
	Compressed bool
	IV         []byte
	Ciphertext []byte
}

// Encode optionally flate-compresses plaintext, pads it (PKCS#7),
// encrypts it with a freshly generated random IV, and returns the framed
// [header][iv][ciphertext] byte stream.
func Encode(kind Kind, key, plaintext []byte, compressMinBytes int) ([]byte, error) {
	iv := make([]byte, kind.blockSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("cipher: generate iv: %w", err)
	}
	return encodeWithIV(kind, key, iv, plaintext, compressMinBytes)
}

// EncodeDeterministic encrypts plaintext with an explicit IV, as used
// for block-index entries where the IV must be derived from the file's
// IV base plus the block number rather than drawn from crypto/rand.
func EncodeDeterministic(kind Kind, key, iv, plaintext []byte, compressMinBytes int) ([]byte, error) {
	return encodeWithIV(kind, key, iv, plaintext, compressMinBytes)
}

func encodeWithIV(kind Kind, key, iv, plaintext []byte, compressMinBytes int) ([]byte, error) {
	if compressMinBytes <= 0 {
		compressMinBytes = defaultCompressMinBytes
	}

	body := plaintext
	compressed := false
	if len(plaintext) >= compressMinBytes {
		var buf bytes.Buffer
		fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, fmt.Errorf("cipher: flate writer: %w", err)
		}
		if _, err := fw.Write(plaintext); err != nil {
			return nil, fmt.Errorf("cipher: flate write: %w", err)
		}
		if err := fw.Close(); err != nil {
			return nil, fmt.Errorf("cipher: flate close: %w", err)
		}
		if buf.Len() < len(plaintext) {
			body = buf.Bytes()
			compressed = true
		}
	}

	block, err := newBlockCipher(kind, key)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(body, block.BlockSize())

	ciphertext := make([]byte, len(padded))
	mode := cipher.NewCBCEncrypter(block, iv)
	mode.CryptBlocks(ciphertext, padded)

	header := byte(kind) << kindShift
	if compressed {
		header |= flagCompressed
	}

	out := make([]byte, 0, 1+len(iv)+len(ciphertext))
	out = append(out, header)
	out = append(out, iv...)
	out = append(out, ciphertext...)
	return out, nil
}

// Decode parses a framed chunk and returns its plaintext.
func Decode(key []byte, framed []byte) ([]byte, error) {
	c, err := Parse(framed)
	if err != nil {
		return nil, err
	}
	return c.Decrypt(key)
}

// Parse splits a framed chunk into its header fields without
// decrypting, so the caller can look up the right key for Kind first.
func Parse(framed []byte) (Chunk, error) {
	if len(framed) < 1 {
		return Chunk{}, storeerrors.New(storeerrors.ErrBadBackupStoreFile, "cipher: empty chunk frame")
	}
	header := framed[0]
	kind := Kind(header >> kindShift)
	bs := kind.blockSize()
	if bs == 0 {
		return Chunk{}, storeerrors.New(storeerrors.ErrBadBackupStoreFile, fmt.Sprintf("cipher: unknown cipher kind %d in frame", kind))
	}
	if len(framed) < 1+bs {
		return Chunk{}, storeerrors.New(storeerrors.ErrBadBackupStoreFile, "cipher: chunk frame shorter than iv")
	}
	return Chunk{
		Kind:       kind,
		Compressed: header&flagCompressed != 0,
		IV:         framed[1 : 1+bs],
		Ciphertext: framed[1+bs:],
	}, nil
}

// Decrypt reverses Encode given the already-parsed header fields.
func (c Chunk) Decrypt(key []byte) ([]byte, error) {
	block, err := newBlockCipher(c.Kind, key)
	if err != nil {
		return nil, err
	}
	if len(c.Ciphertext)%block.BlockSize() != 0 {
		return nil, storeerrors.New(storeerrors.ErrBadBackupStoreFile, "cipher: ciphertext not a multiple of block size")
	}
	plain := make([]byte, len(c.Ciphertext))
	mode := cipher.NewCBCDecrypter(block, c.IV)
	mode.CryptBlocks(plain, c.Ciphertext)

	unpadded, err := pkcs7Unpad(plain, block.BlockSize())
	if err != nil {
		return nil, err
	}

	if !c.Compressed {
		return unpadded, nil
	}
	fr := flate.NewReader(bytes.NewReader(unpadded))
	defer fr.Close()
	out, err := io.ReadAll(fr)
	if err != nil {
		return nil, storeerrors.Wrap(storeerrors.ErrBadBackupStoreFile, err, "cipher: inflate failed")
	}
	return out, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - (len(data) % blockSize)
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte{}, data...), padding...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, storeerrors.New(storeerrors.ErrBadBackupStoreFile, "cipher: invalid padded length")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, storeerrors.New(storeerrors.ErrBadBackupStoreFile, "cipher: invalid pkcs7 padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, storeerrors.New(storeerrors.ErrBadBackupStoreFile, "cipher: corrupt pkcs7 padding")
		}
	}
	return data[:len(data)-padLen], nil
}

// BlockIndexIV derives the deterministic IV for block-index entry
// number blockNumber (0-based, absolute across the whole file), given
// the file's IV base. For a 128-bit block cipher the high 8 bytes carry
// the base and the low 8 bytes carry base+blockNumber; for a 64-bit
// block cipher the whole IV is base+blockNumber. Both are big-endian.
func BlockIndexIV(kind Kind, ivBase uint64, blockNumber uint64) []byte {
	var buf [16]byte
	if kind.blockSize() == 8 {
		binary.BigEndian.PutUint64(buf[0:8], ivBase+blockNumber)
		return buf[:8]
	}
	binary.BigEndian.PutUint64(buf[0:8], ivBase)
	binary.BigEndian.PutUint64(buf[8:16], ivBase+blockNumber)
	return buf[:kind.blockSize()]
}
