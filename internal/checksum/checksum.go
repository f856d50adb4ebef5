// Package checksum implements the two checksums the content-defined file
// codec (component E) uses to find matching blocks between an old and a
// new version of a file: a cheap rolling weak checksum used to scan
// candidate offsets, and an MD5 strong checksum used to confirm a match
// once the weak checksum collides.
//
// The rolling checksum follows the two-component construction described
// in http://rsync.samba.org/tech_report/node3.html: component a is a
// running sum of bytes in the window, component b is a running sum
// weighted by position. Both components are implicitly mod 2^16, so
// RollForward is pure addition/subtraction with uint16 wraparound.
package checksum

import "crypto/md5"

// Rolling is a 32-bit rolling checksum over a sliding window of bytes.
type Rolling struct {
	a, b uint16
}

// NewRolling computes the initial rolling checksum over data.
func NewRolling(data []byte) Rolling {
	var a, b uint16
	n := uint16(len(data))
	for i, c := range data {
		a += uint16(c)
		b += uint16(n-uint16(i)) * uint16(c)
	}
	return Rolling{a: a, b: b}
}

// RollForward advances the window by one byte: startOfBlock is the byte
// leaving the window, lastOfNextBlock is the byte entering it, and
// length is the window size.
func (r *Rolling) RollForward(startOfBlock, lastOfNextBlock byte, length int) {
	r.a -= uint16(startOfBlock)
	r.a += uint16(lastOfNextBlock)
	r.b -= uint16(length) * uint16(startOfBlock)
	r.b += r.a
}

// Checksum returns the full 32-bit checksum: component a in the low 16
// bits, component b in the high 16 bits.
func (r Rolling) Checksum() uint32 {
	return uint32(r.a) | (uint32(r.b) << 16)
}

// HashKey returns the 16-bit component used to index the hash table of
// candidate block offsets (component b, the position-weighted sum).
func (r Rolling) HashKey() uint16 {
	return r.b
}

// ExtractHashKey extracts the hash-table key from a full checksum
// without needing a Rolling value, for looking up entries recorded in
// an on-disk block index.
func ExtractHashKey(sum uint32) uint16 {
	return uint16(sum >> 16)
}

// Strong is the 128-bit MD5 digest used to confirm a block match once
// the rolling checksum has collided, and to fingerprint whole-file
// content state for directory-entry change detection.
type Strong = [16]byte

// ComputeStrong returns the MD5 digest of data.
func ComputeStrong(data []byte) Strong {
	return md5.Sum(data)
}
