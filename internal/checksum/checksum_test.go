package checksum

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRollingMatchesDirectComputation(t *testing.T) {
	window := []byte("the quick brown fox jumps over the lazy dog....")
	r := NewRolling(window)
	var a, b uint32
	n := uint32(len(window))
	for i, c := range window {
		a += uint32(c)
		b += (n - uint32(i)) * uint32(c)
	}
	direct := (a & 0xffff) | ((b & 0xffff) << 16)
	assert.Equal(t, direct, r.Checksum())
}

func TestRollForwardMatchesRecomputeFromScratch(t *testing.T) {
	data := []byte("abcdefghijklmnopqrstuvwxyzabcdefghijklmnopqrstuvwxyz")
	windowSize := 8

	r := NewRolling(data[:windowSize])
	for start := 1; start+windowSize <= len(data); start++ {
		r.RollForward(data[start-1], data[start+windowSize-1], windowSize)
		want := NewRolling(data[start : start+windowSize])
		assert.Equal(t, want.Checksum(), r.Checksum(), "window starting at %d", start)
	}
}

func TestHashKeyIsUpperComponent(t *testing.T) {
	r := NewRolling([]byte("content-defined chunk boundary"))
	sum := r.Checksum()
	assert.Equal(t, r.HashKey(), ExtractHashKey(sum))
}

func TestComputeStrongIsDeterministic(t *testing.T) {
	a := ComputeStrong([]byte("block data"))
	b := ComputeStrong([]byte("block data"))
	c := ComputeStrong([]byte("different data"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
