// Package iostream provides the byte-stream abstractions the file
// codec (component E) and RAID layer (component B) build on: a uniform
// read/seek/close surface, and a read-only gather stream that
// reassembles a logical stream out of blocks taken from several
// underlying sources without copying them into one buffer up front.
//
// Gather is the Go counterpart of
// original_source/lib/common/ReadGatherStream.h: a sequence of
// (component, length, optional-seek) blocks read from a fixed set of
// component readers, used to synthesize a combined file stream from an
// unmodified-block reference into the old file's stream plus new
// literal data, without materializing the whole result in memory.
package iostream

import (
	"fmt"
	"io"

	"github.com/orcaman/writerseeker"
)

// ReadSeekCloser is the minimal interface the codec needs from an
// on-disk or in-memory stream.
type ReadSeekCloser interface {
	io.Reader
	io.Seeker
	io.Closer
}

// block describes one span of a gathered stream: Length bytes read
// from component Component, optionally after seeking it to SeekTo
// first.
type block struct {
	component int
	length    int64
	seek      bool
	seekTo    int64
}

// Gather assembles a read-only stream out of named component readers,
// addressed by blocks added with AddBlock. Components must implement
// io.ReaderAt so that non-sequential blocks (the "Seek" case) don't
// disturb blocks from other components interleaved with them.
type Gather struct {
	components []io.ReaderAt
	blocks     []block
	totalSize  int64

	pos          int64
	blockIdx     int
	posInBlock   int64
}

// NewGather creates an empty Gather stream.
func NewGather() *Gather {
	return &Gather{}
}

// AddComponent registers a component reader and returns its index for
// use with AddBlock.
func (g *Gather) AddComponent(r io.ReaderAt) int {
	g.components = append(g.components, r)
	return len(g.components) - 1
}

// AddBlock appends a block of length bytes read from component,
// starting at offset seekTo. The seek flag is recorded but not
// consulted: Gather keeps no per-component position between blocks and
// always reads via ReadAt at seekTo, so a block that continues where
// the previous one on the same component ended passes that offset as
// seekTo.
func (g *Gather) AddBlock(component int, length int64, seek bool, seekTo int64) {
	g.blocks = append(g.blocks, block{component: component, length: length, seek: seek, seekTo: seekTo})
	g.totalSize += length
}

// BytesLeftToRead returns how many bytes remain unread in the stream.
func (g *Gather) BytesLeftToRead() int64 {
	return g.totalSize - g.pos
}

// Read implements io.Reader by walking the block list, issuing ReadAt
// calls against each block's component at its recorded offset plus
// however far into the block the previous Read left off.
func (g *Gather) Read(p []byte) (int, error) {
	if g.pos >= g.totalSize {
		return 0, io.EOF
	}
	total := 0
	for total < len(p) && g.blockIdx < len(g.blocks) {
		b := g.blocks[g.blockIdx]
		remaining := b.length - g.posInBlock
		if remaining <= 0 {
			g.blockIdx++
			g.posInBlock = 0
			continue
		}
		want := int64(len(p) - total)
		if want > remaining {
			want = remaining
		}
		offset := b.seekTo + g.posInBlock
		n, err := g.components[b.component].ReadAt(p[total:int64(total)+want], offset)
		total += n
		g.posInBlock += int64(n)
		g.pos += int64(n)
		if err != nil && err != io.EOF {
			return total, fmt.Errorf("iostream: gather read component %d at %d: %w", b.component, offset, err)
		}
		if n == 0 && err == io.EOF {
			return total, fmt.Errorf("iostream: gather component %d exhausted before block boundary", b.component)
		}
	}
	if total == 0 {
		return 0, io.EOF
	}
	return total, nil
}

// Buffer is an in-memory write target for assembled streams that need
// to be built up incrementally and then read back.
type Buffer struct {
	ws writerseeker.WriterSeeker
}

// NewBuffer creates an empty in-memory write/read buffer.
func NewBuffer() *Buffer { return &Buffer{} }

// Write appends to the buffer.
func (b *Buffer) Write(p []byte) (int, error) { return b.ws.Write(p) }

// Reader returns a reader positioned at the start of everything written
// so far.
func (b *Buffer) Reader() io.Reader { return b.ws.Reader() }

// BytesCounter wraps a reader or writer and counts bytes passed
// through it, for stream-length bookkeeping during encode/decode.
type BytesCounter struct {
	R     io.Reader
	W     io.Writer
	Count int64
}

func (c *BytesCounter) Read(p []byte) (int, error) {
	n, err := c.R.Read(p)
	c.Count += int64(n)
	return n, err
}

func (c *BytesCounter) Write(p []byte) (int, error) {
	n, err := c.W.Write(p)
	c.Count += int64(n)
	return n, err
}
