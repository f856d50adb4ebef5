package filecodec

import (
	"bytes"
	"encoding/binary"
	"io"

	storeerrors "github.com/coldvault/backupstore/pkg/errors"
	"github.com/coldvault/backupstore/pkg/types"
)

// streamVerifyState names the stages spec §4.E's streaming verifier
// passes through. Header covers both the stream header and the
// block-index header/entries, since the two are read as one
// self-describing run before any variable-length blob appears.
type streamVerifyState int

const (
	svHeader streamVerifyState = iota
	svFilenameHeader
	svFilename
	svAttributesSize
	svAttributes
	svBlocks
	svDone
)

// StreamVerifier is the streaming counterpart to Verify: it checks the
// same invariants but consumes the stream through sequential Write
// calls instead of requiring it fully buffered first, so a stream
// arriving over the wire can be verified as it lands. Header, index,
// filename and attributes are small and bounded so they're buffered
// whole; the block body is not — only a rolling pair of buffers
// holding the last tailCap bytes is kept, recoverable via Tail()
// after Close.
type StreamVerifier struct {
	state   streamVerifyState
	pending []byte

	otherFileID types.ObjectID
	hasNegative bool
	nameLen     uint32
	attrsLen    uint32

	blocksRemaining int64

	tailCap int
	tailBuf [2][]byte
	tailIdx int

	err error
}

// NewStreamVerifier returns a verifier ready to accept the stream's
// first byte.
func NewStreamVerifier() *StreamVerifier {
	return &StreamVerifier{}
}

func notEnoughData(err error) bool {
	return err == io.EOF || err == io.ErrUnexpectedEOF
}

// Write feeds the next chunk of stream bytes. Once a violated
// invariant is detected every subsequent call returns the same error.
func (v *StreamVerifier) Write(p []byte) (int, error) {
	if v.err != nil {
		return 0, v.err
	}
	total := len(p)
	for {
		switch v.state {
		case svBlocks:
			if len(p) == 0 {
				return total, nil
			}
			n := int64(len(p))
			if n > v.blocksRemaining {
				n = v.blocksRemaining
			}
			v.feedTail(p[:n])
			v.blocksRemaining -= n
			p = p[n:]
			if v.blocksRemaining == 0 {
				v.state = svDone
			}
		case svDone:
			if len(p) == 0 {
				return total, nil
			}
			v.err = storeerrors.New(storeerrors.ErrBadBackupStoreFile, "filecodec: stream has trailing bytes past declared blocks")
			return 0, v.err
		default:
			if len(p) == 0 {
				return total, nil
			}
			v.pending = append(v.pending, p...)
			p = nil
			rest, err := v.advanceBuffered()
			if err != nil {
				v.err = err
				return 0, v.err
			}
			p = rest
		}
	}
}

// advanceBuffered drives the buffered states (everything up to and
// including Attributes) as far forward as the accumulated pending
// bytes allow. It returns any bytes left over once Attributes is
// fully consumed — those are the start of the block body, handled by
// the caller's svBlocks case rather than re-buffered here.
func (v *StreamVerifier) advanceBuffered() ([]byte, error) {
	for {
		switch v.state {
		case svHeader:
			r := bytes.NewReader(v.pending)
			header, otherFileID, _, entries, err := parseHeaderAndIndex(r)
			if err != nil {
				if notEnoughData(err) {
					return nil, nil
				}
				return nil, err
			}
			_ = header
			var sum int64
			hasNegative := false
			for _, e := range entries {
				if e.encodedSize <= 0 {
					hasNegative = true
				} else {
					sum += e.encodedSize
				}
			}
			v.otherFileID = otherFileID
			v.hasNegative = hasNegative
			v.blocksRemaining = sum
			consumed := len(v.pending) - r.Len()
			v.tailCap = consumed
			v.pending = v.pending[consumed:]
			v.state = svFilenameHeader
		case svFilenameHeader:
			if len(v.pending) < 4 {
				return nil, nil
			}
			v.nameLen = binary.BigEndian.Uint32(v.pending[:4])
			v.pending = v.pending[4:]
			v.state = svFilename
		case svFilename:
			if uint32(len(v.pending)) < v.nameLen {
				return nil, nil
			}
			v.pending = v.pending[v.nameLen:]
			v.state = svAttributesSize
		case svAttributesSize:
			if len(v.pending) < 4 {
				return nil, nil
			}
			v.attrsLen = binary.BigEndian.Uint32(v.pending[:4])
			v.pending = v.pending[4:]
			v.state = svAttributes
		case svAttributes:
			if uint32(len(v.pending)) < v.attrsLen {
				return nil, nil
			}
			v.pending = v.pending[v.attrsLen:]
			if err := verifyCommon(v.otherFileID, v.hasNegative); err != nil {
				return nil, err
			}
			rest := v.pending
			v.pending = nil
			v.state = svBlocks
			if v.blocksRemaining == 0 {
				v.state = svDone
			}
			return rest, nil
		default:
			return nil, nil
		}
	}
}

// feedTail copies p into the rolling pair of tail buffers, keeping the
// most recent tailCap bytes of the block body split across the two.
func (v *StreamVerifier) feedTail(p []byte) {
	if v.tailCap == 0 {
		return
	}
	for len(p) > 0 {
		buf := v.tailBuf[v.tailIdx]
		room := v.tailCap - len(buf)
		if room <= 0 {
			v.tailIdx ^= 1
			v.tailBuf[v.tailIdx] = v.tailBuf[v.tailIdx][:0]
			continue
		}
		n := room
		if n > len(p) {
			n = len(p)
		}
		v.tailBuf[v.tailIdx] = append(v.tailBuf[v.tailIdx], p[:n]...)
		p = p[n:]
	}
}

// Tail returns the last (up to tailCap) bytes of the block body
// written so far, assembled from the rolling pair of buffers.
func (v *StreamVerifier) Tail() []byte {
	other := v.tailBuf[v.tailIdx^1]
	out := make([]byte, 0, len(other)+len(v.tailBuf[v.tailIdx]))
	out = append(out, other...)
	out = append(out, v.tailBuf[v.tailIdx]...)
	if v.tailCap > 0 && len(out) > v.tailCap {
		out = out[len(out)-v.tailCap:]
	}
	return out
}

// Close finalizes verification: the stream must have reached Done with
// every declared block byte accounted for. Calling Close before all
// bytes arrived, or on a stream that never made it past the header, is
// reported the same way a short random-access buffer would be.
func (v *StreamVerifier) Close() error {
	if v.err != nil {
		return v.err
	}
	if v.state != svDone {
		return storeerrors.New(storeerrors.ErrBadBackupStoreFile, "filecodec: stream ended before verification completed")
	}
	return nil
}
