// Package protocol implements the store server's protocol state machine
// (component J): a version handshake, login, then a fixed command set
// dispatched over a length-prefixed, typed-opcode framing (spec §6,
// §4.J). Commands that carry or return bulk data (StoreFile's upload,
// the various Get*/ListDirectory replies) attach a length-prefixed
// chunked stream immediately after the reply frame.
package protocol

import (
	"encoding/binary"
	"io"

	storeerrors "github.com/coldvault/backupstore/pkg/errors"
)

// maxFrameSize bounds a single command/reply frame so a corrupt or
// hostile peer can't force an unbounded allocation.
const maxFrameSize = 64 << 20

// writeFrame writes one length-prefixed, opcode-tagged frame: [4-byte
// length of opcode+payload][1-byte opcode][payload].
func writeFrame(w io.Writer, opcode byte, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)+1))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write([]byte{opcode}); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one frame and returns its opcode and payload.
func readFrame(r io.Reader) (byte, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return 0, nil, storeerrors.New(storeerrors.ErrBadBackupStoreFile, "protocol: zero-length frame")
	}
	if n > maxFrameSize {
		return 0, nil, storeerrors.New(storeerrors.ErrBadBackupStoreFile, "protocol: frame exceeds maximum size")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, err
	}
	return buf[0], buf[1:], nil
}

// writeStream attaches a length-prefixed chunked body immediately after
// a reply frame: a sequence of [4-byte chunk length][chunk bytes]
// entries, terminated by a zero-length chunk (spec §6: "framed by
// length-prefixed chunks").
func writeStream(w io.Writer, r io.Reader) error {
	buf := make([]byte, 64*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			var lenBuf [4]byte
			binary.BigEndian.PutUint32(lenBuf[:], uint32(n))
			if _, werr := w.Write(lenBuf[:]); werr != nil {
				return werr
			}
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			var zero [4]byte
			_, werr := w.Write(zero[:])
			return werr
		}
		if err != nil {
			return err
		}
	}
}

// readStream reads a chunked stream body into a single buffer. Callers
// needing incremental processing of very large uploads would read
// chunk-by-chunk instead; the file codec's in-memory API makes buffering
// the simpler and sufficient choice here.
func readStream(r io.Reader, maxSize int64) ([]byte, error) {
	var out []byte
	var total int64
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, err
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 {
			return out, nil
		}
		total += int64(n)
		if total > maxSize {
			return nil, storeerrors.New(storeerrors.ErrBadBackupStoreFile, "protocol: stream exceeds maximum size")
		}
		chunk := make([]byte, n)
		if _, err := io.ReadFull(r, chunk); err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
}

func writeUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeInt64(w io.Writer, v int64) error { return writeUint64(w, uint64(v)) }

func writeBlob(w io.Writer, b []byte) error {
	if err := writeUint32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func writeString(w io.Writer, s string) error { return writeBlob(w, []byte(s)) }

type byteReader struct {
	b []byte
}

func (r *byteReader) readUint32() (uint32, error) {
	if len(r.b) < 4 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint32(r.b[:4])
	r.b = r.b[4:]
	return v, nil
}

func (r *byteReader) readUint64() (uint64, error) {
	if len(r.b) < 8 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint64(r.b[:8])
	r.b = r.b[8:]
	return v, nil
}

func (r *byteReader) readInt64() (int64, error) {
	v, err := r.readUint64()
	return int64(v), err
}

func (r *byteReader) readByte() (byte, error) {
	if len(r.b) < 1 {
		return 0, io.ErrUnexpectedEOF
	}
	v := r.b[0]
	r.b = r.b[1:]
	return v, nil
}

func (r *byteReader) readBlob() ([]byte, error) {
	n, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	if uint32(len(r.b)) < n {
		return nil, io.ErrUnexpectedEOF
	}
	v := r.b[:n]
	r.b = r.b[n:]
	return v, nil
}

func (r *byteReader) readString() (string, error) {
	b, err := r.readBlob()
	return string(b), err
}
