package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

const (
	version   byte = 1
	kindEntry byte = 1

	header = 4 + 1 + 1 + 8 + 8 + 8 + 4
)

var (
	ErrCorrupt = errors.New("fetchcache: corrupt entry")
	magic4     = [...]byte{'F', 'C', 'H', 'E'}
)

// Frame is the decoded form of a stored entry. Payload aliases the input buffer.
type Frame struct {
	Gen       uint64
	FetchedAt time.Time
	ExpiresAt time.Time
	Payload   []byte
}

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Entry: magic(4) | ver(1) | kind(1=entry) | gen(u64 be) | fetchedAt(i64 be, unix nanos)
// | expiresAt(i64 be, unix nanos) | vlen(u32 be) | payload(vlen)
func EncodeEntry(f Frame) []byte {
	var buf bytes.Buffer
	buf.Grow(header + len(f.Payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindEntry)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], f.Gen)
	buf.Write(u8[:])

	binary.BigEndian.PutUint64(u8[:], uint64(f.FetchedAt.UnixNano()))
	buf.Write(u8[:])

	binary.BigEndian.PutUint64(u8[:], uint64(f.ExpiresAt.UnixNano()))
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(f.Payload)))
	buf.Write(u4[:])

	buf.Write(f.Payload)
	return buf.Bytes()
}

// DecodeEntry parses an entry frame. Frames with a bad header, a truncated
// payload, or trailing bytes are rejected with ErrCorrupt.
func DecodeEntry(b []byte) (Frame, error) {
	if len(b) < header || !hasMagic(b) || b[4] != version || b[5] != kindEntry {
		return Frame{}, ErrCorrupt
	}

	off := 6

	gen := binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	fetched := int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	expires := int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off {
		return Frame{}, ErrCorrupt
	}

	return Frame{
		Gen:       gen,
		FetchedAt: time.Unix(0, fetched),
		ExpiresAt: time.Unix(0, expires),
		Payload:   b[off : off+vlen],
	}, nil
}
