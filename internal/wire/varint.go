// Package wire contains the low-level byte-oriented primitives shared by the
// binary block codec and the catalog's on-disk encodings: LEB128-style
// varints and length-prefixed byte strings.
package wire

import (
	"encoding/binary"
	"errors"
)

// ErrShortRead is returned by the varint/varbytes readers when the supplied
// slice does not yet contain a complete value. Callers that are decoding an
// incrementally-filled buffer treat it as "need more bytes", not a protocol
// error.
var ErrShortRead = errors.New("wire: short read")

// PutUvarint appends buf with v encoded as an unsigned LEB128 varint and
// returns the extended slice.
func PutUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

// ReadUvarint decodes an unsigned LEB128 varint from the front of b. It
// returns the value, the number of bytes consumed, and ErrShortRead if b
// does not yet hold a complete varint.
func ReadUvarint(b []byte) (uint64, int, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, 0, ErrShortRead
	}
	return v, n, nil
}

// PutVarbytes appends a varint length prefix followed by p's raw bytes.
func PutVarbytes(buf []byte, p []byte) []byte {
	buf = PutUvarint(buf, uint64(len(p)))
	return append(buf, p...)
}

// ReadVarbytes decodes a length-prefixed byte string from the front of b.
// The returned slice aliases b; callers that retain it across buffer reuse
// must copy.
func ReadVarbytes(b []byte) ([]byte, int, error) {
	l, n, err := ReadUvarint(b)
	if err != nil {
		return nil, 0, err
	}
	if uint64(len(b)-n) < l {
		return nil, 0, ErrShortRead
	}
	return b[n : n+int(l)], n + int(l), nil
}

// UvarintLen returns the number of bytes PutUvarint would write for v.
func UvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
