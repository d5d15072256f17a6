package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// LZ4Algorithm is the one-byte compression-method tag the wire protocol
// recognizes; 0x82 names LZ4 block (not frame) compression.
const LZ4Algorithm byte = 0x82

// MaxCompressedFrameSize bounds both the compressed and raw sizes a
// compressed frame may declare. Frames exceeding it are a protocol
// error, guarding against a hostile size field driving an unbounded
// allocation.
const MaxCompressedFrameSize = 4 * 1024 * 1024

const frameHeaderLen = 16 + 1 + 4 + 4 // hash + algo + compressed_size + raw_size

// CompressFrame wraps body in the compressed-block framing: a 16-byte
// CityHash128 of the header-plus-compressed-body, the 0x82 algorithm tag,
// the compressed and raw sizes, then the LZ4 block.
func CompressFrame(body []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(body))
	out := make([]byte, frameHeaderLen+bound)

	var c lz4.Compressor
	n, err := c.CompressBlock(body, out[frameHeaderLen:])
	if err != nil {
		return nil, fmt.Errorf("wire: lz4 compress: %w", err)
	}
	if n == 0 {
		// Incompressible input: CompressBlock refuses to expand, but the
		// frame format has no "stored" algorithm tag, so emit a literal-only
		// LZ4 block instead. This is also what the canonical compressed
		// empty-block sentinel carries.
		n = literalOnlyBlock(out[frameHeaderLen:], body)
	}
	out = out[:frameHeaderLen+n]

	compressedSize := uint32(1 + 4 + 4 + n) // algo + csz + dsz + lz4 payload
	if int(compressedSize) > MaxCompressedFrameSize || len(body) > MaxCompressedFrameSize {
		return nil, fmt.Errorf("wire: compressed frame exceeds %d bytes", MaxCompressedFrameSize)
	}

	out[16] = LZ4Algorithm
	binary.LittleEndian.PutUint32(out[17:21], compressedSize)
	binary.LittleEndian.PutUint32(out[21:25], uint32(len(body)))

	lo, hi := CityHash128(out[16:])
	binary.LittleEndian.PutUint64(out[0:8], lo)
	binary.LittleEndian.PutUint64(out[8:16], hi)

	return out, nil
}

// literalOnlyBlock writes src into dst as a single LZ4 sequence of bare
// literals with no match part, returning the encoded length. dst must have
// room for lz4.CompressBlockBound(len(src)) bytes, which always covers the
// literal encoding's worst case.
func literalOnlyBlock(dst, src []byte) int {
	n := len(src)
	i := 0
	if n < 15 {
		dst[i] = byte(n) << 4
		i++
	} else {
		dst[i] = 0xf0
		i++
		for r := n - 15; ; r -= 255 {
			if r < 255 {
				dst[i] = byte(r)
				i++
				break
			}
			dst[i] = 255
			i++
		}
	}
	return i + copy(dst[i:], src)
}

// DecompressFrame validates and unwraps a compressed-block frame, returning
// the raw (decompressed) body. It returns ErrShortRead if frame does not yet
// hold a complete frame.
func DecompressFrame(frame []byte) (body []byte, consumed int, err error) {
	if len(frame) < frameHeaderLen {
		return nil, 0, ErrShortRead
	}
	algo := frame[16]
	if algo != LZ4Algorithm {
		return nil, 0, fmt.Errorf("wire: unsupported compression algorithm 0x%02x", algo)
	}
	compressedSize := binary.LittleEndian.Uint32(frame[17:21])
	rawSize := binary.LittleEndian.Uint32(frame[21:25])
	if compressedSize > MaxCompressedFrameSize || rawSize > MaxCompressedFrameSize {
		return nil, 0, fmt.Errorf("wire: compressed frame declares size over %d bytes", MaxCompressedFrameSize)
	}
	total := 16 + int(compressedSize)
	if total < frameHeaderLen {
		return nil, 0, fmt.Errorf("wire: compressed frame size underflows header")
	}
	if len(frame) < total {
		return nil, 0, ErrShortRead
	}

	wantLo, wantHi := CityHash128(frame[16:total])
	gotLo := binary.LittleEndian.Uint64(frame[0:8])
	gotHi := binary.LittleEndian.Uint64(frame[8:16])
	if wantLo != gotLo || wantHi != gotHi {
		return nil, 0, fmt.Errorf("wire: compressed frame hash mismatch")
	}

	lz4Payload := frame[frameHeaderLen:total]
	dst := make([]byte, rawSize)
	n, err := lz4.UncompressBlock(lz4Payload, dst)
	if err != nil {
		return nil, 0, fmt.Errorf("wire: lz4 decompress: %w", err)
	}
	return dst[:n], total, nil
}
