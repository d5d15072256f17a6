package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// LowCardinality serialization-flags bits (see the LowCardinality payload
// rules below); the index-type nibble occupies the low byte.
const (
	lcFlagGlobalDictionary = 1 << 8
	lcFlagAdditionalKey    = 1 << 9
)

// ColumnChunk is the in-memory form of one decoded (or to-be-encoded)
// column within a Block. Data holds the row-major fixed-width payload (or,
// for String, the concatenated raw bytes); OffsetMap, NullMap and the
// LowCardinality dictionary fields are populated only for the type kinds
// that carry them.
type ColumnChunk struct {
	Name string
	Type ColumnType

	RowCount int

	NullMap []byte // len == RowCount, one flag byte per row; Nullable only

	Data      []byte   // fixed-width rows, FixedString rows, or String's concatenated bytes
	OffsetMap []uint64 // len == RowCount+1; String only

	LCDict    [][]byte // LowCardinality(String) only
	LCIndices []byte   // raw LE index bytes, width per len(LCDict)
}

// indexWidth returns the dictionary index byte width LowCardinality uses for
// a dictionary of the given size: u8 below 256 entries, u16 below 65536, and
// so on up to u64.
func indexWidth(dictLen int) int {
	switch {
	case dictLen < 1<<8:
		return 1
	case dictLen < 1<<16:
		return 2
	case dictLen < 1<<32:
		return 4
	default:
		return 8
	}
}

func indexTypeNibble(width int) uint64 {
	switch width {
	case 1:
		return 0
	case 2:
		return 1
	case 4:
		return 2
	default:
		return 3
	}
}

// BlockInfo carries the BlockInfo key-value pairs preceding a block's
// column list: whether it is an overflow bucket of a two-level GROUP BY,
// and which bucket number.
type BlockInfo struct {
	IsOverflows bool
	Bucket      int32
}

// Block is the decoded form of one wire-format data packet body.
type Block struct {
	Info    BlockInfo
	NumRows int
	Columns []ColumnChunk
}

// Encode serializes b into the uncompressed wire body: info_kv* terminator,
// ncols/nrows varints, then each column's header and payload.
func Encode(b *Block) ([]byte, error) {
	buf := make([]byte, 0, 64)

	buf = PutUvarint(buf, 1)
	if b.Info.IsOverflows {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = PutUvarint(buf, 2)
	var bucketBytes [4]byte
	binary.LittleEndian.PutUint32(bucketBytes[:], uint32(b.Info.Bucket))
	buf = append(buf, bucketBytes[:]...)
	buf = PutUvarint(buf, 0)

	buf = PutUvarint(buf, uint64(len(b.Columns)))
	buf = PutUvarint(buf, uint64(b.NumRows))

	for i := range b.Columns {
		col := &b.Columns[i]
		if col.RowCount != b.NumRows {
			return nil, fmt.Errorf("wire: column %q has %d rows, block declares %d", col.Name, col.RowCount, b.NumRows)
		}
		buf = PutVarbytes(buf, []byte(col.Name))
		buf = PutVarbytes(buf, []byte(col.Type.Text))

		var err error
		buf, err = encodeColumnPayload(buf, col)
		if err != nil {
			return nil, fmt.Errorf("wire: column %q: %w", col.Name, err)
		}
	}

	return buf, nil
}

func encodeColumnPayload(buf []byte, col *ColumnChunk) ([]byte, error) {
	t := col.Type

	if t.Kind == KindNullable {
		if len(col.NullMap) != col.RowCount {
			return nil, fmt.Errorf("null map length %d != row count %d", len(col.NullMap), col.RowCount)
		}
		buf = append(buf, col.NullMap...)
		inner := *t.Inner
		innerCol := ColumnChunk{Name: col.Name, Type: inner, RowCount: col.RowCount, Data: col.Data, OffsetMap: col.OffsetMap}
		return encodeColumnPayload(buf, &innerCol)
	}

	switch t.Kind {
	case KindFixed, KindFixedString:
		want := col.RowCount * t.Size
		if len(col.Data) != want {
			return nil, fmt.Errorf("fixed payload length %d != expected %d", len(col.Data), want)
		}
		return append(buf, col.Data...), nil

	case KindString:
		if len(col.OffsetMap) != col.RowCount+1 {
			return nil, fmt.Errorf("string offset map has %d entries, want %d", len(col.OffsetMap), col.RowCount+1)
		}
		for i := 0; i < col.RowCount; i++ {
			start, end := col.OffsetMap[i], col.OffsetMap[i+1]
			if end < start || int(end) > len(col.Data) {
				return nil, fmt.Errorf("string offset map out of range at row %d", i)
			}
			buf = PutVarbytes(buf, col.Data[start:end])
		}
		return buf, nil

	case KindLowCardinality:
		width := indexWidth(len(col.LCDict))
		if len(col.LCIndices) != col.RowCount*width {
			return nil, fmt.Errorf("lowcardinality index bytes length %d != rowcount*width %d", len(col.LCIndices), col.RowCount*width)
		}
		var scratch [8]byte
		binary.LittleEndian.PutUint64(scratch[:], 1)
		buf = append(buf, scratch[:]...) // version

		flags := uint64(lcFlagAdditionalKey) | indexTypeNibble(width)
		binary.LittleEndian.PutUint64(scratch[:], flags)
		buf = append(buf, scratch[:]...)

		binary.LittleEndian.PutUint64(scratch[:], uint64(len(col.LCDict)))
		buf = append(buf, scratch[:]...)
		for _, entry := range col.LCDict {
			buf = PutVarbytes(buf, entry)
		}

		binary.LittleEndian.PutUint64(scratch[:], uint64(col.RowCount))
		buf = append(buf, scratch[:]...)
		buf = append(buf, col.LCIndices...)
		return buf, nil

	default:
		return nil, fmt.Errorf("unsupported type kind for %q", t.Text)
	}
}

// Decode parses a complete uncompressed wire body in one shot. It is a thin
// wrapper over Decoder for callers (tests, and any path that already has
// the whole body buffered) that don't need incremental feeding.
func Decode(body []byte) (*Block, error) {
	d := &Decoder{}
	n, err := d.Feed(body)
	if err != nil {
		return nil, err
	}
	if !d.Done() {
		return nil, fmt.Errorf("wire: trailing data or incomplete block (consumed %d of %d bytes)", n, len(body))
	}
	return d.Block(), nil
}

type decodeState int

const (
	stateBlockInfo decodeState = iota
	stateColumnHeader
	stateColumnPayload
	stateDone
)

// Decoder incrementally decodes one uncompressed wire body, suspending at
// byte boundaries when the input slice runs out and resuming on the next
// Feed call with a larger slice. It never partially mutates its column
// list: a column is appended only once its payload is fully parsed.
type Decoder struct {
	state decodeState
	blk   Block

	ncols int

	curName     string
	curTypeText string
	curType     ColumnType
}

// Done reports whether decoding has finished.
func (d *Decoder) Done() bool { return d.state == stateDone }

// Block returns the decoded block. Valid only once Done() is true.
func (d *Decoder) Block() *Block { return &d.blk }

// Feed advances the decoder using b, the not-yet-consumed bytes received
// so far. It returns the number of bytes consumed; the caller must drop
// that prefix before the next Feed, since the decoder's own state has
// moved past it. A return of (0, nil) before Done means more bytes are
// required.
func (d *Decoder) Feed(b []byte) (int, error) {
	total := 0
	for d.state != stateDone {
		n, err := d.step(b[total:])
		if err == ErrShortRead {
			return total, nil
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
		total += n
	}
	return total, nil
}

func (d *Decoder) step(b []byte) (int, error) {
	switch d.state {
	case stateBlockInfo:
		return d.stepBlockInfo(b)
	case stateColumnHeader:
		return d.stepColumnHeader(b)
	case stateColumnPayload:
		return d.stepColumnPayload(b)
	default:
		return 0, nil
	}
}

func (d *Decoder) stepBlockInfo(b []byte) (int, error) {
	off := 0
	for {
		tag, n, err := ReadUvarint(b[off:])
		if err != nil {
			return 0, err
		}
		consumed := off + n
		switch tag {
		case 0:
			off = consumed
			ncolsV, n2, err := ReadUvarint(b[off:])
			if err != nil {
				return 0, err
			}
			off += n2
			nrowsV, n3, err := ReadUvarint(b[off:])
			if err != nil {
				return 0, err
			}
			off += n3
			d.ncols = int(ncolsV)
			d.blk.NumRows = int(nrowsV)
			d.blk.Columns = make([]ColumnChunk, 0, d.ncols)
			if d.ncols == 0 {
				d.state = stateDone
			} else {
				d.state = stateColumnHeader
			}
			return off, nil
		case 1:
			if len(b) < consumed+1 {
				return 0, ErrShortRead
			}
			d.blk.Info.IsOverflows = b[consumed] != 0
			off = consumed + 1
		case 2:
			if len(b) < consumed+4 {
				return 0, ErrShortRead
			}
			d.blk.Info.Bucket = int32(binary.LittleEndian.Uint32(b[consumed : consumed+4]))
			off = consumed + 4
		default:
			return 0, fmt.Errorf("wire: unknown block-info tag %d with no declared length", tag)
		}
	}
}

func (d *Decoder) stepColumnHeader(b []byte) (int, error) {
	name, n1, err := ReadVarbytes(b)
	if err != nil {
		return 0, err
	}
	typeText, n2, err := ReadVarbytes(b[n1:])
	if err != nil {
		return 0, err
	}
	t, err := ParseType(string(typeText))
	if err != nil {
		return 0, err
	}
	d.curName = string(name)
	d.curTypeText = string(typeText)
	d.curType = t
	d.state = stateColumnPayload
	return n1 + n2, nil
}

func (d *Decoder) stepColumnPayload(b []byte) (int, error) {
	col, n, err := decodeColumnPayload(b, d.curName, d.curType, d.blk.NumRows)
	if err != nil {
		return 0, err
	}
	d.blk.Columns = append(d.blk.Columns, col)
	if len(d.blk.Columns) == d.ncols {
		d.state = stateDone
	} else {
		d.state = stateColumnHeader
	}
	return n, nil
}

func decodeColumnPayload(b []byte, name string, t ColumnType, nrows int) (ColumnChunk, int, error) {
	if t.Kind == KindNullable {
		if len(b) < nrows {
			return ColumnChunk{}, 0, ErrShortRead
		}
		nullMap := make([]byte, nrows)
		copy(nullMap, b[:nrows])

		inner, n, err := decodeColumnPayload(b[nrows:], name, *t.Inner, nrows)
		if err != nil {
			return ColumnChunk{}, 0, err
		}
		inner.Type = t
		inner.NullMap = nullMap
		return inner, nrows + n, nil
	}

	switch t.Kind {
	case KindFixed, KindFixedString:
		need := nrows * t.Size
		if len(b) < need {
			return ColumnChunk{}, 0, ErrShortRead
		}
		data := make([]byte, need)
		copy(data, b[:need])
		return ColumnChunk{Name: name, Type: t, RowCount: nrows, Data: data}, need, nil

	case KindString:
		off := 0
		data := make([]byte, 0, nrows*8)
		offsets := make([]uint64, nrows+1)
		for i := 0; i < nrows; i++ {
			s, n, err := ReadVarbytes(b[off:])
			if err != nil {
				return ColumnChunk{}, 0, err
			}
			offsets[i] = uint64(len(data))
			data = append(data, s...)
			off += n
		}
		offsets[nrows] = uint64(len(data))
		return ColumnChunk{Name: name, Type: t, RowCount: nrows, Data: data, OffsetMap: offsets}, off, nil

	case KindLowCardinality:
		return decodeLowCardinality(b, name, t, nrows)

	default:
		return ColumnChunk{}, 0, fmt.Errorf("wire: unsupported type kind for %q", t.Text)
	}
}

func decodeLowCardinality(b []byte, name string, t ColumnType, nrows int) (ColumnChunk, int, error) {
	if len(b) < 24 {
		return ColumnChunk{}, 0, ErrShortRead
	}
	version := binary.LittleEndian.Uint64(b[0:8])
	if version != 1 {
		return ColumnChunk{}, 0, fmt.Errorf("lowcardinality: unsupported version %d", version)
	}
	flags := binary.LittleEndian.Uint64(b[8:16])
	if flags&lcFlagGlobalDictionary != 0 {
		return ColumnChunk{}, 0, fmt.Errorf("lowcardinality: GLOBAL_DICTIONARY unsupported")
	}
	if flags&lcFlagAdditionalKey == 0 {
		return ColumnChunk{}, 0, fmt.Errorf("lowcardinality: ADDITIONAL_KEY must be set")
	}
	width := [...]int{1, 2, 4, 8}[flags&0x3]

	dictLen := binary.LittleEndian.Uint64(b[16:24])
	off := 24
	dict := make([][]byte, 0, dictLen)
	for i := uint64(0); i < dictLen; i++ {
		entry, n, err := ReadVarbytes(b[off:])
		if err != nil {
			return ColumnChunk{}, 0, err
		}
		cp := make([]byte, len(entry))
		copy(cp, entry)
		dict = append(dict, cp)
		off += n
	}

	if len(b) < off+8 {
		return ColumnChunk{}, 0, ErrShortRead
	}
	rowCount := binary.LittleEndian.Uint64(b[off : off+8])
	if int(rowCount) != nrows {
		return ColumnChunk{}, 0, fmt.Errorf("lowcardinality: row count %d != block nrows %d", rowCount, nrows)
	}
	off += 8

	idxBytes := nrows * width
	if len(b) < off+idxBytes {
		return ColumnChunk{}, 0, ErrShortRead
	}
	indices := make([]byte, idxBytes)
	copy(indices, b[off:off+idxBytes])
	off += idxBytes

	return ColumnChunk{
		Name: name, Type: t, RowCount: nrows,
		LCDict: dict, LCIndices: indices,
	}, off, nil
}

// ReadBlock decodes one uncompressed block body from a buffered stream,
// consuming exactly the block's bytes and no more. It is the blocking
// counterpart to Decoder for callers that own the connection's reader and
// must leave any following packet's bytes untouched.
func ReadBlock(r *bufio.Reader) (*Block, error) {
	blk := &Block{}
	for {
		tag, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		if tag == 0 {
			break
		}
		switch tag {
		case 1:
			b, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			blk.Info.IsOverflows = b != 0
		case 2:
			var buf [4]byte
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return nil, err
			}
			blk.Info.Bucket = int32(binary.LittleEndian.Uint32(buf[:]))
		default:
			return nil, fmt.Errorf("wire: unknown block-info tag %d with no declared length", tag)
		}
	}

	ncols, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	nrows, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	blk.NumRows = int(nrows)
	blk.Columns = make([]ColumnChunk, 0, ncols)

	for i := uint64(0); i < ncols; i++ {
		name, err := readVarbytesFrom(r)
		if err != nil {
			return nil, err
		}
		typeText, err := readVarbytesFrom(r)
		if err != nil {
			return nil, err
		}
		t, err := ParseType(string(typeText))
		if err != nil {
			return nil, err
		}
		col, err := readColumnPayloadFrom(r, string(name), t, blk.NumRows)
		if err != nil {
			return nil, fmt.Errorf("wire: column %q: %w", name, err)
		}
		blk.Columns = append(blk.Columns, col)
	}
	return blk, nil
}

func readVarbytesFrom(r *bufio.Reader) ([]byte, error) {
	l, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, l)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readColumnPayloadFrom(r *bufio.Reader, name string, t ColumnType, nrows int) (ColumnChunk, error) {
	if t.Kind == KindNullable {
		nullMap := make([]byte, nrows)
		if _, err := io.ReadFull(r, nullMap); err != nil {
			return ColumnChunk{}, err
		}
		inner, err := readColumnPayloadFrom(r, name, *t.Inner, nrows)
		if err != nil {
			return ColumnChunk{}, err
		}
		inner.Type = t
		inner.NullMap = nullMap
		return inner, nil
	}

	switch t.Kind {
	case KindFixed, KindFixedString:
		data := make([]byte, nrows*t.Size)
		if _, err := io.ReadFull(r, data); err != nil {
			return ColumnChunk{}, err
		}
		return ColumnChunk{Name: name, Type: t, RowCount: nrows, Data: data}, nil

	case KindString:
		data := make([]byte, 0, nrows*8)
		offsets := make([]uint64, nrows+1)
		for i := 0; i < nrows; i++ {
			s, err := readVarbytesFrom(r)
			if err != nil {
				return ColumnChunk{}, err
			}
			offsets[i] = uint64(len(data))
			data = append(data, s...)
		}
		offsets[nrows] = uint64(len(data))
		return ColumnChunk{Name: name, Type: t, RowCount: nrows, Data: data, OffsetMap: offsets}, nil

	case KindLowCardinality:
		var head [24]byte
		if _, err := io.ReadFull(r, head[:]); err != nil {
			return ColumnChunk{}, err
		}
		version := binary.LittleEndian.Uint64(head[0:8])
		if version != 1 {
			return ColumnChunk{}, fmt.Errorf("lowcardinality: unsupported version %d", version)
		}
		flags := binary.LittleEndian.Uint64(head[8:16])
		if flags&lcFlagGlobalDictionary != 0 {
			return ColumnChunk{}, fmt.Errorf("lowcardinality: GLOBAL_DICTIONARY unsupported")
		}
		if flags&lcFlagAdditionalKey == 0 {
			return ColumnChunk{}, fmt.Errorf("lowcardinality: ADDITIONAL_KEY must be set")
		}
		width := [...]int{1, 2, 4, 8}[flags&0x3]

		dictLen := binary.LittleEndian.Uint64(head[16:24])
		dict := make([][]byte, 0, dictLen)
		for i := uint64(0); i < dictLen; i++ {
			entry, err := readVarbytesFrom(r)
			if err != nil {
				return ColumnChunk{}, err
			}
			dict = append(dict, entry)
		}

		var rcBuf [8]byte
		if _, err := io.ReadFull(r, rcBuf[:]); err != nil {
			return ColumnChunk{}, err
		}
		if rowCount := binary.LittleEndian.Uint64(rcBuf[:]); int(rowCount) != nrows {
			return ColumnChunk{}, fmt.Errorf("lowcardinality: row count %d != block nrows %d", rowCount, nrows)
		}

		indices := make([]byte, nrows*width)
		if _, err := io.ReadFull(r, indices); err != nil {
			return ColumnChunk{}, err
		}
		return ColumnChunk{Name: name, Type: t, RowCount: nrows, LCDict: dict, LCIndices: indices}, nil

	default:
		return ColumnChunk{}, fmt.Errorf("wire: unsupported type kind for %q", t.Text)
	}
}

// EmptyClientBlockBytes and CompressedEmptyClientBlockBytes are the exact
// end-of-insert sentinel packets a client sends to signal it has no more
// data blocks. Each is the full wire packet (server/client code byte, empty
// block name, then a BlockInfo+ncols=0+nrows=0 body, optionally
// LZ4/CityHash-framed) rather than just the body, so the session layer can
// recognize them before attempting any structural parse.
var (
	EmptyClientBlockBytes = [12]byte{
		0x02, 0x00, 0x01, 0x00, 0x02, 0xff, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00,
	}
	CompressedEmptyClientBlockBytes = [38]byte{
		0x02, 0x00, 0xa7, 0x83, 0xac, 0x6c, 0xd5, 0x5c, 0x7a, 0x7c, 0xb5, 0xac, 0x46, 0xbd,
		0xdb, 0x86, 0xe2, 0x14, 0x82, 0x14, 0x00, 0x00, 0x00, 0x0a, 0x00, 0x00, 0x00, 0xa0,
		0x01, 0x00, 0x02, 0xff, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00,
	}
)

// IsEmptyClientBlock reports whether bs is exactly the uncompressed
// end-of-insert sentinel.
func IsEmptyClientBlock(bs []byte) bool {
	return len(bs) == len(EmptyClientBlockBytes) && string(bs) == string(EmptyClientBlockBytes[:])
}

// IsCompressedEmptyClientBlock reports whether bs is exactly the
// compressed end-of-insert sentinel.
func IsCompressedEmptyClientBlock(bs []byte) bool {
	return len(bs) == len(CompressedEmptyClientBlockBytes) && string(bs) == string(CompressedEmptyClientBlockBytes[:])
}
