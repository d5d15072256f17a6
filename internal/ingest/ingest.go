// Package ingest implements the IngestPipeline: grouping an incoming wire
// block's rows by computed partition key, gathering each partition's row
// ranges into contiguous buffers, and appending them to the target
// table's column files while keeping PartStore's row-id and byte-size
// registries in step with what actually landed on disk.
package ingest

import (
	"encoding/binary"
	"fmt"
	"time"

	"basecol/internal/catalog"
	"basecol/internal/columnio"
	"basecol/internal/partstore"
	"basecol/internal/ptkjit"
	"basecol/internal/wire"
)

// MaxPartitionsPerBlock bounds how many distinct partition keys a single
// ingest block may fan out to, guarding against accidental per-row
// partitioning driving unbounded per-partition I/O.
const MaxPartitionsPerBlock = 1000

// lockTimeout bounds how long a variable-width append waits to acquire a
// table's advisory lock before giving up.
const lockTimeout = 30 * time.Second

// Pipeline wires the catalog, partition registry, and partition-key
// compiler together to append a decoded block's rows to disk.
type Pipeline struct {
	Catalog  *catalog.Store
	Parts    *partstore.Store
	JIT      *ptkjit.Cache
	TZOffset time.Duration // server local timezone offset applied to DateTime partition columns
}

// rowRange is an inclusive [Start, End] run of row indices within a block,
// all sharing the same computed partition key.
type rowRange struct {
	Start, End int
}

func (r rowRange) count() int { return r.End - r.Start + 1 }

// Ingest routes blk's rows into per-partition groups and appends each
// group's columns to the table's on-disk column files, committing the new
// row counts only after every column in the group has been durably
// written.
func (p *Pipeline) Ingest(tableID catalog.Id, db, table string, blk *wire.Block) error {
	attrs, err := p.Catalog.GetTableInfo(tableID)
	if err != nil {
		return fmt.Errorf("ingest: table %d attributes: %w", tableID, err)
	}
	cols, err := p.Catalog.GetColumns(db, table)
	if err != nil {
		return fmt.Errorf("ingest: table %s.%s columns: %w", db, table, err)
	}
	colByName := make(map[string]catalog.Column, len(cols))
	for _, c := range cols {
		colByName[c.Name] = c
	}

	for i := range blk.Columns {
		t := blk.Columns[i].Type
		if t.Kind == wire.KindLowCardinality || (t.Kind == wire.KindNullable && t.Inner.Kind == wire.KindLowCardinality) {
			return fmt.Errorf("ingest: column %q: LowCardinality is read-only in this core", blk.Columns[i].Name)
		}
	}

	groups, err := p.routePartitions(tableID, attrs, blk)
	if err != nil {
		return err
	}
	if len(groups) > MaxPartitionsPerBlock {
		return fmt.Errorf("ingest: block fans out to %d partitions, exceeds limit %d", len(groups), MaxPartitionsPerBlock)
	}

	for ptk, ranges := range groups {
		if err := p.appendGroup(tableID, partstore.PartitionKey(ptk), ranges, blk, colByName); err != nil {
			return fmt.Errorf("ingest: partition %d: %w", ptk, err)
		}
	}
	return nil
}

// routePartitions computes, for every row in blk, its partition key, and
// groups row indices into maximal consecutive runs sharing that key. A
// table with no partition columns always yields the single group {0: all
// rows}.
func (p *Pipeline) routePartitions(tableID catalog.Id, attrs catalog.TableAttrs, blk *wire.Block) (map[uint64][]rowRange, error) {
	if len(attrs.PartitionColumns) == 0 {
		if blk.NumRows == 0 {
			return map[uint64][]rowRange{}, nil
		}
		return map[uint64][]rowRange{0: {{Start: 0, End: blk.NumRows - 1}}}, nil
	}
	if len(attrs.PartitionColumns) > 1 {
		return nil, fmt.Errorf("ingest: multi-column partition keys are not supported")
	}
	ptCol := attrs.PartitionColumns[0]

	var target *wire.ColumnChunk
	for i := range blk.Columns {
		if blk.Columns[i].Name == ptCol {
			target = &blk.Columns[i]
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("ingest: no partition-key column %q found in incoming block", ptCol)
	}

	fn, err := p.JIT.FnForTable(uint64(tableID), attrs.PartitionKeyExpr)
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	isDateTime := target.Type.Text == "DateTime"

	groups := make(map[uint64][]rowRange)
	var curKey uint64
	var curStart, curEnd int
	haveCur := false

	for i := 0; i < blk.NumRows; i++ {
		raw, err := fixedWidthValue(target, i)
		if err != nil {
			return nil, fmt.Errorf("ingest: unsupported partition-column type %q: %w", target.Type.Text, err)
		}
		if isDateTime {
			raw += uint64(p.TZOffset / time.Second)
		}
		key := fn(raw)

		if haveCur && key == curKey && curEnd == i-1 {
			curEnd = i
			continue
		}
		if haveCur {
			groups[curKey] = append(groups[curKey], rowRange{Start: curStart, End: curEnd})
		}
		curKey, curStart, curEnd, haveCur = key, i, i, true
	}
	if haveCur {
		groups[curKey] = append(groups[curKey], rowRange{Start: curStart, End: curEnd})
	}
	return groups, nil
}

// fixedWidthValue extracts row i's value from a fixed-width integer or
// date/datetime column as a zero-extended uint64, the routing function's
// calling convention.
func fixedWidthValue(col *wire.ColumnChunk, row int) (uint64, error) {
	t := col.Type
	if t.Kind != wire.KindFixed {
		return 0, fmt.Errorf("partition column must be a fixed-width integer or date type")
	}
	off := row * t.Size
	if off+t.Size > len(col.Data) {
		return 0, fmt.Errorf("partition column row %d out of range", row)
	}
	var buf [8]byte
	copy(buf[:t.Size], col.Data[off:off+t.Size])
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// appendGroup appends one partition's row ranges for every column present
// in the block, reserving row ids first and committing the new row count
// only once all column writes have succeeded.
func (p *Pipeline) appendGroup(tableID catalog.Id, ptk partstore.PartitionKey, ranges []rowRange, blk *wire.Block, colByName map[string]catalog.Column) error {
	rowCount := 0
	for _, r := range ranges {
		rowCount += r.count()
	}
	if rowCount == 0 {
		return nil
	}

	firstRow, err := p.Parts.ReserveRowIDs(uint64(tableID), ptk, uint64(rowCount))
	if err != nil {
		return fmt.Errorf("reserve row ids: %w", err)
	}

	needsLock := false
	for i := range blk.Columns {
		if innerKind(blk.Columns[i].Type) == wire.KindString {
			needsLock = true
			break
		}
	}
	if needsLock {
		if err := p.Parts.AcquireTableLock(uint64(tableID), lockTimeout); err != nil {
			return fmt.Errorf("acquire table lock: %w", err)
		}
		defer p.Parts.ReleaseTableLock(uint64(tableID))
	}

	dataDir := p.Parts.DataDir(ptk)
	if err := columnio.EnsureTableDir(dataDir, uint64(tableID)); err != nil {
		return err
	}

	for i := range blk.Columns {
		col := &blk.Columns[i]
		cat, ok := colByName[col.Name]
		if !ok {
			return fmt.Errorf("unknown column %q in incoming block", col.Name)
		}
		if err := p.appendColumn(tableID, cat.ID, ptk, dataDir, firstRow, ranges, col); err != nil {
			return fmt.Errorf("column %q: %w", col.Name, err)
		}
	}

	return p.Parts.SetRowCount(uint64(tableID), ptk, firstRow+uint64(rowCount))
}

// innerKind unwraps one Nullable layer: the payload layout on disk is the
// inner type's, with the null flags in a sidecar file.
func innerKind(t wire.ColumnType) wire.TypeKind {
	if t.Kind == wire.KindNullable {
		return t.Inner.Kind
	}
	return t.Kind
}

func (p *Pipeline) appendColumn(tableID catalog.Id, columnID catalog.Id, ptk partstore.PartitionKey, dataDir string, firstRow uint64, ranges []rowRange, col *wire.ColumnChunk) error {
	path := columnio.DataFilePath(dataDir, uint64(tableID), uint64(columnID), uint64(ptk))

	var err error
	if innerKind(col.Type) == wire.KindString {
		err = p.appendVariableWidth(columnID, ptk, path, firstRow, ranges, col)
	} else {
		err = p.appendFixedWidth(columnID, ptk, path, firstRow, ranges, col)
	}
	if err != nil {
		return err
	}
	if col.Type.Kind == wire.KindNullable {
		return appendNullMap(path, firstRow, ranges, col)
	}
	return nil
}

// appendNullMap writes the sidecar null-flag bytes for a Nullable column's
// selected ranges, one byte per row at the row-id offset.
func appendNullMap(path string, firstRow uint64, ranges []rowRange, col *wire.ColumnChunk) error {
	flags := make([]byte, 0, len(ranges))
	for _, r := range ranges {
		flags = append(flags, col.NullMap[r.Start:r.End+1]...)
	}
	f, err := columnio.OpenAppend(columnio.NullMapPath(path))
	if err != nil {
		return err
	}
	defer f.Close()
	return columnio.Append(f, int64(firstRow), flags)
}

func (p *Pipeline) appendFixedWidth(columnID catalog.Id, ptk partstore.PartitionKey, path string, firstRow uint64, ranges []rowRange, col *wire.ColumnChunk) error {
	size := col.Type.Size
	rowCount := 0
	for _, r := range ranges {
		rowCount += r.count()
	}
	scratch := make([]byte, 0, rowCount*size)
	for _, r := range ranges {
		scratch = append(scratch, col.Data[r.Start*size:(r.End+1)*size]...)
	}

	f, err := columnio.OpenAppend(path)
	if err != nil {
		return err
	}
	defer f.Close()

	offset := int64(firstRow) * int64(size)
	if err := columnio.Append(f, offset, scratch); err != nil {
		return err
	}
	newSize := uint64(offset) + uint64(len(scratch))
	return p.Parts.UpdateColumnByteSize(uint64(columnID), ptk, newSize)
}

func (p *Pipeline) appendVariableWidth(columnID catalog.Id, ptk partstore.PartitionKey, path string, firstRow uint64, ranges []rowRange, col *wire.ColumnChunk) error {
	rowCount := 0
	for _, r := range ranges {
		rowCount += r.count()
	}

	currentSize, err := p.Parts.ColumnByteSize(uint64(columnID), ptk)
	if err != nil {
		return err
	}

	data := make([]byte, 0, rowCount*8)
	localOffsets := make([]uint64, 0, rowCount+1)
	localOffsets = append(localOffsets, currentSize)
	cum := currentSize
	for _, r := range ranges {
		for i := r.Start; i <= r.End; i++ {
			start, end := col.OffsetMap[i], col.OffsetMap[i+1]
			data = append(data, col.Data[start:end]...)
			cum += end - start
			localOffsets = append(localOffsets, cum)
		}
	}

	dataFile, err := columnio.OpenAppend(path)
	if err != nil {
		return err
	}
	defer dataFile.Close()
	if err := columnio.Append(dataFile, int64(currentSize), data); err != nil {
		return err
	}

	omFile, err := columnio.OpenAppend(columnio.OffsetMapPath(path))
	if err != nil {
		return err
	}
	defer omFile.Close()

	omBytes := make([]byte, len(localOffsets)*8)
	for i, v := range localOffsets {
		binary.LittleEndian.PutUint64(omBytes[i*8:i*8+8], v)
	}
	if err := columnio.Append(omFile, int64(firstRow)*8, omBytes); err != nil {
		return err
	}

	return p.Parts.UpdateColumnByteSize(uint64(columnID), ptk, currentSize+uint64(len(data)))
}
