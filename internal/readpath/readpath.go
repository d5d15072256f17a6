// Package readpath implements the Read Path: resolving a (table, column,
// partition-range) selection into memory-mapped column chunks the
// execution engine can treat as typed in-memory arrays, without the
// caller ever owning or copying the underlying bytes.
package readpath

import (
	"encoding/binary"
	"fmt"

	"basecol/internal/catalog"
	"basecol/internal/columnio"
	"basecol/internal/partstore"
	"basecol/internal/wire"
)

// PartitionChunk is one partition's mapped view of one column: a decoded
// ColumnChunk plus the mapped file(s) backing it. The ColumnChunk's Data
// (and NullMap, for Nullable columns) slice directly into the mapped
// region; they are valid only while the PartitionReadHandle that produced
// them remains open. A String column's OffsetMap is decoded from its
// mapped sidecar into a newly allocated slice.
type PartitionChunk struct {
	Ptk   partstore.PartitionKey
	Chunk wire.ColumnChunk
}

// PartitionReadHandle owns every mmap guard opened to answer one query. It
// replaces the raw-pointer lifetime laundering a shared-mmap design would
// otherwise need: array views the execution engine holds borrow from this
// handle and cannot outlive it, since Close unmaps every region they
// reference.
type PartitionReadHandle struct {
	mapped []*columnio.MappedFile
}

// Close unmaps every region this handle opened. It is safe to call once
// query execution has consumed all chunks.
func (h *PartitionReadHandle) Close() error {
	var first error
	for _, m := range h.mapped {
		if err := m.Close(); err != nil && first == nil {
			first = err
		}
	}
	h.mapped = nil
	return first
}

func (h *PartitionReadHandle) track(m *columnio.MappedFile) { h.mapped = append(h.mapped, m) }

// Gather resolves every committed partition of columnID in [loPtk, hiPtk]
// into mapped ColumnChunks, handing ownership of the opened mmap guards to
// the returned handle. The caller must Close the handle once done reading.
func Gather(parts *partstore.Store, tableID catalog.Id, columnID catalog.Id, colType wire.ColumnType, loPtk, hiPtk partstore.PartitionKey) ([]PartitionChunk, *PartitionReadHandle, error) {
	infos, err := parts.EnumeratePartitions(uint64(tableID), uint64(columnID), loPtk, hiPtk)
	if err != nil {
		return nil, nil, fmt.Errorf("readpath: enumerate partitions: %w", err)
	}

	handle := &PartitionReadHandle{}
	out := make([]PartitionChunk, 0, len(infos))

	inner := colType
	if colType.Kind == wire.KindNullable {
		inner = *colType.Inner
	}

	for _, info := range infos {
		rowCount, err := parts.CommittedRowCount(uint64(tableID), info.Ptk)
		if err != nil {
			handle.Close()
			return nil, nil, fmt.Errorf("readpath: committed row count for ptk %d: %w", info.Ptk, err)
		}

		var chunk PartitionChunk
		if inner.Kind == wire.KindString {
			chunk, err = gatherString(parts, handle, info, rowCount)
		} else {
			chunk, err = gatherFixed(handle, info, rowCount)
		}
		if err != nil {
			handle.Close()
			return nil, nil, err
		}
		chunk.Chunk.Type = colType

		if colType.Kind == wire.KindNullable {
			nmFile, err := columnio.OpenMapped(columnio.NullMapPath(info.FilePath), int64(rowCount))
			if err != nil {
				handle.Close()
				return nil, nil, fmt.Errorf("readpath: map %s: %w", columnio.NullMapPath(info.FilePath), err)
			}
			handle.track(nmFile)
			chunk.Chunk.NullMap = nmFile.Bytes()
		}

		out = append(out, chunk)
	}

	return out, handle, nil
}

func gatherFixed(handle *PartitionReadHandle, info partstore.PartitionInfo, rowCount uint64) (PartitionChunk, error) {
	dataFile, err := columnio.OpenMapped(info.FilePath, info.Size)
	if err != nil {
		return PartitionChunk{}, fmt.Errorf("readpath: map %s: %w", info.FilePath, err)
	}
	handle.track(dataFile)

	return PartitionChunk{
		Ptk: info.Ptk,
		Chunk: wire.ColumnChunk{
			RowCount: int(rowCount),
			Data:     dataFile.Bytes(),
		},
	}, nil
}

func gatherString(parts *partstore.Store, handle *PartitionReadHandle, info partstore.PartitionInfo, rowCount uint64) (PartitionChunk, error) {
	dataFile, err := columnio.OpenMapped(info.FilePath, info.Size)
	if err != nil {
		return PartitionChunk{}, fmt.Errorf("readpath: map %s: %w", info.FilePath, err)
	}
	handle.track(dataFile)

	omPath := columnio.OffsetMapPath(info.FilePath)
	omSize := int64(rowCount+1) * 8
	omFile, err := columnio.OpenMapped(omPath, omSize)
	if err != nil {
		return PartitionChunk{}, fmt.Errorf("readpath: map %s: %w", omPath, err)
	}
	handle.track(omFile)

	offsets := decodeOffsets(omFile.Bytes(), int(rowCount)+1)

	return PartitionChunk{
		Ptk: info.Ptk,
		Chunk: wire.ColumnChunk{
			RowCount:  int(rowCount),
			Data:      dataFile.Bytes(),
			OffsetMap: offsets,
		},
	}, nil
}

func decodeOffsets(b []byte, n int) []uint64 {
	out := make([]uint64, n)
	for i := 0; i < n; i++ {
		out[i] = binary.LittleEndian.Uint64(b[i*8 : i*8+8])
	}
	return out
}

// PruneRange translates a [lo, hi] range over the partition column's raw
// values into a ptk range by evaluating the partition function at both
// endpoints. It assumes the partition function is monotone over the
// queried range, as the caller (the planner) is documented to guarantee;
// an empty input range yields an empty output range.
func PruneRange(fn func(uint64) uint64, lo, hi uint64) (partstore.PartitionKey, partstore.PartitionKey, error) {
	if lo > hi {
		return 1, 0, nil // lo > hi signals an empty range to EnumeratePartitions
	}
	a, b := fn(lo), fn(hi)
	if a > b {
		return 0, 0, fmt.Errorf("readpath: partition-key expression is not monotone over the queried range")
	}
	return partstore.PartitionKey(a), partstore.PartitionKey(b), nil
}
