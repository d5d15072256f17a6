package ingest

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"basecol/internal/catalog"
	"basecol/internal/partstore"
	"basecol/internal/ptkjit"
	"basecol/internal/readpath"
	"basecol/internal/wire"
)

func newTestPipeline(t *testing.T) (*Pipeline, *catalog.Store, *partstore.Store) {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	parts, err := partstore.Open(filepath.Join(t.TempDir(), "parts.db"), []string{t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { parts.Close() })

	return &Pipeline{Catalog: cat, Parts: parts, JIT: ptkjit.NewCache()}, cat, parts
}

func fixedColumnBytes(values []uint64, size int) []byte {
	out := make([]byte, 0, len(values)*size)
	for _, v := range values {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, v)
		out = append(out, buf[:size]...)
	}
	return out
}

func TestIngestRoutesRowsAcrossPartitionsAndReadsBack(t *testing.T) {
	p, cat, parts := newTestPipeline(t)

	dbID, err := cat.NewDatabase("shop")
	require.NoError(t, err)
	tableID, err := cat.CreateTable(catalog.NewTable{
		DatabaseID: dbID,
		Name:       "events",
		Attrs: catalog.TableAttrs{
			PartitionKeyExpr: "toYYYYMMDD(ts)",
			PartitionColumns: []string{"ts"},
		},
		Columns: []catalog.NewColumn{
			{Name: "ts", Info: catalog.ColumnInfo{Type: wire.ColumnType{Kind: wire.KindFixed, Text: "DateTime", Size: 4}}},
			{Name: "id", Info: catalog.ColumnInfo{Type: wire.ColumnType{Kind: wire.KindFixed, Text: "UInt64", Size: 8}}},
			{Name: "name", Info: catalog.ColumnInfo{Type: wire.ColumnType{Kind: wire.KindString, Text: "String"}}},
		},
	})
	require.NoError(t, err)

	// Day 1 = 1970-01-01 (secs 0..2), day 2 = 1970-01-02 (secs 86400, 86401).
	tsValues := []uint64{0, 1, 2, 86400, 86401}
	idValues := []uint64{100, 101, 102, 200, 201}
	names := []string{"a", "bb", "ccc", "dddd", "e"}

	var nameData []byte
	offsets := []uint64{0}
	for _, n := range names {
		nameData = append(nameData, n...)
		offsets = append(offsets, uint64(len(nameData)))
	}

	blk := &wire.Block{
		NumRows: len(tsValues),
		Columns: []wire.ColumnChunk{
			{Name: "ts", Type: wire.ColumnType{Kind: wire.KindFixed, Text: "DateTime", Size: 4}, RowCount: len(tsValues), Data: fixedColumnBytes(tsValues, 4)},
			{Name: "id", Type: wire.ColumnType{Kind: wire.KindFixed, Text: "UInt64", Size: 8}, RowCount: len(idValues), Data: fixedColumnBytes(idValues, 8)},
			{Name: "name", Type: wire.ColumnType{Kind: wire.KindString, Text: "String"}, RowCount: len(names), Data: nameData, OffsetMap: offsets},
		},
	}

	require.NoError(t, p.Ingest(tableID, "shop", "events", blk))

	day1 := partstore.PartitionKey(19700101)
	day2 := partstore.PartitionKey(19700102)

	n1, err := parts.CommittedRowCount(uint64(tableID), day1)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n1)

	n2, err := parts.CommittedRowCount(uint64(tableID), day2)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n2)

	cols, err := cat.GetColumns("shop", "events")
	require.NoError(t, err)
	var idCol, nameCol catalog.Column
	for _, c := range cols {
		if c.Name == "id" {
			idCol = c
		}
		if c.Name == "name" {
			nameCol = c
		}
	}

	chunks, handle, err := readpath.Gather(parts, tableID, idCol.ID, idCol.Info.Type, day1, day1)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 3, chunks[0].Chunk.RowCount)
	handle.Close()

	nameChunks, handle2, err := readpath.Gather(parts, tableID, nameCol.ID, nameCol.Info.Type, day2, day2)
	require.NoError(t, err)
	require.Len(t, nameChunks, 1)
	assert.Equal(t, 2, nameChunks[0].Chunk.RowCount)
	assert.Equal(t, "dddde", string(nameChunks[0].Chunk.Data))
	handle2.Close()
}

func TestRoutePartitionsGroupsConsecutiveRuns(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	attrs := catalog.TableAttrs{PartitionKeyExpr: "a", PartitionColumns: []string{"a"}}
	blk := &wire.Block{
		NumRows: 6,
		Columns: []wire.ColumnChunk{{
			Name:     "a",
			Type:     wire.ColumnType{Kind: wire.KindFixed, Text: "UInt64", Size: 8},
			RowCount: 6,
			Data:     fixedColumnBytes([]uint64{1, 1, 2, 2, 1, 3}, 8),
		}},
	}

	groups, err := p.routePartitions(42, attrs, blk)
	require.NoError(t, err)
	assert.Equal(t, map[uint64][]rowRange{
		1: {{Start: 0, End: 1}, {Start: 4, End: 4}},
		2: {{Start: 2, End: 3}},
		3: {{Start: 5, End: 5}},
	}, groups)
}

func TestIngestRejectsLowCardinalityColumns(t *testing.T) {
	p, cat, _ := newTestPipeline(t)
	dbID, err := cat.NewDatabase("shop")
	require.NoError(t, err)
	tableID, err := cat.CreateTable(catalog.NewTable{
		DatabaseID: dbID,
		Name:       "tags",
		Columns: []catalog.NewColumn{
			{Name: "tag", Info: catalog.ColumnInfo{Type: wire.ColumnType{Kind: wire.KindLowCardinality, Text: "LowCardinality(String)"}}},
		},
	})
	require.NoError(t, err)

	blk := &wire.Block{
		NumRows: 1,
		Columns: []wire.ColumnChunk{{
			Name:      "tag",
			Type:      wire.ColumnType{Kind: wire.KindLowCardinality, Text: "LowCardinality(String)"},
			RowCount:  1,
			LCDict:    [][]byte{[]byte("x")},
			LCIndices: []byte{0},
		}},
	}
	err = p.Ingest(tableID, "shop", "tags", blk)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read-only")
}

func TestIngestNullableColumnWritesSidecarNullMap(t *testing.T) {
	p, cat, parts := newTestPipeline(t)
	dbID, err := cat.NewDatabase("shop")
	require.NoError(t, err)
	tableID, err := cat.CreateTable(catalog.NewTable{
		DatabaseID: dbID,
		Name:       "metrics",
		Columns: []catalog.NewColumn{
			{Name: "v", Info: catalog.ColumnInfo{
				Type:     mustParseType(t, "Nullable(UInt32)"),
				Nullable: true,
			}},
		},
	})
	require.NoError(t, err)

	blk := &wire.Block{
		NumRows: 3,
		Columns: []wire.ColumnChunk{{
			Name:     "v",
			Type:     mustParseType(t, "Nullable(UInt32)"),
			RowCount: 3,
			NullMap:  []byte{0, 1, 0},
			Data:     fixedColumnBytes([]uint64{7, 0, 9}, 4),
		}},
	}
	require.NoError(t, p.Ingest(tableID, "shop", "metrics", blk))

	cols, err := cat.GetColumns("shop", "metrics")
	require.NoError(t, err)
	require.Len(t, cols, 1)

	chunks, handle, err := readpath.Gather(parts, tableID, cols[0].ID, cols[0].Info.Type, 0, 0)
	require.NoError(t, err)
	defer handle.Close()
	require.Len(t, chunks, 1)
	assert.Equal(t, []byte{0, 1, 0}, chunks[0].Chunk.NullMap)
	assert.Equal(t, fixedColumnBytes([]uint64{7, 0, 9}, 4), chunks[0].Chunk.Data)
}

func mustParseType(t *testing.T, text string) wire.ColumnType {
	t.Helper()
	ct, err := wire.ParseType(text)
	require.NoError(t, err)
	return ct
}

func TestIngestRejectsTooManyPartitions(t *testing.T) {
	p, cat, _ := newTestPipeline(t)
	dbID, err := cat.NewDatabase("shop")
	require.NoError(t, err)
	tableID, err := cat.CreateTable(catalog.NewTable{
		DatabaseID: dbID,
		Name:       "wide",
		Attrs:      catalog.TableAttrs{PartitionKeyExpr: "ts", PartitionColumns: []string{"ts"}},
		Columns: []catalog.NewColumn{
			{Name: "ts", Info: catalog.ColumnInfo{Type: wire.ColumnType{Kind: wire.KindFixed, Text: "UInt32", Size: 4}}},
		},
	})
	require.NoError(t, err)

	n := MaxPartitionsPerBlock + 1
	values := make([]uint64, n)
	for i := range values {
		values[i] = uint64(i)
	}
	blk := &wire.Block{
		NumRows: n,
		Columns: []wire.ColumnChunk{
			{Name: "ts", Type: wire.ColumnType{Kind: wire.KindFixed, Text: "UInt32", Size: 4}, RowCount: n, Data: fixedColumnBytes(values, 4)},
		},
	}
	err = p.Ingest(tableID, "shop", "wide", blk)
	assert.Error(t, err)
}
