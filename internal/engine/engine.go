// Package engine is the minimal reference execution engine this module
// ships to exercise the read path end to end: a projection/filter/count
// evaluator over registered in-memory typed columns, standing in for an
// external SQL planner.
// It answers exactly two statement shapes -- `SELECT col[, col...] FROM t
// [WHERE ptk-col <range>]` and `SELECT count(*) FROM t [WHERE ...]` -- and
// does not implement joins, general expressions, or cost-based
// optimization. The WHERE range only selects which partitions are read:
// rows inside a selected partition are not filtered, so when the partition
// function is coarser than the column (toYYYYMMDD over a DateTime) every
// row of each matching partition is returned and counted.
package engine

import (
	"fmt"
	"time"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	_ "github.com/pingcap/tidb/pkg/parser/test_driver"

	"basecol/internal/catalog"
	"basecol/internal/partstore"
	"basecol/internal/ptkjit"
	"basecol/internal/readpath"
	"basecol/internal/wire"
)

// Executor runs SELECT statements against the catalog and partition
// registry. It holds no state of its own beyond the stores it was
// constructed with: the per-query plan lives entirely on the call stack.
type Executor struct {
	Catalog *catalog.Store
	Parts   *partstore.Store
	JIT     *ptkjit.Cache
	// TZOffset must match the ingest pipeline's: routing adds it to a
	// DateTime partition column's raw value before the partition function,
	// so pruning has to bias its WHERE bounds the same way or the two
	// sides compute different keys for the same instant.
	TZOffset time.Duration
}

// Result is a fully materialized query result: every projected column's
// values, already copied out of their backing mmap regions so the result
// block can outlive the query's partition read handles.
type Result struct {
	Columns  []string
	RowCount int
	Chunks   []wire.ColumnChunk // one per Columns entry, concatenated across every scanned partition
}

// ExecuteSelect parses and runs sql, which must reference db as the
// current database when the statement omits a schema-qualified table
// name.
func (e *Executor) ExecuteSelect(db, sql string) (*Result, error) {
	p := parser.New()
	stmtNodes, _, err := p.Parse(sql, "", "")
	if err != nil {
		return nil, fmt.Errorf("engine: parse error: %w", err)
	}
	if len(stmtNodes) != 1 {
		return nil, fmt.Errorf("engine: expected exactly one statement, got %d", len(stmtNodes))
	}
	sel, ok := stmtNodes[0].(*ast.SelectStmt)
	if !ok {
		return nil, fmt.Errorf("engine: statement is not a SELECT")
	}
	return e.execute(db, sel)
}

func (e *Executor) execute(db string, sel *ast.SelectStmt) (*Result, error) {
	table, isCount, projected, err := describeSelect(sel)
	if err != nil {
		return nil, err
	}

	tableID, err := e.Catalog.GetTableID(db, table)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	attrs, err := e.Catalog.GetTableInfo(tableID)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	cols, err := e.Catalog.GetColumns(db, table)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	byName := make(map[string]catalog.Column, len(cols))
	for _, c := range cols {
		byName[c.Name] = c
	}

	loPtk, hiPtk, err := e.pruneRange(tableID, attrs, byName, sel.Where)
	if err != nil {
		return nil, err
	}

	if isCount {
		n, err := e.countRows(tableID, loPtk, hiPtk)
		if err != nil {
			return nil, err
		}
		return &Result{
			Columns:  []string{"count()"},
			RowCount: 1,
			Chunks: []wire.ColumnChunk{{
				Name:     "count()",
				Type:     wire.ColumnType{Kind: wire.KindFixed, Text: "UInt64", Size: 8},
				RowCount: 1,
				Data:     uint64LE(n),
			}},
		}, nil
	}

	if len(projected) == 0 {
		for _, c := range cols {
			projected = append(projected, c.Name)
		}
	}

	res := &Result{Columns: projected}
	for _, name := range projected {
		col, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("engine: unknown column %q", name)
		}
		chunk, rows, err := e.gatherColumn(tableID, col, loPtk, hiPtk)
		if err != nil {
			return nil, err
		}
		res.Chunks = append(res.Chunks, chunk)
		if res.RowCount == 0 {
			res.RowCount = rows
		}
	}
	return res, nil
}

// pruneRange translates sel's WHERE clause into a partition-key range when
// it constrains the table's partition column; otherwise it scans every
// partition.
func (e *Executor) pruneRange(tableID catalog.Id, attrs catalog.TableAttrs, byName map[string]catalog.Column, where ast.ExprNode) (partstore.PartitionKey, partstore.PartitionKey, error) {
	full := partstore.PartitionKey(0)
	fullHi := partstore.PartitionKey(^uint64(0))

	if len(attrs.PartitionColumns) != 1 {
		return full, fullHi, nil
	}
	filter, ok, err := extractRangeFilter(where)
	if err != nil {
		return 0, 0, fmt.Errorf("engine: where clause: %w", err)
	}
	if !ok || filter.Column != attrs.PartitionColumns[0] {
		return full, fullHi, nil
	}

	lo, hi := filter.Lo, filter.Hi
	if col, found := byName[filter.Column]; found && col.Info.Type.Text == "DateTime" {
		// Ingest routed these rows on local-time seconds; bias the bounds
		// identically before evaluating the partition function.
		offset := uint64(e.TZOffset / time.Second)
		lo += offset
		hi += offset
	}

	fn, err := e.JIT.FnForTable(uint64(tableID), attrs.PartitionKeyExpr)
	if err != nil {
		return 0, 0, fmt.Errorf("engine: %w", err)
	}
	return readpath.PruneRange(fn, lo, hi)
}

func (e *Executor) countRows(tableID catalog.Id, loPtk, hiPtk partstore.PartitionKey) (uint64, error) {
	parts, err := e.Parts.ListPartitions(uint64(tableID), loPtk, hiPtk)
	if err != nil {
		return 0, fmt.Errorf("engine: list partitions: %w", err)
	}
	var total uint64
	for _, n := range parts {
		total += n
	}
	return total, nil
}

func (e *Executor) gatherColumn(tableID catalog.Id, col catalog.Column, loPtk, hiPtk partstore.PartitionKey) (wire.ColumnChunk, int, error) {
	chunks, handle, err := readpath.Gather(e.Parts, tableID, col.ID, col.Info.Type, loPtk, hiPtk)
	if err != nil {
		return wire.ColumnChunk{}, 0, fmt.Errorf("engine: gather column %q: %w", col.Name, err)
	}
	defer handle.Close()

	t := col.Info.Type
	isString := t.Kind == wire.KindString ||
		(t.Kind == wire.KindNullable && t.Inner.Kind == wire.KindString)

	out := wire.ColumnChunk{Name: col.Name, Type: t}
	if isString {
		out.OffsetMap = []uint64{0}
	}
	for _, pc := range chunks {
		c := pc.Chunk
		if isString {
			base := uint64(len(out.Data))
			for _, off := range c.OffsetMap[1:] {
				out.OffsetMap = append(out.OffsetMap, base+off)
			}
		}
		out.Data = append(out.Data, c.Data...)
		if t.Kind == wire.KindNullable {
			out.NullMap = append(out.NullMap, c.NullMap...)
		}
		out.RowCount += c.RowCount
	}
	return out, out.RowCount, nil
}

// describeSelect extracts the table name, whether this is a count(*)
// query, and the projected column names (empty meaning `SELECT *`) from a
// parsed SELECT statement.
func describeSelect(sel *ast.SelectStmt) (table string, isCount bool, projected []string, err error) {
	if sel.From == nil || sel.From.TableRefs == nil {
		return "", false, nil, fmt.Errorf("engine: SELECT without a FROM clause is not supported")
	}
	src, ok := sel.From.TableRefs.Left.(*ast.TableSource)
	if !ok {
		return "", false, nil, fmt.Errorf("engine: unsupported FROM clause shape")
	}
	tn, ok := src.Source.(*ast.TableName)
	if !ok {
		return "", false, nil, fmt.Errorf("engine: unsupported FROM clause shape")
	}
	table = tn.Name.O

	for _, f := range sel.Fields.Fields {
		if f.WildCard != nil {
			continue
		}
		if agg, ok := f.Expr.(*ast.AggregateFuncExpr); ok {
			if agg.F == "count" {
				isCount = true
				continue
			}
			return "", false, nil, fmt.Errorf("engine: unsupported aggregate function %q", agg.F)
		}
		if col, ok := f.Expr.(*ast.ColumnNameExpr); ok {
			projected = append(projected, col.Name.Name.O)
			continue
		}
		return "", false, nil, fmt.Errorf("engine: unsupported select-list expression")
	}
	return table, isCount, projected, nil
}

func uint64LE(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}
