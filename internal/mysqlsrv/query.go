package mysqlsrv

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	_ "github.com/pingcap/tidb/pkg/parser/test_driver"

	"basecol/internal/catalog"
	"basecol/internal/ddl"
	"basecol/internal/session"
	"basecol/internal/wire"
)

// handleQuery executes one COM_QUERY's text and writes its response:
// an OK packet for DDL/TRUNCATE/INSERT, or a full text result set for
// SELECT. It mirrors internal/session's statement-shape switch so the
// two protocols never diverge on what a given query text means.
func handleQuery(c *conn, deps session.Deps, database, text string) error {
	text = strings.TrimSpace(text)
	upper := strings.ToUpper(text)

	switch {
	case strings.HasPrefix(upper, "CREATE TABLE"):
		return handleCreateTable(c, deps, database, text)
	case strings.HasPrefix(upper, "INSERT INTO"), strings.HasPrefix(upper, "INSERT "):
		return handleInsert(c, deps, database, text)
	case strings.HasPrefix(upper, "SELECT"):
		return handleSelect(c, deps, database, text)
	case upper == "":
		return writeOK(c, 0, "")
	default:
		return handleOtherDDL(c, deps, database, text)
	}
}

func handleCreateTable(c *conn, deps session.Deps, database, text string) error {
	res, err := ddl.ParseCreateTable(text)
	if err != nil {
		return writeErr(c, 1064, fmt.Sprintf("create table: %v", err))
	}
	db := res.DBName
	if db == "" {
		db = database
	}
	dbID, err := deps.Catalog.GetDatabaseID(db)
	if err != nil {
		return writeErr(c, 1049, fmt.Sprintf("create table: %v", err))
	}
	_, err = deps.Catalog.CreateTable(catalog.NewTable{
		DatabaseID: dbID,
		Name:       res.TableName,
		Attrs: catalog.TableAttrs{
			CreateScript:     text,
			Engine:           res.Engine,
			PartitionColumns: res.PartitionColumns,
			PartitionKeyExpr: res.PartitionExpr,
		},
		Columns: res.Columns,
	})
	if err != nil {
		return writeErr(c, 1050, fmt.Sprintf("create table: %v", err))
	}
	return writeOK(c, 0, "")
}

func handleOtherDDL(c *conn, deps session.Deps, database, text string) error {
	stmt, err := ddl.Classify(text)
	if err != nil {
		return writeErr(c, 1064, fmt.Sprintf("ddl: %v", err))
	}
	db := stmt.DB
	if db == "" {
		db = database
	}
	switch stmt.Kind {
	case ddl.StmtCreateDatabase:
		if stmt.IfNotExists {
			if _, err := deps.Catalog.GetDatabaseID(stmt.DB); err == nil {
				return writeOK(c, 0, "")
			}
		}
		if _, err := deps.Catalog.NewDatabase(stmt.DB); err != nil {
			return writeErr(c, 1007, fmt.Sprintf("create database: %v", err))
		}
		return writeOK(c, 0, "")
	case ddl.StmtDropTable:
		if stmt.IfExists {
			if _, err := deps.Catalog.GetTableID(db, stmt.Table); err != nil {
				return writeOK(c, 0, "")
			}
		}
		if err := session.DropTable(deps, db, stmt.Table); err != nil {
			return writeErr(c, 1051, fmt.Sprintf("drop table: %v", err))
		}
		return writeOK(c, 0, "")
	case ddl.StmtDropDatabase:
		if stmt.IfExists {
			if _, err := deps.Catalog.GetDatabaseID(stmt.DB); err != nil {
				return writeOK(c, 0, "")
			}
		}
		if err := session.DropDatabase(deps, stmt.DB); err != nil {
			return writeErr(c, 1008, fmt.Sprintf("drop database: %v", err))
		}
		return writeOK(c, 0, "")
	case ddl.StmtTruncateTable:
		if err := session.TruncateTable(deps, db, stmt.Table); err != nil {
			return writeErr(c, 1030, fmt.Sprintf("truncate table: %v", err))
		}
		return writeOK(c, 0, "")
	case ddl.StmtShowCreateTable:
		tableID, err := deps.Catalog.GetTableID(db, stmt.Table)
		if err != nil {
			return writeErr(c, 1146, fmt.Sprintf("show create table: %v", err))
		}
		attrs, err := deps.Catalog.GetTableInfo(tableID)
		if err != nil {
			return writeErr(c, 1146, fmt.Sprintf("show create table: %v", err))
		}
		return writeStringListResult(c, "Create Table", []string{attrs.CreateScript})
	case ddl.StmtShowDatabases:
		names, err := deps.Catalog.ListDatabases()
		if err != nil {
			return writeErr(c, 1030, fmt.Sprintf("show databases: %v", err))
		}
		return writeStringListResult(c, "Database", names)
	case ddl.StmtShowTables:
		names, err := deps.Catalog.ListTables(db)
		if err != nil {
			return writeErr(c, 1030, fmt.Sprintf("show tables: %v", err))
		}
		return writeStringListResult(c, "Tables_in_"+db, names)
	default:
		return writeErr(c, 1064, fmt.Sprintf("mysqlsrv: unsupported statement %q", text))
	}
}

// writeStringListResult streams a one-column text result set of values.
func writeStringListResult(c *conn, columnName string, values []string) error {
	if err := c.writePacket(putLenEncInt(nil, 1)); err != nil {
		return err
	}
	if err := writeColumnDef(c, columnName, wire.ColumnType{Kind: wire.KindString, Text: "String"}); err != nil {
		return err
	}
	if err := writeEOF(c); err != nil {
		return err
	}
	for _, v := range values {
		if err := writeTextRow(c, []string{v}, []bool{false}); err != nil {
			return err
		}
	}
	return writeEOF(c)
}

func handleSelect(c *conn, deps session.Deps, database, text string) error {
	res, err := deps.Engine.ExecuteSelect(database, text)
	if err != nil {
		return writeErr(c, 1146, fmt.Sprintf("select: %v", err))
	}
	if err := c.writePacket(putLenEncInt(nil, uint64(len(res.Columns)))); err != nil {
		return err
	}
	for i, name := range res.Columns {
		if err := writeColumnDef(c, name, res.Chunks[i].Type); err != nil {
			return err
		}
	}
	if err := writeEOF(c); err != nil {
		return err
	}
	for i := 0; i < res.RowCount; i++ {
		cells, nulls, err := renderRow(res.Chunks, i)
		if err != nil {
			return err
		}
		if err := writeTextRow(c, cells, nulls); err != nil {
			return err
		}
	}
	return writeEOF(c)
}

// handleInsert parses an INSERT ... VALUES statement's literal rows and
// ingests them directly as one wire block, without the primary protocol's
// separate header/data packet exchange. The text protocol carries the
// whole statement, literals included, in a single round trip, so there is
// no Data-packet stage to drive here -- the literal values are the block.
func handleInsert(c *conn, deps session.Deps, database, text string) error {
	p := parser.New()
	stmts, _, err := p.Parse(text, "", "")
	if err != nil {
		return writeErr(c, 1064, fmt.Sprintf("insert: parse error: %v", err))
	}
	if len(stmts) != 1 {
		return writeErr(c, 1064, "insert: expected exactly one statement")
	}
	ins, ok := stmts[0].(*ast.InsertStmt)
	if !ok {
		return writeErr(c, 1064, "insert: statement is not an INSERT")
	}
	src, ok := ins.Table.TableRefs.Left.(*ast.TableSource)
	if !ok {
		return writeErr(c, 1064, "insert: unsupported INSERT target shape")
	}
	tn, ok := src.Source.(*ast.TableName)
	if !ok {
		return writeErr(c, 1064, "insert: unsupported INSERT target shape")
	}
	db := tn.Schema.O
	if db == "" {
		db = database
	}
	tableID, err := deps.Catalog.GetTableID(db, tn.Name.O)
	if err != nil {
		return writeErr(c, 1146, fmt.Sprintf("insert: %v", err))
	}
	cols, err := deps.Catalog.GetColumns(db, tn.Name.O)
	if err != nil {
		return writeErr(c, 1146, fmt.Sprintf("insert: %v", err))
	}

	targets := cols
	if len(ins.Columns) > 0 {
		byName := make(map[string]catalog.Column, len(cols))
		for _, col := range cols {
			byName[col.Name] = col
		}
		targets = targets[:0]
		for _, cn := range ins.Columns {
			col, ok := byName[cn.Name.O]
			if !ok {
				return writeErr(c, 1054, fmt.Sprintf("insert: unknown column %q", cn.Name.O))
			}
			targets = append(targets, col)
		}
	}

	blk, err := literalBlock(targets, ins.Lists)
	if err != nil {
		return writeErr(c, 1064, fmt.Sprintf("insert: %v", err))
	}
	if err := deps.Ingest.Ingest(tableID, db, tn.Name.O, blk); err != nil {
		return writeErr(c, 1030, fmt.Sprintf("insert: %v", err))
	}
	return writeOK(c, uint64(blk.NumRows), "")
}

// literalBlock encodes rows of literal expressions -- one ast.ExprNode
// per (row, target column) -- into a wire.Block ready for Ingest, the
// same destination format the binary protocol's decoded Data packets
// produce.
func literalBlock(targets []catalog.Column, rows [][]ast.ExprNode) (*wire.Block, error) {
	if len(rows) == 0 {
		return &wire.Block{}, nil
	}
	for _, row := range rows {
		if len(row) != len(targets) {
			return nil, fmt.Errorf("column count %d does not match value count %d", len(targets), len(row))
		}
	}

	chunks := make([]wire.ColumnChunk, len(targets))
	for ci, col := range targets {
		t := col.Info.Type
		if t.Kind == wire.KindLowCardinality || (t.Kind == wire.KindNullable && t.Inner.Kind == wire.KindLowCardinality) {
			return nil, fmt.Errorf("column %q: LowCardinality is read-only in this core", col.Name)
		}
		chunk := wire.ColumnChunk{Name: col.Name, Type: t, RowCount: len(rows)}
		if t.Kind == wire.KindString || (t.Kind == wire.KindNullable && t.Inner.Kind == wire.KindString) {
			chunk.OffsetMap = []uint64{0}
		}
		if t.Kind == wire.KindNullable {
			chunk.NullMap = make([]byte, len(rows))
		}
		for ri, row := range rows {
			if err := appendLiteral(&chunk, ri, row[ci]); err != nil {
				return nil, fmt.Errorf("column %q row %d: %w", col.Name, ri, err)
			}
		}
		chunks[ci] = chunk
	}
	return &wire.Block{NumRows: len(rows), Columns: chunks}, nil
}

func appendLiteral(chunk *wire.ColumnChunk, rowIdx int, e ast.ExprNode) error {
	v, ok := e.(ast.ValueExpr)
	if !ok {
		return fmt.Errorf("unsupported literal expression %T", e)
	}
	val := v.GetValue()

	t := chunk.Type
	if t.Kind == wire.KindNullable {
		if val == nil {
			chunk.NullMap[rowIdx] = 1
			return appendFixedZero(chunk, *t.Inner)
		}
		return appendLiteralValue(chunk, *t.Inner, val)
	}
	if val == nil {
		return fmt.Errorf("NULL literal for non-Nullable column")
	}
	return appendLiteralValue(chunk, t, val)
}

// appendFixedZero appends a zero-valued payload for a NULL row: a
// Nullable column's sidecar null-map byte sits alongside a full T-sized
// payload per row, regardless of nullness, so every row still occupies
// its fixed slot in the column's data file.
func appendFixedZero(chunk *wire.ColumnChunk, t wire.ColumnType) error {
	switch t.Kind {
	case wire.KindString:
		chunk.OffsetMap = append(chunk.OffsetMap, uint64(len(chunk.Data)))
		return nil
	case wire.KindFixedString:
		chunk.Data = append(chunk.Data, make([]byte, t.N)...)
		return nil
	default:
		chunk.Data = append(chunk.Data, make([]byte, t.Size)...)
		return nil
	}
}

func appendLiteralValue(chunk *wire.ColumnChunk, t wire.ColumnType, val interface{}) error {
	switch t.Kind {
	case wire.KindString:
		s, err := asString(val)
		if err != nil {
			return err
		}
		chunk.Data = append(chunk.Data, s...)
		chunk.OffsetMap = append(chunk.OffsetMap, uint64(len(chunk.Data)))
		return nil
	case wire.KindFixedString:
		s, err := asString(val)
		if err != nil {
			return err
		}
		if len(s) > t.N {
			return fmt.Errorf("value %q exceeds FixedString(%d)", s, t.N)
		}
		padded := make([]byte, t.N)
		copy(padded, s)
		chunk.Data = append(chunk.Data, padded...)
		return nil
	default:
		raw, err := encodeFixedLiteral(t, val)
		if err != nil {
			return err
		}
		chunk.Data = append(chunk.Data, raw...)
		return nil
	}
}

func asString(val interface{}) (string, error) {
	switch v := val.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

func asInt64(val interface{}) (int64, error) {
	switch v := val.(type) {
	case int64:
		return v, nil
	case uint64:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("expected integer literal, got %T", val)
	}
}

func asFloat64(val interface{}) (float64, error) {
	switch v := val.(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("expected numeric literal, got %T", val)
	}
}

func encodeFixedLiteral(t wire.ColumnType, val interface{}) ([]byte, error) {
	if decimalParamsRe.MatchString(t.Text) {
		m := decimalParamsRe.FindStringSubmatch(t.Text)
		scale, _ := strconv.Atoi(m[2])
		f, err := asFloat64(val)
		if err != nil {
			return nil, err
		}
		coeff := int64(math.Round(f * math.Pow10(scale)))
		buf := make([]byte, t.Size)
		if t.Size == 4 {
			binary.LittleEndian.PutUint32(buf, uint32(int32(coeff)))
		} else {
			binary.LittleEndian.PutUint64(buf, uint64(coeff))
		}
		return buf, nil
	}

	switch t.Text {
	case "Int8", "UInt8":
		n, err := asInt64(val)
		if err != nil {
			return nil, err
		}
		return []byte{byte(n)}, nil
	case "Int16", "UInt16":
		n, err := asInt64(val)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 2)
		binary.LittleEndian.PutUint16(buf, uint16(n))
		return buf, nil
	case "Int32", "UInt32":
		n, err := asInt64(val)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(n))
		return buf, nil
	case "Int64", "UInt64":
		n, err := asInt64(val)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(n))
		return buf, nil
	case "Float32":
		f, err := asFloat64(val)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(f)))
		return buf, nil
	case "Float64":
		f, err := asFloat64(val)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, math.Float64bits(f))
		return buf, nil
	case "Date":
		days, err := literalToDays(val)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 2)
		binary.LittleEndian.PutUint16(buf, uint16(days))
		return buf, nil
	case "DateTime":
		secs, err := literalToSeconds(val)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(secs))
		return buf, nil
	default:
		return nil, fmt.Errorf("unsupported literal type %q", t.Text)
	}
}

func literalToSeconds(val interface{}) (int64, error) {
	switch v := val.(type) {
	case int64:
		return v, nil
	case uint64:
		return int64(v), nil
	case string:
		for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02"} {
			if ts, err := time.Parse(layout, v); err == nil {
				return ts.Unix(), nil
			}
		}
		return 0, fmt.Errorf("unrecognized DateTime literal %q", v)
	default:
		return 0, fmt.Errorf("unsupported DateTime literal type %T", val)
	}
}

func literalToDays(val interface{}) (int64, error) {
	secs, err := literalToSeconds(val)
	if err != nil {
		return 0, err
	}
	return secs / 86400, nil
}
