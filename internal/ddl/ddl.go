// Package ddl is the DDL front end: it parses CREATE TABLE / DROP /
// TRUNCATE / SHOW statements via the real MySQL-grammar SQL parser this
// module vendors, extracts the ClickHouse-style PARTITION BY clause that
// grammar has no equivalent for, maps SQL column types onto the catalog's
// wire-compatible type model, and classifies the other statements for its
// callers, which run the matching catalog/partition-registry operations.
package ddl

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	_ "github.com/pingcap/tidb/pkg/parser/test_driver"

	"basecol/internal/catalog"
	"basecol/internal/wire"
)

// partitionByRe strips a trailing "PARTITION BY <expr>" clause from DDL
// text before handing the remainder to the MySQL-grammar parser, since
// that grammar's own PARTITION BY syntax (HASH/RANGE/LIST partitioning)
// has no equivalent for a bare partition-function expression.
var partitionByRe = regexp.MustCompile(`(?is)\s+PARTITION\s+BY\s+(.+?)\s*;?\s*$`)

// CreateTableResult is what ParseCreateTable extracts from one CREATE
// TABLE statement, ready to hand to catalog.Store.CreateTable. DBName is
// empty unless the statement schema-qualified its table name; callers
// substitute the session's current database then.
type CreateTableResult struct {
	DBName           string
	TableName        string
	Columns          []catalog.NewColumn
	PartitionExpr    string
	PartitionColumns []string
	Engine           catalog.Engine
}

// ParseCreateTable parses a single CREATE TABLE statement, splitting off
// its partition-key clause and mapping column definitions onto the
// catalog's column-type model. createScript is the full original
// statement text, preserved verbatim by the caller for SHOW CREATE TABLE.
func ParseCreateTable(createScript string) (*CreateTableResult, error) {
	body := createScript
	partitionExpr := ""
	if m := partitionByRe.FindStringSubmatch(body); m != nil {
		partitionExpr = strings.TrimSpace(m[1])
		body = body[:len(body)-len(m[0])] + ";"
	}

	p := parser.New()
	stmtNodes, _, err := p.Parse(body, "", "")
	if err != nil {
		return nil, fmt.Errorf("ddl: parse error: %w", err)
	}
	if len(stmtNodes) != 1 {
		return nil, fmt.Errorf("ddl: expected exactly one statement, got %d", len(stmtNodes))
	}
	create, ok := stmtNodes[0].(*ast.CreateTableStmt)
	if !ok {
		return nil, fmt.Errorf("ddl: statement is not a CREATE TABLE")
	}

	res := &CreateTableResult{
		DBName:    create.Table.Schema.O,
		TableName: create.Table.Name.O,
		Engine:    catalog.EngineDefault,
	}
	for _, opt := range create.Options {
		if opt.Tp == ast.TableOptionEngine && strings.EqualFold(opt.StrValue, "BaseStorage") {
			res.Engine = catalog.EngineBaseStorage
		}
	}

	for _, colDef := range create.Cols {
		col, err := convertColumn(colDef)
		if err != nil {
			return nil, fmt.Errorf("ddl: column %q: %w", colDef.Name.Name.O, err)
		}
		res.Columns = append(res.Columns, col)
	}

	if partitionExpr != "" {
		cols, err := partitionColumns(partitionExpr)
		if err != nil {
			return nil, fmt.Errorf("ddl: partition key %q: %w", partitionExpr, err)
		}
		if len(cols) > 1 {
			return nil, fmt.Errorf("ddl: multi-column partition keys are not supported")
		}
		if len(cols) == 1 {
			if err := checkPartitionColumnType(res.Columns, cols[0]); err != nil {
				return nil, fmt.Errorf("ddl: %w", err)
			}
		}
		res.PartitionExpr = partitionExpr
		res.PartitionColumns = cols
	}

	return res, nil
}

// convertColumn maps one column definition onto the catalog's ColumnInfo,
// including the comment-sniffed LowCardinality(String) convention.
// Nullable(LowCardinality(String)) is rejected here, at DDL time, rather
// than surfacing later as an execution error.
func convertColumn(colDef *ast.ColumnDef) (catalog.NewColumn, error) {
	typeText, err := mapSQLType(colDef.Tp.String())
	if err != nil {
		return catalog.NewColumn{}, err
	}

	nullable := true
	primaryKey := false
	lowCardinality := false

	for _, opt := range colDef.Options {
		switch opt.Tp {
		case ast.ColumnOptionNotNull:
			nullable = false
		case ast.ColumnOptionNull:
			nullable = true
		case ast.ColumnOptionPrimaryKey:
			primaryKey = true
			nullable = false
		case ast.ColumnOptionComment:
			if opt.Expr != nil {
				if s := exprToString(opt.Expr); s != "" && strings.Contains(strings.ToLower(s), "lowcardinality") {
					lowCardinality = true
				}
			}
			if strings.Contains(strings.ToLower(opt.StrValue), "lowcardinality") {
				lowCardinality = true
			}
		}
	}

	if lowCardinality {
		if typeText != "String" {
			return catalog.NewColumn{}, fmt.Errorf("LowCardinality is only supported over String, got %q", typeText)
		}
		if nullable {
			return catalog.NewColumn{}, fmt.Errorf("Nullable(LowCardinality(String)) is not supported")
		}
		typeText = "LowCardinality(String)"
	}

	t, err := wire.ParseType(typeText)
	if err != nil {
		return catalog.NewColumn{}, fmt.Errorf("unrecognized column type %q: %w", typeText, err)
	}

	return catalog.NewColumn{
		Name: colDef.Name.Name.O,
		Info: catalog.ColumnInfo{
			Type:       t,
			Nullable:   nullable,
			PrimaryKey: primaryKey,
		},
	}, nil
}

func exprToString(e ast.ExprNode) string {
	if v, ok := e.(ast.ValueExpr); ok {
		return fmt.Sprintf("%v", v.GetValue())
	}
	return ""
}

var sizedTypeRe = regexp.MustCompile(`^([a-z]+)\(([^)]*)\)`)

// mapSQLType maps a tidb-rendered SQL type text (e.g. "bigint(20)
// unsigned", "varchar(255)", "decimal(10,2)", "datetime", "char(16)") onto
// one of this engine's wire type texts.
func mapSQLType(sqlType string) (string, error) {
	lower := strings.ToLower(strings.TrimSpace(sqlType))
	unsigned := strings.Contains(lower, "unsigned")

	base := lower
	var params string
	if m := sizedTypeRe.FindStringSubmatch(lower); m != nil {
		base = m[1]
		params = m[2]
	} else if sp := strings.IndexByte(lower, ' '); sp >= 0 {
		base = lower[:sp]
	}

	switch base {
	case "tinyint", "bool", "boolean":
		return signedName("Int8", "UInt8", unsigned), nil
	case "smallint":
		return signedName("Int16", "UInt16", unsigned), nil
	case "int", "integer", "mediumint":
		return signedName("Int32", "UInt32", unsigned), nil
	case "bigint":
		return signedName("Int64", "UInt64", unsigned), nil
	case "float":
		return "Float32", nil
	case "double", "real":
		return "Float64", nil
	case "decimal", "numeric":
		p, _, ok := decimalParams(params)
		if !ok {
			return "", fmt.Errorf("invalid DECIMAL parameters %q", params)
		}
		return fmt.Sprintf("Decimal(%s)", params2(params, p)), nil
	case "date":
		return "Date", nil
	case "datetime", "timestamp":
		return "DateTime", nil
	case "char":
		n, err := strconv.Atoi(strings.TrimSpace(params))
		if err != nil || n <= 0 {
			return "", fmt.Errorf("invalid CHAR length %q", params)
		}
		return fmt.Sprintf("FixedString(%d)", n), nil
	case "varchar", "text", "tinytext", "mediumtext", "longtext", "blob", "tinyblob", "mediumblob", "longblob", "varbinary", "binary":
		return "String", nil
	default:
		return "", fmt.Errorf("unsupported SQL type %q", sqlType)
	}
}

func signedName(signed, unsignedName string, unsigned bool) string {
	if unsigned {
		return unsignedName
	}
	return signed
}

func decimalParams(params string) (precision, scale int, ok bool) {
	parts := strings.Split(params, ",")
	p, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, false
	}
	s := 0
	if len(parts) > 1 {
		s, err = strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return 0, 0, false
		}
	}
	return p, s, true
}

func params2(params string, precision int) string {
	if strings.Contains(params, ",") {
		return params
	}
	return fmt.Sprintf("%d,0", precision)
}

// callArgsRe matches a single-level function call "name(arg1, arg2, ...)".
var callArgsRe = regexp.MustCompile(`^\s*[A-Za-z_][A-Za-z0-9_]*\s*\(\s*(.*?)\s*\)\s*$`)

// partitionColumns extracts the column-identifier arguments referenced by
// a partition-key expression: either a bare identifier, or the
// non-numeric-literal arguments of a single whitelisted function call.
func partitionColumns(expr string) ([]string, error) {
	expr = strings.TrimSpace(expr)
	m := callArgsRe.FindStringSubmatch(expr)
	if m == nil {
		if isIdentifier(expr) {
			return []string{expr}, nil
		}
		return nil, fmt.Errorf("unrecognized partition-key expression shape")
	}
	var cols []string
	for _, a := range strings.Split(m[1], ",") {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if isIdentifier(a) {
			cols = append(cols, a)
		} else if _, err := strconv.ParseInt(a, 10, 64); err != nil {
			return nil, fmt.Errorf("unsupported partition-key expression argument %q", a)
		}
	}
	return cols, nil
}

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func isIdentifier(s string) bool { return identifierRe.MatchString(s) }

// checkPartitionColumnType rejects a partition-key expression referencing
// a column whose type cannot be used for partition routing: anything
// other than a fixed-width integer or date/datetime.
func checkPartitionColumnType(cols []catalog.NewColumn, name string) error {
	for _, c := range cols {
		if c.Name != name {
			continue
		}
		t := c.Info.Type
		if t.Kind != wire.KindFixed || t.Text == "Float32" || t.Text == "Float64" || strings.HasPrefix(t.Text, "Decimal(") {
			return fmt.Errorf("unsupported partition-column type for %q: %s", name, c.Info.Type.Text)
		}
		return nil
	}
	return fmt.Errorf("partition-key column %q not found among table columns", name)
}

// StatementKind discriminates a parsed DDL statement for dispatch, beyond
// CREATE TABLE (handled separately by ParseCreateTable since it returns a
// richer result).
type StatementKind int

const (
	StmtOther StatementKind = iota
	StmtCreateDatabase
	StmtDropTable
	StmtDropDatabase
	StmtTruncateTable
	StmtShowCreateTable
	StmtShowDatabases
	StmtShowTables
)

// Statement is Classify's result: the statement kind, the database/table
// names it references (either may be empty), and whether an IF EXISTS /
// IF NOT EXISTS modifier turns a missing or already-present target into a
// no-op success.
type Statement struct {
	Kind        StatementKind
	DB          string
	Table       string
	IfExists    bool
	IfNotExists bool
}

// Classify inspects sql's parse tree and reports which non-CREATE-TABLE
// statement kind it is, plus the names it references.
func Classify(sql string) (Statement, error) {
	p := parser.New()
	stmtNodes, _, err := p.Parse(sql, "", "")
	if err != nil {
		return Statement{}, fmt.Errorf("ddl: parse error: %w", err)
	}
	if len(stmtNodes) != 1 {
		return Statement{}, fmt.Errorf("ddl: expected exactly one statement, got %d", len(stmtNodes))
	}

	switch stmt := stmtNodes[0].(type) {
	case *ast.CreateDatabaseStmt:
		return Statement{
			Kind:        StmtCreateDatabase,
			DB:          stmt.Name.O,
			IfNotExists: stmt.IfNotExists,
		}, nil
	case *ast.DropTableStmt:
		if len(stmt.Tables) != 1 {
			return Statement{}, fmt.Errorf("ddl: DROP TABLE with multiple tables is not supported")
		}
		return Statement{
			Kind:     StmtDropTable,
			DB:       stmt.Tables[0].Schema.O,
			Table:    stmt.Tables[0].Name.O,
			IfExists: stmt.IfExists,
		}, nil
	case *ast.DropDatabaseStmt:
		return Statement{Kind: StmtDropDatabase, DB: stmt.Name.O, IfExists: stmt.IfExists}, nil
	case *ast.TruncateTableStmt:
		return Statement{Kind: StmtTruncateTable, DB: stmt.Table.Schema.O, Table: stmt.Table.Name.O}, nil
	case *ast.ShowStmt:
		switch stmt.Tp {
		case ast.ShowCreateTable:
			return Statement{Kind: StmtShowCreateTable, DB: stmt.Table.Schema.O, Table: stmt.Table.Name.O}, nil
		case ast.ShowDatabases:
			return Statement{Kind: StmtShowDatabases}, nil
		case ast.ShowTables:
			return Statement{Kind: StmtShowTables, DB: stmt.DBName}, nil
		}
		return Statement{}, nil
	default:
		return Statement{}, nil
	}
}
