package ddl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"basecol/internal/wire"
)

func TestParseCreateTableBasic(t *testing.T) {
	res, err := ParseCreateTable(`CREATE TABLE events (
		ts DATETIME NOT NULL,
		id BIGINT UNSIGNED NOT NULL,
		name VARCHAR(255)
	) ENGINE=BaseStorage PARTITION BY toYYYYMMDD(ts)`)
	require.NoError(t, err)

	assert.Equal(t, "events", res.TableName)
	require.Len(t, res.Columns, 3)
	assert.Equal(t, "ts", res.Columns[0].Name)
	assert.Equal(t, wire.KindFixed, res.Columns[0].Info.Type.Kind)
	assert.False(t, res.Columns[0].Info.Nullable)
	assert.Equal(t, "UInt64", res.Columns[1].Info.Type.Text)
	assert.Equal(t, wire.KindString, res.Columns[2].Info.Type.Kind)
	assert.True(t, res.Columns[2].Info.Nullable)

	assert.Equal(t, "toYYYYMMDD(ts)", res.PartitionExpr)
	assert.Equal(t, []string{"ts"}, res.PartitionColumns)
	assert.EqualValues(t, 1, res.Engine) // EngineBaseStorage
}

func TestParseCreateTableEngineOption(t *testing.T) {
	res, err := ParseCreateTable(`CREATE TABLE t (id INT) ENGINE=BaseStorage`)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Engine) // EngineBaseStorage
}

func TestParseCreateTableRejectsMultiColumnPartitionKey(t *testing.T) {
	_, err := ParseCreateTable(`CREATE TABLE t (a INT, b INT) PARTITION BY intDiv(a, b)`)
	assert.Error(t, err)
}

func TestParseCreateTableRejectsBadPartitionColumnType(t *testing.T) {
	_, err := ParseCreateTable(`CREATE TABLE t (name VARCHAR(10)) PARTITION BY name`)
	assert.Error(t, err)
}

func TestConvertColumnLowCardinality(t *testing.T) {
	res, err := ParseCreateTable(`CREATE TABLE t (tag VARCHAR(32) NOT NULL COMMENT 'lowcardinality')`)
	require.NoError(t, err)
	require.Len(t, res.Columns, 1)
	assert.Equal(t, "LowCardinality(String)", res.Columns[0].Info.Type.Text)
}

func TestConvertColumnRejectsNullableLowCardinality(t *testing.T) {
	_, err := ParseCreateTable(`CREATE TABLE t (tag VARCHAR(32) COMMENT 'lowcardinality')`)
	assert.Error(t, err)
}

func TestMapSQLTypeDecimal(t *testing.T) {
	typeText, err := mapSQLType("decimal(10,2)")
	require.NoError(t, err)
	assert.Equal(t, "Decimal(10,2)", typeText)
}

func TestMapSQLTypeChar(t *testing.T) {
	typeText, err := mapSQLType("char(16)")
	require.NoError(t, err)
	assert.Equal(t, "FixedString(16)", typeText)
}

func TestMapSQLTypeUnsupported(t *testing.T) {
	_, err := mapSQLType("geometry")
	assert.Error(t, err)
}

func TestClassifyCreateDatabase(t *testing.T) {
	stmt, err := Classify("CREATE DATABASE shop")
	require.NoError(t, err)
	assert.Equal(t, StmtCreateDatabase, stmt.Kind)
	assert.Equal(t, "shop", stmt.DB)
	assert.False(t, stmt.IfNotExists)
}

func TestClassifyCreateDatabaseIfNotExists(t *testing.T) {
	stmt, err := Classify("CREATE DATABASE IF NOT EXISTS shop")
	require.NoError(t, err)
	assert.Equal(t, StmtCreateDatabase, stmt.Kind)
	assert.Equal(t, "shop", stmt.DB)
	assert.True(t, stmt.IfNotExists)
}

func TestParseCreateTableSchemaQualified(t *testing.T) {
	res, err := ParseCreateTable(`CREATE TABLE shop.events (id INT)`)
	require.NoError(t, err)
	assert.Equal(t, "shop", res.DBName)
	assert.Equal(t, "events", res.TableName)
}

func TestClassifyDropTable(t *testing.T) {
	stmt, err := Classify("DROP TABLE shop.events")
	require.NoError(t, err)
	assert.Equal(t, StmtDropTable, stmt.Kind)
	assert.Equal(t, "shop", stmt.DB)
	assert.Equal(t, "events", stmt.Table)
	assert.False(t, stmt.IfExists)
}

func TestClassifyDropDatabaseIfExists(t *testing.T) {
	stmt, err := Classify("DROP DATABASE IF EXISTS shop")
	require.NoError(t, err)
	assert.Equal(t, StmtDropDatabase, stmt.Kind)
	assert.Equal(t, "shop", stmt.DB)
	assert.True(t, stmt.IfExists)
}

func TestClassifyTruncateTable(t *testing.T) {
	stmt, err := Classify("TRUNCATE TABLE events")
	require.NoError(t, err)
	assert.Equal(t, StmtTruncateTable, stmt.Kind)
	assert.Equal(t, "events", stmt.Table)
}

func TestClassifyShowCreateTable(t *testing.T) {
	stmt, err := Classify("SHOW CREATE TABLE events")
	require.NoError(t, err)
	assert.Equal(t, StmtShowCreateTable, stmt.Kind)
	assert.Equal(t, "events", stmt.Table)
}

func TestClassifyShowDatabases(t *testing.T) {
	stmt, err := Classify("SHOW DATABASES")
	require.NoError(t, err)
	assert.Equal(t, StmtShowDatabases, stmt.Kind)
}

func TestClassifyOtherStatement(t *testing.T) {
	stmt, err := Classify("SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, StmtOther, stmt.Kind)
}
