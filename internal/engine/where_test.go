package engine

import (
	"testing"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	_ "github.com/pingcap/tidb/pkg/parser/test_driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseWhere(t *testing.T, sql string) ast.ExprNode {
	t.Helper()
	p := parser.New()
	stmts, _, err := p.Parse(sql, "", "")
	require.NoError(t, err)
	require.Len(t, stmts, 1)
	sel, ok := stmts[0].(*ast.SelectStmt)
	require.True(t, ok)
	return sel.Where
}

func TestExtractRangeFilterBetween(t *testing.T) {
	where := parseWhere(t, "SELECT * FROM t WHERE ts BETWEEN 10 AND 20")
	f, ok, err := extractRangeFilter(where)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ts", f.Column)
	assert.EqualValues(t, 10, f.Lo)
	assert.EqualValues(t, 20, f.Hi)
}

func TestExtractRangeFilterConjunction(t *testing.T) {
	where := parseWhere(t, "SELECT * FROM t WHERE ts >= 10 AND ts < 20")
	f, ok, err := extractRangeFilter(where)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 10, f.Lo)
	assert.EqualValues(t, 19, f.Hi)
}

func TestExtractRangeFilterEquality(t *testing.T) {
	where := parseWhere(t, "SELECT * FROM t WHERE ts = 42")
	f, ok, err := extractRangeFilter(where)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 42, f.Lo)
	assert.EqualValues(t, 42, f.Hi)
}

func TestExtractRangeFilterSwappedOperands(t *testing.T) {
	where := parseWhere(t, "SELECT * FROM t WHERE 10 <= ts")
	f, ok, err := extractRangeFilter(where)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 10, f.Lo)
	assert.EqualValues(t, ^uint64(0), f.Hi)
}

func TestExtractRangeFilterDateLiteral(t *testing.T) {
	where := parseWhere(t, "SELECT * FROM t WHERE ts BETWEEN '1970-01-01' AND '1970-01-02'")
	f, ok, err := extractRangeFilter(where)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 0, f.Lo)
	assert.EqualValues(t, 86400, f.Hi)
}

func TestExtractRangeFilterNoWhereClause(t *testing.T) {
	_, ok, err := extractRangeFilter(nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExtractRangeFilterUnsupportedShapeIsNotAnError(t *testing.T) {
	where := parseWhere(t, "SELECT * FROM t WHERE ts IS NULL")
	_, ok, err := extractRangeFilter(where)
	require.NoError(t, err)
	assert.False(t, ok)
}
