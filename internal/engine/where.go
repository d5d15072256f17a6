package engine

import (
	"fmt"
	"time"

	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/opcode"
)

// rangeFilter is the one predicate shape this reference engine understands:
// a closed-open or closed-closed range over a single column, expressed as
// `col >= lo AND col < hi`, `col BETWEEN lo AND hi`, or `col = v`.
type rangeFilter struct {
	Column string
	Lo, Hi uint64 // inclusive bounds over the column's raw wire-encoded value
}

// extractRangeFilter walks a WHERE clause's parse tree looking for the
// range-over-one-column shape partition pruning needs. A nil where (no
// WHERE clause) or an unrecognized shape both report ok=false, meaning the
// caller must scan every partition rather than prune.
func extractRangeFilter(where ast.ExprNode) (rangeFilter, bool, error) {
	if where == nil {
		return rangeFilter{}, false, nil
	}

	switch e := where.(type) {
	case *ast.BetweenExpr:
		col, ok := columnName(e.Expr)
		if !ok {
			return rangeFilter{}, false, nil
		}
		lo, err := literalToUint64(e.Left)
		if err != nil {
			return rangeFilter{}, false, nil
		}
		hi, err := literalToUint64(e.Right)
		if err != nil {
			return rangeFilter{}, false, nil
		}
		return rangeFilter{Column: col, Lo: lo, Hi: hi}, true, nil

	case *ast.BinaryOperationExpr:
		if e.Op == opcode.LogicAnd {
			left, okL, errL := extractRangeFilter(e.L)
			right, okR, errR := extractRangeFilter(e.R)
			if errL != nil {
				return rangeFilter{}, false, errL
			}
			if errR != nil {
				return rangeFilter{}, false, errR
			}
			if !okL || !okR || left.Column != right.Column {
				return rangeFilter{}, false, nil
			}
			return mergeRange(left, right)
		}
		return comparisonRange(e)

	default:
		return rangeFilter{}, false, nil
	}
}

// mergeRange intersects two single-sided bounds over the same column
// (e.g. `>= a` merged with `< b`) into one closed range.
func mergeRange(a, b rangeFilter) (rangeFilter, bool, error) {
	lo := a.Lo
	if b.Lo > lo {
		lo = b.Lo
	}
	hi := a.Hi
	if b.Hi < hi {
		hi = b.Hi
	}
	return rangeFilter{Column: a.Column, Lo: lo, Hi: hi}, true, nil
}

func comparisonRange(e *ast.BinaryOperationExpr) (rangeFilter, bool, error) {
	col, ok := columnName(e.L)
	v, swapped := e.R, false
	if !ok {
		col, ok = columnName(e.R)
		v, swapped = e.L, true
	}
	if !ok {
		return rangeFilter{}, false, nil
	}
	n, err := literalToUint64(v)
	if err != nil {
		return rangeFilter{}, false, nil
	}

	op := e.Op
	if swapped {
		op = flip(op)
	}
	switch op {
	case opcode.EQ:
		return rangeFilter{Column: col, Lo: n, Hi: n}, true, nil
	case opcode.GE:
		return rangeFilter{Column: col, Lo: n, Hi: ^uint64(0)}, true, nil
	case opcode.GT:
		return rangeFilter{Column: col, Lo: n + 1, Hi: ^uint64(0)}, true, nil
	case opcode.LE:
		return rangeFilter{Column: col, Lo: 0, Hi: n}, true, nil
	case opcode.LT:
		if n == 0 {
			return rangeFilter{Column: col, Lo: 1, Hi: 0}, true, nil // empty range
		}
		return rangeFilter{Column: col, Lo: 0, Hi: n - 1}, true, nil
	default:
		return rangeFilter{}, false, nil
	}
}

// flip swaps a comparison operator's sense for `literal OP column` forms
// rewritten as `column OP' literal`.
func flip(op opcode.Op) opcode.Op {
	switch op {
	case opcode.GE:
		return opcode.LE
	case opcode.GT:
		return opcode.LT
	case opcode.LE:
		return opcode.GE
	case opcode.LT:
		return opcode.GT
	default:
		return op
	}
}

func columnName(e ast.ExprNode) (string, bool) {
	if c, ok := e.(*ast.ColumnNameExpr); ok {
		return c.Name.Name.O, true
	}
	return "", false
}

// literalToUint64 resolves an integer or date/datetime string literal to
// its raw wire-encoded form: a bare integer passes through, and a
// 'YYYY-MM-DD[ HH:MM:SS]' string is parsed as UTC seconds since epoch,
// the DateTime column encoding. The result is always in seconds: a string
// literal is not converted to a Date column's day count.
func literalToUint64(e ast.ExprNode) (uint64, error) {
	v, ok := e.(ast.ValueExpr)
	if !ok {
		return 0, fmt.Errorf("engine: unsupported literal expression")
	}
	switch val := v.GetValue().(type) {
	case int64:
		return uint64(val), nil
	case uint64:
		return val, nil
	case string:
		return parseDateLiteral(val)
	default:
		return 0, fmt.Errorf("engine: unsupported literal type %T", val)
	}
}

func parseDateLiteral(s string) (uint64, error) {
	layouts := []string{"2006-01-02 15:04:05", "2006-01-02"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return uint64(t.Unix()), nil
		}
	}
	return 0, fmt.Errorf("engine: unrecognized date/datetime literal %q", s)
}
