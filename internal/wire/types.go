package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// TypeKind discriminates the handful of on-wire column encodings the block
// codec understands. Everything beyond "how many bytes per row, and are
// they fixed or offset-mapped" is the execution engine's business, not
// ours.
type TypeKind int

const (
	KindFixed TypeKind = iota
	KindString
	KindFixedString
	KindLowCardinality
	KindNullable
)

// ColumnType is a parsed column type text (e.g. "Nullable(UInt32)",
// "FixedString(16)", "LowCardinality(String)").
type ColumnType struct {
	Kind  TypeKind
	Text  string // original type text, preserved verbatim for re-encoding
	Size  int    // byte width of one row's fixed-width payload; 0 for String
	N     int    // FixedString(n) length
	Inner *ColumnType // Nullable(T) / element type
}

// fixedWidths lists every fixed-size primitive type name this core accepts,
// keyed by its wire-format little-endian byte width.
var fixedWidths = map[string]int{
	"Int8": 1, "UInt8": 1,
	"Int16": 2, "UInt16": 2,
	"Int32": 4, "UInt32": 4,
	"Int64": 8, "UInt64": 8,
	"Float32": 4, "Float64": 8,
	"Date":     2,
	"DateTime": 4,
}

// ParseType parses a type text into a ColumnType. Decimal(p,s) resolves to
// a 4-byte payload for precision < 10 and 8-byte otherwise, per the
// two's-complement coefficient encoding.
func ParseType(text string) (ColumnType, error) {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "Nullable(") && strings.HasSuffix(text, ")") {
		inner, err := ParseType(text[len("Nullable(") : len(text)-1])
		if err != nil {
			return ColumnType{}, fmt.Errorf("wire: %w", err)
		}
		ic := inner
		return ColumnType{Kind: KindNullable, Text: text, Size: inner.Size, Inner: &ic}, nil
	}

	if strings.HasPrefix(text, "LowCardinality(") && strings.HasSuffix(text, ")") {
		innerText := text[len("LowCardinality(") : len(text)-1]
		if innerText != "String" {
			return ColumnType{}, fmt.Errorf("wire: LowCardinality(%s) unsupported, only LowCardinality(String)", innerText)
		}
		return ColumnType{Kind: KindLowCardinality, Text: text}, nil
	}

	if strings.HasPrefix(text, "FixedString(") && strings.HasSuffix(text, ")") {
		nText := text[len("FixedString(") : len(text)-1]
		n, err := strconv.Atoi(nText)
		if err != nil || n <= 0 {
			return ColumnType{}, fmt.Errorf("wire: invalid FixedString length %q", nText)
		}
		return ColumnType{Kind: KindFixedString, Text: text, Size: n, N: n}, nil
	}

	if strings.HasPrefix(text, "Decimal(") && strings.HasSuffix(text, ")") {
		params := strings.Split(text[len("Decimal(") : len(text)-1], ",")
		if len(params) != 2 {
			return ColumnType{}, fmt.Errorf("wire: invalid Decimal params %q", text)
		}
		p, err := strconv.Atoi(strings.TrimSpace(params[0]))
		if err != nil {
			return ColumnType{}, fmt.Errorf("wire: invalid Decimal precision %q", params[0])
		}
		size := 8
		if p < 10 {
			size = 4
		}
		return ColumnType{Kind: KindFixed, Text: text, Size: size}, nil
	}

	if text == "String" {
		return ColumnType{Kind: KindString, Text: text}, nil
	}

	if size, ok := fixedWidths[text]; ok {
		return ColumnType{Kind: KindFixed, Text: text, Size: size}, nil
	}

	return ColumnType{}, fmt.Errorf("wire: unrecognized column type %q", text)
}
