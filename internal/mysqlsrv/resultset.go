package mysqlsrv

import (
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"basecol/internal/wire"
)

// writeOK writes an OK_Packet, used both for the handshake's final
// acknowledgement and for any statement that produces no result set
// (DDL, TRUNCATE, INSERT).
func writeOK(c *conn, affectedRows uint64, message string) error {
	buf := []byte{0x00}
	buf = putLenEncInt(buf, affectedRows)
	buf = putLenEncInt(buf, 0) // last insert id
	buf = append(buf, byte(serverStatusAutocommit), byte(serverStatusAutocommit>>8))
	buf = append(buf, 0, 0) // warning count
	buf = append(buf, message...)
	return c.writePacket(buf)
}

// writeErr writes an ERR_Packet with a SQLSTATE marker, this protocol's
// equivalent of the binary protocol's Exception packet.
func writeErr(c *conn, code uint16, message string) error {
	buf := []byte{0xff}
	buf = append(buf, byte(code), byte(code>>8))
	buf = append(buf, '#')
	buf = append(buf, "HY000"...)
	buf = append(buf, message...)
	return c.writePacket(buf)
}

// writeEOF writes a classic EOF_Packet (status + warning count), used to
// terminate the column-definition block and the row block of a text
// result set when CLIENT_DEPRECATE_EOF was not negotiated.
func writeEOF(c *conn) error {
	buf := []byte{0xfe, 0, 0}
	buf = append(buf, byte(serverStatusAutocommit), byte(serverStatusAutocommit>>8))
	return c.writePacket(buf)
}

// writeColumnDef writes one Column Definition 41 packet for a projected
// column named name, carrying the MySQL type code closest to t.
func writeColumnDef(c *conn, name string, t wire.ColumnType) error {
	buf := make([]byte, 0, 64)
	buf = putLenEncString(buf, "def")   // catalog
	buf = putLenEncString(buf, "")      // schema
	buf = putLenEncString(buf, "")      // table
	buf = putLenEncString(buf, "")      // org_table
	buf = putLenEncString(buf, name)    // name
	buf = putLenEncString(buf, name)    // org_name
	buf = putLenEncInt(buf, 0x0c)       // length of fixed fields
	buf = append(buf, 0x21, 0x00)       // charset: utf8_general_ci
	buf = binary.LittleEndian.AppendUint32(buf, 1024) // column length (display hint only)
	buf = append(buf, mysqlColumnType(t))
	buf = append(buf, 0, 0) // flags
	buf = append(buf, 0)    // decimals
	buf = append(buf, 0, 0) // filler
	return c.writePacket(buf)
}

// mysqlColumnType maps a wire.ColumnType onto the MySQL field type code
// closest to it for result-set metadata purposes; the text protocol sends
// every value as a string regardless, so this only affects how clients
// choose to parse/display the column.
func mysqlColumnType(t wire.ColumnType) byte {
	if t.Kind == wire.KindNullable {
		return mysqlColumnType(*t.Inner)
	}
	switch t.Kind {
	case wire.KindString, wire.KindFixedString, wire.KindLowCardinality:
		return mysqlTypeVarString
	}
	switch t.Text {
	case "Int8", "UInt8":
		return mysqlTypeTiny
	case "Int16", "UInt16":
		return mysqlTypeShort
	case "Int32", "UInt32":
		return mysqlTypeLong
	case "Int64", "UInt64":
		return mysqlTypeLongLong
	case "Float32":
		return mysqlTypeFloat
	case "Float64":
		return mysqlTypeDouble
	case "Date":
		return mysqlTypeDate
	case "DateTime":
		return mysqlTypeDateTime
	}
	if strings.HasPrefix(t.Text, "Decimal(") {
		return mysqlTypeNewDecimal
	}
	return mysqlTypeVarString
}

// writeTextRow writes one Text Resultset Row packet, encoding each cell
// with putLenEncString or the NULL marker 0xfb.
func writeTextRow(c *conn, cells []string, isNull []bool) error {
	buf := make([]byte, 0, 64)
	for i, cell := range cells {
		if isNull[i] {
			buf = append(buf, 0xfb)
			continue
		}
		buf = putLenEncString(buf, cell)
	}
	return c.writePacket(buf)
}

var decimalParamsRe = regexp.MustCompile(`^Decimal\((\d+),\s*(\d+)\)$`)

// renderRow converts row i of every chunk in cols into its text-protocol
// string representation, alongside a parallel NULL-ness slice.
func renderRow(cols []wire.ColumnChunk, i int) ([]string, []bool, error) {
	cells := make([]string, len(cols))
	nulls := make([]bool, len(cols))
	for ci, col := range cols {
		s, isNull, err := renderCell(col, i)
		if err != nil {
			return nil, nil, fmt.Errorf("mysqlsrv: column %q row %d: %w", col.Name, i, err)
		}
		cells[ci] = s
		nulls[ci] = isNull
	}
	return cells, nulls, nil
}

func renderCell(col wire.ColumnChunk, i int) (string, bool, error) {
	t := col.Type
	if t.Kind == wire.KindNullable {
		if i < len(col.NullMap) && col.NullMap[i] != 0 {
			return "", true, nil
		}
		inner := col
		inner.Type = *t.Inner
		return renderCell(inner, i)
	}

	switch t.Kind {
	case wire.KindString:
		if i+1 >= len(col.OffsetMap) {
			return "", false, fmt.Errorf("row index out of range")
		}
		lo, hi := col.OffsetMap[i], col.OffsetMap[i+1]
		return string(col.Data[lo:hi]), false, nil
	case wire.KindFixedString:
		lo := i * t.N
		hi := lo + t.N
		if hi > len(col.Data) {
			return "", false, fmt.Errorf("row index out of range")
		}
		return strings.TrimRight(string(col.Data[lo:hi]), "\x00"), false, nil
	case wire.KindLowCardinality:
		idx, err := lcIndexAt(col, i)
		if err != nil {
			return "", false, err
		}
		if idx >= uint64(len(col.LCDict)) {
			return "", false, fmt.Errorf("dictionary index %d out of range", idx)
		}
		return string(col.LCDict[idx]), false, nil
	default:
		lo := i * t.Size
		hi := lo + t.Size
		if hi > len(col.Data) {
			return "", false, fmt.Errorf("row index out of range")
		}
		return renderFixed(t, col.Data[lo:hi])
	}
}

func lcIndexAt(col wire.ColumnChunk, i int) (uint64, error) {
	width := indexWidthFor(len(col.LCDict))
	lo := i * width
	hi := lo + width
	if hi > len(col.LCIndices) {
		return 0, fmt.Errorf("dictionary index row out of range")
	}
	switch width {
	case 1:
		return uint64(col.LCIndices[lo]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(col.LCIndices[lo:hi])), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(col.LCIndices[lo:hi])), nil
	default:
		return binary.LittleEndian.Uint64(col.LCIndices[lo:hi]), nil
	}
}

func indexWidthFor(dictLen int) int {
	switch {
	case dictLen < 1<<8:
		return 1
	case dictLen < 1<<16:
		return 2
	case dictLen < 1<<32:
		return 4
	default:
		return 8
	}
}

func renderFixed(t wire.ColumnType, raw []byte) (string, bool, error) {
	if m := decimalParamsRe.FindStringSubmatch(t.Text); m != nil {
		scale, _ := strconv.Atoi(m[2])
		var coeff int64
		if len(raw) == 4 {
			coeff = int64(int32(binary.LittleEndian.Uint32(raw)))
		} else {
			coeff = int64(binary.LittleEndian.Uint64(raw))
		}
		return formatDecimal(coeff, scale), false, nil
	}

	switch t.Text {
	case "Int8":
		return strconv.FormatInt(int64(int8(raw[0])), 10), false, nil
	case "UInt8":
		return strconv.FormatUint(uint64(raw[0]), 10), false, nil
	case "Int16":
		return strconv.FormatInt(int64(int16(binary.LittleEndian.Uint16(raw))), 10), false, nil
	case "UInt16":
		return strconv.FormatUint(uint64(binary.LittleEndian.Uint16(raw)), 10), false, nil
	case "Int32":
		return strconv.FormatInt(int64(int32(binary.LittleEndian.Uint32(raw))), 10), false, nil
	case "UInt32":
		return strconv.FormatUint(uint64(binary.LittleEndian.Uint32(raw)), 10), false, nil
	case "Int64":
		return strconv.FormatInt(int64(binary.LittleEndian.Uint64(raw)), 10), false, nil
	case "UInt64":
		return strconv.FormatUint(binary.LittleEndian.Uint64(raw), 10), false, nil
	case "Float32":
		f := math.Float32frombits(binary.LittleEndian.Uint32(raw))
		return strconv.FormatFloat(float64(f), 'g', -1, 32), false, nil
	case "Float64":
		f := math.Float64frombits(binary.LittleEndian.Uint64(raw))
		return strconv.FormatFloat(f, 'g', -1, 64), false, nil
	case "Date":
		days := binary.LittleEndian.Uint16(raw)
		d := time.Unix(int64(days)*86400, 0).UTC()
		return d.Format("2006-01-02"), false, nil
	case "DateTime":
		secs := binary.LittleEndian.Uint32(raw)
		d := time.Unix(int64(secs), 0).UTC()
		return d.Format("2006-01-02 15:04:05"), false, nil
	default:
		return "", false, fmt.Errorf("mysqlsrv: unrenderable column type %q", t.Text)
	}
}

// formatDecimal renders a two's-complement coefficient with an implied
// decimal point scale digits from the right, matching Decimal(p,s)'s
// on-disk encoding.
func formatDecimal(coeff int64, scale int) string {
	neg := coeff < 0
	if neg {
		coeff = -coeff
	}
	s := strconv.FormatInt(coeff, 10)
	for len(s) <= scale {
		s = "0" + s
	}
	var out string
	if scale == 0 {
		out = s
	} else {
		out = s[:len(s)-scale] + "." + s[len(s)-scale:]
	}
	if neg {
		out = "-" + out
	}
	return out
}
