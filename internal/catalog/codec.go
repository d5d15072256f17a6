package catalog

import (
	"encoding/binary"
	"fmt"

	"basecol/internal/wire"
)

func idBytes(id Id) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return b[:]
}

func idFromBytes(b []byte) Id {
	return Id(binary.BigEndian.Uint64(b))
}

// attribute tags, per the table-attributes keyspace layout.
const (
	attrCreateScript     = "cr"
	attrEngine           = "en"
	attrPartitionExpr    = "pa"
	attrPartitionColumns = "pc"
	attrSettingPrefix    = "se"
)

func attrKey(tableID Id, tag string) []byte {
	return append(idBytes(tableID), []byte(tag)...)
}

func settingKey(tableID Id, name string) []byte {
	return attrKey(tableID, attrSettingPrefix+name)
}

// encodeColumnInfo packs a ColumnInfo into its on-disk representation:
// type text, then ordinal, nullable, primary-key flags.
func encodeColumnInfo(ci ColumnInfo) []byte {
	buf := wire.PutVarbytes(nil, []byte(ci.Type.Text))
	buf = wire.PutUvarint(buf, uint64(ci.Ordinal))
	var flags byte
	if ci.Nullable {
		flags |= 1
	}
	if ci.PrimaryKey {
		flags |= 2
	}
	return append(buf, flags)
}

func decodeColumnInfo(b []byte) (ColumnInfo, error) {
	typeText, n, err := wire.ReadVarbytes(b)
	if err != nil {
		return ColumnInfo{}, fmt.Errorf("catalog: decode column type: %w", err)
	}
	off := n
	ordinal, n2, err := wire.ReadUvarint(b[off:])
	if err != nil {
		return ColumnInfo{}, fmt.Errorf("catalog: decode column ordinal: %w", err)
	}
	off += n2
	if off >= len(b) {
		return ColumnInfo{}, fmt.Errorf("catalog: truncated column descriptor")
	}
	flags := b[off]

	t, err := wire.ParseType(string(typeText))
	if err != nil {
		return ColumnInfo{}, fmt.Errorf("catalog: %w", err)
	}
	return ColumnInfo{
		Type:       t,
		Ordinal:    int(ordinal),
		Nullable:   flags&1 != 0,
		PrimaryKey: flags&2 != 0,
	}, nil
}

// encodePartitionColumns joins partition column names as a sequence of
// varbytes entries; in this core the slice has at most one element, but the
// encoding does not assume that so a future multi-column relaxation would
// not need a format change.
func encodePartitionColumns(cols []string) []byte {
	var buf []byte
	buf = wire.PutUvarint(buf, uint64(len(cols)))
	for _, c := range cols {
		buf = wire.PutVarbytes(buf, []byte(c))
	}
	return buf
}

func decodePartitionColumns(b []byte) ([]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	n, off, err := wire.ReadUvarint(b)
	if err != nil {
		return nil, err
	}
	cols := make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		name, consumed, err := wire.ReadVarbytes(b[off:])
		if err != nil {
			return nil, err
		}
		cols = append(cols, string(name))
		off += consumed
	}
	return cols, nil
}
