package catalog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"basecol/internal/wire"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenSeedsSystemDatabases(t *testing.T) {
	s := openTestStore(t)
	dbs, err := s.ListDatabases()
	require.NoError(t, err)
	assert.Contains(t, dbs, SystemDatabase)
	assert.Contains(t, dbs, DefaultDatabase)
}

func TestGetDatabaseID(t *testing.T) {
	s := openTestStore(t)
	id, err := s.NewDatabase("shop")
	require.NoError(t, err)
	got, err := s.GetDatabaseID("shop")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = s.GetDatabaseID("nope")
	assert.Error(t, err)
}

func TestNewDatabaseRejectsDuplicate(t *testing.T) {
	s := openTestStore(t)
	_, err := s.NewDatabase("shop")
	require.NoError(t, err)
	_, err = s.NewDatabase("shop")
	assert.Error(t, err)
}

func TestCreateTableAndGetColumnsPreservesOrdinalOrder(t *testing.T) {
	s := openTestStore(t)
	dbID, err := s.NewDatabase("shop")
	require.NoError(t, err)

	tableID, err := s.CreateTable(NewTable{
		DatabaseID: dbID,
		Name:       "events",
		Attrs: TableAttrs{
			CreateScript:     "CREATE TABLE events (...)",
			PartitionKeyExpr: "toYYYYMMDD(ts)",
			PartitionColumns: []string{"ts"},
		},
		Columns: []NewColumn{
			{Name: "ts", Info: ColumnInfo{Type: wire.ColumnType{Kind: wire.KindFixed, Text: "DateTime", Size: 4}}},
			{Name: "id", Info: ColumnInfo{Type: wire.ColumnType{Kind: wire.KindFixed, Text: "UInt64", Size: 8}}},
			{Name: "name", Info: ColumnInfo{Type: wire.ColumnType{Kind: wire.KindString, Text: "String"}}},
		},
	})
	require.NoError(t, err)
	assert.NotZero(t, tableID)

	got, err := s.GetTableID("shop", "events")
	require.NoError(t, err)
	assert.Equal(t, tableID, got)

	cols, err := s.GetColumns("shop", "events")
	require.NoError(t, err)
	require.Len(t, cols, 3)
	assert.Equal(t, []string{"ts", "id", "name"}, []string{cols[0].Name, cols[1].Name, cols[2].Name})
	assert.Equal(t, wire.KindString, cols[2].Info.Type.Kind)

	attrs, err := s.GetTableInfo(tableID)
	require.NoError(t, err)
	assert.Equal(t, "toYYYYMMDD(ts)", attrs.PartitionKeyExpr)
	assert.Equal(t, []string{"ts"}, attrs.PartitionColumns)
}

func TestCreateTableRejectsDuplicateName(t *testing.T) {
	s := openTestStore(t)
	dbID, err := s.NewDatabase("shop")
	require.NoError(t, err)
	nt := NewTable{DatabaseID: dbID, Name: "events"}
	_, err = s.CreateTable(nt)
	require.NoError(t, err)
	_, err = s.CreateTable(nt)
	assert.Error(t, err)
}

func TestRemoveTableFreesNameAndColumns(t *testing.T) {
	s := openTestStore(t)
	dbID, err := s.NewDatabase("shop")
	require.NoError(t, err)
	_, err = s.CreateTable(NewTable{
		DatabaseID: dbID,
		Name:       "events",
		Columns:    []NewColumn{{Name: "id", Info: ColumnInfo{Type: wire.ColumnType{Kind: wire.KindFixed, Size: 8}}}},
	})
	require.NoError(t, err)

	_, colIDs, err := s.RemoveTable("shop", "events")
	require.NoError(t, err)
	assert.Len(t, colIDs, 1)

	_, err = s.GetTableID("shop", "events")
	assert.Error(t, err)
}

func TestRemoveDatabaseRejectsSystemDatabases(t *testing.T) {
	s := openTestStore(t)
	_, err := s.RemoveDatabase(SystemDatabase)
	assert.Error(t, err)
	_, err = s.RemoveDatabase(DefaultDatabase)
	assert.Error(t, err)
}

func TestRemoveDatabaseDropsItsTables(t *testing.T) {
	s := openTestStore(t)
	dbID, err := s.NewDatabase("shop")
	require.NoError(t, err)
	tableID, err := s.CreateTable(NewTable{
		DatabaseID: dbID,
		Name:       "events",
		Columns:    []NewColumn{{Name: "id", Info: ColumnInfo{Type: wire.ColumnType{Kind: wire.KindFixed, Size: 8}}}},
	})
	require.NoError(t, err)

	removed, err := s.RemoveDatabase("shop")
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, tableID, removed[0].TableID)
	assert.Len(t, removed[0].ColumnIDs, 1)

	dbs, err := s.ListDatabases()
	require.NoError(t, err)
	assert.NotContains(t, dbs, "shop")
}
