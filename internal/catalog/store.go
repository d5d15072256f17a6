package catalog

import (
	"bytes"
	"fmt"
	"strings"

	"go.etcd.io/bbolt"
)

var (
	bucketNames  = []byte("names")  // qualified name -> be64(id)
	bucketIDName = []byte("idname") // be64(id) -> qualified name
	bucketAttrs  = []byte("attrs")  // be64(tableID)+tag -> value
	bucketCols   = []byte("cols")   // be64(columnID) -> packed ColumnInfo
)

const (
	idxDBPrefix = "__idx_dbs_"
	idxTabFmt   = "__idx_tabs_%s_"
)

// Store is the bbolt-backed MetaStore. Id generation uses bbolt's own
// monotonic per-bucket sequence; concurrent readers and writers are
// serialized by bbolt's single-writer transactions, so Store adds no locks
// of its own.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the catalog database file at path and
// ensures its buckets exist. It also seeds the two implicit system
// databases if they are not already present.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketNames, bucketIDName, bucketAttrs, bucketCols} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: init buckets: %w", err)
	}
	for _, sys := range []string{SystemDatabase, DefaultDatabase} {
		if _, err := s.NewDatabase(sys); err != nil && !strings.Contains(err.Error(), "already exists") {
			db.Close()
			return nil, fmt.Errorf("catalog: seed database %q: %w", sys, err)
		}
	}
	return s, nil
}

// Close releases the underlying bbolt database file.
func (s *Store) Close() error { return s.db.Close() }

// NewDatabase allocates an id for name and registers it. It fails if name
// already exists.
func (s *Store) NewDatabase(name string) (Id, error) {
	var id Id
	err := s.db.Update(func(tx *bbolt.Tx) error {
		names := tx.Bucket(bucketNames)
		if names.Get([]byte(name)) != nil {
			return fmt.Errorf("catalog: database %q already exists", name)
		}
		n, err := names.NextSequence()
		if err != nil {
			return err
		}
		id = Id(n)
		if err := names.Put([]byte(name), idBytes(id)); err != nil {
			return err
		}
		if err := names.Put([]byte(idxDBPrefix+name), idBytes(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketIDName).Put(idBytes(id), []byte(name))
	})
	return id, err
}

// ListDatabases returns every registered database name, including the
// implicit system databases.
func (s *Store) ListDatabases() ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketNames).Cursor()
		prefix := []byte(idxDBPrefix)
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			out = append(out, string(k[len(prefix):]))
		}
		return nil
	})
	return out, err
}

func (s *Store) lookupID(tx *bbolt.Tx, name string) (Id, bool) {
	v := tx.Bucket(bucketNames).Get([]byte(name))
	if v == nil {
		return 0, false
	}
	return idFromBytes(v), true
}

// CreateTable allocates a table id and one column id per column (in
// declared order), then persists table attributes and column descriptors.
// It fails if the table already exists or its database does not.
func (s *Store) CreateTable(t NewTable) (Id, error) {
	var tableID Id
	err := s.db.Update(func(tx *bbolt.Tx) error {
		names := tx.Bucket(bucketNames)
		idname := tx.Bucket(bucketIDName)
		attrs := tx.Bucket(bucketAttrs)
		cols := tx.Bucket(bucketCols)

		dbName, ok := s.reverseLookup(tx, t.DatabaseID)
		if !ok {
			return fmt.Errorf("catalog: database id %d does not exist", t.DatabaseID)
		}
		qualified := dbName + "." + t.Name
		if names.Get([]byte(qualified)) != nil {
			return fmt.Errorf("catalog: table %q already exists", qualified)
		}

		n, err := names.NextSequence()
		if err != nil {
			return err
		}
		tableID = Id(n)
		if err := names.Put([]byte(qualified), idBytes(tableID)); err != nil {
			return err
		}
		if err := names.Put([]byte(fmt.Sprintf(idxTabFmt, dbName)+t.Name), idBytes(tableID)); err != nil {
			return err
		}
		if err := idname.Put(idBytes(tableID), []byte(qualified)); err != nil {
			return err
		}

		if err := attrs.Put(attrKey(tableID, attrCreateScript), []byte(t.Attrs.CreateScript)); err != nil {
			return err
		}
		if err := attrs.Put(attrKey(tableID, attrEngine), []byte{byte(t.Attrs.Engine)}); err != nil {
			return err
		}
		if err := attrs.Put(attrKey(tableID, attrPartitionExpr), []byte(t.Attrs.PartitionKeyExpr)); err != nil {
			return err
		}
		if err := attrs.Put(attrKey(tableID, attrPartitionColumns), encodePartitionColumns(t.Attrs.PartitionColumns)); err != nil {
			return err
		}
		for k, v := range t.Attrs.Settings {
			if err := attrs.Put(settingKey(tableID, k), []byte(v)); err != nil {
				return err
			}
		}

		for ord, nc := range t.Columns {
			cn, err := names.NextSequence()
			if err != nil {
				return err
			}
			colID := Id(cn)
			ci := nc.Info
			ci.Ordinal = ord
			if err := cols.Put(idBytes(colID), encodeColumnInfo(ci)); err != nil {
				return err
			}
			colQualified := qualified + "." + nc.Name
			if err := names.Put([]byte(colQualified), idBytes(colID)); err != nil {
				return err
			}
			if err := idname.Put(idBytes(colID), []byte(colQualified)); err != nil {
				return err
			}
		}
		return nil
	})
	return tableID, err
}

func (s *Store) reverseLookup(tx *bbolt.Tx, id Id) (string, bool) {
	v := tx.Bucket(bucketIDName).Get(idBytes(id))
	if v == nil {
		return "", false
	}
	return string(v), true
}

// RemovedTable reports one table dropped as part of a RemoveDatabase, so
// callers can purge its partition-registry entries and column files.
type RemovedTable struct {
	TableID   Id
	ColumnIDs []Id
}

// RemoveDatabase drops db and every table within it, returning the freed
// table and column ids. system and default cannot be dropped.
func (s *Store) RemoveDatabase(name string) ([]RemovedTable, error) {
	if name == SystemDatabase || name == DefaultDatabase {
		return nil, fmt.Errorf("catalog: cannot drop system database %q", name)
	}
	tables, err := s.ListTables(name)
	if err != nil {
		return nil, err
	}
	removed := make([]RemovedTable, 0, len(tables))
	for _, t := range tables {
		tid, colIDs, err := s.RemoveTable(name, t)
		if err != nil {
			return removed, err
		}
		removed = append(removed, RemovedTable{TableID: tid, ColumnIDs: colIDs})
	}
	return removed, s.db.Update(func(tx *bbolt.Tx) error {
		names := tx.Bucket(bucketNames)
		id, ok := s.lookupID(tx, name)
		if !ok {
			return fmt.Errorf("catalog: database %q does not exist", name)
		}
		if err := names.Delete([]byte(name)); err != nil {
			return err
		}
		if err := names.Delete([]byte(idxDBPrefix + name)); err != nil {
			return err
		}
		return tx.Bucket(bucketIDName).Delete(idBytes(id))
	})
}

// ListTables returns every table name registered under db.
func (s *Store) ListTables(db string) ([]string, error) {
	var out []string
	prefix := []byte(fmt.Sprintf(idxTabFmt, db))
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketNames).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			out = append(out, string(k[len(prefix):]))
		}
		return nil
	})
	return out, err
}

// RemoveTable removes a table's row, all column rows, all attribute rows,
// and its synthetic index entry. It returns the freed table id and column
// ids so PartStore and ColumnFile I/O can purge derivative state.
func (s *Store) RemoveTable(db, table string) (Id, []Id, error) {
	var tableID Id
	var colIDs []Id
	err := s.db.Update(func(tx *bbolt.Tx) error {
		names := tx.Bucket(bucketNames)
		idname := tx.Bucket(bucketIDName)
		attrs := tx.Bucket(bucketAttrs)
		cols := tx.Bucket(bucketCols)

		qualified := db + "." + table
		id, ok := s.lookupID(tx, qualified)
		if !ok {
			return fmt.Errorf("catalog: table %q does not exist", qualified)
		}
		tableID = id

		colPrefix := []byte(qualified + ".")
		c := names.Cursor()
		var colNames [][]byte
		for k, v := c.Seek(colPrefix); k != nil && bytes.HasPrefix(k, colPrefix); k, v = c.Next() {
			colIDs = append(colIDs, idFromBytes(v))
			colNames = append(colNames, append([]byte{}, k...))
		}
		for i, cid := range colIDs {
			if err := cols.Delete(idBytes(cid)); err != nil {
				return err
			}
			if err := idname.Delete(idBytes(cid)); err != nil {
				return err
			}
			if err := names.Delete(colNames[i]); err != nil {
				return err
			}
		}

		attrPrefix := idBytes(tableID)
		ac := attrs.Cursor()
		var attrKeys [][]byte
		for k, _ := ac.Seek(attrPrefix); k != nil && bytes.HasPrefix(k, attrPrefix); k, _ = ac.Next() {
			attrKeys = append(attrKeys, append([]byte{}, k...))
		}
		for _, k := range attrKeys {
			if err := attrs.Delete(k); err != nil {
				return err
			}
		}

		if err := names.Delete([]byte(qualified)); err != nil {
			return err
		}
		if err := names.Delete([]byte(fmt.Sprintf(idxTabFmt, db) + table)); err != nil {
			return err
		}
		return idname.Delete(idBytes(tableID))
	})
	return tableID, colIDs, err
}

// GetDatabaseID resolves a database name to its id.
func (s *Store) GetDatabaseID(name string) (Id, error) {
	var id Id
	var ok bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		id, ok = s.lookupID(tx, name)
		return nil
	})
	if err == nil && !ok {
		err = fmt.Errorf("catalog: database %q does not exist", name)
	}
	return id, err
}

// GetTableID resolves db.table to its id.
func (s *Store) GetTableID(db, table string) (Id, error) {
	var id Id
	var ok bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		id, ok = s.lookupID(tx, db+"."+table)
		return nil
	})
	if err == nil && !ok {
		err = fmt.Errorf("catalog: table %q.%q does not exist", db, table)
	}
	return id, err
}

// GetTableInfo reads a table's attributes.
func (s *Store) GetTableInfo(tableID Id) (TableAttrs, error) {
	var a TableAttrs
	err := s.db.View(func(tx *bbolt.Tx) error {
		attrs := tx.Bucket(bucketAttrs)
		a.CreateScript = string(attrs.Get(attrKey(tableID, attrCreateScript)))
		if v := attrs.Get(attrKey(tableID, attrEngine)); len(v) == 1 {
			a.Engine = Engine(v[0])
		}
		a.PartitionKeyExpr = string(attrs.Get(attrKey(tableID, attrPartitionExpr)))
		cols, err := decodePartitionColumns(attrs.Get(attrKey(tableID, attrPartitionColumns)))
		if err != nil {
			return fmt.Errorf("catalog: decode partition columns for table %d: %w", tableID, err)
		}
		a.PartitionColumns = cols

		a.Settings = map[string]string{}
		prefix := attrKey(tableID, attrSettingPrefix)
		c := attrs.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			a.Settings[string(k[len(prefix):])] = string(v)
		}
		return nil
	})
	return a, err
}

// GetColumns enumerates a table's columns sorted by ordinal.
func (s *Store) GetColumns(db, table string) ([]Column, error) {
	var out []Column
	err := s.db.View(func(tx *bbolt.Tx) error {
		names := tx.Bucket(bucketNames)
		cols := tx.Bucket(bucketCols)
		qualified := db + "." + table
		prefix := []byte(qualified + ".")
		c := names.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			colID := idFromBytes(v)
			info, err := decodeColumnInfo(cols.Get(idBytes(colID)))
			if err != nil {
				return fmt.Errorf("catalog: column %q: %w", k, err)
			}
			tid, _ := s.lookupID(tx, qualified)
			out = append(out, Column{
				ID:      colID,
				TableID: tid,
				Name:    string(k[len(prefix):]),
				Info:    info,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Info.Ordinal < out[j-1].Info.Ordinal; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}
