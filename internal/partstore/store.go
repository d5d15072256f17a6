package partstore

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.etcd.io/bbolt"
)

var (
	bucketReserved  = []byte("reserved")  // be(tableID)||be(ptk) -> u64
	bucketCommitted = []byte("committed") // be(tableID)||be(ptk) -> u64
	bucketColSize   = []byte("colsize")   // be(columnID)||be(ptk) -> u64
	bucketLocks     = []byte("locks")     // be(tableID) -> 0/1
)

// Store is the bbolt-backed PartStore. It is kept in a database file
// distinct from the catalog's so high-volume partition-registry writes
// never contend with catalog reads.
type Store struct {
	db       *bbolt.DB
	dataDirs []string
}

// Open opens (creating if absent) the partition registry at path. dataDirs
// is the fixed, ordered list of configured data directories partitions are
// distributed across; it must be non-empty and stable across process
// restarts, since a partition's directory is derived from hashing its key.
func Open(path string, dataDirs []string) (*Store, error) {
	if len(dataDirs) == 0 {
		return nil, fmt.Errorf("partstore: at least one data directory is required")
	}
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("partstore: open %s: %w", path, err)
	}
	s := &Store{db: db, dataDirs: append([]string{}, dataDirs...)}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketReserved, bucketCommitted, bucketColSize, bucketLocks} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("partstore: init buckets: %w", err)
	}
	return s, nil
}

// Close releases the underlying bbolt database file.
func (s *Store) Close() error { return s.db.Close() }

func pairKey(id uint64, ptk PartitionKey) []byte {
	var b [16]byte
	binary.BigEndian.PutUint64(b[0:8], id)
	binary.BigEndian.PutUint64(b[8:16], uint64(ptk))
	return b[:]
}

func u64Key(id uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return b[:]
}

func getU64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func putU64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// DataDir returns the configured data directory a partition key is routed
// to: hash(ptk) mod N over the fixed directory list.
func (s *Store) DataDir(ptk PartitionKey) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(ptk))
	h := xxhash.Sum64(b[:])
	return s.dataDirs[h%uint64(len(s.dataDirs))]
}

// ColumnFilePath returns the on-disk path for a fixed-width column part, or
// for a variable-width column's data file (callers append "om" themselves
// for the offset-map sibling).
func (s *Store) ColumnFilePath(tableID, columnID uint64, ptk PartitionKey) string {
	return filepath.Join(
		s.DataDir(ptk),
		strconv.FormatUint(tableID, 10),
		strconv.FormatUint(columnID, 10)+"_"+strconv.FormatUint(uint64(ptk), 10),
	)
}

// ReserveRowIDs atomically advances the reserved-row-id counter for
// (tableID, ptk) by count and returns the first row id of the reserved
// range. This is the only operation that must serialize against
// concurrent writers to the same partition; it takes no file or table
// lock, relying instead on bbolt's single-writer transaction.
func (s *Store) ReserveRowIDs(tableID uint64, ptk PartitionKey, count uint64) (uint64, error) {
	var first uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketReserved)
		k := pairKey(tableID, ptk)
		first = getU64(b.Get(k))
		return b.Put(k, putU64(first+count))
	})
	return first, err
}

// CommittedRowCount returns the number of rows visible to readers for
// (tableID, ptk).
func (s *Store) CommittedRowCount(tableID uint64, ptk PartitionKey) (uint64, error) {
	var n uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = getU64(tx.Bucket(bucketCommitted).Get(pairKey(tableID, ptk)))
		return nil
	})
	return n, err
}

// SetRowCount advances the committed-row counter for (tableID, ptk) to
// newCount. It must only be called after every column in the batch has
// been durably written; readers and EnumeratePartitions consult only this
// counter, never the reserved one. The counter is monotonic: a writer
// whose batch landed behind a faster concurrent writer's commit never
// regresses it.
func (s *Store) SetRowCount(tableID uint64, ptk PartitionKey, newCount uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCommitted)
		k := pairKey(tableID, ptk)
		if getU64(b.Get(k)) >= newCount {
			return nil
		}
		return b.Put(k, putU64(newCount))
	})
}

// UpdateColumnByteSize idempotently records the on-disk byte-size
// high-water mark for (columnID, ptk). Like SetRowCount it never moves
// backwards under concurrent fixed-width appends committing out of order.
func (s *Store) UpdateColumnByteSize(columnID uint64, ptk PartitionKey, newSize uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketColSize)
		k := pairKey(columnID, ptk)
		if getU64(b.Get(k)) >= newSize {
			return nil
		}
		return b.Put(k, putU64(newSize))
	})
}

// ColumnByteSize returns the last recorded on-disk byte size for
// (columnID, ptk).
func (s *Store) ColumnByteSize(columnID uint64, ptk PartitionKey) (uint64, error) {
	var n uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = getU64(tx.Bucket(bucketColSize).Get(pairKey(columnID, ptk)))
		return nil
	})
	return n, err
}

// lockRetryInterval is how long AcquireTableLock sleeps between compare-
// and-swap attempts on contention.
const lockRetryInterval = 2 * time.Millisecond

// AcquireTableLock spins a compare-and-swap loop until it owns the lock
// for tableID or ctx-less timeout elapses. It is used only around
// variable-width column appends, whose offset-map writes must stay
// consistent with their data-file writes across several column files
// within one batch.
func (s *Store) AcquireTableLock(tableID uint64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	k := u64Key(tableID)
	for {
		acquired := false
		err := s.db.Update(func(tx *bbolt.Tx) error {
			b := tx.Bucket(bucketLocks)
			if v := b.Get(k); len(v) == 1 && v[0] == 1 {
				return nil
			}
			acquired = true
			return b.Put(k, []byte{1})
		})
		if err != nil {
			return err
		}
		if acquired {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("partstore: timed out acquiring lock for table %d", tableID)
		}
		time.Sleep(lockRetryInterval)
	}
}

// ReleaseTableLock releases the lock acquired by AcquireTableLock.
func (s *Store) ReleaseTableLock(tableID uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLocks).Put(u64Key(tableID), []byte{0})
	})
}

// EnumeratePartitions lists every partition of columnID with a committed
// row count in [loPtk, hiPtk], resolving each to its data directory, file
// path, and recorded byte size. Callers open and memory-map the returned
// paths themselves.
func (s *Store) EnumeratePartitions(tableID, columnID uint64, loPtk, hiPtk PartitionKey) ([]PartitionInfo, error) {
	var out []PartitionInfo
	err := s.db.View(func(tx *bbolt.Tx) error {
		committed := tx.Bucket(bucketCommitted)
		colsize := tx.Bucket(bucketColSize)
		c := committed.Cursor()
		prefix := u64Key(tableID)
		for k, v := c.Seek(prefix); k != nil && len(k) == 16 && string(k[:8]) == string(prefix); k, v = c.Next() {
			ptk := PartitionKey(binary.BigEndian.Uint64(k[8:16]))
			if ptk < loPtk || ptk > hiPtk {
				continue
			}
			if getU64(v) == 0 {
				continue
			}
			size := getU64(colsize.Get(pairKey(columnID, ptk)))
			out = append(out, PartitionInfo{
				Ptk:      ptk,
				DataDir:  s.DataDir(ptk),
				FilePath: s.ColumnFilePath(tableID, columnID, ptk),
				Size:     int64(size),
			})
		}
		return nil
	})
	return out, err
}

// ListPartitions returns every partition key of tableID with a nonzero
// committed row count in [loPtk, hiPtk], along with that committed count.
// Unlike EnumeratePartitions it is not scoped to a single column, which
// makes it the right primitive for a table-wide count(*) that does not
// need to map any particular column's files.
func (s *Store) ListPartitions(tableID uint64, loPtk, hiPtk PartitionKey) (map[PartitionKey]uint64, error) {
	out := make(map[PartitionKey]uint64)
	err := s.db.View(func(tx *bbolt.Tx) error {
		committed := tx.Bucket(bucketCommitted)
		c := committed.Cursor()
		prefix := u64Key(tableID)
		for k, v := c.Seek(prefix); k != nil && len(k) == 16 && string(k[:8]) == string(prefix); k, v = c.Next() {
			ptk := PartitionKey(binary.BigEndian.Uint64(k[8:16]))
			if ptk < loPtk || ptk > hiPtk {
				continue
			}
			n := getU64(v)
			if n == 0 {
				continue
			}
			out[ptk] = n
		}
		return nil
	})
	return out, err
}

// PurgeTable removes every reserved/committed/lock entry for tableID. It
// does not touch column-size entries, since those are keyed by column id
// and are purged by the caller per dropped column via PurgeColumn.
func (s *Store) PurgeTable(tableID uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketReserved, bucketCommitted} {
			b := tx.Bucket(bucket)
			c := b.Cursor()
			prefix := u64Key(tableID)
			var keys [][]byte
			for k, _ := c.Seek(prefix); k != nil && len(k) == 16 && string(k[:8]) == string(prefix); k, _ = c.Next() {
				keys = append(keys, append([]byte{}, k...))
			}
			for _, k := range keys {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
		}
		return tx.Bucket(bucketLocks).Delete(u64Key(tableID))
	})
}

// RemoveTableFiles deletes tableID's per-table subdirectory (and every
// column part file within it) from every configured data directory. Both
// DROP TABLE and TRUNCATE TABLE funnel through it; a directory that was
// never created is not an error.
func (s *Store) RemoveTableFiles(tableID uint64) error {
	sub := strconv.FormatUint(tableID, 10)
	for _, dir := range s.dataDirs {
		if err := os.RemoveAll(filepath.Join(dir, sub)); err != nil {
			return fmt.Errorf("partstore: remove table %d files under %s: %w", tableID, dir, err)
		}
	}
	return nil
}

// PurgeColumn removes every column-byte-size entry for columnID, across
// all partitions.
func (s *Store) PurgeColumn(columnID uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketColSize)
		c := b.Cursor()
		prefix := u64Key(columnID)
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && len(k) == 16 && string(k[:8]) == string(prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte{}, k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
