// Package columnio implements ColumnFile I/O: the fixed-width and
// variable-width (blob + offset-map) column part files described by the
// storage engine's on-disk layout. It owns path resolution beneath a data
// directory, lazy directory creation, positional appends, and read-only
// memory-mapped access sized by the partition registry's committed byte
// count rather than the file system's idea of the file's length.
package columnio

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

// DataFilePath returns the data-file path for a column partition beneath
// dataDir: <dataDir>/<tableID>/<columnID>_<ptk>.
func DataFilePath(dataDir string, tableID, columnID uint64, ptk uint64) string {
	return filepath.Join(
		dataDir,
		strconv.FormatUint(tableID, 10),
		strconv.FormatUint(columnID, 10)+"_"+strconv.FormatUint(ptk, 10),
	)
}

// OffsetMapPath returns the sibling offset-map path for a variable-width
// column's data file path.
func OffsetMapPath(dataFilePath string) string {
	return dataFilePath + "om"
}

// NullMapPath returns the sibling null-map path for a Nullable column's
// data file path: one flag byte per row.
func NullMapPath(dataFilePath string) string {
	return dataFilePath + "nm"
}

// EnsureTableDir creates the per-table subdirectory beneath dataDir,
// tolerating an already-existing directory.
func EnsureTableDir(dataDir string, tableID uint64) error {
	dir := filepath.Join(dataDir, strconv.FormatUint(tableID, 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("columnio: mkdir %s: %w", dir, err)
	}
	return nil
}

// OpenAppend opens (creating if absent, without truncating) a column part
// file for positional writes.
func OpenAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("columnio: open %s: %w", path, err)
	}
	return f, nil
}

// Preallocate pre-extends f to at least size bytes so the following
// positional write does not require the file system to grow the file
// mid-write. It calls fallocate through golang.org/x/sys/unix, so this
// package builds on Linux only. A kernel or file system that rejects
// fallocate (ENOSYS, EOPNOTSUPP, EINVAL) is not an error: preallocation is an
// optimization, not a correctness requirement, since WriteAt extends a
// file on its own when necessary.
func Preallocate(f *os.File, size int64) error {
	if err := unix.Fallocate(int(f.Fd()), 0, 0, size); err != nil {
		if err == unix.ENOSYS || err == unix.EOPNOTSUPP || err == unix.EINVAL {
			return nil
		}
		return fmt.Errorf("columnio: fallocate %d bytes: %w", size, err)
	}
	return nil
}

// Append performs a positional write of buf at offset off. The caller
// guarantees no other writer overlaps [off, off+len(buf)).
func Append(f *os.File, off int64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if err := Preallocate(f, off+int64(len(buf))); err != nil {
		return err
	}
	if _, err := f.WriteAt(buf, off); err != nil {
		return fmt.Errorf("columnio: write at %d: %w", off, err)
	}
	return nil
}

// MappedFile is a read-only memory-mapped view of a column part file,
// sized to exactly the byte length the caller requests (the registry's
// committed size, not the underlying file's length, which may include
// trailing pre-allocated bytes). Close unmaps and releases the file
// descriptor.
type MappedFile struct {
	f   *os.File
	mm  mmap.MMap
	len int
}

// OpenMapped opens path read-only and memory-maps its first size bytes. A
// size of 0 returns an empty, already-closed-equivalent MappedFile without
// touching the file system, since mmap of a zero-length region is invalid
// on most platforms.
func OpenMapped(path string, size int64) (*MappedFile, error) {
	if size == 0 {
		return &MappedFile{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("columnio: open %s for read: %w", path, err)
	}
	mm, err := mmap.MapRegion(f, int(size), mmap.RDONLY, 0, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("columnio: mmap %s (%d bytes): %w", path, size, err)
	}
	return &MappedFile{f: f, mm: mm, len: int(size)}, nil
}

// Bytes returns the mapped region. The returned slice is only valid until
// Close.
func (m *MappedFile) Bytes() []byte {
	if m.mm == nil {
		return nil
	}
	return m.mm[:m.len]
}

// Len returns the mapped region's byte length.
func (m *MappedFile) Len() int { return m.len }

// Close unmaps the region and closes the underlying file descriptor. It is
// safe to call on a zero-length MappedFile.
func (m *MappedFile) Close() error {
	if m.mm == nil {
		return nil
	}
	err := m.mm.Unmap()
	if cerr := m.f.Close(); err == nil {
		err = cerr
	}
	return err
}
