package session

import (
	"bufio"
	"encoding/binary"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"basecol/internal/catalog"
	"basecol/internal/engine"
	"basecol/internal/ingest"
	"basecol/internal/partstore"
	"basecol/internal/ptkjit"
	"basecol/internal/wire"
)

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	parts, err := partstore.Open(filepath.Join(t.TempDir(), "parts.db"), []string{t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { parts.Close() })

	jit := ptkjit.NewCache()
	return Deps{
		Catalog: cat,
		Parts:   parts,
		JIT:     jit,
		Ingest:  &ingest.Pipeline{Catalog: cat, Parts: parts, JIT: jit},
		Engine:  &engine.Executor{Catalog: cat, Parts: parts, JIT: jit},
	}
}

// testClient drives the client half of a net.Pipe served by Serve.
type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func startSession(t *testing.T, deps Deps) *testClient {
	t.Helper()
	serverEnd, clientEnd := net.Pipe()
	go Serve(serverEnd, deps, DefaultTimeouts)
	t.Cleanup(func() { clientEnd.Close() })
	require.NoError(t, clientEnd.SetDeadline(time.Now().Add(10*time.Second)))
	return &testClient{t: t, conn: clientEnd, r: bufio.NewReader(clientEnd)}
}

func (c *testClient) write(buf []byte) {
	c.t.Helper()
	_, err := c.conn.Write(buf)
	require.NoError(c.t, err)
}

func (c *testClient) hello(revision uint64) {
	c.t.Helper()
	buf := []byte{ClientHello}
	buf = wire.PutVarbytes(buf, []byte("test-client"))
	buf = wire.PutUvarint(buf, 1)
	buf = wire.PutUvarint(buf, 0)
	buf = wire.PutUvarint(buf, 0)
	buf = wire.PutUvarint(buf, revision)
	buf = wire.PutVarbytes(buf, nil) // database: default
	buf = wire.PutVarbytes(buf, []byte("tester"))
	buf = wire.PutVarbytes(buf, nil) // password
	c.write(buf)
}

func (c *testClient) readServerHello() {
	c.t.Helper()
	code, err := c.r.ReadByte()
	require.NoError(c.t, err)
	require.Equal(c.t, ServerHello, code)
	_, _, err = readVarbytes(c.r) // server name
	require.NoError(c.t, err)
	for i := 0; i < 3; i++ { // major, minor, revision
		_, err = readUvarint(c.r)
		require.NoError(c.t, err)
	}
	tz, _, err := readVarbytes(c.r)
	require.NoError(c.t, err)
	assert.Equal(c.t, "UTC", tz)
	_, _, err = readVarbytes(c.r) // display name
	require.NoError(c.t, err)
	_, err = readUvarint(c.r) // patch
	require.NoError(c.t, err)
}

func (c *testClient) query(text string) {
	c.t.Helper()
	buf := []byte{ClientQuery}
	buf = wire.PutVarbytes(buf, []byte("q-1"))
	buf = append(buf, 0) // no compression
	buf = wire.PutVarbytes(buf, []byte(text))
	c.write(buf)
}

func (c *testClient) sendDataBlock(blk *wire.Block) {
	c.t.Helper()
	body, err := wire.Encode(blk)
	require.NoError(c.t, err)
	buf := []byte{ClientData}
	buf = wire.PutVarbytes(buf, nil)
	buf = append(buf, body...)
	c.write(buf)
}

// expect reads the next server packet code, failing on anything else.
func (c *testClient) expect(code byte) {
	c.t.Helper()
	got, err := c.r.ReadByte()
	require.NoError(c.t, err)
	require.Equal(c.t, code, got)
}

// readException consumes a full ServerException packet (code, name,
// message) so the stream stays aligned for the next exchange.
func (c *testClient) readException() {
	c.t.Helper()
	c.expect(ServerException)
	_, err := readUvarint(c.r)
	require.NoError(c.t, err)
	_, _, err = readVarbytes(c.r)
	require.NoError(c.t, err)
	_, _, err = readVarbytes(c.r)
	require.NoError(c.t, err)
}

// readDataBlock consumes a ServerData packet and decodes its block.
func (c *testClient) readDataBlock() *wire.Block {
	c.t.Helper()
	c.expect(ServerData)
	_, _, err := readVarbytes(c.r) // table name
	require.NoError(c.t, err)
	blk, err := readBlock(c.r, false)
	require.NoError(c.t, err)
	return blk
}

func fixedLE(values []uint64, size int) []byte {
	out := make([]byte, 0, len(values)*size)
	for _, v := range values {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], v)
		out = append(out, buf[:size]...)
	}
	return out
}

func TestServeRejectsOldClientRevision(t *testing.T) {
	c := startSession(t, newTestDeps(t))
	c.hello(100)
	c.expect(ServerException)
}

func TestServePingPong(t *testing.T) {
	c := startSession(t, newTestDeps(t))
	c.hello(ServerRevision)
	c.readServerHello()

	c.write([]byte{ClientPing})
	c.expect(ServerPong)
}

func TestServeInsertSelectDropRoundTrip(t *testing.T) {
	c := startSession(t, newTestDeps(t))
	c.hello(ServerRevision)
	c.readServerHello()

	c.query("CREATE TABLE events (a BIGINT UNSIGNED NOT NULL, b INT UNSIGNED NOT NULL) PARTITION BY a")
	c.expect(ServerEndOfStream)

	c.query("INSERT INTO events VALUES")
	header := c.readDataBlock()
	assert.Zero(t, header.NumRows)

	u64 := wire.ColumnType{Kind: wire.KindFixed, Text: "UInt64", Size: 8}
	u32 := wire.ColumnType{Kind: wire.KindFixed, Text: "UInt32", Size: 4}
	c.sendDataBlock(&wire.Block{
		NumRows: 6,
		Columns: []wire.ColumnChunk{
			{Name: "a", Type: u64, RowCount: 6, Data: fixedLE([]uint64{1, 1, 2, 2, 1, 3}, 8)},
			{Name: "b", Type: u32, RowCount: 6, Data: fixedLE([]uint64{10, 11, 20, 21, 12, 30}, 4)},
		},
	})
	c.sendDataBlock(&wire.Block{}) // end-of-insert sentinel
	c.expect(ServerEndOfStream)

	c.query("SELECT b FROM events WHERE a = 1")
	blk := c.readDataBlock()
	require.Equal(t, 3, blk.NumRows)
	require.Len(t, blk.Columns, 1)
	assert.Equal(t, fixedLE([]uint64{10, 11, 12}, 4), blk.Columns[0].Data)
	c.expect(ServerEndOfStream)

	c.query("SELECT count(*) FROM events")
	blk = c.readDataBlock()
	require.Equal(t, 1, blk.NumRows)
	assert.Equal(t, fixedLE([]uint64{6}, 8), blk.Columns[0].Data)
	c.expect(ServerEndOfStream)

	c.query("SHOW CREATE TABLE events")
	blk = c.readDataBlock()
	require.Equal(t, 1, blk.NumRows)
	assert.Equal(t, "CREATE TABLE events (a BIGINT UNSIGNED NOT NULL, b INT UNSIGNED NOT NULL) PARTITION BY a", string(blk.Columns[0].Data))
	c.expect(ServerEndOfStream)

	c.query("DROP TABLE events")
	c.expect(ServerEndOfStream)

	// The table is gone; a follow-up query gets an Exception but the
	// session survives for the next statement.
	c.query("SELECT count(*) FROM events")
	c.readException()
	c.write([]byte{ClientPing})
	c.expect(ServerPong)
}

func TestServeDropDatabaseIfExistsIsNoOp(t *testing.T) {
	c := startSession(t, newTestDeps(t))
	c.hello(ServerRevision)
	c.readServerHello()

	c.query("DROP DATABASE IF EXISTS nope")
	c.expect(ServerEndOfStream)

	c.query("DROP DATABASE system")
	c.readException()
}

func TestServeCreateDatabaseLifecycle(t *testing.T) {
	c := startSession(t, newTestDeps(t))
	c.hello(ServerRevision)
	c.readServerHello()

	c.query("CREATE DATABASE test_db")
	c.expect(ServerEndOfStream)

	// Creating it again fails outright but is a no-op with IF NOT EXISTS.
	c.query("CREATE DATABASE test_db")
	c.readException()
	c.query("CREATE DATABASE IF NOT EXISTS test_db")
	c.expect(ServerEndOfStream)

	c.query("CREATE TABLE test_db.events (a BIGINT UNSIGNED NOT NULL) PARTITION BY a")
	c.expect(ServerEndOfStream)

	c.query("SHOW DATABASES")
	assert.Contains(t, c.readStringColumn(), "test_db")
	c.expect(ServerEndOfStream)

	c.query("DROP DATABASE test_db")
	c.expect(ServerEndOfStream)

	c.query("SHOW DATABASES")
	assert.NotContains(t, c.readStringColumn(), "test_db")
	c.expect(ServerEndOfStream)
}

// readStringColumn consumes a one-String-column ServerData block and
// returns its row values.
func (c *testClient) readStringColumn() []string {
	c.t.Helper()
	blk := c.readDataBlock()
	require.Len(c.t, blk.Columns, 1)
	values := make([]string, 0, blk.NumRows)
	for i := 0; i < blk.NumRows; i++ {
		lo, hi := blk.Columns[0].OffsetMap[i], blk.Columns[0].OffsetMap[i+1]
		values = append(values, string(blk.Columns[0].Data[lo:hi]))
	}
	return values
}

func TestServeShowDatabases(t *testing.T) {
	c := startSession(t, newTestDeps(t))
	c.hello(ServerRevision)
	c.readServerHello()

	c.query("SHOW DATABASES")
	names := c.readStringColumn()
	assert.Contains(t, names, catalog.SystemDatabase)
	assert.Contains(t, names, catalog.DefaultDatabase)
	c.expect(ServerEndOfStream)
}
