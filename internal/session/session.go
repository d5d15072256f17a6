// Package session implements the per-connection binary protocol: the
// state machine that negotiates a client's Hello, dispatches
// Query/Data/Cancel/Ping packets, and streams query results or ingested
// row batches back to the client. One goroutine serves one connection
// with ordinary blocking reads; a request runs to completion before the
// next packet is read.
package session

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"basecol/internal/catalog"
	"basecol/internal/ddl"
	"basecol/internal/engine"
	"basecol/internal/ingest"
	"basecol/internal/partstore"
	"basecol/internal/ptkjit"
	"basecol/internal/wire"
)

// Client packet codes.
const (
	ClientHello byte = iota
	ClientQuery
	ClientData
	ClientCancel
	ClientPing
)

// Server packet codes.
const (
	ServerHello byte = iota
	ServerData
	ServerException
	ServerProgress
	ServerPong
	ServerEndOfStream
)

// MinClientRevision is the lowest client protocol revision this server
// accepts; older clients are rejected at Hello time.
const MinClientRevision = 54405

// ServerRevision is the protocol revision this server negotiates.
const ServerRevision = 54460

const (
	serverName        = "basecold"
	serverVersionMajor = 1
	serverVersionMinor = 0
	serverVersionPatch = 0
	serverTimezone     = "UTC"
)

// Stage is the connection's current protocol phase.
type Stage int

const (
	StageDefault Stage = iota
	StageDataEODPInsert
	StageDataPacket
	StageDataBlk
)

// Deps are the storage-layer collaborators a session needs, constructed
// once at server startup and shared read-only across every connection.
type Deps struct {
	Catalog *catalog.Store
	Parts   *partstore.Store
	JIT     *ptkjit.Cache
	Ingest  *ingest.Pipeline
	Engine  *engine.Executor
	Logger  *zap.Logger
}

// Timeouts bounds how long each protocol phase may wait for its next
// packet before the connection is dropped.
type Timeouts struct {
	Connect time.Duration
	Ping    time.Duration
	Query   time.Duration
	Insert  time.Duration
}

// DefaultTimeouts gives each protocol phase an independent deadline,
// enforced via net.Conn.SetDeadline.
var DefaultTimeouts = Timeouts{
	Connect: 10 * time.Second,
	Ping:    30 * time.Second,
	Query:   5 * time.Minute,
	Insert:  5 * time.Minute,
}

// session holds one connection's negotiated and in-progress state.
type session struct {
	conn     net.Conn
	r        *bufio.Reader
	w        *bufio.Writer
	deps     Deps
	timeouts Timeouts

	revision    uint64
	database    string
	compression bool
	stage       Stage
	queryID     string
	canceled    bool

	// insertTable accumulates the destination of an in-progress INSERT
	// while the stage machine is in StageDataEODPInsert/StageDataPacket.
	insertTableID catalog.Id
	insertDB      string
	insertTable   string
}

// Serve drives one accepted connection to completion: Hello negotiation,
// then a loop of Query/Ping/Cancel dispatch until the client disconnects
// or a protocol error closes the connection.
func Serve(conn net.Conn, deps Deps, timeouts Timeouts) {
	s := &session{
		conn:     conn,
		r:        bufio.NewReader(conn),
		w:        bufio.NewWriter(conn),
		deps:     deps,
		timeouts: timeouts,
		database: catalog.DefaultDatabase,
		stage:    StageDefault,
	}
	defer conn.Close()

	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("remote_addr", conn.RemoteAddr().String()))

	if err := s.handleHello(timeouts.Connect); err != nil {
		log.Info("connection closed during hello", zap.Error(err))
		return
	}

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(timeouts.Ping)); err != nil {
			log.Warn("set read deadline", zap.Error(err))
			return
		}
		code, err := s.r.ReadByte()
		if err != nil {
			if err != io.EOF {
				log.Info("connection read error", zap.Error(err))
			}
			return
		}
		if err := s.dispatch(code, log); err != nil {
			log.Warn("dispatch error", zap.Error(err))
			if sendErr := s.sendException(err); sendErr != nil {
				return
			}
			if !isProtocolError(err) {
				s.stage = StageDefault
				continue
			}
			return
		}
	}
}

func (s *session) dispatch(code byte, log *zap.Logger) error {
	switch code {
	case ClientPing:
		return s.handlePing()
	case ClientCancel:
		s.canceled = true
		s.stage = StageDefault
		return nil
	case ClientQuery:
		return s.handleQuery(log)
	case ClientData:
		return s.handleData(log)
	default:
		return fmt.Errorf("session: unknown client packet code %d", code)
	}
}

// handleHello reads the client's Hello packet and responds with the
// server's own, enforcing the minimum supported revision.
func (s *session) handleHello(timeout time.Duration) error {
	if err := s.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	code, err := s.r.ReadByte()
	if err != nil {
		return err
	}
	if code != ClientHello {
		return fmt.Errorf("session: expected Hello, got packet code %d", code)
	}

	if _, _, err := readVarbytes(s.r); err != nil { // client name
		return err
	}
	for i := 0; i < 3; i++ { // version major/minor/patch
		if _, err := readUvarint(s.r); err != nil {
			return err
		}
	}
	revision, err := readUvarint(s.r)
	if err != nil {
		return err
	}
	database, _, err := readVarbytes(s.r)
	if err != nil {
		return err
	}
	if _, _, err := readVarbytes(s.r); err != nil { // user
		return err
	}
	if _, _, err := readVarbytes(s.r); err != nil { // password
		return err
	}

	if revision < MinClientRevision {
		_ = s.sendException(fmt.Errorf("session: client revision %d is older than the minimum supported revision %d", revision, MinClientRevision))
		return fmt.Errorf("session: rejected client revision %d", revision)
	}
	s.revision = revision
	if database != "" {
		s.database = database
	}

	var buf []byte
	buf = append(buf, ServerHello)
	buf = wire.PutVarbytes(buf, []byte(serverName))
	buf = wire.PutUvarint(buf, serverVersionMajor)
	buf = wire.PutUvarint(buf, serverVersionMinor)
	buf = wire.PutUvarint(buf, ServerRevision)
	buf = wire.PutVarbytes(buf, []byte(serverTimezone))
	buf = wire.PutVarbytes(buf, []byte(serverName))
	buf = wire.PutUvarint(buf, serverVersionPatch)
	return s.writeAndFlush(buf)
}

func (s *session) handlePing() error {
	return s.writeAndFlush([]byte{ServerPong})
}

// handleQuery reads a Query packet's text and executes it according to
// its statement shape, following the Default-stage transitions of the
// stage machine: SELECT/DDL run to completion and reply with
// result blocks plus EndOfStream; INSERT instead switches the session
// into the data-streaming stages.
func (s *session) handleQuery(log *zap.Logger) error {
	if err := s.conn.SetDeadline(time.Now().Add(s.timeouts.Query)); err != nil {
		return err
	}
	queryID, _, err := readVarbytes(s.r)
	if err != nil {
		return err
	}
	compressionFlag, err := s.r.ReadByte()
	if err != nil {
		return err
	}
	queryText, _, err := readVarbytes(s.r)
	if err != nil {
		return err
	}

	s.queryID = queryID
	s.compression = compressionFlag != 0
	s.canceled = false
	text := strings.TrimSpace(queryText)
	upper := strings.ToUpper(text)

	log = log.With(zap.String("query_id", s.queryID))

	switch {
	case strings.HasPrefix(upper, "CREATE TABLE"):
		return s.execCreateTable(text, log)
	case strings.HasPrefix(upper, "INSERT INTO"), strings.HasPrefix(upper, "INSERT "):
		return s.execInsertHeader(text, log)
	case strings.HasPrefix(upper, "SELECT"):
		return s.execSelect(text, log)
	default:
		return s.execOtherDDL(text, log)
	}
}

func (s *session) execCreateTable(text string, log *zap.Logger) error {
	res, err := ddl.ParseCreateTable(text)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	db := res.DBName
	if db == "" {
		db = s.database
	}
	dbID, err := s.deps.Catalog.GetDatabaseID(db)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	_, err = s.deps.Catalog.CreateTable(catalog.NewTable{
		DatabaseID: dbID,
		Name:       res.TableName,
		Attrs: catalog.TableAttrs{
			CreateScript:     text,
			Engine:           res.Engine,
			PartitionColumns: res.PartitionColumns,
			PartitionKeyExpr: res.PartitionExpr,
		},
		Columns: res.Columns,
	})
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	log.Info("created table", zap.String("table", res.TableName))
	return s.sendEndOfStream()
}

func (s *session) execOtherDDL(text string, log *zap.Logger) error {
	stmt, err := ddl.Classify(text)
	if err != nil {
		return fmt.Errorf("ddl: %w", err)
	}
	db := stmt.DB
	if db == "" {
		db = s.database
	}
	switch stmt.Kind {
	case ddl.StmtCreateDatabase:
		if stmt.IfNotExists {
			if _, err := s.deps.Catalog.GetDatabaseID(stmt.DB); err == nil {
				return s.sendEndOfStream()
			}
		}
		if _, err := s.deps.Catalog.NewDatabase(stmt.DB); err != nil {
			return fmt.Errorf("create database: %w", err)
		}
		return s.sendEndOfStream()
	case ddl.StmtDropTable:
		if stmt.IfExists {
			if _, err := s.deps.Catalog.GetTableID(db, stmt.Table); err != nil {
				return s.sendEndOfStream()
			}
		}
		if err := DropTable(s.deps, db, stmt.Table); err != nil {
			return fmt.Errorf("drop table: %w", err)
		}
		return s.sendEndOfStream()
	case ddl.StmtDropDatabase:
		if stmt.IfExists {
			if _, err := s.deps.Catalog.GetDatabaseID(stmt.DB); err != nil {
				return s.sendEndOfStream()
			}
		}
		if err := DropDatabase(s.deps, stmt.DB); err != nil {
			return fmt.Errorf("drop database: %w", err)
		}
		return s.sendEndOfStream()
	case ddl.StmtTruncateTable:
		if err := TruncateTable(s.deps, db, stmt.Table); err != nil {
			return fmt.Errorf("truncate table: %w", err)
		}
		return s.sendEndOfStream()
	case ddl.StmtShowCreateTable:
		tableID, err := s.deps.Catalog.GetTableID(db, stmt.Table)
		if err != nil {
			return fmt.Errorf("show create table: %w", err)
		}
		attrs, err := s.deps.Catalog.GetTableInfo(tableID)
		if err != nil {
			return fmt.Errorf("show create table: %w", err)
		}
		if err := s.sendStringListResult("statement", []string{attrs.CreateScript}); err != nil {
			return err
		}
		return s.sendEndOfStream()
	case ddl.StmtShowDatabases:
		names, err := s.deps.Catalog.ListDatabases()
		if err != nil {
			return fmt.Errorf("show databases: %w", err)
		}
		if err := s.sendStringListResult("name", names); err != nil {
			return err
		}
		return s.sendEndOfStream()
	case ddl.StmtShowTables:
		names, err := s.deps.Catalog.ListTables(db)
		if err != nil {
			return fmt.Errorf("show tables: %w", err)
		}
		if err := s.sendStringListResult("name", names); err != nil {
			return err
		}
		return s.sendEndOfStream()
	default:
		return fmt.Errorf("session: unsupported statement %q", text)
	}
}

// DropTable removes a table's catalog rows, partition-registry entries,
// and on-disk column files. Shared with the MySQL front end so both
// protocols drop the same derivative state.
func DropTable(deps Deps, db, table string) error {
	tableID, colIDs, err := deps.Catalog.RemoveTable(db, table)
	if err != nil {
		return err
	}
	return purgeTableState(deps, tableID, colIDs)
}

// DropDatabase removes db and purges the derivative state of every table
// it contained. RemoveDatabase can fail partway through a multi-table
// database; the tables it did remove are still purged before the error
// surfaces, so the registry never references a catalog row that is gone.
func DropDatabase(deps Deps, db string) error {
	removed, err := deps.Catalog.RemoveDatabase(db)
	for _, rt := range removed {
		if perr := purgeTableState(deps, rt.TableID, rt.ColumnIDs); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

// TruncateTable deletes a table's data (registry counters, column sizes,
// column files) while preserving its schema.
func TruncateTable(deps Deps, db, table string) error {
	tableID, err := deps.Catalog.GetTableID(db, table)
	if err != nil {
		return err
	}
	cols, err := deps.Catalog.GetColumns(db, table)
	if err != nil {
		return err
	}
	colIDs := make([]catalog.Id, len(cols))
	for i, c := range cols {
		colIDs[i] = c.ID
	}
	return purgeTableState(deps, tableID, colIDs)
}

func purgeTableState(deps Deps, tableID catalog.Id, colIDs []catalog.Id) error {
	if err := deps.Parts.PurgeTable(uint64(tableID)); err != nil {
		return err
	}
	for _, c := range colIDs {
		if err := deps.Parts.PurgeColumn(uint64(c)); err != nil {
			return err
		}
	}
	return deps.Parts.RemoveTableFiles(uint64(tableID))
}

func (s *session) execSelect(text string, log *zap.Logger) error {
	res, err := s.deps.Engine.ExecuteSelect(s.database, text)
	if err != nil {
		return fmt.Errorf("select: %w", err)
	}
	blk := &wire.Block{NumRows: res.RowCount, Columns: res.Chunks}
	if err := s.sendDataBlock(blk); err != nil {
		return err
	}
	return s.sendEndOfStream()
}

// execInsertHeader resolves the destination table for an INSERT and
// switches the stage machine to DataEODPInsert; unlike SELECT/DDL, an
// INSERT leaves the Default stage and streams its rows as Data packets.
func (s *session) execInsertHeader(text string, log *zap.Logger) error {
	// A streaming client's INSERT text carries no literal rows ("INSERT
	// INTO t VALUES" with the data following as Data packets), so only the
	// destination is extracted from it; column order and row values come
	// from the blocks themselves.
	m := insertTargetRe.FindStringSubmatch(text)
	if m == nil {
		return fmt.Errorf("insert: cannot resolve destination table from %q", text)
	}
	db, table := m[1], m[2]
	if db == "" {
		db = s.database
	}
	tableID, err := s.deps.Catalog.GetTableID(db, table)
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}

	s.insertDB = db
	s.insertTable = table
	s.insertTableID = tableID
	s.stage = StageDataEODPInsert

	if err := s.sendDataBlock(&wire.Block{}); err != nil { // header block
		return err
	}
	return nil
}

var insertTargetRe = regexp.MustCompile("(?is)^INSERT\\s+INTO\\s+(?:`?([A-Za-z_][A-Za-z0-9_]*)`?\\s*\\.\\s*)?`?([A-Za-z_][A-Za-z0-9_]*)`?")

// handleData accepts one Data packet while the session is streaming an
// INSERT's row blocks. An empty block is the end-of-insert sentinel and
// drives the DataPacket -> Default transition, applying the accumulated
// rows and replying with EndOfStream.
func (s *session) handleData(log *zap.Logger) error {
	if s.stage != StageDataEODPInsert && s.stage != StageDataPacket {
		return fmt.Errorf("session: unexpected Data packet in stage %d", s.stage)
	}
	if err := s.conn.SetDeadline(time.Now().Add(s.timeouts.Insert)); err != nil {
		return err
	}

	if _, _, err := readVarbytes(s.r); err != nil { // table name, unused
		return err
	}
	s.stage = StageDataBlk
	blk, err := readBlock(s.r, s.compression)
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}

	if blk.NumRows == 0 {
		// Empty block: the end-of-insert sentinel.
		s.stage = StageDefault
		return s.sendEndOfStream()
	}

	s.stage = StageDataPacket
	if s.canceled {
		return nil
	}
	if err := s.deps.Ingest.Ingest(s.insertTableID, s.insertDB, s.insertTable, blk); err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	return nil
}

func (s *session) sendDataBlock(blk *wire.Block) error {
	body, err := wire.Encode(blk)
	if err != nil {
		return fmt.Errorf("encode block: %w", err)
	}
	if s.compression {
		body, err = wire.CompressFrame(body)
		if err != nil {
			return fmt.Errorf("compress block: %w", err)
		}
	}
	var buf []byte
	buf = append(buf, ServerData)
	buf = wire.PutVarbytes(buf, nil) // table name, always empty on the wire
	buf = append(buf, body...)
	return s.writeAndFlush(buf)
}

// sendStringListResult wraps values as a one-column String result block
// (used for SHOW CREATE TABLE, SHOW DATABASES, SHOW TABLES).
func (s *session) sendStringListResult(columnName string, values []string) error {
	chunk := wire.ColumnChunk{
		Name:      columnName,
		Type:      wire.ColumnType{Kind: wire.KindString, Text: "String"},
		RowCount:  len(values),
		OffsetMap: []uint64{0},
	}
	for _, v := range values {
		chunk.Data = append(chunk.Data, v...)
		chunk.OffsetMap = append(chunk.OffsetMap, uint64(len(chunk.Data)))
	}
	blk := &wire.Block{NumRows: len(values), Columns: []wire.ColumnChunk{chunk}}
	return s.sendDataBlock(blk)
}

func (s *session) sendEndOfStream() error {
	s.stage = StageDefault
	return s.writeAndFlush([]byte{ServerEndOfStream})
}

func (s *session) sendException(cause error) error {
	var buf []byte
	buf = append(buf, ServerException)
	buf = wire.PutUvarint(buf, 1)
	buf = wire.PutVarbytes(buf, []byte("BASECOLD_ERROR"))
	buf = wire.PutVarbytes(buf, []byte(cause.Error()))
	return s.writeAndFlush(buf)
}

func (s *session) writeAndFlush(buf []byte) error {
	if _, err := s.w.Write(buf); err != nil {
		return err
	}
	return s.w.Flush()
}

// isProtocolError reports whether err should terminate the connection
// rather than return it to the Default stage for another query attempt.
func isProtocolError(err error) bool {
	return strings.Contains(err.Error(), "unknown client packet code") ||
		strings.Contains(err.Error(), "unexpected Data packet")
}

func readUvarint(r *bufio.Reader) (uint64, error) {
	var v uint64
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		v |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return v, nil
		}
		shift += 7
	}
}

func readVarbytes(r *bufio.Reader) (string, int, error) {
	l, err := readUvarint(r)
	if err != nil {
		return "", 0, err
	}
	buf := make([]byte, l)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", 0, err
	}
	return string(buf), int(l), nil
}

// readBlock reads one Data packet's block body: a streaming exact-size
// decode for the uncompressed case (the stream has no length framing, so
// the decode itself must stop at the block's last byte), or a full frame
// read followed by decompression for the compressed case.
func readBlock(r *bufio.Reader, compressed bool) (*wire.Block, error) {
	if !compressed {
		return wire.ReadBlock(r)
	}

	header := make([]byte, 25)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	// header layout matches wire.CompressFrame's: 16-byte hash, 1-byte algo,
	// 4-byte compressed size, 4-byte raw size. compressedSize counts the
	// algo+csz+dsz fields plus the lz4 payload, so the header's last 9 of
	// those bytes are already in hand and only the payload remains to read.
	compressedSize := leUint32(header[17:21])
	if compressedSize < 9 {
		return nil, fmt.Errorf("wire: compressed frame declares implausible size")
	}
	rest := make([]byte, compressedSize-9)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}
	frame := append(header, rest...)
	body, _, err := wire.DecompressFrame(frame)
	if err != nil {
		return nil, err
	}
	return wire.Decode(body)
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
