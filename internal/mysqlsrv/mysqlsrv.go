package mysqlsrv

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"basecol/internal/catalog"
	"basecol/internal/session"
)

// serverVersion is reported in the handshake's server-version string;
// clients commonly sniff a "5.x"/"8.x" prefix to pick a compatibility
// mode, so a MySQL-shaped version string is used rather than this
// engine's own version.
const serverVersion = "8.0.34-basecold"

var nextConnectionID uint32

// Serve drives one accepted MySQL-protocol connection to completion: the
// v10 handshake, then a loop of COM_QUERY/COM_PING/COM_INIT_DB/COM_QUIT
// dispatch until the client disconnects. Query text is handed to the same
// catalog/ddl/ingest/engine collaborators the primary protocol uses, so
// the two protocols carry no distinct semantics.
func Serve(netConn net.Conn, deps session.Deps, timeouts session.Timeouts) {
	defer netConn.Close()
	c := newConn(netConn, netConn)

	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("remote_addr", netConn.RemoteAddr().String()), zap.String("proto", "mysql"))

	connID := atomic.AddUint32(&nextConnectionID, 1)

	if err := netConn.SetDeadline(time.Now().Add(timeouts.Connect)); err != nil {
		log.Warn("set handshake deadline", zap.Error(err))
		return
	}
	if _, err := serverHello(c, serverVersion, connID); err != nil {
		log.Info("handshake failed", zap.Error(err))
		return
	}
	respPayload, err := c.readPacket()
	if err != nil {
		log.Info("handshake response read failed", zap.Error(err))
		return
	}
	info, err := readHandshakeResponse(respPayload)
	if err != nil {
		_ = writeErr(c, 1045, fmt.Sprintf("mysqlsrv: %v", err))
		log.Info("handshake response malformed", zap.Error(err))
		return
	}
	database := info.database
	if database == "" {
		database = catalog.DefaultDatabase
	}
	if err := writeOK(c, 0, ""); err != nil {
		log.Info("handshake ok failed", zap.Error(err))
		return
	}

	for {
		if err := netConn.SetReadDeadline(time.Now().Add(timeouts.Ping)); err != nil {
			log.Warn("set read deadline", zap.Error(err))
			return
		}
		payload, err := c.readPacket()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Info("connection read error", zap.Error(err))
			}
			return
		}
		if len(payload) == 0 {
			continue
		}
		command, body := payload[0], payload[1:]

		switch command {
		case comQuit:
			return
		case comPing:
			if err := writeOK(c, 0, ""); err != nil {
				return
			}
		case comInitDB:
			database = string(body)
			if err := writeOK(c, 0, ""); err != nil {
				return
			}
		case comQuery:
			if err := netConn.SetDeadline(time.Now().Add(timeouts.Query)); err != nil {
				log.Warn("set query deadline", zap.Error(err))
				return
			}
			if err := handleQuery(c, deps, database, string(body)); err != nil {
				log.Warn("query failed", zap.Error(err))
				if isConnErr(err) {
					return
				}
			}
		default:
			if err := writeErr(c, 1047, fmt.Sprintf("mysqlsrv: unsupported command 0x%02x", command)); err != nil {
				return
			}
		}
	}
}

// isConnErr reports whether err came from the underlying connection
// (closed/reset) rather than from writing a well-formed error response,
// in which case the accept loop should stop trying to use the socket.
func isConnErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
