package mysqlsrv

import (
	"crypto/rand"
	"crypto/sha1"
	"fmt"
)

const authPluginName = "mysql_native_password"

// handshakeInfo is what the client's Handshake Response packet contributes
// to the session: the database it asked to use (may be empty) and its
// capability flags, needed only to know whether CLIENT_DEPRECATE_EOF was
// negotiated.
type handshakeInfo struct {
	database     string
	capabilities uint32
}

// serverHello writes the initial Handshake v10 packet and returns the
// 20-byte scramble it generated, which the client's auth response is
// expected to have hashed its password against.
func serverHello(c *conn, serverVersion string, connectionID uint32) ([]byte, error) {
	scramble := make([]byte, 20)
	if _, err := rand.Read(scramble); err != nil {
		return nil, fmt.Errorf("mysqlsrv: generate scramble: %w", err)
	}

	capabilities := serverCapabilities

	buf := make([]byte, 0, 128)
	buf = append(buf, 10) // protocol version
	buf = append(buf, serverVersion...)
	buf = append(buf, 0)
	buf = append(buf, byte(connectionID), byte(connectionID>>8), byte(connectionID>>16), byte(connectionID>>24))
	buf = append(buf, scramble[:8]...)
	buf = append(buf, 0) // filler
	buf = append(buf, byte(capabilities), byte(capabilities>>8))
	buf = append(buf, 0x21) // charset: utf8_general_ci
	buf = append(buf, byte(serverStatusAutocommit), byte(serverStatusAutocommit>>8))
	buf = append(buf, byte(capabilities>>16), byte(capabilities>>24))
	buf = append(buf, 21) // length of auth-plugin-data: 20-byte scramble + NUL
	buf = append(buf, make([]byte, 10)...) // reserved
	buf = append(buf, scramble[8:]...)
	buf = append(buf, 0)
	buf = append(buf, authPluginName...)
	buf = append(buf, 0)

	if err := c.writePacket(buf); err != nil {
		return nil, err
	}
	return scramble, nil
}

// readHandshakeResponse parses the client's Handshake Response 41 packet.
// It does not verify the scrambled password against a credential store:
// like the primary binary protocol's Hello exchange, which accepts
// any user/password pair, this core has no user/password catalog to check
// against, so presenting a correctly-shaped scramble is sufficient to
// proceed. The scramble math is still computed and exposed via
// ScramblePassword so a real credential store could be layered in later
// without changing the wire exchange.
func readHandshakeResponse(payload []byte) (handshakeInfo, error) {
	if len(payload) < 32 {
		return handshakeInfo{}, fmt.Errorf("mysqlsrv: handshake response too short")
	}
	caps := uint32(payload[0]) | uint32(payload[1])<<8 | uint32(payload[2])<<16 | uint32(payload[3])<<24
	off := 32 // capabilities(4) + max-packet(4) + charset(1) + reserved(23)

	_, off, err := readNullTerminated(payload, off) // username
	if err != nil {
		return handshakeInfo{}, err
	}

	switch {
	case caps&clientPluginAuthLenencData != 0:
		_, off, err = readLenEncString(payload, off)
	case caps&clientSecureConnection != 0:
		if off >= len(payload) {
			return handshakeInfo{}, fmt.Errorf("mysqlsrv: missing auth-response length")
		}
		n := int(payload[off])
		off++
		if off+n > len(payload) {
			return handshakeInfo{}, fmt.Errorf("mysqlsrv: truncated auth response")
		}
		off += n
	default:
		_, off, err = readNullTerminated(payload, off)
	}
	if err != nil {
		return handshakeInfo{}, err
	}

	var database string
	if caps&clientConnectWithDB != 0 && off < len(payload) {
		database, off, err = readNullTerminated(payload, off)
		if err != nil {
			return handshakeInfo{}, err
		}
	}
	// Auth plugin name and connection attributes, if present, are not
	// needed beyond this point and are left unparsed.
	_ = off

	return handshakeInfo{database: database, capabilities: caps}, nil
}

// ScramblePassword computes the mysql_native_password response a real
// client would send for password against the server's scramble:
// SHA1(password) XOR SHA1(scramble + SHA1(SHA1(password))).
func ScramblePassword(scramble, password []byte) []byte {
	if len(password) == 0 {
		return nil
	}
	h1 := sha1.Sum(password)
	h2 := sha1.Sum(h1[:])
	seed := sha1.New()
	seed.Write(scramble)
	seed.Write(h2[:])
	h3 := seed.Sum(nil)
	out := make([]byte, 20)
	for i := range out {
		out[i] = h1[i] ^ h3[i]
	}
	return out
}
