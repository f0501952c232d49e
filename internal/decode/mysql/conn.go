package mysql

import (
	"bufio"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/relaycdc/relaycdc/internal/cdcerr"
)

// replConn is the raw MySQL client-protocol connection used to issue
// COM_REGISTER_SLAVE and COM_BINLOG_DUMP. database/sql and
// go-sql-driver/mysql expose only the query protocol, not the
// replication command set, so this connection is hand-implemented on
// net/crypto/sha1/encoding/binary (see DESIGN.md for why no
// third-party package serves this role without also subsuming the
// binlog decode logic itself).
type replConn struct {
	conn *net.TCPConn
	r    *bufio.Reader
	seq  uint8
}

const (
	capLongPassword    = 0x00000001
	capProtocol41      = 0x00000200
	capSecureConn      = 0x00008000
	capPluginAuth      = 0x00080000
	capConnectWithDB   = 0x00000008
)

func dialReplication(cfg Config) (*replConn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, cdcerr.NewConnectionError(addr, err)
	}
	conn, err := net.DialTCP("tcp", nil, tcpAddr)
	if err != nil {
		return nil, cdcerr.NewConnectionError(addr, err)
	}
	conn.SetKeepAlive(true)

	rc := &replConn{conn: conn, r: bufio.NewReaderSize(conn, 64*1024)}
	if err := rc.handshake(cfg); err != nil {
		conn.Close()
		return nil, cdcerr.NewConnectionError(addr, err)
	}
	return rc, nil
}

func (c *replConn) Close() error { return c.conn.Close() }

// readPacket reads one MySQL protocol packet: 3-byte little-endian
// length, 1-byte sequence number, payload.
func (c *replConn) readPacket() ([]byte, error) {
	header := make([]byte, 4)
	if _, err := readFull(c.r, header); err != nil {
		return nil, err
	}
	length := int(header[0]) | int(header[1])<<8 | int(header[2])<<16
	c.seq = header[3] + 1
	payload := make([]byte, length)
	if length > 0 {
		if _, err := readFull(c.r, payload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (c *replConn) writePacket(payload []byte) error {
	header := make([]byte, 4)
	l := len(payload)
	header[0] = byte(l)
	header[1] = byte(l >> 8)
	header[2] = byte(l >> 16)
	header[3] = c.seq
	c.seq++
	if _, err := c.conn.Write(header); err != nil {
		return err
	}
	_, err := c.conn.Write(payload)
	return err
}

// handshake performs the MySQL protocol v10 handshake using
// mysql_native_password, which remains the default on MariaDB and is
// still supported by MySQL for replication accounts.
func (c *replConn) handshake(cfg Config) error {
	initial, err := c.readPacket()
	if err != nil {
		return fmt.Errorf("reading initial handshake: %w", err)
	}
	if len(initial) > 0 && initial[0] == 0xff {
		return fmt.Errorf("server rejected connection: %s", string(initial[1:]))
	}

	pos := 1 // skip protocol version
	end := indexByte(initial, pos, 0)
	pos = end + 1 // skip null-terminated server version
	pos += 4       // thread id
	authData := append([]byte{}, initial[pos:pos+8]...)
	pos += 8
	pos++ // filler

	capLower := uint16(initial[pos]) | uint16(initial[pos+1])<<8
	pos += 2
	pos++ // charset
	pos += 2 // status flags
	capUpper := uint16(initial[pos]) | uint16(initial[pos+1])<<8
	pos += 2
	authLen := int(initial[pos])
	pos++
	pos += 10 // reserved

	capabilities := uint32(capLower) | uint32(capUpper)<<16

	if capabilities&capSecureConn != 0 {
		rest := authLen - 8
		if rest < 13 {
			rest = 13
		}
		authData = append(authData, initial[pos:pos+rest-1]...)
		pos += rest
	}

	scramble := authData
	scrambled := scramblePassword(cfg.Password, scramble)

	clientFlags := uint32(capLongPassword | capProtocol41 | capSecureConn | capPluginAuth)
	resp := make([]byte, 0, 64)
	resp = appendUint32(resp, clientFlags)
	resp = appendUint32(resp, 1<<24) // max packet size
	resp = append(resp, 0x21)        // utf8_general_ci
	resp = append(resp, make([]byte, 23)...)
	resp = append(resp, []byte(cfg.User)...)
	resp = append(resp, 0)
	resp = append(resp, byte(len(scrambled)))
	resp = append(resp, scrambled...)
	resp = append(resp, []byte("mysql_native_password")...)
	resp = append(resp, 0)

	if err := c.writePacket(resp); err != nil {
		return fmt.Errorf("sending handshake response: %w", err)
	}

	ack, err := c.readPacket()
	if err != nil {
		return fmt.Errorf("reading handshake ack: %w", err)
	}
	if len(ack) > 0 && ack[0] == 0xff {
		return fmt.Errorf("authentication failed: %s", string(ack[1:]))
	}
	return nil
}

// scramblePassword implements mysql_native_password:
// SHA1(password) XOR SHA1(scramble + SHA1(SHA1(password))).
func scramblePassword(password string, scramble []byte) []byte {
	if password == "" {
		return nil
	}
	h1 := sha1.Sum([]byte(password))
	h2 := sha1.Sum(h1[:])
	var seed []byte
	seed = append(seed, scramble...)
	seed = append(seed, h2[:]...)
	h3 := sha1.Sum(seed)

	out := make([]byte, len(h1))
	for i := range out {
		out[i] = h1[i] ^ h3[i]
	}
	return out
}

func indexByte(b []byte, from int, target byte) int {
	for i := from; i < len(b); i++ {
		if b[i] == target {
			return i
		}
	}
	return len(b)
}

func appendUint32(b []byte, v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return append(b, buf...)
}

// registerSlave issues COM_REGISTER_SLAVE, announcing this client as a
// replica with the given server id.
func (c *replConn) registerSlave(serverID uint32) error {
	payload := []byte{0x15} // COM_REGISTER_SLAVE
	payload = appendUint32(payload, serverID)
	payload = append(payload, 0) // hostname length
	payload = append(payload, 0) // user length
	payload = append(payload, 0) // password length
	payload = append(payload, 0, 0) // port
	payload = appendUint32(payload, 0) // replication rank
	payload = appendUint32(payload, 0) // master id

	if err := c.writePacket(payload); err != nil {
		return err
	}
	ack, err := c.readPacket()
	if err != nil {
		return err
	}
	if len(ack) > 0 && ack[0] == 0xff {
		return fmt.Errorf("COM_REGISTER_SLAVE failed: %s", string(ack[1:]))
	}
	return nil
}

// dumpBinlog issues COM_BINLOG_DUMP at (file, position) and leaves the
// connection in streaming mode; subsequent readPacket calls return
// binlog event packets.
func (c *replConn) dumpBinlog(file string, position uint32, serverID uint32) error {
	payload := []byte{0x12} // COM_BINLOG_DUMP
	payload = appendUint32(payload, position)
	payload = append(payload, 0, 0) // flags
	payload = appendUint32(payload, serverID)
	payload = append(payload, []byte(file)...)

	return c.writePacket(payload)
}

// setReadDeadline lets the decoder loop poll for a run-flag without
// blocking forever, mirroring the supervisor's socket-shutdown
// cancellation style (spec §4.5/§5) without requiring a signal to
// interrupt a blocking read.
func (c *replConn) setReadDeadline(d time.Duration) {
	if d > 0 {
		c.conn.SetReadDeadline(time.Now().Add(d))
	} else {
		c.conn.SetReadDeadline(time.Time{})
	}
}
