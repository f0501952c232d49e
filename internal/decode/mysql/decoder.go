package mysql

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaycdc/relaycdc/internal/cdcerr"
	"github.com/relaycdc/relaycdc/internal/decode"
	"github.com/relaycdc/relaycdc/internal/decode/cursor"
)

// commonHeaderSize is the fixed 19-byte binlog event header (spec
// §4.1/§6): timestamp(4) type(1) server_id(4) event_size(4)
// log_pos(4) flags(2).
const commonHeaderSize = 19

// eventHeader is the decoded common header.
type eventHeader struct {
	Timestamp uint32
	Type      EventType
	ServerID  uint32
	EventSize uint32
	NextPos   uint32
	Flags     uint16
}

// Decoder is the MySQL/MariaDB binlog dialect decoder (spec §4.1). It
// owns the replication connection, the side metadata connection, the
// table-map cache, and the current transaction/position state — all
// touched only from the goroutine that calls Run (spec §5: "relation
// cache and transaction context are touched only by the decoder
// thread").
type Decoder struct {
	cfg    Config
	filter decode.CaptureFilter

	heartbeatSeconds int

	repl *replConn
	meta *metadataConn

	checksumEnabled bool

	tables map[uint64]*tableMap

	file     string
	position uint32

	txnID string
}

// New builds a Decoder against cfg. Dial and stream start happen in Run.
func New(cfg Config, filter decode.CaptureFilter, opts ...Option) *Decoder {
	d := &Decoder{cfg: cfg, filter: filter, tables: make(map[uint64]*tableMap), heartbeatSeconds: 30}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run connects, discovers checksum mode, issues COM_BINLOG_DUMP at
// (file, position), and decodes events until ctx is cancelled or a
// fatal connection error occurs. Every row-carrying, DDL, or COMMIT
// event is handed to sink.HandleChange; sink.AdvancePosition is called
// at every natural checkpoint boundary (spec §4.4).
func (d *Decoder) Run(ctx context.Context, file string, position uint32, sink decode.Sink) error {
	d.file = file
	d.position = position

	meta, err := openMetadataConn(d.cfg)
	if err != nil {
		return err
	}
	d.meta = meta
	defer meta.Close()

	d.checksumEnabled, err = meta.ChecksumEnabled()
	if err != nil {
		return cdcerr.NewConnectionError(d.cfg.Host, err)
	}

	repl, err := dialReplication(d.cfg)
	if err != nil {
		return err
	}
	d.repl = repl
	defer repl.Close()

	if err := repl.registerSlave(d.cfg.ServerID); err != nil {
		return cdcerr.NewConnectionError(d.cfg.Host, err)
	}
	if err := repl.dumpBinlog(file, position, d.cfg.ServerID); err != nil {
		return cdcerr.NewConnectionError(d.cfg.Host, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		d.repl.setReadDeadline(time.Duration(d.heartbeatSeconds*2) * time.Second)
		payload, err := d.repl.readPacket()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return cdcerr.NewConnectionError(d.cfg.Host, err)
		}
		if len(payload) == 0 {
			continue
		}
		// The first byte of every COM_BINLOG_DUMP packet is an OK
		// marker (0x00); an 0xff byte signals an ERR packet.
		switch payload[0] {
		case 0xff:
			return cdcerr.NewConnectionError(d.cfg.Host, fmt.Errorf("binlog dump error: %s", string(payload[1:])))
		case 0x00:
			body := payload[1:]
			if d.checksumEnabled && len(body) >= 4 {
				body = body[:len(body)-4]
			}
			if err := d.handleEvent(body, sink); err != nil {
				// A transient/decode error ends decoding of this event
				// only: the decoder continues with the next event and
				// never aborts the process. The error is not logged;
				// the position reported is the one before the failed
				// event, since d.position has not moved past it.
				sink.AdvancePosition(d.currentPosition(), false)
			}
		}
	}
}

func (d *Decoder) currentPosition() string {
	return fmt.Sprintf("%s:%d", d.file, d.position)
}

func (d *Decoder) handleEvent(body []byte, sink decode.Sink) error {
	cur := cursor.New(body)
	var h eventHeader
	h.Timestamp = cur.Uint32LE()
	h.Type = EventType(cur.Uint8())
	h.ServerID = cur.Uint32LE()
	h.EventSize = cur.Uint32LE()
	h.NextPos = cur.Uint32LE()
	h.Flags = cur.Uint16LE()
	if err := cur.Err(); err != nil {
		return cdcerr.NewTransientStreamError("event header", err)
	}

	rest := body[commonHeaderSize:]

	switch h.Type {
	case EventFormatDesc:
		// Informational only; the decoder already knows checksum mode
		// from the side connection (spec §4.1).

	case EventRotate:
		file, pos, err := decodeRotate(rest)
		if err != nil {
			return cdcerr.NewDecodeError("ROTATE", err)
		}
		d.file = file
		d.position = pos
		d.invalidateTableMaps()
		sink.AdvancePosition(d.currentPosition(), true)
		return nil

	case EventQuery:
		if err := d.handleQuery(rest, sink); err != nil {
			return err
		}

	case EventXID:
		if err := d.handleXID(rest, sink); err != nil {
			return err
		}

	case EventTableMap:
		if err := d.handleTableMap(rest); err != nil {
			return err
		}

	case EventWriteRowsV1, EventWriteRowsV2:
		if err := d.handleRows(rest, decode.Insert, h.Type == EventWriteRowsV2, sink); err != nil {
			return err
		}
	case EventUpdateRowsV1, EventUpdateRowsV2:
		if err := d.handleRows(rest, decode.Update, h.Type == EventUpdateRowsV2, sink); err != nil {
			return err
		}
	case EventDeleteRowsV1, EventDeleteRowsV2:
		if err := d.handleRows(rest, decode.Delete, h.Type == EventDeleteRowsV2, sink); err != nil {
			return err
		}

	case EventMariaWriteRowsCompressedV1:
		return d.handleCompressedRows(rest, decode.Insert, sink)
	case EventMariaUpdateRowsCompressedV1:
		return d.handleCompressedRows(rest, decode.Update, sink)
	case EventMariaDeleteRowsCompressedV1:
		return d.handleCompressedRows(rest, decode.Delete, sink)

	default:
		// GTID, heartbeat, and every other informational event type is
		// a no-op for this decoder.
	}

	d.position = h.NextPos
	sink.AdvancePosition(d.currentPosition(), false)
	return nil
}

func decodeRotate(body []byte) (file string, position uint32, err error) {
	cur := cursor.New(body)
	pos := cur.Uint64LE()
	name := string(cur.Remaining())
	if err := cur.Err(); err != nil {
		return "", 0, err
	}
	return name, uint32(pos), nil
}

// queryClass classifies a QUERY event's SQL text (spec §4.1).
type queryClass int

const (
	queryOther queryClass = iota
	queryBegin
	queryCommit
	queryRollback
	queryDDL
)

var ddlPrefixes = []string{"CREATE", "ALTER", "DROP", "TRUNCATE", "RENAME"}

func classifyQuery(sql string) (queryClass, string) {
	trimmed := strings.TrimSpace(sql)
	upper := strings.ToUpper(trimmed)
	switch {
	case upper == "BEGIN" || strings.HasPrefix(upper, "BEGIN "):
		return queryBegin, ""
	case strings.HasPrefix(upper, "COMMIT"):
		return queryCommit, ""
	case strings.HasPrefix(upper, "ROLLBACK"):
		return queryRollback, ""
	}
	for _, p := range ddlPrefixes {
		if strings.HasPrefix(upper, p) {
			return queryDDL, p
		}
	}
	return queryOther, ""
}

func (d *Decoder) handleQuery(body []byte, sink decode.Sink) error {
	cur := cursor.New(body)
	cur.Skip(4) // thread id
	cur.Skip(4) // execution time
	schemaLen := cur.Uint8()
	cur.Skip(2) // error code
	statusVarsLen := cur.Uint16LE()
	cur.Skip(int(statusVarsLen))
	schema := string(cur.Bytes(int(schemaLen)))
	cur.Skip(1) // NUL after schema
	query := string(cur.Remaining())
	if err := cur.Err(); err != nil {
		return cdcerr.NewDecodeError("QUERY", err)
	}

	class, ddlType := classifyQuery(query)
	switch class {
	case queryBegin:
		d.txnID = uuid.NewString()
	case queryCommit, queryRollback:
		d.txnID = ""
	case queryDDL:
		if d.filter.SchemaDDL(schema) {
			if d.txnID == "" {
				d.txnID = uuid.NewString()
			}
			sink.HandleChange(decode.Change{
				Kind: decode.DDL, Schema: schema, TxnID: d.txnID,
				Position: d.currentPosition(), DDLQuery: query, DDLType: ddlType,
			})
			if class == queryDDL {
				d.txnID = ""
			}
		}
	}
	return nil
}

func (d *Decoder) handleXID(body []byte, sink decode.Sink) error {
	cur := cursor.New(body)
	xid := cur.Uint64LE()
	if err := cur.Err(); err != nil {
		return cdcerr.NewDecodeError("XID", err)
	}

	schema := d.currentSchema()
	if schema != "" && d.filter.SchemaDDL(schema) {
		sink.HandleChange(decode.Change{
			Kind: decode.Commit, Schema: schema, TxnID: d.txnID,
			Position: d.currentPosition(), XID: &xid,
		})
	}
	d.txnID = ""
	sink.AdvancePosition(d.currentPosition(), true)
	return nil
}

// currentSchema returns the schema of the most recently mapped active
// table, used only to decide whether a COMMIT record should be emitted
// (spec §4.1's "capture_ddl is enabled for the table-map's current
// schema").
func (d *Decoder) currentSchema() string {
	for _, tm := range d.tables {
		if tm.active {
			return tm.schema
		}
	}
	return ""
}

func (d *Decoder) invalidateTableMaps() {
	d.tables = make(map[uint64]*tableMap)
}

func (d *Decoder) ensureTxn() {
	if d.txnID == "" {
		d.txnID = uuid.NewString()
	}
}
