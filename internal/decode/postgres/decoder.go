// Package postgres implements the PostgreSQL pgoutput dialect decoder
// (spec §4.1): a logical replication connection, relation-cache
// maintenance, and pgoutput message decoding into decode.Change values.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/relaycdc/relaycdc/internal/cdcerr"
	"github.com/relaycdc/relaycdc/internal/decode"
)

// Config configures a Decoder's connection to the source server.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string

	SlotName        string
	PublicationName string

	// StatusInterval is how often a standby status update is sent
	// absent a server keepalive request (spec §4.1: "every 10 seconds").
	StatusInterval time.Duration
}

// relation is the cached Relation descriptor (spec §3's "Table/Relation
// descriptor"), keyed by the server-assigned relation id.
type relation struct {
	schema  string
	name    string
	columns []pglogrepl.RelationMessageColumn

	active bool
}

// Decoder is the PostgreSQL pgoutput dialect decoder. Like its MySQL
// counterpart, every field here is touched only from the goroutine that
// calls Run (spec §5).
type Decoder struct {
	cfg    Config
	filter decode.CaptureFilter

	conn *pgconn.PgConn

	relations map[uint32]*relation

	txnID string

	currentLSN pglogrepl.LSN
}

// New builds a Decoder against cfg.
func New(cfg Config, filter decode.CaptureFilter) *Decoder {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 10 * time.Second
	}
	return &Decoder{cfg: cfg, filter: filter, relations: make(map[uint32]*relation)}
}

// Run connects with replication=database, clamps startLSN down to the
// slot's confirmed_flush_lsn (spec §4.1: "never start ahead of the
// server"), issues START_REPLICATION, and decodes CopyData messages
// until ctx is cancelled.
func (d *Decoder) Run(ctx context.Context, startLSN pglogrepl.LSN, sink decode.Sink) error {
	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?replication=database",
		d.cfg.User, d.cfg.Password, d.cfg.Host, d.cfg.Port, d.cfg.Database)

	conn, err := pgconn.Connect(ctx, connString)
	if err != nil {
		return cdcerr.NewConnectionError(d.cfg.Host, err)
	}
	d.conn = conn
	defer conn.Close(ctx)

	ident, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return cdcerr.NewConnectionError(d.cfg.Host, err)
	}
	_ = ident

	confirmed, err := d.confirmedFlushLSN(ctx)
	if err == nil && startLSN > confirmed {
		startLSN = confirmed
	}
	d.currentLSN = startLSN

	err = pglogrepl.StartReplication(ctx, conn, d.cfg.SlotName, startLSN, pglogrepl.StartReplicationOptions{
		PluginArgs: []string{"proto_version '1'", fmt.Sprintf("publication_names '%s'", d.cfg.PublicationName)},
	})
	if err != nil {
		return cdcerr.NewConnectionError(d.cfg.Host, err)
	}

	nextStatus := time.Now().Add(d.cfg.StatusInterval)

	for {
		if ctx.Err() != nil {
			return nil
		}

		if time.Now().After(nextStatus) {
			if err := d.sendStatus(ctx, false); err != nil {
				return cdcerr.NewTransientStreamError("standby status", err)
			}
			nextStatus = time.Now().Add(d.cfg.StatusInterval)
		}

		recvCtx, cancel := context.WithTimeout(ctx, time.Second)
		msg, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return cdcerr.NewConnectionError(d.cfg.Host, err)
		}

		cd, ok := msg.(*pgproto3.CopyData)
		if !ok || len(cd.Data) == 0 {
			continue
		}

		switch cd.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			ka, err := pglogrepl.ParsePrimaryKeepaliveMessage(cd.Data[1:])
			if err != nil {
				continue
			}
			if ka.ServerWALEnd > d.currentLSN {
				d.currentLSN = ka.ServerWALEnd
			}
			if ka.ReplyRequested {
				if err := d.sendStatus(ctx, false); err != nil {
					return cdcerr.NewTransientStreamError("standby status", err)
				}
				nextStatus = time.Now().Add(d.cfg.StatusInterval)
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(cd.Data[1:])
			if err != nil {
				return cdcerr.NewTransientStreamError("XLogData", err)
			}
			d.currentLSN = xld.WALStart + pglogrepl.LSN(len(xld.WALData))
			if err := d.handleMessage(xld.WALData, sink); err != nil {
				sink.AdvancePosition(d.currentLSN.String(), false)
			}
		}
	}
}

func (d *Decoder) confirmedFlushLSN(ctx context.Context) (pglogrepl.LSN, error) {
	result := d.conn.Exec(ctx, fmt.Sprintf(
		"SELECT confirmed_flush_lsn FROM pg_replication_slots WHERE slot_name = '%s'", d.cfg.SlotName))
	readers, err := result.ReadAll()
	if err != nil || len(readers) == 0 || len(readers[0].Rows) == 0 {
		return 0, fmt.Errorf("could not read confirmed_flush_lsn for slot %s", d.cfg.SlotName)
	}
	return pglogrepl.ParseLSN(string(readers[0].Rows[0][0]))
}

// sendStatus sends a standby status update with write=flush=apply=the
// current LSN (spec §4.1's status feedback).
func (d *Decoder) sendStatus(ctx context.Context, replyRequested bool) error {
	return pglogrepl.SendStandbyStatusUpdate(ctx, d.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: d.currentLSN,
		WALFlushPosition: d.currentLSN,
		WALApplyPosition: d.currentLSN,
		ClientTime:       time.Now(),
		ReplyRequested:   replyRequested,
	})
}

func (d *Decoder) handleMessage(walData []byte, sink decode.Sink) error {
	msg, err := pglogrepl.Parse(walData)
	if err != nil {
		return cdcerr.NewDecodeError("pgoutput", err)
	}

	switch m := msg.(type) {
	case *pglogrepl.RelationMessage:
		d.handleRelation(m)

	case *pglogrepl.BeginMessage:
		d.txnID = uuid.NewString()

	case *pglogrepl.CommitMessage:
		schema := d.currentSchema()
		if schema != "" && d.filter.SchemaDDL(schema) {
			sink.HandleChange(decode.Change{
				Kind: decode.Commit, Schema: schema, TxnID: d.txnID,
				Position: d.currentLSN.String(),
			})
		}
		d.txnID = ""
		sink.AdvancePosition(d.currentLSN.String(), true)

	case *pglogrepl.InsertMessage:
		d.ensureTxn()
		rel, ok := d.relations[m.RelationID]
		if !ok || !rel.active {
			return nil
		}
		cols, err := decodeTuple(m.Tuple, rel)
		if err != nil {
			return cdcerr.NewDecodeError("INSERT", err)
		}
		sink.HandleChange(decode.Change{
			Kind: decode.Insert, Schema: rel.schema, Table: rel.name,
			TxnID: d.txnID, Position: d.currentLSN.String(), After: cols,
		})

	case *pglogrepl.UpdateMessage:
		d.ensureTxn()
		rel, ok := d.relations[m.RelationID]
		if !ok || !rel.active {
			return nil
		}
		after, err := decodeTuple(m.NewTuple, rel)
		if err != nil {
			return cdcerr.NewDecodeError("UPDATE", err)
		}
		var before []decode.ColumnValue
		if m.OldTuple != nil {
			before, _ = decodeTuple(m.OldTuple, rel)
		}
		sink.HandleChange(decode.Change{
			Kind: decode.Update, Schema: rel.schema, Table: rel.name,
			TxnID: d.txnID, Position: d.currentLSN.String(), Before: before, After: after,
		})

	case *pglogrepl.DeleteMessage:
		d.ensureTxn()
		rel, ok := d.relations[m.RelationID]
		if !ok || !rel.active {
			return nil
		}
		before, err := decodeTuple(m.OldTuple, rel)
		if err != nil {
			return cdcerr.NewDecodeError("DELETE", err)
		}
		sink.HandleChange(decode.Change{
			Kind: decode.Delete, Schema: rel.schema, Table: rel.name,
			TxnID: d.txnID, Position: d.currentLSN.String(), Before: before,
		})

	default:
		// ORIGIN, TYPE, TRUNCATE, MESSAGE: skipped without logging.
	}
	return nil
}

func (d *Decoder) ensureTxn() {
	if d.txnID == "" {
		d.txnID = uuid.NewString()
	}
}

func (d *Decoder) currentSchema() string {
	for _, r := range d.relations {
		if r.active {
			return r.schema
		}
	}
	return ""
}

// handleRelation updates the relation cache. A table not in the
// capture set is cached but marked inactive so its INSERT/UPDATE/
// DELETE messages are skipped without decoding (spec §4.1).
func (d *Decoder) handleRelation(m *pglogrepl.RelationMessage) {
	active := d.filter.TableCaptured(m.Namespace, m.RelationName) && d.filter.SchemaDML(m.Namespace)
	d.relations[m.RelationID] = &relation{
		schema:  m.Namespace,
		name:    m.RelationName,
		columns: m.Columns,
		active:  active,
	}
}

// decodeTuple decodes one pgoutput tuple into column name/value pairs
// (spec §4.1: tuple-type byte already consumed by pglogrepl, then per-
// column {kind, [length, bytes]}).
func decodeTuple(tuple *pglogrepl.TupleData, rel *relation) ([]decode.ColumnValue, error) {
	if tuple == nil {
		return nil, nil
	}
	out := make([]decode.ColumnValue, 0, len(tuple.Columns))
	for i, col := range tuple.Columns {
		if i >= len(rel.columns) {
			break
		}
		name := rel.columns[i].Name
		switch col.DataType {
		case 'n':
			out = append(out, decode.ColumnValue{Name: name, Value: nil})
		case 'u':
			// Unchanged TOAST column: omitted, not null (spec §4.1).
			continue
		case 't':
			// Text-mode values are preserved verbatim (spec scenario b).
			out = append(out, decode.ColumnValue{Name: name, Value: string(col.Data)})
		default:
			out = append(out, decode.ColumnValue{Name: name, Value: string(col.Data)})
		}
	}
	return out, nil
}
