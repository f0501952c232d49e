package capture

import (
	"github.com/relaycdc/relaycdc/internal/decode"
)

// Event is the fully-projected, JSON-ready row-change record (spec §3,
// §6). Rows holds one RowPayload, whose column name/value pairs are in
// the order they are rendered: a flat field list for INSERT/DELETE or a
// before/after pair for UPDATE.
type Event struct {
	Type    string
	Txn     string
	Dialect string // "mysql" or "postgres" -> selects the "db"/"schema" JSON key
	Schema  string
	Table   string
	HasTable bool

	PrimaryKey []string

	Rows []RowPayload

	Query    string
	HasQuery bool

	XID *uint64

	// Position is not serialized; it is carried alongside the event so
	// the caller can advance the checkpoint once every eligible sink's
	// queue holds the record (spec §3's checkpoint invariant).
	Position string
}

// RowPayload is either a flat field list (INSERT/DELETE) or a
// before/after pair (UPDATE).
type RowPayload struct {
	IsUpdate bool
	Fields   []decode.ColumnValue
	Before   []decode.ColumnValue
	After    []decode.ColumnValue
}

// Project turns a decoded physical Change into a JSON-ready Event,
// applying the capture descriptor's column selection and primary-key
// metadata. It returns ok=false if the schema/table is not captured (the
// caller should not route such an event to any sink) — in practice the
// decoder has already excluded these via decode.CaptureFilter, so this
// is a defensive second check, not the primary filter.
func Project(dialect string, ch decode.Change, desc *Descriptor) (Event, bool) {
	switch ch.Kind {
	case decode.DDL:
		return Event{
			Type:     ch.DDLType,
			Txn:      ch.TxnID,
			Dialect:  dialect,
			Schema:   ch.Schema,
			Query:    ch.DDLQuery,
			HasQuery: true,
			Position: ch.Position,
		}, true
	case decode.Commit:
		return Event{
			Type:     "COMMIT",
			Txn:      ch.TxnID,
			Dialect:  dialect,
			Schema:   ch.Schema,
			XID:      ch.XID,
			Position: ch.Position,
		}, true
	}

	te, ok := desc.table(ch.Schema, ch.Table)
	if !ok {
		return Event{}, false
	}

	payload := RowPayload{}
	switch ch.Kind {
	case decode.Insert:
		payload.Fields = projectColumns(te, ch.After)
	case decode.Delete:
		payload.Fields = projectColumns(te, ch.Before)
	case decode.Update:
		payload.IsUpdate = true
		payload.Before = projectColumns(te, ch.Before)
		payload.After = projectColumns(te, ch.After)
	}

	return Event{
		Type:       string(ch.Kind),
		Txn:        ch.TxnID,
		Dialect:    dialect,
		Schema:     ch.Schema,
		Table:      ch.Table,
		HasTable:   true,
		PrimaryKey: te.primaryKey,
		Rows:       []RowPayload{payload},
		Position:   ch.Position,
	}, true
}

// projectColumns renders configured column names in physical-column
// order, or every physical column when capture_all_columns is set
// (spec §4.2).
func projectColumns(te *tableEntry, physical []decode.ColumnValue) []decode.ColumnValue {
	if te.allColumns {
		return physical
	}
	wanted := make(map[string]bool, len(te.columns))
	for _, c := range te.columns {
		wanted[c] = true
	}
	out := make([]decode.ColumnValue, 0, len(te.columns))
	for _, col := range physical {
		if wanted[col.Name] {
			out = append(out, col)
		}
	}
	return out
}
