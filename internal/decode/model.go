// Package decode defines the types shared between the MySQL and
// PostgreSQL dialect decoders and their consumer (the capture/projection
// engine): the physical row-change shape a decoder emits, and the
// capture-filter contract a decoder consults before doing any row-image
// work, so that a table excluded from capture never pays for a decode.
package decode

// ColumnValue is one physical column's name and decoded value.
type ColumnValue struct {
	Name  string
	Value interface{}
}

// ChangeKind enumerates the row-change record kinds spec §3 defines.
type ChangeKind string

const (
	Insert ChangeKind = "INSERT"
	Update ChangeKind = "UPDATE"
	Delete ChangeKind = "DELETE"
	DDL    ChangeKind = "DDL"
	Commit ChangeKind = "COMMIT"
)

// Change is the physical, pre-projection row-change event a dialect
// decoder produces. The capture/projection engine turns this into the
// final JSON-ready record (spec §3's "Row change record").
type Change struct {
	Kind ChangeKind

	Schema string
	Table  string

	TxnID    string
	Position string // opaque stream position string, for checkpoint correlation

	// Before/After hold physical columns in stream order. INSERT/DELETE
	// populate only After/Before respectively; UPDATE populates both.
	Before []ColumnValue
	After  []ColumnValue

	// DDLQuery and DDLType are populated for DDL records; DDLType is
	// one of CREATE/ALTER/DROP/TRUNCATE/RENAME (spec §4.1's QUERY
	// classification).
	DDLQuery string
	DDLType  string

	// XID is populated for MySQL COMMIT records.
	XID *uint64
}

// CaptureFilter is consulted by a dialect decoder before it decodes a
// row image, so that an excluded table can be skipped without decoding
// (spec §4.2: "the decoder skips the row image entirely, not merely
// discards after decoding").
type CaptureFilter interface {
	// TableCaptured reports whether (schema, table) is in the capture
	// set at all. Column-level selection happens later, in projection,
	// once the full physical row has been decoded.
	TableCaptured(schema, table string) bool
	// SchemaDML reports whether row events are captured for schema.
	SchemaDML(schema string) bool
	// SchemaDDL reports whether DDL/COMMIT records are emitted for schema.
	SchemaDDL(schema string) bool
}

// Sink receives decoded changes and position advances from a dialect
// decoder. The top-level engine implements this to project each Change
// into a record and route it to the publisher manager.
type Sink interface {
	HandleChange(Change) error
	// AdvancePosition is called at natural checkpoint boundaries
	// (commit, rotate) as well as after ordinary events, so the
	// checkpoint store's event-count policy (spec §4.4) can decide
	// whether to actually persist.
	AdvancePosition(position string, boundary bool)
}
