package mysql

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/relaycdc/relaycdc/internal/capture"
	"github.com/relaycdc/relaycdc/internal/config"
	"github.com/relaycdc/relaycdc/internal/decode"
)

// captureStub is a minimal decode.CaptureFilter that captures exactly
// one schema.table, mirroring what capture.Descriptor reports for a
// matching configuration.
type captureStub struct {
	schema, table string
}

func (c captureStub) TableCaptured(schema, table string) bool {
	return schema == c.schema && table == c.table
}
func (c captureStub) SchemaDML(schema string) bool { return schema == c.schema }
func (c captureStub) SchemaDDL(schema string) bool { return schema == c.schema }

// recordingSink collects every decode.Change handed to it.
type recordingSink struct {
	changes []decode.Change
}

func (s *recordingSink) HandleChange(ch decode.Change) error {
	s.changes = append(s.changes, ch)
	return nil
}
func (s *recordingSink) AdvancePosition(position string, boundary bool) {}

// lengthEncodedInt encodes n as a MySQL length-encoded integer, using
// only the single-byte form this test's fixtures need.
func lengthEncodedInt(n int) []byte { return []byte{byte(n)} }

// buildTableMapBody builds a TABLE_MAP event body (the bytes handed to
// handleTableMap, i.e. everything after the 19-byte common header) for
// table id 7, "shop"."orders" with columns INT, VARCHAR(64), DECIMAL(4,2).
func buildTableMapBody() []byte {
	var body []byte
	body = append(body, 7, 0, 0, 0, 0, 0) // table id, 6 bytes LE
	body = append(body, 0, 0)             // flags

	body = append(body, byte(len("shop")))
	body = append(body, "shop"...)
	body = append(body, 0) // NUL

	body = append(body, byte(len("orders")))
	body = append(body, "orders"...)
	body = append(body, 0) // NUL

	body = append(body, lengthEncodedInt(3)...)
	body = append(body, byte(colLong), byte(colVarchar), byte(colNewDecimal))

	// metadata: colLong has none, colVarchar is a 2-byte max-length,
	// colNewDecimal is (precision, scale) as two single bytes.
	meta := []byte{0x40, 0x00, 4, 2} // varchar max length 64 (LE), precision=4, scale=2
	body = append(body, lengthEncodedInt(len(meta))...)
	body = append(body, meta...)
	return body
}

// buildWriteRowsV2Body builds a WRITE_ROWS_v2 event body for table id 7,
// one row with all three columns present and non-null: id=42,
// name="ACME", total=19.95.
func buildWriteRowsV2Body() []byte {
	var body []byte
	body = append(body, 7, 0, 0, 0, 0, 0) // table id
	body = append(body, 0, 0)             // flags
	body = append(body, 2, 0)             // extra_len (LE uint16) = 2: no extra data

	body = append(body, lengthEncodedInt(3)...) // column count
	body = append(body, 0x07)                   // present-columns bitmap: all 3 present

	body = append(body, 0x00) // null bitmap (sized to present count = 3): no nulls

	body = append(body, 42, 0, 0, 0) // id INT, LE

	body = append(body, 4) // varchar length prefix (max length 64 < 256 -> 1 byte)
	body = append(body, "ACME"...)

	// NEWDECIMAL(4,2) encoding of 19.95: integer part 19 (1 byte group),
	// fractional part 95 (1 byte group), sign bit of the first byte set
	// for positive values.
	body = append(body, 0x93, 0x5f)
	return body
}

func TestMySQLTableMapAndWriteRowsInsertScenario(t *testing.T) {
	filter := captureStub{schema: "shop", table: "orders"}
	d := New(Config{}, filter)

	require.NoError(t, d.handleTableMap(buildTableMapBody()))

	// The decoder normally resolves column names via its side metadata
	// connection (internal/decode/mysql/metadata.go); this test supplies
	// them directly rather than dialing a real database.
	tm := d.tables[7]
	require.NotNil(t, tm)
	require.True(t, tm.active)
	tm.columnNames = []string{"id", "name", "total"}

	sink := &recordingSink{}
	require.NoError(t, d.handleRows(buildWriteRowsV2Body(), decode.Insert, true, sink))

	require.Len(t, sink.changes, 1)
	ch := sink.changes[0]
	require.Equal(t, decode.Insert, ch.Kind)
	require.Equal(t, "shop", ch.Schema)
	require.Equal(t, "orders", ch.Table)
	_, err := uuid.Parse(ch.TxnID)
	require.NoError(t, err)

	desc := capture.NewDescriptor(config.CaptureConfig{
		Schemas: []config.SchemaCapture{{
			Name: "shop",
			Tables: []config.TableCapture{{
				Name:       "orders",
				Columns:    []string{"id", "total"},
				PrimaryKey: []string{"id"},
			}},
		}},
	})

	ev, ok := capture.Project("mysql", ch, desc)
	require.True(t, ok)
	encoded := capture.Encode(ev)

	expected := `{"type":"INSERT","txn":"` + ch.TxnID + `","db":"shop","table":"orders","primary_key":["id"],"rows":[{"id":42,"total":"19.95"}]}`
	require.Equal(t, expected, string(encoded))
}

func TestMySQLTableMapSkipsUncapturedTable(t *testing.T) {
	filter := captureStub{schema: "shop", table: "orders"}
	d := New(Config{}, filter)

	require.NoError(t, d.handleTableMap(buildTableMapBody()))
	// Simulate a table excluded from the capture set after the fact.
	d.tables[7].active = false

	sink := &recordingSink{}
	require.NoError(t, d.handleRows(buildWriteRowsV2Body(), decode.Insert, true, sink))
	require.Empty(t, sink.changes, "an inactive table's row event must be skipped without decoding")
}
