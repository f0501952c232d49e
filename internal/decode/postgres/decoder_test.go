package postgres

import (
	"encoding/binary"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/relaycdc/relaycdc/internal/capture"
	"github.com/relaycdc/relaycdc/internal/config"
	"github.com/relaycdc/relaycdc/internal/decode"
)

// captureStub is a minimal decode.CaptureFilter capturing exactly one
// schema.table.
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

func putInt64BE(buf []byte, v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return append(buf, b[:]...)
}

func putInt32BE(buf []byte, v int32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	return append(buf, b[:]...)
}

func putInt16BE(buf []byte, v int16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(v))
	return append(buf, b[:]...)
}

func putCString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	return append(buf, 0)
}

// buildBeginMessage builds a pgoutput BEGIN message (spec §4.1's wire
// format: Byte1('B') + final_lsn(int64) + commit_timestamp(int64) +
// xid(int32)).
func buildBeginMessage(xid uint32) []byte {
	buf := []byte{'B'}
	buf = putInt64BE(buf, 0) // final LSN, unused by handleMessage's BEGIN case
	buf = putInt64BE(buf, 0) // commit timestamp, unused
	buf = putInt32BE(buf, int32(xid))
	return buf
}

// buildRelationMessage builds a pgoutput RELATION message for
// public.t with two columns: id (int4, oid 23) and name (text, oid 25).
func buildRelationMessage(relationID uint32) []byte {
	buf := []byte{'R'}
	buf = putInt32BE(buf, int32(relationID))
	buf = putCString(buf, "public")
	buf = putCString(buf, "t")
	buf = append(buf, 'd') // replica identity: default
	buf = putInt16BE(buf, 2)

	buf = append(buf, 1) // id is part of the key
	buf = putCString(buf, "id")
	buf = putInt32BE(buf, 23) // int4 oid
	buf = putInt32BE(buf, -1) // atttypmod

	buf = append(buf, 0)
	buf = putCString(buf, "name")
	buf = putInt32BE(buf, 25) // text oid
	buf = putInt32BE(buf, -1)

	return buf
}

// buildInsertMessage builds a pgoutput INSERT message for relationID
// with a new tuple carrying id's raw bytes 0x00000007 and name "Ada",
// both in text-formatted submessages (spec scenario (b): text-mode
// values are preserved verbatim).
func buildInsertMessage(relationID uint32) []byte {
	buf := []byte{'I'}
	buf = putInt32BE(buf, int32(relationID))
	buf = append(buf, 'N') // new-tuple marker

	buf = putInt16BE(buf, 2) // column count

	idValue := []byte{0x00, 0x00, 0x00, 0x07}
	buf = append(buf, 't')
	buf = putInt32BE(buf, int32(len(idValue)))
	buf = append(buf, idValue...)

	nameValue := []byte("Ada")
	buf = append(buf, 't')
	buf = putInt32BE(buf, int32(len(nameValue)))
	buf = append(buf, nameValue...)

	return buf
}

// buildCommitMessage builds a pgoutput COMMIT message (Byte1('C') +
// flags(int8) + commit_lsn(int64) + end_lsn(int64) + timestamp(int64)).
func buildCommitMessage() []byte {
	buf := []byte{'C', 0}
	buf = putInt64BE(buf, 0x16<<32) // commit LSN, 16/0
	buf = putInt64BE(buf, 0x16<<32) // end LSN, 16/0
	buf = putInt64BE(buf, 0)        // commit timestamp
	return buf
}

func TestPostgresRelationAndInsertScenario(t *testing.T) {
	const relationID = 100
	filter := captureStub{schema: "public", table: "t"}
	d := New(Config{}, filter)

	sink := &recordingSink{}
	require.NoError(t, d.handleMessage(buildBeginMessage(1001), sink))
	require.NoError(t, d.handleMessage(buildRelationMessage(relationID), sink))
	require.NoError(t, d.handleMessage(buildInsertMessage(relationID), sink))

	require.Len(t, sink.changes, 1)
	ch := sink.changes[0]
	require.Equal(t, decode.Insert, ch.Kind)
	require.Equal(t, "public", ch.Schema)
	require.Equal(t, "t", ch.Table)
	_, err := uuid.Parse(ch.TxnID)
	require.NoError(t, err)

	require.NoError(t, d.handleMessage(buildCommitMessage(), sink))

	desc := capture.NewDescriptor(config.CaptureConfig{
		Schemas: []config.SchemaCapture{{
			Name: "public",
			Tables: []config.TableCapture{{
				Name:              "t",
				CaptureAllColumns: true,
			}},
		}},
	})

	ev, ok := capture.Project("postgres", ch, desc)
	require.True(t, ok)
	encoded := capture.Encode(ev)

	expected := `{"type":"INSERT","txn":"` + ch.TxnID + `","schema":"public","table":"t","rows":[{"id":"\u0000\u0000\u0000\u0007","name":"Ada"}]}`
	require.Equal(t, expected, string(encoded))
}

func TestPostgresInsertSkipsUnknownRelation(t *testing.T) {
	const relationID = 200
	filter := captureStub{schema: "public", table: "t"}
	d := New(Config{}, filter)

	sink := &recordingSink{}
	require.NoError(t, d.handleMessage(buildRelationMessage(relationID), sink))
	// buildRelationMessage always names public.t; point the insert at a
	// different, never-declared relation id to exercise the "unknown
	// relation" skip path instead.
	require.NoError(t, d.handleMessage(buildInsertMessage(999), sink))
	require.Empty(t, sink.changes, "an INSERT against an uncached relation id must be skipped")
}
