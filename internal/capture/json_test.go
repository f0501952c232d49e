package capture

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaycdc/relaycdc/internal/decode"
)

func TestEncodeInsertEvent(t *testing.T) {
	ev := Event{
		Type: "INSERT", Txn: "t1", Dialect: "mysql", Schema: "app", Table: "users",
		HasTable: true, PrimaryKey: []string{"id"},
		Rows: []RowPayload{{Fields: []decode.ColumnValue{
			{Name: "id", Value: int64(1)},
			{Name: "name", Value: "ann"},
		}}},
	}
	out := string(Encode(ev))
	require.Equal(t, `{"type":"INSERT","txn":"t1","db":"app","table":"users","primary_key":["id"],"rows":[{"id":1,"name":"ann"}]}`, out)
}

func TestEncodeUpdateEventUsesSchemaKeyForPostgres(t *testing.T) {
	ev := Event{
		Type: "UPDATE", Txn: "t2", Dialect: "postgres", Schema: "public", Table: "orders",
		HasTable: true,
		Rows: []RowPayload{{
			IsUpdate: true,
			Before:   []decode.ColumnValue{{Name: "status", Value: "open"}},
			After:    []decode.ColumnValue{{Name: "status", Value: "closed"}},
		}},
	}
	out := string(Encode(ev))
	require.Contains(t, out, `"schema":"public"`)
	require.Contains(t, out, `"before":{"status":"open"}`)
	require.Contains(t, out, `"after":{"status":"closed"}`)
}

func TestEncodeDDLAndCommit(t *testing.T) {
	ddl := Event{Type: "CREATE", Txn: "t3", Dialect: "mysql", Schema: "app", Query: "CREATE TABLE t (id int)", HasQuery: true}
	require.Equal(t, `{"type":"CREATE","txn":"t3","db":"app","query":"CREATE TABLE t (id int)"}`, string(Encode(ddl)))

	xid := uint64(42)
	commit := Event{Type: "COMMIT", Txn: "t3", Dialect: "mysql", Schema: "app", XID: &xid}
	require.Equal(t, `{"type":"COMMIT","txn":"t3","db":"app","xid":42}`, string(Encode(commit)))
}

func TestWriteJSONStringEscaping(t *testing.T) {
	ev := Event{
		Type: "INSERT", Txn: "t4", Dialect: "mysql", Schema: "app", Table: "notes", HasTable: true,
		Rows: []RowPayload{{Fields: []decode.ColumnValue{
			{Name: "body", Value: "line1\nline2\ttab\"quote\\back\x01ctrl"},
		}}},
	}
	out := string(Encode(ev))
	require.Contains(t, out, "line1\\nline2\\ttab\\\"quote\\\\back\\u0001ctrl")
}

func TestRenderBlobTruncatesAndReplacesNonPrintable(t *testing.T) {
	long := make([]byte, 250)
	for i := range long {
		long[i] = 'a'
	}
	out := RenderBlob(long)
	require.Len(t, out, 203) // 200 + "..."
	require.Equal(t, "...", out[200:])

	withControl := []byte{'a', 0x01, 'b', 0x7f}
	require.Equal(t, "a.b.", RenderBlob(withControl))
}
