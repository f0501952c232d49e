package capture

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/relaycdc/relaycdc/internal/decode"
)

// Encode renders ev per spec §4.2/§6: UTF-8, no surrounding whitespace,
// one event per call. This is hand-rolled rather than encoding/json
// because the escaping rules are the spec's own (quote `"`/`\`, escape
// \n/\r/\t, \u00XX for other control bytes) and must hold byte-for-byte
// regardless of what a generic marshaler would choose for map ordering
// or escaping.
func Encode(ev Event) []byte {
	var buf bytes.Buffer
	buf.WriteByte('{')

	first := true
	field := func(key string) {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		writeJSONString(&buf, key)
		buf.WriteByte(':')
	}

	field("type")
	writeJSONString(&buf, ev.Type)

	field("txn")
	writeJSONString(&buf, ev.Txn)

	dbKey := "schema"
	if ev.Dialect == "mysql" {
		dbKey = "db"
	}
	field(dbKey)
	writeJSONString(&buf, ev.Schema)

	if ev.HasTable {
		field("table")
		writeJSONString(&buf, ev.Table)
	}

	if len(ev.PrimaryKey) > 0 {
		field("primary_key")
		buf.WriteByte('[')
		for i, k := range ev.PrimaryKey {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeJSONString(&buf, k)
		}
		buf.WriteByte(']')
	}

	if len(ev.Rows) > 0 {
		field("rows")
		buf.WriteByte('[')
		for i, row := range ev.Rows {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeRow(&buf, row)
		}
		buf.WriteByte(']')
	}

	if ev.HasQuery {
		field("query")
		writeJSONString(&buf, ev.Query)
	}

	if ev.XID != nil {
		field("xid")
		buf.WriteString(strconv.FormatUint(*ev.XID, 10))
	}

	buf.WriteByte('}')
	return buf.Bytes()
}

func writeRow(buf *bytes.Buffer, row RowPayload) {
	if row.IsUpdate {
		buf.WriteByte('{')
		buf.WriteString(`"before":`)
		writeFields(buf, row.Before)
		buf.WriteString(`,"after":`)
		writeFields(buf, row.After)
		buf.WriteByte('}')
		return
	}
	writeFields(buf, row.Fields)
}

func writeFields(buf *bytes.Buffer, fields []decode.ColumnValue) {
	buf.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeJSONString(buf, f.Name)
		buf.WriteByte(':')
		writeJSONValue(buf, f.Value)
	}
	buf.WriteByte('}')
}

func writeJSONValue(buf *bytes.Buffer, v interface{}) {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		writeJSONString(buf, val)
	case int:
		buf.WriteString(strconv.Itoa(val))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(val, 10))
	case float32:
		buf.WriteString(strconv.FormatFloat(float64(val), 'g', -1, 32))
	case float64:
		buf.WriteString(strconv.FormatFloat(val, 'g', -1, 64))
	default:
		writeJSONString(buf, fmt.Sprintf("%v", val))
	}
}

// writeJSONString applies spec §4.2's escaping rules exactly: quote `"`
// and `\`, escape \n/\r/\t, and emit \u00XX for any other control byte.
func writeJSONString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for i := 0; i < len(s); i++ {
		b := s[i]
		switch b {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if b < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, b)
			} else {
				buf.WriteByte(b)
			}
		}
	}
	buf.WriteByte('"')
}

// RenderBlob renders a BLOB payload per spec §4.1: non-printable bytes
// replaced with '.', truncated at 200 bytes with a trailing "...".
func RenderBlob(b []byte) string {
	const limit = 200
	truncated := false
	if len(b) > limit {
		b = b[:limit]
		truncated = true
	}
	out := make([]byte, len(b))
	for i, c := range b {
		if c < 0x20 || c >= 0x7f {
			out[i] = '.'
		} else {
			out[i] = c
		}
	}
	s := string(out)
	if truncated {
		s += "..."
	}
	return s
}
