package mysql

import (
	"github.com/relaycdc/relaycdc/internal/cdcerr"
	"github.com/relaycdc/relaycdc/internal/decode/cursor"
)

// handleTableMap parses a TABLE_MAP event body into a tableMap and
// caches it by table id (spec §4.1). A table excluded from capture, or
// whose schema has DML capture disabled, is cached but marked inactive
// so row events against it are skipped without decoding.
func (d *Decoder) handleTableMap(body []byte) error {
	cur := cursor.New(body)
	tableID := cur.Bytes(6)
	cur.Skip(2) // flags
	schemaLen := cur.Uint8()
	schema := string(cur.Bytes(int(schemaLen)))
	cur.Skip(1) // NUL
	tableLen := cur.Uint8()
	table := string(cur.Bytes(int(tableLen)))
	cur.Skip(1) // NUL
	columnCount := int(cur.LengthEncodedInt())
	rawTypes := cur.Bytes(columnCount)
	metaLen := int(cur.LengthEncodedInt())
	metaBlock := cur.Bytes(metaLen)
	if err := cur.Err(); err != nil {
		return cdcerr.NewDecodeError("TABLE_MAP", err)
	}

	types := make([]columnType, columnCount)
	for i, b := range rawTypes {
		types[i] = columnType(b)
	}

	metadata, realTypes, err := parseColumnMetadata(types, metaBlock)
	if err != nil {
		return cdcerr.NewDecodeError("TABLE_MAP", err)
	}

	id := tableIDToUint64(tableID)

	active := d.filter.TableCaptured(schema, table) && d.filter.SchemaDML(schema)

	existing, known := d.tables[id]
	changed := !known || existing.schema != schema || existing.table != table || existing.columnCount != columnCount

	tm := &tableMap{
		schema: schema, table: table, columnCount: columnCount,
		types: types, realTypes: realTypes, metadata: metadata,
		active: active,
	}
	if known && !changed {
		// Identity unchanged: keep the previously fetched column names
		// and ENUM literal cache (spec §3: "invalidated... when a
		// replacement descriptor arrives for the same id" only on
		// change).
		tm.columnNames = existing.columnNames
		tm.enumLiterals = existing.enumLiterals
	}
	d.tables[id] = tm

	if active && d.meta != nil && tm.columnNames == nil {
		names, err := d.meta.ColumnNames(schema, table)
		if err == nil {
			tm.columnNames = names
		}
	}
	return nil
}

func tableIDToUint64(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// parseColumnMetadata walks the TABLE_MAP metadata block, whose
// per-column width depends on that column's type (spec §4.1's metadata
// table). It also resolves the STRING/ENUM/SET overload: STRING
// (colString) metadata packs the *real* type in its high byte.
func parseColumnMetadata(types []columnType, block []byte) (meta []uint16, realTypes []columnType, err error) {
	cur := cursor.New(block)
	meta = make([]uint16, len(types))
	realTypes = make([]columnType, len(types))
	copy(realTypes, types)

	for i, t := range types {
		switch t {
		case colFloat, colDouble, colTimestamp2, colDatetime2, colTime2:
			meta[i] = uint16(cur.Uint8())
		case colVarchar, colVarString:
			meta[i] = cur.Uint16LE()
		case colBlob, colGeometry, colJSON:
			meta[i] = uint16(cur.Uint8())
		case colNewDecimal:
			precision := cur.Uint8()
			scale := cur.Uint8()
			meta[i] = uint16(precision)<<8 | uint16(scale)
		case colString, colEnum, colSet:
			// Packed as (real_type<<8 | field_length); STRING may
			// actually be ENUM/SET depending on the high byte (spec
			// §4.1's "STRING/ENUM/SET overloads").
			b0 := cur.Uint8()
			b1 := cur.Uint8()
			realType := columnType(b0)
			switch realType {
			case colEnum, colSet:
				realTypes[i] = realType
				meta[i] = uint16(b1)
			default:
				meta[i] = uint16(b0)<<8 | uint16(b1)
			}
		case colBit:
			bits := cur.Uint8()
			bytes := cur.Uint8()
			meta[i] = uint16(bits)<<8 | uint16(bytes)
		default:
			// Fixed-width types (TINY/SHORT/LONG/LONGLONG/INT24/
			// TIMESTAMP/DATE/TIME/DATETIME/YEAR/NULL) carry no
			// metadata byte.
		}
	}
	if err := cur.Err(); err != nil {
		return nil, nil, err
	}
	return meta, realTypes, nil
}
