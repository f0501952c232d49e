package mysql

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/go-sql-driver/mysql"

	"github.com/relaycdc/relaycdc/internal/cdcerr"
)

// metadataConn is the side connection spec §4.1 calls for: checksum
// mode discovery, column-name fetches, and ENUM literal tables. It uses
// the ordinary client/query protocol via database/sql, unlike replConn
// which speaks the raw replication command set.
type metadataConn struct {
	db *sql.DB
}

func openMetadataConn(cfg Config) (*metadataConn, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/?parseTime=false", cfg.User, cfg.Password, cfg.Host, cfg.Port)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, cdcerr.NewConnectionError(cfg.Host, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, cdcerr.NewConnectionError(cfg.Host, err)
	}
	return &metadataConn{db: db}, nil
}

func (m *metadataConn) Close() error { return m.db.Close() }

// ChecksumEnabled reports whether the server emits a CRC32 trailer on
// each binlog event (spec §4.1: "queries the server for checksum mode").
func (m *metadataConn) ChecksumEnabled() (bool, error) {
	var name, value string
	row := m.db.QueryRow("SHOW GLOBAL VARIABLES LIKE 'binlog_checksum'")
	if err := row.Scan(&name, &value); err != nil {
		if err == sql.ErrNoRows {
			return false, nil // server predates binlog_checksum
		}
		return false, err
	}
	return strings.ToUpper(value) != "NONE", nil
}

// ColumnNames fetches the ordered column names of schema.table via
// `SELECT … LIMIT 0` (spec §4.1: "read column labels").
func (m *metadataConn) ColumnNames(schema, table string) ([]string, error) {
	query := fmt.Sprintf("SELECT * FROM %s LIMIT 0", quoteIdentifierPair(schema, table))
	rows, err := m.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return rows.Columns()
}

var enumLiteralPattern = regexp.MustCompile(`^(enum|set)\((.*)\)$`)

// EnumLiterals fetches the ordered ENUM/SET literal list for a column,
// used to resolve a raw integer index to its string value (spec §4.1's
// STRING/ENUM/SET overload handling, scenario (d)).
func (m *metadataConn) EnumLiterals(schema, table, column string) ([]string, error) {
	query := "SELECT COLUMN_TYPE FROM information_schema.COLUMNS WHERE TABLE_SCHEMA=? AND TABLE_NAME=? AND COLUMN_NAME=?"
	var columnType string
	if err := m.db.QueryRow(query, schema, table, column).Scan(&columnType); err != nil {
		return nil, err
	}
	match := enumLiteralPattern.FindStringSubmatch(strings.ToLower(columnType))
	if match == nil {
		return nil, fmt.Errorf("mysql: column %s.%s.%s is not an ENUM/SET column", schema, table, column)
	}
	var literals []string
	for _, part := range strings.Split(match[2], ",") {
		part = strings.TrimSpace(part)
		part = strings.TrimPrefix(part, "'")
		part = strings.TrimSuffix(part, "'")
		part = strings.ReplaceAll(part, "''", "'")
		literals = append(literals, part)
	}
	return literals, nil
}

func quoteIdentifierPair(schema, table string) string {
	return quoteIdentifier(schema) + "." + quoteIdentifier(table)
}

// quoteIdentifier backtick-quotes a MySQL identifier, doubling any
// embedded backtick.
func quoteIdentifier(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}
