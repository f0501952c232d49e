// Package config loads and models the streamer's configuration document
// (spec §6): logging, the source server, replication start position and
// checkpoint policy, the capture tree, and the publisher list.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/relaycdc/relaycdc/internal/cdcerr"
)

// Config is the root configuration document.
type Config struct {
	Logging        LoggingConfig      `json:"logging" yaml:"logging"`
	MasterServer   *MySQLServerConfig `json:"master_server,omitempty" yaml:"master_server,omitempty"`
	PostgresServer *PostgresServerConfig `json:"postgres_server,omitempty" yaml:"postgres_server,omitempty"`
	Replication    ReplicationConfig `json:"replication" yaml:"replication"`
	Capture        CaptureConfig     `json:"capture" yaml:"capture"`
	Publishers     []PublisherConfig `json:"publishers" yaml:"publishers"`
}

// LoggingConfig controls the ambient logger's verbosity.
type LoggingConfig struct {
	Level string `json:"level" yaml:"level"`
}

// MySQLServerConfig is the MySQL/MariaDB source connection.
type MySQLServerConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
}

// PostgresServerConfig is the PostgreSQL source connection.
type PostgresServerConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	Database string `json:"database" yaml:"database"`
}

// ReplicationConfig carries both dialects' start-position fields plus
// the checkpoint advancement policy knobs (spec §4.4).
type ReplicationConfig struct {
	ServerID       uint32 `json:"server_id,omitempty" yaml:"server_id,omitempty"`
	BinlogFile     string `json:"binlog_file,omitempty" yaml:"binlog_file,omitempty"`
	BinlogPosition uint32 `json:"binlog_position,omitempty" yaml:"binlog_position,omitempty"`

	SlotName        string `json:"slot_name,omitempty" yaml:"slot_name,omitempty"`
	PublicationName string `json:"publication_name,omitempty" yaml:"publication_name,omitempty"`
	StartLSN        string `json:"start_lsn,omitempty" yaml:"start_lsn,omitempty"`

	SaveLastPosition       bool   `json:"save_last_position" yaml:"save_last_position"`
	SavePositionEventCount int    `json:"save_position_event_count" yaml:"save_position_event_count"`
	CheckpointFile         string `json:"checkpoint_file" yaml:"checkpoint_file"`
}

// CaptureConfig is the configuration-derived capture tree (spec §3).
// "databases" is the MySQL vocabulary, "schemas" the PostgreSQL one;
// both unmarshal into the same shape.
type CaptureConfig struct {
	Databases []SchemaCapture `json:"databases,omitempty" yaml:"databases,omitempty"`
	Schemas   []SchemaCapture `json:"schemas,omitempty" yaml:"schemas,omitempty"`
}

// Entries returns whichever of Databases/Schemas was populated.
func (c CaptureConfig) Entries() []SchemaCapture {
	if len(c.Schemas) > 0 {
		return c.Schemas
	}
	return c.Databases
}

type SchemaCapture struct {
	Name        string         `json:"name" yaml:"name"`
	CaptureDML  *bool          `json:"capture_dml,omitempty" yaml:"capture_dml,omitempty"`
	CaptureDDL  *bool          `json:"capture_ddl,omitempty" yaml:"capture_ddl,omitempty"`
	Tables      []TableCapture `json:"tables" yaml:"tables"`
}

// DMLEnabled defaults to true when unset.
func (s SchemaCapture) DMLEnabled() bool {
	return s.CaptureDML == nil || *s.CaptureDML
}

// DDLEnabled defaults to false when unset.
func (s SchemaCapture) DDLEnabled() bool {
	return s.CaptureDDL != nil && *s.CaptureDDL
}

type TableCapture struct {
	Name              string   `json:"name" yaml:"name"`
	CaptureAllColumns bool     `json:"capture_all_columns" yaml:"capture_all_columns"`
	Columns           []string `json:"columns,omitempty" yaml:"columns,omitempty"`
	PrimaryKey        []string `json:"primary_key,omitempty" yaml:"primary_key,omitempty"`
}

// PublisherConfig is one entry of the publishers[] list.
type PublisherConfig struct {
	Plugin PluginConfig `json:"plugin" yaml:"plugin"`
}

type PluginConfig struct {
	Name             string            `json:"name" yaml:"name"`
	LibraryPath      string            `json:"library_path,omitempty" yaml:"library_path,omitempty"`
	Active            bool              `json:"active" yaml:"active"`
	MaxQueueDepth     int               `json:"max_queue_depth" yaml:"max_queue_depth"`
	PublishDatabases  []string          `json:"publish_databases,omitempty" yaml:"publish_databases,omitempty"`
	PublishSchemas    []string          `json:"publish_schemas,omitempty" yaml:"publish_schemas,omitempty"`
	Config            map[string]string `json:"config,omitempty" yaml:"config,omitempty"`
}

// SchemaFilter returns whichever of PublishDatabases/PublishSchemas was
// populated.
func (p PluginConfig) SchemaFilter() []string {
	if len(p.PublishSchemas) > 0 {
		return p.PublishSchemas
	}
	return p.PublishDatabases
}

// Values wraps a PluginConfig's free-form config map with the accessor
// semantics spec §4.3 mandates for sink configuration lookups.
type Values struct {
	m map[string]string
}

// NewValues wraps a deep copy of m (the publisher manager must hand
// sinks their own copy of the config, per spec §4.3's "deep copy of the
// sink's configuration").
func NewValues(m map[string]string) Values {
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return Values{m: cp}
}

func (v Values) GetString(key, def string) string {
	if val, ok := v.m[key]; ok {
		return val
	}
	return def
}

func (v Values) GetInt(key string, def int) int {
	val, ok := v.m[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return def
	}
	return n
}

var truthy = map[string]bool{"1": true, "true": true, "yes": true, "on": true}
var falsy = map[string]bool{"0": true, "false": true, "no": true, "off": true}

func (v Values) GetBool(key string, def bool) bool {
	val, ok := v.m[key]
	if !ok {
		return def
	}
	val = strings.ToLower(strings.TrimSpace(val))
	if truthy[val] {
		return true
	}
	if falsy[val] {
		return false
	}
	return def
}

// Load reads a configuration document from path, choosing JSON or YAML
// by extension (configuration file parsing is an external collaborator
// per spec §1; this loader exists so the rest of the repo has a typed
// Config to build against).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cdcerr.NewConfigurationError(path, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, cdcerr.NewConfigurationError(path, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, cdcerr.NewConfigurationError(path, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, cdcerr.NewConfigurationError(path, err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.MasterServer == nil && c.PostgresServer == nil {
		return fmt.Errorf("configuration must specify either master_server or postgres_server")
	}
	if c.MasterServer != nil && c.PostgresServer != nil {
		return fmt.Errorf("configuration must specify exactly one of master_server or postgres_server")
	}
	if len(c.Capture.Entries()) == 0 {
		return fmt.Errorf("capture.databases/schemas must list at least one schema")
	}
	return nil
}

// Dialect returns "mysql" or "postgres" depending on which server block
// was configured.
func (c *Config) Dialect() string {
	if c.MasterServer != nil {
		return "mysql"
	}
	return "postgres"
}
