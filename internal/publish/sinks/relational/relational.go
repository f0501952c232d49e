// Package relational implements the relational-staging publisher: each
// encoded record is inserted verbatim into a JSON-typed staging table,
// letting a downstream SQL consumer pick changes up with ordinary
// queries (spec §9's generalization of the original's database/
// relational plugin). It targets PostgreSQL via pgx/v5's pool, set up
// connection parameter by connection parameter from the sink's config.
package relational

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaycdc/relaycdc/internal/publish/sink"
)

func init() {
	sink.Register("relational", func() sink.Sink { return &Sink{} })
}

const version = "1.0.0"

type Sink struct {
	log   sink.Logger
	pool  *pgxpool.Pool
	table string

	host, user, password, database string
	port                            int
}

func (s *Sink) Name() string    { return "relational" }
func (s *Sink) Version() string { return version }
func (s *Sink) APIVersion() int { return sink.APIVersion }

func (s *Sink) Init(svc sink.Services) error {
	s.log = svc.Log
	s.host = svc.Config.GetString("host", "")
	s.port = svc.Config.GetInt("port", 5432)
	s.user = svc.Config.GetString("user", "")
	s.password = svc.Config.GetString("password", "")
	s.database = svc.Config.GetString("database", "")
	s.table = svc.Config.GetString("table", "cdc_events")
	if s.host == "" || s.database == "" {
		return fmt.Errorf("relational sink: \"host\" and \"database\" are required")
	}
	return nil
}

func (s *Sink) Start() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig("")
	if err != nil {
		return fmt.Errorf("relational sink: %w", err)
	}
	poolConfig.ConnConfig.Host = s.host
	poolConfig.ConnConfig.Port = uint16(s.port)
	poolConfig.ConnConfig.Database = s.database
	poolConfig.ConnConfig.User = s.user
	poolConfig.ConnConfig.Password = s.password

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return fmt.Errorf("relational sink: connect: %w", err)
	}
	s.pool = pool

	_, err = pool.Exec(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (id bigserial PRIMARY KEY, received_at timestamptz NOT NULL DEFAULT now(), record jsonb NOT NULL)`,
		s.table))
	if err != nil {
		return fmt.Errorf("relational sink: create staging table: %w", err)
	}
	return nil
}

func (s *Sink) Publish(event []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (record) VALUES ($1)`, s.table), event)
	return err
}

func (s *Sink) Stop() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Sink) Cleanup() error { return nil }

func (s *Sink) Health() error {
	if s.pool == nil {
		return fmt.Errorf("relational sink: not started")
	}
	return s.pool.Ping(context.Background())
}
