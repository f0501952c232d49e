// Package supervisor owns process-level orchestration: loading
// configuration, starting the publisher fan-out runtime and the
// dialect decoder, and an orderly shutdown sequence on SIGINT/SIGTERM
// (spec §4.5/§6/§7), grounded on this codebase's existing supervisor
// entrypoint's signal-handling shape.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/jackc/pglogrepl"

	"github.com/relaycdc/relaycdc/internal/capture"
	"github.com/relaycdc/relaycdc/internal/cdcerr"
	"github.com/relaycdc/relaycdc/internal/checkpoint"
	"github.com/relaycdc/relaycdc/internal/config"
	decmysql "github.com/relaycdc/relaycdc/internal/decode/mysql"
	decpostgres "github.com/relaycdc/relaycdc/internal/decode/postgres"
	"github.com/relaycdc/relaycdc/internal/engine"
	"github.com/relaycdc/relaycdc/internal/logging"
	"github.com/relaycdc/relaycdc/internal/publish"
)

// Supervisor runs one CDC stream end to end: it is built once per
// process invocation and torn down once on shutdown.
type Supervisor struct {
	cfg *config.Config
	log *logging.Logger
}

// New loads cfg from path and builds a Supervisor around it.
func New(path string) (*Supervisor, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	log := logging.New("cdcstreamer", cfg.Dialect())
	return &Supervisor{cfg: cfg, log: log}, nil
}

// Logger exposes the supervisor's logger for the CLI's top-level error
// reporting.
func (s *Supervisor) Logger() *logging.Logger { return s.log }

// Run starts every configured publisher and the dialect decoder, then
// blocks until ctx is cancelled, SIGINT/SIGTERM arrives, or the decoder
// exits with a startup-fatal error (spec §6: connection/configuration
// failures set the process exit code to 1).
func (s *Supervisor) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	desc := capture.NewDescriptor(s.cfg.Capture)

	mgr, err := publish.NewManager(s.cfg.Publishers, s.log)
	if err != nil {
		return err
	}
	if err := mgr.Start(); err != nil {
		return err
	}

	store := checkpoint.NewStore(s.cfg.Replication.CheckpointFile, s.cfg.Replication.SavePositionEventCount)

	var router *engine.Router
	decoderErrCh := make(chan error, 1)
	switch s.cfg.Dialect() {
	case "mysql":
		router = engine.New("mysql", desc, mgr, store, s.log, writeMySQLPosition)
		go func() { decoderErrCh <- s.runMySQL(ctx, desc, router) }()
	default:
		router = engine.New("postgres", desc, mgr, store, s.log, writePostgresPosition)
		go func() { decoderErrCh <- s.runPostgres(ctx, desc, router) }()
	}

	var runErr error
	select {
	case <-sigCh:
		// A signal is exactly spec §7's "fatal" category: not an error to
		// propagate as the process exit code (signal-triggered shutdown
		// is a normal exit, spec §6), but the taxonomy's own type for
		// "trigger orderly shutdown", so it's logged through that type
		// rather than a bare string.
		s.log.Info(cdcerr.NewFatalError("shutdown signal received").Error())
		cancel()
		runErr = <-decoderErrCh
	case runErr = <-decoderErrCh:
		cancel()
	case <-ctx.Done():
		runErr = <-decoderErrCh
	}

	// The decoder goroutine has returned by this point (the channel
	// receive above happened-after its last AdvancePosition call), so
	// Flush can read router.lastPosition without a race and persist it
	// unconditionally, bypassing the event-count policy (spec §4.4/§4.5:
	// "a final checkpoint is always written").
	router.Flush()

	if stopErr := mgr.Stop(); stopErr != nil {
		s.log.Errorf("publisher shutdown: %v", stopErr)
	}

	return runErr
}

// writeMySQLPosition adapts a "file:offset" position string (as carried
// on decode.Change/AdvancePosition) into the MySQL checkpoint file
// shape.
func writeMySQLPosition(store *checkpoint.Store, pos string) error {
	idx := strings.LastIndexByte(pos, ':')
	if idx < 0 {
		return fmt.Errorf("malformed mysql position %q", pos)
	}
	offset, err := strconv.ParseUint(pos[idx+1:], 10, 32)
	if err != nil {
		return fmt.Errorf("malformed mysql position %q: %w", pos, err)
	}
	return store.WriteMySQL(checkpoint.MySQLPosition{File: pos[:idx], Position: uint32(offset)})
}

func writePostgresPosition(store *checkpoint.Store, pos string) error {
	return store.WritePostgres(pos)
}

func (s *Supervisor) runMySQL(ctx context.Context, desc *capture.Descriptor, r *engine.Router) error {
	srv := s.cfg.MasterServer
	file := s.cfg.Replication.BinlogFile
	var position uint32
	if pos, ok, err := checkpoint.ReadMySQL(s.cfg.Replication.CheckpointFile); err == nil && ok {
		file, position = pos.File, pos.Position
	} else {
		position = s.cfg.Replication.BinlogPosition
	}

	d := decmysql.New(decmysql.Config{
		Host: srv.Host, Port: srv.Port, User: srv.User, Password: srv.Password,
		ServerID: s.cfg.Replication.ServerID,
	}, desc)

	err := d.Run(ctx, file, position, r)
	if err != nil && cdcerr.IsStartupFatal(err) {
		s.log.Errorf("mysql decoder: %v", err)
		return err
	}
	if err != nil {
		s.log.Errorf("mysql decoder exited: %v", err)
	}
	return nil
}

func (s *Supervisor) runPostgres(ctx context.Context, desc *capture.Descriptor, r *engine.Router) error {
	srv := s.cfg.PostgresServer
	startLSN := pglogrepl.LSN(0)
	if lsnHex, ok, err := checkpoint.ReadPostgres(s.cfg.Replication.CheckpointFile); err == nil && ok {
		if parsed, perr := pglogrepl.ParseLSN(lsnHex); perr == nil {
			startLSN = parsed
		}
	} else if s.cfg.Replication.StartLSN != "" {
		if parsed, perr := pglogrepl.ParseLSN(s.cfg.Replication.StartLSN); perr == nil {
			startLSN = parsed
		}
	}

	d := decpostgres.New(decpostgres.Config{
		Host: srv.Host, Port: srv.Port, User: srv.User, Password: srv.Password, Database: srv.Database,
		SlotName: s.cfg.Replication.SlotName, PublicationName: s.cfg.Replication.PublicationName,
	}, desc)

	err := d.Run(ctx, startLSN, r)
	if err != nil && cdcerr.IsStartupFatal(err) {
		s.log.Errorf("postgres decoder: %v", err)
		return err
	}
	if err != nil {
		s.log.Errorf("postgres decoder exited: %v", err)
	}
	return nil
}
