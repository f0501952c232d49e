// Package checkpoint implements the durable (stream-id, position) store
// (spec §4.4): a small text file rewritten in full under a mutex, with
// an advancement policy driven by an event-count knob plus
// commit/rotate boundaries.
package checkpoint

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/relaycdc/relaycdc/internal/cdcerr"
)

// MySQLPosition is the (file, byte-offset) pair MySQL/MariaDB uses as a
// stream position (spec §3).
type MySQLPosition struct {
	File     string
	Position uint32
}

// Store persists a single stream's position to a file, serialized by a
// mutex, gated by the save_position_event_count policy (spec §4.4).
type Store struct {
	path       string
	eventCount int // save_position_event_count; 0 means "every event"

	mu      sync.Mutex
	sinceLastCheckpoint int
}

// NewStore opens a checkpoint store at path with the given
// save_position_event_count policy.
func NewStore(path string, eventCount int) *Store {
	return &Store{path: path, eventCount: eventCount}
}

// ShouldCheckpoint reports whether a checkpoint should be written now,
// given that a boundary event (commit, rotate) just occurred or not. It
// also increments the internal event counter; call WriteMySQL or
// WritePostgres right after this returns true.
func (s *Store) ShouldCheckpoint(boundary bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinceLastCheckpoint++
	if boundary {
		s.sinceLastCheckpoint = 0
		return true
	}
	if s.eventCount <= 0 {
		s.sinceLastCheckpoint = 0
		return true
	}
	if s.sinceLastCheckpoint >= s.eventCount {
		s.sinceLastCheckpoint = 0
		return true
	}
	return false
}

// WriteMySQL rewrites the checkpoint file for a MySQL/MariaDB position:
// two lines, `file\nposition\n` (spec §6).
func (s *Store) WriteMySQL(pos MySQLPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	content := fmt.Sprintf("%s\n%d\n", pos.File, pos.Position)
	return s.writeLocked(content)
}

// WritePostgres rewrites the checkpoint file for a PostgreSQL LSN: one
// line, `HEX/HEX\n` (spec §6).
func (s *Store) WritePostgres(lsnHex string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(lsnHex + "\n")
}

// writeLocked assumes s.mu is held. A full-file rewrite, no fsync
// mandated (spec §4.4: "durability is best-effort between checkpoints").
func (s *Store) writeLocked(content string) error {
	if s.path == "" {
		return nil
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return cdcerr.NewConnectionError(s.path, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return cdcerr.NewConnectionError(s.path, err)
	}
	return nil
}

// ReadMySQL loads a previously persisted MySQL position. ok is false
// when the file does not exist (first run).
func ReadMySQL(path string) (pos MySQLPosition, ok bool, err error) {
	data, rerr := os.ReadFile(path)
	if rerr != nil {
		if os.IsNotExist(rerr) {
			return MySQLPosition{}, false, nil
		}
		return MySQLPosition{}, false, rerr
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) < 2 {
		return MySQLPosition{}, false, fmt.Errorf("checkpoint: malformed mysql checkpoint file %s", path)
	}
	n, perr := strconv.ParseUint(strings.TrimSpace(lines[1]), 10, 32)
	if perr != nil {
		return MySQLPosition{}, false, fmt.Errorf("checkpoint: malformed position in %s: %w", path, perr)
	}
	return MySQLPosition{File: strings.TrimSpace(lines[0]), Position: uint32(n)}, true, nil
}

// ReadPostgres loads a previously persisted LSN string. ok is false
// when the file does not exist.
func ReadPostgres(path string) (lsnHex string, ok bool, err error) {
	data, rerr := os.ReadFile(path)
	if rerr != nil {
		if os.IsNotExist(rerr) {
			return "", false, nil
		}
		return "", false, rerr
	}
	return strings.TrimSpace(string(data)), true, nil
}
