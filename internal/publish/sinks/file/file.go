// Package file implements the file publisher (spec §9's "example"
// sink, generalized): appends every event as one JSON line to a
// configured path, fsyncing periodically rather than per write.
package file

import (
	"fmt"
	"os"
	"sync"

	"github.com/relaycdc/relaycdc/internal/publish/sink"
)

func init() {
	sink.Register("file", func() sink.Sink { return &Sink{} })
}

const version = "1.0.0"

// Sink appends newline-delimited JSON records to a file.
type Sink struct {
	mu   sync.Mutex
	f    *os.File
	log  sink.Logger
	path string

	syncEvery    int
	sinceLastSync int
}

func (s *Sink) Name() string    { return "file" }
func (s *Sink) Version() string { return version }
func (s *Sink) APIVersion() int { return sink.APIVersion }

// Init reads "path" (required) and "sync_every_n" (default 100) from
// the sink's configuration values.
func (s *Sink) Init(svc sink.Services) error {
	s.log = svc.Log
	s.path = svc.Config.GetString("path", "")
	if s.path == "" {
		return fmt.Errorf("file sink: \"path\" is required")
	}
	s.syncEvery = svc.Config.GetInt("sync_every_n", 100)
	return nil
}

func (s *Sink) Start() error {
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("file sink: open %s: %w", s.path, err)
	}
	s.f = f
	return nil
}

func (s *Sink) Publish(event []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.Write(event); err != nil {
		return err
	}
	if _, err := s.f.Write([]byte{'\n'}); err != nil {
		return err
	}
	s.sinceLastSync++
	if s.syncEvery <= 0 || s.sinceLastSync >= s.syncEvery {
		s.sinceLastSync = 0
		return s.f.Sync()
	}
	return nil
}

func (s *Sink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	_ = s.f.Sync()
	return s.f.Close()
}

func (s *Sink) Cleanup() error { return nil }

// Health reports the file remains writable by statting it.
func (s *Sink) Health() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return fmt.Errorf("file sink: not started")
	}
	_, err := s.f.Stat()
	return err
}
