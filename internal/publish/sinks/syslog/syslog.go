// Package syslog implements the syslog publisher via the standard
// library's log/syslog: no ecosystem syslog client exists among the
// dependencies this repo is grounded on, so this is the one sink built
// directly on the standard library (see DESIGN.md).
package syslog

import (
	"fmt"
	"log/syslog"
	"sync"

	"github.com/relaycdc/relaycdc/internal/publish/sink"
)

func init() {
	sink.Register("syslog", func() sink.Sink { return &Sink{} })
}

const version = "1.0.0"

type Sink struct {
	mu       sync.Mutex
	log      sink.Logger
	network  string
	addr     string
	tag      string
	writer   *syslog.Writer
}

func (s *Sink) Name() string    { return "syslog" }
func (s *Sink) Version() string { return version }
func (s *Sink) APIVersion() int { return sink.APIVersion }

func (s *Sink) Init(svc sink.Services) error {
	s.log = svc.Log
	s.network = svc.Config.GetString("network", "udp")
	s.addr = svc.Config.GetString("address", "")
	s.tag = svc.Config.GetString("tag", "relaycdc")
	return nil
}

func (s *Sink) Start() error {
	w, err := syslog.Dial(s.network, s.addr, syslog.LOG_INFO|syslog.LOG_LOCAL0, s.tag)
	if err != nil {
		return fmt.Errorf("syslog sink: dial: %w", err)
	}
	s.writer = w
	return nil
}

func (s *Sink) Publish(event []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.writer.Info(string(event))
	return err
}

func (s *Sink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return nil
	}
	return s.writer.Close()
}

func (s *Sink) Cleanup() error { return nil }
