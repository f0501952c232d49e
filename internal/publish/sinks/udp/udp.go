// Package udp implements the UDP datagram publisher: fire-and-forget,
// one datagram per event, no delivery guarantee (spec §9's standalone
// UDP sink from the original plugin set).
package udp

import (
	"fmt"
	"net"

	"github.com/relaycdc/relaycdc/internal/publish/sink"
)

func init() {
	sink.Register("udp", func() sink.Sink { return &Sink{} })
}

const version = "1.0.0"

type Sink struct {
	log  sink.Logger
	addr string
	conn net.Conn
}

func (s *Sink) Name() string    { return "udp" }
func (s *Sink) Version() string { return version }
func (s *Sink) APIVersion() int { return sink.APIVersion }

func (s *Sink) Init(svc sink.Services) error {
	s.log = svc.Log
	s.addr = svc.Config.GetString("address", "")
	if s.addr == "" {
		return fmt.Errorf("udp sink: \"address\" is required")
	}
	return nil
}

func (s *Sink) Start() error {
	conn, err := net.Dial("udp", s.addr)
	if err != nil {
		return fmt.Errorf("udp sink: dial %s: %w", s.addr, err)
	}
	s.conn = conn
	return nil
}

// Publish sends event as a single datagram. A send error is reported to
// the caller but never retried; UDP offers no delivery guarantee by
// design (spec §4.3: sinks that want at-least-once semantics implement
// their own).
func (s *Sink) Publish(event []byte) error {
	_, err := s.conn.Write(event)
	return err
}

func (s *Sink) Stop() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func (s *Sink) Cleanup() error { return nil }
