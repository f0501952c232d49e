// Package messagebus implements a generic message-bus publisher over
// MQTT via eclipse/paho.mqtt.golang, standing in for the original's
// ZeroMQ-based message-bus plugin (spec §9: cgo-dependent bridges are
// out of scope, and MQTT is the pack's one pub/sub broker client).
package messagebus

import (
	"fmt"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relaycdc/relaycdc/internal/publish/sink"
)

func init() {
	sink.Register("messagebus", func() sink.Sink { return &Sink{} })
}

const version = "1.0.0"

type Sink struct {
	log      sink.Logger
	client   mqtt.Client
	topic    string
	prefix   string
	qos      byte
}

func (s *Sink) Name() string    { return "messagebus" }
func (s *Sink) Version() string { return version }
func (s *Sink) APIVersion() int { return sink.APIVersion }

func (s *Sink) Init(svc sink.Services) error {
	s.log = svc.Log
	broker := svc.Config.GetString("broker_url", "")
	if broker == "" {
		return fmt.Errorf("messagebus sink: \"broker_url\" is required")
	}
	s.topic = svc.Config.GetString("topic", "")
	s.prefix = svc.Config.GetString("topic_prefix", "cdc/")
	s.qos = byte(svc.Config.GetInt("qos", 0))

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(svc.Config.GetString("client_id", "relaycdc"))
	s.client = mqtt.NewClient(opts)
	return nil
}

func (s *Sink) Start() error {
	tok := s.client.Connect()
	tok.Wait()
	return tok.Error()
}

func (s *Sink) Publish(event []byte) error {
	topic := s.topic
	if topic == "" {
		topic = s.prefix + topicFromEvent(event)
	}
	tok := s.client.Publish(topic, s.qos, false, event)
	tok.Wait()
	return tok.Error()
}

func (s *Sink) Stop() error {
	s.client.Disconnect(250)
	return nil
}

func (s *Sink) Cleanup() error { return nil }

func (s *Sink) Health() error {
	if !s.client.IsConnected() {
		return fmt.Errorf("messagebus sink: not connected")
	}
	return nil
}

func topicFromEvent(event []byte) string {
	const key = `"table":"`
	idx := strings.Index(string(event), key)
	if idx < 0 {
		return "cdc"
	}
	rest := event[idx+len(key):]
	end := strings.IndexByte(string(rest), '"')
	if end < 0 {
		return "cdc"
	}
	return string(rest[:end])
}
