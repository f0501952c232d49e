// Package redis implements the Redis publisher via redis/go-redis: each
// event is PUBLISHed to a channel derived from its table, so
// subscribers can SUBSCRIBE per-table (spec §9's generalization of the
// original's Redis plugin).
package redis

import (
	"context"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/relaycdc/relaycdc/internal/publish/sink"
)

func init() {
	sink.Register("redis", func() sink.Sink { return &Sink{} })
}

const version = "1.0.0"

type Sink struct {
	log     sink.Logger
	client  *goredis.Client
	channel string
	prefix  string
}

func (s *Sink) Name() string    { return "redis" }
func (s *Sink) Version() string { return version }
func (s *Sink) APIVersion() int { return sink.APIVersion }

func (s *Sink) Init(svc sink.Services) error {
	s.log = svc.Log
	addr := svc.Config.GetString("address", "")
	if addr == "" {
		return fmt.Errorf("redis sink: \"address\" is required")
	}
	s.client = goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: svc.Config.GetString("password", ""),
		DB:       svc.Config.GetInt("db", 0),
	})
	s.channel = svc.Config.GetString("channel", "")
	s.prefix = svc.Config.GetString("channel_prefix", "cdc:")
	return nil
}

func (s *Sink) Start() error {
	return s.client.Ping(context.Background()).Err()
}

func (s *Sink) Publish(event []byte) error {
	channel := s.channel
	if channel == "" {
		channel = s.prefix + channelFromEvent(event)
	}
	return s.client.Publish(context.Background(), channel, event).Err()
}

func (s *Sink) Stop() error {
	return s.client.Close()
}

func (s *Sink) Cleanup() error { return nil }

func (s *Sink) Health() error {
	return s.client.Ping(context.Background()).Err()
}

func channelFromEvent(event []byte) string {
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
