// Package webhook implements the HTTP webhook publisher: one POST per
// event, optional bearer-token authentication (spec §9's generalization
// of the original's webhook plugin).
package webhook

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/relaycdc/relaycdc/internal/publish/sink"
)

func init() {
	sink.Register("webhook", func() sink.Sink { return &Sink{} })
}

const version = "1.0.0"

type Sink struct {
	log    sink.Logger
	url    string
	token  string
	client *http.Client
}

func (s *Sink) Name() string    { return "webhook" }
func (s *Sink) Version() string { return version }
func (s *Sink) APIVersion() int { return sink.APIVersion }

func (s *Sink) Init(svc sink.Services) error {
	s.log = svc.Log
	s.url = svc.Config.GetString("url", "")
	if s.url == "" {
		return fmt.Errorf("webhook sink: \"url\" is required")
	}
	s.token = svc.Config.GetString("bearer_token", "")
	timeout := time.Duration(svc.Config.GetInt("timeout_seconds", 10)) * time.Second
	s.client = &http.Client{Timeout: timeout}
	return nil
}

func (s *Sink) Start() error { return nil }

func (s *Sink) Publish(event []byte) error {
	req, err := http.NewRequest(http.MethodPost, s.url, bytes.NewReader(event))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook sink: %s returned %s", s.url, resp.Status)
	}
	return nil
}

func (s *Sink) Stop() error    { return nil }
func (s *Sink) Cleanup() error { return nil }
