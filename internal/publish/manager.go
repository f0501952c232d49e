package publish

import (
	"sync"

	"github.com/relaycdc/relaycdc/internal/cdcerr"
	"github.com/relaycdc/relaycdc/internal/config"
	"github.com/relaycdc/relaycdc/internal/publish/sink"
)

// Manager loads every configured publisher plugin, owns its Instance,
// and routes projected events to each eligible instance (spec §4.3/§5).
// Routing order matches configuration order; callers must not mutate a
// Manager concurrently with Route.
type Manager struct {
	mu        sync.RWMutex
	instances []*Instance
}

// NewManager builds a Manager from the configured publisher list,
// instantiating each active sink via the registry (spec §4.3: "plugin
// resolution happens through the registry rather than dlopen").
// Inactive entries (PluginConfig.Active == false) are skipped entirely,
// matching the original's "disabled publishers aren't loaded at all".
func NewManager(cfgs []config.PublisherConfig, log sink.Logger) (*Manager, error) {
	m := &Manager{}
	for _, pc := range cfgs {
		p := pc.Plugin
		if !p.Active {
			continue
		}
		impl, err := sink.New(p.Name)
		if err != nil {
			return nil, cdcerr.NewConfigurationError(p.Name, err)
		}
		values := config.NewValues(p.Config)
		if err := impl.Init(sink.Services{Log: log, Config: values}); err != nil {
			return nil, cdcerr.NewConnectionError(p.Name, err)
		}
		inst := newInstance(p.Name, impl, p.MaxQueueDepth, p.SchemaFilter(), log)
		m.instances = append(m.instances, inst)
	}
	return m, nil
}

// Start starts every loaded instance in registration order. If any
// instance fails to start, the ones already started are stopped before
// the error is returned (spec §6: startup failures must not leave
// partially-running publishers behind).
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, inst := range m.instances {
		if err := inst.start(); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = m.instances[j].stop()
			}
			return err
		}
	}
	return nil
}

// Route delivers event to every instance whose schema filter admits
// schema (spec §4.3's routing rule), enqueuing an independent copy per
// instance so one sink's slow drain can never corrupt another's buffer
// (spec §3: "owned copies").
func (m *Manager) Route(schema string, event []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, inst := range m.instances {
		if !inst.matches(schema) {
			continue
		}
		cp := make([]byte, len(event))
		copy(cp, event)
		inst.enqueue(cp)
	}
}

// Stop stops every instance in registration order, then calls Cleanup
// on each (spec §4.3's teardown sequence). The first error encountered
// is returned after every instance has been given a chance to stop.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for _, inst := range m.instances {
		if err := inst.stop(); err != nil && first == nil {
			first = err
		}
	}
	for _, inst := range m.instances {
		_ = inst.impl.Cleanup()
	}
	return first
}

// Counters returns a name -> Counters snapshot for every loaded
// instance, mainly for diagnostics.
func (m *Manager) Counters() map[string]Counters {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Counters, len(m.instances))
	for _, inst := range m.instances {
		out[inst.name] = inst.counters()
	}
	return out
}
