// Package sink defines the Sink ABI (spec §4.3): a stable callback
// table every downstream publisher implementation provides, plus a
// factory registry standing in for the original's dynamic-loading
// mechanism (spec §9: "interface with a registry of factories; dynamic
// loading becomes optional").
package sink

import (
	"fmt"
	"sync"

	"github.com/relaycdc/relaycdc/internal/config"
)

// APIVersion is the host's compile-time ABI version. A sink whose
// reported APIVersion doesn't match aborts loading (spec §4.3).
const APIVersion = 1

// Services are the helper services the host hands to a sink's Init:
// logging and configuration accessors (spec §4.3).
type Services struct {
	Log    Logger
	Config config.Values
}

// Logger is the subset of internal/logging.Logger a sink needs; kept
// as a narrow interface here so sinks don't import the concrete logger
// package directly (spec §9's "context object handed to each sink's
// init" in place of a global logger singleton).
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Sink is the capability set every publisher plugin implements (spec
// §4.3): metadata, lifecycle, and the data-path Publish call. Batch and
// Health are optional separate interfaces (BatchPublisher,
// HealthChecker); neither the Manager nor an Instance type-asserts for
// them or calls them.
type Sink interface {
	Name() string
	Version() string
	APIVersion() int

	Init(svc Services) error
	Start() error
	Publish(event []byte) error
	Stop() error
	Cleanup() error
}

// BatchPublisher is an optional capability: a sink that can accept a
// batch of already-rendered events in one call. Spec §4.3's worker
// contract is explicit that the dedicated per-sink worker "pops one
// record, calls publish" — there is no batching point in that loop — so
// this capability is a documented, inert ABI slot: a sink may implement
// it to signal the capability to operators/diagnostics, but
// Instance.run never type-asserts for it or calls it.
type BatchPublisher interface {
	PublishBatch(events [][]byte) error
}

// HealthChecker is an optional capability: a sink that can report its
// own health independent of the publish path.
type HealthChecker interface {
	Health() error
}

// Factory constructs a new, uninitialized Sink instance.
type Factory func() Sink

var (
	mu       sync.RWMutex
	registry = make(map[string]Factory)
)

// Register adds factory under name. Intended to be called from each
// sink package's init(), mirroring the "statically registered factory"
// pattern this registry is grounded on.
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = factory
}

// New constructs a sink by registered name, checking its reported
// APIVersion against the host's (spec §4.3: "API version must match
// the host's compile-time constant; mismatch aborts loading").
func New(name string) (Sink, error) {
	mu.RLock()
	factory, ok := registry[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("sink: no plugin registered for %q", name)
	}
	s := factory()
	if s.APIVersion() != APIVersion {
		return nil, fmt.Errorf("sink: %q reports API version %d, host expects %d", name, s.APIVersion(), APIVersion)
	}
	return s, nil
}

// Registered reports the set of plugin names currently registered,
// mainly for diagnostics and tests.
func Registered() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
