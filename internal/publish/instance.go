// Package publish implements the publisher fan-out runtime (spec
// §4.3): the manager that loads and owns every sink instance, and each
// instance's bounded queue plus dedicated worker. Go channels stand in
// for the spec's mutex+condition-variable ring buffer — the idiomatic
// equivalent for a single-producer/single-consumer bounded queue with a
// non-blocking producer side.
package publish

import (
	"sync"
	"sync/atomic"

	"github.com/relaycdc/relaycdc/internal/cdcerr"
	"github.com/relaycdc/relaycdc/internal/config"
	"github.com/relaycdc/relaycdc/internal/publish/sink"
)

// Counters are a sink's published/dropped/errors tallies (spec §3's
// Publisher instance shape). Each field is written by exactly one
// goroutine (enqueue increments dropped, the worker increments
// published/errors), so plain atomics are sufficient without a shared
// lock (spec §5: "acquire/release ordering is sufficient").
type Counters struct {
	Published uint64
	Dropped   uint64
	Errors    uint64
}

// Instance is one loaded, active publisher: a name, a schema filter,
// an owned bounded queue, and the worker goroutine that drains it.
// Ownership is exclusive in both directions — the Manager owns every
// Instance, and each Instance exclusively owns its queue and worker
// (spec §3).
type Instance struct {
	name         string
	schemaFilter map[string]bool
	impl         sink.Sink

	queue chan []byte
	done  chan struct{}
	wg    sync.WaitGroup

	started atomic.Bool

	published atomic.Uint64
	dropped   atomic.Uint64
	errs      atomic.Uint64

	log sink.Logger
}

// newInstance builds an Instance from configuration. It does not start
// the worker; call Start for that (spec §4.3's lifecycle: "start is
// invoked for every active sink before the decoder begins").
func newInstance(name string, impl sink.Sink, queueDepth int, schemaFilter []string, log sink.Logger) *Instance {
	if queueDepth <= 0 {
		queueDepth = 1
	}
	filter := make(map[string]bool, len(schemaFilter))
	for _, s := range schemaFilter {
		filter[s] = true
	}
	return &Instance{
		name: name, impl: impl, schemaFilter: filter,
		queue: make(chan []byte, queueDepth),
		done:  make(chan struct{}),
		log:   log,
	}
}

// matches reports whether schema passes this instance's schema filter
// (spec §4.3: "If the schema filter is non-empty and the event's schema
// is not a member: skip").
func (inst *Instance) matches(schema string) bool {
	if len(inst.schemaFilter) == 0 {
		return true
	}
	return inst.schemaFilter[schema]
}

// enqueue implements the producer-side policy exactly (spec §4.3): a
// full queue drops the new record rather than blocking the decoder.
// The caller has already deep-copied the event into an owned byte
// slice, satisfying the "owned copies" invariant (spec §3).
func (inst *Instance) enqueue(event []byte) {
	select {
	case inst.queue <- event:
	default:
		inst.dropped.Add(1)
		if inst.log != nil {
			inst.log.Warnf("%v", cdcerr.NewSinkEnqueueError(inst.name))
		}
	}
}

// start launches the worker goroutine and calls the sink's Start.
func (inst *Instance) start() error {
	if err := inst.impl.Start(); err != nil {
		return cdcerr.NewConnectionError(inst.name, err)
	}
	inst.started.Store(true)
	inst.wg.Add(1)
	go inst.run()
	return nil
}

// run is the dedicated worker: pop one record, call Publish, tally the
// outcome, repeat until stop with the queue drained (spec §4.3/§5).
func (inst *Instance) run() {
	defer inst.wg.Done()
	for {
		select {
		case event := <-inst.queue:
			inst.publish(event)
		case <-inst.done:
			// Drain whatever is left before exiting (spec §4.3:
			// "on stop-with-nonempty-queue, drains and exits").
			for {
				select {
				case event := <-inst.queue:
					inst.publish(event)
				default:
					return
				}
			}
		}
	}
}

func (inst *Instance) publish(event []byte) {
	if err := inst.impl.Publish(event); err != nil {
		inst.errs.Add(1)
		if inst.log != nil {
			inst.log.Errorf("sink %s: publish failed: %v", inst.name, cdcerr.NewSinkPublishError(inst.name, err))
		}
		return
	}
	inst.published.Add(1)
}

// stop broadcasts the stop signal, joins the worker, then calls the
// sink's Stop (spec §4.3's lifecycle).
func (inst *Instance) stop() error {
	if !inst.started.Load() {
		return nil
	}
	close(inst.done)
	inst.wg.Wait()
	return inst.impl.Stop()
}

// counters returns a snapshot of this instance's tallies.
func (inst *Instance) counters() Counters {
	return Counters{
		Published: inst.published.Load(),
		Dropped:   inst.dropped.Load(),
		Errors:    inst.errs.Load(),
	}
}

// Values re-exports config.Values so sink packages implementing
// sink.Sink don't need to import internal/config directly.
type Values = config.Values
