// Package engine wires a dialect decoder's decoded changes through
// projection, encoding and publisher fan-out, and drives checkpoint
// advancement at the boundaries the decoder signals (spec §4, §4.4).
package engine

import (
	"github.com/relaycdc/relaycdc/internal/capture"
	"github.com/relaycdc/relaycdc/internal/checkpoint"
	"github.com/relaycdc/relaycdc/internal/decode"
	"github.com/relaycdc/relaycdc/internal/logging"
	"github.com/relaycdc/relaycdc/internal/publish"
)

// Router implements decode.Sink: it is the single object a dialect
// decoder's Run method talks to. Every call arrives on the decoder's
// own goroutine, so Router keeps no locks of its own (spec §5).
type Router struct {
	dialect string
	desc    *capture.Descriptor
	mgr     *publish.Manager
	store   *checkpoint.Store
	log     *logging.Logger

	// writePosition persists the latest raw stream position in the
	// dialect-specific on-disk shape; set by the caller (internal/supervisor)
	// since only it knows whether positions are MySQL (file,offset) pairs
	// or PostgreSQL LSNs.
	writePosition func(store *checkpoint.Store, position string) error

	// lastPosition is the most recent position AdvancePosition has seen,
	// written regardless of the event-count policy so Flush can persist
	// it unconditionally on shutdown (spec §4.4: "On shutdown, a final
	// checkpoint is always written"). Only ever touched from the
	// decoder's goroutine (AdvancePosition) and, after that goroutine has
	// exited, from the supervisor's goroutine (Flush) — never both at
	// once, so no lock is needed (spec §5's single-writer discipline).
	lastPosition string
}

// New builds a Router. writePosition adapts a raw position string (as
// carried on decode.Change/AdvancePosition) into the dialect's
// checkpoint file shape.
func New(dialect string, desc *capture.Descriptor, mgr *publish.Manager, store *checkpoint.Store, log *logging.Logger, writePosition func(*checkpoint.Store, string) error) *Router {
	return &Router{dialect: dialect, desc: desc, mgr: mgr, store: store, log: log, writePosition: writePosition}
}

// HandleChange implements decode.Sink. It projects the physical change
// into the stable record shape, encodes it, and routes the encoded
// bytes to every eligible publisher (spec §4.2/§4.3).
func (r *Router) HandleChange(ch decode.Change) error {
	ev, ok := capture.Project(r.dialect, ch, r.desc)
	if !ok {
		return nil
	}
	encoded := capture.Encode(ev)
	r.mgr.Route(ev.Schema, encoded)
	return nil
}

// AdvancePosition implements decode.Sink. It applies the
// save_position_event_count/boundary policy and, when due, persists the
// position to the checkpoint store (spec §4.4).
func (r *Router) AdvancePosition(position string, boundary bool) {
	if r.store == nil || position == "" {
		return
	}
	r.lastPosition = position
	if !r.store.ShouldCheckpoint(boundary) {
		return
	}
	if err := r.writePosition(r.store, position); err != nil && r.log != nil {
		r.log.Errorf("checkpoint write failed: %v", err)
	}
}

// Flush persists the last-seen position unconditionally, bypassing the
// save_position_event_count policy. The supervisor calls this once,
// after the decoder goroutine has returned, so that shutdown never
// silently loses the up-to-N-events of progress the event-count policy
// would otherwise have withheld from disk (spec §4.4/§4.5: "a final
// checkpoint is always written (best-effort)").
func (r *Router) Flush() {
	if r.store == nil || r.lastPosition == "" {
		return
	}
	if err := r.writePosition(r.store, r.lastPosition); err != nil && r.log != nil {
		r.log.Errorf("final checkpoint write failed: %v", err)
	}
}
