// Package objstate implements the per-object state machine described in
// the persistent-object data model: every persistent object moves between
// ghost, shared and local (and the transient sticky) states as threads
// check it out, mutate it, and commit.
//
// What: a Handle is the stable, address-invariant anchor for one persistent
// object. Its shared attribute map is read lock-free by any number of
// goroutines; a Session wanting to write first takes out an Overlay, a
// private copy keyed by the Session's identity.
// How: modeled after the teacher's buffer-pool page frame (pinned/dirty
// bookkeeping under a small mutex) rather than attribute-level interception,
// since Go has no equivalent to the source language's dynamic attribute
// hooks — field access here goes through explicit Handle methods instead.
// Why: keeps "shared_dict never mutated after publication" an invariant
// that the type system can actually express: Get returns a map that is
// never written to again once installed.
package objstate

import (
	"fmt"
	"sync"
)

// OID is the opaque, process-independent identifier of a persistent object.
// It is unset (OIDNone) until the object's first commit.
type OID uint64

// OIDNone marks an object that has never been committed.
const OIDNone OID = 0

// Valid reports whether the OID has been assigned by a commit.
func (o OID) Valid() bool { return o != OIDNone }

// Serial is the per-object monotonically increasing version counter. The
// pair (OID, Serial) uniquely identifies one committed version of an object.
type Serial uint64

// SessionID identifies the goroutine-affine Session that owns an overlay.
// It plays the role the source language's thread id plays in the spec: the
// key into the per-object overlay map.
type SessionID uint64

// State is one of the four states a persistent object's Handle can be in.
type State uint8

const (
	// Ghost objects have never had their attributes loaded.
	Ghost State = iota
	// Shared objects expose an immutable, lock-free attribute map to every
	// reader; no session may write to a Shared handle.
	Shared
	// Local objects have at least one session holding a writable overlay.
	Local
	// Sticky is the transient state a Handle occupies immediately after a
	// successful commit, while other sessions still hold now-stale overlays.
	Sticky
)

func (s State) String() string {
	switch s {
	case Ghost:
		return "ghost"
	case Shared:
		return "shared"
	case Local:
		return "local"
	case Sticky:
		return "sticky"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// ReadOnlyError is returned when a Session writes to an attribute on a
// Handle it does not hold an overlay for.
type ReadOnlyError struct {
	OID OID
}

func (e *ReadOnlyError) Error() string {
	return fmt.Sprintf("lattice: object %d is read-only: checkout required before write", e.OID)
}

// Handle is the stable, address-invariant anchor for one persistent object.
// Identity is the Handle's pointer: it is created once (by the registry) and
// never copied or relocated for the remainder of the process's life.
type Handle struct {
	mu sync.Mutex

	oid   OID
	jar   any // back-reference to the owning *lattice.Database, set once
	value any // the user's persistent payload (the root package's *Persistent wrapper)

	// resolver, if set, is this object's conflict resolution strategy —
	// opaque to objstate (it is a txmgr.ConflictResolver from the caller's
	// point of view) so this package need not import txmgr. Set through
	// SetResolver, and consulted on every commit for this object's
	// lifetime — unlike a Session's per-transaction state, it is not reset
	// after each Commit/Abort.
	resolver any

	state   State
	serial  Serial
	shared  map[string]any
	overlay map[SessionID]*Overlay

	// conflictPending marks sessions whose read set was invalidated by a
	// catch-up while they still hold a local overlay; their next commit
	// must go through conflict resolution or fail with ReadConflictError.
	conflictPending map[SessionID]bool
}

// Overlay is one session's private, writable copy of a Handle's attributes.
type Overlay struct {
	Attrs map[string]any
	// ReadSerial is the Serial of the shared state this overlay was copied
	// from at checkout. A later catch-up (ApplyExternal) does not update it.
	ReadSerial Serial
}

// NewHandle creates a fresh ghost Handle for oid. value is the user payload;
// it may be nil for an as-yet-unpopulated ghost.
func NewHandle(oid OID, value any) *Handle {
	return &Handle{
		oid:     oid,
		value:   value,
		state:   Ghost,
		overlay: make(map[SessionID]*Overlay),
	}
}

// OID returns the object's identifier. It is OIDNone until first commit.
func (h *Handle) OID() OID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.oid
}

// SetOID assigns the OID the first time a ghost/local object is committed.
func (h *Handle) SetOID(oid OID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.oid = oid
}

// Serial returns the object's current version counter.
func (h *Handle) Serial() Serial {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.serial
}

// State returns the object's current state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Value returns the user persistent payload this Handle anchors.
func (h *Handle) Value() any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.value
}

// SetJar records the owning Database the first time the object is attached.
// Returns false if a different jar is already set.
func (h *Handle) SetJar(jar any) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.jar == nil {
		h.jar = jar
		return true
	}
	return h.jar == jar
}

// Jar returns the owning Database, or nil if never attached.
func (h *Handle) Jar() any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.jar
}

// SetValue records the user payload this Handle anchors. Used once, right
// after NewHandle, when the payload needs a back-reference to the Handle
// it is itself being constructed from.
func (h *Handle) SetValue(v any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.value = v
}

// SetResolver attaches a conflict resolution strategy to this object for
// its entire lifetime.
func (h *Handle) SetResolver(r any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resolver = r
}

// Resolver returns this object's conflict resolution strategy, or nil.
func (h *Handle) Resolver() any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resolver
}

// Load installs freshly-read attributes as the shared state, transitioning
// Ghost -> Shared (attribute read) or replacing the shared map of an object
// already in Shared (catch-up). serial is the version the attrs belong to.
func (h *Handle) Load(attrs map[string]any, serial Serial) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.shared = attrs
	h.serial = serial
	if h.state == Ghost {
		h.state = Shared
	}
}

// Shared returns the current published attribute map. Callers must not
// mutate the returned map: per the state machine's core invariant, a
// published shared map is never changed in place.
func (h *Handle) Shared() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.shared
}

// Checkout gives sid a writable overlay, copied from the current shared
// state, and increments the checkout count implicitly (len(h.overlay)).
// Safe to call repeatedly by the same or different sessions.
func (h *Handle) Checkout(sid SessionID) *Overlay {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ov, ok := h.overlay[sid]; ok {
		return ov
	}
	cp := make(map[string]any, len(h.shared))
	for k, v := range h.shared {
		cp[k] = v
	}
	ov := &Overlay{Attrs: cp, ReadSerial: h.serial}
	h.overlay[sid] = ov
	if h.state != Local {
		h.state = Local
	}
	return ov
}

// CheckoutCount reports how many sessions currently hold an overlay.
func (h *Handle) CheckoutCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.overlay)
}

// Overlay returns sid's overlay, or nil if sid has not checked out.
func (h *Handle) Overlay(sid SessionID) *Overlay {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.overlay[sid]
}

// Get performs the read path: sid's overlay value for name if present and
// checked out, else the published shared value.
func (h *Handle) Get(sid SessionID, name string) (any, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ov, ok := h.overlay[sid]; ok {
		if v, ok := ov.Attrs[name]; ok {
			return v, true
		}
	}
	v, ok := h.shared[name]
	return v, ok
}

// Set performs the write path: it succeeds only if sid holds an overlay.
func (h *Handle) Set(sid SessionID, name string, value any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	ov, ok := h.overlay[sid]
	if !ok {
		return &ReadOnlyError{OID: h.oid}
	}
	ov.Attrs[name] = value
	return nil
}

// MarkConflictPending flags sid's overlay as invalidated by a concurrent
// commit observed during a catch-up. The next commit attempt by sid must
// resolve the conflict or fail.
func (h *Handle) MarkConflictPending(sid SessionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conflictPending == nil {
		h.conflictPending = make(map[SessionID]bool)
	}
	h.conflictPending[sid] = true
}

// ConflictPending reports whether sid's overlay was flagged. It does not
// clear the flag; PublishCommit and Abort for sid do.
func (h *Handle) ConflictPending(sid SessionID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conflictPending[sid]
}

func (h *Handle) clearConflictPending(sid SessionID) {
	delete(h.conflictPending, sid)
}

// PublishCommit installs attrs as the new shared state after a successful
// commit by sid, bumps the serial, drops sid's overlay, and transitions the
// Handle to Sticky if other sessions still hold overlays, else to Shared.
// Every other session still holding an overlay now has a stale baseline, so
// its overlay is flagged conflict-pending exactly as a catch-up-observed
// external commit would flag it.
func (h *Handle) PublishCommit(sid SessionID, attrs map[string]any, serial Serial) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.shared = attrs
	h.serial = serial
	delete(h.overlay, sid)
	h.clearConflictPending(sid)
	for other := range h.overlay {
		if h.conflictPending == nil {
			h.conflictPending = make(map[SessionID]bool)
		}
		h.conflictPending[other] = true
	}
	if len(h.overlay) == 0 {
		h.state = Shared
	} else {
		h.state = Sticky
	}
}

// ApplyExternal installs a version of this object committed by some other
// session (discovered via catch-up) as the new shared state. A session
// with no overlay simply sees the refreshed Shared data; a session that
// does hold an overlay keeps it, but it is flagged conflict-pending since
// its baseline is now stale — mirroring PublishCommit's effect on other
// sessions' overlays.
func (h *Handle) ApplyExternal(attrs map[string]any, serial Serial) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.shared = attrs
	h.serial = serial
	if len(h.overlay) == 0 {
		h.state = Shared
		return
	}
	for sid := range h.overlay {
		if h.conflictPending == nil {
			h.conflictPending = make(map[SessionID]bool)
		}
		h.conflictPending[sid] = true
	}
	h.state = Sticky
}

// Abort discards sid's overlay without publishing, per the local -> shared*
// transition (shared if checkout_count reaches 0, else remains local for
// the other thread(s)).
func (h *Handle) Abort(sid SessionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.overlay, sid)
	h.clearConflictPending(sid)
	if len(h.overlay) == 0 {
		if h.state == Local || h.state == Sticky {
			h.state = Shared
		}
	}
}

// Retract drops sid's now-stale overlay following the sticky -> shared
// transition once the last checked-out thread releases it.
func (h *Handle) Retract(sid SessionID) {
	h.Abort(sid)
}
