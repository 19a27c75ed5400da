// Package registry implements the process-wide Object Registry: the single
// mapping from OID to live *objstate.Handle that anchors the entire object
// graph for one Database. Every persistent object, whether freshly loaded
// from the log or newly committed, is reachable through exactly one
// Registry entry for the life of the process.
package registry

import (
	"sync"

	"github.com/lattice-db/lattice/internal/objstate"
)

// Registry is the process-wide OID -> Handle map for one Database. It is
// guarded by a single mutex; lookups are expected to dominate writes, so
// the mutex is kept narrow (no I/O happens while it is held — loading a
// ghost's attributes is the caller's job, not the registry's).
type Registry struct {
	mu      sync.Mutex
	byOID   map[objstate.OID]*objstate.Handle
	pending []*objstate.Handle // handles not yet assigned an OID (new objects)
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{byOID: make(map[objstate.OID]*objstate.Handle)}
}

// Lookup returns the Handle for oid, creating and registering a fresh ghost
// if none exists yet. The second return value is false when a ghost had to
// be created, true when an existing Handle (of any state) was found.
func (r *Registry) Lookup(oid objstate.OID) (h *objstate.Handle, existed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.byOID[oid]; ok {
		return h, true
	}
	h = objstate.NewHandle(oid, nil)
	r.byOID[oid] = h
	return h, false
}

// Register inserts an already-constructed Handle under its own OID. Used
// when a persistent object is created in memory (OID still unset) and must
// be tracked so it can later be assigned one at commit time, and when a
// Handle is freshly loaded from the log with a known OID.
func (r *Registry) Register(h *objstate.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	oid := h.OID()
	if !oid.Valid() {
		r.pending = append(r.pending, h)
		return
	}
	r.byOID[oid] = h
}

// Bind assigns oid to a previously-pending Handle (one registered before it
// had an OID) and moves it into the main index. No-op if h is already bound.
func (r *Registry) Bind(h *objstate.Handle, oid objstate.OID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h.OID().Valid() {
		return
	}
	h.SetOID(oid)
	r.byOID[oid] = h
	for i, p := range r.pending {
		if p == h {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			break
		}
	}
}

// Get returns the Handle for oid if it is already registered, without
// creating a ghost.
func (r *Registry) Get(oid objstate.OID) (*objstate.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byOID[oid]
	return h, ok
}

// Len reports the number of OID-bearing Handles known to this Registry:
// every committed or loaded object, including ghosts created by Lookup and
// the root slot. Pending, not-yet-committed objects are excluded.
// Reachability from the root is not checked.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byOID)
}

// Each calls fn for every currently-registered Handle. fn must not call
// back into the Registry.
func (r *Registry) Each(fn func(oid objstate.OID, h *objstate.Handle)) {
	r.mu.Lock()
	snapshot := make(map[objstate.OID]*objstate.Handle, len(r.byOID))
	for k, v := range r.byOID {
		snapshot[k] = v
	}
	r.mu.Unlock()
	for oid, h := range snapshot {
		fn(oid, h)
	}
}
