package lattice

import (
	"github.com/lattice-db/lattice/internal/objstate"
	"github.com/lattice-db/lattice/internal/txmgr"
)

// ConflictResolver lets an application override first-committer-wins for
// one persistent object. See spec.md §4.5's "Counter" scenario: a counter
// whose resolver sums concurrent increments instead of discarding one.
type ConflictResolver = txmgr.ConflictResolver

// Persistent is one node of the object graph: a dynamic attribute map
// anchored by a stable Handle, spec.md §3's persistent object. Application
// types compose a Persistent (embedding it, or holding one) rather than
// exposing named Go struct fields directly — the engine has no reflection
// over user types, mirroring spec.md §9's Design Notes decision to keep
// field access going through explicit accessors instead of dynamic
// attribute hooks.
type Persistent struct {
	h  *objstate.Handle
	db *Database
}

// New creates a brand-new, not-yet-committed Persistent object with the
// given initial attributes. It has no OID until its first successful
// commit; reference it from an object already reachable from the root (or
// call db.Elect on it directly) before committing, or Commit will refuse it
// with an ObjectGraphError.
func (db *Database) New(attrs map[string]any) *Persistent {
	h := objstate.NewHandle(objstate.OIDNone, nil)
	h.SetJar(db)
	// A brand new object gets no overlay here: its initial attributes are
	// loaded directly as shared state at serial 0, so the Handle is already
	// Shared and Checkout need not special-case "never committed".
	h.Load(attrs, 0)
	p := &Persistent{h: h, db: db}
	h.SetValue(p)
	db.reg.Register(h)
	return p
}

// wrapHandle returns the Persistent wrapper for an existing Handle,
// constructing one on first use — the path taken when a reference is
// resolved during decode or when a ghost ID is looked up directly.
func (db *Database) wrapHandle(h *objstate.Handle) *Persistent {
	if v := h.Value(); v != nil {
		if p, ok := v.(*Persistent); ok {
			return p
		}
	}
	h.SetJar(db)
	p := &Persistent{h: h, db: db}
	h.SetValue(p)
	return p
}

// OID returns the object's identifier, or 0 if it has never been
// committed.
func (p *Persistent) OID() uint64 { return uint64(p.h.OID()) }

// SetConflictResolver attaches r as this object's conflict resolution
// strategy for its entire lifetime, superseding first-committer-wins.
func (p *Persistent) SetConflictResolver(r ConflictResolver) {
	p.h.SetResolver(r)
}

func (p *Persistent) load() (map[string]any, objstate.Serial, error) {
	return p.db.loadHandle(p.h)
}

// registryFor is the codec's RefResolver hook, wired in by Open:
// given an OID discovered while decoding another object's attributes,
// return the Persistent wrapper for it (materialising a ghost if unknown).
func (db *Database) registryFor(oid uint64) any {
	h, _ := db.reg.Lookup(objstate.OID(oid))
	return db.wrapHandle(h)
}

func detectPersistentRef(v any) (uint64, bool) {
	p, ok := v.(*Persistent)
	if !ok {
		return 0, false
	}
	return uint64(p.h.OID()), true
}

// detectPersistentRefHandle recovers a Persistent attribute value's
// underlying Handle by pointer identity, independent of whether it has an
// OID yet. Wired into txmgr.NewManager as the RefHandleFunc that lets
// Commit's root-reachability check trace references between not-yet-OID'd
// objects, something detectPersistentRef's OID-only view cannot do.
func detectPersistentRefHandle(v any) (*objstate.Handle, bool) {
	p, ok := v.(*Persistent)
	if !ok {
		return nil, false
	}
	return p.h, true
}
