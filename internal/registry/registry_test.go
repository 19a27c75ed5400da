package registry

import (
	"testing"

	"github.com/lattice-db/lattice/internal/objstate"
)

func TestLookupCreatesGhostOnMiss(t *testing.T) {
	r := New()
	h, existed := r.Lookup(objstate.OID(1))
	if existed {
		t.Fatal("Lookup on empty registry reported existed=true")
	}
	if h.State() != objstate.Ghost {
		t.Fatalf("freshly created handle state = %v, want Ghost", h.State())
	}
	if h.OID() != objstate.OID(1) {
		t.Fatalf("OID = %d, want 1", h.OID())
	}
}

func TestLookupIsStableAcrossCalls(t *testing.T) {
	r := New()
	h1, _ := r.Lookup(objstate.OID(1))
	h2, existed := r.Lookup(objstate.OID(1))
	if !existed {
		t.Fatal("second Lookup should report existed=true")
	}
	if h1 != h2 {
		t.Fatal("Lookup must return the same *Handle pointer for the same OID")
	}
}

func TestRegisterPendingThenBind(t *testing.T) {
	r := New()
	h := objstate.NewHandle(objstate.OIDNone, nil)
	r.Register(h)

	if _, ok := r.Get(objstate.OID(7)); ok {
		t.Fatal("unbound handle should not be reachable by any OID yet")
	}

	r.Bind(h, objstate.OID(7))
	got, ok := r.Get(objstate.OID(7))
	if !ok || got != h {
		t.Fatal("Bind should make the handle reachable by its new OID")
	}
	if h.OID() != objstate.OID(7) {
		t.Fatalf("handle OID after Bind = %d, want 7", h.OID())
	}
}

func TestGetDoesNotCreateGhost(t *testing.T) {
	r := New()
	if _, ok := r.Get(objstate.OID(42)); ok {
		t.Fatal("Get on an unknown OID should report not-found, not create a ghost")
	}
	if r.Len() != 0 {
		t.Fatalf("Len() = %d after a miss, want 0 (Get must not register anything)", r.Len())
	}
}

func TestLenCountsOnlyOIDBoundHandles(t *testing.T) {
	r := New()
	r.Lookup(objstate.OID(1))
	r.Lookup(objstate.OID(2))
	pending := objstate.NewHandle(objstate.OIDNone, nil)
	r.Register(pending)

	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 (pending handle should not count)", r.Len())
	}
}

func TestEachVisitsEveryRegisteredHandle(t *testing.T) {
	r := New()
	r.Lookup(objstate.OID(1))
	r.Lookup(objstate.OID(2))
	r.Lookup(objstate.OID(3))

	seen := make(map[objstate.OID]bool)
	r.Each(func(oid objstate.OID, h *objstate.Handle) {
		seen[oid] = true
	})
	for _, oid := range []objstate.OID{1, 2, 3} {
		if !seen[oid] {
			t.Fatalf("Each did not visit OID %d", oid)
		}
	}
}
