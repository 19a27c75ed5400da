// Package txmgr implements the Transaction Manager / MVCC Engine: spec.md
// §4.5. A Manager owns one Database's Log and Registry; each goroutine that
// wants to read or write the object graph gets its own *Session, the
// explicit stand-in spec.md's Design Notes call for in place of the source
// language's implicit thread-local transaction.
package txmgr

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lattice-db/lattice/internal/codec"
	"github.com/lattice-db/lattice/internal/objstate"
	"github.com/lattice-db/lattice/internal/registry"
	"github.com/lattice-db/lattice/internal/txlog"
)

// ConflictResolver lets an application override first-committer-wins for
// one persistent object: it is given the version this session last read
// (old), the version actually on disk now (saved), and this session's
// overlay (neu), and must return a merged attribute map or an error.
// spec.md §4.5's "Counter" scenario (scenario 4) is exactly this hook.
type ConflictResolver interface {
	ResolveConflict(old, saved, neu map[string]any) (map[string]any, error)
}

// WriteConflictError is returned when a commit's write set collides with a
// concurrently committed version and no ConflictResolver resolves it.
type WriteConflictError struct {
	OID objstate.OID
}

func (e *WriteConflictError) Error() string {
	return fmt.Sprintf("lattice: write conflict on object %d", e.OID)
}

// ReadConflictError is returned when a commit's read set was invalidated by
// a concurrently committed version of an object this session only read.
type ReadConflictError struct {
	OID objstate.OID
}

func (e *ReadConflictError) Error() string {
	return fmt.Sprintf("lattice: read conflict on object %d", e.OID)
}

// ObjectGraphError is returned by Commit when a never-committed object in
// the write set is not reachable from an already-anchored object in that
// write set, or when a written object references an object that has no OID
// and was not touched by the committing session.
type ObjectGraphError struct {
	Msg string
}

func (e *ObjectGraphError) Error() string { return "lattice: object graph error: " + e.Msg }

// SerializationError wraps a codec failure encountered while committing —
// an attribute value of a type the codec was never told how to encode, or
// a corrupt payload on decode. spec.md §7: reported as SerializationError,
// abort-only. Defined here (rather than in the root package, which already
// re-exports it as lattice.SerializationError) so Commit can raise it
// directly without the root package importing back into txmgr.
type SerializationError struct {
	Op  string
	Err error
}

func (e *SerializationError) Error() string {
	return "lattice: serialization error during " + e.Op + ": " + e.Err.Error()
}

func (e *SerializationError) Unwrap() error { return e.Err }

// RefHandleFunc recovers the underlying Handle a reference-typed attribute
// value points at, independent of whether that Handle has been assigned an
// OID yet. Unlike the codec's RefOID (which only ever reports an OID, 0 for
// a still-uncommitted target), this lets Commit trace the graph of
// not-yet-persisted objects by pointer identity before any OIDs exist.
type RefHandleFunc func(v any) (*objstate.Handle, bool)

// Manager coordinates every Session sharing one Log and Registry.
type Manager struct {
	log       *txlog.LogFile
	reg       *registry.Registry
	codec     *codec.GobCodec
	refHandle RefHandleFunc

	mu           sync.Mutex
	lastSeenTxID txlog.TxID

	nextSessionID uint64
}

// NewManager wires a Manager to its Log, Registry, and Codec. All three are
// expected to already be tied together (the codec's ref hooks should route
// through reg). refHandle is the root package's way of recovering a
// Persistent's Handle from an attribute value, used only for the
// root-reachability check at commit time.
func NewManager(log *txlog.LogFile, reg *registry.Registry, c *codec.GobCodec, refHandle RefHandleFunc) *Manager {
	return &Manager{log: log, reg: reg, codec: c, refHandle: refHandle}
}

// NewSession starts a fresh Session bound to this Manager. A Session is not
// safe for concurrent use by multiple goroutines — one per goroutine,
// exactly as spec.md §6's Design Notes prescribe.
func (m *Manager) NewSession() *Session {
	sid := objstate.SessionID(atomic.AddUint64(&m.nextSessionID, 1))
	return &Session{
		m:          m,
		id:         sid,
		registered: make(map[*objstate.Handle]objstate.Serial),
	}
}

// Session is one goroutine's view of the transaction currently open
// against the Manager's Database. Begin/Commit/Abort delimit it; between a
// Commit/Abort and the next Begin, a Session has no open transaction; Get,
// Checkout and Set here do not open one, while the root package's Session
// calls Begin implicitly on first object access.
type Session struct {
	m  *Manager
	id objstate.SessionID

	open bool

	// registered is every Handle this transaction has touched (read or
	// written), keyed by pointer identity rather than OID since a brand
	// new object has no OID (and all brand new objects share the same
	// OIDNone) until Commit assigns one. The value is the Serial observed
	// the first time this transaction touched the object — Commit's
	// read-conflict baseline.
	registered map[*objstate.Handle]objstate.Serial

	// baseline holds each checked-out Handle's overlay attributes as they
	// stood at checkout time, before any Set calls mutated them — the
	// "old" version a ConflictResolver is given.
	baseline map[*objstate.Handle]map[string]any

	// pendingNew holds Handles created in this transaction that have never
	// been committed, in creation order, so Commit can assign them OIDs
	// deterministically.
	pendingNew []*objstate.Handle
}

// ID returns the session's identity, the key its overlays live under on
// every Handle it touches.
func (s *Session) ID() objstate.SessionID { return s.id }

// Begin starts (or restarts) a transaction: it catches up this process's
// view of the log to the latest committed state, applying every
// newly-observed committed transaction to the objects this Database
// already has Handles for. spec.md §4.5 step for "begin": "replay
// transactions committed since last_seen_txid; apply them to any object
// currently in shared state; for local/sticky objects, flag read-conflict
// instead of overwriting."
func (s *Session) Begin() error {
	if s.open {
		return nil // already inside a transaction: keep its snapshot fixed
	}
	if err := s.catchUp(); err != nil {
		return err
	}
	s.open = true
	return nil
}

func (s *Session) catchUp() error {
	s.m.mu.Lock()
	lastSeen := s.m.lastSeenTxID
	s.m.mu.Unlock()

	txs, err := s.m.log.TxCatchUp(lastSeen)
	if err != nil {
		return fmt.Errorf("txmgr: catch up: %w", err)
	}

	var maxSeen txlog.TxID
	for _, tx := range txs {
		if tx.TxID > maxSeen {
			maxSeen = tx.TxID
		}
		for _, rec := range tx.Objs {
			oid := objstate.OID(rec.OID)
			h, ok := s.m.reg.Get(oid)
			if !ok {
				continue // nobody local has touched this object yet
			}
			attrs, err := s.m.codec.Decode(rec.Data)
			if err != nil {
				return fmt.Errorf("txmgr: decode catch-up object %d: %w", rec.OID, err)
			}
			h.ApplyExternal(attrs, objstate.Serial(rec.Serial))
		}
	}

	if maxSeen > lastSeen {
		s.m.mu.Lock()
		if maxSeen > s.m.lastSeenTxID {
			s.m.lastSeenTxID = maxSeen
		}
		s.m.mu.Unlock()
	}
	return nil
}

// touch registers h as part of this transaction's read or write set the
// first time it is seen, recording the serial it was observed at. An
// object with no OID yet (never committed) is also queued for OID
// assignment at this session's next Commit.
func (s *Session) touch(h *objstate.Handle) {
	if _, ok := s.registered[h]; ok {
		return
	}
	s.registered[h] = h.Serial()
	if !h.OID().Valid() {
		s.pendingNew = append(s.pendingNew, h)
	}
}

// Get reads attribute name off h, loading it from shared state first via
// load if it is still a ghost.
func (s *Session) Get(h *objstate.Handle, name string, load func() (map[string]any, objstate.Serial, error)) (any, bool, error) {
	if h.State() == objstate.Ghost {
		attrs, serial, err := load()
		if err != nil {
			return nil, false, err
		}
		h.Load(attrs, serial)
	}
	s.touch(h)
	v, ok := h.Get(s.id, name)
	return v, ok, nil
}

// Checkout gives this session a writable overlay on h, loading it from
// shared state first if it is still a ghost. The overlay's attributes at
// the moment of checkout are retained as this session's conflict-resolution
// baseline ("old", in spec.md §4.5's resolve_conflict(old, saved, new)) even
// after Set mutates the overlay in place.
func (s *Session) Checkout(h *objstate.Handle, load func() (map[string]any, objstate.Serial, error)) (*objstate.Overlay, error) {
	if h.State() == objstate.Ghost {
		attrs, serial, err := load()
		if err != nil {
			return nil, err
		}
		h.Load(attrs, serial)
	}
	s.touch(h)
	ov := h.Checkout(s.id)
	if s.baseline == nil {
		s.baseline = make(map[*objstate.Handle]map[string]any)
	}
	if _, ok := s.baseline[h]; !ok {
		cp := make(map[string]any, len(ov.Attrs))
		for k, v := range ov.Attrs {
			cp[k] = v
		}
		s.baseline[h] = cp
	}
	return ov, nil
}

// Set writes attribute name on h. h must already be checked out.
func (s *Session) Set(h *objstate.Handle, name string, value any) error {
	s.touch(h)
	return h.Set(s.id, name, value)
}

// SetResolver attaches a ConflictResolver to h for the object's entire
// lifetime (not just this transaction) — spec.md §4.5's per-class
// resolve_conflict hook, modeled here as a strategy value stored on the
// Handle rather than a method of the persistent object's own type.
func (s *Session) SetResolver(h *objstate.Handle, r ConflictResolver) {
	h.SetResolver(r)
}
