// Package lattice is an embeddable, transactional object-graph database:
// persistent objects linked by reference, versioned with MVCC, durably
// recorded in a single append-only transaction log guarded by inter-process
// advisory locking.
package lattice

import (
	"log"

	"github.com/google/uuid"

	"github.com/lattice-db/lattice/internal/codec"
	"github.com/lattice-db/lattice/internal/objstate"
	"github.com/lattice-db/lattice/internal/registry"
	"github.com/lattice-db/lattice/internal/txlog"
	"github.com/lattice-db/lattice/internal/txmgr"
)

// rootOID is the reserved identifier of the root slot: a single
// always-present object whose "root" attribute points at whatever the
// application last Elected. Every other OID is allocated starting above it.
const rootOID = objstate.OID(1)

// Database is one open transaction log plus the in-process Object Registry
// and Transaction Manager anchoring every Persistent object loaded from it.
type Database struct {
	log    *txlog.LogFile
	reg    *registry.Registry
	codec  *codec.GobCodec
	mgr    *txmgr.Manager
	logger *log.Logger

	// instanceID is a fresh random id stamped on every Open, so a log line
	// or a recorded-failure diagnostic can tell which process it came from
	// when several processes share one log file across machines.
	instanceID uuid.UUID
}

// Open opens (creating if necessary) the transaction log at path and
// returns a ready Database.
func Open(path string, opts ...Option) (*Database, error) {
	o := &options{logger: log.Default()}
	for _, fn := range opts {
		fn(o)
	}

	lf, err := txlog.Open(path, txlog.WithLogger(o.logger))
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}

	db := &Database{log: lf, reg: registry.New(), logger: o.logger, instanceID: uuid.New()}
	db.codec = codec.New(detectPersistentRef, db.registryFor, detectPendingBlob, db.resolveBlob, db.attachBlob)
	db.mgr = txmgr.NewManager(lf, db.reg, db.codec, detectPersistentRefHandle)
	o.logger.Printf("lattice: opened %s as instance %s", path, db.instanceID)
	return db, nil
}

// InstanceID returns the random id stamped on this process's Open call,
// distinguishing it from any other process sharing the same log file.
func (db *Database) InstanceID() string { return db.instanceID.String() }

// Close releases the underlying log file. Any Session still open against
// this Database becomes invalid.
func (db *Database) Close() error {
	return db.log.Close()
}

// TxCount reports the total number of transactions recorded, successful
// commits plus recorded conflicts — spec.md §8's transaction totality.
func (db *Database) TxCount() uint64 { return db.log.TxCount() }

// Len reports the number of live persistent objects currently known to
// this process's Object Registry.
func (db *Database) Len() int { return db.reg.Len() }

// loadHandle materialises a ghost Handle's latest committed attributes
// from the log.
func (db *Database) loadHandle(h *objstate.Handle) (map[string]any, objstate.Serial, error) {
	oid := uint64(h.OID())
	data, serial, found, err := db.log.LoadObject(oid)
	if err != nil {
		return nil, 0, &StorageError{Op: "load object", Err: err}
	}
	if !found {
		return map[string]any{}, 0, nil
	}
	attrs, err := db.codec.Decode(data)
	if err != nil {
		return nil, 0, &SerializationError{Op: "decode", Err: err}
	}
	return attrs, objstate.Serial(serial), nil
}

// Session starts a new Session against this Database. One Session per
// goroutine — see spec.md §6's Design Notes on explicit, non-thread-local
// transaction context.
func (db *Database) Session() *Session {
	return &Session{db: db, ts: db.mgr.NewSession()}
}

// Root returns the object last Elected as this Database's graph root, or
// nil if none has been elected yet.
func (db *Database) Root(s *Session) (*Persistent, error) {
	if err := s.ts.Begin(); err != nil {
		return nil, err
	}
	rootHandle, _ := db.reg.Lookup(rootOID)
	rootHandle.SetJar(db)
	v, ok, err := s.ts.Get(rootHandle, "root", func() (map[string]any, objstate.Serial, error) {
		return db.loadHandle(rootHandle)
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	p, _ := v.(*Persistent)
	return p, nil
}

// Elect sets obj as this Database's graph root. The caller must still
// Commit the session for the election to become durable. Electing obj also
// checks it out in s, so a freshly created obj that nothing else yet
// references becomes reachable from root by this call alone — spec.md §8's
// "Birth → commit" scenario needs no separate explicit checkout of obj.
func (db *Database) Elect(s *Session, obj *Persistent) error {
	if err := s.ts.Begin(); err != nil {
		return err
	}
	rootHandle, _ := db.reg.Lookup(rootOID)
	rootHandle.SetJar(db)
	load := func() (map[string]any, objstate.Serial, error) {
		return db.loadHandle(rootHandle)
	}
	if _, err := s.ts.Checkout(rootHandle, load); err != nil {
		return err
	}
	if _, err := s.ts.Checkout(obj.h, obj.load); err != nil {
		return err
	}
	return s.ts.Set(rootHandle, "root", obj)
}
