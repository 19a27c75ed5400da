package lattice

import (
	"github.com/lattice-db/lattice/internal/txmgr"
)

// Session is one goroutine's transactional view of a Database. It is not
// safe for concurrent use by multiple goroutines; create one per goroutine
// with Database.Session. A transaction begins implicitly on first object
// access and ends with Commit or Abort.
type Session struct {
	db *Database
	ts *txmgr.Session
}

// Begin explicitly starts a transaction, catching this session up to the
// latest committed state. Calling it is optional — the first Get, Checkout,
// or Commit call implicitly begins one — but doing so before any reads
// pins the snapshot those reads will observe. Begin is idempotent: calling
// it again on an already-open transaction is a no-op, so the snapshot
// stays fixed for the life of the transaction.
func (s *Session) Begin() error {
	return s.ts.Begin()
}

// Get reads attribute name off obj, loading it from the log on first
// access if obj is still a ghost.
func (s *Session) Get(obj *Persistent, name string) (any, bool, error) {
	if err := s.ts.Begin(); err != nil {
		return nil, false, err
	}
	return s.ts.Get(obj.h, name, obj.load)
}

// Checkout gives this session a writable overlay on obj, loading it from
// the log on first access if it is still a ghost.
func (s *Session) Checkout(obj *Persistent) error {
	if err := s.ts.Begin(); err != nil {
		return err
	}
	_, err := s.ts.Checkout(obj.h, obj.load)
	return err
}

// Set writes attribute name on obj. obj must already be checked out in
// this session, or Set returns a ReadOnlyError.
func (s *Session) Set(obj *Persistent, name string, value any) error {
	return s.ts.Set(obj.h, name, value)
}

// New creates a brand-new, not-yet-committed Persistent object.
func (s *Session) New(attrs map[string]any) *Persistent {
	return s.db.New(attrs)
}

// Commit durably records every object this session wrote, or returns
// WriteConflictError, ReadConflictError, or ObjectGraphError on failure.
func (s *Session) Commit() error {
	if err := s.ts.Begin(); err != nil {
		return err
	}
	if err := s.ts.Commit(); err != nil {
		s.db.logger.Printf("lattice: instance %s: commit failed: %v", s.db.instanceID, err)
		return err
	}
	return nil
}

// Abort discards every overlay this session holds without publishing
// anything.
func (s *Session) Abort() {
	s.ts.Abort()
}
