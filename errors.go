package lattice

import (
	"github.com/lattice-db/lattice/internal/objstate"
	"github.com/lattice-db/lattice/internal/txmgr"
)

// ReadOnlyError is returned by Session.Set when the target object has not
// been checked out in that session.
type ReadOnlyError = objstate.ReadOnlyError

// WriteConflictError is returned by Session.Commit when a written object's
// on-disk version moved underneath the transaction and no ConflictResolver
// reconciled the difference.
type WriteConflictError = txmgr.WriteConflictError

// ReadConflictError is returned by Session.Commit when a merely-read
// object's on-disk version moved underneath the transaction.
type ReadConflictError = txmgr.ReadConflictError

// ObjectGraphError is returned by Session.Commit when a new object in the
// write set is not reachable from the root, or when a written object
// references a new object that was never checked out in the session and so
// never received an OID.
type ObjectGraphError = txmgr.ObjectGraphError

// SerializationError wraps any failure from the codec — an attribute value
// of a type the codec was never told how to encode, or a corrupt payload
// on decode. Defined in txmgr so Session.Commit can raise it directly;
// aliased here so callers only ever need to know about lattice.SerializationError.
type SerializationError = txmgr.SerializationError

// StorageError wraps a failure from the underlying log file reported by
// Open (including a file whose magic header is wrong), by the first load of
// a ghost object, and by Snapshot. Log failures during Begin and Commit,
// commit-lock acquisition among them, are returned as plain wrapped errors,
// not as StorageError.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return "lattice: storage error during " + e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error { return e.Err }
