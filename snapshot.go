package lattice

import (
	"fmt"

	"github.com/lattice-db/lattice/internal/objstate"
	"github.com/lattice-db/lattice/internal/snapshot"
	"github.com/lattice-db/lattice/internal/txlog"
)

// snapshotSource adapts Database's full-scan object loader to the
// interface the snapshot walk needs.
type snapshotSource struct{ db *Database }

func (s snapshotSource) Load(oid uint64) (data []byte, serial uint64, found bool, err error) {
	return s.db.log.LoadObject(oid)
}

// Snapshot compacts the reachable object graph — every object reachable
// from the current root — into a fresh transaction log at targetPath,
// discarding unreachable objects and superseded versions. spec.md §4.6:
// the Snapshot Emitter. The source Database is left untouched; the new
// file is ready to Open once Snapshot returns. If a log already exists at
// targetPath, it is not replaced: the snapshot is appended to it as one
// more transaction.
func (db *Database) Snapshot(targetPath string) error {
	rootData, _, found, err := db.log.LoadObject(uint64(rootOID))
	if err != nil {
		return &StorageError{Op: "snapshot: load root", Err: err}
	}
	if !found {
		return fmt.Errorf("lattice: snapshot: no root has been elected yet")
	}

	dst, err := txlog.Open(targetPath)
	if err != nil {
		return &StorageError{Op: "snapshot: open target", Err: err}
	}
	defer dst.Close()

	rootAttrs, err := db.codec.Decode(rootData)
	if err != nil {
		return &SerializationError{Op: "snapshot: decode root", Err: err}
	}
	elected, ok := rootAttrs["root"]
	if !ok {
		return fmt.Errorf("lattice: snapshot: root slot has no elected object")
	}
	electedPersistent, ok := elected.(*Persistent)
	if !ok {
		return fmt.Errorf("lattice: snapshot: root attribute is not a persistent reference")
	}

	rewriteRef := func(_ any, newOID uint64) any {
		h := objstate.NewHandle(objstate.OID(newOID), nil)
		return &Persistent{h: h}
	}

	remap, wh, err := snapshot.Walk(
		snapshotSource{db: db},
		dst,
		uint64(electedPersistent.OID()),
		db.codec.Decode,
		db.codec.Encode,
		detectPersistentRef,
		rewriteRef,
	)
	if err != nil {
		return fmt.Errorf("lattice: snapshot: %w", err)
	}

	newRootOID, ok := remap[uint64(electedPersistent.OID())]
	if !ok {
		wh.Abort()
		return fmt.Errorf("lattice: snapshot: root object dropped during walk")
	}

	// Fold the rewritten root slot into the same transaction Walk just
	// populated, so the whole snapshot — every walked object plus the root
	// slot pointing at its remapped OID — lands as exactly one trailer.
	rootRef := &Persistent{h: objstate.NewHandle(objstate.OID(newRootOID), nil)}
	data, err := db.codec.Encode(map[string]any{"root": rootRef})
	if err != nil {
		wh.Abort()
		return &SerializationError{Op: "snapshot: encode new root slot", Err: err}
	}
	if _, err := wh.AppendObject(uint64(rootOID), 1, data); err != nil {
		wh.Abort()
		return &StorageError{Op: "snapshot: append new root slot", Err: err}
	}
	if _, err := wh.Commit(); err != nil {
		return &StorageError{Op: "snapshot: commit new root slot", Err: err}
	}
	return nil
}
