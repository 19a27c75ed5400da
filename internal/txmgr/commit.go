package txmgr

import (
	"fmt"

	"github.com/lattice-db/lattice/internal/codec"
	"github.com/lattice-db/lattice/internal/objstate"
	"github.com/lattice-db/lattice/internal/txlog"
)

// pendingWrite is one object's resolved attribute set, ready to be encoded
// and appended, once Commit has decided it survives conflict resolution.
type pendingWrite struct {
	h      *objstate.Handle
	serial objstate.Serial
	attrs  map[string]any
}

// unreachableNewWrites returns every never-committed Handle among writes
// that is not reachable from root, per spec.md §4.5 step 1. A Handle is
// reachable if it already carries a committed OID (it was anchored before
// this transaction began) or if some other reachable write's attributes
// reference it. This must run before any OID is assigned in this commit, or
// every Handle would trivially read as "already has an OID" and the check
// would never catch anything.
func (s *Session) unreachableNewWrites(writes []pendingWrite) []*objstate.Handle {
	if s.m.refHandle == nil {
		return nil
	}

	byHandle := make(map[*objstate.Handle]map[string]any, len(writes))
	var handles []*objstate.Handle
	for _, w := range writes {
		byHandle[w.h] = w.attrs
		handles = append(handles, w.h)
	}

	// reachable starts as every already-anchored handle (it carried a valid
	// OID before this commit even started, so something already durable
	// points at it) and grows outward: if an already-reachable handle's
	// attributes reference another handle in this same write set, that
	// target becomes reachable too. Propagation flows from anchor to
	// referent, never the other way.
	reachable := make(map[*objstate.Handle]bool, len(writes))
	for _, h := range handles {
		if h.OID().Valid() {
			reachable[h] = true
		}
	}

	for changed := true; changed; {
		changed = false
		for _, h := range handles {
			if !reachable[h] {
				continue
			}
			for _, v := range byHandle[h] {
				target, ok := s.m.refHandle(v)
				if !ok || target == nil || reachable[target] {
					continue
				}
				if _, inSet := byHandle[target]; !inSet {
					continue
				}
				reachable[target] = true
				changed = true
			}
		}
	}

	var unreachable []*objstate.Handle
	for _, h := range handles {
		if h.OID().Valid() || reachable[h] {
			continue
		}
		unreachable = append(unreachable, h)
	}
	return unreachable
}

// Commit validates and durably records every object this session touched,
// per spec.md §4.5's commit algorithm:
//
//  1. Refuse the commit with an ObjectGraphError if any never-committed
//     object in the write set is not reachable from root, then assign OIDs
//     to the rest of the brand-new objects under the commit lock.
//  2. Re-catch-up so the conflict check below sees every transaction that
//     committed while this session was computing its write set.
//  3. For every touched object, compare the serial this session last saw
//     against the object's current (possibly just-refreshed) serial. A
//     mismatch on an object this session only read is a ReadConflictError.
//     A mismatch on an object this session wrote is resolved through a
//     ConflictResolver if one is attached, else a WriteConflictError.
//  4. Encode and append every write within the same transaction.
//  5. Fsync the trailer, publish every overlay, advance the manager's
//     last-seen txid, and clear this session's transaction state.
//
// On any conflict, Commit appends an empty (n_objs == 0) transaction
// before returning its error — spec.md §6's "recorded failure", so the
// file's transaction count reflects every attempt, not just every success.
func (s *Session) Commit() error {
	if !s.open {
		return fmt.Errorf("txmgr: commit called without an open transaction")
	}
	defer s.reset()

	wh, err := s.m.log.TxBeginWrite()
	if err != nil {
		return fmt.Errorf("txmgr: begin write: %w", err)
	}

	if err := s.catchUp(); err != nil {
		wh.Abort()
		return err
	}

	var writes []pendingWrite

	for h, readSerial := range s.registered {
		ov := h.Overlay(s.id)
		current := h.Serial()
		conflicted := h.ConflictPending(s.id) || current != readSerial

		if !conflicted {
			if ov != nil {
				writes = append(writes, pendingWrite{h: h, serial: current + 1, attrs: ov.Attrs})
			}
			continue
		}

		if ov == nil {
			// Read-only access to an object whose baseline moved underneath
			// this transaction.
			recordFailure(wh)
			return &ReadConflictError{OID: h.OID()}
		}

		resolver, hasResolver := h.Resolver().(ConflictResolver)
		if !hasResolver {
			recordFailure(wh)
			return &WriteConflictError{OID: h.OID()}
		}

		old := s.baseline[h]
		saved := h.Shared()
		merged, rerr := func() (m map[string]any, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("conflict resolver panicked: %v", r)
				}
			}()
			return resolver.ResolveConflict(old, saved, ov.Attrs)
		}()
		if rerr != nil {
			recordFailure(wh)
			return &WriteConflictError{OID: h.OID()}
		}
		writes = append(writes, pendingWrite{h: h, serial: current + 1, attrs: merged})
	}

	// spec.md §4.5 step 1: every unassigned (never-committed) object about
	// to be written must be reachable from root — refuse the whole commit
	// with ObjectGraphError rather than hand out a disconnected OID. This
	// has to run before OIDs are assigned below: reachability is judged
	// entirely by Handle identity (an object is anchored if it already has
	// a committed OID, or if something already anchored references it), so
	// every not-yet-committed Handle must still read as unassigned while
	// this check runs.
	if unreachable := s.unreachableNewWrites(writes); len(unreachable) > 0 {
		wh.Abort()
		return &ObjectGraphError{Msg: fmt.Sprintf("object %d is new and not reachable from root", unreachable[0].OID())}
	}

	for _, h := range s.pendingNew {
		if h.OID().Valid() {
			continue
		}
		oid := objstate.OID(s.m.log.NewOID())
		s.m.reg.Bind(h, oid)
	}

	for _, w := range writes {
		for _, v := range w.attrs {
			if oid, isRef := s.m.codec.RefOID(v); isRef && oid == 0 {
				wh.Abort()
				return &ObjectGraphError{Msg: fmt.Sprintf("object %d references an object that was never registered as new and has no committed OID", w.h.OID())}
			}
		}
	}

	for _, w := range writes {
		cleaned, pending, err := s.m.codec.ExtractBlobs(w.attrs)
		if err != nil {
			wh.Abort()
			return fmt.Errorf("txmgr: extract blobs: %w", err)
		}
		if len(pending) > 0 {
			cleaned, err = s.writeBlobs(wh, cleaned, pending)
			if err != nil {
				wh.Abort()
				return err
			}
		}
		data, err := s.m.codec.Encode(cleaned)
		if err != nil {
			wh.Abort()
			return &SerializationError{Op: fmt.Sprintf("encode object %d", w.h.OID()), Err: err}
		}
		if _, err := wh.AppendObject(uint64(w.h.OID()), uint64(w.serial), data); err != nil {
			wh.Abort()
			return fmt.Errorf("txmgr: append object %d: %w", w.h.OID(), err)
		}
	}

	txID, err := wh.Commit()
	if err != nil {
		return fmt.Errorf("txmgr: commit: %w", err)
	}

	for _, w := range writes {
		w.h.PublishCommit(s.id, w.attrs, w.serial)
	}

	s.m.mu.Lock()
	if txID > s.m.lastSeenTxID {
		s.m.lastSeenTxID = txID
	}
	s.m.mu.Unlock()

	return nil
}

// writeBlobs appends each pending blob's bytes as a BLB record owned by a
// freshly minted OID, and substitutes the blob's real on-disk locator for
// its placeholder in attrs so Encode sees a concrete blobRef.
func (s *Session) writeBlobs(wh *txlog.WriteHandle, attrs map[string]any, pending []codec.PendingBlob) (map[string]any, error) {
	locators := make([]codec.BlobRefLocator, len(pending))
	for i, p := range pending {
		blobOID := s.m.log.NewOID()
		offset, length, err := wh.AppendBlob(blobOID, p.Data)
		if err != nil {
			return nil, fmt.Errorf("txmgr: append blob: %w", err)
		}
		locators[i] = codec.BlobRefLocator{OID: blobOID, Offset: offset, Length: length}
	}
	return s.m.codec.FinalizeBlobs(attrs, pending, locators), nil
}

// recordFailure writes the zero-object failure marker transaction spec.md
// §6 describes and releases the commit lock. The handle is spent either
// way; the caller must not use wh again.
func recordFailure(wh *txlog.WriteHandle) {
	_, _ = wh.Commit() // zero AppendObject calls -> n_objs == 0
}

// reset clears this session's transaction-scoped state after a commit or
// abort, ready for the next Begin.
func (s *Session) reset() {
	s.open = false
	s.registered = make(map[*objstate.Handle]objstate.Serial)
	s.baseline = nil
	s.pendingNew = nil
}

// Abort discards every overlay this session holds without publishing
// anything, per spec.md §4.5's abort algorithm.
func (s *Session) Abort() {
	for h := range s.registered {
		h.Abort(s.id)
	}
	s.reset()
}
