// Package snapshot implements the Snapshot Emitter: spec.md §4.6's
// graph-compaction pass that walks every object reachable from a root and
// re-writes it, with freshly assigned OIDs, as a single collapsed
// transaction in a target log — discarding every superseded version and
// every unreachable object along the way.
package snapshot

import (
	"fmt"

	"github.com/lattice-db/lattice/internal/txlog"
)

// Source is what a snapshot walk reads the current object graph from.
type Source interface {
	// Load returns the latest committed attributes and serial for oid.
	Load(oid uint64) (data []byte, serial uint64, found bool, err error)
}

// Walk performs a breadth-first traversal of the object graph starting
// from rootOID, decoding each object with decode and finding its outgoing
// references with detectRef, and appends every reachable object into dst
// through a single open WriteHandle — returned uncommitted so the caller
// can fold additional records (such as a rewritten root slot) into the
// very same transaction before calling Commit. It returns the mapping
// from old OID to the freshly assigned OID in dst.
func Walk(src Source, dst *txlog.LogFile, rootOID uint64, decode func([]byte) (map[string]any, error), encode func(map[string]any) ([]byte, error), detectRef func(any) (uint64, bool), rewriteRef func(any, uint64) any) (map[uint64]uint64, *txlog.WriteHandle, error) {
	if rootOID == 0 {
		return nil, nil, fmt.Errorf("snapshot: no root to walk from")
	}

	remap := make(map[uint64]uint64)
	visited := make(map[uint64]bool)
	queue := []uint64{rootOID}
	type pending struct {
		oldOID uint64
		attrs  map[string]any
	}
	var order []pending

	for len(queue) > 0 {
		oid := queue[0]
		queue = queue[1:]
		if visited[oid] {
			continue
		}
		visited[oid] = true

		data, _, found, err := src.Load(oid)
		if err != nil {
			return nil, nil, fmt.Errorf("snapshot: load %d: %w", oid, err)
		}
		if !found {
			continue
		}
		attrs, err := decode(data)
		if err != nil {
			return nil, nil, fmt.Errorf("snapshot: decode %d: %w", oid, err)
		}
		remap[oid] = uint64(dst.NewOID())
		order = append(order, pending{oldOID: oid, attrs: attrs})

		for _, v := range attrs {
			if refOID, isRef := detectRef(v); isRef {
				if !visited[refOID] {
					queue = append(queue, refOID)
				}
			}
		}
	}

	wh, err := dst.TxBeginWrite()
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot: begin write: %w", err)
	}

	for _, p := range order {
		rewritten := make(map[string]any, len(p.attrs))
		for k, v := range p.attrs {
			if refOID, isRef := detectRef(v); isRef {
				newOID, ok := remap[refOID]
				if !ok {
					wh.Abort()
					return nil, nil, fmt.Errorf("snapshot: object %d references unreachable object %d", p.oldOID, refOID)
				}
				rewritten[k] = rewriteRef(v, newOID)
				continue
			}
			rewritten[k] = v
		}
		data, err := encode(rewritten)
		if err != nil {
			wh.Abort()
			return nil, nil, fmt.Errorf("snapshot: encode %d: %w", p.oldOID, err)
		}
		newOID := remap[p.oldOID]
		if _, err := wh.AppendObject(newOID, 1, data); err != nil {
			wh.Abort()
			return nil, nil, fmt.Errorf("snapshot: append %d: %w", p.oldOID, err)
		}
	}

	// wh is returned open and uncommitted: the caller folds any further
	// records (the rewritten root slot) into this same transaction and
	// commits it, so the whole snapshot lands as exactly one trailer.
	return remap, wh, nil
}
