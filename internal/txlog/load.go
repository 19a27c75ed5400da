package txlog

import "fmt"

// LoadObject performs a full forward scan of the log under a shared read
// lock, returning the most recently committed OBJ record for oid — the
// path a ghost Handle's first attribute access takes. spec.md leaves the
// storage engine free to choose any lookup strategy so long as it returns
// the latest committed version; a full scan is the straightforward choice
// for a single append-only file with no secondary index, at the cost of
// O(file size) per first access — the same tradeoff the teacher repo's
// simplest backend (backend_memory.go) accepts before its WAL-indexed
// paths take over.
func (lf *LogFile) LoadObject(oid uint64) (data []byte, serial uint64, found bool, err error) {
	if err := flock(lf.f, fRDLCK); err != nil {
		return nil, 0, false, fmt.Errorf("txlog: acquire read lock: %w", err)
	}
	defer flock(lf.f, fUNLCK)

	lf.mu.Lock()
	trailers := make([]trailerInfo, len(lf.trailers))
	copy(trailers, lf.trailers)
	lf.mu.Unlock()

	for _, ti := range trailers {
		if ti.NObjs == 0 {
			continue
		}
		objs, err := lf.readObjRecords(ti.RecordsStart, ti.TrailerStart)
		if err != nil {
			return nil, 0, false, err
		}
		for _, rec := range objs {
			if rec.OID == oid {
				data, serial, found = rec.Data, rec.Serial, true
			}
		}
	}
	return data, serial, found, nil
}
