package txlog

import (
	"fmt"
	"hash/crc32"
)

// WriteHandle is returned by TxBeginWrite. It exposes incremental appends
// for object and blob records; Commit or Abort must be called exactly once
// to release the commit lock.
type WriteHandle struct {
	lf       *LogFile
	txID     TxID
	start    int64 // file offset this transaction's records begin at
	pos      int64 // current write position
	hash     hashWriter
	nObjs    uint32
	released bool
}

type hashWriter interface {
	Write(p []byte) (int, error)
	Sum32() uint32
}

// TxBeginWrite acquires the commit lock (in-process mutex, then the
// cross-process fcntl write lock on the fixed byte range) and positions the
// writer at the current end of file, per spec.md §4.2's commit algorithm
// step 1.
func (lf *LogFile) TxBeginWrite() (*WriteHandle, error) {
	lf.commitMu.Lock()
	if err := flock(lf.f, fWRLCK); err != nil {
		lf.commitMu.Unlock()
		return nil, fmt.Errorf("txlog: acquire commit lock: %w", err)
	}

	lf.mu.Lock()
	start := lf.catchUpOffset
	txID := lf.nextTxID
	lf.nextTxID++
	lf.mu.Unlock()

	return &WriteHandle{
		lf:    lf,
		txID:  txID,
		start: start,
		pos:   start,
		hash:  crc32.New(crcTable),
	}, nil
}

// AppendObject appends one OBJ record for oid at version serial and returns
// the offset the record was written at.
func (wh *WriteHandle) AppendObject(oid, serial uint64, data []byte) (int64, error) {
	frame := marshalObjFrame(oid, serial, data)
	off := wh.pos
	if _, err := wh.lf.f.WriteAt(frame, wh.pos); err != nil {
		return 0, fmt.Errorf("txlog: append object record: %w", err)
	}
	wh.hash.Write(frame)
	wh.pos += int64(len(frame))
	wh.nObjs++
	return off, nil
}

// AppendBlob appends one BLB record carrying the raw bytes of the blob whose
// own identity is oid and returns the (offset, length) of the payload's data portion
// (excluding the tag/len/oid framing), suitable for a later ReadBlob call.
func (wh *WriteHandle) AppendBlob(oid uint64, data []byte) (offset int64, length int64, err error) {
	frame := marshalBlobFrame(oid, data)
	if _, err := wh.lf.f.WriteAt(frame, wh.pos); err != nil {
		return 0, 0, fmt.Errorf("txlog: append blob record: %w", err)
	}
	wh.hash.Write(frame)
	dataOffset := wh.pos + int64(blbHdrSize+8) // tag+len+oid precede the payload
	wh.pos += int64(len(frame))
	return dataOffset, int64(len(data)), nil
}

// Commit emits the transaction trailer (spec.md §4.2 step 3), fsyncs
// (step 4), and releases the commit lock (step 4). A WriteHandle on which
// no AppendObject call was made produces a trailer with n_objs == 0 — a
// recorded failure per spec.md §6, which is exactly how the Transaction
// Manager records a conflict: it begins a WriteHandle, appends nothing, and
// commits.
func (wh *WriteHandle) Commit() (TxID, error) {
	if wh.released {
		return 0, fmt.Errorf("txlog: WriteHandle already released")
	}
	defer wh.release()

	lf := wh.lf
	lf.mu.Lock()
	prevOffset := int64(-1)
	if len(lf.trailers) > 0 {
		prevOffset = lf.trailers[len(lf.trailers)-1].TrailerStart
	}
	lf.mu.Unlock()

	tf := trailerFields{TxID: wh.txID, NCount: wh.nObjs, PrevTrailerOffset: uint64(prevOffset)}
	prefix := marshalTrailerPrefix(tf)
	wh.hash.Write(prefix)
	crc := wh.hash.Sum32()
	trailer := marshalTrailer(tf, crc)

	trailerStart := wh.pos
	if _, err := lf.f.WriteAt(trailer, trailerStart); err != nil {
		return 0, fmt.Errorf("txlog: write trailer: %w", err)
	}
	if err := lf.f.Sync(); err != nil {
		return 0, fmt.Errorf("txlog: fsync: %w", err)
	}
	wh.pos += int64(len(trailer))

	lf.mu.Lock()
	lf.trailers = append(lf.trailers, trailerInfo{
		TxID:         wh.txID,
		TrailerStart: trailerStart,
		RecordsStart: wh.start,
		RecordsEnd:   trailerStart,
		NObjs:        wh.nObjs,
	})
	lf.txCount++
	lf.catchUpOffset = wh.pos
	lf.mu.Unlock()

	return wh.txID, nil
}

// Abort releases the commit lock without writing a trailer. Records already
// appended through this handle stay in the file past the last trailer, where
// catch-up ignores them, the next WriteHandle of this LogFile writes over
// them, and recovery on the next Open truncates them — nothing is durable
// until Commit writes and fsyncs a trailer.
func (wh *WriteHandle) Abort() error {
	if wh.released {
		return nil
	}
	wh.release()
	return nil
}

func (wh *WriteHandle) release() {
	wh.released = true
	_ = flock(wh.lf.f, fUNLCK)
	wh.lf.commitMu.Unlock()
}

// TxID reports the transaction id this handle will commit (or has
// committed) as.
func (wh *WriteHandle) TxID() TxID { return wh.txID }
