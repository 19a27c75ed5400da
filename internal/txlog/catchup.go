package txlog

import "fmt"

// TransactionRecord is one fully-parsed transaction yielded by TxCatchUp:
// the object records it wrote. Blob records are not decoded here — they
// are read on demand through ReadBlob once a codec resolves a blob
// reference to an (offset, length) pair recorded inside an OBJ payload.
type TransactionRecord struct {
	TxID TxID
	Objs []ObjRecord
}

// TxCatchUp reads forward, under a shared read-lock, from the offset after
// lastSeenTxID until EOF, yielding every fully-formed transaction found.
// Partial trailing bytes left by a crashed concurrent writer are ignored,
// exactly as a fresh Open's recovery scan would ignore them — the next
// writer to open the file truncates them for good.
func (lf *LogFile) TxCatchUp(lastSeenTxID TxID) ([]TransactionRecord, error) {
	if err := flock(lf.f, fRDLCK); err != nil {
		return nil, fmt.Errorf("txlog: acquire read lock: %w", err)
	}
	defer flock(lf.f, fUNLCK)

	lf.catchUpMu.Lock()
	defer lf.catchUpMu.Unlock()

	lf.mu.Lock()
	offset := lf.catchUpOffset
	lf.mu.Unlock()

	var out []TransactionRecord
	for {
		recordsStart := offset
		trailerOff, nObjs, crcOK, next, err := lf.scanOneTransactionLocked(offset)
		if err != nil {
			break // EOF or a genuine read error — nothing more to catch up on
		}
		if !crcOK {
			break // trailing partial transaction from a crashed writer
		}

		lf.mu.Lock()
		txID := lf.nextTxID
		lf.nextTxID++
		lf.trailers = append(lf.trailers, trailerInfo{
			TxID: txID, TrailerStart: trailerOff,
			RecordsStart: recordsStart, RecordsEnd: trailerOff, NObjs: nObjs,
		})
		lf.txCount++
		lf.catchUpOffset = next
		lf.mu.Unlock()

		if txID > lastSeenTxID && nObjs > 0 {
			objs, err := lf.readObjRecords(recordsStart, trailerOff)
			if err != nil {
				break
			}
			out = append(out, TransactionRecord{TxID: txID, Objs: objs})
		}

		offset = next
	}
	return out, nil
}

// scanOneTransactionLocked is scanOneTransaction without updating an
// OID watermark, used by catch-up (which does not need one — OIDs are
// only minted by this process's own TxBeginWrite/NewOID calls).
func (lf *LogFile) scanOneTransactionLocked(offset int64) (trailerOff int64, nObjs uint32, crcOK bool, next int64, err error) {
	var unused uint64
	return lf.scanOneTransaction(offset, &unused)
}

// readObjRecords decodes every OBJ record between [start, end).
func (lf *LogFile) readObjRecords(start, end int64) ([]ObjRecord, error) {
	var out []ObjRecord
	pos := start
	for pos < end {
		tagBuf := make([]byte, 1)
		if _, err := lf.f.ReadAt(tagBuf, pos); err != nil {
			return nil, err
		}
		switch RecordTag(tagBuf[0]) {
		case TagOBJ:
			lenBuf := make([]byte, 4)
			if _, err := lf.f.ReadAt(lenBuf, pos+1); err != nil {
				return nil, err
			}
			dataLen := le32(lenBuf)
			frame := make([]byte, objHdrSize+int(dataLen))
			if _, err := lf.f.ReadAt(frame, pos); err != nil {
				return nil, err
			}
			rec, err := decodeObjPayload(frame[objHdrSize:])
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
			pos += int64(len(frame))
		case TagBLB:
			lenBuf := make([]byte, 8)
			if _, err := lf.f.ReadAt(lenBuf, pos+1); err != nil {
				return nil, err
			}
			dataLen := le64(lenBuf)
			pos += int64(blbHdrSize) + int64(dataLen)
		default:
			return nil, fmt.Errorf("txlog: unexpected tag 0x%02x while replaying", tagBuf[0])
		}
	}
	return out, nil
}
