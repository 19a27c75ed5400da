package txlog

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"io"
	"log"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// lockRange is the fixed byte range spec.md §6 names for the advisory lock:
// "[0, 1)". The magic bytes live there too; fcntl locking and file content
// can overlap a byte range freely since POSIX record locks are metadata,
// not a reservation of the bytes themselves.
const (
	lockOffset = 0
	lockLen    = 1
)

const (
	fRDLCK int16 = unix.F_RDLCK
	fWRLCK int16 = unix.F_WRLCK
	fUNLCK int16 = unix.F_UNLCK
)

// trailerInfo is what Open's initial scan (and every subsequent catch-up)
// records about one transaction trailer, enough to replay or re-locate it
// without rescanning from the start of the file.
type trailerInfo struct {
	TxID         TxID
	TrailerStart int64
	RecordsStart int64
	RecordsEnd   int64
	NObjs        uint32
}

// LogFile is the append-only transaction log described in spec.md §4.2.
// One process may open the same path multiple times (each Session typically
// shares a single *LogFile through its Database), but every *LogFile for a
// given path contends for the same inter-process fcntl lock.
type LogFile struct {
	// commitMu serialises writers *within this process*. POSIX advisory
	// record locks do not conflict with locks held by the same process (a
	// second lock request from the same process on an overlapping range
	// succeeds immediately, even while the first is "held"), so fcntl alone
	// cannot serialise goroutines in one process — only processes. This
	// mutex supplies the missing half; the fcntl lock supplies the other.
	commitMu sync.Mutex

	// catchUpMu serialises the bookkeeping (trailer index, catchUpOffset,
	// nextTxID advancement) done by concurrent TxCatchUp callers in this
	// process. It is held only around the cheap parse-and-record step, not
	// around any blocking I/O wait for the fcntl lock itself, so catch-up
	// callers still never block a writer.
	catchUpMu sync.Mutex

	mu       sync.Mutex // guards the fields below
	f        *os.File
	path     string
	nextTxID TxID
	nextOID  uint64
	txCount  uint64
	trailers []trailerInfo
	// catchUpOffset is the file offset this process has fully parsed up to
	// (the position right after the most recent trailer it has seen,
	// whether written by this process or observed via catch-up).
	catchUpOffset int64

	logger *log.Logger
}

// Option configures Open.
type Option func(*LogFile)

// WithLogger overrides the default logger (log.Default()) used for
// recovery (truncation) diagnostics.
func WithLogger(l *log.Logger) Option {
	return func(lf *LogFile) { lf.logger = l }
}

// Open opens or creates the log file at path, performing crash recovery
// (truncating any trailing partial transaction) and a full forward scan to
// recover the in-memory trailer index, the next OID, and the next TxID.
func Open(path string, opts ...Option) (*LogFile, error) {
	existed := true
	if _, err := os.Stat(path); os.IsNotExist(err) {
		existed = false
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("txlog: open %s: %w", path, err)
	}

	// nextOID starts at 2: OID 1 is reserved, by convention the higher
	// layer relies on (the root slot), the same way ZODB reserves OID 0 for
	// its root. Reopening an existing file raises nextOID to one past the
	// highest OID actually observed, below, but never lowers it under 2.
	lf := &LogFile{f: f, path: path, nextTxID: 1, nextOID: 2, logger: log.Default()}
	for _, o := range opts {
		o(lf)
	}

	if !existed {
		if _, err := f.Write([]byte(Magic)); err != nil {
			f.Close()
			return nil, fmt.Errorf("txlog: write magic: %w", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, err
		}
		lf.catchUpOffset = int64(len(Magic))
		return lf, nil
	}

	if err := lf.recover(); err != nil {
		f.Close()
		return nil, err
	}
	return lf, nil
}

// recover validates the magic header, then scans forward transaction by
// transaction, truncating the file at the first short read, unknown tag, or
// CRC mismatch — the crash-recovery behaviour spec.md §4.2 requires ("any
// bytes after it are truncated").
func (lf *LogFile) recover() error {
	hdr := make([]byte, len(Magic))
	if _, err := lf.f.ReadAt(hdr, 0); err != nil {
		return fmt.Errorf("txlog: read magic: %w", err)
	}
	if string(hdr) != Magic {
		return fmt.Errorf("txlog: %s: bad magic", lf.path)
	}

	offset := int64(len(Magic))
	var maxOID uint64
	for {
		recordsStart := offset
		txOff, nObjs, crcOK, newOffset, scanErr := lf.scanOneTransaction(offset, &maxOID)
		if scanErr == io.EOF {
			break
		}
		if scanErr != nil || !crcOK {
			lf.logger.Printf("txlog: %s: truncating at offset %d (%v)", lf.path, offset, scanErr)
			break
		}
		lf.trailers = append(lf.trailers, trailerInfo{
			TxID:         TxID(lf.nextTxID),
			TrailerStart: txOff,
			RecordsStart: recordsStart,
			RecordsEnd:   txOff,
			NObjs:        nObjs,
		})
		lf.nextTxID++
		lf.txCount++
		offset = newOffset
	}

	if err := lf.f.Truncate(offset); err != nil {
		return fmt.Errorf("txlog: truncate: %w", err)
	}
	lf.catchUpOffset = offset
	if maxOID+1 > lf.nextOID {
		lf.nextOID = maxOID + 1
	}
	return nil
}

// scanOneTransaction parses one transaction (records then trailer) starting
// at offset. It returns the trailer's own starting offset, its object
// count, whether its CRC validated, and the offset immediately following
// the trailer. maxOID is updated with every OID observed in an OBJ record.
func (lf *LogFile) scanOneTransaction(offset int64, maxOID *uint64) (trailerOff int64, nObjs uint32, crcOK bool, next int64, err error) {
	h := crc32.New(crcTable)
	pos := offset
	for {
		tagBuf := make([]byte, 1)
		if _, err := lf.f.ReadAt(tagBuf, pos); err != nil {
			if err == io.EOF {
				return 0, 0, false, 0, io.EOF
			}
			return 0, 0, false, 0, err
		}
		switch RecordTag(tagBuf[0]) {
		case TagOBJ:
			lenBuf := make([]byte, 4)
			if _, err := lf.f.ReadAt(lenBuf, pos+1); err != nil {
				return 0, 0, false, 0, err
			}
			dataLen := le32(lenBuf)
			frame := make([]byte, objHdrSize+int(dataLen))
			if _, err := lf.f.ReadAt(frame, pos); err != nil {
				return 0, 0, false, 0, err
			}
			h.Write(frame)
			rec, derr := decodeObjPayload(frame[objHdrSize:])
			if derr != nil {
				return 0, 0, false, 0, derr
			}
			if rec.OID > *maxOID {
				*maxOID = rec.OID
			}
			nObjs++
			pos += int64(len(frame))
		case TagBLB:
			lenBuf := make([]byte, 8)
			if _, err := lf.f.ReadAt(lenBuf, pos+1); err != nil {
				return 0, 0, false, 0, err
			}
			dataLen := le64(lenBuf)
			frame := make([]byte, blbHdrSize+int(dataLen))
			if _, err := lf.f.ReadAt(frame, pos); err != nil {
				return 0, 0, false, 0, err
			}
			h.Write(frame)
			pos += int64(len(frame))
		case TagTX:
			trailer := make([]byte, trailerLen)
			if _, err := lf.f.ReadAt(trailer, pos); err != nil {
				return 0, 0, false, 0, err
			}
			if !bytes.Equal(trailer[25:33], []byte(MagicEnd)) {
				return pos, nObjs, false, 0, nil
			}
			h.Write(trailer[:21])
			storedCRC := le32(trailer[21:25])
			ok := h.Sum32() == storedCRC
			return pos, nObjs, ok, pos + trailerLen, nil
		default:
			return 0, 0, false, 0, fmt.Errorf("unknown record tag 0x%02x at offset %d", tagBuf[0], pos)
		}
	}
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// flock acquires (or releases, for unix.F_UNLCK) an advisory fcntl lock on
// the fixed byte range, blocking (F_SETLKW) until it is available.
func flock(f *os.File, lockType int16) error {
	lk := unix.Flock_t{
		Type:   lockType,
		Whence: io.SeekStart,
		Start:  lockOffset,
		Len:    lockLen,
	}
	return unix.FcntlFlock(f.Fd(), unix.F_SETLKW, &lk)
}

// TxCount returns the number of transactions recorded so far, successful
// commits plus recorded failures — spec.md §8's "transaction totality".
func (lf *LogFile) TxCount() uint64 {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	return lf.txCount
}

// NewOID allocates a fresh OID under the commit lock, as spec.md §4.2
// requires ("new_oid() -> OID. Allocates a fresh identifier under the
// commit lock."). Callers are expected to already hold a WriteHandle (i.e.
// be inside a commit) when they call this, since OID assignment happens at
// commit time per spec.md §4.5 step 1.
func (lf *LogFile) NewOID() uint64 {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	oid := lf.nextOID
	lf.nextOID++
	return oid
}

// ReadBlob performs a random-access read of length bytes at offset,
// spec.md §4.2's read_blob contract.
func (lf *LogFile) ReadBlob(offset int64, length int64) (io.ReadCloser, error) {
	return &blobReader{f: lf.f, off: offset, remain: length}, nil
}

type blobReader struct {
	f      *os.File
	off    int64
	remain int64
}

func (r *blobReader) Read(p []byte) (int, error) {
	if r.remain <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.remain {
		p = p[:r.remain]
	}
	n, err := r.f.ReadAt(p, r.off)
	r.off += int64(n)
	r.remain -= int64(n)
	return n, err
}

func (r *blobReader) Close() error { return nil }

// Close closes the underlying file. Any in-flight WriteHandle becomes
// invalid.
func (lf *LogFile) Close() error {
	return lf.f.Close()
}

// Path returns the file path this LogFile was opened from.
func (lf *LogFile) Path() string { return lf.path }
