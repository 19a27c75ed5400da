// Package blob implements the Persistent Stream sub-format: spec.md §3's
// "Persistent Stream (Blob)". A Blob is immutable once committed; before
// that it is a plain in-memory byte buffer a codec can extract and a
// WriteHandle can append to the log as a BLB record.
package blob

import (
	"bytes"
	"fmt"
	"io"
	"sync"
)

// Opener reads length bytes at offset from the owning Database's log. It is
// supplied by whatever attaches a committed Blob to its jar (internal/txlog
// satisfies this signature directly via LogFile.ReadBlob).
type Opener func(offset, length int64) (io.ReadCloser, error)

// Blob is a persistent binary stream. Construct with New for a fresh,
// not-yet-committed stream; Write buffers bytes in memory until commit.
// After commit, Offset/Length point at the BLB record in the log and Open
// lazily opens a read handle against it.
type Blob struct {
	mu sync.Mutex

	oid    uint64
	offset int64
	length int64
	opener Opener

	pending bytes.Buffer
	open    io.ReadCloser
}

// New creates a fresh, detached Blob ready to be written to before its
// first commit.
func New() *Blob {
	return &Blob{}
}

// Write buffers bytes into the stream. Valid only before the Blob has been
// committed (Attach has not yet been called).
func (b *Blob) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.opener != nil {
		return 0, fmt.Errorf("lattice: blob is immutable once committed")
	}
	return b.pending.Write(p)
}

// Committed reports whether this Blob has been written to the log.
func (b *Blob) Committed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opener != nil
}

// PendingBytes returns the buffered bytes awaiting their first commit, and
// whether there is anything pending at all — the hook the codec uses to
// extract blob payloads out of an attribute map before gob-encoding it.
func (b *Blob) PendingBytes() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.opener != nil {
		return nil, false
	}
	return b.pending.Bytes(), true
}

// OID returns the blob's own persistent identity (distinct from the object
// that references it).
func (b *Blob) OID() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.oid
}

// Attach records where in the log this blob's bytes live and how to read
// them back, transitioning it from pending to committed. Called once, by
// the Transaction Manager right after the owning WriteHandle appends the
// BLB record.
func (b *Blob) Attach(oid uint64, offset, length int64, opener Opener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.oid = oid
	b.offset = offset
	b.length = length
	b.opener = opener
	b.pending.Reset()
}

// Locator exposes the (oid, offset, length) triple for serialization by the
// codec once the blob is committed.
func (b *Blob) Locator() (oid uint64, offset, length int64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.oid, b.offset, b.length, b.opener != nil
}

// FromLocator reconstructs an already-committed Blob purely from its
// on-disk coordinates, used when a codec decodes a blob reference loaded
// from another process's commit.
func FromLocator(oid uint64, offset, length int64, opener Opener) *Blob {
	return &Blob{oid: oid, offset: offset, length: length, opener: opener}
}

// Open returns a read handle over the blob's bytes, blocking on log I/O for
// its first materialisation per spec.md §5. The caller must Close it.
func (b *Blob) Open() (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.opener == nil {
		return nil, fmt.Errorf("lattice: blob has not been committed yet")
	}
	r, err := b.opener(b.offset, b.length)
	if err != nil {
		return nil, err
	}
	b.open = r
	return &trackedReader{b: b, r: r}, nil
}

// trackedReader clears Blob.open on Close so a second Open after iteration
// finishing Close does not see a stale handle.
type trackedReader struct {
	b *Blob
	r io.ReadCloser
}

func (t *trackedReader) Read(p []byte) (int, error) { return t.r.Read(p) }

func (t *trackedReader) Close() error {
	err := t.r.Close()
	t.b.mu.Lock()
	t.b.open = nil
	t.b.mu.Unlock()
	return err
}

// Bytes opens, reads to completion, and closes the blob, returning its full
// contents — the convenience path spec.md §8 scenario 6 exercises via
// "reading via the stream API".
func (b *Blob) Bytes() ([]byte, error) {
	r, err := b.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
