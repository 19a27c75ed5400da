package lattice

import (
	"io"

	"github.com/lattice-db/lattice/internal/blob"
)

// Blob is a persistent binary stream: spec.md §3's Persistent Stream. Store
// one as an ordinary attribute value on a Persistent object; its bytes are
// appended to the log as a separate BLB record rather than inlined into the
// owning object's attribute payload, and read back lazily.
type Blob = blob.Blob

// NewBlob returns a fresh, empty Blob ready to be written to and then
// stored as an attribute before the owning object's next commit.
func NewBlob() *Blob { return blob.New() }

func detectPendingBlob(v any) ([]byte, bool) {
	b, ok := v.(*blob.Blob)
	if !ok {
		return nil, false
	}
	return b.PendingBytes()
}

func (db *Database) resolveBlob(oid uint64, offset, length int64) any {
	return blob.FromLocator(oid, offset, length, func(off, ln int64) (io.ReadCloser, error) {
		return db.log.ReadBlob(off, ln)
	})
}

func (db *Database) attachBlob(original any, oid uint64, offset, length int64) {
	b, ok := original.(*blob.Blob)
	if !ok {
		return
	}
	b.Attach(oid, offset, length, func(off, ln int64) (io.ReadCloser, error) {
		return db.log.ReadBlob(off, ln)
	})
}
