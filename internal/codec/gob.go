// Package codec implements the Codec sub-format: spec.md §4.1's object
// serializer. GobCodec encodes an object's attribute map with
// encoding/gob, the same choice the teacher repo makes for its own
// on-disk rows (internal/storage/db.go), substituting references to other
// persistent objects and pending blob payloads along the way so neither
// ever has to flow through gob directly.
package codec

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"
)

// RefDetector reports whether v is a reference to another persistent
// object and, if so, that object's OID. Supplied by whatever owns the
// Object Registry (the root package), since codec itself must not depend
// on it — keeping the serialization format decoupled from any one
// in-memory representation of "a persistent object".
type RefDetector func(v any) (oid uint64, isRef bool)

// RefResolver is the inverse of RefDetector: given an OID found inside a
// decoded attribute map, it returns the in-memory value that should stand
// in for it (typically a registry-backed proxy, possibly a fresh ghost).
type RefResolver func(oid uint64) any

// BlobDetector reports whether v is a not-yet-committed blob wrapper and,
// if so, returns its pending bytes.
type BlobDetector func(v any) (data []byte, isPendingBlob bool)

// BlobResolver reconstructs the in-memory value for an attribute that was
// a committed blob reference on disk.
type BlobResolver func(oid uint64, offset, length int64) any

// BlobAttacher is told, once a pending blob has been appended to the log,
// which original value it came from and where it landed — so that value
// (a *blob.Blob, from the caller's point of view) can transition from
// pending to committed in place.
type BlobAttacher func(original any, oid uint64, offset, length int64)

// PendingBlob is one not-yet-committed blob payload extracted out of an
// attribute map by ExtractBlobs, awaiting a real (offset, length) once the
// transaction manager has appended it to the log.
type PendingBlob struct {
	Attr     string
	Data     []byte
	Original any
}

// ref stands in for a cross-object reference inside the gob stream.
type ref struct{ OID uint64 }

// blobRef stands in for a committed blob's on-disk coordinates.
type blobRef struct {
	OID    uint64
	Offset int64
	Length int64
}

// blobPlaceholder stands in, only transiently in memory between
// ExtractBlobs and FinalizeBlobs, for a blob whose offset is not known
// yet. It is never gob-encoded.
type blobPlaceholder struct{ idx int }

var registerOnce sync.Once

func init() {
	registerOnce.Do(func() {
		gob.Register(ref{})
		gob.Register(blobRef{})
	})
}

// GobCodec is the ObjectCodec used by the Transaction Manager. Construct
// one per Database with hooks bound to that database's registry.
type GobCodec struct {
	detectRef   RefDetector
	resolveRef  RefResolver
	detectBlob  BlobDetector
	resolveBlob BlobResolver
	attachBlob  BlobAttacher
}

// New returns a GobCodec wired to the given reference and blob hooks. Any
// hook may be nil if the caller never needs that substitution (tests
// commonly leave the blob hooks nil).
func New(detectRef RefDetector, resolveRef RefResolver, detectBlob BlobDetector, resolveBlob BlobResolver, attachBlob BlobAttacher) *GobCodec {
	return &GobCodec{detectRef: detectRef, resolveRef: resolveRef, detectBlob: detectBlob, resolveBlob: resolveBlob, attachBlob: attachBlob}
}

// ExtractBlobs walks attrs, replacing each not-yet-committed blob value
// with a transient placeholder and collecting its raw bytes separately.
// Call this before Encode; once the transaction manager has appended each
// pending blob and learned its (offset, length), call FinalizeBlobs to
// substitute the real blobRef before Encode runs.
func (c *GobCodec) ExtractBlobs(attrs map[string]any) (cleaned map[string]any, pending []PendingBlob, err error) {
	cleaned = make(map[string]any, len(attrs))
	if c.detectBlob == nil {
		for k, v := range attrs {
			cleaned[k] = v
		}
		return cleaned, nil, nil
	}
	for k, v := range attrs {
		if data, ok := c.detectBlob(v); ok {
			cleaned[k] = blobPlaceholder{idx: len(pending)}
			pending = append(pending, PendingBlob{Attr: k, Data: data, Original: v})
			continue
		}
		cleaned[k] = v
	}
	return cleaned, pending, nil
}

// BlobRefLocator is the (oid, offset, length) a transaction manager learns
// back from WriteHandle.AppendBlob, indexed to match the PendingBlob slice
// ExtractBlobs returned.
type BlobRefLocator struct {
	OID    uint64
	Offset int64
	Length int64
}

// FinalizeBlobs substitutes the real (oid, offset, length) locator for
// each placeholder ExtractBlobs left behind, and — if an attach hook is
// configured — tells each pending blob's original value where it landed,
// so it can transition from pending to committed in place. locators must
// be indexed the same way as the pending slice ExtractBlobs returned.
func (c *GobCodec) FinalizeBlobs(cleaned map[string]any, pending []PendingBlob, locators []BlobRefLocator) map[string]any {
	if c.attachBlob != nil {
		for i, p := range pending {
			loc := locators[i]
			c.attachBlob(p.Original, loc.OID, loc.Offset, loc.Length)
		}
	}
	out := make(map[string]any, len(cleaned))
	for k, v := range cleaned {
		if ph, ok := v.(blobPlaceholder); ok {
			loc := locators[ph.idx]
			out[k] = blobRef{OID: loc.OID, Offset: loc.Offset, Length: loc.Length}
			continue
		}
		out[k] = v
	}
	return out
}

// RefOID reports whether v is a cross-object reference and, if so, the OID
// it points at — exposed so the Transaction Manager can check a pending
// commit's write set for references to objects that were never registered
// and so will never receive an OID (spec.md's ObjectGraphError).
func (c *GobCodec) RefOID(v any) (oid uint64, isRef bool) {
	if c.detectRef == nil {
		return 0, false
	}
	return c.detectRef(v)
}

// Encode gob-encodes attrs, substituting any detected persistent-object
// reference with a ref{OID} marker first. attrs passed here must already
// have gone through ExtractBlobs/FinalizeBlobs if it may contain blobs.
func (c *GobCodec) Encode(attrs map[string]any) ([]byte, error) {
	wire := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if c.detectRef != nil {
			if oid, ok := c.detectRef(v); ok {
				wire[k] = ref{OID: oid}
				continue
			}
		}
		wire[k] = v
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(wire); err != nil {
		return nil, fmt.Errorf("codec: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode gob-decodes data, resolving any ref{OID} or blobRef marker back
// into its in-memory stand-in via the codec's hooks.
func (c *GobCodec) Decode(data []byte) (map[string]any, error) {
	var wire map[string]any
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&wire); err != nil {
		return nil, fmt.Errorf("codec: decode: %w", err)
	}

	out := make(map[string]any, len(wire))
	for k, v := range wire {
		switch t := v.(type) {
		case ref:
			if c.resolveRef != nil {
				out[k] = c.resolveRef(t.OID)
				continue
			}
			out[k] = t
		case blobRef:
			if c.resolveBlob != nil {
				out[k] = c.resolveBlob(t.OID, t.Offset, t.Length)
				continue
			}
			out[k] = t
		default:
			out[k] = v
		}
	}
	return out, nil
}

// RegisterType exposes gob.Register for application-defined attribute
// value types, guarding against the panic gob.Register raises when the
// same concrete type is registered twice — the safeGobRegister pattern the
// teacher repo uses for its own row values.
func RegisterType(value any) {
	defer func() { recover() }()
	gob.Register(value)
}
