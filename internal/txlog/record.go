// Package txlog implements Log Storage: the single append-only file that
// durably holds every committed (and failed) transaction, the inter-process
// file locking that arbitrates writers, and the catch-up scan that lets a
// begin() replay transactions appended by other writers.
//
// On-disk layout (little-endian throughout), per spec.md §6:
//
//	file       := magic(8) record*
//	record     := obj_record* tx_trailer
//	obj_record := tag(1)=OBJ len(u32) payload(bytes)
//	            | tag(1)=BLB len(u64) payload(bytes)
//	tx_trailer := tag(1)=TX txid(u64) n_objs(u32)
//	              prev_trailer_offset(u64) crc32(u32) magic_end(8)
//
// An OBJ payload is oid(u64) ++ serial(u64) ++ codec-encoded attribute
// bytes. A BLB payload is oid(u64) ++ raw blob bytes, where the oid is the
// identity of the blob object itself (not the object that references it).
// Embedding the oid (and, for OBJ, the serial) inside the payload keeps the
// grammar's `payload(bytes)` fully opaque from the file-format's point of
// view while still letting a catch-up reader route each record back to the
// right Handle without a side index.
package txlog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Magic identifies the file format. Any deterministic, self-identifying
// choice survives the crash-recovery scan; spec.md §9 leaves the exact bytes
// unpinned.
const Magic = "LATTDB01"

// MagicEnd closes every transaction trailer, giving the recovery scan a
// second, independent signal (besides the CRC) that a trailer is intact.
const MagicEnd = "TXEND\x00\x00\x00"

// TxID is the monotonically increasing, file-level transaction identifier;
// it equals the transaction's position in commit-lock acquisition order.
type TxID uint64

// RecordTag identifies the kind of record at the start of each frame.
type RecordTag byte

const (
	TagOBJ RecordTag = 0x01
	TagBLB RecordTag = 0x02
	TagTX  RecordTag = 0x03
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

const (
	objHdrSize = 1 + 4  // tag + len(u32)
	blbHdrSize = 1 + 8  // tag + len(u64)
	trailerLen = 1 + 8 + 4 + 8 + 4 + 8
)

// ObjRecord is the decoded form of one OBJ record.
type ObjRecord struct {
	OID    uint64
	Serial uint64
	Data   []byte // codec-encoded attribute bytes
}

// encodeObjPayload lays out oid ++ serial ++ data.
func encodeObjPayload(oid, serial uint64, data []byte) []byte {
	buf := make([]byte, 16+len(data))
	binary.LittleEndian.PutUint64(buf[0:8], oid)
	binary.LittleEndian.PutUint64(buf[8:16], serial)
	copy(buf[16:], data)
	return buf
}

func decodeObjPayload(payload []byte) (ObjRecord, error) {
	if len(payload) < 16 {
		return ObjRecord{}, fmt.Errorf("txlog: OBJ payload too short (%d bytes)", len(payload))
	}
	return ObjRecord{
		OID:    binary.LittleEndian.Uint64(payload[0:8]),
		Serial: binary.LittleEndian.Uint64(payload[8:16]),
		Data:   payload[16:],
	}, nil
}

// BlobRecord is the decoded form of one BLB record.
type BlobRecord struct {
	OID  uint64
	Data []byte
}

func encodeBlobPayload(oid uint64, data []byte) []byte {
	buf := make([]byte, 8+len(data))
	binary.LittleEndian.PutUint64(buf[0:8], oid)
	copy(buf[8:], data)
	return buf
}

func decodeBlobPayload(payload []byte) (BlobRecord, error) {
	if len(payload) < 8 {
		return BlobRecord{}, fmt.Errorf("txlog: BLB payload too short (%d bytes)", len(payload))
	}
	return BlobRecord{
		OID:  binary.LittleEndian.Uint64(payload[0:8]),
		Data: payload[8:],
	}, nil
}

// marshalObjFrame returns tag+len+payload for one OBJ record.
func marshalObjFrame(oid, serial uint64, data []byte) []byte {
	payload := encodeObjPayload(oid, serial, data)
	buf := make([]byte, objHdrSize+len(payload))
	buf[0] = byte(TagOBJ)
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[objHdrSize:], payload)
	return buf
}

// marshalBlobFrame returns tag+len+payload for one BLB record.
func marshalBlobFrame(oid uint64, data []byte) []byte {
	payload := encodeBlobPayload(oid, data)
	buf := make([]byte, blbHdrSize+len(payload))
	buf[0] = byte(TagBLB)
	binary.LittleEndian.PutUint64(buf[1:9], uint64(len(payload)))
	copy(buf[blbHdrSize:], payload)
	return buf
}

// trailerFields is the trailer minus its own CRC (the part the CRC covers).
type trailerFields struct {
	TxID              TxID
	NCount            uint32
	PrevTrailerOffset uint64
}

func marshalTrailerPrefix(tf trailerFields) []byte {
	buf := make([]byte, 1+8+4+8)
	buf[0] = byte(TagTX)
	binary.LittleEndian.PutUint64(buf[1:9], uint64(tf.TxID))
	binary.LittleEndian.PutUint32(buf[9:13], tf.NCount)
	binary.LittleEndian.PutUint64(buf[13:21], tf.PrevTrailerOffset)
	return buf
}

// marshalTrailer assembles the full trailer given a CRC that was computed
// by the caller over the transaction's record bytes plus this prefix.
func marshalTrailer(tf trailerFields, crc uint32) []byte {
	prefix := marshalTrailerPrefix(tf)
	buf := make([]byte, trailerLen)
	copy(buf, prefix)
	binary.LittleEndian.PutUint32(buf[21:25], crc)
	copy(buf[25:33], MagicEnd)
	return buf
}
