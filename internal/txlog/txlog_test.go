package txlog

import (
	"os"
	"path/filepath"
	"testing"
)

func openFresh(t *testing.T) (*LogFile, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.lattice")
	lf, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { lf.Close() })
	return lf, path
}

func TestOpenFreshFileReservesOID1(t *testing.T) {
	lf, _ := openFresh(t)
	if oid := lf.NewOID(); oid != 2 {
		t.Fatalf("first NewOID() on a fresh file = %d, want 2 (OID 1 is reserved)", oid)
	}
}

func TestCommitAppendsAndAdvancesTxCount(t *testing.T) {
	lf, _ := openFresh(t)
	wh, err := lf.TxBeginWrite()
	if err != nil {
		t.Fatalf("TxBeginWrite: %v", err)
	}
	if _, err := wh.AppendObject(2, 1, []byte("hello")); err != nil {
		t.Fatalf("AppendObject: %v", err)
	}
	txID, err := wh.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if txID != 1 {
		t.Fatalf("txID = %d, want 1", txID)
	}
	if lf.TxCount() != 1 {
		t.Fatalf("TxCount() = %d, want 1", lf.TxCount())
	}
}

func TestAbortWritesNothing(t *testing.T) {
	lf, _ := openFresh(t)
	wh, err := lf.TxBeginWrite()
	if err != nil {
		t.Fatalf("TxBeginWrite: %v", err)
	}
	wh.AppendObject(2, 1, []byte("never committed"))
	if err := wh.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if lf.TxCount() != 0 {
		t.Fatalf("TxCount() after abort = %d, want 0", lf.TxCount())
	}
}

func TestRecordFailureTransactionHasZeroObjects(t *testing.T) {
	lf, _ := openFresh(t)
	wh, err := lf.TxBeginWrite()
	if err != nil {
		t.Fatalf("TxBeginWrite: %v", err)
	}
	if _, err := wh.Commit(); err != nil {
		t.Fatalf("Commit with no appends: %v", err)
	}
	if lf.TxCount() != 1 {
		t.Fatalf("TxCount() = %d, want 1 (the empty transaction still counts)", lf.TxCount())
	}
}

func TestLoadObjectFindsLatestVersion(t *testing.T) {
	lf, _ := openFresh(t)

	wh, _ := lf.TxBeginWrite()
	wh.AppendObject(2, 1, []byte("v1"))
	wh.Commit()

	wh, _ = lf.TxBeginWrite()
	wh.AppendObject(2, 2, []byte("v2"))
	wh.Commit()

	data, serial, found, err := lf.LoadObject(2)
	if err != nil {
		t.Fatalf("LoadObject: %v", err)
	}
	if !found {
		t.Fatal("LoadObject should find the object")
	}
	if string(data) != "v2" || serial != 2 {
		t.Fatalf("LoadObject = %q,%d, want v2,2", data, serial)
	}
}

func TestLoadObjectNotFound(t *testing.T) {
	lf, _ := openFresh(t)
	_, _, found, err := lf.LoadObject(999)
	if err != nil {
		t.Fatalf("LoadObject: %v", err)
	}
	if found {
		t.Fatal("LoadObject should report not-found for an unwritten OID")
	}
}

func TestReopenRecoversNextOIDAndTrailers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lattice")
	lf, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	oid := lf.NewOID()
	wh, _ := lf.TxBeginWrite()
	wh.AppendObject(oid, 1, []byte("payload"))
	wh.Commit()
	lf.Close()

	lf2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer lf2.Close()

	if lf2.TxCount() != 1 {
		t.Fatalf("TxCount() after reopen = %d, want 1", lf2.TxCount())
	}
	if next := lf2.NewOID(); next <= oid {
		t.Fatalf("NewOID() after reopen = %d, want something greater than %d", next, oid)
	}
	data, _, found, err := lf2.LoadObject(oid)
	if err != nil || !found || string(data) != "payload" {
		t.Fatalf("LoadObject after reopen = %q,%v,%v, want payload,true,nil", data, found, err)
	}
}

func TestRecoveryTruncatesTrailingPartialTransaction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lattice")
	lf, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	wh, _ := lf.TxBeginWrite()
	wh.AppendObject(2, 1, []byte("good"))
	wh.Commit()
	goodSize, err := fileSize(path)
	if err != nil {
		t.Fatal(err)
	}
	lf.Close()

	// Simulate a crash mid-write: append a stray OBJ record with no trailer.
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		t.Fatal(err)
	}
	garbage := marshalObjFrame(3, 1, []byte("partial"))
	if _, err := f.WriteAt(garbage, goodSize); err != nil {
		t.Fatal(err)
	}
	f.Close()

	lf2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen after simulated crash: %v", err)
	}
	defer lf2.Close()

	if lf2.TxCount() != 1 {
		t.Fatalf("TxCount() after recovery = %d, want 1 (the partial transaction must be discarded)", lf2.TxCount())
	}
	size, err := fileSize(path)
	if err != nil {
		t.Fatal(err)
	}
	if size != goodSize {
		t.Fatalf("file size after recovery = %d, want truncated back to %d", size, goodSize)
	}
}

func TestTxCatchUpYieldsTransactionsCommittedByAnotherHandle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lattice")
	writer, err := Open(path)
	if err != nil {
		t.Fatalf("Open writer: %v", err)
	}
	defer writer.Close()

	reader, err := Open(path)
	if err != nil {
		t.Fatalf("Open reader: %v", err)
	}
	defer reader.Close()

	wh, _ := writer.TxBeginWrite()
	wh.AppendObject(2, 1, []byte("hi"))
	wh.Commit()

	txs, err := reader.TxCatchUp(0)
	if err != nil {
		t.Fatalf("TxCatchUp: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("TxCatchUp returned %d transactions, want 1", len(txs))
	}
	if len(txs[0].Objs) != 1 || txs[0].Objs[0].OID != 2 {
		t.Fatalf("TxCatchUp objs = %+v, want one record for OID 2", txs[0].Objs)
	}
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
