package lattice

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.lattice")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenStampsDistinctInstanceIDs(t *testing.T) {
	db1 := openTestDB(t)
	db2 := openTestDB(t)
	if db1.InstanceID() == "" || db2.InstanceID() == "" {
		t.Fatal("InstanceID() should never be empty")
	}
	if db1.InstanceID() == db2.InstanceID() {
		t.Fatal("two independently opened databases must get distinct instance ids")
	}
}

func TestElectAndRootRoundTrip(t *testing.T) {
	db := openTestDB(t)
	s := db.Session()

	obj := s.New(map[string]any{"name": "widget"})
	if err := db.Elect(s, obj); err != nil {
		t.Fatalf("Elect: %v", err)
	}
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	s2 := db.Session()
	root, err := db.Root(s2)
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	if root == nil {
		t.Fatal("Root should return the elected object")
	}
	name, ok, err := s2.Get(root, "name")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || name != "widget" {
		t.Fatalf("Get(name) = %v,%v, want widget,true", name, ok)
	}
}

func TestRootIsNilBeforeAnyElection(t *testing.T) {
	db := openTestDB(t)
	s := db.Session()
	root, err := db.Root(s)
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	if root != nil {
		t.Fatal("Root on a fresh database should be nil")
	}
}

func TestSetWithoutCheckoutFails(t *testing.T) {
	db := openTestDB(t)
	s := db.Session()
	obj := s.New(map[string]any{"n": 1})
	if err := db.Elect(s, obj); err != nil {
		t.Fatalf("Elect: %v", err)
	}
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	s2 := db.Session()
	root, err := db.Root(s2)
	if err != nil || root == nil {
		t.Fatalf("Root: %v, %v", root, err)
	}
	if err := s2.Set(root, "n", 2); err == nil {
		t.Fatal("Set without Checkout should fail with a ReadOnlyError")
	} else if _, ok := err.(*ReadOnlyError); !ok {
		t.Fatalf("Set error = %T, want *ReadOnlyError", err)
	}
}

func TestCheckoutSetCommitPersistsAcrossSessions(t *testing.T) {
	db := openTestDB(t)
	s := db.Session()
	obj := s.New(map[string]any{"count": 1})
	db.Elect(s, obj)
	s.Commit()

	s2 := db.Session()
	root, _ := db.Root(s2)
	if err := s2.Checkout(root); err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if err := s2.Set(root, "count", 2); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s2.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	s3 := db.Session()
	root3, _ := db.Root(s3)
	v, ok, err := s3.Get(root3, "count")
	if err != nil || !ok || v != 2 {
		t.Fatalf("Get(count) = %v,%v,%v, want 2,true,nil", v, ok, err)
	}
}

func TestConcurrentWriteConflictWithoutResolver(t *testing.T) {
	db := openTestDB(t)
	s := db.Session()
	obj := s.New(map[string]any{"x": 1})
	db.Elect(s, obj)
	s.Commit()

	s1 := db.Session()
	s2 := db.Session()
	r1, _ := db.Root(s1)
	r2, _ := db.Root(s2)

	s1.Checkout(r1)
	s2.Checkout(r2)
	s1.Set(r1, "x", 2)
	s2.Set(r2, "x", 3)

	if err := s1.Commit(); err != nil {
		t.Fatalf("s1 commit should succeed: %v", err)
	}
	err := s2.Commit()
	if err == nil {
		t.Fatal("s2 commit should fail with a write conflict")
	}
	if _, ok := err.(*WriteConflictError); !ok {
		t.Fatalf("s2 commit error = %T, want *WriteConflictError", err)
	}
}

type sumResolver struct{}

func (sumResolver) ResolveConflict(old, saved, neu map[string]any) (map[string]any, error) {
	o, _ := old["n"].(int)
	sv, _ := saved["n"].(int)
	nv, _ := neu["n"].(int)
	return map[string]any{"n": sv + (nv - o)}, nil
}

func TestConflictResolverReconcilesConcurrentWrites(t *testing.T) {
	db := openTestDB(t)
	s := db.Session()
	counter := s.New(map[string]any{"n": 10})
	counter.SetConflictResolver(sumResolver{})
	db.Elect(s, counter)
	s.Commit()

	s1 := db.Session()
	s2 := db.Session()
	r1, _ := db.Root(s1)
	r2, _ := db.Root(s2)
	s1.Checkout(r1)
	s2.Checkout(r2)
	s1.Set(r1, "n", 15)
	s2.Set(r2, "n", 13)

	if err := s1.Commit(); err != nil {
		t.Fatalf("s1 commit: %v", err)
	}
	if err := s2.Commit(); err != nil {
		t.Fatalf("s2 commit should be resolved, not fail: %v", err)
	}

	s3 := db.Session()
	r3, _ := db.Root(s3)
	v, _, _ := s3.Get(r3, "n")
	if v != 18 {
		t.Fatalf("resolved n = %v, want 18", v)
	}
}

func TestObjectGraphErrorOnUnreachableNewObject(t *testing.T) {
	db := openTestDB(t)
	s := db.Session()
	root := s.New(map[string]any{})
	db.Elect(s, root)
	s.Commit()

	s2 := db.Session()
	r, _ := db.Root(s2)
	dangling := db.New(map[string]any{"x": 1}) // never registered in this session's writes
	if err := s2.Checkout(r); err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if err := s2.Set(r, "child", dangling); err != nil {
		t.Fatalf("Set: %v", err)
	}
	// dangling was created via db.New directly (bypassing s2.New), but it
	// was never Checked-out/Set by s2, so it still has no OID at commit time.
	err := s2.Commit()
	if err == nil {
		t.Fatal("commit referencing a never-checked-out new object should fail")
	}
	if _, ok := err.(*ObjectGraphError); !ok {
		t.Fatalf("commit error = %T, want *ObjectGraphError", err)
	}
}

func TestAbortDiscardsPendingWrites(t *testing.T) {
	db := openTestDB(t)
	s := db.Session()
	obj := s.New(map[string]any{"x": 1})
	db.Elect(s, obj)
	s.Commit()

	before := db.TxCount()

	s2 := db.Session()
	r, _ := db.Root(s2)
	s2.Checkout(r)
	s2.Set(r, "x", 999)
	s2.Abort()

	if db.TxCount() != before {
		t.Fatalf("TxCount() after Abort = %d, want unchanged %d", db.TxCount(), before)
	}

	s3 := db.Session()
	r3, _ := db.Root(s3)
	v, _, _ := s3.Get(r3, "x")
	if v != 1 {
		t.Fatalf("value after Abort = %v, want unchanged 1", v)
	}
}

func TestReferencedObjectGraphPersistsAndResolves(t *testing.T) {
	db := openTestDB(t)
	s := db.Session()
	child := s.New(map[string]any{"leaf": true})
	parent := s.New(map[string]any{"child": child})
	if err := s.Checkout(child); err != nil {
		t.Fatalf("Checkout(child): %v", err)
	}
	db.Elect(s, parent)
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if child.OID() == 0 || parent.OID() == 0 {
		t.Fatal("both objects should have OIDs after commit")
	}

	s2 := db.Session()
	p, _ := db.Root(s2)
	v, ok, err := s2.Get(p, "child")
	if err != nil || !ok {
		t.Fatalf("Get(child): %v, %v", ok, err)
	}
	c, ok := v.(*Persistent)
	if !ok {
		t.Fatalf("child reference decoded as %T, want *Persistent", v)
	}
	leaf, ok, err := s2.Get(c, "leaf")
	if err != nil || !ok || leaf != true {
		t.Fatalf("Get(leaf) = %v,%v,%v, want true,true,nil", leaf, ok, err)
	}
}

func TestBlobAttributeRoundTrip(t *testing.T) {
	db := openTestDB(t)
	s := db.Session()

	b := NewBlob()
	b.Write([]byte("hello blob"))
	obj := s.New(map[string]any{"stream": b})
	db.Elect(s, obj)
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	s2 := db.Session()
	root, _ := db.Root(s2)
	v, ok, err := s2.Get(root, "stream")
	if err != nil || !ok {
		t.Fatalf("Get(stream): %v, %v", ok, err)
	}
	got, ok := v.(*Blob)
	if !ok {
		t.Fatalf("stream decoded as %T, want *Blob", v)
	}
	data, err := got.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if string(data) != "hello blob" {
		t.Fatalf("blob bytes = %q, want %q", data, "hello blob")
	}
}

func TestSnapshotCompactsIntoFreshFileWithSameValues(t *testing.T) {
	db := openTestDB(t)
	s := db.Session()
	child := s.New(map[string]any{"leaf": 1})
	parent := s.New(map[string]any{"child": child, "name": "root-v1"})
	if err := s.Checkout(child); err != nil {
		t.Fatalf("Checkout(child): %v", err)
	}
	db.Elect(s, parent)
	s.Commit()

	// Supersede the root's attributes so the snapshot must carry only the
	// latest version forward.
	s2 := db.Session()
	root2, _ := db.Root(s2)
	s2.Checkout(root2)
	s2.Set(root2, "name", "root-v2")
	s2.Commit()

	targetPath := filepath.Join(t.TempDir(), "out.snapshot")
	if err := db.Snapshot(targetPath); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if _, err := os.Stat(targetPath); err != nil {
		t.Fatalf("snapshot file missing: %v", err)
	}

	snap, err := Open(targetPath)
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	defer snap.Close()

	ss := snap.Session()
	sroot, err := snap.Root(ss)
	if err != nil || sroot == nil {
		t.Fatalf("snapshot Root: %v, %v", sroot, err)
	}
	name, ok, err := ss.Get(sroot, "name")
	if err != nil || !ok || name != "root-v2" {
		t.Fatalf("snapshot root name = %v,%v,%v, want root-v2,true,nil", name, ok, err)
	}
	v, ok, err := ss.Get(sroot, "child")
	if err != nil || !ok {
		t.Fatalf("snapshot root child: %v, %v", ok, err)
	}
	c, ok := v.(*Persistent)
	if !ok {
		t.Fatalf("snapshot child decoded as %T, want *Persistent", v)
	}
	leaf, ok, err := ss.Get(c, "leaf")
	if err != nil || !ok || leaf != 1 {
		t.Fatalf("snapshot child leaf = %v,%v,%v, want 1,true,nil", leaf, ok, err)
	}
	if snap.TxCount() != 1 {
		t.Fatalf("snapshot TxCount() = %d, want 1 (one collapsed transaction)", snap.TxCount())
	}
}

func TestLoadConfigParsesYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	content := "path: " + filepath.Join(dir, "db.lattice") + "\nsnapshot_interval: 1h\nsnapshot_path: " + filepath.Join(dir, "out.snap") + "\n"
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Path == "" || cfg.SnapshotPath == "" {
		t.Fatalf("LoadConfig produced an incomplete Config: %+v", cfg)
	}
}

func TestLoadConfigMissingFileFails(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("LoadConfig should fail for a missing file")
	}
}

func TestConcurrentSessionsFromMultipleGoroutines(t *testing.T) {
	db := openTestDB(t)
	s := db.Session()
	obj := s.New(map[string]any{"n": 0})
	obj.SetConflictResolver(sumResolver{})
	db.Elect(s, obj)
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			gs := db.Session()
			r, err := db.Root(gs)
			if err != nil {
				errs[i] = err
				return
			}
			if err := gs.Checkout(r); err != nil {
				errs[i] = err
				return
			}
			v, _, err := gs.Get(r, "n")
			if err != nil {
				errs[i] = err
				return
			}
			cur, _ := v.(int)
			if err := gs.Set(r, "n", cur+1); err != nil {
				errs[i] = err
				return
			}
			errs[i] = gs.Commit()
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("goroutine %d: %v", i, err)
		}
	}

	final := db.Session()
	r, _ := db.Root(final)
	v, _, _ := final.Get(r, "n")
	if v != n {
		t.Fatalf("final n = %v, want %d (every increment resolved, none lost)", v, n)
	}
}
