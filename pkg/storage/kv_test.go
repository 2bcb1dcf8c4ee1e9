package storage

import (
	"path/filepath"
	"testing"
)

type sample struct {
	Name  string
	Value int
}

func openTestStore(t *testing.T) *KVStore {
	t.Helper()
	s, err := OpenKVStore(filepath.Join(t.TempDir(), "kv"))
	if err != nil {
		t.Fatalf("OpenKVStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if err := s.Put("o", "order-1", sample{Name: "alice", Value: 42}, true); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var out sample
	ok, err := s.Get("o", "order-1", &out)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatalf("expected key to exist")
	}
	if out.Name != "alice" || out.Value != 42 {
		t.Fatalf("got %+v", out)
	}
}

func TestGetMissingKeyReturnsFalse(t *testing.T) {
	s := openTestStore(t)

	var out sample
	ok, err := s.Get("o", "missing", &out)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("expected missing key to report false")
	}
}

func TestDeleteRemovesKey(t *testing.T) {
	s := openTestStore(t)
	s.Put("o", "order-1", sample{Name: "bob"}, true)

	if err := s.Delete("o", "order-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	var out sample
	ok, _ := s.Get("o", "order-1", &out)
	if ok {
		t.Fatalf("expected key to be gone after delete")
	}
}

func TestScanIteratesPrefixOnly(t *testing.T) {
	s := openTestStore(t)
	s.Put("o", "1", sample{Name: "a"}, true)
	s.Put("o", "2", sample{Name: "b"}, true)
	s.Put("f", "1", sample{Name: "fill"}, true)

	var ids []string
	err := s.Scan("o", func(id string, raw []byte) bool {
		ids = append(ids, id)
		return true
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 keys under prefix o, got %v", ids)
	}
}

func TestBatchCommitIsAtomic(t *testing.T) {
	s := openTestStore(t)
	b := s.NewBatch()
	b.Put("o", "1", sample{Name: "a"})
	b.Put("o", "2", sample{Name: "b"})
	if err := b.Commit(true); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	var out sample
	ok, _ := s.Get("o", "1", &out)
	if !ok {
		t.Fatalf("expected batched write to be visible")
	}
}
