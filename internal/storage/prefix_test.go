package storage

import (
	"errors"
	"fmt"
	"testing"
)

func TestPrefixDB(t *testing.T) {
	db := NewPrefixDB(NewMemory(), []byte("tokens/"))
	testDB(t, db)
}

func TestPrefixDB_Isolation(t *testing.T) {
	inner := NewMemory()
	tokens := NewPrefixDB(inner, []byte("tokens/"))
	versions := NewPrefixDB(inner, []byte("versions/"))

	if err := tokens.Put([]byte("key"), []byte("token")); err != nil {
		t.Fatal(err)
	}
	if err := versions.Put([]byte("key"), []byte("version")); err != nil {
		t.Fatal(err)
	}

	got, err := tokens.Get([]byte("key"))
	if err != nil || string(got) != "token" {
		t.Fatalf("tokens.Get = %q, %v; want %q", got, err, "token")
	}
	got, err = versions.Get([]byte("key"))
	if err != nil || string(got) != "version" {
		t.Fatalf("versions.Get = %q, %v; want %q", got, err, "version")
	}

	if ok, _ := tokens.Has([]byte("versions/key")); ok {
		t.Fatal("tokens namespace should not see raw versions key")
	}
	if _, err := inner.Get([]byte("tokens/key")); err != nil {
		t.Fatalf("inner should hold namespaced key: %v", err)
	}
}

func TestPrefixDB_ForEachStripsPrefix(t *testing.T) {
	db := NewPrefixDB(NewMemory(), []byte("pre/"))
	db.Put([]byte("t/1"), []byte("a"))
	db.Put([]byte("t/2"), []byte("b"))
	db.Put([]byte("x/3"), []byte("c"))

	var keys []string
	err := db.ForEach([]byte("t/"), func(key, _ []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	if err != nil {
		t.Fatalf("ForEach: %v", err)
	}
	if len(keys) != 2 || keys[0] != "t/1" || keys[1] != "t/2" {
		t.Fatalf("ForEach keys = %v, want [t/1 t/2]", keys)
	}
}

func TestPrefixDB_ForEachStopEarly(t *testing.T) {
	db := NewPrefixDB(NewMemory(), []byte("p/"))
	for i := 0; i < 10; i++ {
		db.Put([]byte(fmt.Sprintf("k%d", i)), []byte("v"))
	}

	count := 0
	stop := errors.New("stop")
	err := db.ForEach(nil, func(_, _ []byte) error {
		count++
		if count >= 3 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Fatalf("ForEach err = %v, want stop", err)
	}
	if count != 3 {
		t.Fatalf("ForEach called %d times, want 3", count)
	}
}

func TestPrefixDB_BatchIsNamespaced(t *testing.T) {
	inner := NewMemory()
	db := NewPrefixDB(inner, []byte("v/"))

	b := db.NewBatch()
	b.Put([]byte("a"), []byte("1"))
	b.Put([]byte("b"), []byte("2"))
	if err := b.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	for _, k := range []string{"v/a", "v/b"} {
		if ok, _ := inner.Has([]byte(k)); !ok {
			t.Errorf("inner missing %q", k)
		}
	}
}

func TestPrefixDB_DeleteAll(t *testing.T) {
	inner := NewMemory()
	dbA := NewPrefixDB(inner, []byte("a/"))
	dbB := NewPrefixDB(inner, []byte("b/"))

	dbA.Put([]byte("k1"), []byte("v1"))
	dbA.Put([]byte("k2"), []byte("v2"))
	dbB.Put([]byte("k1"), []byte("other"))

	if err := dbA.DeleteAll(); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	for _, k := range []string{"k1", "k2"} {
		if ok, _ := dbA.Has([]byte(k)); ok {
			t.Fatalf("A still has %q after DeleteAll", k)
		}
	}
	got, err := dbB.Get([]byte("k1"))
	if err != nil || string(got) != "other" {
		t.Fatalf("B.Get = %q, %v; want %q", got, err, "other")
	}

	empty := NewPrefixDB(inner, []byte("empty/"))
	if err := empty.DeleteAll(); err != nil {
		t.Fatalf("DeleteAll on empty: %v", err)
	}
}

func TestPrefixDB_CloseIsNoop(t *testing.T) {
	inner := NewMemory()
	db := NewPrefixDB(inner, []byte("x/"))
	db.Put([]byte("key"), []byte("val"))

	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := inner.Get([]byte("x/key")); err != nil {
		t.Fatalf("inner.Get after Close: %v", err)
	}
}
