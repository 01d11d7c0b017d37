package token

import (
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-registry/internal/registryerr"
	"github.com/Klingon-tech/klingnet-registry/internal/storage"
	"github.com/google/uuid"
)

func TestStore_PutGetHas(t *testing.T) {
	store := NewStore(storage.NewMemory())
	tok := newIncomeStream(t, "P1", "alice")

	has, err := store.Has(tok.ID)
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if has {
		t.Fatal("expected Has=false before Put")
	}

	if err := store.Put(tok); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if has, _ := store.Has(tok.ID); !has {
		t.Fatal("expected Has=true after Put")
	}

	got, err := store.Get(tok.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != tok.ID || got.ParentID != "P1" || got.Owner != "alice" {
		t.Errorf("Get = %+v, want id/parent/owner of %+v", got, tok)
	}
	if !got.FaceValue.Equal(tok.FaceValue) {
		t.Errorf("FaceValue = %s, want %s", got.FaceValue, tok.FaceValue)
	}
	if got.IncomeStream == nil || got.IncomeStream.Frequency != FrequencyMonthly {
		t.Errorf("IncomeStream terms lost: %+v", got.IncomeStream)
	}
	if Hash(got) != Hash(tok) {
		t.Error("stored token hashes differently")
	}
}

func TestStore_Get_NotFound(t *testing.T) {
	store := NewStore(storage.NewMemory())
	_, err := store.Get(uuid.New())
	if !errors.Is(err, registryerr.ErrNotFound) {
		t.Fatalf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestStore_Unavailable(t *testing.T) {
	db := storage.NewMemory()
	store := NewStore(db)
	db.Close()

	err := store.Put(newIncomeStream(t, "P1", "alice"))
	if !errors.Is(err, registryerr.ErrStorageUnavailable) {
		t.Fatalf("Put on closed store = %v, want ErrStorageUnavailable", err)
	}
	if !registryerr.Retryable(err) {
		t.Error("storage failure should be retryable")
	}
	if _, err := store.Get(uuid.New()); !errors.Is(err, registryerr.ErrStorageUnavailable) {
		t.Errorf("Get on closed store = %v, want ErrStorageUnavailable", err)
	}
}

func TestStore_ListAndParentIndex(t *testing.T) {
	store := NewStore(storage.NewMemory())

	empty, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected 0 tokens, got %d", len(empty))
	}

	p1 := map[uuid.UUID]bool{}
	for i := 0; i < 3; i++ {
		tok := newIncomeStream(t, "P1", "alice")
		p1[tok.ID] = true
		if err := store.Put(tok); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	// "P10" shares a prefix with "P1" and must not leak into its index.
	if err := store.Put(newIncomeStream(t, "P10", "bob")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	all, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("List returned %d tokens, want 4", len(all))
	}

	ids, err := store.IDsByParent("P1")
	if err != nil {
		t.Fatalf("IDsByParent: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("IDsByParent(P1) = %d ids, want 3", len(ids))
	}
	for _, id := range ids {
		if !p1[id] {
			t.Errorf("unexpected id %s under P1", id)
		}
	}
}

func TestStore_PutOverwrites(t *testing.T) {
	store := NewStore(storage.NewMemory())
	tok := newIncomeStream(t, "P1", "alice")
	store.Put(tok)

	upd := tok.Clone()
	upd.Status = StatusActive
	if err := store.Put(upd); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, _ := store.Get(tok.ID)
	if got.Status != StatusActive {
		t.Errorf("Status = %s, want Active", got.Status)
	}
	ids, _ := store.IDsByParent("P1")
	if len(ids) != 1 {
		t.Errorf("parent index has %d entries after overwrite, want 1", len(ids))
	}
}

func TestStore_Badger(t *testing.T) {
	db, err := storage.NewBadger(t.TempDir())
	if err != nil {
		t.Fatalf("NewBadger: %v", err)
	}
	defer db.Close()

	store := NewStore(db)
	tok := newIncomeStream(t, "P1", "alice")
	if err := store.Put(tok); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := store.Get(tok.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if Hash(got) != Hash(tok) {
		t.Error("badger round trip changed the token hash")
	}
}

func TestStore_RebuildIndex(t *testing.T) {
	db := storage.NewMemory()
	store := NewStore(db)
	tok := newIncomeStream(t, "P1", "alice")
	if err := store.Put(tok); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// A dangling index entry and a missing one.
	stray := uuid.New()
	db.Put(parentKey("P9", stray), nil)
	db.Delete(parentKey("P1", tok.ID))
	if parents, _ := store.IndexedParents(); len(parents) != 1 || parents[0] != "P9" {
		t.Errorf("IndexedParents before rebuild = %v, want [P9]", parents)
	}

	n, err := store.RebuildIndex()
	if err != nil {
		t.Fatalf("RebuildIndex: %v", err)
	}
	if n != 1 {
		t.Errorf("RebuildIndex indexed %d tokens, want 1", n)
	}
	if ids, _ := store.IDsByParent("P1"); len(ids) != 1 || ids[0] != tok.ID {
		t.Errorf("IDsByParent(P1) = %v, want [%s]", ids, tok.ID)
	}
	if ids, _ := store.IDsByParent("P9"); len(ids) != 0 {
		t.Errorf("stale index entry survived: %v", ids)
	}
	if parents, _ := store.IndexedParents(); len(parents) != 1 || parents[0] != "P1" {
		t.Errorf("IndexedParents after rebuild = %v, want [P1]", parents)
	}
}

func TestStore_IndexedParents(t *testing.T) {
	store := NewStore(storage.NewMemory())
	for _, p := range []string{"P2", "P1", "P1", "P10"} {
		if err := store.Put(newIncomeStream(t, p, "alice")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	parents, err := store.IndexedParents()
	if err != nil {
		t.Fatalf("IndexedParents: %v", err)
	}
	want := []string{"P1", "P10", "P2"}
	if len(parents) != len(want) {
		t.Fatalf("IndexedParents = %v, want %v", parents, want)
	}
	for i := range want {
		if parents[i] != want[i] {
			t.Errorf("IndexedParents[%d] = %s, want %s", i, parents[i], want[i])
		}
	}
}
