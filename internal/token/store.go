package token

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-registry/internal/registryerr"
	"github.com/Klingon-tech/klingnet-registry/internal/storage"
	"github.com/google/uuid"
)

// Key layout:
//
//	t/<uuid>                 -> Token JSON
//	tp/<parent>\x00<uuid>    -> empty (parent index)
var (
	prefixToken  = []byte("t/")
	prefixParent = []byte("tp/")
)

// Store persists tokens. Every failure of the underlying DB surfaces as a
// StorageUnavailableError.
type Store struct {
	db storage.DB
}

// NewStore creates a token store over db.
func NewStore(db storage.DB) *Store {
	return &Store{db: db}
}

// Put writes a token and its parent index entry in one batch.
func (s *Store) Put(t *Token) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("token marshal: %w", err)
	}
	b := storage.NewBatch(s.db)
	if err := b.Put(tokenKey(t.ID), data); err != nil {
		return registryerr.StorageUnavailable("token put", err)
	}
	if err := b.Put(parentKey(t.ParentID, t.ID), nil); err != nil {
		return registryerr.StorageUnavailable("token put", err)
	}
	return registryerr.StorageUnavailable("token put", b.Commit())
}

// Get loads a token. A missing token yields a NotFoundError.
func (s *Store) Get(id uuid.UUID) (*Token, error) {
	data, err := s.db.Get(tokenKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, registryerr.NotFound("token", id.String())
	}
	if err != nil {
		return nil, registryerr.StorageUnavailable("token get", err)
	}
	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("token %s unmarshal: %w", id, err)
	}
	return &t, nil
}

// Has checks whether a token is stored.
func (s *Store) Has(id uuid.UUID) (bool, error) {
	ok, err := s.db.Has(tokenKey(id))
	if err != nil {
		return false, registryerr.StorageUnavailable("token has", err)
	}
	return ok, nil
}

// ForEach iterates over all stored tokens in id order.
// Return a non-nil error from fn to stop iteration early.
func (s *Store) ForEach(fn func(*Token) error) error {
	var cbErr error
	err := s.db.ForEach(prefixToken, func(key, value []byte) error {
		var t Token
		if err := json.Unmarshal(value, &t); err != nil {
			return fmt.Errorf("token %s unmarshal: %w", key[len(prefixToken):], err)
		}
		if err := fn(&t); err != nil {
			cbErr = err
			return err
		}
		return nil
	})
	if err != nil && cbErr == nil {
		return registryerr.StorageUnavailable("token scan", err)
	}
	return err
}

// IDsByParent returns the ids of every stored token under parentID.
func (s *Store) IDsByParent(parentID string) ([]uuid.UUID, error) {
	prefix := parentPrefix(parentID)
	var ids []uuid.UUID
	err := s.db.ForEach(prefix, func(key, _ []byte) error {
		id, err := uuid.Parse(string(key[len(prefix):]))
		if err != nil {
			return nil // Malformed key, skip.
		}
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return nil, registryerr.StorageUnavailable("token parent scan", err)
	}
	return ids, nil
}

// IndexedParents returns every parent id present in the parent index, in
// key order.
func (s *Store) IndexedParents() ([]string, error) {
	var parents []string
	err := s.db.ForEach(prefixParent, func(key, _ []byte) error {
		rest := key[len(prefixParent):]
		i := bytes.IndexByte(rest, 0)
		if i < 0 {
			return nil // Malformed key, skip.
		}
		if p := string(rest[:i]); len(parents) == 0 || parents[len(parents)-1] != p {
			parents = append(parents, p)
		}
		return nil
	})
	if err != nil {
		return nil, registryerr.StorageUnavailable("token parent scan", err)
	}
	return parents, nil
}

// List returns every stored token.
func (s *Store) List() ([]*Token, error) {
	tokens := []*Token{}
	err := s.ForEach(func(t *Token) error {
		tokens = append(tokens, t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

// RebuildIndex drops the parent index and rewrites it from the stored
// tokens. It returns the number of tokens indexed.
func (s *Store) RebuildIndex() (int, error) {
	var stale [][]byte
	err := s.db.ForEach(prefixParent, func(key, _ []byte) error {
		stale = append(stale, append([]byte{}, key...))
		return nil
	})
	if err != nil {
		return 0, registryerr.StorageUnavailable("token index scan", err)
	}

	b := storage.NewBatch(s.db)
	for _, key := range stale {
		if err := b.Delete(key); err != nil {
			return 0, registryerr.StorageUnavailable("token index drop", err)
		}
	}
	n := 0
	err = s.ForEach(func(t *Token) error {
		n++
		return b.Put(parentKey(t.ParentID, t.ID), nil)
	})
	if err != nil {
		return 0, err
	}
	if err := b.Commit(); err != nil {
		return 0, registryerr.StorageUnavailable("token index rebuild", err)
	}
	return n, nil
}

func tokenKey(id uuid.UUID) []byte {
	return append(append([]byte{}, prefixToken...), id.String()...)
}

func parentPrefix(parentID string) []byte {
	key := append(append([]byte{}, prefixParent...), parentID...)
	return append(key, 0)
}

func parentKey(parentID string, id uuid.UUID) []byte {
	return append(parentPrefix(parentID), id.String()...)
}
