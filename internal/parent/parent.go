// Package parent tracks the primary tokens secondary tokens derive from.
//
// It answers the two questions asked when a child is created (does the
// parent exist, is it retired) and owns the retirement workflow, which
// refuses to retire a parent while any of its children are Active.
package parent

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-registry/internal/log"
	"github.com/Klingon-tech/klingnet-registry/internal/registryerr"
	"github.com/Klingon-tech/klingnet-registry/internal/storage"
	"github.com/Klingon-tech/klingnet-registry/pkg/types"
)

// Status is a primary token state.
type Status string

const (
	StatusActive  Status = "Active"
	StatusRetired Status = "Retired"
)

// Parent is a primary token record.
type Parent struct {
	ID           string     `json:"parent_token_id"`
	Owner        string     `json:"owner,omitempty"`
	Status       Status     `json:"status"`
	RegisteredAt time.Time  `json:"registered_at"`
	RetiredAt    time.Time  `json:"retired_at,omitzero"`
	AttestedRoot types.Hash `json:"attested_root"`
}

// Directory is the inbound contract child creation checks against.
type Directory interface {
	DoesParentExist(parentID string) (bool, error)
	IsParentRetired(parentID string) (bool, error)
}

// ActiveCounter reports how many children of a parent are Active.
type ActiveCounter interface {
	CountActiveByParent(parentID string) uint64
}

var prefixParent = []byte("p/")

const maxIDLen = 128

// Store persists parents and implements Directory.
type Store struct {
	mu       sync.Mutex // Serialises Register, Retire and SetAttestedRoot.
	db       storage.DB
	children ActiveCounter
	now      func() time.Time
}

// NewStore creates a parent store. children gates retirement.
func NewStore(db storage.DB, children ActiveCounter) *Store {
	return &Store{
		db:       db,
		children: children,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func parentKey(id string) []byte {
	return append(append([]byte{}, prefixParent...), id...)
}

func checkID(id string) error {
	if id == "" {
		return registryerr.Validation("parent_token_id", "must be set")
	}
	if len(id) > maxIDLen {
		return registryerr.Validation("parent_token_id", "longer than %d bytes", maxIDLen)
	}
	return nil
}

// Register records a new Active parent.
func (s *Store) Register(id, owner string) (*Parent, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.db.Has(parentKey(id))
	if err != nil {
		return nil, registryerr.StorageUnavailable("parent has", err)
	}
	if ok {
		return nil, &registryerr.DuplicateTokenError{ID: id}
	}
	p := &Parent{ID: id, Owner: owner, Status: StatusActive, RegisteredAt: s.now()}
	if err := s.put(p); err != nil {
		return nil, err
	}
	log.Parent.Info().Str("parent_token_id", id).Msg("Parent registered")
	return p, nil
}

// Get loads a parent. A missing parent yields a NotFoundError.
func (s *Store) Get(id string) (*Parent, error) {
	data, err := s.db.Get(parentKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, registryerr.NotFound("parent", id)
	}
	if err != nil {
		return nil, registryerr.StorageUnavailable("parent get", err)
	}
	var p Parent
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parent %s unmarshal: %w", id, err)
	}
	return &p, nil
}

func (s *Store) put(p *Parent) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("parent marshal: %w", err)
	}
	return registryerr.StorageUnavailable("parent put", s.db.Put(parentKey(p.ID), data))
}

// List returns every parent in id order.
func (s *Store) List() ([]*Parent, error) {
	parents := []*Parent{}
	err := s.db.ForEach(prefixParent, func(key, value []byte) error {
		var p Parent
		if err := json.Unmarshal(value, &p); err != nil {
			return fmt.Errorf("parent %s unmarshal: %w", key[len(prefixParent):], err)
		}
		parents = append(parents, &p)
		return nil
	})
	if err != nil {
		return nil, registryerr.StorageUnavailable("parent scan", err)
	}
	return parents, nil
}

// DoesParentExist reports whether id is a registered parent.
func (s *Store) DoesParentExist(id string) (bool, error) {
	ok, err := s.db.Has(parentKey(id))
	if err != nil {
		return false, registryerr.StorageUnavailable("parent has", err)
	}
	return ok, nil
}

// IsParentRetired reports whether id has been retired. Unknown parents
// are not retired.
func (s *Store) IsParentRetired(id string) (bool, error) {
	p, err := s.Get(id)
	if errors.Is(err, registryerr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.Status == StatusRetired, nil
}

// Retire marks a parent retired. It fails closed with a
// CascadeViolationError while any child is Active.
func (s *Store) Retire(id string) (*Parent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if p.Status == StatusRetired {
		return nil, registryerr.InvalidTransition("parent", id, string(p.Status), string(StatusRetired))
	}
	if n := s.children.CountActiveByParent(id); n > 0 {
		log.Parent.Warn().
			Str("parent_token_id", id).
			Uint64("active", n).
			Msg("Retirement refused, parent has active children")
		return nil, &registryerr.CascadeViolationError{ParentID: id, ActiveTokens: int(n)}
	}

	p.Status = StatusRetired
	p.RetiredAt = s.now()
	if err := s.put(p); err != nil {
		return nil, err
	}
	log.Parent.Info().Str("parent_token_id", id).Msg("Parent retired")
	return p, nil
}

// SetAttestedRoot records the merkle root the parent attested for its own
// state. Composite proofs are checked against it.
func (s *Store) SetAttestedRoot(id string, root types.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.Get(id)
	if err != nil {
		return err
	}
	p.AttestedRoot = root
	return s.put(p)
}

// AttestedRoot returns the attested root of id, if any.
func (s *Store) AttestedRoot(id string) (types.Hash, bool) {
	p, err := s.Get(id)
	if err != nil || p.AttestedRoot.IsZero() {
		return types.Hash{}, false
	}
	return p.AttestedRoot, true
}
