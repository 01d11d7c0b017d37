// Package registry is the concurrent multi-index store of token entries.
//
// One primary index (by id) and four secondary indices (parent, owner,
// type, status) expose consistent views over the same entry set, plus a
// per-parent count of Active entries used to gate parent retirement.
//
// The primary index is sharded by token id and each secondary index is
// striped by its key. A mutation write-locks its primary shard and then
// every stripe it touches, in a fixed order, before changing anything, and
// releases them only after all views agree again. Readers take a single
// read lock, so no reader observes a torn update.
package registry

import (
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Klingon-tech/klingnet-registry/internal/log"
	"github.com/Klingon-tech/klingnet-registry/internal/metrics"
	"github.com/Klingon-tech/klingnet-registry/internal/registryerr"
	"github.com/Klingon-tech/klingnet-registry/internal/token"
	"github.com/google/uuid"
)

// Defaults used when Config leaves a field at zero.
const (
	DefaultShards  = 32
	DefaultStripes = 32
)

// Config sizes the lock partitions.
type Config struct {
	Shards  int
	Stripes int
	Metrics *metrics.Metrics
}

// Secondary index identifiers, in lock order.
const (
	idxParent = iota
	idxOwner
	idxType
	idxStatus
	numIndices
)

var indexNames = [numIndices]string{"parent", "owner", "type", "status"}

type shard struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*Entry
}

type stripe struct {
	mu   sync.RWMutex
	sets map[string]map[uuid.UUID]*Entry
	// active counts Active entries per key; only used by the parent index.
	active map[string]int
}

// Registry holds token entries. The zero value is not usable; call New.
type Registry struct {
	shards  []*shard
	indices [numIndices][]*stripe
	size    atomic.Int64
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}
	if cfg.Stripes <= 0 {
		cfg.Stripes = DefaultStripes
	}
	r := &Registry{
		shards:  make([]*shard, cfg.Shards),
		metrics: cfg.Metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[uuid.UUID]*Entry)}
	}
	for i := range r.indices {
		r.indices[i] = make([]*stripe, cfg.Stripes)
		for j := range r.indices[i] {
			r.indices[i][j] = &stripe{
				sets:   make(map[string]map[uuid.UUID]*Entry),
				active: make(map[string]int),
			}
		}
	}
	return r
}

func (r *Registry) shardFor(id uuid.UUID) *shard {
	h := fnv.New32a()
	h.Write(id[:])
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

func (r *Registry) stripeIndex(idx int, key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(r.indices[idx])))
}

func (r *Registry) stripeFor(idx int, key string) *stripe {
	return r.indices[idx][r.stripeIndex(idx, key)]
}

func indexKey(idx int, e *Entry) string {
	switch idx {
	case idxParent:
		return e.ParentID
	case idxOwner:
		return e.Owner
	case idxType:
		return string(e.Type)
	default:
		return string(e.Status)
	}
}

type stripeRef struct{ idx, n int }

// lockStripes write-locks every stripe holding old or next, in global
// order, and returns the unlock func. Either entry may be nil.
func (r *Registry) lockStripes(old, next *Entry) func() {
	seen := make(map[stripeRef]bool, 2*numIndices)
	refs := make([]stripeRef, 0, 2*numIndices)
	for idx := 0; idx < numIndices; idx++ {
		for _, e := range []*Entry{old, next} {
			if e == nil {
				continue
			}
			ref := stripeRef{idx, r.stripeIndex(idx, indexKey(idx, e))}
			if !seen[ref] {
				seen[ref] = true
				refs = append(refs, ref)
			}
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].idx != refs[j].idx {
			return refs[i].idx < refs[j].idx
		}
		return refs[i].n < refs[j].n
	})
	for _, ref := range refs {
		r.indices[ref.idx][ref.n].mu.Lock()
	}
	return func() {
		for i := len(refs) - 1; i >= 0; i-- {
			r.indices[refs[i].idx][refs[i].n].mu.Unlock()
		}
	}
}

// swap replaces old with next in every secondary index. Callers hold the
// primary shard lock and the stripes returned by lockStripes.
func (r *Registry) swap(old, next *Entry) {
	for idx := 0; idx < numIndices; idx++ {
		if old != nil {
			key := indexKey(idx, old)
			st := r.stripeFor(idx, key)
			if set := st.sets[key]; set != nil {
				delete(set, old.ID)
				if len(set) == 0 {
					delete(st.sets, key)
				}
			}
		}
		if next != nil {
			key := indexKey(idx, next)
			st := r.stripeFor(idx, key)
			set := st.sets[key]
			if set == nil {
				set = make(map[uuid.UUID]*Entry)
				st.sets[key] = set
			}
			set[next.ID] = next
		}
	}

	if old != nil && old.Status == token.StatusActive {
		st := r.stripeFor(idxParent, old.ParentID)
		st.active[old.ParentID]--
		if st.active[old.ParentID] <= 0 {
			delete(st.active, old.ParentID)
		}
	}
	if next != nil && next.Status == token.StatusActive {
		r.stripeFor(idxParent, next.ParentID).active[next.ParentID]++
	}
}

// Register inserts a token into all indices. It fails with a
// DuplicateTokenError if the id is already present.
func (r *Registry) Register(t *token.Token) (Entry, error) {
	if t == nil || t.ID == uuid.Nil {
		r.metrics.Registration("invalid")
		return Entry{}, registryerr.Validation("token_id", "must be set")
	}
	e := EntryFromToken(t)
	if err := r.insert(&e); err != nil {
		r.metrics.Registration("duplicate")
		return Entry{}, err
	}
	r.metrics.Registration("ok")
	r.metrics.SetEntries(r.Len())
	log.Registry.Debug().
		Str("token_id", e.ID.String()).
		Str("parent", e.ParentID).
		Str("status", string(e.Status)).
		Msg("Token registered")
	return e, nil
}

func (r *Registry) insert(e *Entry) error {
	sh := r.shardFor(e.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.entries[e.ID]; ok {
		return &registryerr.DuplicateTokenError{ID: e.ID.String()}
	}
	unlock := r.lockStripes(nil, e)
	sh.entries[e.ID] = e
	r.swap(nil, e)
	r.size.Add(1)
	unlock()
	return nil
}

// update applies fn to a copy of the entry for id and installs the result
// in every index.
func (r *Registry) update(id uuid.UUID, fn func(*Entry) error) (Entry, error) {
	sh := r.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	old, ok := sh.entries[id]
	if !ok {
		return Entry{}, registryerr.NotFound("token", id.String())
	}
	next := *old
	if err := fn(&next); err != nil {
		return Entry{}, err
	}
	next.Version = old.Version + 1
	next.UpdatedAt = r.now()

	unlock := r.lockStripes(old, &next)
	sh.entries[id] = &next
	r.swap(old, &next)
	unlock()
	return next, nil
}

// UpdateStatus sets the status of an entry. The registry does not enforce
// the lifecycle; that is the caller's job.
func (r *Registry) UpdateStatus(id uuid.UUID, status token.Status) (Entry, error) {
	if _, err := token.ParseStatus(string(status)); err != nil {
		return Entry{}, registryerr.Validation("status", "%v", err)
	}
	return r.update(id, func(e *Entry) error {
		e.Status = status
		return nil
	})
}

// UpdateOwner sets the owner of an entry.
func (r *Registry) UpdateOwner(id uuid.UUID, owner string) (Entry, error) {
	if owner == "" {
		return Entry{}, registryerr.Validation("owner", "must not be empty")
	}
	return r.update(id, func(e *Entry) error {
		e.Owner = owner
		return nil
	})
}

// Lookup returns the entry for id.
func (r *Registry) Lookup(id uuid.UUID) (Entry, bool) {
	sh := r.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (r *Registry) lookupIndex(idx int, key string) []Entry {
	st := r.stripeFor(idx, key)
	st.mu.RLock()
	set := st.sets[key]
	out := make([]Entry, 0, len(set))
	for _, e := range set {
		out = append(out, *e)
	}
	st.mu.RUnlock()
	sortEntries(out)
	return out
}

// LookupByParent returns every entry under parentID, ordered by id.
func (r *Registry) LookupByParent(parentID string) []Entry {
	return r.lookupIndex(idxParent, parentID)
}

// LookupByOwner returns every entry held by owner, ordered by id.
func (r *Registry) LookupByOwner(owner string) []Entry {
	return r.lookupIndex(idxOwner, owner)
}

// LookupByType returns every entry of the given type, ordered by id.
func (r *Registry) LookupByType(t token.Type) []Entry {
	return r.lookupIndex(idxType, string(t))
}

// LookupByStatus returns every entry in the given status, ordered by id.
func (r *Registry) LookupByStatus(s token.Status) []Entry {
	return r.lookupIndex(idxStatus, string(s))
}

// CountByParent returns the number of entries under parentID.
func (r *Registry) CountByParent(parentID string) uint64 {
	st := r.stripeFor(idxParent, parentID)
	st.mu.RLock()
	defer st.mu.RUnlock()
	return uint64(len(st.sets[parentID]))
}

// CountActiveByParent returns the number of Active entries under
// parentID. A parent must not be retired while this is nonzero.
func (r *Registry) CountActiveByParent(parentID string) uint64 {
	st := r.stripeFor(idxParent, parentID)
	st.mu.RLock()
	defer st.mu.RUnlock()
	return uint64(st.active[parentID])
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	return int(r.size.Load())
}

// Snapshot copies every entry accepted by keep (all entries when keep is
// nil), ordered by id. Shards are read one at a time, so the snapshot is
// per-entry consistent but not a global point in time.
func (r *Registry) Snapshot(keep func(Entry) bool) []Entry {
	var out []Entry
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, e := range sh.entries {
			if keep == nil || keep(*e) {
				out = append(out, *e)
			}
		}
		sh.mu.RUnlock()
	}
	sortEntries(out)
	return out
}

// Reset removes every entry.
func (r *Registry) Reset() {
	r.lockAll()
	defer r.unlockAll()
	for _, sh := range r.shards {
		sh.entries = make(map[uuid.UUID]*Entry)
	}
	for idx := range r.indices {
		for _, st := range r.indices[idx] {
			st.sets = make(map[string]map[uuid.UUID]*Entry)
			st.active = make(map[string]int)
		}
	}
	r.size.Store(0)
	r.metrics.SetEntries(0)
}

// Rebuild replaces the registry contents with the given tokens, as at
// startup from the durable token store.
func (r *Registry) Rebuild(tokens []*token.Token) (int, error) {
	r.Reset()
	for _, t := range tokens {
		e := EntryFromToken(t)
		if err := r.insert(&e); err != nil {
			return 0, err
		}
	}
	r.metrics.SetEntries(r.Len())
	log.Registry.Info().Int("entries", r.Len()).Msg("Registry rebuilt")
	return r.Len(), nil
}

func (r *Registry) lockAll() {
	for _, sh := range r.shards {
		sh.mu.Lock()
	}
	for idx := range r.indices {
		for _, st := range r.indices[idx] {
			st.mu.Lock()
		}
	}
}

func (r *Registry) unlockAll() {
	for idx := numIndices - 1; idx >= 0; idx-- {
		for i := len(r.indices[idx]) - 1; i >= 0; i-- {
			r.indices[idx][i].mu.Unlock()
		}
	}
	for i := len(r.shards) - 1; i >= 0; i-- {
		r.shards[i].mu.Unlock()
	}
}
