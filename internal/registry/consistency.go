package registry

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-registry/internal/log"
	"github.com/Klingon-tech/klingnet-registry/internal/registryerr"
	"github.com/Klingon-tech/klingnet-registry/internal/token"
	"github.com/google/uuid"
)

// ConsistencyReport is the result of cross-checking every index against
// the primary one.
type ConsistencyReport struct {
	Entries       int                                  `json:"entries"`
	IndexSizes    map[string]int                       `json:"index_sizes"`
	Discrepancies []*registryerr.InconsistentIndexError `json:"-"`
	Problems      []string                             `json:"problems"`
}

// OK reports whether no discrepancy was found.
func (c *ConsistencyReport) OK() bool {
	return len(c.Discrepancies) == 0
}

// Err returns the first discrepancy, or nil.
func (c *ConsistencyReport) Err() error {
	if c.OK() {
		return nil
	}
	return c.Discrepancies[0]
}

func (c *ConsistencyReport) add(index, format string, args ...any) {
	d := &registryerr.InconsistentIndexError{Index: index, Detail: fmt.Sprintf(format, args...)}
	c.Discrepancies = append(c.Discrepancies, d)
	c.Problems = append(c.Problems, d.Error())
}

// ValidateConsistency recomputes every secondary index and the active
// counts from the primary index and reports any mismatch. It locks the
// whole registry and is meant for operations, not the request path.
func (r *Registry) ValidateConsistency() *ConsistencyReport {
	r.lockAll()
	defer r.unlockAll()

	rep := &ConsistencyReport{IndexSizes: make(map[string]int, numIndices)}

	primary := make(map[uuid.UUID]*Entry)
	for _, sh := range r.shards {
		for id, e := range sh.entries {
			if id != e.ID {
				rep.add("primary", "key %s holds entry %s", id, e.ID)
			}
			primary[id] = e
		}
	}
	rep.Entries = len(primary)
	if n := int(r.size.Load()); n != len(primary) {
		rep.add("primary", "size counter %d, entries %d", n, len(primary))
	}

	for idx := 0; idx < numIndices; idx++ {
		name := indexNames[idx]
		seen := 0
		for _, st := range r.indices[idx] {
			for key, set := range st.sets {
				for id, e := range set {
					seen++
					p, ok := primary[id]
					switch {
					case !ok:
						rep.add(name, "key %q holds %s which is not in the primary index", key, id)
					case p != e:
						rep.add(name, "key %q holds a stale copy of %s (version %d, primary %d)", key, id, e.Version, p.Version)
					case indexKey(idx, p) != key:
						rep.add(name, "%s filed under %q, want %q", id, key, indexKey(idx, p))
					}
				}
			}
		}
		rep.IndexSizes[name] = seen
		if seen != len(primary) {
			rep.add(name, "holds %d entries, primary holds %d", seen, len(primary))
		}
	}

	wantActive := make(map[string]int)
	for _, e := range primary {
		if e.Status == token.StatusActive {
			wantActive[e.ParentID]++
		}
	}
	gotActive := make(map[string]int)
	for _, st := range r.indices[idxParent] {
		for parent, n := range st.active {
			gotActive[parent] += n
		}
	}
	for parent, want := range wantActive {
		if gotActive[parent] != want {
			rep.add("active_by_parent", "parent %q counts %d active, want %d", parent, gotActive[parent], want)
		}
	}
	for parent, got := range gotActive {
		if _, ok := wantActive[parent]; !ok {
			rep.add("active_by_parent", "parent %q counts %d active, want 0", parent, got)
		}
	}

	if !rep.OK() {
		log.Registry.Warn().Int("problems", len(rep.Discrepancies)).Msg("Registry indices inconsistent")
	}
	return rep
}
