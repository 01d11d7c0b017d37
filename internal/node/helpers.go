package node

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Klingon-tech/klingnet-registry/config"
	"github.com/Klingon-tech/klingnet-registry/internal/registry"
	"github.com/Klingon-tech/klingnet-registry/internal/storage"
	"github.com/Klingon-tech/klingnet-registry/internal/token"
	"github.com/google/uuid"
)

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// openStore opens the configured backend and applies the per-operation
// timeout.
func openStore(cfg *config.Config) (storage.DB, error) {
	var db storage.DB
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		db = storage.NewMemory()
	case config.BackendBadger, "":
		dir := expandHome(cfg.StoreDir())
		bdb, err := storage.NewBadger(dir)
		if err != nil {
			return nil, fmt.Errorf("open database at %s: %w", dir, err)
		}
		db = bdb
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Storage.Backend)
	}

	if cfg.Storage.Timeout > 0 {
		db = storage.NewTimeoutDB(db, cfg.Storage.Timeout)
	}
	return db, nil
}

// parentIndexDrift compares the persisted parent index with the registry
// rebuilt from token records and returns the parents whose children
// differ, sorted.
func parentIndexDrift(store *token.Store, reg *registry.Registry) ([]string, error) {
	indexed, err := store.IndexedParents()
	if err != nil {
		return nil, err
	}
	parents := make(map[string]struct{}, len(indexed))
	for _, p := range indexed {
		parents[p] = struct{}{}
	}
	for _, e := range reg.Snapshot(nil) {
		parents[e.ParentID] = struct{}{}
	}

	var drift []string
	for p := range parents {
		ids, err := store.IDsByParent(p)
		if err != nil {
			return nil, err
		}
		want := make(map[uuid.UUID]struct{})
		for _, e := range reg.LookupByParent(p) {
			want[e.ID] = struct{}{}
		}
		same := len(ids) == len(want)
		for _, id := range ids {
			if _, ok := want[id]; !ok {
				same = false
				break
			}
		}
		if !same {
			drift = append(drift, p)
		}
	}
	sort.Strings(drift)
	return drift, nil
}

// reconcileParentIndex rewrites the parent index when force is set or when
// it has drifted from the token records. It returns the drifted parents and
// the number of tokens reindexed (zero when nothing was rewritten).
func reconcileParentIndex(store *token.Store, reg *registry.Registry, force bool) ([]string, int, error) {
	drift, err := parentIndexDrift(store, reg)
	if err != nil {
		return nil, 0, err
	}
	if !force && len(drift) == 0 {
		return nil, 0, nil
	}
	n, err := store.RebuildIndex()
	if err != nil {
		return drift, 0, err
	}
	return drift, n, nil
}
