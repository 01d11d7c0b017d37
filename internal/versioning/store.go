package versioning

import (
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingnet-registry/internal/registryerr"
	"github.com/Klingon-tech/klingnet-registry/internal/storage"
	"github.com/google/uuid"
)

// Key layout:
//
//	v/<version uuid>                    -> Version JSON
//	vt/<token uuid>\x00<number %020d>   -> version uuid
//	au/<token uuid>\x00<seq %020d>      -> AuditRecord JSON
var (
	prefixVersion = []byte("v/")
	prefixByToken = []byte("vt/")
	prefixAudit   = []byte("au/")
)

// Store persists versions and their audit trail.
type Store struct {
	db storage.DB
}

// NewStore creates a version store over db.
func NewStore(db storage.DB) *Store {
	return &Store{db: db}
}

func versionKey(id uuid.UUID) []byte {
	return append(append([]byte{}, prefixVersion...), id.String()...)
}

func tokenIndexKey(v *Version) []byte {
	key := append(append([]byte{}, prefixByToken...), v.TokenID.String()...)
	return append(key, fmt.Sprintf("\x00%020d", v.Number)...)
}

func auditPrefix(tokenID uuid.UUID) []byte {
	key := append(append([]byte{}, prefixAudit...), tokenID.String()...)
	return append(key, 0)
}

func auditKey(tokenID uuid.UUID, seq int) []byte {
	return append(auditPrefix(tokenID), fmt.Sprintf("%020d", seq)...)
}

// auditEntry is an audit record with its position in the token's trail.
type auditEntry struct {
	seq    int
	record AuditRecord
}

// Save writes versions and audit records in one batch, so a supersede and
// its activation land together.
func (s *Store) Save(versions []*Version, audits []auditEntry) error {
	b := storage.NewBatch(s.db)
	for _, v := range versions {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("version marshal: %w", err)
		}
		if err := b.Put(versionKey(v.ID), data); err != nil {
			return registryerr.StorageUnavailable("version save", err)
		}
		if err := b.Put(tokenIndexKey(v), []byte(v.ID.String())); err != nil {
			return registryerr.StorageUnavailable("version save", err)
		}
	}
	for _, a := range audits {
		data, err := json.Marshal(a.record)
		if err != nil {
			return fmt.Errorf("audit marshal: %w", err)
		}
		if err := b.Put(auditKey(a.record.TokenID, a.seq), data); err != nil {
			return registryerr.StorageUnavailable("version save", err)
		}
	}
	return registryerr.StorageUnavailable("version save", b.Commit())
}

// ForEach visits every stored version in version-id order.
func (s *Store) ForEach(fn func(*Version) error) error {
	var cbErr error
	err := s.db.ForEach(prefixVersion, func(key, value []byte) error {
		var v Version
		if err := json.Unmarshal(value, &v); err != nil {
			return fmt.Errorf("version %s unmarshal: %w", key[len(prefixVersion):], err)
		}
		if err := fn(&v); err != nil {
			cbErr = err
			return err
		}
		return nil
	})
	if err != nil && cbErr == nil {
		return registryerr.StorageUnavailable("version scan", err)
	}
	return err
}

// AuditTrail returns a token's stored audit records in order.
func (s *Store) AuditTrail(tokenID uuid.UUID) ([]AuditRecord, error) {
	records := []AuditRecord{}
	err := s.db.ForEach(auditPrefix(tokenID), func(key, value []byte) error {
		var a AuditRecord
		if err := json.Unmarshal(value, &a); err != nil {
			return fmt.Errorf("audit %q unmarshal: %w", key, err)
		}
		records = append(records, a)
		return nil
	})
	if err != nil {
		return nil, registryerr.StorageUnavailable("audit scan", err)
	}
	return records, nil
}
