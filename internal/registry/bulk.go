package registry

import (
	"time"

	"github.com/Klingon-tech/klingnet-registry/internal/token"
	"github.com/google/uuid"
)

// BulkFailure is one rejected item of a bulk operation.
type BulkFailure struct {
	Index int       `json:"index"`
	ID    uuid.UUID `json:"token_id,omitempty"`
	Err   error     `json:"-"`
	// Reason mirrors Err for JSON consumers.
	Reason string `json:"reason"`
}

// BulkResult reports the outcome of every item. Items succeed or fail
// independently; nothing is rolled back.
type BulkResult struct {
	Succeeded []Entry       `json:"succeeded"`
	Failed    []BulkFailure `json:"failed"`
}

// NewFailure builds a BulkFailure for item i.
func NewFailure(i int, id uuid.UUID, err error) BulkFailure {
	return BulkFailure{Index: i, ID: id, Err: err, Reason: err.Error()}
}

// BulkRegister registers each token independently.
func (r *Registry) BulkRegister(tokens []*token.Token) BulkResult {
	start := time.Now()
	defer r.metrics.ObserveBulk("register", start)

	res := BulkResult{
		Succeeded: make([]Entry, 0, len(tokens)),
		Failed:    []BulkFailure{},
	}
	for i, t := range tokens {
		e, err := r.Register(t)
		if err != nil {
			var id uuid.UUID
			if t != nil {
				id = t.ID
			}
			res.Failed = append(res.Failed, NewFailure(i, id, err))
			continue
		}
		res.Succeeded = append(res.Succeeded, e)
	}
	return res
}
