package lifecycle

import (
	"context"
	"time"

	"github.com/Klingon-tech/klingnet-registry/internal/log"
	"github.com/Klingon-tech/klingnet-registry/internal/registry"
	"github.com/Klingon-tech/klingnet-registry/internal/token"
	"github.com/google/uuid"
)

// BulkResult reports every item of a bulk create. Items succeed or fail
// independently.
type BulkResult struct {
	Succeeded []*token.Token         `json:"succeeded"`
	Failed    []registry.BulkFailure `json:"failed"`
}

// BulkCreate creates each request independently on the worker pool. A
// failed item leaves no state behind and never aborts the others. Results
// keep request order.
func (s *Service) BulkCreate(ctx context.Context, reqs []CreateRequest) BulkResult {
	start := time.Now()
	defer s.metrics.ObserveBulk("create", start)

	type outcome struct {
		tok *token.Token
		err error
	}
	outcomes := make([]outcome, len(reqs))

	group := s.pool.NewGroup()
	for i := range reqs {
		group.Submit(func() {
			t, err := s.Create(ctx, reqs[i])
			outcomes[i] = outcome{tok: t, err: err}
		})
	}
	group.Wait()

	res := BulkResult{
		Succeeded: make([]*token.Token, 0, len(reqs)),
		Failed:    []registry.BulkFailure{},
	}
	for i, o := range outcomes {
		if o.err != nil {
			res.Failed = append(res.Failed, registry.NewFailure(i, uuid.Nil, o.err))
			continue
		}
		res.Succeeded = append(res.Succeeded, o.tok)
	}

	log.Lifecycle.Info().
		Int("requested", len(reqs)).
		Int("succeeded", len(res.Succeeded)).
		Int("failed", len(res.Failed)).
		Dur("elapsed", time.Since(start)).
		Msg("Bulk create finished")
	return res
}
