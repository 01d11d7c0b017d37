// Package lifecycle creates secondary tokens and drives them through
// Created -> Active -> {Redeemed, Expired}.
//
// Every transition is applied in the same order: persist the token, update
// the registry, invalidate cached proofs, then publish the event. An event
// is therefore never published for a transition that did not take effect.
package lifecycle

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-registry/internal/events"
	"github.com/Klingon-tech/klingnet-registry/internal/log"
	"github.com/Klingon-tech/klingnet-registry/internal/metrics"
	"github.com/Klingon-tech/klingnet-registry/internal/parent"
	"github.com/Klingon-tech/klingnet-registry/internal/proof"
	"github.com/Klingon-tech/klingnet-registry/internal/registry"
	"github.com/Klingon-tech/klingnet-registry/internal/registryerr"
	"github.com/Klingon-tech/klingnet-registry/internal/token"
	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
)

const (
	lockStripes        = 256
	DefaultBulkWorkers = 16
	defaultExpiry      = "administrative"
)

// Config wires the service's collaborators. Proofs, Publisher and Metrics
// are optional.
type Config struct {
	Store       *token.Store
	Registry    *registry.Registry
	Parents     parent.Directory
	Proofs      *proof.Service
	Publisher   events.Publisher
	Metrics     *metrics.Metrics
	BulkWorkers int
	Now         func() time.Time
}

// Service is the token lifecycle service.
type Service struct {
	store   *token.Store
	reg     *registry.Registry
	parents parent.Directory
	proofs  *proof.Service
	pub     events.Publisher
	metrics *metrics.Metrics
	now     func() time.Time

	locks [lockStripes]sync.Mutex
	pool  pond.Pool
}

// New creates a lifecycle service.
func New(cfg Config) *Service {
	s := &Service{
		store:   cfg.Store,
		reg:     cfg.Registry,
		parents: cfg.Parents,
		proofs:  cfg.Proofs,
		pub:     cfg.Publisher,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}
	if s.pub == nil {
		s.pub = events.Discard
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	workers := cfg.BulkWorkers
	if workers <= 0 {
		workers = DefaultBulkWorkers
	}
	s.pool = pond.NewPool(workers)
	return s
}

// Close stops the bulk worker pool.
func (s *Service) Close() {
	s.pool.StopAndWait()
}

func (s *Service) lock(id uuid.UUID) func() {
	h := fnv.New32a()
	h.Write(id[:])
	mu := &s.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// CreateIncomeStream creates an income-stream token in the Created state.
func (s *Service) CreateIncomeStream(ctx context.Context, req CreateIncomeStreamRequest) (*token.Token, error) {
	t, err := req.build(s.now())
	if err != nil {
		return nil, err
	}
	return s.create(ctx, t)
}

// CreateCollateral creates a collateral token in the Created state.
func (s *Service) CreateCollateral(ctx context.Context, req CreateCollateralRequest) (*token.Token, error) {
	t, err := req.build(s.now())
	if err != nil {
		return nil, err
	}
	return s.create(ctx, t)
}

// CreateRoyalty creates a royalty token in the Created state.
func (s *Service) CreateRoyalty(ctx context.Context, req CreateRoyaltyRequest) (*token.Token, error) {
	t, err := req.build(s.now())
	if err != nil {
		return nil, err
	}
	return s.create(ctx, t)
}

// Create creates a token of any type.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*token.Token, error) {
	t, err := req.build(s.now())
	if err != nil {
		return nil, err
	}
	return s.create(ctx, t)
}

func (s *Service) checkParent(parentID string) error {
	ok, err := s.parents.DoesParentExist(parentID)
	if err != nil {
		return err
	}
	if !ok {
		return registryerr.NotFound("parent", parentID)
	}
	retired, err := s.parents.IsParentRetired(parentID)
	if err != nil {
		return err
	}
	if retired {
		return registryerr.Validation("parent_token_id", "parent %s is retired", parentID)
	}
	return nil
}

func (s *Service) create(ctx context.Context, t *token.Token) (_ *token.Token, err error) {
	defer func() { s.metrics.TokenTransition("create", err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := token.Validate(t); err != nil {
		return nil, err
	}
	if err := s.checkParent(t.ParentID); err != nil {
		return nil, err
	}
	if err := s.store.Put(t); err != nil {
		return nil, err
	}
	if _, err := s.reg.Register(t); err != nil {
		return nil, err
	}
	if s.proofs != nil {
		s.proofs.InvalidateToken(t.ParentID, t.ID)
	}

	log.WithToken(log.Lifecycle, t.ID.String()).Debug().
		Str("type", string(t.Type)).
		Str("parent_token_id", t.ParentID).
		Msg("Token created")
	return t.Clone(), nil
}

// Get returns a stored token.
func (s *Service) Get(_ context.Context, id uuid.UUID) (*token.Token, error) {
	return s.store.Get(id)
}

// GetByParent returns every token under parentID ordered by id.
func (s *Service) GetByParent(_ context.Context, parentID string) ([]*token.Token, error) {
	entries := s.reg.LookupByParent(parentID)
	out := make([]*token.Token, 0, len(entries))
	for _, e := range entries {
		t, err := s.store.Get(e.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// GetByOwner returns every token held by owner ordered by id.
func (s *Service) GetByOwner(_ context.Context, owner string) ([]*token.Token, error) {
	entries := s.reg.LookupByOwner(owner)
	out := make([]*token.Token, 0, len(entries))
	for _, e := range entries {
		t, err := s.store.Get(e.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Activate moves a token from Created to Active.
func (s *Service) Activate(ctx context.Context, id uuid.UUID, actor string) (*token.Token, error) {
	return s.transition(ctx, "activate", id, token.StatusActive, actor, nil, events.KindTokenActivated)
}

// Redeem moves a token from Active to Redeemed.
func (s *Service) Redeem(ctx context.Context, id uuid.UUID, actor string) (*token.Token, error) {
	return s.transition(ctx, "redeem", id, token.StatusRedeemed, actor, nil, events.KindTokenRedeemed)
}

// Expire moves a token from Active to Expired. Expiry is administrative
// and publishes no event.
func (s *Service) Expire(ctx context.Context, id uuid.UUID, reason string) (*token.Token, error) {
	if reason == "" {
		reason = defaultExpiry
	}
	return s.transition(ctx, "expire", id, token.StatusExpired, "", func(t *token.Token) {
		t.ExpiryReason = reason
	}, "")
}

// transition applies a status change. An empty kind publishes nothing.
func (s *Service) transition(ctx context.Context, op string, id uuid.UUID, to token.Status, actor string,
	mutate func(*token.Token), kind events.Kind) (_ *token.Token, err error) {
	defer func() { s.metrics.TokenTransition(op, err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := s.lock(id)
	defer unlock()

	cur, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	if !token.CanTransition(cur.Status, to) {
		return nil, registryerr.InvalidTransition("token", id.String(), string(cur.Status), string(to))
	}

	next := cur.Clone()
	next.Status = to
	next.UpdatedAt = s.now()
	if mutate != nil {
		mutate(next)
	}
	if err := s.store.Put(next); err != nil {
		return nil, err
	}
	if _, err := s.reg.UpdateStatus(id, to); err != nil {
		return nil, s.registryDrift(id, err)
	}
	if s.proofs != nil {
		s.proofs.InvalidateToken(next.ParentID, id)
	}

	l := log.WithToken(log.Lifecycle, id.String())
	l.Info().Str("op", op).Str("from", string(cur.Status)).Str("to", string(to)).Msg("Token transition")

	if kind != "" {
		s.publish(ctx, events.New(kind, id, next.ParentID, actor, next.UpdatedAt, nil))
	}
	return next, nil
}

// Transfer changes the owner of a non-terminal token. from must match the
// recorded owner.
func (s *Service) Transfer(ctx context.Context, id uuid.UUID, from, to string) (_ *token.Token, err error) {
	defer func() { s.metrics.TokenTransition("transfer", err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if to == "" {
		return nil, registryerr.Validation("to_owner", "must be set")
	}
	if from == to {
		return nil, registryerr.Validation("to_owner", "equals from_owner")
	}

	unlock := s.lock(id)
	defer unlock()

	cur, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	if cur.Status.Terminal() {
		return nil, registryerr.InvalidTransition("token", id.String(), string(cur.Status), string(cur.Status))
	}
	if cur.Owner != from {
		return nil, &registryerr.OwnershipMismatchError{ID: id.String(), Claimed: from, Recorded: cur.Owner}
	}

	next := cur.Clone()
	next.Owner = to
	next.UpdatedAt = s.now()
	if err := s.store.Put(next); err != nil {
		return nil, err
	}
	if _, err := s.reg.UpdateOwner(id, to); err != nil {
		return nil, s.registryDrift(id, err)
	}
	if s.proofs != nil {
		s.proofs.InvalidateToken(next.ParentID, id)
	}

	log.WithToken(log.Lifecycle, id.String()).Info().
		Str("from_owner", from).
		Str("to_owner", to).
		Msg("Token transferred")

	s.publish(ctx, events.New(events.KindTokenTransferred, id, next.ParentID, from, next.UpdatedAt,
		map[string]string{"from_owner": from, "to_owner": to}))
	return next, nil
}

// ExpireDue expires every Active collateral token whose expiry is at or
// before now. It returns the ids it expired.
func (s *Service) ExpireDue(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	var (
		expired []uuid.UUID
		errs    []error
	)
	for _, e := range s.reg.LookupByStatus(token.StatusActive) {
		if e.Type != token.TypeCollateral {
			continue
		}
		t, err := s.store.Get(e.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !t.ExpiredAt(now) {
			continue
		}
		if _, err := s.Expire(ctx, e.ID, "collateral expired"); err != nil {
			// A concurrent redeem wins.
			if !errors.Is(err, registryerr.ErrInvalidTransition) {
				errs = append(errs, err)
			}
			continue
		}
		expired = append(expired, e.ID)
	}
	if len(expired) > 0 {
		log.Lifecycle.Info().Int("count", len(expired)).Msg("Expired due collateral")
	}
	return expired, errors.Join(errs...)
}

// registryDrift handles a registry update failing after the store was
// written. The store is authoritative and the registry is rebuilt from it
// on restart.
func (s *Service) registryDrift(id uuid.UUID, err error) error {
	log.WithToken(log.Lifecycle, id.String()).Error().Err(err).Msg("Registry update failed after persist")
	return err
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if err := s.pub.Publish(ctx, e); err != nil {
		log.WithToken(log.Lifecycle, e.TokenID.String()).Warn().
			Err(err).
			Str("kind", string(e.Kind)).
			Msg("Event publish failed")
	}
}
