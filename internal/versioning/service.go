package versioning

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-registry/internal/events"
	"github.com/Klingon-tech/klingnet-registry/internal/log"
	"github.com/Klingon-tech/klingnet-registry/internal/metrics"
	"github.com/Klingon-tech/klingnet-registry/internal/registryerr"
	"github.com/Klingon-tech/klingnet-registry/internal/token"
	"github.com/google/uuid"
)

// TokenSource resolves the tokens versions are layered over.
type TokenSource interface {
	Get(ctx context.Context, id uuid.UUID) (*token.Token, error)
}

// CreateRequest describes a new version.
type CreateRequest struct {
	Change    Change `json:"change"`
	Reason    string `json:"reason" validate:"required,max=1024"`
	CreatedBy string `json:"created_by" validate:"required,max=256"`
}

// chain is the ordered version list of one token. versions[i] has number
// i+1. Stored versions are never mutated in place; a transition swaps in
// a new copy.
type chain struct {
	versions []*Version
	active   *Version
	audit    []AuditRecord
}

// Config wires the service. Publisher and Metrics are optional.
type Config struct {
	Store     *Store
	Tokens    TokenSource
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// Service is the versioning service.
type Service struct {
	mu     sync.RWMutex
	chains map[uuid.UUID]*chain
	byID   map[uuid.UUID]*Version

	store   *Store
	tokens  TokenSource
	pub     events.Publisher
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a versioning service with no versions loaded. Call Restore
// to load persisted chains.
func New(cfg Config) *Service {
	s := &Service{
		chains:  make(map[uuid.UUID]*chain),
		byID:    make(map[uuid.UUID]*Version),
		store:   cfg.Store,
		tokens:  cfg.Tokens,
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
	return s
}

// Restore replaces the in-memory chains with what the store holds.
func (s *Service) Restore() error {
	chains := make(map[uuid.UUID]*chain)
	byID := make(map[uuid.UUID]*Version)
	err := s.store.ForEach(func(v *Version) error {
		c := chains[v.TokenID]
		if c == nil {
			c = &chain{}
			chains[v.TokenID] = c
		}
		c.versions = append(c.versions, v)
		byID[v.ID] = v
		return nil
	})
	if err != nil {
		return err
	}

	for tokenID, c := range chains {
		sort.Slice(c.versions, func(i, j int) bool { return c.versions[i].Number < c.versions[j].Number })
		for i, v := range c.versions {
			if v.Number != uint64(i+1) {
				return &registryerr.InconsistentIndexError{
					Index:  "versions",
					Detail: "token " + tokenID.String() + " has a gap at version " + strconv.Itoa(i+1),
				}
			}
			if v.Status == StatusActive {
				if c.active != nil {
					return &registryerr.InconsistentIndexError{
						Index:  "versions",
						Detail: "token " + tokenID.String() + " has more than one active version",
					}
				}
				c.active = v
			}
		}
		if c.audit, err = s.store.AuditTrail(tokenID); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.chains = chains
	s.byID = byID
	s.mu.Unlock()

	log.Versioning.Info().Int("tokens", len(chains)).Int("versions", len(byID)).Msg("Version chains restored")
	return nil
}

// newAudit builds the next audit entry of c. Caller holds s.mu.
func (c *chain) newAudit(v *Version, from Status, actor, comment string) auditEntry {
	return auditEntry{
		seq: len(c.audit),
		record: AuditRecord{
			TokenID:       v.TokenID,
			VersionID:     v.ID,
			VersionNumber: v.Number,
			From:          from,
			To:            v.Status,
			Actor:         actor,
			Comment:       comment,
			Timestamp:     v.UpdatedAt,
		},
	}
}

// apply swaps in new copies of versions and appends their audit records.
// Caller holds s.mu.
func (s *Service) apply(c *chain, versions []*Version, audits []auditEntry) {
	for _, v := range versions {
		idx := int(v.Number - 1)
		if idx == len(c.versions) {
			c.versions = append(c.versions, v)
		} else {
			c.versions[idx] = v
		}
		s.byID[v.ID] = v
		switch {
		case v.Status == StatusActive:
			c.active = v
		case c.active != nil && c.active.ID == v.ID:
			c.active = nil
		}
	}
	for _, a := range audits {
		c.audit = append(c.audit, a.record)
	}
}

// CreateVersion appends a Created version to a token's chain.
func (s *Service) CreateVersion(ctx context.Context, tokenID uuid.UUID, req CreateRequest) (*Version, error) {
	if err := token.ValidateStruct(req); err != nil {
		return nil, err
	}
	tok, err := s.tokens.Get(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if err := req.Change.validateFor(tok.Type); err != nil {
		return nil, err
	}

	s.mu.Lock()
	c := s.chains[tokenID]
	if c == nil {
		c = &chain{}
	}
	now := s.now()
	v := &Version{
		ID:        uuid.New(),
		TokenID:   tokenID,
		ParentID:  tok.ParentID,
		Number:    uint64(len(c.versions)) + 1,
		Change:    req.Change,
		Reason:    req.Reason,
		Status:    StatusCreated,
		CreatedBy: req.CreatedBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if v.MerkleHash, err = ContentHash(v); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	audit := c.newAudit(v, "", req.CreatedBy, req.Reason)
	if err := s.store.Save([]*Version{v}, []auditEntry{audit}); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.chains[tokenID] = c
	s.apply(c, []*Version{v}, []auditEntry{audit})
	s.mu.Unlock()

	s.metrics.VersionTransition(string(StatusCreated))
	log.WithToken(log.Versioning, tokenID.String()).Info().
		Uint64("version", v.Number).
		Str("version_id", v.ID.String()).
		Msg("Version created")
	s.publish(ctx, v, events.KindVersionCreated, req.CreatedBy, map[string]string{"reason": req.Reason})
	return v.clone(), nil
}

// advance moves one version to the status to. mutate sees the current
// version and its successor; it may fill in the transition's fields or
// reject it.
func (s *Service) advance(ctx context.Context, versionID uuid.UUID, to Status, actor, comment string,
	mutate func(cur, next *Version) error, kind events.Kind, data map[string]string) (*Version, error) {
	s.mu.Lock()
	cur, ok := s.byID[versionID]
	if !ok {
		s.mu.Unlock()
		return nil, registryerr.NotFound("version", versionID.String())
	}
	if !CanTransition(cur.Status, to) {
		s.mu.Unlock()
		return nil, registryerr.InvalidTransition("version", versionID.String(), string(cur.Status), string(to))
	}
	c := s.chains[cur.TokenID]

	next := cur.clone()
	next.Status = to
	next.UpdatedAt = s.now()
	if mutate != nil {
		if err := mutate(cur, next); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	audit := c.newAudit(next, cur.Status, actor, comment)
	if err := s.store.Save([]*Version{next}, []auditEntry{audit}); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.apply(c, []*Version{next}, []auditEntry{audit})
	s.mu.Unlock()

	s.metrics.VersionTransition(string(to))
	log.WithToken(log.Versioning, next.TokenID.String()).Info().
		Uint64("version", next.Number).
		Str("from", string(cur.Status)).
		Str("to", string(to)).
		Str("actor", actor).
		Msg("Version transition")
	s.publish(ctx, next, kind, actor, data)
	return next.clone(), nil
}

// SubmitForVVB sends a Created version to the verification board.
func (s *Service) SubmitForVVB(ctx context.Context, versionID uuid.UUID, submittedBy, reason string) (*Version, error) {
	return s.advance(ctx, versionID, StatusPendingVVB, submittedBy, reason, func(_, v *Version) error {
		v.SubmittedBy = submittedBy
		v.SubmissionReason = reason
		return nil
	}, events.KindVersionSubmittedForVVB, map[string]string{"reason": reason})
}

// ApproveAsVVB records the board's approval of a pending version. Every
// signature in evidence must verify over the version's merkle hash.
func (s *Service) ApproveAsVVB(ctx context.Context, versionID uuid.UUID, approverID, comments string, evidence QuorumEvidence) (*Version, error) {
	if approverID == "" {
		return nil, registryerr.Validation("approver_id", "must be set")
	}
	return s.advance(ctx, versionID, StatusApproved, approverID, comments, func(_, v *Version) error {
		signers, err := evidence.verify(v.MerkleHash)
		if err != nil {
			return err
		}
		v.ApprovedBy = approverID
		v.ApprovalComments = comments
		v.ApprovedAt = v.UpdatedAt
		v.Signers = signers
		return nil
	}, events.KindVersionApproved, map[string]string{
		"comments":   comments,
		"signatures": strconv.Itoa(len(evidence.Signatures)),
	})
}

// RejectAsVVB archives a pending version the board turned down.
func (s *Service) RejectAsVVB(ctx context.Context, versionID uuid.UUID, rejectedBy, reason string) (*Version, error) {
	if rejectedBy == "" {
		return nil, registryerr.Validation("rejected_by", "must be set")
	}
	return s.advance(ctx, versionID, StatusArchived, rejectedBy, reason, func(cur, v *Version) error {
		// Other pre-active states are discarded with ArchiveVersion.
		if cur.Status != StatusPendingVVB {
			return registryerr.InvalidTransition("version", versionID.String(), string(cur.Status), string(StatusArchived))
		}
		v.RejectedBy = rejectedBy
		v.ArchiveReason = reason
		return nil
	}, events.KindVersionRejected, map[string]string{"reason": reason})
}

// ArchiveVersion discards a version that has not been activated.
func (s *Service) ArchiveVersion(ctx context.Context, versionID uuid.UUID, actor, reason string) (*Version, error) {
	return s.advance(ctx, versionID, StatusArchived, actor, reason, func(_, v *Version) error {
		v.ArchiveReason = reason
		return nil
	}, events.KindVersionArchived, map[string]string{"reason": reason})
}

// ActivateVersion makes an Approved version the token's active one and
// supersedes the previous active version in the same write. The token
// itself must be Active.
func (s *Service) ActivateVersion(ctx context.Context, versionID uuid.UUID, actor string) (*Version, error) {
	s.mu.RLock()
	cur, ok := s.byID[versionID]
	s.mu.RUnlock()
	if !ok {
		return nil, registryerr.NotFound("version", versionID.String())
	}
	tok, err := s.tokens.Get(ctx, cur.TokenID)
	if err != nil {
		return nil, err
	}
	if tok.Status != token.StatusActive {
		return nil, registryerr.InvalidTransition("token", tok.ID.String(), string(tok.Status), "version activation")
	}

	s.mu.Lock()
	cur = s.byID[versionID]
	if !CanTransition(cur.Status, StatusActive) {
		s.mu.Unlock()
		return nil, registryerr.InvalidTransition("version", versionID.String(), string(cur.Status), string(StatusActive))
	}
	c := s.chains[cur.TokenID]
	now := s.now()

	next := cur.clone()
	next.Status = StatusActive
	next.UpdatedAt = now
	next.ActivatedAt = now

	var (
		changed = []*Version{next}
		audits  []auditEntry
		prior   *Version
	)
	if c.active != nil {
		prior = c.active.clone()
		prior.Status = StatusSuperseded
		prior.UpdatedAt = now
		prior.SupersededBy = next.ID
		audits = append(audits, c.newAudit(prior, StatusActive, actor, "superseded by version "+strconv.FormatUint(next.Number, 10)))
		changed = append([]*Version{prior}, changed...)
	}
	act := c.newAudit(next, StatusApproved, actor, "")
	act.seq += len(audits)
	audits = append(audits, act)

	if err := s.store.Save(changed, audits); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.apply(c, changed, audits)
	s.mu.Unlock()

	data := map[string]string{"version_number": strconv.FormatUint(next.Number, 10)}
	l := log.WithToken(log.Versioning, next.TokenID.String())
	if prior != nil {
		data["superseded_version_id"] = prior.ID.String()
		s.metrics.VersionTransition(string(StatusSuperseded))
		l.Info().Uint64("version", prior.Number).Msg("Version superseded")
	}
	s.metrics.VersionTransition(string(StatusActive))
	l.Info().Uint64("version", next.Number).Str("actor", actor).Msg("Version activated")
	s.publish(ctx, next, events.KindVersionActivated, actor, data)
	return next.clone(), nil
}

// GetVersion returns one version.
func (s *Service) GetVersion(versionID uuid.UUID) (*Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.byID[versionID]
	if !ok {
		return nil, registryerr.NotFound("version", versionID.String())
	}
	return v.clone(), nil
}

// GetVersionChain returns a token's versions ordered by number.
func (s *Service) GetVersionChain(tokenID uuid.UUID) []*Version {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.chains[tokenID]
	if c == nil {
		return []*Version{}
	}
	out := make([]*Version, len(c.versions))
	for i, v := range c.versions {
		out[i] = v.clone()
	}
	return out
}

// GetActiveVersion returns the token's Active version, if any.
func (s *Service) GetActiveVersion(tokenID uuid.UUID) (*Version, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.chains[tokenID]
	if c == nil || c.active == nil {
		return nil, false
	}
	return c.active.clone(), true
}

// GetVersionsByStatus returns a token's versions in status, by number.
func (s *Service) GetVersionsByStatus(tokenID uuid.UUID, status Status) []*Version {
	out := []*Version{}
	for _, v := range s.GetVersionChain(tokenID) {
		if v.Status == status {
			out = append(out, v)
		}
	}
	return out
}

// GetAuditTrail returns every recorded transition of a token's versions.
func (s *Service) GetAuditTrail(tokenID uuid.UUID) []AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.chains[tokenID]
	if c == nil {
		return []AuditRecord{}
	}
	return append([]AuditRecord{}, c.audit...)
}

// VerifyVersionIntegrity recomputes a version's content hash and compares
// it with the recorded one.
func (s *Service) VerifyVersionIntegrity(versionID uuid.UUID) (bool, error) {
	v, err := s.GetVersion(versionID)
	if err != nil {
		return false, err
	}
	h, err := ContentHash(v)
	if err != nil {
		return false, err
	}
	return h == v.MerkleHash, nil
}

func (s *Service) publish(ctx context.Context, v *Version, kind events.Kind, actor string, data map[string]string) {
	if data == nil {
		data = map[string]string{}
	}
	data["version_id"] = v.ID.String()
	if _, ok := data["version_number"]; !ok {
		data["version_number"] = strconv.FormatUint(v.Number, 10)
	}
	e := events.New(kind, v.TokenID, v.ParentID, actor, v.UpdatedAt, data)
	if err := s.pub.Publish(ctx, e); err != nil {
		log.WithToken(log.Versioning, v.TokenID.String()).Warn().
			Err(err).
			Str("kind", string(kind)).
			Msg("Event publish failed")
	}
}
