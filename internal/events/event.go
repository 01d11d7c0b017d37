// Package events defines the records fired on token and version
// transitions and the plumbing that delivers them.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Kind names an event type.
type Kind string

// Token lifecycle events. Creation and administrative expiry are silent.
const (
	KindTokenActivated   Kind = "TokenActivated"
	KindTokenRedeemed    Kind = "TokenRedeemed"
	KindTokenTransferred Kind = "TokenTransferred"
)

// Version events.
const (
	KindVersionCreated         Kind = "VersionCreated"
	KindVersionSubmittedForVVB Kind = "VersionSubmittedForVvb"
	KindVersionApproved        Kind = "VersionApproved"
	KindVersionRejected        Kind = "VersionRejected"
	KindVersionActivated       Kind = "VersionActivated"
	KindVersionArchived        Kind = "VersionArchived"
)

// ErrClosed is returned when publishing to a closed bus.
var ErrClosed = errors.New("event bus closed")

// Event is a flat transition record.
type Event struct {
	ID            uuid.UUID         `json:"id"`
	Kind          Kind              `json:"kind"`
	TokenID       uuid.UUID         `json:"token_id"`
	ParentTokenID string            `json:"parent_token_id,omitempty"`
	Actor         string            `json:"actor,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Data          map[string]string `json:"data,omitempty"`
}

// New builds an event with a fresh id.
func New(kind Kind, tokenID uuid.UUID, parentID, actor string, at time.Time, data map[string]string) Event {
	return Event{
		ID:            uuid.New(),
		Kind:          kind,
		TokenID:       tokenID,
		ParentTokenID: parentID,
		Actor:         actor,
		Timestamp:     at,
		Data:          data,
	}
}

// Publisher accepts events. Implementations decide delivery semantics.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) error { return nil }
