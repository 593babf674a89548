package domain

import (
	"time"

	"github.com/google/uuid"
)

// Entity is a provisioned account that join runs reuse
type Entity struct {
	ID          string       `json:"id"`
	Identifier  string       `json:"identifier"`
	Credential  string       `json:"credential"`
	Status      EntityStatus `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	LastUsedAt  *time.Time   `json:"last_used_at,omitempty"`
	SourceLabel string       `json:"source_label,omitempty"`
	RegisterURL string       `json:"register_url,omitempty"`
	CountryCode string       `json:"country_code,omitempty"`
}

// NewEntity creates an active entity with a fresh id
func NewEntity(identifier, credential, source string, now time.Time) *Entity {
	return &Entity{
		ID:          uuid.NewString(),
		Identifier:  identifier,
		Credential:  credential,
		Status:      StatusActive,
		CreatedAt:   now,
		SourceLabel: source,
	}
}

// MarkUsed records a successful assignment. Timestamps earlier than
// CreatedAt are clamped so LastUsedAt never precedes creation.
func (e *Entity) MarkUsed(at time.Time) {
	if at.Before(e.CreatedAt) {
		at = e.CreatedAt
	}
	e.LastUsedAt = &at
}

// Clone returns a deep copy
func (e *Entity) Clone() *Entity {
	c := *e
	if e.LastUsedAt != nil {
		t := *e.LastUsedAt
		c.LastUsedAt = &t
	}
	return &c
}

// CreatedOn returns true if the entity was created on the same calendar day as t
func (e *Entity) CreatedOn(t time.Time) bool {
	y1, m1, d1 := e.CreatedAt.In(t.Location()).Date()
	y2, m2, d2 := t.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}
