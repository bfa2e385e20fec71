package ticket

import (
	"bytes"
	"time"
)

// Ticket is a short-lived, typed credential record held by the registry.
type Ticket struct {
	// ID is globally unique and immutable once the ticket is created.
	ID string `json:"id"`

	// Kind names an entry of the ticket catalog (e.g. "TicketGrantingTicket").
	Kind string `json:"kind"`

	// Principal is the authenticated principal this ticket was issued for.
	// It is a weak reference used for lookup and bulk invalidation.
	Principal string `json:"principal,omitempty"`

	// ParentID references the ticket-granting ticket a service or proxy
	// ticket was issued from. Deleting the parent cascades to its children.
	ParentID string `json:"parent_id,omitempty"`

	IssuedAt   time.Time `json:"issued_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	ExpiresAt  time.Time `json:"expires_at"`

	// Payload is the plaintext ticket content. It only lives in memory;
	// the registry encrypts it before it reaches the backing store.
	Payload []byte `json:"payload,omitempty"`
}

// Expired reports whether the ticket is logically dead at now. A zero
// ExpiresAt never expires.
func (t *Ticket) Expired(now time.Time) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(t.ExpiresAt)
}

// Clone returns a deep copy of the ticket.
func (t *Ticket) Clone() *Ticket {
	if t == nil {
		return nil
	}
	c := *t
	if t.Payload != nil {
		c.Payload = bytes.Clone(t.Payload)
	}
	return &c
}
