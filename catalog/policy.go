package catalog

import (
	"fmt"
	"time"

	"github.com/stephnangue/turnstile/helper"
)

// ExpirationPolicy derives a ticket's expiry from its issue and last-use
// times. A zero result means the ticket never expires.
type ExpirationPolicy interface {
	Name() string
	ExpiresAt(issuedAt, lastUsedAt time.Time) time.Time

	// Sliding reports whether a successful read extends the ticket's life.
	Sliding() bool
	String() string
}

// HardTimeout expires a ticket a fixed TTL after it was issued.
type HardTimeout struct {
	TTL time.Duration
}

func (p HardTimeout) Name() string  { return "hard" }
func (p HardTimeout) Sliding() bool { return false }

func (p HardTimeout) ExpiresAt(issuedAt, _ time.Time) time.Time {
	return issuedAt.Add(p.TTL)
}

func (p HardTimeout) String() string {
	return fmt.Sprintf("hard ttl=%s", helper.FormatDuration(p.TTL))
}

// SlidingTimeout expires a ticket after Idle without use, capped at
// MaxLifetime after issue. A zero MaxLifetime leaves the cap off.
type SlidingTimeout struct {
	Idle        time.Duration
	MaxLifetime time.Duration
}

func (p SlidingTimeout) Name() string  { return "sliding" }
func (p SlidingTimeout) Sliding() bool { return true }

func (p SlidingTimeout) ExpiresAt(issuedAt, lastUsedAt time.Time) time.Time {
	if lastUsedAt.Before(issuedAt) {
		lastUsedAt = issuedAt
	}
	exp := lastUsedAt.Add(p.Idle)
	if p.MaxLifetime > 0 {
		if hardCap := issuedAt.Add(p.MaxLifetime); hardCap.Before(exp) {
			return hardCap
		}
	}
	return exp
}

func (p SlidingTimeout) String() string {
	return fmt.Sprintf("sliding idle=%s max=%s",
		helper.FormatDuration(p.Idle), helper.FormatDuration(p.MaxLifetime))
}

// NeverExpires keeps a ticket until it is deleted explicitly.
type NeverExpires struct{}

func (NeverExpires) Name() string                       { return "never" }
func (NeverExpires) Sliding() bool                      { return false }
func (NeverExpires) ExpiresAt(_, _ time.Time) time.Time { return time.Time{} }
func (NeverExpires) String() string                     { return "never" }

func validatePolicy(p ExpirationPolicy) error {
	switch v := p.(type) {
	case nil:
		return fmt.Errorf("expiration policy is required")
	case HardTimeout:
		if v.TTL <= 0 {
			return fmt.Errorf("hard timeout ttl must be positive, got %s", v.TTL)
		}
	case SlidingTimeout:
		if v.Idle <= 0 {
			return fmt.Errorf("sliding timeout idle must be positive, got %s", v.Idle)
		}
		if v.MaxLifetime < 0 {
			return fmt.Errorf("sliding timeout max lifetime must not be negative")
		}
	}
	return nil
}

// ParsePolicy builds a policy from its configuration form. kind is one of
// "hard", "sliding" or "never".
func ParsePolicy(kind string, ttl, maxLifetime time.Duration) (ExpirationPolicy, error) {
	var p ExpirationPolicy
	switch kind {
	case "hard", "absolute":
		p = HardTimeout{TTL: ttl}
	case "sliding", "idle":
		p = SlidingTimeout{Idle: ttl, MaxLifetime: maxLifetime}
	case "never":
		p = NeverExpires{}
	default:
		return nil, fmt.Errorf("unknown expiration policy %q", kind)
	}
	if err := validatePolicy(p); err != nil {
		return nil, err
	}
	return p, nil
}
