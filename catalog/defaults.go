package catalog

import "time"

const (
	TicketGrantingTicket   = "TicketGrantingTicket"
	ServiceTicket          = "ServiceTicket"
	ProxyGrantingTicket    = "ProxyGrantingTicket"
	ProxyTicket            = "ProxyTicket"
	TransientSessionTicket = "TransientSessionTicket"
)

// DefaultDefinitions returns the standard SSO ticket kinds.
func DefaultDefinitions() []Definition {
	sso := SlidingTimeout{Idle: 2 * time.Hour, MaxLifetime: 8 * time.Hour}
	return []Definition{
		{
			Name:        TicketGrantingTicket,
			Prefix:      "TGT-",
			Policy:      sso,
			Description: "single sign-on session",
		},
		{
			Name:        ServiceTicket,
			Prefix:      "ST-",
			Policy:      HardTimeout{TTL: 10 * time.Second},
			Description: "one-time grant for a service",
		},
		{
			Name:        ProxyGrantingTicket,
			Prefix:      "PGT-",
			Policy:      sso,
			Description: "proxy session issued to a service",
		},
		{
			Name:        ProxyTicket,
			Prefix:      "PT-",
			Policy:      HardTimeout{TTL: 10 * time.Second},
			Description: "one-time grant issued through a proxy",
		},
		{
			Name:         TransientSessionTicket,
			Prefix:       "TST-",
			Policy:       HardTimeout{TTL: 5 * time.Minute},
			StorageClass: StorageClassTransient,
			Description:  "short-lived state carried across redirects",
		},
	}
}

// NewDefaultBuilder returns a builder preloaded with DefaultDefinitions.
func NewDefaultBuilder() *Builder {
	b := NewBuilder()
	for _, def := range DefaultDefinitions() {
		// defaults are known to be valid and unique
		_ = b.Register(def)
	}
	return b
}
