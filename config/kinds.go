package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-secure-stdlib/parseutil"
	"github.com/stephnangue/turnstile/catalog"
)

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return parseutil.ParseDurationSecond(s)
}

// Catalog builds the ticket catalog: the default kinds with the configured
// kind blocks applied on top.
func (c *Config) Catalog() (*catalog.Catalog, error) {
	b := catalog.NewDefaultBuilder()
	for _, k := range c.Kinds {
		ttl, err := parseOptionalDuration(k.TTL)
		if err != nil {
			return nil, fmt.Errorf("kind %q: invalid ttl: %w", k.Name, err)
		}
		maxLifetime, err := parseOptionalDuration(k.MaxLifetime)
		if err != nil {
			return nil, fmt.Errorf("kind %q: invalid max_lifetime: %w", k.Name, err)
		}
		policy, err := catalog.ParsePolicy(k.Policy, ttl, maxLifetime)
		if err != nil {
			return nil, fmt.Errorf("kind %q: %w", k.Name, err)
		}

		if b.Has(k.Name) {
			if err := b.Override(k.Name, policy); err != nil {
				return nil, err
			}
			continue
		}
		if k.Prefix == "" {
			return nil, fmt.Errorf("kind %q: prefix is required for a new kind", k.Name)
		}
		err = b.Register(catalog.Definition{
			Name:         k.Name,
			Prefix:       k.Prefix,
			Policy:       policy,
			StorageClass: k.StorageClass,
			Description:  k.Description,
		})
		if err != nil {
			return nil, err
		}
	}
	return b.Build(), nil
}
