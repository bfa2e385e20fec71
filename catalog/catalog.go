// Package catalog holds the static set of ticket kinds known to a registry.
// A Catalog is built once at startup and is read-only afterwards, so it can
// be shared between goroutines without locking.
package catalog

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/stephnangue/turnstile/ticket"
)

const (
	StorageClassDefault   = "default"
	StorageClassTransient = "transient"
)

var (
	// ErrUnknownKind is returned when a kind name or id prefix is not in the catalog.
	ErrUnknownKind = fmt.Errorf("%w: unknown ticket kind", ticket.ErrValidation)

	// ErrKindAlreadyRegistered is returned when registering a duplicate kind.
	ErrKindAlreadyRegistered = errors.New("ticket kind already registered")

	ErrCatalogBuilt = errors.New("catalog already built")
)

// Definition describes one ticket kind.
type Definition struct {
	Name         string
	Prefix       string
	Policy       ExpirationPolicy
	StorageClass string
	Description  string
}

// Builder collects definitions before the catalog is frozen.
type Builder struct {
	defs  map[string]Definition
	order []string
	built bool
}

func NewBuilder() *Builder {
	return &Builder{defs: make(map[string]Definition)}
}

// Register adds a kind. Names must be unique and non-empty, prefixes must
// be unique when set.
func (b *Builder) Register(def Definition) error {
	if b.built {
		return ErrCatalogBuilt
	}
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return ticket.ValidationError("kind name is required")
	}
	if _, exists := b.defs[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrKindAlreadyRegistered, def.Name)
	}
	if err := validatePolicy(def.Policy); err != nil {
		return ticket.ValidationError("kind %s: %v", def.Name, err)
	}
	if def.Prefix != "" {
		for _, other := range b.defs {
			if other.Prefix == def.Prefix {
				return fmt.Errorf("%w: prefix %s is used by %s", ErrKindAlreadyRegistered, def.Prefix, other.Name)
			}
		}
	}
	if def.StorageClass == "" {
		def.StorageClass = StorageClassDefault
	}
	b.defs[def.Name] = def
	b.order = append(b.order, def.Name)
	return nil
}

// Override replaces the expiration policy of an already registered kind.
func (b *Builder) Override(name string, policy ExpirationPolicy) error {
	if b.built {
		return ErrCatalogBuilt
	}
	def, ok := b.defs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, name)
	}
	if err := validatePolicy(policy); err != nil {
		return ticket.ValidationError("kind %s: %v", name, err)
	}
	def.Policy = policy
	b.defs[name] = def
	return nil
}

func (b *Builder) Has(name string) bool {
	_, ok := b.defs[name]
	return ok
}

// Build freezes the builder and returns the catalog. Further registration
// through the builder fails.
func (b *Builder) Build() *Catalog {
	b.built = true

	c := &Catalog{
		byName: make(map[string]Definition, len(b.defs)),
		names:  slices.Clone(b.order),
	}
	for name, def := range b.defs {
		c.byName[name] = def
		if def.Prefix != "" {
			c.prefixes = append(c.prefixes, def)
		}
	}
	// longest prefix first so that KindForID picks the most specific kind
	slices.SortFunc(c.prefixes, func(a, b Definition) int {
		if d := len(b.Prefix) - len(a.Prefix); d != 0 {
			return d
		}
		return strings.Compare(a.Prefix, b.Prefix)
	})
	return c
}

// Catalog is an immutable set of ticket kinds.
type Catalog struct {
	byName   map[string]Definition
	prefixes []Definition
	names    []string
}

// Lookup returns the definition for a kind name.
func (c *Catalog) Lookup(name string) (Definition, error) {
	def, ok := c.byName[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownKind, name)
	}
	return def, nil
}

// KindForID resolves the kind of a ticket from its id prefix.
func (c *Catalog) KindForID(id string) (Definition, error) {
	for _, def := range c.prefixes {
		if strings.HasPrefix(id, def.Prefix) {
			return def, nil
		}
	}
	return Definition{}, fmt.Errorf("%w: no kind matches id %q", ErrUnknownKind, id)
}

// Kinds returns all definitions in registration order.
func (c *Catalog) Kinds() []Definition {
	out := make([]Definition, 0, len(c.names))
	for _, name := range c.names {
		out = append(out, c.byName[name])
	}
	return out
}

func (c *Catalog) Len() int { return len(c.names) }
