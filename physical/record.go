package physical

import (
	"bytes"
	"context"
	"time"
)

// Record is the physical form of a ticket. Body holds ciphertext.
type Record struct {
	ID           string
	Kind         string
	Principal    string
	ParentID     string
	StorageClass string
	IssuedAt     time.Time
	LastUsedAt   time.Time
	ExpiresAt    time.Time
	Body         []byte
	Signature    []byte
}

func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Body = bytes.Clone(r.Body)
	c.Signature = bytes.Clone(r.Signature)
	return &c
}

// Equal compares two records field by field. Times are compared as instants.
func (r *Record) Equal(o *Record) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.ID == o.ID &&
		r.Kind == o.Kind &&
		r.Principal == o.Principal &&
		r.ParentID == o.ParentID &&
		r.StorageClass == o.StorageClass &&
		r.IssuedAt.Equal(o.IssuedAt) &&
		r.LastUsedAt.Equal(o.LastUsedAt) &&
		r.ExpiresAt.Equal(o.ExpiresAt) &&
		bytes.Equal(r.Body, o.Body) &&
		bytes.Equal(r.Signature, o.Signature)
}

// Predicate selects records. Empty fields match everything.
type Predicate struct {
	Kind      string
	Principal string
	ParentID  string

	// ExpiredAt, when set, matches records with a non-zero ExpiresAt at or
	// before it.
	ExpiredAt time.Time

	// After restricts the result to ids sorting strictly after it, for
	// keyset pagination.
	After string

	// Limit caps the number of records returned; zero means no limit.
	Limit int
}

func (p Predicate) Matches(r *Record) bool {
	switch {
	case p.Kind != "" && r.Kind != p.Kind:
		return false
	case p.Principal != "" && r.Principal != p.Principal:
		return false
	case p.ParentID != "" && r.ParentID != p.ParentID:
		return false
	case p.After != "" && r.ID <= p.After:
		return false
	}
	if !p.ExpiredAt.IsZero() {
		if r.ExpiresAt.IsZero() || r.ExpiresAt.After(p.ExpiredAt) {
			return false
		}
	}
	return true
}

// Cursor is a single-pass iterator over query results. Close must be called
// once the caller is done, even after Next returned false.
type Cursor interface {
	Next(ctx context.Context) bool
	Record() *Record
	Err() error
	Close() error
}

// SliceCursor is a Cursor over records already held in memory.
type SliceCursor struct {
	records []*Record
	pos     int
	err     error
}

func NewSliceCursor(records []*Record) *SliceCursor {
	return &SliceCursor{records: records, pos: -1}
}

func (c *SliceCursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		c.err = err
		return false
	}
	if c.pos+1 >= len(c.records) {
		c.pos = len(c.records)
		return false
	}
	c.pos++
	return true
}

func (c *SliceCursor) Record() *Record {
	if c.pos < 0 || c.pos >= len(c.records) {
		return nil
	}
	return c.records[c.pos]
}

func (c *SliceCursor) Err() error { return c.err }

func (c *SliceCursor) Close() error {
	c.records = nil
	return nil
}

// Collect drains a cursor into a slice and closes it.
func Collect(ctx context.Context, cur Cursor) ([]*Record, error) {
	defer cur.Close()
	var out []*Record
	for cur.Next(ctx) {
		out = append(out, cur.Record())
	}
	return out, cur.Err()
}
