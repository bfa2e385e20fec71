package ticket

import (
	"crypto/rand"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/oklog/ulid"
)

var idCounter atomic.Uint64

// NewID generates a ticket id shaped like "TGT-1-01J...-suffix". The prefix
// names the ticket kind and the optional suffix usually identifies the node
// that issued the ticket.
func NewID(prefix, suffix string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSuffix(prefix, "-"))
	b.WriteByte('-')
	b.WriteString(strconv.FormatUint(idCounter.Add(1), 10))
	b.WriteByte('-')
	b.WriteString(ulid.MustNew(ulid.Now(), rand.Reader).String())
	if suffix != "" {
		b.WriteByte('-')
		b.WriteString(suffix)
	}
	return b.String()
}
