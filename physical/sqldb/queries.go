package sqldb

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/stephnangue/turnstile/helper"
	"github.com/stephnangue/turnstile/physical"
)

const ticketColumns = "id, kind, principal, parent_id, storage_class, issued_at, last_used_at, expires_at, body, signature"

type queries struct {
	putQuery          string
	getQuery          string
	getForUpdateQuery string
	deleteQuery       string
	lockAcquireExec   string
	lockReleaseExec   string
	lockGetQuery      string
}

func buildQueries(d Dialect) queries {
	ph := d.Placeholder
	values := make([]string, 10)
	for n := range values {
		values[n] = ph(n + 1)
	}

	q := queries{
		putQuery: "INSERT INTO " + TicketTable + " (" + ticketColumns + ")" +
			" VALUES (" + strings.Join(values, ", ") + ")" +
			" ON CONFLICT (id) DO UPDATE SET" +
			" kind = EXCLUDED.kind, principal = EXCLUDED.principal, parent_id = EXCLUDED.parent_id," +
			" storage_class = EXCLUDED.storage_class, issued_at = EXCLUDED.issued_at," +
			" last_used_at = EXCLUDED.last_used_at, expires_at = EXCLUDED.expires_at," +
			" body = EXCLUDED.body, signature = EXCLUDED.signature",
		getQuery:    "SELECT " + ticketColumns + " FROM " + TicketTable + " WHERE id = " + ph(1),
		deleteQuery: "DELETE FROM " + TicketTable + " WHERE id = " + ph(1),

		// The conditional update is the whole lock protocol: a row is
		// written when absent, when the held lease has lapsed at the time
		// of this attempt, or when the caller already owns it.
		lockAcquireExec: "INSERT INTO " + LockTable + " (lock_id, owner, acquired_at, expires_at)" +
			" VALUES (" + ph(1) + ", " + ph(2) + ", " + ph(3) + ", " + ph(4) + ")" +
			" ON CONFLICT (lock_id) DO UPDATE SET" +
			" owner = EXCLUDED.owner, acquired_at = EXCLUDED.acquired_at, expires_at = EXCLUDED.expires_at" +
			" WHERE " + LockTable + ".expires_at <= EXCLUDED.acquired_at OR " + LockTable + ".owner = EXCLUDED.owner",
		lockReleaseExec: "DELETE FROM " + LockTable + " WHERE lock_id = " + ph(1) + " AND owner = " + ph(2),
		lockGetQuery:    "SELECT lock_id, owner, acquired_at, expires_at FROM " + LockTable + " WHERE lock_id = " + ph(1),
	}
	q.getForUpdateQuery = q.getQuery
	if d.RowLocks {
		q.getForUpdateQuery += " FOR UPDATE"
	}
	return q
}

// selectQuery renders the predicate as a SELECT ordered by id.
func selectQuery(d Dialect, p physical.Predicate) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, d.Placeholder(len(args))))
	}
	if p.Kind != "" {
		add("kind = %s", p.Kind)
	}
	if p.Principal != "" {
		add("principal = %s", p.Principal)
	}
	if p.ParentID != "" {
		add("parent_id = %s", p.ParentID)
	}
	if !p.ExpiredAt.IsZero() {
		add("expires_at > 0 AND expires_at <= %s", helper.UnixMilli(p.ExpiredAt))
	}
	if p.After != "" {
		add("id > %s", p.After)
	}

	var sb strings.Builder
	sb.WriteString("SELECT " + ticketColumns + " FROM " + TicketTable)
	if len(where) > 0 {
		sb.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY id")
	if p.Limit > 0 {
		sb.WriteString(" LIMIT " + strconv.Itoa(p.Limit))
	}
	return sb.String(), args
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*physical.Record, error) {
	var (
		rec                         physical.Record
		issued, lastUsed, expiresAt int64
	)
	if err := row.Scan(&rec.ID, &rec.Kind, &rec.Principal, &rec.ParentID, &rec.StorageClass,
		&issued, &lastUsed, &expiresAt, &rec.Body, &rec.Signature); err != nil {
		return nil, err
	}
	rec.IssuedAt = helper.FromUnixMilli(issued)
	rec.LastUsedAt = helper.FromUnixMilli(lastUsed)
	rec.ExpiresAt = helper.FromUnixMilli(expiresAt)
	return &rec, nil
}

func recordArgs(rec *physical.Record) []any {
	return []any{
		rec.ID, rec.Kind, rec.Principal, rec.ParentID, rec.StorageClass,
		helper.UnixMilli(rec.IssuedAt), helper.UnixMilli(rec.LastUsedAt), helper.UnixMilli(rec.ExpiresAt),
		rec.Body, rec.Signature,
	}
}
