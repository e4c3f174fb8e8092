package sqlstore

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect names accepted by Open and New.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// timeLayout is fixed width so TEXT timestamps compare lexically in SQLite.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type dialect struct {
	name string
	// lockSuffix is appended to row reads that must hold the row until commit.
	lockSuffix string
}

func lookupDialect(name string) (*dialect, error) {
	switch name {
	case DialectPostgres:
		return &dialect{name: DialectPostgres, lockSuffix: " FOR UPDATE"}, nil
	case DialectSQLite:
		// a single connection serializes writers; there is no row lock syntax
		return &dialect{name: DialectSQLite}, nil
	default:
		return nil, fmt.Errorf("unsupported dialect %q", name)
	}
}

// rebind rewrites ? placeholders to $n for postgres.
func (d *dialect) rebind(query string) string {
	if d.name != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (d *dialect) timeArg(t time.Time) any {
	if d.name == DialectSQLite {
		return t.UTC().Format(timeLayout)
	}
	return t.UTC()
}

func (d *dialect) nullTimeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return d.timeArg(*t)
}

func isDuplicate(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func isCheckViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23514"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_CHECK
	}
	return false
}
