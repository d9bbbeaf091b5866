package sqlstore

import (
	"fmt"
	"strconv"
	"strings"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func (d dialect) String() string {
	if d == dialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

const sqlitePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

// parseDSN maps a connection string to a dialect, driver name and
// driver-specific data source. postgres:// URLs go to lib/pq, everything else
// is treated as a SQLite file.
func parseDSN(dsn string) (dialect, string, string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return 0, "", "", fmt.Errorf("empty database connection string")
	}

	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return dialectPostgres, "postgres", dsn, nil
	case strings.HasPrefix(dsn, "sqlite://"):
		dsn = strings.TrimPrefix(dsn, "sqlite://")
	case strings.HasPrefix(dsn, "sqlite:"):
		dsn = strings.TrimPrefix(dsn, "sqlite:")
	case strings.HasPrefix(dsn, "file:"):
		dsn = strings.TrimPrefix(dsn, "file:")
	}

	path, query, _ := strings.Cut(dsn, "?")
	if path == "" {
		return 0, "", "", fmt.Errorf("sqlite connection string has no path")
	}
	source := "file:" + path + "?" + sqlitePragmas
	if query != "" {
		source += "&" + query
	}
	return dialectSQLite, "sqlite", source, nil
}

// rebind rewrites ? placeholders to the dialect's form.
func (d dialect) rebind(query string) string {
	if d != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
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
