package storage

import (
	"embed"
	"strconv"
	"strings"
)

//go:embed schema_sqlite.sql schema_postgres.sql
var schemaFS embed.FS

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

func (d dialect) schema() (string, error) {
	name := "schema_sqlite.sql"
	if d == dialectPostgres {
		name = "schema_postgres.sql"
	}
	b, err := schemaFS.ReadFile(name)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// rebind rewrites '?' placeholders to '$1..$n' for postgres.
// Queries here never carry '?' inside string literals.
func (d dialect) rebind(q string) string {
	if d != dialectPostgres || !strings.Contains(q, "?") {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}
