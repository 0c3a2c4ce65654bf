package vault

import "database/sql"

// DB exposes the underlying handle so tests can exercise the schema
// triggers directly.
func (s *Store) DB() *sql.DB {
	return s.db
}
