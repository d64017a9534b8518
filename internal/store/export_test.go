package store

import "github.com/jmoiron/sqlx"

// SetAfterContentInsert installs a hook that runs between the content insert and the state flip
func SetAfterContentInsert(s *Store, fn func(tx *sqlx.Tx) error) {
	s.afterContentInsert = fn
}
