// Package repository holds the MySQL data access layer.  Every query runs
// either on the repository's *sql.DB or, for the *Tx variants, on a
// caller-owned transaction so services control the transactional grouping.
package repository

import (
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"
)

// Shared sentinels.  Services translate them to apperr kinds.
var (
	// ErrConflict is returned when a write collides with a unique key.
	ErrConflict = errors.New("conflict")
	// ErrReferenced is returned when a delete is blocked by rows that still
	// reference the target (FK RESTRICT).
	ErrReferenced = errors.New("still referenced")
	// ErrBadReference is returned when an insert names a parent row that
	// does not exist.
	ErrBadReference = errors.New("referenced row does not exist")
)

const (
	mysqlDuplicateEntry  = 1062
	mysqlRowIsReferenced = 1451
	mysqlNoReferencedRow = 1452
)

func mysqlCode(err error) uint16 {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number
	}
	return 0
}

// translate maps driver errors onto the shared sentinels.  notFound is
// returned for sql.ErrNoRows; dup for duplicate keys.
func translate(err, notFound, dup error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows) && notFound != nil:
		return notFound
	}
	switch mysqlCode(err) {
	case mysqlDuplicateEntry:
		if dup != nil {
			return dup
		}
		return ErrConflict
	case mysqlRowIsReferenced:
		return ErrReferenced
	case mysqlNoReferencedRow:
		return ErrBadReference
	}
	return err
}
