package store

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"tigerden/api/internal/util"
)

// ErrDuplicate is returned when an insert hits a unique constraint. The
// wrapped message names the constraint so callers can tell alias clashes
// apart from one-shot engagement rows.
var ErrDuplicate = errors.New("duplicate row")

const (
	uniqueViolation           = "23505"
	invalidTextRepresentation = "22P02"
)

// IsMalformedID reports whether Postgres rejected a value bound to a uuid
// column. Such a row cannot exist, so callers treat it as not found.
func IsMalformedID(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == invalidTextRepresentation
}

// wellFormed short-circuits lookups by id: anything that is not a UUID
// cannot match a primary key.
func wellFormed(ids ...string) bool {
	for _, id := range ids {
		if !util.IsUUID(id) {
			return false
		}
	}
	return true
}

func isUniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}

// wrapWrite turns a unique violation into ErrDuplicate and otherwise wraps
// err with the failing operation.
func wrapWrite(op string, err error) error {
	if constraint, ok := isUniqueViolation(err); ok {
		return fmt.Errorf("%s: %w (%s)", op, ErrDuplicate, constraint)
	}
	return fmt.Errorf("%s: %w", op, err)
}
