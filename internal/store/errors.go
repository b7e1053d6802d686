package store

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a read expects an id that is absent.
// Callers surface it; it is never retried.
var ErrNotFound = errors.New("not found")

// ErrConstraint is returned on duplicate keys or invariant breaches.
// Fatal to the single operation only.
var ErrConstraint = errors.New("constraint violation")

// mapErr converts driver errors into the store's error taxonomy.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "23514", "23503": // unique, check, foreign key
			return fmt.Errorf("%s: %w: %s", op, ErrConstraint, pgErr.Message)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
