package postgres

import (
	"database/sql"
	"errors"

	"github.com/kozaktomas/face-recognizer/internal/apperr"
	"github.com/lib/pq"
)

const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
	pqInvalidParameter    = "22023"
)

// pqCode returns the SQLSTATE of a lib/pq error, or "".
func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// isNoRows reports whether err is sql.ErrNoRows.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// classify maps constraint violations onto the error taxonomy. Anything
// else is left for the resilience layer to treat as a storage failure.
func classify(op string, err error, conflictMsg, fkMsg string) error {
	switch pqCode(err) {
	case pqUniqueViolation:
		return &apperr.Error{Kind: apperr.KindConflict, Op: op, Message: conflictMsg, Err: err}
	case pqForeignKeyViolation:
		return &apperr.Error{Kind: apperr.KindValidation, Op: op, Message: fkMsg, Err: err}
	case pqInvalidParameter:
		return &apperr.Error{Kind: apperr.KindValidation, Op: op, Message: "invalid query parameter", Err: err}
	}
	return err
}
