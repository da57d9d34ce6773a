// Package repositories is the data access layer for sensorhub. Handlers and
// services never issue SQL directly; every query lives here so it can be
// tested against sqlmock in isolation.
package repositories

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

var (
	// ErrConflict means a unique constraint rejected the write.
	ErrConflict = errors.New("already exists")

	// ErrNotFound means an update or delete matched no row.
	ErrNotFound = errors.New("not found")
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// translateError maps driver errors onto the package sentinels.
func translateError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrConflict, pqErr.Constraint)
	}
	return err
}
