/*
errors.go - Centralized error types for the aggregation engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain packages wrap these errors with additional context.

ERROR CATEGORIES:
  1. Schema errors - Vintage not registered (fatal for the call)
  2. Lookup errors - Classification code or table missing
  3. Shape errors - Keys or classes outside a grid

NOT ERRORS:
  An empty group is not an error; it aggregates to a well-defined zero row.
  Out-of-range ordinal codes are not detected here; the aggregator treats
  them as opaque integers and the averages will reflect them.

USAGE:
  if errors.Is(err, generic.ErrMissingVintageSchema) {
      // abort this vintage
  }

SEE ALSO:
  - schema.go: Returns MissingVintageError
  - classification.go: Returns ClassificationNotFoundError
  - rollup.go: Returns UnknownDimensionError
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrMissingVintageSchema is returned when a vintage has no registered
	// field mapping.
	ErrMissingVintageSchema = errors.New("missing vintage schema")

	// ErrClassificationNotFound is returned when a class code is absent from
	// the loaded classification catalog.
	ErrClassificationNotFound = errors.New("classification not found")

	// ErrUnknownDimension is returned when a rollup names a key the grid
	// does not contain.
	ErrUnknownDimension = errors.New("unknown dimension key")

	// ErrCellNotInGrid is returned when writing a (key, class) pair outside
	// the grid's axes.
	ErrCellNotInGrid = errors.New("cell not in grid")

	// ErrClassAxisMismatch is returned when tables folded together do not
	// share the same class axis.
	ErrClassAxisMismatch = errors.New("class axis mismatch")

	// ErrTableNotFound is returned by stores when no table exists for a key.
	ErrTableNotFound = errors.New("table not found")

	// ErrInvalidField is returned when a vintage maps a column to a role
	// with the wrong field type or month.
	ErrInvalidField = errors.New("invalid field mapping")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// MissingVintageError names the vintage that has no schema.
type MissingVintageError struct {
	Vintage string
}

func (e *MissingVintageError) Error() string {
	return fmt.Sprintf("missing vintage schema: %q", e.Vintage)
}

func (e *MissingVintageError) Unwrap() error {
	return ErrMissingVintageSchema
}

// ClassificationNotFoundError names the code missing from the catalog.
type ClassificationNotFoundError struct {
	Code ClassCode
}

func (e *ClassificationNotFoundError) Error() string {
	return fmt.Sprintf("classification not found: %q", e.Code)
}

func (e *ClassificationNotFoundError) Unwrap() error {
	return ErrClassificationNotFound
}

// UnknownDimensionError names the key a rollup could not find.
type UnknownDimensionError struct {
	Key any
}

func (e *UnknownDimensionError) Error() string {
	return fmt.Sprintf("unknown dimension key: %v", e.Key)
}

func (e *UnknownDimensionError) Unwrap() error {
	return ErrUnknownDimension
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTableNotFound) ||
		errors.Is(err, ErrClassificationNotFound) ||
		errors.Is(err, ErrMissingVintageSchema)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrUnknownDimension) ||
		errors.Is(err, ErrCellNotInGrid) ||
		errors.Is(err, ErrClassAxisMismatch)
}
