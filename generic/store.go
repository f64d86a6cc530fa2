/*
store.go - Interfaces to the engine's external collaborators

PURPOSE:
  The engine itself performs no I/O. Raw records, the classification
  catalog, and finished tables come from and go to collaborators with the
  narrow contracts below. Different implementations read local files,
  call remote catalogs, or persist to SQLite or memory.

KEY INTERFACES:
  RawSource:            Typed raw records for one (region, vintage)
  ClassificationSource: Full sorted classification catalog
  TableStore:           Persistence sink for finished tables

WRITE CONTRACT:
  TableStore saves whole tables. Saving again under the same key replaces
  the previous table. The engine does not retry or verify writes; failures
  are returned to the caller as-is.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite-backed TableStore
  - generic/store/memory.go: In-memory TableStore for testing
  - source/microdata.go: RawSource over extracted RAIS text files
  - source/cnae.go: ClassificationSource over the IBGE CNAE API

SEE ALSO:
  - rais/pipeline.go: Wires the collaborators to the engine
*/
package generic

import "context"

// =============================================================================
// SOURCES
// =============================================================================

// RawSource supplies the typed raw records of one region and vintage.
// Columns not in the vintage schema are already stripped.
type RawSource interface {
	Records(ctx context.Context, region string, vintage Vintage) ([]RawRecord, error)
}

// ClassificationSource supplies the full classification catalog.
type ClassificationSource interface {
	Entries(ctx context.Context) ([]ClassificationEntry, error)
}

// =============================================================================
// TABLE STORE
// =============================================================================

// Level names the granularity of a rolled-up table.
type Level string

const (
	LevelBase    Level = "base"
	LevelState   Level = "state"
	LevelCountry Level = "country"
	LevelCut     Level = "cut"
)

// TableKey identifies a persisted table: (region or cut name, vintage) at a level.
type TableKey struct {
	Level   Level  `json:"level"`
	Name    string `json:"name"`
	Vintage string `json:"vintage"`
}

// TableStore persists finished tables.
type TableStore interface {
	// SaveBaseTable persists a municipality x class grid under (region, vintage).
	SaveBaseTable(ctx context.Context, region, vintage string, g *Grid[int]) error

	// LoadBaseTable returns ErrTableNotFound when nothing was saved.
	LoadBaseTable(ctx context.Context, region, vintage string) (*Grid[int], error)

	// SaveClassTable persists a decorated rolled-up table.
	SaveClassTable(ctx context.Context, key TableKey, t DescribedTable) error

	// LoadClassTable returns ErrTableNotFound when nothing was saved.
	LoadClassTable(ctx context.Context, key TableKey) (DescribedTable, error)

	// ListTables returns every stored key, sorted by level, name, vintage.
	ListTables(ctx context.Context) ([]TableKey, error)
}
