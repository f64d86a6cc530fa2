/*
Package generic provides the core aggregation engine.

PURPOSE:
  This package contains the domain-agnostic types and algorithms that turn
  raw worker-year records into compact summary tables. The same engine
  computes per-group statistics from raw records and merges lower-level
  aggregates into higher-level ones (municipality -> state -> country, or a
  named subset of municipalities) without re-reading raw data.

KEY CONCEPTS IN THIS FILE (types.go):
  - RawRecord: One worker-year observation, already typed
  - Aggregate: One row of a summary table (sums and weighted means)
  - ClassCode: Economic-activity classification identifier
  - ClassTable: One aggregate per class, the shape of every rolled-up level

DESIGN PRINCIPLES:
  1. Immutability: Aggregates are values; rollups produce new ones
  2. Determinism: Keys and classes are always sorted before use
  3. No I/O: Reading and persisting tables is the collaborators' job
  4. Explicit floors: Division guards are named parameters, not literals

USAGE:
  agg := generic.NewGroupAggregator()
  a, err := agg.Aggregate(records, generic.VintageMonthly)

  grid := generic.BuildGrid(municipalities, classes)
  state, err := generic.Rollup(generic.NewRollupEngine(), grid, nil)

SEE ALSO:
  - aggregator.go: Per-group statistics
  - grid.go: Dense key x class tables
  - rollup.go: Weighted hierarchical merge
  - classification.go: Code to description lookup
*/
package generic

// =============================================================================
// CLASS CODES
// =============================================================================

// ClassCode identifies an economic-activity class (e.g. CNAE "01113").
// Codes order lexically, which matches the numeric order of fixed-width codes.
type ClassCode string

// =============================================================================
// RAW RECORD - One worker-year, already typed by the reader
// =============================================================================

// MonthsBeforeDecember is the number of explicit monthly figures (Jan..Nov)
// carried by monthly vintages. December is carried separately.
const MonthsBeforeDecember = 11

// RawRecord is a single worker-year observation.
//
// Annual vintages fill AvgRemuneration and DecemberRemuneration only.
// Monthly vintages also fill MonthlyRemuneration (January through November).
// EducationLevel (1-11) and EstablishmentSize (0-9) are ordinal codes and
// are not range-checked here.
type RawRecord struct {
	Municipality         int
	Class                ClassCode
	EducationLevel       int
	EstablishmentSize    int
	AvgRemuneration      float64
	DecemberRemuneration float64
	MonthlyRemuneration  [MonthsBeforeDecember]float64
}

// =============================================================================
// AGGREGATE - One summary row
// =============================================================================

// Aggregate holds the statistics of one (key, class) cell.
//
// LaborValue and Employment are plain sums. AvgEducation is always
// employment-weighted. AvgEstablishmentSize is record-weighted at the base
// level and employment-weighted at every rollup level above it.
type Aggregate struct {
	LaborValue           float64 `json:"labor_value"`
	Employment           float64 `json:"employment"`
	AvgEducation         float64 `json:"avg_education"`
	AvgEstablishmentSize float64 `json:"avg_establishment_size"`
}

// IsZero reports whether every field is exactly zero.
func (a Aggregate) IsZero() bool {
	return a == Aggregate{}
}

// =============================================================================
// CLASS TABLE - One aggregate per class
// =============================================================================

// ClassTable is a fixed-shape column of aggregates, one per class, in
// ascending class order. It is the shape of a single municipality's slice of
// a base grid and of every rolled-up level.
type ClassTable struct {
	Classes    []ClassCode `json:"classes"`
	Aggregates []Aggregate `json:"aggregates"`
}

// Len returns the number of classes.
func (t ClassTable) Len() int { return len(t.Classes) }

// Get returns the aggregate for a class.
func (t ClassTable) Get(code ClassCode) (Aggregate, bool) {
	i, ok := searchClass(t.Classes, code)
	if !ok {
		return Aggregate{}, false
	}
	return t.Aggregates[i], true
}

// Align returns t re-indexed onto classes (sorted ascending), zero-filling
// classes t lacks. Every class of t must appear in classes.
func (t ClassTable) Align(classes []ClassCode) (ClassTable, error) {
	out := ClassTable{
		Classes:    append([]ClassCode(nil), classes...),
		Aggregates: make([]Aggregate, len(classes)),
	}
	for i, code := range t.Classes {
		j, ok := searchClass(out.Classes, code)
		if !ok {
			return ClassTable{}, ErrClassAxisMismatch
		}
		out.Aggregates[j] = t.Aggregates[i]
	}
	return out, nil
}

// Totals returns the plain sums of LaborValue and Employment across all rows.
func (t ClassTable) Totals() (laborValue, employment float64) {
	for _, a := range t.Aggregates {
		laborValue += a.LaborValue
		employment += a.Employment
	}
	return laborValue, employment
}

// =============================================================================
// CLASSIFICATION ENTRY
// =============================================================================

// ClassificationEntry pairs a class code with its free-text description.
type ClassificationEntry struct {
	Code        ClassCode `json:"code"`
	Description string    `json:"description"`
}
