package generic

import (
	"cmp"
	"slices"
)

// =============================================================================
// ROLLUP ENGINE - Weighted hierarchical merge
// =============================================================================
//
// A rollup folds child class tables (one per municipality, or per state)
// into one table at the next level, class by class, in ascending key order:
//
//   labor_value  += child.labor_value
//   avg_*         = (avg_* x employment + child.avg_* x child.employment)
//                   / (employment + child.employment)
//   employment   += child.employment        (last, so means use the old total)
//
// Both averages are employment-weighted here, including establishment size,
// which is record-weighted at the base level.
//
// FLOOR:
//   Running employment is seeded with EmploymentFloor so the first fold never
//   divides by zero. The floor is never subtracted: every rolled-up row
//   carries it in Employment, and it slightly dilutes the averages of the
//   first child. Output parity with published tables depends on this.
//
// ORDER:
//   Floating-point folds are not associative. Children are always folded in
//   the order given to Merge, and Rollup sorts keys first. Do not parallelize
//   the fold sequence.
// =============================================================================

// DefaultEmploymentFloor seeds the running employment of every rollup.
const DefaultEmploymentFloor = 0.000001

// RollupEngine merges class tables. The zero value uses a zero floor; use
// NewRollupEngine for the published methodology.
type RollupEngine struct {
	EmploymentFloor float64
}

// NewRollupEngine returns an engine seeded with DefaultEmploymentFloor.
func NewRollupEngine() RollupEngine {
	return RollupEngine{EmploymentFloor: DefaultEmploymentFloor}
}

// Seed returns the initial running aggregate of one class.
func (e RollupEngine) Seed() Aggregate {
	return Aggregate{Employment: e.EmploymentFloor}
}

// Fold merges one child aggregate into a running aggregate and returns the
// new running aggregate. Neither argument is modified.
func (e RollupEngine) Fold(acc, child Aggregate) Aggregate {
	out := acc
	if denom := acc.Employment + child.Employment; denom != 0 {
		out.AvgEducation = (acc.AvgEducation*acc.Employment + child.AvgEducation*child.Employment) / denom
		out.AvgEstablishmentSize = (acc.AvgEstablishmentSize*acc.Employment + child.AvgEstablishmentSize*child.Employment) / denom
	}
	out.LaborValue = acc.LaborValue + child.LaborValue
	out.Employment = acc.Employment + child.Employment
	return out
}

// Merge folds children, in order, into one table over classes.
// Every child must carry exactly the given class axis.
func (e RollupEngine) Merge(classes []ClassCode, children []ClassTable) (ClassTable, error) {
	out := ClassTable{
		Classes:    slices.Clone(classes),
		Aggregates: make([]Aggregate, len(classes)),
	}
	for i := range out.Aggregates {
		out.Aggregates[i] = e.Seed()
	}

	for _, child := range children {
		if !slices.Equal(child.Classes, classes) || len(child.Aggregates) != len(classes) {
			return ClassTable{}, ErrClassAxisMismatch
		}
		for i, a := range child.Aggregates {
			out.Aggregates[i] = e.Fold(out.Aggregates[i], a)
		}
	}
	return out, nil
}

// Rollup merges the class columns of the given keys of a grid, folded in
// ascending key order. A nil or empty subset selects every key. Keys absent
// from the grid fail with an UnknownDimensionError.
func Rollup[K cmp.Ordered](e RollupEngine, g *Grid[K], subset []K) (ClassTable, error) {
	keys := g.Keys()
	if len(subset) > 0 {
		keys = SortedKeys(subset)
	}

	children := make([]ClassTable, 0, len(keys))
	for _, k := range keys {
		t, ok := g.Table(k)
		if !ok {
			return ClassTable{}, &UnknownDimensionError{Key: k}
		}
		children = append(children, t)
	}
	return e.Merge(g.Classes(), children)
}
