package generic

import (
	"cmp"
	"slices"
	"sort"
)

// =============================================================================
// GRID - Dense key x class table
// =============================================================================
//
// A Grid enumerates every (key, class) pair, zero-filled where raw data has
// nothing, so persisted tables have a fixed shape regardless of sparsity.
//
// ORDERING:
//   Keys and classes are deduplicated and sorted ascending when the grid is
//   built. Rows are key-major, class-minor. Downstream consumers depend on
//   this order; two runs over the same inputs produce identical row order.
// =============================================================================

// Grid holds |keys| x |classes| aggregates.
type Grid[K cmp.Ordered] struct {
	keys    []K
	classes []ClassCode
	cells   []Aggregate
	index   map[K]int
}

// Row is one cell of a grid, keyed by dimension and class.
type Row[K cmp.Ordered] struct {
	Key   K         `json:"key"`
	Class ClassCode `json:"class"`
	Aggregate
}

// BuildGrid returns a zero-valued grid over the sorted, deduplicated axes.
func BuildGrid[K cmp.Ordered](keys []K, classes []ClassCode) *Grid[K] {
	k := SortedKeys(keys)
	c := SortedClasses(classes)

	g := &Grid[K]{
		keys:    k,
		classes: c,
		cells:   make([]Aggregate, len(k)*len(c)),
		index:   make(map[K]int, len(k)),
	}
	for i, key := range k {
		g.index[key] = i
	}
	return g
}

// SortedKeys returns a sorted copy of keys without duplicates.
func SortedKeys[K cmp.Ordered](keys []K) []K {
	out := slices.Clone(keys)
	slices.Sort(out)
	return slices.Compact(out)
}

// SortedClasses returns a sorted copy of classes without duplicates.
func SortedClasses(classes []ClassCode) []ClassCode {
	return SortedKeys(classes)
}

// Keys returns the sorted dimension axis. The slice must not be modified.
func (g *Grid[K]) Keys() []K { return g.keys }

// Classes returns the sorted class axis. The slice must not be modified.
func (g *Grid[K]) Classes() []ClassCode { return g.classes }

// Len returns the number of rows (|keys| x |classes|).
func (g *Grid[K]) Len() int { return len(g.cells) }

// At returns the aggregate at (key, class).
func (g *Grid[K]) At(key K, class ClassCode) (Aggregate, bool) {
	i, ok := g.cell(key, class)
	if !ok {
		return Aggregate{}, false
	}
	return g.cells[i], true
}

// Set stores the aggregate at (key, class).
// Distinct cells may be set concurrently; the axes never change after build.
func (g *Grid[K]) Set(key K, class ClassCode, a Aggregate) error {
	i, ok := g.cell(key, class)
	if !ok {
		return ErrCellNotInGrid
	}
	g.cells[i] = a
	return nil
}

// Table returns a copy of the class column for one key.
func (g *Grid[K]) Table(key K) (ClassTable, bool) {
	ki, ok := g.index[key]
	if !ok {
		return ClassTable{}, false
	}
	n := len(g.classes)
	return ClassTable{
		Classes:    slices.Clone(g.classes),
		Aggregates: slices.Clone(g.cells[ki*n : (ki+1)*n]),
	}, true
}

// SetTable stores a whole class column for one key. The table must carry
// exactly the grid's class axis.
func (g *Grid[K]) SetTable(key K, t ClassTable) error {
	ki, ok := g.index[key]
	if !ok {
		return ErrCellNotInGrid
	}
	if !slices.Equal(t.Classes, g.classes) || len(t.Aggregates) != len(t.Classes) {
		return ErrClassAxisMismatch
	}
	n := len(g.classes)
	copy(g.cells[ki*n:(ki+1)*n], t.Aggregates)
	return nil
}

// Clone returns a deep copy.
func (g *Grid[K]) Clone() *Grid[K] {
	out := BuildGrid(g.keys, g.classes)
	copy(out.cells, g.cells)
	return out
}

// Rows returns every cell in key-major, class-minor order.
func (g *Grid[K]) Rows() []Row[K] {
	rows := make([]Row[K], 0, len(g.cells))
	n := len(g.classes)
	for ki, key := range g.keys {
		for ci, class := range g.classes {
			rows = append(rows, Row[K]{Key: key, Class: class, Aggregate: g.cells[ki*n+ci]})
		}
	}
	return rows
}

func (g *Grid[K]) cell(key K, class ClassCode) (int, bool) {
	ki, ok := g.index[key]
	if !ok {
		return 0, false
	}
	ci, ok := searchClass(g.classes, class)
	if !ok {
		return 0, false
	}
	return ki*len(g.classes) + ci, true
}

func searchClass(classes []ClassCode, code ClassCode) (int, bool) {
	i := sort.Search(len(classes), func(i int) bool { return classes[i] >= code })
	return i, i < len(classes) && classes[i] == code
}
