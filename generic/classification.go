package generic

import (
	"sort"
)

// =============================================================================
// CLASSIFICATION INDEX - Code -> description, for output decoration only
// =============================================================================

// PlaceholderDescription decorates rows whose class is missing from the
// catalog. Such rows are still emitted.
const PlaceholderDescription = "(classe não catalogada)"

// ClassificationIndex is a read-only lookup table built from a catalog.
type ClassificationIndex struct {
	descriptions map[ClassCode]string
	codes        []ClassCode
}

// NewClassificationIndex indexes the entries. Duplicate codes keep the last
// description.
func NewClassificationIndex(entries []ClassificationEntry) *ClassificationIndex {
	idx := &ClassificationIndex{descriptions: make(map[ClassCode]string, len(entries))}
	for _, e := range entries {
		idx.descriptions[e.Code] = e.Description
	}
	idx.codes = make([]ClassCode, 0, len(idx.descriptions))
	for c := range idx.descriptions {
		idx.codes = append(idx.codes, c)
	}
	sort.Slice(idx.codes, func(i, j int) bool { return idx.codes[i] < idx.codes[j] })
	return idx
}

// Describe returns the description of a code.
func (idx *ClassificationIndex) Describe(code ClassCode) (string, error) {
	d, ok := idx.descriptions[code]
	if !ok {
		return "", &ClassificationNotFoundError{Code: code}
	}
	return d, nil
}

// Codes returns every catalogued code in ascending order.
func (idx *ClassificationIndex) Codes() []ClassCode {
	return idx.codes
}

// Len returns the number of catalogued codes.
func (idx *ClassificationIndex) Len() int { return len(idx.codes) }

// =============================================================================
// DECORATION
// =============================================================================

// DescribedRow is one row of a fully rolled-up table.
type DescribedRow struct {
	Class       ClassCode `json:"class"`
	Description string    `json:"description"`
	Aggregate
}

// DescribedTable is a rolled-up table decorated with class descriptions.
type DescribedTable struct {
	Rows []DescribedRow `json:"rows"`
}

// Table strips the descriptions back off.
func (t DescribedTable) Table() ClassTable {
	out := ClassTable{
		Classes:    make([]ClassCode, len(t.Rows)),
		Aggregates: make([]Aggregate, len(t.Rows)),
	}
	for i, r := range t.Rows {
		out.Classes[i] = r.Class
		out.Aggregates[i] = r.Aggregate
	}
	return out
}

// Decorate attaches descriptions to every row of t, in order. Codes missing
// from the index get PlaceholderDescription and are returned so callers can
// report them.
func Decorate(t ClassTable, idx *ClassificationIndex) (DescribedTable, []ClassCode) {
	var missing []ClassCode
	rows := make([]DescribedRow, len(t.Classes))
	for i, code := range t.Classes {
		desc, err := idx.Describe(code)
		if err != nil {
			desc = PlaceholderDescription
			missing = append(missing, code)
		}
		rows[i] = DescribedRow{Class: code, Description: desc, Aggregate: t.Aggregates[i]}
	}
	return DescribedTable{Rows: rows}, missing
}
