package generic

import (
	"fmt"
	"sort"
)

// =============================================================================
// VINTAGE KIND - How a dataset year reports remuneration
// =============================================================================

type VintageKind string

const (
	// VintageAnnual carries one average remuneration plus December.
	VintageAnnual VintageKind = "annual"

	// VintageMonthly carries January..November, December and the average.
	VintageMonthly VintageKind = "monthly"
)

// =============================================================================
// FIELD MAPPING
// =============================================================================

type FieldType string

const (
	FieldString FieldType = "string"
	FieldFloat  FieldType = "float"
)

// FieldRole says which RawRecord field a raw column feeds.
type FieldRole string

const (
	RoleMunicipality      FieldRole = "municipality"
	RoleClass             FieldRole = "class"
	RoleEducation         FieldRole = "education"
	RoleEstablishmentSize FieldRole = "establishment_size"
	RoleAvgRemuneration   FieldRole = "avg_remuneration"
	RoleDecember          FieldRole = "december_remuneration"
	RoleMonth             FieldRole = "month"
)

// Type returns the raw type a column feeding r must be read as.
// Codes and ordinals are text in the raw files; remunerations are decimals.
func (r FieldRole) Type() FieldType {
	switch r {
	case RoleAvgRemuneration, RoleDecember, RoleMonth:
		return FieldFloat
	default:
		return FieldString
	}
}

// Field maps one raw column to a record field.
// Month is 1..11 for RoleMonth and zero otherwise.
type Field struct {
	Column string
	Type   FieldType
	Role   FieldRole
	Month  int
}

// Validate checks that Type agrees with Role and that Month is set only,
// and within range, for monthly columns.
func (f Field) Validate() error {
	if f.Type != f.Role.Type() {
		return fmt.Errorf("%w: column %q feeds %s and must be %s, not %q",
			ErrInvalidField, f.Column, f.Role, f.Role.Type(), f.Type)
	}
	if f.Role == RoleMonth {
		if f.Month < 1 || f.Month > MonthsBeforeDecember {
			return fmt.Errorf("%w: column %q: month %d out of range", ErrInvalidField, f.Column, f.Month)
		}
	} else if f.Month != 0 {
		return fmt.Errorf("%w: column %q: month set on %s", ErrInvalidField, f.Column, f.Role)
	}
	return nil
}

// Vintage is the field schema of one dataset year.
type Vintage struct {
	Year   string
	Kind   VintageKind
	Fields []Field
}

// Columns returns the raw column names the vintage uses, in declaration order.
func (v Vintage) Columns() []string {
	cols := make([]string, len(v.Fields))
	for i, f := range v.Fields {
		cols[i] = f.Column
	}
	return cols
}

// Field returns the mapping for a raw column.
func (v Vintage) Field(column string) (Field, bool) {
	for _, f := range v.Fields {
		if f.Column == column {
			return f, true
		}
	}
	return Field{}, false
}

// =============================================================================
// CATALOG
// =============================================================================

// Catalog registers the vintages a pipeline can aggregate.
type Catalog struct {
	vintages map[string]Vintage
}

// NewCatalog builds a catalog. Later entries replace earlier ones with the
// same year.
func NewCatalog(vintages ...Vintage) *Catalog {
	c := &Catalog{vintages: make(map[string]Vintage, len(vintages))}
	for _, v := range vintages {
		c.vintages[v.Year] = v
	}
	return c
}

// Lookup returns the schema for a year.
func (c *Catalog) Lookup(year string) (Vintage, error) {
	v, ok := c.vintages[year]
	if !ok {
		return Vintage{}, &MissingVintageError{Vintage: year}
	}
	return v, nil
}

// Years returns the registered years in ascending order.
func (c *Catalog) Years() []string {
	years := make([]string, 0, len(c.vintages))
	for y := range c.vintages {
		years = append(years, y)
	}
	sort.Strings(years)
	return years
}
