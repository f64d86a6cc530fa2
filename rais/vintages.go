/*
vintages.go - Field schemas of the supported RAIS dataset years

PURPOSE:
  Declares which raw columns each RAIS vintage carries and which record
  field each one feeds. Columns not listed here are dropped by the reader.

VINTAGES:
  2010 (annual):  December and average remuneration only
  2017 (monthly): January..November, December and average remuneration

ADDING A YEAR:
  Column headers drift between releases. Check the header row of the new
  release and register a Vintage with the right kind; an unregistered year
  fails with generic.ErrMissingVintageSchema.

SEE ALSO:
  - generic/schema.go: Catalog and Vintage types
  - source/microdata.go: Reader that applies these schemas
*/
package rais

import "github.com/warp/rais-engine/generic"

const (
	ColClass        = "CNAE 2.0 Classe"
	ColMunicipality = "Município"
	ColSize         = "Tamanho Estabelecimento"
	ColEducation    = "Escolaridade após 2005"
	ColDecember     = "Vl Remun Dezembro Nom"
	ColAverage      = "Vl Remun Média Nom"
)

// MonthColumns are the January..November remuneration headers of monthly
// vintages.
var MonthColumns = [generic.MonthsBeforeDecember]string{
	"Vl Rem Janeiro CC",
	"Vl Rem Fevereiro CC",
	"Vl Rem Março CC",
	"Vl Rem Abril CC",
	"Vl Rem Maio CC",
	"Vl Rem Junho CC",
	"Vl Rem Julho CC",
	"Vl Rem Agosto CC",
	"Vl Rem Setembro CC",
	"Vl Rem Outubro CC",
	"Vl Rem Novembro CC",
}

func commonFields() []generic.Field {
	return []generic.Field{
		{Column: ColClass, Type: generic.FieldString, Role: generic.RoleClass},
		{Column: ColMunicipality, Type: generic.FieldString, Role: generic.RoleMunicipality},
		{Column: ColSize, Type: generic.FieldString, Role: generic.RoleEstablishmentSize},
		{Column: ColEducation, Type: generic.FieldString, Role: generic.RoleEducation},
	}
}

func remunerationFields() []generic.Field {
	return []generic.Field{
		{Column: ColDecember, Type: generic.FieldFloat, Role: generic.RoleDecember},
		{Column: ColAverage, Type: generic.FieldFloat, Role: generic.RoleAvgRemuneration},
	}
}

// AnnualVintage returns the schema of an annual-only release.
func AnnualVintage(year string) generic.Vintage {
	return generic.Vintage{
		Year:   year,
		Kind:   generic.VintageAnnual,
		Fields: append(commonFields(), remunerationFields()...),
	}
}

// MonthlyVintage returns the schema of a release with monthly figures.
func MonthlyVintage(year string) generic.Vintage {
	fields := commonFields()
	for i, col := range MonthColumns {
		fields = append(fields, generic.Field{
			Column: col,
			Type:   generic.FieldFloat,
			Role:   generic.RoleMonth,
			Month:  i + 1,
		})
	}
	return generic.Vintage{
		Year:   year,
		Kind:   generic.VintageMonthly,
		Fields: append(fields, remunerationFields()...),
	}
}

// DefaultCatalog registers the 2010 and 2017 releases.
func DefaultCatalog() *generic.Catalog {
	return generic.NewCatalog(
		AnnualVintage("2010"),
		MonthlyVintage("2017"),
	)
}
