package generic_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rais-engine/generic"
)

func TestCatalog_Lookup(t *testing.T) {
	c := generic.NewCatalog(
		generic.Vintage{Year: "2017", Kind: generic.VintageMonthly},
		generic.Vintage{Year: "2010", Kind: generic.VintageAnnual, Fields: []generic.Field{
			{Column: "Município", Type: generic.FieldString, Role: generic.RoleMunicipality},
		}},
	)

	v, err := c.Lookup("2010")
	require.NoError(t, err)
	assert.Equal(t, generic.VintageAnnual, v.Kind)
	assert.Equal(t, []string{"Município"}, v.Columns())

	f, ok := v.Field("Município")
	require.True(t, ok)
	assert.Equal(t, generic.RoleMunicipality, f.Role)

	assert.Equal(t, []string{"2010", "2017"}, c.Years())
}

func TestField_Validate(t *testing.T) {
	tests := []struct {
		name  string
		field generic.Field
		ok    bool
	}{
		{"class as text", generic.Field{Column: "c", Type: generic.FieldString, Role: generic.RoleClass}, true},
		{"december as decimal", generic.Field{Column: "d", Type: generic.FieldFloat, Role: generic.RoleDecember}, true},
		{"march", generic.Field{Column: "m", Type: generic.FieldFloat, Role: generic.RoleMonth, Month: 3}, true},
		{"average as text", generic.Field{Column: "a", Type: generic.FieldString, Role: generic.RoleAvgRemuneration}, false},
		{"municipality as decimal", generic.Field{Column: "u", Type: generic.FieldFloat, Role: generic.RoleMunicipality}, false},
		{"month zero", generic.Field{Column: "m", Type: generic.FieldFloat, Role: generic.RoleMonth}, false},
		{"december is not a month column", generic.Field{Column: "m", Type: generic.FieldFloat, Role: generic.RoleMonth, Month: 12}, false},
		{"month on non-month role", generic.Field{Column: "d", Type: generic.FieldFloat, Role: generic.RoleDecember, Month: 12}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.field.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, generic.ErrInvalidField)
			}
		})
	}
}

func TestCatalog_MissingVintage(t *testing.T) {
	c := generic.NewCatalog()

	_, err := c.Lookup("1999")

	assert.ErrorIs(t, err, generic.ErrMissingVintageSchema)
	assert.EqualError(t, err, `missing vintage schema: "1999"`)
}
