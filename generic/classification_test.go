package generic_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rais-engine/generic"
)

func cnaeIndex() *generic.ClassificationIndex {
	return generic.NewClassificationIndex([]generic.ClassificationEntry{
		{Code: "47113", Description: "Comércio varejista de mercadorias em geral"},
		{Code: "01113", Description: "Cultivo de cereais"},
	})
}

func TestClassificationIndex_Describe(t *testing.T) {
	idx := cnaeIndex()

	d, err := idx.Describe("01113")
	require.NoError(t, err)
	assert.Equal(t, "Cultivo de cereais", d)
}

func TestClassificationIndex_NotFound(t *testing.T) {
	_, err := cnaeIndex().Describe("99999")

	assert.ErrorIs(t, err, generic.ErrClassificationNotFound)
	assert.True(t, generic.IsNotFound(err))

	var nf *generic.ClassificationNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, generic.ClassCode("99999"), nf.Code)
}

func TestClassificationIndex_CodesSorted(t *testing.T) {
	assert.Equal(t, []generic.ClassCode{"01113", "47113"}, cnaeIndex().Codes())
}

func TestDecorate_PlaceholderForUncatalogued(t *testing.T) {
	// GIVEN: A rolled-up table with a class the catalog does not know
	tbl := generic.ClassTable{
		Classes:    []generic.ClassCode{"01113", "55555"},
		Aggregates: []generic.Aggregate{{LaborValue: 1}, {LaborValue: 2}},
	}

	// WHEN: Decorating
	out, missing := generic.Decorate(tbl, cnaeIndex())

	// THEN: The row is kept with a placeholder and reported
	require.Len(t, out.Rows, 2)
	assert.Equal(t, "Cultivo de cereais", out.Rows[0].Description)
	assert.Equal(t, generic.PlaceholderDescription, out.Rows[1].Description)
	assert.Equal(t, 2.0, out.Rows[1].LaborValue)
	assert.Equal(t, []generic.ClassCode{"55555"}, missing)

	assert.Equal(t, tbl, out.Table())
}
