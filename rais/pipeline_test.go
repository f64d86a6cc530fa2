package rais

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/rais-engine/generic"
	"github.com/warp/rais-engine/generic/store"
	"github.com/warp/rais-engine/store/sqlite"
)

// =============================================================================
// FIXTURES
// =============================================================================

type fakeRaw struct {
	records map[string][]generic.RawRecord
	err     error
}

func (f *fakeRaw) Records(_ context.Context, region string, v generic.Vintage) ([]generic.RawRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.records[region+v.Year], nil
}

type fakeClasses []generic.ClassificationEntry

func (f fakeClasses) Entries(context.Context) ([]generic.ClassificationEntry, error) {
	return f, nil
}

var testClasses = fakeClasses{
	{Code: "01113", Description: "Cultivo de arroz"},
	{Code: "10112", Description: "Frigorífico - abate de bovinos"},
	{Code: "47113", Description: "Comércio varejista de mercadorias em geral"},
}

func annual(mun int, class generic.ClassCode, avg, dec float64, edu, size int) generic.RawRecord {
	return generic.RawRecord{
		Municipality:         mun,
		Class:                class,
		EducationLevel:       edu,
		EstablishmentSize:    size,
		AvgRemuneration:      avg,
		DecemberRemuneration: dec,
	}
}

// halfYear is a monthly-vintage worker active January through June.
func halfYear(mun int, class generic.ClassCode, avg float64, edu, size int) generic.RawRecord {
	r := generic.RawRecord{
		Municipality:      mun,
		Class:             class,
		EducationLevel:    edu,
		EstablishmentSize: size,
		AvgRemuneration:   avg,
	}
	for m := 0; m < 6; m++ {
		r.MonthlyRemuneration[m] = avg
	}
	return r
}

func testRaw() *fakeRaw {
	return &fakeRaw{records: map[string][]generic.RawRecord{
		"SP2010": {
			annual(350950, "01113", 1000, 1000, 7, 3),
			annual(350950, "01113", 2000, 2100, 9, 5),
			annual(350950, "47113", 1500, 0, 5, 2), // inactive in December
			annual(350160, "47113", 1200, 1200, 6, 4),
			annual(350160, "99999", 800, 800, 3, 1), // not in the catalog
		},
		"RJ2010": {
			annual(330455, "01113", 3000, 3000, 11, 8),
			annual(330455, "10112", 1800, 1800, 4, 6),
		},
		"SP2017": {
			halfYear(350950, "01113", 1000, 7, 3),
		},
	}}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Vintages = []string{"2010"}
	cfg.States = []string{"SP", "RJ"}
	cfg.Cuts = []Cut{{Name: "CAMPINAS", State: "SP", Municipalities: []int{350950}}}
	cfg.Workers = 4
	return cfg
}

func newTestPipeline(t *testing.T, cfg Config, raw generic.RawSource) (*Pipeline, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return NewPipeline(cfg, raw, testClasses, mem), mem
}

func annualValue(avg float64) float64 {
	return avg*12 + avg + avg*generic.VacationFactor
}

// =============================================================================
// BASE TABLE
// =============================================================================

func TestBuildStateTable_GridIsComplete(t *testing.T) {
	// GIVEN: SP 2010 with two municipalities and one uncatalogued class
	p, mem := newTestPipeline(t, testConfig(), testRaw())
	ctx := context.Background()

	// WHEN: the base table is built
	res, err := p.BuildStateTable(ctx, "SP", "2010")
	require.NoError(t, err)

	// THEN: every municipality has a row for every class
	assert.Equal(t, generic.TableKey{Level: generic.LevelBase, Name: "SP", Vintage: "2010"}, res.Key)
	assert.Equal(t, []generic.ClassCode{"99999"}, res.Unclassified)
	assert.Equal(t, 2*4, res.Rows)

	grid, err := mem.LoadBaseTable(ctx, "SP", "2010")
	require.NoError(t, err)
	assert.Equal(t, []int{350160, 350950}, grid.Keys())
	assert.Equal(t, []generic.ClassCode{"01113", "10112", "47113", "99999"}, grid.Classes())

	// Empty groups are zero rows.
	empty, ok := grid.At(350160, "01113")
	require.True(t, ok)
	assert.True(t, empty.IsZero())

	// Two active workers in one cell.
	cell, ok := grid.At(350950, "01113")
	require.True(t, ok)
	assert.InDelta(t, annualValue(1000)+annualValue(2000), cell.LaborValue, 1e-9)
	assert.Equal(t, 2.0, cell.Employment)
	assert.Equal(t, 8.0, cell.AvgEducation)
	assert.Equal(t, 4.0, cell.AvgEstablishmentSize)

	// The inactive worker adds nothing but still counts for size.
	inactive, _ := grid.At(350950, "47113")
	assert.Equal(t, generic.Aggregate{}, inactive)
}

func TestBuildStateTable_MonthlyVintage(t *testing.T) {
	cfg := testConfig()
	cfg.Vintages = []string{"2017"}
	p, mem := newTestPipeline(t, cfg, testRaw())
	ctx := context.Background()

	_, err := p.BuildStateTable(ctx, "SP", "2017")
	require.NoError(t, err)

	grid, err := mem.LoadBaseTable(ctx, "SP", "2017")
	require.NoError(t, err)
	cell, _ := grid.At(350950, "01113")
	assert.InDelta(t, 6666.5, cell.LaborValue, 1e-9)
	assert.Equal(t, 0.5, cell.Employment)
	assert.Equal(t, 3.5, cell.AvgEducation, "education floor of 1 applies below one full worker")
}

func TestBuildStateTable_DeterministicAcrossWorkers(t *testing.T) {
	ctx := context.Background()
	var grids []*generic.Grid[int]
	for _, workers := range []int{1, 8} {
		cfg := testConfig()
		cfg.Workers = workers
		p, mem := newTestPipeline(t, cfg, testRaw())
		_, err := p.BuildStateTable(ctx, "SP", "2010")
		require.NoError(t, err)
		g, err := mem.LoadBaseTable(ctx, "SP", "2010")
		require.NoError(t, err)
		grids = append(grids, g)
	}
	assert.Equal(t, grids[0].Rows(), grids[1].Rows())
}

func TestBuildStateTable_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown vintage", func(t *testing.T) {
		p, _ := newTestPipeline(t, testConfig(), testRaw())
		_, err := p.BuildStateTable(ctx, "SP", "1999")
		assert.ErrorIs(t, err, generic.ErrMissingVintageSchema)
	})

	t.Run("raw source failure", func(t *testing.T) {
		boom := errors.New("disk gone")
		p, mem := newTestPipeline(t, testConfig(), &fakeRaw{err: boom})
		_, err := p.BuildStateTable(ctx, "SP", "2010")
		assert.ErrorIs(t, err, boom)

		_, err = mem.LoadBaseTable(ctx, "SP", "2010")
		assert.ErrorIs(t, err, generic.ErrTableNotFound, "nothing is saved on failure")
	})
}

// =============================================================================
// ROLLUPS
// =============================================================================

func TestConsolidateState_ConservesLaborValue(t *testing.T) {
	p, mem := newTestPipeline(t, testConfig(), testRaw())
	ctx := context.Background()
	_, err := p.BuildStateTable(ctx, "SP", "2010")
	require.NoError(t, err)

	res, err := p.ConsolidateState(ctx, "SP", "2010")
	require.NoError(t, err)
	assert.Equal(t, 4, res.Rows)
	assert.Equal(t, []generic.ClassCode{"99999"}, res.Unclassified)

	state, err := mem.LoadClassTable(ctx, res.Key)
	require.NoError(t, err)

	labor, employment := state.Table().Totals()
	assert.InDelta(t, annualValue(1000)+annualValue(2000)+annualValue(1200)+annualValue(800), labor, 1e-6)
	// Every rolled row carries the employment floor once.
	assert.InDelta(t, 4+4*generic.DefaultEmploymentFloor, employment, 1e-12)

	last := state.Rows[3]
	assert.Equal(t, generic.ClassCode("99999"), last.Class)
	assert.Equal(t, generic.PlaceholderDescription, last.Description)
	assert.Equal(t, "Cultivo de arroz", state.Rows[0].Description)
}

func TestConsolidateState_StateWithoutRecordsKeepsEveryClass(t *testing.T) {
	// GIVEN: The SQLite store and a state with no records for the vintage
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := testConfig()
	cfg.States = []string{"AC"}
	cfg.Cuts = nil
	p := NewPipeline(cfg, testRaw(), testClasses, db)
	ctx := context.Background()

	base, err := p.BuildStateTable(ctx, "AC", "2010")
	require.NoError(t, err)
	assert.Equal(t, 0, base.Rows)

	// WHEN: The empty base table is read back and rolled up
	res, err := p.ConsolidateState(ctx, "AC", "2010")
	require.NoError(t, err)

	// THEN: The state table still has one row per catalog class
	assert.Equal(t, len(testClasses), res.Rows)
	state, err := db.LoadClassTable(ctx, res.Key)
	require.NoError(t, err)
	require.Len(t, state.Rows, len(testClasses))
	for i, e := range testClasses {
		assert.Equal(t, e.Code, state.Rows[i].Class)
		assert.Equal(t, 0.0, state.Rows[i].LaborValue)
		assert.Equal(t, generic.DefaultEmploymentFloor, state.Rows[i].Employment)
	}
}

func TestConsolidateState_MissingBaseTable(t *testing.T) {
	p, _ := newTestPipeline(t, testConfig(), testRaw())
	_, err := p.ConsolidateState(context.Background(), "AC", "2010")
	assert.ErrorIs(t, err, generic.ErrTableNotFound)
}

func TestConsolidateCountry_AlignsStateAxes(t *testing.T) {
	// GIVEN: SP has an uncatalogued class that RJ lacks
	p, mem := newTestPipeline(t, testConfig(), testRaw())
	ctx := context.Background()
	for _, uf := range []string{"SP", "RJ"} {
		_, err := p.BuildStateTable(ctx, uf, "2010")
		require.NoError(t, err)
		_, err = p.ConsolidateState(ctx, uf, "2010")
		require.NoError(t, err)
	}

	// WHEN: the country table is built
	res, err := p.ConsolidateCountry(ctx, "2010")
	require.NoError(t, err)

	// THEN: it covers the union of the state axes and sums the states
	assert.Equal(t, generic.TableKey{Level: generic.LevelCountry, Name: CountryName, Vintage: "2010"}, res.Key)
	country, err := mem.LoadClassTable(ctx, res.Key)
	require.NoError(t, err)
	require.Len(t, country.Rows, 4)

	var stateLabor float64
	for _, uf := range []string{"SP", "RJ"} {
		st, err := mem.LoadClassTable(ctx, generic.TableKey{Level: generic.LevelState, Name: uf, Vintage: "2010"})
		require.NoError(t, err)
		l, _ := st.Table().Totals()
		stateLabor += l
	}
	countryLabor, _ := country.Table().Totals()
	assert.InDelta(t, stateLabor, countryLabor, 1e-6)

	arroz := country.Rows[0].Aggregate
	assert.InDelta(t, 3.0, arroz.Employment, 1e-5)
	// (8 x 2 + 11 x 1) / 3, diluted only by the floors.
	assert.InDelta(t, 9.0, arroz.AvgEducation, 1e-4)
}

func TestConsolidateCountry_MissingState(t *testing.T) {
	p, _ := newTestPipeline(t, testConfig(), testRaw())
	_, err := p.ConsolidateCountry(context.Background(), "2010")
	assert.ErrorIs(t, err, generic.ErrTableNotFound)
}

// =============================================================================
// CUTS
// =============================================================================

func TestBuildCut(t *testing.T) {
	p, mem := newTestPipeline(t, testConfig(), testRaw())
	ctx := context.Background()
	_, err := p.BuildStateTable(ctx, "SP", "2010")
	require.NoError(t, err)

	t.Run("subset of municipalities", func(t *testing.T) {
		res, err := p.BuildCut(ctx, Cut{Name: "CAMPINAS", State: "SP", Municipalities: []int{350950}}, "2010")
		require.NoError(t, err)

		cut, err := mem.LoadClassTable(ctx, res.Key)
		require.NoError(t, err)
		labor, _ := cut.Table().Totals()
		assert.InDelta(t, annualValue(1000)+annualValue(2000), labor, 1e-6)
	})

	t.Run("unknown municipality", func(t *testing.T) {
		_, err := p.BuildCut(ctx, Cut{Name: "X", State: "SP", Municipalities: []int{350950, 999999}}, "2010")
		assert.ErrorIs(t, err, generic.ErrUnknownDimension)
	})

	t.Run("empty cut", func(t *testing.T) {
		_, err := p.BuildCut(ctx, Cut{Name: "EMPTY", State: "SP"}, "2010")
		assert.ErrorIs(t, err, ErrEmptyCut)
	})
}

// =============================================================================
// RUN
// =============================================================================

func TestRun_ExecutesEveryStepInOrder(t *testing.T) {
	p, mem := newTestPipeline(t, testConfig(), testRaw())
	ctx := context.Background()

	results, err := p.Run(ctx)
	require.NoError(t, err)

	var keys []generic.TableKey
	for _, r := range results {
		keys = append(keys, r.Key)
	}
	assert.Equal(t, []generic.TableKey{
		{Level: generic.LevelBase, Name: "SP", Vintage: "2010"},
		{Level: generic.LevelBase, Name: "RJ", Vintage: "2010"},
		{Level: generic.LevelState, Name: "SP", Vintage: "2010"},
		{Level: generic.LevelState, Name: "RJ", Vintage: "2010"},
		{Level: generic.LevelCountry, Name: CountryName, Vintage: "2010"},
		{Level: generic.LevelCut, Name: "CAMPINAS", Vintage: "2010"},
	}, keys)

	stored, err := mem.ListTables(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, 6)
}

func TestExecute_StopsAtFirstError(t *testing.T) {
	cfg := testConfig()
	cfg.States = []string{"SP"}
	cfg.Cuts = nil
	raw := testRaw()
	p, _ := newTestPipeline(t, cfg, raw)

	results, err := p.Execute(context.Background(), Selection{
		Vintages: []string{"2010"},
		States:   []string{"SP"},
	})
	require.NoError(t, err)
	assert.Len(t, results, 2)

	raw.err = errors.New("gone")
	results, err = p.Execute(context.Background(), p.FullSelection())
	assert.Error(t, err)
	assert.Empty(t, results)
}

func TestExecute_ValidatesSelection(t *testing.T) {
	p, _ := newTestPipeline(t, testConfig(), testRaw())
	ctx := context.Background()

	_, err := p.Execute(ctx, Selection{Vintages: []string{"2010"}, Cuts: []string{"NOPE"}})
	assert.ErrorIs(t, err, ErrUnknownCut)

	_, err = p.Execute(ctx, Selection{Vintages: []string{"1999"}})
	assert.ErrorIs(t, err, generic.ErrMissingVintageSchema)

	_, err = p.Execute(ctx, Selection{Vintages: []string{"2010"}, States: []string{"ZZ"}})
	assert.ErrorIs(t, err, ErrUnknownState)
}

func TestSelectStates(t *testing.T) {
	cfg := testConfig()
	cfg.Cuts = append(cfg.Cuts, Cut{Name: "NITEROI", State: "RJ", Municipalities: []int{330330}})
	p, _ := newTestPipeline(t, cfg, testRaw())

	t.Run("subset drops country and other states' cuts", func(t *testing.T) {
		sel := p.SelectStates(p.FullSelection(), []string{"SP"})

		assert.Equal(t, []string{"SP"}, sel.States)
		assert.False(t, sel.Country)
		assert.Equal(t, []string{"CAMPINAS"}, sel.Cuts)
		assert.Equal(t, []string{"2010"}, sel.Vintages)
	})

	t.Run("every configured state keeps the country", func(t *testing.T) {
		sel := p.SelectStates(p.FullSelection(), []string{"RJ", "SP"})

		assert.True(t, sel.Country)
		assert.Equal(t, []string{"CAMPINAS", "NITEROI"}, sel.Cuts)
	})

	t.Run("country stays off when it was off", func(t *testing.T) {
		full := p.FullSelection()
		full.Country = false

		assert.False(t, p.SelectStates(full, []string{"RJ", "SP"}).Country)
	})
}

func TestExecute_NarrowedStatesCompletes(t *testing.T) {
	// GIVEN: Two configured states, only SP selected
	p, mem := newTestPipeline(t, testConfig(), testRaw())
	ctx := context.Background()

	// WHEN: The full selection is narrowed to SP and executed
	results, err := p.Execute(ctx, p.SelectStates(p.FullSelection(), []string{"SP"}))

	// THEN: SP's base, state and cut tables are built and nothing fails on RJ
	require.NoError(t, err)
	var levels []generic.Level
	for _, r := range results {
		levels = append(levels, r.Key.Level)
	}
	assert.Equal(t, []generic.Level{generic.LevelBase, generic.LevelState, generic.LevelCut}, levels)

	_, err = mem.LoadClassTable(ctx, generic.TableKey{Level: generic.LevelCountry, Name: CountryName, Vintage: "2010"})
	assert.ErrorIs(t, err, generic.ErrTableNotFound)
}

func TestValidateSelection_RollupInputs(t *testing.T) {
	p, _ := newTestPipeline(t, testConfig(), testRaw())
	ctx := context.Background()

	t.Run("country without the other states' tables", func(t *testing.T) {
		err := p.ValidateSelection(ctx, Selection{Vintages: []string{"2010"}, States: []string{"SP"}, Country: true})

		assert.ErrorIs(t, err, ErrMissingInput)
		assert.True(t, IsSelectionError(err))
		assert.Contains(t, err.Error(), "RJ2010")
	})

	t.Run("cut without its state's base table", func(t *testing.T) {
		err := p.ValidateSelection(ctx, Selection{Vintages: []string{"2010"}, States: []string{"RJ"}, Cuts: []string{"CAMPINAS"}})

		assert.ErrorIs(t, err, ErrMissingInput)
		assert.Contains(t, err.Error(), "SP2010")
	})

	t.Run("stored tables satisfy both", func(t *testing.T) {
		// GIVEN: A previous run built RJ's state table and SP's base table
		_, err := p.Execute(ctx, Selection{Vintages: []string{"2010"}, States: []string{"RJ"}})
		require.NoError(t, err)
		_, err = p.BuildStateTable(ctx, "SP", "2010")
		require.NoError(t, err)

		// THEN: A country rollup with only SP selected is accepted
		assert.NoError(t, p.ValidateSelection(ctx, Selection{Vintages: []string{"2010"}, States: []string{"SP"}, Country: true}))
		// AND: CAMPINAS can be rebuilt without re-reading SP
		assert.NoError(t, p.ValidateSelection(ctx, Selection{Vintages: []string{"2010"}, Cuts: []string{"CAMPINAS"}}))
	})
}

func TestRun_ExportsCSV(t *testing.T) {
	cfg := testConfig()
	cfg.ExportDir = t.TempDir()
	p, _ := newTestPipeline(t, cfg, testRaw())

	_, err := p.Run(context.Background())
	require.NoError(t, err)

	for _, rel := range []string{
		"pronto/SP2010.csv",
		"pronto/RJ2010.csv",
		"ufs/SP2010.csv",
		"ufs/BRASIL2010.csv",
		"recortes/CAMPINAS2010.csv",
	} {
		_, err := os.Stat(filepath.Join(cfg.ExportDir, rel))
		assert.NoError(t, err, rel)
	}
}

// failingStore fails every save after delegating reads to Memory.
type failingStore struct {
	*store.Memory
	err error
}

func (f failingStore) SaveBaseTable(context.Context, string, string, *generic.Grid[int]) error {
	return f.err
}

func (f failingStore) SaveClassTable(context.Context, generic.TableKey, generic.DescribedTable) error {
	return f.err
}

func TestPublish_FailedExportStoresNothing(t *testing.T) {
	// GIVEN: An export directory that cannot be created
	cfg := testConfig()
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	cfg.ExportDir = filepath.Join(blocker, "out")
	p, mem := newTestPipeline(t, cfg, testRaw())
	ctx := context.Background()

	// WHEN: The base table is built
	_, err := p.BuildStateTable(ctx, "SP", "2010")

	// THEN: The step fails and the store holds no table for it
	require.Error(t, err)
	_, err = mem.LoadBaseTable(ctx, "SP", "2010")
	assert.ErrorIs(t, err, generic.ErrTableNotFound)
}

func TestPublish_FailedSaveRemovesExport(t *testing.T) {
	// GIVEN: A store that rejects every save
	cfg := testConfig()
	cfg.ExportDir = t.TempDir()
	saveErr := errors.New("disk full")
	p := NewPipeline(cfg, testRaw(), testClasses, failingStore{Memory: store.NewMemory(), err: saveErr})
	ctx := context.Background()

	// WHEN: The base table is built
	_, err := p.BuildStateTable(ctx, "SP", "2010")

	// THEN: The save error surfaces and no CSV is left behind
	assert.ErrorIs(t, err, saveErr)
	_, statErr := os.Stat(NewExporter(cfg.ExportDir).Path(generic.TableKey{Level: generic.LevelBase, Name: "SP", Vintage: "2010"}))
	assert.ErrorIs(t, statErr, os.ErrNotExist)
}
