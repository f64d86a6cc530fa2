/*
pipeline.go - The four steps of a RAIS run

PURPOSE:
  Wires the collaborators (raw source, classification source, table store)
  to the generic engine and runs the published methodology:

    1. BuildStateTable:    raw records -> municipality x class base table
    2. ConsolidateState:   base table  -> state table (rollup of municipalities)
    3. ConsolidateCountry: state tables -> country table (rollup of states)
    4. BuildCut:           base table subset -> cut table

  Steps 2-4 never re-read raw records; they fold persisted aggregates.

CLASS AXIS:
  Every table covers the whole classification catalog, plus any class code
  found in raw data but missing from the catalog. Such codes are kept and
  decorated with generic.PlaceholderDescription; they are reported in
  StepResult.Unclassified and logged.

CONCURRENCY:
  Base-table cells are independent, so municipalities are aggregated in
  parallel (Config.Workers). Rollups are sequential folds in key order.

USAGE:
  p := rais.NewPipeline(cfg, reader, cnae, store, rais.WithLogger(log))
  results, err := p.Run(ctx)

SEE ALSO:
  - generic/aggregator.go, generic/rollup.go: The numeric core
  - export.go: CSV layout of finished tables
*/
package rais

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/warp/rais-engine/generic"
	"github.com/warp/rais-engine/logger"
)

var (
	// ErrEmptyCut is returned when a cut names no municipalities.
	ErrEmptyCut = errors.New("cut has no municipalities")

	// ErrUnknownCut is returned when a selection names a cut not in Config.
	ErrUnknownCut = errors.New("unknown cut")

	// ErrUnknownState is returned when a selection names an invalid UF.
	ErrUnknownState = errors.New("unknown state")

	// ErrMissingInput is returned when a selected rollup needs a table that
	// the selection does not build and the store does not hold.
	ErrMissingInput = errors.New("rollup input neither selected nor stored")
)

// IsSelectionError reports whether err rejects a selection, as opposed to a
// failure reading the store while checking it.
func IsSelectionError(err error) bool {
	return errors.Is(err, ErrUnknownCut) ||
		errors.Is(err, ErrUnknownState) ||
		errors.Is(err, ErrMissingInput) ||
		errors.Is(err, generic.ErrMissingVintageSchema)
}

// =============================================================================
// PIPELINE
// =============================================================================

// Pipeline runs the RAIS aggregation steps against its collaborators.
type Pipeline struct {
	cfg        Config
	catalog    *generic.Catalog
	raw        generic.RawSource
	classes    generic.ClassificationSource
	store      generic.TableStore
	exporter   *Exporter
	log        *logger.Logger
	aggregator generic.GroupAggregator
	rollup     generic.RollupEngine

	mu    sync.Mutex
	index *generic.ClassificationIndex
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger. The default discards output.
func WithLogger(l *logger.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithCatalog replaces DefaultCatalog.
func WithCatalog(c *generic.Catalog) Option {
	return func(p *Pipeline) { p.catalog = c }
}

// NewPipeline builds a pipeline over a private copy of cfg.
func NewPipeline(cfg Config, raw generic.RawSource, classes generic.ClassificationSource, store generic.TableStore, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:        cfg.Clone(),
		catalog:    DefaultCatalog(),
		raw:        raw,
		classes:    classes,
		store:      store,
		log:        logger.Nop(),
		aggregator: generic.GroupAggregator{EducationFloor: cfg.EducationFloor},
		rollup:     generic.RollupEngine{EmploymentFloor: cfg.EmploymentFloor},
	}
	if cfg.ExportDir != "" {
		p.exporter = NewExporter(cfg.ExportDir)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns a copy of the pipeline configuration.
func (p *Pipeline) Config() Config { return p.cfg.Clone() }

// Catalog returns the vintage catalog in use.
func (p *Pipeline) Catalog() *generic.Catalog { return p.catalog }

// Classification loads the classification catalog once and caches it.
func (p *Pipeline) Classification(ctx context.Context) (*generic.ClassificationIndex, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.index != nil {
		return p.index, nil
	}
	entries, err := p.classes.Entries(ctx)
	if err != nil {
		return nil, fmt.Errorf("load classification: %w", err)
	}
	p.index = generic.NewClassificationIndex(entries)
	p.log.Info("classification loaded", "classes", p.index.Len())
	return p.index, nil
}

// =============================================================================
// STEP 1 - BASE TABLE
// =============================================================================

// BuildStateTable aggregates the raw records of one state into its
// municipality x class base table and persists it.
func (p *Pipeline) BuildStateTable(ctx context.Context, uf, vintage string) (StepResult, error) {
	key := generic.TableKey{Level: generic.LevelBase, Name: uf, Vintage: vintage}
	log := p.log.With("step", "base", "uf", uf, "vintage", vintage)

	v, err := p.catalog.Lookup(vintage)
	if err != nil {
		return StepResult{}, err
	}
	idx, err := p.Classification(ctx)
	if err != nil {
		return StepResult{}, err
	}

	records, err := p.raw.Records(ctx, uf, v)
	if err != nil {
		return StepResult{}, fmt.Errorf("read raw %s%s: %w", uf, vintage, err)
	}
	log.Info("raw records loaded", "rows", len(records))

	groups, municipalities, rawClasses := groupRecords(records)
	var unclassified []generic.ClassCode
	for _, c := range rawClasses {
		if _, err := idx.Describe(c); err != nil {
			unclassified = append(unclassified, c)
		}
	}
	if len(unclassified) > 0 {
		log.Warn("class codes missing from classification", "codes", unclassified)
	}

	grid := generic.BuildGrid(municipalities, slices.Concat(idx.Codes(), unclassified))
	if err := p.aggregateGrid(ctx, grid, groups, v.Kind); err != nil {
		return StepResult{}, err
	}

	err = p.publish(key,
		func(e *Exporter) error { return e.ExportBase(uf, vintage, grid) },
		func() error { return p.store.SaveBaseTable(ctx, uf, vintage, grid) },
	)
	if err != nil {
		return StepResult{}, err
	}

	log.Info("base table ready", "municipalities", len(grid.Keys()), "rows", grid.Len())
	return StepResult{Key: key, Rows: grid.Len(), Unclassified: unclassified}, nil
}

type groupKey struct {
	municipality int
	class        generic.ClassCode
}

// groupRecords buckets records by (municipality, class) and returns the
// distinct municipalities and classes seen.
func groupRecords(records []generic.RawRecord) (map[groupKey][]generic.RawRecord, []int, []generic.ClassCode) {
	groups := make(map[groupKey][]generic.RawRecord)
	seenMun := make(map[int]bool)
	seenClass := make(map[generic.ClassCode]bool)
	var municipalities []int
	var classes []generic.ClassCode

	for _, r := range records {
		k := groupKey{municipality: r.Municipality, class: r.Class}
		groups[k] = append(groups[k], r)
		if !seenMun[r.Municipality] {
			seenMun[r.Municipality] = true
			municipalities = append(municipalities, r.Municipality)
		}
		if !seenClass[r.Class] {
			seenClass[r.Class] = true
			classes = append(classes, r.Class)
		}
	}
	return groups, generic.SortedKeys(municipalities), generic.SortedClasses(classes)
}

// aggregateGrid fills every cell of grid, one goroutine per municipality.
func (p *Pipeline) aggregateGrid(ctx context.Context, grid *generic.Grid[int], groups map[groupKey][]generic.RawRecord, kind generic.VintageKind) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(max(p.cfg.Workers, 1))

	for _, m := range grid.Keys() {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			for _, c := range grid.Classes() {
				a, err := p.aggregator.Aggregate(groups[groupKey{municipality: m, class: c}], kind)
				if err != nil {
					return err
				}
				if err := grid.Set(m, c, a); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return eg.Wait()
}

// =============================================================================
// STEP 2 - STATE
// =============================================================================

// ConsolidateState rolls every municipality of a persisted base table up to
// the state level.
func (p *Pipeline) ConsolidateState(ctx context.Context, uf, vintage string) (StepResult, error) {
	grid, err := p.store.LoadBaseTable(ctx, uf, vintage)
	if err != nil {
		return StepResult{}, fmt.Errorf("load base table %s%s: %w", uf, vintage, err)
	}
	table, err := generic.Rollup(p.rollup, grid, nil)
	if err != nil {
		return StepResult{}, err
	}
	return p.saveClassTable(ctx, generic.TableKey{Level: generic.LevelState, Name: uf, Vintage: vintage}, table)
}

// =============================================================================
// STEP 3 - COUNTRY
// =============================================================================

// ConsolidateCountry rolls every configured state table up to the country.
func (p *Pipeline) ConsolidateCountry(ctx context.Context, vintage string) (StepResult, error) {
	tables := make(map[string]generic.ClassTable, len(p.cfg.States))
	var classes []generic.ClassCode
	for _, uf := range p.cfg.States {
		key := generic.TableKey{Level: generic.LevelState, Name: uf, Vintage: vintage}
		t, err := p.store.LoadClassTable(ctx, key)
		if err != nil {
			return StepResult{}, fmt.Errorf("load state table %s%s: %w", uf, vintage, err)
		}
		tables[uf] = t.Table()
		classes = append(classes, tables[uf].Classes...)
	}

	states := generic.BuildGrid(p.cfg.States, classes)
	for uf, t := range tables {
		aligned, err := t.Align(states.Classes())
		if err != nil {
			return StepResult{}, err
		}
		if err := states.SetTable(uf, aligned); err != nil {
			return StepResult{}, err
		}
	}

	table, err := generic.Rollup(p.rollup, states, nil)
	if err != nil {
		return StepResult{}, err
	}
	return p.saveClassTable(ctx, generic.TableKey{Level: generic.LevelCountry, Name: CountryName, Vintage: vintage}, table)
}

// =============================================================================
// STEP 4 - CUT
// =============================================================================

// BuildCut rolls the cut's municipalities of its state's base table up into
// one table. Municipalities missing from the base table fail with
// generic.ErrUnknownDimension.
func (p *Pipeline) BuildCut(ctx context.Context, cut Cut, vintage string) (StepResult, error) {
	if len(cut.Municipalities) == 0 {
		return StepResult{}, fmt.Errorf("%w: %s", ErrEmptyCut, cut.Name)
	}
	grid, err := p.store.LoadBaseTable(ctx, cut.State, vintage)
	if err != nil {
		return StepResult{}, fmt.Errorf("load base table %s%s: %w", cut.State, vintage, err)
	}
	table, err := generic.Rollup(p.rollup, grid, cut.Municipalities)
	if err != nil {
		return StepResult{}, fmt.Errorf("cut %s: %w", cut.Name, err)
	}
	return p.saveClassTable(ctx, generic.TableKey{Level: generic.LevelCut, Name: cut.Name, Vintage: vintage}, table)
}

func (p *Pipeline) saveClassTable(ctx context.Context, key generic.TableKey, table generic.ClassTable) (StepResult, error) {
	idx, err := p.Classification(ctx)
	if err != nil {
		return StepResult{}, err
	}
	described, missing := generic.Decorate(table, idx)
	if len(missing) > 0 {
		p.log.Warn("rows emitted with placeholder description", "level", key.Level, "name", key.Name, "vintage", key.Vintage, "codes", missing)
	}

	err = p.publish(key,
		func(e *Exporter) error { return e.ExportClassTable(key, described) },
		func() error { return p.store.SaveClassTable(ctx, key, described) },
	)
	if err != nil {
		return StepResult{}, err
	}

	p.log.Info("table ready", "level", key.Level, "name", key.Name, "vintage", key.Vintage, "rows", len(described.Rows))
	return StepResult{Key: key, Rows: len(described.Rows), Unclassified: missing}, nil
}

// publish exports a finished table, then persists it. A table is stored only
// once its export succeeded, and a failed save removes the fresh export, so
// the store and the export directory agree after every step.
func (p *Pipeline) publish(key generic.TableKey, export func(*Exporter) error, save func() error) error {
	if p.exporter != nil {
		if err := export(p.exporter); err != nil {
			return err
		}
	}
	if err := save(); err != nil {
		if p.exporter != nil {
			if rmErr := p.exporter.Remove(key); rmErr != nil {
				p.log.Warn("failed to remove export of unsaved table", "level", key.Level, "name", key.Name, "vintage", key.Vintage, "error", rmErr)
			}
		}
		return fmt.Errorf("save %s table %s%s: %w", key.Level, key.Name, key.Vintage, err)
	}
	return nil
}

// =============================================================================
// RUN
// =============================================================================

// Selection chooses which steps a run executes.
type Selection struct {
	Vintages []string `json:"vintages"`
	States   []string `json:"states"`
	Cuts     []string `json:"cuts"`
	Country  bool     `json:"country"`
}

// FullSelection selects every configured vintage, state and cut plus the
// country rollup.
func (p *Pipeline) FullSelection() Selection {
	sel := Selection{
		Vintages: append([]string(nil), p.cfg.Vintages...),
		States:   append([]string(nil), p.cfg.States...),
		Country:  true,
	}
	for _, c := range p.cfg.Cuts {
		sel.Cuts = append(sel.Cuts, c.Name)
	}
	return sel
}

// SelectStates narrows sel to states. Cuts of states left out are dropped,
// and the country rollup is kept only when every configured state is
// selected.
func (p *Pipeline) SelectStates(sel Selection, states []string) Selection {
	sel.States = append([]string(nil), states...)
	sel.Country = sel.Country && covers(states, p.cfg.States)

	var cuts []string
	for _, name := range sel.Cuts {
		if c, ok := p.cfg.Cut(name); !ok || slices.Contains(states, c.State) {
			cuts = append(cuts, name)
		}
	}
	sel.Cuts = cuts
	return sel
}

func covers(have, want []string) bool {
	for _, s := range want {
		if !slices.Contains(have, s) {
			return false
		}
	}
	return true
}

// ValidateSelection checks every vintage against the catalog, every state
// against States and every cut against the configuration. Rollup inputs the
// selection does not build must already be stored: every configured state
// table for the country, and the base table of each cut's state.
func (p *Pipeline) ValidateSelection(ctx context.Context, sel Selection) error {
	for _, v := range sel.Vintages {
		if _, err := p.catalog.Lookup(v); err != nil {
			return err
		}
	}
	for _, uf := range sel.States {
		if !IsState(uf) {
			return fmt.Errorf("%w: %s", ErrUnknownState, uf)
		}
	}
	cuts := make([]Cut, 0, len(sel.Cuts))
	for _, name := range sel.Cuts {
		c, ok := p.cfg.Cut(name)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownCut, name)
		}
		cuts = append(cuts, c)
	}

	var needed []generic.TableKey
	for _, v := range sel.Vintages {
		if sel.Country {
			for _, uf := range p.cfg.States {
				if !slices.Contains(sel.States, uf) {
					needed = append(needed, generic.TableKey{Level: generic.LevelState, Name: uf, Vintage: v})
				}
			}
		}
		for _, c := range cuts {
			if !slices.Contains(sel.States, c.State) {
				needed = append(needed, generic.TableKey{Level: generic.LevelBase, Name: c.State, Vintage: v})
			}
		}
	}
	if len(needed) == 0 {
		return nil
	}

	stored, err := p.store.ListTables(ctx)
	if err != nil {
		return fmt.Errorf("list stored tables: %w", err)
	}
	for _, k := range needed {
		if !slices.Contains(stored, k) {
			return fmt.Errorf("%w: %s table %s%s", ErrMissingInput, k.Level, k.Name, k.Vintage)
		}
	}
	return nil
}

// Run executes the full selection.
func (p *Pipeline) Run(ctx context.Context) ([]StepResult, error) {
	return p.Execute(ctx, p.FullSelection())
}

// Execute runs the selected steps in order: every base table, every state
// table, the country table, then every cut. It stops at the first error and
// returns the results finished so far.
func (p *Pipeline) Execute(ctx context.Context, sel Selection) ([]StepResult, error) {
	if err := p.ValidateSelection(ctx, sel); err != nil {
		return nil, err
	}
	cuts := make([]Cut, 0, len(sel.Cuts))
	for _, name := range sel.Cuts {
		c, _ := p.cfg.Cut(name)
		cuts = append(cuts, c)
	}

	var results []StepResult
	step := func(r StepResult, err error) error {
		if err != nil {
			return err
		}
		results = append(results, r)
		return ctx.Err()
	}

	for _, uf := range sel.States {
		for _, v := range sel.Vintages {
			if err := step(p.BuildStateTable(ctx, uf, v)); err != nil {
				return results, err
			}
		}
	}
	for _, uf := range sel.States {
		for _, v := range sel.Vintages {
			if err := step(p.ConsolidateState(ctx, uf, v)); err != nil {
				return results, err
			}
		}
	}
	if sel.Country {
		for _, v := range sel.Vintages {
			if err := step(p.ConsolidateCountry(ctx, v)); err != nil {
				return results, err
			}
		}
	}
	for _, c := range cuts {
		for _, v := range sel.Vintages {
			if err := step(p.BuildCut(ctx, c, v)); err != nil {
				return results, err
			}
		}
	}
	return results, nil
}
