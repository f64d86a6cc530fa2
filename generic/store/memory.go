// Package store provides TableStore implementations.
package store

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/warp/rais-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu     sync.RWMutex
	base   map[baseKey]*generic.Grid[int]
	tables map[generic.TableKey]generic.DescribedTable
}

type baseKey struct {
	Region  string
	Vintage string
}

func NewMemory() *Memory {
	return &Memory{
		base:   make(map[baseKey]*generic.Grid[int]),
		tables: make(map[generic.TableKey]generic.DescribedTable),
	}
}

// SaveBaseTable stores a copy of the grid, replacing any previous one.
func (m *Memory) SaveBaseTable(_ context.Context, region, vintage string, g *generic.Grid[int]) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.base[baseKey{Region: region, Vintage: vintage}] = g.Clone()
	return nil
}

func (m *Memory) LoadBaseTable(_ context.Context, region, vintage string) (*generic.Grid[int], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.base[baseKey{Region: region, Vintage: vintage}]
	if !ok {
		return nil, generic.ErrTableNotFound
	}
	return g.Clone(), nil
}

// SaveClassTable stores a copy of the table, replacing any previous one.
func (m *Memory) SaveClassTable(_ context.Context, key generic.TableKey, t generic.DescribedTable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[key] = generic.DescribedTable{Rows: slices.Clone(t.Rows)}
	return nil
}

func (m *Memory) LoadClassTable(_ context.Context, key generic.TableKey) (generic.DescribedTable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tables[key]
	if !ok {
		return generic.DescribedTable{}, generic.ErrTableNotFound
	}
	return generic.DescribedTable{Rows: slices.Clone(t.Rows)}, nil
}

func (m *Memory) ListTables(_ context.Context) ([]generic.TableKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]generic.TableKey, 0, len(m.base)+len(m.tables))
	for k := range m.base {
		keys = append(keys, generic.TableKey{Level: generic.LevelBase, Name: k.Region, Vintage: k.Vintage})
	}
	for k := range m.tables {
		keys = append(keys, k)
	}
	SortKeys(keys)
	return keys, nil
}

// SortKeys orders table keys by level, name, then vintage.
func SortKeys(keys []generic.TableKey) {
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Level != b.Level {
			return a.Level < b.Level
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Vintage < b.Vintage
	})
}
