/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Persists finished RAIS tables and the history of pipeline runs. Base
  tables keep their municipality x class grid; every rolled-up level keeps
  its decorated rows.

INTERFACES IMPLEMENTED:
  generic.TableStore: Base and rolled-up tables
  api.RunStore:       Run records of the HTTP run queue

KEY TABLES:
  table_index: One row per saved table (level, name, vintage)
  base_axes:   Municipality and class axes of base tables, in grid order
  base_rows:   Municipality x class cells of base tables
  class_rows:  Decorated rows of state, country and cut tables
  runs:        Queued, running and finished pipeline runs

NUMERIC STORAGE:
  Aggregate fields are stored as decimal TEXT (shopspring/decimal) using the
  shortest representation that parses back to the same float64. A table
  read back is bit-identical to the table saved.

REPLACE SEMANTICS:
  Saving a table under an existing key deletes the previous rows in the
  same transaction. Readers never observe a half-written table.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. WAL mode lets readers proceed while
  a table is being written by another process.

USAGE:
  store, err := sqlite.New("./data/rais.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  p := rais.NewPipeline(cfg, reader, cnae, store)

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/rais-engine/generic"
	"github.com/warp/rais-engine/generic/store"
)

// Store implements generic.TableStore and the run history using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS table_index (
		level TEXT NOT NULL,
		name TEXT NOT NULL,
		vintage TEXT NOT NULL,
		row_count INTEGER NOT NULL,
		saved_at TEXT NOT NULL,
		PRIMARY KEY (level, name, vintage)
	);

	CREATE TABLE IF NOT EXISTS base_axes (
		region TEXT NOT NULL,
		vintage TEXT NOT NULL,
		axis TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (region, vintage, axis, ordinal)
	);

	CREATE TABLE IF NOT EXISTS base_rows (
		region TEXT NOT NULL,
		vintage TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		municipality INTEGER NOT NULL,
		class_code TEXT NOT NULL,
		labor_value TEXT NOT NULL,
		employment TEXT NOT NULL,
		avg_education TEXT NOT NULL,
		avg_size TEXT NOT NULL,
		PRIMARY KEY (region, vintage, municipality, class_code)
	);

	CREATE INDEX IF NOT EXISTS idx_base_rows_order
		ON base_rows(region, vintage, ordinal);

	CREATE TABLE IF NOT EXISTS class_rows (
		level TEXT NOT NULL,
		name TEXT NOT NULL,
		vintage TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		class_code TEXT NOT NULL,
		description TEXT NOT NULL,
		labor_value TEXT NOT NULL,
		employment TEXT NOT NULL,
		avg_education TEXT NOT NULL,
		avg_size TEXT NOT NULL,
		PRIMARY KEY (level, name, vintage, class_code)
	);

	CREATE INDEX IF NOT EXISTS idx_class_rows_order
		ON class_rows(level, name, vintage, ordinal);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		selection_json TEXT NOT NULL,
		results_json TEXT,
		error TEXT,
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TABLE STORE (generic.TableStore interface)
// =============================================================================

// SaveBaseTable replaces the base table of (region, vintage).
func (s *Store) SaveBaseTable(ctx context.Context, region, vintage string, g *generic.Grid[int]) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := generic.TableKey{Level: generic.LevelBase, Name: region, Vintage: vintage}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM base_rows WHERE region = ? AND vintage = ?`, region, vintage); err != nil {
			return err
		}
		if err := saveAxes(ctx, tx, region, vintage, g); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO base_rows (region, vintage, ordinal, municipality, class_code,
				labor_value, employment, avg_education, avg_size)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		rows := g.Rows()
		for i, r := range rows {
			v, err := encodeAggregate(r.Aggregate)
			if err != nil {
				return fmt.Errorf("base row %d/%s: %w", r.Key, r.Class, err)
			}
			if _, err := stmt.ExecContext(ctx, region, vintage, i, r.Key, string(r.Class), v[0], v[1], v[2], v[3]); err != nil {
				return fmt.Errorf("insert base row %d/%s: %w", r.Key, r.Class, err)
			}
		}
		return indexTable(ctx, tx, key, len(rows))
	})
}

// LoadBaseTable rebuilds the grid saved under (region, vintage).
func (s *Store) LoadBaseTable(ctx context.Context, region, vintage string) (*generic.Grid[int], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := generic.TableKey{Level: generic.LevelBase, Name: region, Vintage: vintage}
	if err := s.requireTable(ctx, key); err != nil {
		return nil, err
	}

	g, err := s.loadAxes(ctx, region, vintage)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT municipality, class_code, labor_value, employment, avg_education, avg_size
		FROM base_rows
		WHERE region = ? AND vintage = ?
		ORDER BY ordinal
	`, region, vintage)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var r generic.Row[int]
		var code string
		var v [4]string
		if err := rows.Scan(&r.Key, &code, &v[0], &v[1], &v[2], &v[3]); err != nil {
			return nil, err
		}
		r.Class = generic.ClassCode(code)
		if r.Aggregate, err = decodeAggregate(v); err != nil {
			return nil, fmt.Errorf("base row %d/%s: %w", r.Key, code, err)
		}
		if err := g.Set(r.Key, r.Class, r.Aggregate); err != nil {
			return nil, fmt.Errorf("base row %d/%s: %w", r.Key, code, err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return g, nil
}

const (
	axisMunicipality = "municipality"
	axisClass        = "class"
)

// saveAxes stores both grid axes so a grid without cells keeps its shape.
func saveAxes(ctx context.Context, tx *sql.Tx, region, vintage string, g *generic.Grid[int]) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM base_axes WHERE region = ? AND vintage = ?`, region, vintage); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO base_axes (region, vintage, axis, ordinal, value)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, k := range g.Keys() {
		if _, err := stmt.ExecContext(ctx, region, vintage, axisMunicipality, i, strconv.Itoa(k)); err != nil {
			return fmt.Errorf("insert municipality %d: %w", k, err)
		}
	}
	for i, c := range g.Classes() {
		if _, err := stmt.ExecContext(ctx, region, vintage, axisClass, i, string(c)); err != nil {
			return fmt.Errorf("insert class %s: %w", c, err)
		}
	}
	return nil
}

func (s *Store) loadAxes(ctx context.Context, region, vintage string) (*generic.Grid[int], error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT axis, value FROM base_axes
		WHERE region = ? AND vintage = ?
		ORDER BY axis, ordinal
	`, region, vintage)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var municipalities []int
	var classes []generic.ClassCode
	for rows.Next() {
		var axis, value string
		if err := rows.Scan(&axis, &value); err != nil {
			return nil, err
		}
		switch axis {
		case axisMunicipality:
			m, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("invalid municipality %q: %w", value, err)
			}
			municipalities = append(municipalities, m)
		case axisClass:
			classes = append(classes, generic.ClassCode(value))
		default:
			return nil, fmt.Errorf("unknown axis %q", axis)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return generic.BuildGrid(municipalities, classes), nil
}

// SaveClassTable replaces the rolled-up table stored under key.
func (s *Store) SaveClassTable(ctx context.Context, key generic.TableKey, t generic.DescribedTable) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM class_rows WHERE level = ? AND name = ? AND vintage = ?
		`, string(key.Level), key.Name, key.Vintage); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO class_rows (level, name, vintage, ordinal, class_code, description,
				labor_value, employment, avg_education, avg_size)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, r := range t.Rows {
			v, err := encodeAggregate(r.Aggregate)
			if err != nil {
				return fmt.Errorf("%s row %s: %w", key.Level, r.Class, err)
			}
			if _, err := stmt.ExecContext(ctx, string(key.Level), key.Name, key.Vintage, i,
				string(r.Class), r.Description, v[0], v[1], v[2], v[3]); err != nil {
				return fmt.Errorf("insert %s row %s: %w", key.Level, r.Class, err)
			}
		}
		return indexTable(ctx, tx, key, len(t.Rows))
	})
}

// LoadClassTable returns the rows saved under key, in saved order.
func (s *Store) LoadClassTable(ctx context.Context, key generic.TableKey) (generic.DescribedTable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.requireTable(ctx, key); err != nil {
		return generic.DescribedTable{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT class_code, description, labor_value, employment, avg_education, avg_size
		FROM class_rows
		WHERE level = ? AND name = ? AND vintage = ?
		ORDER BY ordinal
	`, string(key.Level), key.Name, key.Vintage)
	if err != nil {
		return generic.DescribedTable{}, err
	}
	defer rows.Close()

	var out generic.DescribedTable
	for rows.Next() {
		var r generic.DescribedRow
		var code string
		var v [4]string
		if err := rows.Scan(&code, &r.Description, &v[0], &v[1], &v[2], &v[3]); err != nil {
			return generic.DescribedTable{}, err
		}
		r.Class = generic.ClassCode(code)
		if r.Aggregate, err = decodeAggregate(v); err != nil {
			return generic.DescribedTable{}, fmt.Errorf("%s row %s: %w", key.Level, code, err)
		}
		out.Rows = append(out.Rows, r)
	}
	return out, rows.Err()
}

// ListTables returns every saved table key.
func (s *Store) ListTables(ctx context.Context) ([]generic.TableKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT level, name, vintage FROM table_index`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []generic.TableKey
	for rows.Next() {
		var k generic.TableKey
		var level string
		if err := rows.Scan(&level, &k.Name, &k.Vintage); err != nil {
			return nil, err
		}
		k.Level = generic.Level(level)
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	store.SortKeys(keys)
	return keys, nil
}

func (s *Store) requireTable(ctx context.Context, key generic.TableKey) error {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM table_index WHERE level = ? AND name = ? AND vintage = ?
	`, string(key.Level), key.Name, key.Vintage).Scan(&n)
	if err != nil {
		return err
	}
	if n == 0 {
		return generic.ErrTableNotFound
	}
	return nil
}

func indexTable(ctx context.Context, tx *sql.Tx, key generic.TableKey, rowCount int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO table_index (level, name, vintage, row_count, saved_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(level, name, vintage) DO UPDATE SET
			row_count = excluded.row_count,
			saved_at = excluded.saved_at
	`, string(key.Level), key.Name, key.Vintage, rowCount, time.Now().UTC().Format(time.RFC3339))
	return err
}

// withTx runs fn in a transaction. Callers hold s.mu.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// =============================================================================
// RUN STORE
// =============================================================================

// RunRecord is a stored pipeline run.
type RunRecord struct {
	ID            string
	Status        string // queued, running, completed, failed
	SelectionJSON string
	ResultsJSON   string
	Error         string
	CreatedAt     time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
}

// ErrRunNotFound is returned by GetRun for an unknown id.
var ErrRunNotFound = errors.New("run not found")

// SaveRun inserts a run or updates its status, results and timestamps.
func (s *Store) SaveRun(ctx context.Context, r RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO runs (id, status, selection_json, results_json, error,
			created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			results_json = excluded.results_json,
			error = excluded.error,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at
	`

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.Status, r.SelectionJSON, nullString(r.ResultsJSON), nullString(r.Error),
		r.CreatedAt.UTC().Format(time.RFC3339Nano), formatTime(r.StartedAt), formatTime(r.FinishedAt),
	)
	return err
}

// GetRun returns one run by id.
func (s *Store) GetRun(ctx context.Context, id string) (RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, selection_json, results_json, error, created_at, started_at, finished_at
		FROM runs WHERE id = ?
	`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, ErrRunNotFound
	}
	return r, err
}

// ListRuns returns runs, newest first. An empty status returns every run.
func (s *Store) ListRuns(ctx context.Context, status string) ([]RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, status, selection_json, results_json, error, created_at, started_at, finished_at
		FROM runs
	`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (RunRecord, error) {
	var r RunRecord
	var results, errMsg, startedAt, finishedAt sql.NullString
	var createdAt string
	if err := sc.Scan(&r.ID, &r.Status, &r.SelectionJSON, &results, &errMsg,
		&createdAt, &startedAt, &finishedAt); err != nil {
		return RunRecord{}, err
	}
	r.ResultsJSON = results.String
	r.Error = errMsg.String
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.StartedAt = parseTime(startedAt)
	r.FinishedAt = parseTime(finishedAt)
	return r, nil
}

// Helper functions

// ErrNonFiniteValue is returned when an aggregate holds NaN or an infinity,
// which have no decimal form.
var ErrNonFiniteValue = errors.New("non-finite aggregate value")

// encodeAggregate renders each field as the shortest decimal that parses
// back to the same float64.
func encodeAggregate(a generic.Aggregate) ([4]string, error) {
	fields := [4]float64{a.LaborValue, a.Employment, a.AvgEducation, a.AvgEstablishmentSize}
	var out [4]string
	for i, f := range fields {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return [4]string{}, fmt.Errorf("%w: %v", ErrNonFiniteValue, f)
		}
		out[i] = decimal.NewFromFloat(f).String()
	}
	return out, nil
}

func decodeAggregate(v [4]string) (generic.Aggregate, error) {
	var f [4]float64
	for i, s := range v {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return generic.Aggregate{}, fmt.Errorf("invalid decimal %q: %w", s, err)
		}
		f[i] = d.InexactFloat64()
	}
	return generic.Aggregate{
		LaborValue:           f[0],
		Employment:           f[1],
		AvgEducation:         f[2],
		AvgEstablishmentSize: f[3],
	}, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}
