package rais

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/warp/rais-engine/generic"
)

// =============================================================================
// CSV LAYOUT
// =============================================================================
// Column headers match the tables published by the original study so that
// downstream spreadsheets keep working. Row order is the grid order.
// =============================================================================

const (
	HeaderMunicipality = "Município"
	HeaderClass        = "Classe CNAE"
	HeaderLaborValue   = "Valor do Trabalho (R$ nom)"
	HeaderEmployment   = "Pessoal empregado"
	HeaderEducation    = "Escolaridade"
	HeaderSize         = "Tamanho do estabelecimentos"
	HeaderActivity     = "Atividade Econômica"
)

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func aggregateFields(a generic.Aggregate) []string {
	return []string{
		formatFloat(a.LaborValue),
		formatFloat(a.Employment),
		formatFloat(a.AvgEducation),
		formatFloat(a.AvgEstablishmentSize),
	}
}

// WriteBaseCSV writes a municipality x class table.
func WriteBaseCSV(w io.Writer, g *generic.Grid[int]) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{HeaderMunicipality, HeaderClass, HeaderLaborValue, HeaderEmployment, HeaderEducation, HeaderSize}); err != nil {
		return err
	}
	for _, r := range g.Rows() {
		row := append([]string{strconv.Itoa(r.Key), string(r.Class)}, aggregateFields(r.Aggregate)...)
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteClassCSV writes a decorated rolled-up table.
func WriteClassCSV(w io.Writer, t generic.DescribedTable) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{HeaderClass, HeaderLaborValue, HeaderEmployment, HeaderEducation, HeaderSize, HeaderActivity}); err != nil {
		return err
	}
	for _, r := range t.Rows {
		row := append([]string{string(r.Class)}, aggregateFields(r.Aggregate)...)
		row = append(row, r.Description)
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// =============================================================================
// EXPORTER - Finished tables as CSV files
// =============================================================================

// Exporter mirrors finished tables into a directory tree:
//
//	pronto/<UF><year>.csv      base tables
//	ufs/<UF><year>.csv         state tables
//	ufs/BRASIL<year>.csv       country table
//	recortes/<cut><year>.csv   cuts
type Exporter struct {
	Dir string
}

func NewExporter(dir string) *Exporter {
	return &Exporter{Dir: dir}
}

// Path returns the file a table is exported to.
func (e *Exporter) Path(key generic.TableKey) string {
	sub := "ufs"
	switch key.Level {
	case generic.LevelBase:
		sub = "pronto"
	case generic.LevelCut:
		sub = "recortes"
	}
	return filepath.Join(e.Dir, sub, key.Name+key.Vintage+".csv")
}

func (e *Exporter) ExportBase(region, vintage string, g *generic.Grid[int]) error {
	key := generic.TableKey{Level: generic.LevelBase, Name: region, Vintage: vintage}
	return e.write(key, func(w io.Writer) error { return WriteBaseCSV(w, g) })
}

func (e *Exporter) ExportClassTable(key generic.TableKey, t generic.DescribedTable) error {
	return e.write(key, func(w io.Writer) error { return WriteClassCSV(w, t) })
}

// Remove deletes the exported file of key. A missing file is not an error.
func (e *Exporter) Remove(key generic.TableKey) error {
	if err := os.Remove(e.Path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// write renders into a temporary file next to the target and renames it into
// place, so the target is either the previous export or the complete new one.
func (e *Exporter) write(key generic.TableKey, fn func(io.Writer) error) error {
	path := e.Path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("export %s: %w", path, err)
	}
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("export %s: %w", path, err)
	}
	defer os.Remove(f.Name())

	if err := fn(f); err != nil {
		f.Close()
		return fmt.Errorf("export %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("export %s: %w", path, err)
	}
	if err := os.Rename(f.Name(), path); err != nil {
		return fmt.Errorf("export %s: %w", path, err)
	}
	return nil
}
