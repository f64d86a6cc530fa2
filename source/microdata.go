/*
Package source provides the external collaborators that feed the engine.

PURPOSE:
  Reads raw RAIS microdata from extracted text files and the CNAE
  classification catalog from the IBGE API. Both return already-typed
  values; the engine never sees raw text.

IMPLEMENTATIONS:
  MicrodataReader: generic.RawSource over <Dir>/<UF><year>.txt
  CNAEClient:      generic.ClassificationSource over the IBGE CNAE API

FILE FORMAT:
  RAIS releases are ';'-separated text, ISO-8859-1 encoded, with ',' as
  decimal separator and a header row. Only the columns of the vintage
  schema are kept; the rest are skipped without being parsed.

SEE ALSO:
  - generic/store.go: RawSource and ClassificationSource
  - rais/vintages.go: Column schemas per year
*/
package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/charmap"

	"github.com/warp/rais-engine/generic"
)

// ErrMissingColumn is returned when the header lacks a schema column.
var ErrMissingColumn = errors.New("missing column")

// ParseError reports a field that could not be typed.
// Line is 1-based and counts the header.
type ParseError struct {
	Line   int
	Column string
	Value  string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d, column %q: cannot parse %q: %v", e.Line, e.Column, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// =============================================================================
// MICRODATA READER
// =============================================================================

// MicrodataReader reads extracted RAIS files named <region><year>.txt.
type MicrodataReader struct {
	Dir string
}

func NewMicrodataReader(dir string) *MicrodataReader {
	return &MicrodataReader{Dir: dir}
}

// Path returns the file read for (region, year).
func (r *MicrodataReader) Path(region, year string) string {
	return filepath.Join(r.Dir, region+year+".txt")
}

// Records implements generic.RawSource.
func (r *MicrodataReader) Records(ctx context.Context, region string, vintage generic.Vintage) ([]generic.RawRecord, error) {
	f, err := os.Open(r.Path(region, vintage.Year))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(ctx, f, vintage)
}

// Decode parses a Latin-1 RAIS stream against the vintage schema.
func Decode(ctx context.Context, in io.Reader, vintage generic.Vintage) ([]generic.RawRecord, error) {
	cr := csv.NewReader(charmap.ISO8859_1.NewDecoder().Reader(in))
	cr.Comma = ';'
	cr.LazyQuotes = true
	cr.ReuseRecord = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	cols, err := bindColumns(header, vintage)
	if err != nil {
		return nil, err
	}

	var out []generic.RawRecord
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if line%10000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		rec, err := cols.decode(row, line)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

type boundColumn struct {
	index int
	field generic.Field
}

type columnBinding []boundColumn

func bindColumns(header []string, vintage generic.Vintage) (columnBinding, error) {
	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[strings.TrimSpace(h)] = i
	}

	var cols columnBinding
	for _, f := range vintage.Fields {
		if err := f.Validate(); err != nil {
			return nil, err
		}
		i, ok := pos[f.Column]
		if !ok {
			return nil, fmt.Errorf("%w: %q in vintage %s", ErrMissingColumn, f.Column, vintage.Year)
		}
		cols = append(cols, boundColumn{index: i, field: f})
	}
	return cols, nil
}

func (cols columnBinding) decode(row []string, line int) (generic.RawRecord, error) {
	var rec generic.RawRecord
	for _, c := range cols {
		if c.index >= len(row) {
			return generic.RawRecord{}, &ParseError{Line: line, Column: c.field.Column, Err: ErrMissingColumn}
		}
		raw := strings.TrimSpace(row[c.index])
		if err := assign(&rec, c.field, raw); err != nil {
			return generic.RawRecord{}, &ParseError{Line: line, Column: c.field.Column, Value: raw, Err: err}
		}
	}
	return rec, nil
}

func assign(rec *generic.RawRecord, f generic.Field, raw string) error {
	switch f.Role {
	case generic.RoleClass:
		rec.Class = generic.ClassCode(raw)
		return nil
	case generic.RoleMunicipality:
		return parseInt(raw, &rec.Municipality)
	case generic.RoleEducation:
		return parseInt(raw, &rec.EducationLevel)
	case generic.RoleEstablishmentSize:
		return parseInt(raw, &rec.EstablishmentSize)
	case generic.RoleAvgRemuneration:
		return parseDecimalComma(raw, &rec.AvgRemuneration)
	case generic.RoleDecember:
		return parseDecimalComma(raw, &rec.DecemberRemuneration)
	case generic.RoleMonth:
		return parseDecimalComma(raw, &rec.MonthlyRemuneration[f.Month-1])
	}
	return fmt.Errorf("unknown field role %q", f.Role)
}

func parseInt(raw string, dst *int) error {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

// ErrNonFinite is returned for numeric fields spelling NaN or an infinity.
var ErrNonFinite = errors.New("non-finite number")

// parseDecimalComma reads "1234,56" style numbers. An empty field is 0.
func parseDecimalComma(raw string, dst *float64) error {
	if raw == "" {
		*dst = 0
		return nil
	}
	v, err := strconv.ParseFloat(strings.Replace(raw, ",", ".", 1), 64)
	if err != nil {
		return err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ErrNonFinite
	}
	*dst = v
	return nil
}
