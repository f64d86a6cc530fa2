/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's types from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Catalogs:
    VintageDTO, ClassDTO

  Tables:
    TableKeyDTO, BaseTableDTO, ClassTableDTO

  Runs:
    RunRequest, RunDTO, StepResultDTO

VALIDATION:
  Validation is done in handlers and the pipeline, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/warp/rais-engine/generic"
	"github.com/warp/rais-engine/rais"
	"github.com/warp/rais-engine/store/sqlite"
)

// =============================================================================
// CATALOG DTOs
// =============================================================================

// VintageDTO describes one supported dataset year.
type VintageDTO struct {
	Year    string   `json:"year"`
	Kind    string   `json:"kind"`
	Columns []string `json:"columns"`
}

// ClassDTO is one classification entry.
type ClassDTO struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// ScaleEntryDTO labels one code of an ordinal scale.
type ScaleEntryDTO struct {
	Code  int    `json:"code"`
	Label string `json:"label"`
}

// ScalesDTO lists the ordinal scales behind the averaged columns, so that
// avg_education and avg_establishment_size can be read back as brackets.
type ScalesDTO struct {
	Education         []ScaleEntryDTO `json:"education"`
	EstablishmentSize []ScaleEntryDTO `json:"establishment_size"`
}

// =============================================================================
// TABLE DTOs
// =============================================================================

// TableKeyDTO identifies a stored table and links to it.
type TableKeyDTO struct {
	Level   string `json:"level"`
	Name    string `json:"name"`
	Vintage string `json:"vintage"`
	Href    string `json:"href"`
}

// BaseRowDTO is one municipality x class cell.
type BaseRowDTO struct {
	Municipality int               `json:"municipality"`
	Class        string            `json:"class"`
	Aggregate    generic.Aggregate `json:"aggregate"`
}

// BaseTableDTO is a whole base table.
type BaseTableDTO struct {
	Region         string       `json:"region"`
	Vintage        string       `json:"vintage"`
	Municipalities []int        `json:"municipalities"`
	Classes        int          `json:"classes"`
	Rows           []BaseRowDTO `json:"rows"`
}

// ClassTableDTO is a whole rolled-up table.
type ClassTableDTO struct {
	Level   string                 `json:"level"`
	Name    string                 `json:"name"`
	Vintage string                 `json:"vintage"`
	Rows    []generic.DescribedRow `json:"rows"`
}

// =============================================================================
// RUN DTOs
// =============================================================================

// RunRequest selects what a run computes. Omitted fields select every
// configured value. When States is narrowed, Cuts and Country default to
// what the selected states can build (see rais.Pipeline.SelectStates).
type RunRequest struct {
	Vintages []string `json:"vintages,omitempty"`
	States   []string `json:"states,omitempty"`
	Cuts     []string `json:"cuts,omitempty"`
	Country  *bool    `json:"country,omitempty"`
}

// Selection merges the request over the pipeline's full selection.
func (r RunRequest) Selection(p *rais.Pipeline) rais.Selection {
	sel := p.FullSelection()
	if r.Vintages != nil {
		sel.Vintages = r.Vintages
	}
	if r.States != nil {
		sel = p.SelectStates(sel, r.States)
	}
	if r.Cuts != nil {
		sel.Cuts = r.Cuts
	}
	if r.Country != nil {
		sel.Country = *r.Country
	}
	return sel
}

// StepResultDTO is one finished pipeline step.
type StepResultDTO struct {
	Level        string   `json:"level"`
	Name         string   `json:"name"`
	Vintage      string   `json:"vintage"`
	Rows         int      `json:"rows"`
	Unclassified []string `json:"unclassified,omitempty"`
}

// RunDTO is a queued, running or finished run.
type RunDTO struct {
	ID         string          `json:"id"`
	Status     string          `json:"status"`
	Selection  rais.Selection  `json:"selection"`
	Results    []StepResultDTO `json:"results"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toScaleDTO(scale map[int]string) []ScaleEntryDTO {
	out := make([]ScaleEntryDTO, 0, len(scale))
	for _, code := range slices.Sorted(maps.Keys(scale)) {
		out = append(out, ScaleEntryDTO{Code: code, Label: scale[code]})
	}
	return out
}

func toStepResultDTOs(results []rais.StepResult) []StepResultDTO {
	out := make([]StepResultDTO, 0, len(results))
	for _, r := range results {
		dto := StepResultDTO{
			Level:   string(r.Key.Level),
			Name:    r.Key.Name,
			Vintage: r.Key.Vintage,
			Rows:    r.Rows,
		}
		for _, c := range r.Unclassified {
			dto.Unclassified = append(dto.Unclassified, string(c))
		}
		out = append(out, dto)
	}
	return out
}

// toRunDTO decodes the stored selection and results. A record whose JSON
// does not decode is reported instead of being shown with empty fields.
func toRunDTO(rec sqlite.RunRecord) (RunDTO, error) {
	dto := RunDTO{
		ID:         rec.ID,
		Status:     rec.Status,
		Results:    []StepResultDTO{},
		Error:      rec.Error,
		CreatedAt:  rec.CreatedAt,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
	}
	if err := json.Unmarshal([]byte(rec.SelectionJSON), &dto.Selection); err != nil {
		return RunDTO{}, fmt.Errorf("run %s: decode selection: %w", rec.ID, err)
	}
	if rec.ResultsJSON != "" {
		if err := json.Unmarshal([]byte(rec.ResultsJSON), &dto.Results); err != nil {
			return RunDTO{}, fmt.Errorf("run %s: decode results: %w", rec.ID, err)
		}
	}
	return dto, nil
}
