/*
handlers.go - HTTP API handlers for the RAIS aggregation engine

PURPOSE:
  Exposes finished tables and pipeline runs via REST API. Handles HTTP
  request/response, JSON and CSV serialization, and delegates to the
  pipeline and the store.

ENDPOINTS:
  Catalogs:
    GET    /api/vintages                          Supported dataset years
    GET    /api/classes                           CNAE classification

  Tables:
    GET    /api/tables                            Stored table keys
    GET    /api/tables/base/{region}/{vintage}    Whole base table
    GET    /api/tables/{level}/{name}/{vintage}   Whole state/country/cut table
    (append ?format=csv for the exported CSV layout)

  Runs:
    POST   /api/runs                              Queue a pipeline run (202)
    GET    /api/runs                              List runs (?status=)
    GET    /api/runs/{id}                         One run

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store: Table and run persistence
  - Pipeline: Catalogs and selection validation
  - Queue: Background run execution

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid selection, unknown level, malformed body
  - 404: Table, run or vintage not found
  - 503: Run queue full or stopped
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - runner.go: Background run queue
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/warp/rais-engine/generic"
	"github.com/warp/rais-engine/logger"
	"github.com/warp/rais-engine/rais"
	"github.com/warp/rais-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Store    *sqlite.Store
	Pipeline *rais.Pipeline
	Queue    *RunQueue
	log      *logger.Logger
}

// NewHandler creates a new handler. The pipeline must write to store.
func NewHandler(store *sqlite.Store, pipeline *rais.Pipeline, queue *RunQueue, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{
		Store:    store,
		Pipeline: pipeline,
		Queue:    queue,
		log:      log,
	}
}

// =============================================================================
// CATALOG ENDPOINTS
// =============================================================================

// ListVintages returns every year the engine can aggregate.
func (h *Handler) ListVintages(w http.ResponseWriter, r *http.Request) {
	catalog := h.Pipeline.Catalog()
	years := catalog.Years()
	out := make([]VintageDTO, 0, len(years))
	for _, y := range years {
		v, err := catalog.Lookup(y)
		if err != nil {
			continue
		}
		out = append(out, VintageDTO{Year: v.Year, Kind: string(v.Kind), Columns: v.Columns()})
	}
	writeJSON(w, http.StatusOK, out)
}

// ListClasses returns the classification catalog in code order.
func (h *Handler) ListClasses(w http.ResponseWriter, r *http.Request) {
	idx, err := h.Pipeline.Classification(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "classification unavailable", err)
		return
	}
	out := make([]ClassDTO, 0, idx.Len())
	for _, code := range idx.Codes() {
		desc, _ := idx.Describe(code)
		out = append(out, ClassDTO{Code: string(code), Description: desc})
	}
	writeJSON(w, http.StatusOK, out)
}

// ListScales returns the education and establishment-size code labels.
func (h *Handler) ListScales(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ScalesDTO{
		Education:         toScaleDTO(rais.EducationScale),
		EstablishmentSize: toScaleDTO(rais.EstablishmentSizeScale),
	})
}

// =============================================================================
// TABLE ENDPOINTS
// =============================================================================

// ListTables returns the key of every stored table.
func (h *Handler) ListTables(w http.ResponseWriter, r *http.Request) {
	keys, err := h.Store.ListTables(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list tables", err)
		return
	}
	out := make([]TableKeyDTO, 0, len(keys))
	for _, k := range keys {
		out = append(out, TableKeyDTO{
			Level:   string(k.Level),
			Name:    k.Name,
			Vintage: k.Vintage,
			Href:    tableHref(k),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetBaseTable returns a whole municipality x class table.
func (h *Handler) GetBaseTable(w http.ResponseWriter, r *http.Request) {
	region := chi.URLParam(r, "region")
	vintage := chi.URLParam(r, "vintage")

	grid, err := h.Store.LoadBaseTable(r.Context(), region, vintage)
	if err != nil {
		writeStoreError(w, fmt.Sprintf("base table %s%s", region, vintage), err)
		return
	}

	if wantsCSV(r) {
		writeCSVHeaders(w, region+vintage+".csv")
		if err := rais.WriteBaseCSV(w, grid); err != nil {
			h.log.Error("failed to write base csv", "region", region, "vintage", vintage, "error", err)
		}
		return
	}

	dto := BaseTableDTO{
		Region:         region,
		Vintage:        vintage,
		Municipalities: grid.Keys(),
		Classes:        len(grid.Classes()),
		Rows:           make([]BaseRowDTO, 0, grid.Len()),
	}
	if dto.Municipalities == nil {
		dto.Municipalities = []int{}
	}
	for _, row := range grid.Rows() {
		dto.Rows = append(dto.Rows, BaseRowDTO{Municipality: row.Key, Class: string(row.Class), Aggregate: row.Aggregate})
	}
	writeJSON(w, http.StatusOK, dto)
}

// GetClassTable returns a whole state, country or cut table.
func (h *Handler) GetClassTable(w http.ResponseWriter, r *http.Request) {
	key := generic.TableKey{
		Level:   generic.Level(chi.URLParam(r, "level")),
		Name:    chi.URLParam(r, "name"),
		Vintage: chi.URLParam(r, "vintage"),
	}
	switch key.Level {
	case generic.LevelState, generic.LevelCountry, generic.LevelCut:
	default:
		writeError(w, http.StatusBadRequest, "unknown table level", fmt.Errorf("level %q", key.Level))
		return
	}

	table, err := h.Store.LoadClassTable(r.Context(), key)
	if err != nil {
		writeStoreError(w, fmt.Sprintf("%s table %s%s", key.Level, key.Name, key.Vintage), err)
		return
	}

	if wantsCSV(r) {
		writeCSVHeaders(w, key.Name+key.Vintage+".csv")
		if err := rais.WriteClassCSV(w, table); err != nil {
			h.log.Error("failed to write table csv", "level", key.Level, "name", key.Name, "vintage", key.Vintage, "error", err)
		}
		return
	}

	rows := table.Rows
	if rows == nil {
		rows = []generic.DescribedRow{}
	}
	writeJSON(w, http.StatusOK, ClassTableDTO{
		Level:   string(key.Level),
		Name:    key.Name,
		Vintage: key.Vintage,
		Rows:    rows,
	})
}

// =============================================================================
// RUN ENDPOINTS
// =============================================================================

// SubmitRun validates the selection and queues a run.
func (h *Handler) SubmitRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}

	sel := req.Selection(h.Pipeline)
	if err := h.Pipeline.ValidateSelection(r.Context(), sel); err != nil {
		if rais.IsSelectionError(err) {
			writeError(w, http.StatusBadRequest, "invalid selection", err)
		} else {
			writeError(w, http.StatusInternalServerError, "failed to validate selection", err)
		}
		return
	}

	rec, err := h.Queue.Submit(r.Context(), sel)
	switch {
	case errors.Is(err, ErrQueueFull), errors.Is(err, ErrQueueStopped):
		writeError(w, http.StatusServiceUnavailable, "run not accepted", err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to queue run", err)
		return
	}

	dto, err := toRunDTO(rec)
	if err != nil {
		h.writeCorruptRun(w, err)
		return
	}
	w.Header().Set("Location", "/api/runs/"+rec.ID)
	writeJSON(w, http.StatusAccepted, dto)
}

// ListRuns returns runs, newest first, optionally filtered by ?status=.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Store.ListRuns(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs", err)
		return
	}
	out := make([]RunDTO, 0, len(runs))
	for _, rec := range runs {
		dto, err := toRunDTO(rec)
		if err != nil {
			h.writeCorruptRun(w, err)
			return
		}
		out = append(out, dto)
	}
	writeJSON(w, http.StatusOK, out)
}

// GetRun returns one run.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.Store.GetRun(r.Context(), id)
	if errors.Is(err, sqlite.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "run not found", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get run", err)
		return
	}
	dto, err := toRunDTO(rec)
	if err != nil {
		h.writeCorruptRun(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) writeCorruptRun(w http.ResponseWriter, err error) {
	h.log.Error("stored run record is corrupt", "error", err)
	writeError(w, http.StatusInternalServerError, "corrupt run record", err)
}

// =============================================================================
// HELPERS
// =============================================================================

func tableHref(k generic.TableKey) string {
	if k.Level == generic.LevelBase {
		return "/api/tables/base/" + url.PathEscape(k.Name) + "/" + url.PathEscape(k.Vintage)
	}
	return "/api/tables/" + string(k.Level) + "/" + url.PathEscape(k.Name) + "/" + url.PathEscape(k.Vintage)
}

func wantsCSV(r *http.Request) bool {
	return r.URL.Query().Get("format") == "csv"
}

func writeCSVHeaders(w http.ResponseWriter, filename string) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
}

func writeStoreError(w http.ResponseWriter, what string, err error) {
	switch {
	case generic.IsNotFound(err):
		writeError(w, http.StatusNotFound, what+" not found", err)
	case generic.IsClientError(err):
		writeError(w, http.StatusBadRequest, "invalid request", err)
	default:
		writeError(w, http.StatusInternalServerError, "failed to load "+what, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
