/*
handlers_test.go - Unit tests for API handlers

Tests for:
- Catalog endpoints (vintages, classes)
- Run submission, background execution and status
- Table download as JSON and CSV
- Error statuses (400, 404)
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/rais-engine/generic"
	"github.com/warp/rais-engine/rais"
	"github.com/warp/rais-engine/store/sqlite"
)

type fakeRaw map[string][]generic.RawRecord

func (f fakeRaw) Records(_ context.Context, region string, v generic.Vintage) ([]generic.RawRecord, error) {
	return f[region+v.Year], nil
}

type fakeClasses []generic.ClassificationEntry

func (f fakeClasses) Entries(context.Context) ([]generic.ClassificationEntry, error) {
	return f, nil
}

func worker(mun int, class generic.ClassCode, avg float64) generic.RawRecord {
	return generic.RawRecord{
		Municipality:         mun,
		Class:                class,
		EducationLevel:       5,
		EstablishmentSize:    3,
		AvgRemuneration:      avg,
		DecemberRemuneration: avg,
	}
}

type testServer struct {
	store  *sqlite.Store
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := rais.DefaultConfig()
	cfg.Vintages = []string{"2010"}
	cfg.States = []string{"SP", "RJ"}
	cfg.Cuts = []rais.Cut{{Name: "RMC", State: "SP", Municipalities: []int{350950}}}

	raw := fakeRaw{
		"SP2010": {worker(350950, "01113", 1000), worker(350160, "47113", 2000)},
		"RJ2010": {worker(330455, "01113", 3000)},
	}
	classes := fakeClasses{
		{Code: "01113", Description: "Cultivo de arroz"},
		{Code: "47113", Description: "Comércio varejista"},
	}
	pipeline := rais.NewPipeline(cfg, raw, classes, store)

	queue := NewRunQueue(store, pipeline, nil)
	queue.Start()
	t.Cleanup(queue.Stop)

	h := NewHandler(store, pipeline, queue, nil)
	return &testServer{store: store, router: NewRouter(h, []string{"*"})}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// runToCompletion submits a run and waits for the worker to finish it.
func (s *testServer) runToCompletion(t *testing.T, body string) RunDTO {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/runs", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	run := decode[RunDTO](t, rec)
	assert.Equal(t, StatusQueued, run.Status)
	assert.Equal(t, "/api/runs/"+run.ID, rec.Header().Get("Location"))

	path := "/api/runs/" + run.ID
	require.Eventually(t, func() bool {
		var got RunDTO
		if err := json.Unmarshal(s.do(t, http.MethodGet, path, "").Body.Bytes(), &got); err != nil {
			return false
		}
		return got.Status == StatusCompleted || got.Status == StatusFailed
	}, 5*time.Second, 10*time.Millisecond)
	return decode[RunDTO](t, s.do(t, http.MethodGet, path, ""))
}

func TestListVintages(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/vintages", "")

	require.Equal(t, http.StatusOK, rec.Code)
	vintages := decode[[]VintageDTO](t, rec)
	require.Len(t, vintages, 2)
	assert.Equal(t, "2010", vintages[0].Year)
	assert.Equal(t, "annual", vintages[0].Kind)
	assert.Equal(t, "monthly", vintages[1].Kind)
	assert.Contains(t, vintages[1].Columns, rais.MonthColumns[0])
}

func TestListClasses(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/classes", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []ClassDTO{
		{Code: "01113", Description: "Cultivo de arroz"},
		{Code: "47113", Description: "Comércio varejista"},
	}, decode[[]ClassDTO](t, rec))
}

func TestListScales(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/scales", "")

	require.Equal(t, http.StatusOK, rec.Code)
	scales := decode[ScalesDTO](t, rec)
	require.Len(t, scales.Education, 11)
	assert.Equal(t, ScaleEntryDTO{Code: 1, Label: "Analfabeto"}, scales.Education[0])
	assert.Equal(t, ScaleEntryDTO{Code: 11, Label: "Doutorado"}, scales.Education[10])
	require.Len(t, scales.EstablishmentSize, 10)
	assert.Equal(t, ScaleEntryDTO{Code: 0, Label: "Zero"}, scales.EstablishmentSize[0])
	assert.Equal(t, "1000 ou mais", scales.EstablishmentSize[9].Label)
}

func TestSubmitRun_FullSelection(t *testing.T) {
	// GIVEN: two states of one vintage and one cut
	s := newTestServer(t)

	// WHEN: a run with an empty body is submitted
	run := s.runToCompletion(t, "")

	// THEN: base, state, country and cut tables are produced
	require.Equal(t, StatusCompleted, run.Status, run.Error)
	assert.Equal(t, []string{"2010"}, run.Selection.Vintages)
	assert.True(t, run.Selection.Country)
	require.Len(t, run.Results, 6)
	assert.Equal(t, "base", run.Results[0].Level)
	assert.Equal(t, "cut", run.Results[5].Level)
	assert.NotNil(t, run.StartedAt)
	assert.NotNil(t, run.FinishedAt)

	keys := decode[[]TableKeyDTO](t, s.do(t, http.MethodGet, "/api/tables", ""))
	assert.Len(t, keys, 6)
	assert.Equal(t, "/api/tables/base/RJ/2010", keys[0].Href)

	// The country table sums both states.
	rec := s.do(t, http.MethodGet, "/api/tables/country/BRASIL/2010", "")
	require.Equal(t, http.StatusOK, rec.Code)
	country := decode[ClassTableDTO](t, rec)
	require.Len(t, country.Rows, 2)
	assert.Equal(t, generic.ClassCode("01113"), country.Rows[0].Class)
	assert.InDelta(t, 4000*13.333, country.Rows[0].Aggregate.LaborValue, 1e-6)
	assert.InDelta(t, 2.0, country.Rows[0].Aggregate.Employment, 1e-5)
}

func TestSubmitRun_PartialSelection(t *testing.T) {
	s := newTestServer(t)

	run := s.runToCompletion(t, `{"states": ["RJ"], "cuts": [], "country": false}`)

	require.Equal(t, StatusCompleted, run.Status, run.Error)
	require.Len(t, run.Results, 2)
	assert.Equal(t, StepResultDTO{Level: "state", Name: "RJ", Vintage: "2010", Rows: 2}, run.Results[1])

	rec := s.do(t, http.MethodGet, "/api/tables/state/SP/2010", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitRun_SingleStateDefaults(t *testing.T) {
	// GIVEN: two configured states and a cut of SP
	s := newTestServer(t)

	// WHEN: only SP is requested
	run := s.runToCompletion(t, `{"states": ["SP"]}`)

	// THEN: the country rollup is skipped and SP's cut is kept
	require.Equal(t, StatusCompleted, run.Status, run.Error)
	assert.False(t, run.Selection.Country)
	assert.Equal(t, []string{"RMC"}, run.Selection.Cuts)
	require.Len(t, run.Results, 3)
	assert.Equal(t, "cut", run.Results[2].Level)
}

func TestSubmitRun_CountryNeedsEveryState(t *testing.T) {
	s := newTestServer(t)

	// WHEN: the country is requested while RJ was never built
	rec := s.do(t, http.MethodPost, "/api/runs", `{"states": ["SP"], "country": true}`)

	// THEN: the run is rejected up front instead of failing mid-way
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Details, "RJ2010")

	// WHEN: RJ's state table exists from an earlier run
	run := s.runToCompletion(t, `{"states": ["RJ"], "cuts": []}`)
	require.Equal(t, StatusCompleted, run.Status, run.Error)

	// THEN: the same request is accepted and completes with the country
	run = s.runToCompletion(t, `{"states": ["SP"], "country": true, "cuts": []}`)
	require.Equal(t, StatusCompleted, run.Status, run.Error)
	assert.Equal(t, "country", run.Results[len(run.Results)-1].Level)
}

func TestGetRun_CorruptRecord(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.store.SaveRun(context.Background(), sqlite.RunRecord{
		ID:            "broken",
		Status:        StatusCompleted,
		SelectionJSON: `{"vintages": `,
		CreatedAt:     time.Now(),
	}))

	rec := s.do(t, http.MethodGet, "/api/runs/broken", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Details, "decode selection")

	rec = s.do(t, http.MethodGet, "/api/runs", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestSubmitRun_InvalidSelection(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"unknown cut", `{"cuts": ["NOPE"]}`},
		{"unknown vintage", `{"vintages": ["1999"]}`},
		{"unknown state", `{"states": ["XX"]}`},
		{"malformed body", `{"states": `},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/runs", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	runs := decode[[]RunDTO](t, s.do(t, http.MethodGet, "/api/runs", ""))
	assert.Empty(t, runs, "rejected selections are never queued")
}

func TestGetTable_CSV(t *testing.T) {
	s := newTestServer(t)
	s.runToCompletion(t, "")

	rec := s.do(t, http.MethodGet, "/api/tables/cut/RMC/2010?format=csv", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], rais.HeaderClass+","))

	rec = s.do(t, http.MethodGet, "/api/tables/base/SP/2010?format=csv", "")
	require.Equal(t, http.StatusOK, rec.Code)
	lines = strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	assert.Len(t, lines, 1+2*2, "header plus every municipality x class cell")
}

func TestGetBaseTable_JSON(t *testing.T) {
	s := newTestServer(t)
	s.runToCompletion(t, "")

	rec := s.do(t, http.MethodGet, "/api/tables/base/SP/2010", "")
	require.Equal(t, http.StatusOK, rec.Code)
	table := decode[BaseTableDTO](t, rec)
	assert.Equal(t, []int{350160, 350950}, table.Municipalities)
	assert.Equal(t, 2, table.Classes)
	require.Len(t, table.Rows, 4)
	assert.Equal(t, BaseRowDTO{Municipality: 350160, Class: "01113"}, table.Rows[0])
}

func TestErrors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"missing base table", "/api/tables/base/AC/2010", http.StatusNotFound},
		{"missing state table", "/api/tables/state/AC/2010", http.StatusNotFound},
		{"unknown level", "/api/tables/planet/EARTH/2010", http.StatusBadRequest},
		{"unknown run", "/api/runs/does-not-exist", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodGet, tt.path, "")
			assert.Equal(t, tt.status, rec.Code)
			assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
		})
	}
}
