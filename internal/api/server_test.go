package api

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neutron-data/powder.report/internal/instrument/beer"
	"github.com/neutron-data/powder.report/internal/powder"
	"github.com/neutron-data/powder.report/internal/powder/pipeline"
	"github.com/neutron-data/powder.report/internal/provenance"
	"github.com/neutron-data/powder.report/internal/registry"
)

func testDB(t *testing.T) *provenance.DB {
	t.Helper()
	db, err := provenance.OpenAndMigrate(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testResult(t *testing.T) *pipeline.Result {
	t.Helper()
	edges, err := powder.LinspaceEdges("dspacing", powder.UnitAngstrom, 1.0, 3.0, 20)
	require.NoError(t, err)
	h := powder.NewHistogram(edges)
	for i := range h.Counts {
		h.Counts[i] = float64(1 + i)
		h.Variances[i] = h.Counts[i]
	}
	return &pipeline.Result{
		Instrument: "dream",
		Reduced:    h,
		Banks:      map[string]*powder.Histogram{"mantle": h},
	}
}

func get(t *testing.T, mux *http.ServeMux, url string) *httptest.ResponseRecorder {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func TestNewServerDefaults(t *testing.T) {
	t.Parallel()

	s := NewServer(Config{Address: ":0"})
	require.NotNil(t, s.results)
	require.NotNil(t, s.server)
	assert.Equal(t, ":0", s.server.Addr)
}

func TestHealthHandler(t *testing.T) {
	t.Parallel()

	s := NewServer(Config{Address: ":0"})
	rr := get(t, s.setupRoutes(), "/health")
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "powder", body["service"])
}

func TestConsolePage(t *testing.T) {
	t.Parallel()

	db := testDB(t)
	run := &provenance.Run{Instrument: "dream", Workflow: "powder_reduction"}
	require.NoError(t, db.StartRun(run))

	s := NewServer(Config{Address: ":0", DB: db, Registries: []*registry.Registry{registry.ForDream()}})
	mux := s.setupRoutes()

	rr := get(t, mux, "/")
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, "Powder Reduction Console")
	assert.Contains(t, body, run.ID)
	assert.Contains(t, body, "dream")

	rr = get(t, mux, "/nope")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRunsList(t *testing.T) {
	t.Parallel()

	db := testDB(t)
	older := &provenance.Run{
		Instrument: "powgen",
		Workflow:   "powder_reduction",
		StartedAt:  time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC),
	}
	newer := &provenance.Run{
		Instrument: "dream",
		Workflow:   "powder_reduction",
		StartedAt:  time.Date(2026, 2, 10, 10, 0, 0, 0, time.UTC),
		Params:     map[string]any{"bins": 200.0},
	}
	require.NoError(t, db.StartRun(older))
	require.NoError(t, db.StartRun(newer))
	require.NoError(t, db.FinishRun(older.ID, provenance.StatusCompleted))

	s := NewServer(Config{Address: ":0", DB: db})
	mux := s.setupRoutes()

	rr := get(t, mux, "/api/runs")
	require.Equal(t, http.StatusOK, rr.Code)

	var runs []runSummary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &runs))
	require.Len(t, runs, 2)
	assert.Equal(t, newer.ID, runs[0].RunID)
	assert.Equal(t, provenance.StatusRunning, runs[0].Status)
	assert.Empty(t, runs[0].FinishedAt)
	assert.Equal(t, 200.0, runs[0].Params["bins"])
	assert.Equal(t, older.ID, runs[1].RunID)
	assert.Equal(t, provenance.StatusCompleted, runs[1].Status)
	assert.NotEmpty(t, runs[1].FinishedAt)

	rr = get(t, mux, "/api/runs?limit=1")
	require.Equal(t, http.StatusOK, rr.Code)
	runs = nil
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &runs))
	assert.Len(t, runs, 1)

	rr = get(t, mux, "/api/runs?limit=bogus")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRunsMethodNotAllowed(t *testing.T) {
	t.Parallel()

	s := NewServer(Config{Address: ":0", DB: testDB(t)})
	req, err := http.NewRequest(http.MethodPost, "/api/runs", nil)
	require.NoError(t, err)
	rr := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestRunDetail(t *testing.T) {
	t.Parallel()

	db := testDB(t)
	run := &provenance.Run{Instrument: "beer", Workflow: "modulation"}
	require.NoError(t, db.StartRun(run))
	require.NoError(t, db.AddFile(provenance.FileRecord{
		RunID: run.ID, Role: provenance.RoleInput, Name: "duplex.h5", Path: "/data/duplex.h5", MD5: "abc",
	}))
	require.NoError(t, db.AppendLog(run.ID, "[beer] bank_1: 2 streaks"))

	s := NewServer(Config{Address: ":0", DB: db})
	mux := s.setupRoutes()

	rr := get(t, mux, "/api/run?id="+run.ID)
	require.Equal(t, http.StatusOK, rr.Code)

	var detail struct {
		Run   runSummary `json:"run"`
		Files []struct {
			Role string `json:"role"`
			Name string `json:"name"`
		} `json:"files"`
		Log []struct {
			Message string `json:"message"`
		} `json:"log"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &detail))
	assert.Equal(t, run.ID, detail.Run.RunID)
	require.Len(t, detail.Files, 1)
	assert.Equal(t, "duplex.h5", detail.Files[0].Name)
	require.Len(t, detail.Log, 1)
	assert.Contains(t, detail.Log[0].Message, "2 streaks")

	rr = get(t, mux, "/api/run")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = get(t, mux, "/api/run?id=no-such-run")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDataStatus(t *testing.T) {
	cache := t.TempDir()
	t.Setenv(registry.EnvCacheOverride, cache)

	dir := filepath.Join(cache, "beer", "1")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "duplex.h5"), []byte("cached bytes"), 0644))

	s := NewServer(Config{Address: ":0", Registries: []*registry.Registry{registry.ForBeer()}})
	rr := get(t, s.setupRoutes(), "/api/data")
	require.Equal(t, http.StatusOK, rr.Code)

	var out []struct {
		Instrument string                `json:"instrument"`
		Files      []registry.FileStatus `json:"files"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "beer", out[0].Instrument)
	require.Len(t, out[0].Files, 2)

	byName := map[string]registry.FileStatus{}
	for _, f := range out[0].Files {
		byName[f.Name] = f
	}
	assert.True(t, byName["duplex.h5"].Cached)
	assert.Equal(t, int64(len("cached bytes")), byName["duplex.h5"].Bytes)
	assert.False(t, byName["silicon.h5"].Cached)
}

func TestPatternChartHandler(t *testing.T) {
	t.Parallel()

	store := NewResultStore()
	store.Put("run-1", testResult(t))
	s := NewServer(Config{Address: ":0", Results: store})
	mux := s.setupRoutes()

	rr := get(t, mux, "/charts/pattern")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rr.Body.String(), "counts")
	assert.Contains(t, rr.Body.String(), "run-1")

	rr = get(t, mux, "/charts/pattern?bank=mantle")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = get(t, mux, "/charts/pattern?bank=sans")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = get(t, mux, "/charts/pattern?id=no-such-run")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestPatternChartNoResults(t *testing.T) {
	t.Parallel()

	s := NewServer(Config{Address: ":0"})
	rr := get(t, s.setupRoutes(), "/charts/pattern")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "no reduction results")
}

func TestFitChartHandler(t *testing.T) {
	t.Parallel()

	res := testResult(t)
	store := NewResultStore()
	store.Put("run-1", res)
	s := NewServer(Config{Address: ":0", Results: store})
	mux := s.setupRoutes()

	rr := get(t, mux, "/charts/fits")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestStreakChartHandler(t *testing.T) {
	t.Parallel()

	tab := &beer.EventTable{Bank: 1, Mode: "7"}
	streak := beer.Streak{T0: 0.00245635, Slope: 8.0e-4}
	for i := 0; i < 20; i++ {
		flight := 3.0 + 0.05*float64(i)
		theta := 2 * math.Asin(flight/8.5)
		tab.Weight = append(tab.Weight, 1)
		tab.Variance = append(tab.Variance, 1)
		tab.T = append(tab.T, streak.T0+streak.Slope*flight)
		tab.TwoTheta = append(tab.TwoTheta, theta)
		tab.Ltotal = append(tab.Ltotal, flight/math.Sin(theta/2))
		streak.Indices = append(streak.Indices, i)
	}
	fit := &beer.StreakFit{Streaks: []beer.Streak{streak}, Masked: make([]bool, tab.Len())}

	res := &pipeline.Result{
		Instrument: "beer",
		Streaks:    map[string]*beer.StreakFit{"bank_1": fit},
		Tables:     map[string]*beer.EventTable{"bank_1": tab},
	}
	store := NewResultStore()
	store.Put("run-9", res)
	s := NewServer(Config{Address: ":0", Results: store})
	mux := s.setupRoutes()

	rr := get(t, mux, "/charts/streaks")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "events")
	assert.Contains(t, rr.Body.String(), "mode=7")

	rr = get(t, mux, "/charts/streaks?bank=bank_2")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGroupChartHandler(t *testing.T) {
	t.Parallel()

	row, err := powder.LinspaceEdges("two_theta", powder.UnitRadians, 0.5, 2.5, 3)
	require.NoError(t, err)
	col, err := powder.LinspaceEdges("dspacing", powder.UnitAngstrom, 1.0, 3.0, 8)
	require.NoError(t, err)
	res := testResult(t)
	res.Groups = powder.NewHistogram2D(row, col)
	res.Groups.Counts[5] = 3

	store := NewResultStore()
	store.Put("run-1", res)
	s := NewServer(Config{Address: ":0", Results: store})
	mux := s.setupRoutes()

	rr := get(t, mux, "/charts/groups")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "cells")
}

func TestPlotsDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sub := filepath.Join(dir, "run-1")
	require.NoError(t, os.MkdirAll(sub, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "pattern.png"), []byte("\x89PNG fake"), 0644))

	s := NewServer(Config{Address: ":0", PlotsDir: dir})
	mux := s.setupRoutes()

	rr := get(t, mux, "/plots/run-1/pattern.png")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "\x89PNG fake", rr.Body.String())

	rr = get(t, mux, "/plots/run-1/missing.png")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestPlotsDirDisabled(t *testing.T) {
	t.Parallel()

	s := NewServer(Config{Address: ":0"})
	rr := get(t, s.setupRoutes(), "/plots/run-1/pattern.png")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestResultStoreLatest(t *testing.T) {
	t.Parallel()

	store := NewResultStore()
	_, _, ok := store.Get("")
	assert.False(t, ok)

	first := testResult(t)
	second := testResult(t)
	store.Put("a", first)
	store.Put("b", second)

	id, res, ok := store.Get("")
	require.True(t, ok)
	assert.Equal(t, "b", id)
	assert.Same(t, second, res)

	id, res, ok = store.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a", id)
	assert.Same(t, first, res)
}

func TestServerStartShutdown(t *testing.T) {
	t.Parallel()

	s := NewServer(Config{Address: "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}
