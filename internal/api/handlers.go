package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/neutron-data/powder.report/internal/httputil"
	"github.com/neutron-data/powder.report/internal/provenance"
	"github.com/neutron-data/powder.report/internal/registry"
)

// runSummary controls the JSON shape of a stored run. Without it the
// response would expose raw time.Time zero values for unfinished runs.
type runSummary struct {
	RunID      string         `json:"run_id"`
	Instrument string         `json:"instrument"`
	Workflow   string         `json:"workflow"`
	StartedAt  string         `json:"started_at"`
	FinishedAt string         `json:"finished_at,omitempty"`
	Status     string         `json:"status"`
	Params     map[string]any `json:"params,omitempty"`
}

func summarize(run provenance.Run) runSummary {
	sum := runSummary{
		RunID:      run.ID,
		Instrument: run.Instrument,
		Workflow:   run.Workflow,
		StartedAt:  run.StartedAt.Format(time.RFC3339Nano),
		Status:     run.Status,
		Params:     run.Params,
	}
	if !run.FinishedAt.IsZero() {
		sum.FinishedAt = run.FinishedAt.Format(time.RFC3339Nano)
	}
	return sum
}

// handleRuns lists recent runs, newest first.
// Query params:
//
//	limit (optional, default 50, max 500)
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.db == nil {
		httputil.InternalServerError(w, "no run database configured")
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 || parsed > 500 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	runs, err := s.db.Runs(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list runs: %v", err))
		return
	}

	summaries := make([]runSummary, 0, len(runs))
	for _, run := range runs {
		summaries = append(summaries, summarize(run))
	}
	httputil.WriteJSONOK(w, summaries)
}

// handleRun returns one run with its recorded files and log.
// Query params:
//
//	id (required)
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.db == nil {
		httputil.InternalServerError(w, "no run database configured")
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		httputil.BadRequest(w, "missing 'id' parameter")
		return
	}

	run, err := s.db.RunByID(id)
	if errors.Is(err, provenance.ErrNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load run: %v", err))
		return
	}

	files, err := s.db.Files(id, "")
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load run files: %v", err))
		return
	}
	logLines, err := s.db.RunLog(id)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load run log: %v", err))
		return
	}

	type fileSummary struct {
		Role string `json:"role"`
		Name string `json:"name"`
		Path string `json:"path"`
		MD5  string `json:"md5,omitempty"`
	}
	type logEntry struct {
		At      string `json:"at"`
		Message string `json:"message"`
	}

	detail := struct {
		Run   runSummary    `json:"run"`
		Files []fileSummary `json:"files"`
		Log   []logEntry    `json:"log"`
	}{Run: summarize(*run)}
	for _, f := range files {
		detail.Files = append(detail.Files, fileSummary{Role: f.Role, Name: f.Name, Path: f.Path, MD5: f.MD5})
	}
	for _, line := range logLines {
		detail.Log = append(detail.Log, logEntry{At: line.At.Format(time.RFC3339Nano), Message: line.Message})
	}

	httputil.WriteJSONOK(w, detail)
}

// handleData reports the reference-data cache state per instrument.
func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	type instrumentData struct {
		Instrument string                `json:"instrument"`
		Version    string                `json:"version"`
		CacheDir   string                `json:"cache_dir"`
		Files      []registry.FileStatus `json:"files"`
	}

	out := make([]instrumentData, 0, len(s.registries))
	for _, reg := range s.registries {
		dir, err := reg.CacheDir()
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to resolve cache dir: %v", err))
			return
		}
		files, err := reg.Status()
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to read cache status: %v", err))
			return
		}
		out = append(out, instrumentData{
			Instrument: reg.Instrument,
			Version:    reg.Version,
			CacheDir:   dir,
			Files:      files,
		})
	}

	httputil.WriteJSONOK(w, out)
}
