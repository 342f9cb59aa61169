package api

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"

	"github.com/neutron-data/powder.report/internal/diagnostics"
	"github.com/neutron-data/powder.report/internal/httputil"
	"github.com/neutron-data/powder.report/internal/powder/pipeline"
)

// lookupResult resolves the stored result for a chart request. An empty
// id selects the most recent reduction. A false return means the
// response has already been written.
func (s *Server) lookupResult(w http.ResponseWriter, r *http.Request) (string, *pipeline.Result, bool) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return "", nil, false
	}
	id, res, ok := s.results.Get(r.URL.Query().Get("id"))
	if !ok {
		httputil.NotFound(w, "no reduction results in memory")
		return "", nil, false
	}
	return id, res, true
}

func (s *Server) writeHTML(w http.ResponseWriter, buf *bytes.Buffer) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handlePatternChart renders a reduced pattern.
// Query params:
//
//	id (optional, defaults to the latest run)
//	bank (optional, defaults to the focused pattern)
func (s *Server) handlePatternChart(w http.ResponseWriter, r *http.Request) {
	id, res, ok := s.lookupResult(w, r)
	if !ok {
		return
	}

	h := res.Reduced
	title := fmt.Sprintf("%s reduced pattern", res.Instrument)
	if bank := r.URL.Query().Get("bank"); bank != "" {
		h = res.Banks[bank]
		if h == nil {
			httputil.NotFound(w, fmt.Sprintf("no bank '%s' in run %s", bank, id))
			return
		}
		title = fmt.Sprintf("%s %s", res.Instrument, bank)
	}
	if h == nil {
		httputil.NotFound(w, "run has no reduced pattern")
		return
	}

	var buf bytes.Buffer
	if err := diagnostics.PatternChart(&buf, h, title, "run "+id); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	s.writeHTML(w, &buf)
}

// handleFitChart renders the vanadium peak fit windows of a run.
// Query params:
//
//	id (optional, defaults to the latest run)
func (s *Server) handleFitChart(w http.ResponseWriter, r *http.Request) {
	id, res, ok := s.lookupResult(w, r)
	if !ok {
		return
	}
	if res.Vanadium == nil || len(res.VanadiumFits) == 0 {
		httputil.NotFound(w, fmt.Sprintf("no vanadium fits for run %s", id))
		return
	}

	var buf bytes.Buffer
	title := fmt.Sprintf("%s vanadium peak fits", res.Instrument)
	if err := diagnostics.FitChart(&buf, res.Vanadium, res.VanadiumFits, title, "run "+id); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	s.writeHTML(w, &buf)
}

// handleStreakChart renders the clustered modulation events of one
// bank.
// Query params:
//
//	id (optional, defaults to the latest run)
//	bank (optional, defaults to the first bank)
func (s *Server) handleStreakChart(w http.ResponseWriter, r *http.Request) {
	id, res, ok := s.lookupResult(w, r)
	if !ok {
		return
	}
	if len(res.Streaks) == 0 {
		httputil.NotFound(w, fmt.Sprintf("no streak fits for run %s", id))
		return
	}

	bank := r.URL.Query().Get("bank")
	if bank == "" {
		names := make([]string, 0, len(res.Streaks))
		for name := range res.Streaks {
			names = append(names, name)
		}
		sort.Strings(names)
		bank = names[0]
	}
	fit, tab := res.Streaks[bank], res.Tables[bank]
	if fit == nil || tab == nil {
		httputil.NotFound(w, fmt.Sprintf("no bank '%s' in run %s", bank, id))
		return
	}

	var buf bytes.Buffer
	title := fmt.Sprintf("%s %s streaks", res.Instrument, bank)
	subtitle := fmt.Sprintf("run %s mode=%s streaks=%d", id, tab.Mode, len(fit.Streaks))
	if err := diagnostics.StreakChart(&buf, tab, fit, title, subtitle); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	s.writeHTML(w, &buf)
}

// handleGroupChart renders the two-theta resolved map of a run.
// Query params:
//
//	id (optional, defaults to the latest run)
func (s *Server) handleGroupChart(w http.ResponseWriter, r *http.Request) {
	id, res, ok := s.lookupResult(w, r)
	if !ok {
		return
	}
	if res.Groups == nil {
		httputil.NotFound(w, fmt.Sprintf("no two-theta map for run %s", id))
		return
	}

	var buf bytes.Buffer
	title := fmt.Sprintf("%s two-theta map", res.Instrument)
	if err := diagnostics.GroupChart(&buf, res.Groups, title, "run "+id); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	s.writeHTML(w, &buf)
}
