// Package api serves the reduction console over HTTP: a run browser
// backed by the provenance database, dashboards rendered from results
// held in memory, and the reference-data cache status.
package api

import (
	"context"
	"embed"
	"html/template"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/neutron-data/powder.report/internal/httputil"
	"github.com/neutron-data/powder.report/internal/monitoring"
	"github.com/neutron-data/powder.report/internal/powder/pipeline"
	"github.com/neutron-data/powder.report/internal/provenance"
	"github.com/neutron-data/powder.report/internal/registry"
)

//go:embed console.html
var consoleHTML embed.FS

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// ResultStore keeps the reductions of this process in memory, keyed by
// run id, so the dashboards can render them.
type ResultStore struct {
	mu      sync.RWMutex
	results map[string]*pipeline.Result
	last    string
}

func NewResultStore() *ResultStore {
	return &ResultStore{results: make(map[string]*pipeline.Result)}
}

// Put stores a result and marks it as the most recent.
func (s *ResultStore) Put(id string, res *pipeline.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[id] = res
	s.last = id
}

// Get returns the result of one run. An empty id selects the most
// recent reduction.
func (s *ResultStore) Get(id string) (string, *pipeline.Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id == "" {
		id = s.last
	}
	res, ok := s.results[id]
	return id, res, ok
}

// Server handles the console HTTP interface.
type Server struct {
	address    string
	db         *provenance.DB
	registries []*registry.Registry
	results    *ResultStore
	plotsDir   string
	server     *http.Server
}

// Config contains configuration options for the console server.
type Config struct {
	Address    string
	DB         *provenance.DB
	Registries []*registry.Registry
	Results    *ResultStore

	// PlotsDir, when set, is served under /plots/ so the PNG
	// diagnostics written by reductions are reachable from the
	// console.
	PlotsDir string
}

// NewServer creates a console server with the provided configuration.
func NewServer(cfg Config) *Server {
	s := &Server{
		address:    cfg.Address,
		db:         cfg.DB,
		registries: cfg.Registries,
		results:    cfg.Results,
		plotsDir:   cfg.PlotsDir,
	}
	if s.results == nil {
		s.results = NewResultStore()
	}
	s.server = &http.Server{
		Addr:    s.address,
		Handler: LoggingMiddleware(s.setupRoutes()),
	}
	return s
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// Start begins the HTTP server in a goroutine and handles graceful
// shutdown when the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		monitoring.Logf("Starting console on %s", s.address)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	monitoring.Logf("shutting down console...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("Console shutdown error: %v", err)
		// Force close the server if graceful shutdown fails
		if err := s.server.Close(); err != nil {
			monitoring.Logf("Console force close error: %v", err)
		}
	}

	monitoring.Logf("Console stopped")
	return nil
}

// setupRoutes configures the HTTP routes and handlers
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleConsole)
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/run", s.handleRun)
	mux.HandleFunc("/api/data", s.handleData)
	mux.HandleFunc("/charts/pattern", s.handlePatternChart)
	mux.HandleFunc("/charts/fits", s.handleFitChart)
	mux.HandleFunc("/charts/streaks", s.handleStreakChart)
	mux.HandleFunc("/charts/groups", s.handleGroupChart)

	if s.plotsDir != "" {
		mux.Handle("/plots/", http.StripPrefix("/plots/", http.FileServer(http.Dir(s.plotsDir))))
	}

	if s.db != nil {
		s.db.AttachAdminRoutes(mux)
	}

	return mux
}

// handleHealth handles the health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]string{
		"status":    "ok",
		"service":   "powder",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleConsole handles the main console page endpoint
func (s *Server) handleConsole(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")

	tmpl, err := template.ParseFS(consoleHTML, "console.html")
	if err != nil {
		http.Error(w, "Error loading template: "+err.Error(), http.StatusInternalServerError)
		return
	}

	var runs []runSummary
	if s.db != nil {
		stored, err := s.db.Runs(20)
		if err != nil {
			http.Error(w, "Error listing runs: "+err.Error(), http.StatusInternalServerError)
			return
		}
		for _, run := range stored {
			runs = append(runs, summarize(run))
		}
	}

	instruments := make([]string, 0, len(s.registries))
	for _, reg := range s.registries {
		instruments = append(instruments, reg.Instrument)
	}

	data := struct {
		Instruments []string
		Runs        []runSummary
		Timestamp   string
	}{
		Instruments: instruments,
		Runs:        runs,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}

	if err := tmpl.Execute(w, data); err != nil {
		http.Error(w, "Error executing template: "+err.Error(), http.StatusInternalServerError)
		return
	}
}

// Close shuts down the console server
func (s *Server) Close() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}
