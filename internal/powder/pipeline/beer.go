package pipeline

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/neutron-data/powder.report/internal/instrument/beer"
	"github.com/neutron-data/powder.report/internal/powder"
	"github.com/neutron-data/powder.report/internal/powder/grouping"
)

// BeerConfig drives one BEER modulation reduction. Every loaded event
// table is reduced independently; banks fan out over a worker pool.
type BeerConfig struct {
	// Tables are the loaded per-bank event tables.
	Tables []*beer.EventTable

	// DspacingEdges is the output binning. The axis name must be
	// "dspacing".
	DspacingEdges powder.Edges

	// Workers bounds the number of banks reduced concurrently. Zero
	// uses one worker per CPU.
	Workers int

	// Recorder receives progress notes. May be nil.
	Recorder RunRecorder
}

// bankOut is the result of reducing one event table.
type bankOut struct {
	index   int
	name    string
	hist    *powder.Histogram
	fit     *beer.StreakFit
	loaded  int
	masked  int
	outside int
	err     error
}

// Reduce runs the BEER workflow: per bank, cluster events into
// modulation streaks, fit a line through each streak to resolve the
// true time of flight, convert to d-spacing and histogram.
func (cfg *BeerConfig) Reduce() (*Result, error) {
	if len(cfg.Tables) == 0 {
		return nil, fmt.Errorf("beer reduction: no event tables loaded")
	}
	if err := cfg.DspacingEdges.Validate(); err != nil {
		return nil, fmt.Errorf("beer reduction: %w", err)
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(cfg.Tables) {
		workers = len(cfg.Tables)
	}

	// The output channel holds every bank so workers never block on a
	// slow collector and an early error return leaks no goroutine.
	jobs := make(chan int)
	out := make(chan bankOut, len(cfg.Tables))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				out <- cfg.reduceBank(i)
			}
		}()
	}
	for i := range cfg.Tables {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	close(out)

	results := make([]bankOut, len(cfg.Tables))
	for b := range out {
		results[b.index] = b
	}

	res := &Result{
		Instrument: "beer",
		Banks:      make(map[string]*powder.Histogram, len(cfg.Tables)),
		Streaks:    make(map[string]*beer.StreakFit, len(cfg.Tables)),
		Tables:     make(map[string]*beer.EventTable, len(cfg.Tables)),
	}
	for _, b := range results {
		if b.err != nil {
			return nil, fmt.Errorf("beer reduction: %s: %w", b.name, b.err)
		}
		res.Banks[b.name] = b.hist
		res.Streaks[b.name] = b.fit
		res.Tables[b.name] = cfg.Tables[b.index]
		if res.Reduced == nil {
			res.Reduced = b.hist
		}
		res.Stats.EventsLoaded += b.loaded
		res.Stats.EventsMasked += b.masked
		res.Stats.EventsDropped += b.outside
		res.Stats.EventsReduced += b.loaded - b.masked - b.outside
		note(cfg.Recorder, "[beer] %s: %d streaks, %d of %d events reduced",
			b.name, len(b.fit.Streaks), b.loaded-b.masked-b.outside, b.loaded)
	}
	return res, nil
}

// reduceBank resolves the modulation of one event table and histograms
// the resulting d-spacing events.
func (cfg *BeerConfig) reduceBank(i int) bankOut {
	tab := cfg.Tables[i]
	b := bankOut{
		index:  i,
		name:   fmt.Sprintf("bank_%d", tab.Bank),
		loaded: tab.Len(),
	}

	delay, err := beer.ChopperDelay(tab.Mode)
	if err != nil {
		b.err = err
		return b
	}
	streaks, err := beer.ClusterByStreak(tab, delay)
	if err != nil {
		b.err = err
		return b
	}
	fit := beer.FitStreakLines(tab, streaks)
	events, err := fit.DspacingEvents(tab)
	if err != nil {
		b.err = err
		return b
	}
	b.masked = tab.Len() - events.Len()

	hist, outside, err := grouping.Histogram(events, cfg.DspacingEdges)
	if err != nil {
		b.err = err
		return b
	}
	b.hist = hist
	b.fit = fit
	b.outside = outside
	return b
}
