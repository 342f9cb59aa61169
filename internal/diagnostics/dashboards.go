package diagnostics

import (
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/neutron-data/powder.report/internal/instrument/beer"
	"github.com/neutron-data/powder.report/internal/powder"
	"github.com/neutron-data/powder.report/internal/powder/peaks"
)

// echartsAssetsHost serves the chart scripts. The public go-echarts
// mirror keeps dashboards working without bundling any JS.
const echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

var viridis = []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}

// PatternChart renders a reduced pattern as an ECharts line page.
// Masked bins render as gaps.
func PatternChart(w io.Writer, h *powder.Histogram, title, subtitle string) error {
	centers := h.Edges.Centers()
	x := make([]string, len(centers))
	y := make([]opts.LineData, len(centers))
	for i, c := range centers {
		x[i] = strconv.FormatFloat(c, 'f', 4, 64)
		if h.IsMasked(i) {
			y[i] = opts.LineData{Value: "-"}
		} else {
			y[i] = opts.LineData{Value: h.Counts[i]}
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Theme: "dark", Width: "100%", Height: "720px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: axisLabel(h.Edges), NameLocation: "middle", NameGap: 30}),
		charts.WithYAxisOpts(opts.YAxis{Name: h.Unit, NameLocation: "middle", NameGap: 45}),
	)
	line.SetXAxis(x).AddSeries("counts", y)

	return render(w, line)
}

// FitChart renders the vanadium window fits as scatter series over the
// data. Failed windows redraw their span in the failure color with the
// reason in the series name.
func FitChart(w io.Writer, h *powder.Histogram, fits []peaks.FitResult, title, subtitle string) error {
	centers := h.Edges.Centers()
	data := make([]opts.ScatterData, 0, len(centers))
	for i, c := range centers {
		if h.IsMasked(i) {
			continue
		}
		data = append(data, opts.ScatterData{Value: []interface{}{c, h.Counts[i]}})
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Theme: "dark", Width: "100%", Height: "720px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: axisLabel(h.Edges), NameLocation: "middle", NameGap: 30}),
		charts.WithYAxisOpts(opts.YAxis{Name: h.Unit, NameLocation: "middle", NameGap: 45}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "30"}),
	)

	scatter.AddSeries("data", data,
		charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}),
		charts.WithItemStyleOpts(opts.ItemStyle{Color: "#909090"}),
	)

	for _, r := range fits {
		if !r.Success {
			span := make([]opts.ScatterData, 0, 16)
			for i, c := range centers {
				if c < r.Window.Lo || c > r.Window.Hi || h.IsMasked(i) {
					continue
				}
				span = append(span, opts.ScatterData{Value: []interface{}{c, h.Counts[i]}})
			}
			name := fmt.Sprintf("%.3f failed: %s", 0.5*(r.Window.Lo+r.Window.Hi), r.Message)
			scatter.AddSeries(name, span,
				charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 7}),
				charts.WithItemStyleOpts(opts.ItemStyle{Color: "#ff5252"}),
			)
			continue
		}

		const samples = 64
		curve := make([]opts.ScatterData, samples)
		for j := range curve {
			x := r.Window.Lo + (r.Window.Hi-r.Window.Lo)*float64(j)/float64(samples-1)
			curve[j] = opts.ScatterData{Value: []interface{}{x, r.Peak.Eval(x) + polyVal(r.Background, x)}}
		}
		scatter.AddSeries(fmt.Sprintf("peak %.3f", r.Peak.Center), curve,
			charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}),
			charts.WithItemStyleOpts(opts.ItemStyle{Color: "#35b779"}),
		)
	}

	return render(w, scatter)
}

// StreakChart renders the clustered modulation events of one bank.
// Events are colored by streak index, rejected events drawn grey, and
// the fitted lines overlaid as dense point series.
func StreakChart(w io.Writer, tab *beer.EventTable, fit *beer.StreakFit, title, subtitle string) error {
	flight := func(i int) float64 {
		return tab.Ltotal[i] * math.Sin(tab.TwoTheta[i]/2)
	}

	inStreak := make([]bool, tab.Len())
	assigned := make([]opts.ScatterData, 0, tab.Len())
	lines := make([]opts.ScatterData, 0, 64*len(fit.Streaks))
	for k, st := range fit.Streaks {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, i := range st.Indices {
			inStreak[i] = true
			if fit.Masked[i] {
				continue
			}
			x := flight(i)
			assigned = append(assigned, opts.ScatterData{Value: []interface{}{x, tab.T[i], k}})
			lo = math.Min(lo, x)
			hi = math.Max(hi, x)
		}
		if lo >= hi {
			continue
		}
		const samples = 64
		for j := 0; j < samples; j++ {
			x := lo + (hi-lo)*float64(j)/float64(samples-1)
			lines = append(lines, opts.ScatterData{Value: []interface{}{x, st.T0 + st.Slope*x, k}})
		}
	}

	rejected := make([]opts.ScatterData, 0)
	for i := 0; i < tab.Len(); i++ {
		if !inStreak[i] || fit.Masked[i] {
			rejected = append(rejected, opts.ScatterData{Value: []interface{}{flight(i), tab.T[i]}})
		}
	}

	maxStreak := len(fit.Streaks) - 1
	if maxStreak < 1 {
		maxStreak = 1
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Theme: "dark", Width: "900px", Height: "720px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Ltotal * sin(theta) (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "arrival time (s)", NameLocation: "middle", NameGap: 45}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxStreak),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: viridis},
		}),
	)

	scatter.AddSeries("events", assigned, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))
	if len(lines) > 0 {
		scatter.AddSeries("fits", lines, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 2}))
	}
	if len(rejected) > 0 {
		scatter.AddSeries("rejected", rejected,
			charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 2}),
			charts.WithItemStyleOpts(opts.ItemStyle{Color: "#9e9e9e"}),
		)
	}

	return render(w, scatter)
}

// GroupChart renders a two-theta resolved map as a colored scatter,
// one point per (dspacing, two_theta band) cell.
func GroupChart(w io.Writer, g *powder.Histogram2D, title, subtitle string) error {
	rows := g.Row.Centers()
	cols := g.Col.Centers()
	points := make([]opts.ScatterData, 0, len(rows)*len(cols))
	maxVal := 0.0
	for ri, rc := range rows {
		for ci, cc := range cols {
			v := g.Counts[ri*len(cols)+ci]
			if v > maxVal {
				maxVal = v
			}
			points = append(points, opts.ScatterData{Value: []interface{}{cc, rc, v}})
		}
	}
	if maxVal == 0 {
		maxVal = 1
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Theme: "dark", Width: "900px", Height: "720px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: axisLabel(g.Col), NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: axisLabel(g.Row), NameLocation: "middle", NameGap: 45}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxVal),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: viridis},
		}),
	)
	scatter.AddSeries("cells", points, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 10}))

	return render(w, scatter)
}

type renderer interface {
	Render(w io.Writer) error
}

func render(w io.Writer, c renderer) error {
	if err := c.Render(w); err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	return nil
}
