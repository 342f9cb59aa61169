// Package diagnostics renders reduction results for inspection: PNG
// plots for run artifacts and ECharts HTML pages for the console
// dashboards.
package diagnostics

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/neutron-data/powder.report/internal/instrument/beer"
	"github.com/neutron-data/powder.report/internal/powder"
	"github.com/neutron-data/powder.report/internal/powder/peaks"
)

const (
	plotWidth  = 10 * vg.Inch
	plotHeight = 5 * vg.Inch
)

var failColor = color.RGBA{R: 0xff, G: 0x52, B: 0x52, A: 255}

// PatternPlot writes a reduced pattern as a PNG line plot. Masked bins
// break the line so gaps stay visible.
func PatternPlot(h *powder.Histogram, title, path string) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = axisLabel(h.Edges)
	p.Y.Label.Text = h.Unit

	first := true
	for _, seg := range patternSegments(h) {
		line, err := plotter.NewLine(seg)
		if err != nil {
			return err
		}
		line.Color = palette(1)[0]
		line.Width = vg.Points(1)
		p.Add(line)
		if first {
			p.Legend.Add("pattern", line)
			first = false
		}
	}
	if first {
		return fmt.Errorf("diagnostics: histogram has no unmasked bins")
	}

	p.Legend.Top = true
	return savePNG(p, path)
}

// FitPlot writes the vanadium window fits over the data. Successful
// windows draw the fitted model; failed windows redraw their data span
// in the failure color with the short reason in the legend.
func FitPlot(h *powder.Histogram, fits []peaks.FitResult, title, path string) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = axisLabel(h.Edges)
	p.Y.Label.Text = h.Unit

	for _, seg := range patternSegments(h) {
		line, err := plotter.NewLine(seg)
		if err != nil {
			return err
		}
		line.Color = color.RGBA{R: 0x90, G: 0x90, B: 0x90, A: 255}
		line.Width = vg.Points(1)
		p.Add(line)
	}

	colors := palette(len(fits))
	centers := h.Edges.Centers()
	for i, r := range fits {
		if !r.Success {
			seg := windowData(h, centers, r.Window)
			if len(seg) == 0 {
				continue
			}
			line, err := plotter.NewLine(seg)
			if err != nil {
				return err
			}
			line.Color = failColor
			line.Width = vg.Points(2)
			p.Add(line)
			p.Legend.Add(fmt.Sprintf("%.3f failed: %s", 0.5*(r.Window.Lo+r.Window.Hi), r.Message), line)
			continue
		}

		const samples = 64
		curve := make(plotter.XYs, samples)
		for j := range curve {
			x := r.Window.Lo + (r.Window.Hi-r.Window.Lo)*float64(j)/float64(samples-1)
			curve[j] = plotter.XY{X: x, Y: r.Peak.Eval(x) + polyVal(r.Background, x)}
		}
		line, err := plotter.NewLine(curve)
		if err != nil {
			return err
		}
		line.Color = colors[i]
		line.Width = vg.Points(2)
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("peak %.3f", r.Peak.Center), line)
	}

	p.Legend.Top = true
	return savePNG(p, path)
}

// StreakPlot writes the clustered modulation events of one bank: event
// time against the scattering flight term, one color per streak, with
// the fitted lines overlaid and rejected events in grey.
func StreakPlot(tab *beer.EventTable, fit *beer.StreakFit, title, path string) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Ltotal * sin(theta) (m)"
	p.Y.Label.Text = "arrival time (s)"

	flight := func(i int) float64 {
		return tab.Ltotal[i] * math.Sin(tab.TwoTheta[i]/2)
	}

	inStreak := make([]bool, tab.Len())
	colors := palette(len(fit.Streaks))
	for k, st := range fit.Streaks {
		pts := make(plotter.XYs, 0, len(st.Indices))
		var lo, hi float64
		for _, i := range st.Indices {
			inStreak[i] = true
			if fit.Masked[i] {
				continue
			}
			x := flight(i)
			pts = append(pts, plotter.XY{X: x, Y: tab.T[i]})
			if len(pts) == 1 || x < lo {
				lo = x
			}
			if len(pts) == 1 || x > hi {
				hi = x
			}
		}
		if len(pts) == 0 {
			continue
		}
		sc, err := plotter.NewScatter(pts)
		if err != nil {
			return err
		}
		sc.GlyphStyle.Color = colors[k]
		sc.GlyphStyle.Radius = vg.Points(1)
		p.Add(sc)
		p.Legend.Add(fmt.Sprintf("streak %d", k), sc)

		line, err := plotter.NewLine(plotter.XYs{
			{X: lo, Y: st.T0 + st.Slope*lo},
			{X: hi, Y: st.T0 + st.Slope*hi},
		})
		if err != nil {
			return err
		}
		line.Color = colors[k]
		line.Width = vg.Points(1)
		p.Add(line)
	}

	rejected := make(plotter.XYs, 0)
	for i := 0; i < tab.Len(); i++ {
		if !inStreak[i] || fit.Masked[i] {
			rejected = append(rejected, plotter.XY{X: flight(i), Y: tab.T[i]})
		}
	}
	if len(rejected) > 0 {
		sc, err := plotter.NewScatter(rejected)
		if err != nil {
			return err
		}
		sc.GlyphStyle.Color = color.RGBA{R: 0x9e, G: 0x9e, B: 0x9e, A: 255}
		sc.GlyphStyle.Radius = vg.Points(0.7)
		p.Add(sc)
		p.Legend.Add("rejected", sc)
	}

	p.Legend.Top = true
	return savePNG(p, path)
}

// patternSegments splits a histogram into contiguous unmasked center
// runs so masked regions render as gaps.
func patternSegments(h *powder.Histogram) []plotter.XYs {
	var segs []plotter.XYs
	var cur plotter.XYs
	for i, c := range h.Edges.Centers() {
		if h.IsMasked(i) {
			if len(cur) > 0 {
				segs = append(segs, cur)
				cur = nil
			}
			continue
		}
		cur = append(cur, plotter.XY{X: c, Y: h.Counts[i]})
	}
	if len(cur) > 0 {
		segs = append(segs, cur)
	}
	return segs
}

// windowData returns the unmasked data points inside a window.
func windowData(h *powder.Histogram, centers []float64, w peaks.Window) plotter.XYs {
	var pts plotter.XYs
	for i, c := range centers {
		if c < w.Lo || c > w.Hi || h.IsMasked(i) {
			continue
		}
		pts = append(pts, plotter.XY{X: c, Y: h.Counts[i]})
	}
	return pts
}

func polyVal(coeffs []float64, x float64) float64 {
	var y, xp float64
	xp = 1
	for _, c := range coeffs {
		y += c * xp
		xp *= x
	}
	return y
}

func axisLabel(e powder.Edges) string {
	if e.Unit == "" {
		return e.Name
	}
	return fmt.Sprintf("%s (%s)", e.Name, e.Unit)
}

// palette returns n distinct colors spread over the hue circle.
func palette(n int) []color.Color {
	if n <= 0 {
		return nil
	}
	out := make([]color.Color, n)
	for i := range out {
		r, g, b := hslToRGB(float64(i)/float64(n), 0.7, 0.45)
		out[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return out
}

func hslToRGB(h, s, l float64) (r, g, b uint8) {
	var rf, gf, bf float64
	if s == 0 {
		rf, gf, bf = l, l, l
	} else {
		var q float64
		if l < 0.5 {
			q = l * (1 + s)
		} else {
			q = l + s - l*s
		}
		p := 2*l - q
		rf = hueToRGB(p, q, h+1.0/3.0)
		gf = hueToRGB(p, q, h)
		bf = hueToRGB(p, q, h-1.0/3.0)
	}
	return uint8(rf * 255), uint8(gf * 255), uint8(bf * 255)
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t += 1
	}
	if t > 1 {
		t -= 1
	}
	if t < 1.0/6.0 {
		return p + (q-p)*6*t
	}
	if t < 1.0/2.0 {
		return q
	}
	if t < 2.0/3.0 {
		return p + (q-p)*(2.0/3.0-t)*6
	}
	return p
}

func savePNG(p *plot.Plot, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create plot dir: %w", err)
	}
	if err := p.Save(plotWidth, plotHeight, path); err != nil {
		return fmt.Errorf("save plot: %w", err)
	}
	return nil
}
