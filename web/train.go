package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"sync"
	"time"

	"github.com/NemoCpp/deep-splicing/nnet"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/vgsvg"
)

type StatsPage struct {
	*Templates
	mon     *Monitor
	headers []string
	stats   []nnet.Stats
	sync.Mutex
}

// Base data for handler functions to display the training stats
func NewStatsPage(t *Templates, mon *Monitor) *StatsPage {
	p := &StatsPage{mon: mon}
	p.Templates = t.Select("/stats")
	return p
}

// Handler function for the stats template
func (p *StatsPage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.Lock()
		defer p.Unlock()
		p.headers, p.stats = p.mon.Stats()
		p.Heading = p.heading()
		p.Exec(w, "stats", p)
	}
}

// Handler function returning the stats history in JSON format
func (p *StatsPage) API() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		headers, stats := p.mon.Stats()
		w.Header().Set("Content-Type", "application/json")
		err := json.NewEncoder(w).Encode(struct {
			Headers []string
			Stats   []nnet.Stats
		}{headers, stats})
		if err != nil {
			logError(w, err)
		}
	}
}

func (p *StatsPage) heading() template.HTML {
	s := fmt.Sprintf(`epoch <span id="epoch">%d</span> of %d`, len(p.stats), p.mon.Settings.NbEpochs)
	return template.HTML(s)
}

func (p *StatsPage) Headers() []string {
	return p.headers
}

// Formatted values for the last n epochs, most recent first
func (p *StatsPage) LatestStats(n int) [][]string {
	last := len(p.stats) - 1
	res := [][]string{}
	for i := last; i >= 0 && i > last-n; i-- {
		s := p.stats[i]
		res = append(res, append([]string{fmt.Sprint(s.Epoch)}, s.Format(p.headers)...))
	}
	return res
}

func (p *StatsPage) RunTime() string {
	if len(p.stats) == 0 {
		return ""
	}
	elapsed := p.stats[len(p.stats)-1].Elapsed
	return fmt.Sprintf("run time: %s", elapsed.Round(10*time.Millisecond))
}

func (p *StatsPage) LossPlot(width, height int) template.HTML {
	plt, err := newPlot()
	if err != nil {
		return plotError(err)
	}
	for i, name := range p.headers {
		if name == "loss" || name == "valid loss" {
			line := newLinePlot(p.stats, i, 1)
			plt.Add(line)
			plt.Legend.Add(name+" ", line)
		}
	}
	return writePlot(plt, width, height)
}

func (p *StatsPage) ErrorPlot(width, height int) template.HTML {
	plt, err := newPlot()
	if err != nil {
		return plotError(err)
	}
	for i, name := range p.headers {
		if name == "valid error" || name == "valid avg" {
			line := newLinePlot(p.stats, i, 100)
			plt.Add(line)
			plt.Legend.Add(name+" % ", line)
		}
	}
	return writePlot(plt, width, height)
}

func newPlot() (*plot.Plot, error) {
	p, err := plot.New()
	if err != nil {
		return nil, err
	}
	fontSmall, err := vg.MakeFont("Helvetica", 10)
	if err != nil {
		return nil, err
	}
	fontMedium, err := vg.MakeFont("Helvetica", 12)
	if err != nil {
		return nil, err
	}
	p.X.Padding, p.Y.Padding = 0, 0
	p.X.Tick.Label.Font = fontSmall
	p.Y.Tick.Label.Font = fontSmall
	p.Legend.Top = true
	p.Legend.Font = fontMedium
	p.Add(plotter.NewGrid())
	return p, nil
}

func writePlot(p *plot.Plot, w, h int) template.HTML {
	var buf bytes.Buffer
	writer, err := p.WriterTo(vg.Inch*vg.Length(w)/vgsvg.DPI, vg.Inch*vg.Length(h)/vgsvg.DPI, "svg")
	if err != nil {
		return plotError(err)
	}
	if _, err = writer.WriteTo(&buf); err != nil {
		return plotError(err)
	}
	return template.HTML(buf.String())
}

func plotError(err error) template.HTML {
	return template.HTML(template.HTMLEscapeString("plot error: " + err.Error()))
}

func newLinePlot(stats []nnet.Stats, ix int, scale float64) linePlot {
	var pt struct{ X, Y float64 }
	var pts plotter.XYs
	xmax, ymax := 1.0, 0.0
	for _, s := range stats {
		if ix >= len(s.Values) {
			continue
		}
		pt.X, pt.Y = float64(s.Epoch), s.Values[ix]*scale
		pts = append(pts, pt)
		if pt.X > xmax {
			xmax = pt.X
		}
		if pt.Y > ymax {
			ymax = pt.Y
		}
	}
	l := &plotter.Line{XYs: pts, LineStyle: plotter.DefaultLineStyle}
	l.Width = 2
	l.Color = plotutil.Color(ix)
	return linePlot{Line: l, xmin: 1, xmax: xmax, ymin: 0, ymax: ymax}
}

// modified plotter.Line with a fixed scale
type linePlot struct {
	*plotter.Line
	xmin, xmax, ymin, ymax float64
}

func (l linePlot) DataRange() (xmin, xmax, ymin, ymax float64) {
	return l.xmin, l.xmax, l.ymin, l.ymax
}
