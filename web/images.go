package web

import (
	"fmt"
	"html/template"
	"image/png"
	"net/http"
	"strconv"
	"sync"

	"github.com/NemoCpp/deep-splicing/img"
	"github.com/NemoCpp/deep-splicing/pipeline"
	"github.com/gorilla/mux"
)

// Numbered result with link to the image
type ResultRow struct {
	pipeline.ImageResult
	Id int
}

type ResultsPage struct {
	*Templates
	Filter   string
	Page     int
	Pages    int
	Total    int
	Accuracy float64
	Rows     []ResultRow
	PageSize int
	mon      *Monitor
	sync.Mutex
}

// Base data for handler functions to list the per image predictions
func NewResultsPage(t *Templates, mon *Monitor, pageSize int) *ResultsPage {
	p := &ResultsPage{mon: mon, PageSize: pageSize}
	p.Templates = t.Select("/results")
	return p
}

func (p *ResultsPage) filter(results []pipeline.ImageResult) []ResultRow {
	var rows []ResultRow
	for i, r := range results {
		switch {
		case p.Filter == "errors" && r.Correct():
		case p.Filter == "uncertain" && !r.Uncertain:
		default:
			rows = append(rows, ResultRow{ImageResult: r, Id: i})
		}
	}
	return rows
}

// Handler function for the results template
func (p *ResultsPage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.Lock()
		defer p.Unlock()
		vars := mux.Vars(r)
		p.Filter = vars["inc"]
		p.Page, _ = strconv.Atoi(vars["page"])
		results := p.mon.ImageResults()
		p.Accuracy, _ = pipeline.Summary(results)
		rows := p.filter(results)
		p.Total = len(rows)
		p.Pages = (p.Total + p.PageSize - 1) / p.PageSize
		if p.Pages < 1 {
			p.Pages = 1
		}
		if p.Page < 1 || p.Page > p.Pages {
			p.Page = 1
		}
		start := (p.Page - 1) * p.PageSize
		end := start + p.PageSize
		if end > p.Total {
			end = p.Total
		}
		p.Rows = rows[start:end]
		p.Options = p.Options[:0]
		base := "/results/" + p.Filter + "/"
		for _, name := range []string{"all", "errors", "uncertain"} {
			p.AddOption(Link{Name: name, Url: "/results/" + name + "/1", Selected: name == p.Filter})
		}
		p.AddOption(Link{Name: "prev", Url: base + strconv.Itoa(mod(p.Page-1, 1, p.Pages))})
		p.AddOption(Link{Name: "next", Url: base + strconv.Itoa(mod(p.Page+1, 1, p.Pages))})
		p.Heading = template.HTML(template.HTMLEscapeString(p.heading()))
		p.Exec(w, "results", p)
	}
}

func (p *ResultsPage) heading() string {
	return fmt.Sprintf("%s: page %d of %d", p.Filter, p.Page, p.Pages)
}

// Handler function to serve the test image with given id in png format
func (p *ResultsPage) Image() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.Atoi(mux.Vars(r)["id"])
		results := p.mon.ImageResults()
		if id < 0 || id >= len(results) {
			http.NotFound(w, r)
			return
		}
		m, err := img.Load(results[id].Path)
		if err != nil {
			logError(w, err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		if err = png.Encode(w, m); err != nil {
			logError(w, err)
		}
	}
}

// wrap x to range [min, max]
func mod(x, min, max int) int {
	if x < min {
		return max
	}
	if x > max {
		return min
	}
	return x
}
