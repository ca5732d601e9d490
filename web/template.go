package web

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"github.com/NemoCpp/deep-splicing/logging"
	"github.com/pkg/errors"
)

//go:embed assets/*.html
var assets embed.FS

// Template and main menu definition
type Templates struct {
	*template.Template
	Menu    []Link
	Options []Link
	Heading template.HTML
}

type Link struct {
	Url      string
	Name     string
	Selected bool
}

var funcs = template.FuncMap{
	"pct": func(x float64) string { return fmt.Sprintf("%.1f%%", 100*x) },
}

// Load and parse templates and initialise main menu
func NewTemplates() (*Templates, error) {
	var err error
	t := &Templates{}
	t.Template, err = template.New("").Funcs(funcs).ParseFS(assets, "assets/*.html")
	if err != nil {
		return nil, errors.Wrap(err, "parse templates")
	}
	t.AddMenuItem(Link{Url: "/stats", Name: "stats"})
	t.AddMenuItem(Link{Url: "/results/all/1", Name: "results"})
	t.AddMenuItem(Link{Url: "/config", Name: "config"})
	return t, nil
}

func (t *Templates) Clone() *Templates {
	return &Templates{
		Template: t.Template,
		Menu:     append([]Link{}, t.Menu...),
		Options:  append([]Link{}, t.Options...),
	}
}

func (t *Templates) Select(url string) *Templates {
	for i, key := range t.Menu {
		t.Menu[i].Selected = strings.HasPrefix(key.Url, url)
	}
	return t
}

func (t *Templates) AddMenuItem(l Link) *Templates {
	t.Menu = append(t.Menu, l)
	return t
}

func (t *Templates) AddOption(l Link) *Templates {
	t.Options = append(t.Options, l)
	return t
}

// Exec renders the named template, the page is only written if there is no error.
func (t *Templates) Exec(w http.ResponseWriter, name string, data interface{}) {
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, name, data); err != nil {
		logError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	buf.WriteTo(w)
}

func logError(w http.ResponseWriter, err error) {
	logging.Named("web").Error(err)
	http.Error(w, fmt.Sprint(err), http.StatusInternalServerError)
}
