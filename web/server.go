package web

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/NemoCpp/deep-splicing/logging"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
)

const resultsPerPage = 50

// NewRouter sets up the handlers for the monitor pages. If auth is not nil then all requests
// must be authenticated.
func NewRouter(mon *Monitor, auth *AuthMiddleware) (*mux.Router, error) {
	t, err := NewTemplates()
	if err != nil {
		return nil, err
	}
	statsPage := NewStatsPage(t.Clone(), mon)
	resultsPage := NewResultsPage(t.Clone(), mon, resultsPerPage)
	configPage := NewConfigPage(t.Clone(), mon)

	r := mux.NewRouter()
	if auth != nil {
		r.Use(auth.Middleware)
	}
	r.Handle("/", http.RedirectHandler("/stats", http.StatusFound))
	r.HandleFunc("/stats", statsPage.Base())
	r.HandleFunc("/api/stats", statsPage.API())
	r.HandleFunc("/ws", mon.Websocket())

	r.Handle("/results", http.RedirectHandler("/results/all/1", http.StatusFound))
	r.HandleFunc("/results/{inc:(?:all|errors|uncertain)}/{page:[0-9]+}", resultsPage.Base())
	r.HandleFunc("/api/results", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(mon.ImageResults()); err != nil {
			logError(w, err)
		}
	})
	r.HandleFunc("/img/{id:[0-9]+}", resultsPage.Image())

	r.HandleFunc("/config", configPage.Base())
	return r, nil
}

// Serve starts the web server in the background. The returned server can be shut down once
// the run is complete.
func Serve(addr string, mon *Monitor, auth *AuthMiddleware) (*http.Server, error) {
	r, err := NewRouter(mon, auth)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "web server")
	}
	srv := &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	log := logging.Named("web")
	log.Infof("serving web page at http://%s", ln.Addr())
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error(err)
		}
	}()
	return srv, nil
}
