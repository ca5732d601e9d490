package web

import (
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/NemoCpp/deep-splicing/nnet"
	"github.com/NemoCpp/deep-splicing/num"
	"github.com/NemoCpp/deep-splicing/pipeline"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testHeaders = []string{"loss", "valid loss", "valid error", "valid avg"}

func newTestMonitor(t *testing.T) *Monitor {
	s := pipeline.DefaultSettings()
	s.NbEpochs = 3
	s.WebPasswordHash = "secret-hash"
	mon := NewMonitor(s)
	q := num.NewDevice().NewQueue(1)
	topo := nnet.NewSequential(nnet.Flatten{}, nnet.Linear{Nout: 1}, nnet.Activation{Atype: "sigmoid"})
	net, err := nnet.New(q, nnet.DefaultConfig(), topo, []int{4, 4, 3}, nil)
	require.NoError(t, err)
	mon.Start(net, testHeaders)
	return mon
}

func get(t *testing.T, h http.Handler, url string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", url, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestStatsPage(t *testing.T) {
	mon := newTestMonitor(t)
	mon.Epoch(nnet.Stats{Epoch: 1, Values: []float64{0.6, 0.65, 0.3, 0.3}, Elapsed: time.Second})
	mon.Epoch(nnet.Stats{Epoch: 2, Values: []float64{0.4, 0.5, 0.2, 0.28}, Elapsed: 2 * time.Second})
	r, err := NewRouter(mon, nil)
	require.NoError(t, err)

	w := get(t, r, "/")
	assert.Equal(t, http.StatusFound, w.Code)

	w = get(t, r, "/stats")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "<svg")
	assert.Contains(t, body, "valid error")
	assert.Contains(t, body, "20.00%")
	assert.Contains(t, body, "run time: 2s")

	w = get(t, r, "/api/stats")
	require.Equal(t, http.StatusOK, w.Code)
	var res struct {
		Headers []string
		Stats   []nnet.Stats
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Equal(t, testHeaders, res.Headers)
	require.Len(t, res.Stats, 2)
	assert.Equal(t, 0.4, res.Stats[1].Values[0])
}

func TestResultsPage(t *testing.T) {
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "a.png")
	f, err := os.Create(imgPath)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, image.NewGray(image.Rect(0, 0, 8, 8))))
	require.NoError(t, f.Close())

	mon := newTestMonitor(t)
	mon.Results([]pipeline.ImageResult{
		{Path: imgPath, Label: 1, Predicted: 1, Nb1: 9, Patches: 9},
		{Path: "wrong.png", Label: 0, Predicted: 1, Nb0: 2, Nb1: 7, Patches: 9},
		{Path: "tie.png", Label: 1, Predicted: 1, Nb0: 3, Nb1: 3, Patches: 6, Uncertain: true},
	})
	r, err := NewRouter(mon, nil)
	require.NoError(t, err)

	w := get(t, r, "/results")
	assert.Equal(t, http.StatusFound, w.Code)

	w = get(t, r, "/results/all/1")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "wrong.png")
	assert.Contains(t, body, "tie.png")
	assert.Contains(t, body, "66.7%")

	w = get(t, r, "/results/errors/1")
	require.Equal(t, http.StatusOK, w.Code)
	body = w.Body.String()
	assert.Contains(t, body, "wrong.png")
	assert.NotContains(t, body, "tie.png")

	w = get(t, r, "/results/uncertain/7")
	require.Equal(t, http.StatusOK, w.Code)
	body = w.Body.String()
	assert.Contains(t, body, "tie.png")
	assert.NotContains(t, body, "wrong.png")

	w = get(t, r, "/api/results")
	require.Equal(t, http.StatusOK, w.Code)
	var results []pipeline.ImageResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&results))
	assert.Len(t, results, 3)

	w = get(t, r, "/img/0")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	w = get(t, r, "/img/5")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConfigPage(t *testing.T) {
	mon := newTestMonitor(t)
	r, err := NewRouter(mon, nil)
	require.NoError(t, err)
	w := get(t, r, "/config")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "PatchSize")
	assert.Contains(t, body, "Optimiser")
	assert.Contains(t, body, "parameters: 49")
	assert.NotContains(t, body, "secret-hash")
}

func TestAuth(t *testing.T) {
	hash, err := HashPassword("pass")
	require.NoError(t, err)
	mon := newTestMonitor(t)
	r, err := NewRouter(mon, NewAuthMiddleware("admin", hash))
	require.NoError(t, err)

	w := get(t, r, "/config")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest("GET", "/config", nil)
	req.SetBasicAuth("admin", "wrong")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest("GET", "/config", nil)
	req.SetBasicAuth("admin", "pass")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)

	req = httptest.NewRequest("GET", "/config", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebsocket(t *testing.T) {
	mon := newTestMonitor(t)
	r, err := NewRouter(mon, nil)
	require.NoError(t, err)
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool {
		mon.Lock()
		defer mon.Unlock()
		return len(mon.conns) == 1
	}, time.Second, 10*time.Millisecond)

	mon.Epoch(nnet.Stats{Epoch: 1, Values: []float64{0.5, 0.5, 0.5, 0.5}})
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "epoch:1", string(msg))

	mon.Results(nil)
	_, msg, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "results", string(msg))
}
