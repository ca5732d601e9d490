// Package web has a web interface to follow a training run: loss and error plots, the per image
// results and the run settings.
package web

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/NemoCpp/deep-splicing/logging"
	"github.com/NemoCpp/deep-splicing/nnet"
	"github.com/NemoCpp/deep-splicing/pipeline"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Monitor collects the progress of a run for display. It implements pipeline.Monitor.
type Monitor struct {
	Settings pipeline.Settings
	layers   []string
	params   int
	headers  []string
	stats    []nnet.Stats
	results  []pipeline.ImageResult
	conns    map[*websocket.Conn]bool
	sync.Mutex
}

func NewMonitor(s pipeline.Settings) *Monitor {
	return &Monitor{Settings: s, conns: make(map[*websocket.Conn]bool)}
}

// Start records the network description.
func (m *Monitor) Start(net *nnet.Network, headers []string) {
	m.Lock()
	m.layers = m.layers[:0]
	for i, layer := range net.Layers {
		m.layers = append(m.layers, fmt.Sprintf("%2d: %-40s %v", i, layer.ToString(), layer.OutShape()))
	}
	m.params = net.ParamCount()
	m.headers = headers
	m.stats = nil
	m.results = nil
	m.Unlock()
	m.notify("start")
}

// Epoch saves the stats and notifies any connected clients.
func (m *Monitor) Epoch(s nnet.Stats) {
	s.Values = append([]float64{}, s.Values...)
	m.Lock()
	m.stats = append(m.stats, s)
	m.Unlock()
	m.notify(fmt.Sprintf("epoch:%d", s.Epoch))
}

// Results saves the test image predictions.
func (m *Monitor) Results(r []pipeline.ImageResult) {
	m.Lock()
	m.results = append([]pipeline.ImageResult{}, r...)
	m.Unlock()
	m.notify("results")
}

// Stats returns a copy of the epoch history.
func (m *Monitor) Stats() (headers []string, stats []nnet.Stats) {
	m.Lock()
	defer m.Unlock()
	return m.headers, append([]nnet.Stats{}, m.stats...)
}

// ImageResults returns a copy of the predictions.
func (m *Monitor) ImageResults() []pipeline.ImageResult {
	m.Lock()
	defer m.Unlock()
	return append([]pipeline.ImageResult{}, m.results...)
}

// Network returns the layer descriptions and parameter count.
func (m *Monitor) Network() (layers string, params int) {
	m.Lock()
	defer m.Unlock()
	return strings.Join(m.layers, "\n"), m.params
}

func (m *Monitor) notify(msg string) {
	m.Lock()
	defer m.Unlock()
	for conn := range m.conns {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			logging.Named("web").Warnf("websocket write: %v", err)
			conn.Close()
			delete(m.conns, conn)
		}
	}
}

// Websocket handler registers the client for notifications until the connection is closed.
func (m *Monitor) Websocket() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Named("web").Warnf("websocket upgrade: %v", err)
			return
		}
		m.Lock()
		m.conns[conn] = true
		m.Unlock()
		go func() {
			for {
				if _, _, err := conn.NextReader(); err != nil {
					break
				}
			}
			m.Lock()
			delete(m.conns, conn)
			m.Unlock()
			conn.Close()
		}()
	}
}
