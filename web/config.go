package web

import (
	"fmt"
	"net/http"
	"reflect"
	"sync"

	"github.com/NemoCpp/deep-splicing/pipeline"
)

type ConfigPage struct {
	*Templates
	Fields []Field
	Net    []Field
	Layers string
	Params int
	mon    *Monitor
	sync.Mutex
}

type Field struct {
	Name  string
	Value string
}

// Base data for handler functions to view the run settings and network
func NewConfigPage(t *Templates, mon *Monitor) *ConfigPage {
	p := &ConfigPage{mon: mon}
	p.Templates = t.Select("/config")
	p.Fields = settingsFields(mon.Settings)
	for _, key := range mon.Settings.Net.Fields() {
		p.Net = append(p.Net, Field{Name: key, Value: fmt.Sprint(mon.Settings.Net.Get(key))})
	}
	return p
}

// Handler function for the config template
func (p *ConfigPage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.Lock()
		defer p.Unlock()
		p.Layers, p.Params = p.mon.Network()
		p.Heading = "settings"
		p.Exec(w, "config", p)
	}
}

// top level settings apart from the password hash and nested configs
func settingsFields(s pipeline.Settings) []Field {
	var fields []Field
	v := reflect.ValueOf(s)
	for i := 0; i < v.NumField(); i++ {
		f := v.Type().Field(i)
		if f.Type.Kind() == reflect.Struct || f.Name == "WebPasswordHash" {
			continue
		}
		fields = append(fields, Field{Name: f.Name, Value: fmt.Sprint(v.Field(i).Interface())})
	}
	fields = append(fields, Field{Name: "Model", Value: fmt.Sprintf("%+v", s.ModelConfig())})
	return fields
}
