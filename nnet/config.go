package nnet

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Training configuration settings
type Config struct {
	Eta           float64
	Lambda        float64
	Bias          float64
	NormalWeights bool
	Optimiser     string
	Beta1         float64
	Beta2         float64
	Epsilon       float64
	Loss          string
	Shuffle       bool
	TrainBatch    int
	TestBatch     int
	MaxEpoch      int
	LogEvery      int
	StopAfter     int
	MinLoss       float64
	RandSeed      int64
	Threads       int
	DebugLevel    int
	Profile       bool
	Topology      string
	Output        string
}

// DefaultConfig matches the settings used to train the patch classifier: Adam with the usual
// moment decay rates, sigmoid output unit and binary cross entropy loss.
func DefaultConfig() Config {
	return Config{
		Eta:        0.001,
		Optimiser:  "adam",
		Beta1:      0.9,
		Beta2:      0.999,
		Epsilon:    1e-8,
		Loss:       "crossEntropy",
		Shuffle:    true,
		TrainBatch: 32,
		TestBatch:  128,
		MaxEpoch:   10,
		LogEvery:   1,
		Topology:   "sequential",
		Output:     "sigmoid",
	}
}

// Check config values are consistent.
func (c Config) Validate() error {
	switch {
	case c.Eta <= 0:
		return errors.Errorf("Eta must be positive: %g", c.Eta)
	case c.Optimiser != "sgd" && c.Optimiser != "adam":
		return errors.Errorf("Optimiser %q invalid: expecting sgd or adam", c.Optimiser)
	case c.Loss != "crossEntropy" && c.Loss != "quadratic":
		return errors.Errorf("Loss %q invalid: expecting crossEntropy or quadratic", c.Loss)
	case c.TrainBatch < 1:
		return errors.Errorf("TrainBatch must be at least 1: %d", c.TrainBatch)
	case c.MaxEpoch < 1:
		return errors.Errorf("MaxEpoch must be at least 1: %d", c.MaxEpoch)
	}
	if c.Optimiser == "adam" && (c.Beta1 < 0 || c.Beta1 >= 1 || c.Beta2 < 0 || c.Beta2 >= 1) {
		return errors.Errorf("Adam decay rates must be in [0,1): beta1=%g beta2=%g", c.Beta1, c.Beta2)
	}
	switch c.Output {
	case "sigmoid", "relu", "tanh":
	default:
		return errors.Errorf("Output activation %q invalid", c.Output)
	}
	if c.Loss == "crossEntropy" && c.Output != "sigmoid" {
		return errors.Errorf("crossEntropy loss requires sigmoid output, got %s", c.Output)
	}
	return nil
}

// Load config from a JSON or YAML file, fields which are not set take the default values.
func LoadConfig(filePath string) (c Config, err error) {
	c = DefaultConfig()
	data, err := os.ReadFile(filePath)
	if err != nil {
		return c, errors.Wrap(err, "load config")
	}
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".yaml", ".yml":
		err = yaml.UnmarshalStrict(data, &c)
	default:
		err = json.Unmarshal(data, &c)
	}
	return c, errors.Wrapf(err, "decode config %s", filePath)
}

// Save config to JSON file, written to a temp file first and then renamed.
func (c Config) Save(filePath string) error {
	tmp := filepath.Join(filepath.Dir(filePath), "."+filepath.Base(filePath))
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "save config")
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err = enc.Encode(c); err != nil {
		f.Close()
		return errors.Wrap(err, "save config")
	}
	if err = f.Close(); err != nil {
		return errors.Wrap(err, "save config")
	}
	return os.Rename(tmp, filePath)
}

func (c Config) Fields() []string {
	st := reflect.TypeOf(c)
	fld := make([]string, st.NumField())
	for i := range fld {
		fld[i] = st.Field(i).Name
	}
	return fld
}

func (c Config) Get(key string) interface{} {
	s := reflect.ValueOf(c)
	return s.FieldByName(key).Interface()
}

func (c Config) String() string {
	str := []string{"== Config =="}
	for _, key := range c.Fields() {
		str = append(str, fmt.Sprintf("%-14s: %v", key, c.Get(key)))
	}
	return strings.Join(str, "\n")
}

// Set field from string value, used for command line overrides.
func (c Config) SetString(key, val string) (Config, error) {
	s := reflect.ValueOf(&c).Elem()
	f := s.FieldByName(key)
	if !f.IsValid() {
		return c, errors.Errorf("unknown config field %q", key)
	}
	var err error
	switch f.Type().Kind() {
	case reflect.Int, reflect.Int64:
		var x int64
		if x, err = strconv.ParseInt(val, 10, 64); err == nil {
			f.SetInt(x)
		}
	case reflect.Float64:
		var x float64
		if x, err = strconv.ParseFloat(val, 64); err == nil {
			f.SetFloat(x)
		}
	case reflect.Bool:
		var x bool
		if x, err = strconv.ParseBool(val); err == nil {
			f.SetBool(x)
		}
	case reflect.String:
		f.SetString(val)
	default:
		return c, errors.Errorf("invalid type for SetString: %v", f.Type().Kind())
	}
	return c, errors.Wrapf(err, "set %s", key)
}

func (c Config) SetBool(key string, val bool) (Config, error) {
	s := reflect.ValueOf(&c).Elem()
	f := s.FieldByName(key)
	if f.IsValid() && f.Type().Kind() == reflect.Bool {
		f.SetBool(val)
		return c, nil
	}
	return c, errors.Errorf("invalid field for SetBool: %s", key)
}
