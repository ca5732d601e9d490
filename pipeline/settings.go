// Package pipeline runs the patch classifier end to end: build the patch sets, train and save the
// model and classify the test images by majority vote.
package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/NemoCpp/deep-splicing/nnet"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Settings for a training or prediction run.
type Settings struct {
	WorkingFolder   string
	NbEpochs        int
	BatchSize       int
	PatchSize       int
	Stride          int
	TrainList       string
	TestList        string
	TieLabel        int
	Progress        bool
	Database        string
	WebAddr         string
	WebUser         string
	WebPasswordHash string
	LogLevel        string
	Model           nnet.ModelConfig
	Net             nnet.Config
}

// DefaultSettings gives 40x40 patches on a 20 pixel grid.
func DefaultSettings() Settings {
	return Settings{
		WorkingFolder: ".",
		NbEpochs:      10,
		BatchSize:     32,
		PatchSize:     40,
		Stride:        20,
		TieLabel:      1,
		LogLevel:      "info",
		Model:         nnet.DefaultModel(),
		Net:           nnet.DefaultConfig(),
	}
}

// Overrides holds values set from the command line, zero values are ignored.
type Overrides struct {
	WorkingFolder string
	NbEpochs      int
	BatchSize     int
	TrainList     string
	TestList      string
	NetConfig     string
	Topology      string
	Database      string
	WebAddr       string
	LogLevel      string
	Progress      bool
	Set           []string
}

// LoadSettings reads settings from a JSON or YAML file, fields which are not set take the
// default values.
func LoadSettings(filePath string) (s Settings, err error) {
	s = DefaultSettings()
	data, err := os.ReadFile(filePath)
	if err != nil {
		return s, errors.Wrap(err, "load settings")
	}
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".yaml", ".yml":
		err = yaml.UnmarshalStrict(data, &s)
	default:
		err = json.Unmarshal(data, &s)
	}
	return s, errors.Wrapf(err, "decode settings %s", filePath)
}

// Save settings in JSON or YAML format depending on the file extension.
func (s Settings) Save(filePath string) error {
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(s)
	default:
		data, err = json.MarshalIndent(s, "", "  ")
	}
	if err != nil {
		return errors.Wrap(err, "encode settings")
	}
	return errors.Wrap(os.WriteFile(filePath, data, 0644), "save settings")
}

// ApplyOverrides updates the settings from the command line. Each entry in o.Set is a
// Key=Value assignment to a network config field.
func (s *Settings) ApplyOverrides(o Overrides) error {
	if o.WorkingFolder != "" {
		s.WorkingFolder = o.WorkingFolder
	}
	if o.NbEpochs > 0 {
		s.NbEpochs = o.NbEpochs
	}
	if o.BatchSize > 0 {
		s.BatchSize = o.BatchSize
	}
	if o.TrainList != "" {
		s.TrainList = o.TrainList
	}
	if o.TestList != "" {
		s.TestList = o.TestList
	}
	if o.NetConfig != "" {
		conf, err := nnet.LoadConfig(o.NetConfig)
		if err != nil {
			return err
		}
		s.Net = conf
	}
	if o.Topology != "" {
		s.Net.Topology = o.Topology
	}
	if o.Database != "" {
		s.Database = o.Database
	}
	if o.WebAddr != "" {
		s.WebAddr = o.WebAddr
	}
	if o.LogLevel != "" {
		s.LogLevel = o.LogLevel
	}
	if o.Progress {
		s.Progress = true
	}
	for _, kv := range o.Set {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return errors.Errorf("invalid setting %q: expecting Key=Value", kv)
		}
		conf, err := s.Net.SetString(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
		if err != nil {
			return err
		}
		s.Net = conf
	}
	return nil
}

// NetConfig returns the network config with the epoch count and batch size from the settings.
func (s Settings) NetConfig() nnet.Config {
	c := s.Net
	c.MaxEpoch = s.NbEpochs
	c.TrainBatch = s.BatchSize
	return c
}

// ModelConfig returns the layer parameters with the output activation from the network config.
func (s Settings) ModelConfig() nnet.ModelConfig {
	m := s.Model
	m.Output = s.Net.Output
	return m
}

// Validate checks the settings are runnable.
func (s Settings) Validate() error {
	switch {
	case s.WorkingFolder == "":
		return errors.New("WorkingFolder must be set")
	case s.NbEpochs < 1:
		return errors.Errorf("NbEpochs must be at least 1: %d", s.NbEpochs)
	case s.BatchSize < 1:
		return errors.Errorf("BatchSize must be at least 1: %d", s.BatchSize)
	case s.PatchSize < 1:
		return errors.Errorf("PatchSize must be at least 1: %d", s.PatchSize)
	case s.Stride < 1:
		return errors.Errorf("Stride must be at least 1: %d", s.Stride)
	case s.TieLabel != 0 && s.TieLabel != 1:
		return errors.Errorf("TieLabel must be 0 or 1: %d", s.TieLabel)
	case s.WebUser != "" && s.WebPasswordHash == "":
		return errors.New("WebPasswordHash must be set with WebUser")
	}
	if s.Model.Filters[0] < 1 || s.Model.Filters[1] < 1 || s.Model.KernelSize < 1 || s.Model.PoolSize < 1 || s.Model.Hidden < 1 {
		return errors.Errorf("invalid model config %+v", s.Model)
	}
	if s.Model.Dropout < 0 || s.Model.Dropout >= 1 {
		return errors.Errorf("Dropout ratio must be in [0,1): %g", s.Model.Dropout)
	}
	return errors.Wrap(s.NetConfig().Validate(), "network config")
}
