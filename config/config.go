// Package config holds the fully-resolved configuration consumed by the
// training and evaluation engines.
//
// A configuration is typically decoded from a YAML file and then patched with
// "key=value" overrides from the command line, in that order. The engine never
// reads configuration files itself: it receives a validated Config value.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ConfigurationError reports an invalid or missing option. It is fatal and
// aborts before any training starts.
type ConfigurationError struct {
	Option string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: option %q: %s", e.Option, e.Reason)
}

func configErrorf(option, format string, args ...any) error {
	return &ConfigurationError{Option: option, Reason: fmt.Sprintf(format, args...)}
}

// LossNames are the accepted values for `loss.name`.
var LossNames = []string{"softmax", "triplet", "center", "ohem"}

// DistMetrics are the accepted values for `loss.triplet.metric` and `test.dist_metric`.
var DistMetrics = []string{"euclidean", "cosine"}

// SchedulerNames are the accepted values for `train.lr_scheduler`.
var SchedulerNames = []string{"single_step", "multi_step"}

type Config struct {
	Model ModelConfig `yaml:"model"`
	Data  DataConfig  `yaml:"data"`
	Loss  LossConfig  `yaml:"loss"`
	Train TrainConfig `yaml:"train"`
	Test  TestConfig  `yaml:"test"`
}

type ModelConfig struct {
	Name string `yaml:"name"`

	// LoadWeights optionally points at a checkpoint whose model weights are
	// loaded before training (fine-tuning). Optimizer and epoch state in the
	// checkpoint are ignored.
	LoadWeights string `yaml:"load_weights"`

	// Resume optionally points at a checkpoint slot to fully resume from:
	// model, optimizer, scheduler and epoch counter.
	Resume string `yaml:"resume"`

	EmbeddingDim int `yaml:"embedding_dim"`
}

type DataConfig struct {
	Root    string   `yaml:"root"`
	Sources []string `yaml:"sources"`
	Targets []string `yaml:"targets"`

	Height int `yaml:"height"`
	Width  int `yaml:"width"`

	// NumIdentities (P) and NumInstances (K) define the P×K identity-balanced
	// training batch. K must be ≥ 2 for the metric losses: the hardest-positive
	// search is undefined otherwise.
	NumIdentities int `yaml:"num_identities"`
	NumInstances  int `yaml:"num_instances"`

	EvalBatchSize int `yaml:"eval_batch_size"`
}

// BatchSize is the effective training batch size P×K.
func (d *DataConfig) BatchSize() int { return d.NumIdentities * d.NumInstances }

type LossConfig struct {
	Name    string        `yaml:"name"`
	Softmax SoftmaxConfig `yaml:"softmax"`
	Triplet TripletConfig `yaml:"triplet"`
	Center  CenterConfig  `yaml:"center"`
	OHEM    OHEMConfig    `yaml:"ohem"`
}

type SoftmaxConfig struct {
	// LabelSmooth redistributes Epsilon probability mass uniformly over the
	// non-target classes.
	LabelSmooth bool    `yaml:"label_smooth"`
	Epsilon     float64 `yaml:"epsilon"`
}

type TripletConfig struct {
	Margin  float64 `yaml:"margin"`
	WeightT float64 `yaml:"weight_t"`
	WeightX float64 `yaml:"weight_x"`
	Metric  string  `yaml:"metric"`
}

type CenterConfig struct {
	WeightC float64 `yaml:"weight_c"`

	// CenterLR is the learning rate of the centers' own SGD step, independent
	// of the main optimizer's learning rate.
	CenterLR float64 `yaml:"center_lr"`
}

type OHEMConfig struct {
	WeightF float64 `yaml:"weight_f"`
	TopK    int     `yaml:"top_k"`
}

type TrainConfig struct {
	Optimizer    string  `yaml:"optimizer"`
	LearningRate float64 `yaml:"lr"`

	MaxEpoch   int `yaml:"max_epoch"`
	StartEpoch int `yaml:"start_epoch"`
	PrintFreq  int `yaml:"print_freq"`
	Seed       int `yaml:"seed"`

	// FixbaseEpoch freezes everything but OpenLayers for the first N epochs.
	FixbaseEpoch int      `yaml:"fixbase_epoch"`
	OpenLayers   []string `yaml:"open_layers"`

	LRScheduler string  `yaml:"lr_scheduler"`
	StepSize    int     `yaml:"stepsize"`
	Milestones  []int   `yaml:"milestones"`
	Gamma       float64 `yaml:"gamma"`
	WarmupEpoch int     `yaml:"warmup_epoch"`
}

type TestConfig struct {
	// Evaluate skips training entirely and runs a single evaluation pass with
	// the weights loaded at construction.
	Evaluate   bool   `yaml:"evaluate"`
	DistMetric string `yaml:"dist_metric"`
	EvalFreq   int    `yaml:"eval_freq"`
	SaveDir    string `yaml:"save_dir"`
}

// Default returns a configuration with the usual re-ID training defaults.
// Callers overwrite fields from file and command line before Validate.
func Default() *Config {
	return &Config{
		Model: ModelConfig{Name: "plain", EmbeddingDim: 512},
		Data: DataConfig{
			Height:        256,
			Width:         128,
			NumIdentities: 8,
			NumInstances:  4,
			EvalBatchSize: 100,
		},
		Loss: LossConfig{
			Name:    "softmax",
			Softmax: SoftmaxConfig{LabelSmooth: true, Epsilon: 0.1},
			Triplet: TripletConfig{Margin: 0.3, WeightT: 1, WeightX: 1, Metric: "euclidean"},
			Center:  CenterConfig{WeightC: 5e-4, CenterLR: 0.5},
			OHEM:    OHEMConfig{WeightF: 2, TopK: 4},
		},
		Train: TrainConfig{
			Optimizer:    "adam",
			LearningRate: 3e-4,
			MaxEpoch:     60,
			PrintFreq:    20,
			Seed:         1,
			LRScheduler:  "single_step",
			StepSize:     20,
			Gamma:        0.1,
		},
		Test: TestConfig{
			DistMetric: "euclidean",
			EvalFreq:   10,
			SaveDir:    "log",
		},
	}
}

// FromFile decodes a YAML file on top of the defaults.
func FromFile(path string) (*Config, error) {
	cfg := Default()
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration file %q", path)
	}
	if err = yaml.Unmarshal(contents, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse configuration file %q", path)
	}
	return cfg, nil
}

// ApplyOverrides patches cfg with "section.key=value" assignments, e.g.
// "loss.triplet.margin=0.3" or "train.max_epoch=120". It mirrors the trailing
// command-line options of the original tooling.
func (c *Config) ApplyOverrides(overrides []string) error {
	for _, override := range overrides {
		parts := strings.SplitN(override, "=", 2)
		if len(parts) != 2 {
			return configErrorf(override, "override must have the form key=value")
		}
		if err := c.set(parts[0], parts[1]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) set(key, value string) error {
	// Overrides are applied by re-decoding a minimal YAML document: it keeps
	// the string→field conversion rules identical to the file path.
	fields := strings.Split(key, ".")
	doc := ""
	for ii, field := range fields {
		doc += strings.Repeat("  ", ii) + field + ":"
		if ii < len(fields)-1 {
			doc += "\n"
		}
	}
	doc += " " + quoteScalarIfNeeded(value)
	if err := yaml.Unmarshal([]byte(doc), c); err != nil {
		return configErrorf(key, "cannot assign %q: %v", value, err)
	}
	return nil
}

func quoteScalarIfNeeded(value string) string {
	if value == "" {
		return `""`
	}
	if _, err := strconv.ParseFloat(value, 64); err == nil {
		return value
	}
	if value == "true" || value == "false" {
		return value
	}
	if strings.HasPrefix(value, "[") {
		// Flow-style list, e.g. milestones=[20,40].
		return value
	}
	return strconv.Quote(value)
}

// Validate checks the configuration surface consumed by the engines. All
// failures are *ConfigurationError.
func (c *Config) Validate() error {
	if !contains(LossNames, c.Loss.Name) {
		return configErrorf("loss.name", "must be one of %v, got %q", LossNames, c.Loss.Name)
	}
	if !contains(DistMetrics, c.Test.DistMetric) {
		return configErrorf("test.dist_metric", "must be one of %v, got %q", DistMetrics, c.Test.DistMetric)
	}
	if c.Loss.Name != "softmax" {
		if !contains(DistMetrics, c.Loss.Triplet.Metric) {
			return configErrorf("loss.triplet.metric", "must be one of %v, got %q", DistMetrics, c.Loss.Triplet.Metric)
		}
		if c.Data.NumInstances < 2 {
			return configErrorf("data.num_instances",
				"metric losses need ≥2 instances per identity in a batch, got %d", c.Data.NumInstances)
		}
		if c.Loss.Triplet.Margin < 0 {
			return configErrorf("loss.triplet.margin", "must be ≥ 0, got %g", c.Loss.Triplet.Margin)
		}
	}
	if c.Loss.Name == "ohem" && c.Loss.OHEM.TopK < 1 {
		return configErrorf("loss.ohem.top_k", "must be ≥ 1, got %d", c.Loss.OHEM.TopK)
	}
	if c.Loss.Name == "center" && c.Loss.Center.CenterLR <= 0 {
		return configErrorf("loss.center.center_lr", "must be > 0, got %g", c.Loss.Center.CenterLR)
	}
	if c.Loss.Softmax.LabelSmooth && (c.Loss.Softmax.Epsilon < 0 || c.Loss.Softmax.Epsilon >= 1) {
		return configErrorf("loss.softmax.epsilon", "must be in [0, 1), got %g", c.Loss.Softmax.Epsilon)
	}
	if c.Train.MaxEpoch <= 0 {
		return configErrorf("train.max_epoch", "must be > 0, got %d", c.Train.MaxEpoch)
	}
	if c.Train.StartEpoch < 0 || c.Train.StartEpoch > c.Train.MaxEpoch {
		return configErrorf("train.start_epoch", "must be in [0, max_epoch], got %d", c.Train.StartEpoch)
	}
	if c.Train.LearningRate <= 0 {
		return configErrorf("train.lr", "must be > 0, got %g", c.Train.LearningRate)
	}
	if !contains(SchedulerNames, c.Train.LRScheduler) {
		return configErrorf("train.lr_scheduler", "must be one of %v, got %q", SchedulerNames, c.Train.LRScheduler)
	}
	if c.Train.LRScheduler == "multi_step" && len(c.Train.Milestones) == 0 {
		return configErrorf("train.milestones", "multi_step scheduler needs at least one milestone")
	}
	if c.Train.FixbaseEpoch > 0 && len(c.Train.OpenLayers) == 0 {
		return configErrorf("train.open_layers", "fixbase_epoch > 0 requires open_layers")
	}
	if c.Data.NumIdentities < 1 || c.Data.NumInstances < 1 {
		return configErrorf("data.num_identities", "P×K batch needs P ≥ 1 and K ≥ 1, got P=%d K=%d",
			c.Data.NumIdentities, c.Data.NumInstances)
	}
	if c.Data.EvalBatchSize < 1 {
		return configErrorf("data.eval_batch_size", "must be ≥ 1, got %d", c.Data.EvalBatchSize)
	}
	if c.Test.EvalFreq < 1 {
		return configErrorf("test.eval_freq", "must be ≥ 1, got %d", c.Test.EvalFreq)
	}
	return nil
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
