package main

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Config is the on-disk YAML configuration consumed by the CLI commands.
// Every field has a default; a config file only needs the keys it wants
// to override, and command-line flags override the file in turn.
type Config struct {
	Model struct {
		PatchPercentage float64 `yaml:"patch_percentage"`
		ImgSize         int     `yaml:"img_size"`
		PatchSize       int     `yaml:"patch_size"`
		NumClasses      int     `yaml:"num_classes"`
		EmbedDim        int     `yaml:"embed_dim"`
		Depth           int     `yaml:"depth"`
		NumHeads        int     `yaml:"num_heads"`
		MLPRatio        float64 `yaml:"mlp_ratio"`
		Dropout         float64 `yaml:"dropout"`
	} `yaml:"model"`

	Selector struct {
		Threshold   float64 `yaml:"threshold"`
		GaussianStd float64 `yaml:"gaussian_std"`
	} `yaml:"selector"`

	Data struct {
		MagnoDir string `yaml:"magno_dir"`
		LinesDir string `yaml:"lines_dir"`
	} `yaml:"data"`

	Eval struct {
		BatchSize int `yaml:"batch_size"`
		Workers   int `yaml:"workers"`
	} `yaml:"eval"`

	// Checkpoint is an optional pretrained backbone to adapt.
	Checkpoint string `yaml:"checkpoint"`
}

// DefaultConfig returns the reference configuration.
func DefaultConfig() *Config {
	cfg := &Config{}
	mc := DefaultModelConfig()

	cfg.Model.PatchPercentage = mc.PatchPercentage
	cfg.Model.ImgSize = mc.ImgSize
	cfg.Model.PatchSize = mc.PatchSize
	cfg.Model.NumClasses = mc.NumClasses
	cfg.Model.EmbedDim = mc.EmbedDim
	cfg.Model.Depth = mc.Depth
	cfg.Model.NumHeads = mc.NumHeads
	cfg.Model.MLPRatio = mc.MLPRatio
	cfg.Model.Dropout = mc.Dropout

	cfg.Selector.Threshold = mc.Threshold
	cfg.Selector.GaussianStd = mc.GaussianStd

	cfg.Eval.BatchSize = 16
	cfg.Eval.Workers = 0 // dataset default: NumCPU

	return cfg
}

// LoadConfig reads a YAML config file over the defaults and validates it.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}

	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration, reusing the model's own validation
// for the geometry and selection constraints.
func (c *Config) Validate() error {
	if err := c.ModelConfig().validate(); err != nil {
		return err
	}
	if c.Eval.BatchSize <= 0 {
		return configErrorf("eval.batch_size", "must be positive, got %d", c.Eval.BatchSize)
	}
	if c.Eval.Workers < 0 {
		return configErrorf("eval.workers", "must be non-negative, got %d", c.Eval.Workers)
	}
	return nil
}

// ModelConfig converts the file-level configuration to the model's
// construction config.
func (c *Config) ModelConfig() ModelConfig {
	return ModelConfig{
		PatchPercentage: c.Model.PatchPercentage,
		Threshold:       c.Selector.Threshold,
		GaussianStd:     c.Selector.GaussianStd,
		ImgSize:         c.Model.ImgSize,
		PatchSize:       c.Model.PatchSize,
		NumClasses:      c.Model.NumClasses,
		EmbedDim:        c.Model.EmbedDim,
		Depth:           c.Model.Depth,
		NumHeads:        c.Model.NumHeads,
		MLPRatio:        c.Model.MLPRatio,
		Dropout:         c.Model.Dropout,
	}
}

// BuildModel constructs the model described by the configuration, loading
// and adapting the pretrained backbone when a checkpoint is set.
func (c *Config) BuildModel() (*SelectiveVisionModel, error) {
	if c.Checkpoint == "" {
		return NewSelectiveVisionModel(c.ModelConfig())
	}

	backbone, err := LoadViT(c.Checkpoint)
	if err != nil {
		return nil, err
	}
	return NewSelectiveVisionModelFromBackbone(c.ModelConfig(), backbone)
}
