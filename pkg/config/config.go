// Package config provides configuration loading and management for volwarp.
// It handles loading configuration from YAML files and provides default
// values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"volwarp/pkg/augment"
	"volwarp/pkg/warp"
)

// Config represents the application configuration loaded from YAML.
type Config struct {
	// Warp parameters
	Warp struct {
		// Interpolation is the sampling policy: nearest or trilinear.
		Interpolation string `yaml:"interpolation"`

		// Boundary is the out-of-bounds policy: constant, clamp or reflect.
		Boundary string `yaml:"boundary"`

		// Fill is the value substituted under the constant boundary policy.
		Fill float64 `yaml:"fill"`

		// Workers is the number of kernel worker goroutines; 0 means one
		// per CPU core.
		Workers int `yaml:"workers"`
	} `yaml:"warp"`

	// Augment parameters bound the random transform distribution.
	Augment struct {
		// Seed makes random warps reproducible.
		Seed uint64 `yaml:"seed"`

		// RotationMax is the per-axis rotation bound in degrees; angles are
		// drawn in ±RotationMax.
		RotationMax [3]float64 `yaml:"rotationMax"`

		// ScaleMin and ScaleMax bound the per-axis scale factors.
		ScaleMin [3]float64 `yaml:"scaleMin"`
		ScaleMax [3]float64 `yaml:"scaleMax"`

		// ShearMax bounds the shear terms; drawn in ±ShearMax.
		ShearMax [3]float64 `yaml:"shearMax"`

		// TranslationMax is the per-axis translation bound in voxels; drawn
		// in ±TranslationMax.
		TranslationMax [3]float64 `yaml:"translationMax"`

		// ReflectProb is the per-axis probability of mirroring.
		ReflectProb [3]float64 `yaml:"reflectProb"`

		// RandomCrop draws the crop start uniformly instead of centering
		// when the output shape is smaller than the input.
		RandomCrop bool `yaml:"randomCrop"`

		// NoiseLevel scales the additive Gaussian noise; 0 disables it.
		NoiseLevel float64 `yaml:"noiseLevel"`

		// OccludeProb is the probability of zeroing a random z slab.
		OccludeProb float64 `yaml:"occludeProb"`
	} `yaml:"augment"`

	// Output parameters
	Output struct {
		// SaveSlices determines whether warped slices are exported as
		// images after processing.
		SaveSlices bool `yaml:"saveSlices"`

		// SlicesDir is the directory slice images are written to.
		SlicesDir string `yaml:"slicesDir"`

		// Verbose controls the level of logging output.
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values: trilinear
// sampling, constant fill of zero, identity augmentation bounds.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Warp.Interpolation = "trilinear"
	cfg.Warp.Boundary = "constant"
	cfg.Warp.Fill = 0
	cfg.Warp.Workers = 0

	cfg.Augment.Seed = 0
	cfg.Augment.ScaleMin = [3]float64{1, 1, 1}
	cfg.Augment.ScaleMax = [3]float64{1, 1, 1}

	cfg.Output.SaveSlices = false
	cfg.Output.SlicesDir = "warped_slices"
	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file. If the file doesn't
// exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// WarpOptions converts the warp section into engine options.
func (c *Config) WarpOptions() (warp.Options, error) {
	interp, err := warp.ParseInterpolation(c.Warp.Interpolation)
	if err != nil {
		return warp.Options{}, err
	}
	boundary, err := warp.ParseBoundary(c.Warp.Boundary)
	if err != nil {
		return warp.Options{}, err
	}
	return warp.Options{
		Interpolation: interp,
		Boundary:      boundary,
		Fill:          float32(c.Warp.Fill),
		Workers:       c.Warp.Workers,
	}, nil
}

// AugmentSpec converts the augment section into generator bounds. The
// symmetric maxima become ± bounds, matching how augmentation parameters
// are usually reported.
func (c *Config) AugmentSpec() augment.Spec {
	spec := augment.DefaultSpec()
	for i := 0; i < 3; i++ {
		spec.Rotation[i] = augment.Bounds{Min: -c.Augment.RotationMax[i], Max: c.Augment.RotationMax[i]}
		spec.Scale[i] = augment.Bounds{Min: c.Augment.ScaleMin[i], Max: c.Augment.ScaleMax[i]}
		spec.Shear[i] = augment.Bounds{Min: -c.Augment.ShearMax[i], Max: c.Augment.ShearMax[i]}
		spec.Translation[i] = augment.Bounds{Min: -c.Augment.TranslationMax[i], Max: c.Augment.TranslationMax[i]}
		spec.ReflectProb[i] = c.Augment.ReflectProb[i]
	}
	spec.RandomCrop = c.Augment.RandomCrop
	spec.NoiseLevel = c.Augment.NoiseLevel
	spec.OccludeProb = c.Augment.OccludeProb
	return spec
}
