// Package config provides configuration loading and management for tractfit.
// It handles loading configuration from YAML files, provides default values
// and validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"tractfit/pkg/assembly"
	"tractfit/pkg/cost"
	"tractfit/pkg/solver"
)

// ErrInvalid is returned when a configuration fails validation.
var ErrInvalid = errors.New("config: invalid configuration")

// Config represents the application configuration loaded from YAML
type Config struct {
	// Fit parameters
	Fit struct {
		// FitIndividualFibers selects one weight per fiber instead of one per
		// bundle
		FitIndividualFibers bool `yaml:"fitIndividualFibers"`

		// RegularizationScheme selects the regularizer (MSM, VARIANCE,
		// LASSO, VOXEL_VARIANCE, GROUP_LASSO, GROUP_VARIANCE, NONE)
		RegularizationScheme cost.Scheme `yaml:"regularizationScheme" validate:"scheme"`

		// Lambda is the user regularization strength
		Lambda float64 `yaml:"lambda" validate:"gte=0"`

		// GradientTolerance stops the optimizer once the gradient is small
		GradientTolerance float64 `yaml:"gradientTolerance" validate:"gt=0"`

		// MaxIterations bounds every optimizer run
		MaxIterations int `yaml:"maxIterations" validate:"gt=0"`

		// FilterOutliers enables the trimming pass (per-fiber fits only)
		FilterOutliers bool `yaml:"filterOutliers"`
	} `yaml:"fit"`

	// Tuning constants. The defaults are empirical.
	Tuning struct {
		LambdaGain             float64 `yaml:"lambdaGain" validate:"gt=0"`
		MaxLambda              float64 `yaml:"maxLambda" validate:"gt=0"`
		OutlierQuantile        float64 `yaml:"outlierQuantile" validate:"gt=0,lte=1"`
		CalibrationEvaluations int     `yaml:"calibrationEvaluations" validate:"gte=1"`
		PeakAngleThreshold     float64 `yaml:"peakAngleThreshold" validate:"gt=0,lte=1"`
	} `yaml:"tuning"`

	// Processing parameters
	Processing struct {
		// NumWorkers bounds the concurrent leave-one-out evaluations
		NumWorkers int `yaml:"numWorkers" validate:"gte=1"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// Verbose enables debug logging
		Verbose bool `yaml:"verbose"`

		// MetricsFile, when set, receives the fit statistics in Prometheus
		// text format
		MetricsFile string `yaml:"metricsFile"`
	} `yaml:"output"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		_ = validate.RegisterValidation("scheme", func(fl validator.FieldLevel) bool {
			s := fl.Field().Int()
			return s >= 0 && s < int64(len(cost.Schemes()))
		})
	})
	return validate
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Fit.FitIndividualFibers = true
	cfg.Fit.RegularizationScheme = cost.VoxelVariance
	cfg.Fit.Lambda = 0.1
	cfg.Fit.GradientTolerance = solver.DefaultGradientTolerance
	cfg.Fit.MaxIterations = solver.DefaultMaxIterations
	cfg.Fit.FilterOutliers = false

	cfg.Tuning.LambdaGain = solver.DefaultLambdaGain
	cfg.Tuning.MaxLambda = solver.DefaultMaxLambda
	cfg.Tuning.OutlierQuantile = solver.DefaultOutlierQuantile
	cfg.Tuning.CalibrationEvaluations = solver.DefaultCalibrationEvaluations
	cfg.Tuning.PeakAngleThreshold = assembly.DefaultPeakAngleThreshold

	cfg.Processing.NumWorkers = runtime.NumCPU()

	cfg.Output.Verbose = false
	cfg.Output.MetricsFile = ""

	return cfg
}

// Validate checks every field against its constraints.
func (c *Config) Validate() error {
	if err := validatorInstance().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
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

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// SolverSettings maps the fit and tuning sections onto solver settings.
// FiberCount and Logger are left for the caller.
func (c *Config) SolverSettings() solver.Settings {
	return solver.Settings{
		Lambda:                 c.Fit.Lambda,
		Calibrate:              c.Fit.RegularizationScheme != cost.None,
		GradientTolerance:      c.Fit.GradientTolerance,
		MaxIterations:          c.Fit.MaxIterations,
		FilterOutliers:         c.Fit.FilterOutliers,
		PerFiber:               c.Fit.FitIndividualFibers,
		LambdaGain:             c.Tuning.LambdaGain,
		MaxLambda:              c.Tuning.MaxLambda,
		OutlierQuantile:        c.Tuning.OutlierQuantile,
		CalibrationEvaluations: c.Tuning.CalibrationEvaluations,
	}
}
