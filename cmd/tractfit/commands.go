package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"tractfit/internal/models"
	"tractfit/pkg/config"
	"tractfit/pkg/fitter"
	"tractfit/pkg/scene"
	"tractfit/pkg/visualization"
)

// --- Global Command Variables ---
var (
	scenePath   string
	configPath  string
	outputDir   string
	metricsFile string
	saveSlices  bool
	verbose     bool

	rootCmd = &cobra.Command{
		Use:   "tractfit",
		Short: "Fit streamline weights to diffusion MRI derived images",
		Long: `tractfit assigns a non-negative weight to every fiber (or bundle) of a
tractogram so that the weighted tracts best explain a target image:
a scalar map, a peak field or a diffusion-weighted signal.`,
		SilenceUsage: true,
	}

	fitCmd = &cobra.Command{
		Use:   "fit",
		Short: "Fit tract weights to the target of a scene file",
		Args:  cobra.NoArgs,
		RunE:  runFit,
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Manage fit configuration files",
	}
	configInitCmd = &cobra.Command{
		Use:   "init [path]",
		Short: "Write a configuration file holding the default settings",
		Args:  cobra.ExactArgs(1),
		RunE:  runConfigInit,
	}
)

func init() {
	fitCmd.Flags().StringVar(&scenePath, "scene", "", "Scene file describing the tracts and the target image")
	fitCmd.Flags().StringVar(&configPath, "config", "", "Configuration file (defaults are used when absent)")
	fitCmd.Flags().StringVar(&outputDir, "output", "tractfit_output", "Directory receiving weights, report and volumes")
	fitCmd.Flags().StringVar(&metricsFile, "metrics-file", "", "Write fit statistics in Prometheus text format to this file")
	fitCmd.Flags().BoolVar(&saveSlices, "slices", false, "Save JPEG slices of the synthesized volumes along all axes")
	fitCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	_ = fitCmd.MarkFlagRequired("scene")

	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(fitCmd, configCmd)
}

// runFit is the handler for "tractfit fit". It loads the configuration and
// scene, runs the fit and writes the results to the output directory.
func runFit(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(configPath); err != nil {
			return err
		}
	}
	if metricsFile != "" {
		cfg.Output.MetricsFile = metricsFile
	}
	if verbose {
		cfg.Output.Verbose = true
	}

	level := slog.LevelInfo
	if cfg.Output.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	in, err := scene.Load(scenePath)
	if err != nil {
		return err
	}

	f := fitter.NewFitter(&fitter.Params{Config: cfg, Logger: logger})
	startTime := time.Now()
	res, err := f.Process(cmd.Context(), *in)
	if err != nil {
		return err
	}

	if err := scene.WriteResult(outputDir, res); err != nil {
		return err
	}
	if cfg.Output.MetricsFile != "" {
		if err := fitter.WriteMetrics(cfg.Output.MetricsFile, res); err != nil {
			return err
		}
	}

	if saveSlices && res.Output != nil {
		slicesDir := filepath.Join(outputDir, "slices")
		logger.Info("saving volume slices", "dir", slicesDir)
		err := visualization.SaveVolumes(slicesDir, map[string]*models.Image{
			"fitted":         res.Output.Fitted,
			"residual":       res.Output.Residual,
			"overexplained":  res.Output.OverExplained,
			"underexplained": res.Output.UnderExplained,
		})
		if err != nil {
			return err
		}
	}

	s := res.Statistics
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nFit completed in %.2f seconds (run %s)\n", time.Since(startTime).Seconds(), res.RunID)
	fmt.Fprintf(out, "Results saved to: %s\n\n", outputDir)
	fmt.Fprintf(out, "Fit statistics:\n")
	fmt.Fprintf(out, "===============\n")
	fmt.Fprintf(out, "Modality: %s\n", res.Modality)
	fmt.Fprintf(out, "Regularization: %s (lambda %.4g)\n", res.Scheme, s.Lambda)
	fmt.Fprintf(out, "Unknowns: %d (%d skipped fibers)\n", s.Unknowns, s.SkippedFibers)
	fmt.Fprintf(out, "Rows: %d (%d covered, %d voxels)\n", s.Residuals, s.CoveredRows, s.CoveredVoxels)
	fmt.Fprintf(out, "Coverage: %.2f%%\n", s.Coverage*100)
	fmt.Fprintf(out, "Overshoot: %.2f%%\n", s.Overshoot*100)
	fmt.Fprintf(out, "Root Mean Square Error (RMSE): %.6f\n", s.RMSE)
	fmt.Fprintf(out, "Weights: mean %.4g, median %.4g, min %.4g, max %.4g\n",
		s.MeanWeight, s.MedianWeight, s.MinWeight, s.MaxWeight)
	return nil
}

// runConfigInit is the handler for "tractfit config init".
func runConfigInit(cmd *cobra.Command, args []string) error {
	if err := config.CreateDefaultConfigFile(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Default configuration written to %s\n", args[0])
	return nil
}
