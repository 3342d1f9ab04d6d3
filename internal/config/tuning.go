// Package config loads JSON tuning parameters for the head-pose pipeline.
// Fields omitted from the JSON retain their built-in defaults, so partial
// configs are safe.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/framesense/headtrack/internal/track"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig is the root configuration schema. Every field is optional;
// nil means "use the built-in default". The inlier threshold and the
// quality-metric weights are hand-tuned values, exposed here so deployments
// can adjust them without a rebuild.
type TuningConfig struct {
	// Solver parameters.
	EnableRANSAC         *bool    `json:"enable_ransac,omitempty"`
	EnableRefinement     *bool    `json:"enable_refinement,omitempty"`
	RANSACIterations     *int     `json:"ransac_iterations,omitempty"`
	InlierThresholdPx    *float64 `json:"inlier_threshold_px,omitempty"`
	MinTriangleAreaPx2   *float64 `json:"min_triangle_area_px2,omitempty"`
	EarlyExitInlierRatio *float64 `json:"early_exit_inlier_ratio,omitempty"`
	RefineMaxIterations  *int     `json:"refine_max_iterations,omitempty"`
	GaussSeidelSweeps    *int     `json:"gauss_seidel_sweeps,omitempty"`

	// Stabilizer parameters.
	JitterWindowSize   *int     `json:"jitter_window_size,omitempty"`
	JitterVariancePos  *float64 `json:"jitter_variance_pos,omitempty"`
	JitterVarianceRot  *float64 `json:"jitter_variance_rot,omitempty"`
	OneEuroMinCutoff   *float64 `json:"one_euro_min_cutoff,omitempty"`
	OneEuroBeta        *float64 `json:"one_euro_beta,omitempty"`
	EnableKalman       *bool    `json:"enable_kalman,omitempty"`
	KalmanMaxBlend     *float64 `json:"kalman_max_blend,omitempty"`
	PredictionFraction *float64 `json:"prediction_fraction,omitempty"`
	SlerpFactor        *float64 `json:"slerp_factor,omitempty"`

	// Calibrator parameters. Durations are strings like "3s".
	CalibrationMinSamples  *int     `json:"calibration_min_samples,omitempty"`
	CalibrationHalfLife    *string  `json:"calibration_half_life,omitempty"`
	CalibrationMaxVariance *float64 `json:"calibration_max_variance,omitempty"`
	SubjectDistanceMM      *float64 `json:"subject_distance_mm,omitempty"`

	// Quality parameters.
	WeightConfidence    *float64 `json:"weight_confidence,omitempty"`
	WeightStability     *float64 `json:"weight_stability,omitempty"`
	WeightReprojection  *float64 `json:"weight_reprojection,omitempty"`
	WeightVisibility    *float64 `json:"weight_visibility,omitempty"`
	WeightConsistency   *float64 `json:"weight_consistency,omitempty"`
	WeightOcclusion     *float64 `json:"weight_occlusion,omitempty"`
	LostAfterFrames     *int     `json:"lost_after_frames,omitempty"`
	LostDwell           *string  `json:"lost_dwell,omitempty"`
	MaxRecoveryAttempts *int     `json:"max_recovery_attempts,omitempty"`
	RecoveryCooldown    *string  `json:"recovery_cooldown,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields unset.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads and validates a TuningConfig from a JSON file.
// The path must have a .json extension and the file must be under 1MB.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that every set value is inside its valid operating range.
func (c *TuningConfig) Validate() error {
	if c.RANSACIterations != nil && *c.RANSACIterations < 1 {
		return fmt.Errorf("ransac_iterations must be >= 1, got %d", *c.RANSACIterations)
	}
	if c.InlierThresholdPx != nil && *c.InlierThresholdPx <= 0 {
		return fmt.Errorf("inlier_threshold_px must be positive, got %g", *c.InlierThresholdPx)
	}
	if c.MinTriangleAreaPx2 != nil && *c.MinTriangleAreaPx2 < 0 {
		return fmt.Errorf("min_triangle_area_px2 must be non-negative, got %g", *c.MinTriangleAreaPx2)
	}
	if c.EarlyExitInlierRatio != nil && (*c.EarlyExitInlierRatio <= 0 || *c.EarlyExitInlierRatio > 1) {
		return fmt.Errorf("early_exit_inlier_ratio must be in (0,1], got %g", *c.EarlyExitInlierRatio)
	}
	if c.RefineMaxIterations != nil && *c.RefineMaxIterations < 1 {
		return fmt.Errorf("refine_max_iterations must be >= 1, got %d", *c.RefineMaxIterations)
	}
	if c.GaussSeidelSweeps != nil && *c.GaussSeidelSweeps < 1 {
		return fmt.Errorf("gauss_seidel_sweeps must be >= 1, got %d", *c.GaussSeidelSweeps)
	}
	if c.JitterWindowSize != nil && *c.JitterWindowSize < 2 {
		return fmt.Errorf("jitter_window_size must be >= 2, got %d", *c.JitterWindowSize)
	}
	if c.JitterVariancePos != nil && *c.JitterVariancePos < 0 {
		return fmt.Errorf("jitter_variance_pos must be non-negative, got %g", *c.JitterVariancePos)
	}
	if c.JitterVarianceRot != nil && *c.JitterVarianceRot < 0 {
		return fmt.Errorf("jitter_variance_rot must be non-negative, got %g", *c.JitterVarianceRot)
	}
	if c.OneEuroMinCutoff != nil && *c.OneEuroMinCutoff <= 0 {
		return fmt.Errorf("one_euro_min_cutoff must be positive, got %g", *c.OneEuroMinCutoff)
	}
	if c.OneEuroBeta != nil && *c.OneEuroBeta < 0 {
		return fmt.Errorf("one_euro_beta must be non-negative, got %g", *c.OneEuroBeta)
	}
	if c.KalmanMaxBlend != nil && (*c.KalmanMaxBlend < 0 || *c.KalmanMaxBlend > 1) {
		return fmt.Errorf("kalman_max_blend must be in [0,1], got %g", *c.KalmanMaxBlend)
	}
	if c.PredictionFraction != nil && (*c.PredictionFraction < 0 || *c.PredictionFraction > 1) {
		return fmt.Errorf("prediction_fraction must be in [0,1], got %g", *c.PredictionFraction)
	}
	if c.SlerpFactor != nil && (*c.SlerpFactor <= 0 || *c.SlerpFactor > 1) {
		return fmt.Errorf("slerp_factor must be in (0,1], got %g", *c.SlerpFactor)
	}
	if c.CalibrationMinSamples != nil && *c.CalibrationMinSamples < 1 {
		return fmt.Errorf("calibration_min_samples must be >= 1, got %d", *c.CalibrationMinSamples)
	}
	if c.CalibrationMaxVariance != nil && *c.CalibrationMaxVariance <= 0 {
		return fmt.Errorf("calibration_max_variance must be positive, got %g", *c.CalibrationMaxVariance)
	}
	if c.SubjectDistanceMM != nil && *c.SubjectDistanceMM <= 0 {
		return fmt.Errorf("subject_distance_mm must be positive, got %g", *c.SubjectDistanceMM)
	}
	if c.LostAfterFrames != nil && *c.LostAfterFrames < 1 {
		return fmt.Errorf("lost_after_frames must be >= 1, got %d", *c.LostAfterFrames)
	}
	if c.MaxRecoveryAttempts != nil && *c.MaxRecoveryAttempts < 0 {
		return fmt.Errorf("max_recovery_attempts must be non-negative, got %d", *c.MaxRecoveryAttempts)
	}

	weights := map[string]*float64{
		"weight_confidence":   c.WeightConfidence,
		"weight_stability":    c.WeightStability,
		"weight_reprojection": c.WeightReprojection,
		"weight_visibility":   c.WeightVisibility,
		"weight_consistency":  c.WeightConsistency,
		"weight_occlusion":    c.WeightOcclusion,
	}
	for name, w := range weights {
		if w != nil && *w < 0 {
			return fmt.Errorf("%s must be non-negative, got %g", name, *w)
		}
	}

	durations := map[string]*string{
		"calibration_half_life": c.CalibrationHalfLife,
		"lost_dwell":            c.LostDwell,
		"recovery_cooldown":     c.RecoveryCooldown,
	}
	for name, d := range durations {
		if d == nil || *d == "" {
			continue
		}
		parsed, err := time.ParseDuration(*d)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, *d, err)
		}
		if parsed < 0 {
			return fmt.Errorf("%s must be non-negative, got %q", name, *d)
		}
	}

	return nil
}

// SolverConfig resolves the tuning values over the built-in solver defaults.
func (c *TuningConfig) SolverConfig() track.SolverConfig {
	cfg := track.DefaultSolverConfig()
	if c.EnableRANSAC != nil {
		cfg.EnableRANSAC = *c.EnableRANSAC
	}
	if c.EnableRefinement != nil {
		cfg.EnableRefinement = *c.EnableRefinement
	}
	if c.RANSACIterations != nil {
		cfg.RANSACIterations = *c.RANSACIterations
	}
	if c.InlierThresholdPx != nil {
		cfg.InlierThresholdPx = *c.InlierThresholdPx
	}
	if c.MinTriangleAreaPx2 != nil {
		cfg.MinTriangleAreaPx2 = *c.MinTriangleAreaPx2
	}
	if c.EarlyExitInlierRatio != nil {
		cfg.EarlyExitInlierRatio = *c.EarlyExitInlierRatio
	}
	if c.RefineMaxIterations != nil {
		cfg.RefineMaxIterations = *c.RefineMaxIterations
	}
	if c.GaussSeidelSweeps != nil {
		cfg.GaussSeidelSweeps = *c.GaussSeidelSweeps
	}
	return cfg
}

// StabilizerConfig resolves the tuning values over the built-in stabilizer
// defaults.
func (c *TuningConfig) StabilizerConfig() track.StabilizerConfig {
	cfg := track.DefaultStabilizerConfig()
	if c.JitterWindowSize != nil {
		cfg.JitterWindowSize = *c.JitterWindowSize
	}
	if c.JitterVariancePos != nil {
		cfg.JitterVariancePos = *c.JitterVariancePos
	}
	if c.JitterVarianceRot != nil {
		cfg.JitterVarianceRot = *c.JitterVarianceRot
	}
	if c.OneEuroMinCutoff != nil {
		cfg.OneEuroMinCutoff = *c.OneEuroMinCutoff
	}
	if c.OneEuroBeta != nil {
		cfg.OneEuroBeta = *c.OneEuroBeta
	}
	if c.EnableKalman != nil {
		cfg.EnableKalman = *c.EnableKalman
	}
	if c.KalmanMaxBlend != nil {
		cfg.KalmanMaxBlend = *c.KalmanMaxBlend
	}
	if c.PredictionFraction != nil {
		cfg.PredictionFraction = *c.PredictionFraction
	}
	if c.SlerpFactor != nil {
		cfg.SlerpFactor = *c.SlerpFactor
	}
	return cfg
}

// CalibratorConfig resolves the tuning values over the built-in calibrator
// defaults. Duration strings are assumed validated.
func (c *TuningConfig) CalibratorConfig() track.CalibratorConfig {
	cfg := track.DefaultCalibratorConfig()
	if c.CalibrationMinSamples != nil {
		cfg.MinSamples = *c.CalibrationMinSamples
	}
	if c.CalibrationHalfLife != nil && *c.CalibrationHalfLife != "" {
		if d, err := time.ParseDuration(*c.CalibrationHalfLife); err == nil {
			cfg.HalfLife = d
		}
	}
	if c.CalibrationMaxVariance != nil {
		cfg.MaxVariance = *c.CalibrationMaxVariance
	}
	if c.SubjectDistanceMM != nil {
		cfg.SubjectDistanceMM = *c.SubjectDistanceMM
	}
	return cfg
}

// QualityConfig resolves the tuning values over the built-in quality
// defaults.
func (c *TuningConfig) QualityConfig() track.QualityConfig {
	cfg := track.DefaultQualityConfig()
	if c.WeightConfidence != nil {
		cfg.Weights.Confidence = *c.WeightConfidence
	}
	if c.WeightStability != nil {
		cfg.Weights.Stability = *c.WeightStability
	}
	if c.WeightReprojection != nil {
		cfg.Weights.Reprojection = *c.WeightReprojection
	}
	if c.WeightVisibility != nil {
		cfg.Weights.Visibility = *c.WeightVisibility
	}
	if c.WeightConsistency != nil {
		cfg.Weights.Consistency = *c.WeightConsistency
	}
	if c.WeightOcclusion != nil {
		cfg.Weights.Occlusion = *c.WeightOcclusion
	}
	if c.LostAfterFrames != nil {
		cfg.LostAfterFrames = *c.LostAfterFrames
	}
	if c.LostDwell != nil && *c.LostDwell != "" {
		if d, err := time.ParseDuration(*c.LostDwell); err == nil {
			cfg.LostDwell = d
		}
	}
	if c.MaxRecoveryAttempts != nil {
		cfg.MaxRecoveryAttempts = *c.MaxRecoveryAttempts
	}
	if c.RecoveryCooldown != nil && *c.RecoveryCooldown != "" {
		if d, err := time.ParseDuration(*c.RecoveryCooldown); err == nil {
			cfg.RecoveryCooldown = d
		}
	}
	return cfg
}
