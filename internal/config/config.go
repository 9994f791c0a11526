// Package config holds the settings of an alignment batch, read from a
// YAML file on top of built-in defaults.
package config

import (
	"math"
	"os"
	"regexp"
	"runtime"
	"strconv"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrRangeSpec is returned when a range string has min > max
var ErrRangeSpec = errors.New("invalid range specified")

// Config represents the complete batch configuration.
type Config struct {
	// Workers is the number of runs parsed and detected in parallel.
	Workers int `yaml:"workers"`

	// SpillDir is the directory for spill buffer backing files.
	// Empty means the system temp directory.
	SpillDir string `yaml:"spill_dir"`

	// Tolerances are shared by alignment, gap filling and adduct assignment.
	Tolerances TolerancesConfig `yaml:"tolerances"`

	Detection DetectionConfig `yaml:"detection"`
	Alignment AlignmentConfig `yaml:"alignment"`
	GapFill   GapFillConfig   `yaml:"gap_fill"`
	Adduct    AdductConfig    `yaml:"adduct"`
	Consensus ConsensusConfig `yaml:"consensus"`
	Store     StoreConfig     `yaml:"store"`
}

// TolerancesConfig defines when two signals are considered equal.
type TolerancesConfig struct {
	// MzPPM is the relative m/z tolerance in parts per million.
	MzPPM float64 `yaml:"mz_ppm"`

	// MzAbs is the absolute m/z tolerance in Th. The larger of the
	// relative and absolute tolerance is used.
	MzAbs float64 `yaml:"mz_abs"`

	// RTSeconds is the retention time tolerance after drift correction.
	RTSeconds float64 `yaml:"rt_seconds"`
}

// DetectionConfig configures per-run feature detection.
type DetectionConfig struct {
	// MinIntensity is the lowest peak intensity that can start a trace.
	MinIntensity float64 `yaml:"min_intensity"`

	// NoiseQuantile is the quantile of all MS1 intensities taken as the
	// noise level (0.0-1.0).
	NoiseQuantile float64 `yaml:"noise_quantile"`

	// SketchAccuracy is the relative accuracy of the noise sketch.
	SketchAccuracy float64 `yaml:"sketch_accuracy"`

	// MinSNR rejects features with a lower signal to noise ratio.
	MinSNR float64 `yaml:"min_snr"`

	// GoodSNR is the signal to noise ratio above which a feature is
	// flagged good quality.
	GoodSNR float64 `yaml:"good_snr"`

	// MinScans is the minimum number of consecutive scans in a trace.
	MinScans int `yaml:"min_scans"`

	// MaxGapScans is the number of scans a trace may miss before it ends.
	MaxGapScans int `yaml:"max_gap_scans"`

	// RTRange restricts detection to a retention time window in seconds,
	// e.g. "60:900". Empty means the whole run.
	RTRange string `yaml:"rt_range"`

	// MzRange restricts detection to an m/z window, e.g. "100:1200".
	MzRange string `yaml:"mz_range"`

	// AcceptProfile accepts MS1 spectra that are not peak picked.
	AcceptProfile bool `yaml:"accept_profile"`
}

// AlignmentConfig configures cross-sample clustering.
type AlignmentConfig struct {
	// MinAnchors is the minimum number of anchor pairs needed to fit a
	// retention time drift correction.
	MinAnchors int `yaml:"min_anchors"`

	// MaxDrift is the retention time window in seconds searched for
	// anchors before drift correction.
	MaxDrift float64 `yaml:"max_drift"`
}

// GapFillConfig configures recovery of missed detections.
type GapFillConfig struct {
	Enabled bool `yaml:"enabled"`

	// IntensityFactor scales the detection noise level down to the relaxed
	// gap filling threshold (0.0-1.0).
	IntensityFactor float64 `yaml:"intensity_factor"`

	// MinScans is the minimum number of scans with signal in the window.
	MinScans int `yaml:"min_scans"`
}

// AdductConfig configures ion type assignment.
type AdductConfig struct {
	// IonTypes is the whitelist of detectable ion types, e.g. "[M+H]+".
	IonTypes []string `yaml:"ion_types"`

	// Seed makes sampling reproducible.
	Seed int64 `yaml:"seed"`

	// Iterations is the number of counted Gibbs sweeps.
	Iterations int `yaml:"iterations"`

	// BurnIn is the number of discarded sweeps before counting.
	BurnIn int `yaml:"burn_in"`

	// CompatWeight scales the log score of mass-difference support.
	CompatWeight float64 `yaml:"compat_weight"`
}

// ConsensusConfig configures consensus feature construction.
type ConsensusConfig struct {
	// RequireMS2 rejects clusters without a fragmentation spectrum.
	RequireMS2 bool `yaml:"require_ms2"`
}

// StoreConfig configures the output store.
type StoreConfig struct {
	// Path of the output. A .sqlite or .db suffix selects the SQLite
	// store, anything else JSON lines. "-" writes JSON lines to stdout.
	Path string `yaml:"path"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.Wrap(err, "parse config file")
	}

	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "validate config")
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Workers: runtime.NumCPU(),
		Tolerances: TolerancesConfig{
			MzPPM:     10,
			MzAbs:     0.005,
			RTSeconds: 10,
		},
		Detection: DetectionConfig{
			MinIntensity:   0,
			NoiseQuantile:  0.5,
			SketchAccuracy: 0.01,
			MinSNR:         3,
			GoodSNR:        10,
			MinScans:       3,
			MaxGapScans:    1,
		},
		Alignment: AlignmentConfig{
			MinAnchors: 5,
			MaxDrift:   60,
		},
		GapFill: GapFillConfig{
			Enabled:         true,
			IntensityFactor: 0.5,
			MinScans:        2,
		},
		Adduct: AdductConfig{
			IonTypes:     []string{"[M+H]+", "[M+Na]+", "[M+K]+", "[M+NH4]+"},
			Seed:         1,
			Iterations:   1000,
			BurnIn:       100,
			CompatWeight: 2,
		},
		Consensus: ConsensusConfig{
			RequireMS2: true,
		},
		Store: StoreConfig{
			Path: "-",
		},
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return errors.Errorf("workers must be positive, got %d", c.Workers)
	}
	if err := c.Tolerances.Validate(); err != nil {
		return errors.Wrap(err, "tolerances")
	}
	if err := c.Detection.Validate(); err != nil {
		return errors.Wrap(err, "detection")
	}
	if c.Alignment.MinAnchors < 2 {
		return errors.Errorf("alignment: min_anchors must be at least 2, got %d", c.Alignment.MinAnchors)
	}
	if c.Alignment.MaxDrift < c.Tolerances.RTSeconds {
		return errors.New("alignment: max_drift must not be below the retention time tolerance")
	}
	if c.GapFill.IntensityFactor < 0 || c.GapFill.IntensityFactor > 1 {
		return errors.Errorf("gap_fill: intensity_factor must be in [0,1], got %g", c.GapFill.IntensityFactor)
	}
	if c.GapFill.MinScans < 1 {
		return errors.Errorf("gap_fill: min_scans must be positive, got %d", c.GapFill.MinScans)
	}
	if err := c.Adduct.Validate(); err != nil {
		return errors.Wrap(err, "adduct")
	}
	if c.Store.Path == "" {
		return errors.New("store: path must be set")
	}
	return nil
}

// Validate checks the tolerances.
func (t *TolerancesConfig) Validate() error {
	if t.MzPPM < 0 || t.MzAbs < 0 {
		return errors.New("m/z tolerance must not be negative")
	}
	if t.MzPPM == 0 && t.MzAbs == 0 {
		return errors.New("mz_ppm or mz_abs must be set")
	}
	if t.RTSeconds <= 0 {
		return errors.Errorf("rt_seconds must be positive, got %g", t.RTSeconds)
	}
	return nil
}

// Validate checks the detection settings.
func (d *DetectionConfig) Validate() error {
	if d.NoiseQuantile < 0 || d.NoiseQuantile > 1 {
		return errors.Errorf("noise_quantile must be in [0,1], got %g", d.NoiseQuantile)
	}
	if d.SketchAccuracy <= 0 || d.SketchAccuracy >= 1 {
		return errors.Errorf("sketch_accuracy must be in (0,1), got %g", d.SketchAccuracy)
	}
	if d.GoodSNR < d.MinSNR {
		return errors.New("good_snr must not be below min_snr")
	}
	if d.MinScans < 1 {
		return errors.Errorf("min_scans must be positive, got %d", d.MinScans)
	}
	if d.MaxGapScans < 0 {
		return errors.Errorf("max_gap_scans must not be negative, got %d", d.MaxGapScans)
	}
	if _, _, err := d.RTWindow(); err != nil {
		return errors.Wrap(err, "rt_range")
	}
	if _, _, err := d.MzWindow(); err != nil {
		return errors.Wrap(err, "mz_range")
	}
	return nil
}

// RTWindow returns the retention time range of detection
func (d *DetectionConfig) RTWindow() (float64, float64, error) {
	return ParseFloatRange(d.RTRange, 0, math.MaxFloat64)
}

// MzWindow returns the m/z range of detection
func (d *DetectionConfig) MzWindow() (float64, float64, error) {
	return ParseFloatRange(d.MzRange, 0, math.MaxFloat64)
}

// Validate checks the sampling settings.
func (a *AdductConfig) Validate() error {
	if len(a.IonTypes) == 0 {
		return errors.New("ion_types must not be empty")
	}
	if a.Iterations < 1 {
		return errors.Errorf("iterations must be positive, got %d", a.Iterations)
	}
	if a.BurnIn < 0 {
		return errors.Errorf("burn_in must not be negative, got %d", a.BurnIn)
	}
	if a.CompatWeight < 0 {
		return errors.Errorf("compat_weight must not be negative, got %g", a.CompatWeight)
	}
	return nil
}

var rangeRe = regexp.MustCompile(`\s*([-+]?[0-9]*\.?[0-9]*([eE][-+]?[0-9]+)?):([-+]?[0-9]*\.?[0-9]*([eE][-+]?[0-9]+)?)`)

// ParseFloatRange parses a range string "min:max". Either side may be
// omitted, in which case min or max is used. Values are clipped to
// [min,max]. If the resulting minimum exceeds the maximum, ErrRangeSpec
// is returned and both values are set to the maximum.
func ParseFloatRange(r string, min float64, max float64) (
	float64, float64, error) {
	m := rangeRe.FindStringSubmatch(r)
	minOut := min
	maxOut := max
	if len(m) >= 2 && m[1] != "" {
		minOut, _ = strconv.ParseFloat(m[1], 64)
		if minOut < min {
			minOut = min
		}
	}
	if len(m) >= 4 && m[3] != "" {
		maxOut, _ = strconv.ParseFloat(m[3], 64)
		if maxOut > max {
			maxOut = max
		}
	}
	var err error
	if minOut > maxOut {
		err = ErrRangeSpec
		minOut = maxOut
	}
	return minOut, maxOut, err
}
