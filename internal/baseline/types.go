package baseline

import (
	"fmt"
	"time"
)

type Method string

const (
	MethodRollingMean   Method = "rolling_mean"
	MethodRollingMedian Method = "rolling_median"
	MethodEMA           Method = "ema"
)

// Valid returns true when the calculation method is supported.
func (m Method) Valid() bool {
	switch m {
	case MethodRollingMean, MethodRollingMedian, MethodEMA:
		return true
	default:
		return false
	}
}

// Config is the per-key baseline configuration. It is created by an
// operator-facing surface and read-only to the engine.
type Config struct {
	Method           Method        `json:"calculation_method" yaml:"calculation_method"`
	WindowSize       time.Duration `json:"window_size" yaml:"window_size"`
	MinDataPoints    int           `json:"min_data_points" yaml:"min_data_points"`
	OutlierThreshold float64       `json:"outlier_threshold" yaml:"outlier_threshold"`
	UpdateFrequency  time.Duration `json:"update_frequency" yaml:"update_frequency"`
}

func (c Config) Validate() error {
	if !c.Method.Valid() {
		return fmt.Errorf("baseline config: unsupported method %q", c.Method)
	}
	if c.WindowSize <= 0 {
		return fmt.Errorf("baseline config: window_size must be positive")
	}
	if c.MinDataPoints < 1 {
		return fmt.Errorf("baseline config: min_data_points must be >= 1")
	}
	if c.MinDataPoints < 2 && c.Method != MethodRollingMedian {
		return fmt.Errorf("baseline config: min_data_points must be >= 2 for method %q", c.Method)
	}
	if c.OutlierThreshold < 0 {
		return fmt.Errorf("baseline config: outlier_threshold must not be negative")
	}
	if c.UpdateFrequency <= 0 {
		return fmt.Errorf("baseline config: update_frequency must be positive")
	}
	return nil
}

// Baseline is the computed statistical summary for one key. A Baseline
// with Valid=false carries the last known statistics frozen; consumers
// must not treat it as a reference for deviation detection.
type Baseline struct {
	Mean            float64   `json:"mean"`
	StdDev          float64   `json:"std_dev"`
	SampleCount     int       `json:"sample_count"`
	ComputedAt      time.Time `json:"computed_at"`
	ConfidenceLower float64   `json:"confidence_lower"`
	ConfidenceUpper float64   `json:"confidence_upper"`
	Valid           bool      `json:"valid"`
}
