package baseline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"enviroguard-backend/internal/telemetry"
)

// confidenceZ is the z value for a 95% confidence interval of the mean.
const confidenceZ = 1.96

// MetricStore is the range-query capability the calculator consumes.
// Points are returned in ascending timestamp order.
type MetricStore interface {
	QueryRange(ctx context.Context, key telemetry.Key, start, end time.Time, limit int) ([]telemetry.Point, error)
}

// ConfigSource resolves the active baseline configuration for a key.
type ConfigSource interface {
	BaselineConfig(ctx context.Context, key telemetry.Key) (Config, error)
}

// InsufficientDataError reports that a refresh produced fewer usable
// samples than the configured minimum. It is a low-confidence state,
// not a failure: the cached baseline is frozen with Valid=false.
type InsufficientDataError struct {
	Key     telemetry.Key
	Samples int
	Minimum int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("baseline %s: %d samples, need %d", e.Key, e.Samples, e.Minimum)
}

type Calculator struct {
	store   MetricStore
	configs ConfigSource
	cache   *Cache
	maxRows int
	now     func() time.Time
	logger  *slog.Logger
}

func NewCalculator(store MetricStore, configs ConfigSource, cache *Cache, maxRows int, logger *slog.Logger) *Calculator {
	return &Calculator{
		store:   store,
		configs: configs,
		cache:   cache,
		maxRows: maxRows,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
	}
}

// Recalculate refreshes the baseline for key from the store window and
// writes the result into the cache. A store failure is returned to the
// caller for retry. Insufficient data freezes the previous statistics
// with Valid=false and reports a non-fatal *InsufficientDataError
// alongside the frozen baseline.
func (c *Calculator) Recalculate(ctx context.Context, key telemetry.Key) (Baseline, error) {
	cfg, err := c.configs.BaselineConfig(ctx, key)
	if err != nil {
		return Baseline{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Baseline{}, err
	}
	now := c.now()
	points, err := c.store.QueryRange(ctx, key, now.Add(-cfg.WindowSize), now, c.maxRows)
	if err != nil {
		return Baseline{}, fmt.Errorf("baseline %s: window query: %w", key, err)
	}
	values := make([]float64, 0, len(points))
	for _, p := range points {
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			continue
		}
		values = append(values, p.Value)
	}
	filtered := filterOutliers(values, cfg.OutlierThreshold)
	if len(filtered) < cfg.MinDataPoints {
		frozen := c.freeze(key, now, len(filtered))
		c.cache.Put(key, frozen)
		c.logger.Warn("insufficient baseline data",
			slog.String("key", key.String()),
			slog.Int("samples", len(filtered)),
			slog.Int("minimum", cfg.MinDataPoints))
		return frozen, &InsufficientDataError{Key: key, Samples: len(filtered), Minimum: cfg.MinDataPoints}
	}

	var mean, stdDev float64
	switch cfg.Method {
	case MethodRollingMedian:
		median := Median(filtered)
		mean = median
		stdDev = madScale * MAD(filtered, median)
	case MethodEMA:
		mean, stdDev = EMA(filtered, emaAlpha(cfg.WindowSize, points))
	default:
		mean = Mean(filtered)
		stdDev = StdDev(filtered, false)
	}

	result := Baseline{
		Mean:        mean,
		StdDev:      stdDev,
		SampleCount: len(filtered),
		ComputedAt:  now,
		Valid:       true,
	}
	half := confidenceZ * stdDev / math.Sqrt(float64(len(filtered)))
	result.ConfidenceLower = mean - half
	result.ConfidenceUpper = mean + half
	if result.ConfidenceLower > mean {
		result.ConfidenceLower = mean
	}
	if result.ConfidenceUpper < mean {
		result.ConfidenceUpper = mean
	}
	c.cache.Put(key, result)
	return result, nil
}

// emaAlpha derives the smoothing factor from the configured window via
// 2/(n+1), where n is the number of samples the window is expected to
// hold at the stream's observed cadence. A sparse window then smooths
// like the full window would, instead of reacting faster just because
// samples are missing. Points must be in ascending timestamp order.
func emaAlpha(window time.Duration, points []telemetry.Point) float64 {
	if len(points) < 2 {
		return 1
	}
	gaps := make([]float64, 0, len(points)-1)
	for i := 1; i < len(points); i++ {
		if gap := points[i].Timestamp.Sub(points[i-1].Timestamp).Seconds(); gap > 0 {
			gaps = append(gaps, gap)
		}
	}
	if len(gaps) == 0 {
		return 1
	}
	expected := window.Seconds() / Median(gaps)
	if expected < 1 {
		expected = 1
	}
	return 2.0 / (expected + 1.0)
}

// freeze carries the previous statistics forward while flagging the
// baseline as invalid.
func (c *Calculator) freeze(key telemetry.Key, now time.Time, samples int) Baseline {
	frozen := Baseline{ComputedAt: now, SampleCount: samples, Valid: false}
	if prev, ok := c.cache.Get(key); ok {
		frozen.Mean = prev.Mean
		frozen.StdDev = prev.StdDev
		frozen.ConfidenceLower = prev.ConfidenceLower
		frozen.ConfidenceUpper = prev.ConfidenceUpper
	}
	return frozen
}

// filterOutliers runs the two-pass robust estimator: a provisional mean
// and std-dev over all values, then a second pass dropping values more
// than threshold standard deviations out. Not iterative re-weighting.
func filterOutliers(values []float64, threshold float64) []float64 {
	if threshold <= 0 || len(values) < 2 {
		return values
	}
	mean := Mean(values)
	stdDev := StdDev(values, false)
	if stdDev == 0 {
		return values
	}
	filtered := make([]float64, 0, len(values))
	for _, v := range values {
		if math.Abs(v-mean) > threshold*stdDev {
			continue
		}
		filtered = append(filtered, v)
	}
	return filtered
}
