package baseline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"testing"
	"time"

	"enviroguard-backend/internal/telemetry"
)

var testKey = telemetry.Key{SystemID: "system_001", MetricType: "flow_rate"}

type stubStore struct {
	points []telemetry.Point
	err    error
}

func (s *stubStore) QueryRange(ctx context.Context, key telemetry.Key, start, end time.Time, limit int) ([]telemetry.Point, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.points, nil
}

type stubConfigs struct {
	cfg Config
}

func (s *stubConfigs) BaselineConfig(ctx context.Context, key telemetry.Key) (Config, error) {
	return s.cfg, nil
}

func testConfig(method Method) Config {
	return Config{
		Method:           method,
		WindowSize:       time.Hour,
		MinDataPoints:    5,
		OutlierThreshold: 3,
		UpdateFrequency:  time.Minute,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seriesPoints(values []float64) []telemetry.Point {
	now := time.Now().UTC()
	points := make([]telemetry.Point, 0, len(values))
	for i, v := range values {
		points = append(points, telemetry.Point{
			SystemID:   testKey.SystemID,
			MetricType: testKey.MetricType,
			Value:      v,
			Timestamp:  now.Add(time.Duration(i-len(values)) * time.Minute),
		})
	}
	return points
}

func newTestCalculator(store *stubStore, cfg Config) (*Calculator, *Cache) {
	cache := NewCache()
	calc := NewCalculator(store, &stubConfigs{cfg: cfg}, cache, 1000, discardLogger())
	return calc, cache
}

func TestRollingMeanConvergence(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	values := make([]float64, 500)
	for i := range values {
		values[i] = 50 + rng.NormFloat64()*2
	}
	calc, _ := newTestCalculator(&stubStore{points: seriesPoints(values)}, testConfig(MethodRollingMean))
	result, err := calc.Recalculate(context.Background(), testKey)
	if err != nil {
		t.Fatalf("recalculate failed: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected valid baseline")
	}
	if math.Abs(result.Mean-50) > 0.5 {
		t.Fatalf("mean %v did not converge to 50", result.Mean)
	}
	if result.ConfidenceLower > result.Mean || result.ConfidenceUpper < result.Mean {
		t.Fatalf("confidence interval does not bracket mean: [%v, %v] mean=%v",
			result.ConfidenceLower, result.ConfidenceUpper, result.Mean)
	}
}

func TestOutlierFilteringBoundsInfluence(t *testing.T) {
	values := make([]float64, 60)
	for i := range values {
		values[i] = 45 + float64(i%5)*0.1
	}
	calc, _ := newTestCalculator(&stubStore{points: seriesPoints(values)}, testConfig(MethodRollingMean))
	clean, err := calc.Recalculate(context.Background(), testKey)
	if err != nil {
		t.Fatalf("recalculate failed: %v", err)
	}

	spiked := append(append([]float64{}, values...), 45+10*5.0)
	calcSpiked, _ := newTestCalculator(&stubStore{points: seriesPoints(spiked)}, testConfig(MethodRollingMean))
	withSpike, err := calcSpiked.Recalculate(context.Background(), testKey)
	if err != nil {
		t.Fatalf("recalculate failed: %v", err)
	}
	if math.Abs(withSpike.Mean-clean.Mean) > 0.1 {
		t.Fatalf("single spike shifted mean from %v to %v", clean.Mean, withSpike.Mean)
	}
	if withSpike.SampleCount != len(values) {
		t.Fatalf("expected spike to be filtered, sample count %d", withSpike.SampleCount)
	}
}

func TestRollingMedianUsesMAD(t *testing.T) {
	values := []float64{10, 10, 10, 12, 12, 12, 11}
	cfg := testConfig(MethodRollingMedian)
	calc, _ := newTestCalculator(&stubStore{points: seriesPoints(values)}, cfg)
	result, err := calc.Recalculate(context.Background(), testKey)
	if err != nil {
		t.Fatalf("recalculate failed: %v", err)
	}
	if result.Mean != 11 {
		t.Fatalf("expected median 11 got %v", result.Mean)
	}
	if math.Abs(result.StdDev-1.4826) > 1e-9 {
		t.Fatalf("expected scaled MAD 1.4826 got %v", result.StdDev)
	}
}

func TestEMABaselineTracksRecent(t *testing.T) {
	values := make([]float64, 40)
	for i := range values {
		values[i] = 40
	}
	for i := 30; i < 40; i++ {
		values[i] = 50
	}
	calc, _ := newTestCalculator(&stubStore{points: seriesPoints(values)}, testConfig(MethodEMA))
	result, err := calc.Recalculate(context.Background(), testKey)
	if err != nil {
		t.Fatalf("recalculate failed: %v", err)
	}
	if result.Mean <= Mean(values) {
		t.Fatalf("ema mean %v should weight recent values above plain mean %v", result.Mean, Mean(values))
	}
}

func TestEMAAlphaDerivedFromWindow(t *testing.T) {
	// 1-minute cadence in a 1-hour window: smooth like 60 samples no
	// matter how many the store actually returned.
	full := seriesPoints(make([]float64, 60))
	sparse := seriesPoints(make([]float64, 10))
	want := 2.0 / 61.0
	if got := emaAlpha(time.Hour, full); math.Abs(got-want) > 1e-12 {
		t.Fatalf("alpha = %v, want %v", got, want)
	}
	if got := emaAlpha(time.Hour, sparse); math.Abs(got-want) > 1e-12 {
		t.Fatalf("sparse window alpha = %v, want %v", got, want)
	}

	// Degenerate inputs fall back to tracking the latest value.
	if got := emaAlpha(time.Hour, seriesPoints([]float64{45})); got != 1 {
		t.Fatalf("single point alpha = %v, want 1", got)
	}
	if got := emaAlpha(30*time.Second, sparse); got != 1 {
		t.Fatalf("window below cadence alpha = %v, want 1", got)
	}
}

func TestInsufficientDataFreezesPrevious(t *testing.T) {
	store := &stubStore{points: seriesPoints([]float64{45, 45, 46, 44, 45, 45, 46, 44})}
	calc, cache := newTestCalculator(store, testConfig(MethodRollingMean))
	first, err := calc.Recalculate(context.Background(), testKey)
	if err != nil {
		t.Fatalf("recalculate failed: %v", err)
	}
	if !first.Valid {
		t.Fatalf("expected valid baseline")
	}

	store.points = seriesPoints([]float64{45, 46})
	second, err := calc.Recalculate(context.Background(), testKey)
	var insufficient *InsufficientDataError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientDataError, got %v", err)
	}
	if second.Valid {
		t.Fatalf("expected invalid baseline")
	}
	if second.Mean != first.Mean || second.StdDev != first.StdDev {
		t.Fatalf("expected frozen statistics, got mean=%v std=%v", second.Mean, second.StdDev)
	}
	cached, ok := cache.Get(testKey)
	if !ok || cached.Valid {
		t.Fatalf("cache should hold the frozen invalid baseline")
	}
}

func TestStoreFailureReturnsError(t *testing.T) {
	calc, cache := newTestCalculator(&stubStore{err: errors.New("connection refused")}, testConfig(MethodRollingMean))
	if _, err := calc.Recalculate(context.Background(), testKey); err == nil {
		t.Fatalf("expected store error")
	}
	if _, ok := cache.Get(testKey); ok {
		t.Fatalf("failed refresh must not write to cache")
	}
}
