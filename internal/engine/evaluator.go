package engine

import (
	"context"
	"log/slog"
	"math"
	"time"

	"enviroguard-backend/internal/baseline"
	"enviroguard-backend/internal/metrics"
	"enviroguard-backend/internal/rules"
	"enviroguard-backend/internal/telemetry"
)

// TrendStore supplies the most recent stored points for trend rules.
// Points are returned in ascending timestamp order.
type TrendStore interface {
	LatestPoints(ctx context.Context, key telemetry.Key, n int) ([]telemetry.Point, error)
}

// Evaluator applies every rule matching a point's key and emits one
// event per firing condition. Evaluation is deterministic for identical
// point, baseline and rule-set inputs.
type Evaluator struct {
	rules     rules.Source
	baselines *baseline.Cache
	store     TrendStore
	logger    *slog.Logger
}

func NewEvaluator(src rules.Source, baselines *baseline.Cache, store TrendStore, logger *slog.Logger) *Evaluator {
	return &Evaluator{rules: src, baselines: baselines, store: store, logger: logger}
}

func (e *Evaluator) Evaluate(ctx context.Context, point telemetry.Point) ([]Event, error) {
	started := time.Now()
	defer func() {
		metrics.EvaluationDuration.Observe(time.Since(started).Seconds())
	}()

	matched, err := e.rules.RulesFor(ctx, point.Key())
	if err != nil {
		return nil, err
	}
	current, haveBaseline := e.baselines.Get(point.Key())

	var events []Event
	for _, rule := range matched {
		fired := false
		switch {
		case rule.Threshold != nil:
			// Threshold rules evaluate even for unbaselined metrics.
			fired = compare(rule.Threshold.Comparator, point.Value, rule.Threshold.Value)
		case rule.Deviation != nil:
			if !haveBaseline || !current.Valid {
				metrics.InsufficientBaselineSkips.Inc()
				e.logger.Debug("insufficient baseline",
					slog.String("rule_id", rule.RuleID),
					slog.String("key", point.Key().String()))
				continue
			}
			fired = math.Abs(point.Value-current.Mean) > rule.Deviation.Multiple*current.StdDev
		case rule.Trend != nil:
			if !haveBaseline || !current.Valid {
				metrics.InsufficientBaselineSkips.Inc()
				e.logger.Debug("insufficient baseline",
					slog.String("rule_id", rule.RuleID),
					slog.String("key", point.Key().String()))
				continue
			}
			hit, err := e.evaluateTrend(ctx, point.Key(), *rule.Trend)
			if err != nil {
				e.logger.Error("trend evaluation failed",
					slog.String("rule_id", rule.RuleID),
					slog.String("error", err.Error()))
				continue
			}
			fired = hit
		}
		if !fired {
			continue
		}
		event := Event{
			RuleID:          rule.RuleID,
			SystemID:        point.SystemID,
			MetricType:      point.MetricType,
			Severity:        rule.Severity,
			TriggeringValue: point.Value,
			Timestamp:       point.Timestamp,
			Cooldown:        rule.Cooldown,
		}
		if haveBaseline {
			snapshot := current
			event.Baseline = &snapshot
		}
		events = append(events, event)
	}
	return events, nil
}

// evaluateTrend fetches the last WindowCount points and tests the sign
// and magnitude of the regression slope. Fewer points than the window
// asks for means no verdict, not a firing.
func (e *Evaluator) evaluateTrend(ctx context.Context, key telemetry.Key, spec rules.TrendSpec) (bool, error) {
	points, err := e.store.LatestPoints(ctx, key, spec.WindowCount)
	if err != nil {
		return false, err
	}
	if len(points) < spec.WindowCount {
		return false, nil
	}
	xs := make([]float64, len(points))
	ys := make([]float64, len(points))
	origin := points[0].Timestamp
	for i, p := range points {
		xs[i] = p.Timestamp.Sub(origin).Seconds()
		ys[i] = p.Value
	}
	slope, _, ok := baseline.LinearRegression(xs, ys)
	if !ok {
		return false, nil
	}
	if math.Abs(slope) <= spec.MinSlope {
		return false, nil
	}
	switch spec.Direction {
	case rules.DirectionIncreasing:
		return slope > 0, nil
	case rules.DirectionDecreasing:
		return slope < 0, nil
	default:
		return false, nil
	}
}

func compare(cmp rules.Comparator, value, target float64) bool {
	switch cmp {
	case rules.ComparatorGT:
		return value > target
	case rules.ComparatorLT:
		return value < target
	case rules.ComparatorGTE:
		return value >= target
	case rules.ComparatorLTE:
		return value <= target
	case rules.ComparatorEQ:
		return value == target
	default:
		return false
	}
}
