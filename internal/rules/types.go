package rules

import (
	"context"
	"time"

	"enviroguard-backend/internal/telemetry"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

type Comparator string

const (
	ComparatorGT  Comparator = "gt"
	ComparatorLT  Comparator = "lt"
	ComparatorGTE Comparator = "gte"
	ComparatorLTE Comparator = "lte"
	ComparatorEQ  Comparator = "eq"
)

func (c Comparator) Valid() bool {
	switch c {
	case ComparatorGT, ComparatorLT, ComparatorGTE, ComparatorLTE, ComparatorEQ:
		return true
	default:
		return false
	}
}

type Direction string

const (
	DirectionIncreasing Direction = "increasing"
	DirectionDecreasing Direction = "decreasing"
)

func (d Direction) Valid() bool {
	return d == DirectionIncreasing || d == DirectionDecreasing
}

// ThresholdSpec fires when the point value compares against Value.
type ThresholdSpec struct {
	Comparator Comparator `json:"comparator"`
	Value      float64    `json:"value"`
}

// DeviationSpec fires when |value - baseline mean| exceeds Multiple
// baseline standard deviations. Requires a valid baseline.
type DeviationSpec struct {
	Multiple float64 `json:"multiple"`
}

// TrendSpec fires when the linear-regression slope over the last
// WindowCount stored points matches Direction and exceeds MinSlope in
// magnitude. Slope is in value units per second.
type TrendSpec struct {
	WindowCount int       `json:"window_count"`
	Direction   Direction `json:"direction"`
	MinSlope    float64   `json:"min_slope"`
}

// Rule is one alert condition. Exactly one of the condition payloads is
// set; the populated payload determines the condition type, so a new
// condition kind is a compile-time extension of the switch sites.
type Rule struct {
	RuleID     string        `json:"rule_id"`
	SystemID   string        `json:"system_id"`
	MetricType string        `json:"metric_type"`
	Severity   Severity      `json:"severity"`
	Cooldown   time.Duration `json:"cooldown"`
	Threshold  *ThresholdSpec `json:"threshold,omitempty"`
	Deviation  *DeviationSpec `json:"deviation,omitempty"`
	Trend      *TrendSpec     `json:"trend,omitempty"`
}

func (r Rule) Key() telemetry.Key {
	return telemetry.Key{SystemID: r.SystemID, MetricType: r.MetricType}
}

// ConditionType names the populated condition payload.
func (r Rule) ConditionType() string {
	switch {
	case r.Threshold != nil:
		return "threshold"
	case r.Deviation != nil:
		return "deviation"
	case r.Trend != nil:
		return "trend"
	default:
		return ""
	}
}

// Source is the rule lookup capability the evaluator consumes. Rules
// live in an external rule store; this engine never persists them.
type Source interface {
	RulesFor(ctx context.Context, key telemetry.Key) ([]Rule, error)
}
