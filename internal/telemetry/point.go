package telemetry

import (
	"fmt"
	"math"
	"time"
)

// DefaultClockSkew is how far into the future a point timestamp may sit
// before it is rejected.
const DefaultClockSkew = 2 * time.Minute

// Key identifies one monitored metric stream.
type Key struct {
	SystemID   string `json:"system_id"`
	MetricType string `json:"metric_type"`
}

func (k Key) String() string {
	return k.SystemID + "/" + k.MetricType
}

// Point is a single sensor reading. Points are immutable once stored.
type Point struct {
	SystemID     string          `json:"system_id"`
	MetricType   string          `json:"metric_type"`
	Value        float64         `json:"value"`
	Timestamp    time.Time       `json:"timestamp"`
	QualityFlags map[string]bool `json:"quality_flags,omitempty"`
	Source       string          `json:"source,omitempty"`
}

func (p Point) Key() Key {
	return Key{SystemID: p.SystemID, MetricType: p.MetricType}
}

// ValidationError describes a malformed point. Malformed points are
// rejected, never retried.
type ValidationError struct {
	Field   string
	Problem string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("telemetry point: %s %s", e.Field, e.Problem)
}

// Validate checks the point against the ingestion invariants: required
// identifiers, finite value, timestamp not beyond the clock-skew
// tolerance.
func (p Point) Validate(now time.Time, skew time.Duration) error {
	if p.SystemID == "" {
		return &ValidationError{Field: "system_id", Problem: "missing"}
	}
	if p.MetricType == "" {
		return &ValidationError{Field: "metric_type", Problem: "missing"}
	}
	if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
		return &ValidationError{Field: "value", Problem: "not finite"}
	}
	if p.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Problem: "missing"}
	}
	if skew < 0 {
		skew = 0
	}
	if p.Timestamp.After(now.Add(skew)) {
		return &ValidationError{Field: "timestamp", Problem: "in the future"}
	}
	return nil
}
