package rules

import "fmt"

type ErrorDetail struct {
	Field   string `json:"field"`
	Problem string `json:"problem"`
	Hint    string `json:"hint,omitempty"`
}

type RuleError struct {
	Code    string        `json:"code"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details"`
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("%s: %s (%d details)", e.Code, e.Message, len(e.Details))
}

// ValidateRule checks rule invariants before the rule becomes active.
func ValidateRule(r Rule) *RuleError {
	var details []ErrorDetail
	if r.RuleID == "" {
		details = append(details, ErrorDetail{Field: "rule_id", Problem: "missing"})
	}
	if r.SystemID == "" {
		details = append(details, ErrorDetail{Field: "system_id", Problem: "missing"})
	}
	if r.MetricType == "" {
		details = append(details, ErrorDetail{Field: "metric_type", Problem: "missing"})
	}
	if !r.Severity.Valid() {
		details = append(details, ErrorDetail{Field: "severity", Problem: "invalid", Hint: "one of low, medium, high, critical"})
	}
	if r.Cooldown < 0 {
		details = append(details, ErrorDetail{Field: "cooldown", Problem: "negative"})
	}

	set := 0
	if r.Threshold != nil {
		set++
		if !r.Threshold.Comparator.Valid() {
			details = append(details, ErrorDetail{Field: "threshold.comparator", Problem: "invalid", Hint: "one of gt, lt, gte, lte, eq"})
		}
	}
	if r.Deviation != nil {
		set++
		if r.Deviation.Multiple <= 0 {
			details = append(details, ErrorDetail{Field: "deviation.multiple", Problem: "must be positive"})
		}
	}
	if r.Trend != nil {
		set++
		if r.Trend.WindowCount < 2 {
			details = append(details, ErrorDetail{Field: "trend.window_count", Problem: "too small", Hint: "need at least 2 points for a slope"})
		}
		if !r.Trend.Direction.Valid() {
			details = append(details, ErrorDetail{Field: "trend.direction", Problem: "invalid", Hint: "increasing or decreasing"})
		}
		if r.Trend.MinSlope < 0 {
			details = append(details, ErrorDetail{Field: "trend.min_slope", Problem: "negative"})
		}
	}
	if set != 1 {
		details = append(details, ErrorDetail{Field: "condition", Problem: "exactly one condition required", Hint: "set threshold, deviation, or trend"})
	}

	if len(details) > 0 {
		return &RuleError{Code: "RULE_INVALID", Message: "alert rule failed validation", Details: details}
	}
	return nil
}
