package engine

import (
	"time"

	"enviroguard-backend/internal/baseline"
	"enviroguard-backend/internal/rules"
)

type Status string

const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

// Event is one firing condition produced by the evaluator. Cooldown and
// severity are copied from the rule so the lifecycle manager does not
// need a rule lookup of its own.
type Event struct {
	RuleID          string             `json:"rule_id"`
	SystemID        string             `json:"system_id"`
	MetricType      string             `json:"metric_type"`
	Severity        rules.Severity     `json:"severity"`
	TriggeringValue float64            `json:"triggering_value"`
	Baseline        *baseline.Baseline `json:"baseline_snapshot,omitempty"`
	Timestamp       time.Time          `json:"timestamp"`
	Cooldown        time.Duration      `json:"-"`
}

// Alert is one lifecycle instance of a fired rule. At most one alert
// per rule is open (active or acknowledged) at any time.
type Alert struct {
	AlertID         string             `json:"alert_id"`
	RuleID          string             `json:"rule_id"`
	SystemID        string             `json:"system_id"`
	MetricType      string             `json:"metric_type"`
	Status          Status             `json:"status"`
	Severity        rules.Severity     `json:"severity"`
	TriggeringValue float64            `json:"triggering_value"`
	Baseline        *baseline.Baseline `json:"baseline_snapshot,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	LastFiredAt     time.Time          `json:"last_fired_at"`
	AcknowledgedAt  *time.Time         `json:"acknowledged_at,omitempty"`
	AcknowledgedBy  string             `json:"acknowledged_by,omitempty"`
	ResolvedAt      *time.Time         `json:"resolved_at,omitempty"`
	ResolutionNotes string             `json:"resolution_notes,omitempty"`
}

// Open reports whether the alert still occupies its rule's slot.
func (a Alert) Open() bool {
	return a.Status == StatusActive || a.Status == StatusAcknowledged
}

const (
	actionAcknowledge = "acknowledge"
	actionResolve     = "resolve"
)

// transitions is the explicit state machine: from-state and action to
// next state. Anything absent is rejected.
var transitions = map[Status]map[string]Status{
	StatusActive: {
		actionAcknowledge: StatusAcknowledged,
		actionResolve:     StatusResolved,
	},
	StatusAcknowledged: {
		actionResolve: StatusResolved,
	},
	StatusResolved: {},
}

func nextStatus(alertID string, from Status, action string) (Status, error) {
	if to, ok := transitions[from][action]; ok {
		return to, nil
	}
	return from, &InvalidTransitionError{AlertID: alertID, From: from, Action: action}
}
