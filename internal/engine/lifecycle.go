package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"enviroguard-backend/internal/metrics"
	"enviroguard-backend/internal/rules"
	"enviroguard-backend/internal/telemetry"
)

// Notifier dispatches an alert to the outside world. Delivery failure
// is logged and counted; it never rolls back a state transition.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// AlertFilter narrows operator listings. Zero fields match everything.
type AlertFilter struct {
	SystemID string
	Status   Status
	Severity rules.Severity
}

// AlertStore persists the alert history. The lifecycle manager is the
// source of truth for open alerts; the store is the durable record.
type AlertStore interface {
	CreateAlert(ctx context.Context, alert Alert) error
	UpdateAlert(ctx context.Context, alert Alert) error
	GetAlert(ctx context.Context, alertID string) (Alert, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]Alert, error)
}

// Lifecycle owns alert state per rule. Transitions for one rule are
// serialized through a per-rule mutex so concurrent bursts of events
// cannot create two open alerts for the same rule.
type Lifecycle struct {
	mu          sync.Mutex
	locks       map[string]*sync.Mutex
	open        map[string]*Alert // rule_id -> open alert
	byID        map[string]*Alert // alert_id -> open alert
	clearStreak map[string]int    // rule_id -> consecutive clear evaluations
	clearCycles int
	store       AlertStore
	notifier    Notifier
	now         func() time.Time
	newID       func() string
	logger      *slog.Logger
}

// NewLifecycle builds a manager. clearCycles is how many consecutive
// evaluations the condition must stay clear before auto-resolution;
// values below 1 are treated as 1.
func NewLifecycle(store AlertStore, notifier Notifier, clearCycles int, logger *slog.Logger) *Lifecycle {
	if clearCycles < 1 {
		clearCycles = 1
	}
	return &Lifecycle{
		locks:       map[string]*sync.Mutex{},
		open:        map[string]*Alert{},
		byID:        map[string]*Alert{},
		clearStreak: map[string]int{},
		clearCycles: clearCycles,
		store:       store,
		notifier:    notifier,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       func() string { return uuid.NewString() },
		logger:      logger,
	}
}

// Restore adopts open alerts from the store, typically at startup.
func (l *Lifecycle) Restore(ctx context.Context) error {
	for _, status := range []Status{StatusActive, StatusAcknowledged} {
		alerts, err := l.store.ListAlerts(ctx, AlertFilter{Status: status})
		if err != nil {
			return err
		}
		for i := range alerts {
			l.adopt(alerts[i])
		}
	}
	return nil
}

func (l *Lifecycle) adopt(alert Alert) {
	if !alert.Open() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.open[alert.RuleID]; exists {
		return
	}
	copied := alert
	l.open[alert.RuleID] = &copied
	l.byID[alert.AlertID] = &copied
}

// Handle applies one firing event. It returns the affected alert and
// whether a new alert was created. A persistence failure on the event
// path is logged, not returned: the in-memory transition stands so a
// flaky store cannot silence alerting.
func (l *Lifecycle) Handle(ctx context.Context, event Event) (Alert, bool, error) {
	lock := l.ruleLock(event.RuleID)
	lock.Lock()
	defer lock.Unlock()

	now := l.now()
	l.mu.Lock()
	existing := l.open[event.RuleID]
	delete(l.clearStreak, event.RuleID)
	l.mu.Unlock()

	if existing == nil {
		alert := Alert{
			AlertID:         l.newID(),
			RuleID:          event.RuleID,
			SystemID:        event.SystemID,
			MetricType:      event.MetricType,
			Status:          StatusActive,
			Severity:        event.Severity,
			TriggeringValue: event.TriggeringValue,
			Baseline:        event.Baseline,
			CreatedAt:       now,
			LastFiredAt:     now,
		}
		l.mu.Lock()
		l.open[event.RuleID] = &alert
		l.byID[alert.AlertID] = &alert
		l.mu.Unlock()
		if err := l.store.CreateAlert(ctx, alert); err != nil {
			l.logger.Error("alert persistence failed",
				slog.String("alert_id", alert.AlertID),
				slog.String("error", err.Error()))
		}
		metrics.AlertsFired.WithLabelValues(string(alert.Severity)).Inc()
		l.notify(ctx, alert)
		return alert, true, nil
	}

	// Existing open alert: refresh, and re-notify only once the
	// cooldown since the previous firing has elapsed.
	renotify := event.Cooldown <= 0 || now.Sub(existing.LastFiredAt) >= event.Cooldown
	existing.TriggeringValue = event.TriggeringValue
	if event.Baseline != nil {
		existing.Baseline = event.Baseline
	}
	existing.LastFiredAt = now
	if err := l.store.UpdateAlert(ctx, *existing); err != nil {
		l.logger.Error("alert persistence failed",
			slog.String("alert_id", existing.AlertID),
			slog.String("error", err.Error()))
	}
	if renotify {
		metrics.AlertsFired.WithLabelValues(string(existing.Severity)).Inc()
		l.notify(ctx, *existing)
	} else {
		metrics.AlertsDeduplicated.Inc()
	}
	return *existing, false, nil
}

// AutoResolve runs alongside evaluation: open alerts on this key whose
// rule did not fire for the latest point accumulate a clear streak, and
// once the streak reaches the configured cycle count they resolve.
func (l *Lifecycle) AutoResolve(ctx context.Context, key telemetry.Key, fired map[string]bool) {
	l.mu.Lock()
	candidates := make([]*Alert, 0)
	for ruleID, alert := range l.open {
		if alert.SystemID != key.SystemID || alert.MetricType != key.MetricType {
			continue
		}
		if fired[ruleID] {
			continue
		}
		candidates = append(candidates, alert)
	}
	l.mu.Unlock()

	for _, candidate := range candidates {
		lock := l.ruleLock(candidate.RuleID)
		lock.Lock()
		l.mu.Lock()
		current, stillOpen := l.open[candidate.RuleID]
		if !stillOpen || current.AlertID != candidate.AlertID {
			l.mu.Unlock()
			lock.Unlock()
			continue
		}
		l.clearStreak[candidate.RuleID]++
		streak := l.clearStreak[candidate.RuleID]
		l.mu.Unlock()
		if streak < l.clearCycles {
			lock.Unlock()
			continue
		}

		now := l.now()
		current.Status = StatusResolved
		current.ResolvedAt = &now
		current.ResolutionNotes = "auto-resolved: condition cleared"
		l.mu.Lock()
		delete(l.open, current.RuleID)
		delete(l.byID, current.AlertID)
		delete(l.clearStreak, current.RuleID)
		l.mu.Unlock()
		if err := l.store.UpdateAlert(ctx, *current); err != nil {
			l.logger.Error("alert persistence failed",
				slog.String("alert_id", current.AlertID),
				slog.String("error", err.Error()))
		}
		metrics.AlertsAutoResolved.Inc()
		lock.Unlock()
	}
}

// Acknowledge is the operator action marking an alert as seen.
func (l *Lifecycle) Acknowledge(ctx context.Context, alertID, by string) (Alert, error) {
	target, err := l.openAlert(ctx, alertID, actionAcknowledge)
	if err != nil {
		return Alert{}, err
	}
	lock := l.ruleLock(target.RuleID)
	lock.Lock()
	defer lock.Unlock()

	to, err := nextStatus(alertID, target.Status, actionAcknowledge)
	if err != nil {
		return *target, err
	}
	updated := *target
	now := l.now()
	updated.Status = to
	updated.AcknowledgedAt = &now
	updated.AcknowledgedBy = by
	if err := l.store.UpdateAlert(ctx, updated); err != nil {
		return *target, err
	}
	*target = updated
	return updated, nil
}

// Resolve is the operator action closing an alert.
func (l *Lifecycle) Resolve(ctx context.Context, alertID, notes string) (Alert, error) {
	target, err := l.openAlert(ctx, alertID, actionResolve)
	if err != nil {
		return Alert{}, err
	}
	lock := l.ruleLock(target.RuleID)
	lock.Lock()
	defer lock.Unlock()

	to, err := nextStatus(alertID, target.Status, actionResolve)
	if err != nil {
		return *target, err
	}
	updated := *target
	now := l.now()
	updated.Status = to
	updated.ResolvedAt = &now
	updated.ResolutionNotes = notes
	if err := l.store.UpdateAlert(ctx, updated); err != nil {
		return *target, err
	}
	*target = updated
	l.mu.Lock()
	delete(l.open, updated.RuleID)
	delete(l.byID, updated.AlertID)
	delete(l.clearStreak, updated.RuleID)
	l.mu.Unlock()
	return updated, nil
}

// ListAlerts delegates to the durable record.
func (l *Lifecycle) ListAlerts(ctx context.Context, filter AlertFilter) ([]Alert, error) {
	return l.store.ListAlerts(ctx, filter)
}

// openAlert finds the in-memory open alert for alertID, consulting the
// store for alerts unknown to this process (closed ones, or open ones
// from before a restart).
func (l *Lifecycle) openAlert(ctx context.Context, alertID, action string) (*Alert, error) {
	l.mu.Lock()
	ptr, ok := l.byID[alertID]
	l.mu.Unlock()
	if ok {
		return ptr, nil
	}
	stored, err := l.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if _, terr := nextStatus(alertID, stored.Status, action); terr != nil {
		return nil, terr
	}
	l.adopt(stored)
	l.mu.Lock()
	ptr, ok = l.byID[alertID]
	l.mu.Unlock()
	if !ok {
		// Another open alert already holds this rule's slot.
		return nil, ErrAlertNotFound
	}
	return ptr, nil
}

func (l *Lifecycle) ruleLock(ruleID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[ruleID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[ruleID] = lock
	}
	return lock
}

func (l *Lifecycle) notify(ctx context.Context, alert Alert) {
	if l.notifier == nil {
		return
	}
	if err := l.notifier.Notify(ctx, alert); err != nil {
		metrics.NotificationFailures.Inc()
		nerr := &NotificationError{AlertID: alert.AlertID, Err: err}
		l.logger.Error("notification dispatch failed", slog.String("error", nerr.Error()))
	}
}
