package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"enviroguard-backend/internal/rules"
)

type memAlertStore struct {
	mu     sync.Mutex
	alerts map[string]Alert
	fail   error
}

func newMemAlertStore() *memAlertStore {
	return &memAlertStore{alerts: map[string]Alert{}}
}

func (s *memAlertStore) CreateAlert(_ context.Context, alert Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.alerts[alert.AlertID] = alert
	return nil
}

func (s *memAlertStore) UpdateAlert(_ context.Context, alert Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.alerts[alert.AlertID] = alert
	return nil
}

func (s *memAlertStore) GetAlert(_ context.Context, alertID string) (Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.alerts[alertID]
	if !ok {
		return Alert{}, ErrAlertNotFound
	}
	return alert, nil
}

func (s *memAlertStore) ListAlerts(_ context.Context, filter AlertFilter) ([]Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Alert
	for _, alert := range s.alerts {
		if filter.SystemID != "" && alert.SystemID != filter.SystemID {
			continue
		}
		if filter.Status != "" && alert.Status != filter.Status {
			continue
		}
		if filter.Severity != "" && alert.Severity != filter.Severity {
			continue
		}
		out = append(out, alert)
	}
	return out, nil
}

type countingNotifier struct {
	mu   sync.Mutex
	sent []Alert
	fail error
}

func (n *countingNotifier) Notify(_ context.Context, alert Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		return n.fail
	}
	n.sent = append(n.sent, alert)
	return nil
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func testEvent(cooldown time.Duration) Event {
	return Event{
		RuleID:          "rule-1",
		SystemID:        testKey.SystemID,
		MetricType:      testKey.MetricType,
		Severity:        rules.SeverityHigh,
		TriggeringValue: 120,
		Timestamp:       time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		Cooldown:        cooldown,
	}
}

// newTestLifecycle pins the clock so cooldown math is exact.
func newTestLifecycle(store AlertStore, notifier Notifier, clearCycles int) (*Lifecycle, *time.Time) {
	l := NewLifecycle(store, notifier, clearCycles, discardLogger())
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestHandleCreatesAndDeduplicates(t *testing.T) {
	store := newMemAlertStore()
	notifier := &countingNotifier{}
	l, now := newTestLifecycle(store, notifier, 1)

	first, created, err := l.Handle(context.Background(), testEvent(5*time.Minute))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !created {
		t.Fatal("first event should create an alert")
	}
	if first.Status != StatusActive {
		t.Fatalf("new alert status = %s, want active", first.Status)
	}
	if notifier.count() != 1 {
		t.Fatalf("notifications after create = %d, want 1", notifier.count())
	}

	// Second event inside the cooldown: same alert, no notification,
	// but last_fired_at and triggering value refresh.
	*now = now.Add(2 * time.Minute)
	evt := testEvent(5 * time.Minute)
	evt.TriggeringValue = 130
	second, created, err := l.Handle(context.Background(), evt)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if created {
		t.Fatal("event within cooldown must not create a second alert")
	}
	if second.AlertID != first.AlertID {
		t.Fatalf("alert id changed: %s then %s", first.AlertID, second.AlertID)
	}
	if second.TriggeringValue != 130 {
		t.Fatalf("triggering value not refreshed: %v", second.TriggeringValue)
	}
	if !second.LastFiredAt.Equal(*now) {
		t.Fatalf("last_fired_at not refreshed: %v", second.LastFiredAt)
	}
	if notifier.count() != 1 {
		t.Fatalf("notifications after dedup = %d, want 1", notifier.count())
	}

	// Third event past the cooldown since the second firing: re-notify,
	// still the same alert.
	*now = now.Add(5 * time.Minute)
	third, created, err := l.Handle(context.Background(), testEvent(5*time.Minute))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if created {
		t.Fatal("re-fire must not create a second alert")
	}
	if third.AlertID != first.AlertID {
		t.Fatalf("alert id changed on re-fire: %s", third.AlertID)
	}
	if notifier.count() != 2 {
		t.Fatalf("notifications after re-fire = %d, want 2", notifier.count())
	}
}

func TestHandleConcurrentEventsSingleAlert(t *testing.T) {
	store := newMemAlertStore()
	l, _ := newTestLifecycle(store, &countingNotifier{}, 1)

	var wg sync.WaitGroup
	createdCount := make(chan bool, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := l.Handle(context.Background(), testEvent(time.Hour))
			if err != nil {
				t.Errorf("handle: %v", err)
				return
			}
			createdCount <- created
		}()
	}
	wg.Wait()
	close(createdCount)

	creates := 0
	for created := range createdCount {
		if created {
			creates++
		}
	}
	if creates != 1 {
		t.Fatalf("concurrent events created %d alerts, want 1", creates)
	}
}

func TestHandleSurvivesStoreFailure(t *testing.T) {
	store := newMemAlertStore()
	store.fail = errors.New("connection refused")
	notifier := &countingNotifier{}
	l, _ := newTestLifecycle(store, notifier, 1)

	alert, created, err := l.Handle(context.Background(), testEvent(time.Minute))
	if err != nil {
		t.Fatalf("handle must not fail on store errors: %v", err)
	}
	if !created || alert.Status != StatusActive {
		t.Fatalf("alert not created in memory: created=%v status=%s", created, alert.Status)
	}
	if notifier.count() != 1 {
		t.Fatalf("notification suppressed by store failure: %d", notifier.count())
	}
}

func TestAcknowledgeAndResolve(t *testing.T) {
	store := newMemAlertStore()
	l, _ := newTestLifecycle(store, &countingNotifier{}, 1)

	alert, _, err := l.Handle(context.Background(), testEvent(time.Minute))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	acked, err := l.Acknowledge(context.Background(), alert.AlertID, "operator@example.com")
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if acked.Status != StatusAcknowledged {
		t.Fatalf("status = %s, want acknowledged", acked.Status)
	}
	if acked.AcknowledgedAt == nil || acked.AcknowledgedBy != "operator@example.com" {
		t.Fatalf("acknowledgement fields not set: %+v", acked)
	}

	// Acknowledging twice is rejected by the transition table.
	if _, err := l.Acknowledge(context.Background(), alert.AlertID, "again"); err == nil {
		t.Fatal("double acknowledge should fail")
	}

	resolved, err := l.Resolve(context.Background(), alert.AlertID, "valve recalibrated")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != StatusResolved || resolved.ResolvedAt == nil {
		t.Fatalf("resolution fields not set: %+v", resolved)
	}
	if resolved.ResolutionNotes != "valve recalibrated" {
		t.Fatalf("notes = %q", resolved.ResolutionNotes)
	}

	// Resolving a resolved alert is rejected with the current state in
	// the error.
	_, err = l.Resolve(context.Background(), alert.AlertID, "again")
	var terr *InvalidTransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("want InvalidTransitionError, got %v", err)
	}
	if terr.From != StatusResolved {
		t.Fatalf("error reports from=%s, want resolved", terr.From)
	}

	// The rule slot is free again: the next event opens a fresh alert.
	next, created, err := l.Handle(context.Background(), testEvent(time.Minute))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !created || next.AlertID == alert.AlertID {
		t.Fatalf("resolved rule should accept a new alert: created=%v id=%s", created, next.AlertID)
	}
}

func TestOperatorActionsOnUnknownAlert(t *testing.T) {
	l, _ := newTestLifecycle(newMemAlertStore(), &countingNotifier{}, 1)
	if _, err := l.Acknowledge(context.Background(), "no-such-id", "op"); !errors.Is(err, ErrAlertNotFound) {
		t.Fatalf("want ErrAlertNotFound, got %v", err)
	}
	if _, err := l.Resolve(context.Background(), "no-such-id", ""); !errors.Is(err, ErrAlertNotFound) {
		t.Fatalf("want ErrAlertNotFound, got %v", err)
	}
}

func TestAutoResolveAfterClearCycles(t *testing.T) {
	store := newMemAlertStore()
	l, _ := newTestLifecycle(store, &countingNotifier{}, 2)

	alert, _, err := l.Handle(context.Background(), testEvent(time.Minute))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	// First clear evaluation: streak 1 of 2, alert stays open.
	l.AutoResolve(context.Background(), testKey, nil)
	got, err := store.GetAlert(context.Background(), alert.AlertID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusActive {
		t.Fatalf("after one clear cycle status = %s, want active", got.Status)
	}

	// A firing in between resets the streak.
	if _, _, err := l.Handle(context.Background(), testEvent(time.Minute)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	l.AutoResolve(context.Background(), testKey, nil)
	got, _ = store.GetAlert(context.Background(), alert.AlertID)
	if got.Status != StatusActive {
		t.Fatalf("streak should reset on re-fire, status = %s", got.Status)
	}

	// Second consecutive clear evaluation resolves it.
	l.AutoResolve(context.Background(), testKey, nil)
	got, err = store.GetAlert(context.Background(), alert.AlertID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusResolved {
		t.Fatalf("after two clear cycles status = %s, want resolved", got.Status)
	}
	if got.ResolutionNotes != "auto-resolved: condition cleared" {
		t.Fatalf("notes = %q", got.ResolutionNotes)
	}
}

func TestAutoResolveSkipsFiredAndForeignKeys(t *testing.T) {
	store := newMemAlertStore()
	l, _ := newTestLifecycle(store, &countingNotifier{}, 1)

	alert, _, err := l.Handle(context.Background(), testEvent(time.Minute))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	// The rule fired this cycle: not a candidate.
	l.AutoResolve(context.Background(), testKey, map[string]bool{"rule-1": true})
	got, _ := store.GetAlert(context.Background(), alert.AlertID)
	if got.Status != StatusActive {
		t.Fatalf("fired rule auto-resolved, status = %s", got.Status)
	}

	// A different key clears: this alert is untouched.
	other := testKey
	other.MetricType = "ph_level"
	l.AutoResolve(context.Background(), other, nil)
	got, _ = store.GetAlert(context.Background(), alert.AlertID)
	if got.Status != StatusActive {
		t.Fatalf("foreign key auto-resolved this alert, status = %s", got.Status)
	}
}

func TestRestoreAdoptsOpenAlerts(t *testing.T) {
	store := newMemAlertStore()
	seeded := Alert{
		AlertID:     "alert-old",
		RuleID:      "rule-1",
		SystemID:    testKey.SystemID,
		MetricType:  testKey.MetricType,
		Status:      StatusActive,
		Severity:    rules.SeverityHigh,
		CreatedAt:   time.Date(2026, 3, 13, 9, 0, 0, 0, time.UTC),
		LastFiredAt: time.Date(2026, 3, 13, 9, 0, 0, 0, time.UTC),
	}
	store.alerts[seeded.AlertID] = seeded

	l, _ := newTestLifecycle(store, &countingNotifier{}, 1)
	if err := l.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}

	// The restored alert occupies the rule slot, so a new event
	// deduplicates onto it instead of opening a second alert.
	alert, created, err := l.Handle(context.Background(), testEvent(time.Hour))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if created {
		t.Fatal("restored open alert should block a new create")
	}
	if alert.AlertID != "alert-old" {
		t.Fatalf("deduplicated onto %s, want alert-old", alert.AlertID)
	}
}

func TestNotificationFailureDoesNotBlockState(t *testing.T) {
	store := newMemAlertStore()
	notifier := &countingNotifier{fail: fmt.Errorf("broker down")}
	l, _ := newTestLifecycle(store, notifier, 1)

	alert, created, err := l.Handle(context.Background(), testEvent(time.Minute))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !created {
		t.Fatal("alert should be created despite notification failure")
	}
	stored, err := store.GetAlert(context.Background(), alert.AlertID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusActive {
		t.Fatalf("status = %s, want active", stored.Status)
	}
}
