package rules

import (
	"context"
	"sync"

	"enviroguard-backend/internal/telemetry"
)

// MemorySource is an in-process rule store, used when rules are pushed
// to the engine over the bus or seeded from configuration.
type MemorySource struct {
	mu    sync.RWMutex
	rules map[telemetry.Key][]Rule
}

func NewMemorySource() *MemorySource {
	return &MemorySource{rules: map[telemetry.Key][]Rule{}}
}

// Upsert validates the rule and replaces any stored rule with the same
// id under the same key.
func (s *MemorySource) Upsert(rule Rule) error {
	if err := ValidateRule(rule); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rule.Key()
	existing := s.rules[key]
	for i, r := range existing {
		if r.RuleID == rule.RuleID {
			existing[i] = rule
			return nil
		}
	}
	s.rules[key] = append(existing, rule)
	return nil
}

func (s *MemorySource) Remove(key telemetry.Key, ruleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.rules[key]
	for i, r := range existing {
		if r.RuleID == ruleID {
			s.rules[key] = append(existing[:i], existing[i+1:]...)
			return
		}
	}
}

func (s *MemorySource) RulesFor(ctx context.Context, key telemetry.Key) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.rules[key]
	out := make([]Rule, len(stored))
	copy(out, stored)
	return out, nil
}
