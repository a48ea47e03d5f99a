package registry

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// StoreLoader adapts a RulesetStore to the Loader contract.
type StoreLoader struct {
	store domain.RulesetStore
}

// NewStoreLoader wraps a ruleset store.
func NewStoreLoader(store domain.RulesetStore) *StoreLoader {
	return &StoreLoader{store: store}
}

// Load fetches one exact ruleset version from the store.
func (l *StoreLoader) Load(ctx context.Context, country, key string, version int64) (*domain.Ruleset, error) {
	rs, err := l.store.GetRuleset(ctx, country, key, version)
	if err != nil {
		return nil, fmt.Errorf("load ruleset %s/%s v%d: %w", country, key, version, err)
	}
	return rs, nil
}

// StaticLoader serves rulesets from a fixed map. Test and bootstrap use.
type StaticLoader struct {
	rulesets map[string]*domain.Ruleset
}

// NewStaticLoader creates a loader over the given rulesets.
func NewStaticLoader(rulesets ...*domain.Ruleset) *StaticLoader {
	l := &StaticLoader{rulesets: make(map[string]*domain.Ruleset)}
	for _, rs := range rulesets {
		l.Add(rs)
	}
	return l
}

// Add registers one ruleset version with the loader.
func (l *StaticLoader) Add(rs *domain.Ruleset) {
	l.rulesets[staticKey(rs.Country, rs.Key, rs.Version)] = rs
}

// Load returns the matching ruleset or ErrNotFound.
func (l *StaticLoader) Load(ctx context.Context, country, key string, version int64) (*domain.Ruleset, error) {
	rs, ok := l.rulesets[staticKey(country, key, version)]
	if !ok {
		return nil, ErrNotFound
	}
	return rs, nil
}

func staticKey(country, key string, version int64) string {
	return fmt.Sprintf("%s/%s/%d", country, key, version)
}
