package domain

import (
	"context"
	"time"
)

// RulesetStore persists compiled ruleset documents. Rulesets arrive
// already compiled (JSON); the store only versions and serves them.
type RulesetStore interface {
	// SaveRuleset stores a compiled ruleset document under
	// (country, key, version). Idempotent for identical versions.
	SaveRuleset(ctx context.Context, rs *Ruleset) error

	// GetRuleset fetches one exact version. Returns ErrNotFound-wrapped
	// errors from implementations when the document is missing.
	GetRuleset(ctx context.Context, country, key string, version int64) (*Ruleset, error)

	// GetLatestVersion returns the highest stored version, 0 when none.
	GetLatestVersion(ctx context.Context, country, key string) (int64, error)

	// ListRulesets enumerates stored documents (metadata only).
	ListRulesets(ctx context.Context) ([]RulesetInfo, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RulesetInfo is store metadata for one ruleset document.
type RulesetInfo struct {
	Country        string    `json:"country"`
	Key            string    `json:"key"`
	Version        int64     `json:"version"`
	EvaluationType string    `json:"evaluation_type"`
	RuleCount      int       `json:"rule_count"`
	CreatedAt      time.Time `json:"created_at"`
}
