// Package velocity provides fixed-bucket rolling-window counters for
// rule velocity checks.
package velocity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/opensource-finance/kestrel/internal/condition"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrUnavailable wraps any backing-store failure. The evaluator treats it
// as a degrade signal, never as an evaluation failure.
var ErrUnavailable = errors.New("velocity store unavailable")

// ErrNoDimensionValue is returned when the transaction has no value for
// the configured dimension; there is nothing to count.
var ErrNoDimensionValue = errors.New("velocity dimension value absent")

// Store is the counter backend contract. Increments must be atomic with
// the expiry set (single round trip).
type Store interface {
	// IncrWindow increments key and, when newly created, sets expiry.
	// Returns the count after the increment.
	IncrWindow(ctx context.Context, key string, expiry time.Duration) (int64, error)

	// GetCount returns the current count without mutation; 0 when absent.
	GetCount(ctx context.Context, key string) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Service builds counter keys and enforces windows against a Store.
type Service struct {
	store Store

	// now is swappable so tests can pin window buckets.
	now func() time.Time
}

// NewService creates a velocity service over a counter store.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Check increments the counter for the rule's dimension and returns the
// count against the threshold. Counter keys live in fixed window buckets
// with a 2*W expiry, accepting at most 2x threshold across bucket edges.
func (s *Service) Check(ctx context.Context, rulesetKey string, rule *domain.Rule, tx *domain.Transaction) (domain.VelocityResult, error) {
	key, result, err := s.prepare(rulesetKey, rule, tx)
	if err != nil {
		return result, err
	}

	expiry := time.Duration(2*rule.Velocity.WindowSecs) * time.Second
	count, err := s.store.IncrWindow(ctx, key, expiry)
	if err != nil {
		return result, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	result.CurrentCount = count
	return result, nil
}

// CheckReadOnly returns the current count without mutation. Used by
// replay so that re-evaluation never double-counts.
func (s *Service) CheckReadOnly(ctx context.Context, rulesetKey string, rule *domain.Rule, tx *domain.Transaction) (domain.VelocityResult, error) {
	key, result, err := s.prepare(rulesetKey, rule, tx)
	if err != nil {
		return result, err
	}

	count, err := s.store.GetCount(ctx, key)
	if err != nil {
		return result, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	result.CurrentCount = count
	return result, nil
}

// Ping checks counter store connectivity.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// BuildKey returns the deterministic counter key:
// vel:{ruleset_key}:{rule_id}:{dimension}:{dimension_value_hash}:{window_bucket}
func (s *Service) BuildKey(rulesetKey string, rule *domain.Rule, tx *domain.Transaction) (string, error) {
	key, _, err := s.prepare(rulesetKey, rule, tx)
	return key, err
}

func (s *Service) prepare(rulesetKey string, rule *domain.Rule, tx *domain.Transaction) (string, domain.VelocityResult, error) {
	vc := rule.Velocity
	result := domain.VelocityResult{
		Dimension:  vc.Dimension,
		Threshold:  vc.Threshold,
		WindowSecs: vc.WindowSecs,
	}

	dimValue, ok := dimensionValue(tx, vc.Dimension)
	if !ok {
		return "", result, ErrNoDimensionValue
	}

	fingerprint := Fingerprint(dimValue)
	bucket := s.now().Unix() / vc.WindowSecs

	result.KeyFingerprint = fingerprint
	result.WindowBucket = bucket

	key := "vel:" + rulesetKey + ":" + rule.ID + ":" + vc.Dimension + ":" +
		fingerprint + ":" + strconv.FormatInt(bucket, 10)
	return key, result, nil
}

// Fingerprint hashes a dimension value so raw card hashes and device ids
// never appear in counter keys or decision payloads.
func Fingerprint(value string) string {
	return strconv.FormatUint(xxhash.Sum64String(value), 16)
}

func dimensionValue(tx *domain.Transaction, dimension string) (string, bool) {
	v := condition.Extract(tx, dimension)
	if v.Presence != condition.Present {
		return "", false
	}
	switch v.Kind {
	case condition.KindString:
		return v.Str, v.Str != ""
	case condition.KindNumber:
		return v.Num.String(), true
	default:
		return "", false
	}
}
