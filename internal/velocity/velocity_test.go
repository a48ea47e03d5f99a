package velocity

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func velocityRule(dimension string, windowSecs, threshold int64) *domain.Rule {
	return &domain.Rule{
		ID:      "r-velocity",
		Enabled: true,
		Action:  domain.DecisionApprove,
		Velocity: &domain.VelocityConfig{
			Dimension:  dimension,
			WindowSecs: windowSecs,
			Threshold:  threshold,
			Action:     domain.DecisionDecline,
		},
	}
}

func velocityTx() *domain.Transaction {
	return &domain.Transaction{
		TransactionID: "tx-100",
		CardHash:      "cardhash-xyz",
		DeviceID:      "device-7",
	}
}

func TestBuildKeyDeterministic(t *testing.T) {
	svc := NewService(NewMemoryStore())
	fixed := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	rule := velocityRule("card_hash", 60, 5)
	tx := velocityTx()

	key1, err := svc.BuildKey("CARD_AUTH", rule, tx)
	if err != nil {
		t.Fatalf("BuildKey failed: %v", err)
	}
	key2, err := svc.BuildKey("CARD_AUTH", rule, tx)
	if err != nil {
		t.Fatalf("BuildKey failed: %v", err)
	}

	if key1 != key2 {
		t.Errorf("keys differ for identical inputs: %s vs %s", key1, key2)
	}
	if !strings.HasPrefix(key1, "vel:CARD_AUTH:r-velocity:card_hash:") {
		t.Errorf("unexpected key shape: %s", key1)
	}
	// Raw dimension value never appears in the key.
	if strings.Contains(key1, "cardhash-xyz") {
		t.Errorf("key leaks raw dimension value: %s", key1)
	}

	// Same window bucket for any instant inside the same 60s window.
	svc.now = func() time.Time { return fixed.Add(30 * time.Second) }
	key3, _ := svc.BuildKey("CARD_AUTH", rule, tx)
	if key3 != key1 {
		t.Errorf("same bucket produced different keys: %s vs %s", key1, key3)
	}

	// Next window, different key.
	svc.now = func() time.Time { return fixed.Add(61 * time.Second) }
	key4, _ := svc.BuildKey("CARD_AUTH", rule, tx)
	if key4 == key1 {
		t.Errorf("new bucket should produce a new key: %s", key4)
	}
}

func TestCheckIncrements(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()
	rule := velocityRule("card_hash", 60, 2)
	tx := velocityTx()

	for i := int64(1); i <= 3; i++ {
		result, err := svc.Check(ctx, "CARD_AUTH", rule, tx)
		if err != nil {
			t.Fatalf("Check %d failed: %v", i, err)
		}
		if result.CurrentCount != i {
			t.Errorf("check %d: expected count %d, got %d", i, i, result.CurrentCount)
		}
		if exceeded := result.Exceeded(); exceeded != (i > 2) {
			t.Errorf("check %d: Exceeded() = %v", i, exceeded)
		}
	}
}

func TestCheckReadOnlyDoesNotMutate(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()
	rule := velocityRule("card_hash", 60, 5)
	tx := velocityTx()

	if _, err := svc.Check(ctx, "CARD_AUTH", rule, tx); err != nil {
		t.Fatalf("Check failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		result, err := svc.CheckReadOnly(ctx, "CARD_AUTH", rule, tx)
		if err != nil {
			t.Fatalf("CheckReadOnly failed: %v", err)
		}
		if result.CurrentCount != 1 {
			t.Errorf("read-only check mutated the counter: got %d", result.CurrentCount)
		}
	}
}

func TestCheckMissingDimension(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()
	rule := velocityRule("device_id", 60, 5)
	tx := &domain.Transaction{TransactionID: "tx-101"} // no device_id

	_, err := svc.Check(ctx, "CARD_AUTH", rule, tx)
	if !errors.Is(err, ErrNoDimensionValue) {
		t.Errorf("expected ErrNoDimensionValue, got %v", err)
	}
}

func TestCheckUnavailable(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()
	rule := velocityRule("card_hash", 60, 5)
	tx := velocityTx()

	store.SetFailing(true)

	_, err := svc.Check(ctx, "CARD_AUTH", rule, tx)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("Check: expected ErrUnavailable, got %v", err)
	}

	_, err = svc.CheckReadOnly(ctx, "CARD_AUTH", rule, tx)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("CheckReadOnly: expected ErrUnavailable, got %v", err)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	if _, err := store.IncrWindow(ctx, "k", 120*time.Second); err != nil {
		t.Fatalf("IncrWindow failed: %v", err)
	}

	count, _ := store.GetCount(ctx, "k")
	if count != 1 {
		t.Errorf("expected count 1, got %d", count)
	}

	// Past expiry the counter resets.
	now = now.Add(121 * time.Second)
	count, _ = store.GetCount(ctx, "k")
	if count != 0 {
		t.Errorf("expected expired counter to read 0, got %d", count)
	}

	after, _ := store.IncrWindow(ctx, "k", 120*time.Second)
	if after != 1 {
		t.Errorf("expected fresh counter to restart at 1, got %d", after)
	}
}
