package domain

import (
	"encoding/json"
	"testing"
)

func TestTransactionUnmarshalCapturesExtras(t *testing.T) {
	body := `{
		"transaction_id": "tx-1",
		"amount": 99.95,
		"currency": "USD",
		"channel": "ecommerce",
		"risk_score": 42,
		"metadata": {"issuer": "test-bank"}
	}`

	var tx Transaction
	if err := json.Unmarshal([]byte(body), &tx); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if tx.TransactionID != "tx-1" || tx.Currency != "USD" {
		t.Errorf("typed fields not decoded: %+v", tx)
	}
	if tx.Amount == nil || tx.Amount.String() != "99.95" {
		t.Errorf("amount not decoded: %v", tx.Amount)
	}

	if tx.Extra["channel"] != "ecommerce" {
		t.Errorf("extra channel not captured: %v", tx.Extra)
	}
	if tx.Extra["risk_score"] != 42.0 {
		t.Errorf("extra risk_score not captured: %v", tx.Extra)
	}
	if _, captured := tx.Extra["metadata"]; !captured {
		t.Error("structured extra not captured")
	}
	// Typed fields never leak into Extra.
	if _, leaked := tx.Extra["currency"]; leaked {
		t.Error("typed field duplicated into Extra")
	}
}

func TestTransactionMarshalRoundTrip(t *testing.T) {
	body := `{"transaction_id":"tx-2","currency":"EUR","channel":"pos"}`

	var tx Transaction
	if err := json.Unmarshal([]byte(body), &tx); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	out, err := json.Marshal(&tx)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var again Transaction
	if err := json.Unmarshal(out, &again); err != nil {
		t.Fatalf("re-unmarshal failed: %v", err)
	}
	if again.TransactionID != "tx-2" || again.Currency != "EUR" {
		t.Errorf("typed fields lost in round trip: %+v", again)
	}
	if again.Extra["channel"] != "pos" {
		t.Errorf("extra field lost in round trip: %v", again.Extra)
	}
}

func TestTransactionLookup(t *testing.T) {
	body := `{"transaction_id":"tx-3","currency":"USD","null_field":null}`

	var tx Transaction
	if err := json.Unmarshal([]byte(body), &tx); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if v, ok := tx.Lookup("currency"); !ok || v != "USD" {
		t.Errorf("Lookup(currency) = %v, %v", v, ok)
	}
	if _, ok := tx.Lookup("amount"); ok {
		t.Error("absent typed field should not be present")
	}
	if _, ok := tx.Lookup("missing_extra"); ok {
		t.Error("absent extra field should not be present")
	}

	// Supplied-but-null extras are present with a nil value.
	if v, ok := tx.Lookup("null_field"); !ok || v != nil {
		t.Errorf("Lookup(null_field) = %v, %v; want nil, true", v, ok)
	}
}

func TestNormalizeDecision(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"APPROVE", DecisionApprove},
		{"approve", DecisionApprove},
		{" Decline ", DecisionDecline},
		{"REVIEW", ""},
		{"MAYBE", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeDecision(tt.in); got != tt.want {
			t.Errorf("NormalizeDecision(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
