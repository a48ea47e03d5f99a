// Package domain defines the core types and interfaces for Kestrel.
package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is the envelope submitted for evaluation. Known fields are
// typed; anything else in the request body is preserved in Extra so that
// conditions can reference fields the engine has never heard of.
type Transaction struct {
	// Required
	TransactionID string    `json:"transaction_id"`
	OccurredAt    time.Time `json:"occurred_at"`

	// Optional typed fields used by conditions
	Amount               *decimal.Decimal `json:"amount,omitempty"`
	Currency             string           `json:"currency,omitempty"`
	CountryCode          string           `json:"country_code,omitempty"`
	MerchantID           string           `json:"merchant_id,omitempty"`
	MerchantName         string           `json:"merchant_name,omitempty"`
	MerchantCategoryCode string           `json:"merchant_category_code,omitempty"`
	CardHash             string           `json:"card_hash,omitempty"`
	DeviceID             string           `json:"device_id,omitempty"`
	TransactionType      string           `json:"transaction_type,omitempty"`

	// MONITORING only: the decision already taken upstream.
	Decision string `json:"decision,omitempty"`

	// Optional override of the default ruleset key for the evaluation type.
	RulesetKey string `json:"ruleset_key,omitempty"`

	// Extra holds every field the typed schema does not know about.
	Extra map[string]any `json:"-"`
}

// transactionAlias avoids UnmarshalJSON recursion.
type transactionAlias Transaction

// knownTransactionFields are stripped from the raw body before the rest is
// stashed in Extra.
var knownTransactionFields = map[string]struct{}{
	"transaction_id": {}, "occurred_at": {}, "amount": {}, "currency": {},
	"country_code": {}, "merchant_id": {}, "merchant_name": {},
	"merchant_category_code": {}, "card_hash": {}, "device_id": {},
	"transaction_type": {}, "decision": {}, "ruleset_key": {},
}

// UnmarshalJSON decodes the typed fields and captures unknown fields into
// Extra. Unknown fields never cause failure.
func (t *Transaction) UnmarshalJSON(data []byte) error {
	var alias transactionAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*t = Transaction(alias)
	for name, value := range raw {
		if _, known := knownTransactionFields[name]; known {
			continue
		}
		var v any
		if err := json.Unmarshal(value, &v); err != nil {
			// Undecodable extras are dropped, not fatal.
			continue
		}
		if t.Extra == nil {
			t.Extra = make(map[string]any)
		}
		t.Extra[name] = v
	}
	return nil
}

// MarshalJSON emits the typed fields plus the preserved extras.
func (t *Transaction) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(transactionAlias(*t))
	if err != nil {
		return nil, err
	}
	if len(t.Extra) == 0 {
		return base, nil
	}

	var merged map[string]any
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for name, v := range t.Extra {
		if _, known := knownTransactionFields[name]; known {
			continue
		}
		merged[name] = v
	}
	return json.Marshal(merged)
}

// Lookup returns the raw value for a field name and whether the field is
// present on the envelope. Presence only; typing and coercion are the
// condition extractor's job. A nil value with ok=true means the field was
// supplied but null.
func (t *Transaction) Lookup(field string) (any, bool) {
	switch field {
	case "transaction_id":
		return stringField(t.TransactionID)
	case "occurred_at":
		if t.OccurredAt.IsZero() {
			return nil, false
		}
		return t.OccurredAt, true
	case "amount":
		if t.Amount == nil {
			return nil, false
		}
		return *t.Amount, true
	case "currency":
		return stringField(t.Currency)
	case "country_code":
		return stringField(t.CountryCode)
	case "merchant_id":
		return stringField(t.MerchantID)
	case "merchant_name":
		return stringField(t.MerchantName)
	case "merchant_category_code":
		return stringField(t.MerchantCategoryCode)
	case "card_hash":
		return stringField(t.CardHash)
	case "device_id":
		return stringField(t.DeviceID)
	case "transaction_type":
		return stringField(t.TransactionType)
	case "decision":
		return stringField(t.Decision)
	default:
		v, ok := t.Extra[field]
		return v, ok
	}
}

func stringField(s string) (any, bool) {
	if s == "" {
		return nil, false
	}
	return s, true
}
