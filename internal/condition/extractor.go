// Package condition implements the pure operator algebra rules are built
// from: a three-valued field extractor plus the predicate dispatch.
package condition

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Presence is the three-valued extraction result. Absent and mismatch are
// kept distinct at the extractor boundary; collapsing either to "false" is
// operator dispatch policy, not extraction policy.
type Presence int

const (
	Present Presence = iota
	Absent
	Mismatch
)

// Kind tags the extracted value's type.
type Kind int

const (
	KindNone Kind = iota
	KindString
	KindNumber
	KindBool
	KindTime
)

// Value is one extracted field value.
type Value struct {
	Presence Presence
	Kind     Kind

	Str  string
	Num  decimal.Decimal
	Bool bool
	Time time.Time

	// Raw is the original value, kept for debug capture.
	Raw any
}

// Extract pulls a field off the transaction envelope and types it.
// Integer and floating fields widen to decimal. A supplied-but-null field
// is Present with KindNone (exists treats it as absent).
func Extract(tx *domain.Transaction, field string) Value {
	raw, ok := tx.Lookup(field)
	if !ok {
		return Value{Presence: Absent}
	}
	return typeValue(raw)
}

func typeValue(raw any) Value {
	switch v := raw.(type) {
	case nil:
		return Value{Presence: Present, Kind: KindNone}
	case string:
		return Value{Presence: Present, Kind: KindString, Str: v, Raw: v}
	case bool:
		return Value{Presence: Present, Kind: KindBool, Bool: v, Raw: v}
	case time.Time:
		return Value{Presence: Present, Kind: KindTime, Time: v, Raw: v}
	case decimal.Decimal:
		return Value{Presence: Present, Kind: KindNumber, Num: v, Raw: v}
	case float64:
		return Value{Presence: Present, Kind: KindNumber, Num: decimal.NewFromFloat(v), Raw: v}
	case float32:
		return Value{Presence: Present, Kind: KindNumber, Num: decimal.NewFromFloat32(v), Raw: v}
	case int:
		return Value{Presence: Present, Kind: KindNumber, Num: decimal.NewFromInt(int64(v)), Raw: v}
	case int64:
		return Value{Presence: Present, Kind: KindNumber, Num: decimal.NewFromInt(v), Raw: v}
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		if err != nil {
			return Value{Presence: Mismatch, Raw: v}
		}
		return Value{Presence: Present, Kind: KindNumber, Num: d, Raw: v}
	default:
		// Maps, slices and anything else conditions cannot compare.
		return Value{Presence: Mismatch, Raw: v}
	}
}

// asDecimal coerces a condition's literal operand to decimal.
func asDecimal(raw any) (decimal.Decimal, bool) {
	v := typeValue(raw)
	switch {
	case v.Kind == KindNumber:
		return v.Num, true
	case v.Kind == KindString:
		d, err := decimal.NewFromString(v.Str)
		if err != nil {
			return decimal.Decimal{}, false
		}
		return d, true
	default:
		return decimal.Decimal{}, false
	}
}

// asString coerces a condition's literal operand to string.
func asString(raw any) (string, bool) {
	s, ok := raw.(string)
	return s, ok
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
