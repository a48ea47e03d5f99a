package condition

import (
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DebugSink receives per-condition evaluation tuples when debug capture is
// active. A nil sink must add zero cost.
type DebugSink interface {
	RecordCondition(cond domain.Condition, input any, result bool)
}

// Evaluate applies one condition to the transaction. Pure; the only
// observable side effect is the optional debug sink.
//
// Absent-field rule: every operator except exists returns false on an
// absent or type-mismatched field.
func Evaluate(cond domain.Condition, tx *domain.Transaction, sink DebugSink) bool {
	v := Extract(tx, cond.Field)
	result := dispatch(cond, v)
	if sink != nil {
		sink.RecordCondition(cond, v.Raw, result)
	}
	return result
}

func dispatch(cond domain.Condition, v Value) bool {
	if cond.Operator == domain.OpExists {
		return v.Presence == Present && v.Kind != KindNone
	}
	if v.Presence != Present || v.Kind == KindNone {
		return false
	}

	switch cond.Operator {
	case domain.OpEq:
		return equal(v, cond.Value)
	case domain.OpNe:
		return !equal(v, cond.Value)
	case domain.OpGt:
		return compare(v, cond.Value, func(c int) bool { return c > 0 })
	case domain.OpGte:
		return compare(v, cond.Value, func(c int) bool { return c >= 0 })
	case domain.OpLt:
		return compare(v, cond.Value, func(c int) bool { return c < 0 })
	case domain.OpLte:
		return compare(v, cond.Value, func(c int) bool { return c <= 0 })
	case domain.OpIn:
		return contains(v, cond.Values)
	case domain.OpNotIn:
		return !contains(v, cond.Values)
	case domain.OpBetween:
		return between(v, cond.Values)
	case domain.OpContains:
		return stringOp(v, cond.Value, strings.Contains)
	case domain.OpStartsWith:
		return stringOp(v, cond.Value, strings.HasPrefix)
	case domain.OpEndsWith:
		return stringOp(v, cond.Value, strings.HasSuffix)
	default:
		// Unknown operator never matches.
		return false
	}
}

// equal implements semantic equality per field kind: decimals compare by
// value, strings are case-sensitive.
func equal(v Value, operand any) bool {
	switch v.Kind {
	case KindNumber:
		d, ok := asDecimal(operand)
		return ok && v.Num.Equal(d)
	case KindString:
		s, ok := asString(operand)
		return ok && v.Str == s
	case KindBool:
		b, ok := operand.(bool)
		return ok && v.Bool == b
	case KindTime:
		s, ok := asString(operand)
		if !ok {
			return false
		}
		t, err := parseTime(s)
		return err == nil && v.Time.Equal(t)
	default:
		return false
	}
}

// compare handles the ordered operators. Numeric operands coerce to
// decimal before comparing; string fields fall back to lexicographic
// order only against string operands.
func compare(v Value, operand any, ok func(int) bool) bool {
	switch v.Kind {
	case KindNumber:
		d, valid := asDecimal(operand)
		if !valid {
			return false
		}
		return ok(v.Num.Cmp(d))
	case KindTime:
		s, valid := asString(operand)
		if !valid {
			return false
		}
		t, err := parseTime(s)
		if err != nil {
			return false
		}
		return ok(v.Time.Compare(t))
	case KindString:
		s, valid := asString(operand)
		if !valid {
			return false
		}
		return ok(strings.Compare(v.Str, s))
	default:
		return false
	}
}

// contains scans the operand list linearly; lists are small.
func contains(v Value, values []any) bool {
	for _, candidate := range values {
		if equal(v, candidate) {
			return true
		}
	}
	return false
}

// between requires exactly two monotone bounds, inclusive on both ends.
func between(v Value, values []any) bool {
	if len(values) != 2 {
		return false
	}
	switch v.Kind {
	case KindNumber:
		lo, okLo := asDecimal(values[0])
		hi, okHi := asDecimal(values[1])
		if !okLo || !okHi || lo.GreaterThan(hi) {
			return false
		}
		return v.Num.Cmp(lo) >= 0 && v.Num.Cmp(hi) <= 0
	case KindTime:
		loS, okLo := asString(values[0])
		hiS, okHi := asString(values[1])
		if !okLo || !okHi {
			return false
		}
		lo, errLo := parseTime(loS)
		hi, errHi := parseTime(hiS)
		if errLo != nil || errHi != nil || lo.After(hi) {
			return false
		}
		return !v.Time.Before(lo) && !v.Time.After(hi)
	default:
		return false
	}
}

func stringOp(v Value, operand any, op func(string, string) bool) bool {
	if v.Kind != KindString {
		return false
	}
	s, ok := asString(operand)
	return ok && op(v.Str, s)
}
