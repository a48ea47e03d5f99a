package engine

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// newCELEnv declares the variables precompiled predicates can reference.
// Typed fields get first-class names; everything else rides on the tx map.
func newCELEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("tx", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("country_code", cel.StringType),
		cel.Variable("merchant_id", cel.StringType),
		cel.Variable("merchant_name", cel.StringType),
		cel.Variable("merchant_category_code", cel.StringType),
		cel.Variable("card_hash", cel.StringType),
		cel.Variable("device_id", cel.StringType),
		cel.Variable("transaction_type", cel.StringType),
	)
}

// PrepareRuleset validates each rule and compiles its optional CEL
// expression into its Predicate. Passed to the registry as its PrepareFunc
// so the work runs exactly once per registered ruleset version; a returned
// error fails the load and keeps the previous version serving.
func (e *Evaluator) PrepareRuleset(rs *domain.Ruleset) error {
	for i := range rs.Rules {
		rule := &rs.Rules[i]
		if err := validateVelocity(rule); err != nil {
			return err
		}
		if rule.Expression == "" {
			continue
		}

		ast, issues := e.env.Compile(rule.Expression)
		if issues != nil && issues.Err() != nil {
			return fmt.Errorf("rule %s: compile expression: %w", rule.ID, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return fmt.Errorf("rule %s: expression must return bool, got %s", rule.ID, ast.OutputType())
		}

		program, err := e.env.Program(ast)
		if err != nil {
			return fmt.Errorf("rule %s: create program: %w", rule.ID, err)
		}

		rule.Predicate = func(tx *domain.Transaction) (bool, error) {
			out, _, err := program.Eval(activation(tx))
			if err != nil {
				// Same rule as the condition path: a field the
				// transaction does not carry never matches.
				if isMissingField(err) {
					return false, nil
				}
				return false, err
			}
			matched, ok := out.Value().(bool)
			if !ok {
				return false, fmt.Errorf("expression returned %T, want bool", out.Value())
			}
			return matched, nil
		}
	}
	return nil
}

// validateVelocity rejects velocity configs that could never count: the
// window divides the clock into buckets, so zero would divide by zero at
// evaluation time.
func validateVelocity(rule *domain.Rule) error {
	vc := rule.Velocity
	if vc == nil {
		return nil
	}
	if vc.Dimension == "" {
		return fmt.Errorf("rule %s: velocity dimension is required", rule.ID)
	}
	if vc.WindowSecs <= 0 {
		return fmt.Errorf("rule %s: velocity window_seconds must be positive, got %d", rule.ID, vc.WindowSecs)
	}
	if vc.Threshold <= 0 {
		return fmt.Errorf("rule %s: velocity threshold must be positive, got %d", rule.ID, vc.Threshold)
	}
	return nil
}

// activation builds the CEL variable bindings for one transaction. Unset
// typed fields are omitted rather than bound to zero values, so that a
// predicate like `amount < 100.0` cannot match a transaction that carries
// no amount at all.
func activation(tx *domain.Transaction) map[string]any {
	txMap := map[string]any{
		"transaction_id": tx.TransactionID,
	}
	act := map[string]any{
		"tx": txMap,
	}

	if tx.Amount != nil {
		amount := tx.Amount.InexactFloat64()
		txMap["amount"] = amount
		act["amount"] = amount
	}
	for name, value := range map[string]string{
		"currency":               tx.Currency,
		"country_code":           tx.CountryCode,
		"merchant_id":            tx.MerchantID,
		"merchant_name":          tx.MerchantName,
		"merchant_category_code": tx.MerchantCategoryCode,
		"card_hash":              tx.CardHash,
		"device_id":              tx.DeviceID,
		"transaction_type":       tx.TransactionType,
	} {
		if value != "" {
			txMap[name] = value
			act[name] = value
		}
	}
	for k, v := range tx.Extra {
		txMap[k] = v
	}

	return act
}

// isMissingField reports whether a CEL evaluation error came from an
// unbound variable or a missing tx map key.
func isMissingField(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "no such attribute") || strings.Contains(msg, "no such key")
}
