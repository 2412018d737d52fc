// Package conditions evaluates trigger and condition-node predicates
// against an execution context. Evaluation is pure and never returns an
// error: conditions that cannot be evaluated degrade to false so a stale
// re-hydrated context on resume can never crash a run.
package conditions

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/acadio/automation/pkg/models"
)

// Evaluate applies every condition to the context and combines the results
// with the given logic. An empty condition list evaluates true, so a bare
// trigger always fires.
func Evaluate(conds []models.Condition, logic models.ConditionLogic, context map[string]any) bool {
	if len(conds) == 0 {
		return true
	}

	for _, cond := range conds {
		matched := evaluateOne(cond, context)

		if logic == models.LogicOr && matched {
			return true
		}

		if logic != models.LogicOr && !matched {
			return false
		}
	}

	return logic != models.LogicOr
}

func evaluateOne(cond models.Condition, context map[string]any) bool {
	value, found := Resolve(context, cond.Field)

	switch cond.Operator {
	case models.OperatorIsEmpty:
		return isEmpty(value, found)
	case models.OperatorIsNotEmpty:
		return !isEmpty(value, found)
	case models.OperatorEquals:
		return found && looseEqual(value, cond.Value)
	case models.OperatorNotEquals:
		return !found || !looseEqual(value, cond.Value)
	case models.OperatorGreaterThan:
		return compareNumeric(value, cond.Value, found, func(a, b float64) bool { return a > b })
	case models.OperatorLessThan:
		return compareNumeric(value, cond.Value, found, func(a, b float64) bool { return a < b })
	case models.OperatorGreaterOrEqual:
		return compareNumeric(value, cond.Value, found, func(a, b float64) bool { return a >= b })
	case models.OperatorLessOrEqual:
		return compareNumeric(value, cond.Value, found, func(a, b float64) bool { return a <= b })
	case models.OperatorContains:
		return found && contains(value, cond.Value)
	default:
		return false
	}
}

// Resolve walks a dotted path through nested maps in the context. The
// second return reports whether the full path exists.
func Resolve(context map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}

	var current any = context

	for _, segment := range strings.Split(path, ".") {
		asMap, ok := toStringMap(current)
		if !ok {
			return nil, false
		}

		current, ok = asMap[segment]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

func toStringMap(value any) (map[string]any, bool) {
	switch m := value.(type) {
	case map[string]any:
		return m, true
	default:
		return nil, false
	}
}

func isEmpty(value any, found bool) bool {
	if !found || value == nil {
		return true
	}

	switch v := value.(type) {
	case string:
		return v == ""
	case []any:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	default:
		return false
	}
}

// looseEqual compares with numeric coercion so a JSON 2 and 2.0 compare
// equal, falling back to string comparison and reflect.DeepEqual.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}

	as, aok := a.(string)
	bs, bok := b.(string)

	if aok && bok {
		return as == bs
	}

	return reflect.DeepEqual(a, b)
}

func compareNumeric(value, operand any, found bool, cmp func(a, b float64) bool) bool {
	if !found {
		return false
	}

	a, aok := toFloat(value)
	b, bok := toFloat(operand)

	// Coercion failure makes the single condition false, never an error.
	if !aok || !bok {
		return false
	}

	return cmp(a, b)
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)

		return f, err == nil
	default:
		return 0, false
	}
}

// contains is substring match for strings and membership for sequences.
func contains(value, operand any) bool {
	switch v := value.(type) {
	case string:
		return strings.Contains(v, fmt.Sprintf("%v", operand))
	case []any:
		for _, item := range v {
			if looseEqual(item, operand) {
				return true
			}
		}

		return false
	default:
		return false
	}
}
