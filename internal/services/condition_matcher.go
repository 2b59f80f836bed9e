package services

import (
	"reflect"

	"tradieflow/internal/models"
)

// MatchConditions reports whether every condition key is present in ctx with an
// exactly equal value. No operators, no nested paths, no type coercion.
func MatchConditions(conditions models.Conditions, ctx models.TriggerContext) bool {
	ok, _ := EvaluateConditions(conditions, ctx)
	return ok
}

// EvaluateConditions is MatchConditions that also returns the reason a
// malformed condition was rejected.
func EvaluateConditions(conditions models.Conditions, ctx models.TriggerContext) (bool, error) {
	if len(conditions) == 0 {
		return true, nil
	}
	for key, expected := range conditions {
		if !isScalar(expected) {
			return false, &ConditionEvaluationError{Key: key, Reason: "value must be a string, number, boolean or null"}
		}
		actual, ok := ctx[key]
		if !ok {
			return false, nil
		}
		if !reflect.DeepEqual(normalizeScalar(expected), normalizeScalar(actual)) {
			return false, nil
		}
	}
	return true, nil
}

func isScalar(v interface{}) bool {
	switch v.(type) {
	case nil, string, bool,
		float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return true
	default:
		return false
	}
}

// normalizeScalar maps every numeric kind onto float64, the type JSON decoding
// produces, so 3 from Go code equals 3 from a stored rule. Strings stay strings.
func normalizeScalar(v interface{}) interface{} {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	default:
		return v
	}
}

// validateConditions is used at CRUD time.
func validateConditions(conditions models.Conditions) error {
	for key, v := range conditions {
		if key == "" {
			return newValidationError("trigger_conditions", "condition keys must not be empty")
		}
		if !isScalar(v) {
			return newValidationError("trigger_conditions", "condition %q must be a scalar value", key)
		}
	}
	return nil
}
