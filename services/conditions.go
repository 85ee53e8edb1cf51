package services

import (
	"reflect"

	"crmflow/models"
)

type operator func(field, value interface{}) bool

var operators = map[models.ConditionOp]operator{
	models.OpEq: strictEqual,
	models.OpNeq: func(field, value interface{}) bool {
		return !strictEqual(field, value)
	},
	models.OpContains: func(field, value interface{}) bool {
		for _, item := range listItems(field) {
			if strictEqual(item, value) {
				return true
			}
		}
		return false
	},
}

// EvaluateConditions reports whether every condition holds for entity. An
// empty list holds; an unknown operator fails the whole conjunction.
func EvaluateConditions(entity map[string]interface{}, conditions []models.Condition) bool {
	for _, cond := range conditions {
		op, ok := operators[cond.Op]
		if !ok {
			return false
		}
		if !op(entity[cond.Field], cond.Value) {
			return false
		}
	}
	return true
}

// strictEqual compares scalars without type coercion. Numbers of any Go
// numeric type compare by value; lists and maps are never equal.
func strictEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}

	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}

	ta := reflect.TypeOf(a)
	if !ta.Comparable() || ta != reflect.TypeOf(b) {
		return false
	}
	return a == b
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func listItems(v interface{}) []interface{} {
	switch list := v.(type) {
	case []interface{}:
		return list
	case []string:
		items := make([]interface{}, len(list))
		for i, s := range list {
			items[i] = s
		}
		return items
	}
	return nil
}
