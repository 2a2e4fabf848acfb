package fields

import "strings"

// ValueType is the declared type of a filterable field or a rule's
// literal.
type ValueType string

const (
	ValueString  ValueType = "string"
	ValueNumber  ValueType = "number"
	ValueBoolean ValueType = "boolean"
)

// Operator is one member of the fixed filter operator set (§4.1).
type Operator string

const (
	OpExists        Operator = "exists"
	OpDoesNotExist  Operator = "doesNotExist"
	OpEquals        Operator = "equals"
	OpContains      Operator = "contains"
	OpStartsWith    Operator = "startsWith"
	OpEndsWith      Operator = "endsWith"
	OpGreaterThan   Operator = "greaterThan"
	OpLessThan      Operator = "lessThan"
)

// ValidForType reports whether op is declared for fieldType.
func (op Operator) ValidForType(fieldType ValueType) bool {
	switch op {
	case OpExists, OpDoesNotExist:
		return true
	case OpEquals:
		return true
	case OpContains, OpStartsWith, OpEndsWith:
		return fieldType == ValueString
	case OpGreaterThan, OpLessThan:
		return fieldType == ValueNumber
	default:
		return false
	}
}

// IsOperator reports whether s names a known operator.
func IsOperator(s string) bool {
	switch Operator(s) {
	case OpExists, OpDoesNotExist, OpEquals, OpContains, OpStartsWith, OpEndsWith, OpGreaterThan, OpLessThan:
		return true
	default:
		return false
	}
}

// Evaluate applies op to subject (nil meaning "not present") against
// literal. Non-matching subject/literal types yield false rather than
// an error: the compiler already rejected operator/type mismatches at
// compile time, so at evaluation time a false is just "does not match".
func Evaluate(op Operator, subject any, literal any) bool {
	if subject == nil {
		switch op {
		case OpExists:
			return false
		case OpDoesNotExist:
			return true
		default:
			return false
		}
	}

	switch op {
	case OpExists:
		return true
	case OpDoesNotExist:
		return false
	case OpEquals:
		return equalValues(subject, literal)
	case OpContains, OpStartsWith, OpEndsWith:
		s, ok1 := subject.(string)
		l, ok2 := literal.(string)
		if !ok1 || !ok2 {
			return false
		}
		switch op {
		case OpContains:
			return strings.Contains(s, l)
		case OpStartsWith:
			return strings.HasPrefix(s, l)
		default:
			return strings.HasSuffix(s, l)
		}
	case OpGreaterThan, OpLessThan:
		s, ok1 := asFloat(subject)
		l, ok2 := asFloat(literal)
		if !ok1 || !ok2 {
			return false
		}
		if op == OpGreaterThan {
			return s > l
		}
		return s < l
	default:
		return false
	}
}

func equalValues(subject, literal any) bool {
	switch s := subject.(type) {
	case string:
		l, ok := literal.(string)
		return ok && s == l
	case bool:
		l, ok := literal.(bool)
		return ok && s == l
	default:
		sf, ok1 := asFloat(subject)
		lf, ok2 := asFloat(literal)
		return ok1 && ok2 && sf == lf
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
