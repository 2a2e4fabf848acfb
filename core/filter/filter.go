// Package filter compiles a nullable list of rule groups (§3 FilterRule)
// into a predicate over an incoming request. Compilation resolves every
// field key and operator once, up front, so that evaluating the
// predicate on the request path never does a map lookup by field name.
package filter

import (
	"fmt"

	"github.com/fluxlog/logpipe/core/fields"
	"github.com/fluxlog/logpipe/core/logger"
	"github.com/fluxlog/logpipe/core/request"
)

// Predicate decides whether req belongs in a route's destination table.
type Predicate func(req *request.Request) bool

// ConfigError marks a rule that failed to compile: an unknown field key,
// or an operator not valid for the field's declared type.
type ConfigError struct {
	FieldKey string
	Operator string
	Reason   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("filter: %s (field %q, operator %q)", e.Reason, e.FieldKey, e.Operator)
}

type compiledRule struct {
	entry   fields.AccessorEntry
	op      fields.Operator
	literal any
}

// Compile builds a Predicate from groups: multiple keys inside a group
// are AND'd, and the list of groups is OR'd (§4.2). A nil or empty
// groups list compiles to a constant-true predicate.
func Compile(groups []map[string]map[string]any) (Predicate, error) {
	if len(groups) == 0 {
		return func(*request.Request) bool { return true }, nil
	}

	compiledGroups := make([][]compiledRule, 0, len(groups))
	for _, group := range groups {
		var rules []compiledRule
		for fieldKey, ruleMap := range group {
			for opName, literal := range ruleMap {
				if !fields.IsOperator(opName) {
					return nil, &ConfigError{FieldKey: fieldKey, Operator: opName, Reason: "unknown operator"}
				}
				entry, ok := fields.Resolve(fieldKey)
				if !ok {
					return nil, &ConfigError{FieldKey: fieldKey, Operator: opName, Reason: "unknown field"}
				}
				op := fields.Operator(opName)
				if !op.ValidForType(entry.Type) {
					return nil, &ConfigError{FieldKey: fieldKey, Operator: opName, Reason: "operator not valid for field type"}
				}
				rules = append(rules, compiledRule{entry: entry, op: op, literal: literal})
			}
		}
		compiledGroups = append(compiledGroups, rules)
	}

	return func(req *request.Request) bool {
		ctx := fields.NewEvalContext(req)
		for _, rules := range compiledGroups {
			if groupMatches(ctx, rules) {
				return true
			}
		}
		return false
	}, nil
}

func groupMatches(ctx *fields.EvalContext, rules []compiledRule) bool {
	for _, rule := range rules {
		subject, _ := rule.entry.Get(ctx)
		if !fields.Evaluate(rule.op, subject, rule.literal) {
			return false
		}
	}
	return true
}

// CompileOrDenyAll compiles groups for the named route. A compile
// failure never propagates: it is logged and the route degrades to a
// deny-all predicate so the rest of the plan stays active
// (FilterCompileError, §7).
func CompileOrDenyAll(tableName string, groups []map[string]map[string]any) Predicate {
	predicate, err := Compile(groups)
	if err != nil {
		logger.Default().Errorf("[FilterCompiler] FATAL: route %q: %v", tableName, err)
		return func(*request.Request) bool { return false }
	}
	return predicate
}
