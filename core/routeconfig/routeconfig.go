// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package routeconfig validates the shape of a raw LogRouteConfig.filter
// JSON value before it ever reaches the filter compiler. It catches
// malformed filter JSON (wrong nesting, multi-operator groups, non-scalar
// literals) as a ConfigError at plan-compile time, leaving unknown-field
// and operator/type-mismatch checks to the compiler itself, which is the
// only place that knows the field schema.
package routeconfig

import (
	_ "embed"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/filter_rule.json
var filterRuleSchemaJSON string

const filterRuleSchemaID = "https://fluxlog/schemas/filter-rule-groups.json"

var filterRuleSchema *gojsonschema.Schema

func init() {
	sl := gojsonschema.NewSchemaLoader()
	schema, err := sl.Compile(gojsonschema.NewStringLoader(filterRuleSchemaJSON))
	if err != nil {
		panic(fmt.Errorf("routeconfig: cannot compile embedded schema %s: %w", filterRuleSchemaID, err))
	}
	filterRuleSchema = schema
}

// ValidateFilterJSON checks raw against the filter rule-group shape: null,
// or an array of non-empty single-operator-per-field objects. It does not
// know about MasterSchema field names or operator/type compatibility;
// those checks belong to the filter compiler.
func ValidateFilterJSON(raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	result, err := filterRuleSchema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("validate filter JSON: %w", err)
	}
	if !result.Valid() {
		msg := "malformed filter JSON:\n"
		for _, e := range result.Errors() {
			msg += fmt.Sprintf("- %s\n", e)
		}
		return errConfig(msg)
	}
	return nil
}

// ParseRuleGroups validates raw and decodes it into an ordered list of
// rule groups, each a fieldKey -> {operator: literal} map, preserving the
// OR-of-AND-groups structure described for LogRouteConfig.filter.
func ParseRuleGroups(raw []byte) ([]map[string]map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if err := ValidateFilterJSON(raw); err != nil {
		return nil, err
	}
	var groups []map[string]map[string]any
	if err := json.Unmarshal(raw, &groups); err != nil {
		return nil, errConfig(fmt.Sprintf("malformed filter JSON: %s", err))
	}
	return groups, nil
}

// errConfig is a distinguishable ConfigError: invalid route configuration
// that must fail plan compilation rather than degrade a single route.
type errConfig string

func (e errConfig) Error() string { return string(e) }

// IsConfigError reports whether err is a ConfigError raised by this
// package.
func IsConfigError(err error) bool {
	_, ok := err.(errConfig)
	return ok
}
