// Package planner implements the Log Plan Compiler (§4.3): it combines
// the firehose configuration and the caller-declared routes into an
// immutable, ordered list of CompiledLogRoute. Compilation happens once
// per process start; nothing downstream ever mutates the result.
package planner

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/fluxlog/logpipe/core/fields"
	"github.com/fluxlog/logpipe/core/filter"
	"github.com/fluxlog/logpipe/core/routeconfig"
)

// LogRouteConfig is a caller-declared destination table.
type LogRouteConfig struct {
	TableName           string
	Filter              []byte // nullable raw JSON rule-group list
	Columns             []string
	RetentionDays       int
	PruningIntervalDays int
}

// FirehoseConfig configures the mandatory route synthesized at plan
// index 0.
type FirehoseConfig struct {
	TableName           string
	Filter              []byte
	RetentionDays       int
	PruningIntervalDays int
}

// CompiledLogRoute is one entry of the immutable, process-lifetime plan.
type CompiledLogRoute struct {
	TableName           string
	Predicate           filter.Predicate
	Schema              []fields.Column
	SchemaHash          string
	RetentionDays       int
	PruningIntervalDays int
}

// ConfigError is a plan-compile-time failure that must fail the whole
// plan (§7): a missing tableName, an unknown column, or malformed
// filter JSON. It is distinct from a filter compile failure (§4.2),
// which degrades only the offending route to deny-all.
type ConfigError struct {
	TableName string
	Reason    string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("planner: route %q: %s", e.TableName, e.Reason)
}

// Compile builds the ordered plan: the firehose route at index 0, then
// the user routes in declaration order.
func Compile(firehose FirehoseConfig, userRoutes []LogRouteConfig) ([]CompiledLogRoute, error) {
	routes := make([]LogRouteConfig, 0, len(userRoutes)+1)
	routes = append(routes, LogRouteConfig{
		TableName:           firehose.TableName,
		Filter:              firehose.Filter,
		Columns:             nil, // full MasterSchema
		RetentionDays:       firehose.RetentionDays,
		PruningIntervalDays: firehose.PruningIntervalDays,
	})
	routes = append(routes, userRoutes...)

	plan := make([]CompiledLogRoute, 0, len(routes))
	for _, route := range routes {
		compiled, err := compileRoute(route)
		if err != nil {
			return nil, err
		}
		plan = append(plan, compiled)
	}
	return plan, nil
}

func compileRoute(route LogRouteConfig) (CompiledLogRoute, error) {
	if route.TableName == "" {
		return CompiledLogRoute{}, &ConfigError{TableName: route.TableName, Reason: "missing tableName"}
	}

	schema, err := fields.Subset(route.Columns)
	if err != nil {
		return CompiledLogRoute{}, &ConfigError{TableName: route.TableName, Reason: err.Error()}
	}

	groups, err := routeconfig.ParseRuleGroups(route.Filter)
	if err != nil {
		return CompiledLogRoute{}, &ConfigError{TableName: route.TableName, Reason: err.Error()}
	}

	return CompiledLogRoute{
		TableName:           route.TableName,
		Predicate:           filter.CompileOrDenyAll(route.TableName, groups),
		Schema:              schema,
		SchemaHash:           schemaFingerprint(schema),
		RetentionDays:       route.RetentionDays,
		PruningIntervalDays: route.PruningIntervalDays,
	}, nil
}

// schemaFingerprint computes a deterministic 16-character hash over the
// ordered {name,type,constraints,indexed} tuples of schema (§8 property
// 1): identical ordered schemas hash identically across processes and
// platforms.
func schemaFingerprint(schema []fields.Column) string {
	h := sha256.New()
	for _, c := range schema {
		h.Write([]byte(c.Name))
		h.Write([]byte{0})
		h.Write([]byte(c.Type))
		h.Write([]byte{0})
		h.Write([]byte(c.Constraints))
		h.Write([]byte{0})
		h.Write([]byte(strconv.FormatBool(c.Indexed)))
		h.Write([]byte{1})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
