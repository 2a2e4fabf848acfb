// Package config decodes the process-wide configuration surface (§6)
// from the environment, the same envdecode struct-tag idiom the teacher
// uses for its service binaries.
package config

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/joeshaw/envdecode"

	"github.com/fluxlog/logpipe/core/planner"
)

// Config is the full §6 configuration surface for a single logpipe
// process.
type Config struct {
	Postgres         string `env:"POSTGRES,required" description:"the connection string for the Postgres DB"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,optional" description:"password to the Postgres DB"`
	PostgresSchema   string `env:"POSTGRES_SCHEMA,optional,default=logpipe" description:"the Postgres schema logpipe's tables live in"`

	LogLevel string `env:"LOG_LEVEL,optional,default=info" description:"logrus level: debug, info, warning, error"`

	Colo string `env:"COLO,optional,default=local" description:"the colo/region identifier attached to metrics and liveness records"`

	// LogHoseTable, LogHoseFilter, LogHoseRetentionDays and
	// LogHosePruningIntervalDays configure the mandatory firehose route
	// synthesized at plan index 0.
	LogHoseTable               string `env:"LOG_HOSE_TABLE,required" description:"destination table for the mandatory firehose route"`
	LogHoseFilter              string `env:"LOG_HOSE_FILTERS,optional" description:"raw JSON rule-group list restricting the firehose route; empty means accept everything"`
	LogHoseRetentionDays       int    `env:"LOG_HOSE_RETENTION_DAYS,optional,default=0" description:"firehose retention window in days; 0 disables pruning"`
	LogHosePruningIntervalDays int    `env:"LOG_HOSE_PRUNING_INTERVAL_DAYS,optional,default=0" description:"minimum days between firehose prune runs"`

	// LogRoutes is a JSON-encoded array of additional caller-declared
	// LogRouteConfig entries (§3), each shaped
	// {"tableName":"...","filter":[...],"columns":[...],"retentionDays":N,"pruningIntervalDays":N}.
	LogRoutes string `env:"LOG_HOSE_ROUTES,optional" description:"JSON array of additional LogRouteConfig entries"`

	BatchIntervalMs string `env:"BATCH_INTERVAL_MS,optional,default=10000" description:"milliseconds between alarm-driven flushes of a non-full buffer"`
	MaxBatchSize    string `env:"MAX_BATCH_SIZE,optional,default=200" description:"row count that triggers an immediate flush"`
	MaxBodySize     int    `env:"MAX_BODY_SIZE,optional,default=65536" description:"maximum captured request body length in characters"`

	AdminSecret        string `env:"ADMIN_SECRET,required" description:"HS256 signing secret for the admin/diagnostics HTTP surface"`
	ListenAddr         string `env:"LISTEN_ADDR,optional,default=:3000" description:"address the HTTP server listens on"`
	HeartbeatMs        int    `env:"HEARTBEAT_MS,optional,default=60000" description:"milliseconds between cron ticks driving the retention check"`
	MetricsBackend     string `env:"METRICS_BACKEND,optional,default=postgres" description:"postgres or kafka"`
	KafkaBrokers       string `env:"KAFKA_BROKERS,optional" description:"comma-separated Kafka broker addresses, required when METRICS_BACKEND=kafka"`
	MetricsTopicPrefix string `env:"METRICS_TOPIC_PREFIX,optional,default=logpipe_" description:"topic name prefix used by the Kafka metrics sink"`
}

// Load decodes Config from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// userRoute is the JSON shape LogRoutes decodes into, mirroring
// planner.LogRouteConfig field-for-field but with the filter carried as
// a raw JSON value instead of []byte (envdecode/json friendliness).
type userRoute struct {
	TableName           string          `json:"tableName"`
	Filter              json.RawMessage `json:"filter"`
	Columns             []string        `json:"columns"`
	RetentionDays       int             `json:"retentionDays"`
	PruningIntervalDays int             `json:"pruningIntervalDays"`
}

// FirehoseConfig builds the planner.FirehoseConfig for the mandatory
// route (§4.3).
func (c *Config) FirehoseConfig() planner.FirehoseConfig {
	return planner.FirehoseConfig{
		TableName:           c.LogHoseTable,
		Filter:              []byte(c.LogHoseFilter),
		RetentionDays:       c.LogHoseRetentionDays,
		PruningIntervalDays: c.LogHosePruningIntervalDays,
	}
}

// UserRoutes decodes LogRoutes into the planner's input shape.
func (c *Config) UserRoutes() ([]planner.LogRouteConfig, error) {
	if c.LogRoutes == "" {
		return nil, nil
	}
	var raw []userRoute
	if err := json.Unmarshal([]byte(c.LogRoutes), &raw); err != nil {
		return nil, fmt.Errorf("config: decode LOG_HOSE_ROUTES: %w", err)
	}
	routes := make([]planner.LogRouteConfig, 0, len(raw))
	for _, r := range raw {
		var filterJSON []byte
		if len(r.Filter) > 0 {
			filterJSON = []byte(r.Filter)
		}
		routes = append(routes, planner.LogRouteConfig{
			TableName:           r.TableName,
			Filter:              filterJSON,
			Columns:             r.Columns,
			RetentionDays:       r.RetentionDays,
			PruningIntervalDays: r.PruningIntervalDays,
		})
	}
	return routes, nil
}
