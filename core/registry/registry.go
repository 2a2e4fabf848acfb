// Package registry provides a persistent string -> JSON key-value
// namespace backed by the relational log store, with an optional
// per-write TTL. It is the concrete backing for the Diagnostics store
// and the Dead-letter store of §6 — both are narrow "put/get with
// optional TTL" namespaces, and both are implemented here as
// differently-prefixed Accessors over the same table, mirroring the
// teacher's Accessor-with-prefix registry.
package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/fluxlog/logpipe/core/store"
)

const tableName = "_registry_"

// Registry is a persistent key-JSON registry.
type Registry struct {
	db    store.Store
	table string
}

// New creates a registry backed by db, creating its table if necessary.
// table lets diagnostics and dead-letter data live in physically
// separate tables despite sharing this package's code, matching §6's
// description of them as distinct namespaces.
func New(ctx context.Context, db store.Store, table string) (*Registry, error) {
	if table == "" {
		table = tableName
	}
	err := db.Exec(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %q (
			key varchar NOT NULL,
			value json NOT NULL,
			created_at timestamp NOT NULL,
			expires_at timestamp,
			PRIMARY KEY(key)
		);`, table))
	if err != nil {
		return nil, fmt.Errorf("create registry table %s: %w", table, err)
	}
	return &Registry{db: db, table: table}, nil
}

// Accessor is a registry accessor scoped to a key prefix.
type Accessor struct {
	prefix   string
	registry *Registry
}

// Accessor returns an accessor scoped to the given prefix. Keys written
// or read through it are stored as "<prefix>:<key>".
func (r *Registry) Accessor(prefix string) Accessor {
	return Accessor{prefix: prefix, registry: r}
}

func (a Accessor) qualify(key string) string {
	if a.prefix == "" {
		return key
	}
	return a.prefix + ":" + key
}

// Read reads a value from the registry into value, returning the time it
// was written. A zero time with a nil error means the key did not exist
// or had expired.
func (a Accessor) Read(ctx context.Context, key string, value any) (time.Time, error) {
	row, err := a.registry.db.First(ctx,
		fmt.Sprintf(`SELECT value, created_at, expires_at FROM %q WHERE key=$1 AND (expires_at IS NULL OR expires_at > now());`, a.registry.table),
		a.qualify(key))
	if err == store.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read key %q: %w", key, err)
	}
	rawValue, _ := row["value"].([]byte)
	createdAt, _ := row["created_at"].(time.Time)
	if err := json.Unmarshal(rawValue, value); err != nil {
		return createdAt, fmt.Errorf("unmarshal key %q: %w", key, err)
	}
	return createdAt, nil
}

// Write upserts value under key. If ttl > 0, the entry becomes invisible
// to Read and Keys after ttl elapses; the expired row itself stays in
// the table until overwritten or deleted. Used for the 65-second
// "active_do_<id>" liveness entries of §6.
func (a Accessor) Write(ctx context.Context, key string, value any, ttl time.Duration) error {
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value for key %q: %w", key, err)
	}
	now := time.Now().UTC()
	var expiresAt *time.Time
	if ttl > 0 {
		t := now.Add(ttl)
		expiresAt = &t
	}
	return a.registry.db.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %q(key,value,created_at,expires_at)
		 VALUES($1,$2,$3,$4)
		 ON CONFLICT (key) DO UPDATE SET value=$2,created_at=$3,expires_at=$4;`, a.registry.table),
		a.qualify(key), string(body), now, expiresAt)
}

// Delete removes key from the registry, if present.
func (a Accessor) Delete(ctx context.Context, key string) error {
	return a.registry.db.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %q WHERE key=$1;`, a.registry.table),
		a.qualify(key))
}

// Keys lists the unexpired keys in this accessor's namespace whose
// suffix starts with prefix, stripped back down to that suffix (e.g.
// listing every dead-letter entry recorded for one table). Used by the
// admin diagnostics surface, which has no other way to enumerate
// entries it didn't already know the exact key for.
func (a Accessor) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := a.registry.db.All(ctx,
		fmt.Sprintf(`SELECT key FROM %q WHERE key LIKE $1 ESCAPE '\' AND (expires_at IS NULL OR expires_at > now()) ORDER BY key;`, a.registry.table),
		escapeLikePattern(a.qualify(prefix))+"%")
	if err != nil {
		return nil, fmt.Errorf("list keys with prefix %q: %w", prefix, err)
	}
	stripPrefix := a.prefix + ":"
	keys := make([]string, 0, len(rows))
	for _, row := range rows {
		k, _ := row["key"].(string)
		keys = append(keys, strings.TrimPrefix(k, stripPrefix))
	}
	return keys, nil
}

// likeEscaper backslash-escapes the two LIKE metacharacters and the
// escape character itself, so a prefix containing a literal "_" (e.g.
// a table name such as "ab_tests") matches only that character instead
// of acting as a single-character wildcard.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLikePattern(s string) string {
	return likeEscaper.Replace(s)
}
