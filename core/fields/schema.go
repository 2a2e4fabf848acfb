// Package fields is the ground truth for what a LogRecord contains and
// how a request can be filtered on it: the master column schema (used to
// build routes and drive migrations) and the typed, compile-time
// accessor table filter rules resolve against (used by the filter
// compiler). Keeping both in one package means a column can never be
// added to one without the other noticing.
package fields

import "fmt"

// ColumnType is one of the store-portable SQL types a MasterSchema
// column may declare.
type ColumnType string

const (
	TypeText     ColumnType = "TEXT"
	TypeInteger  ColumnType = "INTEGER"
	TypeBoolean  ColumnType = "BOOLEAN"
	TypeDatetime ColumnType = "DATETIME"
)

// Column is one ordered MasterSchema entry.
type Column struct {
	Name        string
	Type        ColumnType
	Constraints string
	Indexed     bool
}

// MasterSchema is the ordered, authoritative list of every field a
// LogRecord may carry. Insertion order determines both INSERT column
// order and the schema fingerprint (§3); it must never be reordered,
// only appended to.
var MasterSchema = []Column{
	{Name: "logId", Type: TypeText, Constraints: "PRIMARY KEY"},
	{Name: "rayId", Type: TypeText, Indexed: true},
	{Name: "fpID", Type: TypeText, Indexed: true},
	{Name: "deviceHash", Type: TypeText},
	{Name: "connectionHash", Type: TypeText, Indexed: true},
	{Name: "tlsHash", Type: TypeText},

	{Name: "requestTime", Type: TypeInteger},
	{Name: "receivedAt", Type: TypeDatetime, Indexed: true},
	{Name: "processedAt", Type: TypeDatetime},
	{Name: "processingDurationMs", Type: TypeInteger},
	{Name: "clientTcpRtt", Type: TypeInteger},

	{Name: "sample10", Type: TypeInteger},
	{Name: "sample100", Type: TypeInteger},

	{Name: "url", Type: TypeText},
	{Name: "urlScheme", Type: TypeText},
	{Name: "urlHost", Type: TypeText},
	{Name: "urlPathname", Type: TypeText},
	{Name: "urlSearch", Type: TypeText},
	{Name: "method", Type: TypeText},
	{Name: "headers", Type: TypeText},
	{Name: "body", Type: TypeText},
	{Name: "mime", Type: TypeText},
	{Name: "bodySize", Type: TypeInteger},
	{Name: "bodyTruncated", Type: TypeBoolean},
	{Name: "clientIp", Type: TypeText},
	{Name: "userAgent", Type: TypeText},
	{Name: "deviceType", Type: TypeText},

	{Name: "cId", Type: TypeText},
	{Name: "sId", Type: TypeText},
	{Name: "eId", Type: TypeText},
	{Name: "uID", Type: TypeText},
	{Name: "emID", Type: TypeText},
	{Name: "emA", Type: TypeText},

	{Name: "asn", Type: TypeInteger},
	{Name: "colo", Type: TypeText},
	{Name: "country", Type: TypeText},
	{Name: "region", Type: TypeText},
	{Name: "regionCode", Type: TypeText},
	{Name: "city", Type: TypeText},
	{Name: "postalCode", Type: TypeText},
	{Name: "continent", Type: TypeText},
	{Name: "latitude", Type: TypeText},
	{Name: "longitude", Type: TypeText},
	{Name: "timezone", Type: TypeText},
	{Name: "httpProtocol", Type: TypeText},
	{Name: "tlsCipher", Type: TypeText},
	{Name: "tlsVersion", Type: TypeText},
	{Name: "tlsClientAuth", Type: TypeText},
	{Name: "ja3", Type: TypeText},
	{Name: "threatScore", Type: TypeInteger},
	{Name: "verifiedBot", Type: TypeBoolean},
	{Name: "corporateProxy", Type: TypeBoolean},

	{Name: "geoId", Type: TypeText, Indexed: true},
	{Name: "environment", Type: TypeText},
	{Name: "data", Type: TypeText},
}

var masterSchemaIndex = func() map[string]Column {
	m := make(map[string]Column, len(MasterSchema))
	for _, c := range MasterSchema {
		m[c.Name] = c
	}
	return m
}()

// Lookup returns the MasterSchema column named name, if any.
func Lookup(name string) (Column, bool) {
	c, ok := masterSchemaIndex[name]
	return c, ok
}

// Subset builds a schema in MasterSchema order restricted to names. An
// unknown name is a ConfigError: a custom route may only reference
// columns that exist in MasterSchema (§4.3).
func Subset(names []string) ([]Column, error) {
	if names == nil {
		return MasterSchema, nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		if _, ok := masterSchemaIndex[n]; !ok {
			return nil, fmt.Errorf("unknown column %q", n)
		}
		want[n] = true
	}
	subset := make([]Column, 0, len(names))
	for _, c := range MasterSchema {
		if want[c.Name] {
			subset = append(subset, c)
		}
	}
	return subset, nil
}
