// Package assembler implements the Log Assembler (§4.4): it extracts a
// flat Record out of an incoming request, computing the derived hashes,
// sampling buckets, device classification, and geographic id that the
// filter compiler and downstream schema rely on.
package assembler

import (
	"bytes"
	"context"
	"hash/crc32"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/fluxlog/logpipe/core/logger"
	"github.com/fluxlog/logpipe/core/request"
)

// Record is a flat field name -> value mapping matching MasterSchema
// column names (§3), plus the LoggerContextField side channel. Values
// are string, int64, bool, or nil.
type Record map[string]any

// LoggerContextField is the Record key carrying the serialized logger
// context (logger.SerializeLoggerContext) of the request that produced
// it. It is not a MasterSchema column: insertStatement only ever reads
// schema-listed column names out of a Record, so this field never
// reaches the database. The Batcher reads it back off the first record
// of a claimed buffer to restore request correlation for a flush that
// otherwise runs out of band, under context.Background().
const LoggerContextField = "loggerContext"

var (
	mobileUARegexp = regexp.MustCompile(`(?i)Mobile|Android|iPhone|iPod|BlackBerry|IEMobile|Opera Mini`)
	tabletUARegexp = regexp.MustCompile(`(?i)Tablet|iPad`)
)

// namedCookies maps the MasterSchema client/session identifier columns
// to the cookie name they are read from.
var namedCookies = map[string]string{
	"cId":  "cid",
	"sId":  "sid",
	"eId":  "eid",
	"uID":  "uid",
	"emID": "emid",
	"emA":  "ema",
}

// Assemble builds a Record from req, optional caller-supplied data, and
// a scalar-only environment snapshot. workerStart is the time the
// caller started handling req; Assemble reads the clock once on entry
// and stamps processedAt and processingDurationMs from that reading.
// ctx's logger context (if any) is serialized
// onto LoggerContextField so it survives the trip through the Shard
// Dispatcher into a Batcher buffer.
func Assemble(ctx context.Context, req *request.Request, data any, environment map[string]any, maxBodySize int, workerStart time.Time) Record {
	now := time.Now().UTC()
	rec := Record{}

	assembleTiming(rec, workerStart, now)
	assembleIdentifiers(rec, req, workerStart)
	hashes := assembleHashes(rec, req)
	assembleSamplingBuckets(rec, hashes.connectionHash)
	assembleDeviceType(rec, req)
	assembleGeoID(rec, req)
	assembleRequestFields(rec, req, maxBodySize)
	assembleCookies(rec, req)
	assembleCallerData(rec, data)
	assembleEnvironment(rec, environment)
	assembleCfAnnotations(rec, req)
	rec[LoggerContextField] = string(logger.SerializeLoggerContext(ctx))

	return rec
}

func assembleTiming(rec Record, workerStart, now time.Time) {
	rec["requestTime"] = workerStart.UnixMilli()
	rec["receivedAt"] = workerStart.Format(time.RFC3339Nano)
	rec["processedAt"] = now.Format(time.RFC3339Nano)
	rec["processingDurationMs"] = now.Sub(workerStart).Milliseconds()
}

func assembleIdentifiers(rec Record, req *request.Request, workerStart time.Time) {
	rec["logId"] = newLogID(workerStart)
	var rayID any
	if req != nil && req.Request != nil {
		if v := req.Header.Get("cf-ray"); v != "" {
			rayID = v
		}
	}
	rec["rayId"] = rayID
}

// newLogID builds a time-sortable unique token: a version-7 UUID
// derives its time component from the current instant, which for this
// purpose is close enough to workerStart that records remain sortable
// by creation order.
func newLogID(workerStart time.Time) string {
	id, err := uuid.NewV7()
	if err != nil {
		return strconv.FormatInt(workerStart.UnixNano(), 36)
	}
	return id.String()
}

type hashSet struct {
	tlsHash        uint32
	deviceHash     uint32
	connectionHash uint32
}

// assembleHashes computes the three CRC-32/ISO-HDLC fingerprints (§4.4
// step 3), rendered as the decimal string form of the 32-bit unsigned
// value. Missing inputs are treated as empty strings.
func assembleHashes(rec Record, req *request.Request) hashSet {
	var ja3, tlsCipher, tlsClientRandom, userAgent, clientIP string
	if req != nil {
		ja3 = req.Cf.JA3
		tlsCipher = req.Cf.TLSCipher
		tlsClientRandom = req.Cf.TLSClientRandom
		clientIP = req.ClientIP
		if req.Request != nil {
			userAgent = req.Header.Get("User-Agent")
		}
	}

	tls := crc32.ChecksumIEEE([]byte(ja3 + tlsCipher + tlsClientRandom))
	device := crc32.ChecksumIEEE([]byte(userAgent + ja3 + tlsCipher))
	conn := crc32.ChecksumIEEE([]byte(clientIP + userAgent + ja3 + tlsCipher))

	rec["tlsHash"] = formatCRC(tls)
	rec["deviceHash"] = formatCRC(device)
	rec["connectionHash"] = formatCRC(conn)

	return hashSet{tlsHash: tls, deviceHash: device, connectionHash: conn}
}

func formatCRC(v uint32) string {
	return strconv.FormatUint(uint64(v), 10)
}

// assembleSamplingBuckets derives sample10/sample100 from connectionHash
// (§4.4 step 4, §8 property 2): bucketHash = crc32(connectionHash's
// decimal rendering); sample10/sample100 are its last one/two decimal
// digits, equivalently value%10 and value%100.
func assembleSamplingBuckets(rec Record, connectionHash uint32) {
	bucketHash := crc32.ChecksumIEEE([]byte(formatCRC(connectionHash)))
	rec["sample10"] = int64(bucketHash % 10)
	rec["sample100"] = int64(bucketHash % 100)
}

func assembleDeviceType(rec Record, req *request.Request) {
	var ua string
	if req != nil && req.Request != nil {
		ua = req.Header.Get("User-Agent")
	}
	rec["userAgent"] = nilIfEmpty(ua)
	if ua == "" {
		rec["deviceType"] = nil
		return
	}
	switch {
	case mobileUARegexp.MatchString(ua):
		rec["deviceType"] = "mobile"
	case tabletUARegexp.MatchString(ua):
		rec["deviceType"] = "tablet"
	default:
		rec["deviceType"] = "desktop"
	}
}

func assembleGeoID(rec Record, req *request.Request) {
	if req == nil {
		rec["geoId"] = nil
		return
	}
	parts := []string{req.Cf.Continent, req.Cf.Country, req.Cf.RegionCode, req.Cf.City, req.Cf.PostalCode}
	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	if len(nonEmpty) == 0 {
		rec["geoId"] = nil
		return
	}
	rec["geoId"] = strings.Join(nonEmpty, "-")
}

func assembleRequestFields(rec Record, req *request.Request, maxBodySize int) {
	if req == nil || req.Request == nil {
		return
	}
	rec["method"] = req.Method
	rec["clientIp"] = nilIfEmpty(req.ClientIP)
	if req.URL != nil {
		rec["url"] = req.URL.String()
		rec["urlScheme"] = req.URL.Scheme
		rec["urlHost"] = req.URL.Host
		rec["urlPathname"] = req.URL.Path
		rec["urlSearch"] = req.URL.RawQuery
	}
	if headersJSON, err := json.Marshal(req.Header); err == nil {
		rec["headers"] = string(headersJSON)
	}
	rec["mime"] = nilIfEmpty(req.Header.Get("Content-Type"))

	assembleBody(rec, req, maxBodySize)
}

// assembleBody reads the request body without consuming it for the
// caller (§4.4 step 7): it buffers the full body, restores it onto the
// request, and truncates only the copy used for the record.
func assembleBody(rec Record, req *request.Request, maxBodySize int) {
	if req.Method == http.MethodGet || req.Method == http.MethodHead || req.Body == nil {
		return
	}
	raw, err := io.ReadAll(req.Body)
	req.Body.Close()
	req.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil || len(raw) == 0 {
		return
	}

	body := string(raw)
	rec["bodySize"] = int64(len(raw))

	truncated := false
	if maxBodySize > 0 && utf8.RuneCountInString(body) > maxBodySize {
		runes := []rune(body)
		body = string(runes[:maxBodySize])
		truncated = true
	}
	rec["body"] = body
	rec["bodyTruncated"] = truncated
}

func assembleCookies(rec Record, req *request.Request) {
	cookies := map[string]string{}
	if req != nil && req.Request != nil {
		for _, c := range req.Cookies() {
			cookies[c.Name] = c.Value
		}
	}
	for column, cookieName := range namedCookies {
		if v, ok := cookies[cookieName]; ok {
			rec[column] = v
		} else {
			rec[column] = nil
		}
	}
}

// assembleCallerData attempts to serialize data into the "data" column;
// on failure it records a stub rather than dropping the record (§7
// AssemblyError).
func assembleCallerData(rec Record, data any) {
	if data == nil {
		rec["data"] = nil
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		stub, _ := json.Marshal(map[string]string{"error": "AssemblyError", "message": err.Error()})
		rec["data"] = string(stub)
		return
	}
	rec["data"] = string(raw)
}

// assembleEnvironment serializes only scalar environment entries (§4.4
// step 9).
func assembleEnvironment(rec Record, environment map[string]any) {
	if len(environment) == 0 {
		rec["environment"] = nil
		return
	}
	scalars := map[string]any{}
	for k, v := range environment {
		switch v.(type) {
		case string, bool, int, int32, int64, float32, float64:
			scalars[k] = v
		}
	}
	if len(scalars) == 0 {
		rec["environment"] = nil
		return
	}
	raw, err := json.Marshal(scalars)
	if err != nil {
		rec["environment"] = nil
		return
	}
	rec["environment"] = string(raw)
}

func assembleCfAnnotations(rec Record, req *request.Request) {
	if req == nil {
		return
	}
	cf := req.Cf
	rec["asn"] = int64(cf.ASN)
	rec["colo"] = nilIfEmpty(cf.Colo)
	rec["country"] = nilIfEmpty(cf.Country)
	rec["region"] = nilIfEmpty(cf.Region)
	rec["regionCode"] = nilIfEmpty(cf.RegionCode)
	rec["city"] = nilIfEmpty(cf.City)
	rec["postalCode"] = nilIfEmpty(cf.PostalCode)
	rec["continent"] = nilIfEmpty(cf.Continent)
	rec["latitude"] = nilIfEmpty(cf.Latitude)
	rec["longitude"] = nilIfEmpty(cf.Longitude)
	rec["timezone"] = nilIfEmpty(cf.Timezone)
	rec["httpProtocol"] = nilIfEmpty(cf.HTTPProtocol)
	rec["tlsCipher"] = nilIfEmpty(cf.TLSCipher)
	rec["tlsVersion"] = nilIfEmpty(cf.TLSVersion)
	rec["tlsClientAuth"] = nilIfEmpty(cf.TLSClientAuth)
	rec["ja3"] = nilIfEmpty(cf.JA3)
	rec["threatScore"] = int64(cf.ThreatScore)
	rec["verifiedBot"] = cf.BotManagement.VerifiedBot
	rec["corporateProxy"] = cf.BotManagement.CorporateProxy
	rec["clientTcpRtt"] = int64(cf.ClientTCPRTT)
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
