// Package request defines the narrow request contract the pipeline
// consumes: a standard *http.Request plus the edge-supplied annotation
// bag (TLS fingerprint, geography, bot-management score) that a caller's
// HTTP framework is expected to have already attached. Everything past
// this package treats both as read-only.
package request

import "net/http"

// BotManagement is Cloudflare-style bot scoring metadata attached to the
// request at the edge.
type BotManagement struct {
	Score          int
	VerifiedBot    bool
	JA3Hash        string
	CorporateProxy bool
}

// Cf is the edge-supplied annotation bag described in §6: geography, TLS
// fingerprint, and bot-management fields that no Go HTTP server computes
// on its own, so the caller's edge runtime must populate it.
type Cf struct {
	ASN          int
	Colo         string
	Country      string
	Region       string
	RegionCode   string
	City         string
	PostalCode   string
	Continent    string
	Latitude     string
	Longitude    string
	Timezone     string
	HTTPProtocol string

	TLSCipher       string
	TLSVersion      string
	TLSClientRandom string
	TLSClientAuth   string
	JA3             string

	ClientTCPRTT   float64
	ThreatScore    int
	BotManagement  BotManagement
}

// Request is an *http.Request enriched with the edge annotation bag. The
// only field of the embedded *http.Request this pipeline changes is
// Body: the assembler reads it in full and replaces it with a reader
// over the same bytes, so the caller's own handler can still consume it
// afterward.
type Request struct {
	*http.Request
	Cf       Cf
	ClientIP string
}
