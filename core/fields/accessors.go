package fields

import (
	"net/url"
	"strings"

	"github.com/fluxlog/logpipe/core/request"
)

// EvalContext carries everything a filter predicate needs to read from a
// single request: the request itself, its already-parsed URL, and a
// cookie jar parsed and memoized at most once even if several rules
// reference different cookies.
type EvalContext struct {
	Req *request.Request
	URL *url.URL

	cookies       map[string]string
	cookiesParsed bool
}

// NewEvalContext builds an EvalContext for req, reusing req.URL as
// parsed by net/http; no URL parsing happens here. If req or req.URL is
// nil, URL is left nil and accessors that need it simply report "not
// present".
func NewEvalContext(req *request.Request) *EvalContext {
	ctx := &EvalContext{Req: req}
	if req != nil && req.Request != nil && req.Request.URL != nil {
		ctx.URL = req.Request.URL
	}
	return ctx
}

func (c *EvalContext) cookie(name string) (string, bool) {
	if !c.cookiesParsed {
		c.cookies = map[string]string{}
		if c.Req != nil && c.Req.Request != nil {
			for _, ck := range c.Req.Request.Cookies() {
				c.cookies[ck.Name] = ck.Value
			}
		}
		c.cookiesParsed = true
	}
	v, ok := c.cookies[name]
	return v, ok
}

// Accessor reads one field's value out of an EvalContext, returning
// (value, false) when the field is absent.
type Accessor func(ctx *EvalContext) (any, bool)

// AccessorEntry pairs a field's declared type with its accessor.
type AccessorEntry struct {
	Type ValueType
	Get  Accessor
}

func stringField(get func(ctx *EvalContext) (string, bool)) AccessorEntry {
	return AccessorEntry{Type: ValueString, Get: func(ctx *EvalContext) (any, bool) {
		v, ok := get(ctx)
		if !ok || v == "" {
			return nil, false
		}
		return v, true
	}}
}

func numberField(get func(ctx *EvalContext) (float64, bool)) AccessorEntry {
	return AccessorEntry{Type: ValueNumber, Get: func(ctx *EvalContext) (any, bool) {
		v, ok := get(ctx)
		if !ok {
			return nil, false
		}
		return v, true
	}}
}

func boolField(get func(ctx *EvalContext) (bool, bool)) AccessorEntry {
	return AccessorEntry{Type: ValueBoolean, Get: func(ctx *EvalContext) (any, bool) {
		v, ok := get(ctx)
		if !ok {
			return nil, false
		}
		return v, true
	}}
}

// staticAccessors is the fixed map from static field key to its
// (type, accessor) pair (§4.1). Keys are dotted paths mirroring the
// request/cf annotation shape, not MasterSchema column names: the filter
// compiler evaluates against the live request, not the assembled record.
var staticAccessors = map[string]AccessorEntry{
	"request.method": stringField(func(ctx *EvalContext) (string, bool) {
		if ctx.Req == nil || ctx.Req.Request == nil {
			return "", false
		}
		return ctx.Req.Method, ctx.Req.Method != ""
	}),
	"url.pathname": stringField(func(ctx *EvalContext) (string, bool) {
		if ctx.URL == nil {
			return "", false
		}
		return ctx.URL.Path, true
	}),
	"url.host": stringField(func(ctx *EvalContext) (string, bool) {
		if ctx.URL == nil {
			return "", false
		}
		return ctx.URL.Host, true
	}),
	"url.scheme": stringField(func(ctx *EvalContext) (string, bool) {
		if ctx.URL == nil {
			return "", false
		}
		return ctx.URL.Scheme, true
	}),
	"url.search": stringField(func(ctx *EvalContext) (string, bool) {
		if ctx.URL == nil {
			return "", false
		}
		return ctx.URL.RawQuery, true
	}),
	"cf.colo": stringField(func(ctx *EvalContext) (string, bool) {
		return ctx.Req.Cf.Colo, ctx.Req.Cf.Colo != ""
	}),
	"cf.country": stringField(func(ctx *EvalContext) (string, bool) {
		return ctx.Req.Cf.Country, ctx.Req.Cf.Country != ""
	}),
	"cf.region": stringField(func(ctx *EvalContext) (string, bool) {
		return ctx.Req.Cf.Region, ctx.Req.Cf.Region != ""
	}),
	"cf.httpProtocol": stringField(func(ctx *EvalContext) (string, bool) {
		return ctx.Req.Cf.HTTPProtocol, ctx.Req.Cf.HTTPProtocol != ""
	}),
	"cf.tlsVersion": stringField(func(ctx *EvalContext) (string, bool) {
		return ctx.Req.Cf.TLSVersion, ctx.Req.Cf.TLSVersion != ""
	}),
	"cf.tlsCipher": stringField(func(ctx *EvalContext) (string, bool) {
		return ctx.Req.Cf.TLSCipher, ctx.Req.Cf.TLSCipher != ""
	}),
	"cf.asn": numberField(func(ctx *EvalContext) (float64, bool) {
		if ctx.Req.Cf.ASN == 0 {
			return 0, false
		}
		return float64(ctx.Req.Cf.ASN), true
	}),
	"cf.threatScore": numberField(func(ctx *EvalContext) (float64, bool) {
		return float64(ctx.Req.Cf.ThreatScore), true
	}),
	"cf.clientTcpRtt": numberField(func(ctx *EvalContext) (float64, bool) {
		return ctx.Req.Cf.ClientTCPRTT, true
	}),
	"cf.botManagement.score": numberField(func(ctx *EvalContext) (float64, bool) {
		return float64(ctx.Req.Cf.BotManagement.Score), true
	}),
	"cf.botManagement.verifiedBot": boolField(func(ctx *EvalContext) (bool, bool) {
		return ctx.Req.Cf.BotManagement.VerifiedBot, true
	}),
	"cf.botManagement.corporateProxy": boolField(func(ctx *EvalContext) (bool, bool) {
		return ctx.Req.Cf.BotManagement.CorporateProxy, true
	}),
}

// Resolve returns the (type, accessor) pair for fieldKey: a static entry
// from the accessor table, or a dynamic header:<name> / cookie:<name>
// key, which is always string-typed. ok is false for an unknown static
// key, which the filter compiler must treat as a ConfigError.
func Resolve(fieldKey string) (AccessorEntry, bool) {
	if entry, ok := staticAccessors[fieldKey]; ok {
		return entry, true
	}
	if name, ok := strings.CutPrefix(fieldKey, "header:"); ok {
		return stringField(func(ctx *EvalContext) (string, bool) {
			if ctx.Req == nil || ctx.Req.Request == nil {
				return "", false
			}
			v := ctx.Req.Header.Get(name)
			return v, v != ""
		}), true
	}
	if name, ok := strings.CutPrefix(fieldKey, "cookie:"); ok {
		return stringField(func(ctx *EvalContext) (string, bool) {
			return ctx.cookie(name)
		}), true
	}
	return AccessorEntry{}, false
}
