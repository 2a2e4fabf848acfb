// Package logger provides a context-carried structured logger built on
// logrus. Every component in the pipeline logs through a *logrus.Entry
// pulled from context.Context rather than the bare log package, so that
// a request id or shard id attached once at the top of a call chain shows up
// on every downstream log line.
package logger

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type contextLoggerValues struct {
	RequestID string `json:"requestID"`
	ShardID   string `json:"shardID"`
}

type contextKeyRequestLoggerType struct{}

var contextKeyRequestLogger = &contextKeyRequestLoggerType{}

const (
	requestIDLoggerKey string = "requestID"
	shardIDLoggerKey   string = "shardID"
)

// InitLogger sets up the custom time formatter for all log statements.
func InitLogger(logLevel logrus.Level) {
	customFormatter := new(logrus.TextFormatter)
	customFormatter.TimestampFormat = "2006-01-02T15:04:05.000Z07:00"
	customFormatter.FullTimestamp = true
	logrus.SetFormatter(customFormatter)
	logrus.SetLevel(logLevel)
}

// AddRequestID installs a middleware that attaches a logger with a fresh
// request id to every incoming request's context, unless one is already
// present.
func AddRequestID(router *mux.Router) {
	reqID := func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, _ := ContextWithLogger(r.Context())
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
	router.Use(reqID)
}

// Default returns a logger with no request id or shard id attached.
func Default() *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger())
}

// ContextWithLogger returns a new context carrying a logger, tagged with
// a fresh request id. If the context already carries a logger, it is
// returned unchanged.
func ContextWithLogger(ctx context.Context) (context.Context, *logrus.Entry) {
	if ctx == nil {
		ctx = context.Background()
	} else if rlog := loggerFromContext(ctx); rlog != nil {
		return ctx, rlog
	}
	rlog := logrus.WithField(requestIDLoggerKey, newRequestID())
	return context.WithValue(ctx, contextKeyRequestLogger, rlog), rlog
}

// ContextWithLoggerFromData returns a context with a logger, reconstructed
// from a serialized logger context (see SerializeLoggerContext) if the
// context does not already carry one. Used to carry request correlation
// across the assembler -> dispatcher -> batcher boundary, where the
// batcher instance executes out of band from the original request.
func ContextWithLoggerFromData(ctx context.Context, data []byte) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if rlog := loggerFromContext(ctx); rlog != nil {
		return ctx
	}
	ctx, ok := deserializeLoggerContext(ctx, data)
	if !ok {
		ctx, _ = ContextWithLogger(ctx)
	}
	return ctx
}

func loggerFromContext(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return nil
	}
	rlog, ok := ctx.Value(contextKeyRequestLogger).(*logrus.Entry)
	if !ok {
		return nil
	}
	return rlog
}

// FromContext returns the logger carried by ctx, or a bare default logger
// if ctx is nil or carries none.
func FromContext(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return Default()
	}
	if rlog := loggerFromContext(ctx); rlog != nil {
		return rlog
	}
	return Default()
}

// ContextWithShard returns a new context with a logger tagged with the
// given batcher shard id, e.g. "pruner_log_firehose" or a cf-ray value.
func ContextWithShard(ctx context.Context, shardID string) (context.Context, *logrus.Entry) {
	ctx, rlog := ContextWithLogger(ctx)
	rlog = rlog.WithField(shardIDLoggerKey, shardID)
	return context.WithValue(ctx, contextKeyRequestLogger, rlog), rlog
}

// SerializeLoggerContext extracts the correlation fields of ctx's logger
// (if any) as JSON, suitable for persisting alongside a buffered record
// and restoring later with ContextWithLoggerFromData.
func SerializeLoggerContext(ctx context.Context) []byte {
	values := loggerValues(ctx)
	if values.RequestID == "" {
		return []byte("{}")
	}
	res, err := json.Marshal(values)
	if err != nil {
		return []byte("{}")
	}
	return res
}

// RequestIDFromContext returns the request id carried by ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	return loggerValues(ctx).RequestID
}

func loggerValues(ctx context.Context) contextLoggerValues {
	var values contextLoggerValues
	if ctx == nil {
		return values
	}
	rlog, ok := ctx.Value(contextKeyRequestLogger).(*logrus.Entry)
	if !ok {
		return values
	}
	if s, ok := rlog.Data[requestIDLoggerKey].(string); ok {
		values.RequestID = s
	}
	if s, ok := rlog.Data[shardIDLoggerKey].(string); ok {
		values.ShardID = s
	}
	return values
}

func deserializeLoggerContext(ctx context.Context, data []byte) (context.Context, bool) {
	var values contextLoggerValues
	if err := json.Unmarshal(data, &values); err != nil || len(values.RequestID) < 1 {
		return ctx, false
	}
	rlog := logrus.WithField(requestIDLoggerKey, values.RequestID)
	if len(values.ShardID) > 0 {
		rlog = rlog.WithField(shardIDLoggerKey, values.ShardID)
	}
	return context.WithValue(ctx, contextKeyRequestLogger, rlog), true
}

func newRequestID() string {
	id, err := uuid.NewUUID()
	if err != nil {
		return "unknown"
	}
	return id.String()
}
