// Command logpipe runs the request-logging pipeline as a standalone
// service: it assembles and batches caller-forwarded requests into
// Postgres, prunes aged rows on a heartbeat, and exposes an admin
// diagnostics surface over HTTP.
package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	_ "github.com/lib/pq"

	"github.com/fluxlog/logpipe/core/batcher"
	"github.com/fluxlog/logpipe/core/config"
	"github.com/fluxlog/logpipe/core/diagnostics"
	"github.com/fluxlog/logpipe/core/dispatch"
	"github.com/fluxlog/logpipe/core/logger"
	"github.com/fluxlog/logpipe/core/metrics"
	"github.com/fluxlog/logpipe/core/pipeline"
	"github.com/fluxlog/logpipe/core/planner"
	"github.com/fluxlog/logpipe/core/registry"
	"github.com/fluxlog/logpipe/core/request"
	"github.com/fluxlog/logpipe/core/schemamgr"
	"github.com/fluxlog/logpipe/core/store"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		runTokenCommand(os.Args[2:])
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.InitLogger(level)

	db, err := store.OpenWithSchema(cfg.Postgres, cfg.PostgresPassword, cfg.PostgresSchema)
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	defer db.Close()

	ctx := context.Background()

	userRoutes, err := cfg.UserRoutes()
	if err != nil {
		log.Fatalf("decode user routes: %v", err)
	}
	plan, err := planner.Compile(cfg.FirehoseConfig(), userRoutes)
	if err != nil {
		log.Fatalf("compile log plan: %v", err)
	}

	reg, err := registry.New(ctx, db, "_registry_")
	if err != nil {
		log.Fatalf("open registry: %v", err)
	}
	diag := diagnostics.New(reg)
	schemas := schemamgr.New(db, reg.Accessor("schema_hash"))

	metricsSink, closeMetrics, err := newMetricsSink(ctx, cfg, db)
	if err != nil {
		log.Fatalf("open metrics sink: %v", err)
	}
	defer closeMetrics()

	batcherCfg := batcher.ParseConfig(cfg.BatchIntervalMs, cfg.MaxBatchSize)
	lastPruned := reg.Accessor("last_pruned")
	newInstance := func(shardKey string) dispatch.Instance {
		return batcher.New(shardKey, cfg.Colo, db, schemas, diag, metricsSink, lastPruned, cfg.LogHoseTable, batcherCfg)
	}

	pl := pipeline.New(plan, newInstance, map[string]any{"colo": cfg.Colo}, cfg.MaxBodySize)

	stopHeartbeat := startHeartbeat(ctx, pl, time.Duration(cfg.HeartbeatMs)*time.Millisecond)
	defer stopHeartbeat()

	router := mux.NewRouter()
	logger.AddRequestID(router)
	registerLogRoutes(router, pl)
	registerAdminRoutes(router, cfg, diag)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: router}
	go func() {
		log.Println("listen on", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	waitForShutdownSignal()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	pl.Shutdown(shutdownCtx)
	pl.Dispatcher().Drain(shutdownCtx)
}

func newMetricsSink(ctx context.Context, cfg *config.Config, db store.Store) (metrics.Sink, func(), error) {
	switch strings.ToLower(cfg.MetricsBackend) {
	case "kafka":
		brokers := strings.Split(cfg.KafkaBrokers, ",")
		sink := metrics.NewKafka(brokers, cfg.MetricsTopicPrefix)
		return sink, func() { sink.Close() }, nil
	default:
		sink, err := metrics.NewPostgres(ctx, db)
		if err != nil {
			return nil, func() {}, err
		}
		return sink, func() {}, nil
	}
}

// registerLogRoutes wires the two caller-facing operations of §4.9: a
// fire-and-forget POST that enqueues the incoming request, and a debug
// endpoint (GET or POST) that returns the assembled record without
// dispatching it anywhere.
func registerLogRoutes(router *mux.Router, pl *pipeline.Pipeline) {
	router.HandleFunc("/logpipe/log", func(w http.ResponseWriter, r *http.Request) {
		pl.Log(r.Context(), &request.Request{Request: r, ClientIP: clientIP(r)}, nil)
		w.WriteHeader(http.StatusAccepted)
	}).Methods(http.MethodPost)

	router.HandleFunc("/logpipe/log/preview", func(w http.ResponseWriter, r *http.Request) {
		record := pl.GetLogData(r.Context(), &request.Request{Request: r, ClientIP: clientIP(r)}, nil)
		writeJSON(w, record)
	}).Methods(http.MethodGet, http.MethodPost)
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func waitForShutdownSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
}
