package main

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/fluxlog/logpipe/core/access"
	"github.com/fluxlog/logpipe/core/config"
	"github.com/fluxlog/logpipe/core/diagnostics"
	"github.com/fluxlog/logpipe/core/logger"
)

// registerAdminRoutes wires the supplemented admin/diagnostics HTTP
// surface, gated by a single HS256 bearer secret and gzip-compressed
// the same way the teacher's own admin endpoints are.
func registerAdminRoutes(router *mux.Router, cfg *config.Config, diag *diagnostics.Sink) {
	admin := router.PathPrefix("/logpipe").Subrouter()
	admin.Use(access.NewAdminMiddleware(cfg.AdminSecret))

	admin.Handle("/diagnostics/batcher/{id}", handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		state, found, err := diag.GetState(r.Context(), id)
		if err != nil {
			logger.FromContext(r.Context()).Errorf("[Admin] get state for %q: %v", id, err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if !found {
			http.Error(w, "no state published for this instance", http.StatusNotFound)
			return
		}
		writeJSON(w, state)
	}))).Methods(http.MethodGet, http.MethodOptions)

	admin.Handle("/diagnostics/deadletter", handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		table := r.URL.Query().Get("table")
		if table == "" {
			http.Error(w, "missing table query parameter", http.StatusBadRequest)
			return
		}
		keys, err := diag.DeadLetterKeys(r.Context(), table)
		if err != nil {
			logger.FromContext(r.Context()).Errorf("[Admin] list dead letters for %q: %v", table, err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"table": table, "keys": keys})
	}))).Methods(http.MethodGet, http.MethodOptions)

	admin.Handle("/diagnostics/deadletter/{key}", handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := mux.Vars(r)["key"]
		batch, found, err := diag.GetDeadLetter(r.Context(), key)
		if err != nil {
			logger.FromContext(r.Context()).Errorf("[Admin] get dead letter %q: %v", key, err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if !found {
			http.Error(w, "no dead letter under this key", http.StatusNotFound)
			return
		}
		writeJSON(w, batch)
	}))).Methods(http.MethodGet, http.MethodOptions)

	// Health is unauthenticated, a liveness probe rather than a
	// diagnostic: it is safe to poll without an admin token.
	router.Handle("/logpipe/health", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "marshal response", http.StatusInternalServerError)
		return
	}
	w.Write(body)
}
