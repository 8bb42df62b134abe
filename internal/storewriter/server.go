// Package storewriter implements the single-writer persistence proxy. One
// storewriterd process owns the sole read-write handle on the embedded
// database; every other process sends writes here over a narrow HTTP surface
// and never opens the file for writing itself.
package storewriter

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"gorm.io/gorm/clause"

	"github.com/quantfold/tradecore/internal/store/sqlite"
)

// upsertKeys lists the tables the proxy accepts batch upserts for, with the
// conflict key of each. Anything else is rejected before touching SQL.
var upsertKeys = map[string][]string{
	"bars":          {"symbol", "start_ts"},
	"trades":        {"id"},
	"control_flags": {"name"},
	"strategy_pnl":  {"strategy_hash", "snapshot_at"},
}

// ServerConfig holds the proxy's listen and auth settings.
type ServerConfig struct {
	Port   int
	APIKey string // if empty, authentication is disabled
}

// Server is the HTTP write proxy over the sole writable database handle.
type Server struct {
	httpServer *http.Server
	client     *sqlite.Client
	logger     *slog.Logger
}

// NewServer creates the proxy around the given read-write client.
func NewServer(cfg ServerConfig, client *sqlite.Client, logger *slog.Logger) *Server {
	s := &Server{
		client: client,
		logger: logger.With(slog.String("component", "storewriter")),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /v1/execute", s.handleExecute)
	mux.HandleFunc("POST /v1/query", s.handleQuery)
	mux.HandleFunc("POST /v1/upsert/{table}", s.handleUpsert)

	var h http.Handler = mux
	h = authMiddleware(cfg.APIKey)(h)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start blocks serving requests until shutdown or a listen error.
func (s *Server) Start() error {
	s.logger.Info("storewriter listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("storewriter: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("storewriter: shutdown: %w", err)
	}
	return nil
}

type sqlRequest struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params"`
}

type executeResponse struct {
	RowsAffected int64 `json:"rows_affected"`
}

type queryResponse struct {
	Rows []map[string]any `json:"rows"`
}

type upsertRequest struct {
	Rows []map[string]any `json:"rows"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req sqlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SQL == "" {
		writeError(w, http.StatusBadRequest, "sql is required")
		return
	}

	res := s.client.DB().WithContext(r.Context()).Exec(req.SQL, req.Params...)
	if res.Error != nil {
		s.logger.ErrorContext(r.Context(), "execute failed",
			slog.String("error", res.Error.Error()))
		writeError(w, http.StatusInternalServerError, res.Error.Error())
		return
	}
	writeJSON(w, http.StatusOK, executeResponse{RowsAffected: res.RowsAffected})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req sqlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SQL == "" {
		writeError(w, http.StatusBadRequest, "sql is required")
		return
	}

	var rows []map[string]any
	err := s.client.DB().WithContext(r.Context()).Raw(req.SQL, req.Params...).Scan(&rows).Error
	if err != nil {
		s.logger.ErrorContext(r.Context(), "query failed",
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, queryResponse{Rows: rows})
}

func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	keys, ok := upsertKeys[table]
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown table %q", table))
		return
	}

	var req upsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Rows) == 0 {
		writeJSON(w, http.StatusOK, executeResponse{RowsAffected: 0})
		return
	}

	cols := make([]clause.Column, 0, len(keys))
	for _, k := range keys {
		cols = append(cols, clause.Column{Name: k})
	}

	res := s.client.DB().WithContext(r.Context()).
		Table(table).
		Clauses(clause.OnConflict{Columns: cols, UpdateAll: true}).
		Create(req.Rows)
	if res.Error != nil {
		s.logger.ErrorContext(r.Context(), "upsert failed",
			slog.String("table", table),
			slog.String("error", res.Error.Error()))
		writeError(w, http.StatusInternalServerError, res.Error.Error())
		return
	}
	writeJSON(w, http.StatusOK, executeResponse{RowsAffected: res.RowsAffected})
}

func authMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey != "" && r.URL.Path != "/api/health" {
				got := r.Header.Get("X-API-Key")
				if subtle.ConstantTimeCompare([]byte(got), []byte(apiKey)) != 1 {
					writeError(w, http.StatusUnauthorized, "invalid api key")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
