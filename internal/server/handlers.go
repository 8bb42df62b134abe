package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

const maxTradeLimit = 500

type handlers struct {
	deps   Deps
	logger *slog.Logger
}

// health reports liveness plus the state an operator checks first: broker
// connectivity, the halted flag, and pending hot-buffer depth.
// GET /api/health
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":    "ok",
		"halted":    h.deps.Control.IsHalted(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.deps.Broker != nil {
		body["broker"] = h.deps.Broker.Name()
		body["broker_connected"] = h.deps.Broker.IsConnected()
	}
	if h.deps.Buffer != nil {
		body["buffered_bars"] = h.deps.Buffer.Len()
	}
	writeJSON(w, http.StatusOK, body)
}

// GET /api/control/status
func (h *handlers) controlStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"halted": h.deps.Control.IsHalted(),
	})
}

type controlRequest struct {
	Reason string `json:"reason"`
}

// POST /api/control/halt
func (h *handlers) halt(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Reason == "" {
		req.Reason = "manual halt via API"
	}
	if err := h.deps.Control.Halt(r.Context(), req.Reason); err != nil {
		h.logger.Error("server: halt failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "halt failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"halted": true})
}

// POST /api/control/resume
func (h *handlers) resume(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Reason == "" {
		req.Reason = "manual resume via API"
	}
	if err := h.deps.Control.Resume(r.Context(), req.Reason); err != nil {
		h.logger.Error("server: resume failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "resume failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"halted": false})
}

// listBars serves finalized bars for one symbol over a time range. Defaults
// to the trailing 24 hours.
// GET /api/bars/{symbol}?from=RFC3339&to=RFC3339
func (h *handlers) listBars(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")

	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from timestamp")
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to timestamp")
			return
		}
		to = t
	}

	bars, err := h.deps.Bars.ListRange(r.Context(), symbol, from, to)
	if err != nil {
		h.logger.Error("server: list bars failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol": symbol,
		"count":  len(bars),
		"bars":   bars,
	})
}

// GET /api/trades?limit=N
func (h *handlers) listTrades(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxTradeLimit {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	trades, err := h.deps.Trades.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.Error("server: list trades failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(trades),
		"trades": trades,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
