// Package api exposes the broker adapter and the session pool over HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"trading-sharedv1/internal/adapter"
	"trading-sharedv1/internal/broker"
	"trading-sharedv1/internal/instrument"
	"trading-sharedv1/internal/logger"
	"trading-sharedv1/internal/resilience"
	"trading-sharedv1/internal/session"
	"trading-sharedv1/pkg/autotrader"
)

// PoolAdmin is the part of the session pool the API administers.
type PoolAdmin interface {
	Stats() session.Stats
	ResetAll()
	SweepStale() int
	Invalidate(tenant string)
}

type orderFunc func(*adapter.Client, context.Context, broker.Params) (adapter.Result, error)

var orderOps = map[string]orderFunc{
	"regular":              (*adapter.Client).PlaceRegularOrder,
	"cover":                (*adapter.Client).PlaceCoverOrder,
	"bracket":              (*adapter.Client).PlaceBracketOrder,
	"advanced":             (*adapter.Client).PlaceAdvancedOrder,
	"modify":               (*adapter.Client).ModifyOrderByPlatformID,
	"cancel":               (*adapter.Client).CancelOrderByPlatformID,
	"cancel-all":           (*adapter.Client).CancelAllOrders,
	"cancel-children":      (*adapter.Client).CancelChildOrdersByPlatformID,
	"square-off-position":  (*adapter.Client).SquareOffPosition,
	"square-off-portfolio": (*adapter.Client).SquareOffPortfolio,
}

type readFunc func(*adapter.Client, context.Context, string) (adapter.Result, error)

var accountReads = map[string]readFunc{
	"margins":   (*adapter.Client).ReadPlatformMargins,
	"positions": (*adapter.Client).ReadPlatformPositions,
	"holdings":  (*adapter.Client).ReadPlatformHoldings,
	"orders":    (*adapter.Client).ReadPlatformOrders,
}

type handler struct {
	adapter *adapter.Adapter
	pool    PoolAdmin
}

// NewRouter sets up the HTTP routes. health serves /api/v1/health and may be nil.
func NewRouter(a *adapter.Adapter, pool PoolAdmin, health http.Handler) http.Handler {
	h := &handler{adapter: a, pool: pool}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/tenants/{tenant}/orders/{op}", h.placeOrder)
	mux.HandleFunc("GET /api/v1/tenants/{tenant}/orders/{orderID}", h.orderStatus)
	mux.HandleFunc("GET /api/v1/tenants/{tenant}/accounts/{account}/{view}", h.readAccount)
	mux.HandleFunc("DELETE /api/v1/tenants/{tenant}/session", h.invalidate)

	mux.HandleFunc("GET /api/v1/pool/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, h.pool.Stats())
	})
	mux.HandleFunc("POST /api/v1/pool/reset", func(w http.ResponseWriter, r *http.Request) {
		h.pool.ResetAll()
		slog.Info("pool reset via api", logger.Attrs(r.Context())...)
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	})
	mux.HandleFunc("POST /api/v1/pool/sweep", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "removed": h.pool.SweepStale()})
	})

	mux.HandleFunc("GET /api/v1/instruments/parse", h.parseSymbol)
	mux.HandleFunc("GET /api/v1/instruments/symbol", h.brokerSymbol)

	if health == nil {
		health = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	mux.Handle("GET /api/v1/health", health)

	return withRequestID(mux)
}

// withRequestID tags the request context with X-Request-Id (or a fresh id)
// and logs the request once it completes.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = logger.NewRequestID()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := logger.WithRequestID(r.Context(), id)

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		slog.Debug("api request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", id))
	})
}

func (h *handler) client(r *http.Request) (*adapter.Client, context.Context) {
	tenant := r.PathValue("tenant")
	ctx := logger.WithTenant(r.Context(), tenant)
	return h.adapter.For(tenant, r.Header.Get("X-Api-Key")), ctx
}

func (h *handler) placeOrder(w http.ResponseWriter, r *http.Request) {
	op, ok := orderOps[r.PathValue("op")]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown order operation "+r.PathValue("op"))
		return
	}
	var params broker.Params
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if params == nil {
		params = broker.Params{}
	}
	c, ctx := h.client(r)
	res, err := op(c, ctx, params)
	h.respond(ctx, w, res, err)
}

func (h *handler) orderStatus(w http.ResponseWriter, r *http.Request) {
	c, ctx := h.client(r)
	res, err := c.GetOrderStatus(ctx, r.PathValue("orderID"))
	h.respond(ctx, w, res, err)
}

func (h *handler) readAccount(w http.ResponseWriter, r *http.Request) {
	account, view := r.PathValue("account"), r.PathValue("view")
	c, ctx := h.client(r)

	if view == "snapshot" {
		snap, err := c.Snapshot(ctx, account)
		if err != nil {
			h.respond(ctx, w, adapter.Result{}, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
		return
	}

	read, ok := accountReads[view]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown account view "+view)
		return
	}
	res, err := read(c, ctx, account)
	h.respond(ctx, w, res, err)
}

func (h *handler) invalidate(w http.ResponseWriter, r *http.Request) {
	h.pool.Invalidate(r.PathValue("tenant"))
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *handler) parseSymbol(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	k := h.adapter.Codec().Components(symbol, r.URL.Query().Get("exchange"))
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":         symbol,
		"instrument_key": k.String(),
		"components":     k,
	})
}

func (h *handler) brokerSymbol(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	sym, err := h.adapter.Codec().ToBrokerSymbol(key)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instrument_key": key, "symbol": sym})
}

// respond writes a broker Result. A broker rejection is still a 200; only
// errors from the lease or the transport map to failure codes.
func (h *handler) respond(ctx context.Context, w http.ResponseWriter, res adapter.Result, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, res)
		return
	}
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		slog.Error("broker call failed", append(logger.Attrs(ctx), slog.String("error", err.Error()))...)
	}
	writeError(w, code, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, instrument.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrMissingCredential):
		return http.StatusUnauthorized
	case errors.Is(err, adapter.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, session.ErrSessionCreateFailed),
		errors.Is(err, broker.ErrFactoryUnavailable),
		errors.Is(err, resilience.ErrCircuitOpen),
		errors.Is(err, autotrader.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, adapter.Result{Success: false, Message: msg})
}
