package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"exchange_simulator/internal/engine"
	"exchange_simulator/pkg/errors"

	"github.com/shopspring/decimal"
)

// DefaultRESTSession identifies REST callers that send no X-Session-ID.
// They all share one account, which is fine for smoke tests.
const DefaultRESTSession = "rest-session"

func restSessionID(r *http.Request) string {
	if id := r.Header.Get("X-Session-ID"); id != "" {
		return id
	}
	return DefaultRESTSession
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperrors.Kind(err)
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, apperrors.ErrNotFound), errors.Is(err, apperrors.ErrForbidden):
		// foreign orders look identical to missing ones over REST
		status = http.StatusNotFound
		kind = "NOT_FOUND"
	case errors.Is(err, apperrors.ErrInsufficientFunds):
		status = http.StatusPaymentRequired
	case errors.Is(err, apperrors.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, apperrors.ErrInternal):
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, errorBody{Error: kind, Message: err.Error()})
}

// rateLimitBody is the 429 payload
type rateLimitBody struct {
	Error          string  `json:"error"`
	RetryAfter     float64 `json:"retry_after"` // seconds; 0 when permanently banned
	ViolationCount int     `json:"violation_count"`
}

// withRateLimit applies the per-session REST budget with escalation
func (s *Server) withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.restLimiter == nil {
			next(w, r)
			return
		}
		decision := s.restLimiter.Check(restSessionID(r), time.Now())
		if decision.Allowed {
			next(w, r)
			return
		}

		retryAfter := decision.RetryAfter.Seconds()
		if !decision.Banned {
			w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds()+0.5)))
		}
		restRequestsTotal.WithLabelValues(r.URL.Path, "429").Inc()
		writeJSON(w, http.StatusTooManyRequests, rateLimitBody{
			Error:          "RATE_LIMITED",
			RetryAfter:     retryAfter,
			ViolationCount: decision.ViolationCount,
		})
	}
}

func (s *Server) counted(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		restRequestsTotal.WithLabelValues(route, "").Inc()
		next(w, r)
	}
}

func (s *Server) registerRESTRoutes(mux *http.ServeMux) {
	api := func(pattern, route string, h http.HandlerFunc) {
		mux.HandleFunc(pattern, s.counted(route, s.withRateLimit(h)))
	}

	api("GET /api/v1/symbols", "symbols", s.handleSymbols)
	api("GET /api/v1/ticker", "ticker", s.handleTicker)
	api("GET /api/v1/prices", "prices", s.handlePrices)
	api("GET /api/v1/orderbook", "orderbook", s.handleOrderbook)
	api("POST /api/v1/orders", "orders", s.handlePlaceOrder)
	api("GET /api/v1/orders", "orders", s.handleListOrders)
	api("GET /api/v1/orders/{id}", "order", s.handleGetOrder)
	api("DELETE /api/v1/orders/{id}", "order", s.handleCancelOrder)
	api("GET /api/v1/fills", "fills", s.handleFills)
	api("GET /api/v1/balance", "balance", s.handleBalance)
	api("GET /api/v1/position", "position", s.handlePosition)

	// admin endpoints bypass the rate limiter so a banned test harness
	// can still inspect and reset it
	mux.HandleFunc("GET /api/v1/admin/failures", s.handleFailureStats)
	mux.HandleFunc("POST /api/v1/admin/failures", s.handleFailureToggle)
	mux.HandleFunc("POST /api/v1/admin/failures/reset", s.handleFailureReset)
}

func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"symbols": s.engine.Symbols()})
}

func (s *Server) handleTicker(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	tick, ok := s.publisher.Ticker(symbol)
	if !ok {
		writeError(w, fmt.Errorf("%w: %q", apperrors.ErrUnknownSymbol, symbol))
		return
	}
	writeJSON(w, http.StatusOK, tick)
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if !s.engine.HasSymbol(symbol) {
		writeError(w, fmt.Errorf("%w: %q", apperrors.ErrUnknownSymbol, symbol))
		return
	}

	limit := 500
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, fmt.Errorf("%w: bad limit %q", apperrors.ErrMalformed, raw))
			return
		}
		limit = n
	}
	if limit > 10000 {
		limit = 10000
	}

	parseTime := func(key string) (time.Time, bool, error) {
		raw := r.URL.Query().Get(key)
		if raw == "" {
			return time.Time{}, false, nil
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("%w: bad %s %q", apperrors.ErrMalformed, key, raw)
		}
		return ts, true, nil
	}
	start, hasStart, err := parseTime("start")
	if err != nil {
		writeError(w, err)
		return
	}
	end, hasEnd, err := parseTime("end")
	if err != nil {
		writeError(w, err)
		return
	}

	ticks := s.history.Recent(symbol, 0)
	if hasStart || hasEnd {
		filtered := ticks[:0:0]
		for _, t := range ticks {
			if hasStart && t.Timestamp.Before(start) {
				continue
			}
			if hasEnd && t.Timestamp.After(end) {
				continue
			}
			filtered = append(filtered, t)
		}
		ticks = filtered
	}
	if len(ticks) > limit {
		ticks = ticks[len(ticks)-limit:]
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol": symbol,
		"prices": ticks,
	})
}

func (s *Server) handleOrderbook(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	levels := 20
	if raw := r.URL.Query().Get("levels"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			levels = n
		}
	}

	bids, asks, err := s.engine.Depth(symbol, levels)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":    symbol,
		"bids":      bids,
		"asks":      asks,
		"timestamp": time.Now().UTC(),
	})
}

type placeOrderBody struct {
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"order_type"`
	Price       string `json:"price"`
	Quantity    string `json:"quantity"`
	TimeInForce string `json:"time_in_force"`
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var body placeOrderBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, fmt.Errorf("%w: %v", apperrors.ErrMalformed, err))
		return
	}

	req, err := placeRequestFromBody(restSessionID(r), body)
	if err != nil {
		writeError(w, err)
		return
	}

	order, fills, err := s.engine.PlaceOrder(req)
	if err != nil {
		writeError(w, err)
		return
	}
	ordersTotal.WithLabelValues(string(order.Status)).Inc()
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"order": order,
		"fills": fills,
	})
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	orders := s.engine.ListOrders(restSessionID(r),
		r.URL.Query().Get("symbol"),
		engine.OrderStatus(r.URL.Query().Get("status")))
	if orders == nil {
		orders = []*engine.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"orders": orders})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.engine.GetOrder(restSessionID(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"order": order})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.engine.CancelOrder(restSessionID(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"order": order})
}

func (s *Server) handleFills(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	fills := s.engine.Fills(restSessionID(r), limit)
	if fills == nil {
		fills = []*engine.Fill{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"fills": fills})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"balances": s.engine.Balances(restSessionID(r)),
	})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	asset, qty, err := s.engine.Position(restSessionID(r), symbol)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":   symbol,
		"asset":    asset,
		"quantity": qty,
	})
}

func (s *Server) handleFailureStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"enabled":    s.injector.Enabled(),
		"strategies": s.injector.Strategies(),
		"statistics": s.injector.Statistics(),
	})
}

func (s *Server) handleFailureToggle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, fmt.Errorf("%w: %v", apperrors.ErrMalformed, err))
		return
	}
	s.injector.SetEnabled(body.Enabled)
	writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": body.Enabled})
}

func (s *Server) handleFailureReset(w http.ResponseWriter, r *http.Request) {
	s.injector.ResetStatistics()
	if s.restLimiter != nil {
		s.restLimiter.Reset()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reset": true})
}

func placeRequestFromBody(sessionID string, body placeOrderBody) (engine.PlaceOrderRequest, error) {
	req := engine.PlaceOrderRequest{
		SessionID:   sessionID,
		Symbol:      body.Symbol,
		Side:        engine.Side(body.Side),
		Type:        engine.OrderType(body.OrderType),
		TimeInForce: engine.TimeInForce(body.TimeInForce),
	}
	qty, err := decimal.NewFromString(body.Quantity)
	if err != nil {
		return req, fmt.Errorf("%w: bad quantity %q", apperrors.ErrInvalidOrder, body.Quantity)
	}
	req.Quantity = qty
	if body.Price != "" {
		price, err := decimal.NewFromString(body.Price)
		if err != nil {
			return req, fmt.Errorf("%w: bad price %q", apperrors.ErrInvalidOrder, body.Price)
		}
		req.Price = price
	}
	return req, nil
}
