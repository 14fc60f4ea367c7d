package trade

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/prokazin/telegram-trading-game/internal/market"
	"github.com/prokazin/telegram-trading-game/internal/model"
)

const (
	defaultTimeframe = "1h"
	defaultOHLCLimit = 100
	maxOHLCLimit     = 1000
)

// --- HTTP Handlers ---

// EnsureUserHandler handles POST /api/v1/users/{userID}
func (s *Service) EnsureUserHandler(w http.ResponseWriter, r *http.Request) {
	user, created, err := s.EnsureUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, user)
}

// GetPortfolio handles GET /api/v1/users/{userID}/portfolio
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	pf, err := s.Portfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pf)
}

// GetPositions handles GET /api/v1/users/{userID}/positions?status=open|all
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	var openOnly bool
	switch status := r.URL.Query().Get("status"); status {
	case "", "open":
		openOnly = true
	case "all":
	default:
		writeError(w, "status must be open or all", http.StatusBadRequest)
		return
	}

	positions, err := s.Positions(r.Context(), chi.URLParam(r, "userID"), openOnly)
	if err != nil {
		writeErr(w, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetTransactions handles GET /api/v1/users/{userID}/transactions
func (s *Service) GetTransactions(w http.ResponseWriter, r *http.Request) {
	entries, err := s.Transactions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if entries == nil {
		entries = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetReconcile handles GET /api/v1/users/{userID}/reconcile
// Replays the user's ledger against the stored balance.
func (s *Service) GetReconcile(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := s.Reconcile(r.Context(), userID); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "consistent": true})
}

// GetStats handles GET /api/v1/admin/stats
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.Stats(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// OpenPosition handles POST /api/v1/positions
// Opens at the feed's current price for the symbol.
func (s *Service) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if sym, err := market.ParseSymbol(req.Symbol); err == nil {
		req.Symbol = sym.String()
	}

	ctx := r.Context()
	if _, _, err := s.EnsureUser(ctx, req.UserID); err != nil {
		writeErr(w, err)
		return
	}

	tick, ok := s.prices.Price(req.Symbol)
	if !ok {
		if !s.limiter.AllowsSymbol(req.Symbol) {
			writeErr(w, model.ErrUnknownSymbol)
			return
		}
		writeError(w, "no price available for "+req.Symbol, http.StatusServiceUnavailable)
		return
	}
	req.Price = tick.Price

	pos, err := s.Open(ctx, req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

// CloseRequest is the body of a manual close. Only the owner may close.
type CloseRequest struct {
	UserID string `json:"user_id"`
}

// ClosePosition handles POST /api/v1/positions/{positionID}/close
// Closes manually at the feed's current price.
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	var req CloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	pos, err := s.store.GetPosition(ctx, chi.URLParam(r, "positionID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	// Someone else's position is reported as missing.
	if pos.UserID != req.UserID {
		writeErr(w, fmt.Errorf("position %s: %w", pos.ID, model.ErrNotFound))
		return
	}

	tick, ok := s.prices.Price(pos.Symbol)
	if !ok {
		writeError(w, "no price available for "+pos.Symbol, http.StatusServiceUnavailable)
		return
	}

	res, err := s.Close(ctx, pos.ID, tick.Price, model.CloseManual)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetPrices handles GET /api/v1/prices
func (s *Service) GetPrices(w http.ResponseWriter, _ *http.Request) {
	ticks := s.prices.Prices()
	if ticks == nil {
		ticks = []model.PriceTick{}
	}
	writeJSON(w, http.StatusOK, ticks)
}

// GetOHLC handles GET /api/v1/ohlc?symbol=BTC/USDT&timeframe=1h&limit=100
func (s *Service) GetOHLC(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	sym, err := market.ParseSymbol(q.Get("symbol"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if !s.limiter.AllowsSymbol(sym.String()) {
		writeErr(w, model.ErrUnknownSymbol)
		return
	}

	timeframe := q.Get("timeframe")
	if timeframe == "" {
		timeframe = defaultTimeframe
	}

	limit := defaultOHLCLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxOHLCLimit {
			writeError(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = n
	}

	candles, err := s.prices.OHLC(r.Context(), sym.String(), timeframe, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, candles)
}

// StatusFor maps the error taxonomy to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, model.ErrPositionLimitReached),
		errors.Is(err, model.ErrAlreadyClosed),
		errors.Is(err, model.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrTransientSource):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError && !errors.Is(err, model.ErrConsistencyViolation) {
		msg = "internal error"
	}
	writeError(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
