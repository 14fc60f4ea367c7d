package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/prokazin/telegram-trading-game/internal/model"
	"github.com/prokazin/telegram-trading-game/internal/notify"
	"github.com/prokazin/telegram-trading-game/internal/trade"
)

var _ notify.Sender = (*trade.WSHub)(nil)

func doRequest(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func doAs(t *testing.T, router http.Handler, caller, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if caller != "" {
		req.Header.Set(trade.CallerHeader, caller)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHTTP_OpenAndClose(t *testing.T) {
	_, _, prices, router := newTestEnv(t)

	w := doRequest(t, router, "POST", "/api/v1/positions", map[string]any{
		"user_id": "42", "symbol": "btc/usdt", "side": "long", "leverage": 10, "amount": "100",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("open status = %d, body: %s", w.Code, w.Body.String())
	}
	var pos model.Position
	if err := json.NewDecoder(w.Body).Decode(&pos); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pos.Symbol != "BTC/USDT" || !pos.EntryPrice.Equal(d(50000)) || !pos.LiquidationPrice.Equal(d(45250)) {
		t.Errorf("position = %+v", pos)
	}

	prices.set("BTC/USDT", 50010)
	closePath := "/api/v1/positions/" + pos.ID + "/close"

	w = doRequest(t, router, "POST", closePath, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("close without user_id status = %d, want 400", w.Code)
	}
	w = doRequest(t, router, "POST", closePath, map[string]string{"user_id": "43"})
	if w.Code != http.StatusNotFound {
		t.Errorf("close by another user status = %d, want 404", w.Code)
	}

	w = doRequest(t, router, "POST", closePath, map[string]string{"user_id": "42"})
	if w.Code != http.StatusOK {
		t.Fatalf("close status = %d, body: %s", w.Code, w.Body.String())
	}
	var res trade.CloseResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// pnl = 10 * 100 * 10
	if !res.Position.RealizedPnL.Equal(d(10000)) || res.Position.CloseReason != model.CloseManual {
		t.Errorf("close result = %+v", res.Position)
	}

	w = doRequest(t, router, "POST", closePath, map[string]string{"user_id": "42"})
	if w.Code != http.StatusConflict {
		t.Errorf("second close status = %d, want 409", w.Code)
	}
}

func TestHTTP_OpenRejections(t *testing.T) {
	_, _, _, router := newTestEnv(t)

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"below minimum", map[string]any{"user_id": "42", "symbol": "BTC/USDT", "side": "long", "leverage": 2, "amount": "5"}, http.StatusBadRequest},
		{"insufficient funds", map[string]any{"user_id": "42", "symbol": "BTC/USDT", "side": "long", "leverage": 10, "amount": "5000"}, http.StatusPaymentRequired},
		{"unknown symbol", map[string]any{"user_id": "42", "symbol": "DOGE/USDT", "side": "long", "leverage": 2, "amount": "100"}, http.StatusBadRequest},
		{"no price yet", map[string]any{"user_id": "42", "symbol": "ETH/USDT", "side": "long", "leverage": 2, "amount": "100"}, http.StatusServiceUnavailable},
		{"missing user", map[string]any{"symbol": "BTC/USDT", "side": "long", "leverage": 2, "amount": "100"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, router, "POST", "/api/v1/positions", tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d; body: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestHTTP_InvalidBody(t *testing.T) {
	_, _, _, router := newTestEnv(t)
	req := httptest.NewRequest("POST", "/api/v1/positions", strings.NewReader("{"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHTTP_UserEndpoints(t *testing.T) {
	svc, _, _, router := newTestEnv(t)

	w := doRequest(t, router, "POST", "/api/v1/users/7", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("ensure status = %d", w.Code)
	}
	w = doRequest(t, router, "POST", "/api/v1/users/7", nil)
	if w.Code != http.StatusOK {
		t.Errorf("second ensure status = %d, want 200", w.Code)
	}

	pos := openBTC(t, svc, "7", model.SideLong, 100, 5, 50000)
	if _, err := svc.Close(context.Background(), pos.ID, d(50000), model.CloseManual); err != nil {
		t.Fatalf("Close: %v", err)
	}
	openBTC(t, svc, "7", model.SideShort, 20, 2, 50000)

	var open, all []model.Position
	w = doRequest(t, router, "GET", "/api/v1/users/7/positions", nil)
	_ = json.NewDecoder(w.Body).Decode(&open)
	w = doRequest(t, router, "GET", "/api/v1/users/7/positions?status=all", nil)
	_ = json.NewDecoder(w.Body).Decode(&all)
	if len(open) != 1 || len(all) != 2 {
		t.Errorf("open=%d all=%d, want 1 and 2", len(open), len(all))
	}

	var entries []model.Transaction
	w = doRequest(t, router, "GET", "/api/v1/users/7/transactions", nil)
	_ = json.NewDecoder(w.Body).Decode(&entries)
	if len(entries) != 4 {
		t.Errorf("transactions = %d, want 4", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Seq <= entries[i-1].Seq {
			t.Errorf("entries out of order at %d", i)
		}
	}

	var pf model.Portfolio
	w = doRequest(t, router, "GET", "/api/v1/users/7/portfolio", nil)
	_ = json.NewDecoder(w.Body).Decode(&pf)
	if pf.OpenPositions != 1 || !pf.TotalMargin.Equal(d(4)) {
		t.Errorf("portfolio = %+v", pf)
	}

	w = doAs(t, router, testAdmin, "GET", "/api/v1/users/7/reconcile")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"consistent":true`) {
		t.Errorf("reconcile = %d %s", w.Code, w.Body.String())
	}

	w = doRequest(t, router, "GET", "/api/v1/users/nobody/portfolio", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown user status = %d, want 404", w.Code)
	}
	w = doRequest(t, router, "GET", "/api/v1/users/7/positions?status=closed", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad status filter = %d, want 400", w.Code)
	}
}

func TestHTTP_AdminRoutes(t *testing.T) {
	svc, _, _, router := newTestEnv(t)
	mustUser(t, svc, "7")
	pos := openBTC(t, svc, "7", model.SideLong, 100, 5, 50000)
	if _, err := svc.Close(context.Background(), pos.ID, d(50000), model.CloseManual); err != nil {
		t.Fatalf("Close: %v", err)
	}
	openBTC(t, svc, "7", model.SideShort, 20, 2, 50000)

	if w := doAs(t, router, "", "GET", "/api/v1/admin/stats"); w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous stats = %d, want 401", w.Code)
	}
	if w := doAs(t, router, "7", "GET", "/api/v1/admin/stats"); w.Code != http.StatusForbidden {
		t.Errorf("player stats = %d, want 403", w.Code)
	}
	if w := doAs(t, router, "7", "GET", "/api/v1/users/7/reconcile"); w.Code != http.StatusForbidden {
		t.Errorf("player reconcile = %d, want 403", w.Code)
	}

	w := doAs(t, router, testAdmin, "GET", "/api/v1/admin/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("admin stats = %d, body: %s", w.Code, w.Body.String())
	}
	var st model.Stats
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.TotalUsers != 1 || st.ActiveUsers != 1 || st.TotalPositions != 2 || st.OpenPositions != 1 {
		t.Errorf("counts = %+v", st)
	}
	// 2000 - 50 + 50 - 4
	if !st.AverageBalance.Equal(d(1996)) || !st.AverageOpenLeverage.Equal(d(2)) {
		t.Errorf("averages: balance %s leverage %s", st.AverageBalance, st.AverageOpenLeverage)
	}
	if !st.ClosedVolume.Equal(d(25000000)) || st.GeneratedAt.IsZero() {
		t.Errorf("closed volume %s generated %s", st.ClosedVolume, st.GeneratedAt)
	}
}

func TestAdminOnly_NoAdminsRefusesEveryone(t *testing.T) {
	h := trade.AdminOnly(nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	for _, caller := range []string{"1001", " "} {
		req := httptest.NewRequest("GET", "/api/v1/admin/stats", nil)
		req.Header.Set(trade.CallerHeader, caller)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code == http.StatusOK {
			t.Errorf("caller %q let through with no admins configured", caller)
		}
	}
}

func TestHTTP_MarketData(t *testing.T) {
	_, _, _, router := newTestEnv(t)

	var ticks []model.PriceTick
	w := doRequest(t, router, "GET", "/api/v1/prices", nil)
	_ = json.NewDecoder(w.Body).Decode(&ticks)
	if len(ticks) != 1 || ticks[0].Symbol != "BTC/USDT" {
		t.Errorf("prices = %+v", ticks)
	}

	var candles []model.Candle
	w = doRequest(t, router, "GET", "/api/v1/ohlc?symbol=ETH/USDT", nil)
	_ = json.NewDecoder(w.Body).Decode(&candles)
	if w.Code != http.StatusOK || len(candles) != 100 {
		t.Errorf("default ohlc: status %d, %d candles", w.Code, len(candles))
	}

	for _, tt := range []struct {
		path string
		want int
	}{
		{"/api/v1/ohlc?symbol=BTC/USDT&timeframe=2h", http.StatusBadRequest},
		{"/api/v1/ohlc?symbol=BTC/USDT&limit=0", http.StatusBadRequest},
		{"/api/v1/ohlc?symbol=XRP/USDT", http.StatusBadRequest},
		{"/api/v1/ohlc?symbol=BTCUSDT", http.StatusBadRequest},
		{"/api/v1/ohlc?symbol=BTC/USDT&limit=5&timeframe=4h", http.StatusOK},
	} {
		if w := doRequest(t, router, "GET", tt.path, nil); w.Code != tt.want {
			t.Errorf("%s: status %d, want %d", tt.path, w.Code, tt.want)
		}
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{model.ErrBelowMinimum, http.StatusBadRequest},
		{model.ErrInsufficientFunds, http.StatusPaymentRequired},
		{model.ErrPositionLimitReached, http.StatusConflict},
		{model.ErrAlreadyClosed, http.StatusConflict},
		{model.ErrNotFound, http.StatusNotFound},
		{model.ErrTransientSource, http.StatusServiceUnavailable},
		{model.ErrConsistencyViolation, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := trade.StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestWSHub_BroadcastsToClients(t *testing.T) {
	hub := trade.NewWSHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The upgrade completes before the hub registers the client, so keep
	// sending until one message lands.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = hub.Send(context.Background(), "42", model.CloseEvent{
					UserID: "42", PositionID: "p1", Reason: model.CloseLiquidation,
				})
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg trade.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != trade.MessagePositionClosed || msg.Event == nil || msg.Event.PositionID != "p1" {
		t.Errorf("message = %+v", msg)
	}
	if hub.Name() != "websocket" {
		t.Errorf("name = %q", hub.Name())
	}
}
