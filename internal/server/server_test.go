package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"exchange_simulator/internal/config"
	"exchange_simulator/pkg/logging"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Failures.Enabled = false
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *httptest.Server) {
	t.Helper()
	s := New(cfg, logging.GetGlobalLogger())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

func postJSON(t *testing.T, url, session string, body interface{}, out interface{}) int {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if session != "" {
		req.Header.Set("X-Session-ID", session)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthAndSymbols(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	var health map[string]interface{}
	require.Equal(t, 200, getJSON(t, ts.URL+"/health", &health))
	assert.Equal(t, "ok", health["status"])

	var symbols struct {
		Symbols []string `json:"symbols"`
	}
	require.Equal(t, 200, getJSON(t, ts.URL+"/api/v1/symbols", &symbols))
	assert.Equal(t, []string{"BTC/USD"}, symbols.Symbols)
}

func TestRESTOrderLifecycle(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	var placed struct {
		Order struct {
			OrderID string `json:"order_id"`
			Status  string `json:"status"`
			Price   string `json:"price"`
		} `json:"order"`
	}
	code := postJSON(t, ts.URL+"/api/v1/orders", "alice", map[string]string{
		"symbol": "BTC/USD", "side": "SELL", "order_type": "LIMIT",
		"price": "50000", "quantity": "1",
	}, &placed)
	require.Equal(t, 201, code)
	assert.Equal(t, "OPEN", placed.Order.Status)
	require.NotEmpty(t, placed.Order.OrderID)

	// visible in the book
	var book struct {
		Asks []struct {
			Price    string `json:"price"`
			Quantity string `json:"quantity"`
		} `json:"asks"`
	}
	require.Equal(t, 200, getJSON(t, ts.URL+"/api/v1/orderbook?symbol=BTC/USD", &book))
	require.Len(t, book.Asks, 1)
	assert.Equal(t, "50000", book.Asks[0].Price)

	// fetch and cancel with the owning session
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/orders/"+placed.Order.OrderID, nil)
	req.Header.Set("X-Session-ID", "alice")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)

	// a different session sees 404
	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/api/v1/orders/"+placed.Order.OrderID, nil)
	req.Header.Set("X-Session-ID", "mallory")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 404, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/orders/"+placed.Order.OrderID, nil)
	req.Header.Set("X-Session-ID", "alice")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}

func TestRESTTradeSettlesBalances(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	require.Equal(t, 201, postJSON(t, ts.URL+"/api/v1/orders", "maker", map[string]string{
		"symbol": "BTC/USD", "side": "SELL", "order_type": "LIMIT",
		"price": "100", "quantity": "1",
	}, nil))

	var placed struct {
		Order struct {
			Status string `json:"status"`
		} `json:"order"`
		Fills []struct {
			Price string `json:"price"`
		} `json:"fills"`
	}
	require.Equal(t, 201, postJSON(t, ts.URL+"/api/v1/orders", "taker", map[string]string{
		"symbol": "BTC/USD", "side": "BUY", "order_type": "LIMIT",
		"price": "100", "quantity": "1",
	}, &placed))
	assert.Equal(t, "FILLED", placed.Order.Status)
	require.Len(t, placed.Fills, 1)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/balance", nil)
	req.Header.Set("X-Session-ID", "taker")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var bal struct {
		Balances map[string]struct {
			Free string `json:"free"`
		} `json:"balances"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&bal))
	assert.Equal(t, "11", bal.Balances["BTC"].Free)
	assert.Equal(t, "99900", bal.Balances["USD"].Free)

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/api/v1/fills", nil)
	req.Header.Set("X-Session-ID", "maker")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	var fills struct {
		Fills []struct {
			IsMaker bool `json:"is_maker"`
		} `json:"fills"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&fills))
	require.Len(t, fills.Fills, 1)
	assert.True(t, fills.Fills[0].IsMaker)
}

func TestRESTErrors(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	var e errorBody
	require.Equal(t, 400, postJSON(t, ts.URL+"/api/v1/orders", "s1", map[string]string{
		"symbol": "DOGE/USD", "side": "BUY", "order_type": "LIMIT",
		"price": "1", "quantity": "1",
	}, &e))
	assert.Equal(t, "UNKNOWN_SYMBOL", e.Error)

	// worst-case cost exceeds the default USD balance
	require.Equal(t, 402, postJSON(t, ts.URL+"/api/v1/orders", "s1", map[string]string{
		"symbol": "BTC/USD", "side": "BUY", "order_type": "LIMIT",
		"price": "200000", "quantity": "1",
	}, &e))
	assert.Equal(t, "INSUFFICIENT_BALANCE", e.Error)

	resp, err := http.Get(ts.URL + "/api/v1/orderbook?symbol=DOGE/USD")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 400, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/orders/missing", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 404, resp.StatusCode)
}

func TestRESTPricesFromPublisher(t *testing.T) {
	s, ts := newTestServer(t, testConfig())

	for i := 0; i < 3; i++ {
		s.publisher.Step(time.Now())
	}

	var prices struct {
		Prices []struct {
			SequenceID uint64 `json:"sequence_id"`
			Bid        string `json:"bid"`
			Ask        string `json:"ask"`
		} `json:"prices"`
	}
	require.Equal(t, 200, getJSON(t, ts.URL+"/api/v1/prices?symbol=BTC/USD&limit=2", &prices))
	require.Len(t, prices.Prices, 2)
	assert.Equal(t, uint64(2), prices.Prices[0].SequenceID)
	assert.Equal(t, uint64(3), prices.Prices[1].SequenceID)
}

func TestRESTPricesTimeFilter(t *testing.T) {
	s, ts := newTestServer(t, testConfig())

	base := time.Now().UTC().Truncate(time.Second)
	s.publisher.Step(base)
	s.publisher.Step(base.Add(10 * time.Second))
	s.publisher.Step(base.Add(20 * time.Second))

	var prices struct {
		Prices []struct {
			SequenceID uint64 `json:"sequence_id"`
		} `json:"prices"`
	}
	url := ts.URL + "/api/v1/prices?symbol=BTC/USD" +
		"&start=" + base.Add(5*time.Second).Format(time.RFC3339) +
		"&end=" + base.Add(15*time.Second).Format(time.RFC3339)
	require.Equal(t, 200, getJSON(t, url, &prices))
	require.Len(t, prices.Prices, 1)
	assert.Equal(t, uint64(2), prices.Prices[0].SequenceID)

	var body map[string]interface{}
	assert.Equal(t, 400, getJSON(t, ts.URL+"/api/v1/prices?symbol=BTC/USD&start=yesterday", &body))
}

func TestRESTTicker(t *testing.T) {
	s, ts := newTestServer(t, testConfig())

	// before any tick the ticker is synthesized from the initial mid
	var tick struct {
		Symbol string `json:"symbol"`
		Last   string `json:"last"`
		Bid    string `json:"bid"`
		Ask    string `json:"ask"`
	}
	require.Equal(t, 200, getJSON(t, ts.URL+"/api/v1/ticker?symbol=BTC/USD", &tick))
	assert.Equal(t, "BTC/USD", tick.Symbol)
	assert.Equal(t, "50000", tick.Last)
	assert.NotEqual(t, tick.Bid, tick.Ask)

	// after a tick the published value is served
	s.publisher.Step(time.Now())
	var after struct {
		SequenceID uint64 `json:"sequence_id"`
	}
	require.Equal(t, 200, getJSON(t, ts.URL+"/api/v1/ticker?symbol=BTC/USD", &after))
	assert.Equal(t, uint64(1), after.SequenceID)

	var body map[string]interface{}
	assert.Equal(t, 400, getJSON(t, ts.URL+"/api/v1/ticker?symbol=NOPE/USD", &body))
}

func TestRESTRateLimitEscalation(t *testing.T) {
	cfg := testConfig()
	cfg.Failures.Enabled = true
	cfg.Failures.Modes = map[string]config.FailureMode{
		"rate_limit": {Enabled: true, BaselineRPS: 2},
	}
	_, ts := newTestServer(t, cfg)

	get := func(session string) (*http.Response, rateLimitBody) {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/symbols", nil)
		req.Header.Set("X-Session-ID", session)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		var body rateLimitBody
		json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		return resp, body
	}

	resp, _ := get("hog")
	assert.Equal(t, 200, resp.StatusCode)
	resp, _ = get("hog")
	assert.Equal(t, 200, resp.StatusCode)

	resp, body := get("hog")
	assert.Equal(t, 429, resp.StatusCode)
	assert.Equal(t, "RATE_LIMITED", body.Error)
	assert.Equal(t, 1, body.ViolationCount)
	assert.InDelta(t, 10, body.RetryAfter, 0.5)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	// an independent session is unaffected
	resp, _ = get("polite")
	assert.Equal(t, 200, resp.StatusCode)

	// admin reset clears the penalty
	require.Equal(t, 200, postJSON(t, ts.URL+"/api/v1/admin/failures/reset", "", map[string]string{}, nil))
	resp, _ = get("hog")
	assert.Equal(t, 200, resp.StatusCode)
}

func TestAdminFailureEndpoints(t *testing.T) {
	cfg := testConfig()
	cfg.Failures.Enabled = true
	cfg.Failures.Modes = map[string]config.FailureMode{
		"drop_messages": {Enabled: true, Probability: 0.5},
	}
	_, ts := newTestServer(t, cfg)

	var stats struct {
		Enabled    bool                `json:"enabled"`
		Strategies map[string][]string `json:"strategies"`
	}
	require.Equal(t, 200, getJSON(t, ts.URL+"/api/v1/admin/failures", &stats))
	assert.True(t, stats.Enabled)
	assert.Contains(t, stats.Strategies["inbound"], "drop_messages")

	var toggled map[string]interface{}
	require.Equal(t, 200, postJSON(t, ts.URL+"/api/v1/admin/failures", "",
		map[string]bool{"enabled": false}, &toggled))
	assert.Equal(t, false, toggled["enabled"])

	require.Equal(t, 200, getJSON(t, ts.URL+"/api/v1/admin/failures", &stats))
	assert.False(t, stats.Enabled)
}

func dialWS(t *testing.T, ts *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if sessionID != "" {
		url += "?session_id=" + sessionID
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

// readUntil skips frames until one of the wanted type arrives
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		frame := readFrame(t, conn)
		if frame["type"] == msgType {
			return frame
		}
	}
	t.Fatalf("no %s frame before deadline", msgType)
	return nil
}

func TestWebSocketPlaceOrderAndPing(t *testing.T) {
	_, ts := newTestServer(t, testConfig())
	conn := dialWS(t, ts, "ws-client")

	require.NoError(t, conn.WriteJSON(map[string]string{
		"type": "PING", "request_id": "hb",
	}))
	frame := readUntil(t, conn, "PONG")
	assert.Equal(t, "hb", frame["request_id"])

	require.NoError(t, conn.WriteJSON(map[string]string{
		"type": "PLACE_ORDER", "request_id": "o1",
		"symbol": "BTC/USD", "side": "SELL", "order_type": "LIMIT",
		"price": "50000", "quantity": "1",
	}))
	frame = readUntil(t, conn, "ORDER_ACK")
	order := frame["data"].(map[string]interface{})
	assert.Equal(t, "OPEN", order["status"])
}

func TestWebSocketTradeNotifications(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	maker := dialWS(t, ts, "maker")
	taker := dialWS(t, ts, "taker")

	require.NoError(t, maker.WriteJSON(map[string]string{
		"type": "SUBSCRIBE", "channel": "TRADES", "symbol": "BTC/USD",
	}))
	readUntil(t, maker, "SUBSCRIBED")

	require.NoError(t, maker.WriteJSON(map[string]string{
		"type": "PLACE_ORDER", "symbol": "BTC/USD", "side": "SELL",
		"order_type": "LIMIT", "price": "100", "quantity": "1",
	}))
	readUntil(t, maker, "ORDER_ACK")

	require.NoError(t, taker.WriteJSON(map[string]string{
		"type": "PLACE_ORDER", "symbol": "BTC/USD", "side": "BUY",
		"order_type": "LIMIT", "price": "100", "quantity": "1",
	}))
	readUntil(t, taker, "ORDER_ACK")

	// maker sees its fill privately and the public trade on the channel
	readUntil(t, maker, "FILL")
	trade := readUntil(t, maker, "TRADE")
	assert.Equal(t, "TRADES", trade["channel"])
	assert.Equal(t, float64(1), trade["sequence_id"])
	payload := trade["data"].(map[string]interface{})
	assert.Equal(t, "100", payload["price"])
}

func TestWebSocketErrorFrames(t *testing.T) {
	_, ts := newTestServer(t, testConfig())
	conn := dialWS(t, ts, "errs")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{broken")))
	frame := readUntil(t, conn, "ERROR")
	assert.Equal(t, "MALFORMED", frame["kind"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "NOPE"}))
	frame = readUntil(t, conn, "ERROR")
	assert.Equal(t, "UNKNOWN_MESSAGE_TYPE", frame["kind"])
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}

func TestRunAndShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Port = 0 // unused; Run binds but the test cancels right away
	s := New(cfg, logging.GetGlobalLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := s.Run(ctx)
	assert.NoError(t, err)
}
