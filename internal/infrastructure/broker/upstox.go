package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vitos/option_exit_bot/internal/domain"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://api.upstox.com"
	DefaultWSURL   = "wss://api.upstox.com/v3/feed/market-data-feed"
)

// UpstoxAdapter implements domain.Broker against the Upstox-style REST
// and market-feed APIs. It owns exactly one websocket session; the feed
// ingestor above it owns the subscription snapshot and reconnect policy.
type UpstoxAdapter struct {
	accessToken string
	baseURL     string
	wsURL       string
	client      *http.Client
	quoteLimit  *rate.Limiter

	mu           sync.Mutex
	wsConn       *websocket.Conn
	tickCbs      []func(domain.Tick)
	disconnectCb func(error)
}

func NewUpstoxAdapter(accessToken, baseURL, wsURL string) *UpstoxAdapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if wsURL == "" {
		wsURL = DefaultWSURL
	}
	return &UpstoxAdapter{
		accessToken: accessToken,
		baseURL:     baseURL,
		wsURL:       wsURL,
		client:      &http.Client{Timeout: 10 * time.Second},
		// The quote endpoint is a fallback path; cap it well under the
		// venue's documented per-second ceiling.
		quoteLimit: rate.NewLimiter(rate.Limit(5), 5),
	}
}

func (u *UpstoxAdapter) OnTick(cb func(domain.Tick)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.tickCbs = append(u.tickCbs, cb)
}

func (u *UpstoxAdapter) OnDisconnect(cb func(error)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.disconnectCb = cb
}

// Connect dials the market feed websocket and starts the read loop.
// Calling it while connected is a no-op.
func (u *UpstoxAdapter) Connect() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.wsConn != nil {
		return nil
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+u.accessToken)
	conn, _, err := websocket.DefaultDialer.Dial(u.wsURL, header)
	if err != nil {
		return fmt.Errorf("feed dial: %w", err)
	}
	u.wsConn = conn
	go u.readLoop(conn)
	return nil
}

func (u *UpstoxAdapter) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.wsConn == nil {
		return nil
	}
	err := u.wsConn.Close()
	u.wsConn = nil
	return err
}

func (u *UpstoxAdapter) Subscribe(instrumentKeys []string) error {
	return u.sendFeedOp("sub", instrumentKeys)
}

func (u *UpstoxAdapter) Unsubscribe(instrumentKeys []string) error {
	return u.sendFeedOp("unsub", instrumentKeys)
}

func (u *UpstoxAdapter) sendFeedOp(method string, instrumentKeys []string) error {
	if len(instrumentKeys) == 0 {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.wsConn == nil {
		return fmt.Errorf("feed not connected")
	}
	msg := map[string]interface{}{
		"guid":   fmt.Sprintf("%d", time.Now().UnixNano()),
		"method": method,
		"data": map[string]interface{}{
			"mode":           "ltpc",
			"instrumentKeys": instrumentKeys,
		},
	}
	return u.wsConn.WriteJSON(msg)
}

func (u *UpstoxAdapter) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			u.mu.Lock()
			if u.wsConn == conn {
				u.wsConn = nil
			}
			cb := u.disconnectCb
			u.mu.Unlock()
			if cb != nil {
				cb(err)
			}
			return
		}

		var frame struct {
			Feeds map[string]struct {
				LTPC struct {
					LTP float64 `json:"ltp"`
					CP  float64 `json:"cp"`
					LTT int64   `json:"ltt"`
				} `json:"ltpc"`
			} `json:"feeds"`
		}
		if err := json.Unmarshal(message, &frame); err != nil {
			continue // heartbeat or market-info frame
		}

		u.mu.Lock()
		cbs := u.tickCbs
		u.mu.Unlock()

		for key, feed := range frame.Feeds {
			tick := domain.Tick{
				InstrumentKey: key,
				LastPrice:     feed.LTPC.LTP,
				PrevClose:     feed.LTPC.CP,
				ObservedAt:    time.Now(),
			}
			if feed.LTPC.LTT > 0 {
				tick.ObservedAt = time.UnixMilli(feed.LTPC.LTT)
			}
			for _, cb := range cbs {
				cb(tick)
			}
		}
	}
}

// --- REST ---

func (u *UpstoxAdapter) sendRequest(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+u.accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return respBody, fmt.Errorf("API error %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// LastQuote fetches the last traded price on demand, used only when the
// cached tick is stale. Rate limited so a burst of stale positions cannot
// hammer the venue.
func (u *UpstoxAdapter) LastQuote(ctx context.Context, instrumentKey string) (float64, error) {
	if err := u.quoteLimit.Wait(ctx); err != nil {
		return 0, err
	}

	path := "/v2/market-quote/ltp?instrument_key=" + instrumentKey
	resp, err := u.sendRequest(ctx, "GET", path, nil)
	if err != nil {
		return 0, err
	}

	var result struct {
		Status string `json:"status"`
		Data   map[string]struct {
			LastPrice float64 `json:"last_price"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return 0, err
	}
	for _, q := range result.Data {
		if q.LastPrice > 0 {
			return q.LastPrice, nil
		}
	}
	return 0, fmt.Errorf("no quote for %s", instrumentKey)
}

// PlaceMarketExit submits a market sell for a long option position. The
// client order id travels as the order tag; the venue rejects a tag it
// has already accepted today, which surfaces here as ErrDuplicateOrder.
func (u *UpstoxAdapter) PlaceMarketExit(ctx context.Context, order domain.ExitOrder) (string, error) {
	payload := map[string]interface{}{
		"instrument_token": order.InstrumentKey,
		"quantity":         order.Quantity,
		"transaction_type": "SELL",
		"order_type":       "MARKET",
		"product":          "I",
		"validity":         "DAY",
		"tag":              order.ClientOrderID,
	}

	resp, err := u.sendRequest(ctx, "POST", "/v2/order/place", payload)
	if err != nil {
		if isDuplicateResponse(resp) {
			return "", domain.ErrDuplicateOrder
		}
		return "", err
	}

	var result struct {
		Status string `json:"status"`
		Data   struct {
			OrderID string `json:"order_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return "", err
	}
	if result.Status != "success" {
		return "", fmt.Errorf("order rejected: %s", string(resp))
	}
	return result.Data.OrderID, nil
}

// OrderStatus resolves the current state of an exit order by its tag.
func (u *UpstoxAdapter) OrderStatus(ctx context.Context, clientOrderID string) (*domain.OrderState, error) {
	path := "/v2/order/retrieve-all?tag=" + clientOrderID
	resp, err := u.sendRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Status string `json:"status"`
		Data   []struct {
			OrderID       string  `json:"order_id"`
			Status        string  `json:"status"`
			AvgPrice      float64 `json:"average_price"`
			StatusMessage string  `json:"status_message"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if len(result.Data) == 0 {
		return nil, fmt.Errorf("no order with tag %s", clientOrderID)
	}

	raw := result.Data[0]
	status := strings.ToLower(raw.Status)
	return &domain.OrderState{
		OrderID:       raw.OrderID,
		ClientOrderID: clientOrderID,
		Filled:        status == "complete",
		Rejected:      status == "rejected" || status == "cancelled",
		AvgPrice:      raw.AvgPrice,
		Message:       raw.StatusMessage,
	}, nil
}

func isDuplicateResponse(body []byte) bool {
	return bytes.Contains(bytes.ToLower(body), []byte("duplicate"))
}
