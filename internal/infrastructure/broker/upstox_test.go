package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/option_exit_bot/internal/domain"
)

func TestLastQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/market-quote/ltp", r.URL.Path)
		assert.Equal(t, "NSE_FO|49081", r.URL.Query().Get("instrument_key"))
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "success",
			"data": map[string]interface{}{
				"NSE_FO:NIFTY": map[string]interface{}{"last_price": 142.55},
			},
		})
	}))
	defer srv.Close()

	u := NewUpstoxAdapter("token", srv.URL, "")
	price, err := u.LastQuote(context.Background(), "NSE_FO|49081")
	require.NoError(t, err)
	assert.Equal(t, 142.55, price)
}

func TestLastQuoteEmptyData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "success", "data": map[string]interface{}{}})
	}))
	defer srv.Close()

	u := NewUpstoxAdapter("token", srv.URL, "")
	_, err := u.LastQuote(context.Background(), "NSE_FO|49081")
	assert.Error(t, err)
}

func TestPlaceMarketExit(t *testing.T) {
	var payload map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/order/place", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "success",
			"data":   map[string]interface{}{"order_id": "240825000001"},
		})
	}))
	defer srv.Close()

	u := NewUpstoxAdapter("token", srv.URL, "")
	orderID, err := u.PlaceMarketExit(context.Background(), domain.ExitOrder{
		InstrumentKey: "NSE_FO|49081",
		Quantity:      75,
		Direction:     domain.DirectionCall,
		ClientOrderID: "client-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "240825000001", orderID)

	assert.Equal(t, "NSE_FO|49081", payload["instrument_token"])
	assert.Equal(t, 75.0, payload["quantity"])
	assert.Equal(t, "SELL", payload["transaction_type"])
	assert.Equal(t, "MARKET", payload["order_type"])
	assert.Equal(t, "client-1", payload["tag"])
}

func TestPlaceMarketExitDuplicateTag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "error",
			"errors": []map[string]string{{"message": "Duplicate order tag for the day"}},
		})
	}))
	defer srv.Close()

	u := NewUpstoxAdapter("token", srv.URL, "")
	_, err := u.PlaceMarketExit(context.Background(), domain.ExitOrder{
		InstrumentKey: "NSE_FO|49081",
		Quantity:      75,
		ClientOrderID: "client-1",
	})
	assert.ErrorIs(t, err, domain.ErrDuplicateOrder)
}

func TestOrderStatus(t *testing.T) {
	tests := []struct {
		name         string
		status       string
		wantFilled   bool
		wantRejected bool
	}{
		{name: "complete order is filled", status: "complete", wantFilled: true},
		{name: "open order is neither", status: "open"},
		{name: "rejected order", status: "rejected", wantRejected: true},
		{name: "cancelled order", status: "cancelled", wantRejected: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v2/order/retrieve-all", r.URL.Path)
				assert.Equal(t, "client-1", r.URL.Query().Get("tag"))
				json.NewEncoder(w).Encode(map[string]interface{}{
					"status": "success",
					"data": []map[string]interface{}{{
						"order_id":      "240825000001",
						"status":        tt.status,
						"average_price": 131.25,
					}},
				})
			}))
			defer srv.Close()

			u := NewUpstoxAdapter("token", srv.URL, "")
			state, err := u.OrderStatus(context.Background(), "client-1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantFilled, state.Filled)
			assert.Equal(t, tt.wantRejected, state.Rejected)
			assert.Equal(t, 131.25, state.AvgPrice)
		})
	}
}

func TestOrderStatusUnknownTag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "success", "data": []interface{}{}})
	}))
	defer srv.Close()

	u := NewUpstoxAdapter("token", srv.URL, "")
	_, err := u.OrderStatus(context.Background(), "client-1")
	assert.Error(t, err)
}
