package broker

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeOrderList(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    int
		wantErr bool
	}{
		{"null", `null`, 0, false},
		{"empty list", `[]`, 0, false},
		{"flat list", `[{"orderid":"1","order_status":"open"},{"orderid":"2","order_status":"complete"}]`, 2, false},
		{"nested under orders", `{"orders":[{"orderid":"1"}]}`, 1, false},
		{"nested under data", `{"data":[{"orderid":"1"}]}`, 1, false},
		{"nested under order_book", `{"order_book":[{"orderid":"1"}]}`, 1, false},
		{"empty dict", `{}`, 0, false},
		{"no orders string", `"No Orders Found"`, 0, false},
		{"error string", `"session expired"`, 0, true},
		{"garbage", `42`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orders, err := decodeOrderList(json.RawMessage(tt.payload))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, orders, tt.want)
		})
	}
}

func TestFlexFloat(t *testing.T) {
	var v struct {
		Cash flexFloat `json:"cash"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"cash":"12345.50"}`), &v))
	assert.InDelta(t, 12345.50, float64(v.Cash), 1e-9)

	require.NoError(t, json.Unmarshal([]byte(`{"cash":999}`), &v))
	assert.InDelta(t, 999.0, float64(v.Cash), 1e-9)

	require.NoError(t, json.Unmarshal([]byte(`{"cash":null}`), &v))
	assert.InDelta(t, 0.0, float64(v.Cash), 1e-9)

	assert.Error(t, json.Unmarshal([]byte(`{"cash":"abc"}`), &v))
}

func TestParseHistoryTimestamp(t *testing.T) {
	loc := time.FixedZone("IST", 5*3600+1800)

	ts, err := parseHistoryTimestamp(json.RawMessage(`1738222200`), loc)
	require.NoError(t, err)
	assert.Equal(t, int64(1738222200), ts.Unix())

	ts, err = parseHistoryTimestamp(json.RawMessage(`"2025-01-30 09:15:00"`), loc)
	require.NoError(t, err)
	assert.Equal(t, 9, ts.Hour())
	assert.Equal(t, 15, ts.Minute())

	_, err = parseHistoryTimestamp(json.RawMessage(`"yesterday"`), loc)
	assert.Error(t, err)
}

func TestTerminalAndFilledStatus(t *testing.T) {
	for _, s := range []string{StatusComplete, StatusFilled, StatusRejected, StatusCancelled} {
		assert.True(t, IsTerminalStatus(s), s)
	}
	for _, s := range []string{StatusPending, StatusOpen, StatusTriggered, "weird"} {
		assert.False(t, IsTerminalStatus(s), s)
	}
	assert.True(t, IsFilledStatus(StatusComplete))
	assert.True(t, IsFilledStatus(StatusFilled))
	assert.False(t, IsFilledStatus(StatusCancelled))
}

func TestPaperBrokerLifecycle(t *testing.T) {
	pb := NewPaperBroker()

	resp, err := pb.PlaceOrder(OrderRequest{
		Symbol: "NIFTY30JAN2523000PE", Action: ActionSell,
		PriceType: PriceTypeSL, Quantity: 130, Price: 147.0, TriggerPrice: 150.0,
	})
	require.NoError(t, err)
	require.True(t, resp.OK())
	id := resp.OrderID
	require.NotEmpty(t, id)

	// Modify moves prices.
	mod, err := pb.ModifyOrder(id, OrderRequest{Quantity: 130, Price: 144.0, TriggerPrice: 147.0})
	require.NoError(t, err)
	assert.True(t, mod.OK())

	orders, err := pb.Orderbook()
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, StatusOpen, orders[0].Status)
	assert.InDelta(t, 147.0, orders[0].TriggerPrice, 1e-9)

	// Fill creates a short position.
	require.NoError(t, pb.SimulateFill(id, 149.5))
	positions, err := pb.PositionBook()
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, -130, positions[0].Quantity)

	// Terminal orders cannot be cancelled or refilled.
	cancel, err := pb.CancelOrder(id)
	require.NoError(t, err)
	assert.False(t, cancel.OK())
	assert.Contains(t, cancel.Message, "complete")
	assert.Error(t, pb.SimulateFill(id, 149.5))

	// A covering BUY flattens the position.
	resp2, err := pb.PlaceOrder(OrderRequest{
		Symbol: "NIFTY30JAN2523000PE", Action: ActionBuy,
		PriceType: PriceTypeMarket, Quantity: 130,
	})
	require.NoError(t, err)
	require.NoError(t, pb.SimulateFill(resp2.OrderID, 140.0))
	positions, err = pb.PositionBook()
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestPaperBrokerCancelAndReject(t *testing.T) {
	pb := NewPaperBroker()

	resp, err := pb.PlaceOrder(OrderRequest{Symbol: "X", Action: ActionSell, Quantity: 65})
	require.NoError(t, err)

	cancel, err := pb.CancelOrder(resp.OrderID)
	require.NoError(t, err)
	assert.True(t, cancel.OK())

	orders, _ := pb.Orderbook()
	require.Len(t, orders, 1)
	assert.Equal(t, StatusCancelled, orders[0].Status)

	missing, err := pb.CancelOrder("nope")
	require.NoError(t, err)
	assert.False(t, missing.OK())
	assert.Contains(t, missing.Message, "order not found")

	resp2, err := pb.PlaceOrder(OrderRequest{Symbol: "Y", Action: ActionSell, Quantity: 65})
	require.NoError(t, err)
	require.NoError(t, pb.SimulateReject(resp2.OrderID, "margin shortfall"))
	orders, _ = pb.Orderbook()
	for _, o := range orders {
		if o.OrderID == resp2.OrderID {
			assert.Equal(t, StatusRejected, o.Status)
			assert.Equal(t, "margin shortfall", o.RejectedReason)
		}
	}
}

// failNBroker fails the first n calls then delegates to a paper broker.
type failNBroker struct {
	*PaperBroker
	remaining int
}

func (f *failNBroker) AvailableCash() (float64, error) {
	if f.remaining > 0 {
		f.remaining--
		return 0, errors.New("gateway down")
	}
	return f.PaperBroker.AvailableCash()
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	inner := &failNBroker{PaperBroker: NewPaperBroker(), remaining: 100}
	cb := NewCircuitBreakerBrokerWithSettings(inner, CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  3,
		FailureRatio: 0.6,
	})

	for i := 0; i < 3; i++ {
		_, err := cb.AvailableCash()
		require.Error(t, err)
	}

	// Circuit is now open; failures return immediately without reaching the broker.
	before := inner.remaining
	_, err := cb.AvailableCash()
	require.Error(t, err)
	assert.Equal(t, before, inner.remaining)
}

func TestCircuitBreakerPassesThrough(t *testing.T) {
	cb := NewCircuitBreakerBroker(NewPaperBroker())

	cash, err := cb.AvailableCash()
	require.NoError(t, err)
	assert.Greater(t, cash, 0.0)

	resp, err := cb.PlaceOrder(OrderRequest{Symbol: "X", Action: ActionSell, Quantity: 65})
	require.NoError(t, err)
	assert.True(t, resp.OK())

	orders, err := cb.Orderbook()
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}
