package broker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// APIError is a non-2xx or error-status reply from the gateway.
type APIError struct {
	HTTPStatus int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway error (http %d): %s", e.HTTPStatus, e.Message)
}

// OpenAlgoClient talks to an OpenAlgo-compatible REST gateway. The gateway
// normalizes individual Indian brokers (Zerodha, Angel One, Upstox, ...)
// behind one JSON API; the API key travels in the request body.
type OpenAlgoClient struct {
	apiKey   string
	host     string
	exchange string
	client   *http.Client
	loc      *time.Location
}

// NewOpenAlgoClient creates a REST client for the given gateway host.
func NewOpenAlgoClient(apiKey, host, exchange string, timeout time.Duration, loc *time.Location) *OpenAlgoClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if loc == nil {
		loc = time.UTC
	}
	return &OpenAlgoClient{
		apiKey:   apiKey,
		host:     strings.TrimRight(host, "/"),
		exchange: exchange,
		client:   &http.Client{Timeout: timeout},
		loc:      loc,
	}
}

func (c *OpenAlgoClient) post(path string, payload map[string]interface{}, out interface{}) error {
	payload["apikey"] = c.apiKey

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.client.Post(c.host+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{HTTPStatus: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// PlaceOrder submits a new order.
func (c *OpenAlgoClient) PlaceOrder(req OrderRequest) (*OrderResponse, error) {
	payload := map[string]interface{}{
		"strategy":  req.Strategy,
		"symbol":    req.Symbol,
		"action":    req.Action,
		"exchange":  c.exchange,
		"pricetype": req.PriceType,
		"product":   req.Product,
		"quantity":  strconv.Itoa(req.Quantity),
	}
	if req.Price != 0 {
		payload["price"] = fmt.Sprintf("%.2f", req.Price)
	}
	if req.TriggerPrice != 0 {
		payload["trigger_price"] = fmt.Sprintf("%.2f", req.TriggerPrice)
	}

	var out OrderResponse
	if err := c.post("/api/v1/placeorder", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ModifyOrder changes the price/trigger of an open order.
func (c *OpenAlgoClient) ModifyOrder(orderID string, req OrderRequest) (*OrderResponse, error) {
	payload := map[string]interface{}{
		"orderid":   orderID,
		"strategy":  req.Strategy,
		"symbol":    req.Symbol,
		"action":    req.Action,
		"exchange":  c.exchange,
		"pricetype": req.PriceType,
		"product":   req.Product,
		"quantity":  strconv.Itoa(req.Quantity),
		"price":     fmt.Sprintf("%.2f", req.Price),
	}
	if req.TriggerPrice != 0 {
		payload["trigger_price"] = fmt.Sprintf("%.2f", req.TriggerPrice)
	}

	var out OrderResponse
	if err := c.post("/api/v1/modifyorder", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelOrder cancels an open order.
func (c *OpenAlgoClient) CancelOrder(orderID string) (*OrderResponse, error) {
	var out OrderResponse
	if err := c.post("/api/v1/cancelorder", map[string]interface{}{"orderid": orderID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// orderbookEnvelope tolerates the gateway's varying payload shapes: data may
// be a list of orders, a dict nesting the list under "orders"/"data"/
// "order_book", a bare error string, or null.
type orderbookEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Orderbook fetches all of today's orders.
func (c *OpenAlgoClient) Orderbook() ([]Order, error) {
	var env orderbookEnvelope
	if err := c.post("/api/v1/orderbook", map[string]interface{}{}, &env); err != nil {
		return nil, err
	}
	if env.Status != "success" {
		return nil, fmt.Errorf("orderbook: %s", env.Message)
	}
	orders, err := decodeOrderList(env.Data)
	if err != nil {
		return nil, fmt.Errorf("orderbook: %w", err)
	}
	for i := range orders {
		orders[i].Status = strings.ToLower(orders[i].Status)
	}
	return orders, nil
}

func decodeOrderList(data json.RawMessage) ([]Order, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	var list []Order
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}

	// Some gateway backends nest the list one level down.
	var nested map[string]json.RawMessage
	if err := json.Unmarshal(data, &nested); err == nil {
		for _, key := range []string{"orders", "data", "order_book"} {
			if inner, ok := nested[key]; ok {
				if err := json.Unmarshal(inner, &list); err == nil {
					return list, nil
				}
			}
		}
		if len(nested) == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("unrecognized orderbook payload keys")
	}

	// A bare string means "no orders" or an error message.
	var msg string
	if err := json.Unmarshal(data, &msg); err == nil {
		if strings.Contains(strings.ToLower(msg), "no orders") {
			return nil, nil
		}
		return nil, fmt.Errorf("orderbook payload: %s", msg)
	}

	return nil, fmt.Errorf("unrecognized orderbook payload shape")
}

// PositionBook fetches current open positions.
func (c *OpenAlgoClient) PositionBook() ([]PositionItem, error) {
	var env struct {
		Status  string         `json:"status"`
		Message string         `json:"message"`
		Data    []PositionItem `json:"data"`
	}
	if err := c.post("/api/v1/positionbook", map[string]interface{}{}, &env); err != nil {
		return nil, err
	}
	if env.Status != "success" {
		return nil, fmt.Errorf("positionbook: %s", env.Message)
	}
	return env.Data, nil
}

// flexFloat decodes JSON numbers that some gateway backends quote as strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("numeric field %q: %w", s, err)
	}
	*f = flexFloat(v)
	return nil
}

type historyRow struct {
	Timestamp json.RawMessage `json:"timestamp"`
	Open      float64         `json:"open"`
	High      float64         `json:"high"`
	Low       float64         `json:"low"`
	Close     float64         `json:"close"`
	Volume    int64           `json:"volume"`
}

// History fetches 1-minute bars for symbol in [start, end]. Rows may arrive
// out of order; callers sort before use.
func (c *OpenAlgoClient) History(symbol string, start, end time.Time) ([]HistoryBar, error) {
	payload := map[string]interface{}{
		"symbol":     symbol,
		"exchange":   c.exchange,
		"interval":   "1m",
		"start_date": start.In(c.loc).Format("2006-01-02"),
		"end_date":   end.In(c.loc).Format("2006-01-02"),
	}

	var env struct {
		Status  string       `json:"status"`
		Message string       `json:"message"`
		Data    []historyRow `json:"data"`
	}
	if err := c.post("/api/v1/history", payload, &env); err != nil {
		return nil, err
	}
	if env.Status != "success" {
		return nil, fmt.Errorf("history %s: %s", symbol, env.Message)
	}

	bars := make([]HistoryBar, 0, len(env.Data))
	for _, row := range env.Data {
		ts, err := parseHistoryTimestamp(row.Timestamp, c.loc)
		if err != nil {
			continue
		}
		bars = append(bars, HistoryBar{
			Timestamp: ts,
			Open:      row.Open,
			High:      row.High,
			Low:       row.Low,
			Close:     row.Close,
			Volume:    row.Volume,
		})
	}
	return bars, nil
}

// parseHistoryTimestamp accepts epoch seconds or an RFC3339-ish string.
func parseHistoryTimestamp(raw json.RawMessage, loc *time.Location) (time.Time, error) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).In(loc), nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// AvailableCash returns the free margin available for new positions.
func (c *OpenAlgoClient) AvailableCash() (float64, error) {
	var env struct {
		Status  string          `json:"status"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := c.post("/api/v1/funds", map[string]interface{}{}, &env); err != nil {
		return 0, err
	}
	if env.Status != "success" {
		return 0, fmt.Errorf("funds: %s", env.Message)
	}

	// availablecash arrives as a string from some backends, a number from others.
	var fields struct {
		AvailableCash flexFloat `json:"availablecash"`
	}
	if err := json.Unmarshal(env.Data, &fields); err != nil {
		return 0, fmt.Errorf("funds payload: %w", err)
	}
	return float64(fields.AvailableCash), nil
}
