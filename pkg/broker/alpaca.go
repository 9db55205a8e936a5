package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"traderd/pkg/book"
	"traderd/pkg/marketdata"
)

// Alpaca routes orders to the Alpaca paper-trading REST API.
type Alpaca struct {
	key     string
	secret  string
	baseURL string
	httpc   *http.Client
	data    *marketdata.AlpacaProvider
}

func NewAlpaca(key, secret, baseURL string, data *marketdata.AlpacaProvider) *Alpaca {
	return &Alpaca{
		key:     key,
		secret:  secret,
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 5 * time.Second},
		data:    data,
	}
}

// alpacaOrder is the venue's order record. Numeric fields arrive as strings.
type alpacaOrder struct {
	ID            string `json:"id"`
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Status        string `json:"status"`
	Qty           string `json:"qty"`
	FilledQty     string `json:"filled_qty"`
	FilledAvgPx   string `json:"filled_avg_price"`
	Message       string `json:"message"`
}

func (a *Alpaca) SubmitOrder(ctx context.Context, o book.Order) (book.ExecutionReport, error) {
	payload := map[string]string{
		"symbol":          o.Symbol,
		"qty":             strconv.FormatFloat(o.Quantity, 'f', -1, 64),
		"side":            strings.ToLower(o.Side.String()),
		"type":            strings.ToLower(o.Type.String()),
		"time_in_force":   "day",
		"client_order_id": o.ClientOrderID,
	}
	if o.Type == book.Limit {
		payload["limit_price"] = strconv.FormatFloat(o.Price, 'f', -1, 64)
	}
	if o.Type == book.Stop {
		payload["stop_price"] = strconv.FormatFloat(o.Price, 'f', -1, 64)
	}

	body, status, err := a.do(ctx, http.MethodPost, "/v2/orders", payload)
	if err != nil {
		return book.ExecutionReport{}, err
	}

	var ord alpacaOrder
	if err := json.Unmarshal(body, &ord); err != nil {
		return book.ExecutionReport{}, fmt.Errorf("decode alpaca order: %w", err)
	}

	// The venue reports validation failures as {"message": ...} with a
	// 4xx status. Those are rejections, not transport errors.
	if status >= 400 || ord.ID == "" {
		msg := ord.Message
		if msg == "" {
			msg = "Order rejected"
		}
		return book.ExecutionReport{
			ClientOrderID: o.ClientOrderID,
			Symbol:        o.Symbol,
			Side:          o.Side,
			Status:        book.StatusRejected,
			RemainingQty:  o.Quantity,
			Timestamp:     time.Now().UnixNano(),
			Message:       msg,
		}, nil
	}

	return reportFromAlpaca(ord), nil
}

func reportFromAlpaca(ord alpacaOrder) book.ExecutionReport {
	st := book.StatusNew
	switch ord.Status {
	case "filled":
		st = book.StatusFilled
	case "partially_filled":
		st = book.StatusPartiallyFilled
	case "rejected", "canceled":
		st = book.StatusRejected
	}

	qty := parseFloat(ord.Qty)
	filled := parseFloat(ord.FilledQty)

	return book.ExecutionReport{
		OrderID:       ord.ID,
		ClientOrderID: ord.ClientOrderID,
		Symbol:        ord.Symbol,
		Side:          book.ParseSide(strings.ToUpper(ord.Side)),
		Status:        st,
		FillPrice:     parseFloat(ord.FilledAvgPx),
		FillQty:       filled,
		RemainingQty:  qty - filled,
		Timestamp:     time.Now().UnixNano(),
		Message:       "Order submitted to Alpaca",
	}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func (a *Alpaca) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	_, status, err := a.do(ctx, http.MethodDelete, "/v2/orders/"+orderID, nil)
	if err != nil {
		return false, err
	}
	return status == http.StatusNoContent || status == http.StatusOK, nil
}

func (a *Alpaca) Positions(ctx context.Context) (json.RawMessage, error) {
	return a.getRaw(ctx, "/v2/positions")
}

func (a *Alpaca) Account(ctx context.Context) (json.RawMessage, error) {
	return a.getRaw(ctx, "/v2/account")
}

func (a *Alpaca) OpenOrders(ctx context.Context) (json.RawMessage, error) {
	return a.getRaw(ctx, "/v2/orders?status=open&limit=100")
}

func (a *Alpaca) AllOrders(ctx context.Context) (json.RawMessage, error) {
	return a.getRaw(ctx, "/v2/orders?status=all&limit=100")
}

func (a *Alpaca) MarketMovers(ctx context.Context) (marketdata.Movers, error) {
	if a.data == nil {
		return marketdata.Movers{}, fmt.Errorf("alpaca data provider not configured")
	}
	return a.data.MarketMovers(ctx)
}

func (a *Alpaca) getRaw(ctx context.Context, endpoint string) (json.RawMessage, error) {
	body, status, err := a.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("alpaca: status %d on %s", status, endpoint)
	}
	return json.RawMessage(body), nil
}

func (a *Alpaca) do(ctx context.Context, method, endpoint string, payload any) ([]byte, int, error) {
	var reqBody io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, err
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+endpoint, reqBody)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("APCA-API-KEY-ID", a.key)
	req.Header.Set("APCA-API-SECRET-KEY", a.secret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpc.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("alpaca request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("alpaca response: %w", err)
	}
	return body, resp.StatusCode, nil
}
