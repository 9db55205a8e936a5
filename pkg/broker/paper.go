package broker

import (
	"context"
	"encoding/json"
	"sync"

	"traderd/pkg/book"
	"traderd/pkg/marketdata"
)

// Paper is the internal venue: orders go through the shared book registry
// and fill against resting liquidity. It exists so the strategy controller
// exercises the same books the dispatcher mutates, and so the process keeps
// trading when no brokerage credentials are configured.
type Paper struct {
	reg *book.Registry

	mu      sync.Mutex
	history []book.ExecutionReport
}

func NewPaper(reg *book.Registry) *Paper {
	return &Paper{reg: reg}
}

func (p *Paper) SubmitOrder(ctx context.Context, o book.Order) (book.ExecutionReport, error) {
	b := p.reg.Get(o.Symbol)
	report := b.Submit(o)
	if report.Status != book.StatusRejected {
		if fills := b.Match(); len(fills) > 0 {
			report = fills[0]
		}
	}

	p.mu.Lock()
	p.history = append(p.history, report)
	p.mu.Unlock()

	return report, nil
}

func (p *Paper) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	return p.reg.CancelAnywhere(orderID), nil
}

func (p *Paper) Positions(ctx context.Context) (json.RawMessage, error) {
	return json.RawMessage(`[]`), nil
}

func (p *Paper) Account(ctx context.Context) (json.RawMessage, error) {
	account := map[string]string{
		"cash":         "100000.00",
		"equity":       "100000.00",
		"buying_power": "100000.00",
		"currency":     "USD",
		"status":       "ACTIVE",
	}
	return json.Marshal(account)
}

func (p *Paper) OpenOrders(ctx context.Context) (json.RawMessage, error) {
	type wireOrder struct {
		OrderID       string           `json:"order_id"`
		ClientOrderID string           `json:"client_order_id"`
		Symbol        string           `json:"symbol"`
		Side          book.Side        `json:"side"`
		Quantity      float64          `json:"qty"`
		FilledQty     float64          `json:"filled_qty"`
		Price         float64          `json:"price"`
		Status        book.OrderStatus `json:"status"`
	}

	var orders []wireOrder
	for _, sym := range p.reg.Symbols() {
		b, ok := p.reg.Lookup(sym)
		if !ok {
			continue
		}
		for _, o := range b.OpenOrders() {
			orders = append(orders, wireOrder{
				OrderID:       o.OrderID,
				ClientOrderID: o.ClientOrderID,
				Symbol:        o.Symbol,
				Side:          o.Side,
				Quantity:      o.Quantity,
				FilledQty:     o.FilledQty,
				Price:         o.Price,
				Status:        o.Status,
			})
		}
	}
	if orders == nil {
		return json.RawMessage(`[]`), nil
	}
	return json.Marshal(orders)
}

func (p *Paper) AllOrders(ctx context.Context) (json.RawMessage, error) {
	p.mu.Lock()
	history := make([]book.ExecutionReport, len(p.history))
	copy(history, p.history)
	p.mu.Unlock()

	if len(history) == 0 {
		return json.RawMessage(`[]`), nil
	}
	return json.Marshal(history)
}

func (p *Paper) MarketMovers(ctx context.Context) (marketdata.Movers, error) {
	return marketdata.Movers{Gainers: []marketdata.Mover{}, Losers: []marketdata.Mover{}}, nil
}
