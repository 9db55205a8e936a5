package broker

import (
	"context"
	"encoding/json"

	"traderd/pkg/book"
	"traderd/pkg/marketdata"
)

// Broker is the brokerage venue capability. Queries return provider-shaped
// records untouched, so replies carry whatever the venue reports.
//
// A rejection is a valid ExecutionReport with StatusRejected, not an error;
// errors mean the venue could not be reached or answered garbage.
type Broker interface {
	SubmitOrder(ctx context.Context, o book.Order) (book.ExecutionReport, error)
	CancelOrder(ctx context.Context, orderID string) (bool, error)
	Positions(ctx context.Context) (json.RawMessage, error)
	Account(ctx context.Context) (json.RawMessage, error)
	OpenOrders(ctx context.Context) (json.RawMessage, error)
	AllOrders(ctx context.Context) (json.RawMessage, error)
	MarketMovers(ctx context.Context) (marketdata.Movers, error)
}
