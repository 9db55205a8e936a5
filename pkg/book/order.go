package book

import (
	"encoding/json"
	"fmt"
	"time"
)

type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Sell {
		return "SELL"
	}
	return "BUY"
}

func (s Side) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// ParseSide maps the wire value to a Side. Anything but "SELL" is a buy,
// matching the permissive decoding of the request envelope.
func ParseSide(s string) Side {
	if s == "SELL" {
		return Sell
	}
	return Buy
}

func (s *Side) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	*s = ParseSide(str)
	return nil
}

type OrderType int

const (
	Limit OrderType = iota
	Market
	Stop
)

func (t OrderType) String() string {
	switch t {
	case Market:
		return "MARKET"
	case Stop:
		return "STOP"
	default:
		return "LIMIT"
	}
}

func (t OrderType) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

// ParseOrderType defaults to LIMIT for unknown values.
func ParseOrderType(s string) OrderType {
	switch s {
	case "MARKET":
		return Market
	case "STOP":
		return Stop
	default:
		return Limit
	}
}

func (t *OrderType) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	*t = ParseOrderType(str)
	return nil
}

// OrderStatus transitions are monotonic:
// New -> PartiallyFilled... -> Filled, or New -> Canceled.
// Rejected is assigned only at submission.
type OrderStatus int

const (
	StatusNew OrderStatus = iota
	StatusPartiallyFilled
	StatusFilled
	StatusCanceled
	StatusRejected
)

func (s OrderStatus) String() string {
	switch s {
	case StatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case StatusFilled:
		return "FILLED"
	case StatusCanceled:
		return "CANCELED"
	case StatusRejected:
		return "REJECTED"
	default:
		return "NEW"
	}
}

func (s OrderStatus) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func (s *OrderStatus) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	switch str {
	case "PARTIALLY_FILLED":
		*s = StatusPartiallyFilled
	case "FILLED":
		*s = StatusFilled
	case "CANCELED":
		*s = StatusCanceled
	case "REJECTED":
		*s = StatusRejected
	default:
		*s = StatusNew
	}
	return nil
}

// Order is a live order record. Invariant: 0 <= FilledQty <= Quantity.
type Order struct {
	ClientOrderID string
	OrderID       string // engine-assigned
	Symbol        string
	Side          Side
	Quantity      float64
	Price         float64
	Type          OrderType
	FilledQty     float64
	Status        OrderStatus
	CreatedAt     time.Time
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() float64 { return o.Quantity - o.FilledQty }

// ExecutionReport describes one book event: an acknowledgment, a rejection,
// or a single trade. Reports are never mutated after creation.
type ExecutionReport struct {
	OrderID       string      `json:"order_id"`
	ClientOrderID string      `json:"client_order_id"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Status        OrderStatus `json:"status"`
	FillPrice     float64     `json:"fill_price"`
	FillQty       float64     `json:"fill_qty"`
	RemainingQty  float64     `json:"remaining_qty"`
	Timestamp     int64       `json:"timestamp"` // unix nanos
	Message       string      `json:"message"`
}

func rejectReport(o *Order, now time.Time, reason string) ExecutionReport {
	return ExecutionReport{
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Status:        StatusRejected,
		RemainingQty:  o.Quantity,
		Timestamp:     now.UnixNano(),
		Message:       fmt.Sprintf("Order rejected: %s", reason),
	}
}
