package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"traderd/pkg/book"
	"traderd/pkg/broker"
)

func newTestDispatcher(t *testing.T, opts ...Option) *Dispatcher {
	t.Helper()
	reg := book.NewRegistry()
	d := New(reg, broker.NewPaper(reg), 100*time.Microsecond, zap.NewNop(), opts...)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx)
	return d
}

func send(t *testing.T, d *Dispatcher, payload string) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw, err := d.Send(ctx, []byte(payload))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	var rep map[string]any
	if err := json.Unmarshal(raw, &rep); err != nil {
		t.Fatalf("decode reply %q: %v", raw, err)
	}
	return rep
}

func succeeded(rep map[string]any) bool {
	ok, _ := rep["success"].(bool)
	return ok
}

func TestUnknownRequestType(t *testing.T) {
	d := newTestDispatcher(t)
	rep := send(t, d, `{"type":"bogus"}`)
	if succeeded(rep) {
		t.Error("unknown type must fail")
	}
	if rep["error"] != "Unknown request type" {
		t.Errorf("error: got %q", rep["error"])
	}
}

func TestMalformedPayload(t *testing.T) {
	d := newTestDispatcher(t)
	rep := send(t, d, `{not json`)
	if succeeded(rep) {
		t.Error("malformed payload must fail")
	}
	if rep["error"] == "" {
		t.Error("expected an error message")
	}
}

func TestOrderFlowInternal(t *testing.T) {
	d := newTestDispatcher(t)

	rep := send(t, d, `{"type":"order","symbol":"AAPL","side":"SELL","quantity":10,"price":100}`)
	if !succeeded(rep) {
		t.Fatalf("sell rejected: %v", rep["error"])
	}
	if rep["status"] != "NEW" {
		t.Errorf("ack status: got %v", rep["status"])
	}

	rep = send(t, d, `{"type":"order","symbol":"AAPL","side":"BUY","quantity":10,"price":105}`)
	if !succeeded(rep) {
		t.Fatalf("buy rejected: %v", rep["error"])
	}
	if rep["fill_price"] != 100.0 {
		t.Errorf("fill price: got %v, want resting ask 100", rep["fill_price"])
	}
	if rep["fill_qty"] != 10.0 {
		t.Errorf("fill qty: got %v, want 10", rep["fill_qty"])
	}
	if rep["status"] != "FILLED" {
		t.Errorf("status: got %v", rep["status"])
	}
}

func TestLegacyQtyField(t *testing.T) {
	d := newTestDispatcher(t)
	rep := send(t, d, `{"type":"order","symbol":"AAPL","side":"BUY","qty":7,"price":100}`)
	if !succeeded(rep) {
		t.Fatalf("order rejected: %v", rep["error"])
	}
	if rep["remaining_qty"] != 7.0 {
		t.Errorf("remaining: got %v, want 7", rep["remaining_qty"])
	}
}

func TestOrderValidation(t *testing.T) {
	d := newTestDispatcher(t)

	rep := send(t, d, `{"type":"order","side":"BUY","quantity":10,"price":100}`)
	if succeeded(rep) {
		t.Error("order without symbol must fail")
	}

	// A rejection carries the full report but reads as a failure.
	rep = send(t, d, `{"type":"order","symbol":"AAPL","side":"BUY","quantity":0,"price":100}`)
	if succeeded(rep) {
		t.Error("rejected order must not read as success")
	}
	if rep["status"] != "REJECTED" {
		t.Errorf("zero quantity: got %v, want REJECTED", rep["status"])
	}
	if rep["remaining_qty"] != 0.0 {
		t.Errorf("rejected report missing fields: %v", rep)
	}

	rep = send(t, d, `{"type":"order","symbol":"AAPL","side":"BUY","quantity":-5,"price":100}`)
	if succeeded(rep) || rep["status"] != "REJECTED" {
		t.Errorf("negative quantity: %v", rep)
	}
}

func TestCancelOrder(t *testing.T) {
	d := newTestDispatcher(t)

	rep := send(t, d, `{"type":"order","symbol":"AAPL","side":"BUY","quantity":5,"price":90}`)
	orderID, _ := rep["order_id"].(string)
	if orderID == "" {
		t.Fatalf("no order id in ack: %v", rep)
	}

	rep = send(t, d, fmt.Sprintf(`{"type":"CANCEL_ORDER","order_id":%q}`, orderID))
	if !succeeded(rep) {
		t.Fatalf("cancel failed: %v", rep["error"])
	}
	if rep["order_id"] != orderID {
		t.Errorf("cancel reply order id: got %v", rep["order_id"])
	}

	rep = send(t, d, fmt.Sprintf(`{"type":"CANCEL_ORDER","order_id":%q}`, orderID))
	if succeeded(rep) {
		t.Error("second cancel must fail")
	}
	if rep["error"] != "order not found" {
		t.Errorf("error: got %q", rep["error"])
	}
}

func TestQueryReplies(t *testing.T) {
	d := newTestDispatcher(t)
	tests := []struct {
		typ string
		key string
	}{
		{"account", "account"},
		{"positions", "positions"},
		{"GET_OPEN_ORDERS", "orders"},
	}
	for _, tt := range tests {
		rep := send(t, d, fmt.Sprintf(`{"type":%q}`, tt.typ))
		if !succeeded(rep) {
			t.Errorf("%s failed: %v", tt.typ, rep["error"])
			continue
		}
		if _, present := rep[tt.key]; !present {
			t.Errorf("%s reply missing %q: %v", tt.typ, tt.key, rep)
		}
	}
}

func TestAllOrdersSplitsExecuted(t *testing.T) {
	d := newTestDispatcher(t)

	// One fill and one resting order.
	send(t, d, `{"type":"order","symbol":"AAPL","side":"SELL","quantity":10,"price":100}`)
	send(t, d, `{"type":"order","symbol":"AAPL","side":"BUY","quantity":10,"price":100}`)
	send(t, d, `{"type":"order","symbol":"AAPL","side":"BUY","quantity":5,"price":90}`)

	rep := send(t, d, `{"type":"GET_ALL_ORDERS"}`)
	if !succeeded(rep) {
		t.Fatalf("all orders failed: %v", rep["error"])
	}
	all, ok := rep["all_orders"].([]any)
	if !ok || len(all) != 3 {
		t.Fatalf("all_orders: %v", rep["all_orders"])
	}
	executed, ok := rep["orders"].([]any)
	if !ok || len(executed) != 1 {
		t.Errorf("executed subset: %v", rep["orders"])
	}
}

func TestStrategyRequestsWithoutController(t *testing.T) {
	d := newTestDispatcher(t)
	for _, payload := range []string{
		`{"type":"alpaca_performance"}`,
		`{"type":"polygon_performance","iterations":3}`,
		`{"type":"movers_strategy","action":"status"}`,
	} {
		rep := send(t, d, payload)
		if succeeded(rep) {
			t.Errorf("%s should fail without a controller", payload)
		}
	}

	// movers degrades to the venue, and the paper venue reports none.
	rep := send(t, d, `{"type":"movers"}`)
	if !succeeded(rep) {
		t.Fatalf("movers should degrade to the venue: %v", rep)
	}
	movers := rep["movers"].(map[string]any)
	if gainers := movers["gainers"].([]any); len(gainers) != 0 {
		t.Errorf("paper venue movers: %v", gainers)
	}
}

// Every request gets exactly one reply, even under concurrent load.
func TestEveryRequestReplied(t *testing.T) {
	d := newTestDispatcher(t)

	const n = 200
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := fmt.Sprintf(
				`{"type":"order","symbol":"TSLA","side":"BUY","quantity":1,"price":%d}`, 50+i%10)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			raw, err := d.Send(ctx, []byte(payload))
			if err != nil {
				errs <- err
				return
			}
			var rep map[string]any
			if err := json.Unmarshal(raw, &rep); err != nil {
				errs <- err
				return
			}
			if !succeeded(rep) {
				errs <- fmt.Errorf("request %d failed: %v", i, rep["error"])
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestReportSinkReceivesFills(t *testing.T) {
	var mu sync.Mutex
	var got []book.ExecutionReport
	d := newTestDispatcher(t, WithReportSink(func(r book.ExecutionReport) {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
	}))

	send(t, d, `{"type":"order","symbol":"AAPL","side":"SELL","quantity":10,"price":100}`)
	send(t, d, `{"type":"order","symbol":"AAPL","side":"BUY","quantity":10,"price":100}`)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("sink got %d reports, want 1", len(got))
	}
	if got[0].FillQty != 10 {
		t.Errorf("sink fill qty: got %v, want 10", got[0].FillQty)
	}
}
