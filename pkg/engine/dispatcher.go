// Package engine holds the request dispatcher: a single goroutine that
// drains an inbound request channel, mutates the books, and answers every
// request with exactly one reply. Serializing all book writes through one
// goroutine is what makes the matching path lock-cheap.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"traderd/pkg/book"
	"traderd/pkg/broker"
	"traderd/pkg/strategy"
)

// Request is one inbound message. Reply must have capacity 1 so the
// dispatcher never blocks on a caller that went away.
type Request struct {
	Payload []byte
	Reply   chan []byte
}

type Dispatcher struct {
	reqs    chan Request
	reg     *book.Registry
	brk     broker.Broker
	ctrl    *strategy.Controller // nil when the strategy is not running
	log     *zap.Logger
	backoff time.Duration
	live    bool

	// onReport receives every execution report produced by order flow.
	// It must not block.
	onReport func(book.ExecutionReport)

	// history records internally routed orders. Touched only on the
	// dispatch goroutine, so no lock.
	history []book.ExecutionReport
}

type Option func(*Dispatcher)

// WithLiveRouting sends order flow to the external broker instead of
// the internal books.
func WithLiveRouting() Option {
	return func(d *Dispatcher) { d.live = true }
}

func WithController(c *strategy.Controller) Option {
	return func(d *Dispatcher) { d.ctrl = c }
}

func WithReportSink(fn func(book.ExecutionReport)) Option {
	return func(d *Dispatcher) { d.onReport = fn }
}

// SetReportSink installs the fan-out after construction. The gateway's
// hub needs the dispatcher to exist first, so wiring happens in two
// steps. Call before Run.
func (d *Dispatcher) SetReportSink(fn func(book.ExecutionReport)) {
	d.onReport = fn
}

func New(reg *book.Registry, brk broker.Broker, backoff time.Duration, log *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		reqs:    make(chan Request, 1024),
		reg:     reg,
		brk:     brk,
		log:     log,
		backoff: backoff,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Send enqueues a raw request and waits for its reply.
func (d *Dispatcher) Send(ctx context.Context, payload []byte) ([]byte, error) {
	req := Request{Payload: payload, Reply: make(chan []byte, 1)}
	select {
	case d.reqs <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case resp := <-req.Reply:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run polls the request channel until ctx is canceled. The poll is
// non-blocking with a short sleep between empty passes, so shutdown is
// observed promptly even when the channel is idle.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Info("dispatcher running", zap.Bool("live_routing", d.live))
	for {
		select {
		case <-ctx.Done():
			d.log.Info("dispatcher stopped")
			return
		case req := <-d.reqs:
			req.Reply <- d.handle(ctx, req.Payload)
		default:
			time.Sleep(d.backoff)
		}
	}
}

type envelope struct {
	Type string `json:"type"`
}

func (d *Dispatcher) handle(ctx context.Context, payload []byte) []byte {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fail(fmt.Sprintf("invalid request: %v", err))
	}

	switch env.Type {
	case "order":
		return d.handleOrder(ctx, payload)
	case "positions":
		return d.rawQuery(ctx, "positions", d.brk.Positions)
	case "account":
		return d.rawQuery(ctx, "account", d.brk.Account)
	case "GET_OPEN_ORDERS":
		return d.rawQuery(ctx, "orders", d.brk.OpenOrders)
	case "GET_ALL_ORDERS":
		return d.handleAllOrders(ctx)
	case "CANCEL_ORDER":
		return d.handleCancel(ctx, payload)
	case "movers":
		return d.handleMovers(ctx)
	case "alpaca_performance":
		return d.handleBenchmark(ctx, "alpaca", payload)
	case "polygon_performance":
		return d.handleBenchmark(ctx, "polygon", payload)
	case "movers_strategy":
		return d.handleStrategy(ctx, payload)
	default:
		return fail("Unknown request type")
	}
}

type orderRequest struct {
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Quantity      float64 `json:"quantity"`
	Qty           float64 `json:"qty"` // legacy alias for quantity
	Price         float64 `json:"price"`
	OrderType     string  `json:"order_type"`
}

func (d *Dispatcher) handleOrder(ctx context.Context, payload []byte) []byte {
	var req orderRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return fail(fmt.Sprintf("invalid order: %v", err))
	}
	if req.Symbol == "" {
		return fail("symbol required")
	}
	if req.Quantity == 0 {
		req.Quantity = req.Qty
	}
	order := book.Order{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          book.ParseSide(req.Side),
		Quantity:      req.Quantity,
		Price:         req.Price,
		Type:          book.ParseOrderType(req.OrderType),
		CreatedAt:     time.Now(),
	}

	var report book.ExecutionReport
	if d.live {
		var err error
		report, err = d.brk.SubmitOrder(ctx, order)
		if err != nil {
			return fail(fmt.Sprintf("broker: %v", err))
		}
		d.emit(report)
	} else {
		b := d.reg.Get(order.Symbol)
		report = b.Submit(order)
		if report.Status != book.StatusRejected {
			fills := b.Match()
			for _, f := range fills {
				d.emit(f)
			}
			if len(fills) > 0 {
				report = fills[0]
			}
		}
		d.history = append(d.history, report)
	}
	// A rejected order still carries the full report, but the caller
	// should not read the reply as a success.
	return flat(report, report.Status != book.StatusRejected)
}

type cancelRequest struct {
	OrderID string `json:"order_id"`
}

func (d *Dispatcher) handleCancel(ctx context.Context, payload []byte) []byte {
	var req cancelRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return fail(fmt.Sprintf("invalid cancel: %v", err))
	}
	if req.OrderID == "" {
		return fail("order_id required")
	}

	var canceled bool
	if d.live {
		var err error
		canceled, err = d.brk.CancelOrder(ctx, req.OrderID)
		if err != nil {
			return fail(fmt.Sprintf("broker: %v", err))
		}
	} else {
		canceled = d.reg.CancelAnywhere(req.OrderID)
	}
	if !canceled {
		return fail("order not found")
	}
	return ok(map[string]any{"order_id": req.OrderID, "message": "Order canceled"})
}

func (d *Dispatcher) rawQuery(ctx context.Context, key string, fn func(context.Context) (json.RawMessage, error)) []byte {
	raw, err := fn(ctx)
	if err != nil {
		return fail(err.Error())
	}
	return ok(map[string]any{key: raw})
}

// handleAllOrders replies with the executed subset under "orders" and the
// complete history under "all_orders".
func (d *Dispatcher) handleAllOrders(ctx context.Context) []byte {
	raw, err := d.brk.AllOrders(ctx)
	if err != nil {
		return fail(err.Error())
	}

	var all []map[string]any
	if err := json.Unmarshal(raw, &all); err != nil {
		// Provider returned something other than a list; pass it through.
		return ok(map[string]any{"orders": raw, "all_orders": raw})
	}

	// Internal mode also carries the orders dispatched straight into the
	// books, which never pass through the broker's history.
	if !d.live && len(d.history) > 0 {
		hraw, err := json.Marshal(d.history)
		if err == nil {
			var hist []map[string]any
			if json.Unmarshal(hraw, &hist) == nil {
				all = append(all, hist...)
			}
		}
	}

	executed := make([]map[string]any, 0, len(all))
	for _, o := range all {
		status, _ := o["status"].(string)
		if strings.Contains(strings.ToLower(status), "fill") {
			executed = append(executed, o)
		}
	}
	return ok(map[string]any{"orders": executed, "all_orders": all})
}

func (d *Dispatcher) handleMovers(ctx context.Context) []byte {
	// Prefer the strategy's selected provider; without one, fall back to
	// whatever the venue reports (the paper venue reports none).
	if d.ctrl != nil {
		movers, err := d.ctrl.MarketMovers(ctx)
		if err != nil {
			return fail(err.Error())
		}
		return ok(map[string]any{"movers": movers})
	}
	movers, err := d.brk.MarketMovers(ctx)
	if err != nil {
		return fail(err.Error())
	}
	return ok(map[string]any{"movers": movers})
}

func (d *Dispatcher) handleBenchmark(ctx context.Context, provider string, payload []byte) []byte {
	if d.ctrl == nil {
		return fail("movers strategy unavailable")
	}
	var req struct {
		Iterations int `json:"iterations"`
	}
	json.Unmarshal(payload, &req)

	report, err := d.ctrl.Benchmark(ctx, provider, req.Iterations)
	if err != nil {
		return fail(err.Error())
	}
	return okFlat(report)
}

type strategyRequest struct {
	Action string `json:"action"`
	strategy.ConfigUpdate
}

func (d *Dispatcher) handleStrategy(ctx context.Context, payload []byte) []byte {
	if d.ctrl == nil {
		return fail("movers strategy unavailable")
	}
	var req strategyRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return fail(fmt.Sprintf("invalid strategy request: %v", err))
	}

	switch req.Action {
	case "status":
		return ok(map[string]any{"data": d.ctrl.Status()})
	case "positions":
		return ok(map[string]any{"data": d.ctrl.Positions()})
	case "performance":
		return ok(map[string]any{"data": d.ctrl.Performance()})
	case "enable":
		d.ctrl.Enable()
		return ok(map[string]any{"message": "strategy enabled"})
	case "disable":
		d.ctrl.Disable()
		return ok(map[string]any{"message": "strategy disabled"})
	case "force_close":
		closed := d.ctrl.ForceCloseAll(ctx)
		return ok(map[string]any{"message": fmt.Sprintf("closed %d positions", closed)})
	case "update":
		return ok(map[string]any{"data": d.ctrl.UpdateConfig(req.ConfigUpdate)})
	default:
		return fail(fmt.Sprintf("unknown strategy action %q", req.Action))
	}
}

func (d *Dispatcher) emit(report book.ExecutionReport) {
	if d.onReport != nil {
		d.onReport(report)
	}
}

// ok builds a success reply with the payload fields spread into the
// envelope alongside the success flag.
func ok(fields map[string]any) []byte {
	merged := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		merged[k] = v
	}
	merged["success"] = true
	out, err := json.Marshal(merged)
	if err != nil {
		return fail(fmt.Sprintf("encode reply: %v", err))
	}
	return out
}

// okFlat flattens a struct's JSON fields into the reply envelope.
func okFlat(v any) []byte { return flat(v, true) }

func flat(v any, success bool) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return fail(fmt.Sprintf("encode reply: %v", err))
	}
	fields := map[string]any{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fail(fmt.Sprintf("encode reply: %v", err))
	}
	fields["success"] = success
	out, err := json.Marshal(fields)
	if err != nil {
		return fail(fmt.Sprintf("encode reply: %v", err))
	}
	return out
}

func fail(msg string) []byte {
	out, _ := json.Marshal(map[string]any{"success": false, "error": msg})
	return out
}
