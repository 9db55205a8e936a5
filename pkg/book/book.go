package book

import (
	"container/heap"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Level is an aggregated price level snapshot.
type Level struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// Book is one symbol's limit order book with price-time-priority matching.
//
// Orders live in an arena: levels and the id index refer to orders by arena
// slot, so exactly one owner decides an order's lifetime and nothing holds a
// reference into freed storage. A live order is in the id index and exactly
// one side's FIFO; a filled or pruned order is in neither.
//
// The single mutex covers every operation, so a matching pass is atomic with
// respect to concurrent submits and cancels on the same symbol. The lock is
// never held across any external call.
type Book struct {
	mu     sync.Mutex
	symbol string

	arena []Order
	free  []int

	ids map[string]int // engine order id -> arena slot

	bids map[float64][]int // price -> FIFO of arena slots
	asks map[float64][]int

	bidHeap *MaxPriceHeap
	askHeap *MinPriceHeap

	counter atomic.Uint64
}

func New(symbol string) *Book {
	bidHeap := &MaxPriceHeap{}
	askHeap := &MinPriceHeap{}
	heap.Init(bidHeap)
	heap.Init(askHeap)

	return &Book{
		symbol:  symbol,
		ids:     make(map[string]int),
		bids:    make(map[float64][]int),
		asks:    make(map[float64][]int),
		bidHeap: bidHeap,
		askHeap: askHeap,
	}
}

func (b *Book) Symbol() string { return b.symbol }

// nextOrderID builds a time-prefixed id with an atomic counter suffix, so
// ids sort roughly by submission time and stay unique under concurrency.
func (b *Book) nextOrderID(now time.Time) string {
	return fmt.Sprintf("ORD%016d_%d", now.UnixNano(), b.counter.Add(1)-1)
}

func (b *Book) alloc(o Order) int {
	if n := len(b.free); n > 0 {
		idx := b.free[n-1]
		b.free = b.free[:n-1]
		b.arena[idx] = o
		return idx
	}
	b.arena = append(b.arena, o)
	return len(b.arena) - 1
}

func (b *Book) release(idx int) {
	b.arena[idx] = Order{}
	b.free = append(b.free, idx)
}

// Submit validates and inserts an order, returning a NEW acknowledgment or a
// REJECTED report. It never matches and never calls out.
func (b *Book) Submit(o Order) ExecutionReport {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	o.OrderID = b.nextOrderID(now)
	o.CreatedAt = now
	o.FilledQty = 0
	o.Status = StatusNew

	if o.Quantity <= 0 {
		return rejectReport(&o, now, "quantity must be positive")
	}
	if o.Price <= 0 {
		return rejectReport(&o, now, "price must be positive")
	}

	idx := b.alloc(o)
	b.ids[o.OrderID] = idx
	if o.Side == Buy {
		if len(b.bids[o.Price]) == 0 {
			heap.Push(b.bidHeap, o.Price)
		}
		b.bids[o.Price] = append(b.bids[o.Price], idx)
	} else {
		if len(b.asks[o.Price]) == 0 {
			heap.Push(b.askHeap, o.Price)
		}
		b.asks[o.Price] = append(b.asks[o.Price], idx)
	}

	return ExecutionReport{
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Status:        StatusNew,
		RemainingQty:  o.Quantity,
		Timestamp:     now.UnixNano(),
		Message:       "Order accepted",
	}
}

// Match crosses the book while best bid >= best ask. Each trade executes at
// the resting ask price for the minimum of both sides' remaining quantity,
// FIFO within a level. One report per trade, taken from the buy side.
func (b *Book) Match() []ExecutionReport {
	b.mu.Lock()
	defer b.mu.Unlock()

	var reports []ExecutionReport
	for b.bidHeap.Len() > 0 && b.askHeap.Len() > 0 {
		bestBid := b.bidHeap.Peek()
		bestAsk := b.askHeap.Peek()
		if bestBid < bestAsk {
			break
		}
		// Canceled orders are removed lazily, here at the front of the
		// best level.
		if b.pruneFront(Buy, bestBid) || b.pruneFront(Sell, bestAsk) {
			continue
		}

		buyIdx := b.bids[bestBid][0]
		sellIdx := b.asks[bestAsk][0]
		buy := &b.arena[buyIdx]
		sell := &b.arena[sellIdx]

		qty := math.Min(buy.Remaining(), sell.Remaining())
		buy.FilledQty += qty
		sell.FilledQty += qty
		buy.Status = StatusPartiallyFilled
		if buy.FilledQty >= buy.Quantity {
			buy.Status = StatusFilled
		}
		sell.Status = StatusPartiallyFilled
		if sell.FilledQty >= sell.Quantity {
			sell.Status = StatusFilled
		}

		reports = append(reports, ExecutionReport{
			OrderID:       buy.OrderID,
			ClientOrderID: buy.ClientOrderID,
			Symbol:        buy.Symbol,
			Side:          buy.Side,
			Status:        buy.Status,
			FillPrice:     bestAsk,
			FillQty:       qty,
			RemainingQty:  buy.Remaining(),
			Timestamp:     time.Now().UnixNano(),
			Message:       "Trade executed",
		})

		if buy.Status == StatusFilled {
			b.removeFront(Buy, bestBid)
		}
		if sell.Status == StatusFilled {
			b.removeFront(Sell, bestAsk)
		}
	}
	return reports
}

// pruneFront drops canceled orders from the front of a level. Returns true
// when the level was emptied and removed, so the caller must re-peek.
func (b *Book) pruneFront(side Side, price float64) bool {
	levels := b.bids
	if side == Sell {
		levels = b.asks
	}
	q := levels[price]
	for len(q) > 0 && b.arena[q[0]].Status == StatusCanceled {
		b.release(q[0])
		q = q[1:]
	}
	levels[price] = q
	if len(q) == 0 {
		delete(levels, price)
		b.popLevel(side)
		return true
	}
	return false
}

// removeFront removes the (fully filled) front order of the best level on
// one side, pruning the level if it empties. price must be the side's top.
func (b *Book) removeFront(side Side, price float64) {
	levels := b.bids
	if side == Sell {
		levels = b.asks
	}
	q := levels[price]
	idx := q[0]
	delete(b.ids, b.arena[idx].OrderID)
	b.release(idx)
	q = q[1:]
	levels[price] = q
	if len(q) == 0 {
		delete(levels, price)
		b.popLevel(side)
	}
}

func (b *Book) popLevel(side Side) {
	if side == Buy {
		heap.Pop(b.bidHeap)
	} else {
		heap.Pop(b.askHeap)
	}
}

// Cancel marks an order canceled and drops it from the id index. Unknown
// ids return false; canceling twice is a no-op. Removal from the level FIFO
// is lazy and happens during matching.
func (b *Book) Cancel(orderID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx, ok := b.ids[orderID]
	if !ok {
		return false
	}
	b.arena[idx].Status = StatusCanceled
	delete(b.ids, orderID)
	return true
}

// BestBid returns the highest bid price, or ok=false for no quote.
func (b *Book) BestBid() (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bidHeap.Len() == 0 {
		return 0, false
	}
	return b.bidHeap.Peek(), true
}

// BestAsk returns the lowest ask price, or ok=false for no quote.
func (b *Book) BestAsk() (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.askHeap.Len() == 0 {
		return 0, false
	}
	return b.askHeap.Peek(), true
}

// BidDepth returns the count of distinct bid price levels.
func (b *Book) BidDepth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bids)
}

// AskDepth returns the count of distinct ask price levels.
func (b *Book) AskDepth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.asks)
}

// Get returns a copy of a live order.
func (b *Book) Get(orderID string) (Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, ok := b.ids[orderID]
	if !ok {
		return Order{}, false
	}
	return b.arena[idx], true
}

// OpenOrders returns copies of all live orders, oldest first.
func (b *Book) OpenOrders() []Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Order, 0, len(b.ids))
	for _, idx := range b.ids {
		out = append(out, b.arena[idx])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// BidLevels returns aggregated bid levels, best first.
func (b *Book) BidLevels() []Level {
	b.mu.Lock()
	defer b.mu.Unlock()
	levels := b.aggregate(b.bids)
	sort.Slice(levels, func(i, j int) bool { return levels[i].Price > levels[j].Price })
	return levels
}

// AskLevels returns aggregated ask levels, best first.
func (b *Book) AskLevels() []Level {
	b.mu.Lock()
	defer b.mu.Unlock()
	levels := b.aggregate(b.asks)
	sort.Slice(levels, func(i, j int) bool { return levels[i].Price < levels[j].Price })
	return levels
}

func (b *Book) aggregate(side map[float64][]int) []Level {
	var levels []Level
	for price, q := range side {
		var qty float64
		for _, idx := range q {
			if b.arena[idx].Status == StatusCanceled {
				continue
			}
			qty += b.arena[idx].Remaining()
		}
		if qty > 0 {
			levels = append(levels, Level{Price: price, Qty: qty})
		}
	}
	return levels
}
