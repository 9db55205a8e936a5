// Package strategy runs the movers strategy: buy the day's top gainers
// past a threshold, hold at most a handful of positions, and unwind on
// profit or before the close. All admission rules live here; the broker
// only sees fully decided orders.
package strategy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"traderd/params"
	"traderd/pkg/bench"
	"traderd/pkg/book"
	"traderd/pkg/broker"
	"traderd/pkg/marketdata"
	"traderd/pkg/store"
	"traderd/pkg/util"
)

type Config struct {
	Enabled          bool
	BuyThresholdPct  float64
	SellThresholdPct float64
	InvestmentAmount float64
	PollInterval     time.Duration
	RecoveryInterval time.Duration
	MaxPositions     int
	BenchmarkRuns    int

	Timezone     string
	Open         params.MinuteOfDay
	EntryCutoff  params.MinuteOfDay
	CloseWarning params.MinuteOfDay
	Close        params.MinuteOfDay
}

func ConfigFromParams(m params.Movers, s params.Session) Config {
	return Config{
		Enabled:          m.Enabled,
		BuyThresholdPct:  m.BuyThresholdPct,
		SellThresholdPct: m.SellThresholdPct,
		InvestmentAmount: m.InvestmentAmount,
		PollInterval:     m.PollInterval,
		RecoveryInterval: m.RecoveryInterval,
		MaxPositions:     m.MaxPositions,
		BenchmarkRuns:    m.BenchmarkRuns,
		Timezone:         s.Timezone,
		Open:             s.Open,
		EntryCutoff:      s.EntryCutoff,
		CloseWarning:     s.CloseWarning,
		Close:            s.Close,
	}
}

// ConfigUpdate carries runtime config changes; nil fields keep the
// current value.
type ConfigUpdate struct {
	BuyThresholdPct  *float64 `json:"buy_threshold_pct,omitempty"`
	SellThresholdPct *float64 `json:"sell_threshold_pct,omitempty"`
	InvestmentAmount *float64 `json:"investment_amount,omitempty"`
	MaxPositions     *int     `json:"max_positions,omitempty"`
}

// Position stays in the book of positions after it closes, flagged
// inactive, so reporting queries still see the day's exits.
type Position struct {
	Symbol     string    `json:"symbol"`
	Quantity   float64   `json:"qty"`
	EntryPrice float64   `json:"entry_price"`
	OrderID    string    `json:"order_id"`
	OpenedAt   time.Time `json:"opened_at"`
	Active     bool      `json:"active"`
	ExitPrice  float64   `json:"exit_price,omitempty"`
	ClosedAt   time.Time `json:"closed_at,omitzero"`
}

// Controller owns position admission. One mutex guards positions, the
// per-day purchase set, and the config; it is never held across broker
// or market data calls.
type Controller struct {
	brk       broker.Broker
	providers []marketdata.Provider
	st        store.Store // may be nil
	clock     util.Clock
	log       *zap.Logger
	loc       *time.Location

	mu            sync.Mutex
	cfg           Config
	positions     map[string]Position
	purchased     map[string]struct{}
	purchasedDate string
	realizedPnL   float64
	closedCount   int
	winCount      int

	active      atomic.Value // provider name, string
	apiFailures atomic.Int64
	reports     atomic.Value // []bench.Report

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewController wires the strategy. At least one provider is required;
// when several are given Start benchmarks them and trades on the fastest.
func NewController(cfg Config, brk broker.Broker, providers []marketdata.Provider, st store.Store, clock util.Clock, log *zap.Logger) (*Controller, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("strategy: at least one market data provider required")
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("strategy: load timezone %q: %w", cfg.Timezone, err)
	}
	c := &Controller{
		brk:       brk,
		providers: providers,
		st:        st,
		clock:     clock,
		log:       log,
		loc:       loc,
		cfg:       cfg,
		positions: make(map[string]Position),
		purchased: make(map[string]struct{}),
		stop:      make(chan struct{}),
	}
	c.active.Store(providers[0].Name())
	return c, nil
}

// Start restores persisted state, picks a provider, and launches the
// acquisition and liquidation loops.
func (c *Controller) Start(ctx context.Context) {
	c.restore(ctx)
	c.selectProvider(ctx)

	c.wg.Add(2)
	go c.loop(ctx, c.acquisitionTick)
	go c.loop(ctx, c.liquidationTick)
	c.log.Info("strategy started",
		zap.String("provider", c.ActiveProvider()),
		zap.Bool("enabled", c.snapshotConfig().Enabled))
}

// Stop signals both loops and waits for them to drain.
func (c *Controller) Stop() {
	close(c.stop)
	c.wg.Wait()
}

func (c *Controller) loop(ctx context.Context, tick func(context.Context)) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-c.clock.After(c.snapshotConfig().PollInterval):
			tick(ctx)
		}
	}
}

// restore reloads positions and today's purchase set from the store.
func (c *Controller) restore(ctx context.Context) {
	if c.st == nil {
		return
	}
	today := c.clock.Now().In(c.loc).Format("2006-01-02")
	members, err := c.st.SMembers(ctx, store.PurchasedKey(today))
	if err != nil {
		c.log.Warn("restore purchase set failed", zap.Error(err))
	}

	c.mu.Lock()
	c.purchasedDate = today
	for _, sym := range members {
		c.purchased[sym] = struct{}{}
		var pos Position
		if ok, err := c.st.GetJSON(ctx, store.PositionKey(sym), &pos); err == nil && ok {
			if pos.Quantity > 0 {
				pos.Active = true
			}
			c.positions[sym] = pos
		}
	}
	n := len(c.positions)
	c.mu.Unlock()

	if n > 0 {
		c.log.Info("restored positions", zap.Int("count", n))
	}
}

// selectProvider benchmarks the candidates and trades through the one
// with the lowest median latency. Reports are kept for status queries.
func (c *Controller) selectProvider(ctx context.Context) {
	if len(c.providers) == 1 {
		return
	}
	runs := c.snapshotConfig().BenchmarkRuns
	best, reports := bench.Select(ctx, runs, c.providers...)
	c.reports.Store(reports)
	c.active.Store(best.Name())
	c.log.Info("market data provider selected",
		zap.String("provider", best.Name()),
		zap.Int("runs", runs))
	if c.st != nil {
		if err := c.st.Set(ctx, store.APISelectionKey(), best.Name(), 0); err != nil {
			c.log.Warn("persist provider selection failed", zap.Error(err))
		}
	}
}

func (c *Controller) provider() marketdata.Provider {
	name, _ := c.active.Load().(string)
	for _, p := range c.providers {
		if p.Name() == name {
			return p
		}
	}
	return c.providers[0]
}

func (c *Controller) ActiveProvider() string {
	name, _ := c.active.Load().(string)
	return name
}

// MarketMovers fetches movers through the active provider.
func (c *Controller) MarketMovers(ctx context.Context) (marketdata.Movers, error) {
	movers, err := c.provider().MarketMovers(ctx)
	if err != nil {
		c.apiFailures.Add(1)
	}
	return movers, err
}

// Benchmark measures one named provider on demand. Non-positive
// iterations fall back to the configured run count.
func (c *Controller) Benchmark(ctx context.Context, name string, iterations int) (bench.Report, error) {
	if iterations <= 0 {
		iterations = c.snapshotConfig().BenchmarkRuns
	}
	for _, p := range c.providers {
		if p.Name() == name {
			return bench.Run(ctx, p, iterations), nil
		}
	}
	return bench.Report{}, fmt.Errorf("unknown provider %q", name)
}

func (c *Controller) snapshotConfig() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// acquisitionTick scans the gainers and opens positions that pass every
// admission rule. Market data and order submission happen outside the
// lock; the admission decision is re-checked under it.
func (c *Controller) acquisitionTick(ctx context.Context) {
	cfg := c.snapshotConfig()
	now := c.clock.Now().In(c.loc)
	if !cfg.Enabled || !inSession(cfg, now) || !beforeEntryCutoff(cfg, now) {
		return
	}

	movers, err := c.provider().MarketMovers(ctx)
	if err != nil {
		c.apiFailures.Add(1)
		c.log.Warn("movers fetch failed", zap.Error(err))
		c.backoff(ctx, cfg.RecoveryInterval)
		return
	}

	today := now.Format("2006-01-02")
	for _, m := range movers.Gainers {
		if m.ChangePercent < cfg.BuyThresholdPct || m.Price <= 0 {
			continue
		}
		// Fractional quantities are fine; the venue supports them.
		qty := cfg.InvestmentAmount / m.Price
		if !c.admit(today, m.Symbol) {
			continue
		}

		report, err := c.brk.SubmitOrder(ctx, book.Order{
			Symbol:    m.Symbol,
			Side:      book.Buy,
			Quantity:  qty,
			Price:     m.Price,
			Type:      book.Limit,
			CreatedAt: now,
		})
		if err != nil || report.Status == book.StatusRejected {
			c.unadmit(m.Symbol)
			if err != nil {
				c.apiFailures.Add(1)
				c.log.Warn("buy order failed", zap.String("symbol", m.Symbol), zap.Error(err))
			} else {
				c.log.Info("buy order rejected",
					zap.String("symbol", m.Symbol),
					zap.String("reason", report.Message))
			}
			continue
		}

		pos := Position{
			Symbol:     m.Symbol,
			Quantity:   qty,
			EntryPrice: m.Price,
			OrderID:    report.OrderID,
			OpenedAt:   now,
			Active:     true,
		}
		c.commit(ctx, today, pos)
		c.log.Info("position opened",
			zap.String("symbol", m.Symbol),
			zap.Float64("qty", qty),
			zap.Float64("entry", m.Price),
			zap.Float64("change_pct", m.ChangePercent))
	}
}

// admit reserves a slot for symbol under the lock. It fails when the
// symbol already has a position, was bought earlier today, or the book
// of positions is full. The reservation keeps a slow order submission
// from letting a second scan double-buy the symbol.
func (c *Controller) admit(today, symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollDateLocked(today)
	if p, held := c.positions[symbol]; held && p.Active {
		return false
	}
	if _, bought := c.purchased[symbol]; bought {
		return false
	}
	if c.activeCountLocked() >= c.cfg.MaxPositions {
		return false
	}
	c.purchased[symbol] = struct{}{}
	c.positions[symbol] = Position{Symbol: symbol, Active: true}
	return true
}

func (c *Controller) activeCountLocked() int {
	n := 0
	for _, p := range c.positions {
		if p.Active {
			n++
		}
	}
	return n
}

func (c *Controller) unadmit(symbol string) {
	c.mu.Lock()
	delete(c.positions, symbol)
	delete(c.purchased, symbol)
	c.mu.Unlock()
}

func (c *Controller) commit(ctx context.Context, today string, pos Position) {
	c.mu.Lock()
	c.positions[pos.Symbol] = pos
	c.mu.Unlock()

	if c.st == nil {
		return
	}
	if err := c.st.SetJSON(ctx, store.PositionKey(pos.Symbol), pos, 0); err != nil {
		c.log.Warn("persist position failed", zap.String("symbol", pos.Symbol), zap.Error(err))
	}
	if err := c.st.SAdd(ctx, store.PurchasedKey(today), pos.Symbol); err != nil {
		c.log.Warn("persist purchase failed", zap.String("symbol", pos.Symbol), zap.Error(err))
	}
}

// rollDateLocked clears the purchase set when the session date changes.
func (c *Controller) rollDateLocked(today string) {
	if c.purchasedDate == today {
		return
	}
	c.purchasedDate = today
	c.purchased = make(map[string]struct{})
}

// liquidationTick closes positions that hit the profit target and closes
// everything unconditionally once the close warning time is reached. It
// only runs while the strategy is enabled and the session is open.
func (c *Controller) liquidationTick(ctx context.Context) {
	cfg := c.snapshotConfig()
	now := c.clock.Now().In(c.loc)
	if !cfg.Enabled || !inSession(cfg, now) {
		return
	}
	forced := nearClose(cfg, now)

	c.mu.Lock()
	open := make([]Position, 0, len(c.positions))
	for _, p := range c.positions {
		if p.Active && p.Quantity > 0 {
			open = append(open, p)
		}
	}
	c.mu.Unlock()

	for _, pos := range open {
		price, err := c.provider().LastPrice(ctx, pos.Symbol)
		if err != nil {
			c.apiFailures.Add(1)
			if !forced {
				continue
			}
			// Close at entry when a price is unavailable near the bell.
			price = pos.EntryPrice
		}

		gainPct := (price - pos.EntryPrice) / pos.EntryPrice * 100
		if !forced && gainPct < cfg.SellThresholdPct {
			continue
		}
		c.closePosition(ctx, pos, price, forced)
	}
}

// closePosition sells and marks the position inactive. A failed sell
// keeps the position open so the next tick retries, except under a
// forced exit, which marks it inactive regardless. Reports whether the
// position was marked inactive.
func (c *Controller) closePosition(ctx context.Context, pos Position, price float64, forced bool) bool {
	report, err := c.brk.SubmitOrder(ctx, book.Order{
		Symbol:    pos.Symbol,
		Side:      book.Sell,
		Quantity:  pos.Quantity,
		Price:     price,
		Type:      book.Limit,
		CreatedAt: c.clock.Now(),
	})
	sold := err == nil && report.Status != book.StatusRejected
	if !sold {
		if err != nil {
			c.apiFailures.Add(1)
			c.log.Warn("sell order failed", zap.String("symbol", pos.Symbol), zap.Error(err))
		} else {
			c.log.Warn("sell order rejected",
				zap.String("symbol", pos.Symbol),
				zap.String("reason", report.Message))
		}
		if !forced {
			return false
		}
	}

	pnl := (price - pos.EntryPrice) * pos.Quantity
	pos.Active = false
	pos.ExitPrice = price
	pos.ClosedAt = c.clock.Now()
	c.mu.Lock()
	c.positions[pos.Symbol] = pos
	if sold {
		c.realizedPnL += pnl
		c.closedCount++
		if pnl > 0 {
			c.winCount++
		}
	}
	c.mu.Unlock()

	if c.st != nil {
		if err := c.st.Del(ctx, store.PositionKey(pos.Symbol)); err != nil {
			c.log.Warn("drop persisted position failed", zap.String("symbol", pos.Symbol), zap.Error(err))
		}
	}
	c.log.Info("position closed",
		zap.String("symbol", pos.Symbol),
		zap.Float64("exit", price),
		zap.Float64("pnl", pnl),
		zap.Bool("forced", forced),
		zap.Bool("sold", sold))
	return true
}

func (c *Controller) backoff(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-c.stop:
	case <-c.clock.After(d):
	}
}

// Enable turns both loops on.
func (c *Controller) Enable() {
	c.mu.Lock()
	c.cfg.Enabled = true
	c.mu.Unlock()
	c.log.Info("strategy enabled")
}

func (c *Controller) Disable() {
	c.mu.Lock()
	c.cfg.Enabled = false
	c.mu.Unlock()
	c.log.Info("strategy disabled")
}

// ForceCloseAll liquidates every open position at its last known price
// immediately, regardless of session time or thresholds. Exit orders are
// best-effort; every position is marked inactive either way. Returns the
// number of positions marked inactive.
func (c *Controller) ForceCloseAll(ctx context.Context) int {
	c.mu.Lock()
	open := make([]Position, 0, len(c.positions))
	for _, p := range c.positions {
		if p.Active && p.Quantity > 0 {
			open = append(open, p)
		}
	}
	c.mu.Unlock()

	closed := 0
	for _, pos := range open {
		price, err := c.provider().LastPrice(ctx, pos.Symbol)
		if err != nil {
			c.apiFailures.Add(1)
			price = pos.EntryPrice
		}
		if c.closePosition(ctx, pos, price, true) {
			closed++
		}
	}
	return closed
}

// UpdateConfig applies non-nil fields. Shrinking MaxPositions never
// closes existing positions; it only blocks new admissions.
func (c *Controller) UpdateConfig(u ConfigUpdate) Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u.BuyThresholdPct != nil {
		c.cfg.BuyThresholdPct = *u.BuyThresholdPct
	}
	if u.SellThresholdPct != nil {
		c.cfg.SellThresholdPct = *u.SellThresholdPct
	}
	if u.InvestmentAmount != nil {
		c.cfg.InvestmentAmount = *u.InvestmentAmount
	}
	if u.MaxPositions != nil {
		c.cfg.MaxPositions = *u.MaxPositions
	}
	return c.cfg
}

// ResetDay clears the purchase dedup set, letting symbols bought earlier
// in the session be bought again.
func (c *Controller) ResetDay() {
	c.mu.Lock()
	c.purchased = make(map[string]struct{})
	c.purchasedDate = ""
	c.mu.Unlock()
}

type Status struct {
	Enabled          bool    `json:"enabled"`
	InSession        bool    `json:"in_session"`
	EntryAllowed     bool    `json:"entry_allowed"`
	NearClose        bool    `json:"near_close"`
	Provider         string  `json:"provider"`
	OpenPositions    int     `json:"open_positions"`
	MaxPositions     int     `json:"max_positions"`
	BuyThresholdPct  float64 `json:"buy_threshold_pct"`
	SellThresholdPct float64 `json:"sell_threshold_pct"`
	InvestmentAmount float64 `json:"investment_amount"`
	APIFailures      int64   `json:"api_failures"`
}

func (c *Controller) Status() Status {
	cfg := c.snapshotConfig()
	now := c.clock.Now().In(c.loc)

	c.mu.Lock()
	open := c.activeCountLocked()
	c.mu.Unlock()

	return Status{
		Enabled:          cfg.Enabled,
		InSession:        inSession(cfg, now),
		EntryAllowed:     inSession(cfg, now) && beforeEntryCutoff(cfg, now),
		NearClose:        nearClose(cfg, now),
		Provider:         c.ActiveProvider(),
		OpenPositions:    open,
		MaxPositions:     cfg.MaxPositions,
		BuyThresholdPct:  cfg.BuyThresholdPct,
		SellThresholdPct: cfg.SellThresholdPct,
		InvestmentAmount: cfg.InvestmentAmount,
		APIFailures:      c.apiFailures.Load(),
	}
}

// Positions returns a copy of the day's positions, oldest first. Closed
// positions stay in the list with Active false.
func (c *Controller) Positions() []Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Position, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, p)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].OpenedAt.Before(out[j-1].OpenedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

type Performance struct {
	RealizedPnL   float64        `json:"realized_pnl"`
	ClosedTrades  int            `json:"closed_trades"`
	WinningTrades int            `json:"winning_trades"`
	WinRate       float64        `json:"win_rate"`
	OpenPositions int            `json:"open_positions"`
	Invested      float64        `json:"invested"`
	Benchmarks    []bench.Report `json:"benchmarks,omitempty"`
}

func (c *Controller) Performance() Performance {
	c.mu.Lock()
	perf := Performance{
		RealizedPnL:   c.realizedPnL,
		ClosedTrades:  c.closedCount,
		WinningTrades: c.winCount,
		OpenPositions: c.activeCountLocked(),
	}
	for _, p := range c.positions {
		if p.Active {
			perf.Invested += p.EntryPrice * p.Quantity
		}
	}
	c.mu.Unlock()

	if perf.ClosedTrades > 0 {
		perf.WinRate = float64(perf.WinningTrades) / float64(perf.ClosedTrades) * 100
	}
	if reports, ok := c.reports.Load().([]bench.Report); ok {
		perf.Benchmarks = reports
	}
	return perf
}
