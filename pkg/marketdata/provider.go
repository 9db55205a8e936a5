package marketdata

import "context"

// Mover is one entry of a top-movers snapshot.
type Mover struct {
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	ChangePercent float64 `json:"change_percent"`
	Volume        float64 `json:"volume,omitempty"`
}

// Movers is the day's biggest gainers and losers.
type Movers struct {
	Gainers []Mover `json:"gainers"`
	Losers  []Mover `json:"losers"`
}

// Provider serves market snapshots. Implementations are HTTP clients; calls
// block and honor ctx.
type Provider interface {
	Name() string
	MarketMovers(ctx context.Context) (Movers, error)
	LastPrice(ctx context.Context, symbol string) (float64, error)
}
