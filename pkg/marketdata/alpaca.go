package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// AlpacaProvider reads the Alpaca stock screener and latest-trade APIs.
type AlpacaProvider struct {
	key     string
	secret  string
	dataURL string
	httpc   *http.Client
}

func NewAlpacaProvider(key, secret, dataURL string) *AlpacaProvider {
	return &AlpacaProvider{
		key:     key,
		secret:  secret,
		dataURL: dataURL,
		httpc:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (p *AlpacaProvider) Name() string { return "alpaca" }

type alpacaMover struct {
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	Change        float64 `json:"change"`
	PercentChange float64 `json:"percent_change"`
}

func (p *AlpacaProvider) MarketMovers(ctx context.Context) (Movers, error) {
	body, err := p.get(ctx, "/v1beta1/screener/stocks/movers?top=20")
	if err != nil {
		return Movers{}, err
	}

	var resp struct {
		Gainers []alpacaMover `json:"gainers"`
		Losers  []alpacaMover `json:"losers"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Movers{}, fmt.Errorf("decode alpaca movers: %w", err)
	}

	out := Movers{
		Gainers: make([]Mover, 0, len(resp.Gainers)),
		Losers:  make([]Mover, 0, len(resp.Losers)),
	}
	for _, m := range resp.Gainers {
		out.Gainers = append(out.Gainers, Mover{Symbol: m.Symbol, Price: m.Price, ChangePercent: m.PercentChange})
	}
	for _, m := range resp.Losers {
		out.Losers = append(out.Losers, Mover{Symbol: m.Symbol, Price: m.Price, ChangePercent: m.PercentChange})
	}
	return out, nil
}

func (p *AlpacaProvider) LastPrice(ctx context.Context, symbol string) (float64, error) {
	body, err := p.get(ctx, "/v2/stocks/"+symbol+"/trades/latest")
	if err != nil {
		return 0, err
	}
	var resp struct {
		Trade struct {
			Price float64 `json:"p"`
		} `json:"trade"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("decode alpaca latest trade: %w", err)
	}
	if resp.Trade.Price == 0 {
		return 0, fmt.Errorf("alpaca: no latest trade for %s", symbol)
	}
	return resp.Trade.Price, nil
}

func (p *AlpacaProvider) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.dataURL+endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("APCA-API-KEY-ID", p.key)
	req.Header.Set("APCA-API-SECRET-KEY", p.secret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("alpaca data request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("alpaca data response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("alpaca data: status %d: %s", resp.StatusCode, truncate(body, 200))
	}
	return body, nil
}
