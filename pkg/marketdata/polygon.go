package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// PolygonProvider reads the Polygon stock snapshot API.
type PolygonProvider struct {
	key     string
	baseURL string
	httpc   *http.Client
}

func NewPolygonProvider(key, baseURL string) *PolygonProvider {
	return &PolygonProvider{
		key:     key,
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (p *PolygonProvider) Name() string { return "polygon" }

type polygonTicker struct {
	Ticker           string  `json:"ticker"`
	TodaysChangePerc float64 `json:"todaysChangePerc"`
	Day              struct {
		Close  float64 `json:"c"`
		Volume float64 `json:"v"`
	} `json:"day"`
	LastTrade struct {
		Price float64 `json:"p"`
	} `json:"lastTrade"`
}

type polygonSnapshot struct {
	Tickers []polygonTicker `json:"tickers"`
}

func (p *PolygonProvider) MarketMovers(ctx context.Context) (Movers, error) {
	var out Movers

	gainers, err := p.snapshot(ctx, "gainers")
	if err != nil {
		return out, err
	}
	out.Gainers = gainers

	// Losers are best-effort; a movers consumer only acts on gainers.
	if losers, err := p.snapshot(ctx, "losers"); err == nil {
		out.Losers = losers
	}
	return out, nil
}

func (p *PolygonProvider) snapshot(ctx context.Context, direction string) ([]Mover, error) {
	endpoint := fmt.Sprintf("/v2/snapshot/locale/us/markets/stocks/%s?limit=20", direction)
	body, err := p.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var snap polygonSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("decode polygon snapshot: %w", err)
	}

	movers := make([]Mover, 0, len(snap.Tickers))
	for _, t := range snap.Tickers {
		price := t.Day.Close
		if price == 0 {
			price = t.LastTrade.Price
		}
		movers = append(movers, Mover{
			Symbol:        t.Ticker,
			Price:         price,
			ChangePercent: t.TodaysChangePerc,
			Volume:        t.Day.Volume,
		})
	}
	return movers, nil
}

func (p *PolygonProvider) LastPrice(ctx context.Context, symbol string) (float64, error) {
	body, err := p.get(ctx, "/v2/last/trade/"+symbol+"?")
	if err != nil {
		return 0, err
	}
	var resp struct {
		Results struct {
			Price float64 `json:"p"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("decode polygon last trade: %w", err)
	}
	if resp.Results.Price == 0 {
		return 0, fmt.Errorf("polygon: no last trade for %s", symbol)
	}
	return resp.Results.Price, nil
}

func (p *PolygonProvider) get(ctx context.Context, endpoint string) ([]byte, error) {
	url := p.baseURL + endpoint + "&apikey=" + p.key
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polygon request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("polygon response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("polygon: status %d: %s", resp.StatusCode, truncate(body, 200))
	}
	return body, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
