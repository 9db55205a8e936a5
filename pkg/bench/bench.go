// Package bench measures market data providers so the strategy can pick
// the fastest one at startup. Failed calls count against a provider as a
// large latency penalty instead of being dropped, which keeps a flaky
// provider from winning on its few good samples.
package bench

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"time"

	"traderd/pkg/marketdata"
)

// errorPenaltyMs is charged per failed call when ranking providers.
const errorPenaltyMs = 9999.0

type Report struct {
	Provider       string  `json:"provider"`
	Iterations     int     `json:"iterations"`
	TotalTimeMs    float64 `json:"total_time_ms"`
	AvgTimeMs      float64 `json:"avg_time_ms"`
	MinTimeMs      float64 `json:"min_time_ms"`
	MaxTimeMs      float64 `json:"max_time_ms"`
	P50TimeMs      float64 `json:"p50_time_ms"`
	P95TimeMs      float64 `json:"p95_time_ms"`
	P99TimeMs      float64 `json:"p99_time_ms"`
	SuccessCount   int     `json:"success_count"`
	ErrorCount     int     `json:"error_count"`
	SuccessRate    float64 `json:"success_rate"`
	DataSizeBytes  int     `json:"data_size_bytes"`
	ThroughputMbps float64 `json:"throughput_mbps"`
}

// Run calls the provider's movers endpoint `iterations` times and
// summarizes the latencies. Errors are recorded with the penalty latency.
func Run(ctx context.Context, p marketdata.Provider, iterations int) Report {
	if iterations <= 0 {
		iterations = 1
	}

	samples := make([]float64, 0, iterations)
	r := Report{Provider: p.Name(), Iterations: iterations}

	for i := 0; i < iterations; i++ {
		start := time.Now()
		movers, err := p.MarketMovers(ctx)
		elapsed := float64(time.Since(start)) / float64(time.Millisecond)

		if err != nil {
			r.ErrorCount++
			samples = append(samples, errorPenaltyMs)
			continue
		}
		r.SuccessCount++
		samples = append(samples, elapsed)
		if raw, err := json.Marshal(movers); err == nil {
			r.DataSizeBytes += len(raw)
		}
	}

	sort.Float64s(samples)
	r.MinTimeMs = samples[0]
	r.MaxTimeMs = samples[len(samples)-1]
	for _, s := range samples {
		r.TotalTimeMs += s
	}
	r.AvgTimeMs = r.TotalTimeMs / float64(len(samples))
	r.P50TimeMs = percentile(samples, 50)
	r.P95TimeMs = percentile(samples, 95)
	r.P99TimeMs = percentile(samples, 99)
	r.SuccessRate = float64(r.SuccessCount) / float64(iterations) * 100

	if r.TotalTimeMs > 0 {
		r.ThroughputMbps = float64(r.DataSizeBytes) * 8 / (r.TotalTimeMs / 1000) / 1e6
	}
	return r
}

// Select benchmarks every candidate and returns the one with the lowest
// median latency, along with all reports in candidate order. A provider
// that failed every call can still win if the others were slower, which
// mirrors ranking purely on p50.
func Select(ctx context.Context, iterations int, candidates ...marketdata.Provider) (marketdata.Provider, []Report) {
	if len(candidates) == 0 {
		return nil, nil
	}

	reports := make([]Report, len(candidates))
	best := 0
	for i, p := range candidates {
		reports[i] = Run(ctx, p, iterations)
		if reports[i].P50TimeMs < reports[best].P50TimeMs {
			best = i
		}
	}
	return candidates[best], reports
}

// percentile uses nearest-rank on a sorted sample set.
func percentile(sorted []float64, pct float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(pct / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
