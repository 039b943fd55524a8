package instruments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mohitkulkarni1999/StrikeIQ-sub001/internal/infra"
	"github.com/mohitkulkarni1999/StrikeIQ-sub001/pkg/quant"
)

// masterRow is one entry of the vendor's instrument master dump.
// Strike arrives as a decimal string; it never touches float64.
type masterRow struct {
	Token  uint32 `json:"token"`
	Symbol string `json:"symbol"`
	Expiry string `json:"expiry"` // "2006-01-02", empty for spot
	Strike string `json:"strike"`
	Type   string `json:"instrumenttype"` // "CE", "PE", "SPOT"
}

// Fetcher downloads and refreshes the instrument master over HTTP.
// The endpoint is flaky around exchange open, so calls run behind a
// circuit breaker and a token bucket.
type Fetcher struct {
	url        string
	httpClient *http.Client
	breaker    *infra.CircuitBreaker
	limiter    *infra.RateLimiter

	refreshInterval time.Duration
}

// NewFetcher creates a master fetcher.
func NewFetcher(url string, refreshInterval time.Duration) *Fetcher {
	return &Fetcher{
		url:             url,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		breaker:         infra.NewCircuitBreaker(infra.DefaultBreakerConfig("instrument-master")),
		limiter:         infra.NewRateLimiter(2, 0.2),
		refreshInterval: refreshInterval,
	}
}

// Fetch downloads and parses the full master dump.
func (f *Fetcher) Fetch(ctx context.Context) ([]Instrument, error) {
	if !f.breaker.Allow() {
		return nil, fmt.Errorf("instrument master circuit open")
	}
	if !f.limiter.TryAcquire() {
		return nil, fmt.Errorf("instrument master fetch rate limited")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		f.breaker.RecordFailure()
		return nil, fmt.Errorf("fetch instrument master: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		f.breaker.RecordFailure()
		return nil, fmt.Errorf("instrument master returned %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		f.breaker.RecordFailure()
		return nil, fmt.Errorf("read instrument master: %w", err)
	}

	list, err := parseMaster(body)
	if err != nil {
		// Parse failures are our problem, not the endpoint's.
		f.breaker.RecordSuccess()
		return nil, err
	}

	f.breaker.RecordSuccess()
	return list, nil
}

// parseMaster converts the raw dump into instruments. Rows that fail
// to parse are skipped with a warning; one bad row must not discard
// the whole master.
func parseMaster(raw []byte) ([]Instrument, error) {
	var rows []masterRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("parse instrument master: %w", err)
	}

	out := make([]Instrument, 0, len(rows))
	skipped := 0
	for _, r := range rows {
		ins, err := r.toInstrument()
		if err != nil {
			skipped++
			continue
		}
		out = append(out, ins)
	}
	if skipped > 0 {
		slog.Warn("skipped malformed instrument rows", "count", skipped)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("instrument master is empty")
	}
	return out, nil
}

func (r masterRow) toInstrument() (Instrument, error) {
	if r.Token == 0 || r.Symbol == "" {
		return Instrument{}, fmt.Errorf("missing token or symbol")
	}

	ins := Instrument{Token: r.Token, Symbol: r.Symbol}

	switch r.Type {
	case "SPOT", "":
		ins.Kind = KindSpot
		return ins, nil
	case "CE":
		ins.Kind = KindCall
	case "PE":
		ins.Kind = KindPut
	default:
		return Instrument{}, fmt.Errorf("unknown instrument type %q", r.Type)
	}

	expiry, err := time.Parse(expiryKeyLayout, r.Expiry)
	if err != nil {
		return Instrument{}, fmt.Errorf("bad expiry %q: %w", r.Expiry, err)
	}
	ins.Expiry = expiry

	if r.Strike == "" {
		return Instrument{}, fmt.Errorf("option row without a strike")
	}
	strike, err := quant.ParsePriceMicros(r.Strike)
	if err != nil {
		return Instrument{}, fmt.Errorf("bad strike %q: %w", r.Strike, err)
	}
	ins.Strike = strike

	return ins, nil
}

// Run refreshes the master on a fixed interval until ctx is done.
// Failed refreshes keep the previous index; the cache (if present)
// is rewritten on every successful fetch.
func (f *Fetcher) Run(ctx context.Context, m *Master, cache *Cache) {
	ticker := time.NewTicker(f.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			list, err := f.Fetch(ctx)
			if err != nil {
				slog.Warn("instrument master refresh failed", "err", err)
				continue
			}
			m.Replace(list)
			slog.Info("instrument master refreshed", "instruments", len(list))
			if cache != nil {
				if err := cache.Save(ctx, list); err != nil {
					slog.Warn("instrument cache write failed", "err", err)
				}
			}
		}
	}
}
