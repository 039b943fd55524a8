package analytics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mohitkulkarni1999/StrikeIQ-sub001/internal/chain"
	"github.com/mohitkulkarni1999/StrikeIQ-sub001/pkg/quant"
	"github.com/mohitkulkarni1999/StrikeIQ-sub001/pkg/safe"
)

// Regime is a coarse classification of recent spot behaviour.
type Regime string

const (
	RegimeTrending   Regime = "TRENDING"
	RegimeRangeBound Regime = "RANGE_BOUND"
	RegimeVolatile   Regime = "VOLATILE"
	RegimeQuiet      Regime = "QUIET"
)

// Sufficiency tags every result with how much data backed it. A
// consumer can always tell a computed value from a data-starved one;
// there is no silent neutral fallback.
type Sufficiency string

const (
	SufficiencyOk           Sufficiency = "OK"
	SufficiencyPartial      Sufficiency = "PARTIAL"
	SufficiencyInsufficient Sufficiency = "INSUFFICIENT"
)

// Result is one immutable analytics sample for a chain. Bias is a
// put-pressure score in [0, 1]: above 0.5 means put open interest
// dominates. Bias and PCR are only set when their denominators are
// positive; otherwise they stay zero and Sufficiency is capped below
// OK, so an undefined ratio is never mistaken for a computed one.
type Result struct {
	ID          uuid.UUID       `json:"id"`
	Symbol      string          `json:"symbol"`
	Expiry      string          `json:"expiry"`
	Regime      Regime          `json:"regime"`
	Bias        decimal.Decimal `json:"bias"`
	PCR         decimal.Decimal `json:"pcr"`
	Sufficiency Sufficiency     `json:"sufficiency"`
	Generation  uint64          `json:"generation"`
	SampledAt   time.Time       `json:"sampled_at"`

	// Chain carries the snapshot the sample was computed from so the
	// broadcaster sends state and analytics as one consistent unit.
	Chain *chain.Snapshot `json:"chain,omitempty"`
}

// Publisher receives finished samples. Implemented by the broadcast hub.
type Publisher interface {
	PublishAnalytics(chain.Key, *Result)
}

const (
	spotRingSize   = 32
	minSpotSamples = 8
)

// spotRing keeps the last few spot observations for one symbol.
type spotRing struct {
	buf   [spotRingSize]quant.PriceMicros
	next  int
	count int
}

func (r *spotRing) push(p quant.PriceMicros) {
	r.buf[r.next] = p
	r.next = (r.next + 1) % spotRingSize
	if r.count < spotRingSize {
		r.count++
	}
}

// window returns min, max, oldest and newest over the retained samples.
func (r *spotRing) window() (lo, hi, first, last quant.PriceMicros) {
	if r.count == 0 {
		return 0, 0, 0, 0
	}
	start := (r.next - r.count + spotRingSize) % spotRingSize
	lo, hi = r.buf[start], r.buf[start]
	first = r.buf[start]
	for i := 1; i < r.count; i++ {
		p := r.buf[(start+i)%spotRingSize]
		if p < lo {
			lo = p
		}
		if p > hi {
			hi = p
		}
		last = p
	}
	if r.count == 1 {
		last = first
	}
	return lo, hi, first, last
}

// Sampler periodically reads an immutable snapshot from every active
// chain, derives regime and bias metrics and publishes the result. It
// never blocks on I/O and never touches builder internals.
type Sampler struct {
	registry *chain.Registry
	pub      Publisher
	interval time.Duration

	mu      sync.RWMutex
	latest  map[chain.Key]*Result
	history map[string]*spotRing
}

func NewSampler(registry *chain.Registry, pub Publisher, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Sampler{
		registry: registry,
		pub:      pub,
		interval: interval,
		latest:   make(map[chain.Key]*Result),
		history:  make(map[string]*spotRing),
	}
}

// Run samples on a fixed period until the context ends. The timer is
// independent of tick arrival and of the feed connection phase.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.SampleOnce(now)
		}
	}
}

// SampleOnce runs one sampling pass over all live builders.
func (s *Sampler) SampleOnce(now time.Time) {
	builders := s.registry.Builders()
	for _, b := range builders {
		snap, ok := b.Snapshot()
		key := b.Key()

		var res *Result
		if !ok {
			res = &Result{
				ID:          uuid.New(),
				Symbol:      key.Symbol,
				Expiry:      key.Expiry,
				Regime:      RegimeQuiet,
				Sufficiency: SufficiencyInsufficient,
				SampledAt:   now,
			}
		} else {
			res = s.compute(key, snap, now)
		}

		s.mu.Lock()
		s.latest[key] = res
		s.mu.Unlock()

		if s.pub != nil && res.Sufficiency != SufficiencyInsufficient {
			s.pub.PublishAnalytics(key, res)
		}
	}
	s.dropRetired(builders)
}

func (s *Sampler) compute(key chain.Key, snap *chain.Snapshot, now time.Time) *Result {
	ring := s.ringFor(key.Symbol)
	if snap.Spot > 0 {
		ring.push(snap.Spot)
	}

	res := &Result{
		ID:         uuid.New(),
		Symbol:     key.Symbol,
		Expiry:     key.Expiry,
		Generation: snap.Generation,
		SampledAt:  now,
		Chain:      snap,
	}

	totalOI := int64(snap.CallOI) + int64(snap.PutOI)
	if totalOI == 0 && snap.Spot == 0 {
		res.Regime = RegimeQuiet
		res.Sufficiency = SufficiencyInsufficient
		res.Chain = nil
		return res
	}

	// A ratio is computed only when its denominator exists. An
	// undefined ratio stays at its zero value and caps the result at
	// PARTIAL, so it can never pass for a computed reading.
	if totalOI > 0 {
		// Bias in [0, 1]: the put share of total open interest, scaled
		// to micros so the division stays in integers.
		biasMicros := safe.Div(int64(snap.PutOI)*quant.PriceScale, totalOI, 0)
		res.Bias = decimal.New(biasMicros, -6)
	}
	if snap.CallOI > 0 {
		pcrMicros := safe.Div(int64(snap.PutOI)*quant.PriceScale, int64(snap.CallOI), 0)
		res.PCR = decimal.New(pcrMicros, -6)
	}
	ratiosDefined := totalOI > 0 && snap.CallOI > 0

	res.Regime = classify(ring)

	switch {
	case snap.Partial || ring.count < minSpotSamples || !ratiosDefined:
		res.Sufficiency = SufficiencyPartial
	default:
		res.Sufficiency = SufficiencyOk
	}
	return res
}

// classify labels the spot window. Thresholds are permil of the mean
// spot level over the window.
const (
	trendPermil = 3 // net drift above 0.3% of spot
	volPermil   = 5 // total range above 0.5% of spot
	quietPermil = 1 // total range below 0.1% of spot
)

func classify(ring *spotRing) Regime {
	if ring.count < 2 {
		return RegimeQuiet
	}
	lo, hi, first, last := ring.window()
	mid := (int64(lo) + int64(hi)) / 2
	if mid == 0 {
		return RegimeQuiet
	}

	spread := hi - lo
	drift := (last - first).Abs()

	spreadPermil := safe.Div(int64(spread)*1000, mid, 0)
	driftPermil := safe.Div(int64(drift)*1000, mid, 0)

	switch {
	case driftPermil >= trendPermil:
		return RegimeTrending
	case spreadPermil >= volPermil:
		return RegimeVolatile
	case spreadPermil <= quietPermil:
		return RegimeQuiet
	default:
		return RegimeRangeBound
	}
}

func (s *Sampler) ringFor(symbol string) *spotRing {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.history[symbol]
	if !ok {
		r = &spotRing{}
		s.history[symbol] = r
	}
	return r
}

// Latest returns the most recent sample for a chain, for pull-style
// consumers. ok is false before the first pass covers the chain.
func (s *Sampler) Latest(symbol, expiry string) (*Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.latest[chain.Key{Symbol: symbol, Expiry: expiry}]
	return res, ok
}

// dropRetired forgets samples for chains no longer in the registry.
func (s *Sampler) dropRetired(live []*chain.Builder) {
	alive := make(map[chain.Key]struct{}, len(live))
	for _, b := range live {
		alive[b.Key()] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.latest {
		if _, ok := alive[key]; !ok {
			delete(s.latest, key)
			slog.Debug("dropped analytics state for retired chain", "symbol", key.Symbol, "expiry", key.Expiry)
		}
	}
}
