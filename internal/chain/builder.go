// Package chain reconstructs per-(symbol, expiry) option chains from
// the tick stream and exposes immutable snapshots to consumers.
package chain

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mohitkulkarni1999/StrikeIQ-sub001/internal/instruments"
	"github.com/mohitkulkarni1999/StrikeIQ-sub001/internal/market"
	"github.com/mohitkulkarni1999/StrikeIQ-sub001/pkg/quant"
)

// Key identifies one option chain.
type Key struct {
	Symbol string
	Expiry string // canonical "2006-01-02"
}

// State is the builder lifecycle phase.
type State int32

const (
	StateWarming State = iota
	StateReady
	StateActive
	StateRetired
)

func (s State) String() string {
	switch s {
	case StateWarming:
		return "WARMING"
	case StateReady:
		return "READY"
	case StateActive:
		return "ACTIVE"
	case StateRetired:
		return "RETIRED"
	default:
		return "UNKNOWN"
	}
}

type legKey struct {
	strike quant.PriceMicros
	kind   instruments.Kind
}

// OptionLeg is one strike/kind cell of the chain.
type OptionLeg struct {
	Strike   quant.PriceMicros  `json:"strike"`
	Kind     instruments.Kind   `json:"kind"`
	Price    quant.PriceMicros  `json:"price"`
	Volume   quant.Qty          `json:"volume"`
	OI       quant.OpenInterest `json:"oi"`
	OIChange int64              `json:"oi_change"`
	Seq      uint64             `json:"seq"`
	Ts       quant.TimeStamp    `json:"ts"`
}

// Snapshot is an immutable view of the chain. Legs are ordered by
// strike (call before put at the same strike). The generation counter
// lets consumers detect staleness without holding any lock.
type Snapshot struct {
	Symbol     string             `json:"symbol"`
	Expiry     string             `json:"expiry"`
	Spot       quant.PriceMicros  `json:"spot"`
	ATMStrike  quant.PriceMicros  `json:"atm_strike"`
	Legs       []OptionLeg        `json:"legs"`
	CallOI     quant.OpenInterest `json:"call_oi"`
	PutOI      quant.OpenInterest `json:"put_oi"`
	Generation uint64             `json:"generation"`
	Partial    bool               `json:"partial"`
}

// Config tunes builder warm-up behaviour.
type Config struct {
	// CoverageStrikes is the ±N strike window around spot that must
	// hold at least one call and one put before the chain is READY.
	CoverageStrikes int
	// WarmupTimeout force-promotes a WARMING chain with whatever
	// coverage it has, flagged partial.
	WarmupTimeout time.Duration
}

// DefaultConfig returns the production warm-up tuning.
func DefaultConfig() Config {
	return Config{CoverageStrikes: 3, WarmupTimeout: 15 * time.Second}
}

// Builder accumulates legs for one (symbol, expiry) chain.
// All mutation happens under the builder's own lock; builders never
// share locks with each other.
type Builder struct {
	key    Key
	expiry time.Time
	cfg    Config

	mu      sync.Mutex
	state   State
	partial bool
	legs    map[legKey]*OptionLeg
	strikes []quant.PriceMicros // sorted, unique
	spot    quant.PriceMicros
	atm     quant.PriceMicros
	callOI  quant.OpenInterest
	putOI   quant.OpenInterest

	gen         atomic.Uint64
	warmupTimer *time.Timer

	// onEmit is invoked (outside the lock) after a mutation in an
	// emitting state; the hub uses it to coalesce publishes.
	onEmit func(Key)
}

// NewBuilder creates a WARMING builder and arms its warm-up timer.
func NewBuilder(key Key, expiry time.Time, cfg Config, onEmit func(Key)) *Builder {
	b := &Builder{
		key:    key,
		expiry: expiry,
		cfg:    cfg,
		state:  StateWarming,
		legs:   make(map[legKey]*OptionLeg),
		onEmit: onEmit,
	}
	if cfg.WarmupTimeout > 0 {
		b.warmupTimer = time.AfterFunc(cfg.WarmupTimeout, b.forcePromote)
	}
	return b
}

// Key returns the chain identity.
func (b *Builder) Key() Key { return b.key }

// State returns the current lifecycle phase.
func (b *Builder) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Generation returns the current generation counter without locking.
func (b *Builder) Generation() uint64 { return b.gen.Load() }

// ExpiryElapsed reports whether the chain's expiry date has fully
// passed relative to now.
func (b *Builder) ExpiryElapsed(now time.Time) bool {
	return now.After(b.expiry.Add(24 * time.Hour))
}

// ApplyTick upserts the option leg for the tick's strike/kind.
// O(1) amortized: only the ATM recomputation does a log-time search,
// and only a new strike pays an ordered insert. A tick whose
// instrument does not belong to this chain is logged and dropped.
func (b *Builder) ApplyTick(t market.Tick, ins instruments.Instrument) {
	if ins.Symbol != b.key.Symbol || ins.ExpiryKey() != b.key.Expiry {
		slog.Warn("tick routed to wrong chain",
			"chain", b.key.Symbol+"|"+b.key.Expiry,
			"symbol", ins.Symbol, "expiry", ins.ExpiryKey(), "token", t.Token)
		return
	}
	if ins.Kind != instruments.KindCall && ins.Kind != instruments.KindPut {
		slog.Warn("non-option tick routed to chain", "token", t.Token, "kind", ins.Kind.String())
		return
	}

	b.mu.Lock()
	if b.state == StateRetired {
		b.mu.Unlock()
		return
	}

	lk := legKey{strike: ins.Strike, kind: ins.Kind}
	leg, ok := b.legs[lk]
	if !ok {
		leg = &OptionLeg{Strike: ins.Strike, Kind: ins.Kind}
		b.legs[lk] = leg
		b.insertStrike(ins.Strike)
	}

	// Replacement keeps per-kind OI totals incremental.
	if ins.Kind == instruments.KindCall {
		b.callOI += t.OI - leg.OI
	} else {
		b.putOI += t.OI - leg.OI
	}

	leg.Price = t.Price
	leg.Volume = t.Volume
	leg.OI = t.OI
	leg.OIChange = t.OIChange
	leg.Seq = t.Seq
	leg.Ts = t.Ts

	b.recomputeATM()
	if b.state == StateWarming {
		b.maybePromote()
	}
	b.gen.Add(1)

	emit := b.state == StateReady || b.state == StateActive
	b.mu.Unlock()

	if emit && b.onEmit != nil {
		b.onEmit(b.key)
	}
}

// UpdateSpot feeds the underlying price into the chain.
func (b *Builder) UpdateSpot(price quant.PriceMicros) {
	b.mu.Lock()
	if b.state == StateRetired {
		b.mu.Unlock()
		return
	}
	b.spot = price
	b.recomputeATM()
	if b.state == StateWarming {
		b.maybePromote()
	}
	b.gen.Add(1)

	emit := b.state == StateReady || b.state == StateActive
	b.mu.Unlock()

	if emit && b.onEmit != nil {
		b.onEmit(b.key)
	}
}

// Snapshot materializes an immutable copy. WARMING and RETIRED chains
// never emit. The first snapshot of a READY chain promotes it ACTIVE.
func (b *Builder) Snapshot() (*Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateWarming || b.state == StateRetired {
		return nil, false
	}
	if b.state == StateReady {
		b.state = StateActive
	}

	legs := make([]OptionLeg, 0, len(b.legs))
	for _, strike := range b.strikes {
		if leg, ok := b.legs[legKey{strike: strike, kind: instruments.KindCall}]; ok {
			legs = append(legs, *leg)
		}
		if leg, ok := b.legs[legKey{strike: strike, kind: instruments.KindPut}]; ok {
			legs = append(legs, *leg)
		}
	}

	return &Snapshot{
		Symbol:     b.key.Symbol,
		Expiry:     b.key.Expiry,
		Spot:       b.spot,
		ATMStrike:  b.atm,
		Legs:       legs,
		CallOI:     b.callOI,
		PutOI:      b.putOI,
		Generation: b.gen.Load(),
		Partial:    b.partial,
	}, true
}

// Retire moves the builder to its terminal state.
func (b *Builder) Retire() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateRetired {
		return
	}
	b.state = StateRetired
	if b.warmupTimer != nil {
		b.warmupTimer.Stop()
	}
}

// insertStrike keeps the strike slice sorted. Called under b.mu.
func (b *Builder) insertStrike(strike quant.PriceMicros) {
	i := sort.Search(len(b.strikes), func(i int) bool { return b.strikes[i] >= strike })
	if i < len(b.strikes) && b.strikes[i] == strike {
		return
	}
	b.strikes = append(b.strikes, 0)
	copy(b.strikes[i+1:], b.strikes[i:])
	b.strikes[i] = strike
}

// recomputeATM picks the strike nearest spot, ties toward the lower
// strike. Called under b.mu.
func (b *Builder) recomputeATM() {
	if b.spot == 0 || len(b.strikes) == 0 {
		b.atm = 0
		return
	}

	i := sort.Search(len(b.strikes), func(i int) bool { return b.strikes[i] >= b.spot })
	switch {
	case i == 0:
		b.atm = b.strikes[0]
	case i == len(b.strikes):
		b.atm = b.strikes[len(b.strikes)-1]
	default:
		lower, upper := b.strikes[i-1], b.strikes[i]
		if b.spot-lower <= upper-b.spot {
			b.atm = lower
		} else {
			b.atm = upper
		}
	}
}

// maybePromote checks WARMING→READY coverage: at least one call and
// one put within ±CoverageStrikes of the ATM strike. Called under b.mu.
func (b *Builder) maybePromote() {
	if b.spot == 0 || b.atm == 0 {
		return
	}

	i := sort.Search(len(b.strikes), func(i int) bool { return b.strikes[i] >= b.atm })
	lo := i - b.cfg.CoverageStrikes
	if lo < 0 {
		lo = 0
	}
	hi := i + b.cfg.CoverageStrikes
	if hi > len(b.strikes)-1 {
		hi = len(b.strikes) - 1
	}

	haveCall, havePut := false, false
	for j := lo; j <= hi; j++ {
		if _, ok := b.legs[legKey{strike: b.strikes[j], kind: instruments.KindCall}]; ok {
			haveCall = true
		}
		if _, ok := b.legs[legKey{strike: b.strikes[j], kind: instruments.KindPut}]; ok {
			havePut = true
		}
		if haveCall && havePut {
			break
		}
	}

	if haveCall && havePut {
		b.state = StateReady
		if b.warmupTimer != nil {
			b.warmupTimer.Stop()
		}
	}
}

// forcePromote fires on warm-up timeout: the chain goes READY with
// whatever it has, flagged partial. Zero legs is still a promotion.
// It only flips state; publication waits for the next tick-driven
// emit or sampler pass, so the timer goroutine never interleaves a
// lower generation into the push stream.
func (b *Builder) forcePromote() {
	b.mu.Lock()
	if b.state != StateWarming {
		b.mu.Unlock()
		return
	}
	b.state = StateReady
	b.partial = true
	b.gen.Add(1)
	b.mu.Unlock()

	slog.Info("chain warm-up timed out, promoting with partial coverage",
		"symbol", b.key.Symbol, "expiry", b.key.Expiry)
}
