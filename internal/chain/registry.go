package chain

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mohitkulkarni1999/StrikeIQ-sub001/internal/instruments"
	"github.com/mohitkulkarni1999/StrikeIQ-sub001/internal/market"
)

// entry pairs a builder with its subscription refcount. Each entry
// has its own lock; there is no lock spanning all symbols.
type entry struct {
	mu      sync.Mutex
	builder *Builder
	refs    map[string]struct{}
	retired bool
}

// symbolSet indexes the live builders of one underlying so spot ticks
// fan out without scanning every chain.
type symbolSet struct {
	mu       sync.Mutex
	builders map[Key]*Builder
}

// Registry owns the set of active chain builders, creates and retires
// them on subscription changes, and routes ticks to them.
type Registry struct {
	master *instruments.Master
	cfg    Config
	onEmit func(Key)

	entries  sync.Map // Key -> *entry
	symbols  sync.Map // string -> *symbolSet
	onRetire func(Key)
}

// NewRegistry creates a registry resolving tokens through the given
// instrument master. onEmit is forwarded to every builder; onRetire
// (optional) fires after a chain is retired, e.g. so the broadcaster
// can drop its topic.
func NewRegistry(master *instruments.Master, cfg Config, onEmit func(Key), onRetire func(Key)) *Registry {
	return &Registry{master: master, cfg: cfg, onEmit: onEmit, onRetire: onRetire}
}

// Subscribe registers a connection's interest in (symbol, expiry),
// creating the builder if needed. Two concurrent subscribes for a
// missing chain create exactly one builder. The returned builder is
// always live at the time of return.
func (r *Registry) Subscribe(symbol, expiry, connID string) *Builder {
	key := Key{Symbol: symbol, Expiry: expiry}

	for {
		v, _ := r.entries.LoadOrStore(key, &entry{refs: make(map[string]struct{})})
		e := v.(*entry)

		e.mu.Lock()
		if e.retired {
			// Lost a race with retirement: drop the dead entry and retry.
			e.mu.Unlock()
			r.entries.CompareAndDelete(key, e)
			continue
		}
		if e.builder == nil {
			expiryDate, err := time.Parse("2006-01-02", expiry)
			if err != nil {
				// A garbage expiry still gets a builder; it will sit
				// WARMING until its timeout and emit flagged partial.
				slog.Warn("subscribing with unparseable expiry", "symbol", symbol, "expiry", expiry)
			}
			e.builder = NewBuilder(key, expiryDate, r.cfg, r.onEmit)
			r.indexSymbol(key, e.builder)
		}
		e.refs[connID] = struct{}{}
		b := e.builder
		e.mu.Unlock()
		return b
	}
}

// Unsubscribe drops a connection's interest. The builder is retired
// when its last subscription goes away.
func (r *Registry) Unsubscribe(symbol, expiry, connID string) {
	key := Key{Symbol: symbol, Expiry: expiry}
	v, ok := r.entries.Load(key)
	if !ok {
		return
	}
	e := v.(*entry)

	e.mu.Lock()
	delete(e.refs, connID)
	if len(e.refs) > 0 || e.retired {
		e.mu.Unlock()
		return
	}
	e.retired = true
	b := e.builder
	e.mu.Unlock()

	r.retire(key, e, b)
}

func (r *Registry) retire(key Key, e *entry, b *Builder) {
	if b != nil {
		b.Retire()
	}
	r.entries.CompareAndDelete(key, e)
	r.unindexSymbol(key, b)
	if r.onRetire != nil {
		r.onRetire(key)
	}
	slog.Info("chain retired", "symbol", key.Symbol, "expiry", key.Expiry)
}

// Route delivers a tick to the builders that care about it: option
// ticks go to their chain, spot ticks fan out to every chain of the
// underlying. Unresolvable tokens are dropped; the instrument master
// may simply be older than the feed.
func (r *Registry) Route(t market.Tick) {
	ins, ok := r.master.Lookup(t.Token)
	if !ok {
		return
	}

	if ins.Kind == instruments.KindSpot {
		v, ok := r.symbols.Load(ins.Symbol)
		if !ok {
			return
		}
		set := v.(*symbolSet)
		set.mu.Lock()
		builders := make([]*Builder, 0, len(set.builders))
		for _, b := range set.builders {
			builders = append(builders, b)
		}
		set.mu.Unlock()
		for _, b := range builders {
			b.UpdateSpot(t.Price)
		}
		return
	}

	key := Key{Symbol: ins.Symbol, Expiry: ins.ExpiryKey()}
	v, ok := r.entries.Load(key)
	if !ok {
		return
	}
	e := v.(*entry)
	e.mu.Lock()
	b := e.builder
	live := !e.retired && b != nil
	e.mu.Unlock()
	if live {
		b.ApplyTick(t, ins)
	}
}

// Builder returns the live builder for a chain, if any.
func (r *Registry) Builder(key Key) (*Builder, bool) {
	v, ok := r.entries.Load(key)
	if !ok {
		return nil, false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.retired || e.builder == nil {
		return nil, false
	}
	return e.builder, true
}

// Builders lists every live builder.
func (r *Registry) Builders() []*Builder {
	var out []*Builder
	r.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if !e.retired && e.builder != nil {
			out = append(out, e.builder)
		}
		e.mu.Unlock()
		return true
	})
	return out
}

// ActiveTokens returns every wire token the feed must be subscribed
// to for current coverage: all option tokens of live chains plus each
// underlying's spot token. Used to replay subscriptions on reconnect.
func (r *Registry) ActiveTokens() []uint32 {
	seen := make(map[uint32]struct{})
	var out []uint32

	add := func(tok uint32) {
		if _, dup := seen[tok]; !dup {
			seen[tok] = struct{}{}
			out = append(out, tok)
		}
	}

	r.entries.Range(func(k, v any) bool {
		key := k.(Key)
		e := v.(*entry)
		e.mu.Lock()
		live := !e.retired && e.builder != nil
		e.mu.Unlock()
		if !live {
			return true
		}
		for _, tok := range r.master.ChainTokens(key.Symbol, key.Expiry) {
			add(tok)
		}
		if spot, ok := r.master.SpotToken(key.Symbol); ok {
			add(spot)
		}
		return true
	})
	return out
}

// SweepExpired retires every chain whose expiry has fully elapsed,
// regardless of remaining subscriptions. Returns how many retired.
func (r *Registry) SweepExpired(now time.Time) int {
	n := 0
	r.entries.Range(func(k, v any) bool {
		key := k.(Key)
		e := v.(*entry)

		e.mu.Lock()
		b := e.builder
		expired := !e.retired && b != nil && b.ExpiryElapsed(now)
		if expired {
			e.retired = true
		}
		e.mu.Unlock()

		if expired {
			r.retire(key, e, b)
			n++
		}
		return true
	})
	return n
}

func (r *Registry) indexSymbol(key Key, b *Builder) {
	v, _ := r.symbols.LoadOrStore(key.Symbol, &symbolSet{builders: make(map[Key]*Builder)})
	set := v.(*symbolSet)
	set.mu.Lock()
	set.builders[key] = b
	set.mu.Unlock()
}

// unindexSymbol drops the retired builder from the spot-routing index.
// A concurrent Subscribe may already have indexed a successor under
// the same key; only the retiring builder's own entry is removed.
func (r *Registry) unindexSymbol(key Key, b *Builder) {
	v, ok := r.symbols.Load(key.Symbol)
	if !ok {
		return
	}
	set := v.(*symbolSet)
	set.mu.Lock()
	if set.builders[key] == b {
		delete(set.builders, key)
	}
	set.mu.Unlock()
}
