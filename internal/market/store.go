package market

import (
	"sync"
	"sync/atomic"
)

// shardCount partitions the store by token so ingestion and sampler
// reads never contend on a single lock. Must be a power of two.
const shardCount = 16

type shard struct {
	mu    sync.RWMutex
	slots map[uint32]*atomic.Pointer[InstrumentQuote]
}

// Store is the in-memory registry of the latest quote per instrument.
// Update is the single mutation path; readers always observe a fully
// written quote because the record is swapped atomically, never
// mutated in place.
type Store struct {
	shards [shardCount]shard
}

// NewStore creates an empty market state store.
func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i].slots = make(map[uint32]*atomic.Pointer[InstrumentQuote])
	}
	return s
}

func (s *Store) shardFor(token uint32) *shard {
	// Fibonacci hashing spreads sequential exchange tokens across shards.
	h := (uint64(token) * 0x9E3779B97F4A7C15) >> 32
	return &s.shards[h&(shardCount-1)]
}

func (sh *shard) slot(token uint32) *atomic.Pointer[InstrumentQuote] {
	sh.mu.RLock()
	p, ok := sh.slots[token]
	sh.mu.RUnlock()
	if ok {
		return p
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if p, ok = sh.slots[token]; ok {
		return p
	}
	p = &atomic.Pointer[InstrumentQuote]{}
	sh.slots[token] = p
	return p
}

// Update applies a tick if its sequence number is strictly greater
// than the stored one. Returns false (no-op) for duplicates and
// out-of-order retransmits. Safe for concurrent callers.
func (s *Store) Update(t Tick) bool {
	slot := s.shardFor(t.Token).slot(t.Token)
	next := &InstrumentQuote{Tick: t}

	for {
		cur := slot.Load()
		if cur != nil && t.Seq <= cur.Seq {
			return false
		}
		if slot.CompareAndSwap(cur, next) {
			return true
		}
	}
}

// Get returns the latest quote for an instrument.
func (s *Store) Get(token uint32) (InstrumentQuote, bool) {
	sh := s.shardFor(token)
	sh.mu.RLock()
	p, ok := sh.slots[token]
	sh.mu.RUnlock()
	if !ok {
		return InstrumentQuote{}, false
	}
	q := p.Load()
	if q == nil {
		return InstrumentQuote{}, false
	}
	return *q, true
}

// SnapshotAll copies the current quote of every known instrument.
// The returned map is owned by the caller.
func (s *Store) SnapshotAll() map[uint32]InstrumentQuote {
	out := make(map[uint32]InstrumentQuote)
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for token, p := range sh.slots {
			if q := p.Load(); q != nil {
				out[token] = *q
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

// Len reports how many instruments have at least one accepted tick.
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, p := range sh.slots {
			if p.Load() != nil {
				n++
			}
		}
		sh.mu.RUnlock()
	}
	return n
}
