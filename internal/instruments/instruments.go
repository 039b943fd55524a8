// Package instruments maintains the exchange instrument master: the
// mapping from a wire token to (symbol, expiry, strike, option kind).
// The chain registry resolves every inbound tick through this index.
package instruments

import (
	"sync"
	"time"

	"github.com/mohitkulkarni1999/StrikeIQ-sub001/pkg/quant"
)

// Kind classifies an instrument.
type Kind uint8

const (
	KindSpot Kind = iota // underlying index / stock
	KindCall
	KindPut
)

func (k Kind) String() string {
	switch k {
	case KindSpot:
		return "SPOT"
	case KindCall:
		return "CE"
	case KindPut:
		return "PE"
	default:
		return "UNKNOWN"
	}
}

// expiryKeyLayout is the canonical date form used in chain keys.
const expiryKeyLayout = "2006-01-02"

// Instrument describes one tradable token.
type Instrument struct {
	Token  uint32
	Symbol string
	Expiry time.Time // zero for spot
	Strike quant.PriceMicros
	Kind   Kind
}

// ExpiryKey returns the canonical expiry date string, empty for spot.
func (i Instrument) ExpiryKey() string {
	if i.Expiry.IsZero() {
		return ""
	}
	return i.Expiry.Format(expiryKeyLayout)
}

// Master is the in-memory token index. Replaced wholesale on refresh;
// reads are lock-cheap and never see a half-built index.
type Master struct {
	mu           sync.RWMutex
	byToken      map[uint32]Instrument
	spotBySymbol map[string]uint32
	chainTokens  map[string][]uint32 // symbol|expiry -> option tokens
	loadedAt     time.Time
}

// NewMaster creates an empty instrument master.
func NewMaster() *Master {
	return &Master{
		byToken:      make(map[uint32]Instrument),
		spotBySymbol: make(map[string]uint32),
		chainTokens:  make(map[string][]uint32),
	}
}

func chainID(symbol, expiryKey string) string {
	return symbol + "|" + expiryKey
}

// Replace swaps in a freshly loaded instrument set.
func (m *Master) Replace(list []Instrument) {
	byToken := make(map[uint32]Instrument, len(list))
	spot := make(map[string]uint32)
	chains := make(map[string][]uint32)

	for _, ins := range list {
		byToken[ins.Token] = ins
		switch ins.Kind {
		case KindSpot:
			spot[ins.Symbol] = ins.Token
		default:
			id := chainID(ins.Symbol, ins.ExpiryKey())
			chains[id] = append(chains[id], ins.Token)
		}
	}

	m.mu.Lock()
	m.byToken = byToken
	m.spotBySymbol = spot
	m.chainTokens = chains
	m.loadedAt = time.Now()
	m.mu.Unlock()
}

// Lookup resolves a wire token.
func (m *Master) Lookup(token uint32) (Instrument, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ins, ok := m.byToken[token]
	return ins, ok
}

// SpotToken returns the underlying token for a symbol.
func (m *Master) SpotToken(symbol string) (uint32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tok, ok := m.spotBySymbol[symbol]
	return tok, ok
}

// ChainTokens returns all option tokens for one (symbol, expiry).
// The returned slice is a copy.
func (m *Master) ChainTokens(symbol, expiryKey string) []uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.chainTokens[chainID(symbol, expiryKey)]
	return append([]uint32(nil), src...)
}

// Len reports how many instruments are indexed.
func (m *Master) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byToken)
}

// LoadedAt reports when the index was last replaced.
func (m *Master) LoadedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadedAt
}
