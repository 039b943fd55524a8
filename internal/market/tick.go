package market

import (
	"github.com/mohitkulkarni1999/StrikeIQ-sub001/pkg/quant"
)

// Tick is one decoded instrument update. Immutable once decoded.
type Tick struct {
	Token    uint32             `json:"token"`
	Seq      uint64             `json:"seq"`
	Price    quant.PriceMicros  `json:"price"`
	Volume   quant.Qty          `json:"volume"`
	OI       quant.OpenInterest `json:"oi"`
	OIChange int64              `json:"oi_change"`
	Ts       quant.TimeStamp    `json:"ts"`
}

// InstrumentQuote is the latest accepted tick for one instrument.
// The sequence number inside the tick is what Update ordered by.
type InstrumentQuote struct {
	Tick
}
