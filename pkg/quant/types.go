package quant

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PriceMicros represents a price multiplied by 1,000,000 (10^6).
// E.g., 123.45 INR = 123,450,000 PriceMicros.
type PriceMicros int64

// Qty represents a traded quantity in whole contracts.
type Qty int64

// OpenInterest represents outstanding contracts.
type OpenInterest int64

// TimeStamp represents Unix microseconds.
type TimeStamp int64

const (
	// PriceScale is the number of micros in one currency unit.
	PriceScale = 1_000_000

	// paiseToMicros converts wire paise (10^-2) to micros (10^-6).
	paiseToMicros = 10_000
)

// FromPaise converts a wire-format paise value (1/100 of a rupee)
// to PriceMicros. The upstream feed quotes every price in paise.
func FromPaise(p int64) PriceMicros {
	return PriceMicros(p * paiseToMicros)
}

// FromMillis converts a Unix-millisecond wire timestamp to TimeStamp.
func FromMillis(ms int64) TimeStamp {
	return TimeStamp(ms * 1000)
}

// Time converts the timestamp back to a time.Time.
func (t TimeStamp) Time() time.Time {
	return time.UnixMicro(int64(t))
}

func (p PriceMicros) String() string {
	return fmt.Sprintf("%.6f", float64(p)/PriceScale)
}

// Abs returns the absolute price distance.
func (p PriceMicros) Abs() PriceMicros {
	if p < 0 {
		return -p
	}
	return p
}

// ParsePriceMicros parses a decimal string (e.g. "123.45") into
// PriceMicros without going through float64.
func ParsePriceMicros(s string) (PriceMicros, error) {
	v, err := parseFixedPoint(s, 6)
	return PriceMicros(v), err
}

// parseFixedPoint parses a decimal string into an int64 scaled by
// 10^decimals. Extra fractional digits are truncated toward zero.
func parseFixedPoint(s string, decimals int) (int64, error) {
	if s == "" {
		return 0, nil
	}

	intPart := s
	fracPart := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
		if strings.IndexByte(fracPart, '.') >= 0 {
			return 0, fmt.Errorf("invalid decimal %q: multiple dots", s)
		}
	}

	neg := strings.HasPrefix(intPart, "-")
	if neg {
		intPart = intPart[1:]
	}

	var intVal int64
	if intPart != "" {
		v, err := strconv.ParseInt(intPart, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid decimal %q: %w", s, err)
		}
		intVal = v
	}

	if len(fracPart) > decimals {
		fracPart = fracPart[:decimals]
	}
	var fracVal int64
	if fracPart != "" {
		v, err := strconv.ParseInt(fracPart, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid decimal %q: %w", s, err)
		}
		for i := len(fracPart); i < decimals; i++ {
			v *= 10
		}
		fracVal = v
	}

	mult := int64(1)
	for i := 0; i < decimals; i++ {
		mult *= 10
	}

	total := intVal*mult + fracVal
	if neg {
		return -total, nil
	}
	return total, nil
}
