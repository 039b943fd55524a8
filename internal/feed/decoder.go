package feed

import (
	"encoding/binary"
	"fmt"

	"github.com/mohitkulkarni1999/StrikeIQ-sub001/internal/market"
	"github.com/mohitkulkarni1999/StrikeIQ-sub001/pkg/quant"
)

// Wire format: each websocket binary message is one complete frame.
// Partial frames are a transport concern; Decode never sees them.
//
//	header: msgType uint8 | count uint16 (little-endian)
//	body:   count fixed-size records, layout depends on msgType
//
// All prices on the wire are paise (1/100 rupee). Decode converts them
// to micros before returning.
const (
	msgHeartbeat uint8 = 0
	msgLTP       uint8 = 1
	msgQuote     uint8 = 2
	msgSnapQuote uint8 = 3

	headerSize = 3

	ltpRecordSize       = 28 // token u32 | seq u64 | tsMs u64 | ltp i64
	quoteRecordSize     = 52 // ltp layout + volume u64 | avgPrice i64 | prevClose i64
	snapQuoteRecordSize = 76 // quote layout + oi u64 | oiChange i64 | settlement i64
)

// DecodeErrorKind classifies why a frame was rejected.
type DecodeErrorKind int

const (
	ErrShortFrame DecodeErrorKind = iota + 1
	ErrUnknownType
	ErrLengthMismatch
)

func (k DecodeErrorKind) String() string {
	switch k {
	case ErrShortFrame:
		return "SHORT_FRAME"
	case ErrUnknownType:
		return "UNKNOWN_TYPE"
	case ErrLengthMismatch:
		return "LENGTH_MISMATCH"
	default:
		return "UNKNOWN"
	}
}

// DecodeError reports a malformed frame. The connection stays open;
// the caller logs and drops the single offending frame.
type DecodeError struct {
	Kind    DecodeErrorKind
	MsgType uint8
	Detail  string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s (msgType=%d): %s", e.Kind, e.MsgType, e.Detail)
}

// Decode turns one raw frame into zero or more ticks. It is pure and
// safe to call concurrently on independent inputs. A heartbeat frame
// legally decodes to zero ticks.
func Decode(raw []byte) ([]market.Tick, error) {
	if len(raw) < headerSize {
		return nil, &DecodeError{Kind: ErrShortFrame, Detail: fmt.Sprintf("frame is %d bytes, header needs %d", len(raw), headerSize)}
	}

	msgType := raw[0]
	count := int(binary.LittleEndian.Uint16(raw[1:3]))
	body := raw[headerSize:]

	var recordSize int
	switch msgType {
	case msgHeartbeat:
		if count != 0 || len(body) != 0 {
			return nil, &DecodeError{Kind: ErrLengthMismatch, MsgType: msgType, Detail: "heartbeat frame must be empty"}
		}
		return nil, nil
	case msgLTP:
		recordSize = ltpRecordSize
	case msgQuote:
		recordSize = quoteRecordSize
	case msgSnapQuote:
		recordSize = snapQuoteRecordSize
	default:
		return nil, &DecodeError{Kind: ErrUnknownType, MsgType: msgType, Detail: "unhandled message type"}
	}

	if len(body) != count*recordSize {
		return nil, &DecodeError{
			Kind:    ErrLengthMismatch,
			MsgType: msgType,
			Detail:  fmt.Sprintf("body is %d bytes, %d records of %d need %d", len(body), count, recordSize, count*recordSize),
		}
	}

	ticks := make([]market.Tick, 0, count)
	for i := 0; i < count; i++ {
		rec := body[i*recordSize : (i+1)*recordSize]
		ticks = append(ticks, decodeRecord(msgType, rec))
	}
	return ticks, nil
}

func decodeRecord(msgType uint8, rec []byte) market.Tick {
	t := market.Tick{
		Token: binary.LittleEndian.Uint32(rec[0:4]),
		Seq:   binary.LittleEndian.Uint64(rec[4:12]),
		Ts:    quant.FromMillis(int64(binary.LittleEndian.Uint64(rec[12:20]))),
		Price: quant.FromPaise(int64(binary.LittleEndian.Uint64(rec[20:28]))),
	}

	if msgType == msgQuote || msgType == msgSnapQuote {
		t.Volume = quant.Qty(binary.LittleEndian.Uint64(rec[28:36]))
		// rec[36:52] average price / previous close: not carried on ticks
	}
	if msgType == msgSnapQuote {
		t.OI = quant.OpenInterest(binary.LittleEndian.Uint64(rec[52:60]))
		t.OIChange = int64(binary.LittleEndian.Uint64(rec[60:68]))
		// rec[68:76] settlement price: not carried on ticks
	}
	return t
}
