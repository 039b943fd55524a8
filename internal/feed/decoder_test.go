package feed

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/mohitkulkarni1999/StrikeIQ-sub001/pkg/quant"
)

// buildFrame assembles a frame from pre-encoded records.
func buildFrame(msgType uint8, records ...[]byte) []byte {
	frame := make([]byte, headerSize)
	frame[0] = msgType
	binary.LittleEndian.PutUint16(frame[1:3], uint16(len(records)))
	for _, r := range records {
		frame = append(frame, r...)
	}
	return frame
}

func encodeSnapQuote(token uint32, seq, tsMs uint64, ltpPaise int64, volume, oi uint64, oiChange int64) []byte {
	rec := make([]byte, snapQuoteRecordSize)
	binary.LittleEndian.PutUint32(rec[0:4], token)
	binary.LittleEndian.PutUint64(rec[4:12], seq)
	binary.LittleEndian.PutUint64(rec[12:20], tsMs)
	binary.LittleEndian.PutUint64(rec[20:28], uint64(ltpPaise))
	binary.LittleEndian.PutUint64(rec[28:36], volume)
	binary.LittleEndian.PutUint64(rec[52:60], oi)
	binary.LittleEndian.PutUint64(rec[60:68], uint64(oiChange))
	return rec
}

func encodeLTP(token uint32, seq, tsMs uint64, ltpPaise int64) []byte {
	rec := make([]byte, ltpRecordSize)
	binary.LittleEndian.PutUint32(rec[0:4], token)
	binary.LittleEndian.PutUint64(rec[4:12], seq)
	binary.LittleEndian.PutUint64(rec[12:20], tsMs)
	binary.LittleEndian.PutUint64(rec[20:28], uint64(ltpPaise))
	return rec
}

func TestDecodeSnapQuoteFields(t *testing.T) {
	// 2,350,050 paise = 23500.50 INR
	frame := buildFrame(msgSnapQuote, encodeSnapQuote(26000, 42, 1700000000123, 2350050, 990, 15400, -250))

	ticks, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(ticks) != 1 {
		t.Fatalf("got %d ticks, want 1", len(ticks))
	}

	tk := ticks[0]
	if tk.Token != 26000 {
		t.Errorf("token = %d, want 26000", tk.Token)
	}
	if tk.Seq != 42 {
		t.Errorf("seq = %d, want 42", tk.Seq)
	}
	if tk.Price != quant.PriceMicros(23500500000) {
		t.Errorf("price = %d, want 23500500000 micros", tk.Price)
	}
	if tk.Volume != 990 {
		t.Errorf("volume = %d, want 990", tk.Volume)
	}
	if tk.OI != 15400 {
		t.Errorf("oi = %d, want 15400", tk.OI)
	}
	if tk.OIChange != -250 {
		t.Errorf("oiChange = %d, want -250", tk.OIChange)
	}
	if tk.Ts != quant.FromMillis(1700000000123) {
		t.Errorf("ts = %d, want %d", tk.Ts, quant.FromMillis(1700000000123))
	}
}

func TestDecodeBatchedRecords(t *testing.T) {
	frame := buildFrame(msgLTP,
		encodeLTP(1, 1, 1000, 100),
		encodeLTP(2, 7, 1001, 200),
		encodeLTP(3, 3, 1002, 300),
	)

	ticks, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(ticks) != 3 {
		t.Fatalf("got %d ticks, want 3", len(ticks))
	}
	if ticks[1].Token != 2 || ticks[1].Seq != 7 {
		t.Errorf("second tick = %+v", ticks[1])
	}
}

func TestDecodeHeartbeat(t *testing.T) {
	ticks, err := Decode(buildFrame(msgHeartbeat))
	if err != nil {
		t.Fatalf("heartbeat should decode cleanly: %v", err)
	}
	if len(ticks) != 0 {
		t.Errorf("heartbeat decoded %d ticks, want 0", len(ticks))
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  []byte
		kind DecodeErrorKind
	}{
		{"empty", nil, ErrShortFrame},
		{"truncated header", []byte{1, 0}, ErrShortFrame},
		{"unknown type", buildFrame(99), ErrUnknownType},
		{"count exceeds body", buildFrame(msgLTP, encodeLTP(1, 1, 1, 1))[:20], ErrLengthMismatch},
		{"trailing bytes", append(buildFrame(msgLTP, encodeLTP(1, 1, 1, 1)), 0xFF), ErrLengthMismatch},
		{"heartbeat with body", append(buildFrame(msgHeartbeat), 1, 2, 3), ErrLengthMismatch},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.raw)
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("want *DecodeError, got %v", err)
			}
			if de.Kind != tc.kind {
				t.Errorf("kind = %s, want %s", de.Kind, tc.kind)
			}
		})
	}
}

// A frame that declares a different count than its body carries must
// be rejected whole; no partial tick list escapes.
func TestDecodeCountMismatchDropsWholeFrame(t *testing.T) {
	frame := buildFrame(msgLTP, encodeLTP(1, 1, 1, 1), encodeLTP(2, 2, 2, 2))
	binary.LittleEndian.PutUint16(frame[1:3], 3)

	ticks, err := Decode(frame)
	if err == nil {
		t.Fatal("mismatched count should fail")
	}
	if ticks != nil {
		t.Errorf("rejected frame yielded %d ticks", len(ticks))
	}
}
