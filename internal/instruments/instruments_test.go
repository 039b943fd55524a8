package instruments

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/mohitkulkarni1999/StrikeIQ-sub001/pkg/quant"
)

func sampleMaster() []Instrument {
	expiry := time.Date(2026, 9, 30, 0, 0, 0, 0, time.UTC)
	return []Instrument{
		{Token: 26000, Symbol: "NIFTY", Kind: KindSpot},
		{Token: 41001, Symbol: "NIFTY", Expiry: expiry, Strike: 23500 * quant.PriceScale, Kind: KindCall},
		{Token: 41002, Symbol: "NIFTY", Expiry: expiry, Strike: 23500 * quant.PriceScale, Kind: KindPut},
		{Token: 41003, Symbol: "NIFTY", Expiry: expiry, Strike: 23550 * quant.PriceScale, Kind: KindCall},
	}
}

func TestMasterIndexes(t *testing.T) {
	m := NewMaster()
	m.Replace(sampleMaster())

	ins, ok := m.Lookup(41002)
	if !ok {
		t.Fatal("token 41002 should resolve")
	}
	if ins.Kind != KindPut || ins.Symbol != "NIFTY" {
		t.Errorf("lookup = %+v", ins)
	}

	spot, ok := m.SpotToken("NIFTY")
	if !ok || spot != 26000 {
		t.Errorf("spot token = %d, want 26000", spot)
	}

	tokens := m.ChainTokens("NIFTY", "2026-09-30")
	if len(tokens) != 3 {
		t.Errorf("chain tokens = %v, want 3 entries", tokens)
	}

	if m.ChainTokens("BANKNIFTY", "2026-09-30") != nil {
		t.Error("unknown chain should return nil")
	}
}

func TestParseMaster(t *testing.T) {
	raw := []byte(`[
		{"token": 26000, "symbol": "NIFTY", "instrumenttype": "SPOT"},
		{"token": 41001, "symbol": "NIFTY", "expiry": "2026-09-30", "strike": "23500.00", "instrumenttype": "CE"},
		{"token": 41002, "symbol": "NIFTY", "expiry": "2026-09-30", "strike": "23500.00", "instrumenttype": "PE"},
		{"token": 0, "symbol": "BAD", "instrumenttype": "CE"},
		{"token": 5, "symbol": "NIFTY", "expiry": "nonsense", "strike": "1", "instrumenttype": "CE"},
		{"token": 6, "symbol": "NIFTY", "expiry": "2026-09-30", "instrumenttype": "CE"},
		{"token": 7, "symbol": "NIFTY", "expiry": "2026-09-30", "strike": "1.2.3", "instrumenttype": "PE"}
	]`)

	list, err := parseMaster(raw)
	if err != nil {
		t.Fatalf("parseMaster failed: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("parsed %d instruments, want 3 (bad rows skipped)", len(list))
	}

	call := list[1]
	if call.Strike != 23500*quant.PriceScale {
		t.Errorf("strike = %d, want %d", call.Strike, quant.PriceMicros(23500*quant.PriceScale))
	}
	if call.ExpiryKey() != "2026-09-30" {
		t.Errorf("expiry key = %q", call.ExpiryKey())
	}
}

func TestParseMasterRejectsGarbage(t *testing.T) {
	if _, err := parseMaster([]byte(`{"not":"an array"}`)); err == nil {
		t.Error("non-array master should fail")
	}
	if _, err := parseMaster([]byte(`[]`)); err == nil {
		t.Error("empty master should fail")
	}
}

func TestFetcherAgainstMockEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"token": 26000, "symbol": "NIFTY", "instrumenttype": "SPOT"}]`))
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL, time.Hour)
	list, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(list) != 1 || list[0].Token != 26000 {
		t.Errorf("fetched %+v", list)
	}
}

func TestFetcherServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL, time.Hour)
	if _, err := f.Fetch(context.Background()); err == nil {
		t.Error("5xx should surface an error")
	}
}

func TestCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewCache(filepath.Join(dir, "instruments.db"))
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}
	defer cache.Close()

	ctx := context.Background()
	want := sampleMaster()

	if err := cache.Save(ctx, want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, refreshedAt, err := cache.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("loaded %d instruments, want %d", len(got), len(want))
	}
	if refreshedAt.IsZero() {
		t.Error("refreshedAt should be set")
	}

	byToken := make(map[uint32]Instrument)
	for _, ins := range got {
		byToken[ins.Token] = ins
	}
	call := byToken[41003]
	if call.Strike != 23550*quant.PriceScale || call.Kind != KindCall {
		t.Errorf("cached call = %+v", call)
	}
	if call.ExpiryKey() != "2026-09-30" {
		t.Errorf("cached expiry = %q", call.ExpiryKey())
	}
}

func TestCacheEmptyLoad(t *testing.T) {
	cache, err := NewCache(filepath.Join(t.TempDir(), "empty.db"))
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}
	defer cache.Close()

	list, refreshedAt, err := cache.Load(context.Background())
	if err != nil {
		t.Fatalf("Load on empty cache failed: %v", err)
	}
	if list != nil || !refreshedAt.IsZero() {
		t.Errorf("empty cache returned %v at %v", list, refreshedAt)
	}
}
