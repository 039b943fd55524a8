package chain

import (
	"sync"
	"testing"
	"time"

	"github.com/mohitkulkarni1999/StrikeIQ-sub001/internal/instruments"
	"github.com/mohitkulkarni1999/StrikeIQ-sub001/internal/market"
)

func testMaster() *instruments.Master {
	m := instruments.NewMaster()
	m.Replace([]instruments.Instrument{
		{Token: 26000, Symbol: "NIFTY", Kind: instruments.KindSpot},
		{Token: 41001, Symbol: "NIFTY", Expiry: testExpiry, Strike: rupees(100), Kind: instruments.KindCall},
		{Token: 41002, Symbol: "NIFTY", Expiry: testExpiry, Strike: rupees(100), Kind: instruments.KindPut},
		{Token: 41003, Symbol: "NIFTY", Expiry: testExpiry, Strike: rupees(105), Kind: instruments.KindCall},
	})
	return m
}

func testRegistry(onEmit func(Key), onRetire func(Key)) *Registry {
	return NewRegistry(testMaster(), Config{CoverageStrikes: 2, WarmupTimeout: time.Hour}, onEmit, onRetire)
}

func TestRegistrySubscribeCreatesOnce(t *testing.T) {
	r := testRegistry(nil, nil)

	const racers = 16
	builders := make([]*Builder, racers)

	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			builders[i] = r.Subscribe("NIFTY", "2026-09-30", string(rune('a'+i)))
		}(i)
	}
	wg.Wait()

	for i := 1; i < racers; i++ {
		if builders[i] != builders[0] {
			t.Fatal("concurrent subscribes created more than one builder")
		}
	}
	if builders[0].State() == StateRetired {
		t.Error("fresh builder must be live")
	}
}

func TestRegistryRefCountRetirement(t *testing.T) {
	retired := make(chan Key, 1)
	r := testRegistry(nil, func(k Key) { retired <- k })

	b := r.Subscribe("NIFTY", "2026-09-30", "conn-1")
	r.Subscribe("NIFTY", "2026-09-30", "conn-2")

	r.Unsubscribe("NIFTY", "2026-09-30", "conn-1")
	if b.State() == StateRetired {
		t.Fatal("builder retired while a subscription remains")
	}

	r.Unsubscribe("NIFTY", "2026-09-30", "conn-2")
	if b.State() != StateRetired {
		t.Fatal("builder should retire when last subscription leaves")
	}

	select {
	case k := <-retired:
		if k != testKey() {
			t.Errorf("retired key = %+v", k)
		}
	default:
		t.Error("onRetire callback not invoked")
	}

	// Re-subscribing after retirement yields a fresh live builder.
	b2 := r.Subscribe("NIFTY", "2026-09-30", "conn-3")
	if b2 == b {
		t.Error("retired builder must not be handed out again")
	}
	if b2.State() == StateRetired {
		t.Error("new builder must be live")
	}
}

func TestRegistryRoutesOptionAndSpotTicks(t *testing.T) {
	r := testRegistry(nil, nil)
	b := r.Subscribe("NIFTY", "2026-09-30", "conn-1")

	r.Route(market.Tick{Token: 26000, Seq: 1, Price: rupees(101)})
	r.Route(market.Tick{Token: 41001, Seq: 1, Price: rupees(2)})
	r.Route(market.Tick{Token: 41002, Seq: 1, Price: rupees(3)})

	if b.State() != StateReady && b.State() != StateActive {
		t.Fatalf("state = %s after coverage ticks", b.State())
	}

	snap, ok := b.Snapshot()
	if !ok {
		t.Fatal("expected snapshot")
	}
	if snap.Spot != rupees(101) {
		t.Errorf("spot = %s, want 101", snap.Spot)
	}
	if len(snap.Legs) != 2 {
		t.Errorf("legs = %d, want 2", len(snap.Legs))
	}

	// Tokens nobody subscribed to, or that the master cannot resolve,
	// are silently dropped.
	r.Route(market.Tick{Token: 99999, Seq: 1})
	r.Route(market.Tick{Token: 41003, Seq: 1}) // resolvable, chain live, extra strike
}

func TestRegistryActiveTokens(t *testing.T) {
	r := testRegistry(nil, nil)

	if got := r.ActiveTokens(); len(got) != 0 {
		t.Fatalf("no subscriptions: tokens = %v", got)
	}

	r.Subscribe("NIFTY", "2026-09-30", "conn-1")
	got := r.ActiveTokens()

	want := map[uint32]bool{26000: true, 41001: true, 41002: true, 41003: true}
	if len(got) != len(want) {
		t.Fatalf("tokens = %v, want %v", got, want)
	}
	for _, tok := range got {
		if !want[tok] {
			t.Errorf("unexpected token %d", tok)
		}
	}
}

// A retire that loses the race with a fresh Subscribe for the same
// key must not evict the successor from the spot-routing index. The
// interleaving is retire past CompareAndDelete, Subscribe indexes a
// new builder, retire's unindex runs last.
func TestStaleUnindexKeepsSuccessorSpotRouting(t *testing.T) {
	r := testRegistry(nil, nil)

	b1 := r.Subscribe("NIFTY", "2026-09-30", "conn-1")
	r.Unsubscribe("NIFTY", "2026-09-30", "conn-1")

	b2 := r.Subscribe("NIFTY", "2026-09-30", "conn-2")
	r.unindexSymbol(testKey(), b1) // the preempted retire finishing late

	r.Route(market.Tick{Token: 26000, Seq: 1, Price: rupees(100)})
	r.Route(market.Tick{Token: 41001, Seq: 1, Price: rupees(2)})
	r.Route(market.Tick{Token: 41002, Seq: 1, Price: rupees(3)})

	if b2.State() != StateReady && b2.State() != StateActive {
		t.Fatalf("state = %s: spot ticks no longer reach the successor", b2.State())
	}
	snap, ok := b2.Snapshot()
	if !ok {
		t.Fatal("successor should emit")
	}
	if snap.Spot != rupees(100) {
		t.Errorf("spot = %s, want 100", snap.Spot)
	}
}

func TestRegistrySweepExpired(t *testing.T) {
	r := testRegistry(nil, nil)
	b := r.Subscribe("NIFTY", "2026-09-30", "conn-1")

	if n := r.SweepExpired(testExpiry); n != 0 {
		t.Fatalf("swept %d chains before expiry", n)
	}

	n := r.SweepExpired(testExpiry.Add(48 * time.Hour))
	if n != 1 {
		t.Fatalf("swept %d chains, want 1", n)
	}
	if b.State() != StateRetired {
		t.Error("expired builder should be retired even with subscribers")
	}
	if len(r.Builders()) != 0 {
		t.Error("retired builder still listed")
	}
}
