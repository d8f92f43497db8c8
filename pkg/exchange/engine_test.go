package exchange

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/uhyunpark/unitex/params"
	"github.com/uhyunpark/unitex/pkg/ledger"
)

const assetX int64 = 1

func TestSettlementScenario(t *testing.T) {
	tests := []struct {
		rule         params.PriceRule
		buyerCredits int64
		sellerCredit int64
		price        int64
	}{
		{rule: params.SellerPrice, buyerCredits: 60, sellerCredit: 40, price: 8},
		{rule: params.BuyerPrice, buyerCredits: 50, sellerCredit: 50, price: 10},
	}

	for _, tt := range tests {
		t.Run(string(tt.rule), func(t *testing.T) {
			cfg := testSettlement()
			cfg.Price = tt.rule
			h := newHarness(t, cfg)
			h.asset(assetX, "x")
			h.unit("a", 100, map[int64]int64{assetX: 0})
			h.unit("b", 0, map[int64]int64{assetX: 10})

			buy := h.submit("a", assetX, ledger.Buy, 5, 10)
			sell := h.submit("b", assetX, ledger.Sell, 5, 8)

			report := h.cycle()
			if len(report.Trades) != 1 || len(report.Skipped) != 0 {
				t.Fatalf("report = %+v, want one trade", report)
			}
			if tr := report.Trades[0]; tr.Price != tt.price || tr.Quantity != 5 || tr.Buyer != "a" || tr.Seller != "b" {
				t.Errorf("trade = %+v", tr)
			}
			if report.Remaining != 0 {
				t.Errorf("remaining = %d, want 0", report.Remaining)
			}

			a, b := h.fetchUnit("a"), h.fetchUnit("b")
			if a.Credits != tt.buyerCredits || a.Holding(assetX) != 5 {
				t.Errorf("a = %d credits / %d x, want %d / 5", a.Credits, a.Holding(assetX), tt.buyerCredits)
			}
			if b.Credits != tt.sellerCredit || b.Holding(assetX) != 5 {
				t.Errorf("b = %d credits / %d x, want %d / 5", b.Credits, b.Holding(assetX), tt.sellerCredit)
			}
			if a.Credits+b.Credits != 100 {
				t.Errorf("credits not conserved: %d", a.Credits+b.Credits)
			}

			if h.outstanding(buy) != nil {
				t.Error("filled buy still outstanding")
			}
			hist := h.historic(buy)
			if hist == nil || hist.ResolvedAt == nil || !hist.ResolvedAt.Equal(epoch) {
				t.Errorf("buy history = %+v, want resolved at %v", hist, epoch)
			}
			if h.outstanding(sell) != nil || h.historic(sell) != nil {
				t.Error("emptied sell should be deleted")
			}

			trades, err := h.store.ListTrades(assetX, 0)
			if err != nil {
				t.Fatal(err)
			}
			if len(trades) != 1 || trades[0].ID != report.Trades[0].ID {
				t.Errorf("recorded trades = %+v", trades)
			}
		})
	}
}

func TestPartialFillsAcrossBuys(t *testing.T) {
	h := newHarness(t, testSettlement())
	h.asset(assetX, "x")
	h.unit("seller", 0, map[int64]int64{assetX: 10})
	h.unit("alpha", 1000, nil)
	h.unit("beta", 1000, nil)

	sell := h.submit("seller", assetX, ledger.Sell, 10, 5)
	b1 := h.submit("alpha", assetX, ledger.Buy, 3, 5)
	b2 := h.submit("beta", assetX, ledger.Buy, 4, 6)
	b3 := h.submit("alpha", assetX, ledger.Buy, 5, 9)

	report := h.cycle()
	if len(report.Trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(report.Trades))
	}

	s := h.outstanding(sell)
	if s == nil || s.Quantity != 3 || s.OriginalQuantity != 10 {
		t.Fatalf("sell = %+v, want 3 remaining of 10", s)
	}
	if h.outstanding(b1) != nil || h.outstanding(b2) != nil {
		t.Error("matched buys still outstanding")
	}
	if h.outstanding(b3) == nil {
		t.Error("buy larger than remaining sell must stay outstanding")
	}

	seller := h.fetchUnit("seller")
	if seller.Credits != 35 || seller.Holding(assetX) != 3 {
		t.Errorf("seller = %+v, want 35 credits / 3 x", seller)
	}
	if got := h.fetchUnit("alpha").Holding(assetX) + h.fetchUnit("beta").Holding(assetX) + seller.Holding(assetX); got != 10 {
		t.Errorf("asset quantity not conserved: %d", got)
	}

	// sell remaining equals original minus everything matched against it
	var matched int64
	for _, tr := range report.Trades {
		if tr.SellOrderID == sell {
			matched += tr.Quantity
		}
	}
	if s.Quantity != s.OriginalQuantity-matched {
		t.Errorf("remaining %d != %d - %d", s.Quantity, s.OriginalQuantity, matched)
	}
}

func TestBuyTakesFirstCompatibleSell(t *testing.T) {
	h := newHarness(t, testSettlement())
	h.asset(assetX, "x")
	h.unit("buyer", 1000, nil)
	h.unit("small", 0, map[int64]int64{assetX: 2})
	h.unit("pricey", 0, map[int64]int64{assetX: 10})
	h.unit("fit", 0, map[int64]int64{assetX: 10})

	tooSmall := h.submit("small", assetX, ledger.Sell, 2, 1)
	tooDear := h.submit("pricey", assetX, ledger.Sell, 10, 50)
	fit := h.submit("fit", assetX, ledger.Sell, 10, 7)
	h.submit("buyer", assetX, ledger.Buy, 4, 10)

	report := h.cycle()
	if len(report.Trades) != 1 || report.Trades[0].SellOrderID != fit {
		t.Fatalf("trades = %+v, want one against sell %d", report.Trades, fit)
	}
	if o := h.outstanding(tooSmall); o == nil || o.Quantity != 2 {
		t.Error("undersized sell touched")
	}
	if o := h.outstanding(tooDear); o == nil || o.Quantity != 10 {
		t.Error("overpriced sell touched")
	}
}

func TestCycleWithoutPairsIsIdempotent(t *testing.T) {
	h := newHarness(t, testSettlement())
	h.asset(assetX, "x")
	h.asset(2, "y")
	h.unit("a", 100, nil)
	h.unit("b", 0, map[int64]int64{assetX: 10, 2: 1})

	h.submit("b", assetX, ledger.Sell, 5, 8)
	h.submit("a", assetX, ledger.Buy, 5, 4) // price below ask
	h.submit("a", assetX, ledger.Buy, 6, 9) // quantity above any sell
	h.submit("b", 2, ledger.Sell, 1, 1)     // no buyers

	capture := func() (any, any, any) {
		out, err := h.store.FetchOutstanding()
		if err != nil {
			t.Fatal(err)
		}
		ha, _ := h.store.ListHistory("a")
		hb, _ := h.store.ListHistory("b")
		units, err := h.store.ListUnits()
		if err != nil {
			t.Fatal(err)
		}
		return out, append(ha, hb...), units
	}

	o1, h1, u1 := capture()
	for i := 0; i < 3; i++ {
		report := h.cycle()
		if len(report.Trades) != 0 || len(report.Skipped) != 0 {
			t.Fatalf("cycle %d = %+v, want no activity", i, report)
		}
		if report.Remaining != 4 {
			t.Errorf("remaining = %d, want 4", report.Remaining)
		}
	}
	o2, h2, u2 := capture()

	if !reflect.DeepEqual(o1, o2) || !reflect.DeepEqual(h1, h2) || !reflect.DeepEqual(u1, u2) {
		t.Error("cycle without compatible pairs changed state")
	}
}

func TestSettledOrdersNotRematched(t *testing.T) {
	h := newHarness(t, testSettlement())
	h.asset(assetX, "x")
	h.unit("a", 100, nil)
	h.unit("b", 0, map[int64]int64{assetX: 5})

	h.submit("a", assetX, ledger.Buy, 5, 10)
	h.submit("b", assetX, ledger.Sell, 5, 10)

	if n := len(h.cycle().Trades); n != 1 {
		t.Fatalf("first cycle trades = %d", n)
	}
	if n := len(h.cycle().Trades); n != 0 {
		t.Fatalf("second cycle trades = %d, want 0", n)
	}
}

func TestArchiveFilledSells(t *testing.T) {
	cfg := testSettlement()
	cfg.ArchiveFilledSells = true
	h := newHarness(t, cfg)
	h.asset(assetX, "x")
	h.unit("a", 100, nil)
	h.unit("b", 0, map[int64]int64{assetX: 10})

	h.submit("a", assetX, ledger.Buy, 4, 10)
	h.submit("a", assetX, ledger.Buy, 6, 10)
	sell := h.submit("b", assetX, ledger.Sell, 10, 5)

	h.cycle()

	if h.outstanding(sell) != nil {
		t.Fatal("emptied sell still outstanding")
	}
	arch := h.historic(sell)
	if arch == nil || arch.ResolvedAt == nil {
		t.Fatalf("archived sell = %+v, want resolved history entry", arch)
	}
	if arch.Quantity != 6 || arch.OriginalQuantity != 10 {
		t.Errorf("archived quantities = %d/%d, want final fill 6 of 10", arch.Quantity, arch.OriginalQuantity)
	}
	hist, err := h.gate.ListHistory(context.Background(), "b")
	if err != nil || len(hist) != 1 {
		t.Errorf("seller history = %v (%v), want the archived sell", hist, err)
	}
}

func TestSelfTradeLeavesLedgerUnchanged(t *testing.T) {
	h := newHarness(t, testSettlement())
	h.asset(assetX, "x")
	h.unit("solo", 50, map[int64]int64{assetX: 5})

	buy := h.submit("solo", assetX, ledger.Buy, 5, 10)
	sell := h.submit("solo", assetX, ledger.Sell, 5, 10)

	if n := len(h.cycle().Trades); n != 1 {
		t.Fatalf("trades = %d, want 1", n)
	}
	u := h.fetchUnit("solo")
	if u.Credits != 50 || u.Holding(assetX) != 5 {
		t.Errorf("self trade changed ledger: %+v", u)
	}
	if h.outstanding(buy) != nil || h.outstanding(sell) != nil {
		t.Error("self-traded orders still outstanding")
	}
}

func TestInvariantViolationSkipsPairing(t *testing.T) {
	h := newHarness(t, testSettlement())
	ctx := context.Background()
	h.asset(assetX, "x")
	h.asset(2, "y")
	h.unit("spender", 100, nil)
	h.unit("rich", 100, nil)
	h.unit("seller", 0, map[int64]int64{assetX: 10, 2: 10})

	broke := h.submit("spender", assetX, ledger.Buy, 5, 10)
	fine := h.submit("rich", 2, ledger.Buy, 1, 10)
	sellX := h.submit("seller", assetX, ledger.Sell, 5, 10)
	h.submit("seller", 2, ledger.Sell, 1, 10)

	// credits spent elsewhere after submission
	if err := h.admin.SetCredits(ctx, "spender", 20); err != nil {
		t.Fatal(err)
	}

	report := h.cycle()
	if len(report.Trades) != 1 || report.Trades[0].BuyOrderID != fine {
		t.Fatalf("trades = %+v, want only buy %d settled", report.Trades, fine)
	}
	if len(report.Skipped) != 1 {
		t.Fatalf("skipped = %+v, want one", report.Skipped)
	}
	var liv *ledger.LedgerInvariantViolation
	if skip := report.Skipped[0]; skip.BuyID != broke || skip.SellID != sellX || !errors.As(skip.Err, &liv) {
		t.Errorf("skip = %+v", skip)
	}

	if h.outstanding(broke) == nil || h.outstanding(sellX).Quantity != 5 {
		t.Error("skipped pairing must leave both orders outstanding")
	}
	if u := h.fetchUnit("spender"); u.Credits != 20 || u.Holding(assetX) != 0 {
		t.Errorf("spender = %+v, want untouched", u)
	}
	if u := h.fetchUnit("seller"); u.Holding(assetX) != 10 {
		t.Errorf("seller holding of x = %d, want 10", u.Holding(assetX))
	}
}

func TestSellerInventoryGoneSkipsPairing(t *testing.T) {
	h := newHarness(t, testSettlement())
	h.asset(assetX, "x")
	h.unit("a", 100, nil)
	h.unit("b", 0, map[int64]int64{assetX: 5})

	buy := h.submit("a", assetX, ledger.Buy, 5, 10)
	h.submit("b", assetX, ledger.Sell, 5, 10)
	if err := h.admin.SetHolding(context.Background(), "b", assetX, 2); err != nil {
		t.Fatal(err)
	}

	report := h.cycle()
	if len(report.Trades) != 0 || len(report.Skipped) != 1 {
		t.Fatalf("report = %+v", report)
	}
	if h.outstanding(buy) == nil {
		t.Error("buy must stay outstanding")
	}
	if u := h.fetchUnit("a"); u.Credits != 100 {
		t.Errorf("buyer credits = %d, want 100", u.Credits)
	}
}

func TestStoreFailureSkipsOnlyThatPairing(t *testing.T) {
	h := newHarness(t, testSettlement())
	h.asset(assetX, "x")
	h.unit("flaky", 100, nil)
	h.unit("steady", 100, nil)
	h.unit("seller", 0, map[int64]int64{assetX: 5})

	first := h.submit("flaky", assetX, ledger.Buy, 5, 10)
	second := h.submit("steady", assetX, ledger.Buy, 5, 10)
	sell := h.submit("seller", assetX, ledger.Sell, 5, 10)

	h.faulty.failUnit("flaky", errDiskGone)

	report := h.cycle()
	if len(report.Skipped) != 1 || !errors.Is(report.Skipped[0].Err, errDiskGone) {
		t.Fatalf("skipped = %+v, want the flaky pairing", report.Skipped)
	}
	var perr error = &report.Skipped[0]
	if !errors.Is(perr, errDiskGone) {
		t.Error("PairingError must unwrap to the cause")
	}
	if len(report.Trades) != 1 || report.Trades[0].BuyOrderID != second || report.Trades[0].SellOrderID != sell {
		t.Fatalf("trades = %+v, want steady buy settled against the sell", report.Trades)
	}
	if h.outstanding(first) == nil {
		t.Error("failed buy must remain outstanding")
	}
}

func TestCancelledOrderIsNotSettled(t *testing.T) {
	h := newHarness(t, testSettlement())
	h.asset(assetX, "x")
	h.unit("a", 100, nil)
	h.unit("b", 0, map[int64]int64{assetX: 5})

	h.submit("a", assetX, ledger.Buy, 5, 10)
	sell := h.submit("b", assetX, ledger.Sell, 5, 10)

	// snapshot taken, then the order disappears before the pairing runs
	snapshot, err := h.store.FetchOutstanding()
	if err != nil {
		t.Fatal(err)
	}
	if err := h.gate.Cancel(context.Background(), sell); err != nil {
		t.Fatal(err)
	}
	books := partition(snapshot)
	res := h.engine.settleBook(context.Background(), books[0])
	if len(res.trades) != 0 || len(res.skipped) != 1 || !errors.Is(res.skipped[0].Err, errSellGone) {
		t.Fatalf("result = %+v, want skipped with sell gone", res)
	}
	if u := h.fetchUnit("a"); u.Credits != 100 || u.Holding(assetX) != 0 {
		t.Errorf("buyer = %+v, want untouched", u)
	}
}

func TestCancelAndSettleAreExclusive(t *testing.T) {
	for i := 0; i < 25; i++ {
		h := newHarness(t, testSettlement())
		h.asset(assetX, "x")
		h.unit("a", 100, nil)
		h.unit("b", 0, map[int64]int64{assetX: 5})

		buy := h.submit("a", assetX, ledger.Buy, 5, 10)
		sell := h.submit("b", assetX, ledger.Sell, 5, 10)

		var (
			wg        sync.WaitGroup
			cancelErr error
			report    CycleReport
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			cancelErr = h.gate.Cancel(context.Background(), sell)
		}()
		go func() {
			defer wg.Done()
			report, _ = h.engine.RunCycle(context.Background())
		}()
		wg.Wait()

		a, b := h.fetchUnit("a"), h.fetchUnit("b")
		switch {
		case cancelErr == nil:
			if len(report.Trades) != 0 {
				t.Fatalf("run %d: cancel succeeded and trade settled", i)
			}
			if a.Credits != 100 || b.Holding(assetX) != 5 || h.outstanding(buy) == nil {
				t.Fatalf("run %d: cancelled sell still moved ledgers", i)
			}
		case ledger.IsNotFound(cancelErr, ledger.KindOrder):
			if len(report.Trades) != 1 {
				t.Fatalf("run %d: cancel lost but no trade", i)
			}
			if a.Credits != 50 || b.Credits != 50 || a.Holding(assetX) != 5 {
				t.Fatalf("run %d: ledgers a=%+v b=%+v", i, a, b)
			}
		default:
			t.Fatalf("run %d: cancel = %v", i, cancelErr)
		}
	}
}

func TestRunRetriesAfterStoreOutage(t *testing.T) {
	h := newHarness(t, testSettlement())
	h.asset(assetX, "x")
	h.unit("a", 100, nil)
	h.unit("b", 0, map[int64]int64{assetX: 5})
	h.submit("a", assetX, ledger.Buy, 5, 10)
	h.submit("b", assetX, ledger.Sell, 5, 10)

	var (
		mu     sync.Mutex
		trades []ledger.Trade
	)
	h.engine.OnTrade = func(tr ledger.Trade) {
		mu.Lock()
		defer mu.Unlock()
		trades = append(trades, tr)
	}
	tradeCount := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(trades)
	}

	h.faulty.failSnapshots(errDiskGone)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	waitFor(t, "first wait", func() bool { return h.clock.Waiters() == 1 })
	h.clock.Advance(time.Second)
	waitFor(t, "first failure", func() bool { return h.faulty.snapshotCount() == 1 && h.clock.Waiters() == 1 })

	// backoff starts at the initial retry delay, not the cycle interval
	h.clock.Advance(100 * time.Millisecond)
	waitFor(t, "second failure", func() bool { return h.faulty.snapshotCount() == 2 && h.clock.Waiters() == 1 })

	h.clock.Advance(100 * time.Millisecond)
	if h.faulty.snapshotCount() != 2 {
		t.Fatal("retry delay should grow after consecutive failures")
	}

	h.faulty.failSnapshots(nil)
	h.clock.Advance(400 * time.Millisecond)
	waitFor(t, "recovery", func() bool { return h.faulty.snapshotCount() == 3 && tradeCount() == 1 })

	select {
	case err := <-done:
		t.Fatalf("Run returned during outage: %v", err)
	default:
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRunStopsPromptlyMidWait(t *testing.T) {
	cfg := testSettlement()
	cfg.Interval = time.Hour
	h := newHarness(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	waitFor(t, "engine waiting", func() bool { return h.clock.Waiters() == 1 })
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop while sleeping")
	}
	if n := h.faulty.snapshotCount(); n != 0 {
		t.Errorf("snapshots = %d, want none before the first interval elapsed", n)
	}
}

func TestManyAssetsSettleInParallel(t *testing.T) {
	cfg := testSettlement()
	cfg.Workers = 3
	h := newHarness(t, cfg)
	h.unit("buyer", 10_000, nil)
	holdings := make(map[int64]int64)
	for id := int64(1); id <= 12; id++ {
		h.asset(id, "asset"+string(rune('a'+id)))
		holdings[id] = 10
	}
	h.unit("seller", 0, holdings)
	for id := int64(1); id <= 12; id++ {
		h.submit("buyer", id, ledger.Buy, 2, 10)
		h.submit("seller", id, ledger.Sell, 10, 10)
	}

	report := h.cycle()
	if len(report.Trades) != 12 {
		t.Fatalf("trades = %d, want 12", len(report.Trades))
	}
	for i := 1; i < len(report.Trades); i++ {
		if report.Trades[i-1].ID >= report.Trades[i].ID {
			t.Fatal("report trades must be ordered by id")
		}
	}
	buyer, seller := h.fetchUnit("buyer"), h.fetchUnit("seller")
	if buyer.Credits+seller.Credits != 10_000 {
		t.Errorf("credits not conserved: %d", buyer.Credits+seller.Credits)
	}
	if seller.Credits != 240 {
		t.Errorf("seller credits = %d, want 240", seller.Credits)
	}
}
