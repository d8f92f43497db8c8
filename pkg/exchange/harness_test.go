package exchange

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/unitex/params"
	"github.com/uhyunpark/unitex/pkg/ledger"
	"github.com/uhyunpark/unitex/pkg/storage"
	"github.com/uhyunpark/unitex/pkg/util"
)

// fataler is satisfied by both *testing.T and *rapid.T
type fataler interface {
	Helper()
	Fatalf(format string, args ...any)
}

var epoch = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

type harness struct {
	t      fataler
	store  *storage.Store
	faulty *faultyStore
	locks  *Locks
	clock  *util.ManualClock
	gate   *Gate
	admin  *Admin
	engine *Engine
}

func testSettlement() params.Settlement {
	cfg := params.Default().Settlement
	cfg.Interval = time.Second
	cfg.RetryInitial = 100 * time.Millisecond
	cfg.RetryMax = 400 * time.Millisecond
	return cfg
}

func buildHarness(t fataler, cfg params.Settlement) *harness {
	t.Helper()
	st, err := storage.NewInMemoryStore()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	logger := zap.NewNop().Sugar()
	h := &harness{
		t:      t,
		store:  st,
		faulty: &faultyStore{Store: st, unitErr: make(map[string]error)},
		locks:  NewLocks(),
		clock:  util.NewManualClock(epoch),
	}
	h.gate = NewGate(st, h.locks, h.clock, logger)
	h.admin = NewAdmin(st, h.locks, logger)
	h.engine = NewEngine(cfg, h.faulty, h.locks, h.clock, logger)
	return h
}

func newHarness(t *testing.T, cfg params.Settlement) *harness {
	t.Helper()
	h := buildHarness(t, cfg)
	t.Cleanup(func() { h.store.Close() })
	return h
}

func (h *harness) asset(id int64, desc string) {
	h.t.Helper()
	if _, err := h.admin.AddAsset(context.Background(), id, desc); err != nil {
		h.t.Fatalf("add asset %d: %v", id, err)
	}
}

func (h *harness) unit(name string, credits int64, holdings map[int64]int64) {
	h.t.Helper()
	ctx := context.Background()
	if _, err := h.admin.AddUnit(ctx, name, credits); err != nil {
		h.t.Fatalf("add unit %s: %v", name, err)
	}
	for assetID, qty := range holdings {
		if err := h.admin.SetHolding(ctx, name, assetID, qty); err != nil {
			h.t.Fatalf("set holding %s/%d: %v", name, assetID, err)
		}
	}
}

func (h *harness) submit(unit string, assetID int64, side ledger.Side, qty, price int64) uint64 {
	h.t.Helper()
	id, err := h.gate.Submit(context.Background(), SubmitRequest{
		Unit:       unit,
		AssetID:    assetID,
		Quantity:   qty,
		LimitPrice: price,
		Side:       side,
	})
	if err != nil {
		h.t.Fatalf("submit %s %s %dx%d@%d: %v", unit, side, qty, assetID, price, err)
	}
	return id
}

func (h *harness) cycle() CycleReport {
	h.t.Helper()
	report, err := h.engine.RunCycle(context.Background())
	if err != nil {
		h.t.Fatalf("run cycle: %v", err)
	}
	return report
}

func (h *harness) fetchUnit(name string) *ledger.Unit {
	h.t.Helper()
	u, err := h.store.FetchUnit(name)
	if err != nil || u == nil {
		h.t.Fatalf("fetch unit %s: %v", name, err)
	}
	return u
}

func (h *harness) outstanding(id uint64) *ledger.Order {
	h.t.Helper()
	o, err := h.store.FetchOrder(id)
	if err != nil {
		h.t.Fatalf("fetch order %d: %v", id, err)
	}
	return o
}

func (h *harness) historic(id uint64) *ledger.Order {
	h.t.Helper()
	o, err := h.store.FetchHistoricOrder(id)
	if err != nil {
		h.t.Fatalf("fetch historic order %d: %v", id, err)
	}
	return o
}

// faultyStore fails snapshot reads or unit reads on demand
type faultyStore struct {
	*storage.Store

	mu          sync.Mutex
	snapshotErr error
	snapshots   int
	unitErr     map[string]error
}

var errDiskGone = errors.New("disk gone")

func (f *faultyStore) FetchOutstanding() ([]*ledger.Order, error) {
	f.mu.Lock()
	f.snapshots++
	err := f.snapshotErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Store.FetchOutstanding()
}

func (f *faultyStore) FetchUnit(name string) (*ledger.Unit, error) {
	f.mu.Lock()
	err := f.unitErr[name]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Store.FetchUnit(name)
}

func (f *faultyStore) failSnapshots(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshotErr = err
}

func (f *faultyStore) failUnit(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unitErr[name] = err
}

func (f *faultyStore) snapshotCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshots
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
