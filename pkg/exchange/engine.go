package exchange

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/unitex/params"
	"github.com/uhyunpark/unitex/pkg/ledger"
	"github.com/uhyunpark/unitex/pkg/metrics"
	"github.com/uhyunpark/unitex/pkg/util"
)

var (
	errBuyGone      = errors.New("buy order no longer outstanding")
	errSellGone     = errors.New("sell order no longer outstanding")
	errIncompatible = errors.New("orders no longer compatible")
)

// PairingError is a failure applying one buy/sell pairing.
// The pairing is skipped and both orders stay as they were.
type PairingError struct {
	BuyID  uint64
	SellID uint64
	Err    error
}

func (e *PairingError) Error() string {
	return fmt.Sprintf("pairing buy %d / sell %d: %v", e.BuyID, e.SellID, e.Err)
}

func (e *PairingError) Unwrap() error { return e.Err }

// CycleReport summarizes one settlement cycle
type CycleReport struct {
	Snapshot  int // outstanding orders read at the start of the cycle
	Remaining int // of those, still outstanding at the end
	Trades    []ledger.Trade
	Skipped   []PairingError
}

// Engine periodically settles compatible outstanding orders
type Engine struct {
	cfg    params.Settlement
	store  Store
	locks  *Locks
	clock  util.Clock
	logger *zap.SugaredLogger

	// OnTrade is called after each committed trade, outside any unit lock.
	// Workers settling different assets may call it concurrently.
	OnTrade func(ledger.Trade)

	cycleMu sync.Mutex
}

// NewEngine creates an engine. Zero Workers means one book at a time.
func NewEngine(cfg params.Settlement, store Store, locks *Locks, clock util.Clock, logger *zap.SugaredLogger) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Price == "" {
		cfg.Price = params.SellerPrice
	}
	return &Engine{
		cfg:    cfg,
		store:  store,
		locks:  locks,
		clock:  clock,
		logger: logger,
	}
}

// Run settles every Interval until ctx is done. A cycle that cannot read the ledger
// is retried with exponential backoff; Run only returns on shutdown.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Infow("settlement_started",
		"interval", e.cfg.Interval,
		"workers", e.cfg.Workers,
		"price_rule", string(e.cfg.Price),
		"archive_filled_sells", e.cfg.ArchiveFilledSells,
	)

	bo := e.newBackOff()
	wait := e.cfg.Interval
	for {
		select {
		case <-ctx.Done():
			e.logger.Infow("settlement_stopped")
			return ctx.Err()
		case <-e.clock.After(wait):
		}

		_, err := e.RunCycle(ctx)
		if err == nil {
			bo.Reset()
			wait = e.cfg.Interval
			continue
		}
		if ctx.Err() != nil {
			e.logger.Infow("settlement_stopped")
			return ctx.Err()
		}
		wait = bo.NextBackOff()
		if wait == backoff.Stop {
			wait = e.cfg.RetryMax
		}
		e.logger.Warnw("ledger_unavailable", "err", err, "retry_in", wait)
	}
}

func (e *Engine) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.RetryInitial
	bo.MaxInterval = e.cfg.RetryMax
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Clock = e.clock
	bo.Reset()
	return bo
}

// RunCycle runs exactly one settlement cycle over a fresh snapshot of Outstanding.
// Only a failed snapshot read is returned as an error; pairing failures are reported
// in CycleReport.Skipped.
func (e *Engine) RunCycle(ctx context.Context) (CycleReport, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	start := time.Now()
	snapshot, err := e.store.FetchOutstanding()
	if err != nil {
		metrics.CycleCompleted("store_unavailable", time.Since(start), 0)
		return CycleReport{}, fmt.Errorf("failed to snapshot outstanding orders: %w", err)
	}

	report := CycleReport{Snapshot: len(snapshot)}
	retired := 0
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for _, b := range partition(snapshot) {
		if !b.matchable() {
			continue
		}
		b := b
		g.Go(func() error {
			res := e.settleBook(gctx, b)
			mu.Lock()
			report.Trades = append(report.Trades, res.trades...)
			report.Skipped = append(report.Skipped, res.skipped...)
			retired += res.retired
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(report.Trades, func(i, j int) bool { return report.Trades[i].ID < report.Trades[j].ID })
	report.Remaining = report.Snapshot - retired

	metrics.CycleCompleted("ok", time.Since(start), report.Remaining)
	if len(report.Trades) > 0 || len(report.Skipped) > 0 {
		e.logger.Infow("settlement_cycle",
			"outstanding", report.Snapshot,
			"trades", len(report.Trades),
			"skipped", len(report.Skipped),
			"remaining", report.Remaining,
			"took", time.Since(start),
		)
	} else {
		e.logger.Debugw("settlement_cycle", "outstanding", report.Snapshot)
	}
	return report, nil
}

type bookResult struct {
	trades  []ledger.Trade
	skipped []PairingError
	retired int
}

// settleBook walks one asset's buys in id order. Each buy settles against the first
// compatible sell and is then done; a failed pairing moves on to the next sell.
func (e *Engine) settleBook(ctx context.Context, b *book) bookResult {
	var res bookResult
	for _, buy := range b.buys {
		if ctx.Err() != nil {
			return res
		}
	sells:
		for i := 0; i < len(b.sells); i++ {
			sell := b.sells[i]
			if !compatible(buy, sell) {
				continue
			}

			trade, err := e.settlePair(buy, sell)
			if err != nil {
				res.skipped = append(res.skipped, PairingError{BuyID: buy.ID, SellID: sell.ID, Err: err})
				e.skip(buy, sell, err)
				switch {
				case errors.Is(err, errBuyGone):
					res.retired++
					break sells
				case errors.Is(err, errSellGone):
					b.removeSell(sell.ID)
					res.retired++
					i--
				}
				continue
			}

			res.trades = append(res.trades, *trade)
			res.retired++
			if sell.Quantity == 0 {
				b.removeSell(sell.ID)
				res.retired++
			}
			metrics.TradeSettled(strconv.FormatInt(trade.AssetID, 10), trade.Value())
			e.logger.Infow("trade_settled",
				"trade", trade.ID,
				"asset", trade.AssetID,
				"buy", trade.BuyOrderID,
				"sell", trade.SellOrderID,
				"buyer", trade.Buyer,
				"seller", trade.Seller,
				"qty", trade.Quantity,
				"price", trade.Price,
			)
			if e.OnTrade != nil {
				e.OnTrade(*trade)
			}
			break
		}
	}
	return res
}

func (e *Engine) skip(buy, sell *ledger.Order, err error) {
	reason := "store_error"
	var (
		liv *ledger.LedgerInvariantViolation
		nf  *ledger.NotFoundError
	)
	switch {
	case errors.Is(err, errBuyGone), errors.Is(err, errSellGone):
		reason = "order_gone"
	case errors.Is(err, errIncompatible):
		reason = "incompatible"
	case errors.As(err, &liv):
		reason = "invariant"
	case errors.As(err, &nf):
		reason = "unit_unknown"
	}
	metrics.PairingSkipped(reason)
	e.logger.Warnw("pairing_skipped",
		"asset", buy.AssetID,
		"buy", buy.ID,
		"sell", sell.ID,
		"reason", reason,
		"err", err,
	)
}

// settlePair applies one trade under the locks of both units. Orders and units are
// re-read inside the locks, so a concurrent cancellation either happened before (the
// pairing fails with an order-gone error) or waits until the trade has committed.
// On success the cycle's copy of sell carries the new remaining quantity.
func (e *Engine) settlePair(buy, sell *ledger.Order) (*ledger.Trade, error) {
	release := e.locks.Lock(buy.Unit, sell.Unit)
	defer release()

	freshBuy, err := e.store.FetchOrder(buy.ID)
	if err != nil {
		return nil, err
	}
	if freshBuy == nil {
		return nil, errBuyGone
	}
	freshSell, err := e.store.FetchOrder(sell.ID)
	if err != nil {
		return nil, err
	}
	if freshSell == nil {
		return nil, errSellGone
	}
	sell.Quantity = freshSell.Quantity
	if !compatible(freshBuy, freshSell) {
		return nil, errIncompatible
	}

	qty := freshBuy.Quantity
	price := settlementPrice(e.cfg.Price, freshBuy, freshSell)
	value, ok := ledger.Cost(qty, price)
	if !ok {
		return nil, &ledger.LedgerInvariantViolation{Unit: freshBuy.Unit, Reason: fmt.Sprintf("trade value %d x %d overflows", qty, price)}
	}

	buyer, err := e.fetchUnit(freshBuy.Unit)
	if err != nil {
		return nil, err
	}
	seller := buyer
	if freshSell.Unit != freshBuy.Unit {
		if seller, err = e.fetchUnit(freshSell.Unit); err != nil {
			return nil, err
		}
	}
	if seller.Credits > math.MaxInt64-value {
		return nil, &ledger.LedgerInvariantViolation{Unit: seller.Name, Reason: "credits would overflow"}
	}

	asset := freshBuy.AssetID
	buyer.Credits -= value
	buyer.Holdings[asset] += qty
	seller.Credits += value
	seller.Holdings[asset] -= qty
	if err := buyer.Validate(); err != nil {
		return nil, err
	}
	if err := seller.Validate(); err != nil {
		return nil, err
	}

	now := e.clock.Now()
	trade := &ledger.Trade{
		AssetID:     asset,
		BuyOrderID:  freshBuy.ID,
		SellOrderID: freshSell.ID,
		Buyer:       buyer.Name,
		Seller:      seller.Name,
		Quantity:    qty,
		Price:       price,
		ExecutedAt:  now,
	}

	batch := e.store.NewBatch()
	defer batch.Close()

	for _, u := range uniqueUnits(buyer, seller) {
		if err := batch.AdjustBalance(u.Name, u.Credits); err != nil {
			return nil, err
		}
		if err := batch.AdjustHolding(u.Name, asset, u.Holdings[asset]); err != nil {
			return nil, err
		}
	}

	freshBuy.Resolve(now)
	if err := batch.MoveToHistory(freshBuy); err != nil {
		return nil, err
	}

	remaining := freshSell.Quantity - qty
	switch {
	case remaining > 0:
		freshSell.Quantity = remaining
		err = batch.UpdateOutstanding(freshSell)
	case e.cfg.ArchiveFilledSells:
		freshSell.Quantity = qty
		freshSell.Resolve(now)
		err = batch.MoveToHistory(freshSell)
	default:
		err = batch.CancelOrder(freshSell.ID)
	}
	if err != nil {
		return nil, err
	}

	if err := batch.RecordTrade(trade); err != nil {
		return nil, err
	}
	if err := batch.Commit(); err != nil {
		return nil, err
	}

	sell.Quantity = remaining
	return trade, nil
}

func (e *Engine) fetchUnit(name string) (*ledger.Unit, error) {
	u, err := e.store.FetchUnit(name)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, &ledger.NotFoundError{Kind: ledger.KindUnit, Key: name}
	}
	return u, nil
}

func uniqueUnits(buyer, seller *ledger.Unit) []*ledger.Unit {
	if buyer == seller {
		return []*ledger.Unit{buyer}
	}
	return []*ledger.Unit{buyer, seller}
}
