package exchange

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"go.uber.org/zap"

	"github.com/uhyunpark/unitex/pkg/ledger"
	"github.com/uhyunpark/unitex/pkg/metrics"
	"github.com/uhyunpark/unitex/pkg/util"
)

// SubmitRequest is an order as requested by a caller, before validation
type SubmitRequest struct {
	Unit       string
	AssetID    int64
	Quantity   int64
	LimitPrice int64
	Side       ledger.Side
}

// Gate validates new orders into Outstanding and removes cancelled ones.
// It never mutates credits or holdings.
type Gate struct {
	store  Store
	locks  *Locks
	clock  util.Clock
	logger *zap.SugaredLogger
}

// NewGate creates a gate over the given ledger store
func NewGate(store Store, locks *Locks, clock util.Clock, logger *zap.SugaredLogger) *Gate {
	return &Gate{store: store, locks: locks, clock: clock, logger: logger}
}

// Submit validates the request against the unit's persisted ledger and inserts it
// into Outstanding. Funds are checked against current credits only; other resting
// buys of the same unit are not reserved against.
func (g *Gate) Submit(ctx context.Context, req SubmitRequest) (uint64, error) {
	id, err := g.submit(ctx, req)
	if err != nil {
		metrics.OrderRejected(rejectionReason(err))
		if ledger.IsRejection(err) {
			g.logger.Infow("order_rejected", "unit", req.Unit, "asset", req.AssetID, "side", req.Side.String(), "reason", err.Error())
		} else {
			g.logger.Errorw("order_submit_failed", "unit", req.Unit, "asset", req.AssetID, "err", err)
		}
		return 0, err
	}
	metrics.OrderSubmitted(req.Side.String())
	g.logger.Infow("order_placed", "order", id, "unit", req.Unit, "asset", req.AssetID,
		"side", req.Side.String(), "qty", req.Quantity, "price", req.LimitPrice)
	return id, nil
}

func (g *Gate) submit(ctx context.Context, req SubmitRequest) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	name, err := ledger.NormalizeUnitName(req.Unit)
	if err != nil {
		return 0, err
	}
	if req.Quantity <= 0 {
		return 0, &ledger.ValidationError{Field: "quantity", Reason: fmt.Sprintf("must be positive, got %d", req.Quantity)}
	}
	if req.LimitPrice < 0 {
		return 0, &ledger.ValidationError{Field: "price", Reason: fmt.Sprintf("must not be negative, got %d", req.LimitPrice)}
	}
	if req.Side != ledger.Buy && req.Side != ledger.Sell {
		return 0, &ledger.ValidationError{Field: "side", Reason: "must be buy or sell"}
	}

	// Unknown names are rejected before a lock entry is created for them.
	if _, err := existingUnit(g.store, name); err != nil {
		return 0, err
	}

	release := g.locks.Lock(name)
	defer release()

	unit, err := existingUnit(g.store, name)
	if err != nil {
		return 0, err
	}
	asset, err := g.store.FetchAsset(req.AssetID)
	if err != nil {
		return 0, err
	}
	if asset == nil {
		return 0, &ledger.NotFoundError{Kind: ledger.KindAsset, Key: strconv.FormatInt(req.AssetID, 10)}
	}

	switch req.Side {
	case ledger.Buy:
		cost, ok := ledger.Cost(req.Quantity, req.LimitPrice)
		if !ok {
			cost = math.MaxInt64
		}
		if cost > unit.Credits {
			return 0, &ledger.InsufficientFundsError{Unit: name, Required: cost, Available: unit.Credits}
		}
	case ledger.Sell:
		if held := unit.Holding(req.AssetID); held < req.Quantity {
			return 0, &ledger.InsufficientInventoryError{Unit: name, AssetID: req.AssetID, Required: req.Quantity, Available: held}
		}
	}

	order := &ledger.Order{
		Unit:             name,
		AssetID:          req.AssetID,
		Side:             req.Side,
		Quantity:         req.Quantity,
		OriginalQuantity: req.Quantity,
		LimitPrice:       req.LimitPrice,
		PlacedAt:         g.clock.Now(),
	}
	return g.store.InsertOrder(order)
}

// Cancel removes an order from Outstanding without touching any ledger.
// It holds the owning unit's lock, so it either wins against a settlement of the
// same order or finds the order already gone and reports NotFound.
func (g *Gate) Cancel(ctx context.Context, id uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	order, err := g.store.FetchOrder(id)
	if err != nil {
		return err
	}
	if order == nil {
		return &ledger.NotFoundError{Kind: ledger.KindOrder, Key: strconv.FormatUint(id, 10)}
	}

	release := g.locks.Lock(order.Unit)
	defer release()

	if err := g.store.CancelOrder(id); err != nil {
		return err
	}
	metrics.OrderCancelled()
	g.logger.Infow("order_cancelled", "order", id, "unit", order.Unit, "asset", order.AssetID)
	return nil
}

// ListOutstanding returns the unit's resting orders
func (g *Gate) ListOutstanding(ctx context.Context, unit string) ([]*ledger.Order, error) {
	name, err := g.requireUnit(ctx, unit)
	if err != nil {
		return nil, err
	}
	return g.store.ListOutstanding(name)
}

// ListHistory returns the unit's settled orders
func (g *Gate) ListHistory(ctx context.Context, unit string) ([]*ledger.Order, error) {
	name, err := g.requireUnit(ctx, unit)
	if err != nil {
		return nil, err
	}
	return g.store.ListHistory(name)
}

// Unit returns the unit's current credits and holdings
func (g *Gate) Unit(ctx context.Context, unit string) (*ledger.Unit, error) {
	name, err := ledger.NormalizeUnitName(unit)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return existingUnit(g.store, name)
}

func (g *Gate) requireUnit(ctx context.Context, unit string) (string, error) {
	u, err := g.Unit(ctx, unit)
	if err != nil {
		return "", err
	}
	return u.Name, nil
}

func rejectionReason(err error) string {
	var (
		ve  *ledger.ValidationError
		nf  *ledger.NotFoundError
		ife *ledger.InsufficientFundsError
		iie *ledger.InsufficientInventoryError
	)
	switch {
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &nf):
		return string(nf.Kind) + "_unknown"
	case errors.As(err, &ife):
		return "insufficient_funds"
	case errors.As(err, &iie):
		return "insufficient_inventory"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "store_error"
	}
}

// existingUnit fetches a unit and reports NotFound when it does not exist
func existingUnit(store Store, name string) (*ledger.Unit, error) {
	unit, err := store.FetchUnit(name)
	if err != nil {
		return nil, err
	}
	if unit == nil {
		return nil, &ledger.NotFoundError{Kind: ledger.KindUnit, Key: name}
	}
	return unit, nil
}
