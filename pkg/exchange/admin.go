package exchange

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/uhyunpark/unitex/pkg/ledger"
)

// Admin seeds and adjusts the ledger outside of settlement.
// Credit and holding adjustments take the unit's lock like every other writer.
type Admin struct {
	store  AdminStore
	locks  *Locks
	logger *zap.SugaredLogger
}

// NewAdmin creates an admin over the given ledger store
func NewAdmin(store AdminStore, locks *Locks, logger *zap.SugaredLogger) *Admin {
	return &Admin{store: store, locks: locks, logger: logger}
}

// AddAsset registers an asset under a caller-chosen id and a unique description
func (a *Admin) AddAsset(ctx context.Context, id int64, description string) (*ledger.Asset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, &ledger.ValidationError{Field: "description", Reason: "must not be empty"}
	}
	if id < 0 {
		return nil, &ledger.ValidationError{Field: "assetId", Reason: fmt.Sprintf("must not be negative, got %d", id)}
	}
	asset := ledger.Asset{ID: id, Description: description}
	if err := a.store.AddAsset(asset); err != nil {
		return nil, err
	}
	a.logger.Infow("asset_added", "asset", id, "description", description)
	return &asset, nil
}

// RenameAsset replaces an asset's description
func (a *Admin) RenameAsset(ctx context.Context, id int64, description string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	description = strings.TrimSpace(description)
	if description == "" {
		return &ledger.ValidationError{Field: "description", Reason: "must not be empty"}
	}
	if err := a.store.RenameAsset(id, description); err != nil {
		return err
	}
	a.logger.Infow("asset_renamed", "asset", id, "description", description)
	return nil
}

// ListAssets returns every asset ordered by id
func (a *Admin) ListAssets(ctx context.Context) ([]*ledger.Asset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a.store.ListAssets()
}

// AddUnit creates a unit with starting credits and no holdings
func (a *Admin) AddUnit(ctx context.Context, name string, credits int64) (*ledger.Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	canonical, err := ledger.NormalizeUnitName(name)
	if err != nil {
		return nil, err
	}
	if credits < 0 {
		return nil, &ledger.ValidationError{Field: "credits", Reason: fmt.Sprintf("must not be negative, got %d", credits)}
	}

	release := a.locks.Lock(canonical)
	defer release()

	u, err := a.store.AddUnit(canonical, credits)
	if err != nil {
		return nil, err
	}
	a.logger.Infow("unit_added", "unit", u.Name, "credits", credits)
	return u, nil
}

// ListUnits returns every unit with its credits and holdings
func (a *Admin) ListUnits(ctx context.Context) ([]*ledger.Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a.store.ListUnits()
}

// SetCredits sets a unit's credit balance to an absolute value
func (a *Admin) SetCredits(ctx context.Context, unit string, credits int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name, err := ledger.NormalizeUnitName(unit)
	if err != nil {
		return err
	}
	if credits < 0 {
		return &ledger.LedgerInvariantViolation{Unit: name, Reason: fmt.Sprintf("credits would become %d", credits)}
	}
	if _, err := existingUnit(a.store, name); err != nil {
		return err
	}

	release := a.locks.Lock(name)
	defer release()

	if err := a.store.AdjustBalance(name, credits); err != nil {
		return err
	}
	a.logger.Infow("credits_set", "unit", name, "credits", credits)
	return nil
}

// SetHolding sets a unit's holding of an asset to an absolute quantity
func (a *Admin) SetHolding(ctx context.Context, unit string, assetID int64, quantity int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name, err := ledger.NormalizeUnitName(unit)
	if err != nil {
		return err
	}
	if quantity < 0 {
		return &ledger.LedgerInvariantViolation{Unit: name, Reason: fmt.Sprintf("holding of asset %d would become %d", assetID, quantity)}
	}
	asset, err := a.store.FetchAsset(assetID)
	if err != nil {
		return err
	}
	if asset == nil {
		return &ledger.NotFoundError{Kind: ledger.KindAsset, Key: fmt.Sprint(assetID)}
	}
	if _, err := existingUnit(a.store, name); err != nil {
		return err
	}

	release := a.locks.Lock(name)
	defer release()

	if err := a.store.AdjustHolding(name, assetID, quantity); err != nil {
		return err
	}
	a.logger.Infow("holding_set", "unit", name, "asset", assetID, "qty", quantity)
	return nil
}

// Trades returns the most recent trades of an asset, newest first
func (a *Admin) Trades(ctx context.Context, assetID int64, limit int) ([]*ledger.Trade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	asset, err := a.store.FetchAsset(assetID)
	if err != nil {
		return nil, err
	}
	if asset == nil {
		return nil, &ledger.NotFoundError{Kind: ledger.KindAsset, Key: fmt.Sprint(assetID)}
	}
	return a.store.ListTrades(assetID, limit)
}

// UnitTrades returns every trade a unit took part in, oldest first
func (a *Admin) UnitTrades(ctx context.Context, unit string) ([]*ledger.Trade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name, err := ledger.NormalizeUnitName(unit)
	if err != nil {
		return nil, err
	}
	return a.store.ListUnitTrades(name)
}
